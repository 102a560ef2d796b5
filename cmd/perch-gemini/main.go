// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Perch-gemini wraps the Gemini CLI with an intercepting proxy that
// relays the conversation to the Perch dashboard. The CLI runs under a
// PTY with its proxy environment injected; generation traffic is
// observed in flight, everything else passes through untouched.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/perch-dev/perch/lib/version"
	"github.com/perch-dev/perch/provider"
	"github.com/perch-dev/perch/proxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port        int
		apiKey      string
		baseURL     string
		configPath  string
		debug       bool
		noLaunch    bool
		showVersion bool
	)

	flags := pflag.NewFlagSet("perch-gemini", pflag.ContinueOnError)
	flags.IntVar(&port, "port", 0, "proxy listen port (default 8080; a busy default scans forward, a busy explicit port is fatal)")
	flags.StringVar(&apiKey, "api-key", "", "dashboard API key (or PERCH_API_KEY env; empty runs passthrough)")
	flags.StringVar(&baseURL, "base-url", "", "dashboard base URL")
	flags.StringVar(&configPath, "config", "", "path to YAML config file")
	flags.BoolVar(&debug, "debug", false, "enable debug logging, including intercepted-message audit records")
	flags.BoolVar(&noLaunch, "no-launch", false, "run the proxy without launching the CLI")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("perch-gemini %s\n", version.Info())
		return nil
	}

	// Config file over defaults, flags over both.
	config := proxy.Default()
	if configPath != "" {
		loaded, err := proxy.LoadFile(configPath)
		if err != nil {
			return err
		}
		config = loaded
	}
	if flags.Changed("port") {
		config.ListenPort = port
		config.ExplicitPort = true
	}
	if apiKey != "" {
		config.APIKey = apiKey
	} else if config.APIKey == "" {
		config.APIKey = os.Getenv("PERCH_API_KEY")
	}
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if debug {
		config.Debug = true
	}
	if noLaunch {
		config.AutoLaunch = false
	}

	level := slog.LevelInfo
	if config.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting perch-gemini",
		"version", version.Info(),
		"target", config.TargetHost,
		"dashboard", config.BaseURL,
		"auto_launch", config.AutoLaunch,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gemini := provider.NewGemini(config, logger)
	defer gemini.Cleanup()

	if err := gemini.Run(ctx); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
