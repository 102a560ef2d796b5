// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/perch-dev/perch/bridge"
	"github.com/perch-dev/perch/proxy"
)

// shutdownTimeout bounds the drain of in-flight proxied requests and
// the dashboard end-session calls during teardown.
const shutdownTimeout = 10 * time.Second

// Gemini wraps the Gemini CLI: an intercepting proxy in front of the
// generative-language API plus the CLI itself running under a PTY with
// the proxy environment injected.
type Gemini struct {
	config proxy.Config
	logger *slog.Logger

	server *proxy.Server
	cli    *bridge.Bridge

	cleanupOnce sync.Once
}

// NewGemini creates the provider. Nothing is started until Run.
func NewGemini(config proxy.Config, logger *slog.Logger) *Gemini {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{config: config, logger: logger}
}

// Run starts the proxy server, launches the CLI when configured and
// present, and blocks until the CLI exits or ctx is cancelled. The
// proxy is torn down before Run returns; a missing CLI degrades to
// proxy-only mode rather than failing.
func (g *Gemini) Run(ctx context.Context) error {
	server, err := proxy.NewServer(g.config, g.logger)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}
	g.server = server
	defer g.Cleanup()

	launched := false
	if g.config.AutoLaunch {
		switch err := g.launchCLI(server.ProxyURL()); {
		case err == nil:
			launched = true
		case errors.Is(err, bridge.ErrCLINotFound):
			g.logger.Warn("CLI not found, running proxy-only",
				"command", g.config.Command,
				"proxy_url", server.ProxyURL(),
			)
		default:
			return fmt.Errorf("launch %s: %w", g.config.Command, err)
		}
	} else {
		g.logger.Info("auto-launch disabled, running proxy-only",
			"proxy_url", server.ProxyURL(),
		)
	}

	if !launched {
		<-ctx.Done()
		return nil
	}

	// CLI exit and ctx cancellation are both normal ends of a session.
	if err := g.cli.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// launchCLI locates the CLI, builds its proxied environment, and starts
// it under the bridge.
func (g *Gemini) launchCLI(proxyURL string) error {
	path, err := bridge.Locate(g.config.Command)
	if err != nil {
		return err
	}

	columns, rows := bridge.TerminalSize()
	environment := bridge.Environ(os.Environ(), proxyURL, columns, rows)

	cli := bridge.New(path, nil, environment, g.logger)
	if err := cli.Start(); err != nil {
		return err
	}
	g.cli = cli
	return nil
}

// Cleanup stops the CLI bridge and shuts the proxy down, ending any
// open dashboard sessions. Idempotent; Run calls it on every exit path
// and the command layer calls it again from its signal path.
func (g *Gemini) Cleanup() {
	g.cleanupOnce.Do(func() {
		if g.cli != nil {
			g.cli.Stop()
		}
		if g.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := g.server.Shutdown(ctx); err != nil {
				g.logger.Warn("proxy shutdown", "error", err)
			}
		}
	})
}
