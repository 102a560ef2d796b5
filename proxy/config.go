// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds proxy configuration. All fields are fixed at startup
// except ListenPort, which the server may rebind once during startup
// when the requested port is busy and ExplicitPort is false.
type Config struct {
	// ListenPort is the loopback port the proxy listens on.
	ListenPort int `yaml:"listen_port"`

	// ExplicitPort marks ListenPort as pinned by the caller. A pinned
	// port that is busy at startup is a fatal error; an unpinned one is
	// rebound by scanning forward. Set from flag usage, never from the
	// config file.
	ExplicitPort bool `yaml:"-"`

	// TargetHost is the upstream API host all proxied traffic is
	// forwarded to.
	TargetHost string `yaml:"target_host"`

	// APIKey authenticates against the dashboard. Empty means
	// passthrough mode: traffic is proxied but nothing is relayed.
	APIKey string `yaml:"api_key"`

	// BaseURL is the dashboard endpoint.
	BaseURL string `yaml:"base_url"`

	// AgentType is the agent label attached to relayed messages.
	AgentType string `yaml:"agent_type"`

	// Command is the CLI executable launched under the PTY bridge.
	Command string `yaml:"command"`

	// AutoLaunch controls whether the CLI is launched automatically
	// once the listener is live.
	AutoLaunch bool `yaml:"auto_launch"`

	// Debug enables debug-level logging, including intercepted-message
	// audit records.
	Debug bool `yaml:"debug"`
}

// Default returns the base configuration. The config file and flags
// both override these values.
func Default() Config {
	return Config{
		ListenPort: 8080,
		TargetHost: "generativelanguage.googleapis.com",
		BaseURL:    "https://dashboard.perch.dev",
		AgentType:  "Gemini",
		Command:    "gemini",
		AutoLaunch: true,
	}
}

// LoadFile merges a YAML config file over the default configuration.
func LoadFile(path string) (Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error

	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if c.TargetHost == "" {
		errs = append(errs, fmt.Errorf("target_host is required"))
	}
	if c.APIKey != "" && c.BaseURL == "" {
		errs = append(errs, fmt.Errorf("base_url is required when api_key is set"))
	}
	if c.AutoLaunch && c.Command == "" {
		errs = append(errs, fmt.Errorf("command is required when auto_launch is enabled"))
	}

	return errors.Join(errs...)
}

// ProxyURL returns the URL the wrapped CLI should route traffic through.
func (c Config) ProxyURL() string {
	return fmt.Sprintf("http://localhost:%d", c.ListenPort)
}
