// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrCLINotFound is returned by Locate when the wrapped CLI cannot be
// found in PATH or any of the common install locations. The caller is
// expected to degrade to proxy-only mode rather than abort.
var ErrCLINotFound = errors.New("CLI executable not found")

// noProxyHosts is the fixed bypass list injected as NO_PROXY. These
// hosts must reach Google directly: proxying the OAuth endpoints breaks
// the CLI's login flow, and the static-content hosts carry nothing
// worth observing. The list and its order are an external contract —
// the child process receives it byte for byte.
var noProxyHosts = []string{
	"accounts.google.com",
	"oauth2.googleapis.com",
	"www.googleapis.com",
	"googleapis.com",
	"makersuite.google.com",
	"*.google.com",
	"*.googleapis.com",
	"gstatic.com",
	"*.gstatic.com",
	"googleusercontent.com",
	"*.googleusercontent.com",
	"localhost",
	"127.0.0.1",
	"::1",
}

// Locate resolves the CLI executable. PATH wins; otherwise the common
// install locations for npm-distributed CLIs are probed in order.
func Locate(command string) (string, error) {
	if path, err := exec.LookPath(command); err == nil {
		return path, nil
	}

	candidates := []string{
		filepath.Join("/opt/homebrew/bin", command),
		filepath.Join("/usr/local/bin", command),
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".local", "bin", command),
			filepath.Join(home, "node_modules", ".bin", command),
		)
	}

	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}

	return "", fmt.Errorf("%w: %q not in PATH or %s", ErrCLINotFound, command, strings.Join(candidates, ", "))
}

// proxyVariables are the environment keys Environ owns. Any existing
// values are dropped from the base environment before the injected ones
// are appended, so a stale system proxy can't shadow ours.
var proxyVariables = map[string]bool{
	"HTTP_PROXY":  true,
	"HTTPS_PROXY": true,
	"NO_PROXY":    true,
	"http_proxy":  true,
	"https_proxy": true,
	"no_proxy":    true,
	"TERM":        true,
	"COLUMNS":     true,
	"ROWS":        true,
}

// Environ builds the child environment: base with the proxy and
// terminal variables replaced. proxyURL is the local listener, columns
// and rows are the operator terminal's dimensions.
func Environ(base []string, proxyURL string, columns, rows int) []string {
	environment := make([]string, 0, len(base)+9)
	for _, entry := range base {
		key, _, found := strings.Cut(entry, "=")
		if found && proxyVariables[key] {
			continue
		}
		environment = append(environment, entry)
	}

	noProxy := strings.Join(noProxyHosts, ",")
	environment = append(environment,
		"HTTP_PROXY="+proxyURL,
		"HTTPS_PROXY="+proxyURL,
		"NO_PROXY="+noProxy,
		"http_proxy="+proxyURL,
		"https_proxy="+proxyURL,
		"no_proxy="+noProxy,
		"TERM=xterm-256color",
		fmt.Sprintf("COLUMNS=%d", columns),
		fmt.Sprintf("ROWS=%d", rows),
	)
	return environment
}
