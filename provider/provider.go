// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import "context"

// Provider runs one wrapped agent: its intercepting proxy and,
// optionally, its CLI under a PTY.
type Provider interface {
	// Run starts the provider and blocks until the wrapped CLI exits
	// or ctx is cancelled. Teardown happens before Run returns.
	Run(ctx context.Context) error

	// Cleanup releases whatever Run left behind. Idempotent, safe to
	// call whether or not Run completed.
	Cleanup()
}
