// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider ties a proxy server and a CLI bridge together into
// one runnable unit per wrapped agent. A Provider owns the full
// construction and teardown order so callers get a single Run/Cleanup
// surface regardless of which agent CLI is being wrapped.
package provider
