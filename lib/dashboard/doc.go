// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package dashboard is a thin client for the Perch dashboard REST API.
//
// The proxy relays intercepted conversation text through three
// operations: sending a role-tagged message (which creates a
// conversation handle when none is supplied and reuses it otherwise),
// and ending a conversation by handle. The dashboard's internal
// protocol is not this repository's concern beyond these shapes.
package dashboard
