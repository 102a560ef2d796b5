// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks intercepted conversations and their linkage to
// dashboard conversation handles.
//
// A [Session] is created lazily the first time the proxy intercepts a
// request for an unseen session key, accumulates role-tagged messages in
// conversation order, and binds a remote handle at most once — on the
// first successful user-message relay. The [Registry] owns the key→session
// map and serializes access internally; HTTP handlers run on concurrent
// goroutines and need no locking of their own.
//
// Nothing persists across restarts. At shutdown [Registry.EndAll] issues a
// best-effort end-session call for every bound handle.
package session
