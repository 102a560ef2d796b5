// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge launches the wrapped CLI under a pseudo-terminal with
// proxy environment injection and relays terminal I/O between the
// operator and the child.
//
// The child process sees an environment where HTTP_PROXY and
// HTTPS_PROXY point at the local intercepting proxy while NO_PROXY
// exempts Google's auth and static-content hosts, so OAuth flows reach
// Google directly and only generation traffic transits the proxy. The
// operator's terminal is switched to raw mode for the lifetime of the
// child and restored on every exit path.
package bridge
