// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the local intercepting proxy the wrapped
// Gemini CLI is routed through.
//
// [Server] binds a loopback listener (scanning forward from the
// requested port unless the caller pinned it), classifies every inbound
// request, and forwards it to the upstream generative-language API. The
// wrapped CLI and the upstream API always see each other's bytes
// unmodified; interception only observes copies.
//
// Classification is deliberately narrow: a request is intercepted only
// when its host names the target domain and its path carries both the
// "models" segment and a generation marker. Everything else — above all
// OAuth and token traffic — passes through untouched. CONNECT tunnels
// are refused outright with a fixed 404; domains that need TLS end to
// end are excluded from proxying at the subprocess environment level
// (see the bridge package) rather than intercepted.
//
// On the intercept path, request bodies yield user messages and response
// bodies (streaming responses reassembled first) yield model messages,
// which are relayed to the dashboard through the session registry's
// bind-once conversation handles. Parse and relay failures are logged
// and never affect the proxied exchange.
package proxy
