// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

// Package gemini defines the Gemini v1beta generative-language wire types
// and pure text-extraction helpers over them.
//
// The proxy observes raw request and response bodies; this package turns
// those bodies into plain conversational text. Extraction is total: bodies
// or stream lines that fail to decode contribute nothing rather than
// failing the caller, because a parse failure must never block the
// request being forwarded.
package gemini
