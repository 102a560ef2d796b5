// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import "strings"

// Generation markers. A path must carry one of these (plus the "models"
// segment) to be intercepted. Checks are case-sensitive substring
// matches; generateContent deliberately also matches its streaming
// variant.
const (
	markerGenerate       = "generateContent"
	markerStreamGenerate = "streamGenerateContent"
	markerListModels     = "listModels"
)

// Intercepts reports whether a request for path on host is subject to
// interception. Only generative-language API calls qualify: the host
// must contain the target domain, and the path must contain both the
// literal "models" segment and a generation marker. Everything else —
// in particular every authentication flow — is passed through
// unclassified.
func Intercepts(host, targetHost, path string) bool {
	if !strings.Contains(host, targetHost) {
		return false
	}
	if !strings.Contains(path, "models") {
		return false
	}
	return strings.Contains(path, markerGenerate) ||
		strings.Contains(path, markerStreamGenerate) ||
		strings.Contains(path, markerListModels)
}

// IsStreaming reports whether path names the streaming generation
// endpoint, whose response body is a chunk sequence rather than a
// single JSON object.
func IsStreaming(path string) bool {
	return strings.Contains(path, markerStreamGenerate)
}
