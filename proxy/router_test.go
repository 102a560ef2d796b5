// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import "testing"

const testTargetHost = "generativelanguage.googleapis.com"

func TestIntercepts(t *testing.T) {
	tests := []struct {
		name string
		host string
		path string
		want bool
	}{
		{
			name: "non-streaming generate",
			host: "generativelanguage.googleapis.com",
			path: "v1beta/models/gemini-pro:generateContent",
			want: true,
		},
		{
			name: "streaming generate",
			host: "generativelanguage.googleapis.com:443",
			path: "v1beta/models/gemini-1.5-pro:streamGenerateContent",
			want: true,
		},
		{
			name: "list models",
			host: "generativelanguage.googleapis.com",
			path: "v1beta/models?pageSize=50&listModels",
			want: true,
		},
		{
			name: "wrong host",
			host: "oauth2.googleapis.com",
			path: "v1beta/models/gemini-pro:generateContent",
			want: false,
		},
		{
			name: "missing models segment",
			host: "generativelanguage.googleapis.com",
			path: "v1beta/generateContent",
			want: false,
		},
		{
			name: "no generation marker",
			host: "generativelanguage.googleapis.com",
			path: "v1beta/models/gemini-pro",
			want: false,
		},
		{
			name: "marker is case-sensitive",
			host: "generativelanguage.googleapis.com",
			path: "v1beta/models/gemini-pro:generatecontent",
			want: false,
		},
		{
			name: "auth endpoint on target-adjacent host",
			host: "accounts.google.com",
			path: "o/oauth2/v2/auth",
			want: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Intercepts(test.host, testTargetHost, test.path)
			if got != test.want {
				t.Errorf("Intercepts(%q, %q) = %v, want %v", test.host, test.path, got, test.want)
			}
		})
	}
}

func TestIsStreaming(t *testing.T) {
	if !IsStreaming("v1beta/models/gemini-pro:streamGenerateContent") {
		t.Error("streaming path not recognized")
	}
	if IsStreaming("v1beta/models/gemini-pro:generateContent") {
		t.Error("non-streaming path classified as streaming")
	}
}
