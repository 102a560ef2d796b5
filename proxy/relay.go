// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// upstreamTimeout is the overall timeout for upstream calls. There is
// no finer-grained per-request deadline; this bound covers connect,
// request, and full body read.
const upstreamTimeout = 60 * time.Second

// relay forwards requests to the upstream API.
type relay struct {
	base       *url.URL
	httpClient *http.Client
}

// newRelay creates a relay targeting base (e.g.
// "https://generativelanguage.googleapis.com").
//
// TLS verification is disabled: the proxy terminates plaintext from the
// CLI and re-originates HTTPS locally, a proxy-local testing posture
// that must not feed production trust decisions.
func newRelay(base string) (*relay, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", base, err)
	}
	return &relay{
		base: parsed,
		httpClient: &http.Client{
			Timeout: upstreamTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
				// The transport must not negotiate compression on its
				// own, or forwarded bytes would no longer match what
				// the upstream sent.
				DisableCompression: true,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// forward sends the inbound request upstream, preserving method, body,
// and headers except hop-by-hop ones, with the Host header rewritten to
// the target. The caller owns the returned response body.
func (rl *relay) forward(inbound *http.Request, path string, body io.Reader) (*http.Response, error) {
	target := *rl.base
	target.Path = "/" + strings.TrimPrefix(path, "/")
	target.RawQuery = inbound.URL.RawQuery

	outbound, err := http.NewRequestWithContext(inbound.Context(),
		inbound.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	for key, values := range inbound.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			outbound.Header.Add(key, value)
		}
	}
	outbound.Host = rl.base.Host

	response, err := rl.httpClient.Do(outbound)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return response, nil
}

// close releases idle upstream connections.
func (rl *relay) close() {
	rl.httpClient.CloseIdleConnections()
}

// hopByHopHeaders are dropped when forwarding in either direction.
var hopByHopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// writeUpstreamResponse returns the upstream response verbatim to the
// original caller: status, headers minus hop-by-hop, body bytes.
func writeUpstreamResponse(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for key, values := range header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(status)
	w.Write(body)
}

// observedBody returns the bytes to hand to extraction. The forwarded
// copy stays untouched; when the upstream body is gzip-encoded only the
// observed copy is decompressed. Returns nil when decompression fails —
// an unobservable body is a parse failure, not a proxy failure.
func observedBody(header http.Header, body []byte) []byte {
	if !strings.EqualFold(header.Get("Content-Encoding"), "gzip") {
		return body
	}
	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	defer reader.Close()
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil
	}
	return decoded
}
