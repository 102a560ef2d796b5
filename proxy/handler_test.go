// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/perch-dev/perch/lib/dashboard"
	"github.com/perch-dev/perch/lib/session"
)

// stubRelay records dashboard calls and hands out a fixed handle on
// the first message of each conversation.
type stubRelay struct {
	sends      []dashboard.SendMessageRequest
	ended      []string
	nextHandle string
	failSends  bool
}

func (s *stubRelay) SendMessage(_ context.Context, request dashboard.SendMessageRequest) (*dashboard.SendMessageResponse, error) {
	s.sends = append(s.sends, request)
	if s.failSends {
		return nil, fmt.Errorf("simulated relay failure")
	}
	handle := request.AgentInstanceID
	if handle == "" {
		handle = s.nextHandle
	}
	return &dashboard.SendMessageResponse{AgentInstanceID: handle}, nil
}

func (s *stubRelay) EndSession(_ context.Context, handle string) error {
	s.ended = append(s.ended, handle)
	return nil
}

func (s *stubRelay) Close() {}

// newTestHandler wires a handler at an httptest upstream with a stub
// dashboard. Pass relayClient == nil for passthrough mode.
func newTestHandler(t *testing.T, upstreamURL string, relayClient RelayClient) (*handler, *session.Registry) {
	t.Helper()
	upstream, err := newRelay(upstreamURL)
	if err != nil {
		t.Fatalf("newRelay: %v", err)
	}
	registry := session.NewRegistry()
	config := Default()
	return newHandler(config, upstream, registry, relayClient, slog.Default()), registry
}

const generatePath = "/v1beta/models/gemini-pro:generateContent"

func apiURL(path string) string {
	return "http://generativelanguage.googleapis.com" + path
}

func TestConnectAlwaysRefused(t *testing.T) {
	serveHandler, _ := newTestHandler(t, "http://unused.invalid", &stubRelay{})

	for _, host := range []string{"generativelanguage.googleapis.com:443", "example.com:443"} {
		request := httptest.NewRequest(http.MethodConnect, "http://"+host, nil)
		recorder := httptest.NewRecorder()
		serveHandler.ServeHTTP(recorder, request)

		if recorder.Code != http.StatusNotFound {
			t.Errorf("CONNECT %s: status = %d, want 404", host, recorder.Code)
		}
		if got := strings.TrimSpace(recorder.Body.String()); got != connectRefusedBody {
			t.Errorf("CONNECT %s: body = %q, want %q", host, got, connectRefusedBody)
		}
	}
}

func TestPassthroughForwardsBytesVerbatim(t *testing.T) {
	const requestPayload = `{"grant_type":"refresh_token","refresh_token":"secret"}`
	const responsePayload = `{"access_token":"token-123"}`

	var upstreamSaw []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamSaw, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, responsePayload)
	}))
	defer upstream.Close()

	relayStub := &stubRelay{nextHandle: "instance-1"}
	serveHandler, registry := newTestHandler(t, upstream.URL, relayStub)

	request := httptest.NewRequest(http.MethodPost,
		"http://other.example.com/token", strings.NewReader(requestPayload))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if string(upstreamSaw) != requestPayload {
		t.Errorf("upstream saw %q, want byte-identical request body", upstreamSaw)
	}
	if recorder.Code != http.StatusTeapot {
		t.Errorf("status = %d, want the upstream's original 418", recorder.Code)
	}
	if recorder.Body.String() != responsePayload {
		t.Errorf("body = %q, want byte-identical response body", recorder.Body.String())
	}
	if len(relayStub.sends) != 0 {
		t.Errorf("passthrough request reached the extraction pipeline: %v", relayStub.sends)
	}
	if registry.Len() != 0 {
		t.Errorf("passthrough request created %d sessions", registry.Len())
	}
}

func TestInterceptedConversationRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"Hi there"}],"role":"model"}}]}`)
	}))
	defer upstream.Close()

	relayStub := &stubRelay{nextHandle: "instance-1"}
	serveHandler, registry := newTestHandler(t, upstream.URL, relayStub)

	requestBody := `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
	request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader(requestBody))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if len(relayStub.sends) != 2 {
		t.Fatalf("got %d dashboard sends, want 2: %+v", len(relayStub.sends), relayStub.sends)
	}
	if relayStub.sends[0].Content != "User: hello" {
		t.Errorf("first send = %q, want %q", relayStub.sends[0].Content, "User: hello")
	}
	if relayStub.sends[0].AgentInstanceID != "" {
		t.Errorf("first send carried handle %q before creation", relayStub.sends[0].AgentInstanceID)
	}
	if relayStub.sends[1].Content != "Assistant: Hi there" {
		t.Errorf("second send = %q, want %q", relayStub.sends[1].Content, "Assistant: Hi there")
	}
	if relayStub.sends[1].AgentInstanceID != "instance-1" {
		t.Errorf("model response used handle %q, want instance-1", relayStub.sends[1].AgentInstanceID)
	}

	sessions := registry.All()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].RemoteHandle() != "instance-1" {
		t.Errorf("session handle = %q, want instance-1", sessions[0].RemoteHandle())
	}
	if got := len(sessions[0].Messages()); got != 2 {
		t.Errorf("session has %d messages, want 2", got)
	}
}

func TestHandleNeverReassignedAcrossSends(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}))
	defer upstream.Close()

	relayStub := &stubRelay{nextHandle: "handle-H"}
	serveHandler, _ := newTestHandler(t, upstream.URL, relayStub)

	requestBody := `{"contents":[{"role":"user","parts":[{"text":"turn"}]}]}`
	for i := 0; i < 10; i++ {
		request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader(requestBody))
		recorder := httptest.NewRecorder()
		serveHandler.ServeHTTP(recorder, request)
	}

	if len(relayStub.sends) != 20 {
		t.Fatalf("got %d sends, want 20", len(relayStub.sends))
	}
	for i, send := range relayStub.sends[1:] {
		if send.AgentInstanceID != "handle-H" {
			t.Errorf("send %d used handle %q, want handle-H", i+1, send.AgentInstanceID)
		}
	}
}

func TestModelResponseWithoutHandleIsDropped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"orphan reply"}]}}]}`)
	}))
	defer upstream.Close()

	relayStub := &stubRelay{nextHandle: "instance-1"}
	serveHandler, _ := newTestHandler(t, upstream.URL, relayStub)

	// Model-only contents: no user message, so no handle is created.
	requestBody := `{"contents":[{"role":"model","parts":[{"text":"previous"}]}]}`
	request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader(requestBody))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	if len(relayStub.sends) != 0 {
		t.Errorf("response without a handle was relayed: %+v", relayStub.sends)
	}
}

func TestMalformedRequestBodyStillForwarded(t *testing.T) {
	var upstreamSaw []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamSaw, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"candidates":[]}`)
	}))
	defer upstream.Close()

	relayStub := &stubRelay{}
	serveHandler, _ := newTestHandler(t, upstream.URL, relayStub)

	request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader("not json"))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", recorder.Code)
	}
	if string(upstreamSaw) != "not json" {
		t.Errorf("upstream saw %q, want the malformed body forwarded untouched", upstreamSaw)
	}
	if len(relayStub.sends) != 0 {
		t.Errorf("malformed body produced sends: %+v", relayStub.sends)
	}
}

func TestStreamingResponseReassembled(t *testing.T) {
	const streamPath = "/v1beta/models/gemini-pro:streamGenerateContent"
	streamBody := strings.Join([]string{
		`{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`,
		`{malformed`,
		`{"candidates":[{"content":{"parts":[{"text":"y"}]}}]}`,
	}, "\n")

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, streamBody)
	}))
	defer upstream.Close()

	relayStub := &stubRelay{nextHandle: "instance-1"}
	serveHandler, _ := newTestHandler(t, upstream.URL, relayStub)

	requestBody := `{"contents":[{"role":"user","parts":[{"text":"go"}]}]}`
	request := httptest.NewRequest(http.MethodPost, apiURL(streamPath), strings.NewReader(requestBody))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if recorder.Body.String() != streamBody {
		t.Errorf("caller received %q, want the raw stream body", recorder.Body.String())
	}
	if len(relayStub.sends) != 2 {
		t.Fatalf("got %d sends, want 2", len(relayStub.sends))
	}
	if relayStub.sends[1].Content != "Assistant: xy" {
		t.Errorf("aggregate = %q, want %q", relayStub.sends[1].Content, "Assistant: xy")
	}
}

func TestRelayFailureDoesNotBlockProxying(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"fine"}]}}]}`)
	}))
	defer upstream.Close()

	relayStub := &stubRelay{failSends: true}
	serveHandler, _ := newTestHandler(t, upstream.URL, relayStub)

	requestBody := `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
	request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader(requestBody))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 despite relay failures", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "fine") {
		t.Errorf("body = %q, want the upstream response", recorder.Body.String())
	}
}

func TestGzipResponseObservedDecompressed(t *testing.T) {
	payload := `{"candidates":[{"content":{"parts":[{"text":"compressed reply"}]}}]}`
	var compressed bytes.Buffer
	writer := gzip.NewWriter(&compressed)
	io.WriteString(writer, payload)
	writer.Close()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(compressed.Bytes())
	}))
	defer upstream.Close()

	relayStub := &stubRelay{nextHandle: "instance-1"}
	serveHandler, _ := newTestHandler(t, upstream.URL, relayStub)

	requestBody := `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
	request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader(requestBody))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if !bytes.Equal(recorder.Body.Bytes(), compressed.Bytes()) {
		t.Error("caller did not receive the original compressed bytes")
	}
	if len(relayStub.sends) != 2 {
		t.Fatalf("got %d sends, want 2", len(relayStub.sends))
	}
	if relayStub.sends[1].Content != "Assistant: compressed reply" {
		t.Errorf("relayed = %q, want the decompressed text", relayStub.sends[1].Content)
	}
}

func TestPassthroughModeSkipsRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"reply"}]}}]}`)
	}))
	defer upstream.Close()

	serveHandler, registry := newTestHandler(t, upstream.URL, nil)

	requestBody := `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
	request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader(requestBody))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", recorder.Code)
	}
	// The session is still tracked even though nothing is relayed.
	if registry.Len() != 1 {
		t.Errorf("registry has %d sessions, want 1", registry.Len())
	}
}

func TestCorrelationHeaderSeparatesSessions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[]}`)
	}))
	defer upstream.Close()

	relayStub := &stubRelay{nextHandle: "instance-1"}
	serveHandler, registry := newTestHandler(t, upstream.URL, relayStub)

	requestBody := `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
	for _, key := range []string{"conv-a", "conv-b"} {
		request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader(requestBody))
		request.Header.Set(sessionHeader, key)
		recorder := httptest.NewRecorder()
		serveHandler.ServeHTTP(recorder, request)
	}

	if registry.Len() != 2 {
		t.Errorf("registry has %d sessions, want one per correlation key", registry.Len())
	}
	if registry.Get("conv-a") == nil || registry.Get("conv-b") == nil {
		t.Error("correlation keys not used as session keys")
	}
}

// panickyRelay panics on send to exercise the handler's recovery path.
type panickyRelay struct{ stubRelay }

func (p *panickyRelay) SendMessage(context.Context, dashboard.SendMessageRequest) (*dashboard.SendMessageResponse, error) {
	panic("relay exploded")
}

func TestHandlerPanicBecomes500(t *testing.T) {
	serveHandler, _ := newTestHandler(t, "http://unused.invalid", &panickyRelay{})

	requestBody := `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`
	request := httptest.NewRequest(http.MethodPost, apiURL(generatePath), strings.NewReader(requestBody))
	recorder := httptest.NewRecorder()
	serveHandler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "relay exploded") {
		t.Errorf("body = %q, want the panic message", recorder.Body.String())
	}
}
