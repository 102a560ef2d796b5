// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/perch-dev/perch/lib/dashboard"
	"github.com/perch-dev/perch/lib/gemini"
	"github.com/perch-dev/perch/lib/session"
)

// connectRefusedBody is the fixed response to every CONNECT request.
// TLS tunneling is never supported; secure flows bypass the proxy via
// the NO_PROXY exclusion list instead.
const connectRefusedBody = "CONNECT not supported - use direct connection"

// sessionHeader carries an explicit conversation correlation key. The
// wrapped CLI does not send one today; clients that do get one logical
// session per distinct value.
const sessionHeader = "X-Perch-Session"

// RelayClient is the dashboard surface the handler depends on.
// *dashboard.Client satisfies it; tests substitute stubs.
type RelayClient interface {
	SendMessage(ctx context.Context, request dashboard.SendMessageRequest) (*dashboard.SendMessageResponse, error)
	EndSession(ctx context.Context, handle string) error
	Close()
}

// handler classifies and serves every request reaching the listener.
type handler struct {
	targetHost  string
	agentType   string
	upstream    *relay
	registry    *session.Registry
	relayClient RelayClient // nil in passthrough mode

	// runKey is the session key for requests without a correlation
	// header: one logical conversation per proxy run.
	runKey string

	logger *slog.Logger
}

func newHandler(config Config, upstream *relay, registry *session.Registry, relayClient RelayClient, logger *slog.Logger) *handler {
	return &handler{
		targetHost:  config.TargetHost,
		agentType:   config.AgentType,
		upstream:    upstream,
		registry:    registry,
		relayClient: relayClient,
		runKey:      uuid.NewString(),
		logger:      logger,
	}
}

// ServeHTTP is the single entry point for all proxied traffic.
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Error("handler panic", "error", recovered, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{
				"error": fmt.Sprint(recovered),
			})
		}
	}()

	if r.Method == http.MethodConnect {
		http.Error(w, connectRefusedBody, http.StatusNotFound)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if Intercepts(r.Host, h.targetHost, path) {
		h.serveIntercepted(w, r, path)
		return
	}
	h.servePassthrough(w, r, path)
}

// servePassthrough forwards a request without observation.
func (h *handler) servePassthrough(w http.ResponseWriter, r *http.Request, path string) {
	h.logger.Debug("passthrough request", "method", r.Method, "host", r.Host, "path", path)

	response, err := h.upstream.forward(r, path, r.Body)
	if err != nil {
		h.logger.Error("forwarding failed", "method", r.Method, "path", path, "error", err)
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		h.logger.Error("reading upstream body failed", "path", path, "error", err)
		http.Error(w, "upstream read failed", http.StatusBadGateway)
		return
	}
	writeUpstreamResponse(w, response.StatusCode, response.Header, body)
}

// serveIntercepted forwards a request while routing copies of both
// bodies through extraction and relay. Observation failures never
// change what the caller receives.
func (h *handler) serveIntercepted(w http.ResponseWriter, r *http.Request, path string) {
	h.logger.Info("intercepting request", "method", r.Method, "path", path)

	requestBody, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("reading request body failed", "path", path, "error", err)
		http.Error(w, "request read failed", http.StatusBadRequest)
		return
	}

	key := h.sessionKey(r)
	model := gemini.ModelFromPath(path)
	if len(requestBody) > 0 {
		h.processUserMessage(r.Context(), key, model, requestBody)
	}

	response, err := h.upstream.forward(r, path, bytes.NewReader(requestBody))
	if err != nil {
		h.logger.Error("forwarding failed", "method", r.Method, "path", path, "error", err)
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		h.logger.Error("reading upstream body failed", "path", path, "error", err)
		http.Error(w, "upstream read failed", http.StatusBadGateway)
		return
	}

	if observed := observedBody(response.Header, responseBody); len(observed) > 0 {
		if IsStreaming(path) {
			h.processStreamingResponse(r.Context(), key, model, observed)
		} else {
			h.processModelResponse(r.Context(), key, model, observed)
		}
	}

	writeUpstreamResponse(w, response.StatusCode, response.Header, responseBody)
}

// sessionKey derives the registry key for a request: the correlation
// header when the client supplies one, else the run-scoped key.
func (h *handler) sessionKey(r *http.Request) string {
	if key := r.Header.Get(sessionHeader); key != "" {
		return key
	}
	return h.runKey
}

// processUserMessage extracts user text from a request body and relays
// it, creating the session's remote handle on the first successful
// send. Malformed bodies are logged and skipped.
func (h *handler) processUserMessage(ctx context.Context, key, model string, body []byte) {
	request, err := gemini.ParseRequest(body)
	if err != nil {
		h.logger.Warn("could not parse request body", "session", key, "error", err)
		return
	}

	tracked := h.registry.GetOrCreate(key, model)
	if request.GenerationConfig != nil {
		tracked.SetGenerationConfig(request.GenerationConfig)
	}

	if h.relayClient == nil {
		return
	}

	for _, text := range gemini.UserTexts(*request) {
		response, err := h.relayClient.SendMessage(ctx, dashboard.SendMessageRequest{
			Content:         "User: " + text,
			AgentType:       h.agentType,
			AgentInstanceID: tracked.RemoteHandle(),
		})
		if err != nil {
			h.logger.Error("relaying user message failed", "session", key, "error", err)
			continue
		}
		if tracked.BindRemote(response.AgentInstanceID) {
			h.logger.Info("session linked to dashboard",
				"session", key,
				"handle", response.AgentInstanceID,
			)
		}
		tracked.AppendUser(text)
		h.audit(key, session.RoleUser, text, false)
	}
}

// processModelResponse extracts the first candidate's text from a
// non-streaming response body and relays it when the session already
// has a remote handle. Without a handle the text is extracted and
// dropped — the CLI may be mid-conversation before any user message
// was relayed, which is acceptable degradation, not an error.
func (h *handler) processModelResponse(ctx context.Context, key, model string, body []byte) {
	response, err := gemini.ParseResponse(body)
	if err != nil {
		h.logger.Warn("could not parse response body", "session", key, "error", err)
		return
	}
	h.relayModelText(ctx, key, model, gemini.ResponseText(*response), false)
}

// processStreamingResponse reassembles a streaming body into one
// aggregate model message. Streaming is reassembled, never relayed
// chunk by chunk.
func (h *handler) processStreamingResponse(ctx context.Context, key, model string, body []byte) {
	h.relayModelText(ctx, key, model, gemini.StreamText(body), true)
}

func (h *handler) relayModelText(ctx context.Context, key, model, text string, streaming bool) {
	if text == "" || h.relayClient == nil {
		return
	}

	tracked := h.registry.GetOrCreate(key, model)
	handle := tracked.RemoteHandle()
	if handle == "" {
		h.logger.Debug("no remote handle yet, dropping model response", "session", key)
		return
	}

	_, err := h.relayClient.SendMessage(ctx, dashboard.SendMessageRequest{
		Content:         "Assistant: " + text,
		AgentType:       h.agentType,
		AgentInstanceID: handle,
	})
	if err != nil {
		h.logger.Error("relaying model response failed", "session", key, "error", err)
		return
	}
	tracked.AppendModel(text)
	h.audit(key, session.RoleModel, text, streaming)
}

// InterceptedMessage is the audit record emitted for every relayed
// message. It exists for observability only; core correctness never
// depends on it.
type InterceptedMessage struct {
	ID         string
	Timestamp  time.Time
	SessionKey string
	Role       session.Role
	Text       string
	Streaming  bool
}

// audit emits an intercepted-message record to the debug log.
func (h *handler) audit(key string, role session.Role, text string, streaming bool) {
	if !h.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	record := InterceptedMessage{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		SessionKey: key,
		Role:       role,
		Text:       text,
		Streaming:  streaming,
	}
	h.logger.Debug("intercepted message",
		"id", record.ID,
		"session", record.SessionKey,
		"role", string(record.Role),
		"streaming", record.Streaming,
		"chars", len(record.Text),
	)
}
