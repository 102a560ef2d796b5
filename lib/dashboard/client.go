// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// requestTimeout bounds every dashboard call. Relay failures are
// logged and dropped by the caller, so a stuck call must not hold a
// proxied request open indefinitely.
const requestTimeout = 30 * time.Second

// Client talks to the Perch dashboard API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client for the dashboard at baseURL, authenticating
// with apiKey as a bearer token.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// NewForTesting creates a client with a custom HTTP client. Used by
// tests to point at an httptest.Server.
func NewForTesting(baseURL, apiKey string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// SendMessageRequest is one role-tagged message relayed to the dashboard.
type SendMessageRequest struct {
	// Content is the message text, already role-prefixed by the caller.
	Content string `json:"content"`

	// AgentType names the wrapped agent (e.g. "Gemini").
	AgentType string `json:"agent_type"`

	// AgentInstanceID is the conversation handle. Empty on the first
	// message of a conversation; the dashboard then creates a handle
	// and returns it.
	AgentInstanceID string `json:"agent_instance_id,omitempty"`

	// RequiresUserInput marks messages awaiting a human reply. The
	// proxy only observes, so it always sends false.
	RequiresUserInput bool `json:"requires_user_input"`
}

// SendMessageResponse is the dashboard's acknowledgement of a message.
type SendMessageResponse struct {
	// AgentInstanceID is the conversation handle, created on the first
	// message and echoed back on later ones.
	AgentInstanceID string `json:"agent_instance_id"`

	// MessageID identifies the stored message.
	MessageID string `json:"message_id,omitempty"`
}

// SendMessage relays one message. When request.AgentInstanceID is empty
// the dashboard creates a new conversation handle; the returned response
// carries the handle to use for every later send.
func (c *Client) SendMessage(ctx context.Context, request SendMessageRequest) (*SendMessageResponse, error) {
	var response SendMessageResponse
	if err := c.post(ctx, "/api/v1/messages/agent", request, &response); err != nil {
		return nil, err
	}
	if response.AgentInstanceID == "" && request.AgentInstanceID != "" {
		response.AgentInstanceID = request.AgentInstanceID
	}
	return &response, nil
}

// EndSession marks the conversation identified by handle as finished.
func (c *Client) EndSession(ctx context.Context, handle string) error {
	body := struct {
		AgentInstanceID string `json:"agent_instance_id"`
	}{AgentInstanceID: handle}
	return c.post(ctx, "/api/v1/sessions/end", body, nil)
}

// Close releases idle connections. The client is unusable afterwards
// only in the sense that new calls re-dial.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// post sends a JSON body and optionally decodes a JSON response.
func (c *Client) post(ctx context.Context, path string, requestBody, responseBody any) error {
	encoded, err := json.Marshal(requestBody)
	if err != nil {
		return fmt.Errorf("dashboard: marshaling request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("dashboard: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("dashboard: sending request: %w", err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return readAPIError(httpResponse)
	}

	if responseBody == nil {
		io.Copy(io.Discard, httpResponse.Body)
		return nil
	}
	if err := json.NewDecoder(httpResponse.Body).Decode(responseBody); err != nil {
		return fmt.Errorf("dashboard: decoding response: %w", err)
	}
	return nil
}

// APIError is returned when the dashboard responds with an error status.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Detail is the human-readable error description.
	Detail string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("dashboard: HTTP %d: %s", err.StatusCode, err.Detail)
}

// readAPIError parses an error body in the dashboard's standard format,
// {"detail": "..."}. Bodies in any other shape are carried verbatim.
func readAPIError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Detail != "" {
		return &APIError{
			StatusCode: httpResponse.StatusCode,
			Detail:     wireError.Detail,
		}
	}
	return &APIError{
		StatusCode: httpResponse.StatusCode,
		Detail:     string(body),
	}
}
