// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package gemini

import "encoding/json"

// Role values used in content blocks.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one unit of content. Text parts carry conversational text;
// inline-data parts (images, etc.) are opaque to extraction.
type Part struct {
	Text       string          `json:"text,omitempty"`
	InlineData json.RawMessage `json:"inline_data,omitempty"`
}

// Content is a role-tagged block of parts, in declared order.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerationConfig mirrors the request-level generation parameters.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	CandidateCount  *int     `json:"candidateCount,omitempty"`
}

// Request is a generateContent / streamGenerateContent request body.
// Safety settings are carried opaquely; the proxy never inspects them.
type Request struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings   json.RawMessage   `json:"safetySettings,omitempty"`
}

// Candidate is one generated alternative in a response.
type Candidate struct {
	Content       Content         `json:"content"`
	FinishReason  string          `json:"finishReason,omitempty"`
	Index         int             `json:"index,omitempty"`
	SafetyRatings json.RawMessage `json:"safetyRatings,omitempty"`
}

// Response is a generateContent response body. A streaming response is a
// sequence of these, one per chunk, each independently decodable.
type Response struct {
	Candidates     []Candidate     `json:"candidates"`
	PromptFeedback json.RawMessage `json:"promptFeedback,omitempty"`
}

// Model describes one entry in a list-models response.
type Model struct {
	Name                       string   `json:"name"`
	Version                    string   `json:"version,omitempty"`
	DisplayName                string   `json:"displayName,omitempty"`
	Description                string   `json:"description,omitempty"`
	InputTokenLimit            int      `json:"inputTokenLimit,omitempty"`
	OutputTokenLimit           int      `json:"outputTokenLimit,omitempty"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods,omitempty"`
}

// ParseRequest decodes a request body. Callers treat an error as
// "nothing to extract", not as a failure of the proxied request.
func ParseRequest(body []byte) (*Request, error) {
	var request Request
	if err := json.Unmarshal(body, &request); err != nil {
		return nil, err
	}
	return &request, nil
}

// ParseResponse decodes a non-streaming response body.
func ParseResponse(body []byte) (*Response, error) {
	var response Response
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, err
	}
	return &response, nil
}
