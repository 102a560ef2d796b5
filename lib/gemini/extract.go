// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package gemini

import (
	"encoding/json"
	"strings"
)

// ContentText concatenates the text fields of a content block's parts in
// declared order. Non-text parts contribute nothing.
func ContentText(content Content) string {
	var builder strings.Builder
	for _, part := range content.Parts {
		builder.WriteString(part.Text)
	}
	return builder.String()
}

// ResponseText extracts the text of a response's first candidate.
// Returns the empty string when the response has no candidates.
func ResponseText(response Response) string {
	if len(response.Candidates) == 0 {
		return ""
	}
	return ContentText(response.Candidates[0].Content)
}

// UserTexts extracts the text of every user content block in a request,
// in order. A content block with no role counts as user — the CLI omits
// the role on the first turn.
func UserTexts(request Request) []string {
	var texts []string
	for _, content := range request.Contents {
		if content.Role != "" && content.Role != RoleUser {
			continue
		}
		if text := ContentText(content); text != "" {
			texts = append(texts, text)
		}
	}
	return texts
}

// StreamText reassembles a streaming response body into one aggregate
// string. The body is a sequence of newline-delimited JSON chunks; when
// the client requested alt=sse each line additionally carries a "data:"
// prefix, which is stripped before decoding. Lines that fail to decode
// are skipped. Chunk texts are concatenated in line order.
func StreamText(body []byte) string {
	var builder strings.Builder
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "" {
			continue
		}

		var chunk Response
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		builder.WriteString(ResponseText(chunk))
	}
	return builder.String()
}

// ModelFromPath extracts the model name from an API path such as
// "v1beta/models/gemini-1.5-pro:streamGenerateContent". Any ":method"
// suffix is stripped. Falls back to "gemini-pro" when no segment names
// a Gemini model.
func ModelFromPath(path string) string {
	for _, segment := range strings.Split(path, "/") {
		if strings.Contains(strings.ToLower(segment), "gemini") {
			model, _, _ := strings.Cut(segment, ":")
			return model
		}
	}
	return "gemini-pro"
}
