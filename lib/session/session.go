// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"

	"github.com/perch-dev/perch/lib/gemini"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks text extracted from an intercepted request.
	RoleUser Role = "user"
	// RoleModel marks text extracted from an intercepted response.
	RoleModel Role = "model"
)

// Message is one conversation turn. Messages are append-only; slice
// order is conversation order.
type Message struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Session is one tracked conversation between the wrapped CLI and the
// upstream API.
type Session struct {
	// Key is the registry key this session was created under.
	Key string

	// StartedAt is when the first intercepted request was seen.
	StartedAt time.Time

	// Model is the model name extracted from the first request path.
	Model string

	mutex            sync.Mutex
	messages         []Message
	generationConfig *gemini.GenerationConfig
	remoteHandle     string
}

// AppendUser records a user message.
func (s *Session) AppendUser(text string) {
	s.append(RoleUser, text)
}

// AppendModel records a model message.
func (s *Session) AppendModel(text string) {
	s.append(RoleModel, text)
}

func (s *Session) append(role Role, text string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.messages = append(s.messages, Message{
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// Messages returns a copy of the message log in conversation order.
func (s *Session) Messages() []Message {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	return messages
}

// SetGenerationConfig records the generation parameters seen on a
// request. Later requests overwrite earlier ones; the session keeps
// whatever the conversation is currently using.
func (s *Session) SetGenerationConfig(config *gemini.GenerationConfig) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.generationConfig = config
}

// GenerationConfig returns the most recently recorded generation
// parameters, or nil if none were seen.
func (s *Session) GenerationConfig() *gemini.GenerationConfig {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.generationConfig
}

// BindRemote associates the session with a dashboard conversation handle.
// The handle is set at most once: the first call with a non-empty handle
// wins and every later call is a no-op. Reports whether this call bound
// the handle.
func (s *Session) BindRemote(handle string) bool {
	if handle == "" {
		return false
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.remoteHandle != "" {
		return false
	}
	s.remoteHandle = handle
	return true
}

// RemoteHandle returns the bound dashboard handle, or the empty string
// when no user message has been relayed yet.
func (s *Session) RemoteHandle() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.remoteHandle
}
