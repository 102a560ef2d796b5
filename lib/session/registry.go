// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Ender ends a remote conversation by handle. Satisfied by the dashboard
// client; narrowed to an interface so the registry does not depend on the
// dashboard wire format.
type Ender interface {
	EndSession(ctx context.Context, handle string) error
}

// Registry maps session keys to sessions. Safe for concurrent use.
type Registry struct {
	mutex    sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for key, creating it on first sight.
// The model is recorded only at creation; later calls with a different
// model leave the session unchanged.
func (r *Registry) GetOrCreate(key, model string) *Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if existing, ok := r.sessions[key]; ok {
		return existing
	}

	created := &Session{
		Key:       key,
		StartedAt: time.Now(),
		Model:     model,
	}
	r.sessions[key] = created
	return created
}

// Get returns the session for key, or nil if none exists.
func (r *Registry) Get(key string) *Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.sessions[key]
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.sessions)
}

// All returns every tracked session, ordered by key for determinism.
func (r *Registry) All() []*Session {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	keys := make([]string, 0, len(r.sessions))
	for key := range r.sessions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	all := make([]*Session, 0, len(keys))
	for _, key := range keys {
		all = append(all, r.sessions[key])
	}
	return all
}

// EndAll issues a best-effort end-session call for every session with a
// bound remote handle. A failure on one session is logged and never
// prevents the end-session attempt on the others.
func (r *Registry) EndAll(ctx context.Context, ender Ender, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, tracked := range r.All() {
		handle := tracked.RemoteHandle()
		if handle == "" {
			continue
		}
		if err := ender.EndSession(ctx, handle); err != nil {
			logger.Error("ending session failed",
				"session", tracked.Key,
				"handle", handle,
				"error", err,
			)
		}
	}
}
