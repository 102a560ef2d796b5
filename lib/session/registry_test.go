// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"testing"
)

func TestGetOrCreateReturnsSameSession(t *testing.T) {
	registry := NewRegistry()

	first := registry.GetOrCreate("conv-1", "gemini-pro")
	second := registry.GetOrCreate("conv-1", "gemini-1.5-pro")

	if first != second {
		t.Fatal("GetOrCreate returned a new session for an existing key")
	}
	if second.Model != "gemini-pro" {
		t.Errorf("Model = %q, want the model recorded at creation", second.Model)
	}
	if registry.Len() != 1 {
		t.Errorf("Len = %d, want 1", registry.Len())
	}
}

func TestBindRemoteSetsHandleOnce(t *testing.T) {
	tracked := &Session{Key: "conv-1"}

	if !tracked.BindRemote("handle-a") {
		t.Fatal("first BindRemote did not take effect")
	}
	for i := 0; i < 10; i++ {
		if tracked.BindRemote(fmt.Sprintf("handle-%d", i)) {
			t.Fatalf("BindRemote reassigned the handle on attempt %d", i)
		}
		if got := tracked.RemoteHandle(); got != "handle-a" {
			t.Fatalf("RemoteHandle = %q after attempt %d, want handle-a", got, i)
		}
	}
}

func TestBindRemoteRejectsEmptyHandle(t *testing.T) {
	tracked := &Session{Key: "conv-1"}
	if tracked.BindRemote("") {
		t.Error("BindRemote accepted an empty handle")
	}
	if tracked.RemoteHandle() != "" {
		t.Error("empty bind left a handle set")
	}
}

func TestMessagesPreserveConversationOrder(t *testing.T) {
	tracked := &Session{Key: "conv-1"}
	tracked.AppendUser("question")
	tracked.AppendModel("answer")
	tracked.AppendUser("followup")

	messages := tracked.Messages()
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	wantRoles := []Role{RoleUser, RoleModel, RoleUser}
	wantTexts := []string{"question", "answer", "followup"}
	for i := range messages {
		if messages[i].Role != wantRoles[i] || messages[i].Text != wantTexts[i] {
			t.Errorf("message %d = {%s %q}, want {%s %q}",
				i, messages[i].Role, messages[i].Text, wantRoles[i], wantTexts[i])
		}
	}
}

// failingEnder fails for one specific handle and records every attempt.
type failingEnder struct {
	failHandle string
	attempts   []string
}

func (e *failingEnder) EndSession(_ context.Context, handle string) error {
	e.attempts = append(e.attempts, handle)
	if handle == e.failHandle {
		return fmt.Errorf("end session %s: simulated failure", handle)
	}
	return nil
}

func TestEndAllContinuesPastFailures(t *testing.T) {
	registry := NewRegistry()
	for i := 1; i <= 3; i++ {
		tracked := registry.GetOrCreate(fmt.Sprintf("conv-%d", i), "gemini-pro")
		tracked.BindRemote(fmt.Sprintf("handle-%d", i))
	}

	ender := &failingEnder{failHandle: "handle-2"}
	registry.EndAll(context.Background(), ender, nil)

	if len(ender.attempts) != 3 {
		t.Fatalf("got %d end-session attempts, want 3: %v", len(ender.attempts), ender.attempts)
	}
	want := []string{"handle-1", "handle-2", "handle-3"}
	for i := range want {
		if ender.attempts[i] != want[i] {
			t.Errorf("attempt %d = %q, want %q", i, ender.attempts[i], want[i])
		}
	}
}

func TestEndAllSkipsUnboundSessions(t *testing.T) {
	registry := NewRegistry()
	registry.GetOrCreate("conv-1", "gemini-pro") // never bound

	ender := &failingEnder{}
	registry.EndAll(context.Background(), ender, nil)

	if len(ender.attempts) != 0 {
		t.Errorf("EndAll attempted unbound sessions: %v", ender.attempts)
	}
}
