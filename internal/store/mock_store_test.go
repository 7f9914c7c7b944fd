// ABOUTME: Tests that MockStore matches SQLite store semantics
// ABOUTME: Covers the single-active invariant, ordering, and failure injection

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMockStore_SingleActiveInvariant(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	first := &Conversation{ID: "c1", UserID: "u1", IsActive: true, UpdatedAt: time.Now()}
	if err := m.CreateConversation(ctx, first); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	second := &Conversation{ID: "c2", UserID: "u1", IsActive: true, UpdatedAt: time.Now()}
	if err := m.CreateConversation(ctx, second); err != ErrConversationActive {
		t.Errorf("expected ErrConversationActive, got %v", err)
	}

	if err := m.DeactivateConversation(ctx, "c1"); err != nil {
		t.Fatalf("DeactivateConversation failed: %v", err)
	}
	if err := m.CreateConversation(ctx, second); err != nil {
		t.Errorf("CreateConversation after deactivation failed: %v", err)
	}
}

func TestMockStore_MessageOrdering(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	base := time.Now()
	for _, msg := range []*Message{
		{ID: "m2", ConversationID: "c1", Role: RoleAssistant, CreatedAt: base.Add(2 * time.Second)},
		{ID: "m1", ConversationID: "c1", Role: RoleUser, CreatedAt: base.Add(1 * time.Second)},
	} {
		if err := m.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	msgs, err := m.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("messages out of order: %v, %v", msgs[0].ID, msgs[1].ID)
	}
}

func TestMockStore_FailWrites(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	boom := errors.New("disk on fire")
	m.FailWrites = boom

	if err := m.AppendMessage(ctx, &Message{ID: "m1", ConversationID: "c1"}); err != boom {
		t.Errorf("AppendMessage: expected injected error, got %v", err)
	}
	if err := m.CreateEscalation(ctx, &Escalation{ID: "e1"}); err != boom {
		t.Errorf("CreateEscalation: expected injected error, got %v", err)
	}

	m.FailWrites = nil
	if err := m.AppendMessage(ctx, &Message{ID: "m1", ConversationID: "c1"}); err != nil {
		t.Errorf("AppendMessage after clearing FailWrites: %v", err)
	}
}
