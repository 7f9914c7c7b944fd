// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing. Setting
// FailWrites makes every write operation return the given error, which is
// how tests exercise the fire-and-forget persistence paths.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	escalations   []*Escalation
	secrets       map[string]string

	// FailWrites, when non-nil, is returned from every write method.
	FailWrites error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		secrets:       make(map[string]string),
	}
}

// FindActiveConversation returns the most-recently-updated active
// conversation for the user.
func (m *MockStore) FindActiveConversation(ctx context.Context, userID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Conversation
	for _, conv := range m.conversations {
		if conv.UserID != userID || !conv.IsActive {
			continue
		}
		if found == nil || conv.UpdatedAt.After(found.UpdatedAt) {
			found = conv
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	c := *found
	return &c, nil
}

// CreateConversation stores a new conversation, enforcing the single-active
// invariant the same way the SQLite partial unique index does.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}

	if conv.IsActive {
		for _, existing := range m.conversations {
			if existing.UserID == conv.UserID && existing.IsActive {
				return ErrConversationActive
			}
		}
	}

	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// DeactivateConversation clears the is_active flag.
func (m *MockStore) DeactivateConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.IsActive = false
	return nil
}

// ListMessages returns messages ascending by creation time.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		out[i] = &c
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendMessage stores a message and bumps the conversation like the SQLite
// implementation does.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}

	c := *msg
	m.messages[c.ConversationID] = append(m.messages[c.ConversationID], &c)

	if conv, ok := m.conversations[c.ConversationID]; ok {
		conv.UpdatedAt = c.CreatedAt
		if c.Agent != "" {
			conv.LastAgent = c.Agent
		}
	}
	return nil
}

// CreateEscalation stores an escalation record.
func (m *MockStore) CreateEscalation(ctx context.Context, esc *Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}

	e := *esc
	m.escalations = append(m.escalations, &e)
	return nil
}

// Escalations returns a copy of all recorded escalations.
func (m *MockStore) Escalations() []*Escalation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Escalation, len(m.escalations))
	for i, esc := range m.escalations {
		c := *esc
		out[i] = &c
	}
	return out
}

// Conversation returns the stored conversation by ID, or nil.
func (m *MockStore) Conversation(id string) *Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil
	}
	c := *conv
	return &c
}

// GetSecretValue returns a stored secret value.
func (m *MockStore) GetSecretValue(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// SetSecret stores a secret value.
func (m *MockStore) SetSecret(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.secrets[key] = value
	return nil
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
