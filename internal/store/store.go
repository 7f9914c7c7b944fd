// ABOUTME: Store interface and data types for coach-engine persistence
// ABOUTME: Defines Conversation, Message, Escalation structs and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationActive is returned when creating a conversation for a user
// who already has an active one. The single-active invariant is enforced by
// the store, not by caller discipline.
var ErrConversationActive = errors.New("user already has an active conversation")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is a persisted thread of messages for one user. At most one
// conversation per user may be active at a time.
type Conversation struct {
	ID        string
	UserID    string
	IsActive  bool
	LastAgent string // last specialist agent used, empty if none yet
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn in a conversation. Messages are never mutated after
// creation.
type Message struct {
	ID             string
	ConversationID string
	Role           string // RoleUser or RoleAssistant
	Content        string
	Agent          string  // specialist that produced an assistant reply, empty on user turns
	Confidence     float64 // advisory, zero on user turns
	CreatedAt      time.Time
}

// Escalation flags a conversation exchange for human-trainer follow-up.
// TrainerID is nil for clients with no assigned trainer; those records are
// still written for later triage.
type Escalation struct {
	ID             string
	ConversationID string
	ClientID       string
	TrainerID      *string
	Reason         string
	MessageContent string
	Status         string
	CreatedAt      time.Time
}

// Store defines the persistence contract consumed by the conversation
// session. Writes on the session's send path are dispatched fire-and-forget;
// implementations only need the ordering semantics documented per method.
type Store interface {
	// FindActiveConversation returns the most-recently-updated active
	// conversation for a user, or ErrNotFound.
	FindActiveConversation(ctx context.Context, userID string) (*Conversation, error)

	// CreateConversation inserts a new active conversation. Returns
	// ErrConversationActive if the user already has one.
	CreateConversation(ctx context.Context, conv *Conversation) error

	// DeactivateConversation clears the is_active flag. Returns ErrNotFound
	// if the conversation doesn't exist.
	DeactivateConversation(ctx context.Context, id string) error

	// ListMessages returns a conversation's messages ascending by creation
	// time.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// AppendMessage persists a message and bumps the owning conversation's
	// updated_at (and last_agent for assistant turns).
	AppendMessage(ctx context.Context, msg *Message) error

	// CreateEscalation persists an escalation record.
	CreateEscalation(ctx context.Context, esc *Escalation) error

	SecretsStore

	Close() error
}

// SecretsStore holds provider credentials and other operational secrets.
type SecretsStore interface {
	// GetSecretValue returns the value for a secret key, or ErrNotFound.
	GetSecretValue(ctx context.Context, key string) (string, error)

	// SetSecret creates or replaces a secret.
	SetSecret(ctx context.Context, key, value string) error
}
