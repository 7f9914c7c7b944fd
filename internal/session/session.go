// ABOUTME: ConversationSession orchestrates the send/receive cycle for one user
// ABOUTME: Owns in-memory history, routing, credentials, provider calls, and escalation

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fitlane/coach-engine/internal/agents"
	"github.com/fitlane/coach-engine/internal/credentials"
	"github.com/fitlane/coach-engine/internal/escalation"
	"github.com/fitlane/coach-engine/internal/llm"
	"github.com/fitlane/coach-engine/internal/store"
)

// ErrSendInFlight is returned when Send is called while another send is
// outstanding for the same session. At-most-one-concurrent-send is required
// to keep history from interleaving.
var ErrSendInFlight = errors.New("a send is already in flight for this session")

// historyWindow is how many trailing messages go to the provider per send.
const historyWindow = 10

// persistTimeout bounds each fire-and-forget store write so a stuck
// database can't leak goroutines forever.
const persistTimeout = 5 * time.Second

// User roles
const (
	RoleClient  = "client"
	RoleTrainer = "trainer"
)

// UserContext describes the caller for one send. It is supplied per send
// and not owned by the session.
type UserContext struct {
	UserID string
	Role   string // RoleClient or RoleTrainer

	// Client fields
	Goals        []string
	FitnessLevel string
	TrainerID    *string // nil when the client has no assigned trainer

	// Trainer fields
	Specializations []string
	ClientCount     int

	Preferences string
}

// Completer is the slice of the provider client the session depends on.
type Completer interface {
	Complete(ctx context.Context, apiKey, system string, msgs []llm.TurnMessage) (string, error)
}

// Session drives the conversation for a single user. It is safe for
// concurrent use, but only one send proceeds at a time; concurrent sends
// are rejected with ErrSendInFlight rather than queued.
type Session struct {
	userID   string
	store    store.Store
	creds    *credentials.Cache
	provider Completer
	logger   *slog.Logger

	mu             sync.Mutex
	sending        bool
	conversationID string
	history        []*store.Message
	lastAgent      agents.Kind

	// persists tracks fire-and-forget writes so tests and shutdown can
	// drain them.
	persists sync.WaitGroup
}

// New creates a session for one user. Nothing is loaded until Load or the
// first Send.
func New(userID string, st store.Store, creds *credentials.Cache, provider Completer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		userID:   userID,
		store:    st,
		creds:    creds,
		provider: provider,
		logger:   logger.With("component", "session", "user_id", userID),
	}
}

// Load restores the user's most-recent active conversation and its message
// history into memory. No active conversation leaves the session empty; one
// is created lazily on first send. Load is idempotent.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return ErrSendInFlight
	}
	s.mu.Unlock()

	conv, err := s.store.FindActiveConversation(ctx, s.userID)
	if errors.Is(err, store.ErrNotFound) {
		s.mu.Lock()
		s.conversationID = ""
		s.history = nil
		s.lastAgent = ""
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding active conversation: %w", err)
	}

	messages, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}

	s.mu.Lock()
	s.conversationID = conv.ID
	s.history = messages
	s.lastAgent = agents.Kind(conv.LastAgent)
	s.mu.Unlock()

	s.logger.Debug("conversation loaded",
		"conversation_id", conv.ID,
		"messages", len(messages),
		"last_agent", conv.LastAgent)
	return nil
}

// Send runs one full send/receive cycle and returns the assistant message.
//
// The user message is appended to in-memory history before any network
// round trip, and stays there even when the send fails, so the UI never
// loses what the user typed. Persistence happens on a side channel and
// cannot fail the send. Only credential and provider failures surface.
func (s *Session) Send(ctx context.Context, text string, user UserContext) (*store.Message, error) {
	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return nil, ErrSendInFlight
	}
	s.sending = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
	}()

	convID, err := s.ensureConversation(ctx)
	if err != nil {
		return nil, err
	}

	// Optimistic append: the user's turn is visible immediately.
	userMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           store.RoleUser,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	}
	s.mu.Lock()
	s.history = append(s.history, userMsg)
	s.mu.Unlock()
	s.persistMessage(userMsg)

	kind := agents.Route(text)
	s.mu.Lock()
	s.lastAgent = kind
	turns := s.recentTurnsLocked()
	s.mu.Unlock()

	s.logger.Debug("message routed",
		"agent", kind,
		"caller", user.Describe(),
		"turns", len(turns))

	apiKey, err := s.creds.Key(ctx)
	if err != nil {
		// Configuration error: no assistant reply, user message kept.
		return nil, err
	}

	reply, err := s.provider.Complete(ctx, apiKey, agents.SystemPrompt(kind, user.Role), turns)
	if err != nil {
		return nil, err
	}

	assistantMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: convID,
		Role:           store.RoleAssistant,
		Content:        reply,
		Agent:          string(kind),
		Confidence:     agents.Confidence,
		CreatedAt:      time.Now().UTC(),
	}
	s.mu.Lock()
	s.history = append(s.history, assistantMsg)
	s.mu.Unlock()
	s.persistMessage(assistantMsg)

	if escalation.ShouldEscalate(text, reply) {
		s.createEscalation(convID, user, text, reply)
	}

	return assistantMsg, nil
}

// ClearHistory deactivates the active conversation and resets all
// in-memory state. The next send starts a brand-new conversation; a cleared
// conversation is never reused. Store failures during deactivation are
// logged, not surfaced.
func (s *Session) ClearHistory(ctx context.Context) {
	s.mu.Lock()
	convID := s.conversationID
	s.conversationID = ""
	s.history = nil
	s.lastAgent = ""
	s.mu.Unlock()

	if convID == "" {
		return
	}
	if err := s.store.DeactivateConversation(ctx, convID); err != nil {
		s.logger.Warn("failed to deactivate conversation",
			"error", err,
			"conversation_id", convID)
	}
}

// History returns a copy of the in-memory message history.
func (s *Session) History() []*store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*store.Message, len(s.history))
	copy(out, s.history)
	return out
}

// LastAgent returns the specialist that handled the most recent turn, or
// empty when nothing has been routed yet.
func (s *Session) LastAgent() agents.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAgent
}

// ConversationID returns the active conversation ID, empty when none.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Flush blocks until all dispatched fire-and-forget writes have finished.
// Used by tests and graceful shutdown.
func (s *Session) Flush() {
	s.persists.Wait()
}

// ensureConversation returns the active conversation ID, creating one
// lazily on first send. When creation loses the single-active race (another
// device created one first), the existing conversation is adopted and its
// history restored.
func (s *Session) ensureConversation(ctx context.Context) (string, error) {
	s.mu.Lock()
	convID := s.conversationID
	s.mu.Unlock()
	if convID != "" {
		return convID, nil
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    s.userID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.store.CreateConversation(ctx, conv)
	switch {
	case err == nil:
		s.mu.Lock()
		s.conversationID = conv.ID
		s.mu.Unlock()
		s.logger.Debug("conversation created", "conversation_id", conv.ID)
		return conv.ID, nil

	case errors.Is(err, store.ErrConversationActive):
		// Lost the race: adopt the winner.
		existing, findErr := s.store.FindActiveConversation(ctx, s.userID)
		if findErr != nil {
			s.logger.Warn("lookup failed after conversation race",
				"error", findErr)
			break
		}
		messages, listErr := s.store.ListMessages(ctx, existing.ID)
		if listErr != nil {
			s.logger.Warn("history load failed after conversation race",
				"error", listErr,
				"conversation_id", existing.ID)
			messages = nil
		}
		s.mu.Lock()
		s.conversationID = existing.ID
		s.history = messages
		s.lastAgent = agents.Kind(existing.LastAgent)
		s.mu.Unlock()
		s.logger.Debug("adopted existing conversation after race",
			"conversation_id", existing.ID)
		return existing.ID, nil

	default:
		s.logger.Warn("conversation create failed, continuing in memory",
			"error", err,
			"conversation_id", conv.ID)
	}

	// Degraded durability: keep the locally generated ID so the in-memory
	// conversation flow continues; later writes will log their own
	// warnings.
	s.mu.Lock()
	s.conversationID = conv.ID
	s.mu.Unlock()
	return conv.ID, nil
}

// recentTurnsLocked reduces the trailing history window to the {role,
// content} pairs sent to the provider. Caller holds s.mu.
func (s *Session) recentTurnsLocked() []llm.TurnMessage {
	start := 0
	if len(s.history) > historyWindow {
		start = len(s.history) - historyWindow
	}

	turns := make([]llm.TurnMessage, 0, len(s.history)-start)
	for _, msg := range s.history[start:] {
		turns = append(turns, llm.TurnMessage{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

// persistMessage dispatches a store write on a side channel with its own
// timeout context. Failures are logged and never surface to the caller;
// the message is already in memory.
func (s *Session) persistMessage(msg *store.Message) {
	s.persists.Add(1)
	go func() {
		defer s.persists.Done()

		saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := s.store.AppendMessage(saveCtx, msg); err != nil {
			s.logger.Warn("failed to persist message",
				"error", err,
				"message_id", msg.ID,
				"conversation_id", msg.ConversationID,
				"role", msg.Role)
		}
	}()
}

// createEscalation resolves the trainer from the caller's context and
// writes a pending escalation record on a side channel. A client without an
// assigned trainer still generates a record for later triage. Write
// failures are logged and do not affect the returned assistant message.
func (s *Session) createEscalation(convID string, user UserContext, userText, reply string) {
	esc := &store.Escalation{
		ID:             uuid.New().String(),
		ConversationID: convID,
		ClientID:       user.UserID,
		TrainerID:      user.TrainerID,
		Reason:         "coaching exchange flagged for trainer review",
		MessageContent: userText + "\n---\n" + reply,
		Status:         escalation.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	s.persists.Add(1)
	go func() {
		defer s.persists.Done()

		saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := s.store.CreateEscalation(saveCtx, esc); err != nil {
			s.logger.Warn("failed to create escalation",
				"error", err,
				"conversation_id", convID,
				"client_id", user.UserID)
			return
		}
		s.logger.Info("escalation created",
			"escalation_id", esc.ID,
			"conversation_id", convID,
			"trainer_id", trainerForLog(user.TrainerID))
	}()
}

func trainerForLog(trainerID *string) string {
	if trainerID == nil {
		return "unassigned"
	}
	return *trainerID
}

// Describe summarizes the caller for prompt context. Currently only the
// role feeds the prompt templates; goals and preferences ride along for
// logging.
func (u UserContext) Describe() string {
	parts := []string{u.Role}
	if len(u.Goals) > 0 {
		parts = append(parts, "goals: "+strings.Join(u.Goals, ", "))
	}
	if u.FitnessLevel != "" {
		parts = append(parts, "level: "+u.FitnessLevel)
	}
	return strings.Join(parts, "; ")
}
