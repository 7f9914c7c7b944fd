// ABOUTME: Tests for the conversation session orchestrator
// ABOUTME: Covers the send pipeline, single-flight guard, trimming, clearing, and escalation

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitlane/coach-engine/internal/agents"
	"github.com/fitlane/coach-engine/internal/credentials"
	"github.com/fitlane/coach-engine/internal/llm"
	"github.com/fitlane/coach-engine/internal/store"
)

type completionCall struct {
	apiKey string
	system string
	msgs   []llm.TurnMessage
}

// fakeCompleter records calls and can block to simulate a slow provider.
type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   []completionCall
	entered chan struct{} // closed once on first call, if non-nil
	release chan struct{} // Complete waits for this, if non-nil
}

func (f *fakeCompleter) Complete(ctx context.Context, apiKey, system string, msgs []llm.TurnMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, completionCall{apiKey: apiKey, system: system, msgs: msgs})
	entered := f.entered
	f.entered = nil
	release := f.release
	f.mu.Unlock()

	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}
	return f.reply, f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) lastCall() completionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type staticBroker struct {
	key string
	err error
}

func (b staticBroker) FetchKey(ctx context.Context) (string, error) {
	return b.key, b.err
}

func newTestSession(t *testing.T, m *store.MockStore, completer *fakeCompleter) *Session {
	t.Helper()
	creds := credentials.NewCache(staticBroker{key: "sk-test"}, time.Hour)
	return New("user-1", m, creds, completer, nil)
}

func clientContext() UserContext {
	trainerID := "trainer-7"
	return UserContext{
		UserID:       "user-1",
		Role:         RoleClient,
		Goals:        []string{"strength"},
		FitnessLevel: "intermediate",
		TrainerID:    &trainerID,
	}
}

func TestSend_HappyPath(t *testing.T) {
	m := store.NewMockStore()
	completer := &fakeCompleter{reply: "start with three sets of five"}
	sess := newTestSession(t, m, completer)
	ctx := context.Background()

	reply, err := sess.Send(ctx, "how should I program my squat", clientContext())
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, store.RoleAssistant, reply.Role)
	assert.Equal(t, "start with three sets of five", reply.Content)
	assert.Equal(t, string(agents.Workout), reply.Agent)
	assert.Equal(t, agents.Confidence, reply.Confidence)

	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
	assert.Equal(t, agents.Workout, sess.LastAgent())

	// Both turns were persisted on the side channel.
	sess.Flush()
	persisted, err := m.ListMessages(ctx, sess.ConversationID())
	require.NoError(t, err)
	assert.Len(t, persisted, 2)

	// The provider got the routed system prompt and the cached key.
	call := completer.lastCall()
	assert.Equal(t, "sk-test", call.apiKey)
	assert.Contains(t, call.system, "strength and conditioning")
	assert.Contains(t, call.system, "client")
}

func TestSend_CreatesConversationLazily(t *testing.T) {
	m := store.NewMockStore()
	sess := newTestSession(t, m, &fakeCompleter{reply: "ok"})
	ctx := context.Background()

	require.NoError(t, sess.Load(ctx))
	assert.Empty(t, sess.ConversationID(), "load must not create a conversation")

	_, err := sess.Send(ctx, "hello", clientContext())
	require.NoError(t, err)
	require.NotEmpty(t, sess.ConversationID())

	conv := m.Conversation(sess.ConversationID())
	require.NotNil(t, conv)
	assert.True(t, conv.IsActive)
	assert.Equal(t, "user-1", conv.UserID)
}

func TestSend_AdoptsConversationAfterRace(t *testing.T) {
	m := store.NewMockStore()
	ctx := context.Background()

	// Another device already created the active conversation and a turn.
	existing := &store.Conversation{
		ID: "conv-other-device", UserID: "user-1", IsActive: true,
		LastAgent: string(agents.Nutrition),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, m.CreateConversation(ctx, existing))
	require.NoError(t, m.AppendMessage(ctx, &store.Message{
		ID: "m-0", ConversationID: existing.ID, Role: store.RoleUser,
		Content: "earlier question", CreatedAt: time.Now().Add(-time.Minute),
	}))

	sess := newTestSession(t, m, &fakeCompleter{reply: "ok"})
	_, err := sess.Send(ctx, "hello", clientContext())
	require.NoError(t, err)

	assert.Equal(t, "conv-other-device", sess.ConversationID())
	history := sess.History()
	require.Len(t, history, 3) // adopted turn + new user + assistant
	assert.Equal(t, "earlier question", history[0].Content)
}

func TestSend_RejectsConcurrentSend(t *testing.T) {
	m := store.NewMockStore()
	completer := &fakeCompleter{
		reply:   "done",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	sess := newTestSession(t, m, completer)
	ctx := context.Background()

	entered := completer.entered
	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Send(ctx, "first question about my workout", clientContext())
		errCh <- err
	}()

	// Wait until the first send is inside the provider call, then try a
	// second send.
	<-entered
	_, err := sess.Send(ctx, "second question", clientContext())
	assert.ErrorIs(t, err, ErrSendInFlight)

	close(completer.release)
	require.NoError(t, <-errCh)

	// Exactly one accepted send: one (user, assistant) pair, in order.
	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, "first question about my workout", history[0].Content)
	assert.Equal(t, store.RoleAssistant, history[1].Role)

	// The session accepts sends again after the in-flight one resolves.
	_, err = sess.Send(ctx, "third question", clientContext())
	require.NoError(t, err)
}

func TestSend_CredentialFailureKeepsUserMessage(t *testing.T) {
	m := store.NewMockStore()
	completer := &fakeCompleter{reply: "never reached"}
	creds := credentials.NewCache(staticBroker{err: errors.New("broker down")}, time.Hour)
	sess := New("user-1", m, creds, completer, nil)

	_, err := sess.Send(context.Background(), "hello", clientContext())
	require.ErrorIs(t, err, credentials.ErrUnavailable)

	// No provider call, no assistant reply, but the typed message survives.
	assert.Zero(t, completer.callCount())
	history := sess.History()
	require.Len(t, history, 1)
	assert.Equal(t, store.RoleUser, history[0].Role)
}

func TestSend_ProviderFailureKeepsUserMessage(t *testing.T) {
	m := store.NewMockStore()
	provErr := &llm.ProviderError{Status: 500, Message: "upstream exploded"}
	completer := &fakeCompleter{err: provErr}
	sess := newTestSession(t, m, completer)
	ctx := context.Background()

	_, err := sess.Send(ctx, "hello", clientContext())
	var got *llm.ProviderError
	require.True(t, errors.As(err, &got))

	history := sess.History()
	require.Len(t, history, 1)
	assert.Equal(t, store.RoleUser, history[0].Role)

	// The user message was still persisted.
	sess.Flush()
	persisted, err := m.ListMessages(ctx, sess.ConversationID())
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, store.RoleUser, persisted[0].Role)
}

func TestSend_PersistenceFailureDoesNotFailSend(t *testing.T) {
	m := store.NewMockStore()
	m.FailWrites = errors.New("database degraded")
	sess := newTestSession(t, m, &fakeCompleter{reply: "still works"})

	reply, err := sess.Send(context.Background(), "hello", clientContext())
	require.NoError(t, err)
	assert.Equal(t, "still works", reply.Content)

	sess.Flush()
	assert.Len(t, sess.History(), 2)
}

func TestSend_TrimsHistoryToWindow(t *testing.T) {
	m := store.NewMockStore()
	ctx := context.Background()

	// Seed a loaded conversation with 14 persisted turns.
	conv := &store.Conversation{
		ID: "conv-1", UserID: "user-1", IsActive: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, m.CreateConversation(ctx, conv))
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 14; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		require.NoError(t, m.AppendMessage(ctx, &store.Message{
			ID:             fmt.Sprintf("m-%02d", i),
			ConversationID: "conv-1",
			Role:           role,
			Content:        fmt.Sprintf("turn %02d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	completer := &fakeCompleter{reply: "ok"}
	sess := newTestSession(t, m, completer)
	require.NoError(t, sess.Load(ctx))

	_, err := sess.Send(ctx, "the newest question", clientContext())
	require.NoError(t, err)

	call := completer.lastCall()
	require.Len(t, call.msgs, 10, "provider gets exactly the trailing window")

	// Oldest first: 14 seeded + 1 new = 15 turns, window starts at turn 05.
	assert.Equal(t, "turn 05", call.msgs[0].Content)
	assert.Equal(t, "the newest question", call.msgs[9].Content)
}

func TestLoad_RestoresStateAndIsIdempotent(t *testing.T) {
	m := store.NewMockStore()
	ctx := context.Background()

	conv := &store.Conversation{
		ID: "conv-1", UserID: "user-1", IsActive: true,
		LastAgent: string(agents.Recovery),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, m.CreateConversation(ctx, conv))
	require.NoError(t, m.AppendMessage(ctx, &store.Message{
		ID: "m-1", ConversationID: "conv-1", Role: store.RoleUser,
		Content: "how sore is too sore", CreatedAt: time.Now(),
	}))

	sess := newTestSession(t, m, &fakeCompleter{})
	require.NoError(t, sess.Load(ctx))

	assert.Equal(t, "conv-1", sess.ConversationID())
	assert.Equal(t, agents.Recovery, sess.LastAgent())
	require.Len(t, sess.History(), 1)

	// Load again with no intervening sends: same resulting state.
	require.NoError(t, sess.Load(ctx))
	assert.Equal(t, "conv-1", sess.ConversationID())
	assert.Len(t, sess.History(), 1)
}

func TestClearHistory_ResetsAndStartsFresh(t *testing.T) {
	m := store.NewMockStore()
	sess := newTestSession(t, m, &fakeCompleter{reply: "ok"})
	ctx := context.Background()

	_, err := sess.Send(ctx, "squat question", clientContext())
	require.NoError(t, err)
	firstConv := sess.ConversationID()
	require.NotEmpty(t, firstConv)

	sess.ClearHistory(ctx)

	assert.Empty(t, sess.ConversationID())
	assert.Empty(t, sess.History())
	assert.Equal(t, agents.Kind(""), sess.LastAgent())

	conv := m.Conversation(firstConv)
	require.NotNil(t, conv)
	assert.False(t, conv.IsActive, "cleared conversation must be deactivated")

	// Next send creates a brand-new conversation.
	_, err = sess.Send(ctx, "new topic", clientContext())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ConversationID())
	assert.NotEqual(t, firstConv, sess.ConversationID())
}

func TestClearHistory_NoActiveConversationIsANoop(t *testing.T) {
	m := store.NewMockStore()
	sess := newTestSession(t, m, &fakeCompleter{})

	sess.ClearHistory(context.Background())
	assert.Empty(t, sess.ConversationID())
}

func TestSend_EscalatesInjuryExchange(t *testing.T) {
	m := store.NewMockStore()
	completer := &fakeCompleter{reply: "drop the weight and rest"}
	sess := newTestSession(t, m, completer)
	ctx := context.Background()

	_, err := sess.Send(ctx, "my shoulder hurts during bench press", clientContext())
	require.NoError(t, err)

	// "bench" routes to workout even though the exchange escalates.
	assert.Equal(t, agents.Workout, sess.LastAgent())

	sess.Flush()
	escalations := m.Escalations()
	require.Len(t, escalations, 1)

	esc := escalations[0]
	assert.Equal(t, sess.ConversationID(), esc.ConversationID)
	assert.Equal(t, "user-1", esc.ClientID)
	require.NotNil(t, esc.TrainerID)
	assert.Equal(t, "trainer-7", *esc.TrainerID)
	assert.Equal(t, "pending", esc.Status)
	assert.Contains(t, esc.MessageContent, "my shoulder hurts")
}

func TestSend_EscalatesWithoutAssignedTrainer(t *testing.T) {
	m := store.NewMockStore()
	sess := newTestSession(t, m, &fakeCompleter{reply: "I'm not sure, ask your trainer"})
	ctx := context.Background()

	user := clientContext()
	user.TrainerID = nil

	_, err := sess.Send(ctx, "what's my max?", user)
	require.NoError(t, err)

	sess.Flush()
	escalations := m.Escalations()
	require.Len(t, escalations, 1)
	assert.Nil(t, escalations[0].TrainerID, "unassigned clients still escalate")
}

func TestSend_BenignExchangeDoesNotEscalate(t *testing.T) {
	m := store.NewMockStore()
	sess := newTestSession(t, m, &fakeCompleter{reply: "try chicken and rice"})

	_, err := sess.Send(context.Background(), "what should I eat", clientContext())
	require.NoError(t, err)

	sess.Flush()
	assert.Empty(t, m.Escalations())
}

func TestSend_EscalationWriteFailureDoesNotAffectReply(t *testing.T) {
	m := store.NewMockStore()
	m.FailWrites = errors.New("escalations table locked")
	sess := newTestSession(t, m, &fakeCompleter{reply: "see a doctor if it persists"})

	reply, err := sess.Send(context.Background(), "my knee hurts", clientContext())
	require.NoError(t, err)
	assert.Equal(t, "see a doctor if it persists", reply.Content)
	sess.Flush()
}
