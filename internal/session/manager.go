// ABOUTME: Per-user session registry for the HTTP layer
// ABOUTME: Lazily constructs and loads one Session per user ID

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fitlane/coach-engine/internal/credentials"
	"github.com/fitlane/coach-engine/internal/store"
)

// Manager owns one Session per user. Sessions are created and loaded on
// first use and live for the process lifetime; there is no cross-session
// shared state beyond the injected collaborators.
type Manager struct {
	store    store.Store
	creds    *credentials.Cache
	provider Completer
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(st store.Store, creds *credentials.Cache, provider Completer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		creds:    creds,
		provider: provider,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for a user, constructing and loading it on first
// use. A load failure leaves no session registered so the next call
// retries.
func (m *Manager) Get(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	sess := New(userID, m.store, m.creds, m.provider, m.logger)
	if err := sess.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading session for %s: %w", userID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have loaded the same user concurrently; keep the
	// registered one so both callers share state.
	if existing, ok := m.sessions[userID]; ok {
		return existing, nil
	}
	m.sessions[userID] = sess
	return sess, nil
}

// Flush drains outstanding fire-and-forget writes across all sessions.
func (m *Manager) Flush() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Flush()
	}
}
