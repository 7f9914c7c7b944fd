// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/escalation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC3339 with fixed-width nanoseconds so that the stored
// strings sort in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_agent TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user_updated
			ON conversations(user_id, is_active, updated_at);

		-- At most one active conversation per user. Two devices racing on
		-- first send hit this index instead of both winning.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_one_active
			ON conversations(user_id) WHERE is_active = 1;

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			agent TEXT,
			confidence REAL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS escalations (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			trainer_id TEXT,
			reason TEXT NOT NULL,
			message_content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_escalations_trainer
			ON escalations(trainer_id, status);

		CREATE TABLE IF NOT EXISTS secrets (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// FindActiveConversation returns the most-recently-updated active
// conversation for the user. Returns ErrNotFound if the user has none.
func (s *SQLiteStore) FindActiveConversation(ctx context.Context, userID string) (*Conversation, error) {
	query := `
		SELECT id, user_id, is_active, last_agent, created_at, updated_at
		FROM conversations
		WHERE user_id = ? AND is_active = 1
		ORDER BY updated_at DESC
		LIMIT 1
	`

	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return conv, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrConversationActive if the user already has an active one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, user_id, is_active, last_agent, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.UserID,
		boolToInt(conv.IsActive),
		nullString(conv.LastAgent),
		conv.CreatedAt.UTC().Format(timeLayout),
		conv.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConversationActive
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "user_id", conv.UserID)
	return nil
}

// DeactivateConversation clears the is_active flag on a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) DeactivateConversation(ctx context.Context, id string) error {
	query := `
		UPDATE conversations
		SET is_active = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("deactivating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deactivated conversation", "id", id)
	return nil
}

// ListMessages returns all messages in a conversation, ascending by
// creation time.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, agent, confidence, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var agent sql.NullString
		var confidence sql.NullFloat64
		var createdAtStr string

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&agent,
			&confidence,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		msg.Agent = agent.String
		msg.Confidence = confidence.Float64
		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// AppendMessage persists a message and bumps the owning conversation's
// updated_at so "most recently updated" tracks conversation activity.
// Assistant turns also update the conversation's last_agent.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO messages (id, conversation_id, role, content, agent, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insert,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		nullString(msg.Agent),
		nullFloat(msg.Confidence),
		msg.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	if msg.Agent != "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ?, last_agent = ? WHERE id = ?`,
			now, msg.Agent, msg.ConversationID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			now, msg.ConversationID)
	}
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"role", msg.Role)
	return nil
}

// CreateEscalation persists an escalation record.
func (s *SQLiteStore) CreateEscalation(ctx context.Context, esc *Escalation) error {
	query := `
		INSERT INTO escalations (id, conversation_id, client_id, trainer_id, reason, message_content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var trainerID any
	if esc.TrainerID != nil {
		trainerID = *esc.TrainerID
	}

	_, err := s.db.ExecContext(ctx, query,
		esc.ID,
		esc.ConversationID,
		esc.ClientID,
		trainerID,
		esc.Reason,
		esc.MessageContent,
		esc.Status,
		esc.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting escalation: %w", err)
	}

	s.logger.Debug("created escalation",
		"id", esc.ID,
		"conversation_id", esc.ConversationID,
		"client_id", esc.ClientID)
	return nil
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var isActive int
	var lastAgent sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.UserID,
		&isActive,
		&lastAgent,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	conv.IsActive = isActive != 0
	conv.LastAgent = lastAgent.String

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f float64) any {
	if f == 0 {
		return nil
	}
	return f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
