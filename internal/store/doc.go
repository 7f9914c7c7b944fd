// Package store provides persistence for conversations, messages,
// escalations, and operational secrets.
//
// The Store interface is the contract the session layer depends on; the
// SQLite implementation (modernc.org/sqlite, pure Go) is the production
// backend and MockStore backs tests.
//
// Two semantic guarantees matter to callers:
//
//   - ListMessages returns messages ascending by creation time.
//   - At most one conversation per user is active at a time. The SQLite
//     backend enforces this with a partial unique index; CreateConversation
//     returns ErrConversationActive on violation so callers can re-resolve
//     instead of silently racing.
package store
