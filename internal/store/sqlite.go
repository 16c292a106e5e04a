// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Automatic schema creation, WAL mode, unique index as the correlation race arbiter

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hearthward/switchboard/internal/frontend"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed. Pass ":memory:" for an in-process store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL for concurrent readers alongside the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS correlation_records (
			agent_id     TEXT NOT NULL,
			token        TEXT NOT NULL,
			chat_id      INTEGER NOT NULL,
			thread_id    INTEGER NOT NULL,
			topic_id     INTEGER NOT NULL,
			created_at   DATETIME NOT NULL,
			last_seen_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, token)
		);

		CREATE INDEX IF NOT EXISTS idx_correlation_conversation
			ON correlation_records(agent_id, chat_id, thread_id);

		CREATE TABLE IF NOT EXISTS session_state (
			agent_id   TEXT NOT NULL,
			chat_id    INTEGER NOT NULL,
			thread_id  INTEGER NOT NULL,
			state      BLOB NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, chat_id, thread_id)
		);

		CREATE TABLE IF NOT EXISTS reply_ledger (
			id         TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			chat_id    INTEGER NOT NULL,
			thread_id  INTEGER NOT NULL,
			source     TEXT NOT NULL,
			body       TEXT NOT NULL,
			is_error   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_reply_ledger_conversation
			ON reply_ledger(agent_id, chat_id, thread_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateCorrelation inserts a new record. The primary key makes concurrent
// creators race safely: the loser gets ErrDuplicateCorrelation and re-reads.
func (s *SQLiteStore) CreateCorrelation(ctx context.Context, rec *CorrelationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correlation_records
			(agent_id, token, chat_id, thread_id, topic_id, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, rec.Token, rec.ChatID, rec.ThreadID, rec.TopicID,
		rec.CreatedAt, rec.LastSeenAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateCorrelation
		}
		return fmt.Errorf("inserting correlation record: %w", err)
	}
	return nil
}

// GetCorrelation looks up the record for (agentID, token).
func (s *SQLiteStore) GetCorrelation(ctx context.Context, agentID, token string) (*CorrelationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, token, chat_id, thread_id, topic_id, created_at, last_seen_at
		FROM correlation_records WHERE agent_id = ? AND token = ?`,
		agentID, token)
	return scanCorrelation(row)
}

// GetCorrelationByConversation finds the token that maps to a conversation.
// Used by the queue frontend to address outbound responses.
func (s *SQLiteStore) GetCorrelationByConversation(ctx context.Context, key frontend.ConversationKey) (*CorrelationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, token, chat_id, thread_id, topic_id, created_at, last_seen_at
		FROM correlation_records
		WHERE agent_id = ? AND chat_id = ? AND thread_id = ?`,
		key.AgentID, key.ChatID, key.ThreadID)
	return scanCorrelation(row)
}

func scanCorrelation(row *sql.Row) (*CorrelationRecord, error) {
	var rec CorrelationRecord
	err := row.Scan(&rec.AgentID, &rec.Token, &rec.ChatID, &rec.ThreadID,
		&rec.TopicID, &rec.CreatedAt, &rec.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning correlation record: %w", err)
	}
	return &rec, nil
}

// TouchCorrelation updates last_seen_at so idle-based expiry spares active
// conversations.
func (s *SQLiteStore) TouchCorrelation(ctx context.Context, agentID, token string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE correlation_records SET last_seen_at = ?
		WHERE agent_id = ? AND token = ?`,
		seenAt, agentID, token)
	if err != nil {
		return fmt.Errorf("touching correlation record: %w", err)
	}
	return nil
}

// PruneCorrelations deletes records not seen since idleSince. Returns the
// number removed.
func (s *SQLiteStore) PruneCorrelations(ctx context.Context, idleSince time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM correlation_records WHERE last_seen_at < ?`, idleSince)
	if err != nil {
		return 0, fmt.Errorf("pruning correlation records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned idle correlation records", "count", n)
	}
	return n, nil
}

// SaveSessionState upserts the opaque session blob for a conversation.
func (s *SQLiteStore) SaveSessionState(ctx context.Context, key frontend.ConversationKey, state []byte) error {
	if state == nil {
		state = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (agent_id, chat_id, thread_id, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, chat_id, thread_id)
		DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key.AgentID, key.ChatID, key.ThreadID, state, time.Now())
	if err != nil {
		return fmt.Errorf("saving session state: %w", err)
	}
	return nil
}

// GetSessionState loads the session blob for a conversation, or ErrNotFound.
func (s *SQLiteStore) GetSessionState(ctx context.Context, key frontend.ConversationKey) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM session_state
		WHERE agent_id = ? AND chat_id = ? AND thread_id = ?`,
		key.AgentID, key.ChatID, key.ThreadID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session state: %w", err)
	}
	return state, nil
}

// SaveReply appends a delivered reply to the ledger.
func (s *SQLiteStore) SaveReply(ctx context.Context, reply *Reply) error {
	isError := 0
	if reply.IsError {
		isError = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reply_ledger (id, agent_id, chat_id, thread_id, source, body, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		reply.ID, reply.Key.AgentID, reply.Key.ChatID, reply.Key.ThreadID,
		string(reply.Source), reply.Body, isError, reply.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving reply: %w", err)
	}
	return nil
}

// ListReplies returns up to limit replies for a conversation, oldest first.
func (s *SQLiteStore) ListReplies(ctx context.Context, key frontend.ConversationKey, limit int) ([]*Reply, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, body, is_error, created_at FROM reply_ledger
		WHERE agent_id = ? AND chat_id = ? AND thread_id = ?
		ORDER BY created_at ASC LIMIT ?`,
		key.AgentID, key.ChatID, key.ThreadID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing replies: %w", err)
	}
	defer rows.Close()

	var replies []*Reply
	for rows.Next() {
		r := &Reply{Key: key}
		var source string
		var isError int
		if err := rows.Scan(&r.ID, &source, &r.Body, &isError, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning reply: %w", err)
		}
		r.Source = frontend.Source(source)
		r.IsError = isError != 0
		replies = append(replies, r)
	}
	return replies, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique/primary key
// constraint failure. modernc.org/sqlite does not export a typed error for
// this, so match on the message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
