// Package postgres provides a PostgreSQL-backed implementation of
// [sessionstore.Store].
//
// Sessions and messages live in two tables created by [Migrate] on startup.
// Message reads are served by a composite (session_id, created_at, seq) index
// so the tail window the orchestrator needs stays cheap even for long
// histories.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colloquyhq/colloquy/pkg/sessionstore"
)

// Ensure Store implements the sessionstore.Store interface at compile time.
var _ sessionstore.Store = (*Store)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    tenant_id   TEXT         NOT NULL,
    user_id     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_tenant_user
    ON sessions (tenant_id, user_id, created_at);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS session_messages (
    id          TEXT         PRIMARY KEY,
    seq         BIGSERIAL,
    session_id  TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    sender      TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_messages_session_seq
    ON session_messages (session_id, created_at, seq);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("sessionstore postgres: migrate: %w", err)
		}
	}
	return nil
}

// Store is the PostgreSQL-backed session store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the PostgreSQL database at dsn and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionstore postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sessionstore postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool without running migrations. Intended for
// callers that share one pool across stores and migrate explicitly.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create implements sessionstore.Store.
func (s *Store) Create(ctx context.Context, tenantID, userID string) (*sessionstore.Session, error) {
	sess := sessionstore.Session{
		ID:       sessionstore.NewSessionID(tenantID),
		TenantID: tenantID,
		UserID:   userID,
	}

	const q = `
		INSERT INTO sessions (id, tenant_id, user_id)
		VALUES ($1, $2, $3)
		RETURNING created_at`

	if err := s.pool.QueryRow(ctx, q, sess.ID, tenantID, userID).Scan(&sess.CreatedAt); err != nil {
		return nil, fmt.Errorf("sessionstore postgres: create: %w", err)
	}
	return &sess, nil
}

// Get implements sessionstore.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (*sessionstore.Session, error) {
	const q = `
		SELECT id, tenant_id, user_id, created_at
		FROM   sessions
		WHERE  id = $1`

	var sess sessionstore.Session
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&sess.ID, &sess.TenantID, &sess.UserID, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sessionstore postgres: get %q: %w", sessionID, sessionstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore postgres: get: %w", err)
	}
	return &sess, nil
}

// List implements sessionstore.Store.
func (s *Store) List(ctx context.Context, tenantID, userID string) ([]sessionstore.Session, error) {
	const q = `
		SELECT id, tenant_id, user_id, created_at
		FROM   sessions
		WHERE  tenant_id = $1 AND user_id = $2
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("sessionstore postgres: list: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sessionstore.Session, error) {
		var sess sessionstore.Session
		err := row.Scan(&sess.ID, &sess.TenantID, &sess.UserID, &sess.CreatedAt)
		return sess, err
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore postgres: list: scan: %w", err)
	}
	return sessions, nil
}

// AddMessage implements sessionstore.Store.
func (s *Store) AddMessage(ctx context.Context, sessionID, sender, content string) (*sessionstore.Message, error) {
	msg := sessionstore.Message{
		ID:        sessionstore.NewMessageID(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
	}

	const q = `
		INSERT INTO session_messages (id, session_id, sender, content)
		SELECT $1, $2, $3, $4
		WHERE  EXISTS (SELECT 1 FROM sessions WHERE id = $2)
		RETURNING created_at`

	err := s.pool.QueryRow(ctx, q, msg.ID, sessionID, sender, content).Scan(&msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sessionstore postgres: add message to %q: %w", sessionID, sessionstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sessionstore postgres: add message: %w", err)
	}
	return &msg, nil
}

// ListMessages implements sessionstore.Store. The newest limit rows are
// selected in reverse and flipped back so callers always see chronological
// order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]sessionstore.Message, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	q := `
		SELECT id, session_id, sender, content, created_at
		FROM   session_messages
		WHERE  session_id = $1
		ORDER  BY created_at, seq`
	args := []any{sessionID}

	if limit > 0 {
		q = `
		SELECT id, session_id, sender, content, created_at
		FROM (
			SELECT id, session_id, sender, content, created_at, seq
			FROM   session_messages
			WHERE  session_id = $1
			ORDER  BY created_at DESC, seq DESC
			LIMIT  $2
		) tail
		ORDER BY created_at, seq`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sessionstore postgres: list messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (sessionstore.Message, error) {
		var m sessionstore.Message
		err := row.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("sessionstore postgres: list messages: scan: %w", err)
	}
	return messages, nil
}

// Delete implements sessionstore.Store. Messages go with the session via
// ON DELETE CASCADE.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("sessionstore postgres: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sessionstore postgres: delete %q: %w", sessionID, sessionstore.ErrNotFound)
	}
	return nil
}

// Close implements sessionstore.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
