// Package sessionstore defines the persistence layer for conversation
// sessions and their message history.
//
// A session belongs to exactly one tenant and user. Messages are an
// append-only, chronologically ordered log; the orchestration layer reads a
// bounded window of it when assembling prompts and the HTTP API exposes it
// read-only.
//
// Implementations must be safe for concurrent use.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the referenced session does not exist.
var ErrNotFound = errors.New("sessionstore: session not found")

// Session is a single conversation scoped to a tenant and user.
type Session struct {
	// ID uniquely identifies the session ("sess_<tenant>_<hex>").
	ID string
	// TenantID is the owning tenant. All persona and knowledge lookups for
	// this session are confined to it.
	TenantID string
	// UserID is the human participant the session belongs to.
	UserID string
	// CreatedAt is when the session was created.
	CreatedAt time.Time
}

// Message is one persisted entry of a session's history.
type Message struct {
	// ID is the store-assigned identifier, unique within the store.
	ID string
	// SessionID references the owning session.
	SessionID string
	// Sender is "user" or a persona identifier.
	Sender string
	// Content is the message text.
	Content string
	// CreatedAt is when the message was persisted.
	CreatedAt time.Time
}

// Store is the abstraction over session persistence backends.
//
// All methods return ErrNotFound (possibly wrapped) when the referenced
// session does not exist.
type Store interface {
	// Create allocates a new session for the given tenant and user.
	Create(ctx context.Context, tenantID, userID string) (*Session, error)

	// Get returns the session with the given ID.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// List returns all sessions for the tenant/user pair, oldest first.
	List(ctx context.Context, tenantID, userID string) ([]Session, error)

	// AddMessage appends a message to the session's history and returns the
	// persisted record including its assigned ID and timestamp.
	AddMessage(ctx context.Context, sessionID, sender, content string) (*Message, error)

	// ListMessages returns the most recent limit messages of the session in
	// chronological order (oldest of the window first). A non-positive limit
	// returns the full history.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)

	// Delete removes the session and its messages.
	Delete(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store.
	Close() error
}

// NewSessionID generates a session identifier of the form
// "sess_<tenant>_<32 hex chars>". The tenant segment is embedded so operators
// can attribute a session from its ID alone.
func NewSessionID(tenantID string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("sess_%s_%s", tenantID, hex)
}

// NewMessageID generates a store-level message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
