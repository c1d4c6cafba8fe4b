package sessionstore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Ensure MemoryStore implements the Store interface at compile time.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for development and tests. Sessions and
// messages live only for the lifetime of the process.
//
// MemoryStore is safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// messages preserves append order per session, which keeps ListMessages
	// stable even when timestamps collide.
	messages map[string][]Message
	// order records session creation order for List.
	order []string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, tenantID, userID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: create: %w", err)
	}

	sess := &Session{
		ID:        NewSessionID(tenantID),
		TenantID:  tenantID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)

	cp := *sess
	return &cp, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: get: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("sessionstore: get %q: %w", sessionID, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, tenantID, userID string) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: list: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []Session
	for _, id := range s.order {
		sess := s.sessions[id]
		if sess == nil || sess.TenantID != tenantID || sess.UserID != userID {
			continue
		}
		result = append(result, *sess)
	}
	return result, nil
}

// AddMessage implements Store.
func (s *MemoryStore) AddMessage(ctx context.Context, sessionID, sender, content string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: add message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("sessionstore: add message to %q: %w", sessionID, ErrNotFound)
	}

	msg := Message{
		ID:        NewMessageID(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return &msg, nil
}

// ListMessages implements Store.
func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("sessionstore: list messages: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("sessionstore: list messages of %q: %w", sessionID, ErrNotFound)
	}

	all := s.messages[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	result := make([]Message, len(all))
	copy(result, all)
	return result, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("sessionstore: delete: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("sessionstore: delete %q: %w", sessionID, ErrNotFound)
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Close implements Store. It is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
