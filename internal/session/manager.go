package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/colloquyhq/colloquy/internal/observe"
	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/runtime"
	"github.com/colloquyhq/colloquy/internal/scheduler"
	"github.com/colloquyhq/colloquy/pkg/sessionstore"
)

// Config tunes the manager's per-session workers.
type Config struct {
	// MaxAgentsPerTurn caps how many personas may speak in one scheduling
	// step. Zero or negative means no cap.
	MaxAgentsPerTurn int

	// HistoryLimit is how many messages a worker snapshots for prompt
	// assembly. Zero means [DefaultHistoryLimit].
	HistoryLimit int

	// SchedulerOpts is passed to every session's scheduler.
	SchedulerOpts []scheduler.Option
}

// Manager is the front door of the orchestration layer. It owns the worker
// registry: one worker per live session, created lazily on the first enqueue
// or subscription and recreated if a previous worker has exited.
type Manager struct {
	store    sessionstore.Store
	registry persona.Registry
	adapter  runtime.Adapter
	prompts  *runtime.Builder
	metrics  *observe.Metrics
	logger   *slog.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	workers  map[string]*Worker
	shutdown bool
}

// NewManager creates a manager. metrics may be nil, in which case the shared
// default instruments are used; logger may be nil for [slog.Default].
func NewManager(store sessionstore.Store, registry persona.Registry, adapter runtime.Adapter, prompts *runtime.Builder, metrics *observe.Metrics, logger *slog.Logger, cfg Config) *Manager {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		registry: registry,
		adapter:  adapter,
		prompts:  prompts,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*Worker),
	}
}

// CreateSession opens a new session for the tenant and user.
func (m *Manager) CreateSession(ctx context.Context, tenantID, userID string) (*sessionstore.Session, error) {
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrValidation)
	}
	return m.store.Create(ctx, tenantID, userID)
}

// ListSessions returns the sessions of one tenant, optionally filtered by
// user.
func (m *Manager) ListSessions(ctx context.Context, tenantID, userID string) ([]sessionstore.Session, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	return m.store.List(ctx, tenantID, userID)
}

// ListMessages returns up to limit most recent messages of the session,
// oldest first.
func (m *Manager) ListMessages(ctx context.Context, sessionID string, limit int) ([]sessionstore.Message, error) {
	return m.store.ListMessages(ctx, sessionID, limit)
}

// Enqueue validates and hands one user message to the session's worker. The
// call returns as soon as the request is queued; generation and persistence
// happen on the worker goroutine.
func (m *Manager) Enqueue(ctx context.Context, sessionID string, req InboundRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if len(req.TargetPersonas) > 0 {
		roster, err := m.registry.List(ctx, sess.TenantID)
		if err != nil {
			return fmt.Errorf("session: load personas: %w", err)
		}
		known := make(map[string]struct{}, len(roster))
		for _, p := range roster {
			known[p.Handle] = struct{}{}
		}
		for _, target := range req.TargetPersonas {
			if _, ok := known[target]; !ok {
				return fmt.Errorf("%w: unknown target persona %q", ErrValidation, target)
			}
		}
	}

	w, err := m.workerFor(ctx, sess)
	if err != nil {
		return err
	}
	return w.Enqueue(ctx, req)
}

// Subscribe attaches to the session's event stream, starting a worker if none
// is running. The returned cancel func detaches the subscriber.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) (<-chan StreamEvent, func(), error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	w, err := m.workerFor(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := w.Subscribe()
	return ch, cancel, nil
}

// DeleteSession stops the session's worker, waits for it to exit, and removes
// the session and its history from the store.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := m.store.Get(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	w := m.workers[sessionID]
	delete(m.workers, sessionID)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
		select {
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.store.Delete(ctx, sessionID)
}

// SchedulerSnapshot exposes the live scheduler state of one session for the
// debug endpoint. Sessions without a running worker report ErrNotFound.
func (m *Manager) SchedulerSnapshot(sessionID string) (scheduler.Snapshot, error) {
	m.mu.Lock()
	w := m.workers[sessionID]
	m.mu.Unlock()

	if w == nil {
		return scheduler.Snapshot{}, fmt.Errorf("%w: no active worker for session %s", ErrNotFound, sessionID)
	}
	return w.SchedulerSnapshot(), nil
}

// Shutdown stops all workers and waits for them to drain, bounded by ctx.
// Subsequent enqueues fail with [ErrShuttingDown].
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	workers := make([]*Worker, 0, len(m.workers))
	for id, w := range m.workers {
		workers = append(workers, w)
		delete(m.workers, id)
	}
	m.mu.Unlock()

	m.cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			w.Stop()
			select {
			case <-w.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}

// workerFor returns the session's worker, creating one if missing or if the
// previous worker has exited. The persona roster is snapshotted at creation.
func (m *Manager) workerFor(ctx context.Context, sess *sessionstore.Session) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil, ErrShuttingDown
	}
	if w, ok := m.workers[sess.ID]; ok {
		select {
		case <-w.Done():
			// A worker that died on an internal error is replaced here.
			delete(m.workers, sess.ID)
		default:
			return w, nil
		}
	}

	roster, err := m.registry.List(ctx, sess.TenantID)
	if err != nil {
		return nil, fmt.Errorf("session: load personas: %w", err)
	}

	deps := workerDeps{
		store:   m.store,
		adapter: m.adapter,
		prompts: m.prompts,
		metrics: m.metrics,
		logger:  m.logger.With("session_id", sess.ID, "tenant_id", sess.TenantID),
	}
	w := newWorker(m.ctx, sess.ID, sess.TenantID, roster, m.cfg.MaxAgentsPerTurn, m.cfg.HistoryLimit, deps, m.cfg.SchedulerOpts...)
	m.workers[sess.ID] = w
	return w, nil
}
