// Package app wires all Colloquy subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API, and Shutdown tears everything down in
// order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithVectorStore, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/colloquyhq/colloquy/internal/config"
	"github.com/colloquyhq/colloquy/internal/health"
	"github.com/colloquyhq/colloquy/internal/httpapi"
	"github.com/colloquyhq/colloquy/internal/observe"
	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/rag"
	"github.com/colloquyhq/colloquy/internal/runtime"
	"github.com/colloquyhq/colloquy/internal/session"
	"github.com/colloquyhq/colloquy/pkg/provider/embeddings"
	"github.com/colloquyhq/colloquy/pkg/provider/embeddings/charfreq"
	ollamaembed "github.com/colloquyhq/colloquy/pkg/provider/embeddings/ollama"
	oaembed "github.com/colloquyhq/colloquy/pkg/provider/embeddings/openai"
	"github.com/colloquyhq/colloquy/pkg/sessionstore"
	storepg "github.com/colloquyhq/colloquy/pkg/sessionstore/postgres"
	"github.com/colloquyhq/colloquy/pkg/vectorstore"
	vectorpg "github.com/colloquyhq/colloquy/pkg/vectorstore/postgres"
)

// DefaultTenant is the tenant persona knowledge from a file roster is
// ingested under. File rosters are served to every tenant, but knowledge
// collections are tenant-scoped; single-tenant deployments should create
// their sessions under this id.
const DefaultTenant = "default"

// App owns all subsystem lifetimes and serves the Colloquy HTTP API.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics   *observe.Metrics
	store     sessionstore.Store
	registry  persona.Registry
	vectors   vectorstore.Store
	embedder  embeddings.Provider
	retriever *rag.Retriever
	adapter   runtime.Adapter
	manager   *session.Manager
	watcher   *config.PersonaWatcher
	server    *http.Server

	// settings is the persona file content when a file roster is configured.
	settings *persona.Settings

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s sessionstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithVectorStore injects a vector store instead of creating one from config.
func WithVectorStore(s vectorstore.Store) Option {
	return func(a *App) { a.vectors = s }
}

// WithRegistry injects a persona registry instead of creating one from config.
func WithRegistry(r persona.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithEmbedder injects an embedding provider instead of creating one from config.
func WithEmbedder(e embeddings.Provider) Option {
	return func(a *App) { a.embedder = e }
}

// WithAdapter injects a runtime adapter instead of creating one from config.
func WithAdapter(ad runtime.Adapter) Option {
	return func(a *App) { a.adapter = ad }
}

// WithMetrics injects metric instruments and skips OTel SDK initialisation.
// Tests use this to avoid registering duplicate Prometheus collectors.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if a.metrics == nil {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
		if err != nil {
			return nil, fmt.Errorf("app: init telemetry: %w", err)
		}
		a.closers = append(a.closers, shutdown)
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Session store ─────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Persona registry ──────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		return nil, fmt.Errorf("app: init personas: %w", err)
	}

	// ── 4. Knowledge retrieval ───────────────────────────────────────────
	if err := a.initRetrieval(ctx); err != nil {
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}

	// ── 5. Runtime adapter ───────────────────────────────────────────────
	if err := a.initAdapter(); err != nil {
		return nil, fmt.Errorf("app: init adapter: %w", err)
	}

	// ── 6. Session manager ───────────────────────────────────────────────
	a.initManager()

	// ── 7. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// Handler returns the HTTP handler serving the API. Exposed for tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Manager returns the session manager. Exposed for tests and admin tooling.
func (a *App) Manager() *session.Manager {
	return a.manager
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore sets up the PostgreSQL session store, or in-memory when no DSN is
// configured.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("storage.postgres_dsn is empty; sessions live in memory and vanish on restart")
		a.store = sessionstore.NewMemoryStore()
		return nil
	}

	store, err := storepg.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
	return nil
}

// initRegistry builds the persona registry: a file roster (optionally
// watched for changes), or the PostgreSQL registry when only a database is
// configured.
func (a *App) initRegistry(ctx context.Context) error {
	if a.registry != nil {
		return nil
	}

	if path := a.cfg.Personas.File; path != "" {
		if a.cfg.Personas.Reload {
			return a.initWatchedRoster(path)
		}
		settings, err := persona.LoadFile(path)
		if err != nil {
			return err
		}
		a.settings = settings
		a.registry = persona.NewStaticRegistry(settings.Personas)
		slog.Info("loaded persona roster", "path", path, "personas", len(settings.Personas))
		return nil
	}

	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
		if a.cfg.Storage.EncryptionKey == "" {
			return errors.New("storage.encryption_key is required for the database persona registry")
		}
		cipher, err := persona.NewCipher(a.cfg.Storage.EncryptionKey)
		if err != nil {
			return err
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect registry pool: %w", err)
		}
		reg := persona.NewPostgresRegistry(pool, cipher)
		if err := reg.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		a.registry = reg
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		return nil
	}

	slog.Warn("no persona source configured; serving an empty roster")
	a.registry = persona.NewStaticRegistry(nil)
	return nil
}

// initWatchedRoster starts the persona file watcher and wires roster reloads
// into the static registry and the knowledge store.
func (a *App) initWatchedRoster(path string) error {
	registry := persona.NewStaticRegistry(nil)

	var watcherOpts []config.WatcherOption
	if s := a.cfg.Personas.ReloadIntervalSeconds; s > 0 {
		watcherOpts = append(watcherOpts, config.WithInterval(time.Duration(s)*time.Second))
	}

	watcher, err := config.NewPersonaWatcher(path, func(old, new *persona.Settings) {
		diff := config.DiffRoster(old, new)
		registry.Replace(new.Personas)
		a.settings = new
		for _, pd := range diff.PersonaChanges {
			slog.Info("persona roster change applied",
				"handle", pd.Handle,
				"added", pd.Added,
				"removed", pd.Removed,
				"background_changed", pd.BackgroundChanged,
			)
			if (pd.Added || pd.BackgroundChanged) && a.retriever != nil {
				a.reingestPersona(context.Background(), new, pd.Handle)
			}
		}
	}, watcherOpts...)
	if err != nil {
		return err
	}

	settings := watcher.Current()
	registry.Replace(settings.Personas)
	a.settings = settings
	a.registry = registry
	a.watcher = watcher
	a.closers = append(a.closers, func(context.Context) error {
		watcher.Stop()
		return nil
	})
	slog.Info("watching persona roster", "path", path, "personas", len(settings.Personas))
	return nil
}

// initRetrieval builds the embedder, the vector store, and the retriever,
// migrates legacy collection names, and ingests persona background knowledge.
func (a *App) initRetrieval(ctx context.Context) error {
	if a.embedder == nil {
		embedder, err := a.buildEmbedder()
		if err != nil {
			return err
		}
		a.embedder = embedder
	}

	if a.vectors == nil {
		if dsn := a.cfg.Storage.VectorDSN; dsn != "" {
			dims := a.cfg.Storage.EmbeddingDimensions
			if dims == 0 {
				dims = charfreq.DefaultDimensions
			}
			store, err := vectorpg.New(ctx, dsn, dims)
			if err != nil {
				return err
			}
			a.vectors = store
			a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		} else {
			a.vectors = vectorstore.NewMemoryStore()
		}
	}

	a.retriever = rag.NewRetriever(a.vectors, a.embedder, a.logger)

	migrated, _, err := rag.MigrateLegacyCollections(ctx, a.vectors, a.logger)
	if err != nil {
		slog.Warn("legacy collection migration failed", "err", err)
	} else if len(migrated) > 0 {
		slog.Info("migrated legacy knowledge collections", "count", len(migrated))
	}

	if a.settings != nil {
		for _, p := range a.settings.Personas {
			a.reingestPersona(ctx, a.settings, p.Handle)
		}
	}
	return nil
}

// buildEmbedder constructs the configured embedding provider.
func (a *App) buildEmbedder() (embeddings.Provider, error) {
	cfg := a.cfg.Embeddings
	switch cfg.Provider {
	case "", config.EmbedderCharFreq:
		return charfreq.New(a.cfg.Storage.EmbeddingDimensions), nil
	case config.EmbedderOpenAI:
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []oaembed.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.BaseURL))
		}
		if dims := a.cfg.Storage.EmbeddingDimensions; dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(apiKey, cfg.Model, opts...)
	case config.EmbedderOllama:
		var opts []ollamaembed.Option
		if dims := a.cfg.Storage.EmbeddingDimensions; dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(cfg.BaseURL, cfg.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}

// reingestPersona loads one persona's background text and replaces its
// knowledge collection. Failures are logged, not fatal; retrieval degrades to
// prompts without background context.
func (a *App) reingestPersona(ctx context.Context, settings *persona.Settings, handle string) {
	for _, p := range settings.Personas {
		if p.Handle != handle {
			continue
		}
		bg := p.Background
		if bg == nil || !bg.RAGEnabled {
			return
		}
		content := bg.Content
		if bg.File != "" {
			data, err := os.ReadFile(bg.File)
			if err != nil {
				slog.Warn("cannot read persona background file", "persona", handle, "path", bg.File, "err", err)
				return
			}
			content = string(data)
		}
		if content == "" {
			return
		}
		res, err := a.retriever.Ingest(ctx, DefaultTenant, handle, content, bg.Source)
		if err != nil {
			slog.Warn("persona background ingestion failed", "persona", handle, "err", err)
			return
		}
		slog.Info("ingested persona background", "persona", handle, "chunks", res.Count)
		return
	}
}

// initAdapter selects the stub or live generation backend.
func (a *App) initAdapter() error {
	if a.adapter != nil {
		return nil
	}

	if a.cfg.Runtime.Mode == "" || a.cfg.Runtime.Mode == config.ModeStub {
		slog.Info("runtime mode: stub")
		a.adapter = &runtime.StubAdapter{}
		return nil
	}

	cfg := runtime.LiveAdapterConfig{
		Defaults: modelProfile(a.cfg.Runtime.Defaults),
		Bindings: make(map[string]runtime.Profile, len(a.cfg.Runtime.Bindings)),
	}
	for name, binding := range a.cfg.Runtime.Bindings {
		cfg.Bindings[name] = modelProfile(binding)
	}
	if s := a.cfg.Runtime.IdleTimeoutSeconds; s > 0 {
		cfg.IdleTimeout = time.Duration(s) * time.Second
	}

	adapter, err := runtime.NewLiveAdapter(a.registry, cfg, a.logger)
	if err != nil {
		return err
	}
	a.adapter = adapter
	slog.Info("runtime mode: live",
		"default_provider", a.cfg.Runtime.Defaults.Provider,
		"default_model", a.cfg.Runtime.Defaults.Model,
		"bindings", len(a.cfg.Runtime.Bindings),
	)
	return nil
}

// modelProfile converts the config schema profile into the runtime one.
func modelProfile(p config.ModelProfile) runtime.Profile {
	return runtime.Profile{
		Provider:    p.Provider,
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		APIKey:      p.APIKey,
		Temperature: p.Temperature,
	}
}

// initManager assembles the prompt builder and the session manager. The
// persona file's settings block, when present, overrides the orchestrator
// config.
func (a *App) initManager() {
	maxAgents := a.cfg.Orchestrator.MaxAgentsPerTurn
	memoryWindow := a.cfg.Orchestrator.DefaultMemoryWindow
	if a.settings != nil {
		maxAgents = a.settings.MaxAgentsPerTurn
		memoryWindow = a.settings.MemoryWindow
	}

	prompts := runtime.NewBuilder(a.retriever, memoryWindow, a.logger).WithMetrics(a.metrics)
	a.manager = session.NewManager(a.store, a.registry, a.adapter, prompts, a.metrics, a.logger, session.Config{
		MaxAgentsPerTurn: maxAgents,
		HistoryLimit:     a.cfg.Orchestrator.HistoryLimit,
	})
}

// initServer builds the HTTP server around the API router.
func (a *App) initServer() {
	checks := []health.Check{
		{Name: "store", Probe: func(ctx context.Context) error {
			_, err := a.store.List(ctx, DefaultTenant, "")
			return err
		}},
		{Name: "personas", Probe: func(ctx context.Context) error {
			_, err := a.registry.List(ctx, DefaultTenant)
			return err
		}},
	}

	api := httpapi.New(a.manager, health.New(checks...), a.metrics, a.logger)

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Run serves the HTTP API until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("http server listening", "addr", a.server.Addr)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP listener, drains session workers, and closes all
// subsystems in reverse dependency order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("manager shutdown: %w", err))
		}
		for _, closer := range a.closers {
			if err := closer(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
