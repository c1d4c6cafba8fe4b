package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidModelProviders lists the model provider names the runtime can build.
// Used by [Validate] to warn about likely typos.
var ValidModelProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path, applies COLLOQUY_*
// environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays COLLOQUY_* environment variables onto cfg. Set variables
// always win over file values.
func ApplyEnv(cfg *Config) error {
	var errs []error

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not an integer", key, v))
			return
		}
		*dst = n
	}
	setFloat := func(key string, dst *float64) {
		v, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s %q is not a number", key, v))
			return
		}
		*dst = f
	}

	setString("COLLOQUY_LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := os.LookupEnv("COLLOQUY_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString("COLLOQUY_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	setString("COLLOQUY_VECTOR_DSN", &cfg.Storage.VectorDSN)
	setString("COLLOQUY_ENCRYPTION_KEY", &cfg.Storage.EncryptionKey)
	setInt("COLLOQUY_EMBEDDING_DIMENSIONS", &cfg.Storage.EmbeddingDimensions)

	if v, ok := os.LookupEnv("COLLOQUY_RUNTIME_MODE"); ok {
		cfg.Runtime.Mode = RuntimeMode(v)
	}
	setString("COLLOQUY_PROVIDER", &cfg.Runtime.Defaults.Provider)
	setString("COLLOQUY_BASE_URL", &cfg.Runtime.Defaults.BaseURL)
	setString("COLLOQUY_MODEL", &cfg.Runtime.Defaults.Model)
	setString("COLLOQUY_API_KEY", &cfg.Runtime.Defaults.APIKey)
	setFloat("COLLOQUY_TEMPERATURE", &cfg.Runtime.Defaults.Temperature)

	if v, ok := os.LookupEnv("COLLOQUY_EMBEDDINGS_PROVIDER"); ok {
		cfg.Embeddings.Provider = EmbedderKind(v)
	}
	setString("COLLOQUY_EMBEDDINGS_MODEL", &cfg.Embeddings.Model)
	setString("COLLOQUY_EMBEDDINGS_API_KEY", &cfg.Embeddings.APIKey)
	setString("COLLOQUY_EMBEDDINGS_BASE_URL", &cfg.Embeddings.BaseURL)

	setString("COLLOQUY_PERSONA_FILE", &cfg.Personas.File)
	setInt("COLLOQUY_MAX_AGENTS_PER_TURN", &cfg.Orchestrator.MaxAgentsPerTurn)
	setInt("COLLOQUY_MEMORY_WINDOW", &cfg.Orchestrator.DefaultMemoryWindow)
	setInt("COLLOQUY_HISTORY_LIMIT", &cfg.Orchestrator.HistoryLimit)

	return errors.Join(errs...)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Runtime
	if cfg.Runtime.Mode != "" && !cfg.Runtime.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("runtime.mode %q is invalid; valid values: stub, live", cfg.Runtime.Mode))
	}
	if cfg.Runtime.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("runtime.idle_timeout_seconds %d must not be negative", cfg.Runtime.IdleTimeoutSeconds))
	}
	validateModelProvider("runtime.defaults", cfg.Runtime.Defaults.Provider)
	for name, binding := range cfg.Runtime.Bindings {
		validateModelProvider("runtime.bindings."+name, binding.Provider)
		if binding.Model == "" && cfg.Runtime.Defaults.Model == "" {
			slog.Warn("model binding has no model and no default to fall back on", "binding", name)
		}
	}
	if cfg.Runtime.Mode == ModeLive && cfg.Runtime.Defaults.Model == "" && len(cfg.Runtime.Bindings) == 0 {
		slog.Warn("runtime.mode is live but neither runtime.defaults.model nor runtime.bindings is set; only personas with inline api profiles will work")
	}

	// Embeddings
	if cfg.Embeddings.Provider != "" && !cfg.Embeddings.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("embeddings.provider %q is invalid; valid values: charfreq, openai, ollama", cfg.Embeddings.Provider))
	}

	// Storage
	if cfg.Storage.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions %d must not be negative", cfg.Storage.EmbeddingDimensions))
	}
	if cfg.Storage.VectorDSN != "" && cfg.Storage.EmbeddingDimensions == 0 {
		slog.Warn("storage.vector_dsn is set but storage.embedding_dimensions is not; the embedder's default dimension will be used")
	}
	if cfg.Storage.PostgresDSN != "" && cfg.Storage.EncryptionKey == "" {
		slog.Warn("storage.postgres_dsn is set without storage.encryption_key; persona API keys cannot be stored")
	}

	// Personas
	if cfg.Personas.File == "" && cfg.Storage.PostgresDSN == "" {
		slog.Warn("no persona file and no database configured; sessions will have an empty roster")
	}
	if cfg.Personas.ReloadIntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("personas.reload_interval_seconds %d must not be negative", cfg.Personas.ReloadIntervalSeconds))
	}

	// Orchestrator
	if cfg.Orchestrator.MaxAgentsPerTurn < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.max_agents_per_turn %d must not be negative", cfg.Orchestrator.MaxAgentsPerTurn))
	}
	if cfg.Orchestrator.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.history_limit %d must not be negative", cfg.Orchestrator.HistoryLimit))
	}

	return errors.Join(errs...)
}

// validateModelProvider logs a warning if name is non-empty and not one of
// [ValidModelProviders].
func validateModelProvider(where, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidModelProviders, name) {
		return
	}
	slog.Warn("unknown model provider name — may be a typo or third-party provider",
		"where", where,
		"name", name,
		"known", ValidModelProviders,
	)
}
