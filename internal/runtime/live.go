package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/colloquyhq/colloquy/internal/observe"
	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/resilience"
	"github.com/colloquyhq/colloquy/pkg/provider/llm"
	"github.com/colloquyhq/colloquy/pkg/provider/llm/anyllm"
	"github.com/colloquyhq/colloquy/pkg/provider/llm/openai"
)

// DefaultIdleTimeout is how long a live stream may go without a chunk before
// it is cancelled.
const DefaultIdleTimeout = 30 * time.Second

// Profile is a resolved model endpoint configuration for one persona turn.
// It is the flattened result of layering the tenant default, an optional
// named binding, and the persona's own API settings.
type Profile struct {
	// Provider selects the backend ("openai", "anthropic", "ollama", ...).
	// Empty means "openai".
	Provider string

	// BaseURL overrides the provider's API base URL.
	BaseURL string

	// Model is the model identifier. Required.
	Model string

	// APIKey authenticates against the endpoint. May be empty for local
	// backends or when the SDK reads its environment variable.
	APIKey string

	// Temperature is the sampling temperature. Zero means backend default.
	Temperature float64
}

// overlay copies non-zero fields of src onto dst.
func (dst *Profile) overlay(src Profile) {
	if src.Provider != "" {
		dst.Provider = src.Provider
	}
	if src.BaseURL != "" {
		dst.BaseURL = src.BaseURL
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.Temperature != 0 {
		dst.Temperature = src.Temperature
	}
}

// fingerprint identifies a profile for provider caching.
func (p Profile) fingerprint() string {
	return strings.Join([]string{p.Provider, p.BaseURL, p.Model, p.APIKey}, "\x1f")
}

// LiveAdapterConfig configures a [LiveAdapter].
type LiveAdapterConfig struct {
	// Defaults is the tenant-wide endpoint used when a persona does not pin
	// its own.
	Defaults Profile

	// Bindings are named shared endpoints personas can reference via their
	// api binding instead of embedding credentials.
	Bindings map[string]Profile

	// Retry is the backoff policy applied to stream starts. Zero values use
	// the resilience defaults (2 retries, 500ms base, factor 2).
	Retry resilience.RetryConfig

	// Breaker configures the per-endpoint circuit breakers.
	Breaker resilience.CircuitBreakerConfig

	// IdleTimeout cancels a stream that stalls mid-generation.
	// Default: [DefaultIdleTimeout].
	IdleTimeout time.Duration
}

// LiveAdapter implements [Adapter] against real model backends. Per turn it
// resolves the persona's API profile through the registry, enforcing tenant
// ownership before any outbound call, then streams through a cached provider
// wrapped in a fallback group and retry policy.
//
// A single LiveAdapter is shared by all session workers; all state is behind
// a mutex and providers themselves are safe for concurrent use.
type LiveAdapter struct {
	registry persona.Registry
	cfg      LiveAdapterConfig
	metrics  *observe.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	groups map[string]*resilience.FallbackGroup[llm.Provider]
}

var _ Adapter = (*LiveAdapter)(nil)

// NewLiveAdapter creates a live adapter over the given persona registry.
func NewLiveAdapter(registry persona.Registry, cfg LiveAdapterConfig, logger *slog.Logger) (*LiveAdapter, error) {
	if registry == nil {
		return nil, fmt.Errorf("runtime: registry must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &LiveAdapter{
		registry: registry,
		cfg:      cfg,
		metrics:  observe.DefaultMetrics(),
		logger:   logger,
		groups:   make(map[string]*resilience.FallbackGroup[llm.Provider]),
	}, nil
}

// Stream implements [Adapter].
func (a *LiveAdapter) Stream(ctx context.Context, tenantID, personaHandle string, prompt Prompt) (<-chan llm.Chunk, error) {
	p, err := a.registry.Get(ctx, tenantID, personaHandle)
	if err != nil {
		if errors.Is(err, persona.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrForbidden, tenantID, personaHandle)
		}
		return nil, fmt.Errorf("runtime: resolve persona %s/%s: %w", tenantID, personaHandle, err)
	}

	profile, err := a.resolveProfile(p)
	if err != nil {
		return nil, err
	}
	group, err := a.groupFor(profile)
	if err != nil {
		return nil, err
	}

	req := llm.CompletionRequest{
		Messages:     prompt.Messages,
		SystemPrompt: prompt.System,
		Temperature:  prompt.Temperature,
		MaxTokens:    prompt.MaxTokens,
	}
	if req.Temperature == 0 {
		req.Temperature = profile.Temperature
	}

	streamCtx, cancel := context.WithCancel(ctx)

	var upstream <-chan llm.Chunk
	err = resilience.Retry(ctx, a.cfg.Retry, "stream "+personaHandle, func(context.Context) error {
		ch, startErr := resilience.ExecuteWithResult(group, func(prov llm.Provider) (<-chan llm.Chunk, error) {
			return prov.StreamCompletion(streamCtx, req)
		})
		if startErr != nil {
			return startErr
		}
		upstream = ch
		return nil
	})
	if err != nil {
		cancel()
		a.metrics.RecordProviderRequest(ctx, providerName(profile), "error")
		return nil, a.classify(profile.Provider, err)
	}
	a.metrics.RecordProviderRequest(ctx, providerName(profile), "ok")

	out := make(chan llm.Chunk, 32)
	go a.forward(streamCtx, cancel, upstream, out, personaHandle)
	return out, nil
}

// forward relays chunks to the caller, enforcing the idle timeout. A stalled
// stream is cancelled and terminated with a FinishReason "error" chunk.
func (a *LiveAdapter) forward(ctx context.Context, cancel context.CancelFunc, upstream <-chan llm.Chunk, out chan<- llm.Chunk, personaHandle string) {
	defer close(out)
	defer cancel()

	idle := time.NewTimer(a.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case chunk, ok := <-upstream:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(a.cfg.IdleTimeout)

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.FinishReason != "" {
				return
			}

		case <-idle.C:
			a.logger.Warn("stream idle timeout, cancelling generation",
				"persona", personaHandle,
				"idle_timeout", a.cfg.IdleTimeout)
			cancel()
			select {
			case out <- llm.Chunk{FinishReason: "error", Text: "stream idle timeout"}:
			default:
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

// Health implements [Adapter]. It performs a minimal completion round-trip
// against the persona's primary endpoint.
func (a *LiveAdapter) Health(ctx context.Context, tenantID, personaHandle string) (*HealthStatus, error) {
	p, err := a.registry.Get(ctx, tenantID, personaHandle)
	if err != nil {
		if errors.Is(err, persona.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s/%s", ErrForbidden, tenantID, personaHandle)
		}
		return nil, fmt.Errorf("runtime: resolve persona %s/%s: %w", tenantID, personaHandle, err)
	}

	profile, err := a.resolveProfile(p)
	if err != nil {
		return nil, err
	}

	status := &HealthStatus{Provider: providerName(profile), Model: profile.Model}

	prov, err := buildProvider(profile)
	if err != nil {
		status.Detail = err.Error()
		return status, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = prov.Complete(probeCtx, llm.CompletionRequest{
		Messages:  []llm.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 8,
	})
	if err != nil {
		status.Detail = err.Error()
		return status, nil
	}

	status.OK = true
	return status, nil
}

// resolveProfile layers the tenant default, the persona's named binding, and
// the persona's inline API settings.
func (a *LiveAdapter) resolveProfile(p *persona.Persona) (Profile, error) {
	prof := a.cfg.Defaults

	if p.APIBinding != "" {
		bound, ok := a.cfg.Bindings[p.APIBinding]
		if !ok {
			return Profile{}, fmt.Errorf("runtime: unknown api binding %q for persona %s", p.APIBinding, p.Handle)
		}
		prof.overlay(bound)
	}

	if api := p.API; api != nil {
		prof.overlay(Profile{
			Provider: api.Provider,
			BaseURL:  api.BaseURL,
			Model:    api.Model,
			APIKey:   api.APIKey,
		})
		if api.Temperature != nil {
			prof.Temperature = *api.Temperature
		}
	}

	if prof.Model == "" {
		return Profile{}, fmt.Errorf("runtime: no model configured for persona %s", p.Handle)
	}
	return prof, nil
}

// groupFor returns the cached fallback group for the resolved profile,
// building it on first use. The tenant default endpoint is registered as a
// fallback whenever it differs from the persona's own.
func (a *LiveAdapter) groupFor(profile Profile) (*resilience.FallbackGroup[llm.Provider], error) {
	key := profile.fingerprint()

	a.mu.Lock()
	defer a.mu.Unlock()

	if group, ok := a.groups[key]; ok {
		return group, nil
	}

	primary, err := buildProvider(profile)
	if err != nil {
		return nil, err
	}

	group := resilience.NewFallbackGroup(primary, providerName(profile), resilience.FallbackConfig{
		CircuitBreaker: a.cfg.Breaker,
	})

	defaults := a.cfg.Defaults
	if defaults.Model != "" && defaults.fingerprint() != key {
		if fallback, fbErr := buildProvider(defaults); fbErr == nil {
			group.AddFallback(providerName(defaults)+" (default)", fallback)
		} else {
			a.logger.Warn("default endpoint unusable as fallback", "error", fbErr)
		}
	}

	a.groups[key] = group
	return group, nil
}

// providerName returns the effective backend name of a profile.
func providerName(p Profile) string {
	if p.Provider == "" {
		return "openai"
	}
	return strings.ToLower(p.Provider)
}

// buildProvider constructs the [llm.Provider] for a resolved profile. It is
// a variable so tests can substitute a mock backend.
var buildProvider = defaultBuildProvider

// defaultBuildProvider builds real backends. OpenAI profiles with an explicit
// key use the native SDK; everything else goes through the universal any-llm
// backend.
func defaultBuildProvider(p Profile) (llm.Provider, error) {
	name := providerName(p)

	if name == "openai" && p.APIKey != "" {
		var opts []openai.Option
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		prov, err := openai.New(p.APIKey, p.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("runtime: build openai provider: %w", err)
		}
		return prov, nil
	}

	if !anyllm.Supported(name) {
		return nil, fmt.Errorf("runtime: unsupported provider %q", name)
	}

	var opts []anyllmlib.Option
	if p.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(p.APIKey))
	}
	if p.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(p.BaseURL))
	}
	prov, err := anyllm.New(name, p.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("runtime: build %s provider: %w", name, err)
	}
	return prov, nil
}

// classify maps a failed stream start onto a [*ProviderError].
func (a *LiveAdapter) classify(provider string, err error) error {
	kind := KindTransient
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case resilience.IsPermanent(err):
		kind = KindPermanent
	}
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}
