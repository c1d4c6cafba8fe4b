package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/colloquyhq/colloquy/internal/persona"
	"github.com/colloquyhq/colloquy/internal/resilience"
	"github.com/colloquyhq/colloquy/pkg/provider/llm"
	llmmock "github.com/colloquyhq/colloquy/pkg/provider/llm/mock"
)

func float64Ptr(v float64) *float64 { return &v }

func liveAdapterForTest(t *testing.T, personas []persona.Persona, cfg LiveAdapterConfig) *LiveAdapter {
	t.Helper()
	a, err := NewLiveAdapter(persona.NewStaticRegistry(personas), cfg, nil)
	if err != nil {
		t.Fatalf("NewLiveAdapter: %v", err)
	}
	return a
}

func TestLiveAdapter_StreamUnknownPersonaIsForbidden(t *testing.T) {
	t.Parallel()

	a := liveAdapterForTest(t, nil, LiveAdapterConfig{
		Defaults: Profile{Provider: "ollama", Model: "llama3.1"},
	})

	_, err := a.Stream(context.Background(), "t1", "ghost", Prompt{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestLiveAdapter_ResolveProfileLayering(t *testing.T) {
	t.Parallel()

	a := liveAdapterForTest(t, nil, LiveAdapterConfig{
		Defaults: Profile{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			APIKey:      "default-key",
			Temperature: 0.7,
		},
		Bindings: map[string]Profile{
			"local": {Provider: "ollama", BaseURL: "http://localhost:11434", Model: "llama3.1"},
		},
	})

	t.Run("defaults only", func(t *testing.T) {
		p := persona.Persona{Name: "A", Handle: "a"}
		prof, err := a.resolveProfile(&p)
		if err != nil {
			t.Fatalf("resolveProfile: %v", err)
		}
		if prof.Model != "gpt-4o-mini" || prof.APIKey != "default-key" {
			t.Errorf("profile = %+v, want tenant defaults", prof)
		}
	})

	t.Run("binding overlays defaults", func(t *testing.T) {
		p := persona.Persona{Name: "A", Handle: "a", APIBinding: "local"}
		prof, err := a.resolveProfile(&p)
		if err != nil {
			t.Fatalf("resolveProfile: %v", err)
		}
		if prof.Provider != "ollama" || prof.Model != "llama3.1" {
			t.Errorf("profile = %+v, want binding values", prof)
		}
		// Untouched fields keep their defaults.
		if prof.APIKey != "default-key" {
			t.Errorf("APIKey = %q, want default-key", prof.APIKey)
		}
	})

	t.Run("inline api overlays binding", func(t *testing.T) {
		p := persona.Persona{
			Name:       "A",
			Handle:     "a",
			APIBinding: "local",
			API: &persona.APIProfile{
				Model:       "mistral-nemo",
				Temperature: float64Ptr(0.2),
			},
		}
		prof, err := a.resolveProfile(&p)
		if err != nil {
			t.Fatalf("resolveProfile: %v", err)
		}
		if prof.Provider != "ollama" {
			t.Errorf("Provider = %q, want ollama from binding", prof.Provider)
		}
		if prof.Model != "mistral-nemo" {
			t.Errorf("Model = %q, want inline override", prof.Model)
		}
		if prof.Temperature != 0.2 {
			t.Errorf("Temperature = %v, want 0.2", prof.Temperature)
		}
	})

	t.Run("unknown binding fails", func(t *testing.T) {
		p := persona.Persona{Name: "A", Handle: "a", APIBinding: "nope"}
		if _, err := a.resolveProfile(&p); err == nil {
			t.Fatal("expected error for unknown binding")
		}
	})

	t.Run("missing model fails", func(t *testing.T) {
		bare := liveAdapterForTest(t, nil, LiveAdapterConfig{})
		p := persona.Persona{Name: "A", Handle: "a"}
		if _, err := bare.resolveProfile(&p); err == nil {
			t.Fatal("expected error when no model is configured anywhere")
		}
	})
}

func TestLiveAdapter_GroupCaching(t *testing.T) {
	t.Parallel()

	a := liveAdapterForTest(t, nil, LiveAdapterConfig{
		Defaults: Profile{Provider: "ollama", Model: "llama3.1"},
	})

	prof := Profile{Provider: "ollama", Model: "llama3.1"}
	g1, err := a.groupFor(prof)
	if err != nil {
		t.Fatalf("groupFor: %v", err)
	}
	g2, err := a.groupFor(prof)
	if err != nil {
		t.Fatalf("groupFor: %v", err)
	}
	if g1 != g2 {
		t.Error("identical profiles should share a fallback group")
	}
	if g1.Len() != 1 {
		t.Errorf("group over the default profile should have no fallback, Len() = %d", g1.Len())
	}

	// A persona-specific profile gets the tenant default registered as
	// fallback.
	other, err := a.groupFor(Profile{Provider: "ollama", Model: "mistral-nemo"})
	if err != nil {
		t.Fatalf("groupFor: %v", err)
	}
	if other.Len() != 2 {
		t.Errorf("persona profile group Len() = %d, want 2 (primary + default)", other.Len())
	}
}

func TestLiveAdapter_ClassifyErrors(t *testing.T) {
	t.Parallel()

	a := liveAdapterForTest(t, nil, LiveAdapterConfig{
		Defaults: Profile{Provider: "ollama", Model: "llama3.1"},
	})

	base := errors.New("boom")

	var pe *ProviderError
	if err := a.classify("ollama", base); !errors.As(err, &pe) || pe.Kind != KindTransient {
		t.Errorf("plain error should classify transient, got %v", err)
	}
	if err := a.classify("ollama", context.DeadlineExceeded); !errors.As(err, &pe) || pe.Kind != KindTimeout {
		t.Errorf("deadline error should classify timeout, got %v", err)
	}
	if err := a.classify("ollama", resilience.Permanent(base)); !errors.As(err, &pe) || pe.Kind != KindPermanent {
		t.Errorf("permanent error should classify permanent, got %v", err)
	}
	if !errors.Is(a.classify("ollama", base), base) {
		t.Error("classify should wrap the original error")
	}
}

// swapBuildProvider replaces the provider factory for the duration of one
// test. Tests that use it must not run in parallel.
func swapBuildProvider(t *testing.T, fn func(Profile) (llm.Provider, error)) {
	t.Helper()
	orig := buildProvider
	buildProvider = fn
	t.Cleanup(func() { buildProvider = orig })
}

func collectChunks(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestLiveAdapter_StreamDeliversBackendChunks(t *testing.T) {
	backend := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "hel"},
			{Text: "lo", FinishReason: "stop"},
		},
	}
	swapBuildProvider(t, func(Profile) (llm.Provider, error) { return backend, nil })

	a := liveAdapterForTest(t, []persona.Persona{{Name: "Sage", Handle: "sage"}}, LiveAdapterConfig{
		Defaults: Profile{Provider: "ollama", Model: "llama3.1", Temperature: 0.4},
	})

	ch, err := a.Stream(context.Background(), "t1", "sage", Prompt{
		System:   "be wise",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	chunks := collectChunks(t, ch)
	if len(chunks) != 2 || chunks[0].Text != "hel" || chunks[1].FinishReason != "stop" {
		t.Fatalf("chunks = %+v", chunks)
	}

	if len(backend.StreamCalls) != 1 {
		t.Fatalf("backend called %d times, want 1", len(backend.StreamCalls))
	}
	req := backend.StreamCalls[0].Req
	if req.SystemPrompt != "be wise" {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want profile default 0.4", req.Temperature)
	}
}

func TestLiveAdapter_StreamFallsBackToDefaultEndpoint(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("endpoint down")}
	fallback := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "ok", FinishReason: "stop"}},
	}
	swapBuildProvider(t, func(p Profile) (llm.Provider, error) {
		if p.Model == "mistral-nemo" {
			return primary, nil
		}
		return fallback, nil
	})

	a := liveAdapterForTest(t, []persona.Persona{{
		Name:   "Sage",
		Handle: "sage",
		API:    &persona.APIProfile{Model: "mistral-nemo"},
	}}, LiveAdapterConfig{
		Defaults: Profile{Provider: "ollama", Model: "llama3.1"},
	})

	ch, err := a.Stream(context.Background(), "t1", "sage", Prompt{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collectChunks(t, ch)
	if len(chunks) != 1 || chunks[0].Text != "ok" {
		t.Fatalf("chunks = %+v, want fallback output", chunks)
	}
	if len(primary.StreamCalls) == 0 {
		t.Error("primary endpoint was never attempted")
	}
	if len(fallback.StreamCalls) != 1 {
		t.Errorf("fallback called %d times, want 1", len(fallback.StreamCalls))
	}
}

func TestLiveAdapter_StreamIdleTimeout(t *testing.T) {
	// A backend whose channel never produces anything.
	stalled := make(chan llm.Chunk)
	swapBuildProvider(t, func(Profile) (llm.Provider, error) {
		return stalledProvider{ch: stalled}, nil
	})
	defer close(stalled)

	a := liveAdapterForTest(t, []persona.Persona{{Name: "Sage", Handle: "sage"}}, LiveAdapterConfig{
		Defaults:    Profile{Provider: "ollama", Model: "llama3.1"},
		IdleTimeout: 20 * time.Millisecond,
	})

	ch, err := a.Stream(context.Background(), "t1", "sage", Prompt{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	chunks := collectChunks(t, ch)
	if len(chunks) != 1 || chunks[0].FinishReason != "error" {
		t.Fatalf("chunks = %+v, want single error chunk", chunks)
	}
}

// stalledProvider hands out a channel the test controls directly, bypassing
// the mock's buffered replay.
type stalledProvider struct {
	ch chan llm.Chunk
}

func (s stalledProvider) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return s.ch, nil
}

func (s stalledProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not implemented")
}

func (s stalledProvider) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

func TestBuildProvider_Unsupported(t *testing.T) {
	t.Parallel()

	if _, err := buildProvider(Profile{Provider: "carrier-pigeon", Model: "m"}); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}
