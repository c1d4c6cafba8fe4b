package persona

import (
	"context"
	"errors"
	"testing"
)

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	p := Persona{Name: "Sage"}
	p.Normalize()

	if p.Handle != "sage" {
		t.Errorf("expected lowercased name as handle, got %q", p.Handle)
	}
	if p.Tone != "neutral" {
		t.Errorf("expected neutral tone, got %q", p.Tone)
	}
	if p.Cooldown != DefaultCooldown {
		t.Errorf("expected default cooldown, got %d", p.Cooldown)
	}
	if p.MemoryWindow != DefaultMemoryWindow {
		t.Errorf("expected default memory window, got %d", p.MemoryWindow)
	}
}

func TestNormalizeClampsProactivity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"below range", -0.3, 0},
		{"above range", 1.7, 1},
		{"in range", 0.42, 0.42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Persona{Name: "x", Proactivity: tt.in}
			p.Normalize()
			if p.Proactivity != tt.want {
				t.Errorf("got %f, want %f", p.Proactivity, tt.want)
			}
		})
	}
}

func TestNormalizeBackground(t *testing.T) {
	t.Parallel()

	p := Persona{Name: "x", Background: &Background{Content: "facts", RAGEnabled: true}}
	p.Normalize()

	if p.Background.Source != "background" {
		t.Errorf("expected default source, got %q", p.Background.Source)
	}
	if p.Background.TopK != DefaultRAGTopK {
		t.Errorf("expected default top_k, got %d", p.Background.TopK)
	}
	if !p.HasKnowledge() {
		t.Error("expected HasKnowledge for inline content")
	}

	disabled := Persona{Name: "y", Background: &Background{Content: "facts", RAGEnabled: false}}
	disabled.Normalize()
	if disabled.HasKnowledge() {
		t.Error("expected no knowledge when retrieval is disabled")
	}
}

func TestEffectiveMemoryWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		window         int
		serviceDefault int
		want           int
	}{
		{"positive wins", 12, 50, 12},
		{"unbounded passes through", UnboundedMemoryWindow, 50, UnboundedMemoryWindow},
		{"zero falls back to service default", 0, 50, 50},
		{"zero with unset service default", 0, 0, DefaultMemoryWindow},
		{"zero with unbounded service default", 0, UnboundedMemoryWindow, UnboundedMemoryWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Persona{Name: "x", MemoryWindow: tt.window}
			if got := p.EffectiveMemoryWindow(tt.serviceDefault); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStaticRegistry(t *testing.T) {
	t.Parallel()

	reg := NewStaticRegistry([]Persona{
		{Name: "Sage", Proactivity: 0.9},
		{Name: "Scout", Handle: "scout", Proactivity: 0.2},
	})
	ctx := context.Background()

	list, err := reg.List(ctx, "any-tenant")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 personas, got %d", len(list))
	}
	if list[0].Handle != "sage" {
		t.Errorf("expected normalised handle, got %q", list[0].Handle)
	}

	got, err := reg.Get(ctx, "any-tenant", "scout")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Name != "Scout" {
		t.Errorf("unexpected persona %+v", got)
	}

	if _, err := reg.Get(ctx, "any-tenant", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
