// Package persona defines persona records, the registry abstraction the
// orchestrator reads them through, and mention parsing over free-form text.
//
// The orchestrator only ever sees read-only snapshots: it never mutates
// persona or API profile records, and all lookups are scoped to a tenant.
package persona

import (
	"errors"
	"strings"
)

// Default values applied by Normalize.
const (
	// DefaultCooldown is the scheduling cooldown in turns.
	DefaultCooldown = 1
	// DefaultMemoryWindow is the number of history messages shown to a
	// persona when its own window is unset.
	DefaultMemoryWindow = 8
	// DefaultRAGTopK is the number of knowledge chunks retrieved per prompt.
	DefaultRAGTopK = 3
	// UnboundedMemoryWindow requests the full session history.
	UnboundedMemoryWindow = -1
)

// ErrNotFound is returned when the referenced persona does not exist for the
// tenant.
var ErrNotFound = errors.New("persona: not found")

// Persona is one AI participant as configured by its tenant.
type Persona struct {
	// Name is the display name shown in transcripts.
	Name string `yaml:"name"`
	// Handle is the unique short identifier within the tenant, used for
	// mentions. Defaults to the lowercased name.
	Handle string `yaml:"handle"`
	// Prompt is the persona's base system prompt.
	Prompt string `yaml:"prompt"`
	// Tone is a short description of the speaking style.
	Tone string `yaml:"tone"`
	// Proactivity in [0,1] drives unprompted speaking; clamped on read.
	Proactivity float64 `yaml:"proactivity"`
	// Catchphrases are appended to the system prompt when present.
	Catchphrases []string `yaml:"catchphrases"`
	// Cooldown is how many turns must pass after speaking before the
	// scheduler considers the persona again.
	Cooldown int `yaml:"cooldown"`
	// MemoryWindow is the number of history messages in the prompt: positive
	// counts as-is, UnboundedMemoryWindow means full history, zero is
	// normalised to DefaultMemoryWindow.
	MemoryWindow int `yaml:"memory_window"`
	// API optionally pins this persona to a dedicated LLM endpoint.
	API *APIProfile `yaml:"-"`
	// APIBinding optionally names a shared API profile configured elsewhere.
	APIBinding string `yaml:"-"`
	// Background configures the persona's knowledge base.
	Background *Background `yaml:"-"`
}

// APIProfile is a persona-specific LLM endpoint configuration. Zero-valued
// fields fall back to the tenant default profile.
type APIProfile struct {
	// Provider selects the backend ("openai", "anthropic", "ollama", ...).
	Provider string `yaml:"provider"`
	// BaseURL overrides the provider's API base URL.
	BaseURL string `yaml:"base_url"`
	// Model is the model identifier.
	Model string `yaml:"model"`
	// APIKey authenticates against the endpoint. Stored encrypted at rest by
	// persistent registries.
	APIKey string `yaml:"api_key"`
	// Temperature, when non-nil, overrides the default sampling temperature.
	Temperature *float64 `yaml:"temperature"`
}

// Background configures retrieval-augmented prompting for a persona.
type Background struct {
	// Content is inline background text ingested at startup.
	Content string `yaml:"content"`
	// File points at a background document to ingest instead of Content.
	File string `yaml:"file"`
	// Source labels ingested chunks for source-scoped re-ingestion.
	Source string `yaml:"source"`
	// RAGEnabled gates retrieval during prompt assembly.
	RAGEnabled bool `yaml:"rag_enabled"`
	// TopK is the number of chunks retrieved per prompt.
	TopK int `yaml:"rag_top_k"`
}

// Normalize fills defaults and clamps out-of-range fields in place. Every
// registry applies it before returning a snapshot, so orchestrator code can
// rely on well-formed values.
func (p *Persona) Normalize() {
	if p.Handle == "" {
		p.Handle = strings.ToLower(p.Name)
	}
	if p.Tone == "" {
		p.Tone = "neutral"
	}
	if p.Proactivity < 0 {
		p.Proactivity = 0
	}
	if p.Proactivity > 1 {
		p.Proactivity = 1
	}
	if p.Cooldown <= 0 {
		p.Cooldown = DefaultCooldown
	}
	if p.MemoryWindow == 0 {
		p.MemoryWindow = DefaultMemoryWindow
	}
	if p.MemoryWindow < UnboundedMemoryWindow {
		p.MemoryWindow = UnboundedMemoryWindow
	}
	if p.Background != nil {
		if p.Background.Source == "" {
			p.Background.Source = "background"
		}
		if p.Background.TopK <= 0 {
			p.Background.TopK = DefaultRAGTopK
		}
	}
}

// EffectiveMemoryWindow resolves the persona's window against the service
// default: positive values win, UnboundedMemoryWindow passes through, and
// anything else falls back to serviceDefault (or DefaultMemoryWindow when the
// service default is itself unset).
func (p *Persona) EffectiveMemoryWindow(serviceDefault int) int {
	switch {
	case p.MemoryWindow > 0:
		return p.MemoryWindow
	case p.MemoryWindow == UnboundedMemoryWindow:
		return UnboundedMemoryWindow
	case serviceDefault > 0 || serviceDefault == UnboundedMemoryWindow:
		return serviceDefault
	default:
		return DefaultMemoryWindow
	}
}

// HasKnowledge reports whether the persona has a retrieval-enabled knowledge
// base configured.
func (p *Persona) HasKnowledge() bool {
	return p.Background != nil && p.Background.RAGEnabled &&
		(p.Background.Content != "" || p.Background.File != "")
}
