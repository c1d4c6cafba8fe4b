// Package runtime turns (tenant, persona, prompt) into a token stream.
//
// The [Adapter] interface is implemented by [LiveAdapter], which resolves the
// persona's API profile and streams from a real model backend, and by
// [StubAdapter], which yields deterministic chunks for tests and local
// development. A single adapter instance is shared across session workers and
// must be safe for concurrent use.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/colloquyhq/colloquy/pkg/provider/llm"
)

// ErrForbidden is returned when a persona is not available to the requesting
// tenant. The check happens before any outbound call.
var ErrForbidden = errors.New("runtime: persona not available to tenant")

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	// KindTransient marks failures that may heal on retry (connection reset,
	// rate limit, 5xx).
	KindTransient ErrorKind = "transient"

	// KindPermanent marks failures that will not heal (bad credentials,
	// malformed request, unknown model).
	KindPermanent ErrorKind = "permanent"

	// KindTimeout marks deadline and idle-stream expirations.
	KindTimeout ErrorKind = "timeout"
)

// ProviderError wraps a model backend failure with a classification that
// callers can branch on without knowing the SDK.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("runtime: provider %s failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Prompt is the assembled input for one persona turn. System carries the
// persona instructions; Messages carries the rendered history window plus the
// trailing turn trigger.
type Prompt struct {
	System      string
	Messages    []llm.Message
	Temperature float64
	MaxTokens   int
}

// HealthStatus reports the outcome of a minimal completion round-trip against
// a persona's resolved endpoint.
type HealthStatus struct {
	OK       bool   `json:"ok"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Detail   string `json:"detail,omitempty"`
}

// Adapter produces token streams for persona turns.
//
// Stream returns a channel of [llm.Chunk] values. The channel is closed when
// generation finishes or ctx is cancelled; a mid-stream failure surfaces as a
// final chunk with FinishReason "error". The initial error return is non-nil
// only when the stream could not be started at all, in which case it is a
// [*ProviderError], [ErrForbidden], or a persona lookup failure.
type Adapter interface {
	Stream(ctx context.Context, tenantID, personaHandle string, prompt Prompt) (<-chan llm.Chunk, error)

	// Health performs a minimal completion round-trip against the persona's
	// resolved endpoint. It never panics on unreachable backends; failures
	// are reported in the returned status, not as an error, unless the
	// persona itself cannot be resolved.
	Health(ctx context.Context, tenantID, personaHandle string) (*HealthStatus, error)
}
