package runtime

import (
	"context"
	"time"

	"github.com/colloquyhq/colloquy/pkg/provider/llm"
)

// StubAdapter is an [Adapter] that yields a fixed chunk sequence for every
// persona. It backs the "stub" runtime mode for tests and local development,
// where conversations flow end to end without any model backend.
type StubAdapter struct {
	// Chunks is the sequence emitted per turn. Empty means a default
	// two-chunk greeting.
	Chunks []string

	// Delay, when positive, is inserted between chunks to mimic streaming.
	Delay time.Duration
}

var _ Adapter = (*StubAdapter)(nil)

// Stream implements [Adapter].
func (a *StubAdapter) Stream(ctx context.Context, tenantID, personaHandle string, prompt Prompt) (<-chan llm.Chunk, error) {
	chunks := a.Chunks
	if len(chunks) == 0 {
		chunks = []string{"hi ", "there"}
	}
	out := make(chan llm.Chunk, len(chunks)+1)
	go func() {
		defer close(out)
		for _, text := range chunks {
			if a.Delay > 0 {
				select {
				case <-time.After(a.Delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- llm.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Health implements [Adapter]. The stub is always healthy.
func (a *StubAdapter) Health(ctx context.Context, tenantID, personaHandle string) (*HealthStatus, error) {
	return &HealthStatus{OK: true, Provider: "stub", Model: "stub"}, nil
}
