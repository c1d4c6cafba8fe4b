// Package charfreq provides a deterministic, dependency-free embeddings
// provider based on position-weighted character frequencies.
//
// It exists so the retrieval layer works out of the box: development setups
// and tests get stable, reproducible vectors without any model server or API
// key. The vectors capture only crude lexical overlap, so production
// deployments should configure a real backend (openai or ollama) instead.
package charfreq

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/colloquyhq/colloquy/pkg/provider/embeddings"
)

// DefaultDimensions is the vector length used when none is configured.
const DefaultDimensions = 384

// ModelID is the identifier reported for this provider. It carries the
// dimension so collections built with a different size are distinguishable.
const modelIDPrefix = "charfreq"

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider maps text to a fixed-length vector by hashing each rune to a
// dimension index and accumulating a position-weighted count. Identical input
// always produces an identical vector, which makes it suitable for tests.
//
// Provider is stateless and safe for concurrent use.
type Provider struct {
	dimensions int
}

// New constructs a Provider with the given vector length. A dims value of
// zero or less falls back to DefaultDimensions.
func New(dims int) *Provider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Provider{dimensions: dims}
}

// Embed implements embeddings.Provider. It never fails and ignores ctx beyond
// an upfront cancellation check.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("charfreq embeddings: embed: %w", err)
	}
	return p.embed(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("charfreq embeddings: embed batch: %w", err)
	}
	if len(texts) == 0 {
		return nil, nil
	}
	result := make([][]float32, len(texts))
	for i, t := range texts {
		result[i] = p.embed(t)
	}
	return result, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return fmt.Sprintf("%s-%d", modelIDPrefix, p.dimensions)
}

// embed lowercases the text, hashes each rune to a dimension index, and adds a
// weight of 1/(i+1) so early characters dominate. The result is L2-normalized;
// embedding an empty string yields the zero vector.
func (p *Provider) embed(text string) []float32 {
	vec := make([]float32, p.dimensions)

	i := 0
	for _, r := range strings.ToLower(text) {
		idx := int(r) % p.dimensions
		vec[idx] += float32(1.0 / float64(i+1))
		i++
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if norm := math.Sqrt(sum); norm > 0 {
		for j := range vec {
			vec[j] = float32(float64(vec[j]) / norm)
		}
	}
	return vec
}
