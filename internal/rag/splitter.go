package rag

import "strings"

// Defaults for the recursive character splitter.
const (
	// DefaultChunkSize is the target chunk length in runes.
	DefaultChunkSize = 500
	// DefaultChunkOverlap is how many trailing runes carry over into the
	// next chunk.
	DefaultChunkOverlap = 50
)

// defaultSeparators are tried in order; the empty separator is the terminal
// fallback that splits between runes. The ideographic full stop keeps CJK
// prose from being cut mid-sentence.
var defaultSeparators = []string{"\n\n", "\n", "。", ".", " ", ""}

// Splitter cuts text into overlapping chunks by recursively trying coarser to
// finer separators, keeping chunks at or under ChunkSize runes.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	separators   []string
}

// NewSplitter constructs a Splitter with the default sizes and separators.
// Non-positive size or negative overlap fall back to the defaults.
func NewSplitter(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = DefaultChunkOverlap
	}
	return &Splitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		separators:   defaultSeparators,
	}
}

// Split returns the chunks of text in order. Whitespace-only chunks are
// dropped; short inputs come back as a single chunk.
func (s *Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	pieces := s.split([]rune(text), s.separators)
	chunks := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if c := strings.TrimSpace(string(p)); c != "" {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// split cuts text on the first separator present and merges the parts back
// into chunks, recursing with finer separators for oversized parts.
func (s *Splitter) split(text []rune, separators []string) [][]rune {
	if len(text) <= s.ChunkSize {
		return [][]rune{text}
	}

	sep := separators[len(separators)-1]
	rest := separators
	for i, candidate := range separators {
		if candidate == "" || strings.Contains(string(text), candidate) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	var parts [][]rune
	if sep == "" {
		// Terminal case: hard cut at chunk size.
		for len(text) > 0 {
			n := min(len(text), s.ChunkSize)
			parts = append(parts, text[:n])
			text = text[n:]
		}
		return parts
	}

	for _, piece := range strings.Split(string(text), sep) {
		runes := []rune(piece + sep)
		if len(runes) > s.ChunkSize {
			parts = append(parts, s.split(runes, rest)...)
		} else {
			parts = append(parts, runes)
		}
	}
	return s.merge(parts)
}

// merge packs consecutive parts into chunks of at most ChunkSize runes,
// starting each new chunk with the overlap tail of the previous one.
func (s *Splitter) merge(parts [][]rune) [][]rune {
	var (
		chunks  [][]rune
		current []rune
	)
	// fresh counts runes added since the last flush so a trailing chunk that
	// is nothing but carried-over overlap is never emitted.
	fresh := 0

	for _, part := range parts {
		if len(current)+len(part) > s.ChunkSize && fresh > 0 {
			chunks = append(chunks, current)
			if s.ChunkOverlap > 0 && len(current) > s.ChunkOverlap {
				current = append([]rune(nil), current[len(current)-s.ChunkOverlap:]...)
			} else {
				current = nil
			}
			fresh = 0
		}
		current = append(current, part...)
		fresh += len(part)
	}
	if fresh > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
