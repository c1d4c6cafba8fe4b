package persona

import "strings"

// ExtractMentions returns the handles of personas mentioned as "@handle" or
// "@Name" in text, in order of appearance and deduplicated. Matching is
// case-insensitive; when several personas could match at the same position the
// longest identifier wins. A match must end at a word boundary, so "@alicey"
// is not a mention of "alice".
//
// The result feeds the scheduler's mention priority, so order matters.
func ExtractMentions(text string, personas []Persona) []string {
	if text == "" || len(personas) == 0 {
		return nil
	}

	lowered := strings.ToLower(text)
	seen := make(map[string]bool, len(personas))
	var mentions []string

	for i := 0; i < len(lowered); i++ {
		if lowered[i] != '@' {
			continue
		}
		rest := lowered[i+1:]

		bestHandle := ""
		bestLen := 0
		for j := range personas {
			for _, ident := range []string{strings.ToLower(personas[j].Handle), strings.ToLower(personas[j].Name)} {
				if ident == "" || len(ident) <= bestLen {
					continue
				}
				if strings.HasPrefix(rest, ident) && boundaryAfter(rest, len(ident)) {
					bestHandle = personas[j].Handle
					bestLen = len(ident)
				}
			}
		}
		if bestHandle == "" {
			continue
		}
		if !seen[bestHandle] {
			seen[bestHandle] = true
			mentions = append(mentions, bestHandle)
		}
		i += bestLen
	}
	return mentions
}

// boundaryAfter reports whether position n in rest ends an identifier. A
// trailing letter, digit, or underscore means the candidate is a prefix of a
// longer word, not a mention.
func boundaryAfter(rest string, n int) bool {
	if n >= len(rest) {
		return true
	}
	c := rest[n]
	return c != '_' && (c < 'a' || c > 'z') && (c < '0' || c > '9')
}

// MergeMentions appends the handles in extra to base, preserving order and
// dropping duplicates. Used to union explicit target lists with mentions
// parsed from message content.
func MergeMentions(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var merged []string
	for _, lists := range [][]string{base, extra} {
		for _, h := range lists {
			if h == "" || seen[h] {
				continue
			}
			seen[h] = true
			merged = append(merged, h)
		}
	}
	return merged
}
