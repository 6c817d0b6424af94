// Package extract parses practice words out of a generated therapy reply.
//
// Replies mix instructional prose with short word lists ("1. sun", "cat, hat,
// mat"). The extractor favours short, comma- or line-delimited enumerations
// over narrative sentences so the generative oracle does not have to emit
// structured output. The grammar is spelled out in named constants so a
// structured-output contract can replace it later without touching callers:
//
//   - split the reply into lines and strip a leading list marker
//     (digits, '.', '-', ')', whitespace)
//   - a line containing a comma with at most [maxCommaSegments] segments
//     contributes each segment as a candidate
//   - otherwise the line contributes its whitespace tokens, but only when it
//     has between 1 and [maxLineTokens] of them — longer lines are prose
//   - candidates are lowercased, stripped to [a-z'], and kept only at length
//     [minWordLen]..[maxWordLen]
//
// The result is deduplicated in first-seen order and capped at [MaxWords].
package extract

import (
	"regexp"
	"strings"
)

// MaxWords caps the number of practice words returned for one reply.
const MaxWords = 40

const (
	maxCommaSegments = 12
	maxLineTokens    = 4
	minWordLen       = 2
	maxWordLen       = 20
)

// listMarker matches the leading enumeration prefix of a list line,
// e.g. "1. ", "- ", "3) ".
var listMarker = regexp.MustCompile(`^[\d.\-)\s]+`)

// Words extracts at most [MaxWords] practice words from reply, deduplicated
// in first-seen order. It is a pure function: same input, same output.
func Words(reply string) []string {
	if reply == "" {
		return nil
	}

	var (
		words []string
		seen  = make(map[string]struct{})
	)
	keep := func(candidate string) {
		w := normalize(candidate)
		if w == "" {
			return
		}
		if _, dup := seen[w]; dup {
			return
		}
		seen[w] = struct{}{}
		words = append(words, w)
	}

	for _, line := range strings.Split(reply, "\n") {
		cleaned := strings.TrimSpace(listMarker.ReplaceAllString(strings.TrimSuffix(line, "\r"), ""))

		if segments := strings.Split(cleaned, ","); len(segments) > 1 && len(segments) <= maxCommaSegments {
			for _, seg := range segments {
				keep(seg)
			}
			continue
		}

		tokens := strings.Fields(cleaned)
		if len(tokens) < 1 || len(tokens) > maxLineTokens {
			continue
		}
		for _, tok := range tokens {
			keep(tok)
		}
	}

	if len(words) > MaxWords {
		words = words[:MaxWords]
	}
	return words
}

// normalize lowercases candidate, drops every rune outside [a-z'], and
// returns "" when the remainder falls outside the accepted length band.
func normalize(candidate string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(candidate) {
		if (r >= 'a' && r <= 'z') || r == '\'' {
			b.WriteRune(r)
		}
	}
	w := b.String()
	if len(w) < minWordLen || len(w) > maxWordLen {
		return ""
	}
	return w
}
