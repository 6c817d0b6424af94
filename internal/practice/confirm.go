// Package practice confirms spoken practice attempts against the user's
// assigned word list and folds the outcome into memory and progress.
//
// Matching runs in two stages. Double Metaphone codes are computed for the
// transcript tokens and for each assigned word; words sharing a code with the
// transcript become phonetic candidates and are ranked by Jaro-Winkler
// similarity against a lower threshold. When no phonetic candidate clears the
// bar, a second pass tests pure Jaro-Winkler similarity against a stricter
// threshold.
package practice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/internal/therapy"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// ErrNoAssignment is returned when the user has no practice words to confirm
// against.
var ErrNoAssignment = errors.New("practice: no assigned words")

// Result is the outcome of one confirmation attempt.
type Result struct {
	// Matched reports whether the transcript matched an assigned word.
	Matched bool `json:"matched"`

	// Word is the assigned word that matched, empty otherwise.
	Word string `json:"word,omitempty"`

	// Score is the Jaro-Winkler similarity of the accepted match.
	Score float64 `json:"score,omitempty"`
}

// Option is a functional option for configuring a [Confirmer].
type Option func(*Confirmer)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched word to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Confirmer) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Confirmer) {
		c.fuzzyThreshold = threshold
	}
}

// Confirmer matches spoken attempts against assigned words and persists the
// outcome.
type Confirmer struct {
	store             store.Store
	now               func() time.Time
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewConfirmer creates a [Confirmer] backed by s.
func NewConfirmer(s store.Store, opts ...Option) *Confirmer {
	c := &Confirmer{
		store:             s,
		now:               time.Now,
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// match finds the assigned word most similar to transcript. When matched is
// false, word is empty and score is 0.
func (c *Confirmer) match(transcript string, targets []string) (word string, score float64, matched bool) {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(transcript)))
	if len(tokens) == 0 {
		return "", 0, false
	}
	inputCodes := codesForTokens(tokens)

	type candidate struct {
		word     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, target := range targets {
		t := strings.ToLower(strings.TrimSpace(target))
		if t == "" {
			continue
		}

		jw := 0.0
		for _, tok := range tokens {
			if s := matchr.JaroWinkler(tok, t, false); s > jw {
				jw = s
			}
		}

		if codesOverlap(inputCodes, codesForTokens([]string{t})) {
			if jw >= c.phoneticThreshold && (!best.phonetic || jw > best.score) {
				best = candidate{word: t, score: jw, phonetic: true}
			}
		} else if !best.phonetic && jw >= c.fuzzyThreshold && jw > best.score {
			best = candidate{word: t, score: jw}
		}
	}

	if best.word == "" {
		return "", 0, false
	}
	return best.word, best.score, true
}

// Confirm matches transcript against the user's most recent practice
// assignment and records the outcome.
//
// On a match the latest practice entry is marked successful and the success
// counter incremented, both exactly once per entry; the matched word leaves
// the challenging list and its leading sound joins the improved list when the
// user had reported it. On a miss the closest assigned word is recorded as
// challenging. Returns [ErrNoAssignment] when nothing was ever assigned.
func (c *Confirmer) Confirm(ctx context.Context, userID, transcript string) (Result, error) {
	var result Result
	kinds := []store.Kind{store.KindMemory, store.KindProgress}

	err := c.store.Update(ctx, userID, kinds, func(docs store.Docs) (map[store.Kind]store.Patch, error) {
		var mem therapy.UserMemory
		if err := store.DecodeInto(docs[store.KindMemory], &mem); err != nil {
			return nil, fmt.Errorf("practice: decode memory for %s: %w", userID, err)
		}
		var prog therapy.ProgressMetrics
		if err := store.DecodeInto(docs[store.KindProgress], &prog); err != nil {
			return nil, fmt.Errorf("practice: decode metrics for %s: %w", userID, err)
		}

		targets := mem.LastWords
		if n := len(mem.PracticeHistory); n > 0 && len(mem.PracticeHistory[n-1].Words) > 0 {
			targets = mem.PracticeHistory[n-1].Words
		}
		if len(targets) == 0 {
			return nil, ErrNoAssignment
		}

		word, score, matched := c.match(transcript, targets)
		result = Result{Matched: matched, Word: word, Score: score}

		if matched {
			applySuccess(&mem, &prog, word)
		} else {
			prog.ChallengingWords = appendUnique(prog.ChallengingWords, closestTarget(transcript, targets))
		}
		prog.LastUpdated = c.now()

		return map[store.Kind]store.Patch{
			store.KindMemory: {
				"practiceHistory": mem.PracticeHistory,
			},
			store.KindProgress: {
				"successfulAttempts": prog.SuccessfulAttempts,
				"challengingWords":   prog.ChallengingWords,
				"improvedSounds":     prog.ImprovedSounds,
				"lastUpdated":        prog.LastUpdated,
			},
		}, nil
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// closestTarget returns the assigned word most similar to transcript by
// Jaro-Winkler, using the same tokenisation as match. Falls back to the first
// target when the transcript has no tokens.
func closestTarget(transcript string, targets []string) string {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(transcript)))

	closest := ""
	best := -1.0
	for _, target := range targets {
		t := strings.ToLower(strings.TrimSpace(target))
		if t == "" {
			continue
		}
		jw := 0.0
		for _, tok := range tokens {
			if s := matchr.JaroWinkler(tok, t, false); s > jw {
				jw = s
			}
		}
		if jw > best {
			closest, best = t, jw
		}
	}
	return closest
}

// applySuccess marks the latest practice entry successful and maintains the
// derived word lists. The success counter never exceeds the session count and
// an already-successful entry is not counted twice.
func applySuccess(mem *therapy.UserMemory, prog *therapy.ProgressMetrics, word string) {
	if n := len(mem.PracticeHistory); n > 0 && !mem.PracticeHistory[n-1].Success {
		mem.PracticeHistory[n-1].Success = true
		if prog.SuccessfulAttempts < prog.TotalSessions {
			prog.SuccessfulAttempts++
		}
	}

	prog.ChallengingWords = removeWord(prog.ChallengingWords, word)

	sound := leadingSound(word, mem.SpecificSounds)
	if sound != "" {
		prog.ImprovedSounds = appendUnique(prog.ImprovedSounds, sound)
	}
}

// leadingSound returns the reported sound that word starts with, or "".
func leadingSound(word string, sounds []string) string {
	for _, s := range sounds {
		if s != "" && strings.HasPrefix(word, s) {
			return s
		}
	}
	return ""
}

func appendUnique(list []string, word string) []string {
	for _, w := range list {
		if w == word {
			return list
		}
	}
	return append(list, word)
}

func removeWord(list []string, word string) []string {
	out := list[:0]
	for _, w := range list {
		if w != word {
			out = append(out, w)
		}
	}
	return out
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
