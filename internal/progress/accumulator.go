// Package progress maintains the per-user practice memory and aggregate
// progress metrics as turns complete.
//
// A turn counts as a practice session only when it produced a non-empty
// practice-word list; conversational turns that assigned no words leave the
// metrics untouched. Milestones are recorded through a guarded transition so
// each one fires at most once per user regardless of how often the triggering
// condition is re-evaluated.
package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/internal/therapy"
)

// MilestoneFiveSessions is recorded when a user completes their fifth counted
// practice session.
const MilestoneFiveSessions = "Completed 5 practice sessions"

const milestoneSessionCount = 5

// TurnUpdate reports what ApplyTurn changed.
type TurnUpdate struct {
	// SessionCounted is true when the turn carried practice words and was
	// counted as a session.
	SessionCounted bool

	// MilestoneFired is true when this turn crossed the five-session mark
	// and the milestone was recorded for the first time.
	MilestoneFired bool
}

// hasMilestone reports whether achievement is already recorded in prog.
func hasMilestone(prog *therapy.ProgressMetrics, achievement string) bool {
	for _, m := range prog.Milestones {
		if m.Achievement == achievement {
			return true
		}
	}
	return false
}

// ApplyTurn folds one completed turn into mem and prog in place and reports
// what changed. With an empty word list it is a no-op.
//
// Guarded transitions:
//
//	session count: incremented only for non-empty word lists.
//	milestone:     appended only on the exact transition to five sessions,
//	               and only if not already present.
func ApplyTurn(mem *therapy.UserMemory, prog *therapy.ProgressMetrics, words []string, now time.Time) TurnUpdate {
	if len(words) == 0 {
		return TurnUpdate{}
	}

	mem.PracticeHistory = append(mem.PracticeHistory, therapy.PracticeEntry{
		Date:  now,
		Words: words,
	})
	if n := len(mem.PracticeHistory); n > therapy.PracticeHistoryCap {
		mem.PracticeHistory = mem.PracticeHistory[n-therapy.PracticeHistoryCap:]
	}
	mem.LastWords = words
	mem.LastExercise = "word_drill"

	prog.TotalSessions++
	prog.LastUpdated = now

	update := TurnUpdate{SessionCounted: true}
	if prog.TotalSessions == milestoneSessionCount && !hasMilestone(prog, MilestoneFiveSessions) {
		prog.Milestones = append(prog.Milestones, therapy.Milestone{
			Date:        now,
			Achievement: MilestoneFiveSessions,
		})
		update.MilestoneFired = true
	}
	return update
}

// Accumulator persists turn outcomes into the memory and progress documents.
type Accumulator struct {
	store store.Store
	now   func() time.Time
}

// NewAccumulator creates an [Accumulator] backed by s.
func NewAccumulator(s store.Store) *Accumulator {
	return &Accumulator{store: s, now: time.Now}
}

// RecordTurn folds one turn's practice words into the user's memory and
// progress documents inside a single store update. mutateMemory, when
// non-nil, is applied to the loaded memory before the turn is folded in; it
// carries side inferences such as the primary-issue heuristic. Both documents
// are read and written together so the session counter and the practice
// history can never drift apart.
func (a *Accumulator) RecordTurn(ctx context.Context, userID string, words []string, mutateMemory func(*therapy.UserMemory)) (TurnUpdate, error) {
	var update TurnUpdate
	kinds := []store.Kind{store.KindMemory, store.KindProgress}

	err := a.store.Update(ctx, userID, kinds, func(docs store.Docs) (map[store.Kind]store.Patch, error) {
		var mem therapy.UserMemory
		if err := store.DecodeInto(docs[store.KindMemory], &mem); err != nil {
			return nil, fmt.Errorf("progress: decode memory for %s: %w", userID, err)
		}
		var prog therapy.ProgressMetrics
		if err := store.DecodeInto(docs[store.KindProgress], &prog); err != nil {
			return nil, fmt.Errorf("progress: decode metrics for %s: %w", userID, err)
		}

		memBefore := fingerprint(mem)
		if mutateMemory != nil {
			mutateMemory(&mem)
		}
		update = ApplyTurn(&mem, &prog, words, a.now())

		patches := make(map[store.Kind]store.Patch)
		if update.SessionCounted || fingerprint(mem) != memBefore {
			patches[store.KindMemory] = store.Patch{
				"primaryIssue":    mem.PrimaryIssue,
				"specificSounds":  mem.SpecificSounds,
				"difficultyLevel": mem.DifficultyLevel,
				"practiceHistory": mem.PracticeHistory,
				"lastWords":       mem.LastWords,
				"lastExercise":    mem.LastExercise,
			}
		}
		if update.SessionCounted {
			patches[store.KindProgress] = store.Patch{
				"totalSessions": prog.TotalSessions,
				"lastUpdated":   prog.LastUpdated,
				"milestones":    prog.Milestones,
			}
		}
		return patches, nil
	})
	if err != nil {
		return TurnUpdate{}, err
	}
	return update, nil
}

// fingerprint summarises the mutable memory fields that side inferences can
// touch, so a pure read does not rewrite the document.
func fingerprint(mem therapy.UserMemory) string {
	return fmt.Sprintf("%s|%v|%s", mem.PrimaryIssue, mem.SpecificSounds, mem.DifficultyLevel)
}
