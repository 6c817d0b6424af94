// Package therapy defines the per-user documents tracked by the ChatSpeak
// session state engine: long-lived conversation memory, aggregate progress
// metrics, and the longitudinal severity assessment record.
//
// Each document is owned exclusively by one user and persisted independently
// through the [github.com/chatspeak/chatspeak/internal/store] repository.
// Mutation happens only through the guarded transition functions in the
// assess, progress, and profile packages so that the set-once invariants
// (baseline, milestone, primary issue) hold structurally.
package therapy

import (
	"math"
	"time"
)

// History window caps. Both sequences evict the oldest entries first.
const (
	// PracticeHistoryCap is the maximum number of practice sessions retained
	// in [UserMemory.PracticeHistory].
	PracticeHistoryCap = 20

	// AssessmentHistoryCap is the maximum number of past assessments retained
	// in [AssessmentRecord.History].
	AssessmentHistoryCap = 50
)

// DifficultyLevel grades the exercises offered to a user.
type DifficultyLevel string

const (
	DifficultyBeginner     DifficultyLevel = "beginner"
	DifficultyIntermediate DifficultyLevel = "intermediate"
	DifficultyAdvanced     DifficultyLevel = "advanced"
)

// IsValid reports whether d is a recognised difficulty level.
func (d DifficultyLevel) IsValid() bool {
	switch d {
	case DifficultyBeginner, DifficultyIntermediate, DifficultyAdvanced:
		return true
	}
	return false
}

// Severity is the three-level clinical proxy derived from the audio
// classifier. It is not a formal diagnosis.
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// Rank orders severities for improvement comparison: mild < moderate <
// severe. Unrecognised values rank as moderate so a corrupt entry neither
// triggers nor masks a severity-level improvement on its own.
func (s Severity) Rank() int {
	switch s {
	case SeverityMild:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	}
	return 2
}

// PracticeEntry is one assigned practice session. Success starts false and is
// flipped by the practice confirmation flow once the user demonstrates the
// words.
type PracticeEntry struct {
	Date    time.Time `json:"date"`
	Words   []string  `json:"words"`
	Success bool      `json:"success"`
}

// UserMemory is the long-lived conversation memory for one user. It is
// created empty on first profile access and only ever appended to or trimmed,
// never deleted.
type UserMemory struct {
	// PrimaryIssue is a one-sentence description of the user's main speech
	// difficulty. Set at most once by the issue inference heuristic and never
	// overwritten by it afterwards.
	PrimaryIssue string `json:"primaryIssue,omitempty"`

	// SpecificSounds lists the sounds the user reported struggling with
	// (e.g. "s", "th"). Deduplicated, lowercase.
	SpecificSounds []string `json:"specificSounds,omitempty"`

	// DifficultyLevel defaults to beginner when unset.
	DifficultyLevel DifficultyLevel `json:"difficultyLevel,omitempty"`

	// PracticeHistory holds the [PracticeHistoryCap] most recent assigned
	// sessions in insertion order.
	PracticeHistory []PracticeEntry `json:"practiceHistory"`

	// LastWords is the most recently assigned practice word list.
	LastWords []string `json:"lastWords,omitempty"`

	// LastExercise names the most recent exercise type (e.g. "word_drill").
	LastExercise string `json:"lastExercise,omitempty"`
}

// Difficulty returns the effective difficulty level, substituting the
// beginner default when the field is unset or unrecognised.
func (m UserMemory) Difficulty() DifficultyLevel {
	if m.DifficultyLevel.IsValid() {
		return m.DifficultyLevel
	}
	return DifficultyBeginner
}

// Milestone is a dated achievement recorded in [ProgressMetrics].
type Milestone struct {
	Date        time.Time `json:"date"`
	Achievement string    `json:"achievement"`
}

// ProgressMetrics aggregates practice activity for one user.
//
// Invariant: SuccessfulAttempts <= TotalSessions. TotalSessions increments
// exactly once per turn that produced a non-empty practice-word list.
type ProgressMetrics struct {
	TotalSessions      int         `json:"totalSessions"`
	SuccessfulAttempts int         `json:"successfulAttempts"`
	ChallengingWords   []string    `json:"challengingWords"`
	ImprovedSounds     []string    `json:"improvedSounds"`
	LastUpdated        time.Time   `json:"lastUpdated"`
	Milestones         []Milestone `json:"milestones"`
}

// SuccessRate is the derived success percentage, rounded to the nearest
// integer. It is computed on read and never stored. Returns 0 when no
// sessions have been counted yet.
func (p ProgressMetrics) SuccessRate() int {
	if p.TotalSessions <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(p.SuccessfulAttempts) / float64(p.TotalSessions)))
}

// AssessmentEntry is a single severity observation derived from one audio
// classifier output.
type AssessmentEntry struct {
	Severity Severity `json:"severity"`

	// Confidence is the ensemble probability that dysarthria is present,
	// in [0, 1]. Lower values are interpreted as clearer speech.
	Confidence float64 `json:"confidence"`

	Timestamp time.Time `json:"timestamp"`

	// SubScores holds the per-model probabilities behind the ensemble value.
	SubScores map[string]float64 `json:"subScores,omitempty"`
}

// AssessmentRecord tracks a user's severity trend across sessions.
//
// Invariants: Baseline is set by the first assessment ever recorded and is
// immutable afterwards; Current always equals the most recent entry appended
// to History; History holds at most [AssessmentHistoryCap] entries, oldest
// evicted first.
type AssessmentRecord struct {
	Current  *AssessmentEntry  `json:"current,omitempty"`
	Baseline *AssessmentEntry  `json:"baseline,omitempty"`
	History  []AssessmentEntry `json:"history"`
}
