// Package assess maintains the per-user severity assessment record and
// derives longitudinal improvement signals from audio classifier output.
//
// The record is a small state machine: it starts Uninitialized and moves to
// HasBaseline on the first observation ever recorded; the baseline is
// immutable from then on. Every observation becomes the new Current entry
// and is appended to a bounded history window. The improvement verdict for
// an observation is always computed against the record as it was *before*
// that observation was applied, so a user's very first assessment can never
// be reported as an improvement over itself.
package assess

import (
	"context"
	"fmt"
	"time"

	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/internal/therapy"
)

// Severity thresholds applied to the ensemble probability when the classifier
// predicts dysarthria present (ensemble_pred == 1).
const (
	severeThreshold   = 0.8
	moderateThreshold = 0.6
)

// Confidence-delta thresholds for improvement detection. A drop in classifier
// confidence is read as clearer speech.
const (
	majorImprovementDelta    = 0.10
	marginalImprovementDelta = 0.05
)

// Observation is one raw output of the audio severity classifier.
type Observation struct {
	// EnsemblePred is 0 when no dysarthria was detected, 1 otherwise.
	EnsemblePred int

	// EnsembleProb is the combined-model probability of dysarthria, in [0, 1].
	EnsembleProb float64

	// ModelProbs holds the per-model probabilities behind the ensemble value.
	ModelProbs map[string]float64

	// Timestamp is when the audio was classified. The zero value means "now".
	Timestamp time.Time
}

// Improvement is the verdict of comparing a new observation against the
// user's stored baseline.
type Improvement struct {
	Improved bool   `json:"improved"`
	Message  string `json:"message"`
}

// MapSeverity maps a classifier prediction to a severity level. A prediction
// of 0 always means mild regardless of probability; otherwise higher ensemble
// probability means more severe.
func MapSeverity(pred int, prob float64) therapy.Severity {
	if pred == 0 {
		return therapy.SeverityMild
	}
	switch {
	case prob >= severeThreshold:
		return therapy.SeveritySevere
	case prob >= moderateThreshold:
		return therapy.SeverityModerate
	default:
		return therapy.SeverityMild
	}
}

// CheckImprovement compares current against baseline. The severity-rank check
// dominates; only when ranks are equal or worse is the confidence delta
// consulted.
func CheckImprovement(baseline, current therapy.AssessmentEntry) Improvement {
	if current.Severity.Rank() < baseline.Severity.Rank() {
		return Improvement{
			Improved: true,
			Message: fmt.Sprintf("Your severity improved from %s to %s! Great progress!",
				baseline.Severity, current.Severity),
		}
	}

	delta := baseline.Confidence - current.Confidence
	switch {
	case delta > majorImprovementDelta:
		return Improvement{
			Improved: true,
			Message:  fmt.Sprintf("Your speech clarity improved by %.0f%%! Keep up the excellent work!", delta*100),
		}
	case delta > marginalImprovementDelta:
		return Improvement{
			Improved: true,
			Message:  "Small improvement detected! You're making steady progress.",
		}
	}
	return Improvement{}
}

// applyObservation mutates rec with the entry derived from one observation
// and returns the improvement verdict computed against the pre-update state.
//
// Guarded transitions:
//
//	Uninitialized → HasBaseline: baseline is set only when none exists.
//	HasBaseline   → HasBaseline: baseline is never touched again.
func applyObservation(rec *therapy.AssessmentRecord, entry therapy.AssessmentEntry) Improvement {
	var verdict Improvement
	if rec.Baseline != nil {
		verdict = CheckImprovement(*rec.Baseline, entry)
	}

	rec.Current = &entry
	if rec.Baseline == nil {
		rec.Baseline = &entry
	}
	rec.History = append(rec.History, entry)
	if n := len(rec.History); n > therapy.AssessmentHistoryCap {
		rec.History = rec.History[n-therapy.AssessmentHistoryCap:]
	}
	return verdict
}

// Tracker records observations into the per-user assessment document.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

// NewTracker creates a [Tracker] backed by s.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{store: s, now: time.Now}
}

// Record applies obs to the user's assessment record inside one store
// update and returns the improvement verdict relative to the baseline that
// was stored before this call.
func (t *Tracker) Record(ctx context.Context, userID string, obs Observation) (Improvement, error) {
	ts := obs.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	entry := therapy.AssessmentEntry{
		Severity:   MapSeverity(obs.EnsemblePred, obs.EnsembleProb),
		Confidence: obs.EnsembleProb,
		Timestamp:  ts,
		SubScores:  obs.ModelProbs,
	}

	var verdict Improvement
	err := t.store.Update(ctx, userID, []store.Kind{store.KindAssessment}, func(docs store.Docs) (map[store.Kind]store.Patch, error) {
		var rec therapy.AssessmentRecord
		if err := store.DecodeInto(docs[store.KindAssessment], &rec); err != nil {
			return nil, fmt.Errorf("assess: decode record for %s: %w", userID, err)
		}

		verdict = applyObservation(&rec, entry)

		return map[store.Kind]store.Patch{
			store.KindAssessment: {
				"current":  rec.Current,
				"baseline": rec.Baseline,
				"history":  rec.History,
			},
		}, nil
	})
	if err != nil {
		return Improvement{}, err
	}
	return verdict, nil
}
