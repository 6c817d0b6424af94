// Package severity defines the Classifier interface for dysarthria severity
// inference backends.
//
// A classifier analyses one audio clip and returns the ensemble output of a
// model committee: a binary presence prediction, the combined probability,
// and the per-model probabilities behind it. Classifier failures are expected
// to be treated as non-fatal by callers; a turn proceeds without assessment
// data when inference is unavailable.
package severity

import (
	"context"
	"encoding/json"
	"time"
)

// Result is one raw classifier output.
type Result struct {
	// EnsemblePred is 0 when no dysarthria was detected, 1 otherwise.
	EnsemblePred int `json:"ensemble_pred"`

	// EnsembleProb is the combined-model probability of dysarthria, in [0, 1].
	EnsembleProb float64 `json:"ensemble_prob"`

	// ModelProbs holds the per-model probabilities behind the ensemble value.
	ModelProbs map[string]float64 `json:"model_probs,omitempty"`

	// Timestamp is when the clip was classified. Backends that do not report
	// one, or report one in a format [timestampLayouts] does not cover, leave
	// it zero.
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// timestampLayouts covers the timestamp formats inference backends emit. The
// wire field is an opaque string with no format guarantee; Python services in
// particular send datetime.isoformat() output, which carries no UTC offset.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON decodes one classifier response. A timestamp that is missing,
// not a string, or unparseable decodes to the zero time rather than failing
// the whole result; callers substitute the receive time.
func (r *Result) UnmarshalJSON(data []byte) error {
	var wire struct {
		EnsemblePred int                `json:"ensemble_pred"`
		EnsembleProb float64            `json:"ensemble_prob"`
		ModelProbs   map[string]float64 `json:"model_probs"`
		Timestamp    json.RawMessage    `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	r.EnsemblePred = wire.EnsemblePred
	r.EnsembleProb = wire.EnsembleProb
	r.ModelProbs = wire.ModelProbs

	var raw string
	if err := json.Unmarshal(wire.Timestamp, &raw); err == nil {
		r.Timestamp = parseTimestamp(raw)
	} else {
		r.Timestamp = time.Time{}
	}
	return nil
}

// parseTimestamp tries each known layout in order; offset-less layouts parse
// as UTC. Returns the zero time when nothing matches.
func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// Classifier is the abstraction over any severity inference backend.
//
// Implementations must be safe for concurrent use.
type Classifier interface {
	// Infer classifies one complete audio clip. The audio is an encoded
	// container as uploaded by the client. sessionID identifies the speaker
	// for backends that maintain per-speaker calibration.
	Infer(ctx context.Context, sessionID string, audio []byte) (*Result, error)
}
