// Package mock provides a test double for the stt.Transcriber interface.
package mock

import (
	"context"
	"sync"

	"github.com/chatspeak/chatspeak/pkg/provider/stt"
)

// Transcriber is a mock implementation of stt.Transcriber.
// Zero values cause Transcribe to return ("", nil). Set Err to inject errors
// or TranscribeFunc for per-call behavior.
type Transcriber struct {
	mu sync.Mutex

	// Transcript is returned from Transcribe when TranscribeFunc is nil.
	Transcript string

	// Err, if non-nil, is returned from Transcribe.
	Err error

	// TranscribeFunc, if non-nil, is called instead of returning the canned
	// values.
	TranscribeFunc func(ctx context.Context, audio []byte) (string, error)

	// Audio records every payload passed to Transcribe, in order.
	Audio [][]byte
}

var _ stt.Transcriber = (*Transcriber)(nil)

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	t.mu.Lock()
	t.Audio = append(t.Audio, audio)
	fn := t.TranscribeFunc
	transcript, err := t.Transcript, t.Err
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio)
	}
	return transcript, err
}

// CallCount returns the number of recorded invocations.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Audio)
}
