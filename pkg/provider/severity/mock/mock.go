// Package mock provides a test double for the severity.Classifier interface.
package mock

import (
	"context"
	"sync"

	"github.com/chatspeak/chatspeak/pkg/provider/severity"
)

// InferCall records a single invocation of Infer.
type InferCall struct {
	SessionID string
	Audio     []byte
}

// Classifier is a mock implementation of severity.Classifier.
// Zero values cause Infer to return an empty Result and nil error. Set Err to
// inject errors or InferFunc for per-call behavior.
type Classifier struct {
	mu sync.Mutex

	// Result is returned from Infer when InferFunc is nil.
	Result *severity.Result

	// Err, if non-nil, is returned from Infer.
	Err error

	// InferFunc, if non-nil, is called instead of returning the canned
	// values.
	InferFunc func(ctx context.Context, sessionID string, audio []byte) (*severity.Result, error)

	// Calls records every invocation in order.
	Calls []InferCall
}

var _ severity.Classifier = (*Classifier)(nil)

// Infer implements severity.Classifier.
func (c *Classifier) Infer(ctx context.Context, sessionID string, audio []byte) (*severity.Result, error) {
	c.mu.Lock()
	c.Calls = append(c.Calls, InferCall{SessionID: sessionID, Audio: audio})
	fn := c.InferFunc
	result, err := c.Result, c.Err
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, sessionID, audio)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &severity.Result{}, nil
	}
	return result, nil
}

// CallCount returns the number of recorded invocations.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}
