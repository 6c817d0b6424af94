package resilience

import (
	"context"

	"github.com/chatspeak/chatspeak/pkg/provider/llm"
	"github.com/chatspeak/chatspeak/pkg/provider/severity"
	"github.com/chatspeak/chatspeak/pkg/provider/stt"
)

// LLMChain implements [llm.Provider] with automatic failover across multiple
// generative backends. Each backend has its own circuit breaker.
type LLMChain struct {
	chain *Chain[llm.Provider]
}

var _ llm.Provider = (*LLMChain)(nil)

// NewLLMChain creates an [LLMChain] with primary as the preferred backend.
func NewLLMChain(primary llm.Provider, primaryName string, cfg ChainConfig) *LLMChain {
	return &LLMChain{chain: NewChain(primary, primaryName, cfg)}
}

// AddFallback registers an additional generative provider as a fallback.
func (c *LLMChain) AddFallback(name string, provider llm.Provider) {
	c.chain.Add(name, provider)
}

// Complete sends the request to the first healthy provider and returns its
// response.
func (c *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Run(c.chain, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// STTChain implements [stt.Transcriber] with automatic failover across
// multiple transcription backends.
type STTChain struct {
	chain *Chain[stt.Transcriber]
}

var _ stt.Transcriber = (*STTChain)(nil)

// NewSTTChain creates an [STTChain] with primary as the preferred backend.
func NewSTTChain(primary stt.Transcriber, primaryName string, cfg ChainConfig) *STTChain {
	return &STTChain{chain: NewChain(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcriber as a fallback.
func (c *STTChain) AddFallback(name string, t stt.Transcriber) {
	c.chain.Add(name, t)
}

// Transcribe sends the clip to the first healthy transcriber.
func (c *STTChain) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return Run(c.chain, func(t stt.Transcriber) (string, error) {
		return t.Transcribe(ctx, audio)
	})
}

// GuardedClassifier wraps a severity classifier behind a circuit breaker.
// Inference is a side call whose failure must not fail the turn; callers
// treat any error, [ErrOpen] included, as "no assessment data this turn".
type GuardedClassifier struct {
	classifier severity.Classifier
	breaker    *Breaker
}

var _ severity.Classifier = (*GuardedClassifier)(nil)

// NewGuardedClassifier wraps classifier with a breaker built from cfg.
func NewGuardedClassifier(classifier severity.Classifier, cfg BreakerConfig) *GuardedClassifier {
	if cfg.Name == "" {
		cfg.Name = "severity-classifier"
	}
	return &GuardedClassifier{
		classifier: classifier,
		breaker:    NewBreaker(cfg),
	}
}

// Infer implements severity.Classifier. When the breaker is open the call
// fails fast with [ErrOpen].
func (g *GuardedClassifier) Infer(ctx context.Context, sessionID string, audio []byte) (*severity.Result, error) {
	var result *severity.Result
	err := g.breaker.Do(func() error {
		var innerErr error
		result, innerErr = g.classifier.Infer(ctx, sessionID, audio)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
