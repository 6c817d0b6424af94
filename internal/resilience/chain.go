package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Chain] fails or has an open
// circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// ChainConfig configures the per-entry circuit breaker created for each
// provider in a [Chain].
type ChainConfig struct {
	Breaker BreakerConfig
}

// chainEntry pairs a provider value with its dedicated circuit breaker.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its breaker is open), the next
// healthy fallback is tried in registration order.
//
// Chain is safe for concurrent use after all fallbacks are registered.
type Chain[T any] struct {
	entries []chainEntry[T]
	cfg     ChainConfig
}

// NewChain creates a [Chain] with primary as the first entry.
func NewChain[T any](primary T, primaryName string, cfg ChainConfig) *Chain[T] {
	bcfg := cfg.Breaker
	bcfg.Name = primaryName
	return &Chain[T]{
		entries: []chainEntry[T]{{
			name:    primaryName,
			value:   primary,
			breaker: NewBreaker(bcfg),
		}},
		cfg: cfg,
	}
}

// Add appends a fallback provider. Fallbacks are tried in the order they are
// added, after the primary.
func (c *Chain[T]) Add(name string, fallback T) {
	bcfg := c.cfg.Breaker
	bcfg.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewBreaker(bcfg),
	})
}

// Run tries fn against each entry in order until one succeeds, returning the
// result of the first success. Open-breaker entries are skipped. Returns
// [ErrAllFailed] wrapped with the last error when every entry fails.
//
// Run is a package-level function because Go does not support method-level
// type parameters.
func Run[T any, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
