package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chatspeak/chatspeak/pkg/provider/llm"
	"github.com/chatspeak/chatspeak/pkg/provider/severity"
	"github.com/chatspeak/chatspeak/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned when a configuration names a provider
// that has no registered factory.
var ErrProviderNotRegistered = errors.New("provider not registered")

// LLMFactory constructs a generative provider from its configuration entry.
type LLMFactory func(entry ProviderEntry) (llm.Provider, error)

// STTFactory constructs a transcription provider from its configuration entry.
type STTFactory func(entry ProviderEntry) (stt.Transcriber, error)

// SeverityFactory constructs a severity classifier from its configuration entry.
type SeverityFactory func(entry ProviderEntry) (severity.Classifier, error)

// Registry maps provider names to factory functions, one namespace per
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	llm      map[string]LLMFactory
	stt      map[string]STTFactory
	severity map[string]SeverityFactory
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		llm:      make(map[string]LLMFactory),
		stt:      make(map[string]STTFactory),
		severity: make(map[string]SeverityFactory),
	}
}

// RegisterLLM registers a generative provider factory under the given name.
// Registering the same name twice replaces the earlier factory.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers a transcription provider factory under the given name.
func (r *Registry) RegisterSTT(name string, factory STTFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterSeverity registers a severity classifier factory under the given name.
func (r *Registry) RegisterSeverity(name string, factory SeverityFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.severity[name] = factory
}

// CreateLLM instantiates the generative provider named by entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm provider %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return factory(entry)
}

// CreateSTT instantiates the transcription provider named by entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stt provider %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return factory(entry)
}

// CreateSeverity instantiates the severity classifier named by entry.Name.
func (r *Registry) CreateSeverity(entry ProviderEntry) (severity.Classifier, error) {
	r.mu.RLock()
	factory, ok := r.severity[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("severity provider %q: %w", entry.Name, ErrProviderNotRegistered)
	}
	return factory(entry)
}
