package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the provider names known to ship with ChatSpeak,
// keyed by provider kind. Validation warns (rather than fails) on names
// outside these sets, since deployments may register their own providers
// before creating the engine.
var ValidProviderNames = map[string]map[string]bool{
	"llm": {
		"openai":        true,
		"openai-native": true,
		"anthropic":     true,
		"gemini":        true,
		"ollama":        true,
		"deepseek":      true,
		"mistral":       true,
		"groq":          true,
		"llamacpp":      true,
		"llamafile":     true,
		"mock":          true,
	},
	"stt": {
		"deepgram": true,
		"whisper":  true,
		"mock":     true,
	},
	"severity": {
		"ensemble": true,
		"mock":     true,
	},
}

// Load reads and validates a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes and validates a YAML configuration from r.
// Unknown fields are rejected to catch typos early.
func LoadFromReader(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in zero-valued fields that have sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
}

// Validate checks the configuration for errors. All problems found are
// joined into the returned error so a single run surfaces every mistake.
func (c *Config) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level: unknown level %q", c.Server.LogLevel))
	}

	if c.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name: required"))
	}
	validateProviderName("llm", c.Providers.LLM.Name)
	if c.Providers.LLMFallback.Name != "" {
		validateProviderName("llm", c.Providers.LLMFallback.Name)
	}

	if c.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name: required"))
	}
	validateProviderName("stt", c.Providers.STT.Name)

	// Severity inference is optional; turns without it simply carry no
	// assessment data.
	validateProviderName("severity", c.Providers.Severity.Name)

	if c.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty, falling back to in-memory store; state is lost on restart")
	}

	return errors.Join(errs...)
}

// validateProviderName warns about provider names not in the built-in set.
// An unknown name is not an error: custom providers may be registered at
// startup before the engine is created.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !ValidProviderNames[kind][name] {
		slog.Warn("unrecognized provider name, expecting a custom registration",
			"kind", kind, "name", name)
	}
}
