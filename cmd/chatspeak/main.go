// Command chatspeak is the ChatSpeak adaptive speech therapy server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/chatspeak/chatspeak/internal/config"
	"github.com/chatspeak/chatspeak/internal/engine"
	"github.com/chatspeak/chatspeak/internal/health"
	"github.com/chatspeak/chatspeak/internal/observe"
	"github.com/chatspeak/chatspeak/internal/resilience"
	"github.com/chatspeak/chatspeak/internal/server"
	"github.com/chatspeak/chatspeak/internal/store"
	"github.com/chatspeak/chatspeak/internal/store/postgres"
	"github.com/chatspeak/chatspeak/pkg/provider/llm"
	"github.com/chatspeak/chatspeak/pkg/provider/llm/anyllm"
	llmopenai "github.com/chatspeak/chatspeak/pkg/provider/llm/openai"
	"github.com/chatspeak/chatspeak/pkg/provider/severity"
	"github.com/chatspeak/chatspeak/pkg/provider/severity/ensemble"
	"github.com/chatspeak/chatspeak/pkg/provider/stt"
	"github.com/chatspeak/chatspeak/pkg/provider/stt/deepgram"
	"github.com/chatspeak/chatspeak/pkg/provider/stt/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags and environment ─────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Best-effort: a missing .env file is not an error.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "chatspeak: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "chatspeak: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("chatspeak starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "chatspeak",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Document store ────────────────────────────────────────────────────────
	docs, checker, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open document store", "err", err)
		return 1
	}
	defer closeStore()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	deps, err := buildEngineDeps(cfg, reg, docs)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Engine + HTTP server ──────────────────────────────────────────────────
	eng := engine.New(deps)
	srv := server.New(eng, server.WithHealth(health.New(checker...)))

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		slog.Error("server error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Store wiring ──────────────────────────────────────────────────────────────

// buildStore opens the configured document store. Without a Postgres DSN it
// falls back to an in-memory store that loses all state on restart.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, []health.Checker, func(), error) {
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("no postgres_dsn configured, using in-memory store")
		return store.NewMemStore(), nil, func() {}, nil
	}

	pg, err := postgres.New(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	checkers := []health.Checker{{
		Name:  "postgres",
		Check: pg.Ping,
	}}
	return pg, checkers, pg.Close, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders lists the hosted and local backends reachable through the
// any-llm bridge.
var anyllmProviders = []string{
	"openai", "anthropic", "gemini",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-native talks to the OpenAI API through the official SDK instead
	// of the any-llm bridge.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── Severity ──────────────────────────────────────────────────────────────
	reg.RegisterSeverity("ensemble", func(entry config.ProviderEntry) (severity.Classifier, error) {
		return ensemble.New(entry.BaseURL)
	})
}

// buildEngineDeps instantiates the configured providers and wraps them in
// their resilience layers.
func buildEngineDeps(cfg *config.Config, reg *config.Registry, docs store.Store) (engine.Deps, error) {
	deps := engine.Deps{Store: docs}

	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return engine.Deps{}, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	llmChain := resilience.NewLLMChain(primary, cfg.Providers.LLM.Name, resilience.ChainConfig{})
	if name := cfg.Providers.LLMFallback.Name; name != "" {
		fallback, err := reg.CreateLLM(cfg.Providers.LLMFallback)
		if err != nil {
			return engine.Deps{}, fmt.Errorf("create llm fallback %q: %w", name, err)
		}
		llmChain.AddFallback(name, fallback)
		slog.Info("llm fallback configured", "name", name)
	}
	deps.LLM = llmChain
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if name := cfg.Providers.STT.Name; name != "" {
		transcriber, err := reg.CreateSTT(cfg.Providers.STT)
		if err != nil {
			return engine.Deps{}, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		deps.STT = resilience.NewSTTChain(transcriber, name, resilience.ChainConfig{})
		slog.Info("provider created", "kind", "stt", "name", name)
	}

	if name := cfg.Providers.Severity.Name; name != "" {
		classifier, err := reg.CreateSeverity(cfg.Providers.Severity)
		if err != nil {
			return engine.Deps{}, fmt.Errorf("create severity provider %q: %w", name, err)
		}
		deps.Classifier = resilience.NewGuardedClassifier(classifier, resilience.BreakerConfig{})
		slog.Info("provider created", "kind", "severity", "name", name)
	}

	return deps, nil
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
