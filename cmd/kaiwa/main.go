// Command kaiwa is the voice-driven conversational practice partner.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/mkurimoto/kaiwa/internal/app"
	"github.com/mkurimoto/kaiwa/internal/config"
	"github.com/mkurimoto/kaiwa/internal/observe"
	"github.com/mkurimoto/kaiwa/internal/resilience"
	"github.com/mkurimoto/kaiwa/pkg/provider/backend"
	"github.com/mkurimoto/kaiwa/pkg/provider/backend/anyllm"
	backmock "github.com/mkurimoto/kaiwa/pkg/provider/backend/mock"
	"github.com/mkurimoto/kaiwa/pkg/provider/backend/openai"
	capprov "github.com/mkurimoto/kaiwa/pkg/provider/capture"
	"github.com/mkurimoto/kaiwa/pkg/provider/capture/deepgram"
	"github.com/mkurimoto/kaiwa/pkg/provider/capture/google"
	capmock "github.com/mkurimoto/kaiwa/pkg/provider/capture/mock"
	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
	"github.com/mkurimoto/kaiwa/pkg/provider/synth/coqui"
	"github.com/mkurimoto/kaiwa/pkg/provider/synth/elevenlabs"
	synmock "github.com/mkurimoto/kaiwa/pkg/provider/synth/mock"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kaiwa: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kaiwa: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var logLevel slog.LevelVar
	logLevel.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	slog.Info("kaiwa starting",
		"version", version,
		"config", *configPath,
		"language", cfg.Practice.Language,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Error monitoring ──────────────────────────────────────────────────────
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.Sentry.DSN,
			Release: "kaiwa@" + version,
		}); err != nil {
			slog.Warn("sentry init failed", "err", err)
		} else {
			slog.Info("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, cfg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		sentry.CaptureException(err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(&logLevel))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		sentry.CaptureException(err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, application.Info())

	// ── Console ───────────────────────────────────────────────────────────────
	runCtx, quit := context.WithCancel(ctx)
	defer quit()
	go newConsole(application.Controller(), os.Stdin, os.Stdout, quit).run(runCtx)

	slog.Info("ready — press Enter to start talking, Ctrl+C to shut down")

	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		sentry.CaptureException(err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown requested, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the factory for every provider name the
// configuration accepts. Factories close over ctx and cfg: the Google client
// dials during construction, and persona, language and microphone wiring come
// from the loaded config rather than the entry.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, cfg *config.Config) {
	mic := micSource(cfg.Capture)

	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("deepgram", func(entry config.ProviderEntry) (capprov.Provider, error) {
		opts := []deepgram.Option{
			deepgram.WithLanguage(cfg.Practice.Language),
			deepgram.WithSource(mic),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterCapture("google", func(entry config.ProviderEntry) (capprov.Provider, error) {
		if entry.CredentialsFile != "" {
			// The cloud client resolves application-default credentials
			// from this variable during New.
			if err := os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", entry.CredentialsFile); err != nil {
				return nil, err
			}
		}
		return google.New(ctx, google.WithSource(mic))
	})

	reg.RegisterCapture("mock", func(entry config.ProviderEntry) (capprov.Provider, error) {
		// Produces no speech; useful to smoke-test the pipeline without
		// credentials or a microphone.
		return &capmock.Provider{}, nil
	})

	// ── Synthesis ─────────────────────────────────────────────────────────────

	reg.RegisterSynth("elevenlabs", func(entry config.ProviderEntry) (synth.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModelID(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterSynth("coqui", func(entry config.ProviderEntry) (synth.Provider, error) {
		return coqui.New(entry.BaseURL, coqui.WithLanguage(cfg.Practice.Language))
	})

	reg.RegisterSynth("mock", func(entry config.ProviderEntry) (synth.Provider, error) {
		return &synmock.Provider{
			ListVoicesResult: []synth.VoiceProfile{{ID: "mock-1", Name: "Mock", Provider: "mock"}},
		}, nil
	})

	// ── Backend ───────────────────────────────────────────────────────────────

	reg.RegisterBackend("openai", func(entry config.ProviderEntry) (backend.Client, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if cfg.Backend.Persona != "" {
			opts = append(opts, openai.WithPersona(cfg.Backend.Persona))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterBackend("anyllm", func(entry config.ProviderEntry) (backend.Client, error) {
		vendor, model, ok := strings.Cut(entry.Model, "/")
		if !ok {
			return nil, fmt.Errorf(`anyllm model %q must be "vendor/model", e.g. "ollama/llama3"`, entry.Model)
		}
		var backendOpts []anyllmlib.Option
		if entry.APIKey != "" {
			backendOpts = append(backendOpts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			backendOpts = append(backendOpts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		opts := []anyllm.Option{anyllm.WithBackendOptions(backendOpts...)}
		if cfg.Backend.Persona != "" {
			opts = append(opts, anyllm.WithPersona(cfg.Backend.Persona))
		}
		return anyllm.New(vendor, model, opts...)
	})

	reg.RegisterBackend("mock", func(entry config.ProviderEntry) (backend.Client, error) {
		return &backmock.Client{Replies: []string{
			"こんにちは！今日は何を練習しましょうか。",
			"いいですね。もう少し詳しく教えてください。",
			"なるほど、そうなんですね。",
		}}, nil
	})

	// Debug log of all registered providers.
	for kind, names := range map[string][]string{
		"capture": config.ValidCaptureProviders,
		"synth":   config.ValidSynthProviders,
		"backend": config.ValidBackendProviders,
	} {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the configured capture, synthesis and backend
// providers, wrapping each in a failover chain when fallbacks are listed.
// Config validation has already pinned every name to a registered factory,
// so any error here is fatal.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	fc := fallbackConfig(cfg.Resilience)

	capturer, err := reg.CreateCapture(cfg.Capture.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create capture provider %q: %w", cfg.Capture.Provider, err)
	}
	slog.Info("provider created", "kind", "capture", "name", cfg.Capture.Provider)
	if len(cfg.Capture.Fallbacks) > 0 {
		chain := resilience.NewFailoverCapture(cfg.Capture.Provider, capturer, fc)
		for _, entry := range cfg.Capture.Fallbacks {
			p, err := reg.CreateCapture(entry)
			if err != nil {
				return nil, fmt.Errorf("create capture fallback %q: %w", entry.Provider, err)
			}
			chain.AddFallback(entry.Provider, p)
			slog.Info("fallback registered", "kind", "capture", "name", entry.Provider)
		}
		capturer = chain
	}

	synthesizer, err := reg.CreateSynth(cfg.Synth.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create synth provider %q: %w", cfg.Synth.Provider, err)
	}
	slog.Info("provider created", "kind", "synth", "name", cfg.Synth.Provider)
	if len(cfg.Synth.Fallbacks) > 0 {
		chain := resilience.NewFailoverSynth(cfg.Synth.Provider, synthesizer, fc)
		for _, entry := range cfg.Synth.Fallbacks {
			p, err := reg.CreateSynth(entry)
			if err != nil {
				return nil, fmt.Errorf("create synth fallback %q: %w", entry.Provider, err)
			}
			chain.AddFallback(entry.Provider, p)
			slog.Info("fallback registered", "kind", "synth", "name", entry.Provider)
		}
		synthesizer = chain
	}

	client, err := reg.CreateBackend(cfg.Backend.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create backend provider %q: %w", cfg.Backend.Provider, err)
	}
	slog.Info("provider created", "kind", "backend", "name", cfg.Backend.Provider)
	if len(cfg.Backend.Fallbacks) > 0 {
		chain := resilience.NewFailoverClient(cfg.Backend.Provider, client, fc)
		for _, entry := range cfg.Backend.Fallbacks {
			p, err := reg.CreateBackend(entry)
			if err != nil {
				return nil, fmt.Errorf("create backend fallback %q: %w", entry.Provider, err)
			}
			chain.AddFallback(entry.Provider, p)
			slog.Info("fallback registered", "kind", "backend", "name", entry.Provider)
		}
		client = chain
	}

	return &app.Providers{Capture: capturer, Synth: synthesizer, Backend: client}, nil
}

// fallbackConfig translates the resilience section into breaker settings.
// Zero values defer to the breaker's own defaults.
func fallbackConfig(rc config.ResilienceConfig) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Breaker: resilience.BreakerConfig{
			Threshold:  rc.Threshold,
			Cooldown:   time.Duration(rc.CooldownSeconds) * time.Second,
			ProbeQuota: rc.ProbeQuota,
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, info app.SessionInfo) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║          kaiwa — practice partner      ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Capture", chainValue(cfg.Capture.ProviderEntry, cfg.Capture.Fallbacks))
	printRow("Synthesis", chainValue(cfg.Synth.ProviderEntry, cfg.Synth.Fallbacks))
	voice := info.Voice.Name
	if voice == "" {
		voice = "(provider default)"
	}
	printRow("Voice", voice)
	printRow("Backend", chainValue(cfg.Backend.ProviderEntry, cfg.Backend.Fallbacks))
	printRow("Language", cfg.Practice.Language)
	journal := "(disabled)"
	if cfg.Journal.PostgresDSN != "" {
		journal = "postgres"
	}
	printRow("Journal", journal)
	admin := cfg.Server.ListenAddr
	if admin == "" {
		admin = "(disabled)"
	}
	printRow("Admin", admin)
	fmt.Println("╚════════════════════════════════════════╝")
}

// chainValue renders a provider chain as "name / model +N" for the summary.
func chainValue(entry config.ProviderEntry, fallbacks []config.ProviderEntry) string {
	v := entry.Provider
	if entry.Model != "" {
		v += " / " + entry.Model
	}
	if n := len(fallbacks); n > 0 {
		v += fmt.Sprintf(" +%d", n)
	}
	return v
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
