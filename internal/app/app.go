// Package app wires all kaiwa subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the conversation loop, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithJournal,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkurimoto/kaiwa/internal/admin"
	"github.com/mkurimoto/kaiwa/internal/config"
	"github.com/mkurimoto/kaiwa/internal/journal"
	"github.com/mkurimoto/kaiwa/internal/observe"
	"github.com/mkurimoto/kaiwa/internal/speech"
	"github.com/mkurimoto/kaiwa/internal/turn"
	"github.com/mkurimoto/kaiwa/pkg/provider/backend"
	capprov "github.com/mkurimoto/kaiwa/pkg/provider/capture"
	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
)

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry, with any configured fallback chains already
// wrapped around the primaries.
type Providers struct {
	Capture capprov.Provider
	Synth   synth.Provider
	Backend backend.Client
}

// App owns all subsystem lifetimes and orchestrates the kaiwa practice loop.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New, torn down in Shutdown.
	journal    *journal.Journal
	voice      synth.VoiceProfile
	player     *speech.Player
	session    backend.SessionHandle
	controller *turn.Controller
	admin      *admin.Server

	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	sink     io.Writer

	journalInjected bool
	startedAt       time.Time

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option overrides one subsystem before New wires the rest.
type Option func(*App)

// WithJournal injects a turn journal, bypassing the postgres connection New
// would otherwise open. Passing nil disables journalling outright.
func WithJournal(j *journal.Journal) Option {
	return func(a *App) {
		a.journal = j
		a.journalInjected = true
	}
}

// WithMetrics overrides the metrics set shared by the turn controller and
// the admin server.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level var behind the process logger so a
// configuration reload can adjust verbosity at runtime.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithAudioSink routes synthesised audio to w instead of discarding it.
func WithAudioSink(w io.Writer) Option {
	return func(a *App) { a.sink = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go, populated via the config registry. Use Option functions
// to inject test doubles.
//
// New performs all initialisation synchronously: journal connection, capture
// preflight, voice resolution, player construction, conversation opening,
// turn controller and admin server assembly. Only the journal connection and
// the conversation opening can fail; everything else degrades with a warning.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Turn journal ──────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Capture preflight ─────────────────────────────────────────────
	a.preflightCapture(ctx)

	// ── 3. Voice resolution ──────────────────────────────────────────────
	a.resolveVoice(ctx)

	// ── 4. Utterance player ──────────────────────────────────────────────
	a.initPlayer()

	// ── 5. Conversation session ──────────────────────────────────────────
	if err := a.openConversation(ctx); err != nil {
		return nil, fmt.Errorf("app: open conversation: %w", err)
	}

	// ── 6. Turn controller ───────────────────────────────────────────────
	a.initController()

	// ── 7. Admin server ──────────────────────────────────────────────────
	a.initAdmin()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initJournal connects the postgres turn journal when a DSN is configured.
// Without one the journal stays nil, which disables recording.
func (a *App) initJournal(ctx context.Context) error {
	if a.journalInjected {
		return nil
	}
	if a.cfg.Journal.PostgresDSN == "" {
		slog.Debug("turn journal disabled, no postgres_dsn configured")
		return nil
	}
	j, err := journal.Open(ctx, a.cfg.Journal.PostgresDSN)
	if err != nil {
		return err
	}
	a.journal = j
	a.closers = append(a.closers, func() error {
		j.Close()
		return nil
	})
	return nil
}

// preflightCapture asks the capture provider whether the microphone is
// usable. A failure here is advisory: the controller repeats the preflight
// on every activation, so a microphone that appears later still works.
func (a *App) preflightCapture(ctx context.Context) {
	if err := a.providers.Capture.Preflight(ctx); err != nil {
		slog.Warn("microphone not ready", "err", err)
		return
	}
	slog.Debug("microphone preflight ok")
}

// resolveVoice matches the configured voice against the provider's catalogue
// by name or ID. An empty setting picks the first available voice; a
// catalogue failure or a miss leaves the zero profile, letting the provider
// fall back to its own default.
func (a *App) resolveVoice(ctx context.Context) {
	voices, err := a.providers.Synth.ListVoices(ctx)
	if err != nil {
		slog.Warn("voice catalogue unavailable, using provider default", "err", err)
		return
	}
	if len(voices) == 0 {
		slog.Warn("voice catalogue empty, using provider default")
		return
	}

	want := a.cfg.Synth.Voice
	if want == "" {
		a.voice = voices[0]
		slog.Debug("voice selected", "voice", a.voice.Name, "id", a.voice.ID)
		return
	}
	for _, v := range voices {
		if strings.EqualFold(v.Name, want) || v.ID == want {
			a.voice = v
			slog.Debug("voice selected", "voice", v.Name, "id", v.ID)
			return
		}
	}
	a.voice = voices[0]
	slog.Warn("configured voice not found, using first available",
		"want", want, "using", a.voice.Name)
}

// initPlayer builds the utterance player over the synthesis provider.
func (a *App) initPlayer() {
	var opts []speech.Option
	if a.sink != nil {
		opts = append(opts, speech.WithSink(a.sink))
	}
	a.player = speech.NewPlayer(a.providers.Synth, synth.SpeechConfig{
		Voice:    a.voice,
		Language: a.cfg.Practice.Language,
	}, opts...)
}

// openConversation establishes the backend session every turn speaks
// through. Unlike per-turn backend failures, which degrade to the fallback
// reply, failing to open the session at startup aborts the whole run.
func (a *App) openConversation(ctx context.Context) error {
	session, err := a.providers.Backend.OpenSession(ctx)
	if err != nil {
		return err
	}
	a.session = session
	slog.Info("conversation opened", "provider", a.cfg.Backend.Provider)
	return nil
}

// initController assembles the turn controller with the configured capture
// parameters and runtime tunables.
func (a *App) initController() {
	opts := []turn.Option{
		turn.WithMetrics(a.metrics),
		turn.WithJournal(a.journal),
		turn.WithCaptureConfig(capprov.SessionConfig{
			Language:   a.cfg.Practice.Language,
			SampleRate: a.cfg.Capture.SampleRate,
			Channels:   a.cfg.Capture.Channels,
			Vocabulary: a.cfg.Practice.Vocabulary,
		}),
	}
	if a.cfg.Backend.TimeoutSeconds > 0 {
		opts = append(opts, turn.WithBackendTimeout(time.Duration(a.cfg.Backend.TimeoutSeconds)*time.Second))
	}
	a.controller = turn.New(a.providers.Capture, a.player, a.providers.Backend, a.session, opts...)
	a.controller.ApplyTunables(turn.Tunables{
		FallbackReply: a.cfg.Practice.FallbackReply,
		Vocabulary:    a.cfg.Practice.Vocabulary,
	})
}

// initAdmin builds the operational HTTP server when a listen address is
// configured. The journal ping doubles as the readiness probe; with
// journalling disabled the probe always reports ready.
func (a *App) initAdmin() {
	if a.cfg.Server.ListenAddr == "" {
		slog.Debug("admin server disabled, no listen_addr configured")
		return
	}
	a.admin = admin.NewServer(a.cfg.Server.ListenAddr, a.metrics, admin.Checker{
		Name:  "journal",
		Check: a.journal.Ping,
	})
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the admin server (when configured) and the turn controller,
// then blocks until ctx is cancelled or either of them fails. The controller
// owns every conversation state transition; Run only supervises.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		g.Go(func() error { return a.admin.Run(ctx) })
	}
	g.Go(func() error { return a.controller.Run(ctx) })

	slog.Info("kaiwa ready",
		"language", a.cfg.Practice.Language,
		"voice", a.voice.Name,
	)
	return g.Wait()
}

// Controller exposes the turn controller for the interactive front-end.
func (a *App) Controller() *turn.Controller { return a.controller }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before the teardown finishes, the
// remaining closers are skipped and the context error is returned. Call
// only after Run's context is cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		// Close playback first so the controller's goroutines unwind.
		if err := a.player.Close(); err != nil {
			slog.Warn("player close error", "err", err)
		}
		done := make(chan struct{})
		go func() {
			a.controller.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("controller drain timed out")
			shutdownErr = ctx.Err()
			return
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
