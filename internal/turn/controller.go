// Package turn implements the turn-taking controller, the heart of kaiwa.
//
// The controller arbitrates between "user is speaking", "system is thinking"
// and "system is speaking". All coordination runs through a single event
// loop: capture, backend and synthesis outcomes arrive as events on one
// queue, and a pure transition function maps each event to the next state
// plus the side effects that realise it. Collaborator calls that can take
// unbounded time (the backend exchange, capture startup) run in their own
// goroutines and post their outcome back onto the queue, so the loop itself
// never blocks and state never changes concurrently.
//
// The presentation layer observes the controller through
// [Controller.Snapshot] and the coalescing [Controller.Updates] channel; its
// single input is [Controller.Toggle].
package turn

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mkurimoto/kaiwa/internal/capture"
	"github.com/mkurimoto/kaiwa/internal/conversation"
	"github.com/mkurimoto/kaiwa/internal/journal"
	"github.com/mkurimoto/kaiwa/internal/observe"
	"github.com/mkurimoto/kaiwa/internal/speech"
	"github.com/mkurimoto/kaiwa/internal/transcript"
	"github.com/mkurimoto/kaiwa/pkg/provider/backend"
	capprov "github.com/mkurimoto/kaiwa/pkg/provider/capture"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

const defaultEventBuf = 64

// DefaultFallbackReply is spoken in place of a reply when the backend call
// fails and no other fallback text is configured.
const DefaultFallbackReply = "すみません、もう一度お願いします。"

// Tunables are the controller settings that may change while it is running.
// The configuration watcher reapplies them on every reload.
type Tunables struct {
	// FallbackReply replaces the backend reply when the call fails. Empty
	// selects [DefaultFallbackReply].
	FallbackReply string

	// Vocabulary is the practice vocabulary, used both as recognition
	// hints for the capture provider and by the transcript polish pass.
	Vocabulary []string
}

// Snapshot is a point-in-time view of everything the presentation layer
// renders.
type Snapshot struct {
	// State is the controller state.
	State State

	// Finalized and Interim are the live transcript halves.
	Finalized string
	Interim   string

	// Messages is the conversation history in append order.
	Messages []types.Message
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		c.log = log
	}
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithJournal sets the turn journal. Default: nil, which disables journaling.
func WithJournal(j *journal.Journal) Option {
	return func(c *Controller) {
		c.jour = j
	}
}

// WithCaptureConfig sets the capture session configuration used for every
// listening attempt.
func WithCaptureConfig(cfg capprov.SessionConfig) Option {
	return func(c *Controller) {
		c.captureCfg = cfg
	}
}

// WithBackendTimeout bounds each backend call. Zero disables the bound;
// expiry surfaces as a timeout fault routed through the fallback reply.
func WithBackendTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.backendTimeout = d
	}
}

// WithEventBuffer sets the event queue capacity. Default: 64.
func WithEventBuffer(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.eventBuf = n
		}
	}
}

// Controller owns the turn cycle: at most one live capture session, at most
// one in-flight backend call, at most one playing utterance. All of its
// state is mutated by the single goroutine inside [Controller.Run].
type Controller struct {
	captureProvider capprov.Provider
	player          *speech.Player
	backend         backend.Client
	session         backend.SessionHandle

	acc     *transcript.Accumulator
	history *conversation.Log

	log     *slog.Logger
	metrics *observe.Metrics
	jour    *journal.Journal

	backendTimeout time.Duration
	eventBuf       int

	mu         sync.Mutex
	state      State
	fallback   string
	polisher   *transcript.Polisher
	captureCfg capprov.SessionConfig

	// Owned by the Run loop; never touched from other goroutines.
	runner         *capture.Runner
	utterance      int64
	turnSeq        int64
	fragments      int
	turnStartAt    time.Time
	captureStartAt time.Time
	submitAt       time.Time
	speakAt        time.Time

	events  chan event
	updates chan struct{}
	wg      sync.WaitGroup
}

// New assembles a controller over its four collaborators. The backend
// session handle is created once at startup and shared across all turns.
// The controller does nothing until [Controller.Run] is called.
func New(captureProvider capprov.Provider, player *speech.Player, client backend.Client, session backend.SessionHandle, opts ...Option) *Controller {
	c := &Controller{
		captureProvider: captureProvider,
		player:          player,
		backend:         client,
		session:         session,
		acc:             transcript.New(),
		history:         conversation.NewLog(),
		log:             slog.Default(),
		metrics:         observe.DefaultMetrics(),
		eventBuf:        defaultEventBuf,
		fallback:        DefaultFallbackReply,
		polisher:        transcript.NewPolisher(nil),
	}
	for _, o := range opts {
		o(c)
	}

	// Create the queue after options so WithEventBuffer takes effect.
	c.events = make(chan event, c.eventBuf)
	c.updates = make(chan struct{}, 1)
	return c
}

// Run processes events until ctx is cancelled. It must be called exactly
// once. On return the live capture session, if any, has been asked to stop;
// the utterance player is owned and closed by the caller.
func (c *Controller) Run(ctx context.Context) error {
	c.metrics.ActiveSessions.Add(ctx, 1)
	defer c.metrics.ActiveSessions.Add(ctx, -1)

	c.wg.Add(1)
	go c.pumpPlayer(ctx)

	c.log.Info("turn controller running")
	for {
		select {
		case <-ctx.Done():
			if c.runner != nil {
				c.runner.Stop()
			}
			c.log.Info("turn controller stopped")
			return nil
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

// Toggle is the presentation layer's single intent: start listening from
// idle, request a stop while listening, or barge in while speaking. It is a
// no-op while a submission is in flight. Toggle never blocks; if the event
// queue is full the press is dropped.
func (c *Controller) Toggle() {
	select {
	case c.events <- toggleEvent{}:
	default:
		c.log.Warn("event queue full, toggle dropped")
	}
}

// Snapshot returns the current state, transcript and history.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	fin, interim := c.acc.View()
	return Snapshot{
		State:     st,
		Finalized: fin,
		Interim:   interim,
		Messages:  c.history.Messages(),
	}
}

// Updates returns a channel that receives a coalesced signal whenever the
// snapshot may have changed. Consumers read the channel and then call
// [Controller.Snapshot]; missed signals are absorbed, never queued.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// ApplyTunables replaces the runtime-adjustable settings. Safe to call while
// the controller is running; the next submission and capture start pick the
// new values up.
func (c *Controller) ApplyTunables(t Tunables) {
	fallback := t.FallbackReply
	if fallback == "" {
		fallback = DefaultFallbackReply
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = fallback
	c.polisher = transcript.NewPolisher(t.Vocabulary)
	c.captureCfg.Vocabulary = append([]string(nil), t.Vocabulary...)
}

// Wait blocks until all goroutines spawned by the controller have finished.
// Primarily useful in tests to synchronise on full termination: cancel Run's
// context, close the player, then Wait.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// handle processes one event: transition, commit, observe, execute.
func (c *Controller) handle(ctx context.Context, ev event) {
	// Adopt the runner before the transition so stop effects can reach it.
	if cs, ok := ev.(captureStartedEvent); ok && cs.err == nil {
		c.runner = cs.runner
		c.wg.Add(1)
		go c.pumpCapture(ctx, cs.runner)
	}

	c.mu.Lock()
	prev := c.state
	c.mu.Unlock()

	v := view{state: prev, submission: c.acc.Submission(), utterance: c.utterance}
	next, effects := transition(v, ev)

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	if next.Notice != nil && next.Notice != prev.Notice {
		c.noteFailure(ctx, next.Notice)
	}

	c.observeEvent(ctx, ev, prev)

	for _, fx := range effects {
		c.exec(ctx, fx)
	}

	if _, ok := ev.(captureEndedEvent); ok && prev.Phase == PhaseListening {
		c.runner = nil
	}
	if se, ok := ev.(speechEndedEvent); ok && se.utterance == c.utterance {
		c.utterance = 0
	}

	c.notify()
}

func (c *Controller) exec(ctx context.Context, fx effect) {
	switch fx.kind {
	case fxResetTranscript:
		c.acc.Reset()
		c.fragments = 0

	case fxStartCapture:
		c.execStartCapture(ctx)

	case fxStopCapture:
		if c.runner != nil {
			c.runner.Stop()
		}

	case fxCancelSpeech:
		c.player.Cancel()
		c.utterance = 0
		c.metrics.BargeIns.Add(ctx, 1)
		c.jour.LogAsync(journal.Event{Type: journal.EventBargeIn, Turn: c.turnSeq})
		c.log.Info("barge-in", "turn", c.turnSeq)

	case fxApplyBatch:
		c.acc.Apply(fx.batch)
		c.fragments += len(fx.batch.Fragments)
		c.metrics.Fragments.Add(ctx, int64(len(fx.batch.Fragments)))

	case fxSubmit:
		c.execSubmit(ctx, fx.text)

	case fxSpeakReply:
		c.execSpeak(ctx, fx.text)

	case fxSpeakFallback:
		c.execSpeak(ctx, c.fallbackReply())
	}
}

// execStartCapture opens a new turn and resolves preflight plus session
// start off the loop, posting the outcome back as a captureStartedEvent.
func (c *Controller) execStartCapture(ctx context.Context) {
	c.turnSeq++
	c.turnStartAt = time.Now()
	c.jour.LogAsync(journal.Event{Type: journal.EventTurnStarted, Turn: c.turnSeq})
	c.log.Info("turn started", "turn", c.turnSeq)

	cfg := c.captureConfig()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		r, err := capture.Start(ctx, c.captureProvider, cfg)
		c.post(ctx, captureStartedEvent{runner: r, err: err})
	}()
}

// execSubmit polishes and submits the finalized transcript, appends the USER
// message, and starts the backend exchange off the loop.
func (c *Controller) execSubmit(ctx context.Context, raw string) {
	text, corrections := c.polish(raw)
	for _, cor := range corrections {
		c.log.Debug("vocabulary snap",
			"heard", cor.Heard, "term", cor.Term, "score", cor.Score)
	}

	c.history.Append(types.SenderUser, text)
	c.acc.Reset()
	c.submitAt = time.Now()
	c.jour.LogAsync(journal.Event{
		Type:      journal.EventTranscriptSubmitted,
		Turn:      c.turnSeq,
		Fragments: c.fragments,
		Chars:     utf8.RuneCountInString(text),
	})
	c.log.Info("transcript submitted", "turn", c.turnSeq, "chars", utf8.RuneCountInString(text))

	timeout := c.backendTimeout
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		reply, err := c.backend.Reply(rctx, c.session, text)
		c.post(ctx, backendReplyEvent{text: reply, err: err})
	}()
}

// execSpeak appends the SYSTEM message and hands the text to the player. The
// returned utterance ID keys the terminal-event filtering.
func (c *Controller) execSpeak(ctx context.Context, text string) {
	c.history.Append(types.SenderSystem, text)
	c.speakAt = time.Now()
	c.utterance = c.player.Speak(ctx, text)
	c.log.Info("speaking reply",
		"turn", c.turnSeq, "utterance", c.utterance, "chars", utf8.RuneCountInString(text))
}

// observeEvent records journal entries, metrics and logs for one event. The
// guards mirror the transition filters: stale or out-of-phase events leave
// no trace.
func (c *Controller) observeEvent(ctx context.Context, ev event, prev State) {
	now := time.Now()
	switch ev := ev.(type) {
	case captureStartedEvent:
		if prev.Phase != PhaseListening || ev.err != nil {
			return
		}
		c.captureStartAt = now
		c.jour.LogAsync(journal.Event{Type: journal.EventCaptureStarted, Turn: c.turnSeq})
		c.log.Info("capture started", "turn", c.turnSeq)

	case captureEndedEvent:
		if prev.Phase != PhaseListening {
			return
		}
		d := now.Sub(c.captureStartAt)
		c.metrics.CaptureDuration.Record(ctx, d.Seconds())
		jev := journal.Event{
			Type:      journal.EventCaptureEnded,
			Turn:      c.turnSeq,
			Duration:  d,
			Fragments: c.fragments,
		}
		if ev.err != nil {
			jev.ErrorKind = types.KindOf(ev.err).String()
		}
		c.jour.LogAsync(jev)
		c.log.Info("capture ended", "turn", c.turnSeq, "duration", d, "fragments", c.fragments)

	case backendReplyEvent:
		if prev.Phase != PhaseSubmitting {
			return
		}
		d := now.Sub(c.submitAt)
		c.metrics.BackendLatency.Record(ctx, d.Seconds())
		if ev.err != nil {
			c.jour.LogAsync(journal.Event{
				Type:      journal.EventReplyFailed,
				Turn:      c.turnSeq,
				Duration:  d,
				ErrorKind: types.KindOf(ev.err).String(),
			})
			c.log.Warn("backend reply failed, speaking fallback", "turn", c.turnSeq, "error", ev.err)
			return
		}
		c.jour.LogAsync(journal.Event{
			Type:     journal.EventReplyReceived,
			Turn:     c.turnSeq,
			Duration: d,
			Chars:    utf8.RuneCountInString(ev.text),
		})
		c.log.Info("reply received", "turn", c.turnSeq, "duration", d)

	case speechStartedEvent:
		if prev.Phase != PhaseSpeaking || ev.utterance != c.utterance {
			return
		}
		c.metrics.SynthesisLatency.Record(ctx, now.Sub(c.speakAt).Seconds())
		c.jour.LogAsync(journal.Event{Type: journal.EventSpeechStarted, Turn: c.turnSeq})

	case speechEndedEvent:
		if prev.Phase != PhaseSpeaking || ev.utterance != c.utterance {
			return
		}
		c.jour.LogAsync(journal.Event{
			Type:     journal.EventSpeechFinished,
			Turn:     c.turnSeq,
			Duration: now.Sub(c.speakAt),
		})
		if ev.err == nil {
			d := now.Sub(c.turnStartAt)
			c.metrics.TurnDuration.Record(ctx, d.Seconds())
			c.log.Info("turn complete", "turn", c.turnSeq, "duration", d)
		}
	}
}

// noteFailure records a freshly raised notice exactly once.
func (c *Controller) noteFailure(ctx context.Context, n *Notice) {
	c.metrics.RecordError(ctx, n.Kind.String())
	c.jour.LogAsync(journal.Event{
		Type:      journal.EventTurnError,
		Turn:      c.turnSeq,
		ErrorKind: n.Kind.String(),
	})
	c.log.Warn("turn error", "turn", c.turnSeq, "kind", n.Kind.String(), "message", n.Message)
}

// pumpCapture forwards one capture session's events onto the queue until the
// session's channel closes.
func (c *Controller) pumpCapture(ctx context.Context, r *capture.Runner) {
	defer c.wg.Done()
	for ev := range r.Events() {
		switch ev.Kind {
		case capture.EventBatch:
			c.post(ctx, fragmentEvent{batch: ev.Batch})
		case capture.EventEnded:
			c.post(ctx, captureEndedEvent{err: ev.Err})
		}
	}
}

// pumpPlayer forwards utterance lifecycle events onto the queue until the
// player is closed.
func (c *Controller) pumpPlayer(ctx context.Context) {
	defer c.wg.Done()
	for ev := range c.player.Events() {
		switch ev.Kind {
		case speech.EventStarted:
			c.post(ctx, speechStartedEvent{utterance: ev.Utterance})
		case speech.EventEnded:
			c.post(ctx, speechEndedEvent{utterance: ev.Utterance, err: ev.Err})
		}
	}
}

// post enqueues an event, giving up when ctx ends so producers never outlive
// the loop.
func (c *Controller) post(ctx context.Context, ev event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *Controller) fallbackReply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback
}

func (c *Controller) polish(text string) (string, []transcript.Correction) {
	c.mu.Lock()
	p := c.polisher
	c.mu.Unlock()
	return p.Polish(text)
}

func (c *Controller) captureConfig() capprov.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.captureCfg
}
