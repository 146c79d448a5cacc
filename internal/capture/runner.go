// Package capture runs bounded listening activations on top of a
// pkg/provider/capture backend.
//
// Start performs the provider preflight, opens one session, and pumps its
// batches onto a single ordered event stream. The stream always terminates
// with exactly one ended event carrying the session's terminal fault, if
// any, and then closes; batch events are delivered strictly in arrival
// order ahead of it. Stop requests graceful termination and returns
// immediately, with the ended event still to come. The recognition engine
// runs in single-utterance mode and stops by itself after a pause, so the
// ended event is the one reliable end-of-attempt signal whether the stop
// was explicit, silence driven, or a failure.
package capture

import (
	"context"
	"fmt"

	provider "github.com/mkurimoto/kaiwa/pkg/provider/capture"
)

// defaultEventBuf is the default buffer depth of the event channel. Batches
// can burst faster than the consumer's loop turns over, so the buffer is
// sized to absorb a short run of interim results without blocking the pump.
const defaultEventBuf = 32

// EventKind discriminates the notifications a Runner emits.
type EventKind int

const (
	// EventBatch carries one recognition batch, in arrival order.
	EventBatch EventKind = iota

	// EventEnded signals that the activation is over. It is delivered
	// exactly once, after the last batch, and the event channel closes
	// right after it.
	EventEnded
)

// Event is one notification from a listening activation.
type Event struct {
	// Kind discriminates the event.
	Kind EventKind

	// Batch is the recognition batch, set on EventBatch.
	Batch provider.Batch

	// Err is the terminal fault, set on EventEnded. It is nil when the
	// activation ended cleanly (silence auto-stop or an explicit Stop).
	Err error
}

// Option is a functional option for configuring a Runner at Start.
type Option func(*Runner)

// WithEventBuffer sets the buffer capacity of the channel returned by
// [Runner.Events]. Default is 32.
func WithEventBuffer(n int) Option {
	return func(r *Runner) { r.eventBuf = n }
}

// Runner is one live listening activation. It is created by Start and is
// done once its event channel closes; a Runner is never reused.
//
// The consumer must drain the Events channel. The pump blocks once its
// buffer fills, which in turn backpressures the provider session.
type Runner struct {
	session  provider.Session
	eventBuf int
	events   chan Event
}

// Start opens one listening activation: it runs the provider preflight,
// starts a session with cfg, and begins pumping events. A preflight or
// session-start failure is returned directly and no activation exists
// afterwards; the fault kinds follow the provider contract
// (KindCaptureUnavailable for a missing capability, KindPermissionDenied
// for a refused microphone or API permission).
func Start(ctx context.Context, p provider.Provider, cfg provider.SessionConfig, opts ...Option) (*Runner, error) {
	r := &Runner{eventBuf: defaultEventBuf}
	for _, o := range opts {
		o(r)
	}

	if err := p.Preflight(ctx); err != nil {
		return nil, fmt.Errorf("capture: preflight: %w", err)
	}
	sess, err := p.StartSession(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("capture: session start: %w", err)
	}

	r.session = sess
	r.events = make(chan Event, r.eventBuf)
	go r.pump()
	return r, nil
}

// Events returns the activation's event stream: zero or more EventBatch
// values in arrival order, then exactly one EventEnded, then the close.
func (r *Runner) Events() <-chan Event {
	return r.events
}

// Stop requests graceful termination. It returns immediately; the engine
// winds down on its own schedule and the ended event still arrives. Stop is
// idempotent, and calling it after the activation already ended is a no-op.
func (r *Runner) Stop() {
	r.session.Stop()
}

// pump forwards session batches until the session closes, then emits the
// single ended event and closes the event channel.
func (r *Runner) pump() {
	for b := range r.session.Results() {
		r.events <- Event{Kind: EventBatch, Batch: b}
	}
	err := r.session.Err()
	if err != nil {
		err = fmt.Errorf("capture: session ended: %w", err)
	}
	r.events <- Event{Kind: EventEnded, Err: err}
	close(r.events)
}
