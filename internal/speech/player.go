// Package speech plays synthesized replies aloud, one utterance at a time.
//
// Player owns the speak lifecycle on top of a synth.Provider. Speak starts a
// synthesis stream and pumps its audio chunks to a configurable sink; calling
// it again supersedes the utterance in progress, and Cancel cuts playback off
// without a replacement. Every utterance produces exactly one terminal event,
// even when synthesis never started, so a caller waiting for "finished
// speaking" is never left hanging. Events carry the utterance ID returned by
// Speak, which lets callers tell a stale terminal from the current one after
// a cancel-then-speak sequence.
//
// Playback device integration is out of scope for this package. The default
// sink discards audio after metering it; wire an io.Writer via WithSink to
// route chunks to a device or file.
package speech

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
)

// defaultEventBuf is the default buffer depth of the event channel. Each
// utterance emits at most two events, so this absorbs several turns of
// consumer lag without blocking playback goroutines.
const defaultEventBuf = 16

// EventKind discriminates the notifications a Player emits.
type EventKind int

const (
	// EventStarted signals that synthesis for an utterance has begun and
	// audio is about to flow to the sink.
	EventStarted EventKind = iota

	// EventEnded signals that an utterance reached its terminal state. It is
	// delivered exactly once per utterance, whether playback completed, was
	// cancelled, was superseded by a newer Speak call, or never started
	// because synthesis failed.
	EventEnded
)

// Event is a playback notification.
type Event struct {
	// Kind discriminates the event.
	Kind EventKind

	// Utterance is the ID returned by the Speak call this event belongs to.
	Utterance int64

	// Err is the terminal fault for EventEnded. It is nil after natural
	// completion and after cancellation or supersession.
	Err error

	// Bytes is the total audio delivered to the sink, set on EventEnded.
	Bytes int64

	// Chunks is the number of audio chunks delivered, set on EventEnded.
	Chunks int
}

// Option is a functional option for configuring a Player during construction.
type Option func(*Player)

// WithSink routes audio chunks to w instead of discarding them. A write
// failure ends the utterance with a fault, so w should only fail when
// playback is genuinely broken.
func WithSink(w io.Writer) Option {
	return func(p *Player) { p.sink = w }
}

// WithEventBuffer sets the buffer capacity of the channel returned by
// [Player.Events]. Default is 16.
func WithEventBuffer(n int) Option {
	return func(p *Player) { p.eventBuf = n }
}

// Player speaks one utterance at a time through a synthesis provider.
//
// Player is safe for concurrent use. The consumer must drain the Events
// channel: terminal events are delivered on it, and playback goroutines
// block once its buffer fills.
type Player struct {
	provider synth.Provider
	cfg      synth.SpeechConfig
	sink     io.Writer
	eventBuf int
	events   chan Event

	mu      sync.Mutex
	current *utterance
	nextID  int64
	closed  bool

	// sinkMu serialises sink writes across utterances so a superseded
	// utterance cannot interleave audio with its successor.
	sinkMu sync.Mutex

	// wg tracks playback goroutines so Close (and tests) can synchronise
	// with the end of the in-flight utterance.
	wg sync.WaitGroup
}

// utterance is one live Speak invocation.
type utterance struct {
	id     int64
	cancel context.CancelFunc
}

// NewPlayer constructs a Player that synthesizes through provider, using cfg
// for every utterance. Options are applied after defaults.
func NewPlayer(provider synth.Provider, cfg synth.SpeechConfig, opts ...Option) *Player {
	p := &Player{
		provider: provider,
		cfg:      cfg,
		sink:     io.Discard,
		eventBuf: defaultEventBuf,
	}
	for _, o := range opts {
		o(p)
	}
	// Create the event channel after options so WithEventBuffer takes effect.
	p.events = make(chan Event, p.eventBuf)
	return p
}

// Speak starts synthesizing text and returns the new utterance's ID. Any
// utterance already in progress is cancelled first; its terminal event is
// still delivered. Speak does not block on synthesis: start failures and
// stream faults arrive as the utterance's EventEnded. Cancelling ctx cuts
// the utterance off the same way Cancel does.
//
// After Close, Speak does nothing and returns 0.
func (p *Player) Speak(ctx context.Context, text string) int64 {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	if p.current != nil {
		p.current.cancel()
	}
	p.nextID++
	id := p.nextID
	uctx, cancel := context.WithCancel(ctx)
	p.current = &utterance{id: id, cancel: cancel}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(uctx, cancel, id, text)
	return id
}

// Cancel cuts off the utterance in progress, if any. It returns immediately;
// the utterance's terminal event still arrives on Events. Cancelling while
// nothing is playing is a no-op.
func (p *Player) Cancel() {
	p.mu.Lock()
	cur := p.current
	p.current = nil
	p.mu.Unlock()
	if cur != nil {
		cur.cancel()
	}
}

// Active reports the ID of the utterance in progress. ok is false when the
// player is idle.
func (p *Player) Active() (id int64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return 0, false
	}
	return p.current.id, true
}

// Events returns the channel on which playback notifications are delivered.
// The channel is assigned once in [NewPlayer] and never mutated, so no lock
// is required; it is closed by [Player.Close].
func (p *Player) Events() <-chan Event {
	return p.events
}

// Wait blocks until the playback goroutines of all utterances spoken so far
// have finished. This is primarily useful in tests to synchronise before
// inspecting the sink.
func (p *Player) Wait() {
	p.wg.Wait()
}

// Close cancels any utterance in progress, waits for its goroutine to
// unwind, and closes the Events channel. Close is safe to call multiple
// times; subsequent calls return nil.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cur := p.current
	p.current = nil
	p.mu.Unlock()

	if cur != nil {
		cur.cancel()
	}
	p.wg.Wait()
	close(p.events)
	return nil
}

// run executes one utterance's playback lifecycle. It emits exactly one
// EventEnded for id before returning.
func (p *Player) run(ctx context.Context, cancel context.CancelFunc, id int64, text string) {
	defer p.wg.Done()
	// Release the utterance context so the provider's pipeline unwinds even
	// when the stream ends on its own.
	defer cancel()

	stream, err := p.provider.Synthesize(ctx, text, p.cfg)
	if err != nil {
		p.finish(Event{
			Kind:      EventEnded,
			Utterance: id,
			Err:       fmt.Errorf("speech: synthesis start failed: %w", err),
		})
		return
	}
	p.emit(Event{Kind: EventStarted, Utterance: id})

	var (
		written   int64
		delivered int
		sinkErr   error
	)
	for chunk := range stream.Chunks() {
		// Once cancelled, discard the remainder while the provider closes
		// the stream. Draining keeps its internal goroutines from blocking.
		if ctx.Err() != nil {
			continue
		}
		p.sinkMu.Lock()
		if ctx.Err() != nil {
			p.sinkMu.Unlock()
			continue
		}
		n, werr := p.sink.Write(chunk)
		p.sinkMu.Unlock()
		written += int64(n)
		if werr != nil {
			if sinkErr == nil {
				sinkErr = werr
			}
			// A broken sink ends the utterance; stop the synthesis too.
			cancel()
			continue
		}
		delivered++
	}

	ev := Event{Kind: EventEnded, Utterance: id, Bytes: written, Chunks: delivered}
	switch {
	case sinkErr != nil:
		ev.Err = fmt.Errorf("speech: audio sink write failed: %w", sinkErr)
	case stream.Err() != nil:
		ev.Err = fmt.Errorf("speech: synthesis stream failed: %w", stream.Err())
	}
	p.finish(ev)
}

// finish clears the utterance from the player if it is still current, then
// emits its terminal event. Clearing first means Active already reports idle
// when the consumer receives the EventEnded.
func (p *Player) finish(ev Event) {
	p.mu.Lock()
	if p.current != nil && p.current.id == ev.Utterance {
		p.current = nil
	}
	p.mu.Unlock()
	p.emit(ev)
}

func (p *Player) emit(ev Event) {
	p.events <- ev
}
