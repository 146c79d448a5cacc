// Package mock provides a test double for the synth.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// the text and speech settings passed to the synthesis backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	st, _ := p.Synthesize(ctx, "こんにちは", synth.SpeechConfig{})
package mock

import (
	"context"
	"sync"

	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the utterance passed to Synthesize.
	Text string
	// Config is the SpeechConfig passed to Synthesize.
	Config synth.SpeechConfig
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of synth.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of audio byte slices emitted by every stream.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned from Synthesize instead of a
	// stream.
	SynthesizeErr error

	// StreamErr, if non-nil, becomes the stream's terminal error once the
	// chunks have been delivered.
	StreamErr error

	// Block, if non-nil, holds each stream open after its chunks until the
	// channel is closed or the utterance ctx is cancelled. Lets tests keep
	// an utterance in flight.
	Block chan struct{}

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []synth.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall
}

// Synthesize records the call and, if SynthesizeErr is nil, returns a stream
// that emits Chunks, optionally waits on Block, and closes with StreamErr as
// its terminal error. Cancelling ctx closes the stream without an error.
func (p *Provider) Synthesize(ctx context.Context, text string, cfg synth.SpeechConfig) (synth.Stream, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Config: cfg})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	streamErr := p.StreamErr
	block := p.Block
	p.mu.Unlock()

	st := &Stream{ch: make(chan []byte, len(chunks)+1)}
	go func() {
		defer close(st.ch)
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case st.ch <- audio:
			}
		}
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return
			}
		}
		if streamErr != nil {
			st.setErr(streamErr)
		}
	}()
	return st, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]synth.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = nil
}

// Stream is the synth.Stream implementation handed out by Provider.
type Stream struct {
	ch chan []byte

	mu  sync.Mutex
	err error
}

// Chunks returns the stream's audio channel.
func (s *Stream) Chunks() <-chan []byte { return s.ch }

// Err returns the configured terminal error once the channel is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Ensure the mocks implement the synth interfaces at compile time.
var (
	_ synth.Provider = (*Provider)(nil)
	_ synth.Stream   = (*Stream)(nil)
)
