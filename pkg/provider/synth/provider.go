// Package synth defines the Provider interface for speech synthesis backends.
//
// A synthesis provider wraps a text-to-speech service (e.g., ElevenLabs or a
// local Coqui server) and renders one utterance at a time. The primary entry
// point is Synthesize, which takes the complete reply text and returns a
// Stream of raw PCM audio chunks. kaiwa speaks at most one utterance at any
// moment, so there is no fragment pipelining here; discarding an in-progress
// utterance is expressed by cancelling the ctx passed to Synthesize.
//
// Implementations must be safe for concurrent use.
package synth

import "context"

// Stream is a single in-progress synthesis.
type Stream interface {
	// Chunks returns the channel on which raw PCM audio is delivered. The
	// channel is closed exactly once: when synthesis completes, when it
	// fails, or when the ctx passed to Synthesize is cancelled. The caller
	// must drain it to avoid blocking the provider's internal goroutines.
	Chunks() <-chan []byte

	// Err reports why the stream ended. It returns nil after a complete
	// synthesis and after a cancellation through ctx, and the terminal
	// fault otherwise. Only valid once Chunks is closed.
	Err() error
}

// Provider is the abstraction over any speech synthesis backend.
type Provider interface {
	// Synthesize renders text as speech using cfg. It returns a non-nil
	// error only when the stream cannot be started at all; failures after
	// that point are reported through Stream.Err. Cancelling ctx discards
	// the rest of the utterance and closes the stream without a fault.
	Synthesize(ctx context.Context, text string, cfg SpeechConfig) (Stream, error)

	// ListVoices returns all voice profiles available from this provider.
	// The list reflects the provider's current catalogue and may change
	// between calls if the underlying service adds or removes voices.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
