package capture

import (
	"context"
	"io"
)

// Fragment is one incremental recognition result within a batch.
type Fragment struct {
	// Text is the recognized span.
	Text string

	// Final marks the fragment as committed. Non-final fragments restate
	// the full current interim span and are superseded wholesale by the
	// next batch.
	Final bool

	// Confidence is the provider's confidence score (0.0–1.0). Zero when
	// the provider does not report one for interim results.
	Confidence float64
}

// Batch is one ordered delivery of fragments from the recognition service.
type Batch struct {
	// Cursor increases monotonically per session, starting at 1. Batches
	// are delivered in cursor order.
	Cursor uint64

	// Fragments holds the batch content in service order. May be empty
	// when the service sent a keep-alive with no recognizable content.
	Fragments []Fragment
}

// SessionConfig describes the audio format and recognition settings for one
// listening activation. The locale is fixed per session; providers run in
// single-utterance mode with interim results enabled.
type SessionConfig struct {
	// Language is the BCP-47 tag for recognition (e.g., "ja-JP", "en-US").
	Language string

	// SampleRate is the source sample rate in Hz (e.g., 16000).
	SampleRate int

	// Channels is the source channel count. 1 = mono.
	Channels int

	// Vocabulary lists recognition hint phrases (practice vocabulary).
	Vocabulary []string
}

// AudioSource opens the platform microphone stream for one session. The
// returned bytes are passed through to the recognition service opaquely;
// no decoding or resampling happens in this module. An os.ErrPermission
// from Open maps to a permission-denied fault.
type AudioSource func(ctx context.Context) (io.ReadCloser, error)
