// Package capture defines the Provider interface for streaming
// speech-to-text capture backends.
//
// A capture provider wraps a real-time recognition service (e.g., Deepgram
// or Google Cloud Speech-to-Text) together with the platform audio source
// feeding it, and exposes one bounded listening activation at a time. The
// central abstraction is Session: once started, a session emits ordered
// Batch values (interleaved interim and final fragments exactly as the
// service produced them) until the engine stops listening.
//
// Sessions are single-utterance: the service is configured to auto-stop
// after a pause, so the closing of the Results channel is the one reliable
// "listening attempt is complete" signal. Callers must not assume Stop
// synchronously ends the session.
//
// Implementations must be safe for concurrent use.
package capture

import "context"

// Session represents one bounded activation of continuous listening.
//
// The zero-or-more batches emitted on Results are strictly ordered by
// Cursor. The channel is closed exactly once when the underlying engine
// stops, whether due to silence auto-stop, an error, or an explicit Stop
// call. After the close, Err reports the terminal error, if any.
type Session interface {
	// Results returns the ordered batch stream. Closed exactly once when
	// the session ends; never reopened.
	Results() <-chan Batch

	// Stop requests graceful termination. It returns immediately; the
	// Results channel still closes afterwards (never twice). Stop is
	// idempotent and safe to call after the session has already ended on
	// its own; the late call is a no-op.
	Stop()

	// Err returns the error that terminated the session, or nil for a
	// clean end. Valid only after Results is closed. Errors carry a
	// types.Fault classification where the provider can determine one.
	Err() error
}

// Provider is the abstraction over any streaming capture backend.
type Provider interface {
	// Preflight verifies the capture capability is usable before a session
	// start: credentials present, audio source configured, service
	// constructible. It is called before every StartSession. A missing
	// capability yields a fault of kind KindCaptureUnavailable; a refused
	// microphone or API permission yields KindPermissionDenied.
	Preflight(ctx context.Context) error

	// StartSession opens one listening activation with the given
	// configuration. On success the returned Session is live and emitting.
	// The caller owns the Session until its Results channel closes.
	StartSession(ctx context.Context, cfg SessionConfig) (Session, error)
}
