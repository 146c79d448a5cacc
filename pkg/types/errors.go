package types

import (
	"errors"
	"fmt"
)

// Kind classifies a failure anywhere in the capture → backend → synthesis
// pipeline. Kinds are stable identifiers: they drive the controller's
// recovery policy, the user-visible error notice, metrics labels, and
// journal rows.
type Kind int

const (
	// KindUnknown covers failures that match no other kind. Carries detail.
	KindUnknown Kind = iota

	// KindConfigurationMissing is fatal: required configuration (provider
	// selection, credentials) is absent. Initialization halts; there is no
	// recovery path.
	KindConfigurationMissing

	// KindCaptureUnavailable means no speech recognition capability exists
	// or the provider could not be reached at session start.
	KindCaptureUnavailable

	// KindPermissionDenied means microphone or API access was refused,
	// either during the preflight check or mid-session.
	KindPermissionDenied

	// KindNoSpeech means the capture session ended without detecting any
	// speech.
	KindNoSpeech

	// KindAudioCaptureFailure means the audio stream broke mid-session.
	KindAudioCaptureFailure

	// KindSynthesisUnavailable means no speech synthesis capability exists
	// or the provider rejected the utterance.
	KindSynthesisUnavailable

	// KindBackendFailure means the conversation backend call failed
	// (network, quota, server error). Carries detail. The turn is not
	// aborted: the fallback reply is substituted and spoken.
	KindBackendFailure

	// KindTimeout means a bounded wait on the backend expired. Routed
	// through the same fallback-reply path as KindBackendFailure.
	KindTimeout
)

// String returns the stable name of the kind, suitable for metric labels
// and journal rows.
func (k Kind) String() string {
	switch k {
	case KindConfigurationMissing:
		return "configuration_missing"
	case KindCaptureUnavailable:
		return "capture_unavailable"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNoSpeech:
		return "no_speech"
	case KindAudioCaptureFailure:
		return "audio_capture_failure"
	case KindSynthesisUnavailable:
		return "synthesis_unavailable"
	case KindBackendFailure:
		return "backend_failure"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Fatal reports whether the kind terminates the process rather than the
// current turn.
func (k Kind) Fatal() bool {
	return k == KindConfigurationMissing
}

// Fault is an error carrying a [Kind]. Providers wrap their underlying
// errors in a Fault so the controller can classify failures without
// knowing provider internals.
type Fault struct {
	// Kind is the classification.
	Kind Kind

	// Err is the underlying cause. May be nil when the kind alone says
	// everything (e.g. no speech detected).
	Err error
}

// NewFault wraps err with the given kind. err may be nil.
func NewFault(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Faultf wraps a formatted error with the given kind.
func Faultf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return f.Kind.String() + ": " + f.Err.Error()
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (f *Fault) Unwrap() error {
	return f.Err
}

// KindOf extracts the [Kind] from err. Errors that carry no Fault anywhere
// in their chain classify as [KindUnknown]. A nil error has no kind; callers
// must not classify nil.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}
