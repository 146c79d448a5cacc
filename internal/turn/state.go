package turn

import "github.com/mkurimoto/kaiwa/pkg/types"

// Phase is the controller's position in the turn cycle. Exactly one phase is
// active at a time.
type Phase int

const (
	// PhaseIdle means no turn is in progress. Toggling starts one.
	PhaseIdle Phase = iota

	// PhaseListening means a capture session is active (or starting) and
	// fragments are flowing into the transcript. Toggling requests a stop;
	// the phase holds until the session's ended event arrives.
	PhaseListening

	// PhaseSubmitting means the finalized transcript has been sent to the
	// backend and the controller is waiting for the reply. Toggling is a
	// no-op in this phase.
	PhaseSubmitting

	// PhaseSpeaking means the reply is being spoken. Toggling cancels the
	// utterance and starts a new capture session (barge-in).
	PhaseSpeaking
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseSubmitting:
		return "submitting"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "invalid"
	}
}

// Notice is the transient user-visible error. The latest failure wins; a
// successful capture start clears it.
type Notice struct {
	// Kind classifies the failure.
	Kind types.Kind

	// Message is the display text.
	Message string
}

// State is the controller's visible condition.
type State struct {
	// Phase is the current turn phase.
	Phase Phase

	// StopPending is set while PhaseListening after the user has toggled
	// off, until the capture session's ended event arrives. Further toggles
	// are no-ops while set.
	StopPending bool

	// Notice is the current error notice, nil when none.
	Notice *Notice
}

func noticeFrom(err error) *Notice {
	return &Notice{Kind: types.KindOf(err), Message: err.Error()}
}
