package turn

import capprov "github.com/mkurimoto/kaiwa/pkg/provider/capture"

// effectKind enumerates the side effects the transition function can request.
type effectKind int

const (
	// fxResetTranscript clears the accumulator for a fresh capture session.
	fxResetTranscript effectKind = iota

	// fxStartCapture begins a new turn: preflight then session start, with
	// the outcome posted back as a captureStartedEvent.
	fxStartCapture

	// fxStopCapture requests graceful termination of the live session. A
	// no-op when no session is live yet; the session's ended event still
	// arrives either way.
	fxStopCapture

	// fxCancelSpeech cuts off the in-progress utterance (barge-in).
	fxCancelSpeech

	// fxApplyBatch merges one fragment batch into the transcript.
	fxApplyBatch

	// fxSubmit appends the USER message and starts the backend call with
	// the transition-selected submission text.
	fxSubmit

	// fxSpeakReply appends the SYSTEM message and speaks the reply text.
	fxSpeakReply

	// fxSpeakFallback appends and speaks the configured fallback reply in
	// place of a failed backend call.
	fxSpeakFallback
)

// effect is one side effect requested by the transition function, executed by
// the controller in slice order after the new state is committed. Ordering is
// load-bearing for barge-in: the cancel effect precedes the start effect.
type effect struct {
	kind  effectKind
	text  string
	batch capprov.Batch
}

// view is the read-only input to the transition function: the current state
// plus the two live values decisions depend on.
type view struct {
	state State

	// submission is the trimmed finalized transcript, empty when the
	// session produced nothing worth submitting.
	submission string

	// utterance is the active utterance ID, 0 when none. Terminal speech
	// events carrying any other ID are stale and ignored.
	utterance int64
}

// transition maps one event to the next state and the side effects that
// realise it. It is pure: all context arrives through the view, which makes
// the whole turn cycle testable with synthetic events and no audio, network,
// or clock.
func transition(v view, ev event) (State, []effect) {
	s := v.state

	switch ev := ev.(type) {
	case toggleEvent:
		switch s.Phase {
		case PhaseIdle:
			// The notice survives until the capture start succeeds.
			return State{Phase: PhaseListening, Notice: s.Notice},
				[]effect{{kind: fxResetTranscript}, {kind: fxStartCapture}}

		case PhaseListening:
			if s.StopPending {
				// The session is already winding down.
				return s, nil
			}
			return State{Phase: PhaseListening, StopPending: true, Notice: s.Notice},
				[]effect{{kind: fxStopCapture}}

		case PhaseSubmitting:
			// One backend call at a time: toggling is gated off here.
			return s, nil

		case PhaseSpeaking:
			// Barge-in. Cancel strictly before the new start so the old
			// utterance cannot outlive the new session's first fragment.
			return State{Phase: PhaseListening, Notice: s.Notice},
				[]effect{{kind: fxCancelSpeech}, {kind: fxResetTranscript}, {kind: fxStartCapture}}
		}
		return s, nil

	case captureStartedEvent:
		if s.Phase != PhaseListening {
			if ev.err == nil {
				// A session resolved after the phase moved on; shut it down.
				return s, []effect{{kind: fxStopCapture}}
			}
			return s, nil
		}
		if ev.err != nil {
			return State{Phase: PhaseIdle, Notice: noticeFrom(ev.err)}, nil
		}
		// A successful start clears the previous notice. Honour a stop the
		// user requested while the start was still in flight.
		next := State{Phase: PhaseListening, StopPending: s.StopPending}
		if s.StopPending {
			return next, []effect{{kind: fxStopCapture}}
		}
		return next, nil

	case fragmentEvent:
		if s.Phase != PhaseListening {
			return s, nil
		}
		return s, []effect{{kind: fxApplyBatch, batch: ev.batch}}

	case captureEndedEvent:
		if s.Phase != PhaseListening {
			return s, nil
		}
		if ev.err != nil {
			return State{Phase: PhaseIdle, Notice: noticeFrom(ev.err)}, nil
		}
		if v.submission == "" {
			// Empty-turn skip: no messages, straight back to idle.
			return State{Phase: PhaseIdle}, nil
		}
		return State{Phase: PhaseSubmitting}, []effect{{kind: fxSubmit, text: v.submission}}

	case backendReplyEvent:
		if s.Phase != PhaseSubmitting {
			return s, nil
		}
		if ev.err != nil {
			// The turn is not aborted: substitute the fallback reply and
			// keep the conversation alive. The notice still records the
			// failure.
			return State{Phase: PhaseSpeaking, Notice: noticeFrom(ev.err)},
				[]effect{{kind: fxSpeakFallback}}
		}
		return State{Phase: PhaseSpeaking}, []effect{{kind: fxSpeakReply, text: ev.text}}

	case speechStartedEvent:
		return s, nil

	case speechEndedEvent:
		if s.Phase != PhaseSpeaking || ev.utterance != v.utterance {
			// Stale terminal from a cancelled or superseded utterance.
			return s, nil
		}
		if ev.err != nil {
			return State{Phase: PhaseIdle, Notice: noticeFrom(ev.err)}, nil
		}
		return State{Phase: PhaseIdle, Notice: s.Notice}, nil
	}

	return s, nil
}
