package turn

import (
	"github.com/mkurimoto/kaiwa/internal/capture"
	capprov "github.com/mkurimoto/kaiwa/pkg/provider/capture"
)

// event is the sealed set of inputs processed by the controller loop. Every
// state change in the controller is a response to exactly one event.
type event interface {
	isEvent()
}

// toggleEvent is the single user intent: start listening, stop listening, or
// barge in, depending on the current phase.
type toggleEvent struct{}

// captureStartedEvent resolves an asynchronous capture start. On success the
// runner is live and fragment batches will follow; on failure err carries the
// fault and no session exists.
type captureStartedEvent struct {
	runner *capture.Runner
	err    error
}

// fragmentEvent delivers one recognition batch from the live capture session.
type fragmentEvent struct {
	batch capprov.Batch
}

// captureEndedEvent is the capture session's single terminal event, whether
// the stop was explicit, silence driven, or a failure. err is nil on a clean
// end.
type captureEndedEvent struct {
	err error
}

// backendReplyEvent resolves an in-flight backend call with the reply text or
// an error.
type backendReplyEvent struct {
	text string
	err  error
}

// speechStartedEvent reports that audio for the identified utterance is about
// to flow.
type speechStartedEvent struct {
	utterance int64
}

// speechEndedEvent is an utterance's single terminal event. err is nil on
// natural completion and on cancellation.
type speechEndedEvent struct {
	utterance int64
	err       error
}

func (toggleEvent) isEvent()         {}
func (captureStartedEvent) isEvent() {}
func (fragmentEvent) isEvent()       {}
func (captureEndedEvent) isEvent()   {}
func (backendReplyEvent) isEvent()   {}
func (speechStartedEvent) isEvent()  {}
func (speechEndedEvent) isEvent()    {}
