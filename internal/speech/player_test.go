package speech_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mkurimoto/kaiwa/internal/speech"
	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
	"github.com/mkurimoto/kaiwa/pkg/provider/synth/mock"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// nextEvent receives one player event or fails the test after a timeout.
func nextEvent(t *testing.T, ch <-chan speech.Event) speech.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed while waiting for an event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a player event")
	}
	return speech.Event{}
}

// errWriter fails every write with a fixed error.
type errWriter struct{ err error }

func (w errWriter) Write(p []byte) (int, error) { return 0, w.err }

// --- Speaking ---

func TestPlayer_SpeaksToCompletion(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: [][]byte{[]byte("aud1"), []byte("aud2")}}
	cfg := synth.SpeechConfig{
		Voice:    synth.VoiceProfile{ID: "v1", Name: "Haru"},
		Language: "ja-JP",
	}
	var sink bytes.Buffer
	p := speech.NewPlayer(prov, cfg, speech.WithSink(&sink))
	defer p.Close()

	id := p.Speak(context.Background(), "いいですね！")
	if id != 1 {
		t.Fatalf("Speak returned ID %d, want 1", id)
	}

	ev := nextEvent(t, p.Events())
	if ev.Kind != speech.EventStarted || ev.Utterance != id {
		t.Fatalf("first event = %+v, want Started for utterance %d", ev, id)
	}

	ev = nextEvent(t, p.Events())
	if ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("second event = %+v, want Ended for utterance %d", ev, id)
	}
	if ev.Err != nil {
		t.Errorf("Ended.Err = %v, want nil after natural completion", ev.Err)
	}
	if ev.Bytes != 8 || ev.Chunks != 2 {
		t.Errorf("Ended metering = %d bytes / %d chunks, want 8 / 2", ev.Bytes, ev.Chunks)
	}
	if got := sink.String(); got != "aud1aud2" {
		t.Errorf("sink content = %q, want %q", got, "aud1aud2")
	}
	if _, active := p.Active(); active {
		t.Error("Active reports an utterance after its terminal event")
	}

	if len(prov.SynthesizeCalls) != 1 {
		t.Fatalf("Synthesize called %d times, want 1", len(prov.SynthesizeCalls))
	}
	call := prov.SynthesizeCalls[0]
	if call.Text != "いいですね！" {
		t.Errorf("Synthesize text = %q, want %q", call.Text, "いいですね！")
	}
	if call.Config.Voice.ID != "v1" || call.Config.Language != "ja-JP" {
		t.Errorf("Synthesize config = %+v, want voice v1 / ja-JP", call.Config)
	}
}

func TestPlayer_UtteranceIDsMonotonic(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: [][]byte{[]byte("a")}}
	p := speech.NewPlayer(prov, synth.SpeechConfig{})
	defer p.Close()

	for want := int64(1); want <= 3; want++ {
		id := p.Speak(context.Background(), "hello")
		if id != want {
			t.Fatalf("Speak returned ID %d, want %d", id, want)
		}
		if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted || ev.Utterance != want {
			t.Fatalf("event = %+v, want Started for utterance %d", ev, want)
		}
		if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventEnded || ev.Utterance != want {
			t.Fatalf("event = %+v, want Ended for utterance %d", ev, want)
		}
	}
}

// --- Cancellation ---

func TestPlayer_CancelDeliversTerminal(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Block: make(chan struct{})}
	p := speech.NewPlayer(prov, synth.SpeechConfig{})
	defer p.Close()

	id := p.Speak(context.Background(), "long reply")
	if got, active := p.Active(); !active || got != id {
		t.Fatalf("Active = (%d, %v), want (%d, true) while in flight", got, active, id)
	}
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted {
		t.Fatalf("first event = %+v, want Started", ev)
	}

	p.Cancel()

	ev := nextEvent(t, p.Events())
	if ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("event after Cancel = %+v, want Ended for utterance %d", ev, id)
	}
	if ev.Err != nil {
		t.Errorf("Ended.Err = %v, want nil after cancellation", ev.Err)
	}
	if _, active := p.Active(); active {
		t.Error("Active reports an utterance after cancellation")
	}
}

func TestPlayer_CancelWithoutUtterance(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: [][]byte{[]byte("a")}}
	p := speech.NewPlayer(prov, synth.SpeechConfig{})
	defer p.Close()

	p.Cancel()

	select {
	case ev := <-p.Events():
		t.Fatalf("Cancel on an idle player emitted %+v", ev)
	default:
	}

	// The player still works afterwards.
	id := p.Speak(context.Background(), "hello")
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted || ev.Utterance != id {
		t.Fatalf("event = %+v, want Started for utterance %d", ev, id)
	}
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("event = %+v, want Ended for utterance %d", ev, id)
	}
}

func TestPlayer_ContextCancelCutsOff(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Block: make(chan struct{})}
	p := speech.NewPlayer(prov, synth.SpeechConfig{})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	id := p.Speak(ctx, "long reply")
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted {
		t.Fatalf("first event = %+v, want Started", ev)
	}

	cancel()

	ev := nextEvent(t, p.Events())
	if ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("event after ctx cancel = %+v, want Ended for utterance %d", ev, id)
	}
	if ev.Err != nil {
		t.Errorf("Ended.Err = %v, want nil after context cancellation", ev.Err)
	}
}

// --- Supersession ---

func TestPlayer_SpeakSupersedesInProgressUtterance(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Block: make(chan struct{})}
	p := speech.NewPlayer(prov, synth.SpeechConfig{})
	defer p.Close()

	first := p.Speak(context.Background(), "first")
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted || ev.Utterance != first {
		t.Fatalf("event = %+v, want Started for utterance %d", ev, first)
	}

	second := p.Speak(context.Background(), "second")
	if second != first+1 {
		t.Fatalf("second Speak returned ID %d, want %d", second, first+1)
	}

	// The superseded terminal and the successor's start race; collect both.
	var endedFirst, startedSecond bool
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, p.Events())
		switch {
		case ev.Kind == speech.EventEnded && ev.Utterance == first:
			if ev.Err != nil {
				t.Errorf("superseded Ended.Err = %v, want nil", ev.Err)
			}
			endedFirst = true
		case ev.Kind == speech.EventStarted && ev.Utterance == second:
			startedSecond = true
		default:
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	if !endedFirst || !startedSecond {
		t.Fatalf("missing events: endedFirst=%v startedSecond=%v", endedFirst, startedSecond)
	}

	p.Cancel()
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventEnded || ev.Utterance != second {
		t.Fatalf("event = %+v, want Ended for utterance %d", ev, second)
	}

	if len(prov.SynthesizeCalls) != 2 {
		t.Fatalf("Synthesize called %d times, want 2", len(prov.SynthesizeCalls))
	}
	if prov.SynthesizeCalls[0].Text != "first" || prov.SynthesizeCalls[1].Text != "second" {
		t.Errorf("Synthesize texts = %q, %q, want \"first\", \"second\"",
			prov.SynthesizeCalls[0].Text, prov.SynthesizeCalls[1].Text)
	}
}

// --- Failures ---

func TestPlayer_StartFailureEmitsTerminal(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{
		SynthesizeErr: types.Faultf(types.KindSynthesisUnavailable, "no synthesis capability"),
	}
	p := speech.NewPlayer(prov, synth.SpeechConfig{})
	defer p.Close()

	id := p.Speak(context.Background(), "hello")
	if id == 0 {
		t.Fatal("Speak returned 0 for a failed start; terminal events need an ID")
	}

	ev := nextEvent(t, p.Events())
	if ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("event = %+v, want Ended for utterance %d with no Started", ev, id)
	}
	if ev.Err == nil {
		t.Fatal("Ended.Err = nil, want the start failure")
	}
	if kind := types.KindOf(ev.Err); kind != types.KindSynthesisUnavailable {
		t.Errorf("KindOf(Ended.Err) = %v, want KindSynthesisUnavailable", kind)
	}
	if _, active := p.Active(); active {
		t.Error("Active reports an utterance after a failed start")
	}
}

func TestPlayer_StreamFaultPropagates(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{
		Chunks:    [][]byte{[]byte("aud1")},
		StreamErr: types.Faultf(types.KindSynthesisUnavailable, "render failed"),
	}
	var sink bytes.Buffer
	p := speech.NewPlayer(prov, synth.SpeechConfig{}, speech.WithSink(&sink))
	defer p.Close()

	id := p.Speak(context.Background(), "hello")
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted {
		t.Fatalf("first event = %+v, want Started", ev)
	}

	ev := nextEvent(t, p.Events())
	if ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("event = %+v, want Ended for utterance %d", ev, id)
	}
	if ev.Err == nil {
		t.Fatal("Ended.Err = nil, want the stream fault")
	}
	if kind := types.KindOf(ev.Err); kind != types.KindSynthesisUnavailable {
		t.Errorf("KindOf(Ended.Err) = %v, want KindSynthesisUnavailable", kind)
	}
	if ev.Bytes != 4 || ev.Chunks != 1 {
		t.Errorf("Ended metering = %d bytes / %d chunks, want 4 / 1", ev.Bytes, ev.Chunks)
	}
}

func TestPlayer_SinkFailureEndsUtterance(t *testing.T) {
	t.Parallel()

	errBroken := errors.New("device unplugged")
	prov := &mock.Provider{Chunks: [][]byte{[]byte("aud1"), []byte("aud2")}}
	p := speech.NewPlayer(prov, synth.SpeechConfig{}, speech.WithSink(errWriter{err: errBroken}))
	defer p.Close()

	id := p.Speak(context.Background(), "hello")
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted {
		t.Fatalf("first event = %+v, want Started", ev)
	}

	ev := nextEvent(t, p.Events())
	if ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("event = %+v, want Ended for utterance %d", ev, id)
	}
	if !errors.Is(ev.Err, errBroken) {
		t.Errorf("Ended.Err = %v, want it to wrap the sink error", ev.Err)
	}
	if ev.Chunks != 0 {
		t.Errorf("Ended.Chunks = %d, want 0 after the first write failed", ev.Chunks)
	}
}

// --- Lifecycle ---

func TestPlayer_CloseWaitsAndClosesEvents(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Chunks: [][]byte{[]byte("a")}}
	p := speech.NewPlayer(prov, synth.SpeechConfig{})

	id := p.Speak(context.Background(), "hello")
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted || ev.Utterance != id {
		t.Fatalf("event = %+v, want Started for utterance %d", ev, id)
	}
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("event = %+v, want Ended for utterance %d", ev, id)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close returned %v", err)
	}
	if _, ok := <-p.Events(); ok {
		t.Error("Events channel still open after Close")
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if id := p.Speak(context.Background(), "again"); id != 0 {
		t.Errorf("Speak after Close returned %d, want 0", id)
	}
}

func TestPlayer_CloseCancelsInFlightUtterance(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Block: make(chan struct{})}
	p := speech.NewPlayer(prov, synth.SpeechConfig{})

	id := p.Speak(context.Background(), "long reply")
	if ev := nextEvent(t, p.Events()); ev.Kind != speech.EventStarted {
		t.Fatalf("first event = %+v, want Started", ev)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Close(); err != nil {
			t.Errorf("Close returned %v", err)
		}
	}()

	// Close blocks until the utterance unwinds; its terminal is still
	// delivered before the channel closes.
	ev := nextEvent(t, p.Events())
	if ev.Kind != speech.EventEnded || ev.Utterance != id {
		t.Fatalf("event = %+v, want Ended for utterance %d", ev, id)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the utterance ended")
	}
	if _, ok := <-p.Events(); ok {
		t.Error("Events channel still open after Close")
	}
}
