// Package google provides a Google Cloud Speech-to-Text capture provider.
// It implements the capture.Provider interface.
//
// Sessions use the streaming recognize API in single-utterance mode with
// interim results enabled, so the service ends the session itself after the
// speaker pauses. Requires GOOGLE_APPLICATION_CREDENTIALS (or ambient GCP
// credentials) for the client.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mkurimoto/kaiwa/pkg/provider/capture"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

const (
	defaultSampleRate = 16000

	// flushGrace bounds how long Stop waits for trailing finals after the
	// audio side is closed before cancelling the stream outright.
	flushGrace = 3 * time.Second
)

var errNoSource = errors.New("google: no audio source configured")

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithSource sets the audio source opened for every session.
func WithSource(src capture.AudioSource) Option {
	return func(p *Provider) {
		p.source = src
	}
}

// Provider implements capture.Provider using Google Cloud Speech-to-Text.
type Provider struct {
	client *speech.Client
	source capture.AudioSource
}

// Ensure Provider satisfies the capture.Provider interface at compile time.
var _ capture.Provider = (*Provider)(nil)

// New creates the provider and its API client. Client construction fails
// when no usable GCP credentials are available.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, types.NewFault(types.KindCaptureUnavailable,
			fmt.Errorf("google: new client: %w", err))
	}
	p := &Provider{client: c}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the underlying API client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Preflight verifies the session prerequisites.
func (p *Provider) Preflight(_ context.Context) error {
	if p.source == nil {
		return types.NewFault(types.KindCaptureUnavailable, errNoSource)
	}
	return nil
}

// StartSession opens the audio source and a streaming recognize call, sends
// the recognition config as the first message, and begins pumping.
func (p *Provider) StartSession(ctx context.Context, cfg capture.SessionConfig) (capture.Session, error) {
	if err := p.Preflight(ctx); err != nil {
		return nil, err
	}

	src, err := p.source(ctx)
	if err != nil {
		kind := types.KindCaptureUnavailable
		if errors.Is(err, os.ErrPermission) {
			kind = types.KindPermissionDenied
		}
		return nil, types.NewFault(kind, fmt.Errorf("google: open source: %w", err))
	}

	sessCtx, cancel := context.WithCancel(ctx)
	stream, err := p.client.StreamingRecognize(sessCtx)
	if err != nil {
		cancel()
		_ = src.Close()
		return nil, faultFromStatus(fmt.Errorf("google: streaming recognize: %w", err))
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	recCfg := &speechpb.RecognitionConfig{
		Encoding:        speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz: int32(sr),
		LanguageCode:    cfg.Language,
	}
	if len(cfg.Vocabulary) > 0 {
		recCfg.SpeechContexts = []*speechpb.SpeechContext{{Phrases: cfg.Vocabulary}}
	}

	// The streaming config must be the first message on the stream.
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          recCfg,
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	})
	if err != nil {
		cancel()
		_ = src.Close()
		return nil, faultFromStatus(fmt.Errorf("google: send config: %w", err))
	}

	sess := &session{
		stream:   stream,
		cancel:   cancel,
		src:      src,
		results:  make(chan capture.Batch, 64),
		stopc:    make(chan struct{}),
		endAudio: make(chan struct{}),
		readDone: make(chan struct{}),
	}

	sess.wg.Add(1)
	go sess.pumpLoop()
	go sess.readLoop()
	go sess.supervise()

	return sess, nil
}

// ---- session ----

// session is one live streaming recognize activation. It implements
// capture.Session.
type session struct {
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	src    io.ReadCloser

	results  chan capture.Batch
	stopc    chan struct{}
	endAudio chan struct{}
	readDone chan struct{}

	stopOnce sync.Once
	endOnce  sync.Once
	wg       sync.WaitGroup

	cursor uint64

	errMu sync.Mutex
	err   error
}

// Results returns the ordered batch stream.
func (s *session) Results() <-chan capture.Batch { return s.results }

// Err returns the terminal session error, valid after Results closes.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop requests graceful termination. Safe to call more than once and after
// the session has already ended.
func (s *session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopc)
	})
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) stopping() bool {
	select {
	case <-s.stopc:
		return true
	default:
		return false
	}
}

// closeAudio ends the audio half of the stream exactly once; the service
// then finalizes whatever it has heard.
func (s *session) closeAudio() {
	s.endOnce.Do(func() {
		close(s.endAudio)
		_ = s.stream.CloseSend()
	})
}

func (s *session) supervise() {
	select {
	case <-s.stopc:
		_ = s.src.Close()
		s.closeAudio()
		select {
		case <-s.readDone:
		case <-time.After(flushGrace):
		}
	case <-s.readDone:
	}

	s.cancel()
	_ = s.src.Close()
	<-s.readDone
	s.wg.Wait()
}

// pumpLoop copies source audio onto the stream until the source drains, the
// audio half is closed, or the session stops.
func (s *session) pumpLoop() {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopc:
			return
		case <-s.endAudio:
			return
		case <-s.readDone:
			return
		default:
		}

		n, err := s.src.Read(buf)
		if n > 0 {
			sendErr := s.stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: buf[:n],
				},
			})
			if sendErr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopping() {
				s.setErr(types.NewFault(types.KindAudioCaptureFailure,
					fmt.Errorf("google: read source: %w", err)))
			}
			s.closeAudio()
			return
		}
	}
}

// readLoop receives streaming responses, numbers them into batches, and ends
// when the stream does. In single-utterance mode the service closes the
// stream itself once the utterance is finalized.
func (s *session) readLoop() {
	defer close(s.readDone)
	defer close(s.results)

	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopping() && s.Err() == nil {
				if st, ok := status.FromError(err); !ok || st.Code() != codes.Canceled {
					s.setErr(faultFromStatus(fmt.Errorf("google: recv: %w", err)))
				}
			}
			return
		}

		if resp.SpeechEventType == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			// No further audio is accepted; flush our half so the service
			// delivers the final result and closes the stream.
			s.closeAudio()
			continue
		}

		frags := fragmentsFromResponse(resp)
		if len(frags) == 0 {
			continue
		}
		s.cursor++
		select {
		case s.results <- capture.Batch{Cursor: s.cursor, Fragments: frags}:
		case <-s.stopc:
			return
		}
	}
}

// fragmentsFromResponse flattens a streaming response into ordered fragments.
// A single response may carry a final result followed by the interim tail of
// the next segment; the order is preserved.
func fragmentsFromResponse(resp *speechpb.StreamingRecognizeResponse) []capture.Fragment {
	var frags []capture.Fragment
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if alt.Transcript == "" && r.IsFinal {
			continue
		}
		frags = append(frags, capture.Fragment{
			Text:       alt.Transcript,
			Final:      r.IsFinal,
			Confidence: float64(alt.Confidence),
		})
	}
	return frags
}

// faultFromStatus classifies a gRPC error into the shared fault taxonomy.
// status.FromError walks the wrap chain itself.
func faultFromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return types.NewFault(types.KindAudioCaptureFailure, err)
	}
	switch st.Code() {
	case codes.PermissionDenied, codes.Unauthenticated:
		return types.NewFault(types.KindPermissionDenied, err)
	case codes.Unavailable, codes.Unimplemented:
		return types.NewFault(types.KindCaptureUnavailable, err)
	default:
		return types.NewFault(types.KindAudioCaptureFailure, err)
	}
}
