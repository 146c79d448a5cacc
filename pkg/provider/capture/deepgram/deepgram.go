// Package deepgram provides a Deepgram-backed capture provider using the
// Deepgram streaming WebSocket API. It implements the capture.Provider
// interface.
//
// Sessions run in single-utterance mode: endpointing is enabled so the
// service finalizes after a configurable pause, and the session ends itself
// when the service reports the utterance complete (speech_final). Audio is
// pumped opaquely from the configured capture.AudioSource; this package
// performs no decoding.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mkurimoto/kaiwa/pkg/provider/capture"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultEndpointing is the silence window (ms) after which the service
	// finalizes the utterance. Single-utterance auto-stop depends on it.
	defaultEndpointing = 1200

	// flushGrace bounds how long Stop waits for the service to deliver
	// trailing finals after a CloseStream before forcing the socket shut.
	flushGrace = 3 * time.Second
)

var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

// errNoSource is returned by Preflight when no audio source is configured.
var errNoSource = errors.New("deepgram: no audio source configured")

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the provider-level default language code.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpointing sets the silence window in milliseconds after which the
// service finalizes the current utterance.
func WithEndpointing(ms int) Option {
	return func(p *Provider) {
		if ms > 0 {
			p.endpointing = ms
		}
	}
}

// WithSource sets the audio source opened for every session.
func WithSource(src capture.AudioSource) Option {
	return func(p *Provider) {
		p.source = src
	}
}

// Provider implements capture.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey      string
	model       string
	language    string
	endpointing int
	source      capture.AudioSource
}

// Ensure Provider satisfies the capture.Provider interface at compile time.
var _ capture.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, types.NewFault(types.KindConfigurationMissing,
			errors.New("deepgram: apiKey must not be empty"))
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		language:    defaultLanguage,
		endpointing: defaultEndpointing,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Preflight verifies the session prerequisites: an audio source must be
// configured. Credential presence is enforced at construction.
func (p *Provider) Preflight(_ context.Context) error {
	if p.source == nil {
		return types.NewFault(types.KindCaptureUnavailable, errNoSource)
	}
	return nil
}

// StartSession opens the audio source and a streaming recognition socket,
// then begins pumping audio and reading results.
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
		return nil, types.NewFault(kind, fmt.Errorf("deepgram: open source: %w", err))
	}

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		_ = src.Close()
		return nil, types.NewFault(types.KindCaptureUnavailable, fmt.Errorf("deepgram: build URL: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		_ = src.Close()
		return nil, types.NewFault(types.KindCaptureUnavailable, fmt.Errorf("deepgram: dial: %w", err))
	}

	sess := &session{
		conn:     conn,
		src:      src,
		results:  make(chan capture.Batch, 64),
		stopc:    make(chan struct{}),
		readDone: make(chan struct{}),
	}

	sess.wg.Add(1)
	go sess.pumpLoop(ctx)
	go sess.readLoop(ctx)
	go sess.supervise()

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg capture.SessionConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("endpointing", strconv.Itoa(p.endpointing))
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, word := range cfg.Vocabulary {
		q.Add("keywords", word)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results
// event. UtteranceEnd events carry only the type field.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is one live Deepgram listening activation. It implements
// capture.Session.
type session struct {
	conn *websocket.Conn
	src  io.ReadCloser

	results  chan capture.Batch
	stopc    chan struct{}
	readDone chan struct{}
	stopOnce sync.Once
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

// supervise owns teardown. It reacts to an explicit Stop by flushing the
// service, then force-closes the socket and source once the read loop has
// finished (or the flush grace expired).
func (s *session) supervise() {
	select {
	case <-s.stopc:
		wctx, cancel := context.WithTimeout(context.Background(), flushGrace)
		_ = s.conn.Write(wctx, websocket.MessageText, closeStreamMsg)
		cancel()
		select {
		case <-s.readDone:
		case <-time.After(flushGrace):
		}
	case <-s.readDone:
	}

	_ = s.src.Close()
	s.conn.Close(websocket.StatusNormalClosure, "session ended")
	<-s.readDone
	s.wg.Wait()
}

// pumpLoop copies source audio to the socket until the source drains, the
// session stops, or the socket dies. A source EOF asks the service to flush
// so trailing finals still arrive.
func (s *session) pumpLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.stopc:
			return
		case <-s.readDone:
			return
		default:
		}

		n, err := s.src.Read(buf)
		if n > 0 {
			if werr := s.conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.stopping() {
				s.setErr(types.NewFault(types.KindAudioCaptureFailure,
					fmt.Errorf("deepgram: read source: %w", err)))
			}
			_ = s.conn.Write(ctx, websocket.MessageText, closeStreamMsg)
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram, numbers them into batches,
// and ends the session when the service reports the utterance complete.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.results)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// A read error after Stop or a pump failure is the expected
			// teardown path, not a new fault.
			if !s.stopping() && ctx.Err() == nil && s.Err() == nil &&
				websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(types.NewFault(types.KindAudioCaptureFailure,
					fmt.Errorf("deepgram: read: %w", err)))
			}
			return
		}

		frag, hasFrag, last := parseMessage(msg)
		if hasFrag {
			s.cursor++
			batch := capture.Batch{Cursor: s.cursor, Fragments: []capture.Fragment{frag}}
			select {
			case s.results <- batch:
			case <-s.stopc:
				return
			}
		}
		if last {
			return
		}
	}
}

// parseMessage parses a raw Deepgram WebSocket message. hasFrag reports
// whether frag is populated; last reports that the utterance is complete
// and the session should end.
func parseMessage(data []byte) (frag capture.Fragment, hasFrag, last bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return capture.Fragment{}, false, false
	}

	switch resp.Type {
	case "UtteranceEnd":
		return capture.Fragment{}, false, true
	case "Results":
	default:
		return capture.Fragment{}, false, false
	}

	if len(resp.Channel.Alternatives) == 0 {
		return capture.Fragment{}, false, resp.SpeechFinal
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" && resp.IsFinal {
		// Silence finalizations carry no text; forwarding them would only
		// push separator noise into the transcript.
		return capture.Fragment{}, false, resp.SpeechFinal
	}
	frag = capture.Fragment{
		Text:       alt.Transcript,
		Final:      resp.IsFinal,
		Confidence: alt.Confidence,
	}
	return frag, true, resp.SpeechFinal
}
