// Package elevenlabs provides an ElevenLabs-backed speech synthesis provider
// using the stream-input WebSocket API. It implements the synth.Provider
// interface.
//
// Each Synthesize call opens a dedicated stream-input socket, sends the whole
// utterance followed by the end-of-input marker, and relays the returned
// audio chunks until the service flags the final one. Authentication happens
// inside the "beginning of input" handshake message rather than via headers.
//
// Typical usage:
//
//	p, err := elevenlabs.New(apiKey,
//	    elevenlabs.WithModelID("eleven_multilingual_v2"),
//	    elevenlabs.WithOutputFormat("pcm_24000"),
//	)
//	st, err := p.Synthesize(ctx, "こんにちは！", synth.SpeechConfig{Voice: voice})
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// Compile-time interface assertion.
var _ synth.Provider = (*Provider)(nil)

// ---- constants ----

const (
	wsEndpoint     = "wss://api.elevenlabs.io/v1/text-to-speech"
	voicesEndpoint = "https://api.elevenlabs.io/v1/voices"

	defaultModelID      = "eleven_multilingual_v2"
	defaultOutputFormat = "pcm_24000"
	defaultStability    = 0.5
	defaultSimilarity   = 0.75
	defaultTimeout      = 15 * time.Second

	// wsReadLimit raises the frame size cap; one frame can carry several
	// hundred KiB of base64 PCM.
	wsReadLimit = 1 << 22

	// audioChanBuf is the buffer depth of the stream's chunk channel.
	audioChanBuf = 64
)

var (
	errNoAPIKey = errors.New("elevenlabs: api key must not be empty")
	errNoVoice  = errors.New("elevenlabs: voice ID must not be empty")
)

// ---- options ----

// Option is a functional option for configuring an ElevenLabs Provider.
type Option func(*Provider)

// WithModelID sets the synthesis model. Defaults to eleven_multilingual_v2,
// which handles Japanese alongside English.
func WithModelID(id string) Option {
	return func(p *Provider) {
		p.modelID = id
	}
}

// WithOutputFormat sets the audio output format query parameter (e.g.,
// "pcm_16000", "pcm_24000"). Defaults to pcm_24000.
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithVoiceSettings overrides the stability and similarity-boost values sent
// in the stream handshake. Both range 0..1.
func WithVoiceSettings(stability, similarityBoost float64) Option {
	return func(p *Provider) {
		p.stability = stability
		p.similarity = similarityBoost
	}
}

// WithTimeout sets the HTTP timeout for catalogue calls such as ListVoices.
// Defaults to 15 s. It does not bound the synthesis socket, which lives as
// long as the Synthesize ctx.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// ---- Provider ----

// Provider implements synth.Provider backed by the ElevenLabs API. It is
// safe for concurrent use; each Synthesize call owns its own socket.
type Provider struct {
	apiKey       string
	modelID      string
	outputFormat string
	stability    float64
	similarity   float64
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must not be empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, types.NewFault(types.KindConfigurationMissing, errNoAPIKey)
	}
	p := &Provider{
		apiKey:       apiKey,
		modelID:      defaultModelID,
		outputFormat: defaultOutputFormat,
		stability:    defaultStability,
		similarity:   defaultSimilarity,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

// boiMessage is the "beginning of input" handshake sent first on the socket.
// A single space primes the stream; the real text follows separately.
type boiMessage struct {
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
	XiAPIKey      string        `json:"xi_api_key"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// textMessage carries utterance text. An empty Text marks end of input and
// makes the service flush remaining audio.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// audioResponse is one frame from the service. Audio is base64-encoded PCM.
type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// ---- Synthesize ----

// Synthesize opens a stream-input socket for cfg.Voice, sends text as a
// single fragment plus the end-of-input marker, and returns a stream of raw
// PCM chunks. The language is carried by the model (multilingual models pick
// it up from the text itself), so cfg.Language is not sent on the wire.
func (p *Provider) Synthesize(ctx context.Context, text string, cfg synth.SpeechConfig) (synth.Stream, error) {
	if cfg.Voice.ID == "" {
		return nil, types.NewFault(types.KindConfigurationMissing, errNoVoice)
	}

	conn, _, err := websocket.Dial(ctx, p.buildStreamURL(cfg.Voice.ID), nil)
	if err != nil {
		return nil, types.Faultf(types.KindSynthesisUnavailable, "elevenlabs: dial stream-input: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	if err := p.sendUtterance(ctx, conn, text); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, types.Faultf(types.KindSynthesisUnavailable, "elevenlabs: %w", err)
	}

	st := &stream{chunks: make(chan []byte, audioChanBuf)}
	go st.readLoop(ctx, conn)
	return st, nil
}

// buildStreamURL assembles the stream-input URL for the given voice.
func (p *Provider) buildStreamURL(voiceID string) string {
	params := url.Values{}
	params.Set("model_id", p.modelID)
	params.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/%s/stream-input?%s", wsEndpoint, voiceID, params.Encode())
}

// sendUtterance performs the BOI handshake, sends the utterance text and the
// end-of-input marker. After this the socket only carries audio frames back.
func (p *Provider) sendUtterance(ctx context.Context, conn *websocket.Conn, text string) error {
	boi := boiMessage{
		Text: " ",
		VoiceSettings: voiceSettings{
			Stability:       p.stability,
			SimilarityBoost: p.similarity,
		},
		XiAPIKey: p.apiKey,
	}
	if err := writeJSON(ctx, conn, boi); err != nil {
		return fmt.Errorf("write BOI message: %w", err)
	}
	// The service wants a trailing space on each fragment.
	if err := writeJSON(ctx, conn, textMessage{Text: text + " ", TryTriggerGeneration: true}); err != nil {
		return fmt.Errorf("write text message: %w", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return fmt.Errorf("write end-of-input message: %w", err)
	}
	return nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- stream ----

// stream relays audio frames from the socket until the final marker.
type stream struct {
	chunks chan []byte

	errMu sync.Mutex
	err   error
}

func (s *stream) Chunks() <-chan []byte { return s.chunks }

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// readLoop is the sole closer of the chunk channel and owns the socket.
func (s *stream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(s.chunks)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				// Utterance discarded by the caller.
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
			default:
				s.setErr(types.Faultf(types.KindSynthesisUnavailable, "elevenlabs: read audio frame: %w", err))
			}
			return
		}

		pcm, final, err := decodeAudioFrame(data)
		if err != nil {
			s.setErr(types.Faultf(types.KindSynthesisUnavailable, "elevenlabs: %w", err))
			return
		}
		if len(pcm) > 0 {
			select {
			case s.chunks <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if final {
			return
		}
	}
}

// decodeAudioFrame unmarshals one stream-input frame and returns its decoded
// PCM payload. final reports the service's end-of-stream marker. Frames that
// carry only a status message yield no PCM and no error.
func decodeAudioFrame(data []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("unmarshal audio frame: %w", err)
	}
	if resp.Audio == "" {
		return nil, resp.IsFinal, nil
	}
	pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, false, fmt.Errorf("decode audio payload: %w", err)
	}
	return pcm, resp.IsFinal, nil
}

// ---- ListVoices ----

// ListVoices retrieves the voice catalogue via GET /v1/voices.
func (p *Provider) ListVoices(ctx context.Context) ([]synth.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create list-voices request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: GET /v1/voices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: GET /v1/voices returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read voices response: %w", err)
	}
	return parseVoicesResponse(data)
}

// voicesResponse is the JSON body returned by GET /v1/voices.
type voicesResponse struct {
	Voices []voiceEntry `json:"voices"`
}

type voiceEntry struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// parseVoicesResponse maps the raw catalogue JSON to VoiceProfiles.
func parseVoicesResponse(data []byte) ([]synth.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices response: %w", err)
	}

	profiles := make([]synth.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		profiles = append(profiles, synth.VoiceProfile{
			ID:       v.VoiceID,
			Name:     v.Name,
			Provider: "elevenlabs",
			Metadata: meta,
		})
	}
	return profiles, nil
}
