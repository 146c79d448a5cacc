// Package openai provides a conversation backend backed by the OpenAI chat
// completions API.
package openai

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/mkurimoto/kaiwa/pkg/provider/backend"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// Compile-time interface assertion.
var _ backend.Client = (*Client)(nil)

const (
	// defaultPersona keeps the partner short-spoken; long replies make poor
	// conversation practice.
	defaultPersona = "You are a friendly conversation partner. Reply naturally " +
		"in the language the user speaks, in one or two short sentences."

	// defaultMaxHistory bounds the per-session message history. The oldest
	// exchanges are dropped first; the persona message always stays.
	defaultMaxHistory = 40
)

var (
	errNoAPIKey = errors.New("openai: apiKey must not be empty")
	errNoModel  = errors.New("openai: model must not be empty")
)

// config holds optional configuration for the client.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	persona      string
	temperature  float64
	maxTokens    int
	maxHistory   int
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithPersona replaces the default partner persona prompt.
func WithPersona(persona string) Option {
	return func(c *config) {
		c.persona = persona
	}
}

// WithTemperature sets the sampling temperature in [0.0, 2.0].
func WithTemperature(t float64) Option {
	return func(c *config) {
		c.temperature = t
	}
}

// WithMaxTokens caps the completion length per reply.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// WithMaxHistory bounds the number of messages kept per session. Defaults to
// 40; zero or negative keeps the default.
func WithMaxHistory(n int) Option {
	return func(c *config) {
		c.maxHistory = n
	}
}

// Client implements backend.Client using the OpenAI API.
type Client struct {
	client      oai.Client
	model       string
	persona     string
	temperature float64
	maxTokens   int
	maxHistory  int
}

// New constructs a new OpenAI conversation backend.
func New(apiKey string, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, types.NewFault(types.KindConfigurationMissing, errNoAPIKey)
	}
	if model == "" {
		return nil, types.NewFault(types.KindConfigurationMissing, errNoModel)
	}

	cfg := &config{
		persona:    defaultPersona,
		maxHistory: defaultMaxHistory,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.maxHistory <= 0 {
		cfg.maxHistory = defaultMaxHistory
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Client{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		persona:     cfg.persona,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
		maxHistory:  cfg.maxHistory,
	}, nil
}

// session holds the conversation history behind the opaque handle.
type session struct {
	id string

	mu       sync.Mutex
	messages []oai.ChatCompletionMessageParamUnion
}

// SessionID implements backend.SessionHandle.
func (s *session) SessionID() string { return s.id }

// OpenSession seeds a new conversation with the persona prompt. The chat
// completions API is stateless, so the conversation lives client-side behind
// the handle and no network call is made here.
func (c *Client) OpenSession(ctx context.Context) (backend.SessionHandle, error) {
	return &session{
		id:       newSessionID(),
		messages: []oai.ChatCompletionMessageParamUnion{oai.SystemMessage(c.persona)},
	}, nil
}

// Reply appends utterance to the session history, requests a completion, and
// commits the user and assistant turns on success. A failed request leaves
// the history untouched so the exchange is not half-recorded.
func (c *Client) Reply(ctx context.Context, handle backend.SessionHandle, utterance string) (string, error) {
	sess, ok := handle.(*session)
	if !ok {
		return "", types.Faultf(types.KindBackendFailure, "openai: session handle belongs to a different backend")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	msgs := append(sess.messages, oai.UserMessage(utterance))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: msgs,
	}
	if c.temperature != 0 {
		params.Temperature = param.NewOpt(c.temperature)
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(c.maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", replyFault(err)
	}
	if len(resp.Choices) == 0 {
		return "", types.Faultf(types.KindBackendFailure, "openai: empty choices in response")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		return "", types.Faultf(types.KindBackendFailure, "openai: empty reply content")
	}

	asst := oai.ChatCompletionAssistantMessageParam{}
	asst.Content.OfString = oai.String(reply)
	sess.messages = append(msgs, oai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
	sess.trimLocked(c.maxHistory)
	return reply, nil
}

// trimLocked drops the oldest exchanges once the history exceeds limit,
// always keeping the leading persona message. Caller holds s.mu.
func (s *session) trimLocked(limit int) {
	if limit <= 1 || len(s.messages) <= limit {
		return
	}
	trimmed := make([]oai.ChatCompletionMessageParamUnion, 0, limit)
	trimmed = append(trimmed, s.messages[0])
	trimmed = append(trimmed, s.messages[len(s.messages)-(limit-1):]...)
	s.messages = trimmed
}

// replyFault classifies a transport error. Deadline expiry becomes
// KindTimeout so the caller can route it to the fallback reply.
func replyFault(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Faultf(types.KindTimeout, "openai: chat completion: %w", err)
	}
	return types.Faultf(types.KindBackendFailure, "openai: chat completion: %w", err)
}

func newSessionID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "conv-" + hex.EncodeToString(b[:])
}
