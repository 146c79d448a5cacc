// Package anyllm provides a conversation backend backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more. It lets kaiwa talk to a locally hosted model (Ollama, llama.cpp) with
// the same configuration surface as the cloud backends.
//
// Usage:
//
//	c, err := anyllm.New("ollama", "llama3")
//	c, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest",
//	    anyllm.WithBackendOptions(anyllmlib.WithAPIKey("sk-ant-...")))
package anyllm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/mkurimoto/kaiwa/pkg/provider/backend"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// Compile-time interface assertion.
var _ backend.Client = (*Client)(nil)

const (
	defaultPersona = "You are a friendly conversation partner. Reply naturally " +
		"in the language the user speaks, in one or two short sentences."

	defaultMaxHistory = 40
)

var (
	errNoProvider = errors.New("anyllm: providerName must not be empty")
	errNoModel    = errors.New("anyllm: model must not be empty")
)

// Client implements backend.Client by wrapping any-llm-go.
type Client struct {
	backend     anyllmlib.Provider
	model       string
	persona     string
	temperature float64
	maxTokens   int
	maxHistory  int
}

// config holds optional configuration for the client.
type config struct {
	persona     string
	temperature float64
	maxTokens   int
	maxHistory  int
	backendOpts []anyllmlib.Option
}

// Option is a functional option for Client.
type Option func(*config)

// WithPersona replaces the default partner persona prompt.
func WithPersona(persona string) Option {
	return func(c *config) {
		c.persona = persona
	}
}

// WithTemperature sets the sampling temperature.
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

// WithMaxHistory bounds the number of messages kept per session.
func WithMaxHistory(n int) Option {
	return func(c *config) {
		c.maxHistory = n
	}
}

// WithBackendOptions forwards options to the underlying any-llm-go provider
// (e.g., anyllmlib.WithAPIKey, anyllmlib.WithBaseURL).
func WithBackendOptions(opts ...anyllmlib.Option) Option {
	return func(c *config) {
		c.backendOpts = append(c.backendOpts, opts...)
	}
}

// New creates a conversation backend on top of the named any-llm-go provider.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". model is the
// specific model to use (e.g., "gpt-4o-mini", "llama3").
//
// Without a WithBackendOptions API key, the backend falls back to its
// environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName, model string, opts ...Option) (*Client, error) {
	if providerName == "" {
		return nil, types.NewFault(types.KindConfigurationMissing, errNoProvider)
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

	be, err := createBackend(providerName, cfg.backendOpts...)
	if err != nil {
		return nil, types.Faultf(types.KindConfigurationMissing, "anyllm: create %q backend: %w", providerName, err)
	}

	return &Client{
		backend:     be,
		model:       model,
		persona:     cfg.persona,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
		maxHistory:  cfg.maxHistory,
	}, nil
}

// createBackend creates the underlying any-llm-go provider for the name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// session holds the conversation history behind the opaque handle.
type session struct {
	id string

	mu       sync.Mutex
	messages []anyllmlib.Message
}

// SessionID implements backend.SessionHandle.
func (s *session) SessionID() string { return s.id }

// OpenSession seeds a new conversation with the persona prompt. No network
// call is made; the history lives client-side behind the handle.
func (c *Client) OpenSession(ctx context.Context) (backend.SessionHandle, error) {
	return &session{
		id: newSessionID(),
		messages: []anyllmlib.Message{{
			Role:    anyllmlib.RoleSystem,
			Content: c.persona,
		}},
	}, nil
}

// Reply appends utterance to the session history, requests a completion, and
// commits the user and assistant turns on success. A failed request leaves
// the history untouched so the exchange is not half-recorded.
func (c *Client) Reply(ctx context.Context, handle backend.SessionHandle, utterance string) (string, error) {
	sess, ok := handle.(*session)
	if !ok {
		return "", types.Faultf(types.KindBackendFailure, "anyllm: session handle belongs to a different backend")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	msgs := append(sess.messages, anyllmlib.Message{
		Role:    "user",
		Content: utterance,
	})

	params := anyllmlib.CompletionParams{
		Model:    c.model,
		Messages: msgs,
	}
	if c.temperature != 0 {
		t := c.temperature
		params.Temperature = &t
	}
	if c.maxTokens > 0 {
		mt := c.maxTokens
		params.MaxTokens = &mt
	}

	resp, err := c.backend.Completion(ctx, params)
	if err != nil {
		return "", replyFault(err)
	}
	if len(resp.Choices) == 0 {
		return "", types.Faultf(types.KindBackendFailure, "anyllm: empty choices in response")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.ContentString())
	if reply == "" {
		return "", types.Faultf(types.KindBackendFailure, "anyllm: empty reply content")
	}

	sess.messages = append(msgs, anyllmlib.Message{
		Role:    "assistant",
		Content: reply,
	})
	sess.trimLocked(c.maxHistory)
	return reply, nil
}

// trimLocked drops the oldest exchanges once the history exceeds limit,
// always keeping the leading persona message. Caller holds s.mu.
func (s *session) trimLocked(limit int) {
	if limit <= 1 || len(s.messages) <= limit {
		return
	}
	trimmed := make([]anyllmlib.Message, 0, limit)
	trimmed = append(trimmed, s.messages[0])
	trimmed = append(trimmed, s.messages[len(s.messages)-(limit-1):]...)
	s.messages = trimmed
}

// replyFault classifies a transport error. Deadline expiry becomes
// KindTimeout so the caller can route it to the fallback reply.
func replyFault(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.Faultf(types.KindTimeout, "anyllm: completion: %w", err)
	}
	return types.Faultf(types.KindBackendFailure, "anyllm: completion: %w", err)
}

func newSessionID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "conv-" + hex.EncodeToString(b[:])
}
