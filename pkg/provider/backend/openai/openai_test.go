package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/mkurimoto/kaiwa/pkg/types"
)

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_MissingAPIKey ensures the constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o-mini")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
	if kind := types.KindOf(err); kind != types.KindConfigurationMissing {
		t.Errorf("expected KindConfigurationMissing, got %v", kind)
	}
}

// TestNew_MissingModel ensures the constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
	if kind := types.KindOf(err); kind != types.KindConfigurationMissing {
		t.Errorf("expected KindConfigurationMissing, got %v", kind)
	}
}

// TestNew_Options checks that optional settings are accepted without error.
func TestNew_Options(t *testing.T) {
	c, err := New("sk-test", "gpt-4o-mini",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
		WithPersona("Talk like a pirate."),
		WithTemperature(0.7),
		WithMaxTokens(200),
		WithMaxHistory(10),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
	if c.persona != "Talk like a pirate." {
		t.Errorf("persona option not applied: %q", c.persona)
	}
	if c.maxHistory != 10 {
		t.Errorf("maxHistory option not applied: %d", c.maxHistory)
	}
}

// ── Sessions ──────────────────────────────────────────────────────────────────

// TestOpenSession_SeedsPersona checks that a fresh session starts with the
// persona message and a usable identifier.
func TestOpenSession_SeedsPersona(t *testing.T) {
	c, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	handle, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if !strings.HasPrefix(handle.SessionID(), "conv-") {
		t.Errorf("expected conv- session ID prefix, got %q", handle.SessionID())
	}

	sess, ok := handle.(*session)
	if !ok {
		t.Fatalf("expected *session handle, got %T", handle)
	}
	if len(sess.messages) != 1 {
		t.Errorf("expected 1 seeded message, got %d", len(sess.messages))
	}
}

// TestOpenSession_UniqueIDs checks that session identifiers do not collide.
func TestOpenSession_UniqueIDs(t *testing.T) {
	c, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		handle, err := c.OpenSession(context.Background())
		if err != nil {
			t.Fatalf("OpenSession: %v", err)
		}
		id := handle.SessionID()
		if seen[id] {
			t.Fatalf("duplicate session ID %q", id)
		}
		seen[id] = true
	}
}

// TestReply_WrongHandleType checks that a foreign handle is rejected as a
// backend failure rather than a panic.
func TestReply_WrongHandleType(t *testing.T) {
	c, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = c.Reply(context.Background(), foreignHandle{}, "hello")
	if err == nil {
		t.Fatal("expected error for foreign session handle")
	}
	if kind := types.KindOf(err); kind != types.KindBackendFailure {
		t.Errorf("expected KindBackendFailure, got %v", kind)
	}
}

type foreignHandle struct{}

func (foreignHandle) SessionID() string { return "foreign" }

// TestTrimLocked checks that history trimming keeps the persona message and
// the most recent turns.
func TestTrimLocked(t *testing.T) {
	sess := &session{
		id:       "conv-test",
		messages: []oai.ChatCompletionMessageParamUnion{oai.SystemMessage("persona")},
	}
	for i := 0; i < 50; i++ {
		sess.messages = append(sess.messages, oai.UserMessage("turn"))
	}

	sess.trimLocked(10)
	if len(sess.messages) != 10 {
		t.Fatalf("expected 10 messages after trim, got %d", len(sess.messages))
	}
	if sess.messages[0].OfSystem == nil {
		t.Error("expected persona message to survive trimming")
	}
}

// TestTrimLocked_NoopBelowLimit checks that short histories are untouched.
func TestTrimLocked_NoopBelowLimit(t *testing.T) {
	sess := &session{
		messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage("persona"),
			oai.UserMessage("hi"),
		},
	}
	sess.trimLocked(40)
	if len(sess.messages) != 2 {
		t.Errorf("expected history untouched, got %d messages", len(sess.messages))
	}
}

// ── Fault classification ──────────────────────────────────────────────────────

// TestReplyFault_Timeout checks that deadline expiry maps to KindTimeout.
func TestReplyFault_Timeout(t *testing.T) {
	err := replyFault(context.DeadlineExceeded)
	if kind := types.KindOf(err); kind != types.KindTimeout {
		t.Errorf("expected KindTimeout, got %v", kind)
	}
}

// TestReplyFault_Other checks that plain transport errors map to
// KindBackendFailure.
func TestReplyFault_Other(t *testing.T) {
	err := replyFault(errors.New("connection refused"))
	if kind := types.KindOf(err); kind != types.KindBackendFailure {
		t.Errorf("expected KindBackendFailure, got %v", kind)
	}
}

// ── Round trip ────────────────────────────────────────────────────────────────

type recordedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// TestReply_RoundTrip runs two exchanges against a fake chat completions
// endpoint and checks the prompt layout plus the committed history.
func TestReply_RoundTrip(t *testing.T) {
	var mu sync.Mutex
	var requests []recordedRequest
	replies := []string{"いいですね！", "そうですか。"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req recordedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		mu.Lock()
		requests = append(requests, req)
		reply := replies[(len(requests)-1)%len(replies)]
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"message":       map[string]any{"role": "assistant", "content": reply},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]any{"prompt_tokens": 8, "completion_tokens": 4, "total_tokens": 12},
		})
	}))
	defer srv.Close()

	c, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handle, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	got, err := c.Reply(context.Background(), handle, "こんにちは、元気です")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "いいですね！" {
		t.Errorf("expected first reply いいですね！, got %q", got)
	}

	got, err = c.Reply(context.Background(), handle, "昨日映画を見ました")
	if err != nil {
		t.Fatalf("second Reply: %v", err)
	}
	if got != "そうですか。" {
		t.Errorf("expected second reply そうですか。, got %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}

	first := requests[0]
	if len(first.Messages) != 2 {
		t.Fatalf("expected persona + user message in first request, got %d", len(first.Messages))
	}
	if first.Messages[0].Role != "system" {
		t.Errorf("expected leading system message, got role %q", first.Messages[0].Role)
	}
	if first.Messages[1].Role != "user" || first.Messages[1].Content != "こんにちは、元気です" {
		t.Errorf("unexpected user message: %+v", first.Messages[1])
	}

	// The second request must carry the committed first exchange.
	second := requests[1]
	if len(second.Messages) != 4 {
		t.Fatalf("expected 4 messages in second request, got %d", len(second.Messages))
	}
	if second.Messages[2].Role != "assistant" || second.Messages[2].Content != "いいですね！" {
		t.Errorf("expected committed assistant turn, got %+v", second.Messages[2])
	}
}

// TestReply_ServerError checks that HTTP failures surface as backend faults
// and leave the session history untouched.
func TestReply_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handle, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	_, err = c.Reply(context.Background(), handle, "hello")
	if err == nil {
		t.Fatal("expected error from failing backend")
	}
	if kind := types.KindOf(err); kind != types.KindBackendFailure {
		t.Errorf("expected KindBackendFailure, got %v", kind)
	}

	sess := handle.(*session)
	if len(sess.messages) != 1 {
		t.Errorf("expected history untouched after failure, got %d messages", len(sess.messages))
	}
}

// TestReply_DeadlineExceeded checks that an expired ctx maps to KindTimeout.
func TestReply_DeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handle, err := c.OpenSession(context.Background())
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = c.Reply(ctx, handle, "hello")
	if err == nil {
		t.Fatal("expected error after deadline expiry")
	}
	if kind := types.KindOf(err); kind != types.KindTimeout {
		t.Errorf("expected KindTimeout, got %v", kind)
	}
}
