// Package mock provides a test double for the backend.Client interface.
//
// Use Client to feed scripted replies to the turn controller and to verify
// the utterances sent to the conversation backend.
//
// Example:
//
//	c := &mock.Client{Replies: []string{"いいですね！"}}
//	handle, _ := c.OpenSession(ctx)
//	reply, _ := c.Reply(ctx, handle, "こんにちは、元気です")
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkurimoto/kaiwa/pkg/provider/backend"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// ReplyCall records a single invocation of Reply.
type ReplyCall struct {
	// Ctx is the context passed to Reply.
	Ctx context.Context
	// Session is the handle passed to Reply.
	Session backend.SessionHandle
	// Utterance is the user text passed to Reply.
	Utterance string
}

// Client is a mock implementation of backend.Client.
type Client struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Replies is the scripted sequence of reply texts. Reply consumes them
	// in order; the final entry repeats once the queue is exhausted. An
	// empty queue yields "".
	Replies []string

	// OpenSessionErr, if non-nil, is returned from OpenSession.
	OpenSessionErr error

	// ReplyErr, if non-nil, is returned from every Reply call instead of a
	// scripted reply.
	ReplyErr error

	// Block, if non-nil, delays each Reply until the channel is closed or
	// ctx ends. When ctx expires while blocked, Reply returns a KindTimeout
	// fault, mirroring the real adapters.
	Block chan struct{}

	// --- Call records ---

	// OpenSessionCount is the number of OpenSession calls.
	OpenSessionCount int

	// ReplyCalls records every call to Reply in order.
	ReplyCalls []ReplyCall

	replyIndex int
}

// SessionHandle is the handle type handed out by Client.
type SessionHandle struct {
	ID string
}

// SessionID implements backend.SessionHandle.
func (h *SessionHandle) SessionID() string { return h.ID }

// OpenSession returns a numbered handle, or OpenSessionErr if set.
func (c *Client) OpenSession(ctx context.Context) (backend.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenSessionCount++
	if c.OpenSessionErr != nil {
		return nil, c.OpenSessionErr
	}
	return &SessionHandle{ID: fmt.Sprintf("mock-conv-%d", c.OpenSessionCount)}, nil
}

// Reply records the call and returns the next scripted reply or the
// configured error.
func (c *Client) Reply(ctx context.Context, session backend.SessionHandle, utterance string) (string, error) {
	c.mu.Lock()
	c.ReplyCalls = append(c.ReplyCalls, ReplyCall{Ctx: ctx, Session: session, Utterance: utterance})
	block := c.Block
	replyErr := c.ReplyErr
	var reply string
	if replyErr == nil && len(c.Replies) > 0 {
		reply = c.Replies[c.replyIndex]
		if c.replyIndex < len(c.Replies)-1 {
			c.replyIndex++
		}
	}
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return "", types.Faultf(types.KindTimeout, "mock: reply: %w", ctx.Err())
			}
			return "", ctx.Err()
		}
	}

	if replyErr != nil {
		return "", replyErr
	}
	return reply, nil
}

// Reset clears all recorded calls and rewinds the reply queue. Thread-safe.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenSessionCount = 0
	c.ReplyCalls = nil
	c.replyIndex = 0
}

// Ensure the mocks implement the backend interfaces at compile time.
var (
	_ backend.Client        = (*Client)(nil)
	_ backend.SessionHandle = (*SessionHandle)(nil)
)
