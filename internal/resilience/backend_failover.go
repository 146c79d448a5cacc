package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/mkurimoto/kaiwa/pkg/provider/backend"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// backendTarget pairs one client with the conversation it has opened.
// Conversations are opened lazily, the first time the entry serves a call.
type backendTarget struct {
	name   string
	client backend.Client

	mu     sync.Mutex
	handle backend.SessionHandle
}

// session returns the target's conversation handle, opening it on first
// use. The lock is held across the open so concurrent callers share one
// conversation per backend.
func (t *backendTarget) session(ctx context.Context) (backend.SessionHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handle != nil {
		return t.handle, nil
	}
	h, err := t.client.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	t.handle = h
	return h, nil
}

// FailoverClient implements [backend.Client] across several conversation
// backends, each behind its own breaker. Every entry keeps its own
// underlying conversation, opened the first time it serves a call, so a
// reply that fails over continues on the fallback backend with that
// backend's conversation state. History does not transfer between entries.
//
// The handle returned by OpenSession belongs to the FailoverClient and
// stays valid across failovers; Reply routes against the per-entry
// conversations behind it.
type FailoverClient struct {
	group *FallbackGroup[*backendTarget]
}

// Compile-time interface assertion.
var _ backend.Client = (*FailoverClient)(nil)

// NewFailoverClient creates a [FailoverClient] with primary as the
// preferred backend.
func NewFailoverClient(name string, primary backend.Client, cfg FallbackConfig) *FailoverClient {
	return &FailoverClient{
		group: NewFallbackGroup(name, &backendTarget{name: name, client: primary}, cfg),
	}
}

// AddFallback registers an additional backend tried after the primary.
func (f *FailoverClient) AddFallback(name string, client backend.Client) {
	f.group.AddFallback(name, &backendTarget{name: name, client: client})
}

// OpenSession opens a conversation on the first healthy backend and returns
// a handle owned by the FailoverClient. On exhaustion the error carries
// KindTimeout when ctx's deadline expired and KindBackendFailure otherwise,
// matching the [backend.Client] contract.
func (f *FailoverClient) OpenSession(ctx context.Context) (backend.SessionHandle, error) {
	h, err := ExecuteWithResult(f.group, func(t *backendTarget) (backend.SessionHandle, error) {
		return t.session(ctx)
	})
	if err != nil {
		return nil, types.Faultf(backendKind(ctx, err), "open conversation: %w", err)
	}
	return &failoverHandle{id: h.SessionID()}, nil
}

// Reply sends the utterance to the first healthy backend, opening that
// backend's conversation if it has none yet. session must be a handle from
// [FailoverClient.OpenSession].
func (f *FailoverClient) Reply(ctx context.Context, session backend.SessionHandle, utterance string) (string, error) {
	reply, err := ExecuteWithResult(f.group, func(t *backendTarget) (string, error) {
		h, err := t.session(ctx)
		if err != nil {
			return "", err
		}
		return t.client.Reply(ctx, h, utterance)
	})
	if err != nil {
		return "", types.Faultf(backendKind(ctx, err), "reply: %w", err)
	}
	return reply, nil
}

// backendKind maps an exhaustion error onto the two kinds the Client
// contract allows. An all-breakers-open rejection classifies as a backend
// failure.
func backendKind(ctx context.Context, err error) types.Kind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.KindTimeout
	}
	return kindOr(err, types.KindBackendFailure)
}

// failoverHandle is the stable handle FailoverClient hands to its caller.
type failoverHandle struct {
	id string
}

// SessionID implements backend.SessionHandle.
func (h *failoverHandle) SessionID() string { return h.id }
