package resilience

import (
	"context"

	"github.com/mkurimoto/kaiwa/pkg/provider/capture"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// FailoverCapture implements [capture.Provider] across several capture
// backends, each behind its own breaker. Preflight and StartSession each
// run the chain independently; the breakers keep a dead primary from being
// retried on every turn.
//
// Only the session start is covered. A session that dies mid-stream ends
// that listening activation; the next activation retries through the chain.
type FailoverCapture struct {
	group *FallbackGroup[capture.Provider]
}

// Compile-time interface assertion.
var _ capture.Provider = (*FailoverCapture)(nil)

// NewFailoverCapture creates a [FailoverCapture] with primary as the
// preferred backend.
func NewFailoverCapture(name string, primary capture.Provider, cfg FallbackConfig) *FailoverCapture {
	return &FailoverCapture{
		group: NewFallbackGroup(name, primary, cfg),
	}
}

// AddFallback registers an additional capture provider tried after the
// primary.
func (f *FailoverCapture) AddFallback(name string, provider capture.Provider) {
	f.group.AddFallback(name, provider)
}

// Preflight succeeds when any healthy entry passes its preflight. On
// exhaustion the error keeps the last entry's fault kind, so a refused
// microphone still surfaces as KindPermissionDenied; rejections with no
// kind of their own classify as KindCaptureUnavailable.
func (f *FailoverCapture) Preflight(ctx context.Context) error {
	err := f.group.Execute(func(p capture.Provider) error {
		return p.Preflight(ctx)
	})
	if err != nil {
		return types.Faultf(kindOr(err, types.KindCaptureUnavailable), "preflight failed on every provider: %w", err)
	}
	return nil
}

// StartSession opens a listening activation on the first healthy entry.
func (f *FailoverCapture) StartSession(ctx context.Context, cfg capture.SessionConfig) (capture.Session, error) {
	s, err := ExecuteWithResult(f.group, func(p capture.Provider) (capture.Session, error) {
		return p.StartSession(ctx, cfg)
	})
	if err != nil {
		return nil, types.Faultf(kindOr(err, types.KindCaptureUnavailable), "start session failed on every provider: %w", err)
	}
	return s, nil
}
