// Package mock provides test doubles for the capture package interfaces.
//
// Use Provider to verify that the caller runs the preflight and starts
// sessions with the expected SessionConfig. Use Session to feed controlled
// batches and end the session on cue.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	s, _ := p.StartSession(ctx, cfg)
//	sess.Emit(capture.Fragment{Text: "こんにちは", Final: false})
//	sess.End(nil)
package mock

import (
	"context"
	"sync"

	"github.com/mkurimoto/kaiwa/pkg/provider/capture"
)

// StartSessionCall records a single invocation of Provider.StartSession.
type StartSessionCall struct {
	// Ctx is the context passed to StartSession.
	Ctx context.Context
	// Cfg is the SessionConfig passed to StartSession.
	Cfg capture.SessionConfig
}

// Provider is a mock implementation of capture.Provider.
type Provider struct {
	mu sync.Mutex

	// PreflightErr, if non-nil, is returned by every Preflight call.
	PreflightErr error

	// Session is returned by StartSession. If nil, StartSession returns a
	// fresh NewSession() and records it in Created.
	Session capture.Session

	// StartSessionErr, if non-nil, is returned as the error from
	// StartSession.
	StartSessionErr error

	// PreflightCallCount counts Preflight invocations.
	PreflightCallCount int

	// StartSessionCalls records every call to StartSession.
	StartSessionCalls []StartSessionCall

	created []*Session
}

// Ensure Provider implements capture.Provider at compile time.
var _ capture.Provider = (*Provider)(nil)

// Preflight records the call and returns PreflightErr.
func (p *Provider) Preflight(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PreflightCallCount++
	return p.PreflightErr
}

// StartSession records the call and returns Session, StartSessionErr.
func (p *Provider) StartSession(ctx context.Context, cfg capture.SessionConfig) (capture.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartSessionCalls = append(p.StartSessionCalls, StartSessionCall{Ctx: ctx, Cfg: cfg})
	if p.StartSessionErr != nil {
		return nil, p.StartSessionErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	s := NewSession()
	p.created = append(p.created, s)
	return s, nil
}

// Created returns the sessions StartSession auto-created (Session unset), in
// start order. Lets multi-turn tests drive each activation separately.
func (p *Provider) Created() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.created...)
}

// Reset clears all recorded calls and created sessions. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PreflightCallCount = 0
	p.StartSessionCalls = nil
	p.created = nil
}

// Session is a mock implementation of capture.Session. Tests drive it with
// Emit and End; the consumer sees an ordered batch stream that closes
// exactly once.
type Session struct {
	mu sync.Mutex

	results chan capture.Batch
	cursor  uint64
	ended   bool
	err     error

	// StopCallCount counts Stop invocations.
	StopCallCount int

	// OnStop, if set, runs on the first Stop call while holding no locks.
	// Use it to emulate an engine that ends shortly after a stop request.
	OnStop func()
}

// Ensure Session implements capture.Session at compile time.
var _ capture.Session = (*Session)(nil)

// NewSession returns a live mock session with a buffered results channel.
func NewSession() *Session {
	return &Session{results: make(chan capture.Batch, 16)}
}

// Emit delivers one batch containing the given fragments, assigning the
// next cursor. No-op after End.
func (s *Session) Emit(frags ...capture.Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.cursor++
	s.results <- capture.Batch{Cursor: s.cursor, Fragments: frags}
}

// End terminates the session with the given terminal error (nil for a clean
// end). The results channel closes exactly once; later End calls are no-ops.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.results)
}

// Results returns the batch stream.
func (s *Session) Results() <-chan capture.Batch {
	return s.results
}

// Stop records the call and runs OnStop on the first invocation.
func (s *Session) Stop() {
	s.mu.Lock()
	s.StopCallCount++
	first := s.StopCallCount == 1
	onStop := s.OnStop
	s.mu.Unlock()
	if first && onStop != nil {
		onStop()
	}
}

// Err returns the terminal error set by End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
