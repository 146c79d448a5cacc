// Package backend defines the Client interface for conversation backends.
//
// A conversation backend is the opaque brain of kaiwa: it takes the user's
// finalized utterance and produces the partner's reply. The turn controller
// never builds prompts and never sees conversation memory; all of that lives
// behind the SessionHandle, which is created once at startup and reused for
// every exchange.
//
// Implementations must be safe for concurrent use, though kaiwa itself issues
// at most one Reply call at a time.
package backend

import "context"

// SessionHandle identifies one conversation on the backend. The handle is
// opaque: the backend keeps whatever per-conversation state it needs (persona
// prompt, history, model settings) behind it.
type SessionHandle interface {
	// SessionID returns a stable identifier for logs and journal entries.
	SessionID() string
}

// Client is the abstraction over any conversation backend.
type Client interface {
	// OpenSession creates the conversation that Reply will extend. kaiwa
	// opens exactly one session per run, before the first exchange, and
	// shares the handle across all of them.
	OpenSession(ctx context.Context) (SessionHandle, error)

	// Reply sends the user's utterance to the backend in the context of
	// session and returns the partner's reply text. Errors carry a fault
	// kind: KindTimeout when ctx's deadline expired, KindBackendFailure
	// otherwise.
	Reply(ctx context.Context, session SessionHandle, utterance string) (string, error)
}
