// Package journal records operational turn events in PostgreSQL.
//
// The journal is an append-only record of what the turn loop did: when
// captures started and ended, what was submitted, how long the backend
// took, which faults occurred. Rows carry kinds, durations and counts
// only. Utterance text never reaches the journal, so the conversation
// itself is not persisted anywhere.
//
// The journal is optional. A nil *Journal is valid and every method on it
// is a no-op, which keeps call sites free of enabled-checks when no DSN is
// configured.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Event type names as stored in the event_type column.
const (
	EventTurnStarted         = "turn_started"
	EventCaptureStarted      = "capture_started"
	EventCaptureEnded        = "capture_ended"
	EventTranscriptSubmitted = "transcript_submitted"
	EventReplyReceived       = "reply_received"
	EventReplyFailed         = "reply_failed"
	EventSpeechStarted       = "speech_started"
	EventSpeechFinished      = "speech_finished"
	EventBargeIn             = "barge_in"
	EventTurnError           = "turn_error"
)

// defaultAsyncTimeout bounds the write context of LogAsync goroutines.
const defaultAsyncTimeout = 5 * time.Second

// Event is one journal row.
type Event struct {
	// Type is one of the Event* constants.
	Type string

	// Turn is the turn sequence number the event belongs to. Zero for
	// events outside any turn.
	Turn int64

	// Duration is the elapsed time the event measures (capture length,
	// backend latency, speech length). Zero when the event has none.
	Duration time.Duration

	// ErrorKind is the fault classification (types.Kind.String()), empty
	// when the event is not a failure.
	ErrorKind string

	// Fragments counts recognition fragments for capture events.
	Fragments int

	// Chars counts characters of the submitted or received text. The text
	// itself is never recorded.
	Chars int
}

// ddlTurnEvents is idempotent and safe to run on every application start.
const ddlTurnEvents = `
CREATE TABLE IF NOT EXISTS turn_events (
    id          BIGSERIAL    PRIMARY KEY,
    event_type  TEXT         NOT NULL,
    turn_seq    BIGINT       NOT NULL DEFAULT 0,
    duration_ms BIGINT       NOT NULL DEFAULT 0,
    error_kind  TEXT         NOT NULL DEFAULT '',
    fragments   INT          NOT NULL DEFAULT 0,
    chars       INT          NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turn_events_type
    ON turn_events (event_type);

CREATE INDEX IF NOT EXISTS idx_turn_events_turn
    ON turn_events (turn_seq);

CREATE INDEX IF NOT EXISTS idx_turn_events_created
    ON turn_events (created_at);
`

// Journal writes turn events to a turn_events table through a shared
// [pgxpool.Pool]. All methods are safe for concurrent use and are no-ops
// on a nil receiver.
type Journal struct {
	pool         *pgxpool.Pool
	log          *slog.Logger
	asyncTimeout time.Duration

	// wg tracks LogAsync goroutines so Close can wait for in-flight writes.
	wg sync.WaitGroup
}

// Option is a functional option for configuring a Journal during Open.
type Option func(*Journal)

// WithLogger sets the logger used to report asynchronous write failures.
// Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(j *Journal) { j.log = log }
}

// WithAsyncTimeout bounds the database write started by LogAsync.
// Default is 5s.
func WithAsyncTimeout(d time.Duration) Option {
	return func(j *Journal) { j.asyncTimeout = d }
}

// Open connects to the database at dsn, verifies the connection, and
// ensures the turn_events table exists. Callers that run without a journal
// should not call Open; a nil *Journal disables everything.
func Open(ctx context.Context, dsn string, opts ...Option) (*Journal, error) {
	j := &Journal{
		log:          slog.Default(),
		asyncTimeout: defaultAsyncTimeout,
	}
	for _, o := range opts {
		o(j)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}

	j.pool = pool
	if err := j.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

// EnsureSchema creates the turn_events table and its indexes if they do not
// exist. It is idempotent and called by Open on every start.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if j == nil {
		return nil
	}
	if _, err := j.pool.Exec(ctx, ddlTurnEvents); err != nil {
		return fmt.Errorf("journal: ensure schema: %w", err)
	}
	return nil
}

// Log writes one event synchronously.
func (j *Journal) Log(ctx context.Context, ev Event) error {
	if j == nil {
		return nil
	}
	const q = `
		INSERT INTO turn_events
		    (event_type, turn_seq, duration_ms, error_kind, fragments, chars)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := j.pool.Exec(ctx, q,
		ev.Type,
		ev.Turn,
		ev.Duration.Milliseconds(),
		ev.ErrorKind,
		ev.Fragments,
		ev.Chars,
	)
	if err != nil {
		return fmt.Errorf("journal: log %s: %w", ev.Type, err)
	}
	return nil
}

// LogAsync writes one event in a background goroutine with a bounded
// timeout. It never blocks the caller; a failed write is reported through
// the journal's logger and dropped. The turn loop uses this so a slow or
// absent database can never stall a conversation.
func (j *Journal) LogAsync(ev Event) {
	if j == nil {
		return
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), j.asyncTimeout)
		defer cancel()
		if err := j.Log(ctx, ev); err != nil {
			j.log.Warn("journal write failed", "event", ev.Type, "error", err)
		}
	}()
}

// Ping verifies database connectivity. It backs the journal's readiness
// check.
func (j *Journal) Ping(ctx context.Context) error {
	if j == nil {
		return nil
	}
	if err := j.pool.Ping(ctx); err != nil {
		return fmt.Errorf("journal: ping: %w", err)
	}
	return nil
}

// Close waits for in-flight asynchronous writes and releases the pool.
// Safe on a nil journal.
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.wg.Wait()
	j.pool.Close()
}
