// Package types defines the shared types used across all kaiwa packages.
//
// These types form the lingua franca between the turn controller, the
// capture/synthesis/backend providers, and the presentation shell. They are
// intentionally minimal: each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Sender identifies which side of the conversation produced a message.
type Sender int

const (
	// SenderUser marks a message transcribed from the user's speech.
	SenderUser Sender = iota

	// SenderSystem marks a message produced by the conversation backend
	// (including the fallback reply substituted on backend failure).
	SenderSystem
)

// String returns the human-readable name of the sender.
func (s Sender) String() string {
	switch s {
	case SenderUser:
		return "USER"
	case SenderSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// Message is a single entry in the visible conversation history.
//
// Messages are immutable once created and form an ordered append-only
// sequence. Only the turn controller creates them: a USER message when a
// finalized transcript is submitted, a SYSTEM message when a reply (or the
// fallback reply) is received.
type Message struct {
	// ID is a monotonically increasing identifier assigned by the
	// conversation log. Unique within one process lifetime.
	ID int64

	// Text is the message content.
	Text string

	// Sender is who produced the message.
	Sender Sender

	// Timestamp is when the message was appended.
	Timestamp time.Time
}
