// Package conversation holds the visible message history of one run.
package conversation

import (
	"sync"
	"time"

	"github.com/mkurimoto/kaiwa/pkg/types"
)

// Log is the append-only record of the conversation as the user sees it.
// Messages are created only by the turn controller: a user message at
// submission and a system message for each reply (including the fallback
// reply). History never shrinks and is discarded with the process.
//
// Log is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	nextID int64
	msgs   []types.Message
}

// NewLog returns an empty [Log]. Message IDs start at 1.
func NewLog() *Log {
	return &Log{nextID: 1}
}

// Append records text from sender and returns the stored message.
// IDs increase monotonically in append order.
func (l *Log) Append(sender types.Sender, text string) types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := types.Message{
		ID:        l.nextID,
		Text:      text,
		Sender:    sender,
		Timestamp: time.Now(),
	}
	l.nextID++
	l.msgs = append(l.msgs, msg)
	return msg
}

// Messages returns a copy of the history in append order. The caller may
// hold or mutate the returned slice freely.
func (l *Log) Messages() []types.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages recorded so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Last returns the most recent message, or false when the log is empty.
func (l *Log) Last() (types.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.msgs) == 0 {
		return types.Message{}, false
	}
	return l.msgs[len(l.msgs)-1], true
}
