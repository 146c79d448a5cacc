// Package transcript merges streaming recognition output into a stable
// transcript for one capture activation.
//
// Recognition providers emit ordered fragment batches in which confirmed and
// still-revisable text follow different rules: final fragments are appended
// once and never touched again, while the non-final tail is restated in full
// by every batch that carries one. The [Accumulator] preserves exactly that
// protocol instead of recomputing it: final text accumulates by append, the
// interim tail is replaced wholesale per batch.
//
// The package also provides an optional polish pass ([Polisher]) that snaps
// misrecognised words in the finalized text onto the configured practice
// vocabulary before submission. See the phonetic subpackage for the matching
// algorithm.
package transcript

import (
	"strings"
	"sync"

	"github.com/mkurimoto/kaiwa/pkg/provider/capture"
)

const defaultSeparator = " "

// Option is a functional option for configuring an [Accumulator].
type Option func(*Accumulator)

// WithSeparator sets the string appended after each finalized fragment.
// Default: a single space.
func WithSeparator(sep string) Option {
	return func(a *Accumulator) {
		a.separator = sep
	}
}

// Accumulator merges ordered fragment batches from one capture session into
// finalized text plus the current interim tail. It holds no error state;
// Apply is a pure data transformation over the batch contents.
//
// Accumulator is safe for concurrent use: the controller applies batches
// while the presentation layer reads the current view.
type Accumulator struct {
	mu        sync.Mutex
	separator string
	finalized string
	interim   string
}

// New returns an empty [Accumulator] configured with the supplied options.
func New(opts ...Option) *Accumulator {
	a := &Accumulator{separator: defaultSeparator}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Apply merges one fragment batch. Fragments are processed in order: final
// fragments append their text plus the separator to the finalized transcript;
// the batch's non-final texts together form the new interim tail, replacing
// the previous one wholesale. A batch whose fragments are all final restates
// the non-final span as empty and therefore clears the interim tail.
//
// An empty batch leaves both fields unchanged.
func (a *Accumulator) Apply(batch capture.Batch) {
	if len(batch.Fragments) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var interim strings.Builder
	for _, f := range batch.Fragments {
		if f.Final {
			a.finalized += f.Text + a.separator
		} else {
			interim.WriteString(f.Text)
		}
	}
	a.interim = interim.String()
}

// Finalized returns the accumulated confirmed text, including the trailing
// separator after the last final fragment.
func (a *Accumulator) Finalized() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized
}

// Interim returns the current non-final tail.
func (a *Accumulator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// FullText returns finalized plus interim, the complete text as currently
// understood.
func (a *Accumulator) FullText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized + a.interim
}

// View returns the finalized and interim text as one consistent pair. Reading
// them through separate calls can interleave with a concurrent Apply.
func (a *Accumulator) View() (finalized, interim string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized, a.interim
}

// Submission returns the finalized text trimmed of surrounding whitespace:
// the exact string a submission carries. An empty result means the session
// produced nothing worth submitting.
func (a *Accumulator) Submission() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.TrimSpace(a.finalized)
}

// Reset clears both fields. Called at capture session start and again after
// the finalized text has been submitted.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = ""
	a.interim = ""
}
