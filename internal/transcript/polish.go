package transcript

import (
	"strings"

	"github.com/mkurimoto/kaiwa/internal/transcript/phonetic"
)

// Correction records a single vocabulary substitution made by a [Polisher].
type Correction struct {
	// Heard is the span as the capture provider transcribed it.
	Heard string

	// Term is the vocabulary term that replaced it, in its configured casing.
	Term string

	// Score is the similarity that selected the term (0.0–1.0).
	Score float64
}

// Polisher snaps misrecognised spans of a finalized transcript onto the
// configured practice vocabulary. It runs in-process with no network calls,
// so it is cheap enough to apply on every submission.
//
// Polisher is read-only after construction and safe for concurrent use.
type Polisher struct {
	matcher *phonetic.Matcher
}

// NewPolisher prepares a [Polisher] over the given vocabulary. An empty
// vocabulary yields a polisher that passes text through unchanged.
func NewPolisher(vocabulary []string, opts ...phonetic.Option) *Polisher {
	return &Polisher{matcher: phonetic.New(vocabulary, opts...)}
}

// Polish applies vocabulary snapping to text and returns the polished text
// together with the substitutions made.
//
// The algorithm:
//  1. Tokenise the text into whitespace-separated words.
//  2. At each position, try n-gram windows from the longest vocabulary term
//     down to a single word. The longest matching window wins, so multi-word
//     terms take precedence over partial single-word matches.
//  3. Matched windows are replaced by the term; unmatched tokens pass
//     through unchanged.
//
// A window that restates a term verbatim is emitted as-is and not recorded
// as a correction. Unsegmented text (such as Japanese written without
// spaces) forms a single window and passes through unless it matches a
// vocabulary term outright.
func (p *Polisher) Polish(text string) (string, []Correction) {
	if p.matcher.Empty() {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var (
		output      []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		// Clamp the window to the remaining tokens.
		maxN := p.matcher.MaxTermWords()
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, score, ok := p.matcher.Match(window)
			if !ok {
				continue
			}

			output = append(output, strings.Fields(term)...)
			if term != window {
				corrections = append(corrections, Correction{
					Heard: window,
					Term:  term,
					Score: score,
				})
			}
			i += n
			matched = true
			break
		}

		if !matched {
			output = append(output, tokens[i])
			i++
		}
	}

	return strings.Join(output, " "), corrections
}
