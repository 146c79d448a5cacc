// Package phonetic matches misrecognised words against a fixed practice
// vocabulary using Double Metaphone phonetic codes combined with Jaro-Winkler
// string similarity for ranked selection.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each token of the input phrase and compared against the codes prepared
//     for every vocabulary term. Any code overlap makes the term a phonetic
//     candidate, which lowers the required similarity from the fuzzy
//     threshold to the phonetic threshold.
//
//  2. Jaro-Winkler ranking: the phrase is scored against every term with the
//     same word count by its weakest positional token similarity, so each
//     spoken word must resemble its counterpart. The highest-scoring term
//     above its threshold wins, with phonetic candidates outranking
//     fuzzy-only ones.
//
// Matching is deliberately positional. A phrase never matches a term with a
// different word count: snapping "kyoto" onto "Kyoto Station" would insert a
// word the speaker never said, and snapping "the shinkansen" onto
// "Shinkansen" would drop one.
//
// The vocabulary is fixed at construction, so term codes are computed once
// and every Match call runs against the prepared table. Double Metaphone
// only encodes Latin script; input in other scripts produces no codes and
// can match only through near-identical string similarity, so text the
// matcher does not understand passes through unchanged.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum similarity required for a
// phonetically-matched term to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum similarity required when no phonetic
// candidate is found and the matcher falls back to pure string similarity.
// Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// term is one prepared vocabulary entry.
type term struct {
	display string
	tokens  []string
	codes   map[string]struct{}
}

// Matcher resolves spoken phrases to the most similar vocabulary term.
// It is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	terms             []term
	maxWords          int
}

// New prepares a [Matcher] over the given vocabulary. Blank entries are
// dropped; term casing is preserved and returned verbatim on a match.
// An empty vocabulary yields a matcher that never matches.
func New(vocabulary []string, opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}

	for _, v := range vocabulary {
		display := strings.TrimSpace(v)
		if display == "" {
			continue
		}
		tokens := strings.Fields(strings.ToLower(display))
		m.terms = append(m.terms, term{
			display: display,
			tokens:  tokens,
			codes:   codesForTokens(tokens),
		})
		if len(tokens) > m.maxWords {
			m.maxWords = len(tokens)
		}
	}
	return m
}

// Empty reports whether the matcher holds no vocabulary terms.
func (m *Matcher) Empty() bool {
	return len(m.terms) == 0
}

// MaxTermWords returns the word count of the longest vocabulary term.
// Zero when the vocabulary is empty.
func (m *Matcher) MaxTermWords() int {
	return m.maxWords
}

// Match attempts to find the vocabulary term most similar to phrase.
//
// phrase may be a single word or a space-separated n-gram; only terms with
// the same word count are considered. Return values:
//
//	corrected:  the best-matching term, in its original vocabulary casing.
//	confidence: similarity score in [0.0, 1.0] where 1.0 is a perfect match.
//	matched:    true when a sufficiently similar term was found.
//
// When matched is false, corrected equals phrase unchanged and confidence
// is 0.
func (m *Matcher) Match(phrase string) (corrected string, confidence float64, matched bool) {
	phraseLower := strings.ToLower(strings.TrimSpace(phrase))
	if len(m.terms) == 0 || phraseLower == "" {
		return phrase, 0, false
	}

	phraseTokens := strings.Fields(phraseLower)
	phraseCodes := codesForTokens(phraseTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, t := range m.terms {
		if len(t.tokens) != len(phraseTokens) {
			continue
		}
		score := positionalSimilarity(phraseTokens, t.tokens)

		if codesOverlap(phraseCodes, t.codes) {
			if score >= m.phoneticThreshold {
				if !best.phonetic || score > best.score {
					best = candidate{term: t.display, score: score, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if score >= m.fuzzyThreshold && score > best.score {
				best = candidate{term: t.display, score: score, phonetic: false}
			}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return phrase, 0, false
}

// positionalSimilarity returns the weakest pairwise Jaro-Winkler score
// between corresponding tokens. Both slices must have the same length.
func positionalSimilarity(phraseTokens, termTokens []string) float64 {
	lowest := 1.0
	for i, pt := range phraseTokens {
		if s := matchr.JaroWinkler(pt, termTokens[i], false); s < lowest {
			lowest = s
		}
	}
	return lowest
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when a token is too short, has no
// consonants, or is non-Latin) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
