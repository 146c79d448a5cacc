package resilience

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkurimoto/kaiwa/pkg/types"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or
// sits behind an open breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry breaker created for each provider
// registered in a [FallbackGroup].
type FallbackConfig struct {
	Breaker BreakerConfig
}

type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// FallbackGroup holds a primary and zero or more fallback instances of the
// same provider type, each behind its own [Breaker]. Calls go to the first
// entry whose breaker admits them and that does not fail, in registration
// order.
//
// Register every entry before handing the group to callers; Execute and
// [ExecuteWithResult] may then be used concurrently.
type FallbackGroup[T any] struct {
	entries []entry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first entry. Further
// entries are registered with [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](name string, primary T, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(name, primary)
	return g
}

// AddFallback appends an entry tried after all previously registered ones.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.entries = append(g.entries, entry[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bc),
	})
}

// Execute tries fn against each entry in order until one succeeds. Entries
// with an open breaker are skipped. When every entry fails, the returned
// error wraps both [ErrAllFailed] and the last entry's error, so fault
// kinds attached by providers survive the aggregation.
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a package-level function because Go has no method-level type
// parameters.
func ExecuteWithResult[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(e.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider, circuit open", "provider", e.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", e.name, "error", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// kindOr returns the fault kind carried somewhere in err's chain, or
// fallback when the chain carries none (an open breaker, for example).
func kindOr(err error, fallback types.Kind) types.Kind {
	if k := types.KindOf(err); k != types.KindUnknown {
		return k
	}
	return fallback
}
