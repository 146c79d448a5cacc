package resilience

import (
	"context"

	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
	"github.com/mkurimoto/kaiwa/pkg/types"
)

// FailoverSynth implements [synth.Provider] across several synthesis
// backends, each behind its own breaker. Only starting the stream is
// covered by failover; once a stream is live, a mid-stream failure is
// reported through its Err and ends that utterance.
type FailoverSynth struct {
	group *FallbackGroup[synth.Provider]
}

// Compile-time interface assertion.
var _ synth.Provider = (*FailoverSynth)(nil)

// NewFailoverSynth creates a [FailoverSynth] with primary as the preferred
// backend.
func NewFailoverSynth(name string, primary synth.Provider, cfg FallbackConfig) *FailoverSynth {
	return &FailoverSynth{
		group: NewFallbackGroup(name, primary, cfg),
	}
}

// AddFallback registers an additional synthesis provider tried after the
// primary.
func (f *FailoverSynth) AddFallback(name string, provider synth.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize starts the utterance on the first healthy entry. On exhaustion
// the error keeps the last entry's fault kind when it has one and
// classifies as KindSynthesisUnavailable otherwise.
func (f *FailoverSynth) Synthesize(ctx context.Context, text string, cfg synth.SpeechConfig) (synth.Stream, error) {
	st, err := ExecuteWithResult(f.group, func(p synth.Provider) (synth.Stream, error) {
		return p.Synthesize(ctx, text, cfg)
	})
	if err != nil {
		return nil, types.Faultf(kindOr(err, types.KindSynthesisUnavailable), "synthesize failed on every provider: %w", err)
	}
	return st, nil
}

// ListVoices returns the catalogue of the first healthy entry.
func (f *FailoverSynth) ListVoices(ctx context.Context) ([]synth.VoiceProfile, error) {
	voices, err := ExecuteWithResult(f.group, func(p synth.Provider) ([]synth.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
	if err != nil {
		return nil, types.Faultf(kindOr(err, types.KindSynthesisUnavailable), "list voices failed on every provider: %w", err)
	}
	return voices, nil
}
