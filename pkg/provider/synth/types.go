package synth

// VoiceProfile describes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which synthesis provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// SpeechConfig carries the per-utterance synthesis settings.
type SpeechConfig struct {
	// Voice selects the synthesis voice.
	Voice VoiceProfile

	// Language is the BCP-47 tag of the utterance (e.g., "ja-JP").
	// Providers that cannot switch language per request may ignore it.
	Language string
}
