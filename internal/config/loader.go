package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Valid provider names per pipeline stage. The "mock" provider is an
// in-process stand-in accepted at every stage, used for offline dry runs.
var (
	ValidCaptureProviders = []string{"deepgram", "google", "mock"}
	ValidSynthProviders   = []string{"elevenlabs", "coqui", "mock"}
	ValidBackendProviders = []string{"openai", "anyllm", "mock"}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: load %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown fields are rejected so typos surface at
// startup instead of being silently ignored.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Practice.Language == "" {
		cfg.Practice.Language = "ja-JP"
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = 1
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Pipeline stages. Every stage needs a provider; unknown names are
	// errors because provider construction is a closed switch.
	errs = append(errs, validateChain("capture", cfg.Capture.ProviderEntry, cfg.Capture.Fallbacks, ValidCaptureProviders, validateCaptureEntry)...)
	errs = append(errs, validateChain("synth", cfg.Synth.ProviderEntry, cfg.Synth.Fallbacks, ValidSynthProviders, validateSynthEntry)...)
	errs = append(errs, validateChain("backend", cfg.Backend.ProviderEntry, cfg.Backend.Fallbacks, ValidBackendProviders, validateBackendEntry)...)

	// Capture audio format
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate must not be negative, got %d", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels must be 1 or 2, got %d", cfg.Capture.Channels))
	}

	// Backend
	if cfg.Backend.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout_seconds must not be negative, got %d", cfg.Backend.TimeoutSeconds))
	}

	// Resilience. Zero values take the breaker defaults.
	if cfg.Resilience.Threshold < 0 {
		errs = append(errs, fmt.Errorf("resilience.threshold must not be negative, got %d", cfg.Resilience.Threshold))
	}
	if cfg.Resilience.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("resilience.cooldown_seconds must not be negative, got %d", cfg.Resilience.CooldownSeconds))
	}
	if cfg.Resilience.ProbeQuota < 0 {
		errs = append(errs, fmt.Errorf("resilience.probe_quota must not be negative, got %d", cfg.Resilience.ProbeQuota))
	}

	return errors.Join(errs...)
}

// validateChain validates a stage's primary entry and its fallbacks, and
// rejects a provider appearing twice in the same chain.
func validateChain(stage string, primary ProviderEntry, fallbacks []ProviderEntry, valid []string, check func(prefix string, e ProviderEntry) []error) []error {
	var errs []error

	errs = append(errs, validateProviderName(stage, primary.Provider, valid)...)
	errs = append(errs, check(stage, primary)...)

	seen := map[string]int{primary.Provider: -1}
	for i, fb := range fallbacks {
		prefix := fmt.Sprintf("%s.fallbacks[%d]", stage, i)
		errs = append(errs, validateProviderName(prefix, fb.Provider, valid)...)
		errs = append(errs, check(prefix, fb)...)
		if fb.Provider != "" {
			if _, dup := seen[fb.Provider]; dup {
				errs = append(errs, fmt.Errorf("%s.provider %q already appears in the %s chain", prefix, fb.Provider, stage))
			}
			seen[fb.Provider] = i
		}
	}
	return errs
}

func validateProviderName(prefix, name string, valid []string) []error {
	switch {
	case name == "":
		return []error{fmt.Errorf("%s.provider is required", prefix)}
	case !slices.Contains(valid, name):
		return []error{fmt.Errorf("%s.provider %q is unknown; valid values: %s", prefix, name, strings.Join(valid, ", "))}
	}
	return nil
}

// Per-provider credential rules. Name errors are reported by
// [validateProviderName]; these run only the checks that apply to a
// recognised provider.

func validateCaptureEntry(prefix string, e ProviderEntry) []error {
	if e.Provider == "deepgram" && e.APIKey == "" {
		return []error{fmt.Errorf("%s.api_key is required for deepgram", prefix)}
	}
	// google falls back to application-default credentials when
	// credentials_file is empty; mock needs nothing.
	return nil
}

func validateSynthEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Provider == "elevenlabs" && e.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required for elevenlabs", prefix))
	}
	if e.Provider == "coqui" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url is required for coqui", prefix))
	}
	return errs
}

func validateBackendEntry(prefix string, e ProviderEntry) []error {
	var errs []error
	if e.Provider == "openai" && e.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required for openai", prefix))
	}
	// anyllm routes to local vendors (ollama, llamacpp) that need no key,
	// so only the vendor/model selector is mandatory.
	if e.Provider == "anyllm" && e.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required for anyllm", prefix))
	}
	return errs
}
