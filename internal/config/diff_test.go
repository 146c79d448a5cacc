package config_test

import (
	"slices"
	"testing"

	"github.com/mkurimoto/kaiwa/internal/config"
)

func practiceConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Practice: config.PracticeConfig{
			Language:      "ja-JP",
			FallbackReply: "すみません、もう一度お願いします。",
			Vocabulary:    []string{"新幹線", "改札口"},
		},
		Capture: config.CaptureConfig{
			ProviderEntry: config.ProviderEntry{Provider: "deepgram", APIKey: "dg-test"},
			SampleRate:    16000,
			Channels:      1,
		},
		Synth: config.SynthConfig{
			ProviderEntry: config.ProviderEntry{Provider: "elevenlabs", APIKey: "el-test"},
			Voice:         "Haru",
		},
		Backend: config.BackendConfig{
			ProviderEntry: config.ProviderEntry{Provider: "openai", APIKey: "sk-test"},
			Persona:       "丁寧な会話パートナー",
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := practiceConfig()
	d := config.Diff(cfg, cfg)
	if !d.Empty() {
		t.Errorf("expected empty diff for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := practiceConfig()
	new := practiceConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartNeeded) != 0 {
		t.Errorf("log level is hot-reloadable, got RestartNeeded=%v", d.RestartNeeded)
	}
}

func TestDiff_FallbackReplyChanged(t *testing.T) {
	t.Parallel()
	old := practiceConfig()
	new := practiceConfig()
	new.Practice.FallbackReply = "ごめんなさい、聞き取れませんでした。"

	d := config.Diff(old, new)
	if !d.TunablesChanged {
		t.Error("expected TunablesChanged=true")
	}
	if len(d.RestartNeeded) != 0 {
		t.Errorf("fallback reply is hot-reloadable, got RestartNeeded=%v", d.RestartNeeded)
	}
}

func TestDiff_VocabularyChanged(t *testing.T) {
	t.Parallel()
	old := practiceConfig()
	new := practiceConfig()
	new.Practice.Vocabulary = append(new.Practice.Vocabulary, "領収書")

	d := config.Diff(old, new)
	if !d.TunablesChanged {
		t.Error("expected TunablesChanged=true")
	}
}

func TestDiff_CaptureChangeNeedsRestart(t *testing.T) {
	t.Parallel()
	old := practiceConfig()
	new := practiceConfig()
	new.Capture.APIKey = "dg-rotated"

	d := config.Diff(old, new)
	if d.TunablesChanged {
		t.Error("expected TunablesChanged=false")
	}
	if !slices.Contains(d.RestartNeeded, "capture") {
		t.Errorf("expected capture in RestartNeeded, got %v", d.RestartNeeded)
	}
}

func TestDiff_SynthFallbacksNeedRestart(t *testing.T) {
	t.Parallel()
	old := practiceConfig()
	new := practiceConfig()
	new.Synth.Fallbacks = []config.ProviderEntry{{Provider: "coqui", BaseURL: "http://localhost:5002"}}

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartNeeded, "synth") {
		t.Errorf("expected synth in RestartNeeded, got %v", d.RestartNeeded)
	}
}

func TestDiff_ListenAddrNeedsRestart(t *testing.T) {
	t.Parallel()
	old := practiceConfig()
	new := practiceConfig()
	new.Server.ListenAddr = ":9090"

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartNeeded, "server.listen_addr") {
		t.Errorf("expected server.listen_addr in RestartNeeded, got %v", d.RestartNeeded)
	}
}

func TestDiff_LanguageNeedsRestart(t *testing.T) {
	t.Parallel()
	old := practiceConfig()
	new := practiceConfig()
	new.Practice.Language = "ko-KR"

	d := config.Diff(old, new)
	if d.TunablesChanged {
		t.Error("expected TunablesChanged=false, language is not hot-reloadable")
	}
	if !slices.Contains(d.RestartNeeded, "practice.language") {
		t.Errorf("expected practice.language in RestartNeeded, got %v", d.RestartNeeded)
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := practiceConfig()
	new := practiceConfig()
	new.Server.LogLevel = config.LogWarn
	new.Practice.FallbackReply = "もう一度、ゆっくりお願いします。"
	new.Backend.Persona = "くだけた話し方の友達"

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.TunablesChanged {
		t.Error("expected TunablesChanged=true")
	}
	if !slices.Equal(d.RestartNeeded, []string{"backend"}) {
		t.Errorf("expected RestartNeeded=[backend], got %v", d.RestartNeeded)
	}
}
