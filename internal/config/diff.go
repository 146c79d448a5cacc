package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Tunable fields
// (fallback reply, vocabulary, log level) can be applied to a running
// session; everything else is reported in RestartNeeded.
type ConfigDiff struct {
	// TunablesChanged is true if practice.fallback_reply or
	// practice.vocabulary changed.
	TunablesChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartNeeded lists the config sections that changed but only take
	// effect on restart, as dotted paths.
	RestartNeeded []string
}

// Empty reports whether the diff carries no effective change, e.g. when a
// reload only reordered keys or touched comments.
func (d ConfigDiff) Empty() bool {
	return !d.TunablesChanged && !d.LogLevelChanged && len(d.RestartNeeded) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Tunables
	if old.Practice.FallbackReply != new.Practice.FallbackReply {
		d.TunablesChanged = true
	}
	if !slices.Equal(old.Practice.Vocabulary, new.Practice.Vocabulary) {
		d.TunablesChanged = true
	}

	// Everything below needs a restart to take effect.
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "server.listen_addr")
	}
	if old.Practice.Language != new.Practice.Language {
		d.RestartNeeded = append(d.RestartNeeded, "practice.language")
	}
	if !reflect.DeepEqual(old.Capture, new.Capture) {
		d.RestartNeeded = append(d.RestartNeeded, "capture")
	}
	if !reflect.DeepEqual(old.Synth, new.Synth) {
		d.RestartNeeded = append(d.RestartNeeded, "synth")
	}
	if !reflect.DeepEqual(old.Backend, new.Backend) {
		d.RestartNeeded = append(d.RestartNeeded, "backend")
	}
	if old.Resilience != new.Resilience {
		d.RestartNeeded = append(d.RestartNeeded, "resilience")
	}
	if old.Journal != new.Journal {
		d.RestartNeeded = append(d.RestartNeeded, "journal.postgres_dsn")
	}
	if old.Sentry != new.Sentry {
		d.RestartNeeded = append(d.RestartNeeded, "sentry.dsn")
	}

	return d
}
