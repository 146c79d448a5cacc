package app

import (
	"log/slog"
	"time"

	"github.com/mkurimoto/kaiwa/internal/config"
	"github.com/mkurimoto/kaiwa/internal/turn"
	"github.com/mkurimoto/kaiwa/pkg/provider/synth"
)

// SessionInfo holds metadata about the live practice session.
type SessionInfo struct {
	// StartedAt is when the application came up.
	StartedAt time.Time

	// Language is the BCP-47 tag the session practises in.
	Language string

	// Voice is the synthesis voice resolved at startup. The zero profile
	// means the provider's own default is in use.
	Voice synth.VoiceProfile
}

// Info reports the resolved session parameters. Stable after New.
func (a *App) Info() SessionInfo {
	return SessionInfo{
		StartedAt: a.startedAt,
		Language:  a.cfg.Practice.Language,
		Voice:     a.voice,
	}
}

// ApplyConfig is the configuration watcher callback. It computes the
// difference between the previous and the freshly loaded configuration,
// applies what can change at runtime (log level, fallback reply, practice
// vocabulary) to the live session, and calls out every section that needs a
// restart to take effect. Safe to call while Run is in flight.
func (a *App) ApplyConfig(old, next *config.Config) {
	diff := config.Diff(old, next)
	if diff.Empty() {
		slog.Debug("configuration reloaded, nothing changed")
		return
	}

	if diff.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(diff.NewLogLevel.Level())
			slog.Info("log level changed", "level", string(diff.NewLogLevel))
		} else {
			slog.Warn("log level changed but the process logger is fixed, restart to apply")
		}
	}

	if diff.TunablesChanged {
		a.controller.ApplyTunables(turn.Tunables{
			FallbackReply: next.Practice.FallbackReply,
			Vocabulary:    next.Practice.Vocabulary,
		})
		slog.Info("practice tunables applied",
			"vocabulary", len(next.Practice.Vocabulary))
	}

	for _, section := range diff.RestartNeeded {
		slog.Warn("configuration change needs a restart", "section", section)
	}
}
