package logsink

import (
	"context"
	"log/slog"

	"github.com/coreos/go-systemd/v22/journal"

	"github.com/modoterra/sractl/pkg/core"
)

// JournalPriority maps an entry level to a journald priority.
func JournalPriority(level core.Level) journal.Priority {
	switch level {
	case core.LevelError:
		return journal.PriErr
	case core.LevelWarn:
		return journal.PriWarning
	case core.LevelSuccess:
		return journal.PriNotice
	case core.LevelDebug, core.LevelTrace:
		return journal.PriDebug
	default:
		return journal.PriInfo
	}
}

// MirrorToJournal forwards every new entry in sink to systemd-journald until ctx is
// done. It returns immediately when no journal socket is available.
func MirrorToJournal(ctx context.Context, sink *Sink, logger *slog.Logger) {
	if !journal.Enabled() {
		logger.Debug("journald not available, mirror disabled")
		return
	}
	logger.Info("mirroring log entries to journald")

	events := sink.Subscribe(ctx)
	for evt := range events {
		e := evt.Payload
		vars := map[string]string{
			"SRA_SOURCE": string(e.Source),
			"SRA_LEVEL":  e.Level.Token(),
		}
		if err := journal.Send(e.Text, JournalPriority(e.Level), vars); err != nil {
			logger.Warn("journal send failed", "err", err)
		}
	}
}
