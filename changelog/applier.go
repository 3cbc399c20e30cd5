package changelog

import (
	"log/slog"

	"github.com/INLOpen/nexusrepl/core"
)

// Applier applies replicated messages to a local changelog. Entries at or
// below the local tail are skipped, so replaying a message that was already
// applied is a no-op.
type Applier struct {
	log    *Log
	logger *slog.Logger
}

// NewApplier creates an Applier writing into log.
func NewApplier(log *Log, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{log: log, logger: logger.With("component", "ChangelogApplier")}
}

// Apply decodes the message payload and appends every entry newer than the
// local tail. It returns false if the payload is corrupt or an append fails.
func (a *Applier) Apply(msg *core.Message) bool {
	switch msg.Metadata.Type {
	case core.EntryTypeSnapshot, core.EntryTypeLogEntry:
	default:
		// Markers carry no data.
		return true
	}
	entries, err := core.DecodeEntries(msg.Payload)
	if err != nil {
		a.logger.Error("Failed to decode replicated payload", "type", msg.Metadata.Type, "timestamp", msg.Metadata.Timestamp, "error", err)
		return false
	}
	applied := 0
	for _, e := range entries {
		if e.Version <= a.log.Tail() {
			continue
		}
		if err := a.log.Append(e); err != nil {
			a.logger.Error("Failed to append replicated entry", "version", e.Version, "error", err)
			return false
		}
		applied++
	}
	a.logger.Debug("Applied replicated message", "type", msg.Metadata.Type, "entries", len(entries), "applied", applied)
	return true
}
