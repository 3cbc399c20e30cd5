package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/hooks"
)

// BacklogAlerterListener warns when a session reports more remaining entries
// than MaxRemaining, or when a session enters the ERROR state.
type BacklogAlerterListener struct {
	logger       *slog.Logger
	maxRemaining int64
}

// NewBacklogAlerterListener creates a new listener. A maxRemaining of zero or
// less only reports sessions in ERROR.
func NewBacklogAlerterListener(logger *slog.Logger, maxRemaining int64) *BacklogAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BacklogAlerterListener{
		logger:       logger.With("component", "BacklogAlerterListener"),
		maxRemaining: maxRemaining,
	}
}

// OnEvent handles PostSyncStatusChange events.
func (l *BacklogAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostSyncStatusChange {
		return nil
	}
	payload, ok := event.Payload().(hooks.PostSyncStatusChangePayload)
	if !ok {
		l.logger.Error("Received PostSyncStatusChange event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	if payload.Status == core.SyncStatusError {
		l.logger.Error("Replication session halted", "session", payload.Session.String(), "sync_type", payload.SyncType.String())
		return nil
	}
	if l.maxRemaining > 0 && payload.Remaining > l.maxRemaining {
		l.logger.Warn("Replication backlog above threshold",
			"session", payload.Session.String(),
			"sync_type", payload.SyncType.String(),
			"remaining", payload.Remaining,
			"threshold", l.maxRemaining,
		)
	}
	// Detection only; never cancels anything.
	return nil
}

// Priority defines the execution order.
func (l *BacklogAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *BacklogAlerterListener) IsAsync() bool { return true }
