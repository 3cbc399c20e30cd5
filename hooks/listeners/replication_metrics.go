package listeners

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusrepl/hooks"
	"github.com/caio/go-tdigest/v4"
)

var (
	// The expvar names are process-global; sync.Once keeps
	// NewReplicationMetricsListener idempotent.
	replMetricsOnce   sync.Once
	messagesApplied   *expvar.Int
	messagesRejected  *expvar.Int
	bytesApplied      *expvar.Int
	acksReceived      *expvar.Int
	sessionsCreated   *expvar.Int
	sessionsRemoved   *expvar.Int
	leadershipChanges *expvar.Int
	payloadQuantiles  *payloadDigest
)

// payloadDigest tracks the distribution of applied payload sizes.
type payloadDigest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

func (d *payloadDigest) add(size int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.td.AddWeighted(float64(size), 1)
}

func (d *payloadDigest) snapshot() map[string]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]float64, 3)
	if d.td.Count() == 0 {
		return out
	}
	for _, p := range []float64{50, 90, 99} {
		out[fmt.Sprintf("p%.0f", p)] = d.td.Quantile(p / 100.0)
	}
	return out
}

func initReplicationMetrics() error {
	var initErr error
	replMetricsOnce.Do(func() {
		td, err := tdigest.New()
		if err != nil {
			initErr = fmt.Errorf("tdigest.New failed: %w", err)
			return
		}
		payloadQuantiles = &payloadDigest{td: td}
		messagesApplied = expvar.NewInt("replication_messages_applied_total")
		messagesRejected = expvar.NewInt("replication_messages_rejected_total")
		bytesApplied = expvar.NewInt("replication_bytes_applied_total")
		acksReceived = expvar.NewInt("replication_acks_received_total")
		sessionsCreated = expvar.NewInt("replication_sessions_created_total")
		sessionsRemoved = expvar.NewInt("replication_sessions_removed_total")
		leadershipChanges = expvar.NewInt("replication_leadership_changes_total")
		expvar.Publish("replication_payload_bytes_quantiles", expvar.Func(func() interface{} {
			return payloadQuantiles.snapshot()
		}))
	})
	if initErr != nil {
		return initErr
	}
	if payloadQuantiles == nil {
		return fmt.Errorf("replication metrics failed to initialize")
	}
	return nil
}

// ReplicationMetricsListener counts replication events on expvar and keeps a
// t-digest of applied payload sizes.
type ReplicationMetricsListener struct {
	logger *slog.Logger
}

// NewReplicationMetricsListener creates a new listener.
func NewReplicationMetricsListener(logger *slog.Logger) (*ReplicationMetricsListener, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := initReplicationMetrics(); err != nil {
		return nil, err
	}
	return &ReplicationMetricsListener{logger: logger.With("component", "ReplicationMetricsListener")}, nil
}

// RegisterAll subscribes the listener to every event it records.
func (l *ReplicationMetricsListener) RegisterAll(m hooks.HookManager) {
	for _, et := range []hooks.EventType{
		hooks.EventPostMessageApply,
		hooks.EventPostAckReceive,
		hooks.EventPostSessionCreate,
		hooks.EventPostSessionRemove,
		hooks.EventOnLeadershipAcquire,
		hooks.EventOnLeadershipLose,
	} {
		m.Register(et, l)
	}
}

// OnEvent updates the counters for the received event.
func (l *ReplicationMetricsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventPostMessageApply:
		payload, ok := event.Payload().(hooks.PostMessageApplyPayload)
		if !ok {
			l.logger.Error("Received PostMessageApply event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		if !payload.Applied {
			messagesRejected.Add(1)
			return nil
		}
		messagesApplied.Add(1)
		bytesApplied.Add(int64(payload.PayloadSize))
		if err := payloadQuantiles.add(payload.PayloadSize); err != nil {
			return fmt.Errorf("tdigest AddWeighted failed: %w", err)
		}
	case hooks.EventPostAckReceive:
		acksReceived.Add(1)
	case hooks.EventPostSessionCreate:
		sessionsCreated.Add(1)
	case hooks.EventPostSessionRemove:
		sessionsRemoved.Add(1)
	case hooks.EventOnLeadershipAcquire, hooks.EventOnLeadershipLose:
		leadershipChanges.Add(1)
	}
	return nil
}

// Priority defines the execution order.
func (l *ReplicationMetricsListener) Priority() int { return 1000 }

// IsAsync indicates this listener can run in the background.
func (l *ReplicationMetricsListener) IsAsync() bool { return true }
