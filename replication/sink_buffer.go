package replication

import (
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusrepl/core"
)

// bufferPolicy is what distinguishes the snapshot and log entry variants of
// the sink buffer: how a message names its predecessor and itself, which
// message types it accepts and how its acks look.
type bufferPolicy interface {
	name() string
	predecessor(m *core.Message) int64
	current(m *core.Message) int64
	validType(m *core.Message) bool
	buildAck(m *core.Message, watermark int64) *core.Message
}

type logEntryPolicy struct{}

func (logEntryPolicy) name() string                      { return "log_entry" }
func (logEntryPolicy) predecessor(m *core.Message) int64 { return m.Metadata.PreviousTimestamp }
func (logEntryPolicy) current(m *core.Message) int64     { return m.Metadata.Timestamp }
func (logEntryPolicy) validType(m *core.Message) bool    { return m.Metadata.Type == core.EntryTypeLogEntry }
func (logEntryPolicy) buildAck(m *core.Message, watermark int64) *core.Message {
	ack := core.NewAck(m.Metadata, core.EntryTypeLogEntryReplicated)
	ack.Metadata.Timestamp = watermark
	return ack
}

type snapshotPolicy struct{}

func (snapshotPolicy) name() string                      { return "snapshot" }
func (snapshotPolicy) predecessor(m *core.Message) int64 { return m.Metadata.SnapshotSyncSeqNum - 1 }
func (snapshotPolicy) current(m *core.Message) int64     { return m.Metadata.SnapshotSyncSeqNum }
func (snapshotPolicy) validType(m *core.Message) bool {
	return m.Metadata.Type == core.EntryTypeSnapshot || m.Metadata.Type == core.EntryTypeSnapshotEnd
}
func (snapshotPolicy) buildAck(m *core.Message, watermark int64) *core.Message {
	ack := core.NewAck(m.Metadata, core.EntryTypeSnapshotReplicated)
	ack.Metadata.SnapshotSyncSeqNum = watermark
	return ack
}

// SinkBufferConfig holds the buffer bound and the ack cadence.
type SinkBufferConfig struct {
	MaxSize       int
	AckCycleCount int
	AckCycleTime  time.Duration
	// Now is the clock used for the ack cadence; time.Now when nil.
	Now func() time.Time
}

// SinkBuffer applies the messages of one sync phase in order. Out-of-order
// messages are held, keyed by their predecessor, until the gap before them
// is filled; the buffer never holds more than MaxSize messages.
type SinkBuffer struct {
	policy bufferPolicy
	apply  Applier
	cfg    SinkBufferConfig
	logger *slog.Logger

	mu            sync.Mutex
	buffer        map[int64]*core.Message
	lastProcessed int64
	ackCount      int
	lastAck       time.Time
	stopped       bool
}

func newSinkBuffer(policy bufferPolicy, cfg SinkBufferConfig, lastProcessed int64, apply Applier, logger *slog.Logger) *SinkBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SinkBuffer{
		policy:        policy,
		apply:         apply,
		cfg:           cfg,
		logger:        logger.With("component", "SinkBuffer", "type", policy.name()),
		buffer:        make(map[int64]*core.Message),
		lastProcessed: lastProcessed,
	}
}

// NewLogEntrySinkBuffer creates a buffer ordering LOG_ENTRY messages by
// their previous timestamp.
func NewLogEntrySinkBuffer(cfg SinkBufferConfig, lastProcessed int64, apply Applier, logger *slog.Logger) *SinkBuffer {
	return newSinkBuffer(logEntryPolicy{}, cfg, lastProcessed, apply, logger)
}

// NewSnapshotSinkBuffer creates a buffer ordering SNAPSHOT messages by their
// sequence number.
func NewSnapshotSinkBuffer(cfg SinkBufferConfig, lastProcessed int64, apply Applier, logger *slog.Logger) *SinkBuffer {
	return newSinkBuffer(snapshotPolicy{}, cfg, lastProcessed, apply, logger)
}

// Process handles an arriving message and returns the ack to send back, or
// nil when the cadence does not call for one yet.
func (b *SinkBuffer) Process(m *core.Message) *core.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return nil
	}
	if !b.policy.validType(m) {
		b.logger.Warn("Received invalid message type", "type", m.Metadata.Type.String())
		return nil
	}

	pre, cur := b.policy.predecessor(m), b.policy.current(m)
	switch {
	case pre <= b.lastProcessed && b.lastProcessed < cur:
		b.logger.Debug("Received in order message", "current", cur, "last_processed", b.lastProcessed)
		if b.apply.Apply(m) {
			b.lastProcessed = cur
			b.drainLocked()
		}
	case cur > b.lastProcessed && len(b.buffer) < b.cfg.MaxSize:
		if held, ok := b.buffer[pre]; ok && b.policy.current(held) >= cur {
			break
		}
		b.logger.Debug("Buffering unordered message", "current", cur, "previous", pre, "last_processed", b.lastProcessed)
		b.buffer[pre] = m
	default:
		b.logger.Debug("Dropping stale or overflow message", "current", cur, "last_processed", b.lastProcessed, "buffered", len(b.buffer))
	}

	if b.shouldAckLocked() {
		return b.policy.buildAck(m, b.lastProcessed)
	}
	return nil
}

// drainLocked applies buffered messages that follow lastProcessed until a gap
// or a failed apply.
func (b *SinkBuffer) drainLocked() {
	for {
		m, ok := b.buffer[b.lastProcessed]
		if !ok {
			return
		}
		cur := b.policy.current(m)
		if cur <= b.lastProcessed {
			delete(b.buffer, b.lastProcessed)
			continue
		}
		if !b.apply.Apply(m) {
			return
		}
		delete(b.buffer, b.lastProcessed)
		b.lastProcessed = cur
	}
}

func (b *SinkBuffer) shouldAckLocked() bool {
	b.ackCount++
	now := b.cfg.Now()
	if b.ackCount >= b.cfg.AckCycleCount || now.Sub(b.lastAck) >= b.cfg.AckCycleTime {
		b.ackCount = 0
		b.lastAck = now
		return true
	}
	return false
}

// LastProcessed returns the watermark of the last applied message.
func (b *SinkBuffer) LastProcessed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastProcessed
}

// Len returns the number of held out-of-order messages.
func (b *SinkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Reset clears held messages and restarts the chain at lastProcessed. A
// stopped buffer is resumed.
func (b *SinkBuffer) Reset(lastProcessed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = make(map[int64]*core.Message)
	b.lastProcessed = lastProcessed
	b.ackCount = 0
	b.lastAck = time.Time{}
	b.stopped = false
}

// Stop makes the buffer ignore every further message until Reset.
func (b *SinkBuffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}
