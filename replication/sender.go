package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/hooks"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// SenderState is the sync phase of an outgoing session.
type SenderState int32

const (
	SenderIdle SenderState = iota
	SenderSnapshotStart
	SenderSnapshot
	SenderLogEntry
	SenderError
	SenderStopped
)

func (s SenderState) String() string {
	switch s {
	case SenderSnapshotStart:
		return "SNAPSHOT_START"
	case SenderSnapshot:
		return "SNAPSHOT"
	case SenderLogEntry:
		return "LOG_ENTRY"
	case SenderError:
		return "ERROR"
	case SenderStopped:
		return "STOPPED"
	default:
		return "IDLE"
	}
}

// SenderConfig holds the flow control parameters of a sender.
type SenderConfig struct {
	// MaxNumMsgPerBatch bounds the sent but unacknowledged messages.
	MaxNumMsgPerBatch int
	// MsgTimeout is how long an unacknowledged message waits before it is resent.
	MsgTimeout time.Duration
	// IdleReadInterval is the delay before the next step when there was
	// nothing to send.
	IdleReadInterval time.Duration
	Now              func() time.Time
}

type pendingMessage struct {
	msg       *core.Message
	watermark int64
	sentAt    time.Time
	acked     bool
}

// SenderOptions holds the collaborators of a Sender.
type SenderOptions struct {
	Log            Changelog
	Transport      Transport
	LogReader      *LogEntryReader
	SnapshotReader *SnapshotReader
	AckReader      *AckReader
	Pool           *WorkerPool
	Hooks          hooks.HookManager
	Tracer         trace.Tracer
	Logger         *slog.Logger
	Config         SenderConfig
}

// Sender drives one outgoing session: a snapshot sync at the current log
// tail followed by log entry sync from the snapshot base. Steps run on the
// worker pool, at most one at a time per sender.
type Sender struct {
	session    core.Session
	log        Changelog
	transport  Transport
	logReader  *LogEntryReader
	snapReader *SnapshotReader
	ack        *AckReader
	pool       *WorkerPool
	hooks      hooks.HookManager
	tracer     trace.Tracer
	logger     *slog.Logger
	cfg        SenderConfig

	tracker  *core.AckTracker
	pendingN atomic.Int64
	stopped  atomic.Bool

	timerMu sync.Mutex
	timer   *time.Timer

	// stepMu serializes steps, Start and Stop. The fields below are only
	// touched with it held.
	stepMu       sync.Mutex
	ctx          context.Context
	state        SenderState
	syncID       uuid.UUID
	base         int64
	pending      []*pendingMessage
	readerDone   bool
	lastErr      error
	snapshotSpan trace.Span
}

// NewSender creates the sender of session. It does nothing until Start.
func NewSender(session core.Session, opts SenderOptions) *Sender {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("nexusrepl/replication")
	}
	cfg := opts.Config
	if cfg.MaxNumMsgPerBatch <= 0 {
		cfg.MaxNumMsgPerBatch = 10
	}
	if cfg.MsgTimeout <= 0 {
		cfg.MsgTimeout = 5 * time.Second
	}
	if cfg.IdleReadInterval <= 0 {
		cfg.IdleReadInterval = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Sender{
		session:    session,
		log:        opts.Log,
		transport:  opts.Transport,
		logReader:  opts.LogReader,
		snapReader: opts.SnapshotReader,
		ack:        opts.AckReader,
		pool:       opts.Pool,
		hooks:      opts.Hooks,
		tracer:     tracer,
		logger:     logger.With("component", "Sender", "session", session.String()),
		cfg:        cfg,
		tracker:    core.NewAckTracker(),
		base:       core.NonAddress,
	}
	s.ack.SetPendingCounter(s)
	return s
}

// Start begins a snapshot sync and schedules the sender on the pool.
func (s *Sender) Start(ctx context.Context) {
	s.stepMu.Lock()
	s.ctx = ctx
	s.startSnapshotLocked(ctx, "session started")
	s.stepMu.Unlock()
	s.schedule(0)
}

// Stop halts the sender and releases its readers. Idempotent.
func (s *Sender) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerMu.Unlock()

	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	s.state = SenderStopped
	s.endSnapshotSpan(errors.New("stopped"))
	s.logReader.Close()
	s.snapReader.Close()
	s.ack.Stop()
	s.logger.Info("Sender stopped")
}

// ForceSnapshotSync abandons the sync in progress and starts a new snapshot
// sync. A sender halted on an error resumes.
func (s *Sender) ForceSnapshotSync() {
	s.stepMu.Lock()
	if s.stopped.Load() || s.ctx == nil {
		s.stepMu.Unlock()
		return
	}
	halted := s.state == SenderError
	s.lastErr = nil
	s.startSnapshotLocked(s.ctx, "snapshot sync enforced")
	s.stepMu.Unlock()
	if halted {
		s.schedule(0)
	}
}

// SetTopologyConfigID stamps id on messages generated from now on.
func (s *Sender) SetTopologyConfigID(id int64) {
	s.logReader.SetTopologyConfigID(id)
	s.snapReader.SetTopologyConfigID(id)
}

// PendingCount returns the number of sent but unacknowledged messages.
func (s *Sender) PendingCount() int {
	return int(s.pendingN.Load())
}

// Tracker returns the tracker of acknowledged log entry watermarks.
func (s *Sender) Tracker() *core.AckTracker {
	return s.tracker
}

// State returns the current phase and the error that halted the sender, if any.
func (s *Sender) State() (SenderState, error) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	return s.state, s.lastErr
}

// Base returns the base watermark of the current snapshot sync.
func (s *Sender) Base() int64 {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	return s.base
}

func (s *Sender) schedule(d time.Duration) {
	if s.stopped.Load() {
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.timer = time.AfterFunc(d, func() {
		if err := s.pool.Submit(s.run); err != nil {
			s.logger.Debug("Sender step not scheduled", "error", err)
		}
	})
}

func (s *Sender) run() {
	if delay, ok := s.Step(); ok {
		s.schedule(delay)
	}
}

// Step runs one round of the sender and returns the delay before the next
// round, or false when the sender is halted.
func (s *Sender) Step() (time.Duration, bool) {
	s.stepMu.Lock()
	defer s.stepMu.Unlock()
	if s.stopped.Load() || s.ctx == nil || s.ctx.Err() != nil {
		return 0, false
	}
	switch s.state {
	case SenderSnapshotStart:
		return s.stepSnapshotStartLocked(s.ctx)
	case SenderSnapshot, SenderLogEntry:
		return s.stepTransferLocked(s.ctx)
	default:
		return 0, false
	}
}

func (s *Sender) startSnapshotLocked(ctx context.Context, reason string) {
	s.endSnapshotSpan(errors.New(reason))
	s.base = s.log.Tail()
	s.syncID = uuid.New()
	s.pending = nil
	s.pendingN.Store(0)
	s.readerDone = false
	s.logReader.Close()
	s.snapReader.Reset(s.base)
	s.tracker.Reset(core.NonAddress)
	s.ack.SetBaseSnapshot(s.base)
	s.ack.SetAckedTsAndSyncType(core.NonAddress, core.SyncTypeSnapshot)
	s.state = SenderSnapshotStart
	_, s.snapshotSpan = s.tracer.Start(ctx, "Sender.SnapshotSync", trace.WithAttributes(
		attribute.String("session", s.session.String()),
		attribute.Int64("base", s.base),
	))
	s.logger.Info("Starting snapshot sync", "base", s.base, "reason", reason, "request_id", s.syncID.String())
	if err := s.ack.MarkSnapshotSyncInfoOngoing(ctx, s.base); err != nil {
		s.logger.Warn("Failed to record snapshot sync start", "error", err)
	}
}

func (s *Sender) endSnapshotSpan(err error) {
	if s.snapshotSpan == nil {
		return
	}
	if err != nil {
		s.snapshotSpan.SetStatus(otelcodes.Error, err.Error())
	}
	s.snapshotSpan.End()
	s.snapshotSpan = nil
}

func (s *Sender) stepSnapshotStartLocked(ctx context.Context) (time.Duration, bool) {
	msg := s.snapReader.StartMessage(s.syncID)
	if err := s.vetoed(ctx, msg); err != nil {
		return s.cfg.IdleReadInterval, true
	}
	ack, err := s.transport.Send(ctx, s.session, msg)
	if err != nil {
		return s.handleSendErrLocked(ctx, err)
	}
	if ack == nil || ack.Metadata.RequestID != s.syncID || ack.Metadata.Type != core.EntryTypeSnapshotReplicated {
		return s.cfg.IdleReadInterval, true
	}
	s.fireAck(ctx, ack)
	s.state = SenderSnapshot
	s.logger.Debug("Snapshot start acknowledged", "base", s.base)
	return 0, true
}

func (s *Sender) stepTransferLocked(ctx context.Context) (time.Duration, bool) {
	state := s.state
	progressed := false

	for _, p := range append([]*pendingMessage(nil), s.pending...) {
		if p.acked || (!p.sentAt.IsZero() && s.cfg.Now().Sub(p.sentAt) < s.cfg.MsgTimeout) {
			continue
		}
		s.logger.Debug("Resending unacknowledged message", "type", p.msg.Metadata.Type.String(), "watermark", p.watermark)
		if err := s.transmitLocked(ctx, p); err != nil {
			return s.handleSendErrLocked(ctx, err)
		}
		progressed = true
		if s.state != state {
			return 0, true
		}
	}

	for len(s.pending) < s.cfg.MaxNumMsgPerBatch {
		msg, err := s.readLocked()
		if err != nil {
			return s.handleReadErrLocked(ctx, err)
		}
		if msg == nil {
			break
		}
		p := &pendingMessage{msg: msg, watermark: watermarkOf(msg)}
		s.pending = append(s.pending, p)
		s.pendingN.Store(int64(len(s.pending)))
		if err := s.transmitLocked(ctx, p); err != nil {
			return s.handleSendErrLocked(ctx, err)
		}
		progressed = true
		if s.state != state {
			return 0, true
		}
	}

	if progressed {
		return 0, true
	}
	return s.cfg.IdleReadInterval, true
}

func (s *Sender) readLocked() (*core.Message, error) {
	switch s.state {
	case SenderSnapshot:
		if s.readerDone {
			return nil, nil
		}
		msg, end, err := s.snapReader.Read(s.syncID)
		if end {
			s.readerDone = true
		}
		return msg, err
	case SenderLogEntry:
		return s.logReader.Read(s.syncID)
	default:
		return nil, nil
	}
}

func (s *Sender) vetoed(ctx context.Context, msg *core.Message) error {
	if s.hooks == nil {
		return nil
	}
	err := s.hooks.Trigger(ctx, hooks.NewPreMessageSendEvent(hooks.PreMessageSendPayload{Session: s.session, Message: msg}))
	if err != nil {
		s.logger.Debug("Message send vetoed", "type", msg.Metadata.Type.String(), "error", err)
	}
	return err
}

// transmitLocked sends p and processes the ack carried by the response. A
// vetoed message stays pending and is retried on the next step.
func (s *Sender) transmitLocked(ctx context.Context, p *pendingMessage) error {
	if s.vetoed(ctx, p.msg) != nil {
		return nil
	}
	sendCtx := ctx
	if p.msg.Metadata.Type == core.EntryTypeLogEntry {
		var span trace.Span
		sendCtx, span = s.tracer.Start(ctx, "Sender.SendLogEntry", trace.WithAttributes(
			attribute.String("session", s.session.String()),
			attribute.Int64("timestamp", p.msg.Metadata.Timestamp),
			attribute.Int64("previous_timestamp", p.msg.Metadata.PreviousTimestamp),
			attribute.Int("payload_bytes", len(p.msg.Payload)),
		))
		defer span.End()
	}
	p.sentAt = s.cfg.Now()
	ack, err := s.transport.Send(sendCtx, s.session, p.msg)
	if err != nil {
		return err
	}
	s.handleAckLocked(ctx, ack)
	return nil
}

func (s *Sender) fireAck(ctx context.Context, ack *core.Message) {
	hooks.Fire(ctx, s.hooks, hooks.NewPostAckReceiveEvent(hooks.PostAckReceivePayload{
		Session:   s.session,
		Type:      ack.Metadata.Type,
		Watermark: ackWatermark(ack),
	}))
}

func ackWatermark(ack *core.Message) int64 {
	if ack.Metadata.Type == core.EntryTypeSnapshotReplicated {
		return ack.Metadata.SnapshotSyncSeqNum
	}
	return ack.Metadata.Timestamp
}

func (s *Sender) handleAckLocked(ctx context.Context, ack *core.Message) {
	if ack == nil {
		return
	}
	if ack.Metadata.RequestID != s.syncID {
		s.logger.Debug("Ignoring ack of a previous sync", "type", ack.Metadata.Type.String())
		return
	}
	s.fireAck(ctx, ack)
	switch ack.Metadata.Type {
	case core.EntryTypeSnapshotReplicated:
		if s.state == SenderSnapshot {
			s.releaseLocked(ack.Metadata.SnapshotSyncSeqNum)
		}
	case core.EntryTypeSnapshotTransferComplete:
		if s.state == SenderSnapshot {
			s.completeSnapshotLocked(ctx)
		}
	case core.EntryTypeLogEntryReplicated:
		if s.state != SenderLogEntry {
			return
		}
		ts := ack.Metadata.Timestamp
		s.releaseLocked(ts)
		if ts > s.ack.AckedTs() {
			s.ack.SetAckedTsAndSyncType(ts, core.SyncTypeLogEntry)
		}
		s.tracker.Report(ts)
	}
}

// releaseLocked drops pending messages covered by an ack up to watermark.
func (s *Sender) releaseLocked(watermark int64) {
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.watermark <= watermark {
			p.acked = true
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	s.pendingN.Store(int64(len(s.pending)))
}

func (s *Sender) completeSnapshotLocked(ctx context.Context) {
	s.logger.Info("Snapshot transfer complete, switching to log entry sync", "base", s.base)
	for _, p := range s.pending {
		p.acked = true
	}
	s.pending = nil
	s.pendingN.Store(0)
	s.snapReader.Close()
	s.logReader.SetBaseWatermark(s.base, s.base)
	s.ack.SetAckedTsAndSyncType(s.base, core.SyncTypeLogEntry)
	s.tracker.Report(s.base)
	s.state = SenderLogEntry
	s.endSnapshotSpan(nil)
	if err := s.ack.MarkSnapshotSyncInfoCompleted(ctx); err != nil {
		s.logger.Warn("Failed to record snapshot sync completion", "error", err)
	}
}

func (s *Sender) handleSendErrLocked(ctx context.Context, err error) (time.Duration, bool) {
	if errors.Is(err, core.ErrSnapshotRequired) {
		s.startSnapshotLocked(ctx, "sink requested snapshot")
		return 0, true
	}
	if ctx.Err() != nil {
		return 0, false
	}
	s.logger.Warn("Failed to send message", "state", s.state.String(), "error", err)
	return s.cfg.IdleReadInterval, true
}

func (s *Sender) handleReadErrLocked(ctx context.Context, err error) (time.Duration, bool) {
	switch {
	case core.IsTrimmed(err):
		s.logger.Warn("Changelog position trimmed, restarting snapshot sync", "error", err)
		s.startSnapshotLocked(ctx, "changelog trimmed")
		return 0, true
	case core.IsOversize(err):
		s.logger.Error("Replication halted on oversize entry", "error", err)
		s.state = SenderError
		s.lastErr = err
		s.endSnapshotSpan(err)
		if markErr := s.ack.MarkSyncStatus(ctx, core.SyncStatusError); markErr != nil {
			s.logger.Warn("Failed to record error status", "error", markErr)
		}
		return 0, false
	default:
		s.logger.Warn("Failed to read changelog", "state", s.state.String(), "error", err)
		return s.cfg.IdleReadInterval, true
	}
}
