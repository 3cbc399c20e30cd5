// Package session reconciles replication sessions with the cluster topology.
// The Manager creates, wires and tears down the engine components of every
// session and owns the reactions to leadership changes.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusrepl/changelog"
	"github.com/INLOpen/nexusrepl/config"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/hooks"
	"github.com/INLOpen/nexusrepl/metadata"
	"github.com/INLOpen/nexusrepl/replication"
	"github.com/INLOpen/nexusrepl/retry"
	"github.com/INLOpen/nexusrepl/transport"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Connector manages the outgoing connections to remote sink clusters.
// transport.ClientSet implements it.
type Connector interface {
	Connect(cluster core.ClusterDescriptor) error
	Remove(clusterID string)
}

// RouteTable is the routing table of incoming traffic. transport.Router
// implements it.
type RouteTable interface {
	Unregister(session core.Session)
}

// LeadershipListener is told about leadership changes, e.g. the transport
// server whose health follows leadership.
type LeadershipListener interface {
	SetLeader(leader bool) bool
}

// Params are the replication parameters applied to new sessions.
type Params struct {
	MaxDataSizePerMsg int
	Sender            replication.SenderConfig
	SinkBuffer        replication.SinkBufferConfig
}

// ParamsFromConfig derives Params from the replication configuration.
func ParamsFromConfig(cfg config.ReplicationConfig, logger *slog.Logger) Params {
	return Params{
		MaxDataSizePerMsg: cfg.MaxDataSizePerMsg(),
		Sender: replication.SenderConfig{
			MaxNumMsgPerBatch: cfg.MaxNumMsgPerBatch,
			MsgTimeout:        config.ParseDuration(cfg.MsgTimeout, 5*time.Second, logger),
			IdleReadInterval:  config.ParseDuration(cfg.IdleReadInterval, 100*time.Millisecond, logger),
		},
		SinkBuffer: replication.SinkBufferConfig{
			MaxSize:       cfg.SinkBufferSize,
			AckCycleCount: cfg.AckCycleCount,
			AckCycleTime:  config.ParseDuration(cfg.AckCycleTime, 15*time.Second, logger),
		},
	}
}

// Options holds the collaborators of a Manager.
type Options struct {
	Log       *changelog.Log
	Streams   *core.StreamSet
	Registry  core.StreamRegistry
	Store     *metadata.Store
	Transport replication.Transport
	Connector Connector
	Routes    RouteTable
	Listener  LeadershipListener
	// Applier applies incoming messages; a changelog.Applier on Log when nil.
	Applier replication.Applier
	Pool    *replication.WorkerPool
	Poller  *replication.StatusPoller
	Hooks   hooks.HookManager
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Retry   retry.Policy
	Params  Params
	Leader  bool
}

type outgoing struct {
	sender *replication.Sender
	ack    *replication.AckReader
}

// Manager owns every replication session of the local cluster. Refresh,
// Connect, StopReplication and the leadership callbacks run one at a time.
type Manager struct {
	local     string
	log       *changelog.Log
	streams   *core.StreamSet
	registry  core.StreamRegistry
	store     *metadata.Store
	transport replication.Transport
	connector Connector
	routes    RouteTable
	listener  LeadershipListener
	applier   replication.Applier
	pool      *replication.WorkerPool
	poller    *replication.StatusPoller
	hooks     hooks.HookManager
	tracer    trace.Tracer
	logger    *slog.Logger
	policy    retry.Policy
	params    Params

	mu         sync.Mutex
	ctx        context.Context
	topology   core.Topology
	sessions   map[core.Session]struct{}
	outgoing   map[core.Session]*outgoing
	leadership *Leadership
	connected  bool
	stopped    bool
	// beforeCommit runs before every metadata commit; tests use it to inject
	// write conflicts.
	beforeCommit func()

	// sinksMu guards incoming separately from mu, the router reads it from
	// the receive path. A nil value is a known session without a sink yet.
	sinksMu    sync.RWMutex
	incoming   map[core.Session]*replication.SinkManager
	leader     atomic.Bool
	topologyID atomic.Int64
}

// NewManager creates the manager of topology. Nothing is created until Connect.
func NewManager(topology core.Topology, opts Options) (*Manager, error) {
	if topology.LocalClusterID == "" {
		return nil, fmt.Errorf("topology without local cluster id")
	}
	if opts.Log == nil || opts.Store == nil || opts.Transport == nil || opts.Pool == nil {
		return nil, fmt.Errorf("session manager requires a changelog, a metadata store, a transport and a worker pool")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("nexusrepl/session")
	}
	streams := opts.Streams
	if streams == nil {
		streams = core.NewStreamSet()
	}
	applier := opts.Applier
	if applier == nil {
		applier = changelog.NewApplier(opts.Log, logger)
	}
	policy := opts.Retry
	if policy.MaxTries == 0 {
		policy = retry.DefaultPolicy()
	}
	m := &Manager{
		local:     topology.LocalClusterID,
		log:       opts.Log,
		streams:   streams,
		registry:  opts.Registry,
		store:     opts.Store,
		transport: opts.Transport,
		connector: opts.Connector,
		routes:    opts.Routes,
		listener:  opts.Listener,
		applier:   applier,
		pool:      opts.Pool,
		poller:    opts.Poller,
		hooks:     opts.Hooks,
		tracer:    tracer,
		logger:    logger.With("component", "SessionManager", "local_cluster", topology.LocalClusterID),
		policy:    policy,
		params:    opts.Params,
		topology:  topology.Clone(),
		sessions:  make(map[core.Session]struct{}),
		outgoing:  make(map[core.Session]*outgoing),
		incoming:  make(map[core.Session]*replication.SinkManager),
	}
	role := RoleFollower
	if opts.Leader {
		role = RoleLeader
	}
	m.leader.Store(opts.Leader)
	m.topologyID.Store(topology.ConfigID)
	m.leadership = NewLeadership(role, m.onAcquire, m.onLose)
	return m, nil
}

func sortedSessions[V any](m map[core.Session]V) []core.Session {
	out := make([]core.Session, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (m *Manager) commit(txn *metadata.Txn) error {
	if m.beforeCommit != nil {
		m.beforeCommit()
	}
	return txn.Commit()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

// Connect creates the sessions of the initial topology and starts
// replicating. ctx bounds the lifetime of every sender.
func (m *Manager) Connect(ctx context.Context) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := ctx
	ctx, span := m.tracer.Start(ctx, "SessionManager.Connect", trace.WithAttributes(
		attribute.String("local_cluster", m.local),
		attribute.Int64("topology_config_id", m.topology.ConfigID),
	))
	defer func() { endSpan(span, err) }()

	if m.stopped {
		return core.ErrStopped
	}
	if m.connected {
		return nil
	}
	m.ctx = base
	m.connected = true
	if m.listener != nil {
		m.listener.SetLeader(m.leadership.IsLeader())
	}
	if m.leadership.IsLeader() {
		m.pruneStaleLocked(ctx)
	}
	return m.createSessionsLocked(ctx)
}

// Reload fetches the topology from provider and refreshes the sessions.
func (m *Manager) Reload(ctx context.Context, provider core.TopologyProvider) error {
	topology, err := provider.Topology()
	if err != nil {
		return fmt.Errorf("load topology: %w", err)
	}
	return m.Refresh(ctx, topology)
}

// Refresh reconciles the sessions with a new topology. Sessions whose remote
// cluster left are stopped and their status deleted, surviving sessions
// take the new topology config id and sessions for new remote clusters are
// created. A failed metadata commit leaves the manager unchanged.
func (m *Manager) Refresh(ctx context.Context, next core.Topology) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, span := m.tracer.Start(ctx, "SessionManager.Refresh", trace.WithAttributes(
		attribute.Int64("topology_config_id", next.ConfigID),
	))
	defer func() { endSpan(span, err) }()

	if m.stopped {
		return core.ErrStopped
	}
	if next.LocalClusterID != m.local {
		return fmt.Errorf("topology is for cluster %q, local cluster is %q", next.LocalClusterID, m.local)
	}

	diff := Diff(m.topology, next)
	var removed, unchanged []core.Session
	err = retry.Do(ctx, m.policy, func() error {
		removed, unchanged = nil, nil
		txn := m.store.Begin()
		for _, s := range sortedSessions(m.sessions) {
			switch {
			case diff.Removes(s, m.local):
				removed = append(removed, s)
				txn.Delete(s)
			case diff.Keeps(s, m.local):
				unchanged = append(unchanged, s)
				st, ok := txn.Get(s)
				if !ok {
					st = core.NewReplicationStatus(next.ConfigID)
				}
				st.TopologyConfigID = next.ConfigID
				txn.Put(s, st)
			}
		}
		return m.commit(txn)
	})
	if err != nil {
		m.logger.Error("Failed to commit topology refresh", "topology_config_id", next.ConfigID, "error", err)
		return fmt.Errorf("refresh topology %d: %w", next.ConfigID, err)
	}

	previous := m.topology
	m.topology = next.Clone()
	m.topologyID.Store(next.ConfigID)
	m.propagateTopologyIDLocked(next.ConfigID)
	m.stopSessionsLocked(ctx, removed, true)
	m.updateParametersLocked(previous, unchanged)
	span.SetAttributes(attribute.Int("removed", len(removed)), attribute.Int("unchanged", len(unchanged)))
	m.logger.Info("Topology refreshed", "topology_config_id", next.ConfigID, "removed", len(removed), "unchanged", len(unchanged))
	if !m.connected {
		return nil
	}
	return m.createSessionsLocked(ctx)
}

func (m *Manager) propagateTopologyIDLocked(id int64) {
	for _, o := range m.outgoing {
		o.sender.SetTopologyConfigID(id)
	}
	m.sinksMu.RLock()
	for _, sink := range m.incoming {
		if sink != nil {
			sink.SetTopologyConfigID(id)
		}
	}
	m.sinksMu.RUnlock()
}

// updateParametersLocked reconnects surviving sinks whose endpoint moved.
func (m *Manager) updateParametersLocked(previous core.Topology, unchanged []core.Session) {
	if m.connector == nil {
		return
	}
	for _, s := range unchanged {
		if !s.IsOutgoing(m.local) {
			continue
		}
		cluster := m.topology.RemoteSinks[s.SinkClusterID]
		if previous.RemoteSinks[s.SinkClusterID].Endpoint == cluster.Endpoint {
			continue
		}
		if err := m.connector.Connect(cluster); err != nil {
			m.logger.Warn("Failed to reconnect to sink cluster", "remote_cluster", cluster.ID, "endpoint", cluster.Endpoint, "error", err)
		}
	}
}

// createSessionsLocked adds sessions for remote clusters without one.
func (m *Manager) createSessionsLocked(ctx context.Context) error {
	var added []core.Session
	configID := m.topology.ConfigID
	err := retry.Do(ctx, m.policy, func() error {
		added = nil
		txn := m.store.Begin()
		add := func(s core.Session) {
			if _, ok := m.sessions[s]; ok {
				return
			}
			added = append(added, s)
			st, ok := txn.Get(s)
			if !ok {
				st = core.NewReplicationStatus(configID)
			}
			st.TopologyConfigID = configID
			txn.Put(s, st)
		}
		for _, id := range sortedKeys(m.topology.RemoteSinks) {
			add(core.NewSession(m.local, id))
		}
		for _, id := range sortedKeys(m.topology.RemoteSources) {
			add(core.NewSession(id, m.local))
		}
		if len(added) == 0 {
			return nil
		}
		return m.commit(txn)
	})
	if err != nil {
		m.logger.Error("Failed to create sessions", "error", err)
		return fmt.Errorf("create sessions: %w", err)
	}

	for _, s := range added {
		m.sessions[s] = struct{}{}
		m.wireLocked(ctx, s)
		hooks.Fire(ctx, m.hooks, hooks.NewPostSessionCreateEvent(hooks.SessionPayload{Session: s, TopologyConfigID: configID}))
	}
	if len(added) > 0 {
		m.logger.Info("Sessions created", "added", len(added), "total", len(m.sessions), "outgoing", len(m.outgoing))
	}
	return nil
}

func (m *Manager) wireLocked(ctx context.Context, s core.Session) {
	if s.IsIncoming(m.local) {
		m.sinksMu.Lock()
		m.incoming[s] = nil
		m.sinksMu.Unlock()
		return
	}
	if m.connector != nil {
		if err := m.connector.Connect(m.topology.RemoteSinks[s.SinkClusterID]); err != nil {
			m.logger.Warn("Failed to connect to sink cluster", "session", s.String(), "error", err)
		}
	}
	if m.leadership.IsLeader() {
		m.startSenderLocked(s)
	}
}

func (m *Manager) startSenderLocked(s core.Session) {
	if _, ok := m.outgoing[s]; ok {
		return
	}
	src := replication.FromLog(m.log)
	logReader := replication.NewLogEntryReader(s, src, m.streams, m.registry, m.params.MaxDataSizePerMsg, m.logger)
	snapReader := replication.NewSnapshotReader(s, src, m.streams, m.params.MaxDataSizePerMsg, m.logger)
	ack := replication.NewAckReader(s, replication.AckReaderOptions{
		Log:       src,
		Streams:   m.streams,
		Processed: logReader,
		Store:     m.store,
		Retry:     m.policy,
		Hooks:     m.hooks,
		Logger:    m.logger,
	})
	sender := replication.NewSender(s, replication.SenderOptions{
		Log:            src,
		Transport:      m.transport,
		LogReader:      logReader,
		SnapshotReader: snapReader,
		AckReader:      ack,
		Pool:           m.pool,
		Hooks:          m.hooks,
		Tracer:         m.tracer,
		Logger:         m.logger,
		Config:         m.params.Sender,
	})
	sender.SetTopologyConfigID(m.topology.ConfigID)
	m.outgoing[s] = &outgoing{sender: sender, ack: ack}
	if m.poller != nil {
		m.poller.Add(ack)
	}
	sender.Start(m.ctx)
}

// stopSendersLocked stops the senders of sessions in parallel.
func (m *Manager) stopSendersLocked(sessions []core.Session) {
	var g errgroup.Group
	for _, s := range sessions {
		o, ok := m.outgoing[s]
		if !ok {
			continue
		}
		delete(m.outgoing, s)
		if m.poller != nil {
			m.poller.Remove(s)
		}
		g.Go(func() error {
			o.sender.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// stopSessionsLocked tears sessions down. With forget the sessions are also
// dropped from the known set and their routes and connections released.
func (m *Manager) stopSessionsLocked(ctx context.Context, sessions []core.Session, forget bool) {
	m.stopSendersLocked(sessions)
	for _, s := range sessions {
		if s.IsIncoming(m.local) {
			m.sinksMu.Lock()
			if sink := m.incoming[s]; sink != nil {
				sink.Stop()
			}
			if forget {
				delete(m.incoming, s)
			}
			m.sinksMu.Unlock()
			if forget && m.routes != nil {
				m.routes.Unregister(s)
			}
		} else if forget && m.connector != nil {
			m.connector.Remove(s.SinkClusterID)
		}
		if forget {
			delete(m.sessions, s)
			hooks.Fire(ctx, m.hooks, hooks.NewPostSessionRemoveEvent(hooks.SessionPayload{Session: s, TopologyConfigID: m.topology.ConfigID}))
			m.logger.Info("Session removed", "session", s.String())
		}
	}
}

// SinkFactory returns the factory the transport router uses to resolve
// incoming sessions. Sink managers are created on the first message.
func (m *Manager) SinkFactory() transport.SinkFactory {
	return func(s core.Session) (transport.SinkHandler, error) {
		m.sinksMu.Lock()
		defer m.sinksMu.Unlock()
		sink, known := m.incoming[s]
		if !known {
			return nil, core.ErrSessionNotFound
		}
		if sink == nil {
			sink = replication.NewSinkManager(s, m.currentConfigID(), m.params.SinkBuffer, m.applier, m.hooks, m.logger)
			if !m.leader.Load() {
				sink.Stop()
			}
			m.incoming[s] = sink
		}
		return sink, nil
	}
}

func (m *Manager) currentConfigID() int64 {
	return m.topologyID.Load()
}

// OnLeadershipAcquired resumes replication after the local node became leader.
func (m *Manager) OnLeadershipAcquired(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leadership.Update(ctx, true)
}

// OnLeadershipLost stops replication after the local node lost leadership.
func (m *Manager) OnLeadershipLost(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leadership.Update(ctx, false)
}

// onAcquire runs with mu held.
func (m *Manager) onAcquire(ctx context.Context) {
	m.leader.Store(true)
	m.logger.Info("Leadership acquired")
	if m.connected && !m.stopped {
		m.pruneStaleLocked(ctx)
		m.sinksMu.RLock()
		for _, sink := range m.incoming {
			if sink != nil {
				sink.Reset()
			}
		}
		m.sinksMu.RUnlock()
		for _, s := range sortedSessions(m.sessions) {
			if s.IsOutgoing(m.local) {
				m.startSenderLocked(s)
			}
		}
	}
	if m.listener != nil {
		m.listener.SetLeader(true)
	}
	hooks.Fire(ctx, m.hooks, hooks.NewOnLeadershipAcquireEvent(hooks.LeadershipPayload{LocalClusterID: m.local}))
}

// onLose runs with mu held.
func (m *Manager) onLose(ctx context.Context) {
	m.leader.Store(false)
	m.logger.Info("Leadership lost")
	if m.listener != nil {
		m.listener.SetLeader(false)
	}
	m.stopSessionsLocked(ctx, sortedSessions(m.sessions), false)
	hooks.Fire(ctx, m.hooks, hooks.NewOnLeadershipLoseEvent(hooks.LeadershipPayload{LocalClusterID: m.local}))
}

// pruneStaleLocked deletes persisted sessions the manager does not know,
// left behind by a leader that died mid-update.
func (m *Manager) pruneStaleLocked(ctx context.Context) {
	expected := m.expectedSessionsLocked()
	var pruned []core.Session
	err := retry.Do(ctx, m.policy, func() error {
		pruned = nil
		txn := m.store.Begin()
		for _, s := range txn.Sessions() {
			if _, ok := expected[s]; !ok {
				pruned = append(pruned, s)
				txn.Delete(s)
			}
		}
		if len(pruned) == 0 {
			return nil
		}
		return m.commit(txn)
	})
	if err != nil {
		m.logger.Warn("Failed to prune stale sessions", "error", err)
		return
	}
	for _, s := range pruned {
		m.logger.Info("Pruned stale session status", "session", s.String())
	}
}

// expectedSessionsLocked is the session set the current topology implies.
func (m *Manager) expectedSessionsLocked() map[core.Session]struct{} {
	out := make(map[core.Session]struct{}, len(m.topology.RemoteSinks)+len(m.topology.RemoteSources))
	for id := range m.topology.RemoteSinks {
		out[core.NewSession(m.local, id)] = struct{}{}
	}
	for id := range m.topology.RemoteSources {
		out[core.NewSession(id, m.local)] = struct{}{}
	}
	for s := range m.sessions {
		out[s] = struct{}{}
	}
	return out
}

// StopReplication tears every session down. Persisted status is kept.
func (m *Manager) StopReplication() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.stopSessionsLocked(context.Background(), sortedSessions(m.sessions), true)
	m.logger.Info("Replication stopped")
}

// EnforceSnapshotSync restarts the outgoing session with a snapshot sync.
func (m *Manager) EnforceSnapshotSync(s core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outgoing[s]
	if !ok {
		return fmt.Errorf("enforce snapshot sync of %s: %w", s, core.ErrSessionNotFound)
	}
	o.sender.ForceSnapshotSync()
	return nil
}

// UpdateTopologyConfigID moves every session to topology config id.
func (m *Manager) UpdateTopologyConfigID(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := retry.Do(ctx, m.policy, func() error {
		txn := m.store.Begin()
		for _, s := range sortedSessions(m.sessions) {
			st, ok := txn.Get(s)
			if !ok {
				st = core.NewReplicationStatus(id)
			}
			st.TopologyConfigID = id
			txn.Put(s, st)
		}
		return m.commit(txn)
	})
	if err != nil {
		return fmt.Errorf("update topology config id to %d: %w", id, err)
	}
	m.topology.ConfigID = id
	m.topologyID.Store(id)
	m.propagateTopologyIDLocked(id)
	return nil
}

// Sessions returns the known sessions, sorted.
func (m *Manager) Sessions() []core.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedSessions(m.sessions)
}

// OutgoingSessions returns the sessions with a running sender.
func (m *Manager) OutgoingSessions() []core.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedSessions(m.outgoing)
}

// IncomingSessions returns the sessions the local cluster is the sink of.
func (m *Manager) IncomingSessions() []core.Session {
	m.sinksMu.RLock()
	defer m.sinksMu.RUnlock()
	return sortedSessions(m.incoming)
}

// Statuses returns a copy of the persisted status of every session.
func (m *Manager) Statuses() map[core.Session]core.ReplicationStatus {
	return m.store.Statuses()
}

// Topology returns a copy of the current topology.
func (m *Manager) Topology() core.Topology {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topology.Clone()
}

// Sender returns the sender of an outgoing session.
func (m *Manager) Sender(s core.Session) (*replication.Sender, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outgoing[s]
	if !ok {
		return nil, false
	}
	return o.sender, true
}

// IsLeader reports the leadership role of the local node.
func (m *Manager) IsLeader() bool {
	return m.leader.Load()
}
