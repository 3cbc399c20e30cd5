package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusrepl/changelog"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/hooks"
	"github.com/INLOpen/nexusrepl/metadata"
	"github.com/INLOpen/nexusrepl/replication"
	"github.com/INLOpen/nexusrepl/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingTransport records sends and never acks.
type countingTransport struct {
	mu   sync.Mutex
	sent map[core.Session]int
}

func (c *countingTransport) Send(ctx context.Context, s core.Session, msg *core.Message) (*core.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent == nil {
		c.sent = make(map[core.Session]int)
	}
	c.sent[s]++
	return nil, nil
}

func (c *countingTransport) Sent(s core.Session) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[s]
}

type fakeConnector struct {
	mu        sync.Mutex
	connected map[string]string
	removed   []string
}

func (f *fakeConnector) Connect(c core.ClusterDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected == nil {
		f.connected = make(map[string]string)
	}
	f.connected[c.ID] = c.Endpoint
	return nil
}

func (f *fakeConnector) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.connected, id)
	f.removed = append(f.removed, id)
}

func (f *fakeConnector) endpoint(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.connected[id]
	return e, ok
}

type fakeRoutes struct {
	mu           sync.Mutex
	unregistered []core.Session
}

func (f *fakeRoutes) Unregister(s core.Session) {
	f.mu.Lock()
	f.unregistered = append(f.unregistered, s)
	f.mu.Unlock()
}

type fakeListener struct {
	mu    sync.Mutex
	calls []bool
}

func (f *fakeListener) SetLeader(leader bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, leader)
	return true
}

type managerFixture struct {
	log       *changelog.Log
	store     *metadata.Store
	transport *countingTransport
	connector *fakeConnector
	routes    *fakeRoutes
	listener  *fakeListener
	pool      *replication.WorkerPool
	manager   *Manager
}

func openLog(t *testing.T, versions int64, streams ...string) *changelog.Log {
	t.Helper()
	l, err := changelog.Open(changelog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	for v := int64(1); v <= versions; v++ {
		e := core.OpaqueEntry{Version: v, Updates: make(map[string][][]byte)}
		for _, s := range streams {
			e.Updates[s] = [][]byte{[]byte(s + "-record")}
		}
		require.NoError(t, l.Append(e))
	}
	return l
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxTries: 5, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func testParams() Params {
	return Params{
		MaxDataSizePerMsg: 1 << 20,
		Sender:            replication.SenderConfig{MaxNumMsgPerBatch: 4, MsgTimeout: time.Hour, IdleReadInterval: 2 * time.Millisecond},
		SinkBuffer:        replication.SinkBufferConfig{MaxSize: 16, AckCycleCount: 1, AckCycleTime: time.Hour},
	}
}

func newManagerFixture(t *testing.T, topology core.Topology, leader bool, hm hooks.HookManager) *managerFixture {
	t.Helper()
	f := &managerFixture{
		log:       openLog(t, 5, "orders"),
		store:     metadata.NewInMemory(nil),
		transport: &countingTransport{},
		connector: &fakeConnector{},
		routes:    &fakeRoutes{},
		listener:  &fakeListener{},
		pool:      replication.NewWorkerPool(2, 32, nil),
	}
	f.pool.Start()
	t.Cleanup(f.pool.Stop)
	m, err := NewManager(topology, Options{
		Log:       f.log,
		Streams:   core.NewStreamSet("orders"),
		Store:     f.store,
		Transport: f.transport,
		Connector: f.connector,
		Routes:    f.routes,
		Listener:  f.listener,
		Pool:      f.pool,
		Hooks:     hm,
		Retry:     fastRetry(),
		Params:    testParams(),
		Leader:    leader,
	})
	require.NoError(t, err)
	t.Cleanup(m.StopReplication)
	f.manager = m
	return f
}

func TestManager_ConnectCreatesSessions(t *testing.T) {
	f := newManagerFixture(t, topo(3, "A", []string{"C"}, []string{"B"}), true, nil)
	require.NoError(t, f.manager.Connect(context.Background()))
	require.NoError(t, f.manager.Connect(context.Background()), "connect is idempotent")

	ab, ca := core.NewSession("A", "B"), core.NewSession("C", "A")
	assert.Equal(t, []core.Session{ab, ca}, f.manager.Sessions())
	assert.Equal(t, []core.Session{ab}, f.manager.OutgoingSessions())
	assert.Equal(t, []core.Session{ca}, f.manager.IncomingSessions())

	statuses := f.manager.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, int64(3), statuses[ca].TopologyConfigID)

	endpoint, ok := f.connector.endpoint("B")
	require.True(t, ok)
	assert.Equal(t, "B:50060", endpoint)
	assert.Equal(t, []bool{true}, f.listener.calls)

	assert.Eventually(t, func() bool { return f.transport.Sent(ab) > 0 }, 5*time.Second, 5*time.Millisecond)
	sender, ok := f.manager.Sender(ab)
	require.True(t, ok)
	state, _ := sender.State()
	assert.Equal(t, replication.SenderSnapshotStart, state)
}

func TestManager_RefreshRemovesSession(t *testing.T) {
	rec := &hookRecorder{}
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostSessionRemove, rec)
	f := newManagerFixture(t, topo(1, "A", nil, []string{"B"}), true, hm)
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx))

	ab := core.NewSession("A", "B")
	assert.Eventually(t, func() bool { return f.transport.Sent(ab) > 0 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.manager.Refresh(ctx, topo(2, "A", nil, nil)))
	assert.Empty(t, f.manager.Sessions())
	_, ok := f.store.Status(ab)
	assert.False(t, ok, "persisted status is deleted")
	assert.Equal(t, []string{"B"}, f.connector.removed)
	_, ok = f.manager.Sender(ab)
	assert.False(t, ok)

	sent := f.transport.Sent(ab)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, f.transport.Sent(ab), "no traffic after removal")

	hm.Stop()
	assert.Equal(t, []core.Session{ab}, rec.sessions())
}

func TestManager_RefreshUpdatesSurvivingSessions(t *testing.T) {
	f := newManagerFixture(t, topo(1, "A", []string{"C"}, []string{"B"}), false, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx))

	next := topo(2, "A", []string{"C", "D"}, []string{"B"})
	next.RemoteSinks["B"] = core.ClusterDescriptor{ID: "B", Endpoint: "b-moved:50060"}
	require.NoError(t, f.manager.Refresh(ctx, next))

	for s, st := range f.manager.Statuses() {
		assert.Equal(t, int64(2), st.TopologyConfigID, s.String())
	}
	assert.Len(t, f.manager.Sessions(), 3)
	assert.Contains(t, f.manager.IncomingSessions(), core.NewSession("D", "A"))
	endpoint, _ := f.connector.endpoint("B")
	assert.Equal(t, "b-moved:50060", endpoint)
	assert.Equal(t, int64(2), f.manager.Topology().ConfigID)

	_, err := f.manager.SinkFactory()(core.NewSession("D", "A"))
	require.NoError(t, err)
	_, err = f.manager.SinkFactory()(core.NewSession("X", "A"))
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	assert.Error(t, f.manager.Refresh(ctx, topo(3, "Z", nil, nil)), "topology of another cluster")
}

func TestManager_RefreshRetriesOnConflict(t *testing.T) {
	f := newManagerFixture(t, topo(1, "A", []string{"C"}, nil), false, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx))

	ca := core.NewSession("C", "A")
	commits := 0
	f.manager.beforeCommit = func() {
		commits++
		if commits == 1 {
			require.NoError(t, f.store.UpdateStatus(ca, func(st *core.ReplicationStatus) error {
				st.RemainingEntriesToSend = 7
				return nil
			}))
		}
	}
	require.NoError(t, f.manager.Refresh(ctx, topo(2, "A", []string{"C"}, nil)))
	assert.Equal(t, 2, commits)

	st, ok := f.store.Status(ca)
	require.True(t, ok)
	assert.Equal(t, int64(2), st.TopologyConfigID)
	assert.Equal(t, int64(7), st.RemainingEntriesToSend)

	f.manager.beforeCommit = func() {
		require.NoError(t, f.store.UpdateStatus(ca, func(st *core.ReplicationStatus) error { return nil }))
	}
	err := f.manager.Refresh(ctx, topo(3, "A", []string{"C", "D"}, nil))
	assert.ErrorIs(t, err, core.ErrTransactionAborted)
	assert.Equal(t, []core.Session{ca}, f.manager.Sessions(), "failed refresh leaves sessions untouched")
	assert.Equal(t, int64(2), f.manager.Topology().ConfigID)
	st, _ = f.store.Status(ca)
	assert.Equal(t, int64(2), st.TopologyConfigID)
}

func TestManager_LeadershipTransitions(t *testing.T) {
	f := newManagerFixture(t, topo(1, "A", []string{"C"}, []string{"B"}), true, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx))

	ca := core.NewSession("C", "A")
	h, err := f.manager.SinkFactory()(ca)
	require.NoError(t, err)
	sink := h.(*replication.SinkManager)

	assert.True(t, f.manager.OnLeadershipLost(ctx))
	assert.False(t, f.manager.OnLeadershipLost(ctx), "unchanged leadership is ignored")
	assert.False(t, f.manager.IsLeader())
	assert.Empty(t, f.manager.OutgoingSessions())

	start := &core.Message{Metadata: core.MessageMetadata{Type: core.EntryTypeSnapshotStart, TopologyConfigID: 1, SnapshotTimestamp: 5}}
	_, err = sink.Receive(ctx, start)
	assert.ErrorIs(t, err, core.ErrStopped)

	assert.True(t, f.manager.OnLeadershipAcquired(ctx))
	phase, _ := sink.Phase()
	assert.Equal(t, core.SyncTypeUnset, phase)
	_, err = sink.Receive(ctx, start)
	assert.NoError(t, err)
	assert.Equal(t, []core.Session{core.NewSession("A", "B")}, f.manager.OutgoingSessions())
	assert.Equal(t, []bool{true, false, true}, f.listener.calls)
}

func TestManager_PrunesStaleSessionsOnLeadership(t *testing.T) {
	f := newManagerFixture(t, topo(1, "A", nil, []string{"B"}), false, nil)
	stale := core.NewSession("A", "gone")
	txn := f.store.Begin()
	txn.Put(stale, core.NewReplicationStatus(0))
	require.NoError(t, txn.Commit())

	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx))
	_, ok := f.store.Status(stale)
	assert.True(t, ok, "followers do not prune")

	require.True(t, f.manager.OnLeadershipAcquired(ctx))
	_, ok = f.store.Status(stale)
	assert.False(t, ok)
	_, ok = f.store.Status(core.NewSession("A", "B"))
	assert.True(t, ok)
}

func TestManager_EnforceSnapshotSyncAndStop(t *testing.T) {
	f := newManagerFixture(t, topo(1, "A", nil, []string{"B"}), true, nil)
	ctx := context.Background()
	require.NoError(t, f.manager.Connect(ctx))

	ab := core.NewSession("A", "B")
	require.NoError(t, f.manager.EnforceSnapshotSync(ab))
	assert.ErrorIs(t, f.manager.EnforceSnapshotSync(core.NewSession("A", "Z")), core.ErrSessionNotFound)

	require.NoError(t, f.manager.UpdateTopologyConfigID(ctx, 9))
	st, _ := f.store.Status(ab)
	assert.Equal(t, int64(9), st.TopologyConfigID)

	f.manager.StopReplication()
	f.manager.StopReplication()
	assert.Empty(t, f.manager.Sessions())
	_, ok := f.store.Status(ab)
	assert.True(t, ok, "stopping keeps persisted status")
	assert.ErrorIs(t, f.manager.Refresh(ctx, topo(2, "A", nil, nil)), core.ErrStopped)
}

type hookRecorder struct {
	mu  sync.Mutex
	got []core.Session
}

func (r *hookRecorder) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if p, ok := event.Payload().(hooks.SessionPayload); ok {
		r.mu.Lock()
		r.got = append(r.got, p.Session)
		r.mu.Unlock()
	}
	return nil
}

func (r *hookRecorder) Priority() int { return 1 }
func (r *hookRecorder) IsAsync() bool { return true }

func (r *hookRecorder) sessions() []core.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Session(nil), r.got...)
}
