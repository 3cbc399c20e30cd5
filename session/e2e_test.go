package session

import (
	"context"
	"testing"
	"time"

	"github.com/INLOpen/nexusrepl/config"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/internal/testutil"
	"github.com/INLOpen/nexusrepl/metadata"
	"github.com/INLOpen/nexusrepl/replication"
	"github.com/INLOpen/nexusrepl/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagers_ReplicateOverGRPC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := replication.NewWorkerPool(4, 64, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	// Sink cluster B.
	sinkLog := openLog(t, 0)
	router := transport.NewRouter("B", nil, nil)
	server, err := transport.NewServer(router, &config.ServerConfig{GracefulStopTimeout: "1s"}, nil, nil)
	require.NoError(t, err)
	lis := testutil.NewBufconnListener(0)
	go func() { _ = server.Start(lis) }()
	t.Cleanup(server.Stop)

	sinkTopo := topo(1, "B", []string{"A"}, nil)
	sinkManager, err := NewManager(sinkTopo, Options{
		Log:       sinkLog,
		Streams:   core.NewStreamSet("orders"),
		Store:     metadata.NewInMemory(nil),
		Transport: &countingTransport{},
		Routes:    router,
		Listener:  server,
		Pool:      pool,
		Retry:     fastRetry(),
		Params:    testParams(),
		Leader:    true,
	})
	require.NoError(t, err)
	t.Cleanup(sinkManager.StopReplication)
	router.SetFactory(sinkManager.SinkFactory())
	require.NoError(t, sinkManager.Connect(ctx))

	// Source cluster A.
	sourceLog := openLog(t, 5, "orders", "audit")
	clients := transport.NewClientSet(transport.ClientConfig{
		LocalClusterID: "A",
		Compression:    core.CompressionSnappy,
		DialOptions:    testutil.BufconnDialOptions(lis),
	}, nil)
	t.Cleanup(func() { _ = clients.Close() })

	sourceTopo := topo(1, "A", nil, nil)
	sourceTopo.RemoteSinks["B"] = core.ClusterDescriptor{ID: "B", Endpoint: "passthrough:///bufnet"}
	sourceManager, err := NewManager(sourceTopo, Options{
		Log:       sourceLog,
		Streams:   core.NewStreamSet("orders"),
		Store:     metadata.NewInMemory(nil),
		Transport: clients,
		Connector: clients,
		Pool:      pool,
		Retry:     fastRetry(),
		Params:    testParams(),
		Leader:    true,
	})
	require.NoError(t, err)
	t.Cleanup(sourceManager.StopReplication)
	require.NoError(t, sourceManager.Connect(ctx))

	ab := core.NewSession("A", "B")
	sender, ok := sourceManager.Sender(ab)
	require.True(t, ok)

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	require.NoError(t, sender.Tracker().WaitFor(waitCtx, 5), "snapshot sync")
	assert.Equal(t, int64(5), sinkLog.Tail())

	for v := int64(6); v <= 8; v++ {
		require.NoError(t, sourceLog.Append(core.OpaqueEntry{Version: v, Updates: map[string][][]byte{"orders": {[]byte("o")}}}))
	}
	require.NoError(t, sender.Tracker().WaitFor(waitCtx, 8), "log entry sync")
	assert.Equal(t, int64(8), sinkLog.Tail())

	it, err := sinkLog.Entries(0)
	require.NoError(t, err)
	defer it.Close()
	first, err := it.Next()
	require.NoError(t, err)
	assert.Contains(t, first.Updates, "orders")
	assert.NotContains(t, first.Updates, "audit", "only replicated streams are shipped")

	st, ok := sourceManager.Statuses()[ab]
	require.True(t, ok)
	assert.Equal(t, int64(5), st.LastSnapshotApplied)
}
