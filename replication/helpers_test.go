package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusrepl/changelog"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/stretchr/testify/require"
)

var testSession = core.NewSession("source", "sink")

func entry(version int64, streams ...string) core.OpaqueEntry {
	e := core.OpaqueEntry{Version: version, Updates: make(map[string][][]byte)}
	for _, s := range streams {
		e.Updates[s] = [][]byte{[]byte(s + "-record")}
	}
	return e
}

func openLog(t *testing.T, entries ...core.OpaqueEntry) *changelog.Log {
	t.Helper()
	l, err := changelog.Open(changelog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	for _, e := range entries {
		require.NoError(t, l.Append(e))
	}
	return l
}

// recordingApplier records applied watermarks and can be told to fail.
type recordingApplier struct {
	mu      sync.Mutex
	applied []int64
	fail    bool
}

func (a *recordingApplier) Apply(msg *core.Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return false
	}
	a.applied = append(a.applied, watermarkOf(msg))
	return true
}

func (a *recordingApplier) Applied() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.applied...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// loopback delivers messages straight to a SinkManager.
type loopback struct {
	sink *SinkManager

	mu       sync.Mutex
	sent     []*core.Message
	dropNext int
}

func (l *loopback) Send(ctx context.Context, session core.Session, msg *core.Message) (*core.Message, error) {
	l.mu.Lock()
	l.sent = append(l.sent, msg)
	drop := l.dropNext > 0
	if drop {
		l.dropNext--
	}
	l.mu.Unlock()
	if drop {
		return nil, context.DeadlineExceeded
	}
	return l.sink.Receive(ctx, msg)
}

func (l *loopback) Sent() []*core.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*core.Message(nil), l.sent...)
}

func logEntryMsg(prev, ts int64) *core.Message {
	return &core.Message{Metadata: core.MessageMetadata{
		Type:              core.EntryTypeLogEntry,
		Timestamp:         ts,
		PreviousTimestamp: prev,
		SnapshotTimestamp: 0,
	}}
}

func snapshotMsg(seq int64) *core.Message {
	return &core.Message{Metadata: core.MessageMetadata{
		Type:               core.EntryTypeSnapshot,
		SnapshotSyncSeqNum: seq,
	}}
}
