// Package replication is the sync protocol engine: the source-side log entry
// and snapshot readers, the sink-side reordering buffers, the ack/progress
// reader and the per-session sender loop.
package replication

import (
	"context"

	"github.com/INLOpen/nexusrepl/changelog"
	"github.com/INLOpen/nexusrepl/core"
)

// EntryIterator is a finite, restartable walk over changelog entries.
// Next returns io.EOF at the end and *core.TrimmedError when its position
// has been garbage-collected.
type EntryIterator interface {
	Next() (core.OpaqueEntry, error)
	Close() error
}

// LogIndex answers tail and address-space queries about the changelog.
// A nil streams slice covers every entry.
type LogIndex interface {
	Tail() int64
	StreamTail(streams []string) int64
	CountBetween(lo, hi int64, streams []string) int64
}

// Changelog is the source-side view of the local changelog.
type Changelog interface {
	LogIndex
	Entries(from int64) (EntryIterator, error)
	SnapshotEntries(ts int64) (EntryIterator, error)
}

// Transport delivers a message to the sink of a session and returns the ack
// carried by the response, which is nil when the sink chose not to ack yet.
type Transport interface {
	Send(ctx context.Context, session core.Session, msg *core.Message) (*core.Message, error)
}

// Applier is the sink apply callback. It returns true when the message was
// applied and may be acknowledged.
type Applier interface {
	Apply(msg *core.Message) bool
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(msg *core.Message) bool

func (f ApplierFunc) Apply(msg *core.Message) bool { return f(msg) }

type logAdapter struct {
	*changelog.Log
}

// FromLog exposes a *changelog.Log as a Changelog.
func FromLog(l *changelog.Log) Changelog {
	return logAdapter{l}
}

func (a logAdapter) Entries(from int64) (EntryIterator, error) {
	it, err := a.Log.Entries(from)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (a logAdapter) SnapshotEntries(ts int64) (EntryIterator, error) {
	it, err := a.Log.SnapshotEntries(ts)
	if err != nil {
		return nil, err
	}
	return it, nil
}
