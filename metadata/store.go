// Package metadata is the transactional replication status store. Every
// session has one persisted ReplicationStatus record; transactions use
// optimistic concurrency and fail with core.ErrTransactionAborted when a
// record they read was changed by a concurrent commit.
package metadata

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/INLOpen/nexusrepl/checkpoint"
	"github.com/INLOpen/nexusrepl/core"
)

const (
	statusFileName         = "REPLICATION_STATUS"
	statusFileMagic uint32 = 0x53545352 // "RSTS"
)

type record struct {
	status  core.ReplicationStatus
	version uint64
}

// Store holds the replication status records. A Store opened with an empty
// directory keeps everything in memory.
type Store struct {
	mu         sync.RWMutex
	dir        string
	logger     *slog.Logger
	records    map[core.Session]record
	setVersion uint64
	clock      uint64
}

// Open loads the store persisted in dir, creating an empty one if none exists.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{
		dir:     dir,
		logger:  logger.With("component", "MetadataStore"),
		records: make(map[core.Session]record),
	}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory %s: %w", dir, err)
	}
	data, found, err := checkpoint.Read(dir, statusFileName, statusFileMagic)
	if err != nil {
		return nil, fmt.Errorf("failed to read replication status: %w", err)
	}
	if found {
		statuses, err := decodeStatuses(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode replication status: %w", err)
		}
		for session, st := range statuses {
			s.clock++
			s.records[session] = record{status: st, version: s.clock}
		}
		s.logger.Info("Loaded replication status", "sessions", len(statuses))
	}
	return s, nil
}

// NewInMemory returns a store that is never persisted.
func NewInMemory(logger *slog.Logger) *Store {
	s, _ := Open("", logger)
	return s
}

// Begin starts a transaction.
func (s *Store) Begin() *Txn {
	return &Txn{
		store:  s,
		reads:  make(map[core.Session]uint64),
		writes: make(map[core.Session]*core.ReplicationStatus),
	}
}

// Status returns the committed status of a session.
func (s *Store) Status(session core.Session) (core.ReplicationStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[session]
	return r.status, ok
}

// Statuses returns a copy of every committed status record.
func (s *Store) Statuses() map[core.Session]core.ReplicationStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[core.Session]core.ReplicationStatus, len(s.records))
	for session, r := range s.records {
		out[session] = r.status
	}
	return out
}

// UpdateStatus runs fn against the current status of session in a single
// transaction attempt. It returns core.ErrSessionNotFound if the session has
// no record and core.ErrTransactionAborted on a write conflict.
func (s *Store) UpdateStatus(session core.Session, fn func(*core.ReplicationStatus) error) error {
	txn := s.Begin()
	st, ok := txn.Get(session)
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrSessionNotFound, session)
	}
	if err := fn(&st); err != nil {
		return err
	}
	txn.Put(session, st)
	return txn.Commit()
}

// commit validates the read set of t and applies its writes atomically.
func (s *Store) commit(t *Txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for session, seen := range t.reads {
		if s.records[session].version != seen {
			return fmt.Errorf("%w: session %s changed", core.ErrTransactionAborted, session)
		}
	}
	if t.readSet && s.setVersion != t.setVersion {
		return fmt.Errorf("%w: session set changed", core.ErrTransactionAborted)
	}
	if len(t.writes) == 0 {
		return nil
	}

	next := make(map[core.Session]record, len(s.records)+len(t.writes))
	for session, r := range s.records {
		next[session] = r
	}
	clock := s.clock
	setChanged := false
	for session, st := range t.writes {
		_, existed := next[session]
		if st == nil {
			if existed {
				delete(next, session)
				setChanged = true
			}
			continue
		}
		clock++
		next[session] = record{status: *st, version: clock}
		if !existed {
			setChanged = true
		}
	}

	if s.dir != "" {
		if err := checkpoint.Write(s.dir, statusFileName, statusFileMagic, encodeStatuses(next)); err != nil {
			return fmt.Errorf("failed to persist replication status: %w", err)
		}
	}
	s.records = next
	s.clock = clock
	if setChanged {
		s.setVersion++
	}
	return nil
}

func sortedSessions[V any](m map[core.Session]V) []core.Session {
	out := make([]core.Session, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Txn is a single-use optimistic transaction. It is not safe for concurrent use.
type Txn struct {
	store      *Store
	reads      map[core.Session]uint64
	writes     map[core.Session]*core.ReplicationStatus
	readSet    bool
	setVersion uint64
	done       bool
}

// Get returns the status of session as seen by the transaction.
func (t *Txn) Get(session core.Session) (core.ReplicationStatus, bool) {
	if st, ok := t.writes[session]; ok {
		if st == nil {
			return core.ReplicationStatus{}, false
		}
		return *st, true
	}
	t.store.mu.RLock()
	r, ok := t.store.records[session]
	t.store.mu.RUnlock()
	if _, seen := t.reads[session]; !seen {
		t.reads[session] = r.version
	}
	return r.status, ok
}

// Put writes the status of session.
func (t *Txn) Put(session core.Session, st core.ReplicationStatus) {
	t.writes[session] = &st
}

// Delete removes the record of session.
func (t *Txn) Delete(session core.Session) {
	t.writes[session] = nil
}

// Sessions returns every session with a record, including uncommitted writes
// of this transaction. The commit fails if another transaction adds or
// removes a session in the meantime.
func (t *Txn) Sessions() []core.Session {
	t.store.mu.RLock()
	present := make(map[core.Session]struct{}, len(t.store.records))
	for s := range t.store.records {
		present[s] = struct{}{}
	}
	if !t.readSet {
		t.readSet = true
		t.setVersion = t.store.setVersion
	}
	t.store.mu.RUnlock()

	for s, st := range t.writes {
		if st == nil {
			delete(present, s)
		} else {
			present[s] = struct{}{}
		}
	}
	return sortedSessions(present)
}

// Commit applies the transaction. It can be called once.
func (t *Txn) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already committed")
	}
	t.done = true
	return t.store.commit(t)
}
