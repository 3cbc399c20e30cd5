package core

import (
	"sort"
	"sync/atomic"
)

// StreamSet is the set of streams under replication. Writers replace the set
// wholesale; readers get an immutable snapshot without locking.
type StreamSet struct {
	v atomic.Pointer[map[string]struct{}]
}

// NewStreamSet creates a set holding the given streams.
func NewStreamSet(streams ...string) *StreamSet {
	s := &StreamSet{}
	s.Replace(streams)
	return s
}

// Replace swaps in a new set of streams.
func (s *StreamSet) Replace(streams []string) {
	m := make(map[string]struct{}, len(streams))
	for _, name := range streams {
		m[name] = struct{}{}
	}
	s.v.Store(&m)
}

// Contains reports whether stream is replicated.
func (s *StreamSet) Contains(stream string) bool {
	m := s.v.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[stream]
	return ok
}

// Len returns the number of replicated streams.
func (s *StreamSet) Len() int {
	m := s.v.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Names returns a sorted copy of the replicated stream names.
func (s *StreamSet) Names() []string {
	m := s.v.Load()
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(*m))
	for name := range *m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StreamRegistry is the authoritative source of replicated streams. The log
// entry reader consults it when an entry references a stream it has not seen.
type StreamRegistry interface {
	ReplicatedStreams() ([]string, error)
}

// StaticRegistry is a StreamRegistry over a fixed list.
type StaticRegistry []string

func (r StaticRegistry) ReplicatedStreams() ([]string, error) {
	return append([]string(nil), r...), nil
}
