package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSession_Direction(t *testing.T) {
	s := NewSession("A", "B")
	assert.True(t, s.IsOutgoing("A"))
	assert.False(t, s.IsIncoming("A"))
	assert.True(t, s.IsIncoming("B"))
	assert.Equal(t, "B", s.RemoteClusterID("A"))
	assert.Equal(t, "A", s.RemoteClusterID("B"))
	assert.Equal(t, DefaultClientName, s.Subscriber.ClientName)
	assert.Equal(t, ModelFullTable, s.Subscriber.Model)
}

func TestSession_MapKeyEquality(t *testing.T) {
	m := map[Session]int{NewSession("A", "B"): 1}
	_, ok := m[NewSession("A", "B")]
	assert.True(t, ok)

	other := NewSession("A", "B")
	other.Subscriber.Model = ModelLogicalGroups
	_, ok = m[other]
	assert.False(t, ok, "subscriber is part of the identity")
}

func TestStreamSet_Replace(t *testing.T) {
	set := NewStreamSet("b", "a")
	assert.Equal(t, []string{"a", "b"}, set.Names())
	assert.True(t, set.Contains("a"))

	set.Replace([]string{"c"})
	assert.False(t, set.Contains("a"))
	assert.Equal(t, 1, set.Len())
}

func TestErrors_Classification(t *testing.T) {
	trimmed := &TrimmedError{Requested: 5, TrimMark: 10}
	assert.True(t, IsTrimmed(trimmed))
	assert.False(t, IsOversize(trimmed))
	assert.True(t, IsOversize(&OversizeError{Watermark: 1, Size: 10, Limit: 5}))
	assert.True(t, IsTransactionAborted(ErrTransactionAborted))
	assert.False(t, IsTransactionAborted(ErrNotLeader))
}
