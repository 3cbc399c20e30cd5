package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEntries_PreservesStreamsAndRecords(t *testing.T) {
	entries := []OpaqueEntry{
		{Version: 10, Updates: map[string][][]byte{
			"orders":   {[]byte("o1"), []byte("o2")},
			"payments": {[]byte("p1")},
		}},
		{Version: 20, Updates: map[string][][]byte{"orders": {[]byte("o3")}}},
	}

	payload := EncodeEntries(entries)
	size := 0
	for _, e := range entries {
		size += EncodedEntrySize(e)
	}
	assert.Equal(t, size, len(payload), "payload size must be the sum of entry sizes")

	decoded, err := DecodeEntries(payload)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, int64(10), decoded[0].Version)
	assert.Equal(t, [][]byte{[]byte("o1"), []byte("o2")}, decoded[0].Updates["orders"])
	assert.Equal(t, [][]byte{[]byte("p1")}, decoded[0].Updates["payments"])
	assert.Equal(t, int64(20), decoded[1].Version)
}

func TestAppendEntry_Deterministic(t *testing.T) {
	e := OpaqueEntry{Version: 7, Updates: map[string][][]byte{
		"c": {[]byte("3")}, "a": {[]byte("1")}, "b": {[]byte("2")},
	}}
	first := AppendEntry(nil, e)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, AppendEntry(nil, e))
	}
	assert.Equal(t, []string{"a", "b", "c"}, e.Streams())
}

func TestOpaqueEntry_Filter(t *testing.T) {
	e := OpaqueEntry{Version: 3, Updates: map[string][][]byte{
		"keep": {[]byte("x")}, "drop": {[]byte("y")},
	}}
	set := NewStreamSet("keep")
	filtered := e.Filter(set.Contains)
	assert.Equal(t, int64(3), filtered.Version)
	assert.Equal(t, []string{"keep"}, filtered.Streams())
	assert.Len(t, e.Updates, 2, "filter must not mutate the source entry")

	none := e.Filter(NewStreamSet().Contains)
	assert.True(t, none.IsEmpty())
}

func TestDecodeEntries_Corrupt(t *testing.T) {
	_, err := DecodeEntries([]byte{0x0a, 0xff})
	assert.Error(t, err)
}
