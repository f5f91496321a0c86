package eventstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitEdgeAlwaysEnqueues(t *testing.T) {
	s := New()
	s.EmitEdge("startup", nil, nil)
	s.EmitEdge("startup", nil, nil)
	drained := s.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "startup", drained[0].Name)
}

func TestEmitLevelDedupesUnchangedValue(t *testing.T) {
	s := New()
	_, ok := s.EmitLevel("runlevel", "2", nil, nil)
	assert.True(t, ok)
	_, ok = s.EmitLevel("runlevel", "2", nil, nil)
	assert.False(t, ok, "unchanged value must not enqueue a second time")

	drained := s.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, "2", *drained[0].Value)
}

func TestEmitLevelEnqueuesOnChange(t *testing.T) {
	s := New()
	s.EmitLevel("runlevel", "2", nil, nil)
	s.Drain()
	_, ok := s.EmitLevel("runlevel", "3", nil, nil)
	assert.True(t, ok)
	drained := s.Drain()
	require.Len(t, drained, 1)
	assert.Equal(t, "3", *drained[0].Value)
}

func TestDrainEmptiesQueue(t *testing.T) {
	s := New()
	s.EmitEdge("a", nil, nil)
	s.Drain()
	assert.Empty(t, s.Drain())
	assert.False(t, s.Pending())
}

func TestRecordCreatesOnFirstLookup(t *testing.T) {
	s := New()
	v := s.Record("runlevel")
	assert.Equal(t, "", v)
	_, ok := s.Find("runlevel")
	assert.True(t, ok)
}

func TestDrainDuringDrainIsNotReentrant(t *testing.T) {
	// Events emitted by logic processing a drained batch must appear
	// only in a subsequent Drain() call, never retroactively in the one
	// already in progress.
	s := New()
	s.EmitEdge("first", nil, nil)
	batch := s.Drain()
	require.Len(t, batch, 1)
	s.EmitEdge("second", nil, nil)
	nextBatch := s.Drain()
	require.Len(t, nextBatch, 1)
	assert.Equal(t, "second", nextBatch[0].Name)
}
