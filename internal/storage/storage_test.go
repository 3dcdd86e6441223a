package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathdee/raftlab/internal/wire"
)

func TestStoreHasDataFalseBeforeFirstSave(t *testing.T) {
	s, err := New(t.TempDir(), 1)
	require.NoError(t, err)
	assert.False(t, s.HasData())
}

func TestStoreSaveGetRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), 1)
	require.NoError(t, err)

	state := wire.PersistentState{
		CurrentTerm: 3,
		VotedFor:    wire.SomeNode(2),
		Log: []wire.LogEntry{
			{Term: 1, Index: 0, Command: "x"},
			{Term: 3, Index: 1, Command: "y"},
		},
	}
	require.NoError(t, s.Save(state))
	assert.True(t, s.HasData())

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestStoreSaveOverwritesAtomically(t *testing.T) {
	s, err := New(t.TempDir(), 1)
	require.NoError(t, err)

	require.NoError(t, s.Save(wire.PersistentState{CurrentTerm: 1}))
	require.NoError(t, s.Save(wire.PersistentState{CurrentTerm: 2}))

	got, err := s.Get()
	require.NoError(t, err)
	assert.Equal(t, wire.Term(2), got.CurrentTerm)
}

func TestDistinctNodesGetDistinctFiles(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(dir, 1)
	require.NoError(t, err)
	s2, err := New(dir, 2)
	require.NoError(t, err)

	require.NoError(t, s1.Save(wire.PersistentState{CurrentTerm: 5}))
	assert.False(t, s2.HasData())
}
