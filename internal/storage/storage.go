// Package storage durably persists a replica's PersistentState (current
// term, voted_for, log) to one file per replica. It batches the write,
// fsyncs once, then tells the caller, persisting a single gob-encoded
// snapshot per save rather than appending lines, since the replica's log
// can be truncated on conflict and an append-only record cannot represent
// that.
package storage

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mathdee/raftlab/internal/wire"
)

// Store is the durable record of one replica. Single-writer by
// construction: callers must only ever construct one Store per node id
// pointed at a given directory.
type Store struct {
	mu   sync.Mutex
	path string
	tmp  string
}

// New creates (if needed) dir and returns the Store for nodeID, backed by
// dir/server_<id>.data.
func New(dir string, nodeID wire.NodeId) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("server_%d.data", nodeID))
	return &Store{path: path, tmp: path + ".tmp"}, nil
}

// Save overwrites the record atomically: encode to a temp file in the same
// directory, fsync it, then rename over the destination. Save only returns
// once the rename has landed, so callers may treat a nil error as durable:
// nothing that depends on this state should be sent out before Save
// returns.
func (s *Store) Save(state wire.PersistentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open temp file: %w", err)
	}

	if err := gob.NewEncoder(f).Encode(state); err != nil {
		f.Close()
		return fmt.Errorf("storage: encode state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

// Get parses and returns the persisted record. Callers should only call
// this after HasData reports true.
func (s *Store) Get() (wire.PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return wire.PersistentState{}, fmt.Errorf("storage: open: %w", err)
	}
	defer f.Close()

	var state wire.PersistentState
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return wire.PersistentState{}, fmt.Errorf("storage: decode: %w", err)
	}
	return state, nil
}

// HasData reports whether the backing file exists and is non-empty.
func (s *Store) HasData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	return info.Size() > 0
}
