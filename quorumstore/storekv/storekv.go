// Copyright 2025 Certen Protocol

// Package storekv implements quorumstore.KV (QuorumStoreDB, spec §4.2) over
// cometbft-db, the same wrapping pattern as the teacher's pkg/kvdb adapter.
package storekv

import (
	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/quorumstore"
)

// Store wraps a cometbft-db dbm.DB and exposes quorumstore.KV. All
// operations are synchronous from the caller's perspective; BatchStore is
// expected to invoke them from its own single-consumer command loop.
type Store struct {
	db dbm.DB
}

var _ quorumstore.KV = (*Store)(nil)

// New wraps an already-open dbm.DB.
func New(db dbm.DB) *Store {
	return &Store{db: db}
}

// Open creates a goleveldb-backed store at dir/name, the default durable
// backend (mirrors the teacher's cometbft-db usage).
func Open(name, dir string) (*Store, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// OpenMem creates an in-memory store, used by unit tests and by nodes that
// intentionally do not persist across restarts.
func OpenMem() *Store {
	return New(dbm.NewMemDB())
}

// Put implements quorumstore.KV.
func (s *Store) Put(key, value []byte) error {
	return s.db.SetSync(key, value)
}

// Get implements quorumstore.KV. A missing key returns (nil, nil), not
// quorumstore.ErrNotFound; callers detect a missing key by the nil value
// (BatchStore does).
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Delete implements quorumstore.KV.
func (s *Store) Delete(key []byte) error {
	return s.db.DeleteSync(key)
}

// IterAll implements quorumstore.KV.
func (s *Store) IterAll(fn func(key, value []byte) error) error {
	it, err := s.db.Iterator(nil, nil)
	if err != nil {
		return err
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// Close implements quorumstore.KV.
func (s *Store) Close() error {
	return s.db.Close()
}
