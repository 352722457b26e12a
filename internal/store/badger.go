// SPDX-License-Identifier: MIT

// Package store persists per-channel coordinator state in badger.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/stitchd/stitchd/internal/stitch"
)

// StateStore is the durable home of coordinator state. Writes are flushed
// before the coordinator releases its per-channel lock.
type StateStore interface {
	Load(ctx context.Context, channelID string) (*stitch.ChannelState, error)
	Save(ctx context.Context, channelID string, state *stitch.ChannelState) error
	Close() error
}

// BadgerStore keeps one JSON record per channel under "state:<id>".
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) the state database at path.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemory opens a volatile store, used in tests and development.
func OpenInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func stateKey(channelID string) []byte {
	return []byte("state:" + channelID)
}

// Load returns the stored state, or nil when the channel has none yet.
func (s *BadgerStore) Load(ctx context.Context, channelID string) (*stitch.ChannelState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out stitch.ChannelState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(channelID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, stitch.E(stitch.KindStorageFailure, "load channel state", err)
	}
	return &out, nil
}

// Save writes the state through to disk before returning.
func (s *BadgerStore) Save(ctx context.Context, channelID string, state *stitch.ChannelState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf, err := json.Marshal(state)
	if err != nil {
		return stitch.E(stitch.KindStorageFailure, "encode channel state", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(channelID), buf)
	})
	if err != nil {
		return stitch.E(stitch.KindStorageFailure, "save channel state", err)
	}
	return nil
}

var _ StateStore = (*BadgerStore)(nil)
