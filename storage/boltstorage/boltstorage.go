// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package boltstorage implements raft.Storage on top of a single
// bbolt database file: one bucket holds the log entries keyed by
// big-endian index, a second holds the HardState and the most recent
// snapshot. It exists to give the replicated log core a durable
// Storage that survives process restarts, the way an application
// embedding the core would wire one up.
package boltstorage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/coreraft/raft"
	"github.com/coreraft/raft/raftpb"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")

	hardStateKey = []byte("hardstate")
	snapshotKey  = []byte("snapshot")
)

// errNotFound is returned internally when a bucket lookup misses; it
// never escapes Storage, which reports ErrUnavailable/ErrCompacted
// instead, matching the contract every raft.Storage implementation
// shares.
var errNotFound = fmt.Errorf("boltstorage: key not found")

// Storage is a disk-backed raft.Storage. The zero value is not usable;
// construct one with Open.
type Storage struct {
	mu sync.Mutex

	db *bolt.DB
	lg *zap.Logger

	// firstIndex caches the lowest index retained after the last
	// compaction, so FirstIndex doesn't need a bucket scan on every
	// call.
	firstIndex uint64
}

// Options configures Open.
type Options struct {
	// Path is the file path of the bbolt database. It is created if
	// it does not exist.
	Path string
	// NoSync disables bbolt's fsync-on-commit. Unsafe, intended only
	// for tests that don't need to survive a crash.
	NoSync bool
	// Logger receives Open/Compact/ApplySnapshot diagnostics. Defaults to
	// zap.NewNop() if nil.
	Logger *zap.Logger
}

// Open opens or creates the bbolt database at opts.Path and ensures
// its buckets exist. The returned Storage starts with a dummy entry
// at index 0, term 0, the same convention raft.MemoryStorage uses, so
// a brand new database behaves identically to a fresh MemoryStorage.
func Open(opts Options) (*Storage, error) {
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	bopts := &bolt.Options{Timeout: time.Second}
	db, err := bolt.Open(opts.Path, 0600, bopts)
	if err != nil {
		return nil, fmt.Errorf("boltstorage: open %s: %w", opts.Path, err)
	}
	db.NoSync = opts.NoSync

	s := &Storage{db: db, lg: lg}

	if err := db.Update(func(tx *bolt.Tx) error {
		eb, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		if k, _ := eb.Cursor().First(); k == nil {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], 0)
			raw, err := (&raftpb.Entry{Index: 0, Term: 0}).Marshal()
			if err != nil {
				return err
			}
			return eb.Put(buf[:], raw)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	s.firstIndex, err = s.computeFirstIndex()
	if err != nil {
		db.Close()
		return nil, err
	}

	lg.Info("opened boltstorage database",
		zap.String("path", opts.Path),
		zap.String("size", humanize.Bytes(uint64(db.Stats().TxStats.PageCount*db.Info().PageSize))))

	return s, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	return s.db.Close()
}

func indexKey(i uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	return buf[:]
}

func keyIndex(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}

func (s *Storage) computeFirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		k, _ := c.First()
		if k == nil {
			return errNotFound
		}
		first = keyIndex(k) + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return first, nil
}

// InitialState implements raft.Storage.
func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hs raftpb.HardState
	var snap raftpb.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(metaBucket)
		if raw := mb.Get(hardStateKey); raw != nil {
			if err := hs.Unmarshal(raw); err != nil {
				return err
			}
		}
		if raw := mb.Get(snapshotKey); raw != nil {
			if err := snap.Unmarshal(raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return raftpb.HardState{}, raftpb.ConfState{}, err
	}
	return hs, snap.Metadata.ConfState, nil
}

// SetHardState persists st, overwriting whatever HardState was saved
// before.
func (s *Storage) SetHardState(st raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := st.Marshal()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(hardStateKey, raw)
	})
}

// Entries implements raft.Storage.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lo <= s.firstIndex-1 {
		return nil, raft.ErrCompacted
	}

	var ents []raftpb.Entry
	var size uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.Seek(indexKey(lo)); k != nil && keyIndex(k) < hi; k, v = c.Next() {
			var e raftpb.Entry
			if err := e.Unmarshal(v); err != nil {
				return err
			}
			esize := uint64(e.Size())
			if len(ents) > 0 && size+esize > maxSize {
				break
			}
			ents = append(ents, e)
			size += esize
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return nil, raft.ErrUnavailable
	}
	return ents, nil
}

// Term implements raft.Storage.
func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < s.firstIndex-1 {
		return 0, raft.ErrCompacted
	}

	var term uint64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(entriesBucket).Get(indexKey(i))
		if raw == nil {
			return nil
		}
		var e raftpb.Entry
		if err := e.Unmarshal(raw); err != nil {
			return err
		}
		term, found = e.Term, true
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, raft.ErrUnavailable
	}
	return term, nil
}

// LastIndex implements raft.Storage.
func (s *Storage) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex()
}

func (s *Storage) lastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		k, _ := c.Last()
		if k == nil {
			return errNotFound
		}
		last = keyIndex(k)
		return nil
	})
	return last, err
}

// FirstIndex implements raft.Storage.
func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstIndex, nil
}

// Snapshot implements raft.Storage.
func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap raftpb.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(snapshotKey)
		if raw == nil {
			return nil
		}
		return snap.Unmarshal(raw)
	})
	return snap, err
}

// ApplySnapshot overwrites all entries with the single dummy entry
// implied by snap, and persists snap as the latest snapshot.
func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	curRaw, err := s.snapshotLocked()
	if err != nil {
		return err
	}
	if curRaw.Metadata.Index >= snap.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}

	snapRaw, err := snap.Marshal()
	if err != nil {
		return err
	}
	dummy := raftpb.Entry{Index: snap.Metadata.Index, Term: snap.Metadata.Term}
	dummyRaw, err := dummy.Marshal()
	if err != nil {
		return err
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		c := eb.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		if err := eb.Put(indexKey(dummy.Index), dummyRaw); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(snapshotKey, snapRaw)
	}); err != nil {
		return err
	}

	s.firstIndex = snap.Metadata.Index + 1
	s.lg.Info("applied snapshot", zap.Uint64("index", snap.Metadata.Index), zap.Uint64("term", snap.Metadata.Term))
	return nil
}

func (s *Storage) snapshotLocked() (raftpb.Snapshot, error) {
	var snap raftpb.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metaBucket).Get(snapshotKey)
		if raw == nil {
			return nil
		}
		return snap.Unmarshal(raw)
	})
	return snap, err
}

// Compact discards all entries with index <= compactIndex, keeping a
// dummy entry at compactIndex so Term/FirstIndex stay well-defined.
func (s *Storage) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if compactIndex <= s.firstIndex-1 {
		return raft.ErrCompacted
	}
	last, err := s.lastIndex()
	if err != nil {
		return err
	}
	if compactIndex > last {
		panic("boltstorage: compact index is out of bound lastIndex")
	}

	var removed int
	if err := s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		c := eb.Cursor()
		for k, _ := c.First(); k != nil && keyIndex(k) < compactIndex; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	}); err != nil {
		return err
	}

	s.firstIndex = compactIndex + 1
	s.lg.Debug("compacted entries",
		zap.Uint64("compact-index", compactIndex),
		zap.Int("entries-removed", removed))
	return nil
}

// Append adds entries to the database, overwriting any existing
// entries that overlap their index range.
func (s *Storage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	first := entries[0].Index
	last := entries[len(entries)-1].Index
	if last < s.firstIndex {
		return nil
	}
	if first < s.firstIndex {
		entries = entries[s.firstIndex-first:]
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(entriesBucket)
		// Truncate any existing entries at or after the first index
		// being written, since they conflict with the new entries.
		c := eb.Cursor()
		for k, _ := c.Seek(indexKey(entries[0].Index)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		for i := range entries {
			raw, err := entries[i].Marshal()
			if err != nil {
				return err
			}
			if err := eb.Put(indexKey(entries[i].Index), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ raft.Storage = (*Storage)(nil)
