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

package raft

import "github.com/coreraft/raft/raftpb"

// instrumentedStorage wraps a Storage and logs every call that
// returns an error other than ErrCompacted (and, for Snapshot,
// ErrSnapshotTemporarilyUnavailable), which are routine during normal
// operation and not worth a log line on their own. It forwards every
// method unchanged otherwise.
//
// This is useful when diagnosing a log core wedged against its
// Storage: wrap the application's Storage with NewInstrumentedStorage
// before handing it to newLog, and failures surface with the method
// and arguments that triggered them.
type instrumentedStorage struct {
	s      Storage
	logger Logger
}

var _ Storage = (*instrumentedStorage)(nil)

// NewInstrumentedStorage wraps s so that non-routine errors are logged
// through logger before being returned to the caller.
func NewInstrumentedStorage(s Storage, logger Logger) Storage {
	if logger == nil {
		logger = newDefaultLogger()
	}
	return &instrumentedStorage{s: s, logger: logger}
}

func (is *instrumentedStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	hs, cs, err := is.s.InitialState()
	if err != nil {
		is.logger.Errorf("InitialState: %v", err)
	}
	return hs, cs, err
}

func (is *instrumentedStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	ents, err := is.s.Entries(lo, hi, maxSize)
	if err != nil && err != ErrCompacted {
		is.logger.Errorf("Entries(%d, %d, %d): %v", lo, hi, maxSize, err)
	}
	return ents, err
}

func (is *instrumentedStorage) Term(i uint64) (uint64, error) {
	t, err := is.s.Term(i)
	if err != nil && err != ErrCompacted {
		is.logger.Errorf("Term(%d): %v", i, err)
	}
	return t, err
}

func (is *instrumentedStorage) LastIndex() (uint64, error) {
	i, err := is.s.LastIndex()
	if err != nil {
		is.logger.Errorf("LastIndex: %v", err)
	}
	return i, err
}

func (is *instrumentedStorage) FirstIndex() (uint64, error) {
	i, err := is.s.FirstIndex()
	if err != nil {
		is.logger.Errorf("FirstIndex: %v", err)
	}
	return i, err
}

func (is *instrumentedStorage) Snapshot() (raftpb.Snapshot, error) {
	snap, err := is.s.Snapshot()
	if err != nil && err != ErrSnapshotTemporarilyUnavailable {
		is.logger.Errorf("Snapshot: %v", err)
	}
	return snap, err
}
