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

import (
	"reflect"
	"testing"

	"github.com/coreraft/raft/raftpb"
)

func TestStorageTerm(t *testing.T) {
	ents := []raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}}
	tests := []struct {
		i uint64

		werr  error
		wterm uint64
	}{
		{2, ErrCompacted, 0},
		{3, nil, 3},
		{4, nil, 4},
		{5, nil, 5},
		{6, ErrUnavailable, 0},
	}

	for i, tt := range tests {
		s := &MemoryStorage{ents: ents}
		term, err := s.Term(tt.i)
		if err != tt.werr {
			t.Errorf("#%d: err = %v, want %v", i, err, tt.werr)
		}
		if term != tt.wterm {
			t.Errorf("#%d: term = %d, want %d", i, term, tt.wterm)
		}
	}
}

func TestStorageEntries(t *testing.T) {
	ents := []raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}, {Index: 6, Term: 6}}
	tests := []struct {
		lo, hi, maxsize uint64

		werr     error
		wentries []raftpb.Entry
	}{
		{2, 6, noLimit, ErrCompacted, nil},
		{3, 4, noLimit, ErrCompacted, nil},
		{4, 5, noLimit, nil, []raftpb.Entry{{Index: 4, Term: 4}}},
		{4, 6, noLimit, nil, []raftpb.Entry{{Index: 4, Term: 4}, {Index: 5, Term: 5}}},
		{4, 7, noLimit, nil, []raftpb.Entry{{Index: 4, Term: 4}, {Index: 5, Term: 5}, {Index: 6, Term: 6}}},
		// even if maxsize is zero, the first entry should be returned
		{4, 7, 0, nil, []raftpb.Entry{{Index: 4, Term: 4}}},
	}

	for i, tt := range tests {
		s := &MemoryStorage{ents: ents}
		entries, err := s.Entries(tt.lo, tt.hi, tt.maxsize)
		if err != tt.werr {
			t.Errorf("#%d: err = %v, want %v", i, err, tt.werr)
		}
		if !reflect.DeepEqual(entries, tt.wentries) {
			t.Errorf("#%d: entries = %v, want %v", i, entries, tt.wentries)
		}
	}
}

func TestStorageLastIndex(t *testing.T) {
	ents := []raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}}
	s := &MemoryStorage{ents: ents}

	last, err := s.LastIndex()
	if err != nil {
		t.Fatal(err)
	}
	if last != 5 {
		t.Errorf("last = %d, want 5", last)
	}

	if err := s.Append([]raftpb.Entry{{Index: 6, Term: 5}}); err != nil {
		t.Fatal(err)
	}
	last, err = s.LastIndex()
	if err != nil {
		t.Fatal(err)
	}
	if last != 6 {
		t.Errorf("last = %d, want 6", last)
	}
}

func TestStorageFirstIndex(t *testing.T) {
	ents := []raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}}
	s := &MemoryStorage{ents: ents}

	first, err := s.FirstIndex()
	if err != nil {
		t.Fatal(err)
	}
	if first != 4 {
		t.Errorf("first = %d, want 4", first)
	}

	if err := s.Compact(4); err != nil {
		t.Fatal(err)
	}
	first, err = s.FirstIndex()
	if err != nil {
		t.Fatal(err)
	}
	if first != 5 {
		t.Errorf("first = %d, want 5", first)
	}
}

func TestStorageCompact(t *testing.T) {
	ents := []raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}}
	tests := []struct {
		i uint64

		werr   error
		windex uint64
		wterm  uint64
		wlen   int
	}{
		{2, ErrCompacted, 3, 3, 3},
		{3, ErrCompacted, 3, 3, 3},
		{4, nil, 4, 4, 2},
		{5, nil, 5, 5, 1},
	}

	for i, tt := range tests {
		s := &MemoryStorage{ents: append([]raftpb.Entry{}, ents...)}
		err := s.Compact(tt.i)
		if err != tt.werr {
			t.Errorf("#%d: err = %v, want %v", i, err, tt.werr)
			continue
		}
		if err != nil {
			continue
		}
		if s.ents[0].Index != tt.windex {
			t.Errorf("#%d: index = %d, want %d", i, s.ents[0].Index, tt.windex)
		}
		if s.ents[0].Term != tt.wterm {
			t.Errorf("#%d: term = %d, want %d", i, s.ents[0].Term, tt.wterm)
		}
		if len(s.ents) != tt.wlen {
			t.Errorf("#%d: len = %d, want %d", i, len(s.ents), tt.wlen)
		}
	}
}

func TestStorageCreateSnapshot(t *testing.T) {
	ents := []raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}}
	cs := &raftpb.ConfState{Voters: []uint64{1, 2, 3}}
	data := []byte("data")

	s := &MemoryStorage{ents: ents}
	snap, err := s.CreateSnapshot(4, cs, data)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Metadata.Index != 4 || snap.Metadata.Term != 4 {
		t.Errorf("metadata = %+v, want index=4 term=4", snap.Metadata)
	}
	if !reflect.DeepEqual(snap.Metadata.ConfState, *cs) {
		t.Errorf("confstate = %v, want %v", snap.Metadata.ConfState, *cs)
	}
	if !reflect.DeepEqual(snap.Data, data) {
		t.Errorf("data = %s, want %s", snap.Data, data)
	}

	if _, err := s.CreateSnapshot(3, cs, data); err != ErrSnapOutOfDate {
		t.Errorf("err = %v, want ErrSnapOutOfDate", err)
	}
}

func TestStorageAppend(t *testing.T) {
	ents := []raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}}
	tests := []struct {
		entries []raftpb.Entry

		werr     error
		wentries []raftpb.Entry
	}{
		{
			[]raftpb.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}},
			nil,
			[]raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}},
		},
		{
			[]raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}},
			nil,
			[]raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}},
		},
		{
			[]raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 6}, {Index: 5, Term: 6}},
			nil,
			[]raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 6}, {Index: 5, Term: 6}},
		},
		{
			[]raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}, {Index: 6, Term: 5}},
			nil,
			[]raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 4}, {Index: 5, Term: 5}, {Index: 6, Term: 5}},
		},
		// truncate incoming entries, truncate the existing entries and append
		{
			[]raftpb.Entry{{Index: 2, Term: 3}, {Index: 3, Term: 3}, {Index: 4, Term: 5}},
			nil,
			[]raftpb.Entry{{Index: 3, Term: 3}, {Index: 4, Term: 5}},
		},
	}

	for i, tt := range tests {
		s := &MemoryStorage{ents: append([]raftpb.Entry{}, ents...)}
		err := s.Append(tt.entries)
		if err != tt.werr {
			t.Errorf("#%d: err = %v, want %v", i, err, tt.werr)
		}
		if !reflect.DeepEqual(s.ents, tt.wentries) {
			t.Errorf("#%d: entries = %v, want %v", i, s.ents, tt.wentries)
		}
	}
}

func TestStorageApplySnapshot(t *testing.T) {
	s := NewMemoryStorage()

	snap := raftpb.Snapshot{
		Metadata: raftpb.SnapshotMetadata{Index: 4, Term: 4, ConfState: raftpb.ConfState{Voters: []uint64{1, 2, 3}}},
		Data:     []byte("data"),
	}
	if err := s.ApplySnapshot(snap); err != nil {
		t.Fatal(err)
	}
	got, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Errorf("snapshot = %v, want %v", got, snap)
	}

	older := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 3, Term: 3}}
	if err := s.ApplySnapshot(older); err != ErrSnapOutOfDate {
		t.Errorf("err = %v, want ErrSnapOutOfDate", err)
	}
}
