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

// Package raftpb holds the wire types shared between the log core and
// its storage backends: log entries, snapshots and the small amount of
// per-node hard state that must survive a restart.
//
// The core never interprets Entry.Data or distinguishes EntryNormal
// from EntryConfChange; Type exists only so that a caller one layer up
// can tell them apart.
package raftpb

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"
)

// EntryType tags an Entry's payload. The log core treats both values
// identically; only a consumer of nextEntries interprets them.
type EntryType int32

const (
	EntryNormal EntryType = 0
	// EntryConfChange payloads describe membership changes. Decoding
	// them is outside this core's scope.
	EntryConfChange EntryType = 1
)

func (t EntryType) String() string {
	switch t {
	case EntryNormal:
		return "EntryNormal"
	case EntryConfChange:
		return "EntryConfChange"
	default:
		return fmt.Sprintf("EntryType(%d)", int32(t))
	}
}

// Entry is a single replicated-log record.
type Entry struct {
	Type  EntryType
	Term  uint64
	Index uint64
	Data  []byte
}

func (m *Entry) Reset()         { *m = Entry{} }
func (m *Entry) String() string { return proto.CompactTextString(m) }
func (*Entry) ProtoMessage()    {}

// ConfState is the membership set embedded in a snapshot.
type ConfState struct {
	Voters   []uint64
	Learners []uint64
}

func (m *ConfState) Reset()         { *m = ConfState{} }
func (m *ConfState) String() string { return proto.CompactTextString(m) }
func (*ConfState) ProtoMessage()    {}

// SnapshotMetadata describes the prefix of the log a Snapshot
// collapses, and the membership as of that point.
type SnapshotMetadata struct {
	ConfState ConfState
	Index     uint64
	Term      uint64
}

func (m *SnapshotMetadata) Reset()         { *m = SnapshotMetadata{} }
func (m *SnapshotMetadata) String() string { return proto.CompactTextString(m) }
func (*SnapshotMetadata) ProtoMessage()    {}

// Snapshot is a compacted representation of the log prefix up to and
// including Metadata.Index.
type Snapshot struct {
	Data     []byte
	Metadata SnapshotMetadata
}

func (m *Snapshot) Reset()         { *m = Snapshot{} }
func (m *Snapshot) String() string { return proto.CompactTextString(m) }
func (*Snapshot) ProtoMessage()    {}

// IsEmptySnap reports whether sp carries no state at all.
func IsEmptySnap(sp Snapshot) bool {
	return sp.Metadata.Index == 0
}

// HardState is the subset of a node's state that must be persisted
// before responding to an RPC: the current term, the vote (if any)
// cast in that term, and the commit index.
type HardState struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

func (m *HardState) Reset()         { *m = HardState{} }
func (m *HardState) String() string { return proto.CompactTextString(m) }
func (*HardState) ProtoMessage()    {}

// IsEmptyHardState reports whether st is the zero value.
func IsEmptyHardState(st HardState) bool {
	return st.Term == 0 && st.Vote == 0 && st.Commit == 0
}

// The Marshal/Unmarshal/Size methods below hand-roll the same
// length-delimited, varint-tagged wire format gogo-generated .pb.go
// files produce. Field numbers match the historical
// go.etcd.io/raft/v3/raftpb schema: Entry{Type:1, Term:2, Index:3,
// Data:4}.

const (
	wireVarint = 0
	wireBytes  = 2
)

func appendTag(buf []byte, field int, wireType int) []byte {
	return appendVarint(buf, uint64(field)<<3|uint64(wireType))
}

func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendLenPrefixed(buf []byte, b []byte) []byte {
	buf = appendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// Marshal encodes e in the wire format described above.
func (m *Entry) Marshal() ([]byte, error) {
	buf := make([]byte, 0, m.Size())
	if m.Type != 0 {
		buf = appendTag(buf, 1, wireVarint)
		buf = appendVarint(buf, uint64(m.Type))
	}
	if m.Term != 0 {
		buf = appendTag(buf, 2, wireVarint)
		buf = appendVarint(buf, m.Term)
	}
	if m.Index != 0 {
		buf = appendTag(buf, 3, wireVarint)
		buf = appendVarint(buf, m.Index)
	}
	if len(m.Data) != 0 {
		buf = appendTag(buf, 4, wireBytes)
		buf = appendLenPrefixed(buf, m.Data)
	}
	return buf, nil
}

// Size returns the encoded length of m, without allocating.
func (m *Entry) Size() int {
	n := 0
	if m.Type != 0 {
		n += 1 + uvarintLen(uint64(m.Type))
	}
	if m.Term != 0 {
		n += 1 + uvarintLen(m.Term)
	}
	if m.Index != 0 {
		n += 1 + uvarintLen(m.Index)
	}
	if l := len(m.Data); l != 0 {
		n += 1 + uvarintLen(uint64(l)) + l
	}
	return n
}

// Unmarshal decodes b into m, overwriting its current contents.
func (m *Entry) Unmarshal(b []byte) error {
	*m = Entry{}
	r := &wireReader{b: b}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return err
		}
		switch {
		case field == 1 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Type = EntryType(v)
		case field == 2 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Term = v
		case field == 3 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Index = v
		case field == 4 && wireType == wireBytes:
			v, err := r.bytes()
			if err != nil {
				return err
			}
			m.Data = v
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// Marshal encodes the snapshot metadata and payload together.
func (m *Snapshot) Marshal() ([]byte, error) {
	metaBuf, err := m.Metadata.marshalAppend(nil)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(m.Data)+len(metaBuf)+16)
	if len(m.Data) != 0 {
		buf = appendTag(buf, 1, wireBytes)
		buf = appendLenPrefixed(buf, m.Data)
	}
	if len(metaBuf) != 0 {
		buf = appendTag(buf, 2, wireBytes)
		buf = appendLenPrefixed(buf, metaBuf)
	}
	return buf, nil
}

// Unmarshal decodes b into m, overwriting its current contents.
func (m *Snapshot) Unmarshal(b []byte) error {
	*m = Snapshot{}
	r := &wireReader{b: b}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return err
		}
		switch {
		case field == 1 && wireType == wireBytes:
			v, err := r.bytes()
			if err != nil {
				return err
			}
			m.Data = v
		case field == 2 && wireType == wireBytes:
			v, err := r.bytes()
			if err != nil {
				return err
			}
			if err := m.Metadata.Unmarshal(v); err != nil {
				return err
			}
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *SnapshotMetadata) marshalAppend(buf []byte) ([]byte, error) {
	if len(m.ConfState.Voters) != 0 || len(m.ConfState.Learners) != 0 {
		csBuf, err := m.ConfState.marshalAppend(nil)
		if err != nil {
			return nil, err
		}
		buf = appendTag(buf, 1, wireBytes)
		buf = appendLenPrefixed(buf, csBuf)
	}
	if m.Index != 0 {
		buf = appendTag(buf, 2, wireVarint)
		buf = appendVarint(buf, m.Index)
	}
	if m.Term != 0 {
		buf = appendTag(buf, 3, wireVarint)
		buf = appendVarint(buf, m.Term)
	}
	return buf, nil
}

// Marshal encodes m in the wire format described above.
func (m *SnapshotMetadata) Marshal() ([]byte, error) { return m.marshalAppend(nil) }

// Unmarshal decodes b into m, overwriting its current contents.
func (m *SnapshotMetadata) Unmarshal(b []byte) error {
	*m = SnapshotMetadata{}
	r := &wireReader{b: b}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return err
		}
		switch {
		case field == 1 && wireType == wireBytes:
			v, err := r.bytes()
			if err != nil {
				return err
			}
			if err := m.ConfState.Unmarshal(v); err != nil {
				return err
			}
		case field == 2 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Index = v
		case field == 3 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Term = v
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *ConfState) marshalAppend(buf []byte) ([]byte, error) {
	for _, id := range m.Voters {
		buf = appendTag(buf, 1, wireVarint)
		buf = appendVarint(buf, id)
	}
	for _, id := range m.Learners {
		buf = appendTag(buf, 2, wireVarint)
		buf = appendVarint(buf, id)
	}
	return buf, nil
}

// Marshal encodes m in the wire format described above.
func (m *ConfState) Marshal() ([]byte, error) { return m.marshalAppend(nil) }

// Unmarshal decodes b into m, overwriting its current contents.
func (m *ConfState) Unmarshal(b []byte) error {
	*m = ConfState{}
	r := &wireReader{b: b}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return err
		}
		switch {
		case field == 1 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Voters = append(m.Voters, v)
		case field == 2 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Learners = append(m.Learners, v)
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

// Marshal encodes m in the wire format described above.
func (m *HardState) Marshal() ([]byte, error) {
	var buf []byte
	if m.Term != 0 {
		buf = appendTag(buf, 1, wireVarint)
		buf = appendVarint(buf, m.Term)
	}
	if m.Vote != 0 {
		buf = appendTag(buf, 2, wireVarint)
		buf = appendVarint(buf, m.Vote)
	}
	if m.Commit != 0 {
		buf = appendTag(buf, 3, wireVarint)
		buf = appendVarint(buf, m.Commit)
	}
	return buf, nil
}

// Unmarshal decodes b into m, overwriting its current contents.
func (m *HardState) Unmarshal(b []byte) error {
	*m = HardState{}
	r := &wireReader{b: b}
	for !r.done() {
		field, wireType, err := r.tag()
		if err != nil {
			return err
		}
		switch {
		case field == 1 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Term = v
		case field == 2 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Vote = v
		case field == 3 && wireType == wireVarint:
			v, err := r.varint()
			if err != nil {
				return err
			}
			m.Commit = v
		default:
			if err := r.skip(wireType); err != nil {
				return err
			}
		}
	}
	return nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// wireReader walks a length-delimited/varint-tagged buffer, as
// produced by appendTag/appendVarint/appendLenPrefixed above.
type wireReader struct {
	b   []byte
	off int
}

func (r *wireReader) done() bool { return r.off >= len(r.b) }

func (r *wireReader) tag() (field int, wireType int, err error) {
	v, err := r.varint()
	if err != nil {
		return 0, 0, err
	}
	return int(v >> 3), int(v & 0x7), nil
}

func (r *wireReader) varint() (uint64, error) {
	v, n := binary.Uvarint(r.b[r.off:])
	if n <= 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.off += n
	return v, nil
}

func (r *wireReader) bytes() ([]byte, error) {
	l, err := r.varint()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.b)-r.off) < l {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, l)
	copy(out, r.b[r.off:r.off+int(l)])
	r.off += int(l)
	return out, nil
}

func (r *wireReader) skip(wireType int) error {
	switch wireType {
	case wireVarint:
		_, err := r.varint()
		return err
	case wireBytes:
		_, err := r.bytes()
		return err
	default:
		return fmt.Errorf("raftpb: unsupported wire type %d", wireType)
	}
}
