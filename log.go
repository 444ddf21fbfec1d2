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

// Package raft implements the replicated log core of a Raft consensus
// node: the split between a durable Storage and an in-memory unstable
// tail, and the committed/applied cursors that sit on top of both.
//
// The core does not run elections, does not transmit messages, does
// not decide when to fsync, and does not interpret entry payloads; it
// is consumed by, but does not itself implement, the role state
// machine that drives a Raft node.
package raft

import (
	"fmt"

	"github.com/coreraft/raft/raftpb"
)

// raftLog mediates between a durable Storage and the in-memory
// unstable tail of entries appended since the last stable point.
//
// | Snapshot | storage entries    |   unstable    |
// | ........ | .................. | ............. |
// |          |                    |               |
// |      firstIndex           lastIndex
// |      committed
// |      applied              unstable.offset
// |                               | unstable.entries |
type raftLog struct {
	// storage holds all entries known to be stable, since the last
	// snapshot.
	storage Storage

	// unstable holds entries appended since the last stable point,
	// plus an optional pending snapshot.
	unstable unstable

	// committed is the highest index known to be committed on a
	// quorum of nodes. Monotonically non-decreasing.
	committed uint64
	// applied is the highest index handed to the state machine.
	// Invariant: applied <= committed.
	applied uint64

	logger Logger

	// maxNextEntsSize bounds the aggregate size of entries returned by
	// nextEntries.
	maxNextEntsSize uint64
}

// newLog returns a raftLog using storage and logger (the default
// logger if logger is nil), with no limit on nextEntries' aggregate
// size.
func newLog(storage Storage, logger Logger) *raftLog {
	return newLogWithSize(storage, logger, noLimit)
}

// newLogWithSize returns a raftLog using storage and an explicit
// nextEntries size bound. committed and applied both start at
// firstIndex-1; the saved HardState's commit index is not consulted.
func newLogWithSize(storage Storage, logger Logger, maxNextEntsSize uint64) *raftLog {
	if storage == nil {
		panic("raft: storage must not be nil")
	}
	if logger == nil {
		logger = newDefaultLogger()
	}
	l := &raftLog{
		storage:         storage,
		logger:          logger,
		maxNextEntsSize: maxNextEntsSize,
	}
	firstIndex, err := storage.FirstIndex()
	if err != nil {
		logger.Panicf("raft: get first index: %v", err)
	}
	lastIndex, err := storage.LastIndex()
	if err != nil {
		logger.Panicf("raft: get last index: %v", err)
	}
	l.unstable.offset = lastIndex + 1
	l.unstable.logger = logger
	// committed and applied start at the horizon of the last compaction.
	l.committed = firstIndex - 1
	l.applied = firstIndex - 1

	return l
}

func (l *raftLog) String() string {
	return fmt.Sprintf("committed=%d, applied=%d, unstable.offset=%d, len(unstable.entries)=%d",
		l.committed, l.applied, l.unstable.offset, len(l.unstable.entries))
}

// maybeAppend runs Raft's AppendEntries consistency check: if the
// entry at prevIndex doesn't carry term prevLogTerm, the append is
// rejected (returns 0, false). Otherwise the new entries are merged in
// past any conflict and the commit index is advanced to at most
// leaderCommit.
func (l *raftLog) maybeAppend(prevIndex, prevLogTerm, leaderCommit uint64, ents ...raftpb.Entry) (lastNewI uint64, ok bool) {
	if !l.matchTerm(prevIndex, prevLogTerm) {
		return 0, false
	}

	lastNewI = prevIndex + uint64(len(ents))
	ci := l.findConflict(ents)
	switch {
	case ci == 0:
		// No new content; nothing to append.
	case ci <= l.committed:
		l.logger.Panicf("entry %d conflict with committed entry [committed(%d)]", ci, l.committed)
	default:
		offset := prevIndex + 1
		l.append(ents[ci-offset:]...)
	}
	// The follower's commit index never exceeds what the leader says
	// it has committed, regardless of what this log had committed
	// before this append.
	l.commitTo(min(leaderCommit, lastNewI))
	return lastNewI, true
}

// append adds ents to the unstable tail and returns the new
// lastIndex. It is fatal to append entries whose first index is at or
// below committed: that would rewrite already-committed history.
func (l *raftLog) append(ents ...raftpb.Entry) uint64 {
	if len(ents) == 0 {
		return l.lastIndex()
	}
	if after := ents[0].Index - 1; after < l.committed {
		l.logger.Panicf("after(%d) is out of range [committed(%d)]", after, l.committed)
	}
	l.unstable.truncateAndAppend(ents)
	return l.lastIndex()
}

// findConflict walks ents and returns the index of the first entry
// whose (index, term) does not match this log. If every entry in ents
// matches, it returns 0; if every match and some extend past
// lastIndex, it returns the first new entry's index. ents' indices
// must be continuously increasing.
func (l *raftLog) findConflict(ents []raftpb.Entry) uint64 {
	for _, ne := range ents {
		if !l.matchTerm(ne.Index, ne.Term) {
			if ne.Index <= l.lastIndex() {
				l.logger.Infof("found conflict at index %d [existing term: %d, conflicting term: %d]",
					ne.Index, l.zeroTermOnErrCompacted(l.term(ne.Index)), ne.Term)
			}
			return ne.Index
		}
	}
	return 0
}

// findConflictByTerm takes an (index, term) pair indicating a
// conflicting log entry observed during an append, and finds the
// largest index in l with a term <= term and an index <= index. The
// walk also considers the dummy entry at firstIndex-1, and term()
// reports 0 below it, so if no entry qualifies the result is
// firstIndex-1 or, when the dummy's term exceeds term, firstIndex-2.
//
// index must be <= l.lastIndex(); an invalid input logs a warning and
// is returned unchanged.
func (l *raftLog) findConflictByTerm(index uint64, term uint64) uint64 {
	if li := l.lastIndex(); index > li {
		l.logger.Warningf("index(%d) is out of range [0, lastIndex(%d)] in findConflictByTerm",
			index, li)
		return index
	}
	for {
		logTerm, err := l.term(index)
		if logTerm <= term || err != nil {
			break
		}
		index--
	}
	return index
}

// unstableEntries returns the entries not yet written to storage, or
// nil if there are none.
func (l *raftLog) unstableEntries() []raftpb.Entry {
	if len(l.unstable.entries) == 0 {
		return nil
	}
	return l.unstable.entries
}

// nextEntries returns the committed-but-not-yet-applied entries, from
// the first one onward, bounded in aggregate size by maxNextEntsSize.
func (l *raftLog) nextEntries() []raftpb.Entry {
	off := max(l.applied+1, l.firstIndex())
	if l.committed+1 > off {
		ents, err := l.slice(off, l.committed+1, l.maxNextEntsSize)
		if err != nil {
			l.logger.Panicf("unexpected error when getting unapplied entries (%v)", err)
		}
		return ents
	}
	return nil
}

// hasNextEntries is a fast check equivalent to len(nextEntries()) > 0,
// without the slice() call's overhead.
func (l *raftLog) hasNextEntries() bool {
	off := max(l.applied+1, l.firstIndex())
	return l.committed+1 > off
}

// hasPendingSnapshot reports whether there is an unstable snapshot
// still awaiting application.
func (l *raftLog) hasPendingSnapshot() bool {
	return l.unstable.snapshot != nil && !raftpb.IsEmptySnap(*l.unstable.snapshot)
}

func (l *raftLog) snapshot() (raftpb.Snapshot, error) {
	if l.unstable.snapshot != nil {
		return *l.unstable.snapshot, nil
	}
	return l.storage.Snapshot()
}

func (l *raftLog) firstIndex() uint64 {
	if i, ok := l.unstable.maybeFirstIndex(); ok {
		return i
	}
	index, err := l.storage.FirstIndex()
	if err != nil {
		l.logger.Panicf("raft: first index: %v", err)
	}
	return index
}

func (l *raftLog) lastIndex() uint64 {
	if i, ok := l.unstable.maybeLastIndex(); ok {
		return i
	}
	i, err := l.storage.LastIndex()
	if err != nil {
		l.logger.Panicf("raft: last index: %v", err)
	}
	return i
}

// commitTo advances committed to toCommit. A no-op if toCommit is not
// ahead of the current committed; fatal if toCommit is beyond
// lastIndex (log corruption, truncation, or loss).
func (l *raftLog) commitTo(toCommit uint64) {
	if l.committed < toCommit {
		if l.lastIndex() < toCommit {
			l.logger.Panicf("tocommit(%d) is out of range [lastIndex(%d)]. Was the raft log corrupted, truncated, or lost?",
				toCommit, l.lastIndex())
		}
		l.committed = toCommit
	}
}

// appliedTo advances applied to i. i==0 is a no-op; any i outside
// [applied, committed] is fatal.
func (l *raftLog) appliedTo(i uint64) {
	if i == 0 {
		return
	}
	if l.committed < i || i < l.applied {
		l.logger.Panicf("applied(%d) is out of range [prevApplied(%d), committed(%d)]", i, l.applied, l.committed)
	}
	l.applied = i
}

func (l *raftLog) stableTo(i, t uint64) { l.unstable.stableTo(i, t) }

func (l *raftLog) stableSnapTo(i uint64) { l.unstable.stableSnapTo(i) }

// lastTerm returns the term of the last entry in the log; a failure
// here is fatal, since lastIndex must always be addressable.
func (l *raftLog) lastTerm() uint64 {
	t, err := l.term(l.lastIndex())
	if err != nil {
		l.logger.Panicf("unexpected error when getting the last term (%v)", err)
	}
	return t
}

// term returns the term at index i, or 0 if i falls outside
// [firstIndex-1, lastIndex] (silently, per spec). Compacted and
// Unavailable are propagated; any other Storage error is fatal.
func (l *raftLog) term(i uint64) (uint64, error) {
	dummyIndex := l.firstIndex() - 1
	if i < dummyIndex || i > l.lastIndex() {
		return 0, nil
	}

	if t, ok := l.unstable.maybeTerm(i); ok {
		return t, nil
	}

	t, err := l.storage.Term(i)
	if err == nil {
		return t, nil
	}
	if err == ErrCompacted || err == ErrUnavailable {
		return 0, err
	}
	l.logger.Panicf("raft: term: %v", err)
	return 0, err
}

// entries returns the entries starting at i, up to lastIndex, bounded
// by maxSize.
func (l *raftLog) entries(i, maxSize uint64) ([]raftpb.Entry, error) {
	if i > l.lastIndex() {
		return nil, nil
	}
	return l.slice(i, l.lastIndex()+1, maxSize)
}

// allEntries returns every entry in the log. A racing compaction may
// report Compacted for the initial read; allEntries retries, but only
// as long as firstIndex() keeps strictly advancing between attempts,
// bounding what would otherwise be unbounded recursion.
func (l *raftLog) allEntries() []raftpb.Entry {
	prevFirst := uint64(0)
	first := true
	for {
		fi := l.firstIndex()
		if !first && fi <= prevFirst {
			l.logger.Panicf("raft: allEntries: firstIndex did not advance past %d after Compacted", prevFirst)
		}
		ents, err := l.entries(fi, noLimit)
		if err == nil {
			return ents
		}
		if err == ErrCompacted {
			prevFirst, first = fi, false
			continue
		}
		l.logger.Panicf("raft: allEntries: %v", err)
		return nil
	}
}

// isUpToDate determines whether a candidate's (lastIndex, term) is at
// least as up-to-date as this log, per Raft's election-safety
// comparison (§5.4.1): the log ending in the later term wins; if the
// terms match, the longer log wins.
func (l *raftLog) isUpToDate(lastI, lastT uint64) bool {
	return lastT > l.lastTerm() || (lastT == l.lastTerm() && lastI >= l.lastIndex())
}

func (l *raftLog) matchTerm(i, term uint64) bool {
	t, err := l.term(i)
	if err != nil {
		return false
	}
	return t == term
}

// maybeCommit advances committed to maxIndex if maxIndex is ahead of
// committed and the term recorded at maxIndex equals term (the
// zero-term-on-compacted convention lets a leader commit transitively
// through an already-compacted prefix). Returns whether it committed.
func (l *raftLog) maybeCommit(maxIndex, term uint64) bool {
	if maxIndex > l.committed && l.zeroTermOnErrCompacted(l.term(maxIndex)) == term {
		l.commitTo(maxIndex)
		return true
	}
	return false
}

// restore replaces the log's state with snap: committed jumps to
// snap's index, and the unstable tail is reset to hold only the
// pending snapshot.
func (l *raftLog) restore(s raftpb.Snapshot) {
	l.logger.Infof("log [%s] starts to restore snapshot [index: %d, term: %d]", l, s.Metadata.Index, s.Metadata.Term)
	l.committed = s.Metadata.Index
	l.unstable.restore(s)
}

// slice returns entries in [lo, hi), spanning the stable/unstable
// boundary as needed and honoring maxSize.
func (l *raftLog) slice(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	if err := l.mustCheckOutOfBounds(lo, hi); err != nil {
		return nil, err
	}
	if lo == hi {
		return nil, nil
	}
	var ents []raftpb.Entry
	if lo < l.unstable.offset {
		storedEnts, err := l.storage.Entries(lo, min(hi, l.unstable.offset), maxSize)
		if err == ErrCompacted {
			return nil, err
		} else if err == ErrUnavailable {
			l.logger.Panicf("entries[%d:%d) is unavailable from storage", lo, min(hi, l.unstable.offset))
		} else if err != nil {
			l.logger.Panicf("raft: storage entries: %v", err)
		}

		// maxSize may have truncated the range; don't continue into
		// the unstable tail in that case.
		if uint64(len(storedEnts)) < min(hi, l.unstable.offset)-lo {
			return storedEnts, nil
		}
		ents = storedEnts
	}
	if hi > l.unstable.offset {
		unstableEnts := l.unstable.slice(max(lo, l.unstable.offset), hi)
		if len(ents) > 0 {
			combined := make([]raftpb.Entry, len(ents)+len(unstableEnts))
			n := copy(combined, ents)
			copy(combined[n:], unstableEnts)
			ents = combined
		} else {
			ents = unstableEnts
		}
	}
	return limitSize(ents, maxSize), nil
}

// mustCheckOutOfBounds enforces firstIndex() <= lo <= hi <=
// lastIndex()+1, reporting Compacted for a too-low lo and treating a
// too-high hi, or lo > hi, as fatal.
func (l *raftLog) mustCheckOutOfBounds(lo, hi uint64) error {
	if lo > hi {
		l.logger.Panicf("invalid slice %d > %d", lo, hi)
	}
	fi := l.firstIndex()
	if lo < fi {
		return ErrCompacted
	}

	li := l.lastIndex()
	if hi > li+1 {
		l.logger.Panicf("slice[%d,%d) out of bound [%d,%d]", lo, hi, fi, li)
	}
	return nil
}

// zeroTermOnErrCompacted maps (term, err) to term on success, 0 on
// Compacted, and treats any other error as fatal.
func (l *raftLog) zeroTermOnErrCompacted(t uint64, err error) uint64 {
	if err == nil {
		return t
	}
	if err == ErrCompacted {
		return 0
	}
	l.logger.Panicf("unexpected error (%v)", err)
	return 0
}
