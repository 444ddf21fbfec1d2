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
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"

	"github.com/coreraft/raft/raftpb"
)

// parseEntries turns "index/term+index/term+..." into entries.
func parseEntries(t *testing.T, s string) []raftpb.Entry {
	t.Helper()
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var ents []raftpb.Entry
	for _, part := range strings.Split(s, "+") {
		fields := strings.Split(strings.TrimSpace(part), "/")
		if len(fields) != 2 {
			t.Fatalf("bad entry %q", part)
		}
		idx, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			t.Fatalf("bad index in %q: %v", part, err)
		}
		term, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			t.Fatalf("bad term in %q: %v", part, err)
		}
		ents = append(ents, raftpb.Entry{Index: idx, Term: term})
	}
	return ents
}

// TestLogDataDriven runs scenario files describing a sequence of
// maybeAppend/commitTo/compact calls against a single raftLog,
// printing its observable state after each step.
func TestLogDataDriven(t *testing.T) {
	datadriven.Walk(t, "testdata", func(t *testing.T, path string) {
		raftLog := newLog(NewMemoryStorage(), newDefaultLogger())

		datadriven.RunTest(t, path, func(d *datadriven.TestData) string {
			var buf strings.Builder

			runGuarded := func(f func() string) (out string) {
				defer func() {
					if r := recover(); r != nil {
						out = fmt.Sprintf("panic: %v\n", r)
					}
				}()
				return f()
			}

			switch d.Cmd {
			case "append":
				var prev, term, commit uint64
				var ents string
				for _, arg := range d.CmdArgs {
					switch arg.Key {
					case "prev":
						arg.Scan(t, 0, &prev)
					case "term":
						arg.Scan(t, 0, &term)
					case "commit":
						arg.Scan(t, 0, &commit)
					case "ents":
						arg.Scan(t, 0, &ents)
					}
				}
				es := parseEntries(t, ents)
				buf.WriteString(runGuarded(func() string {
					lasti, ok := raftLog.maybeAppend(prev, term, commit, es...)
					return fmt.Sprintf("lasti=%d ok=%v\n%s\n", lasti, ok, raftLog.String())
				}))
			case "commit":
				var to uint64
				for _, arg := range d.CmdArgs {
					if arg.Key == "to" {
						arg.Scan(t, 0, &to)
					}
				}
				buf.WriteString(runGuarded(func() string {
					raftLog.commitTo(to)
					return raftLog.String() + "\n"
				}))
			case "applied":
				var to uint64
				for _, arg := range d.CmdArgs {
					if arg.Key == "to" {
						arg.Scan(t, 0, &to)
					}
				}
				buf.WriteString(runGuarded(func() string {
					raftLog.appliedTo(to)
					return raftLog.String() + "\n"
				}))
			case "compact":
				var index uint64
				for _, arg := range d.CmdArgs {
					if arg.Key == "index" {
						arg.Scan(t, 0, &index)
					}
				}
				buf.WriteString(runGuarded(func() string {
					ms := raftLog.storage.(*MemoryStorage)
					if err := ms.Compact(index); err != nil {
						return fmt.Sprintf("err: %v\n", err)
					}
					return fmt.Sprintf("firstIndex=%d lastIndex=%d\n", raftLog.firstIndex(), raftLog.lastIndex())
				}))
			default:
				t.Fatalf("unknown command %s", d.Cmd)
			}

			return buf.String()
		})
	})
}
