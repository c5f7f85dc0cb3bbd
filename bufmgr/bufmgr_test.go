// Copyright 2024 The Armored Witness OS authors. All Rights Reserved.
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

package bufmgr

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	testStart = 0x10000000
	testSize  = 0x10000
)

func newManager(t *testing.T) (*Manager, *Arena) {
	t.Helper()
	a := NewArena(testStart, testSize)
	return New(a, Config{PollLoops: 4, SkipPolls: 1}), a
}

func TestMapIn(t *testing.T) {
	m, a := newManager(t)

	in := []byte{1, 2, 3, 4, 5}
	addr := m.Map(In, in, 0)
	if addr == 0 {
		t.Fatal("Map failed")
	}

	if got, want := m.MappedSize(addr), 8; got != want {
		t.Fatalf("Got size %d, want %d", got, want)
	}

	got := make([]byte, len(in))
	a.Read(uint(addr), 0, got)
	if diff := cmp.Diff(got, in); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	// the caller buffer is never written for input mappings
	a.Write(uint(addr), 0, []byte{9, 9, 9, 9, 9})
	if err := m.Unmap(addr, true); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if diff := cmp.Diff(in, []byte{1, 2, 3, 4, 5}); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	if m.Live() != 0 || a.Blocks() != 0 {
		t.Fatalf("Got %d live mappings and %d blocks, want none", m.Live(), a.Blocks())
	}
}

func TestMapOutTagged(t *testing.T) {
	for _, test := range []struct {
		name     string
		writeTag uint32
		copyBack bool
		want     []byte
		wantErr  error
	}{
		{
			name:     "completed",
			writeTag: 0x1234,
			copyBack: true,
			want:     []byte{0xaa, 0xbb, 0xcc},
		}, {
			name:     "completed without copy",
			writeTag: 0x1234,
			want:     []byte{0, 0, 0},
		}, {
			name:     "stale identifier",
			writeTag: 0x1233,
			copyBack: true,
			want:     []byte{0, 0, 0},
			wantErr:  ErrTimeout,
		}, {
			name:     "never completed",
			copyBack: true,
			want:     []byte{0, 0, 0},
			wantErr:  ErrTimeout,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			m, a := newManager(t)

			out := make([]byte, 3)
			addr := m.Map(Out, out, 0x1234)
			if addr == 0 {
				t.Fatal("Map failed")
			}

			a.Write(uint(addr), 0, []byte{0xaa, 0xbb, 0xcc})

			if test.writeTag != 0 {
				var tag [TagSize]byte
				binary.LittleEndian.PutUint32(tag[:], test.writeTag)
				a.Write(uint(addr), m.MappedSize(addr), tag[:])
			}

			err := m.Unmap(addr, test.copyBack)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if diff := cmp.Diff(out, test.want); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
			if got, want := Status(err), map[bool]int{true: -3, false: 0}[test.wantErr != nil]; got != want {
				t.Fatalf("Got status %d, want %d", got, want)
			}
			if m.Live() != 0 {
				t.Fatalf("Got %d live mappings, want 0", m.Live())
			}
		})
	}
}

func TestMapFailures(t *testing.T) {
	m, _ := newManager(t)

	if addr := m.Map(In, nil, 0); addr != 0 {
		t.Fatalf("Got %#x for empty buffer, want 0", addr)
	}

	if addr := m.Map(Out, make([]byte, testSize+1), 0); addr != 0 {
		t.Fatalf("Got %#x for oversized buffer, want 0", addr)
	}

	var addrs []uint64
	for i := 0; i < MaxEntries; i++ {
		addr := m.Map(InOut, []byte{byte(i)}, 0)
		if addr == 0 {
			t.Fatalf("Map %d failed", i)
		}
		addrs = append(addrs, addr)
	}

	if addr := m.Map(In, []byte{1}, 0); addr != 0 {
		t.Fatalf("Got %#x with full admin table, want 0", addr)
	}

	for i := len(addrs) - 1; i >= 0; i-- {
		if err := m.Unmap(addrs[i], false); err != nil {
			t.Fatalf("Unmap: %v", err)
		}
	}

	err := m.Unmap(addrs[0], false)
	if !errors.Is(err, ErrMapping) {
		t.Fatalf("Got %v, want %v", err, ErrMapping)
	}
	if got := Status(err); got != -1 {
		t.Fatalf("Got status %d, want -1", got)
	}
}

func TestArenaReuse(t *testing.T) {
	a := NewArena(testStart, 64)

	x := a.Alloc(make([]byte, 32), 4)
	y := a.Alloc(make([]byte, 32), 4)
	if x == 0 || y == 0 || x == y {
		t.Fatalf("Got addresses %#x, %#x", x, y)
	}
	if z := a.Alloc([]byte{1}, 4); z != 0 {
		t.Fatalf("Got %#x from exhausted arena, want 0", z)
	}

	a.Free(x)

	if z := a.Alloc(make([]byte, 16), 4); z != x {
		t.Fatalf("Got %#x, want %#x", z, x)
	}
}
