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
	"sort"
	"sync"
)

// Arena is a hosted stand-in for a DMA region, it hands out addresses in a
// fixed window backed by ordinary heap memory. It is shared between the
// buffer manager and the emulated device.
type Arena struct {
	sync.Mutex

	start uint
	size  int
	used  int

	blocks map[uint][]byte
}

// NewArena returns an arena covering size bytes from start.
func NewArena(start uint, size int) *Arena {
	return &Arena{
		start:  start,
		size:   size,
		blocks: make(map[uint][]byte),
	}
}

// Alloc copies buf into a new block, 0 is returned when the arena is
// exhausted.
func (a *Arena) Alloc(buf []byte, align int) (addr uint) {
	a.Lock()
	defer a.Unlock()

	if align <= 0 {
		align = 1
	}

	if a.used+len(buf) > a.size {
		return 0
	}

	// first fit, addresses of live blocks are never reused
	addr = a.start

	for _, b := range a.sorted() {
		if b.addr >= addr+uint(len(buf)) {
			break
		}

		addr = (b.addr + uint(len(b.data)) + uint(align) - 1) &^ (uint(align) - 1)
	}

	if addr+uint(len(buf)) > a.start+uint(a.size) {
		return 0
	}

	block := make([]byte, len(buf))
	copy(block, buf)

	a.blocks[addr] = block
	a.used += len(buf)

	return
}

type span struct {
	addr uint
	data []byte
}

func (a *Arena) sorted() (s []span) {
	for addr, data := range a.blocks {
		s = append(s, span{addr, data})
	}

	sort.Slice(s, func(i, j int) bool { return s[i].addr < s[j].addr })

	return
}

func (a *Arena) block(addr uint, off int, n int) []byte {
	for start, data := range a.blocks {
		if addr < start || addr >= start+uint(len(data)) {
			continue
		}

		o := int(addr-start) + off

		if o < 0 || o+n > len(data) {
			return nil
		}

		return data[o : o+n]
	}

	return nil
}

// Read copies len(buf) bytes at addr+off into buf, out of range reads leave
// buf untouched.
func (a *Arena) Read(addr uint, off int, buf []byte) {
	a.Lock()
	defer a.Unlock()

	if b := a.block(addr, off, len(buf)); b != nil {
		copy(buf, b)
	}
}

// Write copies buf at addr+off, out of range writes are dropped.
func (a *Arena) Write(addr uint, off int, buf []byte) {
	a.Lock()
	defer a.Unlock()

	if b := a.block(addr, off, len(buf)); b != nil {
		copy(b, buf)
	}
}

// Free releases the block starting at addr.
func (a *Arena) Free(addr uint) {
	a.Lock()
	defer a.Unlock()

	if b, ok := a.blocks[addr]; ok {
		a.used -= len(b)
		delete(a.blocks, addr)
	}
}

// Blocks returns the number of allocated blocks.
func (a *Arena) Blocks() int {
	a.Lock()
	defer a.Unlock()

	return len(a.blocks)
}
