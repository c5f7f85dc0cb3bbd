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

// Package bufmgr translates caller buffers to device addressable DMA
// memory for the duration of a token exchange.
//
// Every mapping bounces the caller buffer through DMA memory: input data is
// copied in when mapped, output data is copied back when unmapped. An output
// mapping can be tagged with a token identifier, in which case 4 extra bytes
// are reserved after the data for the device to write the identifier once
// the DMA transfer is complete. Unmapping a tagged buffer polls for that
// identifier before the data is trusted.
package bufmgr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Direction represents the data flow of a mapped buffer.
type Direction int

// Directions
const (
	// In buffers are read by the device.
	In Direction = iota
	// Out buffers are written by the device.
	Out
	// InOut buffers are read and written by the device.
	InOut
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InOut:
		return "in/out"
	}

	return fmt.Sprintf("direction(%d)", int(d))
}

const (
	// MaxEntries is the number of concurrently live mappings.
	MaxEntries = 12
	// TagSize is the size of the token identifier written by the device.
	TagSize = 4

	DefaultPollLoops = 5000
	DefaultSkipPolls = 50
	DefaultPollDelay = 10 * time.Microsecond

	align = 4
)

// Unmap failures
var (
	// ErrTimeout is returned when the device did not signal DMA
	// completion in time.
	ErrTimeout = errors.New("DMA completion timeout")
	// ErrMapping is returned for any other unmap failure.
	ErrMapping = errors.New("DMA mapping error")
)

// Status returns the numeric unmap status: 0 on success, -3 for a completion
// timeout, -1 for any other mapping error.
func Status(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimeout):
		return -3
	}

	return -1
}

// Memory represents DMA capable memory. Alloc copies buf into a newly
// allocated block and returns its address, or 0 when memory is exhausted.
type Memory interface {
	Alloc(buf []byte, align int) (addr uint)
	Read(addr uint, off int, buf []byte)
	Write(addr uint, off int, buf []byte)
	Free(addr uint)
}

// Config represents the completion polling parameters.
type Config struct {
	// PollLoops bounds the number of token identifier checks on unmap.
	PollLoops int
	// SkipPolls is the number of initial checks performed without delay.
	SkipPolls int
	// PollDelay is the delay between checks after SkipPolls.
	PollDelay time.Duration
}

type entry struct {
	used bool
	dir  Direction
	addr uint
	// caller buffer
	buf []byte
	// mapped size, rounded up, excluding the tag
	size int
	tag  uint16
}

// Manager represents a DMA buffer manager.
type Manager struct {
	sync.Mutex

	mem     Memory
	cfg     Config
	entries [MaxEntries]entry
}

// New returns a buffer manager allocating from mem.
func New(mem Memory, cfg Config) *Manager {
	if cfg.PollLoops <= 0 {
		cfg.PollLoops = DefaultPollLoops
	}

	if cfg.SkipPolls < 0 {
		cfg.SkipPolls = 0
	}

	return &Manager{
		mem: mem,
		cfg: cfg,
	}
}

func roundUp(n int) int {
	return (n + align - 1) &^ (align - 1)
}

// Map makes buf addressable by the device and returns its DMA address, or 0
// when the buffer cannot be mapped. A non zero tag reserves room for the
// device to write the token identifier after the data of an output buffer.
func (m *Manager) Map(dir Direction, buf []byte, tag uint16) uint64 {
	if len(buf) == 0 {
		return 0
	}

	m.Lock()
	defer m.Unlock()

	n := -1

	for i := range m.entries {
		if !m.entries[i].used {
			n = i
			break
		}
	}

	if n < 0 {
		klog.V(2).Infof("bufmgr: admin table full")
		return 0
	}

	size := roundUp(len(buf))
	total := size

	if tag != 0 && dir != In {
		total += TagSize
	}

	data := make([]byte, total)

	if dir != Out {
		copy(data, buf)
	}

	addr := m.mem.Alloc(data, align)

	if addr == 0 {
		klog.V(2).Infof("bufmgr: cannot allocate %d bytes", total)
		return 0
	}

	m.entries[n] = entry{
		used: true,
		dir:  dir,
		addr: addr,
		buf:  buf,
		size: size,
		tag:  tag,
	}

	if dir == In {
		m.entries[n].tag = 0
	}

	return uint64(addr)
}

func (m *Manager) find(addr uint64) int {
	for i, e := range m.entries {
		if e.used && uint64(e.addr) == addr {
			return i
		}
	}

	return -1
}

// Unmap releases a mapping. When copyBack is set, and the buffer is written
// by the device, the DMA contents are copied to the caller buffer.
//
// For a tagged mapping the token identifier is polled first, a timeout
// returns ErrTimeout and leaves the caller buffer untouched. The mapping is
// released in every case.
func (m *Manager) Unmap(addr uint64, copyBack bool) (err error) {
	m.Lock()
	n := m.find(addr)

	if n < 0 {
		m.Unlock()
		return fmt.Errorf("%w: unknown address %#x", ErrMapping, addr)
	}

	e := m.entries[n]
	m.entries[n] = entry{}
	m.Unlock()

	defer m.mem.Free(e.addr)

	if e.tag != 0 {
		if err = m.poll(e); err != nil {
			return
		}
	}

	if copyBack && e.dir != In {
		m.mem.Read(e.addr, 0, e.buf)
	}

	return
}

func (m *Manager) poll(e entry) error {
	var b [TagSize]byte

	for i := 0; i < m.cfg.PollLoops; i++ {
		m.mem.Read(e.addr, e.size, b[:])

		if binary.LittleEndian.Uint32(b[:]) == uint32(e.tag) {
			return nil
		}

		if i >= m.cfg.SkipPolls && m.cfg.PollDelay > 0 {
			time.Sleep(m.cfg.PollDelay)
		}
	}

	return fmt.Errorf("%w: token %#x", ErrTimeout, e.tag)
}

// MappedSize returns the size of the DMA block behind a mapping, excluding
// the token identifier tag, or 0 when addr is not mapped.
func (m *Manager) MappedSize(addr uint64) int {
	m.Lock()
	defer m.Unlock()

	if n := m.find(addr); n >= 0 {
		return m.entries[n].size
	}

	return 0
}

// Live returns the number of live mappings.
func (m *Manager) Live() (n int) {
	m.Lock()
	defer m.Unlock()

	for _, e := range m.entries {
		if e.used {
			n++
		}
	}

	return
}
