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

//go:build tamago

package eip130

import (
	"sync/atomic"
	"unsafe"
)

// MMIO represents a memory mapped EIP-130 register window.
type MMIO struct {
	Base uint32
}

func (m *MMIO) addr(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(m.Base + off)))
}

// Read32 reads a register.
func (m *MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32(m.addr(off))
}

// Write32 writes a register.
func (m *MMIO) Write32(off uint32, val uint32) {
	atomic.StoreUint32(m.addr(off), val)
}
