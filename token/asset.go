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

package token

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// LoadMethod selects how an asset load token populates an asset.
type LoadMethod int

// Asset load methods
const (
	LoadImport LoadMethod = iota
	LoadDerive
	LoadPlaintext
	LoadRandom
	LoadSymUnwrap
)

// asset load method flags (word 3)
var loadMethodBit = map[LoadMethod]int{
	LoadDerive:    24,
	LoadRandom:    25,
	LoadImport:    26,
	LoadPlaintext: 27,
	LoadSymUnwrap: 28,
}

const (
	assetLengthMask = 0x3ff
	aadWord         = 10
	// AssetLoadAADCapacity is the number of associated data bytes an asset
	// load token can carry.
	AssetLoadAADCapacity = (Words - aadWord) * 4
	// MaxAssetSize is the largest asset data length.
	MaxAssetSize = assetLengthMask
)

// NewAssetSearch builds a static asset search command.
func NewAssetSearch(c *Command, number uint8) {
	c.Clear()
	c.SetHeader(OpAssetManagement, SubAssetSearch)
	bits.SetN(&c[4], 16, 0xff, uint32(number))
}

// ParseAssetSearch decodes an asset search result.
func ParseAssetSearch(r *Result) (id uint32, length int) {
	return r[1], int(r[2] & assetLengthMask)
}

// NewAssetCreate builds an asset create command.
func NewAssetCreate(c *Command, policy uint64, length int) {
	c.Clear()
	c.SetHeader(OpAssetManagement, SubAssetCreate)
	c[2] = uint32(policy)
	c[3] = uint32(policy >> 32)
	c[4] = uint32(length) & assetLengthMask
}

// AssetCreateRequest returns policy and length of an asset create command.
func AssetCreateRequest(c *Command) (policy uint64, length int) {
	return uint64(c[2]) | uint64(c[3])<<32, int(c[4] & assetLengthMask)
}

// ParseAssetID returns the asset identifier carried by asset create and
// monotonic counter results.
func ParseAssetID(r *Result) uint32 {
	return r[1]
}

// NewAssetDelete builds an asset delete command.
func NewAssetDelete(c *Command, id uint32) {
	c.Clear()
	c.SetHeader(OpAssetManagement, SubAssetDelete)
	c[2] = id
}

// AssetLoad describes an asset load command.
type AssetLoad struct {
	ID     uint32
	Method LoadMethod
	// KeyID is the key derivation key (derive) or key encryption key
	// (import, unwrap) asset.
	KeyID uint32
	// Algorithm selects the unwrap algorithm.
	Algorithm uint8
	// CounterMode and RFC5869 select the key derivation function.
	CounterMode bool
	RFC5869     bool

	AAD []byte

	Input      uint64
	InputSize  int
	Output     uint64
	OutputSize int
}

// NewAssetLoad builds an asset load command.
func NewAssetLoad(c *Command, l *AssetLoad) error {
	pos, ok := loadMethodBit[l.Method]

	if !ok {
		return fmt.Errorf("invalid asset load method %d", l.Method)
	}

	if len(l.AAD) > AssetLoadAADCapacity || len(l.AAD) > 0xff {
		return fmt.Errorf("associated data exceeds %d bytes", AssetLoadAADCapacity)
	}

	if l.InputSize > MaxAssetSize || l.OutputSize > MaxAssetSize {
		return fmt.Errorf("asset data exceeds %d bytes", MaxAssetSize)
	}

	c.Clear()
	c.SetHeader(OpAssetManagement, SubAssetLoad)
	c[2] = l.ID
	bits.Set(&c[3], pos)

	if l.Method == LoadDerive {
		if l.CounterMode {
			bits.Set(&c[3], 14)
		}

		if l.RFC5869 {
			bits.Set(&c[3], 15)
		}
	}

	if l.Method == LoadSymUnwrap {
		bits.SetN(&c[8], 16, 0xff, uint32(l.Algorithm))
	}

	c[9] = l.KeyID

	if l.InputSize > 0 {
		bits.SetN(&c[3], 0, assetLengthMask, uint32(l.InputSize))
		c.SetAddress(4, l.Input)
	}

	if l.OutputSize > 0 {
		bits.SetN(&c[8], 0, assetLengthMask, uint32(l.OutputSize))
		c.SetAddress(6, l.Output)
	}

	if len(l.AAD) > 0 {
		bits.SetN(&c[3], 16, 0xff, uint32(len(l.AAD)))
		c.WriteBytes(aadWord, l.AAD)
	}

	return nil
}

// AssetLoadRequest decodes an asset load command, it is used by device
// models.
func AssetLoadRequest(c *Command) (l *AssetLoad) {
	l = &AssetLoad{
		ID:        c[2],
		KeyID:     c[9],
		Algorithm: uint8(bits.Get(&c[8], 16, 0xff)),
		InputSize: int(bits.Get(&c[3], 0, assetLengthMask)),
		Input:     c.Address(4),
		Output:    c.Address(6),
	}

	l.OutputSize = int(bits.Get(&c[8], 0, assetLengthMask))
	l.CounterMode = bits.Get(&c[3], 14, 1) == 1
	l.RFC5869 = bits.Get(&c[3], 15, 1) == 1

	for m, pos := range loadMethodBit {
		if bits.Get(&c[3], pos, 1) == 1 {
			l.Method = m
		}
	}

	if n := int(bits.Get(&c[3], 16, 0xff)); n > 0 {
		l.AAD = make([]byte, n)
		c.ReadBytes(aadWord, l.AAD)
	}

	return
}

// ParseAssetLoad returns the number of bytes written to the output buffer.
func ParseAssetLoad(r *Result) int {
	return int(r[1] & assetLengthMask)
}

// NewPublicData builds a public data read command.
func NewPublicData(c *Command, id uint32, out uint64, size int) {
	c.Clear()
	c.SetHeader(OpAssetManagement, SubPublicData)
	c[2] = id
	c[3] = uint32(size) & assetLengthMask
	c.SetAddress(4, out)
}

// ParsePublicData returns the public data length.
func ParsePublicData(r *Result) int {
	return int(r[1] & assetLengthMask)
}

// NewMonotonicRead builds a monotonic counter read command.
func NewMonotonicRead(c *Command, id uint32, out uint64, size int) {
	c.Clear()
	c.SetHeader(OpAssetManagement, SubMonotonicRead)
	c[2] = id
	c[3] = uint32(size) & assetLengthMask
	c.SetAddress(4, out)
}

// NewMonotonicIncrement builds a monotonic counter increment command.
func NewMonotonicIncrement(c *Command, id uint32) {
	c.Clear()
	c.SetHeader(OpAssetManagement, SubMonotonicIncrement)
	c[2] = id
}

// NewProvisionRandomHUK builds a hardware unique key provisioning command.
// This token carries the identity chosen by the caller verbatim.
func NewProvisionRandomHUK(c *Command, identity uint32, sampleCycles uint16, autoSeed uint8) {
	c.Clear()
	c.SetHeader(OpAssetManagement, SubProvisionRandomHUK)
	c.SetIdentity(identity)
	c[2] = uint32(autoSeed)<<8 | 1
	c[3] = uint32(sampleCycles) << 16
}

// NewAssetStoreReset builds an asset store reset command.
func NewAssetStoreReset(c *Command) {
	c.Clear()
	c.SetHeader(OpAssetManagement, SubAssetStoreReset)
}
