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
	"github.com/usbarmory/tamago/bits"
)

// NewRegisterRead builds a firmware register read command.
func NewRegisterRead(c *Command, addr uint16) {
	c.Clear()
	c.SetHeader(OpService, SubRegisterRead)
	c[2] = uint32(addr)
}

// NewRegisterWrite builds a firmware register write command.
func NewRegisterWrite(c *Command, addr uint16, val uint32) {
	c.Clear()
	c.SetHeader(OpService, SubRegisterWrite)
	c[2] = uint32(addr)
	c[3] = val
}

// RegisterRequest returns the address and value of a register command.
func RegisterRequest(c *Command) (addr uint16, val uint32) {
	return uint16(c[2]), c[3]
}

// ParseRegisterRead returns the register value.
func ParseRegisterRead(r *Result) uint32 {
	return r[1]
}

// NewClockSwitch builds a clock switch command.
func NewClockSwitch(c *Command, on uint16, off uint16) {
	c.Clear()
	c.SetHeader(OpService, SubClockSwitch)
	bits.SetN(&c[2], 0, 0xffff, uint32(on))
	bits.SetN(&c[2], 16, 0xffff, uint32(off))
}

// NewZeroOutMailbox builds a command clearing the mailbox contents.
func NewZeroOutMailbox(c *Command) {
	c.Clear()
	c.SetHeader(OpService, SubZeroOutMailbox)
}

// PK commands (word 2)
const (
	PKECDSASign      = 0x06
	PKECDSAVerify    = 0x07
	PKECGenPublicKey = 0x14
	PKECGenKeyPair   = 0x15
)

// PublicKey describes a public key command operating on assets.
type PublicKey struct {
	Command uint32
	// ModulusWords and DivisorWords are the curve sizes in 32-bit words.
	ModulusWords int
	DivisorWords int

	KeyID      uint32
	ParamID    uint32
	IOID       uint32
	Input      uint64
	InputSize  int
	Output     uint64
	OutputSize int
	// Signature or hash input length carried in the token.
	OtherSize int
}

// NewPublicKey builds a public key command with assets.
func NewPublicKey(c *Command, p *PublicKey) {
	c.Clear()
	c.SetHeader(OpPublicKey, SubPKWithAssets)
	c[2] = p.Command
	bits.SetN(&c[2], 16, 0xff, uint32(p.ModulusWords))
	bits.SetN(&c[2], 24, 0xff, uint32(p.DivisorWords))
	c[3] = uint32(p.OtherSize) << 8
	c[4] = p.KeyID
	c[5] = p.ParamID
	c[6] = p.IOID
	bits.SetN(&c[7], 16, 0xfff, uint32(p.OutputSize))
	bits.SetN(&c[7], 0, 0xfff, uint32(p.InputSize))
	c.SetAddress(8, p.Input)
	c.SetAddress(10, p.Output)
}

// PublicKeyRequest decodes a public key command, it is used by device
// models.
func PublicKeyRequest(c *Command) *PublicKey {
	return &PublicKey{
		Command:      c[2] & 0xff,
		ModulusWords: int(bits.Get(&c[2], 16, 0xff)),
		DivisorWords: int(bits.Get(&c[2], 24, 0xff)),
		OtherSize:    int(c[3] >> 8),
		KeyID:        c[4],
		ParamID:      c[5],
		IOID:         c[6],
		OutputSize:   int(bits.Get(&c[7], 16, 0xfff)),
		InputSize:    int(bits.Get(&c[7], 0, 0xfff)),
		Input:        c.Address(8),
		Output:       c.Address(10),
	}
}

// ParsePublicKey returns the output length of a public key command.
func ParsePublicKey(r *Result) int {
	return int(r[1] & 0xfff)
}

// Authenticated unlock
const (
	NonceSize = 16
)

// NewAuthUnlockStart builds an authenticated unlock start command for the
// given authentication key asset.
func NewAuthUnlockStart(c *Command, keyID uint32) {
	c.Clear()
	c.SetHeader(OpAuthUnlock, SubAuthUnlockStart)
	c[2] = keyID
}

// ParseAuthUnlockStart returns the session asset and unlock nonce.
func ParseAuthUnlockStart(r *Result) (session uint32, nonce [NonceSize]byte) {
	session = r[1]
	r.ReadBytes(2, nonce[:])
	return
}

// NewAuthUnlockVerify builds an authenticated unlock verify command.
func NewAuthUnlockVerify(c *Command, session uint32, nonce [NonceSize]byte, sig uint64, sigSize int) {
	c.Clear()
	c.SetHeader(OpAuthUnlock, SubAuthUnlockVerify)
	c[2] = session
	c.WriteBytes(3, nonce[:])
	c[7] = uint32(sigSize)
	c.SetAddress(8, sig)
}

// AuthUnlockRequest decodes an authenticated unlock command, it is used by
// device models.
func AuthUnlockRequest(c *Command) (asset uint32, nonce [NonceSize]byte, sig uint64, sigSize int) {
	asset = c[2]
	c.ReadBytes(3, nonce[:])
	return asset, nonce, c.Address(8), int(c[7])
}

// NewSetSecureDebug builds a secure debug port command.
func NewSetSecureDebug(c *Command, session uint32, enable bool) {
	c.Clear()
	c.SetHeader(OpAuthUnlock, SubSetSecureDebug)
	c[2] = session

	if enable {
		bits.Set(&c[3], 31)
	}
}
