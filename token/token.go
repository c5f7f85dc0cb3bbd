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

// Package token implements the EIP-130 command and result token layout.
//
// A token is a fixed array of 64 little-endian 32-bit words exchanged through
// a hardware mailbox. Only a few fields are shared by every token family: the
// opcode, subcode and token identifier in word 0, the caller identity in
// word 1 and, for results, the result code in the top byte of word 0. The
// family specific encodings are provided by the builder and parser helpers in
// this package.
package token

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// Words is the number of 32-bit words in a command or result token.
const Words = 64

// Size is the token size in bytes.
const Size = Words * 4

// Word 0 layout
const (
	posTokenID    = 0
	posWriteID    = 18
	posOpcode     = 24
	posSubcode    = 28
	posResult     = 24
	posFASVC      = 16
	tokenIDMask   = 0xffff
	opcodeMask    = 0xf
	subcodeMask   = 0xf
	resultMask    = 0xff
	resultNegBit  = 7
	resultValMask = 0x7f
)

const (
	// DMAMaxLength is the largest DMA transfer a single token can describe.
	DMAMaxLength = 0x001fffff
	// DMATokenIDSize is the number of bytes the device appends to an output
	// buffer when the token requests its identifier to be written.
	DMATokenIDSize = 4
	// MaxAssociatedData is the largest associated data block that fits in
	// an asset load token.
	MaxAssociatedData = 224
	// MaxRandomSize is the largest random number a single token returns.
	MaxRandomSize = 65528
)

// Command represents a command token.
type Command [Words]uint32

// Result represents a result token.
type Result [Words]uint32

// Clear zeroes the command token.
func (c *Command) Clear() {
	*c = Command{}
}

// SetHeader sets opcode and subcode, clearing every other bit of word 0.
func (c *Command) SetHeader(op Opcode, sub Subcode) {
	c[0] = 0
	bits.SetN(&c[0], posOpcode, opcodeMask, uint32(op))
	bits.SetN(&c[0], posSubcode, subcodeMask, uint32(sub))
}

// Opcode returns the command opcode.
func (c *Command) Opcode() Opcode {
	return Opcode(bits.Get(&c[0], posOpcode, opcodeMask))
}

// Subcode returns the command subcode.
func (c *Command) Subcode() Subcode {
	return Subcode(bits.Get(&c[0], posSubcode, subcodeMask))
}

// Kind returns the opcode/subcode pair of the command.
func (c *Command) Kind() Kind {
	return Kind{Op: c.Opcode(), Sub: c.Subcode()}
}

// SetTokenID sets the token identifier, writeToDMA requests the device to
// append the identifier to the last output buffer of the operation.
func (c *Command) SetTokenID(id uint16, writeToDMA bool) {
	bits.SetN(&c[0], posTokenID, tokenIDMask, uint32(id))

	if writeToDMA {
		bits.Set(&c[0], posWriteID)
	} else {
		bits.Clear(&c[0], posWriteID)
	}
}

// TokenID returns the command token identifier.
func (c *Command) TokenID() uint16 {
	return uint16(bits.Get(&c[0], posTokenID, tokenIDMask))
}

// WritesTokenID reports whether the device is requested to write the token
// identifier to the output DMA buffer.
func (c *Command) WritesTokenID() bool {
	return bits.Get(&c[0], posWriteID, 1) == 1
}

// SetIdentity stamps the caller identity.
func (c *Command) SetIdentity(id uint32) {
	c[1] = id
}

// Identity returns the caller identity.
func (c *Command) Identity() uint32 {
	return c[1]
}

// SetAddress stores a 64-bit DMA address in two consecutive words.
func (c *Command) SetAddress(word int, addr uint64) {
	c[word] = uint32(addr)
	c[word+1] = uint32(addr >> 32)
}

// Address returns a 64-bit DMA address stored in two consecutive words.
func (c *Command) Address(word int) uint64 {
	return uint64(c[word]) | uint64(c[word+1])<<32
}

// WriteBytes fills consecutive words starting at word with buf, four bytes
// per word, LSB first.
func (c *Command) WriteBytes(word int, buf []byte) {
	putBytes(c[word:], buf)
}

// ReadBytes extracts len(buf) bytes starting at word.
func (c *Command) ReadBytes(word int, buf []byte) {
	getBytes(c[word:], buf)
}

// Bytes returns the little-endian byte representation of the token.
func (c *Command) Bytes() []byte {
	buf := make([]byte, Size)
	getBytes(c[:], buf)
	return buf
}

// Code returns the result code and the firmware assisted service flag.
//
// Negative codes are errors, positive codes are warnings.
func (r *Result) Code() (code int, fasvc bool) {
	v := bits.Get(&r[0], posResult, resultMask)
	fasvc = bits.Get(&r[0], posFASVC, 1) == 1

	if v&(1<<resultNegBit) != 0 {
		return -int(v & resultValMask), fasvc
	}

	return int(v), fasvc
}

// SetCode sets the result code, it is used by device models.
func (r *Result) SetCode(code int) {
	v := uint32(code)

	if code < 0 {
		v = uint32(-code)&resultValMask | 1<<resultNegBit
	}

	bits.SetN(&r[0], posResult, resultMask, v)
}

// TokenID returns the identifier of the command this result belongs to.
func (r *Result) TokenID() uint16 {
	return uint16(bits.Get(&r[0], posTokenID, tokenIDMask))
}

// SetTokenID sets the result token identifier, it is used by device models.
func (r *Result) SetTokenID(id uint16) {
	bits.SetN(&r[0], posTokenID, tokenIDMask, uint32(id))
}

// Err returns a *ResultError when the result code is an error.
func (r *Result) Err() error {
	if code, _ := r.Code(); code < 0 {
		return &ResultError{Code: code}
	}

	return nil
}

// ReadBytes extracts len(buf) bytes starting at word.
func (r *Result) ReadBytes(word int, buf []byte) {
	getBytes(r[word:], buf)
}

// WriteBytes fills consecutive words starting at word with buf.
func (r *Result) WriteBytes(word int, buf []byte) {
	putBytes(r[word:], buf)
}

// ResultError represents a firmware error code carried by a result token.
type ResultError struct {
	Code int
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("token result error (%d)", e.Code)
}

// Firmware result codes
const (
	ResultInvalidToken     = -1
	ResultInvalidParameter = -2
	ResultInvalidKeySize   = -3
	ResultInvalidLength    = -4
	ResultInvalidLocation  = -5
	ResultClockError       = -6
	ResultAccessError      = -7
	ResultUnwrapError      = -10
	ResultDataOverrun      = -11
	ResultAssetChecksum    = -12
	ResultInvalidAsset     = -13
	ResultFull             = -14
	ResultInvalidAddress   = -15
	ResultInvalidModulus   = -17
	ResultVerifyError      = -18
	ResultInvalidState     = -19
	ResultPanic            = -21
)

func putBytes(w []uint32, buf []byte) {
	for i := 0; i < len(buf); i += 4 {
		var b [4]byte
		copy(b[:], buf[i:])
		w[i/4] = binary.LittleEndian.Uint32(b[:])
	}
}

func getBytes(w []uint32, buf []byte) {
	for i := 0; i < len(buf); i += 4 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w[i/4])
		copy(buf[i:], b[:])
	}
}
