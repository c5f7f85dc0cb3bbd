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

// Hash algorithms
const (
	HashSHA1   = 1
	HashSHA224 = 2
	HashSHA256 = 3
	HashSHA384 = 4
	HashSHA512 = 5
)

// MAC algorithms
const (
	MACHMACSHA1   = 1
	MACHMACSHA224 = 2
	MACHMACSHA256 = 3
	MACHMACSHA384 = 4
	MACHMACSHA512 = 5
	MACAESCMAC    = 8
)

// Cipher algorithms and modes
const (
	CipherAES = 2

	ModeECB = 0
	ModeCBC = 1
	ModeCTR = 2
)

// Mode selects which part of a multi-part hash or MAC a token covers.
type Mode int

// Multi-part modes
const (
	Init2Final Mode = iota
	Cont2Final
	Init2Cont
	Cont2Cont
)

// Init reports whether the mode starts a new operation.
func (m Mode) Init() bool {
	return m == Init2Final || m == Init2Cont
}

// Final reports whether the mode completes the operation.
func (m Mode) Final() bool {
	return m == Init2Final || m == Cont2Final
}

const (
	// MaxDigestSize is the largest digest, MAC or intermediate state
	// carried in a token.
	MaxDigestSize = 64
	// MaxKeySize is the largest key carried by value in a token.
	MaxKeySize = 64

	stateWord  = 12
	keyWord    = 28
	digestWord = 2
)

// Digest describes a hash or MAC command.
type Digest struct {
	Algorithm uint8
	Mode      Mode

	Input     uint64
	InputSize int

	// TotalSize is the total message length, required when finalizing a
	// continued operation.
	TotalSize uint64
	// State is the intermediate digest of a continued operation.
	State []byte

	// Key is the MAC key, by value, or KeyID by asset reference.
	Key   []byte
	KeyID uint32
}

func (d *Digest) encode(c *Command) {
	c[2] = uint32(d.InputSize)
	c.SetAddress(3, d.Input)
	c[5] = uint32(d.InputSize+3) &^ 3
	bits.SetN(&c[6], 0, 0xf, uint32(d.Algorithm))

	if !d.Mode.Init() {
		bits.Set(&c[6], 4)
		c.WriteBytes(stateWord, d.State)
	}

	if !d.Mode.Final() {
		bits.Set(&c[6], 5)
	}

	if d.Mode == Cont2Final {
		c[10] = uint32(d.TotalSize)
		c[11] = uint32(d.TotalSize >> 32)
	}
}

// NewHash builds a hash command.
func NewHash(c *Command, d *Digest) {
	c.Clear()
	c.SetHeader(OpHash, 0)
	d.encode(c)
}

// NewMAC builds a MAC generate command.
func NewMAC(c *Command, d *Digest) {
	c.Clear()
	c.SetHeader(OpMAC, 1)
	d.encode(c)

	switch {
	case d.KeyID != 0:
		c[8] = d.KeyID
	default:
		bits.SetN(&c[6], 16, 0xff, uint32(len(d.Key)))
		c.WriteBytes(keyWord, d.Key)
	}
}

// DigestRequest decodes a hash or MAC command, it is used by device models.
func DigestRequest(c *Command) (d *Digest) {
	d = &Digest{
		Algorithm: uint8(bits.Get(&c[6], 0, 0xf)),
		Input:     c.Address(3),
		InputSize: int(c[2]),
		TotalSize: uint64(c[10]) | uint64(c[11])<<32,
		KeyID:     c[8],
	}

	notInit := bits.Get(&c[6], 4, 1) == 1
	notFinal := bits.Get(&c[6], 5, 1) == 1

	switch {
	case !notInit && !notFinal:
		d.Mode = Init2Final
	case notInit && !notFinal:
		d.Mode = Cont2Final
	case !notInit && notFinal:
		d.Mode = Init2Cont
	default:
		d.Mode = Cont2Cont
	}

	if notInit {
		d.State = make([]byte, MaxDigestSize)
		c.ReadBytes(stateWord, d.State)
	}

	if c.Opcode() == OpMAC && d.KeyID == 0 {
		d.Key = make([]byte, bits.Get(&c[6], 16, 0xff))
		c.ReadBytes(keyWord, d.Key)
	}

	return
}

// ParseDigest copies the digest, MAC or intermediate state from a result.
func ParseDigest(r *Result, out []byte) {
	r.ReadBytes(digestWord, out)
}

// PutDigest stores a digest in a result, it is used by device models.
func PutDigest(r *Result, digest []byte) {
	r.WriteBytes(digestWord, digest)
}

// Cipher describes a symmetric encryption command.
type Cipher struct {
	Algorithm uint8
	Mode      uint8
	Encrypt   bool

	Key   []byte
	KeyID uint32
	IV    []byte

	Input      uint64
	InputSize  int
	Output     uint64
	OutputSize int
}

// NewCipher builds a symmetric encryption command.
func NewCipher(c *Command, p *Cipher) {
	c.Clear()
	c.SetHeader(OpEncryption, 0)
	c[2] = uint32(p.InputSize)
	c.SetAddress(3, p.Input)
	c[5] = uint32(p.InputSize)
	c.SetAddress(6, p.Output)
	c[8] = uint32(p.OutputSize)

	bits.SetN(&c[11], 0, 0xf, uint32(p.Algorithm))
	bits.SetN(&c[11], 4, 0xf, uint32(p.Mode))

	if p.Encrypt {
		bits.Set(&c[11], 15)
	}

	if len(p.IV) > 0 {
		c.WriteBytes(13, p.IV)
	}

	switch {
	case p.KeyID != 0:
		bits.Set(&c[11], 8)
		c[17] = p.KeyID
	default:
		bits.SetN(&c[11], 16, 0xff, uint32(len(p.Key)))
		c.WriteBytes(17, p.Key)
	}
}

// CipherRequest decodes a symmetric encryption command, it is used by device
// models.
func CipherRequest(c *Command) (p *Cipher) {
	p = &Cipher{
		Algorithm:  uint8(bits.Get(&c[11], 0, 0xf)),
		Mode:       uint8(bits.Get(&c[11], 4, 0xf)),
		Encrypt:    bits.Get(&c[11], 15, 1) == 1,
		Input:      c.Address(3),
		InputSize:  int(c[2]),
		Output:     c.Address(6),
		OutputSize: int(c[8]),
		IV:         make([]byte, 16),
	}

	c.ReadBytes(13, p.IV)

	if bits.Get(&c[11], 8, 1) == 1 {
		p.KeyID = c[17]
	} else {
		p.Key = make([]byte, bits.Get(&c[11], 16, 0xff))
		c.ReadBytes(17, p.Key)
	}

	return
}

// ParseCipherIV copies the output IV from a result.
func ParseCipherIV(r *Result, iv []byte) {
	r.ReadBytes(2, iv)
}

// NewRandom builds a random number generate command.
func NewRandom(c *Command, out uint64, size int) {
	c.Clear()
	c.SetHeader(OpTRNG, SubRandomNumber)
	c[2] = uint32(size)
	c.SetAddress(3, out)
}

// RandomRequest returns the output buffer of a random number command.
func RandomRequest(c *Command) (out uint64, size int) {
	return c.Address(3), int(c[2])
}

// TRNGConfig describes a TRNG configuration command.
type TRNGConfig struct {
	// Load starts the TRNG with the settings below.
	Load bool
	// Reseed requests a DRBG reseed from fresh entropy.
	Reseed bool

	AutoSeed           uint8
	SampleCycles       uint16
	SampleDiv          uint8
	Scale              uint8
	NoiseBlocks        uint8
	RepCntCutoff       uint8
	AdaptProp64Cutoff  uint8
	AdaptProp512Cutoff uint16
}

// NewTRNGConfig builds a TRNG configuration command, only the reseed flag
// is carried when Load is unset.
func NewTRNGConfig(c *Command, t *TRNGConfig) {
	c.Clear()
	c.SetHeader(OpTRNG, SubTRNGConfig)

	if t.Reseed {
		bits.Set(&c[2], 1)
	}

	if !t.Load {
		return
	}

	bits.Set(&c[2], 0)
	bits.SetN(&c[2], 8, 0xff, uint32(t.AutoSeed))

	bits.SetN(&c[3], 16, 0xffff, uint32(t.SampleCycles))
	bits.SetN(&c[3], 8, 0xf, uint32(t.SampleDiv))
	bits.SetN(&c[3], 6, 0x3, uint32(t.Scale))
	bits.SetN(&c[3], 0, 0x1f, uint32(t.NoiseBlocks))

	bits.SetN(&c[4], 16, 0x1ff, uint32(t.AdaptProp512Cutoff))
	bits.SetN(&c[4], 8, 0x3f, uint32(t.AdaptProp64Cutoff))
	bits.SetN(&c[4], 0, 0x3f, uint32(t.RepCntCutoff))
}

// TRNGConfigRequest decodes a TRNG configuration command, it is used by
// device models.
func TRNGConfigRequest(c *Command) *TRNGConfig {
	return &TRNGConfig{
		Load:               bits.Get(&c[2], 0, 1) == 1,
		Reseed:             bits.Get(&c[2], 1, 1) == 1,
		AutoSeed:           uint8(bits.Get(&c[2], 8, 0xff)),
		SampleCycles:       uint16(bits.Get(&c[3], 16, 0xffff)),
		SampleDiv:          uint8(bits.Get(&c[3], 8, 0xf)),
		Scale:              uint8(bits.Get(&c[3], 6, 0x3)),
		NoiseBlocks:        uint8(bits.Get(&c[3], 0, 0x1f)),
		AdaptProp512Cutoff: uint16(bits.Get(&c[4], 16, 0x1ff)),
		AdaptProp64Cutoff:  uint8(bits.Get(&c[4], 8, 0x3f)),
		RepCntCutoff:       uint8(bits.Get(&c[4], 0, 0x3f)),
	}
}

// Wrap describes a symmetric key wrap or unwrap command.
type Wrap struct {
	Wrap  bool
	KeyID uint32

	Input      uint64
	InputSize  int
	Output     uint64
	OutputSize int
}

// NewWrap builds a key wrap or unwrap command.
func NewWrap(c *Command, w *Wrap) {
	c.Clear()
	c.SetHeader(OpSymWrap, SubSymKeyWrap)
	c[2] = uint32(w.InputSize)
	c.SetAddress(3, w.Input)
	c.SetAddress(5, w.Output)
	c[7] = uint32(w.OutputSize)
	c[8] = w.KeyID

	if w.Wrap {
		bits.Set(&c[9], 15)
	}
}

// WrapRequest decodes a key wrap command, it is used by device models.
func WrapRequest(c *Command) *Wrap {
	return &Wrap{
		Wrap:       bits.Get(&c[9], 15, 1) == 1,
		KeyID:      c[8],
		Input:      c.Address(3),
		InputSize:  int(c[2]),
		Output:     c.Address(5),
		OutputSize: int(c[7]),
	}
}

// ParseWrap returns the wrapped or unwrapped data length.
func ParseWrap(r *Result) int {
	return int(r[1])
}
