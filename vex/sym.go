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

package vex

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-vex/token"
)

// digest sizes by algorithm, final and intermediate
var digestSizes = map[uint8][2]int{
	token.HashSHA1:   {20, 20},
	token.HashSHA224: {28, 32},
	token.HashSHA256: {32, 32},
	token.HashSHA384: {48, 64},
	token.HashSHA512: {64, 64},
}

const (
	aesBlockSize = 16
	// WrapOverhead is the default room reserved for key wrapping on top of
	// the input size.
	WrapOverhead = 32
)

// Digest is the response to Hash and MAC.
type Digest struct {
	// Sum is the digest of a finalized operation, or the intermediate
	// state to be passed to the next step of a streamed one.
	Sum   []byte
	Final bool
}

func (*Digest) response() {}

// Data is the response of requests returning a byte string.
type Data struct {
	Bytes []byte
}

func (*Data) response() {}

type digestParams struct {
	Algorithm uint8
	Mode      token.Mode
	Data      []byte
	State     []byte
	TotalSize uint64
}

func (p *digestParams) build(x *exchangeContext) (*token.Digest, error) {
	if _, ok := digestSizes[p.Algorithm]; !ok {
		return nil, x.fail(StatusBadArgument, fmt.Errorf("unknown algorithm %d", p.Algorithm))
	}

	if p.Mode < token.Init2Final || p.Mode > token.Cont2Cont {
		return nil, x.fail(StatusBadArgument, fmt.Errorf("unknown mode %d", p.Mode))
	}

	if !p.Mode.Final() && len(p.Data) == 0 {
		return nil, x.fail(StatusBadArgument, errors.New("empty chunk in a streamed operation"))
	}

	if len(p.Data) > token.DMAMaxLength {
		return nil, x.fail(StatusInvalidLength, fmt.Errorf("%d bytes exceed the DMA limit", len(p.Data)))
	}

	if !p.Mode.Init() && (len(p.State) == 0 || len(p.State) > token.MaxDigestSize) {
		return nil, x.fail(StatusBadArgument, errors.New("missing intermediate state"))
	}

	if p.Mode == token.Cont2Final && p.TotalSize < uint64(len(p.Data)) {
		return nil, x.fail(StatusBadArgument, fmt.Errorf("total size %d below chunk size %d", p.TotalSize, len(p.Data)))
	}

	in, err := x.mapIn(p.Data)

	if err != nil {
		return nil, err
	}

	return &token.Digest{
		Algorithm: p.Algorithm,
		Mode:      p.Mode,
		Input:     in,
		InputSize: len(p.Data),
		TotalSize: p.TotalSize,
		State:     p.State,
	}, nil
}

func (p *digestParams) parse(x *exchangeContext) *Digest {
	sizes := digestSizes[p.Algorithm]
	final := p.Mode.Final()

	sum := make([]byte, sizes[1])

	if final {
		sum = sum[:sizes[0]]
	}

	token.ParseDigest(&x.r, sum)

	return &Digest{Sum: sum, Final: final}
}

// Hash computes a SHA digest. Long messages are streamed by issuing an
// Init2Cont step, Cont2Cont steps and a Cont2Final step, each non final
// chunk must be a non zero multiple of the algorithm block size.
type Hash struct {
	Algorithm uint8
	Mode      token.Mode
	Data      []byte

	// State is the Sum of the previous step of a streamed operation.
	State []byte
	// TotalSize is the message length, required by Cont2Final.
	TotalSize uint64
}

func (*Hash) Kind() token.Kind {
	return token.Kind{Op: token.OpHash}
}

func (r *Hash) params() *digestParams {
	return &digestParams{r.Algorithm, r.Mode, r.Data, r.State, r.TotalSize}
}

func (r *Hash) build(x *exchangeContext) error {
	d, err := r.params().build(x)

	if err != nil {
		return err
	}

	token.NewHash(&x.c, d)

	return nil
}

func (r *Hash) parse(x *exchangeContext) (Response, error) {
	return r.params().parse(x), nil
}

// MAC computes an HMAC, with a key given by value or by asset.
type MAC struct {
	Algorithm uint8
	Mode      token.Mode
	Data      []byte

	Key   []byte
	KeyID uint32

	State     []byte
	TotalSize uint64
}

func (*MAC) Kind() token.Kind {
	return token.Kind{Op: token.OpMAC, Sub: 1}
}

func (r *MAC) params() *digestParams {
	return &digestParams{r.Algorithm, r.Mode, r.Data, r.State, r.TotalSize}
}

func (r *MAC) build(x *exchangeContext) error {
	switch {
	case r.KeyID == 0 && len(r.Key) == 0:
		return x.fail(StatusBadArgument, errors.New("no key"))
	case len(r.Key) > token.MaxKeySize:
		return x.fail(StatusBadArgument, fmt.Errorf("key exceeds %d bytes", token.MaxKeySize))
	}

	d, err := r.params().build(x)

	if err != nil {
		return err
	}

	d.Key = r.Key
	d.KeyID = r.KeyID

	token.NewMAC(&x.c, d)

	return nil
}

func (r *MAC) parse(x *exchangeContext) (Response, error) {
	return r.params().parse(x), nil
}

// Cipher encrypts or decrypts data with AES.
type Cipher struct {
	// Mode is one of token.ModeECB, token.ModeCBC or token.ModeCTR.
	Mode    uint8
	Encrypt bool

	Key   []byte
	KeyID uint32
	IV    []byte

	Data []byte
}

// CipherResult is the response to Cipher.
type CipherResult struct {
	Data []byte
	// IV is the chaining value to continue the operation.
	IV []byte
}

func (*CipherResult) response() {}

func (*Cipher) Kind() token.Kind {
	return token.Kind{Op: token.OpEncryption}
}

func (r *Cipher) build(x *exchangeContext) error {
	switch r.Mode {
	case token.ModeECB:
	case token.ModeCBC, token.ModeCTR:
		if len(r.IV) != aesBlockSize {
			return x.fail(StatusBadArgument, fmt.Errorf("IV must be %d bytes", aesBlockSize))
		}
	default:
		return x.fail(StatusBadArgument, fmt.Errorf("unknown mode %d", r.Mode))
	}

	if r.KeyID == 0 {
		switch len(r.Key) {
		case 16, 24, 32:
		default:
			return x.fail(StatusBadArgument, fmt.Errorf("invalid key size %d", len(r.Key)))
		}
	}

	switch {
	case len(r.Data) == 0:
		return x.fail(StatusBadArgument, errors.New("no data"))
	case len(r.Data) > token.DMAMaxLength:
		return x.fail(StatusInvalidLength, fmt.Errorf("%d bytes exceed the DMA limit", len(r.Data)))
	case r.Mode != token.ModeCTR && len(r.Data)%aesBlockSize != 0:
		return x.fail(StatusInvalidLength, fmt.Errorf("%d bytes is not a multiple of the block size", len(r.Data)))
	}

	in, err := x.mapIn(r.Data)

	if err != nil {
		return err
	}

	out := make([]byte, len(r.Data))

	addr, err := x.mapOut(out)

	if err != nil {
		return err
	}

	token.NewCipher(&x.c, &token.Cipher{
		Algorithm:  token.CipherAES,
		Mode:       r.Mode,
		Encrypt:    r.Encrypt,
		Key:        r.Key,
		KeyID:      r.KeyID,
		IV:         r.IV,
		Input:      in,
		InputSize:  len(r.Data),
		Output:     addr,
		OutputSize: len(out),
	})

	x.out = out

	return nil
}

func (r *Cipher) parse(x *exchangeContext) (Response, error) {
	iv := make([]byte, aesBlockSize)
	token.ParseCipherIV(&x.r, iv)

	return &CipherResult{Data: x.out, IV: iv}, nil
}

// Random requests random data.
type Random struct {
	Size int
}

func (*Random) Kind() token.Kind {
	return token.Kind{Op: token.OpTRNG, Sub: token.SubRandomNumber}
}

func (r *Random) build(x *exchangeContext) error {
	if r.Size <= 0 || r.Size > token.MaxRandomSize {
		return x.fail(StatusInvalidLength, fmt.Errorf("size must be in [1, %d], got %d", token.MaxRandomSize, r.Size))
	}

	out := make([]byte, r.Size)

	addr, err := x.mapOut(out)

	if err != nil {
		return err
	}

	token.NewRandom(&x.c, addr, r.Size)
	x.out = out

	return nil
}

func (*Random) parse(x *exchangeContext) (Response, error) {
	return &Data{Bytes: x.out}, nil
}

// TRNGConfig starts the TRNG with new settings or reseeds its DRBG.
type TRNGConfig struct {
	token.TRNGConfig
}

func (*TRNGConfig) Kind() token.Kind {
	return token.Kind{Op: token.OpTRNG, Sub: token.SubTRNGConfig}
}

func (r *TRNGConfig) build(x *exchangeContext) error {
	switch {
	case !r.Load && !r.Reseed:
		return x.fail(StatusBadArgument, errors.New("neither load nor reseed requested"))
	case r.Load && r.SampleCycles == 0:
		return x.fail(StatusBadArgument, errors.New("no sample cycles"))
	}

	token.NewTRNGConfig(&x.c, &r.TRNGConfig)

	return nil
}

func (*TRNGConfig) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// Wrap wraps, or unwraps, key material with a key encryption key asset.
type Wrap struct {
	Unwrap bool
	KeyID  uint32
	Data   []byte

	// OutputSize is the output buffer size, when unset it is the input
	// size plus WrapOverhead for wrapping and the input size for
	// unwrapping.
	OutputSize int
}

func (*Wrap) Kind() token.Kind {
	return token.Kind{Op: token.OpSymWrap, Sub: token.SubSymKeyWrap}
}

func (r *Wrap) build(x *exchangeContext) error {
	switch {
	case r.KeyID == 0:
		return x.fail(StatusBadArgument, errors.New("no key encryption key"))
	case len(r.Data) == 0:
		return x.fail(StatusBadArgument, errors.New("no data"))
	case r.OutputSize < 0 || len(r.Data) > token.DMAMaxLength || r.OutputSize > token.DMAMaxLength:
		return x.fail(StatusInvalidLength, errors.New("invalid buffer size"))
	}

	size := r.OutputSize

	if size == 0 {
		size = len(r.Data)

		if !r.Unwrap {
			size += WrapOverhead
		}
	}

	in, err := x.mapIn(r.Data)

	if err != nil {
		return err
	}

	out := make([]byte, size)

	addr, err := x.mapOut(out)

	if err != nil {
		return err
	}

	token.NewWrap(&x.c, &token.Wrap{
		Wrap:       !r.Unwrap,
		KeyID:      r.KeyID,
		Input:      in,
		InputSize:  len(r.Data),
		Output:     addr,
		OutputSize: size,
	})

	x.out = out

	return nil
}

func (*Wrap) parse(x *exchangeContext) (Response, error) {
	n := token.ParseWrap(&x.r)

	if n > len(x.out) {
		return nil, x.fail(StatusInternal, fmt.Errorf("result length %d exceeds the %d byte output buffer", n, len(x.out)))
	}

	return &Data{Bytes: x.out[:n]}, nil
}
