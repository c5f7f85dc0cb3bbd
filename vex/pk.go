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

const (
	// SignatureSize is the size of a P-256 ECDSA signature (r || s).
	SignatureSize = 64

	maxPKInput = 0xfff
)

// PublicKey performs an ECDSA operation with key and domain parameters
// held in assets.
type PublicKey struct {
	// Command is token.PKECDSASign or token.PKECDSAVerify.
	Command uint32
	KeyID   uint32
	// ParamID is the curve domain parameters asset.
	ParamID uint32

	Digest []byte
	// Signature is verified against Digest, it is ignored for signing.
	Signature []byte
}

func (*PublicKey) Kind() token.Kind {
	return token.Kind{Op: token.OpPublicKey, Sub: token.SubPKWithAssets}
}

func (r *PublicKey) build(x *exchangeContext) error {
	if r.Command != token.PKECDSASign && r.Command != token.PKECDSAVerify {
		return x.fail(StatusUnsupported, fmt.Errorf("public key command %#x", r.Command))
	}

	switch {
	case r.KeyID == 0 || r.ParamID == 0:
		return x.fail(StatusBadArgument, errors.New("key and domain parameters are required"))
	case len(r.Digest) == 0 || len(r.Digest) > token.MaxDigestSize:
		return x.fail(StatusBadArgument, fmt.Errorf("invalid digest size %d", len(r.Digest)))
	}

	p := &token.PublicKey{
		Command: r.Command,
		KeyID:   r.KeyID,
		ParamID: r.ParamID,
	}

	input := r.Digest

	if r.Command == token.PKECDSAVerify {
		if len(r.Signature) != SignatureSize {
			return x.fail(StatusInvalidLength, fmt.Errorf("signature must be %d bytes", SignatureSize))
		}

		input = append(append([]byte{}, r.Digest...), r.Signature...)
		p.OtherSize = len(r.Digest)
	}

	if len(input) > maxPKInput {
		return x.fail(StatusInvalidLength, fmt.Errorf("%d input bytes exceed %d", len(input), maxPKInput))
	}

	in, err := x.mapIn(input)

	if err != nil {
		return err
	}

	p.Input = in
	p.InputSize = len(input)

	if r.Command == token.PKECDSASign {
		x.out = make([]byte, SignatureSize)

		if p.Output, err = x.mapOut(x.out); err != nil {
			return err
		}

		p.OutputSize = SignatureSize
	}

	token.NewPublicKey(&x.c, p)

	return nil
}

func (r *PublicKey) parse(x *exchangeContext) (Response, error) {
	if r.Command == token.PKECDSAVerify {
		return &Ack{}, nil
	}

	if n := token.ParsePublicKey(&x.r); n != SignatureSize {
		return nil, x.fail(StatusInternal, fmt.Errorf("got %d signature bytes, want %d", n, SignatureSize))
	}

	return &Data{Bytes: x.out}, nil
}

// KeyGen generates an EC key pair into assets, or the public key of a
// private key asset. The public key is returned as X || Y.
type KeyGen struct {
	// Command is token.PKECGenKeyPair or token.PKECGenPublicKey.
	Command uint32
	// PrivateKeyID receives the private key of a new key pair, it holds
	// the private key when only the public key is generated.
	PrivateKeyID uint32
	// ParamID is the curve domain parameters asset.
	ParamID uint32
	// PublicKeyID optionally receives the public key.
	PublicKeyID uint32
	// CurveBits is the curve size, DefaultCurveBits when unset.
	CurveBits int
}

const (
	// DefaultCurveBits is the P-256 curve size.
	DefaultCurveBits = 256
	// PublicKeySize is the size of a P-256 public key (X || Y).
	PublicKeySize = 64
)

func (*KeyGen) Kind() token.Kind {
	return token.Kind{Op: token.OpPublicKey, Sub: token.SubPKWithAssets}
}

func (r *KeyGen) build(x *exchangeContext) error {
	if r.Command != token.PKECGenKeyPair && r.Command != token.PKECGenPublicKey {
		return x.fail(StatusUnsupported, fmt.Errorf("key generation command %#x", r.Command))
	}

	if r.PrivateKeyID == 0 || r.ParamID == 0 {
		return x.fail(StatusBadArgument, errors.New("private key and domain parameters are required"))
	}

	n := r.CurveBits

	if n == 0 {
		n = DefaultCurveBits
	}

	if n != DefaultCurveBits {
		return x.fail(StatusUnsupported, fmt.Errorf("%d bit curve", n))
	}

	x.out = make([]byte, PublicKeySize)

	out, err := x.mapOut(x.out)

	if err != nil {
		return err
	}

	words := (n + 31) / 32

	token.NewPublicKey(&x.c, &token.PublicKey{
		Command:      r.Command,
		ModulusWords: words,
		DivisorWords: words,
		KeyID:        r.PrivateKeyID,
		ParamID:      r.ParamID,
		IOID:         r.PublicKeyID,
		Output:       out,
		OutputSize:   PublicKeySize,
	})

	return nil
}

func (*KeyGen) parse(x *exchangeContext) (Response, error) {
	if n := token.ParsePublicKey(&x.r); n != PublicKeySize {
		return nil, x.fail(StatusInternal, fmt.Errorf("got %d public key bytes, want %d", n, PublicKeySize))
	}

	return &Data{Bytes: x.out}, nil
}

// AuthUnlockStart opens an authenticated unlock session with an
// authentication key asset.
type AuthUnlockStart struct {
	KeyID uint32
}

// AuthUnlockSession is the response to AuthUnlockStart, the nonce must be
// signed to verify the session.
type AuthUnlockSession struct {
	Session uint32
	Nonce   [token.NonceSize]byte
}

func (*AuthUnlockSession) response() {}

func (*AuthUnlockStart) Kind() token.Kind {
	return token.Kind{Op: token.OpAuthUnlock, Sub: token.SubAuthUnlockStart}
}

func (r *AuthUnlockStart) build(x *exchangeContext) error {
	if r.KeyID == 0 {
		return x.fail(StatusBadArgument, errors.New("no authentication key"))
	}

	token.NewAuthUnlockStart(&x.c, r.KeyID)

	return nil
}

func (*AuthUnlockStart) parse(x *exchangeContext) (Response, error) {
	s := &AuthUnlockSession{}
	s.Session, s.Nonce = token.ParseAuthUnlockStart(&x.r)

	return s, nil
}

// AuthUnlockVerify verifies the nonce signature of a session.
type AuthUnlockVerify struct {
	Session   uint32
	Nonce     [token.NonceSize]byte
	Signature []byte
}

func (*AuthUnlockVerify) Kind() token.Kind {
	return token.Kind{Op: token.OpAuthUnlock, Sub: token.SubAuthUnlockVerify}
}

func (r *AuthUnlockVerify) build(x *exchangeContext) error {
	if len(r.Signature) == 0 || len(r.Signature) > token.DMAMaxLength {
		return x.fail(StatusInvalidLength, fmt.Errorf("invalid signature size %d", len(r.Signature)))
	}

	sig, err := x.mapIn(r.Signature)

	if err != nil {
		return err
	}

	token.NewAuthUnlockVerify(&x.c, r.Session, r.Nonce, sig, len(r.Signature))

	return nil
}

func (*AuthUnlockVerify) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// SetSecureDebug enables or disables secure debug within a verified session.
type SetSecureDebug struct {
	Session uint32
	Enable  bool
}

func (*SetSecureDebug) Kind() token.Kind {
	return token.Kind{Op: token.OpAuthUnlock, Sub: token.SubSetSecureDebug}
}

func (r *SetSecureDebug) build(x *exchangeContext) error {
	token.NewSetSecureDebug(&x.c, r.Session, r.Enable)
	return nil
}

func (*SetSecureDebug) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}
