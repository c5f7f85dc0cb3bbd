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

package emu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"math/big"

	"github.com/transparency-dev/armored-witness-vex/token"
)

// BlobOverhead is the size difference between a key blob and the data it
// wraps.
const BlobOverhead = 12 + 16

// seal wraps data with AES-GCM under kek, the nonce is prepended.
func seal(kek []byte, data []byte, aad []byte) ([]byte, int) {
	aead, code := newAEAD(kek)

	if code != 0 {
		return nil, code
	}

	nonce := make([]byte, aead.NonceSize())

	if _, err := rand.Read(nonce); err != nil {
		return nil, token.ResultPanic
	}

	return aead.Seal(nonce, nonce, data, aad), 0
}

func unseal(kek []byte, blob []byte, aad []byte) ([]byte, int) {
	aead, code := newAEAD(kek)

	if code != 0 {
		return nil, code
	}

	if len(blob) < BlobOverhead {
		return nil, token.ResultInvalidLength
	}

	n := aead.NonceSize()
	data, err := aead.Open(nil, blob[:n], blob[n:], aad)

	if err != nil {
		return nil, token.ResultUnwrapError
	}

	return data, 0
}

func newAEAD(key []byte) (cipher.AEAD, int) {
	block, err := aes.NewCipher(key)

	if err != nil {
		return nil, token.ResultInvalidKeySize
	}

	aead, err := cipher.NewGCM(block)

	if err != nil {
		return nil, token.ResultPanic
	}

	return aead, 0
}

func hashFunc(alg uint8) (func() hash.Hash, int) {
	switch alg {
	case token.HashSHA1:
		return sha1.New, 0
	case token.HashSHA224:
		return sha256.New224, 0
	case token.HashSHA256:
		return sha256.New, 0
	case token.HashSHA384:
		return sha512.New384, 0
	case token.HashSHA512:
		return sha512.New, 0
	}

	return nil, token.ResultInvalidToken
}

// digest runs one step of a multi-part hash or MAC, states are kept per
// identity.
func (fw *firmware) digest(c *token.Command, r *token.Result, states map[uint32]hash.Hash, start func(d *token.Digest) (hash.Hash, int)) int {
	d := token.DigestRequest(c)
	id := c.Identity()

	var h hash.Hash

	if d.Mode.Init() {
		var code int

		if h, code = start(d); code != 0 {
			return code
		}
	} else {
		var ok bool

		if h, ok = states[id]; !ok {
			return token.ResultInvalidState
		}
	}

	if !d.Mode.Final() && (d.InputSize == 0 || d.InputSize%h.BlockSize() != 0) {
		return token.ResultInvalidLength
	}

	h.Write(fw.read(d.Input, d.InputSize))

	if d.Mode.Final() {
		delete(states, id)
	} else {
		states[id] = h
	}

	token.PutDigest(r, h.Sum(nil))

	return 0
}

func (fw *firmware) hash(c *token.Command, r *token.Result) int {
	return fw.digest(c, r, fw.digests, func(d *token.Digest) (hash.Hash, int) {
		fn, code := hashFunc(d.Algorithm)

		if code != 0 {
			return nil, code
		}

		return fn(), 0
	})
}

func (fw *firmware) key(id uint32, value []byte) ([]byte, int) {
	if id == 0 {
		return value, 0
	}

	a, code := fw.loaded(id)

	if code != 0 {
		return nil, code
	}

	return a.data, 0
}

func (fw *firmware) mac(c *token.Command, r *token.Result) int {
	return fw.digest(c, r, fw.macs, func(d *token.Digest) (hash.Hash, int) {
		fn, code := hashFunc(d.Algorithm)

		if code != 0 {
			return nil, code
		}

		key, code := fw.key(d.KeyID, d.Key)

		if code != 0 {
			return nil, code
		}

		return hmac.New(fn, key), 0
	})
}

func (fw *firmware) cipher(c *token.Command, r *token.Result) (int, output) {
	p := token.CipherRequest(c)

	if p.Algorithm != token.CipherAES {
		return token.ResultInvalidToken, output{}
	}

	key, code := fw.key(p.KeyID, p.Key)

	if code != 0 {
		return code, output{}
	}

	block, err := aes.NewCipher(key)

	if err != nil {
		return token.ResultInvalidKeySize, output{}
	}

	bs := block.BlockSize()

	if p.InputSize == 0 || p.OutputSize < p.InputSize {
		return token.ResultInvalidLength, output{}
	}

	if p.Mode != token.ModeCTR && p.InputSize%bs != 0 {
		return token.ResultInvalidLength, output{}
	}

	in := fw.read(p.Input, p.InputSize)
	dst := make([]byte, len(in))
	iv := make([]byte, bs)

	switch p.Mode {
	case token.ModeECB:
		for i := 0; i < len(in); i += bs {
			if p.Encrypt {
				block.Encrypt(dst[i:i+bs], in[i:i+bs])
			} else {
				block.Decrypt(dst[i:i+bs], in[i:i+bs])
			}
		}
	case token.ModeCBC:
		if p.Encrypt {
			cipher.NewCBCEncrypter(block, p.IV).CryptBlocks(dst, in)
			copy(iv, dst[len(dst)-bs:])
		} else {
			cipher.NewCBCDecrypter(block, p.IV).CryptBlocks(dst, in)
			copy(iv, in[len(in)-bs:])
		}
	case token.ModeCTR:
		cipher.NewCTR(block, p.IV).XORKeyStream(dst, in)

		n := new(big.Int).SetBytes(p.IV)
		n.Add(n, big.NewInt(int64((len(in)+bs-1)/bs)))

		// the counter wraps at the block size
		b := n.Bytes()

		if len(b) > bs {
			b = b[len(b)-bs:]
		}

		copy(iv[bs-len(b):], b)
	default:
		return token.ResultInvalidToken, output{}
	}

	fw.write(p.Output, dst)
	r.WriteBytes(2, iv)

	return 0, output{addr: p.Output, size: p.OutputSize}
}

func (fw *firmware) random(c *token.Command) (int, output) {
	switch c.Subcode() {
	case token.SubRandomNumber:
	case token.SubTRNGConfig:
		return fw.trngConfig(c), output{}
	default:
		return token.ResultInvalidToken, output{}
	}

	out, size := token.RandomRequest(c)

	if size == 0 || size > token.MaxRandomSize {
		return token.ResultInvalidLength, output{}
	}

	buf := make([]byte, size)

	if _, err := rand.Read(buf); err != nil {
		return token.ResultPanic, output{}
	}

	fw.write(out, buf)

	return 0, output{addr: out, size: size}
}

func (fw *firmware) trngConfig(c *token.Command) int {
	t := token.TRNGConfigRequest(c)

	switch {
	case !t.Load && !t.Reseed:
		return token.ResultInvalidParameter
	case t.Load && t.SampleCycles == 0:
		return token.ResultInvalidParameter
	}

	if t.Load {
		fw.trng = *t
	}

	if t.Reseed {
		fw.reseeds++
	}

	return 0
}

func (fw *firmware) wrap(c *token.Command, r *token.Result) (int, output) {
	w := token.WrapRequest(c)

	kek, code := fw.loaded(w.KeyID)

	if code != 0 {
		return code, output{}
	}

	in := fw.read(w.Input, w.InputSize)

	var res []byte

	if w.Wrap {
		res, code = seal(kek.data, in, nil)
	} else {
		res, code = unseal(kek.data, in, nil)
	}

	if code != 0 {
		return code, output{}
	}

	if w.OutputSize < len(res) {
		return token.ResultInvalidLength, output{}
	}

	fw.write(w.Output, res)
	r[1] = uint32(len(res))

	return 0, output{addr: w.Output, size: w.OutputSize}
}

// SignatureSize is the size of a P-256 ECDSA signature (r || s).
const SignatureSize = 64

func (fw *firmware) publicKey(c *token.Command, r *token.Result) (int, output) {
	if c.Subcode() != token.SubPKWithAssets {
		return token.ResultInvalidToken, output{}
	}

	p := token.PublicKeyRequest(c)

	if _, code := fw.loaded(p.ParamID); code != 0 {
		return code, output{}
	}

	switch p.Command {
	case token.PKECGenKeyPair, token.PKECGenPublicKey:
		return fw.genKey(p, r)
	}

	key, code := fw.loaded(p.KeyID)

	if code != 0 {
		return code, output{}
	}

	curve := elliptic.P256()
	in := fw.read(p.Input, p.InputSize)

	switch p.Command {
	case token.PKECDSASign:
		if len(key.data) != 32 {
			return token.ResultInvalidKeySize, output{}
		}

		if p.OutputSize < SignatureSize {
			return token.ResultInvalidLength, output{}
		}

		priv := &ecdsa.PrivateKey{D: new(big.Int).SetBytes(key.data)}
		priv.Curve = curve
		priv.X, priv.Y = curve.ScalarBaseMult(key.data)

		sr, ss, err := ecdsa.Sign(rand.Reader, priv, in)

		if err != nil {
			return token.ResultPanic, output{}
		}

		sig := make([]byte, SignatureSize)
		sr.FillBytes(sig[:32])
		ss.FillBytes(sig[32:])

		fw.write(p.Output, sig)
		r[1] = SignatureSize

		return 0, output{addr: p.Output, size: p.OutputSize}
	case token.PKECDSAVerify:
		if len(key.data) != 64 {
			return token.ResultInvalidKeySize, output{}
		}

		if p.OtherSize > len(in) || len(in)-p.OtherSize != SignatureSize {
			return token.ResultInvalidLength, output{}
		}

		pub := &ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(key.data[:32]),
			Y:     new(big.Int).SetBytes(key.data[32:]),
		}

		digest, sig := in[:p.OtherSize], in[p.OtherSize:]

		if !ecdsa.Verify(pub, digest, new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:])) {
			return token.ResultVerifyError, output{}
		}
	default:
		return token.ResultInvalidToken, output{}
	}

	return 0, output{}
}

// PublicKeySize is the size of a P-256 public key (X || Y).
const PublicKeySize = 64

// writable returns an asset that a key generation may fill.
func (fw *firmware) writable(id uint32, size int) (*asset, int) {
	a, ok := fw.assets[id]

	switch {
	case !ok:
		return nil, token.ResultInvalidAsset
	case a.static, a.loaded && a.policy&PolicyTemporary == 0:
		return nil, token.ResultAccessError
	case a.size != size:
		return nil, token.ResultInvalidKeySize
	}

	return a, 0
}

func (fw *firmware) genKey(p *token.PublicKey, r *token.Result) (int, output) {
	if p.ModulusWords != 8 {
		return token.ResultInvalidModulus, output{}
	}

	curve := elliptic.P256()

	var pubAsset *asset

	if p.IOID != 0 {
		a, code := fw.writable(p.IOID, PublicKeySize)

		if code != 0 {
			return code, output{}
		}

		pubAsset = a
	}

	if p.OutputSize != 0 && p.OutputSize < PublicKeySize {
		return token.ResultInvalidLength, output{}
	}

	var d []byte

	if p.Command == token.PKECGenKeyPair {
		a, code := fw.writable(p.KeyID, 32)

		if code != 0 {
			return code, output{}
		}

		priv, err := ecdsa.GenerateKey(curve, rand.Reader)

		if err != nil {
			return token.ResultPanic, output{}
		}

		d = priv.D.FillBytes(make([]byte, 32))
		a.data = d
		a.loaded = true
	} else {
		a, code := fw.loaded(p.KeyID)

		if code != 0 {
			return code, output{}
		}

		if len(a.data) != 32 {
			return token.ResultInvalidKeySize, output{}
		}

		d = a.data
	}

	x, y := curve.ScalarBaseMult(d)

	pub := make([]byte, PublicKeySize)
	x.FillBytes(pub[:32])
	y.FillBytes(pub[32:])

	if pubAsset != nil {
		pubAsset.data = pub
		pubAsset.loaded = true
	}

	r[1] = PublicKeySize

	if p.OutputSize == 0 {
		return 0, output{}
	}

	fw.write(p.Output, pub)

	return 0, output{addr: p.Output, size: p.OutputSize}
}

func (fw *firmware) authUnlock(c *token.Command, r *token.Result) int {
	switch c.Subcode() {
	case token.SubAuthUnlockStart:
		key, code := fw.loaded(c[2])

		if code != 0 {
			return code
		}

		s := &session{key: key.data}

		if _, err := rand.Read(s.nonce[:]); err != nil {
			return token.ResultPanic
		}

		id := fw.next
		fw.next++

		fw.sessions[id] = s

		r[1] = id
		r.WriteBytes(2, s.nonce[:])
	case token.SubAuthUnlockVerify:
		id, nonce, sig, size := token.AuthUnlockRequest(c)

		s, ok := fw.sessions[id]

		if !ok {
			return token.ResultInvalidAsset
		}

		if nonce != s.nonce {
			return token.ResultVerifyError
		}

		mac := hmac.New(sha256.New, s.key)
		mac.Write(s.nonce[:])

		if !hmac.Equal(mac.Sum(nil), fw.read(sig, size)) {
			return token.ResultVerifyError
		}

		s.verified = true
	case token.SubSetSecureDebug:
		s, ok := fw.sessions[c[2]]

		if !ok || !s.verified {
			return token.ResultAccessError
		}

		fw.debug = c[3]&(1<<31) != 0
	default:
		return token.ResultInvalidToken
	}

	return 0
}

func (fw *firmware) service(c *token.Command, r *token.Result) int {
	switch c.Subcode() {
	case token.SubRegisterRead:
		addr, _ := token.RegisterRequest(c)
		r[1] = fw.regs[addr]
	case token.SubRegisterWrite:
		addr, val := token.RegisterRequest(c)
		fw.regs[addr] = val
	case token.SubZeroOutMailbox, token.SubClockSwitch:
	default:
		return token.ResultInvalidToken
	}

	return 0
}
