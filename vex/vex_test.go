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

package vex_test

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/transparency-dev/armored-witness-vex/bufmgr"
	"github.com/transparency-dev/armored-witness-vex/identity"
	"github.com/transparency-dev/armored-witness-vex/internal/emu"
	"github.com/transparency-dev/armored-witness-vex/internal/rtos"
	"github.com/transparency-dev/armored-witness-vex/token"
	"github.com/transparency-dev/armored-witness-vex/vex"
)

const (
	caller    = identity.Context(42)
	dmaStart  = 0x20000000
	dmaSize   = 0x40000
	officerID = 0x4f4b0000
)

func testConfig() vex.Config {
	cfg := vex.DefaultConfig()
	cfg.CryptoOfficer = officerID
	cfg.PollDelay = time.Microsecond
	cfg.DMAPollLoops = 100
	cfg.DMAPollDelay = time.Microsecond

	return cfg
}

func newVEX(t *testing.T, cfg vex.Config, ecfg emu.Config) (*vex.VEX, *emu.Device, *bufmgr.Arena) {
	t.Helper()

	arena := bufmgr.NewArena(dmaStart, dmaSize)
	irq := rtos.NewController()

	ecfg.DMA = arena
	ecfg.Interrupt = irq.Raise
	ecfg.CryptoOfficer = cfg.CryptoOfficer

	dev := emu.New(ecfg)
	t.Cleanup(dev.Close)

	v, err := vex.New(dev, arena, irq, cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(v.Close)

	return v, dev, arena
}

// install creates an asset and loads data in it.
func install(t *testing.T, v *vex.VEX, policy uint64, data []byte) uint32 {
	t.Helper()

	ctx := context.Background()

	resp, err := v.Asset(ctx, caller, &vex.AssetCreate{Policy: policy, Size: len(data)})
	require.NoError(t, err)

	id := resp.(*vex.AssetID).ID

	_, err = v.Asset(ctx, caller, &vex.AssetLoad{ID: id, Method: token.LoadPlaintext, Data: data})
	require.NoError(t, err)

	return id
}

func TestSystemInfo(t *testing.T) {
	for _, mode := range []string{vex.CompletionPolling, vex.CompletionBlocking, vex.CompletionCallback} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig()
			cfg.Completion = mode

			v, _, arena := newVEX(t, cfg, emu.Config{Mailboxes: 2, HostID: 1})

			resp, err := v.System(context.Background(), caller, &vex.SystemInfo{})
			require.NoError(t, err)

			info := resp.(*vex.SystemInfoResult)

			if diff := cmp.Diff(info.Firmware, semver.Version{Major: 2, Minor: 5}); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
			if info.Identity == 0 || info.HostID != 1 {
				t.Fatalf("Got identity %#x on host %d", info.Identity, info.HostID)
			}
			if arena.Blocks() != 0 || v.Buffers.Live() != 0 {
				t.Fatal("Buffers left mapped")
			}
		})
	}
}

func TestRandom(t *testing.T) {
	v, _, arena := newVEX(t, testConfig(), emu.Config{})

	resp, err := v.Random(context.Background(), caller, &vex.Random{Size: 37})
	require.NoError(t, err)

	if got, want := len(resp.Bytes), 37; got != want {
		t.Fatalf("Got %d bytes, want %d", got, want)
	}
	if bytes.Equal(resp.Bytes, make([]byte, 37)) {
		t.Fatal("Got all zero random data")
	}
	if arena.Blocks() != 0 {
		t.Fatalf("Got %d DMA blocks left", arena.Blocks())
	}
}

func TestHash(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	msg := make([]byte, 200)
	_, _ = rand.Read(msg)
	want := sha256.Sum256(msg)

	got, err := v.Hash(ctx, caller, &vex.Hash{Algorithm: token.HashSHA256, Data: msg})
	require.NoError(t, err)
	require.True(t, got.Final)
	require.Equal(t, want[:], got.Sum)

	// streamed in 64 byte blocks
	step, err := v.Hash(ctx, caller, &vex.Hash{Algorithm: token.HashSHA256, Mode: token.Init2Cont, Data: msg[:64]})
	require.NoError(t, err)
	require.False(t, step.Final)

	step, err = v.Hash(ctx, caller, &vex.Hash{Algorithm: token.HashSHA256, Mode: token.Cont2Cont, Data: msg[64:128], State: step.Sum})
	require.NoError(t, err)

	got, err = v.Hash(ctx, caller, &vex.Hash{Algorithm: token.HashSHA256, Mode: token.Cont2Final, Data: msg[128:], State: step.Sum, TotalSize: uint64(len(msg))})
	require.NoError(t, err)
	require.Equal(t, want[:], got.Sum)
}

func TestMAC(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	key := []byte("0123456789abcdef0123456789abcdef")
	msg := []byte("transparency")

	h := hmac.New(sha256.New, key)
	h.Write(msg)
	want := h.Sum(nil)

	for _, test := range []struct {
		name string
		req  *vex.MAC
	}{
		{
			name: "key by value",
			req:  &vex.MAC{Algorithm: token.MACHMACSHA256, Data: msg, Key: key},
		}, {
			name: "key asset",
			req:  &vex.MAC{Algorithm: token.MACHMACSHA256, Data: msg, KeyID: install(t, v, emu.PolicyPrivateData, key)},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := v.MAC(ctx, caller, test.req)
			if err != nil {
				t.Fatalf("MAC: %v", err)
			}
			if diff := cmp.Diff(want, got.Sum); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestCipher(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	key := make([]byte, 16)
	iv := make([]byte, 16)
	msg := make([]byte, 48)
	_, _ = rand.Read(key)
	_, _ = rand.Read(iv)
	_, _ = rand.Read(msg)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	want := make([]byte, len(msg))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(want, msg)

	enc, err := v.Cipher(ctx, caller, &vex.Cipher{Mode: token.ModeCBC, Encrypt: true, Key: key, IV: iv, Data: msg})
	require.NoError(t, err)
	require.Equal(t, want, enc.Data)
	require.Equal(t, want[32:], enc.IV)

	dec, err := v.Cipher(ctx, caller, &vex.Cipher{Mode: token.ModeCBC, Key: key, IV: iv, Data: enc.Data})
	require.NoError(t, err)
	require.Equal(t, msg, dec.Data)
}

func TestAssets(t *testing.T) {
	v, dev, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	info, err := v.Asset(ctx, caller, &vex.AssetSearch{Number: emu.StaticDeviceKey})
	require.NoError(t, err)
	require.Equal(t, &vex.AssetInfo{ID: emu.StaticID(emu.StaticDeviceKey), Size: 32}, info)

	data := []byte("public asset data")
	id := install(t, v, 0, data)

	resp, err := v.Asset(ctx, caller, &vex.PublicData{ID: id, Size: 64})
	require.NoError(t, err)
	require.Equal(t, data, resp.(*vex.Data).Bytes)

	// monotonic counter
	counter := install(t, v, 0, make([]byte, 4))

	_, err = v.Asset(ctx, caller, &vex.MonotonicIncrement{ID: counter})
	require.NoError(t, err)

	resp, err = v.Asset(ctx, caller, &vex.MonotonicRead{ID: counter, Size: 4})
	require.NoError(t, err)
	require.Equal(t, []byte{1, 0, 0, 0}, resp.(*vex.Data).Bytes)

	// private assets are not readable
	secret := install(t, v, emu.PolicyPrivateData, make([]byte, 16))

	_, err = v.Asset(ctx, caller, &vex.PublicData{ID: secret, Size: 16})
	require.Equal(t, vex.StatusOperationFailed, vex.StatusOf(err))
	require.Equal(t, token.ResultAccessError, vex.ResultCode(err))

	n := dev.Assets()

	_, err = v.Asset(ctx, caller, &vex.AssetDelete{ID: secret})
	require.NoError(t, err)
	require.Equal(t, n-1, dev.Assets())
}

func TestKeyBlob(t *testing.T) {
	v, dev, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	kek := install(t, v, emu.PolicyPrivateData, make([]byte, 32))
	aad := []byte("blob label")
	key := []byte("0123456789abcdef")

	resp, err := v.Asset(ctx, caller, &vex.AssetCreate{Size: len(key)})
	require.NoError(t, err)
	first := resp.(*vex.AssetID).ID

	resp, err = v.Asset(ctx, caller, &vex.AssetLoad{ID: first, Method: token.LoadPlaintext, KeyID: kek, AAD: aad, Data: key, KeyBlobSize: 128})
	require.NoError(t, err)

	blob := resp.(*vex.AssetLoadResult).KeyBlob
	require.Len(t, blob, len(key)+emu.BlobOverhead)

	resp, err = v.Asset(ctx, caller, &vex.AssetCreate{Size: len(key)})
	require.NoError(t, err)
	second := resp.(*vex.AssetID).ID

	_, err = v.Asset(ctx, caller, &vex.AssetLoad{ID: second, Method: token.LoadImport, KeyID: kek, AAD: aad, Data: blob})
	require.NoError(t, err)

	got, ok := dev.Asset(second)
	require.True(t, ok)
	require.Equal(t, key, got)
}

func TestWrap(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	kek := install(t, v, emu.PolicyPrivateData, make([]byte, 32))
	key := []byte("wrapped key material")

	wrapped, err := v.Wrap(ctx, caller, &vex.Wrap{KeyID: kek, Data: key})
	require.NoError(t, err)
	require.NotEqual(t, key, wrapped.Bytes)

	unwrapped, err := v.Wrap(ctx, caller, &vex.Wrap{Unwrap: true, KeyID: kek, Data: wrapped.Bytes})
	require.NoError(t, err)
	require.Equal(t, key, unwrapped.Bytes)
}

func TestECDSA(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	scalar := priv.D.FillBytes(make([]byte, 32))
	pub := append(priv.X.FillBytes(make([]byte, 32)), priv.Y.FillBytes(make([]byte, 32))...)

	params := install(t, v, 0, elliptic.P256().Params().P.Bytes())
	signer := install(t, v, emu.PolicyPrivateData, scalar)
	verifier := install(t, v, 0, pub)

	digest := sha256.Sum256([]byte("checkpoint"))

	resp, err := v.PublicKey(ctx, caller, &vex.PublicKey{Command: token.PKECDSASign, KeyID: signer, ParamID: params, Digest: digest[:]})
	require.NoError(t, err)

	sig := resp.(*vex.Data).Bytes
	require.Len(t, sig, vex.SignatureSize)

	r, s := new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:])
	require.True(t, ecdsa.Verify(&priv.PublicKey, digest[:], r, s))

	_, err = v.PublicKey(ctx, caller, &vex.PublicKey{Command: token.PKECDSAVerify, KeyID: verifier, ParamID: params, Digest: digest[:], Signature: sig})
	require.NoError(t, err)

	sig[5] ^= 0xff

	_, err = v.PublicKey(ctx, caller, &vex.PublicKey{Command: token.PKECDSAVerify, KeyID: verifier, ParamID: params, Digest: digest[:], Signature: sig})
	require.Equal(t, token.ResultVerifyError, vex.ResultCode(err))
}

func create(t *testing.T, v *vex.VEX, policy uint64, size int) uint32 {
	t.Helper()

	resp, err := v.Asset(context.Background(), caller, &vex.AssetCreate{Policy: policy, Size: size})
	require.NoError(t, err)

	return resp.(*vex.AssetID).ID
}

func TestKeyGen(t *testing.T) {
	v, dev, arena := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	params := install(t, v, 0, elliptic.P256().Params().P.Bytes())
	signer := create(t, v, emu.PolicyPrivateData, 32)
	verifier := create(t, v, 0, vex.PublicKeySize)

	pair, err := v.KeyGen(ctx, caller, &vex.KeyGen{Command: token.PKECGenKeyPair, PrivateKeyID: signer, ParamID: params, PublicKeyID: verifier})
	require.NoError(t, err)
	require.Len(t, pair.Bytes, vex.PublicKeySize)

	stored, ok := dev.Asset(verifier)
	require.True(t, ok)
	require.Equal(t, pair.Bytes, stored)

	// the public key of the generated private key is the same
	pub, err := v.KeyGen(ctx, caller, &vex.KeyGen{Command: token.PKECGenPublicKey, PrivateKeyID: signer, ParamID: params})
	require.NoError(t, err)
	require.Equal(t, pair.Bytes, pub.Bytes)

	// a generated key pair signs and verifies
	digest := sha256.Sum256([]byte("checkpoint"))

	resp, err := v.PublicKey(ctx, caller, &vex.PublicKey{Command: token.PKECDSASign, KeyID: signer, ParamID: params, Digest: digest[:]})
	require.NoError(t, err)

	_, err = v.PublicKey(ctx, caller, &vex.PublicKey{Command: token.PKECDSAVerify, KeyID: verifier, ParamID: params, Digest: digest[:], Signature: resp.(*vex.Data).Bytes})
	require.NoError(t, err)

	// a loaded private key is not overwritten
	_, err = v.KeyGen(ctx, caller, &vex.KeyGen{Command: token.PKECGenKeyPair, PrivateKeyID: signer, ParamID: params})
	require.Equal(t, token.ResultAccessError, vex.ResultCode(err))

	if arena.Blocks() != 0 {
		t.Fatalf("Got %d DMA blocks left", arena.Blocks())
	}
}

func TestKeyGenRejected(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	params := install(t, v, 0, elliptic.P256().Params().P.Bytes())
	empty := create(t, v, emu.PolicyPrivateData, 32)
	short := create(t, v, emu.PolicyPrivateData, 16)

	for _, test := range []struct {
		name       string
		req        *vex.KeyGen
		wantStatus vex.Status
		wantResult int
	}{
		{
			name:       "signing command",
			req:        &vex.KeyGen{Command: token.PKECDSASign, PrivateKeyID: empty, ParamID: params},
			wantStatus: vex.StatusUnsupported,
		}, {
			name:       "no domain parameters",
			req:        &vex.KeyGen{Command: token.PKECGenKeyPair, PrivateKeyID: empty},
			wantStatus: vex.StatusBadArgument,
		}, {
			name:       "unsupported curve",
			req:        &vex.KeyGen{Command: token.PKECGenKeyPair, PrivateKeyID: empty, ParamID: params, CurveBits: 384},
			wantStatus: vex.StatusUnsupported,
		}, {
			name:       "public key of an empty asset",
			req:        &vex.KeyGen{Command: token.PKECGenPublicKey, PrivateKeyID: empty, ParamID: params},
			wantStatus: vex.StatusOperationFailed,
			wantResult: token.ResultInvalidState,
		}, {
			name:       "private key asset size",
			req:        &vex.KeyGen{Command: token.PKECGenKeyPair, PrivateKeyID: short, ParamID: params},
			wantStatus: vex.StatusOperationFailed,
			wantResult: token.ResultInvalidKeySize,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := v.KeyGen(ctx, caller, test.req)

			if got := vex.StatusOf(err); got != test.wantStatus {
				t.Fatalf("Got %v, want %v", got, test.wantStatus)
			}
			if got := vex.ResultCode(err); got != test.wantResult {
				t.Fatalf("Got result %d, want %d", got, test.wantResult)
			}
		})
	}
}

func TestTRNGConfig(t *testing.T) {
	v, dev, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	cfg := token.TRNGConfig{
		Load:               true,
		AutoSeed:           8,
		SampleCycles:       0x0a00,
		SampleDiv:          3,
		Scale:              1,
		NoiseBlocks:        8,
		RepCntCutoff:       31,
		AdaptProp64Cutoff:  51,
		AdaptProp512Cutoff: 325,
	}

	require.NoError(t, v.TRNGConfig(ctx, caller, &vex.TRNGConfig{TRNGConfig: cfg}))

	got, reseeds := dev.TRNG()
	if diff := cmp.Diff(got, cfg); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	require.Zero(t, reseeds)

	require.NoError(t, v.TRNGConfig(ctx, caller, &vex.TRNGConfig{TRNGConfig: token.TRNGConfig{Reseed: true}}))

	got, reseeds = dev.TRNG()
	require.Equal(t, cfg, got)
	require.Equal(t, 1, reseeds)

	err := v.TRNGConfig(ctx, caller, &vex.TRNGConfig{})
	require.Equal(t, vex.StatusBadArgument, vex.StatusOf(err))

	err = v.TRNGConfig(ctx, caller, &vex.TRNGConfig{TRNGConfig: token.TRNGConfig{Load: true}})
	require.Equal(t, vex.StatusBadArgument, vex.StatusOf(err))
}

func TestAuthUnlock(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	key := []byte("authentication key 0123456789ab")
	id := install(t, v, emu.PolicyPrivateData, key)

	resp, err := v.AuthUnlock(ctx, caller, &vex.AuthUnlockStart{KeyID: id})
	require.NoError(t, err)

	session := resp.(*vex.AuthUnlockSession)

	// debug cannot be enabled before verification
	_, err = v.AuthUnlock(ctx, caller, &vex.SetSecureDebug{Session: session.Session, Enable: true})
	require.Equal(t, token.ResultAccessError, vex.ResultCode(err))

	mac := hmac.New(sha256.New, key)
	mac.Write(session.Nonce[:])

	_, err = v.AuthUnlock(ctx, caller, &vex.AuthUnlockVerify{Session: session.Session, Nonce: session.Nonce, Signature: mac.Sum(nil)})
	require.NoError(t, err)

	_, err = v.AuthUnlock(ctx, caller, &vex.SetSecureDebug{Session: session.Session, Enable: true})
	require.NoError(t, err)
}

func TestReset(t *testing.T) {
	for _, test := range []struct {
		name        string
		unsupported bool
		wantOfficer bool
	}{
		{
			name:        "login restored",
			wantOfficer: true,
		}, {
			name:        "login unsupported",
			unsupported: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			v, dev, _ := newVEX(t, testConfig(), emu.Config{LoginUnsupported: test.unsupported})
			ctx := context.Background()

			install(t, v, 0, make([]byte, 8))
			n := dev.Assets()

			_, err := v.System(ctx, caller, &vex.Reset{})
			require.NoError(t, err)
			require.Equal(t, n-1, dev.Assets())
			require.Equal(t, test.wantOfficer, dev.CryptoOfficer())
		})
	}
}

func TestSleepResume(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	_, err := v.System(ctx, caller, &vex.Sleep{})
	require.NoError(t, err)

	_, err = v.Random(ctx, caller, &vex.Random{Size: 4})
	require.Equal(t, vex.StatusDeviceState, vex.StatusOf(err))

	_, err = v.System(ctx, caller, &vex.Resume{})
	require.NoError(t, err)

	_, err = v.Random(ctx, caller, &vex.Random{Size: 4})
	require.NoError(t, err)
}

func TestService(t *testing.T) {
	v, _, _ := newVEX(t, testConfig(), emu.Config{})
	ctx := context.Background()

	_, err := v.Service(ctx, caller, &vex.RegisterWrite{Address: 0x10, Value: 0xcafe})
	require.NoError(t, err)

	resp, err := v.Service(ctx, caller, &vex.RegisterRead{Address: 0x10})
	require.NoError(t, err)
	require.Equal(t, &vex.RegisterValue{Value: 0xcafe}, resp)

	for _, req := range []vex.Request{&vex.ZeroOutMailbox{}, &vex.ClockSwitch{On: 1}} {
		_, err := v.Service(ctx, caller, req)
		require.NoError(t, err)
	}
}

// countingBuffers counts mappings on top of the real buffer manager.
type countingBuffers struct {
	*bufmgr.Manager

	mu      sync.Mutex
	maps    int
	unmaps  int
	failMap bool
}

func (c *countingBuffers) Map(dir bufmgr.Direction, buf []byte, tag uint16) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failMap {
		return 0
	}

	addr := c.Manager.Map(dir, buf, tag)

	if addr != 0 {
		c.maps++
	}

	return addr
}

func (c *countingBuffers) Unmap(addr uint64, copyBack bool) error {
	c.mu.Lock()
	c.unmaps++
	c.mu.Unlock()

	return c.Manager.Unmap(addr, copyBack)
}

func TestFaults(t *testing.T) {
	for _, test := range []struct {
		name       string
		faults     emu.Faults
		failMap    bool
		wantStatus vex.Status
	}{
		{
			name:       "no memory",
			failMap:    true,
			wantStatus: vex.StatusNoMemory,
		}, {
			name:       "handover failed",
			faults:     emu.Faults{Dead: true},
			wantStatus: vex.StatusDeviceState,
		}, {
			name:       "firmware error",
			faults:     emu.Faults{Results: map[token.Kind]int{{Op: token.OpEncryption}: token.ResultPanic}},
			wantStatus: vex.StatusOperationFailed,
		}, {
			name:       "DMA never completed",
			faults:     emu.Faults{SkipTokenID: true},
			wantStatus: vex.StatusDataTimeout,
		}, {
			name:       "link failure",
			faults:     emu.Faults{FailLink: true},
			wantStatus: vex.StatusInternal,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			v, dev, arena := newVEX(t, testConfig(), emu.Config{})

			buf := &countingBuffers{Manager: v.Buffers, failMap: test.failMap}
			d := vex.NewDispatcher(v.Exchanger, buf, testConfig())

			dev.SetFaults(test.faults)

			key := make([]byte, 16)
			resp, err := d.Cipher(context.Background(), caller, &vex.Cipher{Mode: token.ModeECB, Encrypt: true, Key: key, Data: make([]byte, 32)})

			if got := vex.StatusOf(err); got != test.wantStatus {
				t.Fatalf("Got %v (%v), want %v", got, err, test.wantStatus)
			}
			if resp != nil {
				t.Fatalf("Got response %v on failure", resp)
			}
			if buf.maps != buf.unmaps || v.Buffers.Live() != 0 || arena.Blocks() != 0 {
				t.Fatalf("Got %d maps, %d unmaps, %d live, %d blocks", buf.maps, buf.unmaps, v.Buffers.Live(), arena.Blocks())
			}
			if got := v.Registry.LinkedBy(1); got != 0 {
				t.Fatalf("Mailbox 1 left linked by %#x", got)
			}
		})
	}
}

func TestConcurrentCallers(t *testing.T) {
	v, _, arena := newVEX(t, testConfig(), emu.Config{Mailboxes: 2})

	var g errgroup.Group

	for i := 1; i <= identity.DefaultUsers; i++ {
		ctx := identity.Context(i)

		g.Go(func() error {
			for j := 0; j < 10; j++ {
				msg := []byte{byte(ctx), byte(j)}
				want := sha256.Sum256(msg)

				got, err := v.Hash(context.Background(), ctx, &vex.Hash{Algorithm: token.HashSHA256, Data: msg})
				if err != nil {
					return err
				}
				if !bytes.Equal(got.Sum, want[:]) {
					t.Errorf("Caller %d got digest %x, want %x", ctx, got.Sum, want)
				}
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	require.Zero(t, arena.Blocks())
}
