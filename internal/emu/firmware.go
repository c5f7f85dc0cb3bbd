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
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-vex/token"
)

// Asset policy bits interpreted by the firmware model.
const (
	PolicyTemporary   = 0x0000000000000002
	PolicyExportable  = 0x0000000000000004
	PolicyPrivateData = 0x0000000000000800
)

const (
	maxAssets = 32

	// StaticDeviceKey is the asset number of the OTP device key.
	StaticDeviceKey = 1
	// StaticHUK is the asset number of the provisioned hardware unique
	// key.
	StaticHUK = 63

	deviceKeySize = 32
)

// StaticID returns the identifier of the static asset with the given number.
func StaticID(number uint8) uint32 {
	return 0x5a02a501 | uint32(number&0x3f)<<2
}

type asset struct {
	policy uint64
	size   int
	data   []byte
	loaded bool
	static bool
}

type session struct {
	key      []byte
	nonce    [token.NonceSize]byte
	verified bool
}

// firmware represents the firmware state, it is only modified by the
// firmware goroutine.
type firmware struct {
	sync.Mutex

	dev *Device

	assets map[uint32]*asset
	next   uint32

	officer  bool
	sleeping bool
	time     uint32
	debug    bool

	trng    token.TRNGConfig
	reseeds int

	regs     map[uint16]uint32
	digests  map[uint32]hash.Hash
	macs     map[uint32]hash.Hash
	sessions map[uint32]*session
}

func newFirmware(d *Device) *firmware {
	fw := &firmware{
		dev:      d,
		assets:   make(map[uint32]*asset),
		next:     1,
		regs:     make(map[uint16]uint32),
		digests:  make(map[uint32]hash.Hash),
		macs:     make(map[uint32]hash.Hash),
		sessions: make(map[uint32]*session),
	}

	// the device key is derived from the host so that every emulated
	// module instance is stable
	key := sha256.Sum256([]byte{'e', 'i', 'p', '1', '3', '0', d.cfg.HostID})

	fw.assets[StaticID(StaticDeviceKey)] = &asset{
		size:   deviceKeySize,
		data:   key[:],
		loaded: true,
		static: true,
		policy: PolicyPrivateData,
	}

	return fw
}

func (fw *firmware) dma() DMA {
	return fw.dev.cfg.DMA
}

func (fw *firmware) read(addr uint64, n int) []byte {
	buf := make([]byte, n)

	if n > 0 && fw.dma() != nil {
		fw.dma().Read(uint(addr), 0, buf)
	}

	return buf
}

func (fw *firmware) write(addr uint64, buf []byte) {
	if len(buf) > 0 && fw.dma() != nil {
		fw.dma().Write(uint(addr), 0, buf)
	}
}

// writeTokenID signals DMA completion by appending the token identifier to
// the output buffer.
func (fw *firmware) writeTokenID(c *token.Command, out uint64, size int) {
	if out == 0 || fw.dma() == nil {
		return
	}

	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(c.TokenID()))

	fw.dma().Write(uint(out), (size+3)&^3, b[:])
}

type output struct {
	addr uint64
	size int
}

func (fw *firmware) execute(c *token.Command, r *token.Result, faults Faults) {
	fw.Lock()
	defer fw.Unlock()

	r.SetTokenID(c.TokenID())

	kind := c.Kind()

	if code, ok := faults.Results[kind]; ok {
		klog.V(3).Infof("emu: %v forced result %d", kind, code)
		r.SetCode(code)
		return
	}

	if fw.sleeping && kind != (token.Kind{Op: token.OpSystem, Sub: token.SubResumeSleep}) {
		r.SetCode(token.ResultInvalidState)
		return
	}

	var out output
	var code int

	switch c.Opcode() {
	case token.OpSystem:
		code = fw.system(c, r)
	case token.OpAssetManagement:
		code, out = fw.asset(c, r)
	case token.OpHash:
		code = fw.hash(c, r)
	case token.OpMAC:
		code = fw.mac(c, r)
	case token.OpEncryption:
		code, out = fw.cipher(c, r)
	case token.OpTRNG:
		code, out = fw.random(c)
	case token.OpSymWrap:
		code, out = fw.wrap(c, r)
	case token.OpPublicKey:
		code, out = fw.publicKey(c, r)
	case token.OpAuthUnlock:
		code = fw.authUnlock(c, r)
	case token.OpService:
		code = fw.service(c, r)
	default:
		code = token.ResultInvalidToken
	}

	r.SetCode(code)

	if c.WritesTokenID() && !faults.SkipTokenID {
		fw.writeTokenID(c, out.addr, out.size)
	}
}

func (fw *firmware) system(c *token.Command, r *token.Result) int {
	switch c.Subcode() {
	case token.SubSystemInfo:
		token.PutSystemInfo(r, &token.SystemInfo{
			Firmware:      fw.dev.cfg.Firmware,
			Hardware:      fw.dev.cfg.Hardware,
			MemorySize:    memorySize,
			HostID:        fw.dev.cfg.HostID,
			Identity:      c.Identity(),
			CryptoOfficer: fw.officer,
		})
	case token.SubSelfTest:
	case token.SubReset:
		fw.reset()
	case token.SubLogin:
		if fw.dev.cfg.LoginUnsupported {
			return token.ResultInvalidToken
		}

		if c.Identity() != fw.dev.cfg.CryptoOfficer {
			return token.ResultAccessError
		}

		fw.officer = true
	case token.SubSleep:
		fw.sleeping = true
	case token.SubResumeSleep:
		if !fw.sleeping {
			return token.ResultInvalidState
		}

		fw.sleeping = false
	case token.SubSetTime:
		fw.time = c[2]
	default:
		return token.ResultInvalidToken
	}

	return 0
}

func (fw *firmware) reset() {
	for id, a := range fw.assets {
		if !a.static {
			delete(fw.assets, id)
		}
	}

	fw.officer = false
	fw.sleeping = false
	fw.debug = false
	fw.digests = make(map[uint32]hash.Hash)
	fw.macs = make(map[uint32]hash.Hash)
	fw.sessions = make(map[uint32]*session)
}

func (fw *firmware) loaded(id uint32) (*asset, int) {
	a, ok := fw.assets[id]

	switch {
	case !ok:
		return nil, token.ResultInvalidAsset
	case !a.loaded:
		return nil, token.ResultInvalidState
	}

	return a, 0
}

func (fw *firmware) asset(c *token.Command, r *token.Result) (int, output) {
	switch c.Subcode() {
	case token.SubAssetSearch:
		id := StaticID(uint8(c[4] >> 16))

		a, ok := fw.assets[id]

		if !ok || !a.static {
			return token.ResultInvalidAsset, output{}
		}

		r[1] = id
		r[2] = uint32(a.size)
	case token.SubAssetCreate:
		policy, size := token.AssetCreateRequest(c)

		if size == 0 {
			return token.ResultInvalidLength, output{}
		}

		if len(fw.assets) >= maxAssets {
			return token.ResultFull, output{}
		}

		id := fw.next
		fw.next++

		fw.assets[id] = &asset{policy: policy, size: size}
		r[1] = id
	case token.SubAssetLoad:
		return fw.load(c, r)
	case token.SubAssetDelete:
		id := c[2]

		if token.IsStaticAsset(id) {
			return token.ResultAccessError, output{}
		}

		if _, ok := fw.assets[id]; !ok {
			return token.ResultInvalidAsset, output{}
		}

		delete(fw.assets, id)
	case token.SubPublicData, token.SubMonotonicRead:
		a, code := fw.loaded(c[2])

		if code != 0 {
			return code, output{}
		}

		if a.policy&PolicyPrivateData != 0 && c.Subcode() == token.SubPublicData {
			return token.ResultAccessError, output{}
		}

		out := output{addr: c.Address(4), size: int(c[3] & 0x3ff)}

		if out.size < a.size {
			return token.ResultInvalidLength, output{}
		}

		fw.write(out.addr, a.data)
		r[1] = uint32(a.size)

		return 0, out
	case token.SubMonotonicIncrement:
		a, code := fw.loaded(c[2])

		if code != 0 {
			return code, output{}
		}

		// little endian counter, overflow is an error
		for i := range a.data {
			a.data[i]++

			if a.data[i] != 0 {
				return 0, output{}
			}
		}

		return token.ResultDataOverrun, output{}
	case token.SubProvisionRandomHUK:
		if c.Identity() == 0 {
			return token.ResultAccessError, output{}
		}

		id := StaticID(StaticHUK)

		if _, ok := fw.assets[id]; ok {
			return token.ResultAccessError, output{}
		}

		huk := make([]byte, deviceKeySize)

		if _, err := rand.Read(huk); err != nil {
			return token.ResultPanic, output{}
		}

		fw.assets[id] = &asset{size: len(huk), data: huk, loaded: true, static: true, policy: PolicyPrivateData}
	case token.SubAssetStoreReset:
		if !fw.officer {
			return token.ResultAccessError, output{}
		}

		for id, a := range fw.assets {
			if !a.static {
				delete(fw.assets, id)
			}
		}
	default:
		return token.ResultInvalidToken, output{}
	}

	return 0, output{}
}

func (fw *firmware) load(c *token.Command, r *token.Result) (int, output) {
	l := token.AssetLoadRequest(c)

	a, ok := fw.assets[l.ID]

	switch {
	case !ok:
		return token.ResultInvalidAsset, output{}
	case a.static:
		return token.ResultAccessError, output{}
	case a.loaded && a.policy&PolicyTemporary == 0:
		return token.ResultAccessError, output{}
	}

	var data []byte

	switch l.Method {
	case token.LoadPlaintext:
		if l.InputSize != a.size {
			return token.ResultInvalidLength, output{}
		}

		data = fw.read(l.Input, l.InputSize)
	case token.LoadRandom:
		data = make([]byte, a.size)

		if _, err := rand.Read(data); err != nil {
			return token.ResultPanic, output{}
		}
	case token.LoadDerive:
		kdk, code := fw.loaded(l.KeyID)

		if code != 0 {
			return code, output{}
		}

		data = make([]byte, a.size)

		var salt []byte

		if !l.RFC5869 {
			salt = []byte("eip130 kdf")
		}

		if _, err := io.ReadFull(hkdf.New(sha256.New, kdk.data, salt, l.AAD), data); err != nil {
			return token.ResultPanic, output{}
		}
	case token.LoadImport, token.LoadSymUnwrap:
		kek, code := fw.loaded(l.KeyID)

		if code != 0 {
			return code, output{}
		}

		blob := fw.read(l.Input, l.InputSize)

		data, code = unseal(kek.data, blob, l.AAD)

		if code != 0 {
			return code, output{}
		}

		if len(data) != a.size {
			return token.ResultInvalidLength, output{}
		}
	}

	// a key blob is produced for the import method when an output buffer
	// and a key encryption key are given
	var out output

	if l.OutputSize > 0 && l.KeyID != 0 && l.Method != token.LoadImport && l.Method != token.LoadSymUnwrap && l.Method != token.LoadDerive {
		kek, code := fw.loaded(l.KeyID)

		if code != 0 {
			return code, output{}
		}

		blob, code := seal(kek.data, data, l.AAD)

		if code != 0 {
			return code, output{}
		}

		if l.OutputSize < len(blob) {
			return token.ResultInvalidLength, output{}
		}

		out = output{addr: l.Output, size: l.OutputSize}
		fw.write(out.addr, blob)
		r[1] = uint32(len(blob))
	}

	a.data = data
	a.loaded = true

	return 0, out
}

// Asset reports the data of a loaded asset, it is used by tests.
func (d *Device) Asset(id uint32) (data []byte, ok bool) {
	d.fw.Lock()
	defer d.fw.Unlock()

	a, ok := d.fw.assets[id]

	if !ok || !a.loaded {
		return nil, false
	}

	return append([]byte{}, a.data...), true
}

// Assets returns the number of assets, static ones included.
func (d *Device) Assets() int {
	d.fw.Lock()
	defer d.fw.Unlock()

	return len(d.fw.assets)
}

// TRNG returns the last loaded TRNG configuration and the number of DRBG
// reseeds requested.
func (d *Device) TRNG() (token.TRNGConfig, int) {
	d.fw.Lock()
	defer d.fw.Unlock()

	return d.fw.trng, d.fw.reseeds
}

// CryptoOfficer reports whether the crypto officer is logged in.
func (d *Device) CryptoOfficer() bool {
	d.fw.Lock()
	defer d.fw.Unlock()

	return d.fw.officer
}
