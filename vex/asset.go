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

func checkAssetSize(x *exchangeContext, n int) error {
	if n <= 0 || n > token.MaxAssetSize {
		return x.fail(StatusInvalidLength, fmt.Errorf("asset size must be in [1, %d], got %d", token.MaxAssetSize, n))
	}

	return nil
}

// AssetSearch looks up a static asset by number.
type AssetSearch struct {
	Number uint8
}

// AssetInfo is the response to AssetSearch.
type AssetInfo struct {
	ID   uint32
	Size int
}

func (*AssetInfo) response() {}

func (*AssetSearch) Kind() token.Kind {
	return token.Kind{Op: token.OpAssetManagement, Sub: token.SubAssetSearch}
}

func (r *AssetSearch) build(x *exchangeContext) error {
	token.NewAssetSearch(&x.c, r.Number)
	return nil
}

func (*AssetSearch) parse(x *exchangeContext) (Response, error) {
	id, size := token.ParseAssetSearch(&x.r)
	return &AssetInfo{ID: id, Size: size}, nil
}

// AssetCreate allocates an asset of the given policy and size, the asset
// holds no data until loaded.
type AssetCreate struct {
	Policy uint64
	Size   int
}

// AssetID is the response to AssetCreate.
type AssetID struct {
	ID uint32
}

func (*AssetID) response() {}

func (*AssetCreate) Kind() token.Kind {
	return token.Kind{Op: token.OpAssetManagement, Sub: token.SubAssetCreate}
}

func (r *AssetCreate) build(x *exchangeContext) error {
	if err := checkAssetSize(x, r.Size); err != nil {
		return err
	}

	token.NewAssetCreate(&x.c, r.Policy, r.Size)

	return nil
}

func (*AssetCreate) parse(x *exchangeContext) (Response, error) {
	id := token.ParseAssetID(&x.r)

	if id == 0 {
		return nil, x.fail(StatusInternal, errors.New("asset created with id 0"))
	}

	return &AssetID{ID: id}, nil
}

// AssetLoad loads data into a created asset.
type AssetLoad struct {
	ID     uint32
	Method token.LoadMethod

	// KeyID is the key derivation key (derive), the key encryption key
	// (import, unwrap) or the key blob encryption key (plaintext, random).
	KeyID       uint32
	Algorithm   uint8
	CounterMode bool
	RFC5869     bool

	// AAD is the associated data of the key blob or the derivation label.
	AAD []byte
	// Data is the plaintext, or the key blob to import.
	Data []byte

	// KeyBlobSize requests a key blob of the loaded data, of at most that
	// size, for the plaintext and random methods.
	KeyBlobSize int
}

// AssetLoadResult is the response to AssetLoad.
type AssetLoadResult struct {
	KeyBlob []byte
}

func (*AssetLoadResult) response() {}

func (*AssetLoad) Kind() token.Kind {
	return token.Kind{Op: token.OpAssetManagement, Sub: token.SubAssetLoad}
}

func (r *AssetLoad) build(x *exchangeContext) (err error) {
	if r.ID == 0 {
		return x.fail(StatusBadArgument, errors.New("no asset"))
	}

	if len(r.AAD) > token.MaxAssociatedData {
		return x.fail(StatusBadArgument, fmt.Errorf("associated data exceeds %d bytes", token.MaxAssociatedData))
	}

	switch r.Method {
	case token.LoadPlaintext, token.LoadImport, token.LoadSymUnwrap:
		if len(r.Data) == 0 {
			return x.fail(StatusBadArgument, errors.New("no data"))
		}
	}

	switch r.Method {
	case token.LoadDerive, token.LoadImport, token.LoadSymUnwrap:
		if r.KeyID == 0 {
			return x.fail(StatusBadArgument, errors.New("no key"))
		}
	}

	if r.KeyBlobSize > 0 && r.KeyID == 0 {
		return x.fail(StatusBadArgument, errors.New("key blob requested without key"))
	}

	l := &token.AssetLoad{
		ID:          r.ID,
		Method:      r.Method,
		KeyID:       r.KeyID,
		Algorithm:   r.Algorithm,
		CounterMode: r.CounterMode,
		RFC5869:     r.RFC5869,
		AAD:         r.AAD,
		InputSize:   len(r.Data),
		OutputSize:  r.KeyBlobSize,
	}

	if l.InputSize > token.MaxAssetSize || l.OutputSize > token.MaxAssetSize {
		return x.fail(StatusInvalidLength, fmt.Errorf("asset data exceeds %d bytes", token.MaxAssetSize))
	}

	if l.Input, err = x.mapIn(r.Data); err != nil {
		return
	}

	if r.KeyBlobSize > 0 {
		x.out = make([]byte, r.KeyBlobSize)

		if l.Output, err = x.mapOut(x.out); err != nil {
			return
		}
	}

	if err = token.NewAssetLoad(&x.c, l); err != nil {
		return x.fail(StatusInvalidLength, err)
	}

	return
}

func (r *AssetLoad) parse(x *exchangeContext) (Response, error) {
	if r.KeyBlobSize == 0 {
		return &AssetLoadResult{}, nil
	}

	n := token.ParseAssetLoad(&x.r)

	if n > len(x.out) {
		return nil, x.fail(StatusInternal, fmt.Errorf("key blob length %d exceeds %d", n, len(x.out)))
	}

	return &AssetLoadResult{KeyBlob: x.out[:n]}, nil
}

// AssetDelete removes an asset.
type AssetDelete struct {
	ID uint32
}

func (*AssetDelete) Kind() token.Kind {
	return token.Kind{Op: token.OpAssetManagement, Sub: token.SubAssetDelete}
}

func (r *AssetDelete) build(x *exchangeContext) error {
	if r.ID == 0 {
		return x.fail(StatusBadArgument, errors.New("no asset"))
	}

	token.NewAssetDelete(&x.c, r.ID)

	return nil
}

func (*AssetDelete) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

type readAsset struct {
	ID   uint32
	Size int
}

func (r *readAsset) build(x *exchangeContext, fn func(c *token.Command, id uint32, out uint64, size int)) error {
	if err := checkAssetSize(x, r.Size); err != nil {
		return err
	}

	x.out = make([]byte, r.Size)

	addr, err := x.mapOut(x.out)

	if err != nil {
		return err
	}

	fn(&x.c, r.ID, addr, r.Size)

	return nil
}

func (r *readAsset) parse(x *exchangeContext) (Response, error) {
	n := token.ParsePublicData(&x.r)

	if n > len(x.out) {
		return nil, x.fail(StatusInternal, fmt.Errorf("asset length %d exceeds %d", n, len(x.out)))
	}

	return &Data{Bytes: x.out[:n]}, nil
}

// PublicData reads the data of a public asset, Size is the buffer size.
type PublicData struct {
	ID   uint32
	Size int
}

func (*PublicData) Kind() token.Kind {
	return token.Kind{Op: token.OpAssetManagement, Sub: token.SubPublicData}
}

func (r *PublicData) build(x *exchangeContext) error {
	return (*readAsset)(r).build(x, token.NewPublicData)
}

func (r *PublicData) parse(x *exchangeContext) (Response, error) {
	return (*readAsset)(r).parse(x)
}

// MonotonicRead reads a monotonic counter asset, Size is the buffer size.
type MonotonicRead struct {
	ID   uint32
	Size int
}

func (*MonotonicRead) Kind() token.Kind {
	return token.Kind{Op: token.OpAssetManagement, Sub: token.SubMonotonicRead}
}

func (r *MonotonicRead) build(x *exchangeContext) error {
	return (*readAsset)(r).build(x, token.NewMonotonicRead)
}

func (r *MonotonicRead) parse(x *exchangeContext) (Response, error) {
	return (*readAsset)(r).parse(x)
}

// MonotonicIncrement increments a monotonic counter asset.
type MonotonicIncrement struct {
	ID uint32
}

func (*MonotonicIncrement) Kind() token.Kind {
	return token.Kind{Op: token.OpAssetManagement, Sub: token.SubMonotonicIncrement}
}

func (r *MonotonicIncrement) build(x *exchangeContext) error {
	token.NewMonotonicIncrement(&x.c, r.ID)
	return nil
}

func (*MonotonicIncrement) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// ProvisionRandomHUK generates the hardware unique key, the token carries
// Identity rather than the caller identity.
type ProvisionRandomHUK struct {
	Identity     uint32
	SampleCycles uint16
	AutoSeed     uint8
}

func (*ProvisionRandomHUK) Kind() token.Kind {
	return token.KindProvisionRandomHUK
}

func (r *ProvisionRandomHUK) build(x *exchangeContext) error {
	if r.Identity == 0 {
		return x.fail(StatusBadArgument, errors.New("no identity"))
	}

	token.NewProvisionRandomHUK(&x.c, r.Identity, r.SampleCycles, r.AutoSeed)

	return nil
}

func (*ProvisionRandomHUK) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// AssetStoreReset removes all non static assets, it requires the crypto
// officer to be logged in.
type AssetStoreReset struct{}

func (*AssetStoreReset) Kind() token.Kind {
	return token.Kind{Op: token.OpAssetManagement, Sub: token.SubAssetStoreReset}
}

func (*AssetStoreReset) build(x *exchangeContext) error {
	token.NewAssetStoreReset(&x.c)
	return nil
}

func (*AssetStoreReset) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}
