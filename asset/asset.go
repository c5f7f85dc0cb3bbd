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

// Package asset manages the lifecycle of security module assets so that a
// failed load never leaves an empty asset behind.
package asset

import (
	"context"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-vex/identity"
	"github.com/transparency-dev/armored-witness-vex/token"
	"github.com/transparency-dev/armored-witness-vex/vex"
)

// Dispatcher represents the asset management and key wrap entry points,
// *vex.Dispatcher satisfies it.
type Dispatcher interface {
	Asset(ctx context.Context, caller identity.Context, req vex.Request) (vex.Response, error)
	Wrap(ctx context.Context, caller identity.Context, req *vex.Wrap) (*vex.Data, error)
}

// Helper represents an asset lifecycle helper.
type Helper struct {
	d Dispatcher
}

// New returns a helper issuing requests through d.
func New(d Dispatcher) *Helper {
	return &Helper{d: d}
}

// Create allocates an asset, the returned identifier is never 0 on success.
func (h *Helper) Create(ctx context.Context, caller identity.Context, policy uint64, size int) (uint32, error) {
	resp, err := h.d.Asset(ctx, caller, &vex.AssetCreate{Policy: policy, Size: size})

	if err != nil {
		return 0, err
	}

	id, ok := resp.(*vex.AssetID)

	if !ok || id.ID == 0 {
		return 0, &vex.Error{Status: vex.StatusInternal, Err: fmt.Errorf("invalid create response %v", resp)}
	}

	return id.ID, nil
}

// Delete removes an asset.
func (h *Helper) Delete(ctx context.Context, caller identity.Context, id uint32) error {
	_, err := h.d.Asset(ctx, caller, &vex.AssetDelete{ID: id})
	return err
}

// Load loads data into a created asset, the asset is deleted when the load
// fails. The returned error is always the load error.
func (h *Helper) Load(ctx context.Context, caller identity.Context, l *vex.AssetLoad) (*vex.AssetLoadResult, error) {
	resp, err := h.d.Asset(ctx, caller, l)

	if err == nil {
		if res, ok := resp.(*vex.AssetLoadResult); ok {
			return res, nil
		}

		err = &vex.Error{Status: vex.StatusInternal, Err: fmt.Errorf("invalid load response %v", resp)}
	}

	// the load context may be expired already
	if derr := h.Delete(context.WithoutCancel(ctx), caller, l.ID); derr != nil {
		klog.Warningf("asset %#x: delete after failed load: %v", l.ID, derr)
	}

	return nil, err
}

// Install creates an asset of the given policy and size and loads it as
// described by l, whose ID is set to the new asset. On failure no asset is
// left behind and 0 is returned.
func (h *Helper) Install(ctx context.Context, caller identity.Context, policy uint64, size int, l *vex.AssetLoad) (uint32, *vex.AssetLoadResult, error) {
	id, err := h.Create(ctx, caller, policy, size)

	if err != nil {
		return 0, nil, err
	}

	l.ID = id

	res, err := h.Load(ctx, caller, l)

	if err != nil {
		return 0, nil, err
	}

	klog.V(2).Infof("asset %#x installed (%d bytes)", id, size)

	return id, res, nil
}

// InstallKey installs plaintext key material.
func (h *Helper) InstallKey(ctx context.Context, caller identity.Context, policy uint64, key []byte) (uint32, error) {
	id, _, err := h.Install(ctx, caller, policy, len(key), &vex.AssetLoad{
		Method: token.LoadPlaintext,
		Data:   key,
	})

	return id, err
}

// WrapWithKey wraps, or unwraps, data under a key encryption key installed
// with the given policy for the duration of the call. The key asset is
// deleted on every path, a failed delete is logged.
func (h *Helper) WrapWithKey(ctx context.Context, caller identity.Context, policy uint64, kek []byte, data []byte, unwrap bool) ([]byte, error) {
	id, err := h.InstallKey(ctx, caller, policy, kek)

	if err != nil {
		return nil, err
	}

	defer func() {
		if err := h.Delete(context.WithoutCancel(ctx), caller, id); err != nil {
			klog.Warningf("asset %#x: delete after wrap: %v", id, err)
		}
	}()

	res, err := h.d.Wrap(ctx, caller, &vex.Wrap{Unwrap: unwrap, KeyID: id, Data: data})

	if err != nil {
		return nil, err
	}

	return res.Bytes, nil
}

// CurveParams encodes the domain parameters of a short Weierstrass curve
// with a = -3: p, a, b, n, Gx and Gy, each big endian and padded to the
// field size.
func CurveParams(curve elliptic.Curve) []byte {
	p := curve.Params()
	size := (p.BitSize + 7) / 8

	a := new(big.Int).Sub(p.P, big.NewInt(3))

	buf := make([]byte, 0, 6*size)

	for _, v := range []*big.Int{p.P, a, p.B, p.N, p.Gx, p.Gy} {
		buf = append(buf, v.FillBytes(make([]byte, size))...)
	}

	return buf
}

// InstallCurve installs the domain parameters of curve as a public asset
// referenced by public key operations.
func (h *Helper) InstallCurve(ctx context.Context, caller identity.Context, policy uint64, curve elliptic.Curve) (uint32, error) {
	return h.InstallKey(ctx, caller, policy, CurveParams(curve))
}
