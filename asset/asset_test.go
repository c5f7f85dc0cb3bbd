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

package asset

import (
	"context"
	"crypto/elliptic"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/transparency-dev/armored-witness-vex/bufmgr"
	"github.com/transparency-dev/armored-witness-vex/identity"
	"github.com/transparency-dev/armored-witness-vex/internal/emu"
	"github.com/transparency-dev/armored-witness-vex/internal/rtos"
	"github.com/transparency-dev/armored-witness-vex/token"
	"github.com/transparency-dev/armored-witness-vex/vex"
)

const caller = identity.Context(7)

// fakeDispatcher answers asset requests from a table and records them.
type fakeDispatcher struct {
	id        uint32
	createErr error
	loadErr   error
	deleteErr error
	wrapErr   error

	requests []string
}

func (f *fakeDispatcher) Asset(ctx context.Context, _ identity.Context, req vex.Request) (vex.Response, error) {
	switch r := req.(type) {
	case *vex.AssetCreate:
		f.requests = append(f.requests, "create")

		if f.createErr != nil {
			return nil, f.createErr
		}

		return &vex.AssetID{ID: f.id}, nil
	case *vex.AssetLoad:
		f.requests = append(f.requests, fmt.Sprintf("load %d", r.ID))

		if f.loadErr != nil {
			return nil, f.loadErr
		}

		return &vex.AssetLoadResult{}, nil
	case *vex.AssetDelete:
		f.requests = append(f.requests, fmt.Sprintf("delete %d", r.ID))

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return &vex.Ack{}, f.deleteErr
	}

	return nil, &vex.Error{Status: vex.StatusUnsupported}
}

func (f *fakeDispatcher) Wrap(_ context.Context, _ identity.Context, req *vex.Wrap) (*vex.Data, error) {
	f.requests = append(f.requests, fmt.Sprintf("wrap %d", req.KeyID))

	if f.wrapErr != nil {
		return nil, f.wrapErr
	}

	return &vex.Data{Bytes: append([]byte("wrapped "), req.Data...)}, nil
}

func TestInstall(t *testing.T) {
	deviceState := &vex.Error{Status: vex.StatusDeviceState, Err: errors.New("handover failed")}

	for _, test := range []struct {
		name         string
		d            *fakeDispatcher
		wantID       uint32
		wantErr      error
		wantRequests []string
	}{
		{
			name:         "installed",
			d:            &fakeDispatcher{id: 7},
			wantID:       7,
			wantRequests: []string{"create", "load 7"},
		}, {
			name:         "load failed",
			d:            &fakeDispatcher{id: 7, loadErr: deviceState},
			wantErr:      deviceState,
			wantRequests: []string{"create", "load 7", "delete 7"},
		}, {
			name:         "load and delete failed",
			d:            &fakeDispatcher{id: 7, loadErr: deviceState, deleteErr: &vex.Error{Status: vex.StatusMailboxInUse}},
			wantErr:      deviceState,
			wantRequests: []string{"create", "load 7", "delete 7"},
		}, {
			name:         "create failed",
			d:            &fakeDispatcher{createErr: deviceState},
			wantErr:      deviceState,
			wantRequests: []string{"create"},
		}, {
			name:         "created with id 0",
			d:            &fakeDispatcher{},
			wantErr:      &vex.Error{Status: vex.StatusInternal},
			wantRequests: []string{"create"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := New(test.d)

			id, _, err := h.Install(context.Background(), caller, 0, 16, &vex.AssetLoad{Method: token.LoadRandom})

			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if id != test.wantID {
				t.Fatalf("Got id %d, want %d", id, test.wantID)
			}
			if diff := cmp.Diff(test.wantRequests, test.d.requests); diff != "" {
				t.Fatalf("Got requests diff: %s", diff)
			}
		})
	}
}

func TestWrapWithKey(t *testing.T) {
	wrapFailed := &vex.Error{Status: vex.StatusOperationFailed, Err: errors.New("unwrap error")}

	for _, test := range []struct {
		name         string
		d            *fakeDispatcher
		want         []byte
		wantErr      error
		wantRequests []string
	}{
		{
			name:         "wrapped",
			d:            &fakeDispatcher{id: 4},
			want:         []byte("wrapped key"),
			wantRequests: []string{"create", "load 4", "wrap 4", "delete 4"},
		}, {
			name:         "wrap failed",
			d:            &fakeDispatcher{id: 4, wrapErr: wrapFailed},
			wantErr:      wrapFailed,
			wantRequests: []string{"create", "load 4", "wrap 4", "delete 4"},
		}, {
			name:         "delete failed",
			d:            &fakeDispatcher{id: 4, deleteErr: &vex.Error{Status: vex.StatusMailboxInUse}},
			want:         []byte("wrapped key"),
			wantRequests: []string{"create", "load 4", "wrap 4", "delete 4"},
		}, {
			name:         "key not installed",
			d:            &fakeDispatcher{id: 4, loadErr: wrapFailed},
			wantErr:      wrapFailed,
			wantRequests: []string{"create", "load 4", "delete 4"},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := New(test.d).WrapWithKey(context.Background(), caller, 0, make([]byte, 32), []byte("key"), false)

			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Fatalf("Got data diff: %s", diff)
			}
			if diff := cmp.Diff(test.wantRequests, test.d.requests); diff != "" {
				t.Fatalf("Got requests diff: %s", diff)
			}
		})
	}
}

func TestDeleteAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := &fakeDispatcher{id: 3, loadErr: context.Canceled}

	_, err := New(d).Load(ctx, caller, &vex.AssetLoad{ID: 3, Method: token.LoadRandom})

	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"load 3", "delete 3"}, d.requests)
}

func TestCurveParams(t *testing.T) {
	p := elliptic.P256().Params()
	buf := CurveParams(elliptic.P256())

	if got, want := len(buf), 6*32; got != want {
		t.Fatalf("Got %d bytes, want %d", got, want)
	}
	if diff := cmp.Diff(buf[:32], p.P.Bytes()); diff != "" {
		t.Fatalf("Got p diff: %s", diff)
	}
	if diff := cmp.Diff(buf[160:], p.Gy.FillBytes(make([]byte, 32))); diff != "" {
		t.Fatalf("Got Gy diff: %s", diff)
	}
}

func TestInstallOnModule(t *testing.T) {
	arena := bufmgr.NewArena(0x30000000, 0x10000)
	irq := rtos.NewController()

	cfg := vex.DefaultConfig()
	cfg.PollDelay = time.Microsecond
	cfg.DMAPollLoops = 100
	cfg.DMAPollDelay = time.Microsecond

	dev := emu.New(emu.Config{
		Mailboxes:     2,
		HostID:        1,
		DMA:           arena,
		Interrupt:     irq.Raise,
		CryptoOfficer: cfg.CryptoOfficer,
	})
	t.Cleanup(dev.Close)

	v, err := vex.New(dev, arena, irq, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(v.Close)

	h := New(v)
	ctx := context.Background()

	curve, err := h.InstallCurve(ctx, caller, 0, elliptic.P256())
	require.NoError(t, err)

	got, ok := dev.Asset(curve)
	require.True(t, ok)
	require.Equal(t, CurveParams(elliptic.P256()), got)

	n := dev.Assets()

	// a wrong size plaintext is refused by the firmware
	id, _, err := h.Install(ctx, caller, 0, 16, &vex.AssetLoad{Method: token.LoadPlaintext, Data: make([]byte, 8)})
	require.Equal(t, vex.StatusOperationFailed, vex.StatusOf(err))
	require.Zero(t, id)
	require.Equal(t, n, dev.Assets())

	key, err := h.InstallKey(ctx, caller, emu.PolicyPrivateData, make([]byte, 32))
	require.NoError(t, err)
	require.NoError(t, h.Delete(ctx, caller, key))
	require.Equal(t, n, dev.Assets())

	kek := []byte("0123456789abcdef0123456789abcdef")
	secret := []byte("witness signing key")

	blob, err := h.WrapWithKey(ctx, caller, emu.PolicyPrivateData, kek, secret, false)
	require.NoError(t, err)
	require.Len(t, blob, len(secret)+emu.BlobOverhead)
	require.Equal(t, n, dev.Assets())

	plain, err := h.WrapWithKey(ctx, caller, emu.PolicyPrivateData, kek, blob, true)
	require.NoError(t, err)
	require.Equal(t, secret, plain)
	require.Equal(t, n, dev.Assets())

	// another key does not unwrap the blob
	_, err = h.WrapWithKey(ctx, caller, emu.PolicyPrivateData, make([]byte, 32), blob, true)
	require.Equal(t, vex.StatusOperationFailed, vex.StatusOf(err))
	require.Equal(t, n, dev.Assets())
}
