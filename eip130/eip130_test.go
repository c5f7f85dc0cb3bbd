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

package eip130_test

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-vex/eip130"
	"github.com/transparency-dev/armored-witness-vex/internal/emu"
	"github.com/transparency-dev/armored-witness-vex/token"
)

func newModule(t *testing.T) (*eip130.EIP130, *emu.Device) {
	t.Helper()

	d := emu.New(emu.Config{Mailboxes: 2, HostID: 3})
	t.Cleanup(d.Close)

	e, err := eip130.Init(d)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	return e, d
}

func waitReadable(t *testing.T, e *eip130.EIP130, nr int) {
	t.Helper()

	for deadline := time.Now().Add(time.Second); time.Now().Before(deadline); {
		if e.CanReadToken(nr) {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("Mailbox %d never became readable", nr)
}

type regs map[uint32]uint32

func (r regs) Read32(off uint32) uint32 { return r[off] }

func (r regs) Write32(off uint32, val uint32) { r[off] = val }

func TestInit(t *testing.T) {
	for _, test := range []struct {
		name    string
		dev     eip130.Device
		wantErr bool
	}{
		{
			name:    "no device",
			wantErr: true,
		}, {
			name:    "bad signature",
			dev:     regs{eip130.EIP_VERSION: 0x12345678, eip130.EIP_OPTIONS: 4},
			wantErr: true,
		}, {
			name:    "no mailboxes",
			dev:     regs{eip130.EIP_VERSION: eip130.VERSION_SIGNATURE},
			wantErr: true,
		}, {
			name: "four mailboxes",
			dev:  regs{eip130.EIP_VERSION: eip130.VERSION_SIGNATURE, eip130.EIP_OPTIONS: 0x14},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e, err := eip130.Init(test.dev)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if diff := cmp.Diff(e.Options(), eip130.Options{Mailboxes: 4, MailboxSize: 256}); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestOptionsAndVersion(t *testing.T) {
	e, _ := newModule(t)

	if got, want := e.Mailboxes(), 2; got != want {
		t.Fatalf("Got %d mailboxes, want %d", got, want)
	}
	if got, want := e.Options().MyHostID, uint8(3); got != want {
		t.Fatalf("Got host %d, want %d", got, want)
	}
	if diff := cmp.Diff(e.Version(), eip130.Version{Number: 0x82, Major: 1, Minor: 3}); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}

	state, err := e.FirmwareCheck()
	if err != nil || state != eip130.FirmwareReady {
		t.Fatalf("Got (%v, %v), want (%v, nil)", state, err, eip130.FirmwareReady)
	}
}

func TestLink(t *testing.T) {
	e, d := newModule(t)

	if err := e.Link(3); !errors.Is(err, eip130.ErrInvalidMailbox) {
		t.Fatalf("Got %v, want %v", err, eip130.ErrInvalidMailbox)
	}
	if err := e.Link(2); err != nil {
		t.Fatalf("Link: %v", err)
	}

	host, _, err := e.LinkID(2)
	if err != nil || host != 3 {
		t.Fatalf("Got (%d, %v), want (3, nil)", host, err)
	}

	if err := e.Unlink(2); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, _, err := e.LinkID(2); err == nil {
		t.Fatal("Got link id of unlinked mailbox")
	}

	d.SetFaults(emu.Faults{FailLink: true})

	var opErr *eip130.OperationError
	if err := e.Link(1); !errors.As(err, &opErr) || opErr.Mailbox != 1 {
		t.Fatalf("Got %v, want link OperationError", err)
	}

	d.SetFaults(emu.Faults{})

	if err := e.Link(1); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if err := e.LinkReset(1); err != nil {
		t.Fatalf("LinkReset: %v", err)
	}
	if _, _, err := e.LinkID(1); err == nil {
		t.Fatal("Got link id after link reset")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	e, _ := newModule(t)

	if err := e.Link(1); err != nil {
		t.Fatal(err)
	}

	var c token.Command
	token.NewSystemInfo(&c)
	c.SetTokenID(0x77, false)
	c.SetIdentity(0x101)

	if err := e.WriteAndSubmitToken(1, &c, true); err != nil {
		t.Fatalf("WriteAndSubmitToken: %v", err)
	}

	waitReadable(t, e, 1)

	var r token.Result
	if err := e.ReadToken(1, &r); err != nil {
		t.Fatalf("ReadToken: %v", err)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("Got result error %v", err)
	}
	if got, want := r.TokenID(), uint16(0x77); got != want {
		t.Fatalf("Got token id %#x, want %#x", got, want)
	}
	if got, want := token.ParseSystemInfo(&r).Identity, uint32(0x101); got != want {
		t.Fatalf("Got identity %#x, want %#x", got, want)
	}

	if e.CanReadToken(1) {
		t.Fatal("Out mailbox still full after read")
	}
	if err := e.ReadToken(1, &r); !errors.Is(err, eip130.ErrNotReadable) {
		t.Fatalf("Got %v, want %v", err, eip130.ErrNotReadable)
	}
}

func TestSubmitFailures(t *testing.T) {
	e, d := newModule(t)

	if err := e.Link(1); err != nil {
		t.Fatal(err)
	}

	var c token.Command
	token.NewSelfTest(&c)

	d.SetFaults(emu.Faults{Stall: true})

	if err := e.WriteAndSubmitToken(1, &c, true); err != nil {
		t.Fatalf("WriteAndSubmitToken: %v", err)
	}
	if err := e.WriteAndSubmitToken(1, &c, true); !errors.Is(err, eip130.ErrMailboxFull) {
		t.Fatalf("Got %v, want %v", err, eip130.ErrMailboxFull)
	}

	if err := e.Link(2); err != nil {
		t.Fatal(err)
	}

	d.SetFaults(emu.Faults{Dead: true})

	if err := e.WriteAndSubmitToken(2, &c, false); !errors.Is(err, eip130.ErrHandoverFailed) {
		t.Fatalf("Got %v, want %v", err, eip130.ErrHandoverFailed)
	}
}
