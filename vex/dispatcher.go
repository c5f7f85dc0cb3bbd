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
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-vex/bufmgr"
	"github.com/transparency-dev/armored-witness-vex/identity"
	"github.com/transparency-dev/armored-witness-vex/token"
)

// Exchanger represents a physical token exchange, *exchange.Exchanger
// satisfies it.
type Exchanger interface {
	Exchange(ctx context.Context, caller identity.Context, c *token.Command, r *token.Result) error
}

// BufferManager represents the DMA buffer manager, *bufmgr.Manager
// satisfies it.
type BufferManager interface {
	Map(dir bufmgr.Direction, buf []byte, tag uint16) uint64
	Unmap(addr uint64, copyBack bool) error
}

// DeviceState represents the power state of the module as last observed by
// the dispatcher.
type DeviceState int

// Device states
const (
	DeviceActive DeviceState = iota
	DeviceSleeping
	// DeviceUnknown follows a device state error, it is cleared by the
	// next successful system information, reset or resume request.
	DeviceUnknown
)

func (s DeviceState) String() string {
	switch s {
	case DeviceActive:
		return "active"
	case DeviceSleeping:
		return "sleeping"
	case DeviceUnknown:
		return "unknown"
	}

	return fmt.Sprintf("state(%d)", int(s))
}

var kindResume = token.Kind{Op: token.OpSystem, Sub: token.SubResumeSleep}

// Dispatcher translates requests into physical token exchanges.
type Dispatcher struct {
	x   Exchanger
	buf BufferManager
	ids token.IDGenerator

	loginUnsupportedIsSuccess bool

	mu    sync.Mutex
	state DeviceState
}

// NewDispatcher returns a dispatcher exchanging tokens through x with
// buffers mapped by buf.
func NewDispatcher(x Exchanger, buf BufferManager, cfg Config) *Dispatcher {
	return &Dispatcher{
		x:                         x,
		buf:                       buf,
		loginUnsupportedIsSuccess: cfg.LoginUnsupportedIsSuccess,
	}
}

// State returns the last observed device state.
func (d *Dispatcher) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

func (d *Dispatcher) admit(kind token.Kind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == DeviceSleeping && kind != kindResume {
		return &Error{Status: StatusDeviceState, Op: kind, Err: fmt.Errorf("device is %v", d.state)}
	}

	return nil
}

func (d *Dispatcher) track(kind token.Kind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.state

	switch {
	case StatusOf(err) == StatusDeviceState:
		d.state = DeviceUnknown
	case err != nil:
		return
	case kind.Op != token.OpSystem:
		return
	case kind.Sub == token.SubSleep:
		d.state = DeviceSleeping
	case kind.Sub == token.SubResumeSleep, kind.Sub == token.SubReset, kind.Sub == token.SubSystemInfo:
		d.state = DeviceActive
	}

	if d.state != prev {
		klog.V(2).Infof("vex: device %v -> %v", prev, d.state)
	}
}

// exchangeContext holds everything one physical exchange owns: its token
// identifier, the tokens and the buffers mapped while building.
//
// Output buffers referenced by a parsed response are filled when the context
// is released, which happens before the response reaches the caller.
type exchangeContext struct {
	kind token.Kind
	id   uint16
	buf  BufferManager

	c token.Command
	r token.Result

	mapped []uint64
	tagged bool

	// out is the output buffer of the request, if any
	out []byte
}

func (x *exchangeContext) fail(s Status, err error) error {
	return &Error{Status: s, Op: x.kind, Err: err}
}

func (x *exchangeContext) mapBuffer(dir bufmgr.Direction, buf []byte, tag uint16) (uint64, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	addr := x.buf.Map(dir, buf, tag)

	if addr == 0 {
		return 0, x.fail(StatusNoMemory, fmt.Errorf("cannot map %d byte %v buffer", len(buf), dir))
	}

	x.mapped = append(x.mapped, addr)

	return addr, nil
}

// mapIn maps a buffer read by the device.
func (x *exchangeContext) mapIn(buf []byte) (uint64, error) {
	return x.mapBuffer(bufmgr.In, buf, 0)
}

// mapOut maps a buffer written by the device, its completion is signalled by
// the device writing the token identifier after the data.
func (x *exchangeContext) mapOut(buf []byte) (uint64, error) {
	addr, err := x.mapBuffer(bufmgr.Out, buf, x.id)

	if addr != 0 {
		x.tagged = true
	}

	return addr, err
}

// release unmaps all buffers in reverse order and returns the first error.
func (x *exchangeContext) release(copyBack bool) (err error) {
	for i := len(x.mapped) - 1; i >= 0; i-- {
		uerr := x.buf.Unmap(x.mapped[i], copyBack)

		switch {
		case uerr == nil:
		case err == nil:
			err = uerr
		default:
			klog.Warningf("vex: %v: %v", x.kind, uerr)
		}
	}

	x.mapped = nil

	return
}

// Request represents a caller request, it is implemented by the request
// types of this package only.
type Request interface {
	// Kind returns the opcode and subcode of the command token.
	Kind() token.Kind

	build(x *exchangeContext) error
	parse(x *exchangeContext) (Response, error)
}

// Response represents the result of a successful request.
type Response interface {
	response()
}

// Ack is the response of requests without output.
type Ack struct{}

func (*Ack) response() {}

// Do performs a request on behalf of caller.
func (d *Dispatcher) Do(ctx context.Context, caller identity.Context, req Request) (resp Response, err error) {
	if req == nil {
		return nil, &Error{Status: StatusUnsupported, Err: fmt.Errorf("no request")}
	}

	kind := req.Kind()

	if err = d.admit(kind); err != nil {
		return
	}

	defer func() {
		d.track(kind, err)
	}()

	if resp, err = d.run(ctx, caller, req); err != nil {
		return nil, err
	}

	if kind != token.KindReset {
		return
	}

	// a reset drops the crypto officer login, restore it before
	// reporting completion
	if _, err = d.run(ctx, caller, &Login{}); err == nil {
		return
	}

	if d.loginUnsupportedIsSuccess && ResultCode(err) == token.ResultInvalidToken {
		klog.V(2).Infof("vex: login not supported by firmware, reset complete")
		return resp, nil
	}

	return nil, err
}

// run performs one physical exchange: build, exchange, parse. Mapped
// buffers are released on every path, output data is copied back only when
// the exchange succeeded.
func (d *Dispatcher) run(ctx context.Context, caller identity.Context, req Request) (resp Response, err error) {
	x := &exchangeContext{
		kind: req.Kind(),
		id:   d.ids.Next(),
		buf:  d.buf,
	}

	defer func() {
		rerr := x.release(err == nil)

		switch {
		case rerr == nil:
		case err == nil:
			resp, err = nil, fromRelease(x.kind, rerr)
		default:
			klog.Warningf("vex: %v: releasing buffers after %v: %v", x.kind, err, rerr)
		}
	}()

	if err = req.build(x); err != nil {
		return
	}

	x.c.SetTokenID(x.id, x.tagged)

	klog.V(3).Infof("vex: %v token %#x for caller %d", x.kind, x.id, caller)

	if err = d.x.Exchange(ctx, caller, &x.c, &x.r); err != nil {
		return nil, fromExchange(x.kind, err)
	}

	if rerr := x.r.Err(); rerr != nil {
		return nil, x.fail(StatusOperationFailed, rerr)
	}

	return req.parse(x)
}

func unsupported(category string, req Request) error {
	e := &Error{Status: StatusUnsupported, Err: fmt.Errorf("not a %s request", category)}

	if req != nil {
		e.Op = req.Kind()
	}

	return e
}

func doAs[T Response](d *Dispatcher, ctx context.Context, caller identity.Context, req Request) (T, error) {
	var zero T

	resp, err := d.Do(ctx, caller, req)

	if err != nil {
		return zero, err
	}

	t, ok := resp.(T)

	if !ok {
		return zero, &Error{Status: StatusInternal, Op: req.Kind(), Err: fmt.Errorf("unexpected response %T", resp)}
	}

	return t, nil
}

// Hash computes a digest, or one step of a streamed digest.
func (d *Dispatcher) Hash(ctx context.Context, caller identity.Context, req *Hash) (*Digest, error) {
	return doAs[*Digest](d, ctx, caller, req)
}

// MAC computes a message authentication code, or one step of a streamed
// one.
func (d *Dispatcher) MAC(ctx context.Context, caller identity.Context, req *MAC) (*Digest, error) {
	return doAs[*Digest](d, ctx, caller, req)
}

// Cipher encrypts or decrypts data.
func (d *Dispatcher) Cipher(ctx context.Context, caller identity.Context, req *Cipher) (*CipherResult, error) {
	return doAs[*CipherResult](d, ctx, caller, req)
}

// Random returns random data from the module TRNG.
func (d *Dispatcher) Random(ctx context.Context, caller identity.Context, req *Random) (*Data, error) {
	return doAs[*Data](d, ctx, caller, req)
}

// TRNGConfig configures the module TRNG.
func (d *Dispatcher) TRNGConfig(ctx context.Context, caller identity.Context, req *TRNGConfig) error {
	_, err := doAs[*Ack](d, ctx, caller, req)
	return err
}

// Wrap wraps or unwraps key material.
func (d *Dispatcher) Wrap(ctx context.Context, caller identity.Context, req *Wrap) (*Data, error) {
	return doAs[*Data](d, ctx, caller, req)
}

// PublicKey performs an asymmetric key operation.
func (d *Dispatcher) PublicKey(ctx context.Context, caller identity.Context, req *PublicKey) (Response, error) {
	return d.Do(ctx, caller, req)
}

// KeyGen generates an EC key pair, or a public key, and returns the public
// key.
func (d *Dispatcher) KeyGen(ctx context.Context, caller identity.Context, req *KeyGen) (*Data, error) {
	return doAs[*Data](d, ctx, caller, req)
}

func (d *Dispatcher) category(ctx context.Context, caller identity.Context, name string, op token.Opcode, req Request) (Response, error) {
	if req == nil || req.Kind().Op != op {
		return nil, unsupported(name, req)
	}

	return d.Do(ctx, caller, req)
}

// Asset performs an asset management request.
func (d *Dispatcher) Asset(ctx context.Context, caller identity.Context, req Request) (Response, error) {
	return d.category(ctx, caller, "asset management", token.OpAssetManagement, req)
}

// AuthUnlock performs an authenticated unlock request.
func (d *Dispatcher) AuthUnlock(ctx context.Context, caller identity.Context, req Request) (Response, error) {
	return d.category(ctx, caller, "authenticated unlock", token.OpAuthUnlock, req)
}

// System performs a system request.
func (d *Dispatcher) System(ctx context.Context, caller identity.Context, req Request) (Response, error) {
	return d.category(ctx, caller, "system", token.OpSystem, req)
}

// Service performs a service request.
func (d *Dispatcher) Service(ctx context.Context, caller identity.Context, req Request) (Response, error) {
	return d.category(ctx, caller, "service", token.OpService, req)
}
