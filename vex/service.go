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
	"github.com/transparency-dev/armored-witness-vex/token"
)

// RegisterRead reads an internal module register.
type RegisterRead struct {
	Address uint16
}

// RegisterValue is the response to RegisterRead.
type RegisterValue struct {
	Value uint32
}

func (*RegisterValue) response() {}

func (*RegisterRead) Kind() token.Kind {
	return token.Kind{Op: token.OpService, Sub: token.SubRegisterRead}
}

func (r *RegisterRead) build(x *exchangeContext) error {
	token.NewRegisterRead(&x.c, r.Address)
	return nil
}

func (*RegisterRead) parse(x *exchangeContext) (Response, error) {
	return &RegisterValue{Value: token.ParseRegisterRead(&x.r)}, nil
}

// RegisterWrite writes an internal module register.
type RegisterWrite struct {
	Address uint16
	Value   uint32
}

func (*RegisterWrite) Kind() token.Kind {
	return token.Kind{Op: token.OpService, Sub: token.SubRegisterWrite}
}

func (r *RegisterWrite) build(x *exchangeContext) error {
	token.NewRegisterWrite(&x.c, r.Address, r.Value)
	return nil
}

func (*RegisterWrite) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// ZeroOutMailbox clears the mailbox used by the caller.
type ZeroOutMailbox struct{}

func (*ZeroOutMailbox) Kind() token.Kind {
	return token.Kind{Op: token.OpService, Sub: token.SubZeroOutMailbox}
}

func (*ZeroOutMailbox) build(x *exchangeContext) error {
	token.NewZeroOutMailbox(&x.c)
	return nil
}

func (*ZeroOutMailbox) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// ClockSwitch forces engine clocks on or off.
type ClockSwitch struct {
	On  uint16
	Off uint16
}

func (*ClockSwitch) Kind() token.Kind {
	return token.Kind{Op: token.OpService, Sub: token.SubClockSwitch}
}

func (r *ClockSwitch) build(x *exchangeContext) error {
	token.NewClockSwitch(&x.c, r.On, r.Off)
	return nil
}

func (*ClockSwitch) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}
