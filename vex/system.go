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

// SystemInfo requests the module firmware and hardware information.
type SystemInfo struct{}

// SystemInfoResult is the response to SystemInfo.
type SystemInfoResult struct {
	token.SystemInfo
}

func (*SystemInfoResult) response() {}

func (*SystemInfo) Kind() token.Kind {
	return token.Kind{Op: token.OpSystem, Sub: token.SubSystemInfo}
}

func (*SystemInfo) build(x *exchangeContext) error {
	token.NewSystemInfo(&x.c)
	return nil
}

func (*SystemInfo) parse(x *exchangeContext) (Response, error) {
	return &SystemInfoResult{SystemInfo: *token.ParseSystemInfo(&x.r)}, nil
}

// SelfTest runs the module self test.
type SelfTest struct{}

func (*SelfTest) Kind() token.Kind {
	return token.Kind{Op: token.OpSystem, Sub: token.SubSelfTest}
}

func (*SelfTest) build(x *exchangeContext) error {
	token.NewSelfTest(&x.c)
	return nil
}

func (*SelfTest) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// Reset resets the module, the crypto officer login is restored before the
// request completes.
type Reset struct{}

func (*Reset) Kind() token.Kind {
	return token.KindReset
}

func (*Reset) build(x *exchangeContext) error {
	token.NewReset(&x.c)
	return nil
}

func (*Reset) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// Login logs the crypto officer in, the token always carries the crypto
// officer identity.
type Login struct{}

func (*Login) Kind() token.Kind {
	return token.KindLogin
}

func (*Login) build(x *exchangeContext) error {
	token.NewLogin(&x.c)
	return nil
}

func (*Login) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// Sleep puts the module in sleep state, only Resume is accepted until it
// completes.
type Sleep struct{}

func (*Sleep) Kind() token.Kind {
	return token.Kind{Op: token.OpSystem, Sub: token.SubSleep}
}

func (*Sleep) build(x *exchangeContext) error {
	token.NewSleep(&x.c)
	return nil
}

func (*Sleep) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// Resume wakes the module from sleep state.
type Resume struct{}

func (*Resume) Kind() token.Kind {
	return kindResume
}

func (*Resume) build(x *exchangeContext) error {
	token.NewResume(&x.c)
	return nil
}

func (*Resume) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}

// SetTime sets the module time in seconds.
type SetTime struct {
	Seconds uint32
}

func (*SetTime) Kind() token.Kind {
	return token.Kind{Op: token.OpSystem, Sub: token.SubSetTime}
}

func (r *SetTime) build(x *exchangeContext) error {
	token.NewSetTime(&x.c, r.Seconds)
	return nil
}

func (*SetTime) parse(*exchangeContext) (Response, error) {
	return &Ack{}, nil
}
