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

package token

import (
	"github.com/coreos/go-semver/semver"
	"github.com/usbarmory/tamago/bits"
)

// OTP anomaly codes reported by SystemInfo
const (
	OTPNoAnomaly       = 0
	OTPEmpty           = 1
	OTPUnsupportedSize = 2
	OTPFATError        = 3
	OTPZeroized        = 8
)

// SystemInfo represents the system information result token.
type SystemInfo struct {
	Firmware semver.Version
	Hardware semver.Version

	MemorySize uint16

	HostID        uint8
	Identity      uint32
	NonSecure     bool
	CryptoOfficer bool
	Mode          uint8
	ErrorTest     uint8

	OTPErrorCode     uint8
	OTPErrorLocation uint16
}

// NewSystemInfo builds a system information command.
func NewSystemInfo(c *Command) {
	c.Clear()
	c.SetHeader(OpSystem, SubSystemInfo)
}

// ParseSystemInfo decodes a system information result.
func ParseSystemInfo(r *Result) (info *SystemInfo) {
	info = &SystemInfo{
		Firmware:   version(r[1]),
		Hardware:   version(r[2]),
		MemorySize: uint16(r[3]),
		Identity:   r[4],
	}

	info.HostID = uint8(bits.Get(&r[3], 16, 0x7))
	info.NonSecure = bits.Get(&r[3], 19, 1) == 1
	info.CryptoOfficer = bits.Get(&r[3], 27, 1) == 1
	info.Mode = uint8(bits.Get(&r[3], 28, 0xf))
	info.ErrorTest = uint8(bits.Get(&r[5], 16, 0xff))
	info.OTPErrorCode = uint8(bits.Get(&r[5], 12, 0xf))
	info.OTPErrorLocation = uint16(bits.Get(&r[5], 0, 0xfff))

	return
}

// PutSystemInfo encodes a system information result, it is used by device
// models.
func PutSystemInfo(r *Result, info *SystemInfo) {
	r[1] = packVersion(info.Firmware)
	r[2] = packVersion(info.Hardware)
	r[3] = uint32(info.MemorySize)
	r[4] = info.Identity

	bits.SetN(&r[3], 16, 0x7, uint32(info.HostID))
	bits.SetN(&r[3], 28, 0xf, uint32(info.Mode))

	if info.NonSecure {
		bits.Set(&r[3], 19)
	}

	if info.CryptoOfficer {
		bits.Set(&r[3], 27)
	}

	bits.SetN(&r[5], 16, 0xff, uint32(info.ErrorTest))
	bits.SetN(&r[5], 12, 0xf, uint32(info.OTPErrorCode))
	bits.SetN(&r[5], 0, 0xfff, uint32(info.OTPErrorLocation))
}

func version(w uint32) semver.Version {
	return semver.Version{
		Major: int64(bits.Get(&w, 16, 0xff)),
		Minor: int64(bits.Get(&w, 8, 0xff)),
		Patch: int64(bits.Get(&w, 0, 0xff)),
	}
}

func packVersion(v semver.Version) (w uint32) {
	bits.SetN(&w, 16, 0xff, uint32(v.Major))
	bits.SetN(&w, 8, 0xff, uint32(v.Minor))
	bits.SetN(&w, 0, 0xff, uint32(v.Patch))
	return
}

// NewSelfTest builds a self test command.
func NewSelfTest(c *Command) {
	c.Clear()
	c.SetHeader(OpSystem, SubSelfTest)
}

// NewReset builds a firmware reset command.
func NewReset(c *Command) {
	c.Clear()
	c.SetHeader(OpSystem, SubReset)
}

// NewLogin builds a crypto officer login command.
func NewLogin(c *Command) {
	c.Clear()
	c.SetHeader(OpSystem, SubLogin)
}

// NewSleep builds a sleep command.
func NewSleep(c *Command) {
	c.Clear()
	c.SetHeader(OpSystem, SubSleep)
}

// NewResume builds a resume from sleep command.
func NewResume(c *Command) {
	c.Clear()
	c.SetHeader(OpSystem, SubResumeSleep)
}

// NewSetTime builds a command setting the device time in seconds.
func NewSetTime(c *Command, seconds uint32) {
	c.Clear()
	c.SetHeader(OpSystem, SubSetTime)
	c[2] = seconds
}
