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

// Package eip130 implements mailbox control for the Inside Secure / Rambus
// EIP-130 security module.
//
// The module exposes up to eight mailboxes in a shared register window, each
// mailbox holds one command token on its way in and one result token on its
// way out. Every mailbox uses four bits of the mailbox status and control
// registers: in mailbox full, out mailbox full, linked and available.
//
// The register window is accessed through the Device interface, on
// `GOOS=tamago` builds the MMIO type provides direct memory mapped access.
package eip130

import (
	"errors"
	"fmt"
	"sync"

	"github.com/usbarmory/tamago/bits"

	"github.com/transparency-dev/armored-witness-vex/token"
)

// Register offsets
const (
	MailboxSpacing = 0x400

	MAILBOX_STAT    = 0x3f00
	MAILBOX_CTRL    = 0x3f00
	MAILBOX_RAWSTAT = 0x3f04
	MAILBOX_RESET   = 0x3f04
	MAILBOX_LINKID  = 0x3f08
	MAILBOX_OUTID   = 0x3f0c
	MAILBOX_LOCKOUT = 0x3f10
	MODULE_STATUS   = 0x3fe0
	EIP_OPTIONS2    = 0x3ff4
	EIP_OPTIONS     = 0x3ff8
	EIP_VERSION     = 0x3ffc
)

// Mailbox status/control bits, repeated every 4 bits per mailbox.
const (
	MBX_IN_FULL   = 0
	MBX_OUT_FULL  = 1
	MBX_LINKED    = 2
	MBX_AVAILABLE = 3

	// control register aliases
	MBX_UNLINK = 3
)

// MODULE_STATUS bits
const (
	STATUS_CRC24_BUSY        = 8
	STATUS_CRC24_OK          = 9
	STATUS_CRC24_ERROR       = 10
	STATUS_FIRMWARE_WRITTEN  = 20
	STATUS_FIRMWARE_CHECKS   = 22
	STATUS_FIRMWARE_ACCEPTED = 23
	STATUS_FATAL_ERROR       = 31
)

// EIP_OPTIONS2 bits
const (
	OPTIONS2_FIRMWARE_RAM  = 9
	OPTIONS2_BUS_INTERFACE = 12
)

const (
	VERSION_SIGNATURE     = 0x7d82
	VERSION_SIGNATURE_ALT = 0x738c
	versionSignatureMask  = 0xffff

	MaxMailboxes       = 8
	DefaultMailboxSize = 256
)

// Device represents the EIP-130 register window.
type Device interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
}

// Mailbox failures
var (
	ErrMailboxFull     = errors.New("mailbox full")
	ErrHandoverFailed  = errors.New("mailbox handover failed")
	ErrNotReadable     = errors.New("out mailbox not readable")
	ErrInvalidMailbox  = errors.New("invalid mailbox number")
	ErrUnsupportedHW   = errors.New("unsupported hardware")
	ErrHostNotAllowed  = errors.New("host not allowed to load firmware")
	ErrFirmwareState   = errors.New("invalid firmware state")
	ErrHardwareFailure = errors.New("hardware failure")
)

// OperationError reports a failed mailbox handshake.
type OperationError struct {
	Op      string
	Mailbox int
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("mailbox %d %s failed", e.Mailbox, e.Op)
}

// Options represents the EIP_OPTIONS register.
type Options struct {
	MyHostID      uint8
	MasterID      uint8
	MyProt        bool
	ProtAvailable bool
	Mailboxes     int
	MailboxSize   int
	HostIDs       uint8
	SecureHostIDs uint8
}

// Version represents the EIP_VERSION register.
type Version struct {
	Number uint8
	Major  uint8
	Minor  uint8
	Patch  uint8
}

// EIP130 represents a security module instance.
type EIP130 struct {
	sync.Mutex

	dev  Device
	opts Options
}

// Init returns a new EIP130 instance for the given register window after
// verifying the hardware signature.
func Init(dev Device) (e *EIP130, err error) {
	if dev == nil {
		return nil, errors.New("no device set")
	}

	e = &EIP130{
		dev: dev,
	}

	if !e.signature() {
		return nil, ErrUnsupportedHW
	}

	e.opts = e.readOptions()

	if e.opts.Mailboxes == 0 || e.opts.Mailboxes > MaxMailboxes {
		return nil, fmt.Errorf("invalid mailbox count %d", e.opts.Mailboxes)
	}

	return
}

func (e *EIP130) signature() bool {
	v := e.dev.Read32(EIP_VERSION) & versionSignatureMask
	return v == VERSION_SIGNATURE
}

func (e *EIP130) readOptions() (o Options) {
	v := e.dev.Read32(EIP_OPTIONS)

	o.Mailboxes = int(bits.Get(&v, 0, 0xf))
	o.MailboxSize = 0x80 << bits.Get(&v, 4, 0x3)
	o.HostIDs = uint8(bits.Get(&v, 8, 0xff))
	o.MasterID = uint8(bits.Get(&v, 16, 0x7))
	o.ProtAvailable = bits.Get(&v, 19, 1) == 1
	o.MyHostID = uint8(bits.Get(&v, 20, 0x7))
	o.MyProt = bits.Get(&v, 23, 1) == 1
	o.SecureHostIDs = uint8(bits.Get(&v, 24, 0xff))

	return
}

// Options returns the mailbox options read at initialization.
func (e *EIP130) Options() Options {
	return e.opts
}

// Mailboxes returns the number of available mailboxes.
func (e *EIP130) Mailboxes() int {
	return e.opts.Mailboxes
}

// Version returns the module version.
func (e *EIP130) Version() (v Version) {
	r := e.dev.Read32(EIP_VERSION)

	v.Number = uint8(bits.Get(&r, 0, 0xff))
	v.Patch = uint8(bits.Get(&r, 16, 0xf))
	v.Minor = uint8(bits.Get(&r, 20, 0xf))
	v.Major = uint8(bits.Get(&r, 24, 0xf))

	return
}

// ModuleStatus returns the raw MODULE_STATUS register.
func (e *EIP130) ModuleStatus() uint32 {
	return e.dev.Read32(MODULE_STATUS)
}

// RawStatus returns the raw mailbox status register, used to identify which
// mailbox raised an interrupt.
func (e *EIP130) RawStatus() uint32 {
	return e.dev.Read32(MAILBOX_RAWSTAT)
}

func (e *EIP130) check(nr int) error {
	if nr < 1 || nr > e.opts.Mailboxes {
		return ErrInvalidMailbox
	}

	return nil
}

func pos(nr int, bit int) int {
	return (nr-1)*4 + bit
}

func (e *EIP130) status(nr int, bit int) bool {
	s := e.dev.Read32(MAILBOX_STAT)
	return bits.Get(&s, pos(nr, bit), 1) == 1
}

// Link gains exclusive access to a mailbox for this host.
func (e *EIP130) Link(nr int) (err error) {
	if err = e.check(nr); err != nil {
		return
	}

	e.Lock()
	defer e.Unlock()

	e.dev.Write32(MAILBOX_CTRL, 1<<pos(nr, MBX_LINKED))

	if !e.status(nr, MBX_LINKED) {
		return &OperationError{Op: "link", Mailbox: nr}
	}

	return
}

// Unlink releases exclusive access to a mailbox.
func (e *EIP130) Unlink(nr int) (err error) {
	if err = e.check(nr); err != nil {
		return
	}

	e.Lock()
	defer e.Unlock()

	e.dev.Write32(MAILBOX_CTRL, 1<<pos(nr, MBX_UNLINK))

	if e.status(nr, MBX_LINKED) {
		return &OperationError{Op: "unlink", Mailbox: nr}
	}

	return
}

// LinkReset forces a mailbox link release, regardless of the host that
// linked it. Only the master host can do this.
func (e *EIP130) LinkReset(nr int) (err error) {
	if err = e.check(nr); err != nil {
		return
	}

	e.Lock()
	defer e.Unlock()

	mask := uint32(1) << pos(nr, MBX_AVAILABLE)
	e.dev.Write32(MAILBOX_RESET, mask)

	if e.dev.Read32(MAILBOX_STAT)&mask != mask {
		return &OperationError{Op: "link reset", Mailbox: nr}
	}

	return
}

// LinkID returns the host linked to a mailbox.
func (e *EIP130) LinkID(nr int) (host uint8, secure bool, err error) {
	if err = e.check(nr); err != nil {
		return
	}

	if !e.status(nr, MBX_LINKED) {
		return 0, false, &OperationError{Op: "link id", Mailbox: nr}
	}

	v := e.dev.Read32(MAILBOX_LINKID)
	host = uint8(bits.Get(&v, (nr-1)*4, 0x7))
	secure = bits.Get(&v, pos(nr, 3), 1) == 1

	return
}

// AccessControl grants or locks out host access to a mailbox.
func (e *EIP130) AccessControl(nr int, host int, allow bool) (err error) {
	if err = e.check(nr); err != nil {
		return
	}

	if host < 0 || host > 7 {
		return fmt.Errorf("invalid host %d", host)
	}

	e.Lock()
	defer e.Unlock()

	v := e.dev.Read32(MAILBOX_LOCKOUT)
	n := (nr-1)*8 + host

	if allow {
		bits.Clear(&v, n)
	} else {
		bits.Set(&v, n)
	}

	e.dev.Write32(MAILBOX_LOCKOUT, v)

	return
}

// usable reports whether the firmware is ready to process tokens.
func (e *EIP130) usable() bool {
	status := e.dev.Read32(MODULE_STATUS)
	opts2 := e.dev.Read32(EIP_OPTIONS2)

	if bits.Get(&opts2, OPTIONS2_FIRMWARE_RAM, 1) == 1 && bits.Get(&status, STATUS_FIRMWARE_ACCEPTED, 1) == 0 {
		return false
	}

	return true
}

// CanWriteToken reports whether the in mailbox accepts a new token.
func (e *EIP130) CanWriteToken(nr int) bool {
	if e.check(nr) != nil || !e.usable() {
		return false
	}

	return !e.status(nr, MBX_IN_FULL)
}

// CanReadToken reports whether a result token is available.
func (e *EIP130) CanReadToken(nr int) bool {
	if e.check(nr) != nil {
		return false
	}

	return e.status(nr, MBX_OUT_FULL)
}

// WriteAndSubmitToken copies a command token into the in mailbox and hands
// it over to the module.
//
// ErrMailboxFull is returned, without writing, when check is set and the
// mailbox is still occupied. ErrHandoverFailed is returned when the module
// did not take the token.
func (e *EIP130) WriteAndSubmitToken(nr int, c *token.Command, check bool) (err error) {
	if err = e.check(nr); err != nil {
		return
	}

	if check && !e.CanWriteToken(nr) {
		return ErrMailboxFull
	}

	e.Lock()
	defer e.Unlock()

	base := uint32(MailboxSpacing * (nr - 1))

	for i, w := range c {
		e.dev.Write32(base+uint32(i*4), w)
	}

	mask := uint32(1) << pos(nr, MBX_IN_FULL)
	e.dev.Write32(MAILBOX_CTRL, mask)

	if e.dev.Read32(MAILBOX_STAT)&mask == 0 {
		// the module may have consumed the token already, a readable
		// version register tells a fast module from a dead one
		v := e.dev.Read32(EIP_VERSION) & versionSignatureMask

		if v != VERSION_SIGNATURE && v != VERSION_SIGNATURE_ALT {
			return ErrHandoverFailed
		}
	}

	return
}

// ReadToken copies the result token from the out mailbox and hands the
// mailbox back to the module.
func (e *EIP130) ReadToken(nr int, r *token.Result) (err error) {
	if err = e.check(nr); err != nil {
		return
	}

	if !e.CanReadToken(nr) {
		return ErrNotReadable
	}

	e.Lock()
	defer e.Unlock()

	base := uint32(MailboxSpacing * (nr - 1))

	for i := range r {
		r[i] = e.dev.Read32(base + uint32(i*4))
	}

	e.dev.Write32(MAILBOX_CTRL, 1<<pos(nr, MBX_OUT_FULL))

	return
}

// FirmwareState describes the firmware load state.
type FirmwareState int

// Firmware states
const (
	FirmwareNotWritten FirmwareState = iota
	FirmwareLoadRequired
	FirmwareChecksBusy
	FirmwareReady
)

// FirmwareCheck returns the firmware state of the module.
func (e *EIP130) FirmwareCheck() (state FirmwareState, err error) {
	if !e.signature() {
		return 0, ErrUnsupportedHW
	}

	opts2 := e.dev.Read32(EIP_OPTIONS2)

	if bits.Get(&opts2, OPTIONS2_FIRMWARE_RAM, 1) == 0 {
		// ROM only firmware
		return FirmwareReady, nil
	}

	var status uint32

	for {
		status = e.dev.Read32(MODULE_STATUS)

		if bits.Get(&status, STATUS_CRC24_BUSY, 1) == 0 {
			break
		}
	}

	if bits.Get(&status, STATUS_CRC24_OK, 1) == 0 || bits.Get(&status, STATUS_FATAL_ERROR, 1) == 1 {
		return 0, ErrHardwareFailure
	}

	written := bits.Get(&status, STATUS_FIRMWARE_WRITTEN, 1) == 1
	checks := bits.Get(&status, STATUS_FIRMWARE_CHECKS, 1) == 1
	accepted := bits.Get(&status, STATUS_FIRMWARE_ACCEPTED, 1) == 1

	switch {
	case written && !checks && !accepted:
		state = FirmwareNotWritten
	case !written && checks && !accepted:
		state = FirmwareLoadRequired
	case written && checks && !accepted:
		return FirmwareChecksBusy, nil
	case written && !checks && accepted:
		return FirmwareReady, nil
	default:
		return 0, ErrFirmwareState
	}

	if o := e.readOptions(); o.MyHostID != o.MasterID && o.MyProt != o.ProtAvailable {
		return 0, ErrHostNotAllowed
	}

	return
}
