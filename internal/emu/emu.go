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

// Package emu implements an emulated EIP-130 security module.
//
// The emulation works at the register level, it implements eip130.Device so
// that the whole stack above the register window runs unmodified. Tokens
// handed over through a mailbox are processed on a firmware goroutine which
// accesses DMA buffers through the same memory the buffer manager allocates
// from, writes the result token and raises the mailbox interrupt.
package emu

import (
	"sync"

	"github.com/coreos/go-semver/semver"
	"github.com/usbarmory/tamago/bits"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-vex/eip130"
	"github.com/transparency-dev/armored-witness-vex/token"
)

// DMA represents the memory referenced by token DMA addresses.
type DMA interface {
	Read(addr uint, off int, buf []byte)
	Write(addr uint, off int, buf []byte)
}

// Config represents the emulated module configuration.
type Config struct {
	// Mailboxes is the number of mailboxes, 4 when unset.
	Mailboxes int
	// HostID is the host identifier of the emulated CPU.
	HostID uint8

	// DMA is the memory tokens refer to.
	DMA DMA
	// Interrupt, if set, is invoked with the mailbox number when a result
	// token is available.
	Interrupt func(nr int)
	// OnToken, if set, is invoked on the firmware goroutine with every
	// command token before it is processed.
	OnToken func(nr int, c *token.Command)

	Firmware semver.Version
	Hardware semver.Version

	// CryptoOfficer is the identity accepted by the login token.
	CryptoOfficer uint32
	// LoginUnsupported makes the firmware reject login tokens as invalid.
	LoginUnsupported bool
}

// Faults represents injected module failures.
type Faults struct {
	// Dead makes the module ignore handovers and read back an invalid
	// version register.
	Dead bool
	// FailLink makes mailbox link requests fail.
	FailLink bool
	// Stall makes the firmware accept tokens without ever completing them.
	Stall bool
	// SkipTokenID suppresses the token identifier DMA write.
	SkipTokenID bool
	// Results forces the result code of an operation.
	Results map[token.Kind]int
}

const (
	defaultMailboxes = 4
	mailboxSizeCode  = 1
	memorySize       = 0x2000
)

type mailbox struct {
	window  token.Command
	inFull  bool
	outFull bool
	linked  bool
	locked  bool
}

// Device represents an emulated EIP-130 module.
type Device struct {
	sync.Mutex

	cfg    Config
	faults Faults

	mailboxes []mailbox
	linkID    uint32
	lockout   uint32

	fw *firmware

	work chan int
	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a running emulated module, Close stops it.
func New(cfg Config) *Device {
	if cfg.Mailboxes <= 0 || cfg.Mailboxes > eip130.MaxMailboxes {
		cfg.Mailboxes = defaultMailboxes
	}

	if cfg.Firmware.Major == 0 {
		cfg.Firmware = semver.Version{Major: 2, Minor: 5, Patch: 0}
	}

	if cfg.Hardware.Major == 0 {
		cfg.Hardware = semver.Version{Major: 1, Minor: 3, Patch: 0}
	}

	d := &Device{
		cfg:       cfg,
		mailboxes: make([]mailbox, cfg.Mailboxes),
		work:      make(chan int, cfg.Mailboxes),
		done:      make(chan struct{}),
	}

	d.fw = newFirmware(d)

	d.wg.Add(1)
	go d.run()

	return d
}

// Close stops the firmware goroutine.
func (d *Device) Close() {
	close(d.done)
	d.wg.Wait()
}

// SetFaults replaces the injected failures.
func (d *Device) SetFaults(f Faults) {
	d.Lock()
	defer d.Unlock()

	d.faults = f
}

func (d *Device) getFaults() Faults {
	d.Lock()
	defer d.Unlock()

	return d.faults
}

func (d *Device) options() (v uint32) {
	bits.SetN(&v, 0, 0xf, uint32(len(d.mailboxes)))
	bits.SetN(&v, 4, 0x3, mailboxSizeCode)
	bits.SetN(&v, 8, 0xff, 0xff)
	bits.SetN(&v, 16, 0x7, uint32(d.cfg.HostID))
	bits.SetN(&v, 20, 0x7, uint32(d.cfg.HostID))
	return
}

func (d *Device) version() (v uint32) {
	if d.faults.Dead {
		return 0
	}

	v = eip130.VERSION_SIGNATURE
	bits.SetN(&v, 16, 0xf, uint32(d.cfg.Hardware.Patch))
	bits.SetN(&v, 20, 0xf, uint32(d.cfg.Hardware.Minor))
	bits.SetN(&v, 24, 0xf, uint32(d.cfg.Hardware.Major))
	return
}

func (d *Device) status() (s uint32) {
	for i, m := range d.mailboxes {
		p := i * 4

		if m.inFull {
			bits.Set(&s, p+eip130.MBX_IN_FULL)
		}

		if m.outFull {
			bits.Set(&s, p+eip130.MBX_OUT_FULL)
		}

		if m.linked {
			bits.Set(&s, p+eip130.MBX_LINKED)
		}

		if !m.locked {
			bits.Set(&s, p+eip130.MBX_AVAILABLE)
		}
	}

	return
}

// Read32 implements eip130.Device.
func (d *Device) Read32(off uint32) uint32 {
	d.Lock()
	defer d.Unlock()

	if n := int(off / eip130.MailboxSpacing); n < len(d.mailboxes) {
		w := int(off%eip130.MailboxSpacing) / 4

		if w >= token.Words {
			return 0
		}

		return d.mailboxes[n].window[w]
	}

	switch off {
	case eip130.MAILBOX_STAT:
		return d.status()
	case eip130.MAILBOX_RAWSTAT:
		var raw uint32

		for i, m := range d.mailboxes {
			if m.outFull {
				bits.Set(&raw, i*4+eip130.MBX_OUT_FULL)
			}
		}

		return raw
	case eip130.MAILBOX_LINKID:
		return d.linkID
	case eip130.MAILBOX_LOCKOUT:
		return d.lockout
	case eip130.MODULE_STATUS:
		return 1<<eip130.STATUS_CRC24_OK | 1<<eip130.STATUS_FIRMWARE_WRITTEN | 1<<eip130.STATUS_FIRMWARE_ACCEPTED
	case eip130.EIP_OPTIONS2:
		return 0
	case eip130.EIP_OPTIONS:
		return d.options()
	case eip130.EIP_VERSION:
		return d.version()
	}

	return 0
}

// Write32 implements eip130.Device.
func (d *Device) Write32(off uint32, val uint32) {
	d.Lock()
	defer d.Unlock()

	if n := int(off / eip130.MailboxSpacing); n < len(d.mailboxes) {
		if w := int(off%eip130.MailboxSpacing) / 4; w < token.Words {
			d.mailboxes[n].window[w] = val
		}

		return
	}

	switch off {
	case eip130.MAILBOX_CTRL:
		d.control(val)
	case eip130.MAILBOX_RESET:
		for i := range d.mailboxes {
			if bits.Get(&val, i*4+eip130.MBX_AVAILABLE, 1) == 1 {
				d.unlink(i)
			}
		}
	case eip130.MAILBOX_LOCKOUT:
		d.lockout = val

		for i := range d.mailboxes {
			d.mailboxes[i].locked = bits.Get(&val, i*8, 0xff)&(1<<d.cfg.HostID) != 0
		}
	}
}

func (d *Device) unlink(i int) {
	d.mailboxes[i].linked = false
	bits.SetN(&d.linkID, i*4, 0xf, 0)
}

func (d *Device) control(val uint32) {
	for i := range d.mailboxes {
		m := &d.mailboxes[i]
		p := i * 4

		if bits.Get(&val, p+eip130.MBX_LINKED, 1) == 1 && !d.faults.FailLink && !m.locked {
			m.linked = true
			bits.SetN(&d.linkID, p, 0x7, uint32(d.cfg.HostID))
		}

		if bits.Get(&val, p+eip130.MBX_UNLINK, 1) == 1 {
			d.unlink(i)
		}

		if bits.Get(&val, p+eip130.MBX_OUT_FULL, 1) == 1 {
			m.outFull = false
		}

		if bits.Get(&val, p+eip130.MBX_IN_FULL, 1) == 1 {
			d.handover(i)
		}
	}
}

func (d *Device) handover(i int) {
	m := &d.mailboxes[i]

	if d.faults.Dead || !m.linked || m.inFull {
		klog.V(3).Infof("emu: mailbox %d handover ignored", i+1)
		return
	}

	m.inFull = true

	if d.faults.Stall {
		return
	}

	d.work <- i
}

func (d *Device) run() {
	defer d.wg.Done()

	for {
		select {
		case i := <-d.work:
			d.process(i)
		case <-d.done:
			return
		}
	}
}

func (d *Device) process(i int) {
	d.Lock()
	c := d.mailboxes[i].window
	faults := d.faults
	d.Unlock()

	if d.cfg.OnToken != nil {
		d.cfg.OnToken(i+1, &c)
	}

	var r token.Result

	d.fw.execute(&c, &r, faults)

	d.Lock()
	d.mailboxes[i].window = token.Command(r)
	d.mailboxes[i].inFull = false
	d.mailboxes[i].outFull = true
	d.Unlock()

	if d.cfg.Interrupt != nil {
		d.cfg.Interrupt(i + 1)
	}
}
