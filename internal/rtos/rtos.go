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

// Package rtos provides a hosted model of the mailbox completion interrupt
// controller.
//
// Mailbox interrupts are edge triggered: a completion raised for a mailbox
// which is not armed is lost. While interrupts are disabled an edge on an
// armed mailbox is latched and delivered when the outermost Restore
// re-enables interrupts.
package rtos

import (
	"context"
	"sync"
)

// MaxSources is the number of interrupt sources, one per mailbox.
const MaxSources = 8

// Key is the interrupt state returned by Disable.
type Key uint32

// Controller represents a mailbox interrupt controller.
type Controller struct {
	sync.Mutex

	depth int

	armed    uint32
	pending  uint32
	deferred uint32

	events [MaxSources]chan struct{}
}

// NewController returns an interrupt controller with every source disabled.
func NewController() *Controller {
	c := &Controller{}

	for i := range c.events {
		c.events[i] = make(chan struct{}, 1)
	}

	return c
}

func valid(nr int) bool {
	return nr >= 1 && nr <= MaxSources
}

func bit(nr int) uint32 {
	return 1 << (nr - 1)
}

// Disable masks interrupt delivery, calls nest.
func (c *Controller) Disable() Key {
	c.Lock()
	defer c.Unlock()

	k := Key(c.depth)
	c.depth++

	return k
}

// Restore restores the interrupt state returned by the matching Disable.
func (c *Controller) Restore(k Key) {
	c.Lock()
	defer c.Unlock()

	c.depth = int(k)

	if c.depth > 0 {
		return
	}

	for nr := 1; nr <= MaxSources; nr++ {
		if c.deferred&bit(nr) != 0 {
			c.signal(nr)
		}
	}

	c.deferred = 0
}

// Arm clears any stale completion for a mailbox and enables its interrupt.
func (c *Controller) Arm(nr int) {
	if !valid(nr) {
		return
	}

	c.Lock()
	defer c.Unlock()

	c.clear(nr)
	c.armed |= bit(nr)
}

// ClearAndDisable clears any pending completion for a mailbox and disables
// its interrupt.
func (c *Controller) ClearAndDisable(nr int) {
	if !valid(nr) {
		return
	}

	c.Lock()
	defer c.Unlock()

	c.clear(nr)
	c.armed &^= bit(nr)
}

func (c *Controller) clear(nr int) {
	c.pending &^= bit(nr)
	c.deferred &^= bit(nr)

	select {
	case <-c.events[nr-1]:
	default:
	}
}

func (c *Controller) signal(nr int) {
	select {
	case c.events[nr-1] <- struct{}{}:
	default:
	}
}

// Raise signals a completion edge for a mailbox, it is called by the device.
func (c *Controller) Raise(nr int) {
	if !valid(nr) {
		return
	}

	c.Lock()
	defer c.Unlock()

	if c.armed&bit(nr) == 0 {
		return
	}

	c.pending |= bit(nr)

	if c.depth > 0 {
		c.deferred |= bit(nr)
		return
	}

	c.signal(nr)
}

// Wait blocks until a completion for the mailbox is delivered or ctx is done.
func (c *Controller) Wait(ctx context.Context, nr int) error {
	if !valid(nr) {
		return context.Canceled
	}

	select {
	case <-c.events[nr-1]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RawStatus returns the pending completion bits, bit 0 for mailbox 1.
func (c *Controller) RawStatus() uint32 {
	c.Lock()
	defer c.Unlock()

	return c.pending
}
