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

// Package identity maps calling execution contexts to the 32-bit identities
// stamped in command tokens, and identities to mailboxes.
//
// The registry is a bounded table: each in use slot binds one caller context
// to an identity of the form (slot+1)<<8 | generation. The generation is
// bumped on every allocation so that a recycled slot never yields the
// identity of its previous owner (until the 8-bit counter wraps), and it is
// never 0 so that the invalid identity 0 cannot be handed out.
package identity

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Context identifies a calling execution context (task, goroutine group or
// process).
type Context uint64

// Registry failures
var (
	ErrNoIdentity   = errors.New("identity table full")
	ErrNoMailbox    = errors.New("no mailbox for identity")
	ErrMailboxInUse = errors.New("mailbox linked to another identity")
	ErrLinkFailed   = errors.New("mailbox link failed")
	ErrUnlinkFailed = errors.New("mailbox unlink failed")
	ErrNotLinked    = errors.New("mailbox not linked to identity")
	ErrInvalid      = errors.New("invalid identity")
)

const (
	// DefaultUsers is the number of regular identity slots.
	DefaultUsers = 4
	// DefaultCryptoOfficer is the crypto officer identity used when none
	// is configured.
	DefaultCryptoOfficer = 0x4f464943

	generationMask = 0xff
)

// Linker performs the hardware side of linking a mailbox to this host,
// *eip130.EIP130 satisfies it.
type Linker interface {
	Link(nr int) error
	Unlink(nr int) error
	// LinkReset releases a link held by any host.
	LinkReset(nr int) error
}

// ValidCryptoOfficer checks that id can serve as crypto officer identity,
// it must not be 0 nor fall in the range of caller identities.
func ValidCryptoOfficer(id uint32) error {
	if id == 0 || (id <= 0xffff && id&generationMask != 0) {
		return fmt.Errorf("%w: crypto officer %#x", ErrInvalid, id)
	}

	return nil
}

// Config represents the registry geometry.
type Config struct {
	// Users is the number of regular identity slots.
	Users int
	// Mailboxes is the number of hardware mailboxes.
	Mailboxes int
	// CryptoOfficer is the initial crypto officer identity.
	CryptoOfficer uint32
}

type slot struct {
	used bool
	ctx  Context
	id   uint32
}

// Registry represents the identity and mailbox registry.
type Registry struct {
	sync.Mutex

	linker Linker

	slots      []slot
	generation uint8

	// officer slot, never handed out to callers
	officer      uint32
	officerSetBy Context

	// linked holds the identity linked to each mailbox, 0 when unlinked
	linked []uint32
}

// New returns a registry for the given geometry.
func New(linker Linker, cfg Config) (*Registry, error) {
	if cfg.Users <= 0 || cfg.Users >= 0xff {
		return nil, fmt.Errorf("invalid identity table size %d", cfg.Users)
	}

	if cfg.Mailboxes <= 0 {
		return nil, fmt.Errorf("invalid mailbox count %d", cfg.Mailboxes)
	}

	if cfg.CryptoOfficer == 0 {
		cfg.CryptoOfficer = DefaultCryptoOfficer
	}

	if err := ValidCryptoOfficer(cfg.CryptoOfficer); err != nil {
		return nil, err
	}

	return &Registry{
		linker:  linker,
		slots:   make([]slot, cfg.Users),
		officer: cfg.CryptoOfficer,
		linked:  make([]uint32, cfg.Mailboxes),
	}, nil
}

func (r *Registry) nextGeneration() uint32 {
	r.generation++

	if r.generation == 0 {
		r.generation = 1
	}

	return uint32(r.generation)
}

// ResolveIdentity returns the identity bound to ctx, allocating a new one
// when ctx has none.
func (r *Registry) ResolveIdentity(ctx Context) (uint32, error) {
	r.Lock()
	defer r.Unlock()

	free := -1

	for i, s := range r.slots {
		if s.used && s.ctx == ctx {
			return s.id, nil
		}

		if !s.used && free < 0 {
			free = i
		}
	}

	if free < 0 {
		return 0, ErrNoIdentity
	}

	id := uint32(free+1)<<8 | r.nextGeneration()
	r.slots[free] = slot{used: true, ctx: ctx, id: id}

	klog.V(2).Infof("identity %#x bound to context %d", id, ctx)

	return id, nil
}

// ReleaseIdentity frees the identity bound to ctx, if any, and unlinks every
// mailbox still linked by it.
func (r *Registry) ReleaseIdentity(ctx Context) {
	r.Lock()
	defer r.Unlock()

	for i, s := range r.slots {
		if !s.used || s.ctx != ctx {
			continue
		}

		for n, id := range r.linked {
			if id != s.id {
				continue
			}

			if err := r.unlink(n + 1); err != nil {
				klog.Warningf("identity %#x release: %v", s.id, err)
			}
		}

		r.slots[i] = slot{}
		klog.V(2).Infof("identity %#x released", s.id)

		return
	}
}

// SetCryptoOfficer replaces the crypto officer identity.
func (r *Registry) SetCryptoOfficer(ctx Context, id uint32) error {
	if err := ValidCryptoOfficer(id); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	r.officer = id
	r.officerSetBy = ctx

	return nil
}

// CryptoOfficer returns the crypto officer identity and the context that last
// set it.
func (r *Registry) CryptoOfficer() (uint32, Context) {
	r.Lock()
	defer r.Unlock()

	return r.officer, r.officerSetBy
}

func (r *Registry) slotOf(id uint32) (int, bool) {
	n := int(id>>8) - 1

	if n < 0 || n >= len(r.slots) || id&generationMask == 0 {
		return 0, false
	}

	if s := r.slots[n]; !s.used || s.id != id {
		return 0, false
	}

	return n, true
}

// AcquireMailbox returns the mailbox number (starting at 1) used by the
// given identity.
func (r *Registry) AcquireMailbox(id uint32) (int, error) {
	r.Lock()
	defer r.Unlock()

	if id != 0 && id == r.officer {
		return 1, nil
	}

	n, ok := r.slotOf(id)

	if !ok {
		return 0, ErrNoMailbox
	}

	return 1 + n%len(r.linked), nil
}

func (r *Registry) checkMailbox(nr int) error {
	if nr < 1 || nr > len(r.linked) {
		return fmt.Errorf("%w: mailbox %d", ErrNoMailbox, nr)
	}

	return nil
}

// Link links a mailbox to an identity. Linking a mailbox already linked by
// the same identity is a no-op.
func (r *Registry) Link(nr int, id uint32) error {
	if err := r.checkMailbox(nr); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	switch r.linked[nr-1] {
	case id:
		return nil
	case 0:
	default:
		return ErrMailboxInUse
	}

	return r.link(nr, id)
}

// LinkOverrule links a mailbox to an identity regardless of its current link
// state.
func (r *Registry) LinkOverrule(nr int, id uint32) error {
	if err := r.checkMailbox(nr); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	if r.linked[nr-1] != 0 {
		if err := r.unlink(nr); err != nil {
			return err
		}
	}

	return r.link(nr, id)
}

func (r *Registry) link(nr int, id uint32) error {
	if r.linker != nil {
		if err := r.linker.Link(nr); err != nil {
			// another host may still hold the link, reset it and retry once
			if rerr := r.linker.LinkReset(nr); rerr != nil {
				return fmt.Errorf("%w: %v (reset: %v)", ErrLinkFailed, err, rerr)
			}

			if err = r.linker.Link(nr); err != nil {
				return fmt.Errorf("%w: %v", ErrLinkFailed, err)
			}

			klog.Warningf("mailbox %d: linked after link reset", nr)
		}
	}

	r.linked[nr-1] = id

	return nil
}

// Unlink releases a mailbox linked by the given identity.
func (r *Registry) Unlink(nr int, id uint32) error {
	if err := r.checkMailbox(nr); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	if r.linked[nr-1] != id {
		return ErrNotLinked
	}

	return r.unlink(nr)
}

func (r *Registry) unlink(nr int) error {
	// the link is dropped even when the hardware refuses
	r.linked[nr-1] = 0

	if r.linker != nil {
		if err := r.linker.Unlink(nr); err != nil {
			return fmt.Errorf("%w: %v", ErrUnlinkFailed, err)
		}
	}

	return nil
}

// LinkedBy returns the identity linked to a mailbox, 0 when unlinked.
func (r *Registry) LinkedBy(nr int) uint32 {
	if r.checkMailbox(nr) != nil {
		return 0
	}

	r.Lock()
	defer r.Unlock()

	return r.linked[nr-1]
}

// UnlinkAll releases every linked mailbox, it is used on device shutdown.
func (r *Registry) UnlinkAll() {
	r.Lock()
	defer r.Unlock()

	for n, id := range r.linked {
		if id == 0 {
			continue
		}

		if err := r.unlink(n + 1); err != nil {
			klog.Warningf("mailbox %d: %v", n+1, err)
		}
	}
}

// Mailboxes returns the number of mailboxes managed by the registry.
func (r *Registry) Mailboxes() int {
	return len(r.linked)
}
