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

// Package exchange performs command/result token round trips through the
// EIP-130 mailboxes.
//
// An exchange resolves the caller identity and its mailbox, stamps the
// identity in the command token, links the mailbox, arms the mailbox
// completion interrupt and only then submits the token. Completion is
// detected by polling the out mailbox, by blocking on the completion
// interrupt, or by a callback invoked from the interrupt path.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-vex/eip130"
	"github.com/transparency-dev/armored-witness-vex/identity"
	"github.com/transparency-dev/armored-witness-vex/internal/rtos"
	"github.com/transparency-dev/armored-witness-vex/token"
)

// Status represents the outcome of a token exchange.
type Status int

// Exchange outcomes
const (
	Success Status = iota
	NoIdentity
	NoMailbox
	MailboxInUse
	DeviceStateError
	InternalError
	// MailboxFull is returned when the in mailbox still holds a token,
	// the exchange can be retried.
	MailboxFull
	LockTimeout
	TokenTimeout
)

var statusNames = []string{
	"success",
	"no identity",
	"no mailbox",
	"mailbox in use",
	"device state error",
	"internal error",
	"mailbox full",
	"lock timeout",
	"token timeout",
}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// Error represents a failed exchange.
type Error struct {
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "token exchange: " + e.Status.String()
	}

	return fmt.Sprintf("token exchange: %s: %v", e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusOf returns the exchange status of an error returned by this package.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}

	var e *Error

	if errors.As(err, &e) {
		return e.Status
	}

	return InternalError
}

func fail(s Status, err error) error {
	return &Error{Status: s, Err: err}
}

// Mailbox represents the register level mailbox interface, *eip130.EIP130
// satisfies it.
type Mailbox interface {
	WriteAndSubmitToken(nr int, c *token.Command, check bool) error
	ReadToken(nr int, r *token.Result) error
	CanReadToken(nr int) bool
}

// Interrupts represents the mailbox completion interrupt controller,
// *rtos.Controller satisfies it.
type Interrupts interface {
	Disable() rtos.Key
	Restore(rtos.Key)
	Arm(nr int)
	ClearAndDisable(nr int)
	Wait(ctx context.Context, nr int) error
}

// Registry represents the identity and mailbox registry,
// *identity.Registry satisfies it.
type Registry interface {
	ResolveIdentity(ctx identity.Context) (uint32, error)
	AcquireMailbox(id uint32) (int, error)
	CryptoOfficer() (uint32, identity.Context)
	Link(nr int, id uint32) error
	LinkOverrule(nr int, id uint32) error
	Unlink(nr int, id uint32) error
	Mailboxes() int
}

// Completion selects how the end of an exchange is detected.
type Completion int

// Completion modes
const (
	Polling Completion = iota
	Blocking
	Callback
)

// UnlinkPolicy selects what happens to the mailbox link after an exchange.
type UnlinkPolicy int

// Unlink policies
const (
	UnlinkAfterExchange UnlinkPolicy = iota
	KeepLinked
)

// Override selects the identity stamped in a command token.
type Override int

// Identity overrides
const (
	// Stamp writes the caller identity.
	Stamp Override = iota
	// Keep leaves the identity chosen by the token builder.
	Keep
	// CryptoOfficer writes the crypto officer identity.
	CryptoOfficer
)

// DefaultOverrides is the default identity override table.
var DefaultOverrides = map[token.Kind]Override{
	token.KindProvisionRandomHUK: Keep,
	token.KindLogin:              CryptoOfficer,
}

const (
	DefaultPollLoops   = 100000
	DefaultPollDelay   = 10 * time.Microsecond
	DefaultLockTimeout = time.Second
)

// Config represents the exchange configuration.
type Config struct {
	Completion Completion
	Unlink     UnlinkPolicy

	// PollLoops bounds the out mailbox checks in polling mode.
	PollLoops int
	// PollDelay is the delay between out mailbox checks.
	PollDelay time.Duration
	// LockTimeout bounds the wait for the mailbox access lock.
	LockTimeout time.Duration
	// TokenTimeout bounds the wait for a result in blocking and callback
	// modes, PollLoops * PollDelay when unset.
	TokenTimeout time.Duration

	// Overrides replaces DefaultOverrides when set.
	Overrides map[token.Kind]Override
}

// Exchanger represents a token exchange engine.
type Exchanger struct {
	reg  Registry
	mbx  Mailbox
	irq  Interrupts
	cfg  Config
	met  *metrics
	lock []*semaphore.Weighted
}

// New returns a token exchange engine, metrics are registered on met when
// it is not nil.
func New(reg Registry, mbx Mailbox, irq Interrupts, cfg Config, met *Metrics) *Exchanger {
	if cfg.PollLoops <= 0 {
		cfg.PollLoops = DefaultPollLoops
	}

	if cfg.PollDelay <= 0 {
		cfg.PollDelay = DefaultPollDelay
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = time.Duration(cfg.PollLoops) * cfg.PollDelay
	}

	if cfg.Overrides == nil {
		cfg.Overrides = DefaultOverrides
	}

	x := &Exchanger{
		reg:  reg,
		mbx:  mbx,
		irq:  irq,
		cfg:  cfg,
		lock: make([]*semaphore.Weighted, reg.Mailboxes()),
	}

	if met != nil {
		x.met = met.m
	}

	for i := range x.lock {
		x.lock[i] = semaphore.NewWeighted(1)
	}

	return x
}

// Pending represents a submitted token awaiting its result.
type Pending struct {
	x *Exchanger

	id      uint32
	mailbox int
	tokenID uint16
	command uint32
	kind    token.Kind
	start   time.Time

	once sync.Once
}

// Mailbox returns the mailbox the token was submitted to.
func (p *Pending) Mailbox() int {
	return p.mailbox
}

func (x *Exchanger) stamp(c *token.Command, id uint32) {
	switch x.cfg.Overrides[c.Kind()] {
	case Keep:
	case CryptoOfficer:
		officer, _ := x.reg.CryptoOfficer()
		c.SetIdentity(officer)
	default:
		c.SetIdentity(id)
	}
}

// Submit stamps and submits a command token on behalf of caller.
func (x *Exchanger) Submit(ctx context.Context, caller identity.Context, c *token.Command) (p *Pending, err error) {
	kind := c.Kind()
	start := time.Now()

	defer func() {
		if err != nil {
			x.met.observe(kind, StatusOf(err), 0)
		}
	}()

	id, err := x.reg.ResolveIdentity(caller)

	if err != nil {
		return nil, fail(NoIdentity, err)
	}

	nr, err := x.reg.AcquireMailbox(id)

	if err != nil {
		return nil, fail(NoMailbox, err)
	}

	lctx, cancel := context.WithTimeout(ctx, x.cfg.LockTimeout)
	defer cancel()

	if err = x.lock[nr-1].Acquire(lctx, 1); err != nil {
		return nil, fail(LockTimeout, err)
	}

	x.stamp(c, id)

	// the login token is accepted whoever holds the mailbox link
	if x.cfg.Overrides[kind] == CryptoOfficer {
		err = x.reg.LinkOverrule(nr, id)
	} else {
		err = x.reg.Link(nr, id)
	}

	if err != nil {
		x.lock[nr-1].Release(1)

		if errors.Is(err, identity.ErrMailboxInUse) {
			return nil, fail(MailboxInUse, err)
		}

		return nil, fail(InternalError, err)
	}

	x.drain(nr)

	// the completion edge of a fast module must not be lost
	key := x.irq.Disable()
	x.irq.Arm(nr)
	err = x.mbx.WriteAndSubmitToken(nr, c, true)
	x.irq.Restore(key)

	if err != nil {
		x.irq.ClearAndDisable(nr)

		if uerr := x.reg.Unlink(nr, id); uerr != nil {
			klog.Warningf("mailbox %d: %v", nr, uerr)
		}

		x.lock[nr-1].Release(1)

		switch {
		case errors.Is(err, eip130.ErrMailboxFull):
			return nil, fail(MailboxFull, err)
		case errors.Is(err, eip130.ErrHandoverFailed):
			klog.Errorf("mailbox %d: %v", nr, err)
			return nil, fail(DeviceStateError, err)
		}

		return nil, fail(InternalError, err)
	}

	klog.V(3).Infof("token %#x %v submitted to mailbox %d by %#x", c.TokenID(), kind, nr, c.Identity())

	return &Pending{
		x:       x,
		id:      id,
		mailbox: nr,
		tokenID: c.TokenID(),
		command: c[0],
		kind:    kind,
		start:   start,
	}, nil
}

// Wait waits for the result of a submitted token and releases the mailbox.
// Wait must be called exactly once per Pending.
func (p *Pending) Wait(ctx context.Context, r *token.Result) (err error) {
	x := p.x
	polls := 0

	err = errors.New("result already retrieved")

	p.once.Do(func() {
		polls, err = p.wait(ctx, r)
		x.met.observe(p.kind, StatusOf(err), polls)
	})

	return
}

// maxStale bounds the results discarded before a submission.
const maxStale = 4

// drain discards results left in the out mailbox by exchanges that timed
// out, the mailbox window would otherwise be read back before the module
// wrote the next result.
func (x *Exchanger) drain(nr int) {
	var stale token.Result

	for i := 0; i < maxStale && x.mbx.CanReadToken(nr); i++ {
		if err := x.mbx.ReadToken(nr, &stale); err != nil {
			klog.Warningf("mailbox %d: %v", nr, err)
			return
		}

		klog.Warningf("mailbox %d: discarded stale result for token %#x", nr, stale.TokenID())
	}
}

// current reports whether r is the result of the pending token. A result
// word 0 equal to the command word 0 is the command itself, read back from
// the mailbox window before the module answered.
func (p *Pending) current(r *token.Result) bool {
	if r.TokenID() != p.tokenID {
		return false
	}

	return r[0] != p.command || p.command>>24 == 0
}

func (p *Pending) wait(ctx context.Context, r *token.Result) (polls int, err error) {
	x := p.x
	nr := p.mailbox

	defer x.lock[nr-1].Release(1)
	defer x.irq.ClearAndDisable(nr)

	if x.cfg.Unlink == UnlinkAfterExchange {
		defer func() {
			if err := x.reg.Unlink(nr, p.id); err != nil {
				klog.Warningf("mailbox %d: %v", nr, err)
			}
		}()
	}

	wctx, cancel := context.WithTimeout(ctx, x.cfg.TokenTimeout)
	defer cancel()

	for {
		switch x.cfg.Completion {
		case Polling:
			for !x.mbx.CanReadToken(nr) {
				if polls++; polls >= x.cfg.PollLoops {
					return polls, fail(TokenTimeout, fmt.Errorf("mailbox %d: no result after %d polls", nr, polls))
				}

				time.Sleep(x.cfg.PollDelay)
			}
		default:
			if err = x.irq.Wait(wctx, nr); err != nil {
				return polls, fail(TokenTimeout, fmt.Errorf("mailbox %d: %w", nr, err))
			}
		}

		if err = x.mbx.ReadToken(nr, r); err != nil {
			return polls, fail(InternalError, err)
		}

		if p.current(r) {
			break
		}

		klog.Warningf("mailbox %d: discarded result for token %#x, want %#x", nr, r.TokenID(), p.tokenID)

		if x.cfg.Completion == Polling {
			polls++
		}
	}

	klog.V(3).Infof("token %#x completed on mailbox %d in %v", p.tokenID, nr, time.Since(p.start))

	return polls, nil
}

// Exchange submits a command token on behalf of caller and waits for its
// result.
func (x *Exchanger) Exchange(ctx context.Context, caller identity.Context, c *token.Command, r *token.Result) error {
	p, err := x.Submit(ctx, caller, c)

	if err != nil {
		return err
	}

	if x.cfg.Completion == Callback {
		done := make(chan error, 1)

		go p.callback(ctx, r, func(err error) {
			done <- err
		})

		return <-done
	}

	return p.Wait(ctx, r)
}

// SubmitAsync submits a command token and invokes fn with the result once
// the completion interrupt fires. The result token must not be accessed
// before fn is invoked.
func (x *Exchanger) SubmitAsync(ctx context.Context, caller identity.Context, c *token.Command, r *token.Result, fn func(error)) error {
	p, err := x.Submit(ctx, caller, c)

	if err != nil {
		return err
	}

	go p.callback(ctx, r, fn)

	return nil
}

func (p *Pending) callback(ctx context.Context, r *token.Result, fn func(error)) {
	fn(p.Wait(ctx, r))
}
