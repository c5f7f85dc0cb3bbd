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
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-vex/bufmgr"
	"github.com/transparency-dev/armored-witness-vex/exchange"
	"github.com/transparency-dev/armored-witness-vex/token"
)

// Status represents the outcome of a dispatcher request.
type Status int

// Request outcomes
const (
	StatusSuccess Status = 0
	// StatusUnsupported is returned for requests the dispatcher does not
	// route.
	StatusUnsupported  Status = -1
	StatusNotConnected Status = -2
	// StatusDeviceState is returned when the module did not take a token
	// or is in a power state that does not accept it, the caller decides
	// whether to reset the module.
	StatusDeviceState         Status = -3
	StatusOperationNotAllowed Status = -4
	// StatusOperationFailed is returned when the firmware rejected the
	// token, the firmware result code is available as a *token.ResultError.
	StatusOperationFailed Status = -5
	StatusInvalidOpcode   Status = -6
	StatusInvalidSubcode  Status = -7
	StatusInvalidLength   Status = -8
	StatusBadArgument     Status = -9
	StatusNoMemory        Status = -10
	StatusNoIdentity      Status = -11
	StatusNoMailbox       Status = -12
	StatusMailboxInUse    Status = -13
	StatusResponseTimeout Status = -14
	StatusDataTimeout     Status = -15
	StatusDataMapping     Status = -16
	StatusLockTimeout     Status = -17
	StatusTokenTimeout    Status = -18
	StatusInternal        Status = -19
)

var statusNames = map[Status]string{
	StatusSuccess:             "success",
	StatusUnsupported:         "unsupported",
	StatusNotConnected:        "not connected",
	StatusDeviceState:         "device state error",
	StatusOperationNotAllowed: "operation not allowed",
	StatusOperationFailed:     "operation failed",
	StatusInvalidOpcode:       "invalid opcode",
	StatusInvalidSubcode:      "invalid subcode",
	StatusInvalidLength:       "invalid length",
	StatusBadArgument:         "bad argument",
	StatusNoMemory:            "no memory",
	StatusNoIdentity:          "no identity",
	StatusNoMailbox:           "no mailbox",
	StatusMailboxInUse:        "mailbox in use",
	StatusResponseTimeout:     "response timeout",
	StatusDataTimeout:         "data timeout",
	StatusDataMapping:         "data mapping error",
	StatusLockTimeout:         "lock timeout",
	StatusTokenTimeout:        "token timeout",
	StatusInternal:            "internal error",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// Error represents a failed dispatcher request.
type Error struct {
	Status Status
	Op     token.Kind
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Op, e.Status)
	}

	return fmt.Sprintf("%v: %s: %v", e.Op, e.Status, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors carrying the same status.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Op == (token.Kind{}) && t.Err == nil && t.Status == e.Status
}

// Sentinels usable with errors.Is.
var (
	ErrUnsupported   = &Error{Status: StatusUnsupported}
	ErrBadArgument   = &Error{Status: StatusBadArgument}
	ErrNoMemory      = &Error{Status: StatusNoMemory}
	ErrDeviceState   = &Error{Status: StatusDeviceState}
	ErrDataTimeout   = &Error{Status: StatusDataTimeout}
	ErrDataMapping   = &Error{Status: StatusDataMapping}
	ErrOperationFail = &Error{Status: StatusOperationFailed}
)

// StatusOf returns the status of an error returned by the dispatcher.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	var e *Error

	if errors.As(err, &e) {
		return e.Status
	}

	return StatusInternal
}

var exchangeStatus = map[exchange.Status]Status{
	exchange.Success:          StatusSuccess,
	exchange.NoIdentity:       StatusNoIdentity,
	exchange.NoMailbox:        StatusNoMailbox,
	exchange.MailboxInUse:     StatusMailboxInUse,
	exchange.DeviceStateError: StatusDeviceState,
	exchange.InternalError:    StatusInternal,
	// a full in mailbox is contention, the caller can retry
	exchange.MailboxFull:  StatusMailboxInUse,
	exchange.LockTimeout:  StatusLockTimeout,
	exchange.TokenTimeout: StatusTokenTimeout,
}

func fromExchange(op token.Kind, err error) error {
	s, ok := exchangeStatus[exchange.StatusOf(err)]

	if !ok {
		s = StatusInternal
	}

	return &Error{Status: s, Op: op, Err: err}
}

func fromRelease(op token.Kind, err error) error {
	s := StatusDataMapping

	if errors.Is(err, bufmgr.ErrTimeout) {
		s = StatusDataTimeout
	}

	return &Error{Status: s, Op: op, Err: err}
}

// ResultCode returns the firmware result code carried by err, 0 when err is
// not a firmware error.
func ResultCode(err error) int {
	var re *token.ResultError

	if errors.As(err, &re) {
		return re.Code
	}

	return 0
}
