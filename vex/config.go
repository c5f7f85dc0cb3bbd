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
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-vex/bufmgr"
	"github.com/transparency-dev/armored-witness-vex/exchange"
	"github.com/transparency-dev/armored-witness-vex/identity"
)

// Completion modes accepted in configuration files.
const (
	CompletionPolling  = "polling"
	CompletionBlocking = "blocking"
	CompletionCallback = "callback"
)

var completionModes = map[string]exchange.Completion{
	CompletionPolling:  exchange.Polling,
	CompletionBlocking: exchange.Blocking,
	CompletionCallback: exchange.Callback,
}

// Config represents the VEX stack configuration.
type Config struct {
	// Users is the number of caller identities served concurrently.
	Users int `yaml:"users"`
	// Mailboxes limits the mailboxes used, 0 uses all of them.
	Mailboxes int `yaml:"mailboxes"`
	// CryptoOfficer is the identity stamped in login tokens.
	CryptoOfficer uint32 `yaml:"crypto_officer"`

	// Completion is one of polling, blocking or callback.
	Completion string `yaml:"completion"`
	// KeepLinked leaves mailboxes linked once a result is read.
	KeepLinked bool `yaml:"keep_linked"`

	PollLoops   int           `yaml:"poll_loops"`
	PollDelay   time.Duration `yaml:"poll_delay"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// TokenTimeout bounds the wait for a result in blocking and callback
	// modes, PollLoops * PollDelay when 0.
	TokenTimeout time.Duration `yaml:"token_timeout"`

	// DMA completion polling on buffer release.
	DMAPollLoops int           `yaml:"dma_poll_loops"`
	DMASkipPolls int           `yaml:"dma_skip_polls"`
	DMAPollDelay time.Duration `yaml:"dma_poll_delay"`

	// LoginUnsupportedIsSuccess makes the login step of a reset succeed on
	// firmware that does not implement login.
	LoginUnsupportedIsSuccess bool `yaml:"login_unsupported_is_success"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Users:                     identity.DefaultUsers,
		CryptoOfficer:             identity.DefaultCryptoOfficer,
		Completion:                CompletionPolling,
		PollLoops:                 exchange.DefaultPollLoops,
		PollDelay:                 exchange.DefaultPollDelay,
		LockTimeout:               exchange.DefaultLockTimeout,
		DMAPollLoops:              bufmgr.DefaultPollLoops,
		DMASkipPolls:              bufmgr.DefaultSkipPolls,
		DMAPollDelay:              bufmgr.DefaultPollDelay,
		LoginUnsupportedIsSuccess: true,
	}
}

// ParseConfig parses a YAML configuration, unset fields keep their default
// value.
func ParseConfig(buf []byte) (cfg Config, err error) {
	cfg = DefaultConfig()

	if err = yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}

	return
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	switch {
	case c.Users <= 0 || c.Users >= 0xff:
		return fmt.Errorf("users must be in [1, 254], got %d", c.Users)
	case c.Mailboxes < 0:
		return fmt.Errorf("invalid mailbox count %d", c.Mailboxes)
	case c.PollLoops < 0 || c.DMAPollLoops < 0 || c.DMASkipPolls < 0:
		return fmt.Errorf("poll limits must not be negative")
	case c.PollDelay < 0 || c.LockTimeout < 0 || c.TokenTimeout < 0 || c.DMAPollDelay < 0:
		return fmt.Errorf("delays must not be negative")
	}

	if err := identity.ValidCryptoOfficer(c.CryptoOfficer); err != nil {
		return err
	}

	if _, ok := completionModes[c.Completion]; !ok {
		return fmt.Errorf("unknown completion mode %q", c.Completion)
	}

	return nil
}

func (c Config) exchange() exchange.Config {
	cfg := exchange.Config{
		Completion:   completionModes[c.Completion],
		PollLoops:    c.PollLoops,
		PollDelay:    c.PollDelay,
		LockTimeout:  c.LockTimeout,
		TokenTimeout: c.TokenTimeout,
	}

	if c.KeepLinked {
		cfg.Unlink = exchange.KeepLinked
	}

	return cfg
}

func (c Config) buffers() bufmgr.Config {
	return bufmgr.Config{
		PollLoops: c.DMAPollLoops,
		SkipPolls: c.DMASkipPolls,
		PollDelay: c.DMAPollDelay,
	}
}

func (c Config) identity(mailboxes int) identity.Config {
	if c.Mailboxes > 0 && c.Mailboxes < mailboxes {
		mailboxes = c.Mailboxes
	}

	return identity.Config{
		Users:         c.Users,
		Mailboxes:     mailboxes,
		CryptoOfficer: c.CryptoOfficer,
	}
}
