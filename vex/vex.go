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

// Package vex exposes the EIP-130 security module services to callers.
//
// Each request is translated into one, or for a reset two, physical token
// exchanges. Buffers referenced by a request are mapped for DMA while its
// command token is built and released once the exchange completes,
// whatever the outcome. Every entry point returns either a complete
// response or an *Error carrying a Status.
package vex

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-vex/bufmgr"
	"github.com/transparency-dev/armored-witness-vex/eip130"
	"github.com/transparency-dev/armored-witness-vex/exchange"
	"github.com/transparency-dev/armored-witness-vex/identity"
	"github.com/transparency-dev/armored-witness-vex/internal/rtos"
)

// VEX represents an initialized token exchange stack.
type VEX struct {
	*Dispatcher

	Module    *eip130.EIP130
	Registry  *identity.Registry
	Buffers   *bufmgr.Manager
	Exchanger *exchange.Exchanger
}

// New initializes the stack over the module register window dev, DMA
// memory mem and the mailbox interrupt controller irq. Metrics are
// registered on reg when it is not nil.
func New(dev eip130.Device, mem bufmgr.Memory, irq *rtos.Controller, cfg Config, reg prometheus.Registerer) (v *VEX, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}

	v = &VEX{}

	if v.Module, err = eip130.Init(dev); err != nil {
		return nil, fmt.Errorf("module initialization failed, %w", err)
	}

	state, err := v.Module.FirmwareCheck()

	if err != nil {
		return nil, fmt.Errorf("firmware check failed, %w", err)
	}

	if state != eip130.FirmwareReady {
		return nil, fmt.Errorf("firmware not ready (%v)", state)
	}

	if v.Registry, err = identity.New(v.Module, cfg.identity(v.Module.Mailboxes())); err != nil {
		return nil, err
	}

	var met *exchange.Metrics

	if reg != nil {
		if met, err = exchange.NewMetrics(reg); err != nil {
			return nil, err
		}
	}

	v.Buffers = bufmgr.New(mem, cfg.buffers())
	v.Exchanger = exchange.New(v.Registry, v.Module, irq, cfg.exchange(), met)
	v.Dispatcher = NewDispatcher(v.Exchanger, v.Buffers, cfg)

	ver := v.Module.Version()
	klog.Infof("vex: EIP-130 v%d.%d, %d mailboxes, %s completion", ver.Major, ver.Minor, v.Registry.Mailboxes(), cfg.Completion)

	return
}

// Close unlinks all mailboxes.
func (v *VEX) Close() {
	v.Registry.UnlinkAll()
}
