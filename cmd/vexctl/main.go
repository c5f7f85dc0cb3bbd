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

//go:build !tamago
// +build !tamago

// The vexctl tool issues security module requests against an emulated
// EIP-130 device, only useful for development work.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-vex/bufmgr"
	"github.com/transparency-dev/armored-witness-vex/identity"
	"github.com/transparency-dev/armored-witness-vex/internal/emu"
	"github.com/transparency-dev/armored-witness-vex/internal/rtos"
	"github.com/transparency-dev/armored-witness-vex/vex"
)

const (
	dmaStart = 0x80000000
	dmaSize  = 0x200000
)

var (
	configFile = pflag.String("config", "", "YAML configuration file.")
	mailboxes  = pflag.Int("mailboxes", 4, "Number of emulated mailboxes.")
	hostID     = pflag.Uint8("host_id", 1, "Host identifier of the emulated CPU.")
	callerID   = pflag.Uint64("caller", 1, "Caller context.")
	size       = pflag.IntP("size", "n", 32, "Random or asset size in bytes.")
	policy     = pflag.Uint64("policy", emu.PolicyPrivateData, "Asset policy.")
	inputFile  = pflag.String("file", "", "File to hash.")
	algorithm  = pflag.String("algorithm", "sha256", "Hash algorithm.")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: vexctl [flags] <command> [args]

commands:
  info                  print system information
  random                print --size random bytes
  hash                  hash --file
  reset                 reset the module and log in again
  asset create          create and fill an asset of --size bytes
  asset delete <id>     delete an asset
  asset search <n>      look up a static asset
  register-read <addr>  read a module register

flags:
`)
	pflag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Usage = usage
	pflag.Parse()

	if pflag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg := configOrDie(*configFile)

	arena := bufmgr.NewArena(dmaStart, dmaSize)
	irq := rtos.NewController()

	dev := emu.New(emu.Config{
		Mailboxes:     *mailboxes,
		HostID:        *hostID,
		DMA:           arena,
		Interrupt:     irq.Raise,
		CryptoOfficer: cfg.CryptoOfficer,
	})
	defer dev.Close()

	v, err := vex.New(dev, arena, irq, cfg, nil)
	if err != nil {
		klog.Exitf("Failed to initialize security module: %v", err)
	}
	defer v.Close()

	c := &cli{v: v, caller: identity.Context(*callerID)}

	if err := c.run(context.Background(), pflag.Args()); err != nil {
		klog.Exitf("%s: %v", pflag.Arg(0), err)
	}
}

func configOrDie(path string) vex.Config {
	if len(path) == 0 {
		return vex.DefaultConfig()
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		klog.Exitf("Failed to read configuration %q: %v", path, err)
	}

	cfg, err := vex.ParseConfig(buf)
	if err != nil {
		klog.Exitf("Invalid configuration %q: %v", path, err)
	}

	return cfg
}

func parseUint(s string, bitSize int) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %v", s, err)
	}

	return n, nil
}
