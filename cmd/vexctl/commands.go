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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-vex/asset"
	"github.com/transparency-dev/armored-witness-vex/identity"
	"github.com/transparency-dev/armored-witness-vex/token"
	"github.com/transparency-dev/armored-witness-vex/vex"
)

// hashChunk is a multiple of every supported hash block size.
const hashChunk = 64 * 1024

var algorithms = map[string]uint8{
	"sha1":   token.HashSHA1,
	"sha224": token.HashSHA224,
	"sha256": token.HashSHA256,
	"sha384": token.HashSHA384,
	"sha512": token.HashSHA512,
}

type cli struct {
	v      *vex.VEX
	caller identity.Context
}

func (c *cli) run(ctx context.Context, args []string) error {
	switch args[0] {
	case "info":
		return c.info(ctx)
	case "random":
		return c.random(ctx, *size)
	case "hash":
		return c.hash(ctx, *inputFile, *algorithm)
	case "reset":
		return c.reset(ctx)
	case "asset":
		return c.asset(ctx, args[1:])
	case "register-read":
		if len(args) != 2 {
			return errors.New("missing register address")
		}

		addr, err := parseUint(args[1], 16)
		if err != nil {
			return err
		}

		return c.registerRead(ctx, uint16(addr))
	}

	return fmt.Errorf("unknown command %q", args[0])
}

func (c *cli) info(ctx context.Context) error {
	resp, err := c.v.System(ctx, c.caller, &vex.SystemInfo{})
	if err != nil {
		return err
	}

	info := resp.(*vex.SystemInfoResult)

	fmt.Printf("Firmware ........: %s\n", &info.Firmware)
	fmt.Printf("Hardware ........: %s\n", &info.Hardware)
	fmt.Printf("Host ID .........: %d\n", info.HostID)
	fmt.Printf("Identity ........: %#x\n", info.Identity)
	fmt.Printf("Crypto Officer ..: %v\n", info.CryptoOfficer)
	fmt.Printf("Mode ............: %d\n", info.Mode)
	fmt.Printf("Mailboxes .......: %d\n", c.v.Registry.Mailboxes())

	return nil
}

func (c *cli) random(ctx context.Context, n int) error {
	data, err := c.v.Random(ctx, c.caller, &vex.Random{Size: n})
	if err != nil {
		return err
	}

	fmt.Printf("%x\n", data.Bytes)

	return nil
}

func (c *cli) hash(ctx context.Context, path string, name string) error {
	alg, ok := algorithms[name]
	if !ok {
		return fmt.Errorf("unsupported algorithm %q", name)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}

	bar := pb.New64(st.Size()).SetTemplate(pb.Full).SetWriter(os.Stderr).Start()
	defer bar.Finish()

	r := bar.NewProxyReader(f)

	var (
		total uint64
		state []byte
	)

	chunk := make([]byte, hashChunk)
	next := make([]byte, hashChunk)

	n, err := io.ReadFull(r, chunk)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return err
	}

	for {
		m, err := io.ReadFull(r, next)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return err
		}

		last := m == 0
		total += uint64(n)

		req := &vex.Hash{
			Algorithm: alg,
			Data:      chunk[:n],
			State:     state,
		}

		switch {
		case state == nil && last:
			req.Mode = token.Init2Final
		case state == nil:
			req.Mode = token.Init2Cont
		case last:
			req.Mode = token.Cont2Final
			req.TotalSize = total
		default:
			req.Mode = token.Cont2Cont
		}

		d, err := c.v.Hash(ctx, c.caller, req)
		if err != nil {
			return err
		}

		if last {
			fmt.Printf("%x  %s\n", d.Sum, path)
			return nil
		}

		state = d.Sum
		chunk, next = next, chunk
		n = m
	}
}

func (c *cli) reset(ctx context.Context) error {
	if _, err := c.v.System(ctx, c.caller, &vex.Reset{}); err != nil {
		return err
	}

	klog.Infof("Module reset, state %v", c.v.State())

	return nil
}

func (c *cli) asset(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("missing asset command")
	}

	h := asset.New(c.v)

	switch args[0] {
	case "create":
		id, _, err := h.Install(ctx, c.caller, *policy, *size, &vex.AssetLoad{Method: token.LoadRandom})
		if err != nil {
			return err
		}

		fmt.Printf("%#x\n", id)

		return nil
	case "delete", "search":
		if len(args) != 2 {
			return fmt.Errorf("asset %s: missing argument", args[0])
		}
	default:
		return fmt.Errorf("unknown asset command %q", args[0])
	}

	if args[0] == "delete" {
		id, err := parseUint(args[1], 32)
		if err != nil {
			return err
		}

		return h.Delete(ctx, c.caller, uint32(id))
	}

	n, err := parseUint(args[1], 8)
	if err != nil {
		return err
	}

	resp, err := c.v.Asset(ctx, c.caller, &vex.AssetSearch{Number: uint8(n)})
	if err != nil {
		return err
	}

	info := resp.(*vex.AssetInfo)
	fmt.Printf("%#x (%d bytes)\n", info.ID, info.Size)

	return nil
}

func (c *cli) registerRead(ctx context.Context, addr uint16) error {
	resp, err := c.v.Service(ctx, c.caller, &vex.RegisterRead{Address: addr})
	if err != nil {
		return err
	}

	fmt.Printf("%#04x: %#08x\n", addr, resp.(*vex.RegisterValue).Value)

	return nil
}
