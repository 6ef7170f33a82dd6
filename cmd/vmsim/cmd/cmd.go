// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"vmsim.dev/vmsim/cmd/vmsim/config"
	"vmsim.dev/vmsim/pkg/errors/linuxerr"
	"vmsim.dev/vmsim/pkg/kernel"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/memlayout"
	"vmsim.dev/vmsim/pkg/pgalloc"
	"vmsim.dev/vmsim/pkg/ring0"
)

// initCode is the first user program. It calls exec("/init", argv) and,
// should that return, exit. The path string is at initPathOffset.
var initCode = []byte{
	0x17, 0x05, 0x00, 0x00, 0x13, 0x05, 0x45, 0x02,
	0x97, 0x05, 0x00, 0x00, 0x93, 0x85, 0x35, 0x02,
	0x93, 0x08, 0x70, 0x00, 0x73, 0x00, 0x00, 0x00,
	0x93, 0x08, 0x20, 0x00, 0x73, 0x00, 0x00, 0x00,
	0xef, 0xf0, 0x9f, 0xff, 0x2f, 0x69, 0x6e, 0x69,
	0x74, 0x00, 0x00, 0x24, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

const (
	initPathOffset = 0x24

	// maxPath is the longest path the kernel reads from user memory.
	maxPath = 128
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	// Must print to stderr before logging because logging may block.
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	os.Exit(128)
}

// describe formats err for the user, with a hint for the errors a user can
// do something about.
func describe(err error) string {
	switch {
	case linuxerr.Equals(linuxerr.ENOMEM, err):
		return fmt.Sprintf("%v (errno %d): raise phystop in the layout, or run fewer or smaller processes", err, linuxerr.ToUnix(linuxerr.ENOMEM))
	case linuxerr.Equals(linuxerr.EAGAIN, err):
		return fmt.Sprintf("%v (errno %d): the process table holds %d processes", err, linuxerr.ToUnix(linuxerr.EAGAIN), kernel.MaxProcesses)
	default:
		return err.Error()
	}
}

// machine is a booted simulated machine.
type machine struct {
	layout *memlayout.Layout
	mf     *pgalloc.MemoryFile
	ring0  *ring0.Kernel
	cpus   []*ring0.CPU
	procs  *kernel.Kernel
}

// newMachine maps RAM, builds the kernel page table and boots the harts
// requested by conf.
func newMachine(ctx context.Context, conf *config.Config) (*machine, error) {
	l, err := conf.Layout()
	if err != nil {
		return nil, fmt.Errorf("loading layout: %w", err)
	}
	mf, err := pgalloc.NewMemoryFile(l)
	if err != nil {
		return nil, err
	}
	k := ring0.New(ring0.KernelOpts{Allocator: mf, Layout: l})
	cpus, err := k.Boot(ctx, conf.Harts)
	if err != nil {
		k.Release()
		mf.Destroy()
		return nil, fmt.Errorf("booting %d harts: %w", conf.Harts, err)
	}
	return &machine{
		layout: l,
		mf:     mf,
		ring0:  k,
		cpus:   cpus,
		procs:  kernel.New(k, mf, l),
	}, nil
}

// Destroy tears the machine down. Every process must have been freed.
func (m *machine) Destroy() {
	if n := m.procs.NumProcesses(); n != 0 {
		log.Warningf("destroying machine with %d live processes", n)
	}
	m.ring0.Release()
	m.mf.Destroy()
}

// initProcess creates the first process, grown by grow bytes past its code
// page.
func (m *machine) initProcess(grow int64) (*kernel.Process, error) {
	p, err := m.procs.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating init: %w", err)
	}
	if err := p.UserInit(initCode); err != nil {
		p.Free()
		return nil, fmt.Errorf("loading init: %w", err)
	}
	if grow != 0 {
		if err := p.Grow(grow); err != nil {
			p.Free()
			return nil, fmt.Errorf("growing init by %d bytes: %w", grow, err)
		}
	}
	return p, nil
}
