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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"vmsim.dev/vmsim/cmd/vmsim/config"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/kernel"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/ring0"
	"vmsim.dev/vmsim/pkg/usermem"
)

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	children int
	grow     int64
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run a process lifecycle and check that no frame leaks"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	return `scenario [flags] - boot, start the first process, fork children that run
concurrently on the harts, free everything and compare allocator counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.children, "children", 0, "number of children to fork, default is one per hart.")
	f.Int64Var(&s.grow, "grow", 3*hostarch.PageSize+100, "bytes to grow the first process by.")
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.children <= 0 {
		s.children = conf.Harts
	}

	m, err := newMachine(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.Destroy()

	if err := s.run(ctx, m, os.Stdout); err != nil {
		log.Warningf("scenario: %v", err)
		fmt.Fprintf(os.Stderr, "scenario failed: %s\n", describe(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *Scenario) run(ctx context.Context, m *machine, out io.Writer) error {
	before := m.mf.Stats()

	first, err := m.initProcess(0)
	if err != nil {
		return err
	}
	// The kernel reads the exec path through the shadow table, as the
	// exec system call would.
	var path string
	if err := first.Run(m.cpus[0], func() error {
		var err error
		path, err = usermem.CopyStringIn(first.KernelIO(), initPathOffset, maxPath)
		return err
	}); err != nil {
		first.Free()
		return fmt.Errorf("reading exec path: %w", err)
	}
	fmt.Fprintf(out, "process %v: exec %q\n", first.TID(), path)

	if err := first.Grow(s.grow); err != nil {
		first.Free()
		return fmt.Errorf("growing init: %w", err)
	}
	fmt.Fprintf(out, "process %v: size %#x\n", first.TID(), first.Size())

	children := make([]*kernel.Process, s.children)
	g, _ := errgroup.WithContext(ctx)
	// A hart runs one process at a time; its children run in turn.
	for h, c := range m.cpus {
		g.Go(func() error {
			for i := h; i < len(children); i += len(m.cpus) {
				child, err := first.Fork()
				if err != nil {
					return fmt.Errorf("fork %d: %w", i, err)
				}
				children[i] = child
				if err := exercise(child, c); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err = g.Wait()
	for _, child := range children {
		if child == nil {
			continue
		}
		fmt.Fprintf(out, "process %v: size %#x, kernel stack %v\n", child.TID(), child.Size(), child.KernelStack())
		child.Free()
	}
	first.Free()
	if err != nil {
		return err
	}

	after := m.mf.Stats()
	fmt.Fprintf(out, "frames: %d allocated, %d released, %d in use before, %d after\n",
		after.Allocs-before.Allocs, after.Releases-before.Releases, before.InUse(), after.InUse())
	for _, c := range m.cpus {
		fmt.Fprintf(out, "hart %d: %d TLB flushes\n", c.ID, c.Flushes())
	}
	if after.InUse() != before.InUse() {
		return fmt.Errorf("%d frames leaked", after.InUse()-before.InUse())
	}
	return nil
}

// exercise writes a message ending at the top of p's memory from user mode,
// reads it back on c through the shadow table and then shrinks p by a page.
func exercise(p *kernel.Process, c *ring0.CPU) error {
	msg := fmt.Sprintf("hello from process %v", p.TID())
	n := uint64(len(msg) + 1)
	if p.Size() < n {
		return fmt.Errorf("process %v: size %#x too small for the message", p.TID(), p.Size())
	}
	addr := hostarch.Addr(p.Size() - n)
	if _, err := fmt.Fprintf(&usermem.IOReadWriter{IO: p.UserIO(), Addr: addr}, "%s\x00", msg); err != nil {
		return fmt.Errorf("process %v: writing %v: %w", p.TID(), addr, err)
	}
	var got string
	if err := p.Run(c, func() error {
		var err error
		got, err = usermem.CopyStringIn(p.KernelIO(), addr, maxPath)
		return err
	}); err != nil {
		return fmt.Errorf("process %v: reading %v on hart %d: %w", p.TID(), addr, c.ID, err)
	}
	if got != msg {
		return fmt.Errorf("process %v: read %q through the shadow table, wrote %q", p.TID(), got, msg)
	}
	log.With(log.Origin{Hart: c.ID, Process: int32(p.TID())}).Infof("read %q through the shadow table", got)
	return p.Grow(-hostarch.PageSize)
}
