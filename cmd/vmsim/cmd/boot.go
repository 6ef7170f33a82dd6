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

	"github.com/google/subcommands"
	"vmsim.dev/vmsim/cmd/vmsim/config"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/log"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct{}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "build the kernel page table and start the harts"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - build the kernel page table, start --harts harts on it and
report the translation of every fixed range from each hart.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Boot) SetFlags(f *flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.Destroy()

	stats := m.mf.Stats()
	fmt.Printf("kernel page table %#x, satp %#016x, %d of %d frames in use\n",
		m.ring0.PageTables().RootPhysical(), m.ring0.PageTables().SATP(), stats.InUse(), stats.Total)
	status := subcommands.ExitSuccess
	for _, c := range m.cpus {
		for _, r := range m.ring0.Ranges() {
			// Touch the first and the last byte of each range.
			for _, va := range []hostarch.Addr{r.VA, r.VA + hostarch.Addr(r.Size) - 1} {
				want := r.PA + uintptr(va-r.VA)
				if got, ok := c.Translate(va); !ok || got != want {
					log.Warningf("hart %d: %s %v translates to %#x (%t), wanted %#x", c.ID, r.Name, va, got, ok, want)
					status = subcommands.ExitFailure
				}
			}
		}
		fmt.Printf("hart %d: satp %#016x, %d ranges ok\n", c.ID, c.SATP(), len(m.ring0.Ranges()))
	}
	return status
}
