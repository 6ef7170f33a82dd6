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
	"os"

	"github.com/google/subcommands"
	"vmsim.dev/vmsim/cmd/vmsim/config"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	table string
	grow  int64
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print a page table in the vmprint format"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - boot, create the first process and print one of its page
tables, or the kernel page table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.table, "table", "user", "table to print: user, shadow or kernel.")
	f.Int64Var(&d.grow, "grow", 0, "bytes to grow the first process by before printing.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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
	p, err := m.initProcess(d.grow)
	if err != nil {
		Fatalf("%v", err)
	}
	defer p.Free()

	var pt *pagetables.PageTables
	switch d.table {
	case "user":
		pt = p.AddressSpace().PageTables()
	case "shadow":
		pt = p.Shadow().PageTables()
	case "kernel":
		pt = m.ring0.PageTables()
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := pt.Dump(os.Stdout); err != nil {
		Fatalf("printing %s table: %v", d.table, err)
	}
	return subcommands.ExitSuccess
}
