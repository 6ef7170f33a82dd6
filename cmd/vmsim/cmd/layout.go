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
	"vmsim.dev/vmsim/cmd/vmsim/config"
	"vmsim.dev/vmsim/pkg/memlayout"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	ranges bool
	format string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the effective memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [flags] - print the memory layout in TOML or YAML, suitable for
--layout (name the file with a .yaml extension for YAML).
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.ranges, "ranges", false, "print the fixed kernel ranges instead.")
	f.StringVar(&l.format, "format", string(memlayout.TOML), "output format: toml or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	layout, err := conf.Layout()
	if err != nil {
		Fatalf("loading layout: %v", err)
	}
	if err := layout.Validate(); err != nil {
		Fatalf("invalid layout: %v", err)
	}
	if !l.ranges {
		if err := writeLayout(os.Stdout, layout, memlayout.Format(l.format)); err != nil {
			Fatalf("writing layout: %v", err)
		}
		return subcommands.ExitSuccess
	}
	for _, r := range layout.KernelRanges() {
		fmt.Printf("%-10s %v -> %#x %v\n", r.Name, r.AddrRange(), r.PA, r.Access)
	}
	fmt.Printf("user memory ends below %v\n", layout.LowestFixedVA())
	return subcommands.ExitSuccess
}

func writeLayout(w io.Writer, l *memlayout.Layout, format memlayout.Format) error {
	switch format {
	case memlayout.TOML:
		return l.Write(w)
	case memlayout.YAML:
		return l.WriteYAML(w)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
