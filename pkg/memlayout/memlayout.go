// Copyright 2024 The gVisor Authors.
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

// Package memlayout describes the fixed physical layout of the machine:
// device register windows, the kernel image and the RAM window.
//
// The same enumeration is used to build the global kernel page table and
// every per-process shadow kernel table, so both always carry identical
// fixed mappings in identical order.
package memlayout

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"vmsim.dev/vmsim/pkg/hostarch"
)

// Window is a device register window, identity mapped.
type Window struct {
	Name string `toml:"name" yaml:"name"`
	Base uint64 `toml:"base" yaml:"base"`
	Size uint64 `toml:"size" yaml:"size"`
}

// Layout is the physical memory map of the machine.
//
// qemu -machine virt is set up like this, based on qemu's hw/riscv/virt.c:
//
//	00001000 -- boot ROM, provided by qemu
//	02000000 -- CLINT
//	0C000000 -- PLIC
//	10000000 -- uart0
//	10001000 -- virtio disk
//	80000000 -- boot ROM jumps here in machine mode
//	unused RAM after 80000000.
type Layout struct {
	// Devices are mapped read-write, in this order.
	Devices []Window `toml:"devices" yaml:"devices"`

	// KernBase is where the kernel text starts.
	KernBase uint64 `toml:"kernbase" yaml:"kernbase"`

	// Etext is the end of kernel text. The trampoline page is the last
	// page of the text.
	Etext uint64 `toml:"etext" yaml:"etext"`

	// End is the end of the kernel image; frames from End to PhysTop are
	// handed out by the frame allocator.
	End uint64 `toml:"end" yaml:"end"`

	// PhysTop is the end of RAM.
	PhysTop uint64 `toml:"phystop" yaml:"phystop"`
}

// Default returns the QEMU virt layout with 128 MiB of RAM.
func Default() *Layout {
	const kernBase = 0x80000000
	return &Layout{
		Devices: []Window{
			{Name: "uart0", Base: 0x10000000, Size: hostarch.PageSize},
			{Name: "virtio0", Base: 0x10001000, Size: hostarch.PageSize},
			{Name: "clint", Base: 0x02000000, Size: 0x10000},
			{Name: "plic", Base: 0x0c000000, Size: 0x400000},
		},
		KernBase: kernBase,
		Etext:    kernBase + 0x8000,
		End:      kernBase + 0x20000,
		PhysTop:  kernBase + 128*1024*1024,
	}
}

// Format is a layout file format.
type Format string

// Layout file formats.
const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

// FormatOf returns the format of the layout file at path: YAML for a .yaml or
// .yml extension, TOML otherwise.
func FormatOf(path string) Format {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return YAML
	default:
		return TOML
	}
}

// Load reads a layout file in the format given by FormatOf. Fields absent
// from the file keep their Default values; a devices array, if present,
// replaces the default devices entirely. Unknown keys are errors.
func Load(path string) (*Layout, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l *Layout
	switch FormatOf(path) {
	case YAML:
		l, err = DecodeYAML(string(b))
	default:
		l, err = Decode(string(b))
	}
	if err != nil {
		return nil, fmt.Errorf("layout %q: %w", path, err)
	}
	return l, nil
}

// Decode is like Load, but reads TOML text.
func Decode(text string) (*Layout, error) {
	return decode(func(l *Layout) (bool, error) {
		md, err := toml.Decode(text, l)
		if err != nil {
			return false, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return false, fmt.Errorf("unknown keys: %v", undecoded)
		}
		return md.IsDefined("devices"), nil
	})
}

// DecodeYAML is like Load, but reads YAML text.
func DecodeYAML(text string) (*Layout, error) {
	return decode(func(l *Layout) (bool, error) {
		d := yaml.NewDecoder(strings.NewReader(text))
		d.KnownFields(true)
		if err := d.Decode(l); err != nil && err != io.EOF {
			return false, err
		}
		return l.Devices != nil, nil
	})
}

// decode fills a Default layout with no devices using fn, which reports
// whether the input defined the devices, and validates the result.
func decode(fn func(*Layout) (bool, error)) (*Layout, error) {
	l, devices := Default(), Default().Devices
	l.Devices = nil
	defined, err := fn(l)
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	if !defined {
		l.Devices = devices
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Write encodes the layout as TOML.
func (l *Layout) Write(w io.Writer) error {
	return toml.NewEncoder(w).Encode(l)
}

// WriteYAML encodes the layout as YAML.
func (l *Layout) WriteYAML(w io.Writer) error {
	e := yaml.NewEncoder(w)
	if err := e.Encode(l); err != nil {
		return err
	}
	return e.Close()
}

// Clone returns a deep copy of the layout.
func (l *Layout) Clone() *Layout {
	return deepcopy.Copy(l).(*Layout)
}

// TrampolinePA is the physical address of the trap trampoline code.
func (l *Layout) TrampolinePA() uintptr {
	return uintptr(l.Etext - hostarch.PageSize)
}

// RAMSize is the size of the simulated RAM window [KernBase, PhysTop).
func (l *Layout) RAMSize() uint64 {
	return l.PhysTop - l.KernBase
}

// LowestFixedVA returns the lowest virtual address used by a fixed kernel
// mapping. User address spaces mirrored into shadow tables must stay below
// it.
func (l *Layout) LowestFixedVA() hostarch.Addr {
	lowest := l.KernBase
	for _, d := range l.Devices {
		if d.Base < lowest {
			lowest = d.Base
		}
	}
	return hostarch.Addr(lowest)
}

// Validate checks alignment and ordering constraints.
func (l *Layout) Validate() error {
	aligned := func(v uint64) bool { return v%hostarch.PageSize == 0 }
	for _, v := range []uint64{l.KernBase, l.Etext, l.End, l.PhysTop} {
		if !aligned(v) {
			return fmt.Errorf("address %#x is not page aligned", v)
		}
	}
	if !(l.KernBase < l.Etext && l.Etext <= l.End && l.End < l.PhysTop) {
		return fmt.Errorf("want kernbase < etext <= end < phystop, got %#x, %#x, %#x, %#x", l.KernBase, l.Etext, l.End, l.PhysTop)
	}
	if l.PhysTop > uint64(hostarch.Trampoline) {
		return fmt.Errorf("phystop %#x collides with the trampoline at %v", l.PhysTop, hostarch.Trampoline)
	}

	ranges := []Window{{Name: "kernel", Base: l.KernBase, Size: l.PhysTop - l.KernBase}}
	for _, d := range l.Devices {
		if d.Size == 0 || !aligned(d.Base) || !aligned(d.Size) {
			return fmt.Errorf("device %q [%#x, +%#x) is empty or unaligned", d.Name, d.Base, d.Size)
		}
		ranges = append(ranges, d)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Base < ranges[j].Base })
	for i := 1; i < len(ranges); i++ {
		prev := ranges[i-1]
		if prev.Base+prev.Size > ranges[i].Base {
			return fmt.Errorf("%q overlaps %q", prev.Name, ranges[i].Name)
		}
	}
	if lowest := l.LowestFixedVA(); lowest <= hostarch.PageSize {
		return fmt.Errorf("fixed mapping at %v leaves no room for user memory", lowest)
	}
	return nil
}

// Range describes one fixed mapping installed in kernel page tables.
type Range struct {
	Name   string
	VA     hostarch.Addr
	PA     uintptr
	Size   uint64
	Access hostarch.AccessType
}

// AddrRange returns the virtual extent of the range.
func (r Range) AddrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.VA, End: r.VA + hostarch.Addr(r.Size)}
}

// KernelRanges enumerates the fixed kernel mappings in insertion order:
// devices, kernel text, kernel data plus RAM, and the trampoline.
func (l *Layout) KernelRanges() []Range {
	rs := make([]Range, 0, len(l.Devices)+3)
	for _, d := range l.Devices {
		rs = append(rs, Range{
			Name:   d.Name,
			VA:     hostarch.Addr(d.Base),
			PA:     uintptr(d.Base),
			Size:   d.Size,
			Access: hostarch.ReadWrite,
		})
	}
	return append(rs,
		// Map kernel text executable and read-only.
		Range{Name: "text", VA: hostarch.Addr(l.KernBase), PA: uintptr(l.KernBase), Size: l.Etext - l.KernBase, Access: hostarch.ReadExecute},
		// Map kernel data and the physical RAM we'll make use of.
		Range{Name: "data", VA: hostarch.Addr(l.Etext), PA: uintptr(l.Etext), Size: l.PhysTop - l.Etext, Access: hostarch.ReadWrite},
		// Map the trampoline for trap entry/exit to the highest virtual
		// address in the kernel.
		Range{Name: "trampoline", VA: hostarch.Trampoline, PA: l.TrampolinePA(), Size: hostarch.PageSize, Access: hostarch.ReadExecute},
	)
}
