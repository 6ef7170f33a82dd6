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

package pagetables

import (
	"fmt"

	"vmsim.dev/vmsim/pkg/bits"
	"vmsim.dev/vmsim/pkg/hostarch"
)

// Sv39 entry bits.
const (
	valid      = 1 << 0
	readable   = 1 << 1
	writable   = 1 << 2
	executable = 1 << 3
	user       = 1 << 4
	global     = 1 << 5 // Never set: shadow tables are per process.
	accessed   = 1 << 6
	dirty      = 1 << 7

	// ppnShift is the position of the physical page number.
	ppnShift = 10

	// ppnWidth is the width of the physical page number.
	ppnWidth = 44

	// flagsMask covers every bit below the physical page number.
	flagsMask = 1<<ppnShift - 1

	// leafMask are the bits that make a valid entry a leaf.
	leafMask = readable | writable | executable

	entriesPerPage = hostarch.PTEsPerPage
)

// MapOpts are leaf mapping options.
type MapOpts struct {
	// AccessType defines permissions. At least one of Read, Write or
	// Execute must be set: an entry with none of them is a pointer to the
	// next level, not a leaf.
	AccessType hostarch.AccessType

	// User indicates the page is user-accessible.
	User bool
}

// String implements fmt.Stringer.
func (o MapOpts) String() string {
	s := o.AccessType.String()
	if o.User {
		s += "u"
	}
	return s
}

// bits returns the PTE flag bits for o, without the valid bit.
func (o MapOpts) bits() uint64 {
	var v uint64
	if o.AccessType.Read {
		v |= readable
	}
	if o.AccessType.Write {
		v |= writable
	}
	if o.AccessType.Execute {
		v |= executable
	}
	if o.User {
		v |= user
	}
	return v
}

// PTE is a single Sv39 page table entry.
type PTE uint64

// PTEs is a collection of entries: one page-table page.
type PTEs [entriesPerPage]PTE

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return bits.IsOn64(uint64(*p), valid)
}

// Leaf returns true iff this entry is a valid leaf mapping, as opposed to a
// pointer to the next level.
func (p *PTE) Leaf() bool {
	return p.Valid() && bits.IsAnyOn64(uint64(*p), leafMask)
}

// User returns true iff the entry is user-accessible.
func (p *PTE) User() bool {
	return bits.IsOn64(uint64(*p), user)
}

// Opts returns the leaf options of this entry.
func (p *PTE) Opts() MapOpts {
	v := uint64(*p)
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    bits.IsOn64(v, readable),
			Write:   bits.IsOn64(v, writable),
			Execute: bits.IsOn64(v, executable),
		},
		User: bits.IsOn64(v, user),
	}
}

// Flags returns the low ten bits of the entry.
func (p *PTE) Flags() uint64 {
	return uint64(*p) & flagsMask
}

// Address returns the physical address this entry refers to.
func (p *PTE) Address() uintptr {
	return uintptr(bits.Field64(uint64(*p), ppnShift, ppnWidth) << hostarch.PageShift)
}

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Set sets this PTE to a valid leaf mapping of phys.
//
// Precondition: phys is page aligned and opts allows some access.
func (p *PTE) Set(phys uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		panic(fmt.Sprintf("leaf PTE for %#x without permissions", phys))
	}
	*p = PTE(physToPTE(phys) | opts.bits() | valid)
}

// setPageTable makes this PTE a pointer to the page-table page at phys.
func (p *PTE) setPageTable(phys uintptr) {
	*p = PTE(physToPTE(phys) | valid)
}

// String returns the entry in the form used by Dump.
func (p *PTE) String() string {
	return fmt.Sprintf("pte %#x pa %#x", uint64(*p), p.Address())
}

func physToPTE(phys uintptr) uint64 {
	if phys%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("unaligned physical address %#x", phys))
	}
	return uint64(phys>>hostarch.PageShift) << ppnShift
}
