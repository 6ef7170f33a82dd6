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

// Package pagetables provides an implementation of Sv39 page tables.
//
// Page-table pages live in simulated physical memory obtained from an
// Allocator and hold bit-exact hardware entries. A valid entry with none of
// the R, W or X bits set points at the next level; any other valid entry is
// a leaf.
//
// Two error classes exist. Invariant violations (remapping a valid slot, a
// leaf where a table was expected, an unaligned address where alignment is
// required, an address beyond MaxVA) panic. Allocation failure is returned
// as an error and is never fatal.
//
// PageTables is not safe for concurrent mutation. Concurrent lookups are
// safe once no goroutine mutates the tables.
package pagetables

import (
	"fmt"

	"vmsim.dev/vmsim/pkg/hostarch"
)

// Allocator is the physical frame allocator.
type Allocator interface {
	// Allocate returns a frame. Its contents are unspecified.
	Allocate() (uintptr, error)

	// Release returns a frame to the allocator.
	Release(phys uintptr)

	// Page returns the bytes of the frame at phys.
	Page(phys uintptr) []byte
}

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate and release page-table pages, and to
	// reach their contents.
	Allocator Allocator

	// root is the root page-table page.
	root *PTEs

	// rootPhysical is the physical address of root.
	rootPhysical uintptr
}

// New returns new PageTables with an empty root.
func New(a Allocator) (*PageTables, error) {
	p := &PageTables{Allocator: a}
	phys, err := p.allocNode()
	if err != nil {
		return nil, err
	}
	p.rootPhysical = phys
	p.root = p.node(phys)
	return p, nil
}

// RootPhysical returns the physical address of the root page.
func (p *PageTables) RootPhysical() uintptr {
	return p.rootPhysical
}

// SATP returns the satp register value selecting these tables in Sv39 mode.
func (p *PageTables) SATP() uint64 {
	const sv39 = uint64(8) << 60
	return sv39 | uint64(p.rootPhysical>>hostarch.PageShift)
}

// allocNode allocates and zeroes a page-table page.
func (p *PageTables) allocNode() (uintptr, error) {
	phys, err := p.Allocator.Allocate()
	if err != nil {
		return 0, err
	}
	clear(p.Allocator.Page(phys))
	return phys, nil
}

func (p *PageTables) checkLive() {
	if p.root == nil {
		panic("page tables used after Release")
	}
}

// Walk returns the leaf-level entry for va.
//
// If alloc is true, missing intermediate pages are allocated, zeroed and
// linked in. If alloc is false and an intermediate entry is invalid, Walk
// returns (nil, nil). An error is returned only when a needed page cannot be
// allocated; pages linked in before the failure are left in place.
//
// The returned entry may be invalid. Walk panics if va >= MaxVA or if a
// leaf is found above the leaf level.
func (p *PageTables) Walk(va hostarch.Addr, alloc bool) (*PTE, error) {
	p.checkLive()
	if va >= hostarch.MaxVA {
		panic(fmt.Sprintf("walk: va %v out of range", va))
	}
	entries := p.root
	for level := hostarch.Levels - 1; level > 0; level-- {
		pte := &entries[hostarch.PageIndex(level, va)]
		switch {
		case pte.Leaf():
			panic(fmt.Sprintf("walk: leaf %#x at level %d for va %v", uint64(*pte), level, va))
		case pte.Valid():
			entries = p.node(pte.Address())
		case !alloc:
			return nil, nil
		default:
			phys, err := p.allocNode()
			if err != nil {
				return nil, err
			}
			pte.setPageTable(phys)
			entries = p.node(phys)
		}
	}
	return &entries[hostarch.PageIndex(0, va)], nil
}

// lookup walks without allocation and returns the leaf entry for va, or nil
// if va is not mapped by a valid leaf.
func (p *PageTables) lookup(va hostarch.Addr) *PTE {
	if va >= hostarch.MaxVA {
		return nil
	}
	pte, _ := p.Walk(va, false)
	if pte == nil || !pte.Valid() {
		return nil
	}
	return pte
}

// Translate returns the physical address backing the user address va.
//
// It returns false if va is beyond MaxVA, is not mapped, or is mapped
// without user access. Kernel mappings can not be translated this way; use
// KernelTranslate.
func (p *PageTables) Translate(va hostarch.Addr) (uintptr, bool) {
	pte := p.lookup(va)
	if pte == nil || !pte.User() {
		return 0, false
	}
	return pte.Address() + uintptr(va.PageOffset()), true
}

// Lookup returns the physical address and options of the mapping for va,
// without any user-access check.
func (p *PageTables) Lookup(va hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	pte := p.lookup(va)
	if pte == nil {
		return 0, MapOpts{}, false
	}
	return pte.Address() + uintptr(va.PageOffset()), pte.Opts(), true
}

// KernelTranslate translates a kernel virtual address. It is only needed for
// addresses that are not direct mapped, such as kernel stacks.
//
// It panics if va is not mapped.
func (p *PageTables) KernelTranslate(va hostarch.Addr) uintptr {
	pte := p.lookup(va)
	if pte == nil {
		panic(fmt.Sprintf("kvmpa: va %v not mapped", va))
	}
	return pte.Address() + uintptr(va.PageOffset())
}

// Leaves calls fn for every valid leaf, in increasing address order.
func (p *PageTables) Leaves(fn func(va hostarch.Addr, phys uintptr, opts MapOpts)) {
	p.checkLive()
	p.leaves(p.root, hostarch.Levels-1, 0, fn)
}

func (p *PageTables) leaves(entries *PTEs, level int, base hostarch.Addr, fn func(va hostarch.Addr, phys uintptr, opts MapOpts)) {
	for i := range entries {
		pte := &entries[i]
		if !pte.Valid() {
			continue
		}
		va := base + hostarch.Addr(i)<<hostarch.LevelShift(level)
		switch {
		case pte.Leaf():
			fn(va, pte.Address(), pte.Opts())
		case level > 0:
			p.leaves(p.node(pte.Address()), level-1, va, fn)
		}
	}
}
