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

// Package mm implements user address spaces and the per-process shadow
// kernel page table that mirrors them.
//
// Frame ownership is split between the two: an AddressSpace owns every frame
// mapped by its leaves and releases each one exactly once, while a Shadow
// only borrows those frames and offers no operation that can release a
// mirrored leaf. A Shadow owns only its own page-table pages.
package mm

import (
	"fmt"

	"vmsim.dev/vmsim/pkg/cleanup"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
)

// userOpts are the options of every page of user memory.
var userOpts = pagetables.MapOpts{AccessType: hostarch.AnyAccess, User: true}

// AddressSpace is a user page table. Its size is kept by the owning process
// and passed to the operations that need it.
//
// Every page below the size, rounded up to a page, is backed by a frame
// owned by the AddressSpace.
type AddressSpace struct {
	alloc pagetables.Allocator
	pt    *pagetables.PageTables
}

// NewAddressSpace creates an empty user page table.
func NewAddressSpace(a pagetables.Allocator) (*AddressSpace, error) {
	pt, err := pagetables.New(a)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{alloc: a, pt: pt}, nil
}

// PageTables returns the underlying page table.
func (as *AddressSpace) PageTables() *pagetables.PageTables {
	return as.pt
}

// SATP returns the satp value selecting this address space.
func (as *AddressSpace) SATP() uint64 {
	return as.pt.SATP()
}

// newPage allocates a zeroed frame.
func (as *AddressSpace) newPage() (uintptr, error) {
	pa, err := as.alloc.Allocate()
	if err != nil {
		return 0, err
	}
	clear(as.alloc.Page(pa))
	return pa, nil
}

// Seed loads the initial program image at address 0, for the very first
// process. The image must be smaller than a page.
func (as *AddressSpace) Seed(image []byte) error {
	if len(image) >= hostarch.PageSize {
		panic(fmt.Sprintf("inituvm: image of %d bytes is more than a page", len(image)))
	}
	pa, err := as.newPage()
	if err != nil {
		return err
	}
	copy(as.alloc.Page(pa), image)
	if err := as.pt.Map(0, hostarch.PageSize, pa, userOpts); err != nil {
		as.alloc.Release(pa)
		return err
	}
	return nil
}

// Grow allocates zeroed pages to grow the address space from oldSize to
// newSize, which need not be page aligned. It returns the new size.
//
// Grow is atomic: if any allocation fails, every page added by this call is
// unmapped and released again, and (0, err) is returned. If newSize is not
// larger than oldSize, Grow does nothing and returns oldSize.
//
// Precondition: newSize <= MaxVA.
func (as *AddressSpace) Grow(oldSize, newSize uint64) (uint64, error) {
	if newSize <= oldSize {
		return oldSize, nil
	}
	var cu cleanup.Cleanup
	defer cu.Clean()
	for a := hostarch.PageRoundUp(oldSize); a < newSize; a += hostarch.PageSize {
		va := hostarch.Addr(a)
		pa, err := as.newPage()
		if err != nil {
			log.Debugf("uvmalloc: out of memory growing %#x to %#x at %v", oldSize, newSize, va)
			return 0, err
		}
		if err := as.pt.Map(va, hostarch.PageSize, pa, userOpts); err != nil {
			as.alloc.Release(pa)
			log.Debugf("uvmalloc: out of page-table pages growing %#x to %#x at %v", oldSize, newSize, va)
			return 0, err
		}
		cu.Add(func() { as.pt.Unmap(va, 1, true) })
	}
	cu.Release()
	return newSize, nil
}

// Shrink releases pages to bring the address space from oldSize down to
// newSize, and returns the new size. Neither size needs to be page aligned;
// only pages that lie entirely at or above newSize are released. If newSize
// is not smaller than oldSize, Shrink does nothing and returns oldSize.
func (as *AddressSpace) Shrink(oldSize, newSize uint64) uint64 {
	if newSize >= oldSize {
		return oldSize
	}
	if start, end := hostarch.PageRoundUp(newSize), hostarch.PageRoundUp(oldSize); start < end {
		as.pt.Unmap(hostarch.Addr(start), (end-start)/hostarch.PageSize, true)
	}
	return newSize
}

// Duplicate copies the first size bytes of memory, page tables and contents,
// into dst, for fork. Every page gets a new frame with the same options.
//
// On failure, pages already copied into dst are unmapped and released, and
// the error is returned. Duplicate panics if a page below size is missing.
func (as *AddressSpace) Duplicate(dst *AddressSpace, size uint64) error {
	var cu cleanup.Cleanup
	defer cu.Clean()
	for a := uint64(0); a < size; a += hostarch.PageSize {
		va := hostarch.Addr(a)
		phys, opts, ok := as.pt.Lookup(va)
		if !ok {
			panic(fmt.Sprintf("uvmcopy: page %v not present", va))
		}
		// The copy overwrites the whole frame, no need to zero it.
		pa, err := dst.alloc.Allocate()
		if err != nil {
			return err
		}
		copy(dst.alloc.Page(pa), as.alloc.Page(phys))
		if err := dst.pt.Map(va, hostarch.PageSize, pa, opts); err != nil {
			dst.alloc.Release(pa)
			return err
		}
		cu.Add(func() { dst.pt.Unmap(va, 1, true) })
	}
	cu.Release()
	return nil
}

// ClearUser marks the page at va inaccessible to the user. It is used for
// the stack guard page.
func (as *AddressSpace) ClearUser(va hostarch.Addr) {
	as.pt.ClearUser(va)
}

// Destroy releases every page below size and then every page-table page.
// Any other leaf must have been unmapped already.
func (as *AddressSpace) Destroy(size uint64) {
	if size > 0 {
		as.pt.Unmap(0, hostarch.PageRoundUp(size)/hostarch.PageSize, true)
	}
	as.pt.Release()
}
