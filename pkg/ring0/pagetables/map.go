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

	"vmsim.dev/vmsim/pkg/hostarch"
)

// pageRange returns the first and last page covered by [va, va+size).
func pageRange(va hostarch.Addr, size uint64) (first, last hostarch.Addr) {
	if size == 0 {
		panic(fmt.Sprintf("mappages: zero size at %v", va))
	}
	end, ok := va.AddLength(size - 1)
	if !ok {
		panic(fmt.Sprintf("mappages: [%v, +%#x) overflows", va, size))
	}
	return va.RoundDown(), end.RoundDown()
}

// Map installs leaf entries for the pages covering [va, va+size), mapping
// them to consecutive frames starting at phys.
//
// Map panics with "remap" if any of those entries is already valid. If a
// page-table page can not be allocated, Map returns the error and leaves
// the entries installed so far in place: callers that need atomicity must
// unwind with Unmap.
//
// Precondition: phys is page aligned and opts allows some access.
func (p *PageTables) Map(va hostarch.Addr, size uint64, phys uintptr, opts MapOpts) error {
	if !opts.AccessType.Any() {
		panic(fmt.Sprintf("mappages: no access for %v", va))
	}
	a, last := pageRange(va, size)
	for {
		pte, err := p.Walk(a, true)
		if err != nil {
			return err
		}
		if pte.Valid() {
			panic(fmt.Sprintf("remap: %v already maps %#x", a, pte.Address()))
		}
		pte.Set(phys, opts)
		if a == last {
			return nil
		}
		a += hostarch.PageSize
		phys += hostarch.PageSize
	}
}

// Unmap removes npages leaf entries starting at va. If free is set, the
// backing frames are released to the allocator.
//
// Unmap panics if va is not page aligned, or if any of the pages is not
// mapped by a valid leaf.
func (p *PageTables) Unmap(va hostarch.Addr, npages uint64, free bool) {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("uvmunmap: not aligned: %v", va))
	}
	for i := uint64(0); i < npages; i++ {
		a := va + hostarch.Addr(i*hostarch.PageSize)
		pte, _ := p.Walk(a, false)
		switch {
		case pte == nil:
			panic(fmt.Sprintf("uvmunmap: walk: %v", a))
		case !pte.Valid():
			panic(fmt.Sprintf("uvmunmap: not mapped: %v", a))
		case !pte.Leaf():
			panic(fmt.Sprintf("uvmunmap: not a leaf: %v", a))
		}
		if free {
			p.Allocator.Release(pte.Address())
		}
		pte.Clear()
	}
}

// MapAlias is like Map, but the frames are borrowed from other tables:
// they are never released through these tables.
//
// An entry that already maps the same frame with the same options is left
// alone, so a range may be aliased again after it changed. An entry that
// maps anything else panics with "remap".
//
// MapAlias returns the pages it newly installed, including on error, so the
// caller can undo exactly its own work with UnmapAlias.
func (p *PageTables) MapAlias(va hostarch.Addr, size uint64, phys uintptr, opts MapOpts) ([]hostarch.Addr, error) {
	if !opts.AccessType.Any() {
		panic(fmt.Sprintf("mappages: no access for %v", va))
	}
	var installed []hostarch.Addr
	a, last := pageRange(va, size)
	for {
		pte, err := p.Walk(a, true)
		if err != nil {
			return installed, err
		}
		if pte.Valid() {
			if pte.Address() != phys || pte.Opts() != opts {
				panic(fmt.Sprintf("remap: %v maps %#x (%v), wanted %#x (%v)", a, pte.Address(), pte.Opts(), phys, opts))
			}
		} else {
			pte.Set(phys, opts)
			installed = append(installed, a)
		}
		if a == last {
			return installed, nil
		}
		a += hostarch.PageSize
		phys += hostarch.PageSize
	}
}

// UnmapAlias clears npages entries starting at va without releasing any
// frame. Pages that are not mapped are skipped, since an aliased range may
// have been only partially built.
//
// UnmapAlias panics if va is not page aligned or if an entry points at a
// page-table page.
func (p *PageTables) UnmapAlias(va hostarch.Addr, npages uint64) {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("kvmunmap: not aligned: %v", va))
	}
	for i := uint64(0); i < npages; i++ {
		a := va + hostarch.Addr(i*hostarch.PageSize)
		pte, _ := p.Walk(a, false)
		if pte == nil || !pte.Valid() {
			continue
		}
		if !pte.Leaf() {
			panic(fmt.Sprintf("kvmunmap: not a leaf: %v", a))
		}
		pte.Clear()
	}
}

// ClearUser removes user access from the page at va. It is used for the
// guard page below the user stack.
func (p *PageTables) ClearUser(va hostarch.Addr) {
	pte, _ := p.Walk(va, false)
	if pte == nil || !pte.Leaf() {
		panic(fmt.Sprintf("uvmclear: %v not mapped", va))
	}
	*pte &^= user
}
