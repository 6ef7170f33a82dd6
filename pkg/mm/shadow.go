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

package mm

import (
	"fmt"

	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/memlayout"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
)

// fixedMapping is one entry of a Shadow's insertion log.
type fixedMapping struct {
	name string
	ar   hostarch.AddrRange
}

// Shadow is a per-process kernel page table. It carries the same fixed
// mappings as the global kernel page table, plus the process's kernel stack
// and a mirror of the user address space without user access, so kernel
// code can dereference user addresses directly.
//
// Every leaf of a Shadow borrows its frame. Teardown clears leaves in the
// reverse order of their insertion and releases only page-table pages.
type Shadow struct {
	pt *pagetables.PageTables

	// fixed records fixed mappings in insertion order.
	fixed []fixedMapping
}

// NewShadow creates a shadow table holding the fixed ranges of l.
//
// If a page-table page can not be allocated, everything built so far is
// torn down and the error is returned.
func NewShadow(a pagetables.Allocator, l *memlayout.Layout) (*Shadow, error) {
	pt, err := pagetables.New(a)
	if err != nil {
		return nil, err
	}
	s := &Shadow{pt: pt}
	for _, r := range l.KernelRanges() {
		if err := s.mapFixed(r.Name, r.VA, r.Size, r.PA, r.Access); err != nil {
			log.Debugf("ukvminit: %s: %v", r.Name, err)
			s.unmapFixed()
			s.pt.Release()
			return nil, err
		}
	}
	return s, nil
}

// mapFixed installs a fixed mapping and logs it. The log entry is written
// first so a partially installed range is still torn down.
func (s *Shadow) mapFixed(name string, va hostarch.Addr, size uint64, pa uintptr, at hostarch.AccessType) error {
	s.fixed = append(s.fixed, fixedMapping{
		name: name,
		ar:   hostarch.AddrRange{Start: va.RoundDown(), End: (va + hostarch.Addr(size)).MustRoundUp()},
	})
	return s.pt.Map(va, size, pa, pagetables.MapOpts{AccessType: at})
}

// unmapFixed removes the fixed mappings in reverse insertion order.
func (s *Shadow) unmapFixed() {
	for i := len(s.fixed) - 1; i >= 0; i-- {
		f := s.fixed[i]
		s.pt.UnmapAlias(f.ar.Start, f.ar.Pages())
	}
	s.fixed = nil
}

// PageTables returns the underlying page table.
func (s *Shadow) PageTables() *pagetables.PageTables {
	return s.pt
}

// SATP returns the satp value selecting this table.
func (s *Shadow) SATP() uint64 {
	return s.pt.SATP()
}

// MapKernelStack maps the process's kernel stack page at va. The frame
// belongs to the process, not to the table.
func (s *Shadow) MapKernelStack(va hostarch.Addr, pa uintptr) error {
	return s.mapFixed("kstack", va, hostarch.PageSize, pa, hostarch.ReadWrite)
}

// Mirror maps every page of user in [roundup(begin), end) into the shadow at
// the same address and frame, without user access. Pages already mirrored
// identically are left alone; a conflicting mapping panics.
//
// On failure, only the pages this call installed are removed, and the
// error is returned. Mirror panics if a user page in the range is missing.
func (s *Shadow) Mirror(user *AddressSpace, begin, end uint64) error {
	var installed []hostarch.Addr
	for a := hostarch.PageRoundUp(begin); a < end; a += hostarch.PageSize {
		va := hostarch.Addr(a)
		phys, opts, ok := user.pt.Lookup(va)
		if !ok {
			panic(fmt.Sprintf("u2kvmcopy: page %v not present", va))
		}
		opts.User = false
		in, err := s.pt.MapAlias(va, hostarch.PageSize, phys, opts)
		installed = append(installed, in...)
		if err != nil {
			log.Debugf("u2kvmcopy: mirroring [%#x, %#x): %v", begin, end, err)
			for i := len(installed) - 1; i >= 0; i-- {
				s.pt.UnmapAlias(installed[i], 1)
			}
			return err
		}
	}
	return nil
}

// Unmirror removes the mirror of the pages in [roundup(begin), roundup(end)),
// after the user address space shrank from end to begin. Pages that were
// never mirrored are skipped.
func (s *Shadow) Unmirror(begin, end uint64) {
	if start, stop := hostarch.PageRoundUp(begin), hostarch.PageRoundUp(end); start < stop {
		s.pt.UnmapAlias(hostarch.Addr(start), (stop-start)/hostarch.PageSize)
	}
}

// Destroy tears the table down: the mirrored range, which was inserted
// last, is cleared first, then every fixed mapping in reverse insertion
// order, and finally the page-table pages are released. No leaf frame is
// released.
//
// Destroy panics if any leaf is left behind, for example because mirrored
// does not cover everything that was mirrored.
func (s *Shadow) Destroy(mirrored hostarch.AddrRange) {
	if !mirrored.WellFormed() {
		panic(fmt.Sprintf("destroy shadow: malformed mirrored range %v", mirrored))
	}
	start, end := mirrored.Start.RoundDown(), mirrored.End.MustRoundUp()
	if start < end {
		s.pt.UnmapAlias(start, hostarch.AddrRange{Start: start, End: end}.Pages())
	}
	s.unmapFixed()
	s.pt.Release()
}
