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

// Package pgalloc contains the physical frame allocator.
//
// A MemoryFile owns the simulated RAM window [KernBase, PhysTop) and hands
// out 4 KiB frames from [End, PhysTop). Frames are identified by their
// physical address; their contents are reached through Page.
package pgalloc

import (
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"
	"vmsim.dev/vmsim/pkg/errors/linuxerr"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/memlayout"
	"vmsim.dev/vmsim/pkg/memutil"
	"vmsim.dev/vmsim/pkg/sync"
)

const (
	// junkAlloc fills freshly allocated frames. Callers that need zeroed
	// memory must zero it themselves.
	junkAlloc = 5

	// junkFree fills released frames, to catch dangling references.
	junkFree = 1

	// freeSetDegree is the btree degree of the free set.
	freeSetDegree = 32
)

// Stats are allocator counters.
type Stats struct {
	// Allocs is the number of successful Allocate calls.
	Allocs uint64

	// Releases is the number of Release calls.
	Releases uint64

	// Free is the number of frames currently free.
	Free uint64

	// Total is the number of allocatable frames.
	Total uint64
}

// InUse returns the number of allocated frames.
func (s Stats) InUse() uint64 {
	return s.Total - s.Free
}

// MemoryFile is the frame allocator.
//
// MemoryFile is safe for concurrent use.
type MemoryFile struct {
	// base is the physical address of ram[0].
	base uintptr

	// start and end bound the allocatable frames.
	start uintptr
	end   uintptr

	// ram backs [base, end). It is immutable after construction.
	ram []byte

	// mu protects the fields below.
	mu sync.Mutex

	// free is the set of free frames, ordered by address so that
	// allocation always returns the lowest free frame.
	free *btree.BTreeG[uintptr]

	// stats are the allocator counters. Free and Total are derived.
	stats Stats

	// destroyed is set by Destroy.
	destroyed bool
}

// NewMemoryFile maps the RAM window described by l and returns an allocator
// whose free set holds every frame in [End, PhysTop).
func NewMemoryFile(l *memlayout.Layout) (*MemoryFile, error) {
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	size := hostarch.Addr(l.RAMSize())
	hostPage := hostarch.Addr(unix.Getpagesize())
	mapSize := (size + hostPage - 1) &^ (hostPage - 1)
	ram, err := memutil.MapAnonymous(int(mapSize))
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of RAM: %w", mapSize, err)
	}
	f := &MemoryFile{
		base:  uintptr(l.KernBase),
		start: uintptr(l.End),
		end:   uintptr(l.PhysTop),
		ram:   ram[:size],
		free:  btree.NewG[uintptr](freeSetDegree, func(a, b uintptr) bool { return a < b }),
	}
	for pa := f.start; pa < f.end; pa += hostarch.PageSize {
		f.free.ReplaceOrInsert(pa)
	}
	f.stats.Total = uint64(f.free.Len())
	log.Debugf("pgalloc: %d frames in [%#x, %#x)", f.stats.Total, f.start, f.end)
	return f, nil
}

// Allocate returns the lowest free frame. The frame's contents are junk.
//
// Returns ENOMEM when no frame is free.
func (f *MemoryFile) Allocate() (uintptr, error) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		panic("pgalloc: Allocate after Destroy")
	}
	pa, ok := f.free.DeleteMin()
	if !ok {
		f.mu.Unlock()
		log.Debugf("pgalloc: out of frames")
		return 0, linuxerr.ENOMEM
	}
	f.stats.Allocs++
	f.mu.Unlock()

	fill(f.Page(pa), junkAlloc)
	return pa, nil
}

// Release returns a frame to the free set.
//
// Precondition: pa was returned by Allocate and has not been released since.
// Violations panic.
func (f *MemoryFile) Release(pa uintptr) {
	if pa%hostarch.PageSize != 0 || pa < f.start || pa >= f.end {
		panic(fmt.Sprintf("kfree: bad frame %#x", pa))
	}
	// Poison before the frame becomes visible to other allocations.
	fill(f.Page(pa), junkFree)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.free.ReplaceOrInsert(pa); dup {
		panic(fmt.Sprintf("kfree: double free of frame %#x", pa))
	}
	f.stats.Releases++
}

// Page returns the bytes of the page at physical address pa, which may be
// any page of RAM including the kernel image.
func (f *MemoryFile) Page(pa uintptr) []byte {
	if pa%hostarch.PageSize != 0 || pa < f.base || pa >= f.end {
		panic(fmt.Sprintf("pgalloc: physical address %#x is not a page of RAM", pa))
	}
	off := pa - f.base
	return f.ram[off : off+hostarch.PageSize : off+hostarch.PageSize]
}

// Contains returns true if pa lies in RAM.
func (f *MemoryFile) Contains(pa uintptr) bool {
	return pa >= f.base && pa < f.end
}

// IsFree returns true if the frame at pa is in the free set.
func (f *MemoryFile) IsFree(pa uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.Has(pa)
}

// Stats returns a snapshot of the allocator counters.
func (f *MemoryFile) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.Free = uint64(f.free.Len())
	return s
}

// Destroy unmaps RAM. The MemoryFile must not be used afterwards.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	if err := memutil.UnmapSlice(f.ram[:cap(f.ram)]); err != nil {
		log.Warningf("pgalloc: unmapping RAM: %v", err)
	}
	f.ram = nil
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
