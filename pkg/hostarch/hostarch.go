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

// Package hostarch describes the simulated RISC-V Sv39 machine: page
// geometry, virtual addresses and access permissions.
package hostarch

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PTEsPerPage is the number of translation entries in one page-table
	// page.
	PTEsPerPage = 512

	// LevelBits is the number of virtual address bits consumed by each
	// level of the page table.
	LevelBits = 9

	// Levels is the depth of the Sv39 radix tree.
	Levels = 3

	// MaxVA is one beyond the highest possible virtual address.
	//
	// MaxVA is actually one bit less than the max allowed by Sv39, to avoid
	// having to sign-extend virtual addresses that have the high bit set.
	MaxVA = Addr(1) << (LevelBits*Levels + PageShift - 1)

	// Trampoline is the page holding trap entry/exit code, mapped at the
	// highest virtual address in both user and kernel space.
	Trampoline = MaxVA - PageSize

	// Trapframe is the per-process trap frame page, just below the
	// trampoline in user space.
	Trapframe = Trampoline - PageSize
)

// KStack returns the virtual address of the kernel stack for process slot
// i. Each stack is followed by an invalid guard page.
func KStack(i int) Addr {
	return Trampoline - Addr(i+1)*2*PageSize
}

// LevelShift returns the bit position of the index field for the given
// page-table level. Level 0 is the leaf level.
func LevelShift(level int) uint {
	return PageShift + LevelBits*uint(level)
}

// PageIndex extracts the 9-bit index of va for the given level.
func PageIndex(level int, va Addr) int {
	return int((uint64(va) >> LevelShift(level)) & (PTEsPerPage - 1))
}
