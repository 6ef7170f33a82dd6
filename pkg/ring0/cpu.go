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

package ring0

import (
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
)

// tlbEntry is a cached supervisor translation.
type tlbEntry struct {
	phys uintptr
	opts pagetables.MapOpts
}

// CPU is a simulated hart.
//
// A CPU is driven by one goroutine at a time. Its TLB caches translations
// from the active page table and is only invalidated by Switch and Flush, so
// unmapping a page in the active table without a Flush leaves a stale
// translation behind, as on hardware.
type CPU struct {
	// ID is the hart ID.
	ID int

	// kernel is the owning kernel.
	kernel *Kernel

	// active is the page table selected by satp.
	active *pagetables.PageTables

	// satp is the current satp value.
	satp uint64

	// tlb maps page-aligned virtual addresses to cached translations.
	tlb map[hostarch.Addr]tlbEntry

	// flushes counts TLB flushes.
	flushes uint64
}

// Init initializes a CPU without allocation of the CPU itself.
func (c *CPU) Init(k *Kernel, id int) {
	c.ID = id
	c.kernel = k
	c.tlb = make(map[hostarch.Addr]tlbEntry)
}

// Kernel returns the owning kernel.
func (c *CPU) Kernel() *Kernel {
	return c.kernel
}

// Switch loads satp for pt and flushes the TLB.
func (c *CPU) Switch(pt *pagetables.PageTables) {
	c.active = pt
	c.satp = pt.SATP()
	c.Flush()
}

// SwitchToKernel switches back to the global kernel page table.
func (c *CPU) SwitchToKernel() {
	c.Switch(c.kernel.pageTables)
}

// Active returns the active page table.
func (c *CPU) Active() *pagetables.PageTables {
	return c.active
}

// SATP returns the current satp value.
func (c *CPU) SATP() uint64 {
	return c.satp
}

// Flush invalidates every cached translation (sfence.vma with no operands).
func (c *CPU) Flush() {
	clear(c.tlb)
	c.flushes++
}

// Flushes returns the number of TLB flushes so far.
func (c *CPU) Flushes() uint64 {
	return c.flushes
}

// Translate performs a supervisor-mode translation of va through the TLB
// and the active page table. Pages with user access are not accessible in
// supervisor mode.
func (c *CPU) Translate(va hostarch.Addr) (uintptr, bool) {
	if c.active == nil {
		return 0, false
	}
	page := va.RoundDown()
	e, ok := c.tlb[page]
	if !ok {
		phys, opts, mapped := c.active.Lookup(page)
		if !mapped {
			return 0, false
		}
		e = tlbEntry{phys: phys, opts: opts}
		c.tlb[page] = e
	}
	if e.opts.User {
		return 0, false
	}
	return e.phys + uintptr(va.PageOffset()), true
}
