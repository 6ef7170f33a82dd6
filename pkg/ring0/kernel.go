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

// Package ring0 simulates the privileged side of the machine: the global
// kernel page table and the harts that run on it.
package ring0

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/memlayout"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
)

// KernelOpts are the options for New.
type KernelOpts struct {
	// Allocator provides the frames for the kernel page table.
	Allocator pagetables.Allocator

	// Layout describes the fixed physical ranges to map.
	Layout *memlayout.Layout
}

// Kernel is the global kernel state.
//
// The kernel page table is built by New and never modified afterwards until
// Release, so it may be read from any number of harts without locking.
type Kernel struct {
	KernelOpts

	// pageTables is the direct-mapped kernel page table.
	pageTables *pagetables.PageTables

	// ranges are the fixed ranges installed in pageTables, in order.
	ranges []memlayout.Range
}

// New creates the kernel page table.
//
// New must be called before any hart is started. Failure to build the
// direct map is fatal.
func New(opts KernelOpts) *Kernel {
	k := &Kernel{KernelOpts: opts}
	k.init()
	return k
}

// init makes a direct-map page table for the kernel.
func (k *Kernel) init() {
	pt, err := pagetables.New(k.Allocator)
	if err != nil {
		panic(fmt.Sprintf("kvminit: %v", err))
	}
	k.pageTables = pt
	k.ranges = k.Layout.KernelRanges()
	for _, r := range k.ranges {
		k.kvmmap(r)
	}
	log.Infof("Kernel page table at %#x, %d fixed ranges", pt.RootPhysical(), len(k.ranges))
}

// kvmmap adds a mapping to the kernel page table. It does not flush the TLB
// or enable paging.
func (k *Kernel) kvmmap(r memlayout.Range) {
	if err := k.pageTables.Map(r.VA, r.Size, r.PA, pagetables.MapOpts{AccessType: r.Access}); err != nil {
		panic(fmt.Sprintf("kvmmap: %s %v: %v", r.Name, r.AddrRange(), err))
	}
	log.Debugf("kvmmap: %-10s %v -> %#x %v", r.Name, r.AddrRange(), r.PA, r.Access)
}

// PageTables returns the kernel page table.
func (k *Kernel) PageTables() *pagetables.PageTables {
	return k.pageTables
}

// Ranges returns the fixed ranges, in insertion order.
func (k *Kernel) Ranges() []memlayout.Range {
	return k.ranges
}

// KernelTranslate translates a kernel virtual address to a physical address.
// It panics if va is not mapped.
func (k *Kernel) KernelTranslate(va hostarch.Addr) uintptr {
	return k.pageTables.KernelTranslate(va)
}

// NewCPU creates a new hart associated with this Kernel. The hart runs on
// no page table until Switch is called.
func (k *Kernel) NewCPU(id int) *CPU {
	c := new(CPU)
	c.Init(k, id)
	return c
}

// Boot starts n harts concurrently. Each hart switches to the kernel page
// table and checks the direct map before reporting in.
func (k *Kernel) Boot(ctx context.Context, n int) ([]*CPU, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid hart count %d", n)
	}
	cpus := make([]*CPU, n)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := k.NewCPU(i)
			c.Switch(k.pageTables)
			base := hostarch.Addr(k.Layout.KernBase)
			if pa, ok := c.Translate(base); !ok || pa != uintptr(base) {
				return fmt.Errorf("hart %d: kernel base %v translates to %#x (%t)", i, base, pa, ok)
			}
			log.With(log.Origin{Hart: i}).Infof("starting")
			cpus[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cpus, nil
}

// Release removes the fixed mappings in reverse order and frees the kernel
// page table. No hart may be running on it.
func (k *Kernel) Release() {
	for i := len(k.ranges) - 1; i >= 0; i-- {
		r := k.ranges[i]
		k.pageTables.Unmap(r.VA, r.AddrRange().Pages(), false)
	}
	k.pageTables.Release()
	k.pageTables = nil
}
