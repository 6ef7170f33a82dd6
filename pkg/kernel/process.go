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

package kernel

import (
	"fmt"

	"vmsim.dev/vmsim/pkg/cleanup"
	"vmsim.dev/vmsim/pkg/errors/linuxerr"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/mm"
	"vmsim.dev/vmsim/pkg/ring0"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
	"vmsim.dev/vmsim/pkg/usermem"
)

// Process is the memory state of one process.
//
// The user address space owns the memory frames below Size and the
// trapframe is mapped from a frame owned by the process. The shadow table
// borrows all of them. A Process is used by one goroutine at a time.
type Process struct {
	k *Kernel

	tid  ThreadID
	slot int

	// as is the user address space.
	as *mm.AddressSpace

	// shadow is the process's kernel page table.
	shadow *mm.Shadow

	// size is the size of user memory in bytes.
	size uint64

	// trapframe and kstack are frames owned by the process.
	trapframe uintptr
	kstack    uintptr

	// cpu is the hart running on the shadow table, or nil outside Run.
	cpu *ring0.CPU
}

// Alloc creates a process with an empty user address space holding only the
// trampoline and trapframe pages, and a shadow table holding the fixed
// kernel ranges and the process's kernel stack.
//
// It returns EAGAIN if the process table is full and ENOMEM if memory runs
// out. Nothing is leaked on failure.
func (k *Kernel) Alloc() (*Process, error) {
	slot, tid, err := k.takeSlot()
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { k.putSlot(slot) })
	defer cu.Clean()

	p := &Process{k: k, tid: tid, slot: slot}
	if p.trapframe, err = k.alloc.Allocate(); err != nil {
		return nil, err
	}
	clear(k.alloc.Page(p.trapframe))
	cu.Add(func() { k.alloc.Release(p.trapframe) })

	if p.as, err = mm.NewAddressSpace(k.alloc); err != nil {
		return nil, err
	}
	cu.Add(func() { p.as.Destroy(0) })
	if err := p.mapTrampoline(&cu); err != nil {
		return nil, err
	}

	if p.shadow, err = mm.NewShadow(k.alloc, k.layout); err != nil {
		return nil, err
	}
	cu.Add(func() { p.shadow.Destroy(hostarch.AddrRange{}) })
	if p.kstack, err = k.alloc.Allocate(); err != nil {
		return nil, err
	}
	cu.Add(func() { k.alloc.Release(p.kstack) })
	if err := p.shadow.MapKernelStack(p.KernelStack(), p.kstack); err != nil {
		return nil, err
	}

	cu.Release()
	k.register(p)
	log.Debugf("allocproc: process %v in slot %d, kernel stack %v", tid, slot, p.KernelStack())
	return p, nil
}

// mapTrampoline maps the trampoline and trapframe pages into the user
// address space, just below MaxVA. Neither is user accessible. Undo steps
// are added to cu.
func (p *Process) mapTrampoline(cu *cleanup.Cleanup) error {
	pt := p.as.PageTables()
	rx := pagetables.MapOpts{AccessType: hostarch.ReadExecute}
	if err := pt.Map(hostarch.Trampoline, hostarch.PageSize, p.k.layout.TrampolinePA(), rx); err != nil {
		return err
	}
	cu.Add(func() { pt.Unmap(hostarch.Trampoline, 1, false) })
	rw := pagetables.MapOpts{AccessType: hostarch.ReadWrite}
	if err := pt.Map(hostarch.Trapframe, hostarch.PageSize, p.trapframe, rw); err != nil {
		return err
	}
	cu.Add(func() { pt.Unmap(hostarch.Trapframe, 1, false) })
	return nil
}

// TID returns the process identifier.
func (p *Process) TID() ThreadID {
	return p.tid
}

// Size returns the size of user memory in bytes.
func (p *Process) Size() uint64 {
	return p.size
}

// AddressSpace returns the user address space.
func (p *Process) AddressSpace() *mm.AddressSpace {
	return p.as
}

// Shadow returns the process's kernel page table.
func (p *Process) Shadow() *mm.Shadow {
	return p.shadow
}

// KernelStack returns the virtual address of the kernel stack.
func (p *Process) KernelStack() hostarch.Addr {
	return hostarch.KStack(p.slot)
}

// UserIO returns an IO that accesses memory as the user does.
func (p *Process) UserIO() usermem.IO {
	uio := usermem.NewPageTableIO(p.as)
	uio.Log = p.k.faults.Get(p.tid)
	return uio
}

// KernelIO returns an IO that accesses user memory through the shadow table
// on the hart running the process, bounded by the process size. Outside Run
// every access faults.
func (p *Process) KernelIO() usermem.IO {
	return &usermem.ShadowIO{CPU: p.cpu, Shadow: p.shadow, Size: p.size, Log: p.k.faults.Get(p.tid)}
}

// UserInit loads image as the first page of user memory.
//
// It returns ENOMEM if the first page would reach the fixed kernel ranges.
//
// Precondition: the process is fresh and len(image) < PageSize.
func (p *Process) UserInit(image []byte) error {
	if p.size != 0 {
		panic(fmt.Sprintf("userinit: process %v already has %#x bytes", p.tid, p.size))
	}
	if hostarch.PageSize >= uint64(p.k.layout.LowestFixedVA()) {
		return linuxerr.ENOMEM
	}
	if err := p.as.Seed(image); err != nil {
		return err
	}
	if err := p.shadow.Mirror(p.as, 0, hostarch.PageSize); err != nil {
		p.as.Shrink(hostarch.PageSize, 0)
		return err
	}
	p.size = hostarch.PageSize
	return nil
}

// Grow grows or shrinks user memory by n bytes and keeps the shadow table in
// step.
//
// It returns ENOMEM if the new size would reach the fixed kernel ranges or
// memory runs out, and EINVAL if it would be negative. On error nothing
// changes.
func (p *Process) Grow(n int64) error {
	oldSize := p.size
	switch {
	case n > 0:
		newSize := oldSize + uint64(n)
		if newSize < oldSize || hostarch.PageRoundUp(newSize) >= uint64(p.k.layout.LowestFixedVA()) {
			return linuxerr.ENOMEM
		}
		if _, err := p.as.Grow(oldSize, newSize); err != nil {
			return err
		}
		if err := p.shadow.Mirror(p.as, oldSize, newSize); err != nil {
			p.as.Shrink(newSize, oldSize)
			return err
		}
		p.size = newSize
	case n < 0:
		if uint64(-n) > oldSize {
			return linuxerr.EINVAL
		}
		newSize := oldSize - uint64(-n)
		// Neither the shadow nor a hart's TLB may reach a released frame.
		p.shadow.Unmirror(newSize, oldSize)
		if p.cpu != nil {
			p.cpu.Flush()
		}
		p.size = p.as.Shrink(oldSize, newSize)
	}
	return nil
}

// Fork creates a child process with a copy of p's user memory.
func (p *Process) Fork() (*Process, error) {
	c, err := p.k.Alloc()
	if err != nil {
		return nil, err
	}
	if err := p.as.Duplicate(c.as, p.size); err != nil {
		log.Debugf("fork: copying %#x bytes of process %v: %v", p.size, p.tid, err)
		c.Free()
		return nil, err
	}
	c.size = p.size
	if err := c.shadow.Mirror(c.as, 0, c.size); err != nil {
		log.Debugf("fork: mirroring process %v: %v", c.tid, err)
		c.Free()
		return nil, err
	}
	return c, nil
}

// Free releases everything the process holds and removes it from the
// process table. The process must not be running on any hart.
func (p *Process) Free() {
	if p.cpu != nil {
		panic(fmt.Sprintf("freeproc: process %v is running on hart %d", p.tid, p.cpu.ID))
	}
	// The shadow goes first so that it never maps a released frame.
	p.shadow.Destroy(hostarch.AddrRange{Start: 0, End: hostarch.Addr(p.size)})
	pt := p.as.PageTables()
	pt.Unmap(hostarch.Trampoline, 1, false)
	pt.Unmap(hostarch.Trapframe, 1, false)
	p.as.Destroy(p.size)
	p.k.alloc.Release(p.kstack)
	p.k.alloc.Release(p.trapframe)
	p.k.unregister(p)
	p.k.putSlot(p.slot)
	log.With(log.Origin{Hart: log.NoHart, Process: int32(p.tid)}).Debugf("freeproc: %#x bytes", p.size)
	p.as, p.shadow, p.size = nil, nil, 0
}

// Run switches c to the process's shadow table, calls fn, and switches c
// back to the kernel page table.
//
// A process runs on at most one hart at a time.
func (p *Process) Run(c *ring0.CPU, fn func() error) error {
	if c.Kernel() != p.k.ring0 {
		panic(fmt.Sprintf("process %v run on a hart of another kernel", p.tid))
	}
	if p.cpu != nil {
		panic(fmt.Sprintf("process %v is already running on hart %d", p.tid, p.cpu.ID))
	}
	c.Switch(p.shadow.PageTables())
	p.cpu = c
	defer func() {
		p.cpu = nil
		c.SwitchToKernel()
	}()
	return fn()
}
