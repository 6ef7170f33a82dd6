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
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"vmsim.dev/vmsim/pkg/errors/linuxerr"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/memlayout"
	"vmsim.dev/vmsim/pkg/pgalloc"
	"vmsim.dev/vmsim/pkg/ring0"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
)

const page = hostarch.PageSize

// limitedAllocator fails once left allocations have been made. A negative
// left never fails.
type limitedAllocator struct {
	*pgalloc.MemoryFile
	left int
}

func (a *limitedAllocator) Allocate() (uintptr, error) {
	if a.left == 0 {
		return 0, linuxerr.ENOMEM
	}
	if a.left > 0 {
		a.left--
	}
	return a.MemoryFile.Allocate()
}

type testKernel struct {
	*Kernel
	mf    *pgalloc.MemoryFile
	alloc *limitedAllocator
}

func newTestKernel(t *testing.T, ram uint64) *testKernel {
	t.Helper()
	l := memlayout.Default()
	l.PhysTop = l.KernBase + ram
	mf, err := pgalloc.NewMemoryFile(l)
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(mf.Destroy)
	r0 := ring0.New(ring0.KernelOpts{Allocator: mf, Layout: l})
	alloc := &limitedAllocator{MemoryFile: mf, left: -1}
	return &testKernel{Kernel: New(r0, alloc, l), mf: mf, alloc: alloc}
}

func (k *testKernel) free() uint64 {
	return k.mf.Stats().Free
}

func (k *testKernel) mustAlloc(t *testing.T) *Process {
	t.Helper()
	p, err := k.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	return p
}

// hart boots one hart.
func (k *testKernel) hart(t *testing.T) *ring0.CPU {
	t.Helper()
	cpus, err := k.Ring0().Boot(context.Background(), 1)
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	return cpus[0]
}

// kernelCopyIn reads user memory of p on c through the shadow table.
func kernelCopyIn(p *Process, c *ring0.CPU, addr hostarch.Addr, dst []byte) (int, error) {
	var n int
	err := p.Run(c, func() error {
		var err error
		n, err = p.KernelIO().CopyIn(addr, dst)
		return err
	})
	return n, err
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestAllocFree(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	before := k.free()
	p := k.mustAlloc(t)
	if p.Size() != 0 {
		t.Errorf("new process has size %#x", p.Size())
	}

	upt := p.AddressSpace().PageTables()
	phys, opts, ok := upt.Lookup(hostarch.Trampoline)
	if want := (pagetables.MapOpts{AccessType: hostarch.ReadExecute}); !ok || phys != k.layout.TrampolinePA() || opts != want {
		t.Errorf("trampoline: got (%#x, %v, %t), wanted (%#x, %v)", phys, opts, ok, k.layout.TrampolinePA(), want)
	}
	phys, opts, ok = upt.Lookup(hostarch.Trapframe)
	if want := (pagetables.MapOpts{AccessType: hostarch.ReadWrite}); !ok || phys != p.trapframe || opts != want {
		t.Errorf("trapframe: got (%#x, %v, %t), wanted (%#x, %v)", phys, opts, ok, p.trapframe, want)
	}
	if _, ok := upt.Translate(hostarch.Trapframe); ok {
		t.Errorf("trapframe is user accessible")
	}
	if got := p.Shadow().PageTables().KernelTranslate(p.KernelStack()); got != p.kstack {
		t.Errorf("kernel stack translates to %#x, wanted %#x", got, p.kstack)
	}
	if p.KernelStack() != hostarch.KStack(0) {
		t.Errorf("first process has kernel stack %v, wanted %v", p.KernelStack(), hostarch.KStack(0))
	}

	p.Free()
	if got := k.free(); got != before {
		t.Errorf("after Free: %d frames free, wanted %d", got, before)
	}
	if n := k.NumProcesses(); n != 0 {
		t.Errorf("NumProcesses() = %d after Free", n)
	}
}

func TestAllocFailureLeaksNothing(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	before := k.free()
	failures := 0
	for limit := 0; ; limit++ {
		k.alloc.left = limit
		p, err := k.Alloc()
		if err == nil {
			k.alloc.left = -1
			p.Free()
			break
		}
		failures++
		if err != linuxerr.ENOMEM {
			t.Fatalf("Alloc with %d frames: got %v, wanted %v", limit, err, linuxerr.ENOMEM)
		}
		if got := k.free(); got != before {
			t.Fatalf("Alloc with %d frames leaked %d frames", limit, before-got)
		}
		if n := k.NumProcesses(); n != 0 {
			t.Fatalf("Alloc with %d frames left %d processes", limit, n)
		}
	}
	if failures < 5 {
		t.Errorf("only %d failure points exercised", failures)
	}
	// Failed attempts return their slot.
	p := k.mustAlloc(t)
	defer p.Free()
	if p.slot != 0 {
		t.Errorf("slot after failures: got %d, wanted 0", p.slot)
	}
}

func TestAllocTableFull(t *testing.T) {
	k := newTestKernel(t, 16<<20)
	var procs []*Process
	for i := 0; i < MaxProcesses; i++ {
		procs = append(procs, k.mustAlloc(t))
	}
	if _, err := k.Alloc(); err != linuxerr.EAGAIN {
		t.Errorf("Alloc on a full table: got %v, wanted %v", err, linuxerr.EAGAIN)
	}

	// Slots are reused lowest first; identifiers are not.
	procs[3].Free()
	p := k.mustAlloc(t)
	if p.KernelStack() != hostarch.KStack(3) {
		t.Errorf("reused kernel stack %v, wanted %v", p.KernelStack(), hostarch.KStack(3))
	}
	if p.TID() != MaxProcesses+1 {
		t.Errorf("TID = %v, wanted %d", p.TID(), MaxProcesses+1)
	}
	procs[3] = p
	for _, p := range procs {
		p.Free()
	}
}

func TestProcessLookup(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	p := k.mustAlloc(t)
	got, err := k.Process(p.TID())
	if err != nil || got != p {
		t.Errorf("Process(%v): got (%p, %v), wanted (%p, nil)", p.TID(), got, err, p)
	}
	p.Free()
	if _, err := k.Process(p.TID()); err != linuxerr.ESRCH {
		t.Errorf("Process(%v) after Free: got %v, wanted %v", p.TID(), err, linuxerr.ESRCH)
	}
}

func TestUserInit(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	p := k.mustAlloc(t)
	defer p.Free()
	image := []byte("\x13\x05\x00\x00initcode")
	if err := p.UserInit(image); err != nil {
		t.Fatalf("UserInit failed: %v", err)
	}
	if p.Size() != page {
		t.Errorf("Size() = %#x, wanted %#x", p.Size(), page)
	}
	got := make([]byte, len(image))
	if _, err := p.UserIO().CopyIn(0, got); err != nil || !bytes.Equal(got, image) {
		t.Errorf("user CopyIn: got (%q, %v), wanted %q", got, err, image)
	}
	got = make([]byte, len(image))
	if _, err := kernelCopyIn(p, k.hart(t), 0, got); err != nil || !bytes.Equal(got, image) {
		t.Errorf("kernel CopyIn: got (%q, %v), wanted %q", got, err, image)
	}

	// Outside Run the kernel has no view of user memory.
	if _, err := p.KernelIO().CopyIn(0, got); err != linuxerr.EFAULT {
		t.Errorf("kernel CopyIn outside Run: got %v, wanted %v", err, linuxerr.EFAULT)
	}
	mustPanic(t, "second UserInit", func() { p.UserInit(nil) })
}

func TestGrow(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	p := k.mustAlloc(t)
	defer p.Free()
	if err := p.UserInit(nil); err != nil {
		t.Fatalf("UserInit failed: %v", err)
	}

	if err := p.Grow(2*page + 10); err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if got, want := p.Size(), uint64(3*page+10); got != want {
		t.Errorf("Size() = %#x, wanted %#x", got, want)
	}
	last := hostarch.Addr(p.Size() - 1)
	if _, err := p.UserIO().CopyOut(last, []byte{0x42}); err != nil {
		t.Fatalf("CopyOut at the last byte failed: %v", err)
	}
	b := make([]byte, 1)
	if _, err := kernelCopyIn(p, k.hart(t), last, b); err != nil || b[0] != 0x42 {
		t.Errorf("kernel CopyIn at the last byte: got (%#x, %v)", b[0], err)
	}

	// Shrinking keeps the partial page and drops its mirror with the rest.
	if err := p.Grow(-(page + 20)); err != nil {
		t.Fatalf("Grow(-) failed: %v", err)
	}
	if got, want := p.Size(), uint64(2*page-10); got != want {
		t.Errorf("Size() = %#x, wanted %#x", got, want)
	}
	spt := p.Shadow().PageTables()
	if _, _, ok := spt.Lookup(page); !ok {
		t.Errorf("page 1 is no longer mirrored")
	}
	for _, va := range []hostarch.Addr{2 * page, 3 * page} {
		if _, _, ok := spt.Lookup(va); ok {
			t.Errorf("%v is still mirrored", va)
		}
		if _, ok := p.AddressSpace().PageTables().Translate(va); ok {
			t.Errorf("%v is still mapped", va)
		}
	}

	if err := p.Grow(0); err != nil || p.Size() != 2*page-10 {
		t.Errorf("Grow(0): got %v, size %#x", err, p.Size())
	}
	if err := p.Grow(-int64(p.Size()) - 1); err != linuxerr.EINVAL {
		t.Errorf("Grow below zero: got %v, wanted %v", err, linuxerr.EINVAL)
	}
	limit := int64(k.layout.LowestFixedVA()) - int64(p.Size())
	if err := p.Grow(limit); err != linuxerr.ENOMEM {
		t.Errorf("Grow into the fixed ranges: got %v, wanted %v", err, linuxerr.ENOMEM)
	}
	if p.Size() != 2*page-10 {
		t.Errorf("failed Grow changed the size to %#x", p.Size())
	}
}

func TestShrinkWhileRunning(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	p := k.mustAlloc(t)
	defer p.Free()
	if err := p.UserInit(nil); err != nil {
		t.Fatalf("UserInit failed: %v", err)
	}
	if err := p.Grow(page); err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	c := k.hart(t)
	err := p.Run(c, func() error {
		pa, ok := c.Translate(page)
		if !ok {
			t.Fatalf("page 1 is not reachable on the hart")
		}
		flushes := c.Flushes()
		if err := p.Grow(-page); err != nil {
			return err
		}
		if c.Flushes() == flushes {
			t.Errorf("shrinking the running process did not flush the TLB")
		}
		if got, ok := c.Translate(page); ok {
			t.Errorf("hart translates page 1 to %#x after shrink", got)
		}
		if !k.mf.IsFree(pa) {
			t.Errorf("frame %#x of page 1 was not released", pa)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRunExclusive(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	p := k.mustAlloc(t)
	defer p.Free()
	cpus, err := k.Ring0().Boot(context.Background(), 2)
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	p.Run(cpus[0], func() error {
		mustPanic(t, "Run on a second hart", func() {
			p.Run(cpus[1], func() error { return nil })
		})
		mustPanic(t, "Free while running", p.Free)
		return nil
	})
	if cpus[0].Active() != k.Ring0().PageTables() {
		t.Errorf("hart did not switch back to the kernel page table")
	}
}

func TestUserInitNoRoom(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	// A device window at address 0 leaves no page for user memory.
	k.layout.Devices[0].Base = 0
	p := k.mustAlloc(t)
	defer p.Free()
	before := k.free()
	if err := p.UserInit([]byte("x")); err != linuxerr.ENOMEM {
		t.Errorf("UserInit: got %v, wanted %v", err, linuxerr.ENOMEM)
	}
	if got := k.free(); got != before {
		t.Errorf("failed UserInit leaked %d frames", before-got)
	}
	if p.Size() != 0 {
		t.Errorf("failed UserInit changed the size to %#x", p.Size())
	}
}

func TestGrowOutOfMemory(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	p := k.mustAlloc(t)
	if err := p.UserInit(nil); err != nil {
		t.Fatalf("UserInit failed: %v", err)
	}
	before := k.free()

	// Out of memory in the user address space.
	k.alloc.left = 1
	if err := p.Grow(3 * page); err != linuxerr.ENOMEM {
		t.Fatalf("Grow: got %v, wanted %v", err, linuxerr.ENOMEM)
	}
	if got := k.free(); got != before {
		t.Errorf("failed Grow leaked %d frames", before-got)
	}

	// Out of memory in the shadow: the user side takes 512 data frames and
	// one page-table page for the second 2 MiB, the shadow then needs its
	// own page-table page.
	k.alloc.left = 513
	if err := p.Grow(2 << 20); err != linuxerr.ENOMEM {
		t.Fatalf("Grow: got %v, wanted %v", err, linuxerr.ENOMEM)
	}
	k.alloc.left = -1
	if p.Size() != page {
		t.Errorf("failed Grow changed the size to %#x", p.Size())
	}
	if _, _, ok := p.Shadow().PageTables().Lookup(page); ok {
		t.Errorf("failed Grow left page 1 mirrored")
	}
	if _, ok := p.AddressSpace().PageTables().Translate(page); ok {
		t.Errorf("failed Grow left page 1 mapped")
	}

	p.Free()
}

func TestFork(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	before := k.free()
	parent := k.mustAlloc(t)
	if err := parent.UserInit([]byte("init")); err != nil {
		t.Fatalf("UserInit failed: %v", err)
	}
	if err := parent.Grow(page + 100); err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	data := bytes.Repeat([]byte("fork"), 100)
	if _, err := parent.UserIO().CopyOut(page-50, data); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}

	child, err := parent.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	c := k.hart(t)
	if child.TID() == parent.TID() || child.Size() != parent.Size() {
		t.Errorf("child %v size %#x, parent %v size %#x", child.TID(), child.Size(), parent.TID(), parent.Size())
	}
	got := make([]byte, len(data))
	if _, err := kernelCopyIn(child, c, page-50, got); err != nil || !bytes.Equal(got, data) {
		t.Errorf("child kernel CopyIn: got (%q, %v)", got, err)
	}

	// The copies are independent.
	if _, err := child.UserIO().CopyOut(0, []byte("exec")); err != nil {
		t.Fatalf("child CopyOut failed: %v", err)
	}
	got = make([]byte, 4)
	if _, err := kernelCopyIn(parent, c, 0, got); err != nil || string(got) != "init" {
		t.Errorf("parent memory after child write: got (%q, %v), wanted %q", got, err, "init")
	}
	pp, _ := parent.AddressSpace().PageTables().Translate(0)
	cp, _ := child.AddressSpace().PageTables().Translate(0)
	if pp == cp {
		t.Errorf("parent and child share frame %#x", pp)
	}

	child.Free()
	parent.Free()
	if got := k.free(); got != before {
		t.Errorf("after freeing both: %d frames free, wanted %d", got, before)
	}
}

func TestForkFailureLeaksNothing(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	parent := k.mustAlloc(t)
	defer parent.Free()
	if err := parent.UserInit(nil); err != nil {
		t.Fatalf("UserInit failed: %v", err)
	}
	if err := parent.Grow(3 * page); err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	before := k.free()
	for limit := 0; ; limit++ {
		k.alloc.left = limit
		child, err := parent.Fork()
		k.alloc.left = -1
		if err == nil {
			child.Free()
			break
		}
		if err != linuxerr.ENOMEM {
			t.Fatalf("Fork with %d frames: got %v, wanted %v", limit, err, linuxerr.ENOMEM)
		}
		if got := k.free(); got != before {
			t.Fatalf("Fork with %d frames leaked %d frames", limit, before-got)
		}
		if n := k.NumProcesses(); n != 1 {
			t.Fatalf("Fork with %d frames left %d processes", limit, n)
		}
	}
	if got := k.free(); got != before {
		t.Errorf("after freeing the child: %d frames free, wanted %d", got, before)
	}
}

func TestRun(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	cpus, err := k.Ring0().Boot(context.Background(), 1)
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	c := cpus[0]
	p := k.mustAlloc(t)
	defer p.Free()
	if err := p.UserInit([]byte("x")); err != nil {
		t.Fatalf("UserInit failed: %v", err)
	}
	user, _ := p.AddressSpace().PageTables().Translate(0)

	err = p.Run(c, func() error {
		if c.SATP() != p.Shadow().SATP() {
			t.Errorf("running with satp %#x, wanted %#x", c.SATP(), p.Shadow().SATP())
		}
		// The hart reaches user memory, its kernel stack and the kernel
		// direct map without switching tables.
		if got, ok := c.Translate(5); !ok || got != user+5 {
			t.Errorf("Translate(0x5): got (%#x, %t), wanted %#x", got, ok, user+5)
		}
		if got, ok := c.Translate(p.KernelStack()); !ok || got != p.kstack {
			t.Errorf("Translate(kstack): got (%#x, %t), wanted %#x", got, ok, p.kstack)
		}
		base := hostarch.Addr(k.layout.KernBase)
		if got, ok := c.Translate(base); !ok || got != uintptr(base) {
			t.Errorf("Translate(%v): got (%#x, %t)", base, got, ok)
		}
		return linuxerr.EFAULT
	})
	if err != linuxerr.EFAULT {
		t.Errorf("Run returned %v, wanted the error of fn", err)
	}
	if c.Active() != k.Ring0().PageTables() {
		t.Errorf("hart did not switch back to the kernel page table")
	}

	other := newTestKernel(t, 8<<20)
	mustPanic(t, "Run on a foreign hart", func() {
		p.Run(other.Ring0().NewCPU(0), func() error { return nil })
	})
}

func TestLifecycle(t *testing.T) {
	k := newTestKernel(t, 8<<20)
	before := k.mf.Stats()

	first := k.mustAlloc(t)
	if err := first.UserInit([]byte("initcode")); err != nil {
		t.Fatalf("UserInit failed: %v", err)
	}
	if err := first.Grow(2 * page); err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	sh, err := first.Fork()
	if err != nil {
		t.Fatalf("Fork failed: %v", err)
	}
	if err := sh.Grow(5*page + 1); err != nil {
		t.Fatalf("child Grow failed: %v", err)
	}
	if err := sh.Grow(-(4 * page)); err != nil {
		t.Fatalf("child shrink failed: %v", err)
	}
	grandchild, err := sh.Fork()
	if err != nil {
		t.Fatalf("second Fork failed: %v", err)
	}

	var tids []ThreadID
	for _, p := range []*Process{first, sh, grandchild} {
		tids = append(tids, p.TID())
	}
	if diff := cmp.Diff([]ThreadID{1, 2, 3}, tids); diff != "" {
		t.Errorf("identifiers mismatch (-want +got):\n%s", diff)
	}

	grandchild.Free()
	sh.Free()
	first.Free()
	after := k.mf.Stats()
	if after.Free != before.Free || after.InUse() != before.InUse() {
		t.Errorf("frames not returned: before %+v, after %+v", before, after)
	}
	if n := k.NumProcesses(); n != 0 {
		t.Errorf("NumProcesses() = %d after freeing everything", n)
	}
}
