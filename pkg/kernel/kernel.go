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

// Package kernel holds the process table. A Process owns a user address
// space and a shadow kernel table, and drives both through their lifecycle.
package kernel

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"vmsim.dev/vmsim/pkg/errors/linuxerr"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/memlayout"
	"vmsim.dev/vmsim/pkg/ring0"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
	"vmsim.dev/vmsim/pkg/sync"
)

// MaxProcesses is the number of process slots. Each slot owns one kernel
// stack address.
const MaxProcesses = 64

// faultLogInterval is the minimum interval between logged copy faults of one
// process.
const faultLogInterval = time.Second

// ThreadID is a process identifier.
type ThreadID int32

// String returns a decimal representation of the ThreadID.
func (tid ThreadID) String() string {
	return fmt.Sprintf("%d", tid)
}

// Kernel is the process table.
type Kernel struct {
	// ring0 is the machine the processes run on. It is immutable.
	ring0 *ring0.Kernel

	// alloc provides every frame used by processes. It is immutable.
	alloc pagetables.Allocator

	// layout gives the fixed ranges of each shadow table. It is immutable.
	layout *memlayout.Layout

	// faults holds the copy fault logger of each live process.
	faults *log.RateLimitedSet[ThreadID]

	// mu protects the fields below.
	mu sync.Mutex

	// slots is the set of free process slots, lowest first.
	slots *btree.BTreeG[int]

	// nextTID is the identifier of the next process.
	nextTID ThreadID

	// processes maps identifiers to live processes.
	processes map[ThreadID]*Process
}

// New returns an empty process table for processes running on k.
func New(k *ring0.Kernel, alloc pagetables.Allocator, l *memlayout.Layout) *Kernel {
	slots := btree.NewG[int](8, func(a, b int) bool { return a < b })
	for i := 0; i < MaxProcesses; i++ {
		slots.ReplaceOrInsert(i)
	}
	return &Kernel{
		ring0:  k,
		alloc:  alloc,
		layout: l.Clone(),
		faults: log.NewRateLimitedSet(faultLogInterval, func(tid ThreadID) log.Logger {
			return log.With(log.Origin{Hart: log.NoHart, Process: int32(tid)})
		}),
		slots:     slots,
		nextTID:   1,
		processes: make(map[ThreadID]*Process),
	}
}

// Ring0 returns the machine the processes run on.
func (k *Kernel) Ring0() *ring0.Kernel {
	return k.ring0
}

// Process returns the live process with the given identifier, or ESRCH.
func (k *Kernel) Process(tid ThreadID) (*Process, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[tid]
	if !ok {
		return nil, linuxerr.ESRCH
	}
	return p, nil
}

// NumProcesses returns the number of live processes.
func (k *Kernel) NumProcesses() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.processes)
}

// takeSlot reserves a slot and an identifier. It returns EAGAIN if the table
// is full.
func (k *Kernel) takeSlot() (int, ThreadID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot, ok := k.slots.DeleteMin()
	if !ok {
		return 0, 0, linuxerr.EAGAIN
	}
	tid := k.nextTID
	k.nextTID++
	return slot, tid, nil
}

// putSlot returns a slot taken by takeSlot.
func (k *Kernel) putSlot(slot int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, dup := k.slots.ReplaceOrInsert(slot); dup {
		panic(fmt.Sprintf("process slot %d released twice", slot))
	}
}

func (k *Kernel) register(p *Process) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.processes[p.tid] = p
}

func (k *Kernel) unregister(p *Process) {
	k.mu.Lock()
	delete(k.processes, p.tid)
	k.mu.Unlock()
	k.faults.Forget(p.tid)
}
