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
	"io"
	"strings"

	"vmsim.dev/vmsim/pkg/hostarch"
)

// Release frees every page-table page, including the root.
//
// All leaf mappings must have been removed first: Release panics with
// "freewalk: leaf" if any valid leaf remains. The tables must not be used
// afterwards.
func (p *PageTables) Release() {
	p.checkLive()
	p.freeWalk(p.rootPhysical, hostarch.Levels-1)
	p.root = nil
	p.rootPhysical = 0
}

// freeWalk frees the subtree at phys, whose entries index the given level,
// children first.
func (p *PageTables) freeWalk(phys uintptr, level int) {
	entries := p.node(phys)
	for i := range entries {
		pte := &entries[i]
		if !pte.Valid() {
			continue
		}
		if pte.Leaf() || level == 0 {
			panic(fmt.Sprintf("freewalk: leaf %#x at level %d index %d", uint64(*pte), level, i))
		}
		p.freeWalk(pte.Address(), level-1)
		pte.Clear()
	}
	p.Allocator.Release(phys)
}

// Dump writes every valid entry, one per line, indented by depth:
//
//	page table 0x0000000087f6e000
//	..0: pte 0x0000000021fda801 pa 0x0000000087f6a000
//	.. ..0: pte 0x0000000021fda401 pa 0x0000000087f69000
//	.. .. ..0: pte 0x0000000021fdac1f pa 0x0000000087f6b000
func (p *PageTables) Dump(w io.Writer) error {
	p.checkLive()
	d := dumper{w: w}
	d.printf("page table 0x%016x\n", p.rootPhysical)
	p.dump(&d, p.rootPhysical, 1)
	return d.err
}

type dumper struct {
	w   io.Writer
	err error
}

func (d *dumper) printf(format string, v ...any) {
	if d.err == nil {
		_, d.err = fmt.Fprintf(d.w, format, v...)
	}
}

func (p *PageTables) dump(d *dumper, phys uintptr, depth int) {
	if depth < 1 || depth > hostarch.Levels {
		panic(fmt.Sprintf("vmprint: depth %d not in {1, 2, 3}", depth))
	}
	indent := strings.TrimSpace(strings.Repeat(".. ", depth))
	entries := p.node(phys)
	for i := range entries {
		pte := &entries[i]
		if !pte.Valid() {
			continue
		}
		d.printf("%s%d: pte 0x%016x pa 0x%016x\n", indent, i, uint64(*pte), pte.Address())
		if !pte.Leaf() {
			p.dump(d, pte.Address(), depth+1)
		}
	}
}
