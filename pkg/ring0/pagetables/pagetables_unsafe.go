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
	"unsafe"

	"vmsim.dev/vmsim/pkg/hostarch"
)

// node returns the page-table page at phys.
//
// Page-table pages are page aligned in host memory, so the entries are
// naturally aligned.
func (p *PageTables) node(phys uintptr) *PTEs {
	page := p.Allocator.Page(phys)
	if len(page) < hostarch.PageSize {
		panic("short page-table page")
	}
	return (*PTEs)(unsafe.Pointer(&page[0]))
}
