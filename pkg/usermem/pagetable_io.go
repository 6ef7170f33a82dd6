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

package usermem

import (
	"vmsim.dev/vmsim/pkg/errors/linuxerr"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/mm"
	"vmsim.dev/vmsim/pkg/ring0"
	"vmsim.dev/vmsim/pkg/ring0/pagetables"
)

// translateFunc translates a virtual address for a copy.
type translateFunc func(va hostarch.Addr) (uintptr, bool)

// copyPages calls fn with the frame bytes backing each piece of
// [addr, addr+length) that lies within a single page, in order. done is the
// number of bytes handled before the piece.
//
// It stops at the first page that does not translate, returning the number
// of bytes handled and EFAULT.
func copyPages(pt *pagetables.PageTables, translate translateFunc, logger log.Logger, addr hostarch.Addr, length int, fn func(mem []byte, done int)) (int, error) {
	done := 0
	for done < length {
		va, ok := addr.AddLength(uint64(done))
		if !ok {
			return done, linuxerr.EFAULT
		}
		pa, ok := translate(va)
		if !ok {
			logger.Debugf("usermem: fault at %v after %d of %d bytes", va, done, length)
			return done, linuxerr.EFAULT
		}
		off := int(va.PageOffset())
		n := hostarch.PageSize - off
		if left := length - done; n > left {
			n = left
		}
		page := pt.Allocator.Page(pa - uintptr(off))
		fn(page[off:off+n], done)
		done += n
	}
	return done, nil
}

// PageTableIO implements IO by walking a user page table in software. Only
// pages mapped with user access can be copied to or from.
type PageTableIO struct {
	PageTables *pagetables.PageTables

	// Log reports faults. If nil, faults go to a shared rate-limited
	// logger.
	Log log.Logger
}

// NewPageTableIO returns an IO for the address space.
func NewPageTableIO(as *mm.AddressSpace) *PageTableIO {
	return &PageTableIO{PageTables: as.PageTables()}
}

func (p *PageTableIO) logger() log.Logger {
	if p.Log != nil {
		return p.Log
	}
	return faultLog()
}

// CopyOut implements IO.CopyOut.
func (p *PageTableIO) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return copyPages(p.PageTables, p.PageTables.Translate, p.logger(), addr, len(src), func(mem []byte, done int) {
		copy(mem, src[done:])
	})
}

// CopyIn implements IO.CopyIn.
func (p *PageTableIO) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return copyPages(p.PageTables, p.PageTables.Translate, p.logger(), addr, len(dst), func(mem []byte, done int) {
		copy(dst[done:], mem)
	})
}

// ShadowIO implements IO the way kernel code does while running on a
// process's shadow table: user addresses are dereferenced by the hart
// through the mirror, with no software walk of the user table. Accesses are
// bounded by the process size, since nothing else of the user address space
// is mirrored.
//
// Every access faults unless CPU is running on the shadow table.
type ShadowIO struct {
	// CPU is the hart performing the accesses. It may be nil, in which
	// case every access faults.
	CPU *ring0.CPU

	Shadow *mm.Shadow

	// Size is the process size.
	Size uint64

	// Log reports faults. If nil, faults go to a shared rate-limited
	// logger.
	Log log.Logger
}

func (s *ShadowIO) logger() log.Logger {
	if s.Log != nil {
		return s.Log
	}
	return faultLog()
}

// translate is a supervisor access by the hart.
func (s *ShadowIO) translate(va hostarch.Addr) (uintptr, bool) {
	if s.CPU == nil || s.CPU.Active() != s.Shadow.PageTables() {
		return 0, false
	}
	return s.CPU.Translate(va)
}

// bound returns how many of length bytes at addr lie below Size.
func (s *ShadowIO) bound(addr hostarch.Addr, length int) int {
	if uint64(addr) >= s.Size {
		return 0
	}
	if left := s.Size - uint64(addr); uint64(length) > left {
		return int(left)
	}
	return length
}

func (s *ShadowIO) copy(addr hostarch.Addr, length int, fn func(mem []byte, done int)) (int, error) {
	n := s.bound(addr, length)
	done, err := copyPages(s.Shadow.PageTables(), s.translate, s.logger(), addr, n, fn)
	if err == nil && done < length {
		s.logger().Debugf("usermem: access [%v, +%#x) beyond size %#x", addr, length, s.Size)
		err = linuxerr.EFAULT
	}
	return done, err
}

// CopyOut implements IO.CopyOut.
func (s *ShadowIO) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	return s.copy(addr, len(src), func(mem []byte, done int) {
		copy(mem, src[done:])
	})
}

// CopyIn implements IO.CopyIn.
func (s *ShadowIO) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	return s.copy(addr, len(dst), func(mem []byte, done int) {
		copy(dst[done:], mem)
	})
}
