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

// Package usermem moves bytes between kernel buffers and user virtual
// addresses.
package usermem

import (
	"bytes"
	"time"

	"vmsim.dev/vmsim/pkg/errors/linuxerr"
	"vmsim.dev/vmsim/pkg/hostarch"
	"vmsim.dev/vmsim/pkg/log"
	"vmsim.dev/vmsim/pkg/sync"
)

// IO provides access to the contents of a virtual memory space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr.
	// It returns the number of bytes copied. If the number of bytes copied
	// is < len(src), it returns a non-nil error explaining why.
	//
	// A failed copy may leave the bytes before the faulting page written.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied
	// is < len(dst), it returns a non-nil error explaining why.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)
}

// faultLog reports copy faults. It is built on first use so that it picks up
// the log target configured at startup.
var faultLog = sync.OnceValue(func() log.Logger {
	return log.BasicRateLimitedLogger(time.Second)
})

// copyStringIncrement is the maximum number of bytes that are copied from
// virtual memory at a time by CopyStringIn.
const copyStringIncrement = hostarch.PageSize

// CopyStringIn copies a NUL-terminated string of at most maxlen bytes, not
// counting the terminator, in from the memory mapped at addr. It reads one
// page at a time, so it never touches a page past the terminator.
//
// If no terminator is found within maxlen bytes, the bytes read and
// ENAMETOOLONG are returned. If a page can not be read before the
// terminator is found, the bytes read and the error from the copy are
// returned.
func CopyStringIn(uio IO, addr hostarch.Addr, maxlen int) (string, error) {
	var buf []byte
	chunk := make([]byte, copyStringIncrement)
	for done := 0; done < maxlen; {
		start, ok := addr.AddLength(uint64(done))
		if !ok {
			return string(buf), linuxerr.EFAULT
		}
		n := copyStringIncrement - int(start.PageOffset())
		if left := maxlen - done; n > left {
			n = left
		}
		m, err := uio.CopyIn(start, chunk[:n])
		if i := bytes.IndexByte(chunk[:m], 0); i >= 0 {
			return string(append(buf, chunk[:i]...)), nil
		}
		buf = append(buf, chunk[:m]...)
		done += m
		if err != nil {
			return string(buf), err
		}
	}
	return string(buf), linuxerr.ENAMETOOLONG
}

// IOReadWriter is an io.ReadWriter that reads from / writes to addresses
// starting at Addr in IO. The preconditions that apply to IO.CopyIn and
// IO.CopyOut also apply to IOReadWriter.Read and IOReadWriter.Write
// respectively.
type IOReadWriter struct {
	IO   IO
	Addr hostarch.Addr
}

// Read implements io.Reader.Read.
//
// Note that an address space does not have an "end of file", so Read can only
// return io.EOF if IO.CopyIn returns io.EOF. Attempts to read unmapped or
// unreadable memory, or beyond the end of the address space, should return
// EFAULT.
func (rw *IOReadWriter) Read(dst []byte) (int, error) {
	n, err := rw.IO.CopyIn(rw.Addr, dst)
	end, ok := rw.Addr.AddLength(uint64(n))
	if ok {
		rw.Addr = end
	} else {
		// Disallow wraparound.
		rw.Addr = ^hostarch.Addr(0)
		if err == nil {
			err = linuxerr.EFAULT
		}
	}
	return n, err
}

// Write implements io.Writer.Write.
func (rw *IOReadWriter) Write(src []byte) (int, error) {
	n, err := rw.IO.CopyOut(rw.Addr, src)
	end, ok := rw.Addr.AddLength(uint64(n))
	if ok {
		rw.Addr = end
	} else {
		// Disallow wraparound.
		rw.Addr = ^hostarch.Addr(0)
		if err == nil {
			err = linuxerr.EFAULT
		}
	}
	return n, err
}
