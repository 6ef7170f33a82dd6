// Copyright 2019 The gVisor Authors.
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

// Package memutil provides utilities for working with host memory mappings
// that back simulated physical memory.
package memutil

import (
	"fmt"

	"golang.org/x/sys/unix"
	"vmsim.dev/vmsim/pkg/errors/linuxerr"
)

// MapAnonymous returns a private, zero-filled, read-write host mapping of
// size bytes. Pages are committed lazily by the host, so large simulated
// RAM windows are cheap until touched.
//
// Host errors are returned as linuxerr values where one exists, so a host
// out of memory reads as ENOMEM.
func MapAnonymous(size int) ([]byte, error) {
	if size <= 0 || size%unix.Getpagesize() != 0 {
		return nil, fmt.Errorf("mapping size %d: %w", size, linuxerr.EINVAL)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if errno, ok := err.(unix.Errno); ok {
		err = linuxerr.ErrorFromUnix(errno)
	}
	if err != nil {
		return nil, fmt.Errorf("mmap(%d bytes): %w", size, err)
	}
	return b, nil
}

// UnmapSlice unmaps a mapping returned by MapAnonymous.
func UnmapSlice(slice []byte) error {
	return unix.Munmap(slice)
}
