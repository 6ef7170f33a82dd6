// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains the error values returned by the memory
// subsystem, exported as *errors.Error pointers. This allows for fast
// comparison and return operations comperable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"vmsim.dev/vmsim/pkg/errors"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct, they are not directly
// comparable; Equals bridges the two.
var (
	noError      *errors.Error = nil
	ENOMEM                     = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                     = errors.New(unix.EFAULT, "bad address")
	EINVAL                     = errors.New(unix.EINVAL, "invalid argument")
	ENAMETOOLONG               = errors.New(unix.ENAMETOOLONG, "file name too long")
	ESRCH                      = errors.New(unix.ESRCH, "no such process")
	EAGAIN                     = errors.New(unix.EAGAIN, "try again")
)

var errorSlice = map[unix.Errno]*errors.Error{
	unix.ENOMEM:       ENOMEM,
	unix.EFAULT:       EFAULT,
	unix.EINVAL:       EINVAL,
	unix.ENAMETOOLONG: ENAMETOOLONG,
	unix.ESRCH:        ESRCH,
	unix.EAGAIN:       EAGAIN,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno. Errnos this package
// does not export are returned unchanged.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorSlice[err]; ok {
		return e
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compares a linuxerr to a given error. Wrapped errors are unwrapped.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target == e
	}
	var unixErr unix.Errno
	if goerrors.As(err, &unixErr) {
		return e != noError && unixErr == e.Errno()
	}
	return false
}
