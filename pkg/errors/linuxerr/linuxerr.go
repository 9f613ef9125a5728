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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since they are *errors.Error values they are not directly
// comparable with unix.Errno; use Equals or ToUnix for that.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	EIO                   = errors.New(unix.EIO, "I/O error")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	EFBIG                 = errors.New(unix.EFBIG, "file too large")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ENAMETOOLONG          = errors.New(unix.ENAMETOOLONG, "file name too long")
	ENOSYS                = errors.New(unix.ENOSYS, "invalid system call number")
)

var errNotValidError = errors.New(unix.EINVAL, "not a valid error")

// errorSlice maps host errnos to the values above. Errnos that have no entry
// translate to errNotValidError.
var errorSlice = map[unix.Errno]*errors.Error{
	0:                 noError,
	unix.EPERM:        EPERM,
	unix.ENOENT:       ENOENT,
	unix.EINTR:        EINTR,
	unix.EIO:          EIO,
	unix.EBADF:        EBADF,
	unix.EAGAIN:       EAGAIN,
	unix.ENOMEM:       ENOMEM,
	unix.EFAULT:       EFAULT,
	unix.EEXIST:       EEXIST,
	unix.EINVAL:       EINVAL,
	unix.EFBIG:        EFBIG,
	unix.ENOSPC:       ENOSPC,
	unix.ENAMETOOLONG: ENAMETOOLONG,
	unix.ENOSYS:       ENOSYS,
}

// ErrorFromUnix returns a linuxerr error that corresponds to the host errno.
func ErrorFromUnix(err unix.Errno) error {
	if err == 0 {
		return nil
	}
	if e, ok := errorSlice[err]; ok {
		return e
	}
	return errNotValidError
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
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

// Equals compares a linuxerr to a given error. It also accepts a
// unix.Errno carrying the same number.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}
