// Copyright 2024 The gVisor Authors.
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

package linux

import (
	"math"

	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/kernel"
)

// Read implements read(2). Only the console input is readable. A read
// consumes one byte of input and reports size bytes read. A size that does
// not fit the return value fails with EINVAL before the buffer is touched.
func Read(t *kernel.Task, args kernel.SyscallArguments) (int32, error) {
	fd := args.Int(0)
	addr := args.Pointer(1)
	size := args.Uint(2)

	if fd != STDIN_FILENO {
		return 0, linuxerr.EBADF
	}
	if size > math.MaxInt32 {
		return 0, linuxerr.EINVAL
	}
	t.PinBuffer(addr, uint64(size), hostarch.Write)
	_, err := t.Kernel().ReadConsole()
	t.UnpinBuffer(addr, uint64(size))
	if err != nil {
		return 0, err
	}
	return int32(size), nil
}

// Write implements write(2). Only the console output is writable, and at
// most MaxWriteSize bytes per call. The buffer reaches the console in a
// single write.
func Write(t *kernel.Task, args kernel.SyscallArguments) (int32, error) {
	fd := args.Int(0)
	addr := args.Pointer(1)
	size := args.Uint(2)

	if fd != STDOUT_FILENO {
		return 0, linuxerr.EBADF
	}
	if size > MaxWriteSize {
		return 0, linuxerr.EINVAL
	}
	if size == 0 {
		return 0, nil
	}
	t.PinBuffer(addr, uint64(size), hostarch.Read)
	buf := make([]byte, size)
	t.CopyInBytes(addr, buf)
	n, err := t.Kernel().WriteConsole(buf)
	t.UnpinBuffer(addr, uint64(size))
	if err != nil {
		return 0, err
	}
	return int32(n), nil
}
