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

package kernel

import (
	stderrors "errors"

	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
)

// SyscallFn is a system call implementation. It returns the value placed in
// the caller's return register. An error from a SyscallFn terminates the task
// if it indicates an invalid memory access and makes the call return -1
// otherwise.
type SyscallFn func(t *Task, args SyscallArguments) (int32, error)

// SyscallTable is a lookup table of system calls.
type SyscallTable struct {
	// Name is the table name, used for logging.
	Name string

	// Table maps system call numbers to implementations.
	Table map[uint32]SyscallFn
}

// Lookup returns the implementation of sysno, or nil if there is none.
func (s *SyscallTable) Lookup(sysno uint32) SyscallFn {
	return s.Table[sysno]
}

// SyscallArguments gives access to the arguments of a system call. Arguments
// are words on the user stack following the system call number, and each is
// validated when read.
type SyscallArguments struct {
	t  *Task
	sp hostarch.Addr
}

// Uint returns argument i as a uint32.
func (a SyscallArguments) Uint(i int) uint32 {
	return a.t.readStackWord(a.sp + hostarch.Addr((i+1)*WordSize))
}

// Int returns argument i as an int32.
func (a SyscallArguments) Int(i int) int32 {
	return int32(a.Uint(i))
}

// Pointer returns argument i as a user address.
func (a SyscallArguments) Pointer(i int) hostarch.Addr {
	return hostarch.Addr(a.Uint(i))
}

// readStackWord reads the word at addr in kernel context, terminating the
// task if any byte of it lies outside its address space.
func (t *Task) readStackWord(addr hostarch.Addr) uint32 {
	t.CheckUserAddr(addr)
	t.CheckUserAddr(addr + WordSize - 1)
	var b [WordSize]byte
	t.CopyInBytes(addr, b[:])
	return hostarch.ByteOrder.Uint32(b[:])
}

// Syscall emulates a user program trapping into the kernel: args are pushed
// in reverse order, followed by sysno, and the stack is popped on return. It
// returns the system call's return value.
func (t *Task) Syscall(sysno uint32, args ...uint32) int32 {
	for i := len(args) - 1; i >= 0; i-- {
		t.Push(args[i])
	}
	t.Push(sysno)
	rv := t.executeSyscall()
	t.sp += hostarch.Addr((len(args) + 1) * WordSize)
	return rv
}

// executeSyscall runs the system call whose number is at the top of the user
// stack.
func (t *Task) executeSyscall() int32 {
	t.checkHalted()
	t.syscallSP = t.sp
	sysno := t.readStackWord(t.sp)
	fn := t.k.syscalls.Lookup(sysno)
	if fn == nil {
		log.Debugf("%v: unsupported system call %d", t, sysno)
		return -1
	}
	rv, err := fn(t, SyscallArguments{t: t, sp: t.sp})
	// halt returns to here; nothing else runs after power off.
	t.checkHalted()
	if err != nil {
		if isTaskFatal(err) {
			t.fail(err)
		}
		log.Debugf("%v: system call %d failed: %v", t, sysno, err)
		return -1
	}
	return rv
}

// isTaskFatal returns true if err, raised while accessing user memory, must
// terminate the task rather than fail the operation.
func isTaskFatal(err error) bool {
	if errors.IsInvariant(err) {
		return true
	}
	for _, e := range []error{linuxerr.EFAULT, linuxerr.ENOMEM, linuxerr.ENOSPC, linuxerr.EIO} {
		if stderrors.Is(err, e) {
			return true
		}
	}
	return false
}
