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
	"fmt"
	"runtime"

	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/mm"
)

// WordSize is the size of a user stack word.
const WordSize = 4

// Task represents a user process. A Task's user program runs on its own task
// goroutine; all methods that emulate user execution or kernel work on behalf
// of the task must be called from that goroutine.
type Task struct {
	k    *Kernel
	tid  int32
	name string
	mm   *mm.MemoryManager

	// sp is the user stack pointer. It is accessed only by the task
	// goroutine, or before Start.
	sp hostarch.Addr

	// syscallSP is the user stack pointer saved at system call entry. Faults
	// taken in kernel context use it for stack growth decisions.
	syscallSP hostarch.Addr

	// exiting is set once termination has begun.
	exiting bool

	// exitStatus is valid after done is closed.
	exitStatus int32

	done chan struct{}
}

// Kernel returns the task's kernel.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// Name returns the process name printed on termination.
func (t *Task) Name() string {
	return t.name
}

// ThreadID returns the task's ID.
func (t *Task) ThreadID() int32 {
	return t.tid
}

// MemoryManager returns the task's address space. Loaders use it to map
// segments before Start.
func (t *Task) MemoryManager() *mm.MemoryManager {
	return t.mm
}

// SP returns the user stack pointer.
func (t *Task) SP() hostarch.Addr {
	return t.sp
}

// SetSP sets the user stack pointer.
func (t *Task) SetSP(sp hostarch.Addr) {
	t.sp = sp
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%d]", t.name, t.tid)
}

// Start runs prog on a new task goroutine. Returning from prog is equivalent
// to Exit(0).
func (t *Task) Start(prog func(t *Task)) {
	t.k.running.Add(1)
	go func() {
		defer t.release()
		prog(t)
		t.Exit(0)
	}()
}

// Wait blocks until the task has terminated and its address space has been
// torn down, and returns its exit status.
func (t *Task) Wait() int32 {
	<-t.done
	return t.exitStatus
}

// Exit terminates the task with the given status, printing the termination
// message to the console. It does not return.
func (t *Task) Exit(status int32) {
	t.exit(status, "exit")
}

func (t *Task) exit(status int32, cause string) {
	if t.exiting {
		runtime.Goexit()
	}
	t.exiting = true
	t.exitStatus = status
	exitsMetric.Increment(cause)
	if cause != "halt" {
		t.k.WriteConsole([]byte(fmt.Sprintf("%s: exit(%d)\n", t.name, status)))
	}
	runtime.Goexit()
}

// release tears down the address space. It runs on the task goroutine as it
// unwinds.
func (t *Task) release() {
	if err := t.mm.Destroy(); err != nil {
		if errors.IsInvariant(err) {
			panic(fmt.Sprintf("kernel halted: destroying %v: %v", t, err))
		}
		log.Warningf("Destroying address space of %v: %v", t, err)
	}
	t.k.removeTask(t)
	close(t.done)
	t.k.running.Done()
}

// checkHalted terminates the task silently if the kernel has halted.
func (t *Task) checkHalted() {
	if t.k.Halted() {
		t.exit(0, "halt")
	}
}

// fail terminates the task for err, raised while resolving a memory access.
// Invariant violations halt the kernel instead.
func (t *Task) fail(err error) {
	if errors.IsInvariant(err) {
		t.k.Halt()
		panic(fmt.Sprintf("kernel halted: %v: %v", t, err))
	}
	log.Debugf("%v: terminating: %v", t, err)
	t.exit(-1, "fault")
}

// HandleFault is the page fault trap. It resolves a fault on addr for an
// access of type at, raised in user mode if user is true and in kernel mode
// otherwise. It returns only if the fault was resolved; otherwise the task
// terminates with status -1. A fault on a kernel address in kernel mode is a
// kernel bug and panics.
func (t *Task) HandleFault(addr hostarch.Addr, at hostarch.AccessType, user bool) {
	sp := t.sp
	if !user {
		sp = t.syscallSP
	}
	err := t.mm.HandleFault(addr, at, sp)
	if err == nil {
		return
	}
	if !user && !t.mm.IsUserAddr(addr) && !errors.IsInvariant(err) {
		t.k.Halt()
		panic(fmt.Sprintf("kernel page fault at %v in %v: %v", addr, t, err))
	}
	t.fail(err)
}

// Load emulates a user-mode read of len(dst) bytes at addr.
func (t *Task) Load(addr hostarch.Addr, dst []byte) {
	t.checkHalted()
	if err := t.mm.CopyIn(addr, dst, t.sp); err != nil {
		t.fail(err)
	}
}

// Store emulates a user-mode write of src at addr.
func (t *Task) Store(addr hostarch.Addr, src []byte) {
	t.checkHalted()
	if err := t.mm.CopyOut(addr, src, t.sp); err != nil {
		t.fail(err)
	}
}

// LoadWord emulates a user-mode read of the word at addr.
func (t *Task) LoadWord(addr hostarch.Addr) uint32 {
	var b [WordSize]byte
	t.Load(addr, b[:])
	return hostarch.ByteOrder.Uint32(b[:])
}

// StoreWord emulates a user-mode write of v to the word at addr.
func (t *Task) StoreWord(addr hostarch.Addr, v uint32) {
	var b [WordSize]byte
	hostarch.ByteOrder.PutUint32(b[:], v)
	t.Store(addr, b[:])
}

// Push emulates a user-mode push of v onto the stack.
func (t *Task) Push(v uint32) {
	t.StoreWord(t.sp-WordSize, v)
	t.sp -= WordSize
}

// CopyInBytes copies len(dst) bytes from user memory at addr in kernel
// context. An invalid user range terminates the task.
func (t *Task) CopyInBytes(addr hostarch.Addr, dst []byte) {
	if err := t.mm.CopyIn(addr, dst, t.syscallSP); err != nil {
		t.fail(err)
	}
}

// CopyOutBytes copies src to user memory at addr in kernel context. An
// invalid user range terminates the task.
func (t *Task) CopyOutBytes(addr hostarch.Addr, src []byte) {
	if err := t.mm.CopyOut(addr, src, t.syscallSP); err != nil {
		t.fail(err)
	}
}

// CopyInString copies a NUL-terminated string of at most maxLen bytes from
// user memory at addr in kernel context. An invalid user range terminates the
// task; other errors are returned.
func (t *Task) CopyInString(addr hostarch.Addr, maxLen int) (string, error) {
	s, err := t.mm.CopyInString(addr, maxLen, t.syscallSP)
	if err != nil && !isTaskFatal(err) {
		return "", err
	}
	if err != nil {
		t.fail(err)
	}
	return s, nil
}

// CheckUserAddr terminates the task if addr is not a user address belonging
// to its address space.
func (t *Task) CheckUserAddr(addr hostarch.Addr) {
	if !t.mm.CheckAddr(addr) {
		log.Debugf("%v: invalid user address %v", t, addr)
		t.exit(-1, "fault")
	}
}

// PinBuffer makes [addr, addr+length) resident and pinned for the duration of
// a copy that may block. An invalid range terminates the task. Each
// PinBuffer must be paired with UnpinBuffer.
func (t *Task) PinBuffer(addr hostarch.Addr, length uint64, at hostarch.AccessType) {
	if err := t.mm.PinRange(addr, length, at, t.syscallSP); err != nil {
		t.fail(err)
	}
}

// UnpinBuffer releases pins taken by PinBuffer.
func (t *Task) UnpinBuffer(addr hostarch.Addr, length uint64) {
	if err := t.mm.UnpinRange(addr, length); err != nil {
		t.fail(err)
	}
}
