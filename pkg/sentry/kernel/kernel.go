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

// Package kernel provides an emulation of a small operating system kernel on
// top of the demand-paged memory manager.
//
// A Kernel is constructed once and owns the system-wide services: physical
// frames, swap, the filesystem, the console, and the system call table. Each
// user process is a Task, running a user program on its own goroutine. User
// programs touch memory and enter the kernel only through Task methods, which
// resolve page faults and terminate the task on invalid accesses.
//
// Lock order:
//
//	Kernel.mu
//	  mm.MemoryManager locks
//
// consoleMu and inputMu are leaf locks.
package kernel

import (
	"fmt"
	"io"

	"gvisor.dev/pager/pkg/atomicbitops"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sentry/frame"
	"gvisor.dev/pager/pkg/sentry/fs"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sentry/usage"
	"gvisor.dev/pager/pkg/sync"
)

var exitsMetric = metric.MustCreateNewUint64Metric("/kernel/exits", "Task terminations by cause.",
	metric.NewField("cause", "exit", "fault", "halt"))

// Kernel represents an emulated kernel.
type Kernel struct {
	platform   platform.Platform
	frames     *frame.Table
	swap       *swap.Store
	stats      *usage.MemoryLocked
	filesystem fs.Filesystem
	syscalls   *SyscallTable
	layout     mm.Layout

	consoleMu sync.Mutex
	// +checklocks:consoleMu
	console io.Writer

	inputMu sync.Mutex
	// +checklocks:inputMu
	input io.ByteReader

	halted   atomicbitops.Bool
	haltOnce sync.Once
	haltCh   chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	tasks map[*Task]struct{}
	// +checklocks:mu
	nextTID int32

	// running counts started tasks that have not yet been released.
	running sync.WaitGroup
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// Platform provides physical memory and page tables.
	Platform platform.Platform

	// SwapDevice is the backing store for evicted pages.
	SwapDevice swap.Device

	// Filesystem is the target of the create system call. Filesystem may
	// be nil, in which case create always fails.
	Filesystem fs.Filesystem

	// Console receives task output and termination messages. Console may
	// be nil.
	Console io.Writer

	// Input is the console input. Input may be nil, in which case reads
	// see end of file.
	Input io.ByteReader

	// SyscallTable dispatches system calls.
	SyscallTable *SyscallTable

	// Layout is the address space layout given to every task. Zero fields
	// take the defaults of mm.NewMemoryManager.
	Layout mm.Layout
}

// Init initializes a Kernel with no tasks.
//
// Callers must manually set Kernel fields only through Init.
func (k *Kernel) Init(args InitKernelArgs) error {
	if args.Platform == nil {
		return fmt.Errorf("Platform is nil")
	}
	if args.SwapDevice == nil {
		return fmt.Errorf("SwapDevice is nil")
	}
	if args.SyscallTable == nil {
		return fmt.Errorf("SyscallTable is nil")
	}
	k.stats = &usage.MemoryLocked{}
	store, err := swap.NewStore(args.SwapDevice, k.stats)
	if err != nil {
		return fmt.Errorf("creating swap store: %w", err)
	}
	k.platform = args.Platform
	k.frames = frame.New(args.Platform.Memory(), k.stats)
	k.swap = store
	k.filesystem = args.Filesystem
	k.syscalls = args.SyscallTable
	k.layout = args.Layout
	k.console = args.Console
	if k.console == nil {
		k.console = io.Discard
	}
	k.input = args.Input
	k.haltCh = make(chan struct{})
	k.tasks = make(map[*Task]struct{})
	log.Infof("Kernel initialized: %d frames, %d swap slots, syscall table %q",
		args.Platform.Memory().NumFrames(), store.Slots(), k.syscalls.Name)
	return nil
}

// Frames returns the frame table.
func (k *Kernel) Frames() *frame.Table {
	return k.frames
}

// Swap returns the swap store.
func (k *Kernel) Swap() *swap.Store {
	return k.swap
}

// MemoryStats returns current memory accounting.
func (k *Kernel) MemoryStats() usage.MemoryStats {
	return k.stats.Copy()
}

// Filesystem returns the filesystem, which may be nil.
func (k *Kernel) Filesystem() fs.Filesystem {
	return k.filesystem
}

// NewTask creates a task named name with an empty address space holding only
// the initial stack page. The task does not run until Start is called.
func (k *Kernel) NewTask(name string) (*Task, error) {
	if k.Halted() {
		return nil, fmt.Errorf("kernel halted")
	}
	m, err := mm.NewMemoryManager(k.platform, k.frames, k.swap, k.layout)
	if err != nil {
		return nil, err
	}
	sp, err := m.MapStack()
	if err != nil {
		m.Destroy()
		return nil, fmt.Errorf("mapping initial stack: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextTID++
	t := &Task{
		k:    k,
		tid:  k.nextTID,
		name: name,
		mm:   m,
		sp:   sp,
		done: make(chan struct{}),
	}
	k.tasks[t] = struct{}{}
	return t, nil
}

// NumTasks returns the number of tasks that have been created and not yet
// released.
func (k *Kernel) NumTasks() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tasks)
}

func (k *Kernel) removeTask(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.tasks, t)
}

// WaitExited blocks until every started task has been released.
func (k *Kernel) WaitExited() {
	k.running.Wait()
}

// Halt powers off the kernel. Running tasks terminate, without a termination
// message, the next time they access memory or make a system call. Halt is
// idempotent.
func (k *Kernel) Halt() {
	k.haltOnce.Do(func() {
		log.Infof("Kernel halting")
		k.halted.Store(true)
		close(k.haltCh)
	})
}

// Halted returns true if Halt has been called.
func (k *Kernel) Halted() bool {
	return k.halted.Load()
}

// HaltChannel returns a channel that is closed by Halt.
func (k *Kernel) HaltChannel() <-chan struct{} {
	return k.haltCh
}

// WriteConsole writes b to the console in a single call.
func (k *Kernel) WriteConsole(b []byte) (int, error) {
	k.consoleMu.Lock()
	defer k.consoleMu.Unlock()
	return k.console.Write(b)
}

// ReadConsole consumes one byte of console input.
func (k *Kernel) ReadConsole() (byte, error) {
	k.inputMu.Lock()
	defer k.inputMu.Unlock()
	if k.input == nil {
		return 0, io.EOF
	}
	return k.input.ReadByte()
}
