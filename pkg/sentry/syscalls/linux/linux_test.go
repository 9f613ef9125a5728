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
	"bytes"
	"strings"
	"testing"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/fs"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/platform/emu"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sync"
)

const (
	testStackTop = hostarch.Addr(0xbf000000)
	testMaxStack = 8 * hostarch.PageSize
	dataStart    = hostarch.Addr(0x08048000)
)

// countingFS counts calls to Create.
type countingFS struct {
	*fs.MemFS
	mu    sync.Mutex
	calls int
}

func (c *countingFS) Create(name string, size int64) bool {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.MemFS.Create(name, size)
}

func (c *countingFS) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// console records output and the number of writes.
type console struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
}

func (c *console) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	return c.buf.Write(b)
}

func (c *console) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *console) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type system struct {
	k       *kernel.Kernel
	fs      *countingFS
	console *console
}

func newSystem(t *testing.T, frames int, input string) *system {
	t.Helper()
	p, err := emu.New(frames)
	if err != nil {
		t.Fatalf("emu.New failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	s := &system{
		k:       &kernel.Kernel{},
		fs:      &countingFS{MemFS: fs.NewMemFS()},
		console: &console{},
	}
	if err := s.k.Init(kernel.InitKernelArgs{
		Platform:     p,
		SwapDevice:   swap.NewMemoryDevice(64),
		Filesystem:   s.fs,
		Console:      s.console,
		Input:        strings.NewReader(input),
		SyscallTable: Table,
		Layout: mm.Layout{
			StackTop:     testStackTop,
			MaxStackSize: testMaxStack,
		},
	}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return s
}

// run runs prog as a task called name and returns its exit status.
func (s *system) run(t *testing.T, name string, prog func(*kernel.Task)) int32 {
	t.Helper()
	task, err := s.k.NewTask(name)
	if err != nil {
		t.Fatalf("NewTask failed: %v", err)
	}
	task.Start(prog)
	status := task.Wait()
	if n := s.k.Frames().Memory().InUse(); n != 0 {
		t.Errorf("%d frames still allocated after %s exited", n, name)
	}
	if n := s.k.Swap().InUse(); n != 0 {
		t.Errorf("%d swap slots still in use after %s exited", n, name)
	}
	return status
}

// pushString copies s and a terminating NUL onto the user stack and returns
// its address.
func pushString(t *kernel.Task, s string) hostarch.Addr {
	sp := (t.SP() - hostarch.Addr(len(s)+1)) &^ (kernel.WordSize - 1)
	t.SetSP(sp)
	t.Store(sp, append([]byte(s), 0))
	return sp
}

func TestCreate(t *testing.T) {
	s := newSystem(t, 4, "")
	var got []int32
	status := s.run(t, "create", func(t *kernel.Task) {
		name := pushString(t, "test.txt")
		got = append(got, t.Syscall(SYS_CREATE, uint32(name), 100))
		got = append(got, t.Syscall(SYS_CREATE, uint32(name), 100))
		empty := pushString(t, "")
		got = append(got, t.Syscall(SYS_CREATE, uint32(empty), 0))
	})
	if status != 0 {
		t.Fatalf("exit status got %d want 0", status)
	}
	want := []int32{1, 0, 0}
	if len(got) != len(want) {
		t.Fatalf("got %d results want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("create %d got %d want %d", i, got[i], want[i])
		}
	}
	if calls := s.fs.Calls(); calls != 3 {
		t.Errorf("Create calls got %d want 3", calls)
	}
	f, err := s.fs.Open("test.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if f.Size() != 100 {
		t.Errorf("size got %d want 100", f.Size())
	}
}

func TestCreateSize(t *testing.T) {
	for _, test := range []struct {
		name string
		size uint32
		want int32
	}{
		{"zero", 0, 1},
		{"max", fs.MaxFileSize, 1},
		{"too big", fs.MaxFileSize + 1, 0},
		{"int max", 0x7fffffff, 0},
		{"negative", 0xffffffff, 0},
		{"int min", 0x80000000, 0},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newSystem(t, 4, "")
			var got int32
			status := s.run(t, "create", func(t *kernel.Task) {
				got = t.Syscall(SYS_CREATE, uint32(pushString(t, "f")), test.size)
			})
			if status != 0 {
				t.Fatalf("exit status got %d want 0", status)
			}
			if got != test.want {
				t.Errorf("create got %d want %d", got, test.want)
			}
			if want := int(test.want); s.fs.Len() != want {
				t.Errorf("file count got %d want %d", s.fs.Len(), want)
			}
		})
	}
}

func TestCreateInvalidPointer(t *testing.T) {
	for _, test := range []struct {
		name string
		addr hostarch.Addr
	}{
		{"null", 0},
		{"unmapped", dataStart},
		{"kernel", 0xc0000000},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newSystem(t, 4, "")
			status := s.run(t, "create", func(t *kernel.Task) {
				t.Syscall(SYS_CREATE, uint32(test.addr), 100)
				t.Exit(0)
			})
			if status != -1 {
				t.Errorf("exit status got %d want -1", status)
			}
			if got, want := s.console.String(), "create: exit(-1)\n"; got != want {
				t.Errorf("console got %q want %q", got, want)
			}
			if calls := s.fs.Calls(); calls != 0 {
				t.Errorf("Create called %d times with an invalid pointer", calls)
			}
		})
	}
}

func TestWrite(t *testing.T) {
	for _, test := range []struct {
		name   string
		fd     uint32
		size   int
		want   int32
		output bool
	}{
		{"hello", STDOUT_FILENO, 5, 5, true},
		{"max", STDOUT_FILENO, MaxWriteSize, MaxWriteSize, true},
		{"too long", STDOUT_FILENO, 600, -1, false},
		{"just too long", STDOUT_FILENO, MaxWriteSize + 1, -1, false},
		{"stdin", STDIN_FILENO, 5, -1, false},
		{"bad fd", 7, 5, -1, false},
		{"empty", STDOUT_FILENO, 0, 0, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newSystem(t, 4, "")
			msg := strings.Repeat("x", test.size)
			var rv int32
			status := s.run(t, "w", func(t *kernel.Task) {
				if err := t.MemoryManager().MapAnonymous(hostarch.AddrRange{Start: dataStart, End: dataStart + hostarch.PageSize}, true); err != nil {
					t.Exit(2)
				}
				t.Store(dataStart, []byte(msg))
				rv = t.Syscall(SYS_WRITE, test.fd, uint32(dataStart), uint32(test.size))
			})
			if status != 0 {
				t.Fatalf("exit status got %d want 0", status)
			}
			if rv != test.want {
				t.Errorf("write returned %d want %d", rv, test.want)
			}
			want := "w: exit(0)\n"
			if test.output {
				want = msg + want
			}
			if got := s.console.String(); got != want {
				t.Errorf("console got %q want %q", got, want)
			}
		})
	}
}

func TestWriteInvalidBuffer(t *testing.T) {
	s := newSystem(t, 4, "")
	status := s.run(t, "w", func(t *kernel.Task) {
		t.Syscall(SYS_WRITE, STDOUT_FILENO, uint32(dataStart), 10)
	})
	if status != -1 {
		t.Errorf("exit status got %d want -1", status)
	}
	if got, want := s.console.String(), "w: exit(-1)\n"; got != want {
		t.Errorf("console got %q want %q", got, want)
	}
}

// TestWriteSwappedBuffer writes a buffer whose pages have been evicted to
// swap. The whole buffer must reach the console in one write.
func TestWriteSwappedBuffer(t *testing.T) {
	const npages = 6
	s := newSystem(t, 3, "")
	msg := make([]byte, MaxWriteSize)
	for i := range msg {
		msg[i] = 'a' + byte(i%26)
	}
	// The buffer straddles the boundary between the first two pages.
	buf := dataStart + hostarch.PageSize - MaxWriteSize/2
	var rv int32
	status := s.run(t, "w", func(t *kernel.Task) {
		ar := hostarch.AddrRange{Start: dataStart, End: dataStart + npages*hostarch.PageSize}
		if err := t.MemoryManager().MapAnonymous(ar, true); err != nil {
			t.Exit(2)
		}
		t.Store(buf, msg)
		// Touch the remaining pages to push the buffer out to swap.
		for p := 2; p < npages; p++ {
			t.StoreWord(dataStart+hostarch.Addr(p*hostarch.PageSize), 1)
		}
		rv = t.Syscall(SYS_WRITE, STDOUT_FILENO, uint32(buf), MaxWriteSize)
	})
	if status != 0 {
		t.Fatalf("exit status got %d want 0", status)
	}
	if rv != MaxWriteSize {
		t.Errorf("write returned %d want %d", rv, MaxWriteSize)
	}
	if got, want := s.console.String(), string(msg)+"w: exit(0)\n"; got != want {
		t.Errorf("console got %q want %q", got, want)
	}
	if got := s.console.Writes(); got != 2 {
		t.Errorf("console writes got %d want 2", got)
	}
}

func TestRead(t *testing.T) {
	s := newSystem(t, 4, "xy")
	var got []int32
	s.run(t, "r", func(t *kernel.Task) {
		buf := t.SP() - 64
		for _, fd := range []uint32{STDIN_FILENO, STDIN_FILENO, STDOUT_FILENO, STDIN_FILENO} {
			got = append(got, t.Syscall(SYS_READ, fd, uint32(buf), 10))
		}
	})
	// Two bytes of input, then end of file.
	want := []int32{10, 10, -1, -1}
	if len(got) != len(want) {
		t.Fatalf("got %d results want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("read %d got %d want %d", i, got[i], want[i])
		}
	}
}

func TestReadOversized(t *testing.T) {
	s := newSystem(t, 4, "x")
	var got []int32
	status := s.run(t, "r", func(t *kernel.Task) {
		buf := t.SP() - 64
		for _, size := range []uint32{0x80000000, 0xffffffff, 1} {
			got = append(got, t.Syscall(SYS_READ, STDIN_FILENO, uint32(buf), size))
		}
	})
	if status != 0 {
		t.Fatalf("exit status got %d want 0", status)
	}
	// Rejected reads leave the input byte for the last one.
	want := []int32{-1, -1, 1}
	if len(got) != len(want) {
		t.Fatalf("got %d results want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("read %d got %d want %d", i, got[i], want[i])
		}
	}
}

func TestExit(t *testing.T) {
	s := newSystem(t, 4, "")
	status := s.run(t, "args-none", func(t *kernel.Task) {
		t.Syscall(SYS_EXIT, 42)
		t.Exit(7)
	})
	if status != 42 {
		t.Errorf("exit status got %d want 42", status)
	}
	if got, want := s.console.String(), "args-none: exit(42)\n"; got != want {
		t.Errorf("console got %q want %q", got, want)
	}
}

func TestHalt(t *testing.T) {
	s := newSystem(t, 4, "")
	s.run(t, "halt", func(t *kernel.Task) {
		t.Syscall(SYS_HALT)
		t.Exit(1)
	})
	if !s.k.Halted() {
		t.Errorf("kernel not halted")
	}
	if got := s.console.String(); got != "" {
		t.Errorf("console got %q want no output", got)
	}
}

func TestUnimplemented(t *testing.T) {
	s := newSystem(t, 4, "")
	var got []int32
	s.run(t, "u", func(t *kernel.Task) {
		for _, sysno := range []uint32{SYS_EXEC, SYS_WAIT, SYS_REMOVE, SYS_OPEN, SYS_FILESIZE, SYS_SEEK, SYS_TELL, SYS_CLOSE, 1000} {
			got = append(got, t.Syscall(sysno, 0, 0, 0))
		}
	})
	for i, rv := range got {
		if rv != -1 {
			t.Errorf("call %d returned %d want -1", i, rv)
		}
	}
	if len(got) != 9 {
		t.Errorf("got %d results want 9", len(got))
	}
}

func TestStackGrowthBeyondBound(t *testing.T) {
	for _, test := range []struct {
		name  string
		below hostarch.Addr
		want  int32
	}{
		{"within bound", testMaxStack - hostarch.PageSize, 0},
		{"beyond bound", testMaxStack + hostarch.PageSize, -1},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newSystem(t, 4, "")
			status := s.run(t, "stack", func(t *kernel.Task) {
				t.SetSP(testStackTop - test.below)
				t.Push(1)
				t.Syscall(SYS_EXIT, 0)
			})
			if status != test.want {
				t.Errorf("exit status got %d want %d", status, test.want)
			}
		})
	}
}
