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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/pager/pagesim/config"
	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sentry/fs"
	"gvisor.dev/pager/pkg/sentry/kernel"
	"gvisor.dev/pager/pkg/sentry/mm"
	"gvisor.dev/pager/pkg/sentry/platform/emu"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sentry/syscalls/linux"
	"gvisor.dev/pager/pkg/sentry/usage"
)

// Addresses of the regions each process maps.
const (
	anonStart = hostarch.Addr(0x10000000)
	fileStart = hostarch.Addr(0x20000000)
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run processes that overcommit physical memory and verify their contents"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - run the workload described by the global flags.

Each process maps anonymous and file-backed regions, writes and verifies them
over several rounds, reports through the write system call, and creates a file.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.metrics, "metrics", true, "print metrics after the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, release, err := newKernel(conf, os.Stdout)
	if err != nil {
		Fatalf("creating kernel: %v", err)
	}
	defer release()
	registerMemoryMetrics(k)
	metric.Initialize()

	runErr := runWorkload(k, conf)
	printStats(os.Stdout, k)
	if r.metrics {
		if err := metric.WriteText(os.Stdout); err != nil {
			Errorf("writing metrics: %v", err)
		}
	}
	if runErr != nil {
		Errorf("%v", runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// newKernel builds a kernel from conf. The returned function releases the
// kernel's host resources.
func newKernel(conf *config.Config, console io.Writer) (*kernel.Kernel, func(), error) {
	p, err := emu.New(conf.Frames)
	if err != nil {
		return nil, nil, fmt.Errorf("creating platform: %w", err)
	}
	cu := cleanup.Make(func() { p.Close() })
	defer cu.Clean()

	var dev swap.Device
	if conf.SwapFile != "" {
		fd, err := swap.OpenFile(conf.SwapFile, conf.SwapSlots)
		if err != nil {
			return nil, nil, fmt.Errorf("opening swap file: %w", err)
		}
		cu.Add(func() { fd.Close() })
		dev = fd
	} else {
		dev = swap.NewMemoryDevice(conf.SwapSlots)
	}

	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{
		Platform:     p,
		SwapDevice:   dev,
		Filesystem:   fs.NewMemFS(),
		Console:      console,
		SyscallTable: linux.Table,
		Layout: mm.Layout{
			MaxStackSize: conf.MaxStack,
			StackSlop:    conf.StackSlop,
		},
	}); err != nil {
		return nil, nil, err
	}
	return k, cu.Release(), nil
}

// registerMemoryMetrics exports the kernel's memory accounting.
func registerMemoryMetrics(k *kernel.Kernel) {
	metric.MustRegisterCustomUint64Metric("/memory/usage", "Pages in use by kind.", func(fields ...string) uint64 {
		stats := k.MemoryStats()
		switch fields[0] {
		case usage.Anonymous.String():
			return stats.Anonymous
		case usage.File.String():
			return stats.File
		default:
			return stats.Swapped
		}
	}, metric.NewField("kind", usage.Anonymous.String(), usage.File.String(), usage.Swapped.String()))
	metric.MustRegisterCustomUint64Metric("/memory/pinned_frames", "Frames currently pinned.", func(...string) uint64 {
		return uint64(k.Frames().Stats().Pinned)
	})
}

// runWorkload runs conf.Processes processes to completion and returns an error
// if any of them did not exit cleanly or left resources behind.
func runWorkload(k *kernel.Kernel, conf *config.Config) error {
	memfs, ok := k.Filesystem().(*fs.MemFS)
	if !ok {
		return fmt.Errorf("workload needs an in-memory filesystem")
	}
	var g errgroup.Group
	for id := 0; id < conf.Processes; id++ {
		name := fmt.Sprintf("proc%d", id)
		t, err := k.NewTask(name)
		if err != nil {
			g.Wait()
			return err
		}
		t.Start(workload(memfs, id, conf.Pages, conf.Rounds))
		g.Go(func() error {
			if status := t.Wait(); status != 0 {
				return fmt.Errorf("%s exited with status %d", name, status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	k.WaitExited()

	if n := k.Frames().Memory().InUse(); n != 0 {
		return fmt.Errorf("%d frames leaked", n)
	}
	if n := k.Swap().InUse(); n != 0 {
		return fmt.Errorf("%d swap slots leaked", n)
	}
	return nil
}

// load maps the regions of process id: pages anonymous pages at anonStart,
// and a read-only view of a pages-long file at fileStart.
func load(t *kernel.Task, memfs *fs.MemFS, id, pages int) error {
	size := pages * hostarch.PageSize
	data := make([]byte, size)
	for p := 0; p < pages; p++ {
		fill(data[p*hostarch.PageSize:(p+1)*hostarch.PageSize], filePattern(id, p))
	}
	name := fmt.Sprintf("data%d", id)
	if err := memfs.WriteFile(name, data); err != nil {
		return err
	}
	f, err := memfs.Open(name)
	if err != nil {
		return err
	}
	m := t.MemoryManager()
	if err := m.MapAnonymous(hostarch.AddrRange{Start: anonStart, End: anonStart + hostarch.Addr(size)}, true); err != nil {
		return err
	}
	log.Debugf("%v: mapped %d anonymous pages at %v and file %q at %v", t, pages, anonStart, name, fileStart)
	return m.MapFile(hostarch.AddrRange{Start: fileStart, End: fileStart + hostarch.Addr(size)}, f, 0, int64(size), false)
}

// workload returns the user program of process id. The program loads itself
// and exits with -1 if that fails.
func workload(memfs *fs.MemFS, id, pages, rounds int) func(t *kernel.Task) {
	return func(t *kernel.Task) {
		if err := load(t, memfs, id, pages); err != nil {
			log.Warningf("%v: load failed: %v", t, err)
			t.Exit(-1)
		}
		buf := make([]byte, hostarch.PageSize)
		want := make([]byte, hostarch.PageSize)
		page := func(base hostarch.Addr, p int) hostarch.Addr {
			return base + hostarch.Addr(p*hostarch.PageSize)
		}
		for r := 0; r < rounds; r++ {
			for p := 0; p < pages; p++ {
				fill(buf, anonPattern(id, r, p))
				t.Store(page(anonStart, p), buf)
			}
			for p := 0; p < pages; p++ {
				t.Load(page(anonStart, p), buf)
				fill(want, anonPattern(id, r, p))
				if !bytes.Equal(buf, want) {
					log.Warningf("%v: round %d: anonymous page %d corrupted", t, r, p)
					t.Exit(1)
				}
				t.Load(page(fileStart, p), buf)
				fill(want, filePattern(id, p))
				if !bytes.Equal(buf, want) {
					log.Warningf("%v: round %d: file page %d corrupted", t, r, p)
					t.Exit(1)
				}
			}
		}

		report := fmt.Sprintf("%s: verified %d pages in %d rounds\n", t.Name(), 2*pages, rounds)
		msg := pushString(t, report)
		if rv := t.Syscall(linux.SYS_WRITE, linux.STDOUT_FILENO, uint32(msg), uint32(len(report))); rv != int32(len(report)) {
			t.Exit(2)
		}
		out := pushString(t, fmt.Sprintf("out%d", id))
		if rv := t.Syscall(linux.SYS_CREATE, uint32(out), uint32(pages*hostarch.PageSize)); rv != 1 {
			t.Exit(3)
		}
		t.Syscall(linux.SYS_EXIT, 0)
	}
}

// pushString copies s and a terminating NUL onto the user stack and returns
// its address.
func pushString(t *kernel.Task, s string) hostarch.Addr {
	sp := (t.SP() - hostarch.Addr(len(s)+1)) &^ (kernel.WordSize - 1)
	t.SetSP(sp)
	t.Store(sp, append([]byte(s), 0))
	return sp
}

func anonPattern(id, round, page int) uint32 {
	return uint32(id)<<24 | uint32(round)<<16 | uint32(page)
}

func filePattern(id, page int) uint32 {
	return 0x80000000 | uint32(id)<<16 | uint32(page)
}

// fill fills b with words derived from seed.
func fill(b []byte, seed uint32) {
	for i := 0; i+4 <= len(b); i += 4 {
		hostarch.ByteOrder.PutUint32(b[i:], seed^uint32(i)*2654435761)
	}
}

// printStats writes memory accounting to w.
func printStats(w io.Writer, k *kernel.Kernel) {
	ft := k.Frames().Stats()
	mem := k.MemoryStats()
	fmt.Fprintf(w, "frames: %d total, %d registered, %d pinned\n", ft.Frames, ft.Registered, ft.Pinned)
	fmt.Fprintf(w, "memory: %d resident (%d anonymous, %d file), %d swapped\n", mem.Resident(), mem.Anonymous, mem.File, mem.Swapped)
	fmt.Fprintf(w, "swap: %d of %d slots in use\n", k.Swap().InUse(), k.Swap().Slots())
}
