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

// Package mm provides a memory management subsystem: demand paging of a
// user address space, stack growth, and pinning of user buffers.
//
// Lock order:
//
//	spt.Table.mu
//	  frame.Table.mu
//	    spt.Entry.mu
//	      platform.PageTable internal lock
package mm

import (
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sentry/frame"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sentry/spt"
	"gvisor.dev/pager/pkg/sentry/swap"
)

const (
	// DefaultMaxStackSize is the default limit on stack growth.
	DefaultMaxStackSize = 8 << 20

	// DefaultStackSlop is how far below the stack pointer an access may
	// land and still count as a stack access. It covers instructions that
	// write below the stack pointer before moving it, such as a push of
	// the widest operand.
	DefaultStackSlop = 32
)

var faultsMetric = metric.MustCreateNewUint64Metric("/mm/faults", "Page faults by how they were resolved.",
	metric.NewField("kind", "resident", "zero", "file", "swap", "stack", "invalid"))

// Layout describes the user portion of an address space.
type Layout struct {
	// MinAddr and MaxAddr bound user addresses: [MinAddr, MaxAddr).
	MinAddr hostarch.Addr
	MaxAddr hostarch.Addr

	// StackTop is the exclusive top of the stack. The stack grows down
	// from it by at most MaxStackSize bytes.
	StackTop     hostarch.Addr
	MaxStackSize uint64

	// StackSlop is how far below the stack pointer a stack access may be.
	StackSlop uint64
}

// StackRange returns the range the stack may grow into.
func (l Layout) StackRange() hostarch.AddrRange {
	bottom := l.MinAddr
	if uint64(l.StackTop-l.MinAddr) > l.MaxStackSize {
		bottom = l.StackTop - hostarch.Addr(l.MaxStackSize)
	}
	return hostarch.AddrRange{Start: bottom, End: l.StackTop}
}

// MemoryManager implements a virtual address space.
type MemoryManager struct {
	layout Layout

	// pt is the hardware page table. Mappings are installed only for
	// resident entries of spt.
	pt platform.PageTable

	spt    *spt.Table
	frames *frame.Table
	mem    platform.Memory
	swap   *swap.Store
}

// NewMemoryManager returns a MemoryManager with no mappings. Zero fields of
// layout take platform defaults: the platform's user bounds, a stack at the
// top of user space, DefaultMaxStackSize and DefaultStackSlop.
func NewMemoryManager(p platform.Platform, frames *frame.Table, store *swap.Store, layout Layout) (*MemoryManager, error) {
	if layout.MinAddr == 0 {
		layout.MinAddr = p.MinUserAddress()
	}
	if layout.MaxAddr == 0 {
		layout.MaxAddr = p.MaxUserAddress()
	}
	if layout.StackTop == 0 {
		layout.StackTop = layout.MaxAddr
	}
	if layout.MaxStackSize == 0 {
		layout.MaxStackSize = DefaultMaxStackSize
	}
	if layout.StackSlop == 0 {
		layout.StackSlop = DefaultStackSlop
	}
	if layout.MinAddr >= layout.MaxAddr || layout.StackTop > layout.MaxAddr || layout.StackTop <= layout.MinAddr {
		return nil, fmt.Errorf("invalid layout %+v", layout)
	}
	if !layout.StackTop.IsPageAligned() || !layout.MinAddr.IsPageAligned() {
		return nil, fmt.Errorf("layout %+v is not page aligned", layout)
	}
	pt := p.NewPageTable()
	return &MemoryManager{
		layout: layout,
		pt:     pt,
		spt:    spt.New(pt, frames, store),
		frames: frames,
		mem:    frames.Memory(),
		swap:   store,
	}, nil
}

// Layout returns the address space layout.
func (mm *MemoryManager) Layout() Layout {
	return mm.layout
}

// PageTable returns the hardware page table.
func (mm *MemoryManager) PageTable() platform.PageTable {
	return mm.pt
}

// SPT returns the supplemental page table.
func (mm *MemoryManager) SPT() *spt.Table {
	return mm.spt
}

// IsUserAddr returns true if addr is in [MinAddr, MaxAddr).
func (mm *MemoryManager) IsUserAddr(addr hostarch.Addr) bool {
	return mm.layout.MinAddr <= addr && addr < mm.layout.MaxAddr
}

// CheckIORange is hostarch.Addr.ToRange restricted to user addresses.
func (mm *MemoryManager) CheckIORange(addr hostarch.Addr, length uint64) (hostarch.AddrRange, bool) {
	ar, ok := addr.ToRange(length)
	return ar, ok && ar.Start >= mm.layout.MinAddr && ar.End <= mm.layout.MaxAddr
}

// Destroy releases every frame and swap slot of the address space and drops
// all mappings. The MemoryManager must not be used afterwards.
func (mm *MemoryManager) Destroy() error {
	err := mm.spt.Destroy()
	mm.pt.Release()
	return err
}
