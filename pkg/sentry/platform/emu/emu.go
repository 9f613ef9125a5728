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

// Package emu implements platform.Platform in software.
//
// Physical memory is an anonymous host mapping divided into frames. Page
// tables are maps keyed by virtual page that keep accessed and dirty bits
// the way a hardware MMU does; Access sets them on every emulated access.
package emu

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/bitmap"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sync"
)

const (
	// MinUserAddress is the lowest user address. Page zero is never mapped.
	MinUserAddress hostarch.Addr = hostarch.PageSize

	// MaxUserAddress is the end of user space. Kernel addresses start here.
	MaxUserAddress hostarch.Addr = 0xc0000000
)

// Platform is an emulated platform.Platform.
type Platform struct {
	mem *Memory
}

var _ platform.Platform = (*Platform)(nil)

// New returns a Platform with the given number of physical frames.
func New(frames int) (*Platform, error) {
	mem, err := NewMemory(frames)
	if err != nil {
		return nil, err
	}
	return &Platform{mem: mem}, nil
}

// Memory implements platform.Platform.Memory.
func (p *Platform) Memory() platform.Memory {
	return p.mem
}

// NewPageTable implements platform.Platform.NewPageTable.
func (p *Platform) NewPageTable() platform.PageTable {
	return NewPageTable()
}

// MinUserAddress implements platform.Platform.MinUserAddress.
func (*Platform) MinUserAddress() hostarch.Addr {
	return MinUserAddress
}

// MaxUserAddress implements platform.Platform.MaxUserAddress.
func (*Platform) MaxUserAddress() hostarch.Addr {
	return MaxUserAddress
}

// Close releases the physical memory. No frame may be used afterwards.
func (p *Platform) Close() error {
	return p.mem.Close()
}

// Memory is physical memory backed by an anonymous host mapping.
type Memory struct {
	// arena is the host mapping. It is immutable until Close.
	arena []byte

	// mu protects used.
	mu sync.Mutex

	// used has a bit set for each allocated frame.
	//
	// +checklocks:mu
	used bitmap.Bitmap
}

var _ platform.Memory = (*Memory)(nil)

// NewMemory maps frames pages of host memory.
func NewMemory(frames int) (*Memory, error) {
	if frames <= 0 || frames > 1<<20 {
		return nil, fmt.Errorf("invalid frame count %d: %w", frames, linuxerr.EINVAL)
	}
	arena, err := unix.Mmap(-1, 0, frames*hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %d frames: %w", frames, err)
	}
	return &Memory{
		arena: arena,
		used:  bitmap.New(uint32(frames)),
	}, nil
}

// Allocate implements platform.Memory.Allocate. Frames are handed out lowest
// number first.
func (m *Memory) Allocate(zero bool) (platform.Frame, bool) {
	m.mu.Lock()
	n, err := m.used.FirstZero(0)
	if err != nil {
		m.mu.Unlock()
		return 0, false
	}
	m.used.Add(n)
	m.mu.Unlock()

	f := platform.Frame(n)
	if zero {
		clear(m.Bytes(f))
	}
	return f, true
}

// Free implements platform.Memory.Free.
func (m *Memory) Free(f platform.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.used.Has(uint32(f)) {
		panic(fmt.Sprintf("free of unallocated %v", f))
	}
	m.used.Remove(uint32(f))
}

// Bytes implements platform.Memory.Bytes.
func (m *Memory) Bytes(f platform.Frame) []byte {
	start := int(f) * hostarch.PageSize
	end := start + hostarch.PageSize
	return m.arena[start:end:end]
}

// NumFrames implements platform.Memory.NumFrames.
func (m *Memory) NumFrames() int {
	return len(m.arena) / hostarch.PageSize
}

// InUse implements platform.Memory.InUse.
func (m *Memory) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.used.GetNumOnes())
}

// Close unmaps the arena.
func (m *Memory) Close() error {
	return unix.Munmap(m.arena)
}
