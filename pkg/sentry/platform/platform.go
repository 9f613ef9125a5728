// Copyright 2018 The gVisor Authors.
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

// Package platform provides a Platform abstraction.
//
// A Platform supplies the two hardware primitives the memory manager is
// built on: physical Memory, handed out one Frame at a time, and per
// address space PageTables that translate virtual pages to frames and
// record accessed and dirty bits.
package platform

import (
	"fmt"

	"gvisor.dev/pager/pkg/hostarch"
)

// Frame identifies one page-sized frame of physical memory by its frame
// number.
type Frame uint32

// Addr returns the physical address of f.
func (f Frame) Addr() uint64 {
	return uint64(f) << hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("frame %d", uint32(f))
}

// Platform provides physical memory and page tables.
type Platform interface {
	// Memory returns the physical memory of this platform. The same Memory
	// is returned on every call.
	Memory() Memory

	// NewPageTable returns a new, empty page table.
	NewPageTable() PageTable

	// MinUserAddress returns the minimum mappable address on this
	// platform.
	MinUserAddress() hostarch.Addr

	// MaxUserAddress returns the maximum mappable address on this
	// platform. Addresses at or above it belong to the kernel.
	MaxUserAddress() hostarch.Addr
}

// Memory is a raw physical page allocator.
//
// Memory is safe for concurrent use. It does not track ownership; that is
// the frame table's job.
type Memory interface {
	// Allocate returns a free frame, zero-filled if zero is true. ok is
	// false if no frame is free.
	Allocate(zero bool) (f Frame, ok bool)

	// Free returns f to the free pool. Freeing a free frame panics.
	Free(f Frame)

	// Bytes returns the contents of f. The returned slice aliases the frame
	// and is exactly hostarch.PageSize long.
	Bytes(f Frame) []byte

	// NumFrames returns the total number of frames.
	NumFrames() int

	// InUse returns the number of allocated frames.
	InUse() int
}

// PageTable translates page-aligned virtual addresses to frames.
//
// PageTable is safe for concurrent use. All addresses passed to it must be
// page aligned.
type PageTable interface {
	// Lookup returns the frame mapped at addr, if a mapping is present.
	Lookup(addr hostarch.Addr) (Frame, bool)

	// Map installs a present mapping from addr to f and clears the
	// accessed and dirty bits. It fails with EEXIST if a mapping is already
	// present.
	Map(addr hostarch.Addr, f Frame, writable bool) error

	// Unmap clears the present mapping at addr. The accessed and dirty bits
	// keep their last values until the next Map, so a caller may unmap a
	// page and then read its final dirty state.
	Unmap(addr hostarch.Addr)

	// Accessed returns the accessed bit for addr.
	Accessed(addr hostarch.Addr) bool

	// SetAccessed sets the accessed bit for addr.
	SetAccessed(addr hostarch.Addr, accessed bool)

	// Dirty returns the dirty bit for addr.
	Dirty(addr hostarch.Addr) bool

	// Access performs a memory access of type at to the page at addr the
	// way the MMU would. If a present mapping permits the access, the
	// accessed bit (and for writes the dirty bit) is set and fn is called
	// with the frame while the mapping is held stable. Otherwise Access
	// returns false without calling fn, and the caller must resolve the
	// fault and retry.
	Access(addr hostarch.Addr, at hostarch.AccessType, fn func(f Frame)) bool

	// Release drops every mapping. Frames are not freed.
	Release()
}
