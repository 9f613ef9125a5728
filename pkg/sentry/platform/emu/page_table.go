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

package emu

import (
	"fmt"

	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sync"
)

// pte is a page table entry.
type pte struct {
	frame    platform.Frame
	present  bool
	writable bool
	accessed bool
	dirty    bool
}

// PageTable is a software page table.
type PageTable struct {
	mu sync.Mutex

	// +checklocks:mu
	ptes map[hostarch.Addr]*pte
}

var _ platform.PageTable = (*PageTable)(nil)

// NewPageTable returns an empty PageTable.
func NewPageTable() *PageTable {
	return &PageTable{ptes: make(map[hostarch.Addr]*pte)}
}

func mustAlign(addr hostarch.Addr) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("unaligned page table address %v", addr))
	}
}

// Lookup implements platform.PageTable.Lookup.
func (pt *PageTable) Lookup(addr hostarch.Addr) (platform.Frame, bool) {
	mustAlign(addr)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p := pt.ptes[addr]; p != nil && p.present {
		return p.frame, true
	}
	return 0, false
}

// Map implements platform.PageTable.Map.
func (pt *PageTable) Map(addr hostarch.Addr, f platform.Frame, writable bool) error {
	mustAlign(addr)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.ptes[addr]
	if p == nil {
		p = &pte{}
		pt.ptes[addr] = p
	} else if p.present {
		return linuxerr.EEXIST
	}
	*p = pte{
		frame:    f,
		present:  true,
		writable: writable,
	}
	return nil
}

// Unmap implements platform.PageTable.Unmap.
func (pt *PageTable) Unmap(addr hostarch.Addr) {
	mustAlign(addr)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p := pt.ptes[addr]; p != nil {
		p.present = false
	}
}

// Accessed implements platform.PageTable.Accessed.
func (pt *PageTable) Accessed(addr hostarch.Addr) bool {
	mustAlign(addr)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.ptes[addr]
	return p != nil && p.accessed
}

// SetAccessed implements platform.PageTable.SetAccessed.
func (pt *PageTable) SetAccessed(addr hostarch.Addr, accessed bool) {
	mustAlign(addr)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p := pt.ptes[addr]; p != nil {
		p.accessed = accessed
	}
}

// Dirty implements platform.PageTable.Dirty.
func (pt *PageTable) Dirty(addr hostarch.Addr) bool {
	mustAlign(addr)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.ptes[addr]
	return p != nil && p.dirty
}

// Access implements platform.PageTable.Access.
func (pt *PageTable) Access(addr hostarch.Addr, at hostarch.AccessType, fn func(f platform.Frame)) bool {
	mustAlign(addr)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.ptes[addr]
	if p == nil || !p.present {
		return false
	}
	if at.Write && !p.writable {
		return false
	}
	p.accessed = true
	if at.Write {
		p.dirty = true
	}
	fn(p.frame)
	return true
}

// Release implements platform.PageTable.Release.
func (pt *PageTable) Release() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	clear(pt.ptes)
}

// Len returns the number of present mappings.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	n := 0
	for _, p := range pt.ptes {
		if p.present {
			n++
		}
	}
	return n
}
