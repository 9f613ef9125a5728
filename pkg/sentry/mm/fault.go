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

package mm

import (
	"fmt"

	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sentry/spt"
)

// HandleFault resolves a page fault at addr for an access of type at. sp is
// the user stack pointer at the time of the fault; for faults taken while
// serving a system call it is the value saved on entry.
//
// HandleFault returns EFAULT for an invalid access: an address outside user
// space, an address with no page that is not a stack access, or a write to a
// read-only page. ENOMEM and ENOSPC report that no frame could be freed.
// Invariant violations are returned as *errors.InvariantError.
func (mm *MemoryManager) HandleFault(addr hostarch.Addr, at hostarch.AccessType, sp hostarch.Addr) error {
	if !mm.IsUserAddr(addr) {
		faultsMetric.Increment("invalid")
		return linuxerr.EFAULT
	}
	mm.spt.Lock()
	defer mm.spt.Unlock()
	f, err := mm.faultInLocked(addr, at, sp)
	if err != nil {
		return err
	}
	return mm.frames.SetPin(f, false)
}

// faultInLocked makes the page containing addr resident and returns its
// frame, pinned.
//
// +checklocks:mm.spt.mu
func (mm *MemoryManager) faultInLocked(addr hostarch.Addr, at hostarch.AccessType, sp hostarch.Addr) (platform.Frame, error) {
	page := addr.RoundDown()
	e, ok := mm.spt.FindLocked(page)
	if !ok {
		if !mm.isStackAccess(addr, sp) {
			faultsMetric.Increment("invalid")
			return 0, linuxerr.EFAULT
		}
		return mm.growStackLocked(page)
	}
	if at.Write && !e.Writable() {
		faultsMetric.Increment("invalid")
		return 0, linuxerr.EFAULT
	}
	for {
		s := e.State()
		r, ok := s.(spt.Resident)
		if !ok {
			return mm.pageInLocked(e, s)
		}
		if mm.frames.PinOwned(r.Frame, e) {
			faultsMetric.Increment("resident")
			return r.Frame, nil
		}
		// Evicted since the state was read. The next read sees where the
		// content went.
	}
}

// isStackAccess returns true if an access at addr with stack pointer sp may
// grow the stack.
func (mm *MemoryManager) isStackAccess(addr, sp hostarch.Addr) bool {
	if !mm.layout.StackRange().Contains(addr) {
		return false
	}
	return uint64(addr)+mm.layout.StackSlop >= uint64(sp)
}

// growStackLocked installs a new zero-filled, writable page at page and
// returns its frame, pinned.
//
// +checklocks:mm.spt.mu
func (mm *MemoryManager) growStackLocked(page hostarch.Addr) (platform.Frame, error) {
	e := mm.spt.NewEntry(page, true, spt.ZeroFill{})
	f, err := mm.frames.Allocate(true, e)
	if err != nil {
		return 0, err
	}
	if err := mm.pt.Map(page, f, true); err != nil {
		mm.removeFrame(f)
		return 0, errors.Invariantf("mm.growStack", "page %v has no entry but is mapped: %v", page, err)
	}
	e.SetState(spt.Resident{Frame: f})
	if err := mm.spt.InsertLocked(e); err != nil {
		mm.frames.Release(f, e)
		return 0, err
	}
	faultsMetric.Increment("stack")
	log.Debugf("Stack grown to %v", page)
	return f, nil
}

// pageInLocked allocates a frame for e, fills it from s, maps it and marks e
// resident. The frame is returned pinned.
//
// +checklocks:mm.spt.mu
func (mm *MemoryManager) pageInLocked(e *spt.Entry, s spt.State) (platform.Frame, error) {
	_, zero := s.(spt.ZeroFill)
	f, err := mm.frames.Allocate(zero, e)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { mm.removeFrame(f) })
	defer cu.Clean()

	content := mm.mem.Bytes(f)
	var kind string
	switch s := s.(type) {
	case spt.ZeroFill:
		kind = "zero"
	case spt.FileBacked:
		kind = "file"
		n, err := s.File.ReadAt(content[:s.Length], s.Offset)
		if n < s.Length {
			return 0, fmt.Errorf("reading %d bytes at offset %d for page %v: got %d (%v): %w", s.Length, s.Offset, e.Addr(), n, err, linuxerr.EIO)
		}
		clear(content[s.Length:])
	case spt.Swapped:
		kind = "swap"
		if err := mm.swap.Read(s.Slot, content); err != nil {
			return 0, err
		}
	default:
		return 0, errors.Invariantf("mm.pageIn", "page %v in unexpected state %v", e.Addr(), s)
	}

	if err := mm.pt.Map(e.Addr(), f, e.Writable()); err != nil {
		return 0, errors.Invariantf("mm.pageIn", "page %v is %v but mapped: %v", e.Addr(), s, err)
	}
	e.SetState(spt.Resident{Frame: f})
	cu.Release()

	if sw, ok := s.(spt.Swapped); ok {
		if err := mm.swap.Free(sw.Slot); err != nil {
			return 0, err
		}
	}
	faultsMetric.Increment(kind)
	return f, nil
}

// removeFrame returns a frame that was never made visible to the frame
// table's owner.
func (mm *MemoryManager) removeFrame(f platform.Frame) {
	if err := mm.frames.Remove(f); err != nil {
		log.Warningf("Releasing %v: %v", f, err)
	}
}
