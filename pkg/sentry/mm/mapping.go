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
	"io"

	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/spt"
)

// MapFile lazily maps size bytes of file starting at offset into the
// page-aligned range ar. Page i of ar holds the file bytes at offset+i*PageSize
// that fall within size; the rest of ar reads as zero. Nothing is read until
// a page is faulted in.
//
// MapFile fails with EEXIST if any page of ar is already mapped, in which
// case ar is left unchanged.
func (mm *MemoryManager) MapFile(ar hostarch.AddrRange, file io.ReaderAt, offset, size int64, writable bool) error {
	if size < 0 || offset < 0 || uint64(size) > uint64(ar.Length()) {
		return linuxerr.EINVAL
	}
	return mm.mapRange(ar, writable, func(i uint64) spt.State {
		pageOff := int64(i) * hostarch.PageSize
		n := size - pageOff
		switch {
		case n <= 0:
			return spt.ZeroFill{}
		case n > hostarch.PageSize:
			n = hostarch.PageSize
		}
		return spt.FileBacked{File: file, Offset: offset + pageOff, Length: int(n)}
	})
}

// MapAnonymous lazily maps zero-filled pages into the page-aligned range ar.
// It fails with EEXIST if any page of ar is already mapped, in which case ar
// is left unchanged.
func (mm *MemoryManager) MapAnonymous(ar hostarch.AddrRange, writable bool) error {
	return mm.mapRange(ar, writable, func(uint64) spt.State {
		return spt.ZeroFill{}
	})
}

func (mm *MemoryManager) mapRange(ar hostarch.AddrRange, writable bool, origin func(i uint64) spt.State) error {
	if !ar.WellFormed() || ar.Length() == 0 || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if ar.Start < mm.layout.MinAddr || ar.End > mm.layout.MaxAddr {
		return linuxerr.EFAULT
	}

	mm.spt.Lock()
	defer mm.spt.Unlock()
	var inserted []hostarch.Addr
	cu := cleanup.Make(func() {
		for _, addr := range inserted {
			mm.spt.RemoveLocked(addr)
		}
	})
	defer cu.Clean()
	for i := uint64(0); i < ar.NumPages(); i++ {
		addr := ar.Start + hostarch.Addr(i<<hostarch.PageShift)
		if err := mm.spt.InsertLocked(mm.spt.NewEntry(addr, writable, origin(i))); err != nil {
			return fmt.Errorf("mapping page %v of %v: %w", addr, ar, err)
		}
		inserted = append(inserted, addr)
	}
	cu.Release()
	log.Debugf("Mapped %v (%d pages, writable %t)", ar, ar.NumPages(), writable)
	return nil
}

// MapStack installs the first stack page, just below the stack top, and
// returns the initial stack pointer.
func (mm *MemoryManager) MapStack() (hostarch.Addr, error) {
	page := mm.layout.StackTop - hostarch.PageSize
	mm.spt.Lock()
	defer mm.spt.Unlock()
	if _, ok := mm.spt.FindLocked(page); ok {
		return 0, linuxerr.EEXIST
	}
	f, err := mm.growStackLocked(page)
	if err != nil {
		return 0, err
	}
	if err := mm.frames.SetPin(f, false); err != nil {
		return 0, err
	}
	return mm.layout.StackTop, nil
}
