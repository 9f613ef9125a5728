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
	"gvisor.dev/pager/pkg/cleanup"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sentry/spt"
)

// PinRange makes every page of [addr, addr+length) resident and pins its
// frame so eviction cannot run under an in-progress copy. Pages are faulted
// in as HandleFault would, with sp as the stack pointer. On error no page of
// the range is left pinned by this call.
//
// Pins do not nest: a page pinned by two calls is unpinned by the first
// UnpinRange.
func (mm *MemoryManager) PinRange(addr hostarch.Addr, length uint64, at hostarch.AccessType, sp hostarch.Addr) error {
	if length == 0 {
		return nil
	}
	ar, ok := mm.CheckIORange(addr, length)
	if !ok {
		return linuxerr.EFAULT
	}
	pages, ok := ar.Pages()
	if !ok {
		return linuxerr.EFAULT
	}

	mm.spt.Lock()
	defer mm.spt.Unlock()
	var pinned []platform.Frame
	cu := cleanup.Make(func() { mm.unpinFrames(pinned) })
	defer cu.Clean()
	for page := pages.Start; page < pages.End; page += hostarch.PageSize {
		f, err := mm.faultInLocked(page, at, sp)
		if err != nil {
			return err
		}
		pinned = append(pinned, f)
	}
	cu.Release()
	return nil
}

// unpinFrames drops the pins taken by a PinRange that failed part way.
func (mm *MemoryManager) unpinFrames(frames []platform.Frame) {
	for _, f := range frames {
		if err := mm.frames.SetPin(f, false); err != nil {
			log.Warningf("Unpinning %v: %v", f, err)
		}
	}
}

// UnpinRange unpins every page of [addr, addr+length) pinned by PinRange.
// It is an invariant violation for a page of the range not to be resident.
func (mm *MemoryManager) UnpinRange(addr hostarch.Addr, length uint64) error {
	if length == 0 {
		return nil
	}
	ar, ok := mm.CheckIORange(addr, length)
	if !ok {
		return linuxerr.EFAULT
	}
	pages, ok := ar.Pages()
	if !ok {
		return linuxerr.EFAULT
	}

	mm.spt.Lock()
	defer mm.spt.Unlock()
	var firstErr error
	for page := pages.Start; page < pages.End; page += hostarch.PageSize {
		var err error
		e, ok := mm.spt.FindLocked(page)
		if !ok {
			err = errors.Invariantf("mm.UnpinRange", "pinned page %v has no entry", page)
		} else if r, ok := e.State().(spt.Resident); !ok {
			err = errors.Invariantf("mm.UnpinRange", "pinned page %v is %v", page, e.State())
		} else {
			err = mm.frames.SetPin(r.Frame, false)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CheckAddr returns true if addr is a user address that belongs to a page of
// the address space: one with an entry or a present mapping. It does not
// fault anything in.
func (mm *MemoryManager) CheckAddr(addr hostarch.Addr) bool {
	if !mm.IsUserAddr(addr) {
		return false
	}
	if _, ok := mm.spt.Find(addr); ok {
		return true
	}
	_, ok := mm.pt.Lookup(addr.RoundDown())
	return ok
}
