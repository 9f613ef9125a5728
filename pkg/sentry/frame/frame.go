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

// Package frame implements the frame table: the registry of which page owns
// each physical frame, and the eviction policy that reclaims frames when
// physical memory is exhausted.
//
// Lock order: spt.Table.mu, then Table.mu, then the owner's own lock, then
// the page table lock. Page.Evict is called with Table.mu held, so an owner
// must never call into the Table while holding its own lock.
package frame

import (
	"fmt"
	"time"

	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sentry/usage"
	"gvisor.dev/pager/pkg/sync"
)

var evictionsMetric = metric.MustCreateNewUint64Metric("/frame/evictions", "Number of frames reclaimed by eviction.",
	metric.NewField("result", "ok", "error"))

// evictLog reports evictions at most once a second.
var evictLog = log.BasicRateLimitedLogger(time.Second)

// Page is the owner of a registered frame.
type Page interface {
	// Addr returns the page-aligned virtual address the frame is mapped at.
	Addr() hostarch.Addr

	// PageTable returns the page table holding the mapping.
	PageTable() platform.PageTable

	// Writable returns true if the mapping is writable.
	Writable() bool

	// Kind returns how the resident page is accounted.
	Kind() usage.MemoryKind

	// Evict preserves the content of the page before its frame is freed.
	// It is called with the frame table locked, after the mapping has been
	// cleared. dirty is the hardware dirty bit and content aliases the
	// frame. If Evict returns an error the mapping is restored and the
	// frame stays registered to the page.
	Evict(f platform.Frame, dirty bool, content []byte) error
}

// noFrame terminates the allocation-order list.
const noFrame = -1

// entry is a frame table entry. An entry is registered iff page is non-nil.
type entry struct {
	page   Page
	pinned bool

	// prev and next link registered frames in allocation order.
	prev int32
	next int32
}

// Table is the frame table. It is safe for concurrent use; every operation
// holds Table.mu for its duration, including swap I/O done by eviction.
type Table struct {
	mem   platform.Memory
	stats *usage.MemoryLocked

	mu sync.Mutex

	// entries is indexed by frame number.
	//
	// +checklocks:mu
	entries []entry

	// head and tail are the oldest and newest registered frames.
	//
	// +checklocks:mu
	head, tail int32

	// +checklocks:mu
	registered int

	// +checklocks:mu
	pinned int
}

// New returns an empty frame table over mem. Resident pages are counted in
// stats by kind.
func New(mem platform.Memory, stats *usage.MemoryLocked) *Table {
	t := &Table{
		mem:     mem,
		stats:   stats,
		entries: make([]entry, mem.NumFrames()),
		head:    noFrame,
		tail:    noFrame,
	}
	for i := range t.entries {
		t.entries[i].prev = noFrame
		t.entries[i].next = noFrame
	}
	return t
}

// Memory returns the physical memory the table manages.
func (t *Table) Memory() platform.Memory {
	return t.mem
}

// Allocate returns a frame registered to p, zero-filled if zero is true. The
// frame is returned pinned; the caller unpins it once the page is mapped.
//
// If no frame is free Allocate evicts until one is. It fails with ENOMEM
// when every registered frame is pinned. An error from eviction is returned
// only when no unpinned frame could be evicted.
func (t *Table) Allocate(zero bool, p Page) (platform.Frame, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if f, ok := t.mem.Allocate(zero); ok {
			t.registerLocked(f, p)
			return f, nil
		}
		freed, err := t.evictLocked()
		if err != nil {
			return 0, err
		}
		if !freed {
			return 0, linuxerr.ENOMEM
		}
	}
}

// Evict runs eviction until one frame is freed. It returns false if every
// registered frame is pinned.
func (t *Table) Evict() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictLocked()
}

// evictLocked scans registered frames from the oldest. Pinned frames are
// skipped. An unpinned frame whose accessed bit is set gets a second chance:
// the bit is cleared and the scan moves on. The first unpinned frame found
// with the bit clear is evicted. A pass that clears bits without finding a
// victim is followed by another, so the loop ends with a frame freed or with
// no unpinned frame left to try.
//
// A frame whose page refuses eviction, for example a dirty page with swap
// full, stays mapped and is passed over for the rest of the call. Its error
// is returned only if no other frame could be evicted.
//
// +checklocks:t.mu
func (t *Table) evictLocked() (bool, error) {
	var (
		failed   map[int32]struct{}
		firstErr error
	)
	for {
		candidates := 0
		for i := t.head; i != noFrame; i = t.entries[i].next {
			e := &t.entries[i]
			if e.pinned {
				continue
			}
			if _, ok := failed[i]; ok {
				continue
			}
			candidates++
			pt, addr := e.page.PageTable(), e.page.Addr()
			if pt.Accessed(addr) {
				pt.SetAccessed(addr, false)
				continue
			}
			if err := t.evictFrameLocked(platform.Frame(i)); err != nil {
				evictionsMetric.Increment("error")
				if errors.IsInvariant(err) {
					return false, err
				}
				if failed == nil {
					failed = make(map[int32]struct{})
				}
				failed[i] = struct{}{}
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			evictionsMetric.Increment("ok")
			return true, nil
		}
		if candidates == 0 {
			return false, firstErr
		}
	}
}

// +checklocks:t.mu
func (t *Table) evictFrameLocked(f platform.Frame) error {
	p := t.entries[f].page
	pt, addr := p.PageTable(), p.Addr()
	pt.Unmap(addr)
	dirty := pt.Dirty(addr)
	if err := p.Evict(f, dirty, t.mem.Bytes(f)); err != nil {
		if merr := pt.Map(addr, f, p.Writable()); merr != nil {
			return errors.Invariantf("frame.Evict", "restoring %v at %v: %v", f, addr, merr)
		}
		evictLog.Warningf("Eviction of %v at %v failed: %v", f, addr, err)
		return err
	}
	evictLog.Debugf("Evicted %v at %v (dirty %t)", f, addr, dirty)
	t.deregisterLocked(f)
	t.mem.Free(f)
	return nil
}

// SetPin sets the pin flag of f. A pinned frame is never chosen for
// eviction. It is an invariant violation for f to be unregistered.
func (t *Table) SetPin(f platform.Frame, pin bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.lookupLocked("frame.SetPin", f)
	if err != nil {
		return err
	}
	t.setPinLocked(e, pin)
	return nil
}

// PinOwned pins f if it is registered to p and returns true. It returns false
// if the frame has been evicted or now belongs to someone else.
func (t *Table) PinOwned(f platform.Frame, p Page) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(f) >= len(t.entries) || t.entries[f].page != p {
		return false
	}
	t.setPinLocked(&t.entries[f], true)
	return true
}

// +checklocks:t.mu
func (t *Table) setPinLocked(e *entry, pin bool) {
	if e.pinned == pin {
		return
	}
	e.pinned = pin
	if pin {
		t.pinned++
	} else {
		t.pinned--
	}
}

// Remove deregisters and frees f without eviction. The caller owns f and has
// not mapped it, or has already cleared the mapping.
func (t *Table) Remove(f platform.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.lookupLocked("frame.Remove", f); err != nil {
		return err
	}
	t.deregisterLocked(f)
	t.mem.Free(f)
	return nil
}

// Release clears the mapping of f and frees it if f is still registered to
// p. It returns false if f has been evicted meanwhile, in which case nothing
// is done.
func (t *Table) Release(f platform.Frame, p Page) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(f) >= len(t.entries) || t.entries[f].page != p {
		return false
	}
	p.PageTable().Unmap(p.Addr())
	t.deregisterLocked(f)
	t.mem.Free(f)
	return true
}

// Owner returns the page f is registered to.
func (t *Table) Owner(f platform.Frame) (Page, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(f) >= len(t.entries) || t.entries[f].page == nil {
		return nil, false
	}
	return t.entries[f].page, true
}

// Pinned returns true if f is registered and pinned.
func (t *Table) Pinned(f platform.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(f) < len(t.entries) && t.entries[f].page != nil && t.entries[f].pinned
}

// Stats describes frame table occupancy.
type Stats struct {
	Frames     int
	Registered int
	Pinned     int
}

// Stats returns current occupancy.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Frames:     len(t.entries),
		Registered: t.registered,
		Pinned:     t.pinned,
	}
}

// Order returns registered frames oldest first.
func (t *Table) Order() []platform.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var fs []platform.Frame
	for i := t.head; i != noFrame; i = t.entries[i].next {
		fs = append(fs, platform.Frame(i))
	}
	return fs
}

// +checklocks:t.mu
func (t *Table) lookupLocked(op string, f platform.Frame) (*entry, error) {
	if int(f) >= len(t.entries) || t.entries[f].page == nil {
		return nil, errors.Invariantf(op, "%v is not registered", f)
	}
	return &t.entries[f], nil
}

// +checklocks:t.mu
func (t *Table) registerLocked(f platform.Frame, p Page) {
	e := &t.entries[f]
	if e.page != nil {
		panic(fmt.Sprintf("%v allocated while registered to page at %v", f, e.page.Addr()))
	}
	*e = entry{
		page:   p,
		pinned: true,
		prev:   t.tail,
		next:   noFrame,
	}
	if t.tail == noFrame {
		t.head = int32(f)
	} else {
		t.entries[t.tail].next = int32(f)
	}
	t.tail = int32(f)
	t.registered++
	t.pinned++
	t.stats.Inc(1, p.Kind())
}

// +checklocks:t.mu
func (t *Table) deregisterLocked(f platform.Frame) {
	e := &t.entries[f]
	if e.prev == noFrame {
		t.head = e.next
	} else {
		t.entries[e.prev].next = e.next
	}
	if e.next == noFrame {
		t.tail = e.prev
	} else {
		t.entries[e.next].prev = e.prev
	}
	if e.pinned {
		t.pinned--
	}
	t.registered--
	t.stats.Dec(1, e.page.Kind())
	*e = entry{prev: noFrame, next: noFrame}
}
