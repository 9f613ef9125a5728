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

// Package spt implements the supplemental page table: for every virtual page
// of an address space that has contents, where those contents currently live.
package spt

import (
	"github.com/google/btree"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/frame"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sync"
)

// degree is the btree node degree.
const degree = 16

// Table is the supplemental page table of one address space. Entries are
// kept ordered by address and owned by the table; Destroy is the only path
// that releases them wholesale.
//
// Methods with a Locked suffix require Table.mu, taken with Lock.
type Table struct {
	pt     platform.PageTable
	frames *frame.Table
	swap   *swap.Store

	mu sync.Mutex

	// +checklocks:mu
	entries *btree.BTreeG[*Entry]
}

// New returns an empty Table for the address space using pt.
func New(pt platform.PageTable, frames *frame.Table, swap *swap.Store) *Table {
	return &Table{
		pt:     pt,
		frames: frames,
		swap:   swap,
		entries: btree.NewG(degree, func(a, b *Entry) bool {
			return a.addr < b.addr
		}),
	}
}

// PageTable returns the hardware page table of the address space.
func (t *Table) PageTable() platform.PageTable {
	return t.pt
}

// Frames returns the frame table resident pages are registered in.
func (t *Table) Frames() *frame.Table {
	return t.frames
}

// Swap returns the backing store swapped pages live in.
func (t *Table) Swap() *swap.Store {
	return t.swap
}

// Lock locks the table.
func (t *Table) Lock() {
	t.mu.Lock()
}

// Unlock unlocks the table.
func (t *Table) Unlock() {
	t.mu.Unlock()
}

// InsertLocked adds e. It fails with EEXIST if the page already has an entry.
//
// +checklocks:t.mu
func (t *Table) InsertLocked(e *Entry) error {
	if e.table != t {
		return errors.Invariantf("spt.Insert", "page at %v belongs to another table", e.addr)
	}
	if t.entries.Has(e) {
		return linuxerr.EEXIST
	}
	t.entries.ReplaceOrInsert(e)
	return nil
}

// Insert is InsertLocked with the table locked.
func (t *Table) Insert(e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.InsertLocked(e)
}

// FindLocked returns the entry for the page containing addr.
//
// +checklocks:t.mu
func (t *Table) FindLocked(addr hostarch.Addr) (*Entry, bool) {
	return t.entries.Get(&Entry{addr: addr.RoundDown()})
}

// Find is FindLocked with the table locked.
func (t *Table) Find(addr hostarch.Addr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.FindLocked(addr)
}

// RemoveLocked deletes the entry for the page containing addr and releases
// its frame or swap slot. It fails with ENOENT if there is no entry.
//
// +checklocks:t.mu
func (t *Table) RemoveLocked(addr hostarch.Addr) error {
	e, ok := t.entries.Delete(&Entry{addr: addr.RoundDown()})
	if !ok {
		return linuxerr.ENOENT
	}
	return t.releaseLocked(e)
}

// Remove is RemoveLocked with the table locked.
func (t *Table) Remove(addr hostarch.Addr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.RemoveLocked(addr)
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries.Len()
}

// ForEachLocked calls fn for each entry whose page intersects ar, in address
// order, until fn returns false.
//
// +checklocks:t.mu
func (t *Table) ForEachLocked(ar hostarch.AddrRange, fn func(e *Entry) bool) {
	t.entries.AscendRange(&Entry{addr: ar.Start.RoundDown()}, &Entry{addr: ar.End}, fn)
}

// Destroy releases every frame and swap slot owned by the table's entries
// and empties it. It returns the first invariant violation seen; release
// continues past it.
func (t *Table) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var (
		all      []*Entry
		firstErr error
	)
	t.entries.Ascend(func(e *Entry) bool {
		all = append(all, e)
		return true
	})
	for _, e := range all {
		if err := t.releaseLocked(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.entries.Clear(false)
	return firstErr
}

// releaseLocked frees whatever e owns. e may be evicted concurrently until
// its frame is released, so the state is re-read after a failed release.
//
// +checklocks:t.mu
func (t *Table) releaseLocked(e *Entry) error {
	for {
		switch s := e.State().(type) {
		case Resident:
			if t.frames.Release(s.Frame, e) {
				e.SetState(e.origin)
				return nil
			}
			if r, ok := e.State().(Resident); ok && r.Frame == s.Frame {
				return errors.Invariantf("spt.Release", "page at %v claims %v, which it does not own", e.addr, s.Frame)
			}
		case Swapped:
			e.SetState(e.origin)
			return t.swap.Free(s.Slot)
		default:
			return nil
		}
	}
}
