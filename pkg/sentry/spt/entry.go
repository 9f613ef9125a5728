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

package spt

import (
	"fmt"
	"io"

	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sentry/frame"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sentry/swap"
	"gvisor.dev/pager/pkg/sentry/usage"
	"gvisor.dev/pager/pkg/sync"
)

var pageOutsMetric = metric.MustCreateNewUint64Metric("/spt/page_outs", "Evicted pages by where their content went.",
	metric.NewField("to", "origin", "swap"))

// State is where the content of a page currently lives. It is one of
// Resident, ZeroFill, FileBacked or Swapped.
type State interface {
	fmt.Stringer
	isState()
}

// Resident is the state of a page backed by a frame and mapped.
type Resident struct {
	Frame platform.Frame
}

// ZeroFill is the state of a page whose content is all zero.
type ZeroFill struct{}

// FileBacked is the state of a page whose content is read from a file.
// Bytes past Length are zero.
type FileBacked struct {
	File   io.ReaderAt
	Offset int64
	Length int
}

// Swapped is the state of a page whose content is in a swap slot.
type Swapped struct {
	Slot swap.Slot
}

func (Resident) isState()   {}
func (ZeroFill) isState()   {}
func (FileBacked) isState() {}
func (Swapped) isState()    {}

func (s Resident) String() string   { return fmt.Sprintf("resident(%v)", s.Frame) }
func (ZeroFill) String() string     { return "zero-fill" }
func (s FileBacked) String() string { return fmt.Sprintf("file(+%#x, %d bytes)", s.Offset, s.Length) }
func (s Swapped) String() string    { return fmt.Sprintf("swapped(slot %d)", s.Slot) }

// Entry describes one virtual page. It is owned by a Table and implements
// frame.Page while resident.
//
// The state of an Entry changes from Resident to anything else only through
// Evict (under the frame table lock) or through its Table. Every other
// transition is made by the fault path with the Table locked.
type Entry struct {
	addr     hostarch.Addr
	writable bool
	table    *Table

	// origin is the state a clean page returns to on eviction. It is
	// ZeroFill or FileBacked and never changes.
	origin State

	mu sync.Mutex

	// +checklocks:mu
	state State

	// dirty is set once the page content has diverged from origin and been
	// written to swap. Such a page always goes back to swap on eviction.
	//
	// +checklocks:mu
	dirty bool
}

var _ frame.Page = (*Entry)(nil)

// NewEntry returns an entry for the page at addr whose content comes from
// origin, which must be ZeroFill or FileBacked. A FileBacked origin with no
// meaningful bytes is stored as ZeroFill. The entry is not inserted.
func (t *Table) NewEntry(addr hostarch.Addr, writable bool, origin State) *Entry {
	switch o := origin.(type) {
	case ZeroFill:
	case FileBacked:
		if o.Length < 0 || o.Length > hostarch.PageSize {
			panic(fmt.Sprintf("file-backed page at %v has length %d", addr, o.Length))
		}
		if o.Length == 0 {
			origin = ZeroFill{}
		}
	default:
		panic(fmt.Sprintf("invalid origin %v for page at %v", origin, addr))
	}
	return &Entry{
		addr:     addr.RoundDown(),
		writable: writable,
		table:    t,
		origin:   origin,
		state:    origin,
	}
}

// Addr implements frame.Page.Addr.
func (e *Entry) Addr() hostarch.Addr {
	return e.addr
}

// PageTable implements frame.Page.PageTable.
func (e *Entry) PageTable() platform.PageTable {
	return e.table.pt
}

// Writable implements frame.Page.Writable.
func (e *Entry) Writable() bool {
	return e.writable
}

// Kind implements frame.Page.Kind.
func (e *Entry) Kind() usage.MemoryKind {
	if _, ok := e.origin.(FileBacked); ok {
		return usage.File
	}
	return usage.Anonymous
}

// Origin returns the state a clean page reverts to on eviction.
func (e *Entry) Origin() State {
	return e.origin
}

// State returns a snapshot of the current state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Dirty returns true if the page content lives only in memory or swap.
func (e *Entry) Dirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty
}

// SetState sets the current state. It is used by the fault path with the
// owning Table locked.
func (e *Entry) SetState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// Evict implements frame.Page.Evict. A page that was never written and never
// swapped reverts to its origin. Any other page is written to swap.
func (e *Entry) Evict(f platform.Frame, dirty bool, content []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.state.(Resident); !ok || r.Frame != f {
		return errors.Invariantf("spt.Evict", "page at %v is %v, not resident in %v", e.addr, e.state, f)
	}
	if !dirty && !e.dirty {
		e.state = e.origin
		pageOutsMetric.Increment("origin")
		return nil
	}
	// The hardware dirty bit does not survive a restored mapping, so this
	// is set even if the write fails.
	e.dirty = true
	slot, err := e.table.swap.Write(content)
	if err != nil {
		return err
	}
	e.state = Swapped{Slot: slot}
	pageOutsMetric.Increment("swap")
	return nil
}

// String implements fmt.Stringer.String.
func (e *Entry) String() string {
	return fmt.Sprintf("page %v (%v)", e.addr, e.State())
}
