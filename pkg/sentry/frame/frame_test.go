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

package frame

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/platform"
	"gvisor.dev/pager/pkg/sentry/platform/emu"
	"gvisor.dev/pager/pkg/sentry/usage"
)

// testPage records evictions instead of preserving content.
type testPage struct {
	addr    hostarch.Addr
	pt      platform.PageTable
	evicted []bool
	fail    error
}

func (p *testPage) Addr() hostarch.Addr           { return p.addr }
func (p *testPage) PageTable() platform.PageTable { return p.pt }
func (p *testPage) Writable() bool                { return true }
func (p *testPage) Kind() usage.MemoryKind        { return usage.Anonymous }

func (p *testPage) Evict(_ platform.Frame, dirty bool, _ []byte) error {
	if p.fail != nil {
		return p.fail
	}
	p.evicted = append(p.evicted, dirty)
	return nil
}

type fixture struct {
	t     *testing.T
	table *Table
	pt    *emu.PageTable
	stats *usage.MemoryLocked
}

func newFixture(t *testing.T, frames int) *fixture {
	t.Helper()
	mem, err := emu.NewMemory(frames)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	stats := &usage.MemoryLocked{}
	return &fixture{
		t:     t,
		table: New(mem, stats),
		pt:    emu.NewPageTable(),
		stats: stats,
	}
}

// fault allocates and maps a page at the given page number, then unpins it.
func (fx *fixture) fault(n int) (*testPage, platform.Frame) {
	fx.t.Helper()
	p := &testPage{addr: hostarch.Addr(n) << hostarch.PageShift, pt: fx.pt}
	f, err := fx.table.Allocate(true, p)
	if err != nil {
		fx.t.Fatalf("Allocate for page %d failed: %v", n, err)
	}
	if err := fx.pt.Map(p.addr, f, true); err != nil {
		fx.t.Fatalf("Map failed: %v", err)
	}
	if err := fx.table.SetPin(f, false); err != nil {
		fx.t.Fatalf("SetPin failed: %v", err)
	}
	return p, f
}

func TestAllocateReturnsPinned(t *testing.T) {
	fx := newFixture(t, 2)
	p := &testPage{addr: 0x1000, pt: fx.pt}
	f, err := fx.table.Allocate(false, p)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if !fx.table.Pinned(f) {
		t.Errorf("newly allocated %v is not pinned", f)
	}
	if owner, ok := fx.table.Owner(f); !ok || owner != p {
		t.Errorf("Owner(%v) got (%v, %t) want the allocating page", f, owner, ok)
	}
	want := Stats{Frames: 2, Registered: 1, Pinned: 1}
	if diff := cmp.Diff(want, fx.table.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if got := fx.stats.Load(usage.Anonymous); got != 1 {
		t.Errorf("resident anonymous pages got %d want 1", got)
	}
}

func TestPinExclusion(t *testing.T) {
	for _, accessedB := range []bool{false, true} {
		t.Run(fmt.Sprintf("accessedB=%t", accessedB), func(t *testing.T) {
			fx := newFixture(t, 2)
			a, fa := fx.fault(1)
			b, fb := fx.fault(2)
			if err := fx.table.SetPin(fa, true); err != nil {
				t.Fatalf("SetPin failed: %v", err)
			}
			fx.pt.SetAccessed(b.addr, accessedB)

			c := &testPage{addr: 0x3000, pt: fx.pt}
			f, err := fx.table.Allocate(false, c)
			if err != nil {
				t.Fatalf("Allocate under pressure failed: %v", err)
			}
			if f != fb {
				t.Errorf("Allocate reused %v, want the unpinned %v", f, fb)
			}
			if len(a.evicted) != 0 {
				t.Errorf("pinned page was evicted")
			}
			if len(b.evicted) != 1 {
				t.Errorf("unpinned page evicted %d times, want 1", len(b.evicted))
			}
			if _, ok := fx.pt.Lookup(b.addr); ok {
				t.Errorf("evicted page is still mapped")
			}
		})
	}
}

func TestSecondChance(t *testing.T) {
	fx := newFixture(t, 3)
	p1, f1 := fx.fault(1)
	p2, _ := fx.fault(2)
	_, f3 := fx.fault(3)
	fx.pt.SetAccessed(p1.addr, true)
	fx.pt.SetAccessed(p2.addr, false)

	freed, err := fx.table.Evict()
	if err != nil || !freed {
		t.Fatalf("Evict got (%t, %v) want (true, nil)", freed, err)
	}
	if len(p2.evicted) != 1 {
		t.Errorf("the first frame with a clear accessed bit was not chosen")
	}
	if fx.pt.Accessed(p1.addr) {
		t.Errorf("the skipped frame kept its accessed bit")
	}
	if diff := cmp.Diff([]platform.Frame{f1, f3}, fx.table.Order()); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
}

func TestEvictAllAccessed(t *testing.T) {
	fx := newFixture(t, 2)
	p1, _ := fx.fault(1)
	p2, _ := fx.fault(2)
	fx.pt.SetAccessed(p1.addr, true)
	fx.pt.SetAccessed(p2.addr, true)

	// The first pass clears both bits, the second evicts the oldest.
	freed, err := fx.table.Evict()
	if err != nil || !freed {
		t.Fatalf("Evict got (%t, %v) want (true, nil)", freed, err)
	}
	if len(p1.evicted) != 1 || len(p2.evicted) != 0 {
		t.Errorf("evictions: page 1 %d, page 2 %d; want 1, 0", len(p1.evicted), len(p2.evicted))
	}
}

func TestEvictReportsDirty(t *testing.T) {
	fx := newFixture(t, 1)
	p, _ := fx.fault(1)
	if !fx.pt.Access(p.addr, hostarch.Write, func(platform.Frame) {}) {
		t.Fatalf("write access failed")
	}
	fx.pt.SetAccessed(p.addr, false)
	if _, err := fx.table.Evict(); err != nil {
		t.Fatalf("Evict failed: %v", err)
	}
	if diff := cmp.Diff([]bool{true}, p.evicted); diff != "" {
		t.Errorf("dirty flags mismatch (-want +got):\n%s", diff)
	}
}

func TestAllPinnedIsENOMEM(t *testing.T) {
	fx := newFixture(t, 2)
	for i := 1; i <= 2; i++ {
		p := &testPage{addr: hostarch.Addr(i) << hostarch.PageShift, pt: fx.pt}
		if _, err := fx.table.Allocate(false, p); err != nil {
			t.Fatalf("Allocate #%d failed: %v", i, err)
		}
	}
	if _, err := fx.table.Allocate(false, &testPage{addr: 0x9000, pt: fx.pt}); err != linuxerr.ENOMEM {
		t.Errorf("Allocate with every frame pinned got %v want ENOMEM", err)
	}
}

func TestEvictFailureRestoresMapping(t *testing.T) {
	fx := newFixture(t, 1)
	p, f := fx.fault(1)
	p.fail = linuxerr.ENOSPC

	if _, err := fx.table.Allocate(false, &testPage{addr: 0x9000, pt: fx.pt}); err != linuxerr.ENOSPC {
		t.Fatalf("Allocate got %v want ENOSPC", err)
	}
	if got, ok := fx.pt.Lookup(p.addr); !ok || got != f {
		t.Errorf("mapping after failed eviction got (%v, %t) want (%v, true)", got, ok, f)
	}
	if owner, ok := fx.table.Owner(f); !ok || owner != p {
		t.Errorf("frame lost its owner after failed eviction")
	}
}

func TestEvictFailureSkipsFrame(t *testing.T) {
	fx := newFixture(t, 2)
	stuck, sf := fx.fault(1)
	stuck.fail = linuxerr.ENOSPC
	clean, _ := fx.fault(2)

	for i := 0; i < 3; i++ {
		q := &testPage{addr: hostarch.Addr(8+i) << hostarch.PageShift, pt: fx.pt}
		f, err := fx.table.Allocate(false, q)
		if err != nil {
			t.Fatalf("Allocate #%d got %v want success", i, err)
		}
		if f == sf {
			t.Fatalf("Allocate #%d reused the frame of a page that refused eviction", i)
		}
		if err := fx.table.Remove(f); err != nil {
			t.Fatalf("Remove #%d failed: %v", i, err)
		}
	}
	if diff := cmp.Diff([]bool{false}, clean.evicted); diff != "" {
		t.Errorf("evictions of the evictable page mismatch (-want +got):\n%s", diff)
	}
	if got, ok := fx.pt.Lookup(stuck.addr); !ok || got != sf {
		t.Errorf("mapping of the refusing page got (%v, %t) want (%v, true)", got, ok, sf)
	}
	if _, ok := fx.pt.Lookup(clean.addr); ok {
		t.Errorf("evicted page at %v is still mapped", clean.addr)
	}
}

func TestSingleOwner(t *testing.T) {
	fx := newFixture(t, 4)
	owners := map[platform.Frame]hostarch.Addr{}
	for i := 1; i <= 16; i++ {
		p, f := fx.fault(i)
		owners[f] = p.addr
		for _, g := range fx.table.Order() {
			owner, ok := fx.table.Owner(g)
			if !ok {
				t.Fatalf("%v in allocation order is not registered", g)
			}
			if owners[g] != owner.Addr() {
				t.Fatalf("%v owned by %v, want %v", g, owner.Addr(), owners[g])
			}
		}
		if n := len(fx.table.Order()); n > 4 {
			t.Fatalf("%d frames registered on a 4 frame machine", n)
		}
	}
}

func TestRemoveAndRelease(t *testing.T) {
	fx := newFixture(t, 2)
	p, f := fx.fault(1)
	other := &testPage{addr: p.addr, pt: fx.pt}
	if fx.table.Release(f, other) {
		t.Errorf("Release by a page that does not own the frame succeeded")
	}
	if !fx.table.Release(f, p) {
		t.Fatalf("Release by the owner failed")
	}
	if _, ok := fx.pt.Lookup(p.addr); ok {
		t.Errorf("Release left the mapping present")
	}
	if fx.table.PinOwned(f, p) {
		t.Errorf("PinOwned succeeded on a released frame")
	}

	for _, test := range []struct {
		name string
		err  error
	}{
		{"Remove", fx.table.Remove(f)},
		{"SetPin", fx.table.SetPin(f, true)},
	} {
		if !errors.IsInvariant(test.err) {
			t.Errorf("%s of unregistered frame got %v want invariant error", test.name, test.err)
		}
	}
	if diff := cmp.Diff(Stats{Frames: 2}, fx.table.Stats()); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if got := fx.stats.Load(usage.Anonymous); got != 0 {
		t.Errorf("resident pages after release got %d want 0", got)
	}
}
