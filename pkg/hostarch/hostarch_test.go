// Copyright 2026 The gVisor Authors.
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

package hostarch

import "testing"

func TestRounding(t *testing.T) {
	for _, test := range []struct {
		addr Addr
		down Addr
		up   Addr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize - 1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 17, PageSize, 2 * PageSize},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() got %v want %v", test.addr, got, test.down)
		}
		if got, ok := test.addr.RoundUp(); !ok || got != test.up {
			t.Errorf("%v.RoundUp() got (%v, %t) want (%v, true)", test.addr, got, ok, test.up)
		}
	}
}

func TestRoundUpWraps(t *testing.T) {
	if _, ok := (^Addr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should wrap")
	}
}

func TestPages(t *testing.T) {
	for _, test := range []struct {
		name  string
		start Addr
		len   uint64
		pages uint64
	}{
		{"within one page", 0x1010, 16, 1},
		{"exact page", 0x2000, PageSize, 1},
		{"straddles boundary", 0x2ff0, 32, 2},
		{"three pages", 0x3800, 2 * PageSize, 3},
	} {
		t.Run(test.name, func(t *testing.T) {
			ar, ok := test.start.ToRange(test.len)
			if !ok {
				t.Fatalf("ToRange(%d) overflowed", test.len)
			}
			pr, ok := ar.Pages()
			if !ok {
				t.Fatalf("Pages() wrapped")
			}
			if !pr.IsPageAligned() || !pr.IsSupersetOf(ar) {
				t.Errorf("Pages() = %v is not an aligned superset of %v", pr, ar)
			}
			if got := pr.NumPages(); got != test.pages {
				t.Errorf("NumPages() got %d want %d", got, test.pages)
			}
		})
	}
}

func TestAccessType(t *testing.T) {
	if !ReadWrite.SupersetOf(Write) {
		t.Errorf("rw should be a superset of -w")
	}
	if Read.SupersetOf(Write) {
		t.Errorf("r- should not be a superset of -w")
	}
	if got := Write.Effective(); got != ReadWrite {
		t.Errorf("Write.Effective() got %v want %v", got, ReadWrite)
	}
	if got, want := Read.String(), "r-"; got != want {
		t.Errorf("String() got %q want %q", got, want)
	}
}
