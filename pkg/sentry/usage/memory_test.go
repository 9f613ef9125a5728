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

package usage

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCounts(t *testing.T) {
	var m MemoryLocked
	m.Inc(3, Anonymous)
	m.Inc(2, File)
	m.Inc(1, Swapped)
	m.Dec(1, Anonymous)

	want := MemoryStats{Anonymous: 2, File: 2, Swapped: 1}
	got := m.Copy()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Copy() mismatch (-want +got):\n%s", diff)
	}
	if got.Resident() != 4 {
		t.Errorf("Resident() got %d want 4", got.Resident())
	}
}

func TestUnderflowPanics(t *testing.T) {
	var m MemoryLocked
	defer func() {
		if recover() == nil {
			t.Errorf("Dec below zero did not panic")
		}
	}()
	m.Dec(1, File)
}
