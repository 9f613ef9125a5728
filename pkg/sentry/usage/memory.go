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

// Package usage tracks page usage of the memory manager.
package usage

import (
	"fmt"

	"gvisor.dev/pager/pkg/atomicbitops"
)

// MemoryKind represents a type of page tracked by MemoryLocked.
type MemoryKind int

const (
	// Anonymous represents resident pages whose origin is zero-fill. Grown
	// stack pages are anonymous.
	Anonymous MemoryKind = iota

	// File represents resident pages whose origin is a file mapping.
	File

	// Swapped represents pages whose contents live in a swap slot.
	Swapped

	numKinds
)

// String implements fmt.Stringer.String.
func (k MemoryKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case File:
		return "file"
	case Swapped:
		return "swapped"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// MemoryStats is a snapshot of page counts by kind.
type MemoryStats struct {
	Anonymous uint64
	File      uint64
	Swapped   uint64
}

// Resident returns the number of pages that occupy a frame.
func (s MemoryStats) Resident() uint64 {
	return s.Anonymous + s.File
}

// MemoryLocked counts pages by kind. It is safe for concurrent use.
//
// The name is kept from the accounting it is modeled on; the counters are
// atomics and no lock is needed to read or update them.
type MemoryLocked struct {
	counts [numKinds]atomicbitops.Uint64
}

// Inc adds pages to the count for kind.
func (m *MemoryLocked) Inc(pages uint64, kind MemoryKind) {
	m.counts[kind].Add(pages)
}

// Dec subtracts pages from the count for kind. It panics on underflow, which
// means a page was released twice.
func (m *MemoryLocked) Dec(pages uint64, kind MemoryKind) {
	if v := m.counts[kind].Load(); v < pages {
		panic(fmt.Sprintf("%v page count underflow: %d - %d", kind, v, pages))
	}
	m.counts[kind].Sub(pages)
}

// Load returns the count for kind.
func (m *MemoryLocked) Load(kind MemoryKind) uint64 {
	return m.counts[kind].Load()
}

// Copy returns a snapshot of all counts. Counts are read individually, so
// the snapshot is only consistent while no pages change state.
func (m *MemoryLocked) Copy() MemoryStats {
	return MemoryStats{
		Anonymous: m.counts[Anonymous].Load(),
		File:      m.counts[File].Load(),
		Swapped:   m.counts[Swapped].Load(),
	}
}
