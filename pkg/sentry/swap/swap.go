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

// Package swap implements the backing store that holds evicted page contents.
//
// A Store divides a Device into page-sized slots. Each slot is owned by at
// most one swapped-out page between eviction and swap-in.
package swap

import (
	"fmt"
	"io"

	"gvisor.dev/pager/pkg/bitmap"
	"gvisor.dev/pager/pkg/errors"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/metric"
	"gvisor.dev/pager/pkg/sentry/usage"
	"gvisor.dev/pager/pkg/sync"
)

var (
	writesMetric = metric.MustCreateNewUint64Metric("/swap/writes", "Number of pages written to swap.")
	readsMetric  = metric.MustCreateNewUint64Metric("/swap/reads", "Number of pages read back from swap.")
)

// Slot is the index of a page-sized region of a Device.
type Slot uint32

func (s Slot) offset() int64 {
	return int64(s) << hostarch.PageShift
}

// Device is a block device holding swap slots.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the size of the device in bytes.
	Size() int64
}

// Store is a slot allocator over a Device. It is safe for concurrent use.
type Store struct {
	dev   Device
	stats *usage.MemoryLocked

	mu sync.Mutex

	// used has a bit set for every slot that holds a page.
	//
	// +checklocks:mu
	used bitmap.Bitmap
}

// NewStore returns a Store using every whole page of dev. Slots in use are
// counted in stats as usage.Swapped.
func NewStore(dev Device, stats *usage.MemoryLocked) (*Store, error) {
	slots := dev.Size() >> hostarch.PageShift
	if slots <= 0 {
		return nil, fmt.Errorf("swap device of %d bytes holds no page: %w", dev.Size(), linuxerr.EINVAL)
	}
	if slots > 1<<31 {
		return nil, fmt.Errorf("swap device of %d bytes is too large: %w", dev.Size(), linuxerr.EFBIG)
	}
	return &Store{
		dev:   dev,
		stats: stats,
		used:  bitmap.New(uint32(slots)),
	}, nil
}

// Slots returns the total number of slots.
func (s *Store) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.used.Size())
}

// InUse returns the number of slots holding a page.
func (s *Store) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.used.GetNumOnes())
}

// Write stores one page of content in a free slot and returns the slot. It
// fails with ENOSPC if every slot is in use.
func (s *Store) Write(src []byte) (Slot, error) {
	if len(src) != hostarch.PageSize {
		return 0, errors.Invariantf("swap.Write", "content of %d bytes is not one page", len(src))
	}
	s.mu.Lock()
	n, err := s.used.FirstZero(0)
	if err != nil {
		s.mu.Unlock()
		return 0, linuxerr.ENOSPC
	}
	s.used.Add(n)
	s.mu.Unlock()

	slot := Slot(n)
	if _, err := s.dev.WriteAt(src, slot.offset()); err != nil {
		s.mu.Lock()
		s.used.Remove(n)
		s.mu.Unlock()
		return 0, fmt.Errorf("writing swap slot %d: %w", n, err)
	}
	s.stats.Inc(1, usage.Swapped)
	writesMetric.Increment()
	return slot, nil
}

// Read copies the page held in slot into dst. The slot stays in use; the
// caller frees it once the content is safe elsewhere.
func (s *Store) Read(slot Slot, dst []byte) error {
	if len(dst) != hostarch.PageSize {
		return errors.Invariantf("swap.Read", "destination of %d bytes is not one page", len(dst))
	}
	if err := s.checkInUse("swap.Read", slot); err != nil {
		return err
	}
	if _, err := s.dev.ReadAt(dst, slot.offset()); err != nil {
		return fmt.Errorf("reading swap slot %d: %w", slot, err)
	}
	readsMetric.Increment()
	return nil
}

// Free releases slot. Freeing a slot that is not in use is an invariant
// violation.
func (s *Store) Free(slot Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.used.Has(uint32(slot)) {
		return errors.Invariantf("swap.Free", "slot %d is not in use", slot)
	}
	s.used.Remove(uint32(slot))
	s.stats.Dec(1, usage.Swapped)
	return nil
}

func (s *Store) checkInUse(op string, slot Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.used.Has(uint32(slot)) {
		return errors.Invariantf(op, "slot %d is not in use", slot)
	}
	return nil
}
