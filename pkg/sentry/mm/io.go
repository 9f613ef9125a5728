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
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/sentry/platform"
)

// maxStringLen bounds CopyInString.
const maxStringLen = hostarch.PageSize

// CopyIn copies len(dst) bytes from user memory at addr into dst, faulting
// pages in as a user access would. sp is the saved user stack pointer.
func (mm *MemoryManager) CopyIn(addr hostarch.Addr, dst []byte, sp hostarch.Addr) error {
	return mm.access(addr, uint64(len(dst)), hostarch.Read, sp, func(off int, b []byte) {
		copy(dst[off:], b)
	})
}

// CopyOut copies src to user memory at addr, faulting pages in as a user
// access would. sp is the saved user stack pointer.
func (mm *MemoryManager) CopyOut(addr hostarch.Addr, src []byte, sp hostarch.Addr) error {
	return mm.access(addr, uint64(len(src)), hostarch.Write, sp, func(off int, b []byte) {
		copy(b, src[off:])
	})
}

// CopyInString copies a NUL-terminated string from user memory at addr. The
// string, excluding the terminator, may be at most maxLen bytes; a longer one
// fails with ENAMETOOLONG.
func (mm *MemoryManager) CopyInString(addr hostarch.Addr, maxLen int, sp hostarch.Addr) (string, error) {
	if maxLen <= 0 || maxLen > maxStringLen {
		maxLen = maxStringLen
	}
	var buf []byte
	for {
		// Read up to the end of the current page, so a string that ends
		// just before an unmapped page does not fault.
		n := int(hostarch.PageSize - addr.PageOffset())
		if rem := maxLen + 1 - len(buf); n > rem {
			n = rem
		}
		chunk := make([]byte, n)
		if err := mm.CopyIn(addr, chunk, sp); err != nil {
			return "", err
		}
		for i, c := range chunk {
			if c == 0 {
				return string(append(buf, chunk[:i]...)), nil
			}
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLen {
			return "", linuxerr.ENAMETOOLONG
		}
		end, ok := addr.AddLength(uint64(n))
		if !ok {
			return "", linuxerr.EFAULT
		}
		addr = end
	}
}

// access calls fn with successive page-sized pieces of user memory covering
// [addr, addr+length), each with its offset into the range. Every page is
// accessed through the page table with at, so accessed and dirty bits are
// set as the hardware would, and faults are resolved with HandleFault. fn
// runs while the page cannot be evicted.
func (mm *MemoryManager) access(addr hostarch.Addr, length uint64, at hostarch.AccessType, sp hostarch.Addr, fn func(off int, b []byte)) error {
	if length == 0 {
		return nil
	}
	ar, ok := mm.CheckIORange(addr, length)
	if !ok {
		return linuxerr.EFAULT
	}
	off := 0
	for cur := ar.Start; cur < ar.End; {
		page := cur.RoundDown()
		next := page + hostarch.PageSize
		if next > ar.End || next < page {
			next = ar.End
		}
		start := int(cur.PageOffset())
		end := start + int(next-cur)
		ok := mm.pt.Access(page, at, func(f platform.Frame) {
			fn(off, mm.mem.Bytes(f)[start:end])
		})
		if !ok {
			if err := mm.HandleFault(cur, at, sp); err != nil {
				return err
			}
			continue
		}
		off += end - start
		cur = next
	}
	return nil
}
