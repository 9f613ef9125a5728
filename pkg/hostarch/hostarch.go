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

// Package hostarch contains address and page size definitions shared by the
// pager's packages.
package hostarch

import "encoding/binary"

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of a page (and of a physical frame) in bytes.
	PageSize = 1 << PageShift

	// WordSize is the size of a user-visible machine word. User programs
	// pass system call numbers and arguments as words on their stack.
	WordSize = 4
)

// ByteOrder is the byte order of user memory.
var ByteOrder = binary.LittleEndian
