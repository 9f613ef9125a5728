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

// Package linux provides the system call table and implementations for user
// processes.
//
// Arguments are words on the user stack. Each argument is validated when it
// is read, and pointer arguments are validated before they are dereferenced;
// an invalid address terminates the calling process with status -1. User
// buffers are pinned for the duration of any copy to or from the console.
package linux

import (
	"gvisor.dev/pager/pkg/sentry/kernel"
)

// System call numbers.
const (
	SYS_HALT     = 0
	SYS_EXIT     = 1
	SYS_EXEC     = 2
	SYS_WAIT     = 3
	SYS_CREATE   = 4
	SYS_REMOVE   = 5
	SYS_OPEN     = 6
	SYS_FILESIZE = 7
	SYS_READ     = 8
	SYS_WRITE    = 9
	SYS_SEEK     = 10
	SYS_TELL     = 11
	SYS_CLOSE    = 12
)

// Standard file descriptors.
const (
	STDIN_FILENO  = 0
	STDOUT_FILENO = 1
)

// MaxWriteSize is the largest console write accepted in one call. Larger
// writes fail without producing output.
const MaxWriteSize = 512

// Table is the system call table. Numbers without an entry return -1.
var Table = &kernel.SyscallTable{
	Name: "pager",
	Table: map[uint32]kernel.SyscallFn{
		SYS_HALT:   Halt,
		SYS_EXIT:   Exit,
		SYS_CREATE: Create,
		SYS_READ:   Read,
		SYS_WRITE:  Write,
	},
}
