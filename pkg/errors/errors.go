// Copyright 2021 The gVisor Authors.
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

// Package errors holds the standardized error definitions for the pager.
package errors

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error represents a syscall errno with a descriptive message.
type Error struct {
	errno   unix.Errno
	message string
}

// New creates a new *Error.
func New(err unix.Errno, message string) *Error {
	return &Error{
		errno:   err,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Errno returns the underlying unix.Errno value.
func (e *Error) Errno() unix.Errno { return e.errno }

// InvariantError reports a broken internal invariant of the memory manager:
// a frame with no owner, a double-freed swap slot, an impossible page state.
// Such errors are not recoverable. The kernel halts when it sees one.
type InvariantError struct {
	// Op names the operation that observed the violation.
	Op string

	// Msg describes the violation.
	Msg string
}

// Error implements error.Error.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Op, e.Msg)
}

// Invariantf returns an *InvariantError for op with a formatted message.
func Invariantf(op, format string, v ...any) error {
	return &InvariantError{Op: op, Msg: fmt.Sprintf(format, v...)}
}

// IsInvariant returns true if err or anything it wraps is an
// *InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
