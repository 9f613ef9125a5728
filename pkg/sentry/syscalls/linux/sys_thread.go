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

package linux

import (
	"gvisor.dev/pager/pkg/sentry/kernel"
)

// Halt implements halt(2). It powers off the kernel and does not return to
// the caller.
func Halt(t *kernel.Task, args kernel.SyscallArguments) (int32, error) {
	t.Kernel().Halt()
	return 0, nil
}

// Exit implements exit(2).
func Exit(t *kernel.Task, args kernel.SyscallArguments) (int32, error) {
	t.Exit(args.Int(0))
	panic("unreachable")
}
