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
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/sentry/kernel"
)

// Create implements create(2). It returns 1 if the file was created and 0
// otherwise.
func Create(t *kernel.Task, args kernel.SyscallArguments) (int32, error) {
	addr := args.Pointer(0)
	size := args.Int(1)

	t.CheckUserAddr(addr)
	name, err := t.CopyInString(addr, 0)
	if linuxerr.Equals(linuxerr.ENAMETOOLONG, err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	fs := t.Kernel().Filesystem()
	if fs == nil || !fs.Create(name, int64(size)) {
		return 0, nil
	}
	return 1, nil
}
