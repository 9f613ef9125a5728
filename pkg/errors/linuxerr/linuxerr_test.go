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

package linuxerr

import (
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors"
)

func TestEquals(t *testing.T) {
	for _, tc := range []struct {
		name string
		e    *errors.Error
		err  error
		want bool
	}{
		{"same", ENOMEM, ENOMEM, true},
		{"unix", ENOSPC, unix.ENOSPC, true},
		{"different", EFAULT, EIO, false},
		{"different unix", EFAULT, unix.EIO, false},
		{"nil both", nil, nil, true},
		{"nil error", EIO, nil, false},
		{"wrapped", EIO, fmt.Errorf("reading slot: %w", EIO), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equals(tc.e, tc.err); got != tc.want {
				t.Errorf("Equals(%v, %v) got %t want %t", tc.e, tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorFromUnix(t *testing.T) {
	if err := ErrorFromUnix(0); err != nil {
		t.Errorf("ErrorFromUnix(0) got %v want nil", err)
	}
	if got := ErrorFromUnix(unix.EINTR); got != EINTR {
		t.Errorf("ErrorFromUnix(EINTR) got %v want %v", got, EINTR)
	}
	if got := ErrorFromUnix(unix.EHWPOISON); got != errNotValidError {
		t.Errorf("ErrorFromUnix(EHWPOISON) got %v want %v", got, errNotValidError)
	}
	if got := ToUnix(ENOSYS); got != unix.ENOSYS {
		t.Errorf("ToUnix(ENOSYS) got %v want %v", got, unix.ENOSYS)
	}
	if ToError(noError) != nil {
		t.Errorf("ToError(nil) got non-nil error")
	}
}
