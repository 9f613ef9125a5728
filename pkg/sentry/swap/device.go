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

package swap

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/hostarch"
	"gvisor.dev/pager/pkg/log"
	"gvisor.dev/pager/pkg/sync"
)

// maxRetries bounds how many times a transient host error is retried before
// the I/O fails.
const maxRetries = 5

// FileDevice is a Device backed by a host file.
type FileDevice struct {
	f    *os.File
	size int64
}

var _ Device = (*FileDevice)(nil)

// OpenFile creates or opens path as a swap file of slots pages. The file is
// truncated to exactly that size.
func OpenFile(path string, slots int) (*FileDevice, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("swap file needs at least one slot, got %d: %w", slots, linuxerr.EINVAL)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening swap file: %w", err)
	}
	size := int64(slots) * hostarch.PageSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing swap file to %d bytes: %w", size, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, fmt.Errorf("fstat swap file: %w", err)
	}
	if st.Size != size {
		f.Close()
		return nil, fmt.Errorf("swap file is %d bytes after truncate, want %d", st.Size, size)
	}
	log.Infof("Swap file %q: %d slots", path, slots)
	return &FileDevice{f: f, size: size}, nil
}

// Size implements Device.Size.
func (d *FileDevice) Size() int64 {
	return d.size
}

// ReadAt implements io.ReaderAt.ReadAt.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.transfer(p, off, unix.Pread)
}

// WriteAt implements io.WriterAt.WriteAt.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.transfer(p, off, unix.Pwrite)
}

func (d *FileDevice) transfer(p []byte, off int64, op func(fd int, p []byte, off int64) (int, error)) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("transfer of %d bytes at %d outside device of %d bytes: %w", len(p), off, d.size, linuxerr.EINVAL)
	}
	fd := int(d.f.Fd())
	done := 0
	for done < len(p) {
		var n int
		err := retryTransient(func() error {
			var err error
			n, err = op(fd, p[done:], off+int64(done))
			return err
		})
		if err != nil {
			return done, err
		}
		if n == 0 {
			return done, io.ErrUnexpectedEOF
		}
		done += n
	}
	return done, nil
}

// Close closes the swap file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

// retryTransient calls op until it succeeds, fails with an error other than
// EINTR or EAGAIN, or maxRetries is exhausted.
func retryTransient(op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), maxRetries)
	return backoff.Retry(func() error {
		err := op()
		switch err {
		case nil:
			return nil
		case unix.EINTR, unix.EAGAIN:
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)
}

// MemoryDevice is a Device held in memory.
type MemoryDevice struct {
	mu   sync.RWMutex
	data []byte
}

var _ Device = (*MemoryDevice)(nil)

// NewMemoryDevice returns a MemoryDevice with room for slots pages.
func NewMemoryDevice(slots int) *MemoryDevice {
	return &MemoryDevice{data: make([]byte, slots*hostarch.PageSize)}
}

// Size implements Device.Size.
func (d *MemoryDevice) Size() int64 {
	return int64(len(d.data))
}

// ReadAt implements io.ReaderAt.ReadAt.
func (d *MemoryDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, io.EOF
	}
	return copy(p, d.data[off:]), nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (d *MemoryDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(d.data)) {
		return 0, linuxerr.ENOSPC
	}
	return copy(d.data[off:], p), nil
}
