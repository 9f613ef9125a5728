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

// Package fs provides the filesystem collaborators of the kernel: a create
// target for system calls and readable files that pages can be mapped from.
package fs

import (
	"io"

	"gvisor.dev/pager/pkg/errors/linuxerr"
	"gvisor.dev/pager/pkg/sync"
)

const (
	// NameMax is the longest file name accepted by MemFS.
	NameMax = 14

	// MaxFileSize is the largest file MemFS accepts, the size of the
	// backing disk.
	MaxFileSize = 8 << 20
)

// Filesystem creates files.
type Filesystem interface {
	// Create creates a zero-filled file of size bytes. It returns false if
	// the file cannot be created, for instance because it exists.
	Create(name string, size int64) bool
}

// File is a readable file.
type File interface {
	io.ReaderAt

	// Size returns the file size in bytes.
	Size() int64
}

// MemFS is a flat in-memory Filesystem. It is safe for concurrent use.
type MemFS struct {
	mu sync.Mutex

	// +checklocks:mu
	files map[string]*memFile
}

var _ Filesystem = (*MemFS)(nil)

// NewMemFS returns an empty MemFS.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]*memFile)}
}

// Create implements Filesystem.Create. Sizes outside [0, MaxFileSize] are
// rejected. No storage is reserved; the file reads as zeros.
func (fs *MemFS) Create(name string, size int64) bool {
	return fs.add(name, nil, size) == nil
}

// WriteFile creates name holding a copy of data. It fails with EEXIST if name
// exists and with EINVAL if name is not a valid file name.
func (fs *MemFS) WriteFile(name string, data []byte) error {
	return fs.add(name, append([]byte(nil), data...), int64(len(data)))
}

func (fs *MemFS) add(name string, data []byte, size int64) error {
	if name == "" || len(name) > NameMax || size < 0 || size > MaxFileSize {
		return linuxerr.EINVAL
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; ok {
		return linuxerr.EEXIST
	}
	fs.files[name] = &memFile{data: data, size: size}
	return nil
}

// Open returns the file called name.
func (fs *MemFS) Open(name string) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[name]
	if !ok {
		return nil, linuxerr.ENOENT
	}
	return f, nil
}

// Len returns the number of files.
func (fs *MemFS) Len() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.files)
}

// memFile is an immutable file of size bytes. Bytes past the end of data
// read as zero.
type memFile struct {
	data []byte
	size int64
}

// ReadAt implements io.ReaderAt.ReadAt.
func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, linuxerr.EINVAL
	}
	if off >= f.size {
		return 0, io.EOF
	}
	want := len(p)
	if rem := f.size - off; int64(want) > rem {
		p = p[:rem]
	}
	n := 0
	if off < int64(len(f.data)) {
		n = copy(p, f.data[off:])
	}
	clear(p[n:])
	n = len(p)
	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// Size implements File.Size.
func (f *memFile) Size() int64 {
	return f.size
}
