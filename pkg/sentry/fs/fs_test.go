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

package fs

import (
	"io"
	"strings"
	"testing"

	"gvisor.dev/pager/pkg/errors/linuxerr"
)

func TestCreate(t *testing.T) {
	fs := NewMemFS()
	for _, test := range []struct {
		name string
		size int64
		want bool
	}{
		{"test.txt", 100, true},
		{"test.txt", 10, false},
		{"", 0, false},
		{strings.Repeat("x", NameMax), 0, true},
		{strings.Repeat("x", NameMax+1), 0, false},
		{"neg", -1, false},
		{"wrapped", int64(int32(-1)), false},
		{"huge", 0x7fffffff, false},
		{"over", MaxFileSize + 1, false},
		{"max", MaxFileSize, true},
	} {
		if got := fs.Create(test.name, test.size); got != test.want {
			t.Errorf("Create(%q, %d) got %t want %t", test.name, test.size, got, test.want)
		}
	}
	f, err := fs.Open("test.txt")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if f.Size() != 100 {
		t.Errorf("Size() got %d want 100", f.Size())
	}
	if fs.Len() != 3 {
		t.Errorf("Len() got %d want 3", fs.Len())
	}
}

func TestCreatedFileReadsZero(t *testing.T) {
	fs := NewMemFS()
	if !fs.Create("big", MaxFileSize) {
		t.Fatalf("Create(%q, %d) failed", "big", MaxFileSize)
	}
	f, err := fs.Open("big")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, test := range []struct {
		name    string
		off     int64
		wantN   int
		wantErr error
	}{
		{"start", 0, 8, nil},
		{"middle", MaxFileSize / 2, 8, nil},
		{"tail", MaxFileSize - 3, 3, io.EOF},
		{"end", MaxFileSize, 0, io.EOF},
	} {
		t.Run(test.name, func(t *testing.T) {
			buf := []byte("XXXXXXXX")
			n, err := f.ReadAt(buf, test.off)
			if n != test.wantN || err != test.wantErr {
				t.Fatalf("ReadAt(%d) got (%d, %v) want (%d, %v)", test.off, n, err, test.wantN, test.wantErr)
			}
			for i, b := range buf[:n] {
				if b != 0 {
					t.Errorf("byte %d got %#x want 0", i, b)
				}
			}
		})
	}
}

func TestReadAt(t *testing.T) {
	fs := NewMemFS()
	if err := fs.WriteFile("prog", []byte("hello")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := fs.WriteFile("prog", nil); err != linuxerr.EEXIST {
		t.Errorf("second WriteFile got %v want EEXIST", err)
	}
	f, _ := fs.Open("prog")
	buf := make([]byte, 4)
	if n, err := f.ReadAt(buf, 3); n != 2 || err != io.EOF || string(buf[:n]) != "lo" {
		t.Errorf("ReadAt past end got (%d, %v, %q) want (2, EOF, \"lo\")", n, err, buf[:n])
	}
	if n, err := f.ReadAt(buf, 10); n != 0 || err != io.EOF {
		t.Errorf("ReadAt beyond end got (%d, %v) want (0, EOF)", n, err)
	}
	if _, err := fs.Open("missing"); err != linuxerr.ENOENT {
		t.Errorf("Open of a missing file got %v want ENOENT", err)
	}
}
