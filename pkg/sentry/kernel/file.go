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

package kernel

import (
	"fmt"
	"sync/atomic"
)

// IOOptions modify a single Read or Write.
type IOOptions struct {
	// NonBlocking causes the operation to fail with EAGAIN instead of
	// suspending the task.
	NonBlocking bool
}

// File is an open file that can be installed in an FDTable.
//
// Files are reference counted. Every descriptor holds a reference, and the
// creator holds the initial one until it is dropped with DecRef.
type File interface {
	// Read reads into dst.
	Read(t *Task, dst []byte, opts IOOptions) (int, error)

	// Write writes src.
	Write(t *Task, src []byte, opts IOOptions) (int, error)

	// IncRef takes a reference.
	IncRef()

	// DecRef drops a reference, releasing the file when it was the last.
	DecRef()
}

// SocketFile is a File that belongs in the socket table.
type SocketFile interface {
	File

	// IsSocket is a marker.
	IsSocket()
}

// FileRefs implements the reference counting half of File.
//
// The zero value is not usable: call InitRefs before the file is shared.
type FileRefs struct {
	refs    atomic.Int64
	release func()
}

// InitRefs sets the count to one. release runs when the count drops to zero.
func (r *FileRefs) InitRefs(release func()) {
	r.refs.Store(1)
	r.release = release
}

// IncRef implements File.IncRef.
func (r *FileRefs) IncRef() {
	if v := r.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("IncRef on released file (refs %d)", v-1))
	}
}

// DecRef implements File.DecRef.
func (r *FileRefs) DecRef() {
	switch v := r.refs.Add(-1); {
	case v < 0:
		panic("DecRef on released file")
	case v == 0:
		if r.release != nil {
			r.release()
		}
	}
}

// ReadRefs returns the current reference count.
func (r *FileRefs) ReadRefs() int64 {
	return r.refs.Load()
}
