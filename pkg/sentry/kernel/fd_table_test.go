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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
)

const (
	// maxFD is the maximum FD to try to create in the map.
	maxFD = 2 * 1024
)

type testFile struct {
	FileRefs
	released bool
}

func newTestFile() *testFile {
	f := &testFile{}
	f.InitRefs(func() { f.released = true })
	return f
}

func (*testFile) Read(*Task, []byte, IOOptions) (int, error)  { return 0, nil }
func (*testFile) Write(*Task, []byte, IOOptions) (int, error) { return 0, nil }

type testSocket struct {
	testFile
}

func newTestSocket() *testSocket {
	s := &testSocket{}
	s.InitRefs(func() { s.released = true })
	return s
}

func (*testSocket) IsSocket() {}

func runTest(t testing.TB, fn func(fdTable *FDTable, file *testFile)) {
	t.Helper() // Don't show in stacks.
	fn(NewFDTable(maxFD), newTestFile())
}

// TestFDTableMany allocates maxFD FDs, i.e. maxes out the FDTable, until there
// is no room, then makes sure that NewFDAt works and also that if we remove
// one and add one that works too.
func TestFDTableMany(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *testFile) {
		for i := 0; i < maxFD; i++ {
			if _, err := fdTable.NewFDs(0, []File{file}, FDFlags{}); err != nil {
				t.Fatalf("Allocated %v FDs but wanted to allocate %v", i, maxFD)
			}
		}

		if _, err := fdTable.NewFDs(0, []File{file}, FDFlags{}); !linuxerr.Equals(linuxerr.EMFILE, err) {
			t.Fatalf("fdTable.NewFDs(0, r) in full map: got %v, wanted EMFILE", err)
		}

		if err := fdTable.NewFDAt(1, file, FDFlags{}); err != nil {
			t.Fatalf("fdTable.NewFDAt(1, r, FDFlags{}): got %v, wanted nil", err)
		}

		i := int32(2)
		fdTable.Remove(i).DecRef()
		if fds, err := fdTable.NewFDs(0, []File{file}, FDFlags{}); err != nil || fds[0] != i {
			t.Fatalf("Allocated %v FDs but wanted to allocate %v: %v", i, maxFD, err)
		}
	})
}

func TestFDTableOverLimit(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *testFile) {
		if _, err := fdTable.NewFDs(maxFD, []File{file}, FDFlags{}); err == nil {
			t.Fatalf("fdTable.NewFDs(maxFD, f): got nil, wanted error")
		}

		if _, err := fdTable.NewFDs(maxFD-2, []File{file, file, file}, FDFlags{}); err == nil {
			t.Fatalf("fdTable.NewFDs(maxFD-2, {f,f,f}): got nil, wanted error")
		}
		if got := fdTable.Size(); got != 0 {
			t.Fatalf("failed NewFDs left %d descriptors behind", got)
		}

		if fds, err := fdTable.NewFDs(maxFD-3, []File{file, file, file}, FDFlags{}); err != nil {
			t.Fatalf("fdTable.NewFDs(maxFD-3, {f,f,f}): got %v, wanted nil", err)
		} else {
			for _, fd := range fds {
				fdTable.Remove(fd).DecRef()
			}
		}

		if fds, err := fdTable.NewFDs(maxFD-1, []File{file}, FDFlags{}); err != nil || fds[0] != maxFD-1 {
			t.Fatalf("fdTable.NewFDs(maxFD-1, f): got (%v, %v), wanted ([%d], nil)", fds, err, maxFD-1)
		}

		if fds, err := fdTable.NewFDs(0, []File{file}, FDFlags{}); err != nil {
			t.Fatalf("Adding an FD to a resized map: got %v, want nil", err)
		} else if len(fds) != 1 || fds[0] != 0 {
			t.Fatalf("Added an FD to a resized map: got %v, want {0}", fds)
		}
	})
}

func TestFDTableLowestFree(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *testFile) {
		for i := 0; i < 5; i++ {
			fdTable.NewFD(file, FDFlags{})
		}
		fdTable.Remove(3).DecRef()
		fdTable.Remove(1).DecRef()

		var got []int32
		for i := 0; i < 3; i++ {
			fd, err := fdTable.NewFD(file, FDFlags{})
			if err != nil {
				t.Fatalf("NewFD: %v", err)
			}
			got = append(got, fd)
		}
		if diff := cmp.Diff([]int32{1, 3, 5}, got); diff != "" {
			t.Errorf("allocation order mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]int32{0, 1, 2, 3, 4, 5}, fdTable.GetFDs()); diff != "" {
			t.Errorf("GetFDs() mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestFDTableRefs(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *testFile) {
		fd, err := fdTable.NewFD(file, FDFlags{})
		if err != nil {
			t.Fatalf("NewFD: %v", err)
		}
		// Drop the creator's reference; the table keeps the file alive.
		file.DecRef()
		if file.released {
			t.Fatalf("file released while installed")
		}

		got, flags := fdTable.Get(fd)
		if got != File(file) || flags != (FDFlags{}) {
			t.Fatalf("Get(%d) = (%v, %+v), want (%v, {})", fd, got, flags, file)
		}
		got.DecRef()

		replacement := newTestFile()
		if err := fdTable.NewFDAt(fd, replacement, FDFlags{CloseOnExec: true}); err != nil {
			t.Fatalf("NewFDAt: %v", err)
		}
		if !file.released {
			t.Errorf("displaced file not released")
		}
		replacement.DecRef()

		fdTable.RemoveAll()
		if !replacement.released {
			t.Errorf("RemoveAll did not release the remaining file")
		}
		if got, _ := fdTable.Get(fd); got != nil {
			t.Errorf("Get(%d) after RemoveAll = %v, want nil", fd, got)
		}
	})
}

func TestFDTableSetFlags(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *testFile) {
		if err := fdTable.SetFlags(0, FDFlags{}); !linuxerr.Equals(linuxerr.EBADF, err) {
			t.Fatalf("SetFlags on a closed fd: got %v, want EBADF", err)
		}
		fd, _ := fdTable.NewFD(file, FDFlags{})
		want := FDFlags{CloseOnExec: true, NonBlocking: true}
		if err := fdTable.SetFlags(fd, want); err != nil {
			t.Fatalf("SetFlags: %v", err)
		}
		f, flags := fdTable.Get(fd)
		defer f.DecRef()
		if flags != want {
			t.Errorf("Get(%d) flags = %+v, want %+v", fd, flags, want)
		}
		if !flags.IOOptions().NonBlocking {
			t.Errorf("IOOptions().NonBlocking = false")
		}
	})
}

func TestFDTableSocketTable(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *testFile) {
		sock := newTestSocket()
		fileFD, _ := fdTable.NewFD(file, FDFlags{})
		sockFD, _ := fdTable.NewFD(sock, FDFlags{})

		if _, _, err := fdTable.GetSocket(fileFD); !linuxerr.Equals(linuxerr.ENOTSOCK, err) {
			t.Errorf("GetSocket on a plain file: got %v, want ENOTSOCK", err)
		}
		if _, _, err := fdTable.GetSocket(99); !linuxerr.Equals(linuxerr.EBADF, err) {
			t.Errorf("GetSocket on a closed fd: got %v, want EBADF", err)
		}
		s, _, err := fdTable.GetSocket(sockFD)
		if err != nil || s != SocketFile(sock) {
			t.Fatalf("GetSocket(%d) = (%v, %v), want (%v, nil)", sockFD, s, err, sock)
		}
		s.DecRef()

		fd, found, ok := fdTable.FindSocket(func(s SocketFile) bool { return s == SocketFile(sock) })
		if !ok || fd != sockFD {
			t.Fatalf("FindSocket = (%d, %t), want (%d, true)", fd, ok, sockFD)
		}
		found.DecRef()

		// Pointing the socket descriptor at a plain file drops it from the
		// socket table.
		if err := fdTable.Replace(sockFD, file); err != nil {
			t.Fatalf("Replace: %v", err)
		}
		if _, _, err := fdTable.GetSocket(sockFD); !linuxerr.Equals(linuxerr.ENOTSOCK, err) {
			t.Errorf("GetSocket after Replace: got %v, want ENOTSOCK", err)
		}
	})
}

func TestFDTableSwapAndMove(t *testing.T) {
	runTest(t, func(fdTable *FDTable, file *testFile) {
		listener := newTestSocket()
		listenFlags := FDFlags{NonBlocking: true}
		fd, err := fdTable.NewFD(listener, listenFlags)
		if err != nil {
			t.Fatalf("NewFD: %v", err)
		}
		replacement := newTestSocket()

		if _, err := fdTable.SwapAndMove(fd, replacement, replacement, FDFlags{}); !linuxerr.Equals(linuxerr.EBADF, err) {
			t.Fatalf("SwapAndMove with the wrong expected file: got %v, want EBADF", err)
		}

		movedFlags := FDFlags{CloseOnExec: true}
		newFD, err := fdTable.SwapAndMove(fd, listener, replacement, movedFlags)
		if err != nil {
			t.Fatalf("SwapAndMove: %v", err)
		}
		if newFD == fd {
			t.Fatalf("SwapAndMove returned the swapped descriptor %d", fd)
		}

		s, flags, err := fdTable.GetSocket(fd)
		if err != nil || s != SocketFile(replacement) || flags != listenFlags {
			t.Errorf("GetSocket(%d) = (%v, %+v, %v), want (replacement, %+v, nil)", fd, s, flags, err, listenFlags)
		}
		s.DecRef()
		s, flags, err = fdTable.GetSocket(newFD)
		if err != nil || s != SocketFile(listener) || flags != movedFlags {
			t.Errorf("GetSocket(%d) = (%v, %+v, %v), want (original, %+v, nil)", newFD, s, flags, err, movedFlags)
		}
		s.DecRef()

		// Exactly one table reference each.
		listener.DecRef()
		replacement.DecRef()
		if listener.released || replacement.released {
			t.Fatalf("a swapped file was released while still installed")
		}
		fdTable.RemoveAll()
		if !listener.released || !replacement.released {
			t.Errorf("RemoveAll left references behind: listener %d, replacement %d", listener.ReadRefs(), replacement.ReadRefs())
		}
	})
}

func TestFDTableSwapAndMoveFull(t *testing.T) {
	fdTable := NewFDTable(1)
	listener := newTestSocket()
	fd, _ := fdTable.NewFD(listener, FDFlags{})
	replacement := newTestSocket()
	if _, err := fdTable.SwapAndMove(fd, listener, replacement, FDFlags{}); !linuxerr.Equals(linuxerr.EMFILE, err) {
		t.Fatalf("SwapAndMove in a full table: got %v, want EMFILE", err)
	}
	s, _, _ := fdTable.GetSocket(fd)
	defer s.DecRef()
	if s != SocketFile(listener) {
		t.Errorf("failed SwapAndMove changed descriptor %d", fd)
	}
}
