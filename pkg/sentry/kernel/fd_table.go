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
	"bytes"
	"fmt"
	"sort"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"
)

// FDFlags define flags for an individual descriptor.
type FDFlags struct {
	// CloseOnExec indicates the descriptor should be closed on exec.
	CloseOnExec bool

	// NonBlocking makes operations through the descriptor fail with EAGAIN
	// instead of suspending the task.
	NonBlocking bool
}

// ToLinuxFileFlags converts a kernel.FDFlags object to a Linux file flags
// representation.
func (f FDFlags) ToLinuxFileFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.O_CLOEXEC
	}
	if f.NonBlocking {
		mask |= linux.O_NONBLOCK
	}
	return
}

// ToLinuxFDFlags converts a kernel.FDFlags object to a Linux descriptor flags
// representation.
func (f FDFlags) ToLinuxFDFlags() (mask uint) {
	if f.CloseOnExec {
		mask |= linux.FD_CLOEXEC
	}
	return
}

// IOOptions returns the options for I/O through a descriptor with these
// flags.
func (f FDFlags) IOOptions() IOOptions {
	return IOOptions{NonBlocking: f.NonBlocking}
}

// descriptor holds the details about a file descriptor, namely the file
// itself and the descriptor flags.
type descriptor struct {
	file  File
	flags FDFlags
}

// FDTable maps descriptors to files. Sockets are additionally tracked in a
// socket table so that socket syscalls can find their capability object
// without a type switch; both tables change together under mu.
type FDTable struct {
	// limit is the number of descriptors the table can hold.
	limit int32

	mu sync.Mutex

	// +checklocks:mu
	files map[int32]descriptor
	// +checklocks:mu
	sockets map[int32]SocketFile

	// free holds released descriptors below next.
	//
	// +checklocks:mu
	free *btree.BTreeG[int32]
	// next is the lowest descriptor that was never handed out.
	//
	// +checklocks:mu
	next int32
}

// NewFDTable allocates a new FDTable that may be used by tasks in k.
func (k *Kernel) NewFDTable() *FDTable {
	return NewFDTable(int32(k.cfg.Kernel.MaxFDs))
}

// NewFDTable returns an empty table holding at most limit descriptors.
func NewFDTable(limit int32) *FDTable {
	return &FDTable{
		limit:   limit,
		files:   make(map[int32]descriptor),
		sockets: make(map[int32]SocketFile),
		free:    btree.NewG[int32](2, func(a, b int32) bool { return a < b }),
	}
}

// Size returns the number of open descriptors.
func (f *FDTable) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files)
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	var b bytes.Buffer
	for _, fd := range f.GetFDs() {
		f.mu.Lock()
		d, ok := f.files[fd]
		_, sock := f.sockets[fd]
		f.mu.Unlock()
		if ok {
			b.WriteString(fmt.Sprintf("\tfd:%d => %T socket:%t flags:%+v\n", fd, d.file, sock, d.flags))
		}
	}
	return b.String()
}

// allocLocked returns the lowest free descriptor that is >= min.
//
// Preconditions: f.mu is locked.
func (f *FDTable) allocLocked(min int32) (int32, error) {
	fd := int32(-1)
	f.free.AscendGreaterOrEqual(min, func(item int32) bool {
		fd = item
		return false
	})
	if fd >= 0 {
		f.free.Delete(fd)
		return fd, nil
	}
	if min < f.next {
		min = f.next
	}
	if min >= f.limit {
		return -1, linuxerr.EMFILE
	}
	f.claimLocked(min)
	return min, nil
}

// claimLocked marks fd as used, growing the high-water mark if needed.
//
// Preconditions: f.mu is locked. fd is not in use.
func (f *FDTable) claimLocked(fd int32) {
	if fd < f.next {
		f.free.Delete(fd)
		return
	}
	for i := f.next; i < fd; i++ {
		f.free.ReplaceOrInsert(i)
	}
	f.next = fd + 1
}

// setLocked installs file at fd, taking a table reference. The displaced
// file, if any, is returned with the table's reference for the caller to drop.
//
// Preconditions: f.mu is locked. fd has been claimed.
func (f *FDTable) setLocked(fd int32, file File, flags FDFlags) File {
	old := f.files[fd].file
	file.IncRef()
	f.files[fd] = descriptor{file: file, flags: flags}
	if s, ok := file.(SocketFile); ok {
		f.sockets[fd] = s
	} else {
		delete(f.sockets, fd)
	}
	return old
}

// clearLocked removes fd and returns its file with the table's reference.
//
// Preconditions: f.mu is locked.
func (f *FDTable) clearLocked(fd int32) File {
	d, ok := f.files[fd]
	if !ok {
		return nil
	}
	delete(f.files, fd)
	delete(f.sockets, fd)
	f.free.ReplaceOrInsert(fd)
	return d.file
}

// NewFDs allocates new FDs guaranteed to be the lowest number available
// greater than or equal to the fd parameter. All files will share the set
// flags. Success is guaranteed to be all or none.
func (f *FDTable) NewFDs(fd int32, files []File, flags FDFlags) (fds []int32, err error) {
	if fd < 0 {
		// Don't accept negative FDs.
		return nil, linuxerr.EINVAL
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, file := range files {
		i, err := f.allocLocked(fd)
		if err != nil {
			// Unwind existing FDs. The caller still holds its own
			// references, so these DecRefs never release a file.
			for _, j := range fds {
				f.clearLocked(j).DecRef()
			}
			return nil, err
		}
		f.setLocked(i, file, flags)
		fds = append(fds, i)
	}
	return fds, nil
}

// NewFD allocates the lowest free descriptor for file.
func (f *FDTable) NewFD(file File, flags FDFlags) (int32, error) {
	fds, err := f.NewFDs(0, []File{file}, flags)
	if err != nil {
		return -1, err
	}
	return fds[0], nil
}

// NewFDAt sets the file reference for the given FD. If there is an active
// reference for that FD, the ref count for that existing reference is
// decremented.
func (f *FDTable) NewFDAt(fd int32, file File, flags FDFlags) error {
	if fd < 0 {
		// Don't accept negative FDs.
		return linuxerr.EBADF
	}
	if fd >= f.limit {
		return linuxerr.EMFILE
	}

	f.mu.Lock()
	if _, ok := f.files[fd]; !ok {
		f.claimLocked(fd)
	}
	old := f.setLocked(fd, file, flags)
	f.mu.Unlock()

	if old != nil {
		old.DecRef()
	}
	return nil
}

// Replace points an open descriptor at a different file, keeping its flags.
func (f *FDTable) Replace(fd int32, file File) error {
	f.mu.Lock()
	d, ok := f.files[fd]
	if !ok {
		f.mu.Unlock()
		return linuxerr.EBADF
	}
	old := f.setLocked(fd, file, d.flags)
	f.mu.Unlock()

	old.DecRef()
	return nil
}

// SetFlags sets the flags for the given file descriptor.
func (f *FDTable) SetFlags(fd int32, flags FDFlags) error {
	if fd < 0 {
		// Don't accept negative FDs.
		return linuxerr.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.files[fd]
	if !ok {
		return linuxerr.EBADF
	}
	f.files[fd] = descriptor{file: d.file, flags: flags}
	return nil
}

// Get returns a reference to the file and the flags for the FD or nil if no
// file is defined for the given fd.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Get(fd int32) (File, FDFlags) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.files[fd]
	if !ok {
		return nil, FDFlags{}
	}
	d.file.IncRef()
	return d.file, d.flags
}

// GetSocket returns a reference to the socket at fd and the descriptor flags.
// It fails with EBADF if fd is not open and ENOTSOCK if it is not a socket.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) GetSocket(fd int32) (SocketFile, FDFlags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.files[fd]
	if !ok {
		return nil, FDFlags{}, linuxerr.EBADF
	}
	s, ok := f.sockets[fd]
	if !ok {
		return nil, FDFlags{}, linuxerr.ENOTSOCK
	}
	s.IncRef()
	return s, d.flags, nil
}

// FindSocket returns a reference to the first socket, in descriptor order,
// for which match returns true.
//
// match runs with the table locked and must not use the table.
func (f *FDTable) FindSocket(match func(SocketFile) bool) (int32, SocketFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fds := make([]int32, 0, len(f.sockets))
	for fd := range f.sockets {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	for _, fd := range fds {
		if s := f.sockets[fd]; match(s) {
			s.IncRef()
			return fd, s, true
		}
	}
	return -1, nil, false
}

// SwapAndMove atomically installs replacement at fd, where expect must
// currently be installed, and moves expect to the lowest free descriptor
// with movedFlags. fd keeps its flags. The new descriptor is returned.
//
// No other operation on the table can observe a state in between: either fd
// refers to expect and the new descriptor does not exist, or fd refers to
// replacement and the new descriptor refers to expect.
func (f *FDTable) SwapAndMove(fd int32, expect File, replacement File, movedFlags FDFlags) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.files[fd]
	if !ok || d.file != expect {
		return -1, linuxerr.EBADF
	}
	newFD, err := f.allocLocked(0)
	if err != nil {
		return -1, err
	}
	// The table reference held for fd moves along with expect.
	f.files[newFD] = descriptor{file: expect, flags: movedFlags}
	if s, ok := expect.(SocketFile); ok {
		f.sockets[newFD] = s
	}
	delete(f.files, fd)
	delete(f.sockets, fd)
	f.setLocked(fd, replacement, d.flags)
	return newFD, nil
}

// GetFDs returns a sorted list of valid fds.
func (f *FDTable) GetFDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	fds := make([]int32, 0, len(f.files))
	for fd := range f.files {
		fds = append(fds, fd)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i] < fds[j] })
	return fds
}

// Remove removes an FD from and returns a non-file iff successful.
//
// N.B. Callers are required to use DecRef when they are done.
func (f *FDTable) Remove(fd int32) File {
	if fd < 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.clearLocked(fd)
}

// RemoveIf removes all FDs where cond is true.
func (f *FDTable) RemoveIf(cond func(File, FDFlags) bool) {
	var dropped []File
	f.mu.Lock()
	for fd, d := range f.files {
		if cond(d.file, d.flags) {
			dropped = append(dropped, f.clearLocked(fd))
		}
	}
	f.mu.Unlock()

	for _, file := range dropped {
		file.DecRef()
	}
}

// RemoveAll closes every descriptor.
func (f *FDTable) RemoveAll() {
	f.RemoveIf(func(File, FDFlags) bool { return true })
}
