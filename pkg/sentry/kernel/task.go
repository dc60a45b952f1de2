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
	"context"
	"fmt"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/rvkernel/netsock/pkg/sentry/inet"
	"github.com/rvkernel/netsock/pkg/sentry/mm"
)

// ThreadID is a task identifier.
type ThreadID int32

// Task represents a thread of execution in the untrusted app.
//
// Each task is associated with a goroutine, called the task goroutine, that
// runs the task's function while holding the kernel's CPU. Syscalls made on
// behalf of a task take the task as their first argument.
type Task struct {
	k    *Kernel
	id   ThreadID
	name string

	// fdTable is the task's descriptor and socket table. It is owned by the
	// task and released when the task exits.
	fdTable *FDTable

	mm mm.MemoryManager

	// ctx is cancelled when the task is killed.
	ctx    context.Context
	cancel context.CancelFunc
}

// ThreadID returns the task's identifier.
func (t *Task) ThreadID() ThreadID {
	return t.id
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// Kernel returns the kernel the task runs in.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// FDTable returns the task's descriptor table.
func (t *Task) FDTable() *FDTable {
	return t.fdTable
}

// MemoryManager returns the task's address space.
func (t *Task) MemoryManager() mm.MemoryManager {
	return t.mm
}

// NetworkStack returns the network stack visible to the task.
func (t *Task) NetworkStack() *inet.Stack {
	return t.k.stack
}

// Kill interrupts the task. Blocking operations in progress, and any started
// afterwards, fail with EINTR at their next suspension point.
func (t *Task) Kill() {
	t.cancel()
}

// Killed returns true once Kill was called or the kernel was shut down.
func (t *Task) Killed() bool {
	return t.ctx.Err() != nil
}

// SuspendCurrentAndRunNext gives up the CPU so that other tasks can run, and
// returns when this task is scheduled again. It returns EINTR if the task was
// killed, in which case the caller must abandon the operation.
func (t *Task) SuspendCurrentAndRunNext() error {
	if t.Killed() {
		return linuxerr.EINTR
	}
	t.k.sched.Yield()
	if t.Killed() {
		return linuxerr.EINTR
	}
	return nil
}

// CopyInBytes copies len(dst) bytes from application memory at addr.
func (t *Task) CopyInBytes(addr hostarch.Addr, dst []byte) (int, error) {
	return t.mm.CopyIn(addr, dst)
}

// CopyOutBytes copies src to application memory at addr.
func (t *Task) CopyOutBytes(addr hostarch.Addr, src []byte) (int, error) {
	return t.mm.CopyOut(addr, src)
}

// CopyInInt32 reads a native-endian int32 from addr.
func (t *Task) CopyInInt32(addr hostarch.Addr) (int32, error) {
	var buf [4]byte
	if _, err := t.CopyInBytes(addr, buf[:]); err != nil {
		return 0, err
	}
	return int32(hostarch.ByteOrder.Uint32(buf[:])), nil
}

// CopyOutInt32 writes v to addr in native byte order.
func (t *Task) CopyOutInt32(addr hostarch.Addr, v int32) error {
	var buf [4]byte
	hostarch.ByteOrder.PutUint32(buf[:], uint32(v))
	_, err := t.CopyOutBytes(addr, buf[:])
	return err
}

// Debugf logs at debug level with the task prefix.
func (t *Task) Debugf(format string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.Debugf(t.logPrefix()+format, v...)
	}
}

// Infof logs at info level with the task prefix.
func (t *Task) Infof(format string, v ...any) {
	if log.IsLogging(log.Info) {
		log.Infof(t.logPrefix()+format, v...)
	}
}

// Warningf logs at warning level with the task prefix.
func (t *Task) Warningf(format string, v ...any) {
	log.Warningf(t.logPrefix()+format, v...)
}

func (t *Task) logPrefix() string {
	return fmt.Sprintf("[%4d:%s] ", t.id, t.name)
}

// exit releases everything the task owns.
func (t *Task) exit() {
	t.fdTable.RemoveAll()
	t.cancel()
}
