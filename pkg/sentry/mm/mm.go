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

// Package mm provides the view of application memory used by syscalls.
package mm

import (
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
)

// MemoryManager copies data between the kernel and an application address
// space.
type MemoryManager interface {
	// CopyIn copies len(dst) bytes starting at addr into dst. It returns
	// the number of bytes copied and EFAULT if the range is not mapped.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)

	// CopyOut copies src to addr. It returns the number of bytes copied and
	// EFAULT if the range is not mapped.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)
}

// Flat is a single contiguous mapping starting at a base address. Addresses
// outside of it fault.
type Flat struct {
	base hostarch.Addr

	mu sync.Mutex
	// +checklocks:mu
	mem []byte
	// +checklocks:mu
	brk hostarch.Addr
}

// NewFlat maps size bytes at base.
func NewFlat(base hostarch.Addr, size int) *Flat {
	return &Flat{base: base, mem: make([]byte, size), brk: base}
}

// Base returns the first mapped address.
func (f *Flat) Base() hostarch.Addr {
	return f.base
}

// rangeLocked returns the slice backing [addr, addr+n).
//
// Preconditions: f.mu is locked.
func (f *Flat) rangeLocked(addr hostarch.Addr, n int) ([]byte, error) {
	if addr < f.base {
		return nil, linuxerr.EFAULT
	}
	off := uint64(addr - f.base)
	if off > uint64(len(f.mem)) || uint64(n) > uint64(len(f.mem))-off {
		return nil, linuxerr.EFAULT
	}
	return f.mem[off : off+uint64(n)], nil
}

// CopyIn implements MemoryManager.CopyIn.
func (f *Flat) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, err := f.rangeLocked(addr, len(dst))
	if err != nil {
		return 0, err
	}
	return copy(dst, src), nil
}

// CopyOut implements MemoryManager.CopyOut.
func (f *Flat) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dst, err := f.rangeLocked(addr, len(src))
	if err != nil {
		return 0, err
	}
	return copy(dst, src), nil
}

// Alloc reserves n bytes, aligned to 8, and returns their address. It is a
// bump allocator: memory is never returned.
func (f *Flat) Alloc(n int) (hostarch.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := f.brk
	if _, err := f.rangeLocked(addr, n); err != nil {
		return 0, linuxerr.ENOMEM
	}
	f.brk = addr + hostarch.Addr((n+7)&^7)
	return addr, nil
}
