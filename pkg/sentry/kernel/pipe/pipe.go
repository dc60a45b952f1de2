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

// Package pipe provides an in-memory implementation of a unidirectional
// pipe.
package pipe

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/rvkernel/netsock/pkg/sentry/kernel"
)

// DefaultPipeSize is the system-wide default size of a pipe in bytes.
const DefaultPipeSize = 65536

// atomicIOBytes is the size of writes that are never split (PIPE_BUF).
const atomicIOBytes = hostarch.PageSize

// Pipe is an encapsulation of a platform-independent pipe.
// It manages a buffered byte queue shared between a reader/writer
// pair.
type Pipe struct {
	// Max size of the pipe in bytes. When this max has been reached,
	// writers will get EWOULDBLOCK.
	max int

	// Max number of bytes the pipe can guarantee to read or write
	// atomically.
	atomicIOBytes int

	// The number of active readers and writers for this pipe.
	readers atomic.Int32
	writers atomic.Int32

	// Lock protecting all pipe internal state.
	mu sync.Mutex

	// The buffered byte queue.
	//
	// +checklocks:mu
	data [][]byte

	// Current size of the pipe in bytes.
	//
	// +checklocks:mu
	size int
}

// NewPipe initializes and returns a pipe with no readers or writers.
func NewPipe(sizeBytes int) *Pipe {
	a := atomicIOBytes
	if a > sizeBytes {
		a = sizeBytes
	}
	return &Pipe{max: sizeBytes, atomicIOBytes: a}
}

// NewConnectedPipe initializes a pipe and returns its read and write ends.
func NewConnectedPipe(sizeBytes int) (*Reader, *Writer) {
	p := NewPipe(sizeBytes)
	return p.ROpen(), p.WOpen()
}

// ROpen opens the pipe for reading.
func (p *Pipe) ROpen() *Reader {
	p.readers.Add(1)
	return &Reader{p: p}
}

// WOpen opens the pipe for writing.
func (p *Pipe) WOpen() *Writer {
	p.writers.Add(1)
	return &Writer{p: p}
}

// Capacity returns the size of the pipe in bytes.
func (p *Pipe) Capacity() int {
	return p.max
}

// Queued returns the number of bytes waiting to be read.
func (p *Pipe) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// HasReaders returns whether the pipe has any active readers.
func (p *Pipe) HasReaders() bool {
	return p.readers.Load() > 0
}

// HasWriters returns whether the pipe has any active writers.
func (p *Pipe) HasWriters() bool {
	return p.writers.Load() > 0
}

// read reads data from the pipe into dst and returns the number of bytes
// read, or returns EWOULDBLOCK if the pipe is empty.
func (p *Pipe) read(dst []byte) (int, error) {
	// Don't block for a zero-length read even if the pipe is empty.
	if len(dst) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// If there is nothing to read at the moment but there is a writer, tell the
	// caller to block.
	if p.size == 0 {
		if !p.HasWriters() {
			// There are no writers, return EOF.
			return 0, nil
		}
		return 0, linuxerr.EWOULDBLOCK
	}
	n := 0
	for len(p.data) > 0 && n < len(dst) {
		c := copy(dst[n:], p.data[0])
		n += c
		if c == len(p.data[0]) {
			p.data[0] = nil
			p.data = p.data[1:]
		} else {
			p.data[0] = p.data[0][c:]
		}
	}
	p.size -= n
	return n, nil
}

// write writes data from src into the pipe and returns the number of bytes
// written. If no bytes are written because the pipe is full (or has less than
// atomicIOBytes free capacity), write returns EWOULDBLOCK.
func (p *Pipe) write(src []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.HasReaders() {
		return 0, linuxerr.EPIPE
	}

	// Writes of at most atomicIOBytes are all or nothing. Larger writes go
	// through in atomicIOBytes chunks.
	canWrite := len(src)
	if free := p.max - p.size; canWrite > free {
		if free < p.atomicIOBytes {
			return 0, linuxerr.EWOULDBLOCK
		}
		canWrite = free - free%p.atomicIOBytes
	}

	p.data = append(p.data, append([]byte(nil), src[:canWrite]...))
	p.size += canWrite
	if canWrite < len(src) {
		// Partial write due to full pipe.
		return canWrite, linuxerr.EWOULDBLOCK
	}
	return canWrite, nil
}

// rClose signals that a reader has closed their end of the pipe.
func (p *Pipe) rClose() {
	newReaders := p.readers.Add(-1)
	if newReaders < 0 {
		panic(fmt.Sprintf("Refcounting bug, pipe has negative readers: %v", newReaders))
	}
}

// wClose signals that a writer has closed their end of the pipe.
func (p *Pipe) wClose() {
	newWriters := p.writers.Add(-1)
	if newWriters < 0 {
		panic(fmt.Sprintf("Refcounting bug, pipe has negative writers: %v.", newWriters))
	}
}

// Reader is the read end of a pipe.
type Reader struct {
	p      *Pipe
	closed atomic.Bool
}

// Pipe returns the underlying pipe.
func (r *Reader) Pipe() *Pipe {
	return r.p
}

// Read reads into dst. It returns 0 at end of file, once the pipe is empty
// and every writer is gone. An empty pipe suspends t unless opts say
// otherwise.
func (r *Reader) Read(t *kernel.Task, dst []byte, opts kernel.IOOptions) (int, error) {
	if r.closed.Load() {
		return 0, linuxerr.EBADF
	}
	for {
		n, err := r.p.read(dst)
		if !linuxerr.Equals(linuxerr.EWOULDBLOCK, err) {
			return n, err
		}
		if opts.NonBlocking {
			return 0, linuxerr.EAGAIN
		}
		if err := t.SuspendCurrentAndRunNext(); err != nil {
			return 0, err
		}
	}
}

// Release closes the read end. Further calls are no-ops.
func (r *Reader) Release() {
	if r.closed.CompareAndSwap(false, true) {
		r.p.rClose()
	}
}

// Writer is the write end of a pipe.
type Writer struct {
	p      *Pipe
	closed atomic.Bool
}

// Pipe returns the underlying pipe.
func (w *Writer) Pipe() *Pipe {
	return w.p
}

// Write writes src. A blocking write returns once all of src is queued; a
// non-blocking write queues what fits and fails with EAGAIN only if nothing
// did. Writing with no reader left fails with EPIPE.
func (w *Writer) Write(t *kernel.Task, src []byte, opts kernel.IOOptions) (int, error) {
	if w.closed.Load() {
		return 0, linuxerr.EBADF
	}
	total := 0
	for {
		n, err := w.p.write(src[total:])
		total += n
		if !linuxerr.Equals(linuxerr.EWOULDBLOCK, err) {
			if err != nil && total > 0 {
				return total, nil
			}
			return total, err
		}
		if opts.NonBlocking {
			if total > 0 {
				return total, nil
			}
			return 0, linuxerr.EAGAIN
		}
		if err := t.SuspendCurrentAndRunNext(); err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
	}
}

// Release closes the write end. Further calls are no-ops.
func (w *Writer) Release() {
	if w.closed.CompareAndSwap(false, true) {
		w.p.wClose()
	}
}
