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

package engine

// ringBuffer is a fixed-capacity byte FIFO.
type ringBuffer struct {
	data []byte
	head int
	size int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{data: make([]byte, capacity)}
}

func (b *ringBuffer) capacity() int { return len(b.data) }
func (b *ringBuffer) len() int      { return b.size }
func (b *ringBuffer) free() int     { return len(b.data) - b.size }
func (b *ringBuffer) empty() bool   { return b.size == 0 }
func (b *ringBuffer) full() bool    { return b.size == len(b.data) }

// write appends as much of p as fits and returns the number of bytes taken.
func (b *ringBuffer) write(p []byte) int {
	n := 0
	for n < len(p) && !b.full() {
		tail := (b.head + b.size) % len(b.data)
		end := len(b.data)
		if tail < b.head {
			end = b.head
		}
		c := copy(b.data[tail:end], p[n:])
		b.size += c
		n += c
	}
	return n
}

// peek copies bytes starting at off without consuming them.
func (b *ringBuffer) peek(off int, p []byte) int {
	if off >= b.size {
		return 0
	}
	avail := b.size - off
	if len(p) > avail {
		p = p[:avail]
	}
	n := 0
	for n < len(p) {
		start := (b.head + off + n) % len(b.data)
		end := len(b.data)
		if start+len(p)-n < end {
			end = start + len(p) - n
		}
		n += copy(p[n:], b.data[start:end])
	}
	return n
}

// discard drops up to n bytes from the front.
func (b *ringBuffer) discard(n int) int {
	if n > b.size {
		n = b.size
	}
	b.head = (b.head + n) % len(b.data)
	b.size -= n
	if b.size == 0 {
		b.head = 0
	}
	return n
}

// read consumes up to len(p) bytes.
func (b *ringBuffer) read(p []byte) int {
	return b.discard(b.peek(0, p))
}

func (b *ringBuffer) reset() {
	b.head, b.size = 0, 0
}
