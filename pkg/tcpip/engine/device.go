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

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"
)

// Flags are TCP control flags.
type Flags uint8

// TCP control flags.
const (
	FlagFIN Flags = 1 << 0
	FlagSYN Flags = 1 << 1
	FlagRST Flags = 1 << 2
	FlagACK Flags = 1 << 4
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	s := ""
	for _, n := range []struct {
		f    Flags
		name string
	}{{FlagSYN, "S"}, {FlagFIN, "F"}, {FlagRST, "R"}, {FlagACK, "A"}} {
		if f&n.f != 0 {
			s += n.name
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// Packet is a single datagram or segment on the wire.
type Packet struct {
	Protocol Protocol
	Src      Endpoint
	Dst      Endpoint

	// The remaining fields are only meaningful for TCP.
	Flags  Flags
	Seq    uint32
	Ack    uint32
	Window uint32

	Payload []byte
}

// seqLen is the amount of sequence space the segment occupies.
func (p *Packet) seqLen() uint32 {
	n := uint32(len(p.Payload))
	if p.Flags&FlagSYN != 0 {
		n++
	}
	if p.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// String implements fmt.Stringer.
func (p *Packet) String() string {
	return fmt.Sprintf("%s %s->%s [%s] seq=%d ack=%d win=%d len=%d", p.Protocol, p.Src, p.Dst, p.Flags, p.Seq, p.Ack, p.Window, len(p.Payload))
}

// Device moves packets between an Interface and the outside world.
type Device interface {
	// Transmit queues pkt for delivery. The device owns pkt afterwards.
	Transmit(pkt *Packet)

	// Receive returns the next inbound packet, if any. It never blocks.
	Receive() (*Packet, bool)
}

// queue is an unbounded FIFO of packets.
type queue struct {
	mu   sync.Mutex
	pkts []*Packet
}

func (q *queue) write(pkt *Packet) {
	q.mu.Lock()
	q.pkts = append(q.pkts, pkt)
	q.mu.Unlock()
}

func (q *queue) read() (*Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pkts) == 0 {
		return nil, false
	}
	pkt := q.pkts[0]
	q.pkts[0] = nil
	q.pkts = q.pkts[1:]
	return pkt, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pkts)
}

// Loopback is a device that receives everything it transmits.
type Loopback struct {
	q queue
}

// NewLoopback creates a loopback device.
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Transmit implements Device.Transmit.
func (l *Loopback) Transmit(pkt *Packet) {
	l.q.write(clonePacket(pkt))
}

// Receive implements Device.Receive.
func (l *Loopback) Receive() (*Packet, bool) {
	return l.q.read()
}

// Pending returns the number of packets in flight.
func (l *Loopback) Pending() int {
	return l.q.len()
}

// PipeEnd is one side of a device pair created by NewPipe.
type PipeEnd struct {
	rx   *queue
	peer *queue
}

// NewPipe returns two devices wired back to back: whatever one transmits,
// the other receives.
func NewPipe() (*PipeEnd, *PipeEnd) {
	a, b := &queue{}, &queue{}
	return &PipeEnd{rx: a, peer: b}, &PipeEnd{rx: b, peer: a}
}

// Transmit implements Device.Transmit.
func (p *PipeEnd) Transmit(pkt *Packet) {
	p.peer.write(clonePacket(pkt))
}

// Receive implements Device.Receive.
func (p *PipeEnd) Receive() (*Packet, bool) {
	return p.rx.read()
}

func clonePacket(pkt *Packet) *Packet {
	c := *pkt
	if pkt.Payload != nil {
		c.Payload = append([]byte(nil), pkt.Payload...)
	}
	return &c
}
