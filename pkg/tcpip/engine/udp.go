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
	"time"
)

type datagram struct {
	peer    Endpoint
	payload []byte
}

// packetBuffer holds whole datagrams, bounded both by a number of slots and
// by the total payload size.
type packetBuffer struct {
	slots    int
	capacity int
	used     int
	q        []datagram
}

func newPacketBuffer(slots, capacity int) *packetBuffer {
	return &packetBuffer{slots: slots, capacity: capacity}
}

func (b *packetBuffer) fits(n int) bool {
	return len(b.q) < b.slots && b.used+n <= b.capacity
}

func (b *packetBuffer) full() bool {
	return len(b.q) >= b.slots || b.used >= b.capacity
}

func (b *packetBuffer) empty() bool { return len(b.q) == 0 }

func (b *packetBuffer) push(d datagram) {
	b.q = append(b.q, d)
	b.used += len(d.payload)
}

func (b *packetBuffer) pop() datagram {
	d := b.q[0]
	b.q[0] = datagram{}
	b.q = b.q[1:]
	b.used -= len(d.payload)
	return d
}

func (b *packetBuffer) reset() {
	b.q = nil
	b.used = 0
}

// UDPSocket is a datagram socket.
type UDPSocket struct {
	iface *Interface
	bound bool
	local Endpoint
	rx    *packetBuffer
	tx    *packetBuffer
}

// NewUDPSocket creates an unbound UDP socket. Each direction holds at most
// slots datagrams and size bytes of payload.
func NewUDPSocket(slots, size int) *UDPSocket {
	return &UDPSocket{
		rx: newPacketBuffer(slots, size),
		tx: newPacketBuffer(slots, size),
	}
}

// Protocol implements Socket.Protocol.
func (s *UDPSocket) Protocol() Protocol { return ProtocolUDP }

func (s *UDPSocket) attach(iface *Interface) { s.iface = iface }

// Bind binds the socket to ep.
func (s *UDPSocket) Bind(ep ListenEndpoint) error {
	if ep.Port == 0 {
		return ErrUnaddressable
	}
	if s.bound {
		return ErrInvalidState
	}
	if s.iface != nil && s.iface.udpConflict(s, ep) {
		return ErrAddressInUse
	}
	s.bound = true
	s.local = Endpoint(ep)
	return nil
}

// Endpoint returns the bound endpoint.
func (s *UDPSocket) Endpoint() Endpoint { return s.local }

// IsOpen returns true once the socket is bound.
func (s *UDPSocket) IsOpen() bool { return s.bound }

// CanSend returns true if the transmit buffer has a free slot.
func (s *UDPSocket) CanSend() bool { return !s.tx.full() }

// CanRecv returns true if a datagram is waiting.
func (s *UDPSocket) CanRecv() bool { return !s.rx.empty() }

// PayloadCapacity returns the byte capacity of each direction.
func (s *UDPSocket) PayloadCapacity() int { return s.rx.capacity }

// SendSlice queues data for delivery to to.
func (s *UDPSocket) SendSlice(data []byte, to Endpoint) error {
	if !s.bound || !to.IsSpecified() {
		return ErrUnaddressable
	}
	if !s.tx.fits(len(data)) {
		return ErrBufferFull
	}
	s.tx.push(datagram{peer: to, payload: append([]byte(nil), data...)})
	return nil
}

// RecvSlice dequeues one datagram into buf. If the datagram does not fit,
// the remainder is discarded and ErrTruncated is returned with the copied
// length.
func (s *UDPSocket) RecvSlice(buf []byte) (int, Endpoint, error) {
	if s.rx.empty() {
		return 0, Endpoint{}, ErrExhausted
	}
	d := s.rx.pop()
	n := copy(buf, d.payload)
	if n < len(d.payload) {
		return n, d.peer, ErrTruncated
	}
	return n, d.peer, nil
}

// Close unbinds the socket and drops queued datagrams.
func (s *UDPSocket) Close() {
	s.bound = false
	s.local = Endpoint{}
	s.rx.reset()
	s.tx.reset()
}

func (s *UDPSocket) accepts(dst Endpoint) bool {
	return s.bound && ListenEndpoint(s.local).accepts(dst)
}

func (s *UDPSocket) process(_ time.Time, pkt *Packet) {
	if !s.rx.fits(len(pkt.Payload)) {
		return
	}
	s.rx.push(datagram{peer: pkt.Src, payload: pkt.Payload})
}

func (s *UDPSocket) dispatch(_ time.Time, emit func(*Packet)) {
	for !s.tx.empty() {
		d := s.tx.pop()
		src := s.local
		if src.Addr.Unspecified() {
			src.Addr = s.iface.sourceFor(d.peer.Addr)
		}
		emit(&Packet{
			Protocol: ProtocolUDP,
			Src:      src,
			Dst:      d.peer,
			Payload:  d.payload,
		})
	}
}
