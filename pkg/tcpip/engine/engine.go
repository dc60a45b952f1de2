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

// Package engine provides a small poll-driven TCP/UDP packet engine.
//
// An Interface owns a set of protocol sockets and a Device. Nothing happens in
// the background: every call to Interface.Poll drains the device, advances
// the protocol timers, and transmits whatever the sockets have pending.
//
// None of the types in this package are safe for concurrent use. Callers are
// expected to serialize access, see the inet package.
package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sort"
	"time"
)

// Errors returned by socket operations.
var (
	ErrUnaddressable = errors.New("endpoint is unaddressable")
	ErrInvalidState  = errors.New("operation not valid in current state")
	ErrAddressInUse  = errors.New("address already in use")
	ErrIllegal       = errors.New("direction is closed")
	ErrFinished      = errors.New("remote closed the connection")
	ErrBufferFull    = errors.New("buffer full")
	ErrExhausted     = errors.New("buffer exhausted")
	ErrTruncated     = errors.New("datagram truncated")
	ErrNoPorts       = errors.New("no ephemeral ports available")
)

// Protocol is an IP protocol number.
type Protocol uint8

// Supported protocols.
const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

// String implements fmt.Stringer.
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Address is an IPv4 address.
type Address [4]byte

// AnyAddress is the unspecified address.
var AnyAddress Address

// Unspecified returns true if a is 0.0.0.0.
func (a Address) Unspecified() bool {
	return a == AnyAddress
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// ParseAddress parses a dotted-quad IPv4 address.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, err
	}
	if !ip.Is4() {
		return Address{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return Address(ip.As4()), nil
}

// Endpoint is an address and port pair.
type Endpoint struct {
	Addr Address
	Port uint16
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// IsSpecified returns true if both the address and the port are set.
func (e Endpoint) IsSpecified() bool {
	return !e.Addr.Unspecified() && e.Port != 0
}

// ListenEndpoint is a local endpoint where an unspecified address matches
// every local address of the interface.
type ListenEndpoint struct {
	Addr Address
	Port uint16
}

// String implements fmt.Stringer.
func (e ListenEndpoint) String() string {
	return Endpoint(e).String()
}

// accepts returns true if a packet addressed to dst is for e.
func (e ListenEndpoint) accepts(dst Endpoint) bool {
	return e.Port == dst.Port && (e.Addr.Unspecified() || e.Addr == dst.Addr)
}

// Handle identifies a socket in an Interface. Handles are never reused.
type Handle uint32

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("#%d", uint32(h))
}

// Socket is implemented by *TCPSocket and *UDPSocket.
type Socket interface {
	// Protocol returns the socket's protocol.
	Protocol() Protocol

	attach(iface *Interface)
	process(now time.Time, pkt *Packet)
	dispatch(now time.Time, emit func(*Packet))
}

// Options configures an Interface.
type Options struct {
	// Addresses are the local addresses of the interface.
	Addresses []Address

	// MSS is the largest TCP payload put in a single segment.
	MSS int

	// SYNRetransmit is how long a SYN or SYN-ACK waits for an answer.
	SYNRetransmit time.Duration

	// TimeWait is how long a socket lingers in TIME-WAIT.
	TimeWait time.Duration

	// EphemeralFirst and EphemeralLast bound the ephemeral port range.
	EphemeralFirst uint16
	EphemeralLast  uint16

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// Seed seeds initial sequence numbers and port selection.
	Seed int64
}

// Default option values.
const (
	DefaultMSS            = 1 << 15
	DefaultSYNRetransmit  = 200 * time.Millisecond
	DefaultTimeWait       = 2 * time.Second
	DefaultEphemeralFirst = 16000
	DefaultEphemeralLast  = 65535
)

// Interface is a network interface with its socket set.
type Interface struct {
	opts    Options
	dev     Device
	rng     *rand.Rand
	nextID  Handle
	sockets map[Handle]Socket
}

// NewInterface creates an interface transmitting on dev.
func NewInterface(dev Device, opts Options) *Interface {
	if opts.MSS <= 0 {
		opts.MSS = DefaultMSS
	}
	if opts.SYNRetransmit <= 0 {
		opts.SYNRetransmit = DefaultSYNRetransmit
	}
	if opts.TimeWait <= 0 {
		opts.TimeWait = DefaultTimeWait
	}
	if opts.EphemeralFirst == 0 {
		opts.EphemeralFirst = DefaultEphemeralFirst
	}
	if opts.EphemeralLast == 0 || opts.EphemeralLast < opts.EphemeralFirst {
		opts.EphemeralLast = DefaultEphemeralLast
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Interface{
		opts:    opts,
		dev:     dev,
		rng:     rand.New(rand.NewSource(seed)),
		sockets: make(map[Handle]Socket),
	}
}

// Addresses returns the local addresses of the interface.
func (i *Interface) Addresses() []Address {
	return append([]Address(nil), i.opts.Addresses...)
}

// MSS returns the configured maximum segment size.
func (i *Interface) MSS() int {
	return i.opts.MSS
}

// Add inserts s into the socket set and returns its handle.
func (i *Interface) Add(s Socket) Handle {
	i.nextID++
	h := i.nextID
	s.attach(i)
	i.sockets[h] = s
	return h
}

// Remove drops h from the socket set. It returns false if h is unknown.
func (i *Interface) Remove(h Handle) bool {
	if _, ok := i.sockets[h]; !ok {
		return false
	}
	delete(i.sockets, h)
	return true
}

// Get returns the socket for h.
func (i *Interface) Get(h Handle) (Socket, bool) {
	s, ok := i.sockets[h]
	return s, ok
}

// Len returns the number of sockets in the set.
func (i *Interface) Len() int {
	return len(i.sockets)
}

// Poll runs one iteration of the engine: it delivers every packet queued on
// the device, then lets every socket transmit. It returns true if any packet
// was received or sent.
func (i *Interface) Poll() bool {
	now := i.opts.Clock()
	active := false
	for {
		pkt, ok := i.dev.Receive()
		if !ok {
			break
		}
		active = true
		i.deliver(now, pkt)
	}
	for _, h := range i.handles() {
		s, ok := i.sockets[h]
		if !ok {
			continue
		}
		s.dispatch(now, func(pkt *Packet) {
			active = true
			i.dev.Transmit(pkt)
		})
	}
	return active
}

// handles returns the live handles in allocation order so that polling is
// deterministic.
func (i *Interface) handles() []Handle {
	hs := make([]Handle, 0, len(i.sockets))
	for h := range i.sockets {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(a, b int) bool { return hs[a] < hs[b] })
	return hs
}

func (i *Interface) isLocal(a Address) bool {
	for _, l := range i.opts.Addresses {
		if l == a {
			return true
		}
	}
	return false
}

// sourceFor picks the local address used to reach dst.
func (i *Interface) sourceFor(dst Address) Address {
	if i.isLocal(dst) || len(i.opts.Addresses) == 0 {
		return dst
	}
	return i.opts.Addresses[0]
}

func (i *Interface) deliver(now time.Time, pkt *Packet) {
	if !i.isLocal(pkt.Dst.Addr) {
		return
	}
	switch pkt.Protocol {
	case ProtocolTCP:
		i.deliverTCP(now, pkt)
	case ProtocolUDP:
		for _, h := range i.handles() {
			if u, ok := i.sockets[h].(*UDPSocket); ok && u.accepts(pkt.Dst) {
				u.process(now, pkt)
				return
			}
		}
	}
}

func (i *Interface) deliverTCP(now time.Time, pkt *Packet) {
	var listener *TCPSocket
	for _, h := range i.handles() {
		t, ok := i.sockets[h].(*TCPSocket)
		if !ok {
			continue
		}
		if t.owns(pkt) {
			t.process(now, pkt)
			return
		}
		if listener == nil && t.state == StateListen && t.listenEP.accepts(pkt.Dst) {
			listener = t
		}
	}
	if listener != nil {
		listener.process(now, pkt)
		return
	}
	if pkt.Flags&FlagRST != 0 {
		return
	}
	// Nobody is listening: refuse.
	rst := &Packet{
		Protocol: ProtocolTCP,
		Src:      pkt.Dst,
		Dst:      pkt.Src,
		Flags:    FlagRST | FlagACK,
		Ack:      pkt.Seq + pkt.seqLen(),
	}
	if pkt.Flags&FlagACK != 0 {
		rst.Seq = pkt.Ack
	}
	i.dev.Transmit(rst)
}

// EphemeralPort returns a free port for proto from the ephemeral range,
// starting the search at a random offset.
func (i *Interface) EphemeralPort(proto Protocol) (uint16, error) {
	first, last := uint32(i.opts.EphemeralFirst), uint32(i.opts.EphemeralLast)
	count := last - first + 1
	offset := uint32(i.rng.Int63n(int64(count)))
	for n := uint32(0); n < count; n++ {
		port := uint16(first + (offset+n)%count)
		if !i.portInUse(proto, port) {
			return port, nil
		}
	}
	return 0, ErrNoPorts
}

func (i *Interface) portInUse(proto Protocol, port uint16) bool {
	for _, s := range i.sockets {
		switch s := s.(type) {
		case *TCPSocket:
			if proto == ProtocolTCP && s.state != StateClosed && s.local.Port == port {
				return true
			}
		case *UDPSocket:
			if proto == ProtocolUDP && s.bound && s.local.Port == port {
				return true
			}
		}
	}
	return false
}

// listenerConflict returns true if a socket other than self is listening on
// an endpoint overlapping ep.
func (i *Interface) listenerConflict(self *TCPSocket, ep ListenEndpoint) bool {
	for _, s := range i.sockets {
		t, ok := s.(*TCPSocket)
		if !ok || t == self || t.state != StateListen || t.listenEP.Port != ep.Port {
			continue
		}
		if t.listenEP.Addr.Unspecified() || ep.Addr.Unspecified() || t.listenEP.Addr == ep.Addr {
			return true
		}
	}
	return false
}

// udpConflict returns true if a UDP socket other than self is bound to an
// endpoint overlapping ep.
func (i *Interface) udpConflict(self *UDPSocket, ep ListenEndpoint) bool {
	for _, s := range i.sockets {
		u, ok := s.(*UDPSocket)
		if !ok || u == self || !u.bound || u.local.Port != ep.Port {
			continue
		}
		if u.local.Addr.Unspecified() || ep.Addr.Unspecified() || u.local.Addr == ep.Addr {
			return true
		}
	}
	return false
}
