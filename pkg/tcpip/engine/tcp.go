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

// TCPSocket is a single TCP connection or listener.
//
// A listening socket does not spawn new sockets: when a SYN arrives it moves
// to SynReceived in place and becomes the connection. Callers that want to
// keep listening must open a new socket on the same endpoint.
type TCPSocket struct {
	iface *Interface
	state TCPState

	// listenEP is the endpoint passed to Listen. A listener that is reset
	// during the handshake goes back to listening on it.
	listenEP  ListenEndpoint
	listening bool

	local  Endpoint
	remote Endpoint

	rx *ringBuffer
	// tx holds unacknowledged data followed by unsent data. Its first byte
	// has sequence number sndUna (or sndUna+1 while the SYN is outstanding).
	tx *ringBuffer

	iss      uint32
	synAcked bool
	sndUna   uint32
	sndNxt   uint32
	sndWnd   uint32
	rcvNxt   uint32

	// synSentAt is when the SYN (or SYN-ACK) was last transmitted.
	synSentAt time.Time

	finQueued bool
	finSent   bool
	finSeq    uint32

	ackPending bool
	rst        *Packet

	nagle        bool
	keepAlive    time.Duration
	lastActivity time.Time
	timeWaitEnd  time.Time
}

// NewTCPSocket creates a closed TCP socket with the given buffer sizes.
func NewTCPSocket(rxSize, txSize int) *TCPSocket {
	return &TCPSocket{
		rx:    newRingBuffer(rxSize),
		tx:    newRingBuffer(txSize),
		nagle: true,
	}
}

// Protocol implements Socket.Protocol.
func (s *TCPSocket) Protocol() Protocol { return ProtocolTCP }

func (s *TCPSocket) attach(iface *Interface) { s.iface = iface }

// State returns the connection state.
func (s *TCPSocket) State() TCPState { return s.state }

// IsOpen returns true unless the socket is Closed or in TIME-WAIT.
func (s *TCPSocket) IsOpen() bool {
	return s.state != StateClosed && s.state != StateTimeWait
}

// IsListening returns true in the Listen state.
func (s *TCPSocket) IsListening() bool { return s.state == StateListen }

// IsActive returns true if the socket has, or is establishing, a peer.
func (s *TCPSocket) IsActive() bool {
	switch s.state {
	case StateClosed, StateListen, StateTimeWait:
		return false
	default:
		return true
	}
}

// MaySend returns true if the transmit half is open.
func (s *TCPSocket) MaySend() bool {
	return s.state == StateEstablished || s.state == StateCloseWait
}

// CanSend returns true if MaySend and the transmit buffer has room.
func (s *TCPSocket) CanSend() bool {
	return s.MaySend() && !s.tx.full()
}

// MayRecv returns true if the receive half is open or still holds data.
func (s *TCPSocket) MayRecv() bool {
	switch s.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
		return true
	default:
		return !s.rx.empty()
	}
}

// CanRecv returns true if there is data to read.
func (s *TCPSocket) CanRecv() bool { return !s.rx.empty() }

// RecvCapacity returns the size of the receive buffer.
func (s *TCPSocket) RecvCapacity() int { return s.rx.capacity() }

// SendCapacity returns the size of the transmit buffer.
func (s *TCPSocket) SendCapacity() int { return s.tx.capacity() }

// SetNagleEnabled toggles coalescing of small segments.
func (s *TCPSocket) SetNagleEnabled(enabled bool) { s.nagle = enabled }

// NagleEnabled returns whether small segments are coalesced.
func (s *TCPSocket) NagleEnabled() bool { return s.nagle }

// SetKeepAlive sets the keep-alive probe interval. Zero disables probes.
func (s *TCPSocket) SetKeepAlive(interval time.Duration) { s.keepAlive = interval }

// KeepAlive returns the keep-alive probe interval.
func (s *TCPSocket) KeepAlive() time.Duration { return s.keepAlive }

// LocalEndpoint returns the local endpoint of a connection.
func (s *TCPSocket) LocalEndpoint() (Endpoint, bool) {
	if s.state == StateClosed {
		return Endpoint{}, false
	}
	if s.state == StateListen {
		return Endpoint(s.listenEP), true
	}
	return s.local, true
}

// RemoteEndpoint returns the peer of a connection.
func (s *TCPSocket) RemoteEndpoint() (Endpoint, bool) {
	if !s.IsActive() && s.state != StateTimeWait {
		return Endpoint{}, false
	}
	return s.remote, true
}

// Listen starts accepting a single connection on ep.
func (s *TCPSocket) Listen(ep ListenEndpoint) error {
	if ep.Port == 0 {
		return ErrUnaddressable
	}
	if s.state == StateListen && s.listenEP == ep {
		return nil
	}
	if s.IsOpen() {
		return ErrInvalidState
	}
	if s.iface != nil && s.iface.listenerConflict(s, ep) {
		return ErrAddressInUse
	}
	s.reset()
	s.state = StateListen
	s.listenEP = ep
	s.listening = true
	s.local = Endpoint(ep)
	return nil
}

// Connect starts an active open to remote from local. An unspecified local
// address is replaced by the interface's address toward remote, and a zero
// local port by an ephemeral port.
func (s *TCPSocket) Connect(remote Endpoint, local ListenEndpoint) error {
	if s.iface == nil {
		return ErrInvalidState
	}
	if s.IsOpen() {
		return ErrInvalidState
	}
	if !remote.IsSpecified() {
		return ErrUnaddressable
	}
	if local.Port == 0 {
		p, err := s.iface.EphemeralPort(ProtocolTCP)
		if err != nil {
			return err
		}
		local.Port = p
	}
	if local.Addr.Unspecified() {
		local.Addr = s.iface.sourceFor(remote.Addr)
	}
	s.reset()
	s.local = Endpoint(local)
	s.remote = remote
	s.iss = s.iface.rng.Uint32()
	s.sndUna = s.iss
	s.sndNxt = s.iss
	s.state = StateSynSent
	return nil
}

// SendSlice queues as much of b as fits in the transmit buffer.
func (s *TCPSocket) SendSlice(b []byte) (int, error) {
	if !s.MaySend() {
		return 0, ErrIllegal
	}
	return s.tx.write(b), nil
}

// RecvSlice reads buffered data into b.
func (s *TCPSocket) RecvSlice(b []byte) (int, error) {
	if s.rx.empty() {
		if s.state.PeerClosed() {
			return 0, ErrFinished
		}
		if !s.MayRecv() {
			return 0, ErrInvalidState
		}
		return 0, nil
	}
	wasFull := s.rx.free() < s.mss()
	n := s.rx.read(b)
	if wasFull && s.state.synchronized() {
		// Announce the reopened window.
		s.ackPending = true
	}
	return n, nil
}

// Close starts an orderly shutdown of the transmit half.
func (s *TCPSocket) Close() {
	switch s.state {
	case StateListen, StateSynSent:
		s.reset()
		s.state = StateClosed
	case StateSynReceived, StateEstablished:
		s.finQueued = true
		s.state = StateFinWait1
	case StateCloseWait:
		s.finQueued = true
		s.state = StateLastAck
	}
}

// Abort drops the connection, sending RST to the peer if there is one.
func (s *TCPSocket) Abort() {
	if s.IsActive() {
		s.rst = &Packet{
			Protocol: ProtocolTCP,
			Src:      s.local,
			Dst:      s.remote,
			Flags:    FlagRST | FlagACK,
			Seq:      s.sndNxt,
			Ack:      s.rcvNxt,
		}
	}
	s.reset()
	s.state = StateClosed
}

func (s *TCPSocket) reset() {
	s.listening = false
	s.listenEP = ListenEndpoint{}
	s.local = Endpoint{}
	s.remote = Endpoint{}
	s.rx.reset()
	s.tx.reset()
	s.iss, s.sndUna, s.sndNxt, s.sndWnd, s.rcvNxt = 0, 0, 0, 0, 0
	s.synAcked = false
	s.synSentAt = time.Time{}
	s.finQueued, s.finSent, s.finSeq = false, false, 0
	s.ackPending = false
	s.timeWaitEnd = time.Time{}
}

func (s *TCPSocket) mss() int {
	if s.iface == nil {
		return DefaultMSS
	}
	return s.iface.opts.MSS
}

// owns returns true if pkt belongs to this socket's connection.
func (s *TCPSocket) owns(pkt *Packet) bool {
	switch s.state {
	case StateClosed, StateListen:
		return false
	}
	return s.local == pkt.Dst && s.remote == pkt.Src
}

func (s *TCPSocket) enterTimeWait(now time.Time) {
	s.state = StateTimeWait
	s.timeWaitEnd = now.Add(s.iface.opts.TimeWait)
}

func (s *TCPSocket) process(now time.Time, pkt *Packet) {
	s.lastActivity = now

	if pkt.Flags&FlagRST != 0 {
		switch s.state {
		case StateListen, StateClosed:
		case StateSynReceived:
			ep, listening := s.listenEP, s.listening
			s.reset()
			s.state = StateClosed
			if listening {
				s.state = StateListen
				s.listenEP = ep
				s.listening = true
				s.local = Endpoint(ep)
			}
		default:
			s.reset()
			s.state = StateClosed
		}
		return
	}

	switch s.state {
	case StateClosed:
		return

	case StateListen:
		if pkt.Flags&FlagSYN == 0 || pkt.Flags&FlagACK != 0 {
			return
		}
		s.local = pkt.Dst
		s.remote = pkt.Src
		s.rcvNxt = pkt.Seq + 1
		s.iss = s.iface.rng.Uint32()
		s.sndUna = s.iss
		s.sndNxt = s.iss
		s.sndWnd = pkt.Window
		s.synSentAt = time.Time{}
		s.state = StateSynReceived
		return

	case StateSynSent:
		if pkt.Flags&(FlagSYN|FlagACK) != FlagSYN|FlagACK || pkt.Ack != s.iss+1 {
			return
		}
		s.rcvNxt = pkt.Seq + 1
		s.sndUna = pkt.Ack
		s.synAcked = true
		s.sndWnd = pkt.Window
		s.state = StateEstablished
		s.ackPending = true
		return

	case StateSynReceived:
		if pkt.Flags&FlagSYN != 0 {
			// Retransmitted SYN: our SYN-ACK was lost.
			s.synSentAt = time.Time{}
			return
		}
		if pkt.Flags&FlagACK == 0 || pkt.Ack != s.iss+1 {
			return
		}
		s.sndUna = pkt.Ack
		s.synAcked = true
		s.sndWnd = pkt.Window
		s.state = StateEstablished
	}

	if pkt.Seq != s.rcvNxt {
		// Old or out of order: tell the peer where we are.
		s.ackPending = true
	}

	if pkt.Flags&FlagACK != 0 {
		s.processAck(now, pkt)
	}
	if s.state == StateClosed {
		return
	}

	if len(pkt.Payload) > 0 {
		if pkt.Seq == s.rcvNxt && s.acceptsData() {
			n := s.rx.write(pkt.Payload)
			s.rcvNxt += uint32(n)
		}
		s.ackPending = true
	}

	if pkt.Flags&FlagFIN != 0 {
		if pkt.Seq+uint32(len(pkt.Payload)) != s.rcvNxt {
			s.ackPending = true
			return
		}
		s.rcvNxt++
		s.ackPending = true
		switch s.state {
		case StateEstablished:
			s.state = StateCloseWait
		case StateFinWait1:
			s.state = StateClosing
		case StateFinWait2:
			s.enterTimeWait(now)
		}
	}
}

func (s *TCPSocket) acceptsData() bool {
	switch s.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
		return true
	default:
		return false
	}
}

func (s *TCPSocket) processAck(now time.Time, pkt *Packet) {
	s.sndWnd = pkt.Window
	acked := pkt.Ack - s.sndUna
	if acked == 0 || acked > s.sndNxt-s.sndUna {
		return
	}
	finAcked := s.finSent && pkt.Ack == s.finSeq+1
	data := int(acked)
	if !s.synAcked {
		data--
		s.synAcked = true
	}
	if finAcked {
		data--
	}
	s.tx.discard(data)
	s.sndUna = pkt.Ack
	if !finAcked {
		return
	}
	switch s.state {
	case StateFinWait1:
		s.state = StateFinWait2
	case StateClosing:
		s.enterTimeWait(now)
	case StateLastAck:
		s.reset()
		s.state = StateClosed
	}
}

func (s *TCPSocket) segment(flags Flags, seq uint32, payload []byte) *Packet {
	return &Packet{
		Protocol: ProtocolTCP,
		Src:      s.local,
		Dst:      s.remote,
		Flags:    flags,
		Seq:      seq,
		Ack:      s.rcvNxt,
		Window:   uint32(s.rx.free()),
		Payload:  payload,
	}
}

func (s *TCPSocket) dispatch(now time.Time, emit func(*Packet)) {
	if s.rst != nil {
		emit(s.rst)
		s.rst = nil
	}

	switch s.state {
	case StateClosed, StateListen:
		return

	case StateTimeWait:
		if !now.Before(s.timeWaitEnd) {
			s.reset()
			s.state = StateClosed
			return
		}

	case StateSynSent:
		if s.synSentAt.IsZero() || now.Sub(s.synSentAt) >= s.iface.opts.SYNRetransmit {
			p := s.segment(FlagSYN, s.iss, nil)
			p.Ack = 0
			emit(p)
			s.sndNxt = s.iss + 1
			s.synSentAt = now
		}
		return

	case StateSynReceived:
		if s.synSentAt.IsZero() || now.Sub(s.synSentAt) >= s.iface.opts.SYNRetransmit {
			emit(s.segment(FlagSYN|FlagACK, s.iss, nil))
			s.sndNxt = s.iss + 1
			s.synSentAt = now
		}
		return
	}

	s.sendData(emit)

	if s.finQueued && !s.finSent && int(s.sndNxt-s.sndUna) == s.tx.len() {
		s.finSeq = s.sndNxt
		emit(s.segment(FlagFIN|FlagACK, s.sndNxt, nil))
		s.sndNxt++
		s.finSent = true
		s.ackPending = false
	}

	if s.ackPending {
		emit(s.segment(FlagACK, s.sndNxt, nil))
		s.ackPending = false
		s.lastActivity = now
	}

	if s.keepAlive > 0 && s.state == StateEstablished && now.Sub(s.lastActivity) >= s.keepAlive {
		// A probe is an old sequence number: the peer answers with an ACK.
		emit(s.segment(FlagACK, s.sndNxt-1, nil))
		s.lastActivity = now
	}
}

func (s *TCPSocket) sendData(emit func(*Packet)) {
	if s.finSent {
		return
	}
	mss := s.mss()
	for {
		inFlight := int(s.sndNxt - s.sndUna)
		unsent := s.tx.len() - inFlight
		window := int(s.sndWnd) - inFlight
		n := unsent
		if n > window {
			n = window
		}
		if n > mss {
			n = mss
		}
		if n <= 0 {
			return
		}
		if s.nagle && n < mss && inFlight > 0 {
			return
		}
		payload := make([]byte, n)
		s.tx.peek(inFlight, payload)
		emit(s.segment(FlagACK, s.sndNxt, payload))
		s.sndNxt += uint32(n)
		s.ackPending = false
	}
}
