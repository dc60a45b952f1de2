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

package netstack

import (
	"errors"

	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/rvkernel/netsock/pkg/sentry/inet"
	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/sentry/socket"
	"github.com/rvkernel/netsock/pkg/tcpip/engine"
)

// UDPSocket is a datagram socket backed by one engine UDP socket.
//
// There is no connection. The socket remembers a peer instead: connect sets
// it, and every received datagram replaces it with its sender. Writes go to
// the peer.
type UDPSocket struct {
	kernel.FileRefs
	socket.BufferSizes

	stack  *inet.Stack
	handle engine.Handle

	mu sync.Mutex
	// +checklocks:mu
	peer engine.Endpoint
	// +checklocks:mu
	hasPeer bool
}

var _ socket.Socket = (*UDPSocket)(nil)

// NewUDPSocket creates an unbound UDP socket on stack.
func NewUDPSocket(stack *inet.Stack) *UDPSocket {
	h := stack.NewUDPSocket()
	stack.Poll()
	s := &UDPSocket{
		stack:  stack,
		handle: h,
	}
	s.InitRefs(s.release)
	size := stack.Config().BufferSize
	s.InitBufferSizes(size, size)
	log.Debugf("udp %s: new", h)
	return s
}

// Handle returns the engine handle.
func (s *UDPSocket) Handle() engine.Handle {
	return s.handle
}

// IsSocket implements kernel.SocketFile.IsSocket.
func (*UDPSocket) IsSocket() {}

// Type implements socket.Socket.Type.
func (*UDPSocket) Type() linux.SockType {
	return linux.SOCK_DGRAM
}

// Bind implements socket.Socket.Bind. The engine binds immediately; a zero
// port is replaced by an ephemeral one.
func (s *UDPSocket) Bind(t *kernel.Task, local engine.ListenEndpoint) error {
	if local.Port == 0 {
		port, err := s.stack.EphemeralPort(engine.ProtocolUDP)
		if err != nil {
			return translateEngineError(err)
		}
		local.Port = port
	}
	var err error
	s.stack.UDPSocket(s.handle, func(sock *engine.UDPSocket) {
		err = sock.Bind(local)
	})
	s.stack.Poll()
	switch {
	case err == nil:
		t.Debugf("udp %s: bound to %s", s.handle, local)
		return nil
	case errors.Is(err, engine.ErrAddressInUse):
		return linuxerr.EADDRINUSE
	default:
		return linuxerr.EINVAL
	}
}

// Listen implements socket.Socket.Listen.
func (*UDPSocket) Listen(*kernel.Task) error {
	return linuxerr.EOPNOTSUPP
}

// IsListening implements socket.Socket.IsListening.
func (*UDPSocket) IsListening() bool {
	return false
}

// Accept implements socket.Socket.Accept.
func (*UDPSocket) Accept(*kernel.Task, int32, kernel.IOOptions, kernel.FDFlags) (int32, engine.Endpoint, error) {
	return -1, engine.Endpoint{}, linuxerr.EOPNOTSUPP
}

// Connect implements socket.Socket.Connect. It records peer as the default
// destination and binds an unbound socket to an ephemeral port.
func (s *UDPSocket) Connect(t *kernel.Task, peer engine.Endpoint, _ kernel.IOOptions) error {
	if !peer.IsSpecified() {
		return linuxerr.EINVAL
	}
	if s.LocalEndpoint().Port == 0 {
		if err := s.Bind(t, engine.ListenEndpoint{}); err != nil {
			return err
		}
	}
	s.setPeer(peer)
	t.Debugf("udp %s: peer %s", s.handle, peer)
	return nil
}

func (s *UDPSocket) setPeer(peer engine.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer, s.hasPeer = peer, true
}

// LocalEndpoint implements socket.Socket.LocalEndpoint. An unbound socket
// reports port zero.
func (s *UDPSocket) LocalEndpoint() engine.ListenEndpoint {
	var ep engine.Endpoint
	s.stack.UDPSocket(s.handle, func(sock *engine.UDPSocket) {
		ep = sock.Endpoint()
	})
	return engine.ListenEndpoint(ep)
}

// RemoteEndpoint implements socket.Socket.RemoteEndpoint.
func (s *UDPSocket) RemoteEndpoint() (engine.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.hasPeer
}

// Read implements kernel.File.Read. It receives one datagram; what does not
// fit in dst is discarded. The sender becomes the socket's peer.
func (s *UDPSocket) Read(t *kernel.Task, dst []byte, opts kernel.IOOptions) (int, error) {
	return retry(t, s.stack, opts, func() (int, bool, error) {
		var (
			n    int
			from engine.Endpoint
			err  error
		)
		s.stack.UDPSocket(s.handle, func(sock *engine.UDPSocket) {
			n, from, err = sock.RecvSlice(dst)
		})
		switch {
		case errors.Is(err, engine.ErrExhausted):
			return 0, false, nil
		case err != nil && !errors.Is(err, engine.ErrTruncated):
			return 0, false, translateEngineError(err)
		}
		s.setPeer(from)
		return n, true, nil
	})
}

// Write implements kernel.File.Write. It sends src as one datagram to the
// peer.
func (s *UDPSocket) Write(t *kernel.Task, src []byte, opts kernel.IOOptions) (int, error) {
	peer, ok := s.RemoteEndpoint()
	if !ok {
		return 0, linuxerr.EDESTADDRREQ
	}
	return retry(t, s.stack, opts, func() (int, bool, error) {
		var (
			err     error
			tooBig  bool
			unbound bool
		)
		s.stack.UDPSocket(s.handle, func(sock *engine.UDPSocket) {
			switch {
			case !sock.IsOpen():
				unbound = true
			case len(src) > sock.PayloadCapacity():
				tooBig = true
			default:
				err = sock.SendSlice(src, peer)
			}
		})
		switch {
		case unbound:
			return 0, false, linuxerr.ENOTCONN
		case tooBig:
			return 0, false, linuxerr.ENOBUFS
		case errors.Is(err, engine.ErrBufferFull):
			return 0, false, nil
		case errors.Is(err, engine.ErrUnaddressable):
			return 0, false, linuxerr.ENOTCONN
		case err != nil:
			return 0, false, translateEngineError(err)
		}
		return len(src), true, nil
	})
}

// Shutdown implements socket.Socket.Shutdown. Datagram sockets have no
// halves to close.
func (*UDPSocket) Shutdown(*kernel.Task, int) error {
	return nil
}

// SetNagleEnabled implements socket.Socket.SetNagleEnabled.
func (*UDPSocket) SetNagleEnabled(bool) error {
	return linuxerr.EOPNOTSUPP
}

// NagleEnabled implements socket.Socket.NagleEnabled.
func (*UDPSocket) NagleEnabled() (bool, error) {
	return false, linuxerr.EOPNOTSUPP
}

// SetKeepAlive implements socket.Socket.SetKeepAlive.
func (*UDPSocket) SetKeepAlive(bool) error {
	return linuxerr.EOPNOTSUPP
}

// KeepAlive implements socket.Socket.KeepAlive.
func (*UDPSocket) KeepAlive() (bool, error) {
	return false, linuxerr.EOPNOTSUPP
}

func (s *UDPSocket) release() {
	s.stack.UDPSocket(s.handle, func(sock *engine.UDPSocket) {
		sock.Close()
	})
	s.stack.Poll()
	s.stack.Remove(s.handle)
	s.stack.Poll()
	log.Debugf("udp %s: released", s.handle)
}
