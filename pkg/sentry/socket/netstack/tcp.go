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

// TCPSocket is a stream socket backed by one engine TCP socket.
//
// The engine socket never changes hands: a listening TCPSocket that accepts
// a connection becomes the connected socket, and a fresh TCPSocket takes
// over listening (see Accept).
type TCPSocket struct {
	kernel.FileRefs
	socket.BufferSizes

	stack  *inet.Stack
	handle engine.Handle

	mu sync.Mutex
	// local is the endpoint passed to listen and connect.
	//
	// +checklocks:mu
	local engine.ListenEndpoint
	// listening is set by a successful Listen and cleared when the socket
	// leaves the listening descriptor.
	//
	// +checklocks:mu
	listening bool
	// lastState is the engine state seen by the last operation. It is for
	// logging only.
	//
	// +checklocks:mu
	lastState engine.TCPState
}

var _ socket.Socket = (*TCPSocket)(nil)

// NewTCPSocket creates an unbound TCP socket on stack. It is given an
// ephemeral local port, which bind may replace.
func NewTCPSocket(stack *inet.Stack) (*TCPSocket, error) {
	port, err := stack.EphemeralPort(engine.ProtocolTCP)
	if err != nil {
		return nil, translateEngineError(err)
	}
	h := stack.NewTCPSocket()
	stack.Poll()

	s := &TCPSocket{
		stack:  stack,
		handle: h,
		local:  engine.ListenEndpoint{Port: port},
	}
	s.InitRefs(s.release)
	size := stack.Config().BufferSize
	s.InitBufferSizes(size, size)
	log.Debugf("tcp %s: new, local %s", h, s.local)
	return s, nil
}

// Handle returns the engine handle.
func (s *TCPSocket) Handle() engine.Handle {
	return s.handle
}

// IsSocket implements kernel.SocketFile.IsSocket.
func (*TCPSocket) IsSocket() {}

// Type implements socket.Socket.Type.
func (*TCPSocket) Type() linux.SockType {
	return linux.SOCK_STREAM
}

// State returns the engine's connection state.
func (s *TCPSocket) State() engine.TCPState {
	var state engine.TCPState
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		state = sock.State()
		s.observe(state)
	})
	return state
}

// observe records state in the diagnostic cache.
//
// Preconditions: s.stack is locked.
func (s *TCPSocket) observe(state engine.TCPState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state != s.lastState {
		log.Debugf("tcp %s: %s -> %s", s.handle, s.lastState, state)
		s.lastState = state
	}
}

func (s *TCPSocket) boundEndpoint() engine.ListenEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Bind implements socket.Socket.Bind. It only records the endpoint; the
// engine checks it on Listen or Connect. A zero port keeps the ephemeral port
// picked at creation.
func (s *TCPSocket) Bind(t *kernel.Task, local engine.ListenEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if local.Port == 0 {
		local.Port = s.local.Port
	}
	t.Debugf("tcp %s: bind %s", s.handle, local)
	s.local = local
	return nil
}

// Listen implements socket.Socket.Listen.
func (s *TCPSocket) Listen(t *kernel.Task) error {
	local := s.boundEndpoint()
	var err error
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		err = sock.Listen(local)
		s.observe(sock.State())
	})
	s.stack.Poll()
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrUnaddressable):
		return linuxerr.EINVAL
	default:
		// Either another listener holds the endpoint or this socket is
		// already in use.
		t.Debugf("tcp %s: listen on %s: %v", s.handle, local, err)
		return linuxerr.EADDRINUSE
	}
	s.mu.Lock()
	s.listening = true
	s.mu.Unlock()
	t.Infof("tcp %s: listening on %s", s.handle, local)
	return nil
}

// IsListening implements socket.Socket.IsListening.
func (s *TCPSocket) IsListening() bool {
	var listening bool
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		listening = sock.IsListening()
	})
	return listening
}

// Accept implements socket.Socket.Accept.
//
// The engine turns the listening socket itself into the connection. Once a
// peer shows up, a new TCPSocket is put into Listen on the same endpoint and
// installed at fd, and s moves to a new descriptor. The table swap is atomic,
// so no other syscall observes fd missing or both descriptors on s.
//
// If the new listener cannot be set up or no descriptor is free (EMFILE), the
// table is left untouched: the connection stays on fd and the next accept on
// fd returns it.
func (s *TCPSocket) Accept(t *kernel.Task, fd int32, opts kernel.IOOptions, flags kernel.FDFlags) (int32, engine.Endpoint, error) {
	s.mu.Lock()
	listening := s.listening
	s.mu.Unlock()
	if !listening {
		return -1, engine.Endpoint{}, linuxerr.EINVAL
	}

	peer, err := retry(t, s.stack, opts, func() (engine.Endpoint, bool, error) {
		var (
			peer engine.Endpoint
			done bool
			err  error
		)
		s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
			state := sock.State()
			s.observe(state)
			switch {
			case !sock.IsOpen():
				err = linuxerr.EINVAL
			case state == engine.StateSynReceived || state == engine.StateEstablished:
				peer, done = sock.RemoteEndpoint()
			}
		})
		return peer, done, err
	})
	if err != nil {
		return -1, engine.Endpoint{}, err
	}
	t.Debugf("tcp %s: connection from %s", s.handle, peer)

	ns, err := NewTCPSocket(s.stack)
	if err != nil {
		return -1, engine.Endpoint{}, err
	}
	defer ns.DecRef()
	if err := ns.Bind(t, s.boundEndpoint()); err != nil {
		return -1, engine.Endpoint{}, err
	}
	if err := ns.Listen(t); err != nil {
		return -1, engine.Endpoint{}, err
	}

	newFD, err := t.FDTable().SwapAndMove(fd, s, ns, flags)
	if err != nil {
		return -1, engine.Endpoint{}, err
	}
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()
	t.Infof("tcp %s: accepted %s on fd %d, tcp %s listens on fd %d", s.handle, peer, newFD, ns.handle, fd)
	return newFD, peer, nil
}

// connected returns true once the handshake has completed, including after
// either side started closing.
func connected(state engine.TCPState) bool {
	switch state {
	case engine.StateClosed, engine.StateListen, engine.StateSynSent, engine.StateSynReceived:
		return false
	default:
		return true
	}
}

func handshaking(state engine.TCPState) bool {
	return state == engine.StateSynSent || state == engine.StateSynReceived
}

// issueConnect starts an active open toward peer.
func (s *TCPSocket) issueConnect(t *kernel.Task, peer engine.Endpoint) error {
	local := s.boundEndpoint()
	var err error
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		err = sock.Connect(peer, local)
		s.observe(sock.State())
	})
	switch {
	case err == nil:
		t.Debugf("tcp %s: connect %s -> %s", s.handle, local, peer)
		return nil
	case errors.Is(err, engine.ErrInvalidState):
		return linuxerr.EISCONN
	default:
		return translateEngineError(err)
	}
}

// Connect implements socket.Socket.Connect.
//
// If the engine drops the connection back to Closed before it is established,
// the connect is issued a second time. A second Closed means the peer refused.
func (s *TCPSocket) Connect(t *kernel.Task, peer engine.Endpoint, opts kernel.IOOptions) error {
	s.stack.Poll()
	switch state := s.State(); {
	case connected(state):
		return linuxerr.EISCONN
	case state == engine.StateSynSent:
		if opts.NonBlocking {
			return linuxerr.EALREADY
		}
	case state == engine.StateListen:
		return linuxerr.EINVAL
	default:
		if err := s.issueConnect(t, peer); err != nil {
			return err
		}
	}

	reissued := false
	_, err := retry(t, s.stack, opts, func() (struct{}, bool, error) {
		state := s.State()
		switch {
		case connected(state):
			return struct{}{}, true, nil
		case state != engine.StateClosed:
			return struct{}{}, false, nil
		case reissued:
			return struct{}{}, false, linuxerr.ECONNREFUSED
		}
		t.Infof("tcp %s: closed before connecting to %s, trying again", s.handle, peer)
		reissued = true
		return struct{}{}, false, s.issueConnect(t, peer)
	})
	if linuxerr.Equals(linuxerr.EAGAIN, err) {
		return linuxerr.EINPROGRESS
	}
	return err
}

// LocalEndpoint implements socket.Socket.LocalEndpoint.
func (s *TCPSocket) LocalEndpoint() engine.ListenEndpoint {
	var (
		ep engine.Endpoint
		ok bool
	)
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		ep, ok = sock.LocalEndpoint()
	})
	if ok {
		return engine.ListenEndpoint(ep)
	}
	return s.boundEndpoint()
}

// RemoteEndpoint implements socket.Socket.RemoteEndpoint.
func (s *TCPSocket) RemoteEndpoint() (engine.Endpoint, bool) {
	s.stack.Poll()
	var (
		ep engine.Endpoint
		ok bool
	)
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		ep, ok = sock.RemoteEndpoint()
	})
	s.stack.Poll()
	return ep, ok
}

// Read implements kernel.File.Read.
//
// Buffered data is returned first. Once it is drained, a connection whose
// peer has finished sending, or whose own FIN was acknowledged (FIN-WAIT-2),
// reads as end of file.
func (s *TCPSocket) Read(t *kernel.Task, dst []byte, opts kernel.IOOptions) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	return retry(t, s.stack, opts, func() (int, bool, error) {
		var (
			n    int
			done bool
			err  error
		)
		s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
			var rerr error
			n, rerr = sock.RecvSlice(dst)
			switch {
			case errors.Is(rerr, engine.ErrFinished):
				done = true
			case handshaking(sock.State()):
				// An accepted connection may still be waiting for the
				// final ACK.
			case rerr != nil:
				err = linuxerr.ENOTCONN
			case n > 0:
				done = true
			case sock.State() == engine.StateFinWait2:
				done = true
			}
		})
		return n, done, err
	})
}

// Write implements kernel.File.Write.
//
// A blocking write returns once all of src is queued. A non-blocking write
// queues what fits and fails with EAGAIN only if nothing did. Writing on a
// connection that cannot send fails with ENOTCONN.
func (s *TCPSocket) Write(t *kernel.Task, src []byte, opts kernel.IOOptions) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	total := 0
	_, err := retry(t, s.stack, opts, func() (int, bool, error) {
		var err error
		s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
			if handshaking(sock.State()) {
				return
			}
			if !sock.MaySend() {
				err = linuxerr.ENOTCONN
				return
			}
			n, _ := sock.SendSlice(src[total:])
			total += n
		})
		return total, total == len(src), err
	})
	if err != nil && total > 0 {
		return total, nil
	}
	return total, err
}

// Shutdown implements socket.Socket.Shutdown. SHUT_WR closes the sending half
// with a FIN; anything else aborts the connection.
func (s *TCPSocket) Shutdown(t *kernel.Task, how int) error {
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		if how == linux.SHUT_WR {
			sock.Close()
		} else {
			sock.Abort()
		}
		s.observe(sock.State())
	})
	s.stack.Poll()
	t.Debugf("tcp %s: shutdown(%d)", s.handle, how)
	return nil
}

// SetNagleEnabled implements socket.Socket.SetNagleEnabled.
func (s *TCPSocket) SetNagleEnabled(enabled bool) error {
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		sock.SetNagleEnabled(enabled)
	})
	return nil
}

// NagleEnabled implements socket.Socket.NagleEnabled.
func (s *TCPSocket) NagleEnabled() (bool, error) {
	var enabled bool
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		enabled = sock.NagleEnabled()
	})
	return enabled, nil
}

// SetKeepAlive implements socket.Socket.SetKeepAlive.
func (s *TCPSocket) SetKeepAlive(enabled bool) error {
	interval := s.stack.Config().KeepAliveInterval
	if !enabled {
		interval = 0
	}
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		sock.SetKeepAlive(interval)
	})
	return nil
}

// KeepAlive implements socket.Socket.KeepAlive.
func (s *TCPSocket) KeepAlive() (bool, error) {
	var enabled bool
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		enabled = sock.KeepAlive() != 0
	})
	return enabled, nil
}

// release closes the connection and drops the engine socket. It runs when
// the last reference is dropped.
func (s *TCPSocket) release() {
	s.stack.TCPSocket(s.handle, func(sock *engine.TCPSocket) {
		if sock.IsOpen() {
			sock.Close()
		}
		s.observe(sock.State())
	})
	s.stack.Poll()
	s.stack.Remove(s.handle)
	s.stack.Poll()
	log.Debugf("tcp %s: released", s.handle)
}
