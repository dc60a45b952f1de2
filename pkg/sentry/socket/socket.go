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

// Package socket provides the interfaces that need to be provided by socket
// implementations and providers, as well as per family demultiplexing of socket
// creation.
package socket

import (
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/tcpip/engine"
)

// Socket is the interface containing socket syscalls used by the syscall layer
// to redirect them to the appropriate implementation.
//
// Read and Write, inherited from kernel.File, carry the data path of
// recvfrom(2) and sendto(2).
type Socket interface {
	kernel.SocketFile

	// Type returns the socket type, SOCK_STREAM or SOCK_DGRAM.
	Type() linux.SockType

	// Bind implements the bind(2) linux syscall.
	Bind(t *kernel.Task, local engine.ListenEndpoint) error

	// Listen implements the listen(2) linux syscall.
	Listen(t *kernel.Task) error

	// Accept implements the accept4(2) linux syscall. fd is the descriptor
	// the socket is installed at in t's table. The connected socket ends up
	// on the returned descriptor with flags, and fd is handed to a fresh
	// listener. The peer's endpoint is returned too.
	Accept(t *kernel.Task, fd int32, opts kernel.IOOptions, flags kernel.FDFlags) (int32, engine.Endpoint, error)

	// Connect implements the connect(2) linux syscall.
	Connect(t *kernel.Task, peer engine.Endpoint, opts kernel.IOOptions) error

	// Shutdown implements the shutdown(2) linux syscall.
	Shutdown(t *kernel.Task, how int) error

	// LocalEndpoint returns the endpoint the socket is bound to, as reported
	// by getsockname(2).
	LocalEndpoint() engine.ListenEndpoint

	// RemoteEndpoint returns the peer, as reported by getpeername(2).
	RemoteEndpoint() (engine.Endpoint, bool)

	// RecvBufSize and SendBufSize return the SO_RCVBUF and SO_SNDBUF values.
	RecvBufSize() int
	SendBufSize() int

	// SetRecvBufSize and SetSendBufSize record new SO_RCVBUF and SO_SNDBUF
	// values. They do not resize any buffer.
	SetRecvBufSize(size int)
	SetSendBufSize(size int)

	// SetNagleEnabled toggles Nagle's algorithm (the inverse of
	// TCP_NODELAY).
	SetNagleEnabled(enabled bool) error
	NagleEnabled() (bool, error)

	// SetKeepAlive toggles SO_KEEPALIVE.
	SetKeepAlive(enabled bool) error
	KeepAlive() (bool, error)

	// IsListening reports SO_ACCEPTCONN.
	IsListening() bool
}

// Provider is the interface implemented by providers of sockets for specific
// address families (e.g., AF_INET).
type Provider interface {
	// Socket creates a new socket.
	//
	// If a nil Socket _and_ a nil error is returned, it means that the
	// protocol is not supported. A non-nil error should only be returned
	// if the protocol is supported, but an error occurs during creation.
	Socket(t *kernel.Task, stype linux.SockType, protocol int) (Socket, error)

	// Pair creates a pair of connected sockets.
	//
	// See Socket for error information.
	Pair(t *kernel.Task, stype linux.SockType, protocol int) (Socket, Socket, error)
}

var (
	familiesMu sync.Mutex

	// families holds a map of all known address families and their
	// providers.
	families = make(map[int][]Provider)
)

// RegisterProvider registers the provider of a given address family so that
// sockets of that type can be created via socket() and/or socketpair()
// syscalls.
func RegisterProvider(family int, provider Provider) {
	familiesMu.Lock()
	defer familiesMu.Unlock()
	families[family] = append(families[family], provider)
}

func providers(family int) []Provider {
	familiesMu.Lock()
	defer familiesMu.Unlock()
	return families[family]
}

// New creates a new socket with the given family, type and protocol.
func New(t *kernel.Task, family int, stype linux.SockType, protocol int) (Socket, error) {
	for _, p := range providers(family) {
		s, err := p.Socket(t, stype, protocol)
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s, nil
		}
	}

	return nil, linuxerr.EAFNOSUPPORT
}

// Pair creates a new connected socket pair with the given family, type and
// protocol.
func Pair(t *kernel.Task, family int, stype linux.SockType, protocol int) (Socket, Socket, error) {
	ps := providers(family)
	if len(ps) == 0 {
		return nil, nil, linuxerr.EAFNOSUPPORT
	}

	for _, p := range ps {
		s1, s2, err := p.Pair(t, stype, protocol)
		if err != nil {
			return nil, nil, err
		}
		if s1 != nil && s2 != nil {
			return s1, s2, nil
		}
	}

	return nil, nil, linuxerr.ESOCKTNOSUPPORT
}

// BufferSizes stores SO_RCVBUF and SO_SNDBUF.
//
// It is meant to be embedded into Socket implementations to help satisfy the
// interface. The values are advisory: they are reported back to the
// application but never resize a buffer.
type BufferSizes struct {
	mu sync.Mutex
	// +checklocks:mu
	recv int
	// +checklocks:mu
	send int
}

// InitBufferSizes sets both sizes.
func (b *BufferSizes) InitBufferSizes(recv, send int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recv, b.send = recv, send
}

// RecvBufSize implements Socket.RecvBufSize.
func (b *BufferSizes) RecvBufSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recv
}

// SendBufSize implements Socket.SendBufSize.
func (b *BufferSizes) SendBufSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.send
}

// SetRecvBufSize implements Socket.SetRecvBufSize.
func (b *BufferSizes) SetRecvBufSize(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recv = size
}

// SetSendBufSize implements Socket.SetSendBufSize.
func (b *BufferSizes) SetSendBufSize(size int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.send = size
}
