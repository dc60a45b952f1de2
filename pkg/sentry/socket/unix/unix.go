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

// Package unix provides an implementation of the socket.Socket interface for
// the AF_UNIX protocol family.
//
// Only connected stream pairs made by socketpair(2) exist. Each pair is two
// pipes crossed over, so that what one end writes the other end reads.
// There is no filesystem namespace, so socket(AF_UNIX) is not supported.
package unix

import (
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/sentry/kernel/pipe"
	"github.com/rvkernel/netsock/pkg/sentry/socket"
	"github.com/rvkernel/netsock/pkg/tcpip/engine"
)

// Socket is one end of a connected pair.
type Socket struct {
	kernel.FileRefs
	socket.BufferSizes

	r *pipe.Reader
	w *pipe.Writer
}

var _ socket.Socket = (*Socket)(nil)

// NewPair returns two connected stream sockets. Each direction buffers up to
// size bytes.
func NewPair(size int) (*Socket, *Socket) {
	r1, w2 := pipe.NewConnectedPipe(size)
	r2, w1 := pipe.NewConnectedPipe(size)
	return newSocket(r1, w1), newSocket(r2, w2)
}

func newSocket(r *pipe.Reader, w *pipe.Writer) *Socket {
	s := &Socket{r: r, w: w}
	s.InitRefs(s.release)
	s.InitBufferSizes(r.Pipe().Capacity(), w.Pipe().Capacity())
	return s
}

// IsSocket implements kernel.SocketFile.IsSocket.
func (*Socket) IsSocket() {}

// Type implements socket.Socket.Type.
func (*Socket) Type() linux.SockType {
	return linux.SOCK_STREAM
}

// Read implements kernel.File.Read. It returns end of file once the other end
// is closed and everything it wrote has been read.
func (s *Socket) Read(t *kernel.Task, dst []byte, opts kernel.IOOptions) (int, error) {
	return s.r.Read(t, dst, opts)
}

// Write implements kernel.File.Write.
func (s *Socket) Write(t *kernel.Task, src []byte, opts kernel.IOOptions) (int, error) {
	return s.w.Write(t, src, opts)
}

// Bind implements socket.Socket.Bind.
func (*Socket) Bind(*kernel.Task, engine.ListenEndpoint) error {
	return linuxerr.EOPNOTSUPP
}

// Listen implements socket.Socket.Listen.
func (*Socket) Listen(*kernel.Task) error {
	return linuxerr.EOPNOTSUPP
}

// IsListening implements socket.Socket.IsListening.
func (*Socket) IsListening() bool {
	return false
}

// Accept implements socket.Socket.Accept.
func (*Socket) Accept(*kernel.Task, int32, kernel.IOOptions, kernel.FDFlags) (int32, engine.Endpoint, error) {
	return -1, engine.Endpoint{}, linuxerr.EOPNOTSUPP
}

// Connect implements socket.Socket.Connect. A pair is connected from the
// start.
func (*Socket) Connect(*kernel.Task, engine.Endpoint, kernel.IOOptions) error {
	return linuxerr.EISCONN
}

// Shutdown implements socket.Socket.Shutdown.
func (*Socket) Shutdown(*kernel.Task, int) error {
	return nil
}

// LocalEndpoint implements socket.Socket.LocalEndpoint. Pairs are unnamed.
func (*Socket) LocalEndpoint() engine.ListenEndpoint {
	return engine.ListenEndpoint{}
}

// RemoteEndpoint implements socket.Socket.RemoteEndpoint.
func (*Socket) RemoteEndpoint() (engine.Endpoint, bool) {
	return engine.Endpoint{}, false
}

// SetNagleEnabled implements socket.Socket.SetNagleEnabled.
func (*Socket) SetNagleEnabled(bool) error {
	return linuxerr.EOPNOTSUPP
}

// NagleEnabled implements socket.Socket.NagleEnabled.
func (*Socket) NagleEnabled() (bool, error) {
	return false, linuxerr.EOPNOTSUPP
}

// SetKeepAlive implements socket.Socket.SetKeepAlive.
func (*Socket) SetKeepAlive(bool) error {
	return linuxerr.EOPNOTSUPP
}

// KeepAlive implements socket.Socket.KeepAlive.
func (*Socket) KeepAlive() (bool, error) {
	return false, linuxerr.EOPNOTSUPP
}

func (s *Socket) release() {
	s.r.Release()
	s.w.Release()
}

// provider is a unix domain socket provider.
type provider struct{}

// Socket returns nil: unix sockets only come in pairs.
func (provider) Socket(*kernel.Task, linux.SockType, int) (socket.Socket, error) {
	return nil, nil
}

// Pair creates a new pair of connected stream sockets.
func (provider) Pair(t *kernel.Task, stype linux.SockType, protocol int) (socket.Socket, socket.Socket, error) {
	if stype != linux.SOCK_STREAM {
		return nil, nil, nil
	}
	if protocol != 0 && protocol != linux.AF_UNIX {
		return nil, nil, linuxerr.EPROTONOSUPPORT
	}
	size := t.Kernel().Config().Kernel.PipeSize
	s1, s2 := NewPair(size)
	log.Debugf("unix: new pair, %d bytes each way", size)
	return s1, s2, nil
}

func init() {
	socket.RegisterProvider(linux.AF_UNIX, provider{})
}
