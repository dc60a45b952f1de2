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

package linux

import (
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rvkernel/netsock/pkg/sentry/arch"
	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/sentry/socket"
	"github.com/rvkernel/netsock/pkg/tcpip/engine"

	// Register the socket providers.
	_ "github.com/rvkernel/netsock/pkg/sentry/socket/netstack"
	_ "github.com/rvkernel/netsock/pkg/sentry/socket/unix"
)

// maxAddrLen is the maximum socket address length we're willing to accept.
const maxAddrLen = 200

// maxOptLen is the maximum sockopt parameter length we're willing to accept.
const maxOptLen = 1024 * 8

// maxStreamIO bounds the kernel buffer of one sendto or recvfrom on a stream
// socket. Larger requests complete partially.
const maxStreamIO = 1 << 20

// sizeOfInt32 is the size of the int option values.
const sizeOfInt32 = 4

// congestionControl is the only TCP congestion control algorithm.
const congestionControl = "reno"

// getSocket returns a reference to the socket at fd and the descriptor flags.
func getSocket(t *kernel.Task, fd int32) (socket.Socket, kernel.FDFlags, error) {
	f, flags, err := t.FDTable().GetSocket(fd)
	if err != nil {
		return nil, flags, err
	}
	s, ok := f.(socket.Socket)
	if !ok {
		f.DecRef()
		return nil, flags, linuxerr.ENOTSOCK
	}
	return s, flags, nil
}

// captureAddress copies a socket address in from the task and decodes it.
func captureAddress(t *kernel.Task, addr hostarch.Addr, addrlen uint32) (engine.Endpoint, error) {
	if addrlen > maxAddrLen {
		return engine.Endpoint{}, linuxerr.EINVAL
	}
	buf := make([]byte, addrlen)
	if _, err := t.CopyInBytes(addr, buf); err != nil {
		return engine.Endpoint{}, err
	}
	return socket.ParseInetAddress(buf)
}

// writeAddress writes a sockaddr structure and its length to an output buffer
// in the task's address space. If the address is bigger than the buffer, it
// is truncated.
func writeAddress(t *kernel.Task, ep engine.Endpoint, addrPtr, addrLenPtr hostarch.Addr) error {
	bufLen, err := t.CopyInInt32(addrLenPtr)
	if err != nil {
		return err
	}
	if bufLen < 0 {
		return linuxerr.EINVAL
	}

	// Write the length unconditionally.
	if err := t.CopyOutInt32(addrLenPtr, socket.SockAddrInetSize); err != nil {
		return err
	}

	encoded := socket.EncodeInetAddress(ep)
	if int(bufLen) < len(encoded) {
		encoded = encoded[:bufLen]
	}
	_, err = t.CopyOutBytes(addrPtr, encoded)
	return err
}

// Socket implements the linux syscall socket(2).
func Socket(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	domain := int(args[0].Int())
	stype := args[1].Int()
	protocol := int(args[2].Int())

	// Check and initialize the flags.
	if stype&^(linux.SOCK_TYPE_MASK|linux.SOCK_NONBLOCK|linux.SOCK_CLOEXEC) != 0 {
		return 0, linuxerr.EINVAL
	}

	// Create the new socket.
	s, err := socket.New(t, domain, linux.SockType(stype&linux.SOCK_TYPE_MASK), protocol)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	fd, err := t.FDTable().NewFD(s, kernel.FDFlags{
		CloseOnExec: stype&linux.SOCK_CLOEXEC != 0,
		NonBlocking: stype&linux.SOCK_NONBLOCK != 0,
	})
	if err != nil {
		return 0, err
	}
	t.Debugf("socket(%d, %d, %d) = %d", domain, stype, protocol, fd)
	return uintptr(fd), nil
}

// SocketPair implements the linux syscall socketpair(2).
func SocketPair(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	domain := int(args[0].Int())
	stype := args[1].Int()
	protocol := int(args[2].Int())
	addr := args[3].Pointer()

	// Check and initialize the flags.
	if stype&^(linux.SOCK_TYPE_MASK|linux.SOCK_NONBLOCK|linux.SOCK_CLOEXEC) != 0 {
		return 0, linuxerr.EINVAL
	}

	// Create the socket pair.
	s1, s2, err := socket.Pair(t, domain, linux.SockType(stype&linux.SOCK_TYPE_MASK), protocol)
	if err != nil {
		return 0, err
	}
	defer s1.DecRef()
	defer s2.DecRef()

	// Create the FDs for the sockets.
	flags := kernel.FDFlags{
		CloseOnExec: stype&linux.SOCK_CLOEXEC != 0,
		NonBlocking: stype&linux.SOCK_NONBLOCK != 0,
	}
	fds, err := t.FDTable().NewFDs(0, []kernel.File{s1, s2}, flags)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() {
		for _, fd := range fds {
			if f := t.FDTable().Remove(fd); f != nil {
				f.DecRef()
			}
		}
	})
	defer cu.Clean()

	var sv [2 * sizeOfInt32]byte
	hostarch.ByteOrder.PutUint32(sv[:], uint32(fds[0]))
	hostarch.ByteOrder.PutUint32(sv[sizeOfInt32:], uint32(fds[1]))
	if _, err := t.CopyOutBytes(addr, sv[:]); err != nil {
		return 0, err
	}

	cu.Release()
	t.Debugf("socketpair(%d, %d, %d) = [%d, %d]", domain, stype, protocol, fds[0], fds[1])
	return 0, nil
}

// Bind implements the linux syscall bind(2).
//
// A datagram socket bound to a port that another datagram socket of the task
// already holds shares that socket: the descriptor is pointed at it.
func Bind(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	addrlen := args[2].Uint()

	s, _, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	ep, err := captureAddress(t, addr, addrlen)
	if err != nil {
		return 0, err
	}
	local := engine.ListenEndpoint(ep)

	if s.Type() == linux.SOCK_DGRAM && local.Port != 0 {
		if owner := boundDatagramSocket(t, s, local); owner != nil {
			defer owner.DecRef()
			t.Debugf("bind(%d, %s): sharing the socket already bound there", fd, local)
			return 0, t.FDTable().Replace(fd, owner)
		}
	}
	return 0, s.Bind(t, local)
}

// boundDatagramSocket returns a reference to another datagram socket of t
// whose bound endpoint overlaps local, or nil. Endpoints overlap when the
// ports match and either address is unspecified or both are equal; these are
// exactly the binds the engine would reject as in use.
func boundDatagramSocket(t *kernel.Task, self socket.Socket, local engine.ListenEndpoint) socket.Socket {
	_, f, ok := t.FDTable().FindSocket(func(f kernel.SocketFile) bool {
		s, ok := f.(socket.Socket)
		if !ok || s == self || s.Type() != linux.SOCK_DGRAM {
			return false
		}
		ep := s.LocalEndpoint()
		return ep.Port == local.Port && (ep.Addr == local.Addr || ep.Addr.Unspecified() || local.Addr.Unspecified())
	})
	if !ok {
		return nil
	}
	return f.(socket.Socket)
}

// Listen implements the linux syscall listen(2). The backlog is ignored: a
// listening socket holds one pending connection.
func Listen(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()

	s, _, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	return 0, s.Listen(t)
}

// accept is the implementation of the accept syscall. It is called by accept
// and accept4 syscall handlers.
func accept(t *kernel.Task, fd int32, addr hostarch.Addr, addrLen hostarch.Addr, flags int32) (uintptr, error) {
	// Check that no unsupported flags are passed in.
	if flags & ^(linux.SOCK_NONBLOCK|linux.SOCK_CLOEXEC) != 0 {
		return 0, linuxerr.EINVAL
	}

	s, fdFlags, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	newFD, peer, err := s.Accept(t, fd, fdFlags.IOOptions(), kernel.FDFlags{
		CloseOnExec: flags&linux.SOCK_CLOEXEC != 0,
		NonBlocking: flags&linux.SOCK_NONBLOCK != 0,
	})
	if err != nil {
		return 0, err
	}
	if addr != 0 {
		if err := writeAddress(t, peer, addr, addrLen); err != nil {
			return 0, err
		}
	}
	return uintptr(newFD), nil
}

// Accept4 implements the linux syscall accept4(2).
func Accept4(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	addrlen := args[2].Pointer()
	flags := args[3].Int()

	return accept(t, fd, addr, addrlen, flags)
}

// Accept implements the linux syscall accept(2).
func Accept(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	addrlen := args[2].Pointer()

	return accept(t, fd, addr, addrlen, 0)
}

// Connect implements the linux syscall connect(2).
func Connect(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	addrlen := args[2].Uint()

	s, flags, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	peer, err := captureAddress(t, addr, addrlen)
	if err != nil {
		return 0, err
	}
	return 0, s.Connect(t, peer, flags.IOOptions())
}

// GetSockName implements the linux syscall getsockname(2).
func GetSockName(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	addrlen := args[2].Pointer()

	s, _, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	return 0, writeAddress(t, engine.Endpoint(s.LocalEndpoint()), addr, addrlen)
}

// GetPeerName implements the linux syscall getpeername(2).
func GetPeerName(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	addrlen := args[2].Pointer()

	s, _, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	peer, ok := s.RemoteEndpoint()
	if !ok {
		return 0, linuxerr.ENOTCONN
	}
	return 0, writeAddress(t, peer, addr, addrlen)
}

// ioOptions returns the options for one transfer with the given message
// flags.
func ioOptions(fdFlags kernel.FDFlags, flags int32) kernel.IOOptions {
	opts := fdFlags.IOOptions()
	if flags&linux.MSG_DONTWAIT != 0 {
		opts.NonBlocking = true
	}
	return opts
}

// ioLimit returns the most bytes one transfer on s moves. A datagram never
// exceeds the payload capacity of the stack's buffers.
func ioLimit(t *kernel.Task, s socket.Socket) uint {
	if s.Type() == linux.SOCK_DGRAM {
		return uint(t.NetworkStack().Config().BufferSize)
	}
	return maxStreamIO
}

// ioBuffer allocates the kernel buffer for one transfer of at most n bytes
// on s.
func ioBuffer(t *kernel.Task, s socket.Socket, n uint) []byte {
	if limit := ioLimit(t, s); n > limit {
		n = limit
	}
	return make([]byte, n)
}

// SendTo implements the linux syscall sendto(2).
//
// A destination address given for a datagram socket becomes its peer; an
// unbound socket is bound to an ephemeral port first. Stream sockets ignore
// the address and send at most maxStreamIO bytes per call. A datagram larger
// than the stack's buffers fails with ENOBUFS.
func SendTo(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	bufPtr := args[1].Pointer()
	bufLen := args[2].SizeT()
	flags := args[3].Int()
	namePtr := args[4].Pointer()
	nameLen := args[5].Uint()

	s, fdFlags, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	opts := ioOptions(fdFlags, flags)
	if namePtr != 0 && s.Type() == linux.SOCK_DGRAM {
		to, err := captureAddress(t, namePtr, nameLen)
		if err != nil {
			return 0, err
		}
		if err := s.Connect(t, to, opts); err != nil {
			return 0, err
		}
	}

	// A datagram is sent whole or not at all.
	if s.Type() == linux.SOCK_DGRAM && bufLen > ioLimit(t, s) {
		return 0, linuxerr.ENOBUFS
	}
	buf := ioBuffer(t, s, bufLen)
	if _, err := t.CopyInBytes(bufPtr, buf); err != nil {
		return 0, err
	}
	n, err := s.Write(t, buf, opts)
	if err != nil {
		return 0, err
	}
	return uintptr(n), nil
}

// RecvFrom implements the linux syscall recvfrom(2). The source address is
// the socket's peer after the read. len is clamped to what one transfer can
// return, so a larger len only yields a partial count.
func RecvFrom(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	bufPtr := args[1].Pointer()
	bufLen := args[2].SizeT()
	flags := args[3].Int()
	namePtr := args[4].Pointer()
	nameLenPtr := args[5].Pointer()

	s, fdFlags, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	buf := ioBuffer(t, s, bufLen)
	n, err := s.Read(t, buf, ioOptions(fdFlags, flags))
	if err != nil {
		return 0, err
	}
	if _, err := t.CopyOutBytes(bufPtr, buf[:n]); err != nil {
		return 0, err
	}

	if namePtr != 0 {
		if peer, ok := s.RemoteEndpoint(); ok {
			if err := writeAddress(t, peer, namePtr, nameLenPtr); err != nil {
				return 0, err
			}
		} else if err := t.CopyOutInt32(nameLenPtr, 0); err != nil {
			return 0, err
		}
	}
	return uintptr(n), nil
}

// Shutdown implements the linux syscall shutdown(2).
func Shutdown(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	how := args[1].Int()

	s, _, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	// Validate how, then call right shutdown.
	switch how {
	case linux.SHUT_RD, linux.SHUT_WR, linux.SHUT_RDWR:
	default:
		return 0, linuxerr.EINVAL
	}
	return 0, s.Shutdown(t, int(how))
}
