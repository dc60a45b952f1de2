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

// Package netstack provides an implementation of the socket.Socket interface
// that is backed by the packet engine.
//
// The engine only makes progress when it is polled, and it never blocks. Every
// operation that may have to wait is therefore written as a retry loop: poll,
// attempt the operation under the stack lock, poll again, and if the engine
// had no answer either fail with EAGAIN (non-blocking descriptors) or give up
// the CPU and start over.
//
// Lock order:
//
//	inet.Stack.mu
//	  TCPSocket.mu / UDPSocket.mu
package netstack

import (
	"errors"

	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/rvkernel/netsock/pkg/sentry/inet"
	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/sentry/socket"
	"github.com/rvkernel/netsock/pkg/tcpip/engine"
)

// retry runs op until it is done or fails.
//
// op reports done=false when the engine has no answer yet. For a blocking
// caller, retry then yields the task and tries again; a non-blocking caller
// gets EAGAIN together with op's last value. A killed task gets EINTR.
func retry[T any](t *kernel.Task, stack *inet.Stack, opts kernel.IOOptions, op func() (T, bool, error)) (T, error) {
	for {
		stack.Poll()
		v, done, err := op()
		stack.Poll()
		if err != nil || done {
			return v, err
		}
		if opts.NonBlocking {
			return v, linuxerr.EAGAIN
		}
		if err := t.SuspendCurrentAndRunNext(); err != nil {
			return v, err
		}
	}
}

// translateEngineError converts an engine error to its errno. Errors that are
// already errnos are returned unchanged.
func translateEngineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrAddressInUse):
		return linuxerr.EADDRINUSE
	case errors.Is(err, engine.ErrUnaddressable):
		return linuxerr.EINVAL
	case errors.Is(err, engine.ErrInvalidState):
		return linuxerr.EINVAL
	case errors.Is(err, engine.ErrIllegal):
		return linuxerr.ENOTCONN
	case errors.Is(err, engine.ErrFinished):
		return linuxerr.ENOTCONN
	case errors.Is(err, engine.ErrBufferFull):
		return linuxerr.ENOBUFS
	case errors.Is(err, engine.ErrExhausted):
		return linuxerr.EAGAIN
	case errors.Is(err, engine.ErrTruncated):
		return linuxerr.EMSGSIZE
	case errors.Is(err, engine.ErrNoPorts):
		return linuxerr.EADDRNOTAVAIL
	default:
		return err
	}
}

// provider is an inet socket provider.
type provider struct{}

// Socket creates a new TCP or UDP socket on the task's network stack.
func (provider) Socket(t *kernel.Task, stype linux.SockType, protocol int) (socket.Socket, error) {
	switch stype {
	case linux.SOCK_STREAM:
		if protocol != 0 && protocol != linux.IPPROTO_TCP {
			return nil, linuxerr.EPROTONOSUPPORT
		}
		s, err := NewTCPSocket(t.NetworkStack())
		if err != nil {
			return nil, err
		}
		return s, nil
	case linux.SOCK_DGRAM:
		if protocol != 0 && protocol != linux.IPPROTO_UDP {
			return nil, linuxerr.EPROTONOSUPPORT
		}
		return NewUDPSocket(t.NetworkStack()), nil
	default:
		return nil, linuxerr.ESOCKTNOSUPPORT
	}
}

// Pair just returns nil sockets (not supported).
func (provider) Pair(*kernel.Task, linux.SockType, int) (socket.Socket, socket.Socket, error) {
	return nil, nil, linuxerr.EOPNOTSUPP
}

// init registers the inet socket provider.
func init() {
	socket.RegisterProvider(linux.AF_INET, provider{})
}
