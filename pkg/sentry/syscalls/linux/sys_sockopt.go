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
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rvkernel/netsock/pkg/sentry/arch"
	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/sentry/socket"
)

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}

func int32Bytes(v int32) []byte {
	b := make([]byte, sizeOfInt32)
	hostarch.ByteOrder.PutUint32(b, uint32(v))
	return b
}

// unsupportedOption logs an option the kernel does not implement. Such
// options succeed without effect.
func unsupportedOption(t *kernel.Task, op string, level, name int32) {
	t.Kernel().EmitUnimplemented(t, "%s: unsupported option level %d name %d", op, level, name)
}

// GetSockOpt implements the linux syscall getsockopt(2).
//
// An option the socket does not support succeeds, leaving optval and optlen
// untouched.
func GetSockOpt(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	level := args[1].Int()
	name := args[2].Int()
	optValAddr := args[3].Pointer()
	optLenAddr := args[4].Pointer()

	s, _, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	// Read the length. Reject negative values.
	optLen, err := t.CopyInInt32(optLenAddr)
	if err != nil {
		return 0, err
	}
	if optLen < 0 {
		return 0, linuxerr.EINVAL
	}

	v, err := getSockOpt(t, s, level, name, optLen)
	switch {
	case linuxerr.Equals(linuxerr.EOPNOTSUPP, err) || (err == nil && v == nil):
		unsupportedOption(t, "getsockopt", level, name)
		return 0, nil
	case err != nil:
		return 0, err
	}

	if _, err := t.CopyOutBytes(optValAddr, v); err != nil {
		return 0, err
	}
	if err := t.CopyOutInt32(optLenAddr, int32(len(v))); err != nil {
		return 0, err
	}
	return 0, nil
}

// getSockOpt returns the encoded value of an option, or nil if the option is
// not known.
func getSockOpt(t *kernel.Task, s socket.Socket, level, name, optLen int32) ([]byte, error) {
	switch level {
	case linux.SOL_SOCKET:
		return getSockOptSocket(s, name, optLen)
	case linux.SOL_TCP:
		if s.Type() != linux.SOCK_STREAM {
			return nil, linuxerr.EOPNOTSUPP
		}
		return getSockOptTCP(t, s, name, optLen)
	}
	return nil, nil
}

// getSockOptSocket implements GetSockOpt when level is SOL_SOCKET.
func getSockOptSocket(s socket.Socket, name, optLen int32) ([]byte, error) {
	var v int32
	switch name {
	case linux.SO_SNDBUF:
		v = int32(s.SendBufSize())
	case linux.SO_RCVBUF:
		v = int32(s.RecvBufSize())
	case linux.SO_KEEPALIVE:
		enabled, err := s.KeepAlive()
		if err != nil {
			return nil, err
		}
		v = boolToInt32(enabled)
	case linux.SO_TYPE:
		v = int32(s.Type())
	case linux.SO_ERROR:
		// Errors are reported by the operation that hit them.
		v = 0
	case linux.SO_ACCEPTCONN:
		v = boolToInt32(s.IsListening())
	default:
		return nil, nil
	}
	if optLen < sizeOfInt32 {
		return nil, linuxerr.EINVAL
	}
	return int32Bytes(v), nil
}

// getSockOptTCP implements GetSockOpt when level is SOL_TCP.
func getSockOptTCP(t *kernel.Task, s socket.Socket, name, optLen int32) ([]byte, error) {
	switch name {
	case linux.TCP_NODELAY:
		if optLen < sizeOfInt32 {
			return nil, linuxerr.EINVAL
		}
		enabled, err := s.NagleEnabled()
		if err != nil {
			return nil, err
		}
		return int32Bytes(boolToInt32(!enabled)), nil

	case linux.TCP_MAXSEG:
		if optLen < sizeOfInt32 {
			return nil, linuxerr.EINVAL
		}
		return int32Bytes(int32(t.NetworkStack().MaxSegmentSize())), nil

	case linux.TCP_CONGESTION:
		v := []byte(congestionControl)
		if int(optLen) < len(v) {
			v = v[:optLen]
		}
		return v, nil
	}
	return nil, nil
}

// SetSockOpt implements the linux syscall setsockopt(2).
//
// An option the socket does not support is logged and succeeds without
// effect.
func SetSockOpt(t *kernel.Task, args arch.SyscallArguments) (uintptr, error) {
	fd := args[0].Int()
	level := args[1].Int()
	name := args[2].Int()
	optValAddr := args[3].Pointer()
	optLen := args[4].Int()

	s, _, err := getSocket(t, fd)
	if err != nil {
		return 0, err
	}
	defer s.DecRef()

	if optLen < 0 || optLen > maxOptLen {
		return 0, linuxerr.EINVAL
	}
	buf := make([]byte, optLen)
	if _, err := t.CopyInBytes(optValAddr, buf); err != nil {
		return 0, err
	}

	known, err := setSockOpt(t, s, level, name, buf)
	if !known || linuxerr.Equals(linuxerr.EOPNOTSUPP, err) {
		unsupportedOption(t, "setsockopt", level, name)
		return 0, nil
	}
	return 0, err
}

// setSockOpt applies an option. It returns false if the option is not
// known.
func setSockOpt(t *kernel.Task, s socket.Socket, level, name int32, optVal []byte) (bool, error) {
	switch level {
	case linux.SOL_SOCKET:
		switch name {
		case linux.SO_SNDBUF, linux.SO_RCVBUF, linux.SO_KEEPALIVE:
		default:
			return false, nil
		}
		if len(optVal) < sizeOfInt32 {
			return true, linuxerr.EINVAL
		}
		v := int32(hostarch.ByteOrder.Uint32(optVal))
		switch name {
		case linux.SO_SNDBUF:
			s.SetSendBufSize(int(v))
		case linux.SO_RCVBUF:
			s.SetRecvBufSize(int(v))
		case linux.SO_KEEPALIVE:
			return true, s.SetKeepAlive(v != 0)
		}
		return true, nil

	case linux.SOL_TCP:
		switch name {
		case linux.TCP_NODELAY:
			if len(optVal) < sizeOfInt32 {
				return true, linuxerr.EINVAL
			}
			v := hostarch.ByteOrder.Uint32(optVal)
			return true, s.SetNagleEnabled(v == 0)
		case linux.TCP_MAXSEG, linux.TCP_CONGESTION:
			t.Debugf("setsockopt: TCP option %d is fixed, ignoring", name)
			return true, nil
		}
	}
	return false, nil
}
