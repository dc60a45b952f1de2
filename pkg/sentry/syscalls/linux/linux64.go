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

// Package linux provides the socket syscalls of the generic 64-bit Linux
// syscall table, as used by riscv64 and loongarch64.
package linux

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/rvkernel/netsock/pkg/sentry/arch"
	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/sentry/syscalls"
)

// Syscall numbers of the generic table, from asm-generic/unistd.h.
const (
	SysSocket      = 198
	SysSocketPair  = 199
	SysBind        = 200
	SysListen      = 201
	SysAccept      = 202
	SysConnect     = 203
	SysGetSockName = 204
	SysGetPeerName = 205
	SysSendTo      = 206
	SysRecvFrom    = 207
	SysSetSockOpt  = 208
	SysGetSockOpt  = 209
	SysShutdown    = 210
	SysSendMsg     = 211
	SysRecvMsg     = 212
	SysAccept4     = 242
)

// Table is the socket part of the generic syscall table.
var Table = map[uintptr]syscalls.Syscall{
	SysSocket:      syscalls.Supported("socket", Socket),
	SysSocketPair:  syscalls.Supported("socketpair", SocketPair),
	SysBind:        syscalls.Supported("bind", Bind),
	SysListen:      syscalls.Supported("listen", Listen),
	SysAccept:      syscalls.Supported("accept", Accept),
	SysConnect:     syscalls.Supported("connect", Connect),
	SysGetSockName: syscalls.Supported("getsockname", GetSockName),
	SysGetPeerName: syscalls.Supported("getpeername", GetPeerName),
	SysSendTo:      syscalls.Supported("sendto", SendTo),
	SysRecvFrom:    syscalls.Supported("recvfrom", RecvFrom),
	SysSetSockOpt:  syscalls.Supported("setsockopt", SetSockOpt),
	SysGetSockOpt:  syscalls.Supported("getsockopt", GetSockOpt),
	SysShutdown:    syscalls.Supported("shutdown", Shutdown),
	SysSendMsg:     syscalls.ErrorWithEvent("sendmsg", linuxerr.ENOSYS),
	SysRecvMsg:     syscalls.ErrorWithEvent("recvmsg", linuxerr.ENOSYS),
	SysAccept4:     syscalls.Supported("accept4", Accept4),
}

// Dispatch runs syscall sysno for t and returns the value for the
// application's return register: the result, or a negated errno.
func Dispatch(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) int64 {
	s, ok := Table[sysno]
	if !ok {
		t.Kernel().EmitUnimplemented(t, "unknown syscall %d", sysno)
		return -int64(unix.ENOSYS)
	}
	rv, err := s.Fn(t, args)
	if err != nil {
		errno := errnoFromError(err)
		t.Debugf("%s = -%d (%v)", s.Name, errno, err)
		return -int64(errno)
	}
	t.Debugf("%s = %d", s.Name, rv)
	return int64(rv)
}
