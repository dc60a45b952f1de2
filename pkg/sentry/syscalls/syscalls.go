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

// Package syscalls is the interface from the application to the kernel.
//
// Note that the stubs in this package may merely provide the interface, not
// the actual implementation. It just makes writing syscall tables
// straightforward.
package syscalls

import (
	"github.com/rvkernel/netsock/pkg/sentry/arch"
	"github.com/rvkernel/netsock/pkg/sentry/kernel"
)

// SyscallFn is a syscall implementation. It returns the syscall's value or an
// error carrying the errno.
type SyscallFn func(t *kernel.Task, args arch.SyscallArguments) (uintptr, error)

// Syscall is one entry of a syscall table.
type Syscall struct {
	// Name is the syscall name, for logging.
	Name string

	// Fn is the implementation.
	Fn SyscallFn

	// Supported is false for entries that only report an error.
	Supported bool
}

// Supported returns a table entry for an implemented syscall.
func Supported(name string, fn SyscallFn) Syscall {
	return Syscall{Name: name, Fn: fn, Supported: true}
}

// Error returns a table entry that always fails with err.
func Error(name string, err error) Syscall {
	return Syscall{
		Name: name,
		Fn: func(*kernel.Task, arch.SyscallArguments) (uintptr, error) {
			return 0, err
		},
	}
}

// ErrorWithEvent is like Error, but also reports the call as unimplemented.
func ErrorWithEvent(name string, err error) Syscall {
	return Syscall{
		Name: name,
		Fn: func(t *kernel.Task, _ arch.SyscallArguments) (uintptr, error) {
			t.Kernel().EmitUnimplemented(t, "unsupported syscall %s", name)
			return 0, err
		},
	}
}
