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
	"errors"

	"golang.org/x/sys/unix"
	gerrors "gvisor.dev/gvisor/pkg/errors"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/log"
)

// errnoFromError returns the errno the application sees for err.
//
// Syscalls only return errno values. Anything else is a kernel bug; it is
// logged and reported as EIO rather than taking the kernel down.
func errnoFromError(err error) unix.Errno {
	var e *gerrors.Error
	if errors.As(err, &e) {
		return linuxerr.ToUnix(e)
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	log.Warningf("syscall returned a non-errno error %v (%T)", err, err)
	return unix.EIO
}
