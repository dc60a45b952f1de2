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

package unix

import (
	"fmt"
	"testing"

	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/sentry/socket"
	"github.com/rvkernel/netsock/pkg/test/testutil"
)

func TestPairRoundTrip(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	testutil.Run(t, k, map[string]func(*kernel.Task) error{
		"test": func(task *kernel.Task) error {
			a, b, err := socket.Pair(task, linux.AF_UNIX, linux.SOCK_STREAM, 0)
			if err != nil {
				return fmt.Errorf("Pair: %w", err)
			}
			defer a.DecRef()

			for _, dir := range []struct {
				from, to socket.Socket
				msg      string
			}{
				{a, b, "hello"},
				{b, a, "world"},
			} {
				if n, err := dir.from.Write(task, []byte(dir.msg), kernel.IOOptions{}); err != nil || n != len(dir.msg) {
					return fmt.Errorf("write %q = (%d, %v)", dir.msg, n, err)
				}
				buf := make([]byte, 16)
				n, err := dir.to.Read(task, buf, kernel.IOOptions{})
				if err != nil || string(buf[:n]) != dir.msg {
					return fmt.Errorf("read = (%q, %v), want (%q, nil)", buf[:n], err, dir.msg)
				}
			}

			if _, err := a.Read(task, make([]byte, 1), kernel.IOOptions{NonBlocking: true}); !linuxerr.Equals(linuxerr.EAGAIN, err) {
				return fmt.Errorf("non-blocking read on an empty pair: got %v, want EAGAIN", err)
			}

			// Closing one end is end of file for the other.
			b.DecRef()
			if n, err := a.Read(task, make([]byte, 1), kernel.IOOptions{}); n != 0 || err != nil {
				return fmt.Errorf("read after peer close = (%d, %v), want (0, nil)", n, err)
			}
			if _, err := a.Write(task, []byte("x"), kernel.IOOptions{}); !linuxerr.Equals(linuxerr.EPIPE, err) {
				return fmt.Errorf("write after peer close: got %v, want EPIPE", err)
			}
			return nil
		},
	})
}

func TestPairBufferSizes(t *testing.T) {
	a, b := NewPair(4096)
	defer a.DecRef()
	defer b.DecRef()
	if got := a.RecvBufSize(); got != 4096 {
		t.Errorf("RecvBufSize() = %d, want 4096", got)
	}
	if got := b.SendBufSize(); got != 4096 {
		t.Errorf("SendBufSize() = %d, want 4096", got)
	}
}

func TestUnsupported(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	task, _ := testutil.NewTask(k, "test")

	if _, err := socket.New(task, linux.AF_UNIX, linux.SOCK_STREAM, 0); !linuxerr.Equals(linuxerr.EAFNOSUPPORT, err) {
		t.Errorf("socket(AF_UNIX): got %v, want EAFNOSUPPORT", err)
	}
	if _, _, err := socket.Pair(task, linux.AF_UNIX, linux.SOCK_DGRAM, 0); !linuxerr.Equals(linuxerr.ESOCKTNOSUPPORT, err) {
		t.Errorf("socketpair(AF_UNIX, SOCK_DGRAM): got %v, want ESOCKTNOSUPPORT", err)
	}

	a, b := NewPair(4096)
	defer a.DecRef()
	defer b.DecRef()
	if err := a.Listen(task); !linuxerr.Equals(linuxerr.EOPNOTSUPP, err) {
		t.Errorf("Listen: got %v, want EOPNOTSUPP", err)
	}
	if err := a.SetKeepAlive(true); !linuxerr.Equals(linuxerr.EOPNOTSUPP, err) {
		t.Errorf("SetKeepAlive: got %v, want EOPNOTSUPP", err)
	}
	if _, ok := a.RemoteEndpoint(); ok {
		t.Errorf("RemoteEndpoint() ok on an unnamed pair")
	}
}
