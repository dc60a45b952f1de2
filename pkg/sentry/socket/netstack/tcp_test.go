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
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"

	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/tcpip/engine"
	"github.com/rvkernel/netsock/pkg/test/testutil"
)

var (
	blocking    = kernel.IOOptions{}
	nonBlocking = kernel.IOOptions{NonBlocking: true}
)

func loopback(port uint16) engine.Endpoint {
	return engine.Endpoint{Addr: engine.Address{127, 0, 0, 1}, Port: port}
}

// listen installs a socket listening on 0.0.0.0:port in task's table.
func listen(task *kernel.Task, port uint16) (int32, error) {
	s, err := NewTCPSocket(task.NetworkStack())
	if err != nil {
		return -1, err
	}
	defer s.DecRef()
	fd, err := task.FDTable().NewFD(s, kernel.FDFlags{})
	if err != nil {
		return -1, err
	}
	if err := s.Bind(task, engine.ListenEndpoint{Port: port}); err != nil {
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := s.Listen(task); err != nil {
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// tcpAt returns the TCP socket installed at fd. The table keeps it alive.
func tcpAt(task *kernel.Task, fd int32) (*TCPSocket, error) {
	f, _, err := task.FDTable().GetSocket(fd)
	if err != nil {
		return nil, err
	}
	f.DecRef()
	s, ok := f.(*TCPSocket)
	if !ok {
		return nil, fmt.Errorf("fd %d holds %T", fd, f)
	}
	return s, nil
}

// dial connects to port, sends msg and reads until the server closes.
func dial(task *kernel.Task, port uint16, msg string) error {
	c, err := NewTCPSocket(task.NetworkStack())
	if err != nil {
		return err
	}
	defer c.DecRef()
	if err := c.Connect(task, loopback(port), blocking); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if n, err := c.Write(task, []byte(msg), blocking); err != nil || n != len(msg) {
		return fmt.Errorf("write = (%d, %v), want (%d, nil)", n, err, len(msg))
	}
	buf := make([]byte, 64)
	for {
		n, err := c.Read(task, buf, blocking)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

// yieldUntil suspends task until cond holds.
func yieldUntil(task *kernel.Task, cond func() bool) error {
	for !cond() {
		if err := task.SuspendCurrentAndRunNext(); err != nil {
			return err
		}
	}
	return nil
}

// connectedPair returns a connection between a socket installed in task's
// table and a client socket owned by the caller.
func connectedPair(task *kernel.Task, port uint16) (server *TCPSocket, client *TCPSocket, err error) {
	fd, err := listen(task, port)
	if err != nil {
		return nil, nil, err
	}
	client, err = NewTCPSocket(task.NetworkStack())
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(task, loopback(port), nonBlocking); !linuxerr.Equals(linuxerr.EINPROGRESS, err) {
		return nil, nil, fmt.Errorf("non-blocking connect: got %v, want EINPROGRESS", err)
	}
	listener, err := tcpAt(task, fd)
	if err != nil {
		return nil, nil, err
	}
	newFD, _, err := listener.Accept(task, fd, blocking, kernel.FDFlags{})
	if err != nil {
		return nil, nil, fmt.Errorf("accept: %w", err)
	}
	if err := client.Connect(task, loopback(port), blocking); err != nil && !linuxerr.Equals(linuxerr.EISCONN, err) {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	server, err = tcpAt(task, newFD)
	return server, client, err
}

// TestAcceptSwap checks that accept hands the connection to a new descriptor
// while the original descriptor keeps listening for the next peer.
func TestAcceptSwap(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	var (
		listening bool
		accepted  int
		finished  int
		got       []string
	)

	testutil.Run(t, k, map[string]func(*kernel.Task) error{
		"server": func(task *kernel.Task) error {
			fd, err := listen(task, 8080)
			if err != nil {
				return err
			}
			listening = true
			for i := 0; i < 2; i++ {
				listener, err := tcpAt(task, fd)
				if err != nil {
					return err
				}
				newFD, peer, err := listener.Accept(task, fd, blocking, kernel.FDFlags{CloseOnExec: true})
				if err != nil {
					return fmt.Errorf("accept %d: %w", i, err)
				}
				if newFD == fd {
					return fmt.Errorf("accept returned the listening descriptor %d", fd)
				}
				if peer.Addr != loopback(0).Addr || peer.Port == 0 {
					return fmt.Errorf("accept peer = %s, want 127.0.0.1:<port>", peer)
				}
				conn, err := tcpAt(task, newFD)
				if err != nil {
					return err
				}
				if conn != listener {
					return fmt.Errorf("fd %d does not carry the accepted connection", newFD)
				}
				next, err := tcpAt(task, fd)
				if err != nil {
					return err
				}
				if next == listener || !next.IsListening() {
					return fmt.Errorf("fd %d is not listening after accept", fd)
				}
				if ep := next.LocalEndpoint(); ep.Port != 8080 {
					return fmt.Errorf("new listener bound to %s, want port 8080", ep)
				}
				f, flags := task.FDTable().Get(newFD)
				f.DecRef()
				if !flags.CloseOnExec {
					return fmt.Errorf("accepted descriptor flags %+v, want CloseOnExec", flags)
				}
				accepted++

				buf := make([]byte, 64)
				n, err := conn.Read(task, buf, blocking)
				if err != nil {
					return fmt.Errorf("read: %w", err)
				}
				got = append(got, string(buf[:n]))
				if st := conn.State(); st != engine.StateEstablished {
					return fmt.Errorf("accepted connection in %s, want %s", st, engine.StateEstablished)
				}
				if err := conn.Shutdown(task, linux.SHUT_WR); err != nil {
					return err
				}
				task.FDTable().Remove(newFD).DecRef()
			}
			// Keep the listener up until both peers saw the close.
			return yieldUntil(task, func() bool { return finished == 2 })
		},
		"client-1": func(task *kernel.Task) error {
			if err := yieldUntil(task, func() bool { return listening }); err != nil {
				return err
			}
			defer func() { finished++ }()
			return dial(task, 8080, "first")
		},
		"client-2": func(task *kernel.Task) error {
			if err := yieldUntil(task, func() bool { return accepted == 1 }); err != nil {
				return err
			}
			defer func() { finished++ }()
			return dial(task, 8080, "second")
		},
	})

	if diff := cmp.Diff([]string{"first", "second"}, got); diff != "" {
		t.Errorf("received data mismatch (-want +got):\n%s", diff)
	}
}

func TestAcceptErrors(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	task, _ := testutil.NewTask(k, "test")

	s, err := NewTCPSocket(k.NetworkStack())
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	defer s.DecRef()
	fd, _ := task.FDTable().NewFD(s, kernel.FDFlags{})
	if _, _, err := s.Accept(task, fd, blocking, kernel.FDFlags{}); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Accept on a socket that is not listening: got %v, want EINVAL", err)
	}

	s.Bind(task, engine.ListenEndpoint{Port: 8080})
	if err := s.Listen(task); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	before := k.Scheduler().Switches()
	if _, _, err := s.Accept(task, fd, nonBlocking, kernel.FDFlags{}); !linuxerr.Equals(linuxerr.EAGAIN, err) {
		t.Errorf("non-blocking Accept with no peer: got %v, want EAGAIN", err)
	}
	if after := k.Scheduler().Switches(); after != before {
		t.Errorf("non-blocking Accept yielded the CPU %d times", after-before)
	}
	if !s.IsListening() {
		t.Errorf("IsListening() = false after a failed accept")
	}
}

func TestListenAddressInUse(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	task, _ := testutil.NewTask(k, "test")

	var socks []*TCPSocket
	for i := 0; i < 2; i++ {
		s, err := NewTCPSocket(k.NetworkStack())
		if err != nil {
			t.Fatalf("NewTCPSocket: %v", err)
		}
		defer s.DecRef()
		if err := s.Bind(task, engine.ListenEndpoint{Port: 8080}); err != nil {
			t.Fatalf("Bind: %v", err)
		}
		socks = append(socks, s)
	}
	if err := socks[0].Listen(task); err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	if err := socks[1].Listen(task); !linuxerr.Equals(linuxerr.EADDRINUSE, err) {
		t.Errorf("second Listen on 8080: got %v, want EADDRINUSE", err)
	}
}

func TestBindPortZeroKeepsEphemeralPort(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	task, _ := testutil.NewTask(k, "test")
	s, err := NewTCPSocket(k.NetworkStack())
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	defer s.DecRef()

	want := s.LocalEndpoint().Port
	cfg := k.Config().Network
	if want < cfg.EphemeralPortFirst || want > cfg.EphemeralPortLast {
		t.Fatalf("new socket port %d outside [%d, %d]", want, cfg.EphemeralPortFirst, cfg.EphemeralPortLast)
	}
	s.Bind(task, engine.ListenEndpoint{Addr: engine.Address{127, 0, 0, 1}})
	if got := s.LocalEndpoint(); got.Port != want || got.Addr != (engine.Address{127, 0, 0, 1}) {
		t.Errorf("LocalEndpoint() after bind to port 0 = %s, want 127.0.0.1:%d", got, want)
	}
}

func TestConnectRefused(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	testutil.Run(t, k, map[string]func(*kernel.Task) error{
		"client": func(task *kernel.Task) error {
			c, err := NewTCPSocket(task.NetworkStack())
			if err != nil {
				return err
			}
			defer c.DecRef()
			if err := c.Connect(task, loopback(9), blocking); !linuxerr.Equals(linuxerr.ECONNREFUSED, err) {
				return fmt.Errorf("connect to a closed port: got %v, want ECONNREFUSED", err)
			}
			if st := c.State(); st != engine.StateClosed {
				return fmt.Errorf("refused socket in %s, want %s", st, engine.StateClosed)
			}
			return nil
		},
	})
}

func TestConnectNonBlocking(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	task, _ := testutil.NewTask(k, "test")
	if _, err := listen(task, 8080); err != nil {
		t.Fatalf("listen: %v", err)
	}
	c, err := NewTCPSocket(k.NetworkStack())
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	defer c.DecRef()

	if err := c.Connect(task, loopback(8080), nonBlocking); !linuxerr.Equals(linuxerr.EINPROGRESS, err) {
		t.Fatalf("non-blocking Connect: got %v, want EINPROGRESS", err)
	}
	err = testutil.Poll(func() error {
		if st := c.State(); st != engine.StateEstablished {
			k.NetworkStack().Poll()
			return fmt.Errorf("state %s", st)
		}
		return nil
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("connection never established: %v", err)
	}
	if err := c.Connect(task, loopback(8080), nonBlocking); !linuxerr.Equals(linuxerr.EISCONN, err) {
		t.Errorf("Connect on a connected socket: got %v, want EISCONN", err)
	}
	if ep, ok := c.RemoteEndpoint(); !ok || ep != loopback(8080) {
		t.Errorf("RemoteEndpoint() = (%s, %t), want (%s, true)", ep, ok, loopback(8080))
	}
}

func TestConnectRejectsUnspecifiedPeer(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	task, _ := testutil.NewTask(k, "test")
	c, err := NewTCPSocket(k.NetworkStack())
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	defer c.DecRef()
	if err := c.Connect(task, engine.Endpoint{Port: 80}, blocking); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Connect to 0.0.0.0:80: got %v, want EINVAL", err)
	}
}

// inTask runs fn as the only task of k. Anything that may yield the CPU must
// run inside a task.
func inTask(t *testing.T, k *kernel.Kernel, fn func(*kernel.Task) error) {
	t.Helper()
	testutil.Run(t, k, map[string]func(*kernel.Task) error{"test": fn})
}

func TestNonBlockingReadDoesNotYield(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	inTask(t, k, func(task *kernel.Task) error {
		server, client, err := connectedPair(task, 8080)
		if err != nil {
			return err
		}
		defer client.DecRef()

		before := k.Scheduler().Switches()
		if n, err := server.Read(task, make([]byte, 8), nonBlocking); n != 0 || !linuxerr.Equals(linuxerr.EAGAIN, err) {
			return fmt.Errorf("non-blocking Read with no data = (%d, %v), want (0, EAGAIN)", n, err)
		}
		if after := k.Scheduler().Switches(); after != before {
			return fmt.Errorf("non-blocking Read yielded the CPU %d times", after-before)
		}
		if n, err := server.Read(task, nil, blocking); n != 0 || err != nil {
			return fmt.Errorf("zero-length Read = (%d, %v), want (0, nil)", n, err)
		}
		return nil
	})
}

func TestOrderlyClose(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	inTask(t, k, func(task *kernel.Task) error {
		server, client, err := connectedPair(task, 8080)
		if err != nil {
			return err
		}
		defer client.DecRef()

		if _, err := client.Write(task, []byte("bye"), blocking); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		if err := client.Shutdown(task, linux.SHUT_WR); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if _, err := client.Write(task, []byte("more"), blocking); !linuxerr.Equals(linuxerr.ENOTCONN, err) {
			return fmt.Errorf("write after SHUT_WR: got %v, want ENOTCONN", err)
		}

		buf := make([]byte, 8)
		if n, err := server.Read(task, buf, blocking); err != nil || string(buf[:n]) != "bye" {
			return fmt.Errorf("read = (%q, %v), want (\"bye\", nil)", buf[:n], err)
		}
		if n, err := server.Read(task, buf, blocking); n != 0 || err != nil {
			return fmt.Errorf("read after the peer's FIN = (%d, %v), want EOF", n, err)
		}
		if err := server.Shutdown(task, linux.SHUT_WR); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		// Closing again changes nothing.
		if err := server.Shutdown(task, linux.SHUT_WR); err != nil {
			return fmt.Errorf("second shutdown: %w", err)
		}

		// The active closer lingers in TIME-WAIT, then closes.
		return testutil.Poll(func() error {
			k.NetworkStack().Poll()
			if st := client.State(); st != engine.StateClosed {
				return fmt.Errorf("client in %s", st)
			}
			return nil
		}, 5*time.Second)
	})
}

func TestShutdownTwice(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	inTask(t, k, func(task *kernel.Task) error {
		server, client, err := connectedPair(task, 8080)
		if err != nil {
			return err
		}
		defer client.DecRef()

		for i := 0; i < 2; i++ {
			if err := server.Shutdown(task, linux.SHUT_RDWR); err != nil {
				return fmt.Errorf("shutdown #%d: %w", i, err)
			}
			if st := server.State(); st != engine.StateClosed {
				return fmt.Errorf("state after shutdown #%d = %s, want %s", i, st, engine.StateClosed)
			}
		}
		if _, err := server.Read(task, make([]byte, 1), blocking); !linuxerr.Equals(linuxerr.ENOTCONN, err) {
			return fmt.Errorf("read on an aborted connection: got %v, want ENOTCONN", err)
		}

		// The peer was reset.
		return testutil.Poll(func() error {
			k.NetworkStack().Poll()
			if st := client.State(); st != engine.StateClosed {
				return fmt.Errorf("client in %s", st)
			}
			return nil
		}, 5*time.Second)
	})
}

func TestUnconnectedIO(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	task, _ := testutil.NewTask(k, "test")
	s, err := NewTCPSocket(k.NetworkStack())
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	defer s.DecRef()

	if _, err := s.Write(task, []byte("x"), blocking); !linuxerr.Equals(linuxerr.ENOTCONN, err) {
		t.Errorf("Write on a new socket: got %v, want ENOTCONN", err)
	}
	if _, err := s.Read(task, make([]byte, 1), blocking); !linuxerr.Equals(linuxerr.ENOTCONN, err) {
		t.Errorf("Read on a new socket: got %v, want ENOTCONN", err)
	}
	if _, ok := s.RemoteEndpoint(); ok {
		t.Errorf("RemoteEndpoint() ok on a new socket")
	}
}

func TestTCPOptions(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	s, err := NewTCPSocket(k.NetworkStack())
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	defer s.DecRef()

	for _, enabled := range []bool{true, false} {
		if err := s.SetNagleEnabled(enabled); err != nil {
			t.Fatalf("SetNagleEnabled(%t): %v", enabled, err)
		}
		if got, err := s.NagleEnabled(); err != nil || got != enabled {
			t.Errorf("NagleEnabled() = (%t, %v), want (%t, nil)", got, err, enabled)
		}
		if err := s.SetKeepAlive(enabled); err != nil {
			t.Fatalf("SetKeepAlive(%t): %v", enabled, err)
		}
		if got, err := s.KeepAlive(); err != nil || got != enabled {
			t.Errorf("KeepAlive() = (%t, %v), want (%t, nil)", got, err, enabled)
		}
	}

	size := k.Config().Network.BufferSize
	if got := s.RecvBufSize(); got != size {
		t.Errorf("RecvBufSize() = %d, want %d", got, size)
	}
	s.SetSendBufSize(1234)
	if got := s.SendBufSize(); got != 1234 {
		t.Errorf("SendBufSize() = %d, want 1234", got)
	}
}

func TestReleaseRemovesHandle(t *testing.T) {
	k := testutil.NewKernel(t, nil)
	stack := k.NetworkStack()
	before := stack.Sockets()
	s, err := NewTCPSocket(stack)
	if err != nil {
		t.Fatalf("NewTCPSocket: %v", err)
	}
	u := NewUDPSocket(stack)
	if got := stack.Sockets(); got != before+2 {
		t.Fatalf("Sockets() = %d, want %d", got, before+2)
	}
	s.DecRef()
	u.DecRef()
	if got := stack.Sockets(); got != before {
		t.Errorf("Sockets() after release = %d, want %d", got, before)
	}
}

func TestTranslateEngineError(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want error
	}{
		{engine.ErrAddressInUse, linuxerr.EADDRINUSE},
		{engine.ErrUnaddressable, linuxerr.EINVAL},
		{engine.ErrInvalidState, linuxerr.EINVAL},
		{engine.ErrIllegal, linuxerr.ENOTCONN},
		{engine.ErrBufferFull, linuxerr.ENOBUFS},
		{engine.ErrNoPorts, linuxerr.EADDRNOTAVAIL},
		{fmt.Errorf("wrapped: %w", engine.ErrAddressInUse), linuxerr.EADDRINUSE},
		{linuxerr.EPIPE, linuxerr.EPIPE},
	} {
		if got := translateEngineError(tc.err); !errors.Is(got, tc.want) {
			t.Errorf("translateEngineError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
	if got := translateEngineError(nil); got != nil {
		t.Errorf("translateEngineError(nil) = %v, want nil", got)
	}
}

func TestAcceptRetryAfterEMFILE(t *testing.T) {
	cfg := testutil.TestConfig()
	cfg.Kernel.MaxFDs = 2
	k := testutil.NewKernel(t, cfg)
	inTask(t, k, func(task *kernel.Task) error {
		fd, err := listen(task, 8080)
		if err != nil {
			return err
		}
		filler := NewUDPSocket(task.NetworkStack())
		fillerFD, err := task.FDTable().NewFD(filler, kernel.FDFlags{})
		filler.DecRef()
		if err != nil {
			return err
		}

		client, err := NewTCPSocket(task.NetworkStack())
		if err != nil {
			return err
		}
		defer client.DecRef()
		if err := client.Connect(task, loopback(8080), nonBlocking); !linuxerr.Equals(linuxerr.EINPROGRESS, err) {
			return fmt.Errorf("non-blocking connect: got %v, want EINPROGRESS", err)
		}

		listener, err := tcpAt(task, fd)
		if err != nil {
			return err
		}
		if _, _, err := listener.Accept(task, fd, blocking, kernel.FDFlags{}); !linuxerr.Equals(linuxerr.EMFILE, err) {
			return fmt.Errorf("accept with a full table: got %v, want EMFILE", err)
		}
		if got, err := tcpAt(task, fd); err != nil || got != listener {
			return fmt.Errorf("fd %d after failed accept = (%p, %v), want the original socket %p", fd, got, err, listener)
		}

		task.FDTable().Remove(fillerFD).DecRef()
		newFD, peer, err := listener.Accept(task, fd, blocking, kernel.FDFlags{})
		if err != nil {
			return fmt.Errorf("accept after freeing a descriptor: %w", err)
		}
		if want := client.LocalEndpoint().Port; peer.Port != want {
			return fmt.Errorf("accept peer = %s, want port %d", peer, want)
		}
		if conn, err := tcpAt(task, newFD); err != nil || conn != listener {
			return fmt.Errorf("fd %d = (%p, %v), want the accepted connection %p", newFD, conn, err, listener)
		}
		next, err := tcpAt(task, fd)
		if err != nil {
			return err
		}
		if !next.IsListening() {
			return fmt.Errorf("fd %d is not listening after accept", fd)
		}
		return nil
	})
}
