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

// Package inet wraps the packet engine for use by the sentry.
//
// The engine is not thread safe. Stack serializes every access to it behind a
// single lock and hands out closure-scoped access to individual sockets, so no
// reference to engine state escapes the critical section.
package inet

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/rvkernel/netsock/pkg/config"
	"github.com/rvkernel/netsock/pkg/tcpip/engine"
)

// Stack is the kernel's single network interface.
type Stack struct {
	cfg config.Network

	mu sync.Mutex
	// +checklocks:mu
	iface *engine.Interface
}

// New brings up a stack on a loopback device.
func New(cfg config.Network) (*Stack, error) {
	return NewWithDevice(cfg, engine.NewLoopback())
}

// NewWithDevice brings up a stack transmitting on dev.
func NewWithDevice(cfg config.Network, dev engine.Device) (*Stack, error) {
	addrs := make([]engine.Address, 0, len(cfg.Addresses))
	for _, a := range cfg.Addresses {
		addr, err := engine.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("network address %q: %w", a, err)
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no network addresses configured")
	}
	iface := engine.NewInterface(dev, engine.Options{
		Addresses:      addrs,
		MSS:            cfg.MaxSegmentSize(),
		SYNRetransmit:  cfg.SYNRetransmit,
		TimeWait:       cfg.TimeWait,
		EphemeralFirst: cfg.EphemeralPortFirst,
		EphemeralLast:  cfg.EphemeralPortLast,
	})
	log.Infof("Network interface up: addresses %v, MSS %d, buffers %d bytes", addrs, iface.MSS(), cfg.BufferSize)
	return &Stack{cfg: cfg, iface: iface}, nil
}

// Config returns the network configuration the stack was built with.
func (s *Stack) Config() config.Network {
	return s.cfg
}

// MaxSegmentSize returns the TCP segment size in effect.
func (s *Stack) MaxSegmentSize() int {
	return s.cfg.MaxSegmentSize()
}

// LocalAddresses returns the interface addresses.
func (s *Stack) LocalAddresses() []engine.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iface.Addresses()
}

// Poll advances the engine by one iteration.
func (s *Stack) Poll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iface.Poll()
}

// AddSocket inserts sock into the socket set.
func (s *Stack) AddSocket(sock engine.Socket) engine.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.iface.Add(sock)
	log.Debugf("inet: added %s socket %s", sock.Protocol(), h)
	return h
}

// NewTCPSocket creates a TCP socket with the configured buffers and adds it
// to the socket set.
func (s *Stack) NewTCPSocket() engine.Handle {
	return s.AddSocket(engine.NewTCPSocket(s.cfg.BufferSize, s.cfg.BufferSize))
}

// NewUDPSocket creates a UDP socket with the configured buffers and adds it
// to the socket set.
func (s *Stack) NewUDPSocket() engine.Handle {
	return s.AddSocket(engine.NewUDPSocket(s.cfg.UDPPacketSlots, s.cfg.BufferSize))
}

// Remove drops h from the socket set. Removing an unknown handle is a bug in
// the caller and panics.
func (s *Stack) Remove(h engine.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.iface.Remove(h) {
		panic(fmt.Sprintf("inet: remove of unknown socket handle %s", h))
	}
	log.Debugf("inet: removed socket %s", h)
}

// TCPSocket runs fn on the TCP socket for h with the stack locked. fn must
// not call back into s.
func (s *Stack) TCPSocket(h engine.Handle, fn func(*engine.TCPSocket)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.iface.Get(h)
	if !ok {
		panic(fmt.Sprintf("inet: unknown socket handle %s", h))
	}
	tcp, ok := sock.(*engine.TCPSocket)
	if !ok {
		panic(fmt.Sprintf("inet: socket %s is %s, not tcp", h, sock.Protocol()))
	}
	fn(tcp)
}

// UDPSocket runs fn on the UDP socket for h with the stack locked. fn must
// not call back into s.
func (s *Stack) UDPSocket(h engine.Handle, fn func(*engine.UDPSocket)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sock, ok := s.iface.Get(h)
	if !ok {
		panic(fmt.Sprintf("inet: unknown socket handle %s", h))
	}
	udp, ok := sock.(*engine.UDPSocket)
	if !ok {
		panic(fmt.Sprintf("inet: socket %s is %s, not udp", h, sock.Protocol()))
	}
	fn(udp)
}

// EphemeralPort picks an unused port for proto.
func (s *Stack) EphemeralPort(proto engine.Protocol) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iface.EphemeralPort(proto)
}

// Sockets returns the number of sockets in the set.
func (s *Stack) Sockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iface.Len()
}
