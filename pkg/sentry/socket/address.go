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

package socket

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/abi/linux"
	"gvisor.dev/gvisor/pkg/errors/linuxerr"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/rvkernel/netsock/pkg/tcpip/engine"
)

// SockAddrInetSize is the size of struct sockaddr_in.
const SockAddrInetSize = 16

// ParseInetAddress decodes a struct sockaddr_in. The family is in host byte
// order; the port and address are in network byte order.
func ParseInetAddress(b []byte) (engine.Endpoint, error) {
	if len(b) < 2 {
		return engine.Endpoint{}, linuxerr.EINVAL
	}
	if family := hostarch.ByteOrder.Uint16(b); family != linux.AF_INET {
		return engine.Endpoint{}, linuxerr.EAFNOSUPPORT
	}
	if len(b) < 8 {
		return engine.Endpoint{}, linuxerr.EINVAL
	}
	var ep engine.Endpoint
	ep.Port = binary.BigEndian.Uint16(b[2:4])
	copy(ep.Addr[:], b[4:8])
	return ep, nil
}

// EncodeInetAddress returns ep as a struct sockaddr_in.
func EncodeInetAddress(ep engine.Endpoint) []byte {
	b := make([]byte, SockAddrInetSize)
	hostarch.ByteOrder.PutUint16(b, linux.AF_INET)
	binary.BigEndian.PutUint16(b[2:4], ep.Port)
	copy(b[4:8], ep.Addr[:])
	return b
}
