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

// Package config holds the configuration of the kernel and its network
// stack.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/gvisor/pkg/log"
)

// Config is the top level configuration. The zero value is not usable, start
// from Default or Load.
type Config struct {
	Log     Log     `toml:"log"`
	Network Network `toml:"network"`
	Kernel  Kernel  `toml:"kernel"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" or "debug".
	Level string `toml:"level"`

	// RateLimit is the minimum interval between repeated warnings about
	// unsupported socket options.
	RateLimit time.Duration `toml:"rate_limit"`
}

// Network configures the packet engine brought up by the kernel.
type Network struct {
	// Addresses are the IPv4 addresses of the interface.
	Addresses []string `toml:"addresses"`

	// BufferSize is the size of every TCP receive and transmit buffer, and
	// the payload capacity of every UDP buffer.
	BufferSize int `toml:"buffer_size"`

	// MSS caps the TCP segment size. It is further clamped to BufferSize.
	MSS int `toml:"mss"`

	// UDPPacketSlots is the number of datagrams a UDP buffer can hold.
	UDPPacketSlots int `toml:"udp_packet_slots"`

	// EphemeralPortFirst and EphemeralPortLast bound the ports handed out
	// to sockets that were not explicitly bound.
	EphemeralPortFirst uint16 `toml:"ephemeral_port_first"`
	EphemeralPortLast  uint16 `toml:"ephemeral_port_last"`

	SYNRetransmit time.Duration `toml:"syn_retransmit"`
	TimeWait      time.Duration `toml:"time_wait"`

	// KeepAliveInterval is the probe interval used when SO_KEEPALIVE is
	// enabled.
	KeepAliveInterval time.Duration `toml:"keep_alive_interval"`
}

// Kernel configures per-task limits.
type Kernel struct {
	// MaxFDs is the size of every descriptor table.
	MaxFDs int `toml:"max_fds"`

	// PipeSize is the capacity of each direction of a socketpair.
	PipeSize int `toml:"pipe_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: Log{
			Level:     "info",
			RateLimit: time.Minute,
		},
		Network: Network{
			Addresses:          []string{"127.0.0.1", "10.0.2.15"},
			BufferSize:         64 * 1024,
			MSS:                1 << 15,
			UDPPacketSlots:     64,
			EphemeralPortFirst: 16000,
			EphemeralPortLast:  65535,
			SYNRetransmit:      200 * time.Millisecond,
			TimeWait:           2 * time.Second,
			KeepAliveInterval:  time.Second,
		},
		Kernel: Kernel{
			MaxFDs:   1024,
			PipeSize: 64 * 1024,
		},
	}
}

// Load reads a TOML file. Keys absent from the file keep their default
// values.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		log.Warningf("Ignoring unknown configuration key %q in %q", key.String(), path)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %q: %w", path, err)
	}
	return c, nil
}

// Decode parses TOML text on top of the defaults.
func Decode(data string) (*Config, error) {
	c := Default()
	if _, err := toml.Decode(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := c.Log.LogLevel(); err != nil {
		return err
	}
	n := &c.Network
	if len(n.Addresses) == 0 {
		return fmt.Errorf("network.addresses must not be empty")
	}
	if n.BufferSize <= 0 {
		return fmt.Errorf("network.buffer_size must be positive, got %d", n.BufferSize)
	}
	if n.MSS <= 0 {
		return fmt.Errorf("network.mss must be positive, got %d", n.MSS)
	}
	if n.UDPPacketSlots <= 0 {
		return fmt.Errorf("network.udp_packet_slots must be positive, got %d", n.UDPPacketSlots)
	}
	if n.EphemeralPortFirst == 0 || n.EphemeralPortFirst > n.EphemeralPortLast {
		return fmt.Errorf("invalid ephemeral port range [%d, %d]", n.EphemeralPortFirst, n.EphemeralPortLast)
	}
	if n.SYNRetransmit <= 0 || n.TimeWait <= 0 || n.KeepAliveInterval <= 0 {
		return fmt.Errorf("network timers must be positive")
	}
	if c.Kernel.MaxFDs <= 0 {
		return fmt.Errorf("kernel.max_fds must be positive, got %d", c.Kernel.MaxFDs)
	}
	if c.Kernel.PipeSize <= 0 {
		return fmt.Errorf("kernel.pipe_size must be positive, got %d", c.Kernel.PipeSize)
	}
	return nil
}

// LogLevel converts Level to a log.Level.
func (l *Log) LogLevel() (log.Level, error) {
	switch l.Level {
	case "warning":
		return log.Warning, nil
	case "info", "":
		return log.Info, nil
	case "debug":
		return log.Debug, nil
	default:
		return log.Warning, fmt.Errorf("unknown log level %q", l.Level)
	}
}

// MaxSegmentSize returns the TCP segment size in effect: MSS clamped to the
// buffer size.
func (n *Network) MaxSegmentSize() int {
	if n.MSS > n.BufferSize {
		return n.BufferSize
	}
	return n.MSS
}
