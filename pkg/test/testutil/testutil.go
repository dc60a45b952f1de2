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

// Package testutil contains utility functions for kernel and socket tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rvkernel/netsock/pkg/config"
	"github.com/rvkernel/netsock/pkg/sentry/kernel"
	"github.com/rvkernel/netsock/pkg/sentry/mm"
)

// pollInterval is the delay between Poll attempts. Everything polled here is
// in memory, so it is short.
const pollInterval = 10 * time.Millisecond

// Poll is a shorthand function to poll for something with given timeout.
func Poll(cb func() error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return PollContext(ctx, cb)
}

// PollContext is like Poll, but takes a context instead of a timeout.
func PollContext(ctx context.Context, cb func() error) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(pollInterval), ctx)
	return backoff.Retry(cb, b)
}

// TestConfig returns the default configuration with timers shortened for
// tests.
func TestConfig() *config.Config {
	cfg := config.Default()
	cfg.Network.TimeWait = 50 * time.Millisecond
	cfg.Network.SYNRetransmit = 20 * time.Millisecond
	cfg.Network.KeepAliveInterval = 50 * time.Millisecond
	return cfg
}

// NewKernel creates a kernel with cfg, or TestConfig if cfg is nil. The
// kernel is shut down when the test ends.
func NewKernel(tb testing.TB, cfg *config.Config) *kernel.Kernel {
	tb.Helper()
	if cfg == nil {
		cfg = TestConfig()
	}
	k, err := kernel.New(kernel.InitKernelArgs{Config: cfg})
	if err != nil {
		tb.Fatalf("kernel.New: %v", err)
	}
	tb.Cleanup(k.Shutdown)
	return k
}

// MemorySize is the size of the address space given to tasks by NewTask.
const MemorySize = 1 << 20

// MemoryBase is the lowest address of that address space.
const MemoryBase = 0x400000

// NewTask creates a task in k with a fresh flat address space, which is also
// returned for staging syscall arguments.
func NewTask(k *kernel.Kernel, name string) (*kernel.Task, *mm.Flat) {
	memory := mm.NewFlat(MemoryBase, MemorySize)
	return k.NewTask(name, memory), memory
}

// Run starts every function as its own task in k, waits for all of them, and
// fails the test with the first error.
func Run(tb testing.TB, k *kernel.Kernel, tasks map[string]func(*kernel.Task) error) {
	tb.Helper()
	for name, fn := range tasks {
		t, _ := NewTask(k, name)
		k.Start(t, fn)
	}
	if err := k.Wait(); err != nil {
		tb.Fatalf("%v", err)
	}
}

