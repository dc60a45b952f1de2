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

// Package kernel provides an emulation of the Linux kernel.
//
// The kernel here is deliberately small: tasks run cooperatively on one
// virtual CPU, each with its own descriptor table, and share a single network
// stack.
//
// Lock order:
//
//	FDTable.mu
//	  inet.Stack.mu
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/log"

	"github.com/rvkernel/netsock/pkg/config"
	"github.com/rvkernel/netsock/pkg/sentry/inet"
	"github.com/rvkernel/netsock/pkg/sentry/mm"
	"github.com/rvkernel/netsock/pkg/tcpip/engine"
)

// Kernel represents an emulated Linux kernel.
type Kernel struct {
	cfg   *config.Config
	stack *inet.Stack
	sched *Scheduler

	// unimplemented reports features an application used that the kernel
	// does not support, at most once per Config.Log.RateLimit.
	unimplemented log.Logger

	// ctx is cancelled by Shutdown, which kills every task.
	ctx    context.Context
	cancel context.CancelFunc

	lastTID atomic.Int32
}

// InitKernelArgs holds arguments to New.
type InitKernelArgs struct {
	// Config is the kernel configuration. If nil, config.Default is used.
	Config *config.Config

	// Device is the network device. If nil, the stack runs on a loopback
	// device.
	Device engine.Device
}

// New creates a kernel and brings up its network stack.
func New(args InitKernelArgs) (*Kernel, error) {
	cfg := args.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := cfg.Log.LogLevel()
	log.SetLevel(level)

	dev := args.Device
	if dev == nil {
		dev = engine.NewLoopback()
	}
	stack, err := inet.NewWithDevice(cfg.Network, dev)
	if err != nil {
		return nil, fmt.Errorf("network bring-up: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Kernel{
		cfg:           cfg,
		stack:         stack,
		sched:         NewScheduler(),
		unimplemented: log.BasicRateLimitedLogger(cfg.Log.RateLimit),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Config returns the kernel configuration.
func (k *Kernel) Config() *config.Config {
	return k.cfg
}

// NetworkStack returns the network stack.
func (k *Kernel) NetworkStack() *inet.Stack {
	return k.stack
}

// Scheduler returns the CPU scheduler.
func (k *Kernel) Scheduler() *Scheduler {
	return k.sched
}

// EmitUnimplemented logs that t used an unsupported feature. Repeated reports
// are rate limited.
func (k *Kernel) EmitUnimplemented(t *Task, format string, v ...any) {
	k.unimplemented.Warningf(t.logPrefix()+format, v...)
}

// NewTask creates a task with an empty descriptor table. The task does not
// run until it is passed to Start.
func (k *Kernel) NewTask(name string, memory mm.MemoryManager) *Task {
	ctx, cancel := context.WithCancel(k.ctx)
	return &Task{
		k:       k,
		id:      ThreadID(k.lastTID.Add(1)),
		name:    name,
		fdTable: k.NewFDTable(),
		mm:      memory,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs fn as t's task goroutine. When fn returns the task exits and
// its descriptors are closed.
func (k *Kernel) Start(t *Task, fn func(t *Task) error) {
	k.sched.Spawn(func() error {
		defer t.exit()
		t.Debugf("Task started")
		if err := fn(t); err != nil {
			t.Infof("Task exited: %v", err)
			return fmt.Errorf("task %d (%s): %w", t.id, t.name, err)
		}
		t.Debugf("Task exited")
		return nil
	})
}

// Wait blocks until every started task has exited and returns the first task
// error.
func (k *Kernel) Wait() error {
	return k.sched.Wait()
}

// Shutdown kills every task.
func (k *Kernel) Shutdown() {
	k.cancel()
}
