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

package kernel

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs tasks cooperatively on a single virtual CPU.
//
// Every task is a goroutine, but a task only executes while it holds the CPU
// token. A task gives the CPU up by returning or by calling Yield; there is no
// preemption. Waiting tasks get the CPU in FIFO order.
type Scheduler struct {
	// cpu holds the token while nobody runs.
	cpu chan struct{}

	g errgroup.Group

	// running counts tasks holding the CPU. It is never above one.
	running atomic.Int32

	// switches counts context switches.
	switches atomic.Uint64
}

// NewScheduler returns a scheduler with an idle CPU.
func NewScheduler() *Scheduler {
	s := &Scheduler{cpu: make(chan struct{}, 1)}
	s.cpu <- struct{}{}
	return s
}

// Spawn starts fn as a new task. fn runs only while holding the CPU.
func (s *Scheduler) Spawn(fn func() error) {
	s.g.Go(func() error {
		s.acquire()
		defer s.release()
		return fn()
	})
}

// Wait blocks until every spawned task has returned and reports the first
// error.
func (s *Scheduler) Wait() error {
	return s.g.Wait()
}

// Yield puts the running task at the back of the run queue and runs the next
// one. It returns when the caller is scheduled again.
func (s *Scheduler) Yield() {
	s.switches.Add(1)
	s.release()
	runtime.Gosched()
	s.acquire()
}

// Switches returns the number of Yield calls so far.
func (s *Scheduler) Switches() uint64 {
	return s.switches.Load()
}

func (s *Scheduler) acquire() {
	<-s.cpu
	if n := s.running.Add(1); n != 1 {
		panic(fmt.Sprintf("%d tasks running on one CPU", n))
	}
}

func (s *Scheduler) release() {
	s.running.Add(-1)
	s.cpu <- struct{}{}
}
