// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package stopper implements cooperative goroutine shutdown: a Context
// that can fan out work with Go, be asked to stop with Stop, and be
// observed with Stopping/Done. This is the contract
// TableStreamingSupervisor.stop() relies on (spec §4.7): requesting a
// stop and waiting for the in-flight batch to settle, rather than
// forcibly canceling it.
package stopper

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Context wraps a context.Context with cooperative-shutdown bookkeeping.
type Context struct {
	context.Context
	cancel context.CancelFunc

	stopping chan struct{}
	stopOnce sync.Once

	wg       sync.WaitGroup
	mu       sync.Mutex
	firstErr error
}

// WithContext returns a new stopper.Context derived from parent.
func WithContext(parent context.Context) *Context {
	ctx, cancel := context.WithCancel(parent)
	return &Context{
		Context:  ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
}

// Go runs fn in a new goroutine, tracking it for Stop's drain and
// recording its error, if any.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.firstErr == nil {
				c.firstErr = err
			}
			c.mu.Unlock()
		}
	}()
}

// Stopping returns a channel that is closed once Stop has been called.
// Goroutines should select on it to unwind cooperatively; it is closed
// before the underlying context is canceled.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopping
}

// Stop requests a cooperative shutdown and blocks until either all
// goroutines started with Go have returned, or grace elapses, at which
// point the underlying context is canceled to force completion.
func (c *Context) Stop(grace time.Duration) error {
	c.stopOnce.Do(func() { close(c.stopping) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn("stopper: grace period elapsed before all goroutines settled; canceling")
	}
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstErr
}
