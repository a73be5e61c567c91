// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package timeutil

import (
	"sync"
	"time"
)

// Timer wraps time.Timer with idempotent Start/Cancel semantics: a Timer may
// be cancelled and restarted any number of times, unlike the raw stdlib timer
// whose Stop/Reset return values are easy to misuse.
type Timer struct {
	C <-chan time.Time

	mu      sync.Mutex
	d       time.Duration
	t       *time.Timer
	running bool
}

// NewTimer creates a Timer which, once started, fires after d.
func NewTimer(d time.Duration) *Timer {
	c := make(chan time.Time, 1)
	close(c)
	t := &Timer{d: d}
	t.C = c
	return t
}

// Start starts the timer if it is not already running. Returns false if the
// timer was already running.
func (t *Timer) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return false
	}
	t.t = time.NewTimer(t.d)
	t.C = t.t.C
	t.running = true
	return true
}

// Cancel stops the timer if it is running. Returns false if the timer was
// not running (never started, or already fired/cancelled).
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return false
	}
	t.running = false
	return t.t.Stop()
}
