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

// Package testutil provides small helpers shared by test fixtures.
package testutil

// Cleanup accumulates teardown funcs so fixtures can register cleanup as
// they acquire resources, and unwind in reverse order either on success
// (via Run) or on panic (via Recover).
type Cleanup struct {
	funcs []func()
}

// Add registers f to run on cleanup.
func (c *Cleanup) Add(f func()) {
	c.funcs = append(c.funcs, f)
}

// Run executes all registered funcs in reverse order.
func (c *Cleanup) Run() {
	for i := len(c.funcs) - 1; i >= 0; i-- {
		c.funcs[i]()
	}
}

// Recover runs cleanup and re-panics if called during a panic unwind; it is
// a no-op on the normal return path (Run must be called explicitly there).
func (c *Cleanup) Recover() {
	if r := recover(); r != nil {
		c.Run()
		panic(r)
	}
}
