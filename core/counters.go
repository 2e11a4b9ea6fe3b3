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
package core

import "go.uber.org/atomic"

// ErrorCounters is the diagnostics affordance the design notes call for: a
// set of monotonic, per-reason counters of parse/framing-level errors,
// meant to be reset by an operator rather than by the engine itself. A
// single instance is normally shared across every peer of a process via
// NewErrorCounters, but nothing prevents scoping one per task.
type ErrorCounters struct {
	counts map[Reason]*atomic.Uint64
}

// NewErrorCounters allocates a fresh, zeroed counter set.
func NewErrorCounters() *ErrorCounters {
	return &ErrorCounters{
		counts: map[Reason]*atomic.Uint64{
			ReasonStreamError:    atomic.NewUint64(0),
			ReasonBufferOverflow: atomic.NewUint64(0),
			ReasonBadHandshake:   atomic.NewUint64(0),
			ReasonBadMessage:     atomic.NewUint64(0),
			ReasonHashMismatch:   atomic.NewUint64(0),
			ReasonTimeout:        atomic.NewUint64(0),
		},
	}
}

// Increment bumps the counter for reason by one. Unknown reasons are
// silently dropped since the set of reasons is fixed and known at compile
// time; this avoids an unbounded map under adversarial input.
func (c *ErrorCounters) Increment(reason Reason) {
	if ctr, ok := c.counts[reason]; ok {
		ctr.Inc()
	}
}

// Snapshot returns the current value of every counter, for logging or
// stats emission.
func (c *ErrorCounters) Snapshot() map[Reason]uint64 {
	out := make(map[Reason]uint64, len(c.counts))
	for r, ctr := range c.counts {
		out[r] = ctr.Load()
	}
	return out
}

// Reset zeroes every counter. Intended to be operator-triggered, not
// called by the engine itself.
func (c *ErrorCounters) Reset() {
	for _, ctr := range c.counts {
		ctr.Store(0)
	}
}
