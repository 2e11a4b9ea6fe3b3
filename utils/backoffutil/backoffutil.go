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

// Package backoffutil wraps github.com/cenkalti/backoff with the linear
// base+step/cap schedule the metadata downloader and web-seed fallback
// both use.
package backoffutil

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Schedule implements backoff.BackOff with a base delay, a fixed per-attempt
// step, and a cap: attempt 0 waits Base, attempt n waits
// min(Base + n*Step, Cap).
type Schedule struct {
	Base    time.Duration
	Step    time.Duration
	Cap     time.Duration
	attempt int
}

// NewSchedule builds a Schedule. It satisfies backoff.BackOff so it can be
// driven with backoff.Retry / backoff.WithMaxRetries.
func NewSchedule(base, step, cap time.Duration) *Schedule {
	return &Schedule{Base: base, Step: step, Cap: cap}
}

// NextBackOff returns the next delay and advances the internal attempt
// counter. It never returns backoff.Stop; callers bound attempts with
// backoff.WithMaxRetries.
func (s *Schedule) NextBackOff() time.Duration {
	d := s.Base + time.Duration(s.attempt)*s.Step
	if d > s.Cap {
		d = s.Cap
	}
	s.attempt++
	return d
}

// Reset restarts the schedule at attempt 0.
func (s *Schedule) Reset() { s.attempt = 0 }

// Retry runs op, retrying per schedule up to maxRetries additional times
// (so up to maxRetries+1 total attempts), the way the metadata
// downloader's §4.6 retry policy (base 10s, +5s per attempt, cap 30s,
// up to 3 retries) is specified.
func Retry(op backoff.Operation, schedule *Schedule, maxRetries uint64) error {
	return backoff.Retry(op, backoff.WithMaxRetries(schedule, maxRetries))
}
