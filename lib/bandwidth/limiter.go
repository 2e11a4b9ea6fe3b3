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

// Package bandwidth implements token-bucket egress/ingress throttling
// shared by every peer connection and the web-seed HTTP fetcher.
package bandwidth

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/atlet99/dtorrent-task-v2-sub001/utils/memsize"
)

// Config configures a Limiter.
type Config struct {
	Enable           bool   `yaml:"enable"`
	EgressBitsPerSec uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`
	TokenSize        uint64 `yaml:"token_size"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = 256 * memsize.KB
	}
	if c.EgressBitsPerSec == 0 {
		c.EgressBitsPerSec = 200 * 8 * memsize.Mbit
	}
	if c.IngressBitsPerSec == 0 {
		c.IngressBitsPerSec = 300 * 8 * memsize.Mbit
	}
	return c
}

type options struct {
	logger *zap.SugaredLogger
}

// Option customizes Limiter construction.
type Option func(*options)

// WithLogger attaches a logger used for rate-limit diagnostics.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}

// Limiter enforces independent egress/ingress byte-rate caps. When
// disabled, Reserve* calls are no-ops.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
	logger  *zap.SugaredLogger
}

// NewLimiter constructs a Limiter from config, applying defaults. Returns
// an error if enabled with a zero rate on either direction.
func NewLimiter(c Config, opts ...Option) (*Limiter, error) {
	if c.Enable && (c.EgressBitsPerSec == 0 || c.IngressBitsPerSec == 0) {
		return nil, fmt.Errorf("bandwidth: enabled limiter requires non-zero egress/ingress rates")
	}
	c = c.applyDefaults()

	o := &options{logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}

	l := &Limiter{config: c, logger: o.logger}
	if !c.Enable {
		return l, nil
	}

	tokensPerSec := func(bitsPerSec uint64) rate.Limit {
		bytesPerSec := float64(bitsPerSec) / 8
		return rate.Limit(bytesPerSec / float64(c.TokenSize))
	}
	burst := int(c.TokenSize)
	l.egress = rate.NewLimiter(tokensPerSec(c.EgressBitsPerSec), burst)
	l.ingress = rate.NewLimiter(tokensPerSec(c.IngressBitsPerSec), burst)
	return l, nil
}

// ReserveEgress blocks until nbytes of egress budget is available.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until nbytes of ingress budget is available.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

func (l *Limiter) reserve(lim *rate.Limiter, nbytes int64) error {
	if !l.config.Enable || lim == nil {
		return nil
	}
	tokens := int(nbytes / int64(l.config.TokenSize))
	if tokens == 0 {
		tokens = 1
	}
	r := lim.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf("bandwidth: requested %d bytes exceeds burst capacity", nbytes)
	}
	delay := r.Delay()
	if delay > 0 {
		l.logger.Debugw("bandwidth throttling", "delay", delay, "bytes", nbytes)
		time.Sleep(delay)
	}
	return nil
}
