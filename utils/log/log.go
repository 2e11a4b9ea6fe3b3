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

// Package log provides a thin, package-global wrapper around zap so the
// rest of the engine can log without threading a logger through every
// call site, while still allowing a caller-supplied *zap.Logger to be
// installed at process start.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the global logger.
type Config struct {
	Level       string   `yaml:"level" validate:"nonzero"`
	Development bool     `yaml:"development"`
	OutputPaths []string `yaml:"output_paths"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stderr"}
	}
	return c
}

var (
	mu      sync.Mutex
	global  *zap.SugaredLogger = zap.NewNop().Sugar()
)

// New builds a *zap.SugaredLogger from config and, if install is nil or
// points to true, also installs it as the process-wide global logger used
// by subsequent calls to the package-level helpers below.
func New(config Config, install *bool) (*zap.SugaredLogger, error) {
	config = config.applyDefaults()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Development = config.Development
	zc.OutputPaths = config.OutputPaths

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	sugared := logger.Sugar()

	if install == nil || *install {
		mu.Lock()
		global = sugared
		mu.Unlock()
	}
	return sugared, nil
}

// With returns a child of the current global logger annotated with the
// given structured fields, e.g. log.With("info_hash", h.Hex()).
func With(args ...interface{}) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return global.With(args...)
}

func Debugf(format string, args ...interface{}) { current().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { current().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { current().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }

func current() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return global
}
