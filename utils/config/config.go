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

// Package config provides a "load YAML, validate struct tags" helper for
// the sub-packages' Config structs. The packages' constructors do not call
// it; each Config fills its own defaults in applyDefaults.
package config

import (
	"fmt"
	"os"

	validator "gopkg.in/validator.v2"
	yaml "gopkg.in/yaml.v2"
)

// Load reads path as YAML into out, which must be a pointer.
func Load(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// Validate runs validator.v2 struct-tag validation over cfg and returns
// its error unwrapped, ready to be reported via core.NewConfigError by
// the caller (which knows the field name the error belongs to).
func Validate(cfg interface{}) error {
	return validator.Validate(cfg)
}
