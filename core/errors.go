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

import "fmt"

// Reason is a stable, low-cardinality label for the static error counters
// described in the error handling design: parse/framing failures are
// tallied by reason (e.g. "stream_error", "buffer_overflow",
// "bad_handshake") to aid transport stability diagnosis.
type Reason string

const (
	ReasonStreamError    Reason = "stream_error"
	ReasonBufferOverflow Reason = "buffer_overflow"
	ReasonBadHandshake   Reason = "bad_handshake"
	ReasonBadMessage     Reason = "bad_message"
	ReasonHashMismatch   Reason = "hash_mismatch"
	ReasonTimeout        Reason = "timeout"
)

// MalformedTorrentError indicates the torrent/magnet bytes could not be
// parsed into a valid TorrentModel. Fatal to the task that raised it.
type MalformedTorrentError struct {
	Reason string
	Cause  error
}

func (e *MalformedTorrentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed torrent: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed torrent: %s", e.Reason)
}

func (e *MalformedTorrentError) Unwrap() error { return e.Cause }

// NewMalformedTorrentError wraps cause (which may be nil) under a
// human-readable reason.
func NewMalformedTorrentError(reason string, cause error) error {
	return &MalformedTorrentError{Reason: reason, Cause: cause}
}

// IOError wraps a disk read/write failure. Fatal to the task only when it
// occurs on a file the torrent cannot skip; otherwise the caller logs it
// and degrades the file's priority.
type IOError struct {
	Op    string
	Path  string
	Cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io error during %s on %q: %v", e.Op, e.Path, e.Cause)
}

func (e *IOError) Unwrap() error { return e.Cause }

func NewIOError(op, path string, cause error) error {
	return &IOError{Op: op, Path: path, Cause: cause}
}

// ProtocolError indicates a peer violated the wire protocol (bad message
// length, bad handshake, unexpected Fast-only message, piece without a
// matching request). Closes the offending peer only; never fatal to the
// task.
type ProtocolError struct {
	Reason Reason
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %s", e.Reason, e.Detail)
}

func NewProtocolError(reason Reason, detail string) error {
	return &ProtocolError{Reason: reason, Detail: detail}
}

// HashMismatchError indicates a fully-received piece failed verification
// against its expected hash. Not fatal; the piece is discarded and
// contributing peers may be penalized.
type HashMismatchError struct {
	PieceIndex int
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch on piece %d", e.PieceIndex)
}

func NewHashMismatchError(pieceIndex int) error {
	return &HashMismatchError{PieceIndex: pieceIndex}
}

// TimeoutError indicates a request or handshake exceeded its deadline.
// Closes the peer; discovery may redial later.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout during %s", e.Op) }

func NewTimeoutError(op string) error { return &TimeoutError{Op: op} }

// ResourceExhaustedError indicates a hard resource cap was hit (oversize
// buffer, too many outstanding remote requests). Closes the peer.
type ResourceExhaustedError struct {
	Resource string
	Limit    int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s (limit %d)", e.Resource, e.Limit)
}

func NewResourceExhaustedError(resource string, limit int) error {
	return &ResourceExhaustedError{Resource: resource, Limit: limit}
}

// ConfigError indicates invalid settings, surfaced at task creation and
// never at runtime.
type ConfigError struct {
	Field string
	Cause error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config field %q: %v", e.Field, e.Cause)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

func NewConfigError(field string, cause error) error {
	return &ConfigError{Field: field, Cause: cause}
}
