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

import (
	"sync"
	"time"
)

// Envelope carries the fields shared by every event in the Event sum type
// consumed by embedders.
type Envelope struct {
	InfoHash InfoHash
	At       time.Time
}

type TaskStartedEvent struct {
	Envelope
}

type TaskCompletedEvent struct {
	Envelope
}

type TaskStoppedEvent struct {
	Envelope
	Reason string
}

type TaskPausedEvent struct {
	Envelope
}

type TaskResumedEvent struct {
	Envelope
}

type PieceCompletedEvent struct {
	Envelope
	Index int
}

type FileCompletedEvent struct {
	Envelope
	Index int
}

type ProgressEvent struct {
	Envelope
	Downloaded  uint64
	Uploaded    uint64
	DownRateBps float64
	UpRateBps   float64
}

type PeerConnectedEvent struct {
	Envelope
	Addr   PeerAddr
	Source PeerSource
}

type PeerDisconnectedEvent struct {
	Envelope
	Addr   PeerAddr
	Reason string
}

type MetadataProgressEvent struct {
	Envelope
	Fraction float64
}

type MetadataReadyEvent struct {
	Envelope
	Bytes    []byte
	Peers    []PeerAddr
	Trackers []string
}

type StateFileUpdatedEvent struct {
	Envelope
}

// Event is implemented by every concrete *Event type above, letting a
// single channel carry the whole sum type the way the design notes
// describe ("a sum type Event plus an mpsc channel per listener").
type Event interface {
	eventEnvelope() Envelope
}

func (e TaskStartedEvent) eventEnvelope() Envelope      { return e.Envelope }
func (e TaskCompletedEvent) eventEnvelope() Envelope    { return e.Envelope }
func (e TaskStoppedEvent) eventEnvelope() Envelope      { return e.Envelope }
func (e TaskPausedEvent) eventEnvelope() Envelope       { return e.Envelope }
func (e TaskResumedEvent) eventEnvelope() Envelope      { return e.Envelope }
func (e PieceCompletedEvent) eventEnvelope() Envelope   { return e.Envelope }
func (e FileCompletedEvent) eventEnvelope() Envelope    { return e.Envelope }
func (e ProgressEvent) eventEnvelope() Envelope         { return e.Envelope }
func (e PeerConnectedEvent) eventEnvelope() Envelope    { return e.Envelope }
func (e PeerDisconnectedEvent) eventEnvelope() Envelope { return e.Envelope }
func (e MetadataProgressEvent) eventEnvelope() Envelope { return e.Envelope }
func (e MetadataReadyEvent) eventEnvelope() Envelope    { return e.Envelope }
func (e StateFileUpdatedEvent) eventEnvelope() Envelope { return e.Envelope }

// Bus delivers Event values to subscribers over independent buffered
// channels; a slow or gone subscriber never blocks another. Cancellation
// is dropping the receiver: Unsubscribe closes and forgets the channel.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new listener with the given channel buffer size
// and returns the channel plus a handle for Unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch
	return ch, id
}

// Unsubscribe drops a listener, closing its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish delivers ev to every current subscriber, best-effort: a
// subscriber whose buffer is full has the event dropped rather than
// blocking the publisher (HAVE broadcasts and progress events are
// explicitly best-effort per the concurrency model).
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
