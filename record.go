/*
Copyright 2026 Vimeo Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package warehouse

import (
	"time"

	"go.opencensus.io/trace"

	"github.com/vimeo/warehouse/keyhash"
)

// State is the settlement state of a Record.
type State int

const (
	// Pending records have no value yet.
	Pending State = iota
	// Resolved records hold a value.
	Resolved
	// Rejected records hold the error their query failed with.
	Rejected
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var closedChan = make(chan struct{})

func init() {
	close(closedChan)
}

// A Record is the cache entry for one key: the current query attempt
// and the last settled result. Records are owned by their Cache and only
// change through it; callers read them and hold them with Lock/Unlock.
type Record[V any] struct {
	key   string
	owner *Cache[V]
	hold  keyhash.Hold // identity ids used by key, released on eviction

	// guarded by owner.mu
	state        State
	value        V
	err          error
	updatedAt    time.Time
	refs         int
	revalidating bool
	evicted      bool

	// attempt in flight; taskID is zero when there is none
	taskID  uint64
	cancel  func()
	span    *trace.Span
	started time.Time

	// closed when the attempt in flight settles; reused across
	// superseding attempts
	done     chan struct{}
	doneOpen bool
}

// A Snapshot is a consistent copy of a Record's fields.
type Snapshot[V any] struct {
	Key       string
	State     State
	Value     V
	Err       error
	UpdatedAt time.Time
	Refs      int
	// Revalidating is set while a refresh runs for a record that keeps
	// serving its previous result.
	Revalidating bool
}

// Key returns the derived cache key.
func (r *Record[V]) Key() string {
	return r.key
}

// Snapshot returns the record's current fields.
func (r *Record[V]) Snapshot() Snapshot[V] {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return Snapshot[V]{
		Key:          r.key,
		State:        r.state,
		Value:        r.value,
		Err:          r.err,
		UpdatedAt:    r.updatedAt,
		Refs:         r.refs,
		Revalidating: r.revalidating,
	}
}

// Unwrap returns the resolved value, the rejection error, or ErrPending.
func (r *Record[V]) Unwrap() (V, error) {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	return r.unwrapLocked()
}

func (r *Record[V]) unwrapLocked() (V, error) {
	switch r.state {
	case Resolved:
		return r.value, nil
	case Rejected:
		var zero V
		return zero, r.err
	default:
		var zero V
		return zero, ErrPending
	}
}

// Done returns a channel that is closed when the attempt in flight
// settles or the record is evicted. For a record with nothing in flight
// the channel is already closed.
func (r *Record[V]) Done() <-chan struct{} {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	if !r.doneOpen {
		return closedChan
	}
	return r.done
}

func (r *Record[V]) inFlight() bool {
	return r.taskID != 0
}

func (r *Record[V]) openDone() {
	if !r.doneOpen {
		r.done = make(chan struct{})
		r.doneOpen = true
	}
}

func (r *Record[V]) closeDone() {
	if r.doneOpen {
		close(r.done)
		r.doneOpen = false
	}
}
