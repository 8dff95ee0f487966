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
	"context"
	"sync"
	"time"

	"github.com/vimeo/warehouse/signal"
)

// A Controller runs a query for a single consumer without a shared
// store: there is no key, no capacity and no staleness. Starting a run
// abandons the previous one, whose result is discarded.
type Controller[V any] struct {
	w *Warehouse

	mu        sync.Mutex
	query     Query[V]
	args      []any
	state     State
	value     V
	err       error
	updatedAt time.Time
	taskID    uint64
	nextTask  uint64
	cancel    func()
	done      chan struct{}
	doneOpen  bool
	disposed  bool

	changed signal.Signal[*Controller[V]]
}

// NewController returns an idle Controller using w's clock and
// notification dispatcher.
func NewController[V any](w *Warehouse) *Controller[V] {
	return &Controller[V]{w: w}
}

// Run abandons any run in flight and starts query with args. A previous
// result stays visible, with Pending reporting true, until the new run
// settles.
func (ctl *Controller[V]) Run(query Query[V], args ...any) error {
	ctl.mu.Lock()
	if ctl.disposed {
		ctl.mu.Unlock()
		return ErrClosed
	}
	ctl.query, ctl.args = query, append([]any(nil), args...)
	cancel := ctl.abortLocked()
	ctl.startLocked(invoke(query, ctl.args))
	ctl.mu.Unlock()
	ctl.flush(cancel)
	return nil
}

// Retry starts the last query again. The returned channel is closed
// when the new run settles.
func (ctl *Controller[V]) Retry() (<-chan struct{}, error) {
	ctl.mu.Lock()
	if ctl.disposed {
		ctl.mu.Unlock()
		return nil, ErrClosed
	}
	if ctl.query == nil {
		ctl.mu.Unlock()
		return nil, ErrNoQuery
	}
	cancel := ctl.abortLocked()
	ctl.startLocked(invoke(ctl.query, ctl.args))
	done := closedChan
	if ctl.doneOpen {
		done = ctl.done
	}
	ctl.mu.Unlock()
	ctl.flush(cancel)
	return done, nil
}

// Set abandons any run in flight and resolves to v.
func (ctl *Controller[V]) Set(v V) error {
	ctl.mu.Lock()
	if ctl.disposed {
		ctl.mu.Unlock()
		return ErrClosed
	}
	cancel := ctl.abortLocked()
	ctl.settleLocked(v, nil)
	ctl.mu.Unlock()
	ctl.flush(cancel)
	return nil
}

// Snapshot returns the controller's current result. Its Key is empty.
func (ctl *Controller[V]) Snapshot() Snapshot[V] {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return Snapshot[V]{
		State:        ctl.state,
		Value:        ctl.value,
		Err:          ctl.err,
		UpdatedAt:    ctl.updatedAt,
		Revalidating: ctl.pendingLocked(),
	}
}

// Unwrap returns the settled value, the error, or ErrPending before the
// first run settles.
func (ctl *Controller[V]) Unwrap() (V, error) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	switch ctl.state {
	case Resolved:
		return ctl.value, nil
	case Rejected:
		var zero V
		return zero, ctl.err
	default:
		var zero V
		return zero, ErrPending
	}
}

// Pending reports whether a run is refreshing an already settled result.
func (ctl *Controller[V]) Pending() bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.pendingLocked()
}

func (ctl *Controller[V]) pendingLocked() bool {
	return ctl.state != Pending && ctl.taskID != 0
}

// Subscribe calls fn after every change: a run starting, settling, or a
// Set.
func (ctl *Controller[V]) Subscribe(fn func(*Controller[V])) *signal.Subscription {
	return ctl.changed.Subscribe(fn)
}

// Dispose cancels the run in flight. Later calls to Run, Retry and Set
// fail with ErrClosed.
func (ctl *Controller[V]) Dispose() {
	ctl.mu.Lock()
	if ctl.disposed {
		ctl.mu.Unlock()
		return
	}
	ctl.disposed = true
	cancel := ctl.abortLocked()
	if ctl.doneOpen {
		close(ctl.done)
		ctl.doneOpen = false
	}
	ctl.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// abortLocked abandons the run in flight and returns its cancel
// function, to be called once ctl.mu is released.
func (ctl *Controller[V]) abortLocked() func() {
	if ctl.taskID == 0 {
		return nil
	}
	cancel := ctl.cancel
	ctl.taskID, ctl.cancel = 0, nil
	return cancel
}

func (ctl *Controller[V]) startLocked(a Attempt[V]) {
	ctl.nextTask++
	id := ctl.nextTask
	ctl.taskID = id
	if !ctl.doneOpen {
		ctl.done = make(chan struct{})
		ctl.doneOpen = true
	}
	s := a.start(context.Background(), func(v V, err error) {
		ctl.mu.Lock()
		if ctl.taskID != id {
			ctl.mu.Unlock()
			return
		}
		ctl.settleLocked(v, err)
		ctl.mu.Unlock()
		ctl.flush(nil)
	})
	if s.settled {
		ctl.settleLocked(s.value, s.err)
		return
	}
	ctl.cancel = s.cancel
}

func (ctl *Controller[V]) settleLocked(v V, err error) {
	ctl.taskID, ctl.cancel = 0, nil
	if err != nil {
		var zero V
		ctl.state, ctl.value, ctl.err = Rejected, zero, err
	} else {
		ctl.state, ctl.value, ctl.err = Resolved, v, nil
	}
	ctl.updatedAt = ctl.w.clock.Now()
	if ctl.doneOpen {
		close(ctl.done)
		ctl.doneOpen = false
	}
}

func (ctl *Controller[V]) flush(cancel func()) {
	if cancel != nil {
		cancel()
	}
	ctl.w.dispatch.Dispatch(func() {
		ctl.changed.Publish(ctl)
	})
}
