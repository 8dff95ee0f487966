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

package signal

import (
	"sync"

	"github.com/gammazero/deque"
)

// Dispatcher serializes notification delivery. Work handed to Dispatch
// runs one item at a time, in the order it was dispatched, on whichever
// goroutine found the dispatcher idle. A Dispatch call made while that
// goroutine is draining (including from inside a delivered callback)
// only enqueues, so callbacks never nest and never race each other.
type Dispatcher struct {
	mu       sync.Mutex
	queue    *deque.Deque[func()]
	draining bool
}

// NewDispatcher returns an idle Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{queue: deque.New[func()]()}
}

// Dispatch runs fn after everything already queued. When the caller
// becomes the draining goroutine, Dispatch returns only once the queue
// is empty.
func (d *Dispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	d.queue.PushBack(fn)
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	d.mu.Unlock()
	d.drain()
}

func (d *Dispatcher) drain() {
	defer func() {
		if r := recover(); r != nil {
			// let the next Dispatch pick the queue back up
			d.mu.Lock()
			d.draining = false
			d.mu.Unlock()
			panic(r)
		}
	}()
	for {
		d.mu.Lock()
		if d.queue.Len() == 0 {
			d.draining = false
			d.mu.Unlock()
			return
		}
		fn := d.queue.PopFront()
		d.mu.Unlock()
		fn()
	}
}

// Pending returns the number of queued, undelivered items.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}
