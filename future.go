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
)

// A Future is a value that becomes available later.
type Future[V any] struct {
	once  sync.Once
	done  chan struct{}
	value V
	err   error
}

// NewFuture returns an unresolved Future and the function that resolves
// it. Only the first call to resolve has any effect.
func NewFuture[V any]() (*Future[V], func(V, error)) {
	f := &Future[V]{done: make(chan struct{})}
	return f, f.resolve
}

func (f *Future[V]) resolve(v V, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

// Done returns a channel that is closed once the Future is resolved.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Result returns the resolved value, or ErrPending if the Future is not
// resolved yet.
func (f *Future[V]) Result() (V, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		var zero V
		return zero, ErrPending
	}
}

// Wait blocks until the Future is resolved or ctx is done.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
