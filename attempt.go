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
	"runtime/debug"
	"sync"
)

// A Query produces one attempt at computing the value for args.
//
// The function itself is called with the owning Cache's lock held: it
// must return promptly and must not call back into that Cache. Slow or
// re-entrant work belongs inside the returned Attempt (see Async and
// QueryFunc). A Query may be called any number of times for the same
// arguments.
type Query[V any] func(args ...any) Attempt[V]

type attemptKind uint8

const (
	attemptSettled attemptKind = iota
	attemptAwait
	attemptAsync
)

// An Attempt is the outcome of calling a Query: a value that is already
// known, a Future to wait on, or a function to run in the background.
// The zero Attempt is settled with the zero value.
type Attempt[V any] struct {
	kind   attemptKind
	value  V
	err    error
	future *Future[V]
	cancel func()
	run    func(ctx context.Context) (V, error)
}

// Settled returns an Attempt that is already complete. A non-nil err
// rejects the record.
func Settled[V any](v V, err error) Attempt[V] {
	return Attempt[V]{kind: attemptSettled, value: v, err: err}
}

// Await returns an Attempt that completes when f is resolved. cancel, if
// non-nil, is called at most once should the attempt be abandoned before
// f resolves.
func Await[V any](f *Future[V], cancel func()) Attempt[V] {
	return Attempt[V]{kind: attemptAwait, future: f, cancel: cancel}
}

// Async returns an Attempt that runs fn on its own goroutine. Abandoning
// the attempt cancels ctx.
func Async[V any](fn func(ctx context.Context) (V, error)) Attempt[V] {
	return Attempt[V]{kind: attemptAsync, run: fn}
}

// QueryFunc adapts a context-aware function into a Query whose attempts
// run asynchronously.
func QueryFunc[V any](fn func(ctx context.Context, args ...any) (V, error)) Query[V] {
	return func(args ...any) Attempt[V] {
		args = append([]any(nil), args...)
		return Async(func(ctx context.Context) (V, error) {
			return fn(ctx, args...)
		})
	}
}

// started is an Attempt in flight. cancel is nil once settled is true.
type started[V any] struct {
	settled bool
	value   V
	err     error
	cancel  func()
}

// start begins a. If a completes later, complete is called from another
// goroutine; it is never called for an attempt that was settled on
// return. An async attempt may still complete after cancel, so callers
// guard against stale completions.
func (a Attempt[V]) start(ctx context.Context, complete func(V, error)) started[V] {
	switch a.kind {
	case attemptAwait:
		if a.future == nil {
			return started[V]{settled: true, err: errNilFuture}
		}
		select {
		case <-a.future.Done():
			v, err := a.future.Result()
			return started[V]{settled: true, value: v, err: err}
		default:
		}
		stop := make(chan struct{})
		go func() {
			select {
			case <-a.future.Done():
				complete(a.future.Result())
			case <-stop:
			}
		}()
		var once sync.Once
		return started[V]{cancel: func() {
			once.Do(func() {
				close(stop)
				if a.cancel != nil {
					a.cancel()
				}
			})
		}}
	case attemptAsync:
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			v, err := runRecovered(ctx, a.run)
			cancel()
			complete(v, err)
		}()
		return started[V]{cancel: cancel}
	default:
		return started[V]{settled: true, value: a.value, err: a.err}
	}
}

func runRecovered[V any](ctx context.Context, fn func(context.Context) (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			v, err = zero, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// invoke calls q, turning a panic into a rejected Attempt.
func invoke[V any](q Query[V], args []any) (a Attempt[V]) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			a = Settled(zero, error(&PanicError{Value: r, Stack: debug.Stack()}))
		}
	}()
	return q(args...)
}
