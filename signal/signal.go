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

// Package signal provides minimal publish/subscribe primitives used to
// tell observers that something changed, so they can re-read state
// instead of polling.
//
// Signal is a single channel; Keyed multiplexes independent channels by
// key. Callbacks run synchronously inside Publish, in registration
// order. Subscriber lists are copy-on-write, so a callback may subscribe
// or dispose (itself or others) while a publication is in progress
// without disturbing it.
package signal // import "github.com/vimeo/warehouse/signal"

import "sync"

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	once    sync.Once
	dispose func()
}

// Dispose removes the callback. Disposing more than once is a no-op.
func (s *Subscription) Dispose() {
	s.once.Do(s.dispose)
}

// subscriber is boxed so that identity, not func equality, selects the
// entry to remove.
type subscriber[T any] struct {
	fn func(T)
}

// without returns a copy of subs with sub removed.
func without[T any](subs []*subscriber[T], sub *subscriber[T]) []*subscriber[T] {
	for i, s := range subs {
		if s != sub {
			continue
		}
		out := make([]*subscriber[T], 0, len(subs)-1)
		out = append(out, subs[:i]...)
		return append(out, subs[i+1:]...)
	}
	return subs
}

// with returns a copy of subs with sub appended.
func with[T any](subs []*subscriber[T], sub *subscriber[T]) []*subscriber[T] {
	out := make([]*subscriber[T], 0, len(subs)+1)
	out = append(out, subs...)
	return append(out, sub)
}

// Signal is an unkeyed notification channel. The zero value is ready
// to use.
type Signal[T any] struct {
	mu   sync.Mutex
	subs []*subscriber[T]
}

// Subscribe registers fn to be called on every Publish.
func (s *Signal[T]) Subscribe(fn func(T)) *Subscription {
	sub := &subscriber[T]{fn: fn}
	s.mu.Lock()
	s.subs = with(s.subs, sub)
	s.mu.Unlock()
	return &Subscription{dispose: func() {
		s.mu.Lock()
		s.subs = without(s.subs, sub)
		s.mu.Unlock()
	}}
}

// Publish calls every currently registered callback with payload.
func (s *Signal[T]) Publish(payload T) {
	s.mu.Lock()
	subs := s.subs
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fn(payload)
	}
}

// Len returns the number of registered callbacks.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Keyed multiplexes independent channels by key. Ordering is only
// guaranteed within one key. The zero value is ready to use.
type Keyed[K comparable, T any] struct {
	mu       sync.Mutex
	channels map[K][]*subscriber[T]
}

// Subscribe registers fn on the channel selected by key.
func (k *Keyed[K, T]) Subscribe(key K, fn func(T)) *Subscription {
	sub := &subscriber[T]{fn: fn}
	k.mu.Lock()
	if k.channels == nil {
		k.channels = make(map[K][]*subscriber[T])
	}
	k.channels[key] = with(k.channels[key], sub)
	k.mu.Unlock()
	return &Subscription{dispose: func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		subs := without(k.channels[key], sub)
		if len(subs) == 0 {
			delete(k.channels, key)
			return
		}
		k.channels[key] = subs
	}}
}

// Publish calls every callback currently registered for key.
func (k *Keyed[K, T]) Publish(key K, payload T) {
	k.mu.Lock()
	subs := k.channels[key]
	k.mu.Unlock()
	for _, sub := range subs {
		sub.fn(payload)
	}
}

// Len returns the number of callbacks registered for key.
func (k *Keyed[K, T]) Len(key K) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.channels[key])
}

// Channels returns the number of keys with at least one callback.
func (k *Keyed[K, T]) Channels() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.channels)
}
