/*
Copyright 2012 Google Inc.

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
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
	"go.uber.org/zap"

	"github.com/vimeo/warehouse/keyhash"
	"github.com/vimeo/warehouse/lru"
	"github.com/vimeo/warehouse/signal"
)

// A Cache holds the records of one query. Create it with NewCache; the
// zero value is not usable.
type Cache[V any] struct {
	name   string
	w      *Warehouse
	query  Query[V]
	mutate func(V) Attempt[V]
	opts   cacheOpts
	logger *zap.Logger
	ctx    context.Context // carries the ResourceKey tag

	mu       sync.Mutex
	store    *lru.TypedCache[string, *Record[V]]
	nextTask uint64
	closed   bool
	fx       effects[V] // run by unlockAndFlush

	keyed    signal.Keyed[string, *Record[V]]
	watchers signal.Signal[*Record[V]]

	stats counters
}

// effects are the side effects of a locked section that must not run
// under the lock: user cancel functions and change notifications.
type effects[V any] struct {
	cancels []func()
	changed []*Record[V]
}

// NewCache creates a cache named name for query and registers it with
// w. All problems with the definition are reported together. The name
// must be unique within w.
func NewCache[V any](w *Warehouse, name string, query Query[V], opts ...CacheOption) (*Cache[V], error) {
	o := defaultCacheOpts()
	for _, opt := range opts {
		opt.apply(&o)
	}
	mutate, err := validate(name, query, &o)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if _, dup := w.caches[name]; dup {
		err = multierror.Append(err, fmt.Errorf("duplicate registration of cache %q", name))
	}
	if err != nil {
		return nil, fmt.Errorf("warehouse: invalid cache %q: %w", name, err)
	}

	ctx, err := tag.New(context.Background(), tag.Upsert(ResourceKey, name))
	if err != nil {
		return nil, fmt.Errorf("warehouse: tagging cache %q: %w", name, err)
	}
	c := &Cache[V]{
		name:   name,
		w:      w,
		query:  query,
		mutate: mutate,
		opts:   o,
		logger: w.logger.With(zap.String("resource", name)),
		ctx:    ctx,
		store:  lru.TypedNew[string, *Record[V]](o.capacity),
	}
	c.store.OnEvicted = c.onEvicted
	c.store.Pinned = func(_ string, r *Record[V]) bool {
		return r.refs > 0
	}
	w.caches[name] = c
	return c, nil
}

// Name returns the name of the cache.
func (c *Cache[V]) Name() string {
	return c.name
}

// Len returns the number of records held, which may exceed the capacity
// while held records block eviction.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

// Stats returns the cache's counters.
func (c *Cache[V]) Stats() CacheStats {
	return c.stats.snapshot(c.Len())
}

// Key derives the key that args select. It assigns no identity ids: for
// a reference argument that no record uses, the key is provisional and
// matches no record.
func (c *Cache[V]) Key(args ...any) (string, error) {
	key, err := c.w.hasher.Key(c, args...)
	if err != nil {
		return "", fmt.Errorf("warehouse: cache %q: %w", c.name, err)
	}
	return key, nil
}

// Lookup returns the record for args. A missing record is created and
// its query started. A stale record (settled, unheld and older than the
// max age) is queried again: within the stale window it keeps its
// result and is marked revalidating, otherwise it goes back to Pending.
// Any other record is returned as is, which is what makes concurrent
// lookups of one key share a query.
//
// The only errors are key derivation failures and ErrClosed; query
// failures are recorded in the Record.
func (c *Cache[V]) Lookup(args ...any) (*Record[V], error) {
	key, err := c.Key(args...)
	if err != nil {
		return nil, err
	}
	c.stats.Lookups.Add(1)
	stats.Record(c.ctx, MLookups.M(1))

	c.mu.Lock()
	defer c.unlockAndFlush()
	if c.closed {
		return nil, ErrClosed
	}

	rec, ok := c.store.Get(key)
	var hold keyhash.Hold
	if !ok {
		bound, h, err := c.w.hasher.Acquire(c, args...)
		if err != nil {
			return nil, fmt.Errorf("warehouse: cache %q: %w", c.name, err)
		}
		if bound != key {
			// another lookup bound the same references first
			rec, ok = c.store.Get(bound)
		}
		if ok {
			c.w.hasher.Release(h)
		} else {
			key, hold = bound, h
		}
	}

	if ok {
		now := c.w.clock.Now()
		if !c.staleLocked(rec, now) {
			c.stats.Hits.Add(1)
			stats.Record(c.ctx, MCacheHits.M(1))
			return rec, nil
		}
		c.stats.StaleRefreshes.Add(1)
		stats.Record(c.ctx, MStaleRefreshes.M(1))
		swr := now.Sub(rec.updatedAt)-c.opts.maxAge < c.opts.staleAge
		c.logger.Debug("stale refresh", zap.String("key", rec.key), zap.Bool("revalidating", swr))
		if swr {
			rec.revalidating = true
		} else {
			var zero V
			rec.state, rec.value, rec.err = Pending, zero, nil
		}
		c.launchLocked(rec, invoke(c.query, args))
		c.changedLocked(rec)
		return rec, nil
	}

	c.stats.Misses.Add(1)
	stats.Record(c.ctx, MCacheMisses.M(1))
	rec = &Record[V]{key: key, owner: c, state: Pending, hold: hold}
	c.logger.Debug("record created", zap.String("key", key))
	c.store.Add(key, rec)
	c.launchLocked(rec, invoke(c.query, args))
	c.changedLocked(rec)
	return rec, nil
}

func (c *Cache[V]) staleLocked(rec *Record[V], now time.Time) bool {
	return rec.state != Pending &&
		!rec.inFlight() &&
		rec.refs < 1 &&
		now.Sub(rec.updatedAt) > c.opts.maxAge
}

// Lock marks rec as in use. A held record is neither evicted nor
// considered stale. Every Lock must be paired with one Unlock.
func (c *Cache[V]) Lock(rec *Record[V]) {
	c.mustOwn(rec)
	c.mu.Lock()
	rec.refs++
	c.mu.Unlock()
}

// Unlock releases a hold taken by Lock. Releasing the last hold lets the
// cache evict whatever it could not while the record was held.
func (c *Cache[V]) Unlock(rec *Record[V]) {
	c.mustOwn(rec)
	c.mu.Lock()
	defer c.unlockAndFlush()
	if rec.refs <= 0 {
		panic("warehouse: Unlock of unheld record " + rec.key)
	}
	rec.refs--
	if rec.refs == 0 && !c.closed {
		c.store.Trim()
	}
}

func (c *Cache[V]) mustOwn(rec *Record[V]) {
	if rec.owner != c {
		panic("warehouse: record " + rec.key + " does not belong to cache " + c.name)
	}
}

// Retry abandons any attempt in flight for args and queries again,
// whether or not the record is stale. A settled record keeps its result
// until the new attempt settles. The returned channel is closed at that
// point.
func (c *Cache[V]) Retry(args ...any) (<-chan struct{}, error) {
	key, err := c.Key(args...)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.unlockAndFlush()
	rec, err := c.existingLocked(key)
	if err != nil {
		return nil, err
	}
	c.abortLocked(rec)
	if rec.state != Pending {
		rec.revalidating = true
	}
	c.launchLocked(rec, invoke(c.query, args))
	c.changedLocked(rec)
	if !rec.doneOpen {
		return closedChan, nil
	}
	return rec.done, nil
}

// Set overwrites the record for args with value, abandoning any attempt
// in flight. If the cache has a mutator, value is passed through it
// first and the record settles from the resulting Attempt.
func (c *Cache[V]) Set(value V, args ...any) error {
	if c.mutate != nil {
		return c.Update(c.mutated(value), args...)
	}
	return c.Update(Settled(value, nil), args...)
}

func (c *Cache[V]) mutated(value V) (a Attempt[V]) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			a = Settled(zero, error(&PanicError{Value: r, Stack: debug.Stack()}))
		}
	}()
	return c.mutate(value)
}

// Update settles the record for args from a, abandoning any attempt in
// flight, without calling the cache's query. While a runs, a settled
// record keeps serving its previous result.
func (c *Cache[V]) Update(a Attempt[V], args ...any) error {
	key, err := c.Key(args...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.unlockAndFlush()
	rec, err := c.existingLocked(key)
	if err != nil {
		return err
	}
	c.abortLocked(rec)
	if rec.state != Pending {
		rec.revalidating = true
	}
	c.launchLocked(rec, a)
	c.changedLocked(rec)
	return nil
}

// Delete removes the record for args, cancelling its query if it is
// still in flight. It reports whether there was a record.
func (c *Cache[V]) Delete(args ...any) (bool, error) {
	key, err := c.Key(args...)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.unlockAndFlush()
	if c.closed {
		return false, ErrClosed
	}
	return c.store.Remove(key), nil
}

// existingLocked returns the record for key. A missing record means the
// caller skipped Lookup, which is reported rather than papered over.
func (c *Cache[V]) existingLocked(key string) (*Record[V], error) {
	if c.closed {
		return nil, ErrClosed
	}
	rec, ok := c.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w %s in cache %q", ErrNoRecord, key, c.name)
	}
	return rec, nil
}

// Subscribe calls fn with the record for key every time it changes:
// creation, a new attempt, settlement and eviction. Notifications are
// delivered one at a time, never while the cache is locked, so fn may
// call back into the cache. fn runs on the goroutine delivering every
// notification of the Warehouse and must not block; in particular it
// must not call Get.
//
// Delivery is serialized across the whole Warehouse. When another
// goroutine is already delivering, the call that caused a change (such
// as Lookup) returns before fn has run, and fn runs shortly after on
// that other goroutine. Callers waiting on a change re-check the record
// when notified rather than assume it was delivered on return.
func (c *Cache[V]) Subscribe(key string, fn func(*Record[V])) *signal.Subscription {
	return c.keyed.Subscribe(key, fn)
}

// Watch calls fn for every change to any record of the cache.
func (c *Cache[V]) Watch(fn func(*Record[V])) *signal.Subscription {
	return c.watchers.Subscribe(fn)
}

// Get returns the value for args, waiting while its record is pending.
// It holds the record for the duration, and each time the record's key
// is notified it checks the record again. A record that is evicted while
// pending is looked up anew.
func (c *Cache[V]) Get(ctx context.Context, args ...any) (V, error) {
	for {
		rec, err := c.Lookup(args...)
		if err != nil {
			var zero V
			return zero, err
		}
		v, again, err := c.await(ctx, rec)
		if !again {
			return v, err
		}
	}
}

func (c *Cache[V]) await(ctx context.Context, rec *Record[V]) (V, bool, error) {
	c.Lock(rec)
	defer c.Unlock(rec)
	wake := make(chan struct{}, 1)
	sub := c.Subscribe(rec.key, func(*Record[V]) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer sub.Dispose()

	ctx, span := trace.StartSpan(ctx, "warehouse.(*Cache).Get on "+c.name)
	defer span.End()
	for {
		c.mu.Lock()
		v, err := rec.unwrapLocked()
		evicted := rec.evicted
		c.mu.Unlock()
		if !errors.Is(err, ErrPending) {
			return v, false, err
		}
		if evicted {
			span.Annotate(nil, "record evicted while pending")
			return v, true, err
		}
		select {
		case <-wake:
		case <-ctx.Done():
			span.SetStatus(trace.Status{Code: trace.StatusCodeCancelled, Message: ctx.Err().Error()})
			return v, false, ctx.Err()
		}
	}
}

// launchLocked starts a as the record's current attempt.
func (c *Cache[V]) launchLocked(rec *Record[V], a Attempt[V]) {
	c.nextTask++
	id := c.nextTask
	rec.taskID = id
	rec.openDone()
	c.stats.Queries.Add(1)
	stats.Record(c.ctx, MQueries.M(1))

	if a.kind == attemptSettled {
		c.settleLocked(rec, a.value, a.err)
		return
	}
	ctx, span := trace.StartSpan(c.ctx, "warehouse.(*Cache).query on "+c.name)
	span.AddAttributes(trace.StringAttribute("key", rec.key))
	rec.span = span
	rec.started = c.w.clock.Now()
	s := a.start(ctx, func(v V, err error) {
		c.settle(rec, id, v, err)
	})
	if s.settled {
		c.settleLocked(rec, s.value, s.err)
		return
	}
	rec.cancel = s.cancel
}

// settle applies the result of attempt id, unless it was superseded.
func (c *Cache[V]) settle(rec *Record[V], id uint64, v V, err error) {
	c.mu.Lock()
	defer c.unlockAndFlush()
	if rec.taskID != id {
		c.logger.Debug("superseded result discarded", zap.String("key", rec.key))
		return
	}
	c.settleLocked(rec, v, err)
}

func (c *Cache[V]) settleLocked(rec *Record[V], v V, err error) {
	now := c.w.clock.Now()
	if rec.span != nil {
		stats.Record(c.ctx, MQueryLatencyMilliseconds.M(inMilliseconds(now.Sub(rec.started))))
		if err != nil {
			rec.span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		}
		rec.span.End()
		rec.span = nil
	}
	rec.taskID = 0
	rec.cancel = nil
	if err != nil {
		c.stats.QueryErrors.Add(1)
		stats.Record(c.ctx, MQueryErrors.M(1))
		var zero V
		rec.state, rec.value, rec.err = Rejected, zero, err
	} else {
		rec.state, rec.value, rec.err = Resolved, v, nil
	}
	rec.updatedAt = now
	rec.revalidating = false
	rec.closeDone()
	c.changedLocked(rec)
}

// abortLocked abandons the record's attempt in flight, if any. Its
// cancel function runs once the lock is released and its result, should
// it still arrive, is discarded.
func (c *Cache[V]) abortLocked(rec *Record[V]) {
	if !rec.inFlight() {
		return
	}
	rec.taskID = 0
	if rec.cancel != nil {
		c.fx.cancels = append(c.fx.cancels, rec.cancel)
		rec.cancel = nil
	}
	if rec.span != nil {
		rec.span.SetStatus(trace.Status{Code: trace.StatusCodeCancelled, Message: "attempt abandoned"})
		rec.span.End()
		rec.span = nil
	}
	c.stats.Superseded.Add(1)
	stats.Record(c.ctx, MSuperseded.M(1))
	c.logger.Debug("attempt superseded", zap.String("key", rec.key))
}

// onEvicted is the store's disposal callback. It runs with c.mu held.
func (c *Cache[V]) onEvicted(key string, rec *Record[V]) {
	c.abortLocked(rec)
	rec.evicted = true
	rec.closeDone()
	c.w.hasher.Release(rec.hold)
	rec.hold = keyhash.Hold{}
	c.stats.Evictions.Add(1)
	stats.Record(c.ctx, MEvictions.M(1))
	c.logger.Debug("record evicted", zap.String("key", key))
	c.changedLocked(rec)
}

func (c *Cache[V]) changedLocked(rec *Record[V]) {
	for _, r := range c.fx.changed {
		if r == rec {
			return
		}
	}
	c.fx.changed = append(c.fx.changed, rec)
}

// unlockAndFlush releases c.mu, then runs the effects the locked
// section queued: cancels first, then notifications through the
// warehouse dispatcher.
func (c *Cache[V]) unlockAndFlush() {
	fx := c.fx
	c.fx = effects[V]{}
	c.mu.Unlock()

	for _, cancel := range fx.cancels {
		cancel()
	}
	for _, rec := range fx.changed {
		rec := rec
		c.w.dispatch.Dispatch(func() {
			c.keyed.Publish(rec.key, rec)
			c.watchers.Publish(rec)
		})
	}
}

func (c *Cache[V]) close() {
	c.mu.Lock()
	defer c.unlockAndFlush()
	if c.closed {
		return
	}
	c.closed = true
	c.store.Clear()
}
