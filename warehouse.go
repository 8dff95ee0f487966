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

// Package warehouse provides an in-memory cache for the results of
// asynchronous queries, with de-duplication of concurrent requests.
//
// Each Cache wraps one query function. Looking up a tuple of arguments
// returns the Record for that tuple's key, creating it (and starting the
// query) on a miss. Concurrent lookups of the same key share one Record
// and so one query. A Record is Pending until its query settles, then
// Resolved or Rejected; once older than the cache's max age, and with no
// holder, the next lookup queries it again. Callers that cannot proceed
// with a Pending record subscribe to its key and look it up again when
// notified, or use Get, which does exactly that.
//
// Each Cache holds a bounded number of records and evicts the least
// recently used one that no caller holds (see Lock). Evicting or
// superseding a record whose query is still in flight cancels the query
// and discards its eventual result.
package warehouse // import "github.com/vimeo/warehouse"

import (
	"sort"
	"sync"

	"github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/vimeo/warehouse/keyhash"
	"github.com/vimeo/warehouse/signal"
)

// Warehouse is the registry scope for a set of caches. It holds what
// they share: the key hasher, the clock, the logger and the dispatcher
// that serializes change notifications.
type Warehouse struct {
	mu     sync.RWMutex
	caches map[string]registered // caches are indexed by their name
	closed bool

	logger   *zap.Logger
	clock    clocks.Clock
	hasher   *keyhash.Hasher
	dispatch *signal.Dispatcher
}

// registered is the type-erased view of a Cache held by the registry.
type registered interface {
	Name() string
	close()
}

// Option is an interface for implementing functional Warehouse options
type Option interface {
	apply(*warehouseOpts)
}

// warehouseOpts contains optional fields for the Warehouse (each with a
// default value if not set)
type warehouseOpts struct {
	logger *zap.Logger
	clock  clocks.Clock
}

type funcOption struct {
	f func(*warehouseOpts)
}

func (fo *funcOption) apply(o *warehouseOpts) {
	fo.f(o)
}

func newFuncOption(f func(*warehouseOpts)) *funcOption {
	return &funcOption{f: f}
}

// WithLogger sets the logger caches report lifecycle events to at debug
// level; defaults to a no-op logger. Query errors are never logged.
func WithLogger(l *zap.Logger) Option {
	return newFuncOption(func(o *warehouseOpts) {
		o.logger = l
	})
}

// WithClock sets the time source used for record ages; defaults to the
// system clock.
func WithClock(c clocks.Clock) Option {
	return newFuncOption(func(o *warehouseOpts) {
		o.clock = c
	})
}

// New returns an empty Warehouse.
func New(opts ...Option) *Warehouse {
	o := warehouseOpts{
		logger: zap.NewNop(),
		clock:  clocks.DefaultClock(),
	}
	for _, opt := range opts {
		opt.apply(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = clocks.DefaultClock()
	}
	return &Warehouse{
		caches:   make(map[string]registered),
		logger:   o.logger,
		clock:    o.clock,
		hasher:   keyhash.New(),
		dispatch: signal.NewDispatcher(),
	}
}

// GetCache returns the cache named name previously created with
// NewCache, or nil if there's no such cache or its value type is not V.
func GetCache[V any](w *Warehouse, name string) *Cache[V] {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, _ := w.caches[name].(*Cache[V])
	return c
}

// Names returns the names of the registered caches in sorted order.
func (w *Warehouse) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	names := make([]string, 0, len(w.caches))
	for name := range w.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close evicts every record of every cache, cancelling queries still in
// flight. Operations on the caches, and NewCache, fail with ErrClosed
// afterwards. Closing twice is a no-op.
func (w *Warehouse) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	caches := make([]registered, 0, len(w.caches))
	for _, c := range w.caches {
		caches = append(caches, c)
	}
	w.mu.Unlock()

	for _, c := range caches {
		c.close()
	}
	w.logger.Debug("warehouse closed", zap.Int("caches", len(caches)))
	return nil
}
