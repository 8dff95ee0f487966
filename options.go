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
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opencensus.io/tag"
)

// Defaults for cache options.
const (
	DefaultMaxAge   = 10 * time.Second
	DefaultStaleAge = 0
	DefaultCapacity = 256
)

// CacheOption is an interface for implementing functional cache options
type CacheOption interface {
	apply(*cacheOpts)
}

// cacheOpts contains optional fields for a cache (each with a default
// value if not set)
type cacheOpts struct {
	maxAge   time.Duration
	staleAge time.Duration
	capacity int
	mutator  any // func(V) Attempt[V], checked by NewCache
}

type funcCacheOption struct {
	f func(*cacheOpts)
}

func (fco *funcCacheOption) apply(o *cacheOpts) {
	fco.f(o)
}

func newFuncCacheOption(f func(*cacheOpts)) *funcCacheOption {
	return &funcCacheOption{f: f}
}

// WithMaxAge sets how long a settled record stays fresh. Once older, and
// not held by any caller, the next lookup queries it again; defaults to
// 10 seconds.
func WithMaxAge(d time.Duration) CacheOption {
	return newFuncCacheOption(func(o *cacheOpts) {
		o.maxAge = d
	})
}

// WithStaleAge sets the window past max age during which a stale record
// keeps serving its previous result while it is refreshed; defaults to
// zero (no stale-while-revalidate).
func WithStaleAge(d time.Duration) CacheOption {
	return newFuncCacheOption(func(o *cacheOpts) {
		o.staleAge = d
	})
}

// WithCapacity sets the number of records the cache holds before it
// starts evicting; defaults to 256.
func WithCapacity(n int) CacheOption {
	return newFuncCacheOption(func(o *cacheOpts) {
		o.capacity = n
	})
}

// WithMutator sets a transformation applied to values passed to Set. The
// returned Attempt may complete later, in which case the record keeps
// serving its previous value until it does. V must match the cache's
// value type.
func WithMutator[V any](fn func(V) Attempt[V]) CacheOption {
	return newFuncCacheOption(func(o *cacheOpts) {
		o.mutator = fn
	})
}

func defaultCacheOpts() cacheOpts {
	return cacheOpts{
		maxAge:   DefaultMaxAge,
		staleAge: DefaultStaleAge,
		capacity: DefaultCapacity,
	}
}

// validate reports every problem with a cache definition at once. It
// returns the typed mutator, if one was set.
func validate[V any](name string, query Query[V], o *cacheOpts) (func(V) Attempt[V], error) {
	var errs *multierror.Error
	if name == "" {
		errs = multierror.Append(errs, errors.New("empty name"))
	} else if _, err := tag.New(context.Background(), tag.Upsert(ResourceKey, name)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("name %q is not a valid tag value: %w", name, err))
	}
	if query == nil {
		errs = multierror.Append(errs, errors.New("nil query"))
	}
	if o.capacity <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("capacity %d must be positive", o.capacity))
	}
	if o.maxAge < 0 {
		errs = multierror.Append(errs, fmt.Errorf("negative max age %s", o.maxAge))
	}
	if o.staleAge < 0 {
		errs = multierror.Append(errs, fmt.Errorf("negative stale age %s", o.staleAge))
	}
	var mutate func(V) Attempt[V]
	if o.mutator != nil {
		m, ok := o.mutator.(func(V) Attempt[V])
		if !ok {
			var zero V
			errs = multierror.Append(errs, fmt.Errorf("mutator %T does not take %T", o.mutator, zero))
		}
		mutate = m
	}
	return mutate, errs.ErrorOrNil()
}
