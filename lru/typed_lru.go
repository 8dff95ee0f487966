/*
Copyright 2013 Google Inc.

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

// Package lru implements an LRU cache whose entries may be pinned
// against eviction.
package lru // import "github.com/vimeo/warehouse/lru"

import "github.com/dolthub/swiss"

const defaultIndexSize = 16

// TypedCache is an LRU cache. It is not safe for concurrent access.
type TypedCache[K comparable, V any] struct {
	// MaxEntries is the maximum number of cache entries before
	// an item is evicted. Zero means no limit.
	MaxEntries int

	// OnEvicted optionally specifies a callback function to be
	// executed when an entry is purged from the cache, whether by
	// capacity pressure, Remove or Clear.
	OnEvicted func(key K, value V)

	// Pinned optionally reports whether an entry is in use and must
	// not be chosen for eviction. When every eviction candidate is
	// pinned the cache holds more than MaxEntries until Trim is called
	// again.
	Pinned func(key K, value V) bool

	index *swiss.Map[K, *llElem[typedEntry[K, V]]]
	ll    linkedList[typedEntry[K, V]]
}

type typedEntry[K comparable, V any] struct {
	key   K
	value V
}

// TypedNew creates a new Cache (with types).
// If maxEntries is zero, the cache has no limit and it's assumed
// that eviction is done by the caller.
func TypedNew[K comparable, V any](maxEntries int) *TypedCache[K, V] {
	return &TypedCache[K, V]{
		MaxEntries: maxEntries,
		index:      newIndex[K, V](maxEntries),
	}
}

func newIndex[K comparable, V any](maxEntries int) *swiss.Map[K, *llElem[typedEntry[K, V]]] {
	size := uint32(defaultIndexSize)
	if maxEntries > defaultIndexSize {
		size = uint32(maxEntries)
	}
	return swiss.NewMap[K, *llElem[typedEntry[K, V]]](size)
}

// Add inserts or overwrites a value and marks it most recently used.
// Overwriting does not run OnEvicted for the previous value.
func (c *TypedCache[K, V]) Add(key K, value V) {
	if c.index == nil {
		c.index = newIndex[K, V](c.MaxEntries)
	}
	if ele, hit := c.index.Get(key); hit {
		c.ll.MoveToFront(ele)
		ele.value.value = value
		return
	}
	ele := c.ll.PushFront(typedEntry[K, V]{key, value})
	c.index.Put(key, ele)
	c.Trim()
}

// Get looks up a key's value from the cache and marks it most
// recently used.
func (c *TypedCache[K, V]) Get(key K) (value V, ok bool) {
	if c.index == nil {
		return
	}
	if ele, hit := c.index.Get(key); hit {
		c.ll.MoveToFront(ele)
		return ele.value.value, true
	}
	return
}

// Has reports whether key is present without affecting recency.
func (c *TypedCache[K, V]) Has(key K) bool {
	if c.index == nil {
		return false
	}
	return c.index.Has(key)
}

// Remove removes the provided key from the cache, reporting whether it
// was present.
func (c *TypedCache[K, V]) Remove(key K) bool {
	if c.index == nil {
		return false
	}
	ele, hit := c.index.Get(key)
	if !hit {
		return false
	}
	c.removeElement(ele)
	return true
}

// Trim evicts least recently used, unpinned entries until the cache is
// back within MaxEntries. The most recently used entry is never
// evicted by Trim.
func (c *TypedCache[K, V]) Trim() {
	if c.MaxEntries == 0 {
		return
	}
	for e := c.ll.Back(); e != nil && e != c.ll.Front() && c.ll.Len() > c.MaxEntries; {
		prev := e.Prev()
		if c.Pinned == nil || !c.Pinned(e.value.key, e.value.value) {
			c.removeElement(e)
		}
		e = prev
	}
}

func (c *TypedCache[K, V]) removeElement(e *llElem[typedEntry[K, V]]) {
	c.ll.Remove(e)
	kv := e.value
	c.index.Delete(kv.key)
	if c.OnEvicted != nil {
		c.OnEvicted(kv.key, kv.value)
	}
}

// Len returns the number of items in the cache.
func (c *TypedCache[K, V]) Len() int {
	return c.ll.Len()
}

// Clear purges all stored items from the cache, least recently used
// first.
func (c *TypedCache[K, V]) Clear() {
	for e := c.ll.Back(); e != nil; e = c.ll.Back() {
		c.removeElement(e)
	}
	c.ll = linkedList[typedEntry[K, V]]{}
	if c.index != nil {
		c.index.Clear()
	}
}
