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

package lru

import (
	"fmt"
	"testing"
)

func TestTypedGet(t *testing.T) {
	getTests := []struct {
		name       string
		keyToAdd   string
		keyToGet   string
		expectedOk bool
	}{
		{"string_hit", "myKey", "myKey", true},
		{"string_miss", "myKey", "nonsense", false},
	}

	for _, tt := range getTests {
		lru := TypedNew[string, int](0)
		lru.Add(tt.keyToAdd, 1234)
		val, ok := lru.Get(tt.keyToGet)
		if ok != tt.expectedOk {
			t.Fatalf("%s: cache hit = %v; want %v", tt.name, ok, !ok)
		} else if ok && val != 1234 {
			t.Fatalf("%s expected get to return 1234 but got %v", tt.name, val)
		}
	}
}

func TestTypedRemove(t *testing.T) {
	var disposed []int
	lru := TypedNew[string, int](0)
	lru.OnEvicted = func(key string, value int) {
		disposed = append(disposed, value)
	}
	lru.Add("myKey", 1234)
	if val, ok := lru.Get("myKey"); !ok {
		t.Fatal("TestRemove returned no match")
	} else if val != 1234 {
		t.Fatalf("TestRemove failed.  Expected %d, got %v", 1234, val)
	}

	if !lru.Remove("myKey") {
		t.Fatal("Remove reported a missing key")
	}
	if _, ok := lru.Get("myKey"); ok {
		t.Fatal("TestRemove returned a removed entry")
	}
	if lru.Remove("myKey") {
		t.Fatal("second Remove reported a present key")
	}
	if len(disposed) != 1 || disposed[0] != 1234 {
		t.Fatalf("disposed %v; want [1234]", disposed)
	}
}

func TestTypedEvict(t *testing.T) {
	evictedKeys := make([]string, 0)
	onEvictedFun := func(key string, value int) {
		evictedKeys = append(evictedKeys, key)
	}

	lru := TypedNew[string, int](20)
	lru.OnEvicted = onEvictedFun
	for i := 0; i < 22; i++ {
		lru.Add(fmt.Sprintf("myKey%d", i), 1234)
	}

	if len(evictedKeys) != 2 {
		t.Fatalf("got %d evicted keys; want 2", len(evictedKeys))
	}
	if evictedKeys[0] != "myKey0" {
		t.Fatalf("got %v in first evicted key; want %s", evictedKeys[0], "myKey0")
	}
	if evictedKeys[1] != "myKey1" {
		t.Fatalf("got %v in second evicted key; want %s", evictedKeys[1], "myKey1")
	}
	// move 9 and 10 to the head
	lru.Get("myKey10")
	lru.Get("myKey9")
	// 2..8 and 11..13 go first; 9 and 10 survive
	for i := 22; i < 32; i++ {
		lru.Add(fmt.Sprintf("myKey%d", i), 1234)
	}
	for _, k := range []string{"myKey9", "myKey10"} {
		if !lru.Has(k) {
			t.Errorf("%s was evicted after being promoted", k)
		}
	}
	if lru.Has("myKey11") {
		t.Error("myKey11 survived although it was least recently used")
	}
}

func TestTypedEvictionOrder(t *testing.T) {
	var evicted []string
	lru := TypedNew[string, int](3)
	lru.OnEvicted = func(key string, _ int) { evicted = append(evicted, key) }

	lru.Add("a", 1)
	lru.Add("b", 2)
	lru.Add("c", 3)
	if v, ok := lru.Get("c"); !ok || v != 3 {
		t.Fatalf("Get(c) = %d, %v; want 3, true", v, ok)
	}
	lru.Add("d", 4)

	if lru.Len() != 3 {
		t.Fatalf("Len() = %d; want 3", lru.Len())
	}
	if lru.Has("a") {
		t.Error("a should have been evicted")
	}
	if v, ok := lru.Get("b"); !ok || v != 2 {
		t.Errorf("Get(b) = %d, %v; want 2, true", v, ok)
	}

	lru.Remove("b")
	if lru.Len() != 2 || lru.Has("b") {
		t.Fatalf("b still present after Remove (len %d)", lru.Len())
	}
	lru.Add("b", 2)
	lru.Add("a", 1)
	lru.Add("e", 5)
	lru.Add("f", 6)

	for key, want := range map[string]bool{"a": true, "b": false, "e": true, "f": true} {
		if got := lru.Has(key); got != want {
			t.Errorf("Has(%q) = %v; want %v", key, got, want)
		}
	}
	if want := []string{"a", "b", "c", "d", "b"}; fmt.Sprint(evicted) != fmt.Sprint(want) {
		t.Errorf("evicted %v; want %v", evicted, want)
	}
}

func TestTypedOverwriteKeepsValueAlive(t *testing.T) {
	calls := 0
	lru := TypedNew[string, int](2)
	lru.OnEvicted = func(string, int) { calls++ }
	lru.Add("a", 1)
	lru.Add("a", 2)
	if calls != 0 {
		t.Fatalf("overwrite fired OnEvicted %d times", calls)
	}
	if v, _ := lru.Get("a"); v != 2 {
		t.Fatalf("Get(a) = %d; want 2", v)
	}
}

func TestTypedPinnedSkipped(t *testing.T) {
	pinned := map[string]bool{"a": true}
	var evicted []string
	lru := TypedNew[string, int](2)
	lru.Pinned = func(key string, _ int) bool { return pinned[key] }
	lru.OnEvicted = func(key string, _ int) { evicted = append(evicted, key) }

	lru.Add("a", 1)
	lru.Add("b", 2)
	lru.Add("c", 3)

	if !lru.Has("a") {
		t.Fatal("pinned entry a was evicted")
	}
	if lru.Has("b") {
		t.Fatal("b should have been evicted in place of pinned a")
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted %v; want [b]", evicted)
	}
}

func TestTypedAllPinnedOverfills(t *testing.T) {
	pinned := map[string]bool{"a": true}
	lru := TypedNew[string, int](1)
	lru.Pinned = func(key string, _ int) bool { return pinned[key] }

	lru.Add("a", 1)
	lru.Add("b", 2)
	if lru.Len() != 2 {
		t.Fatalf("Len() = %d; want 2 while a is pinned", lru.Len())
	}

	// the most recent entry is never trimmed, so unpinning a releases it
	pinned["a"] = false
	lru.Trim()
	if lru.Len() != 1 || lru.Has("a") || !lru.Has("b") {
		t.Fatalf("after Trim: len %d, has(a)=%v, has(b)=%v", lru.Len(), lru.Has("a"), lru.Has("b"))
	}
}

func TestTypedClear(t *testing.T) {
	var evicted []string
	lru := TypedNew[string, int](0)
	lru.OnEvicted = func(key string, _ int) { evicted = append(evicted, key) }
	lru.Add("a", 1)
	lru.Add("b", 2)
	lru.Clear()
	if lru.Len() != 0 || lru.Has("a") {
		t.Fatal("entries survived Clear")
	}
	if fmt.Sprint(evicted) != "[a b]" {
		t.Fatalf("evicted %v; want [a b]", evicted)
	}
	lru.Add("c", 3)
	if !lru.Has("c") {
		t.Fatal("cache unusable after Clear")
	}
}

func BenchmarkTypedGetAllHits(b *testing.B) {
	b.ReportAllocs()
	type complexStruct struct {
		a, b, c, d, e, f int64
		k, l, m, n, o, p float64
	}
	// Populate the cache
	l := TypedNew[int, complexStruct](32)
	for z := 0; z < 32; z++ {
		l.Add(z, complexStruct{a: int64(z)})
	}

	b.ResetTimer()
	for z := 0; z < b.N; z++ {
		// take the lower 5 bits as mod 32 so we always hit
		l.Get(z & 31)
	}
}
