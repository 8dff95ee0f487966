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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestSignalPublishOrder(t *testing.T) {
	var s Signal[int]
	var got []string
	for i := 0; i < 3; i++ {
		i := i
		s.Subscribe(func(v int) { got = append(got, fmt.Sprintf("%d:%d", i, v)) })
	}
	s.Publish(7)
	if fmt.Sprint(got) != "[0:7 1:7 2:7]" {
		t.Fatalf("got %v; want [0:7 1:7 2:7]", got)
	}
}

func TestSignalDisposeTwice(t *testing.T) {
	var s Signal[struct{}]
	calls := 0
	a := s.Subscribe(func(struct{}) { calls++ })
	s.Subscribe(func(struct{}) { calls += 10 })
	a.Dispose()
	a.Dispose()
	if s.Len() != 1 {
		t.Fatalf("Len() = %d; want 1", s.Len())
	}
	s.Publish(struct{}{})
	if calls != 10 {
		t.Fatalf("calls = %d; want 10", calls)
	}
}

func TestSignalMutateDuringPublish(t *testing.T) {
	var s Signal[int]
	var got []string
	var second *Subscription
	s.Subscribe(func(int) {
		got = append(got, "first")
		// neither change may affect the publication in progress
		second.Dispose()
		s.Subscribe(func(int) { got = append(got, "late") })
	})
	second = s.Subscribe(func(int) { got = append(got, "second") })
	s.Subscribe(func(int) { got = append(got, "third") })

	s.Publish(1)
	if fmt.Sprint(got) != "[first second third]" {
		t.Fatalf("first publish delivered %v", got)
	}

	got = nil
	s.Publish(2)
	// "first" subscribes another "late" callback during this publish too
	if fmt.Sprint(got) != "[first third late]" {
		t.Fatalf("second publish delivered %v", got)
	}
}

func TestKeyedChannels(t *testing.T) {
	var k Keyed[string, int]
	var a, b []int
	subA := k.Subscribe("a", func(v int) { a = append(a, v) })
	subB := k.Subscribe("b", func(v int) { b = append(b, v) })

	k.Publish("a", 1)
	k.Publish("b", 2)
	k.Publish("c", 3)

	if fmt.Sprint(a) != "[1]" || fmt.Sprint(b) != "[2]" {
		t.Fatalf("a=%v b=%v; want [1] and [2]", a, b)
	}
	if k.Channels() != 2 {
		t.Fatalf("Channels() = %d; want 2", k.Channels())
	}

	subA.Dispose()
	subA.Dispose()
	if k.Channels() != 1 || k.Len("a") != 0 {
		t.Fatalf("channel a not released: channels=%d len(a)=%d", k.Channels(), k.Len("a"))
	}
	subB.Dispose()
	if k.Channels() != 0 {
		t.Fatalf("Channels() = %d after disposing everything", k.Channels())
	}
}

func TestKeyedSelfDispose(t *testing.T) {
	var k Keyed[int, string]
	var got []string
	var once *Subscription
	once = k.Subscribe(1, func(v string) {
		got = append(got, "once:"+v)
		once.Dispose()
	})
	k.Subscribe(1, func(v string) { got = append(got, "always:"+v) })

	k.Publish(1, "x")
	k.Publish(1, "y")
	if fmt.Sprint(got) != "[once:x always:x always:y]" {
		t.Fatalf("got %v", got)
	}
}

func TestDispatcherNoNesting(t *testing.T) {
	d := NewDispatcher()
	var got []string
	d.Dispatch(func() {
		got = append(got, "outer-start")
		d.Dispatch(func() { got = append(got, "inner") })
		got = append(got, "outer-end")
	})
	if fmt.Sprint(got) != "[outer-start outer-end inner]" {
		t.Fatalf("got %v", got)
	}
	if d.Pending() != 0 {
		t.Fatalf("Pending() = %d; want 0", d.Pending())
	}
}

func TestDispatcherSerializes(t *testing.T) {
	d := NewDispatcher()
	var running, overlaps, total int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(func() {
				if atomic.AddInt32(&running, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				atomic.AddInt32(&total, 1)
				atomic.AddInt32(&running, -1)
			})
		}()
	}
	// a Dispatch that only enqueued returns before delivery, but the
	// draining goroutine empties the queue before its own call returns
	wg.Wait()
	if overlaps != 0 {
		t.Fatalf("%d deliveries overlapped", overlaps)
	}
	if atomic.LoadInt32(&total) != 32 {
		t.Fatalf("delivered %d; want 32", total)
	}
}

func TestDispatcherRecoversAfterPanic(t *testing.T) {
	d := NewDispatcher()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic was swallowed")
			}
		}()
		d.Dispatch(func() { panic("boom") })
	}()
	ran := false
	d.Dispatch(func() { ran = true })
	if !ran {
		t.Fatal("dispatcher stuck after a panicking callback")
	}
}
