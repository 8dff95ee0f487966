/*
Copyright 2022 Vimeo Inc.

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

// linkedList is the recency stack of a TypedCache: head is the most
// recently used element, tail the least.
type linkedList[T any] struct {
	head *llElem[T]
	tail *llElem[T]
	size int
}

type llElem[T any] struct {
	next, prev *llElem[T]
	value      T
}

// Prev returns the element used more recently than l, or nil at the head.
func (l *llElem[T]) Prev() *llElem[T] {
	return l.prev
}

func (l *linkedList[T]) PushFront(val T) *llElem[T] {
	e := &llElem[T]{value: val}
	l.linkFront(e)
	l.size++
	return e
}

func (l *linkedList[T]) MoveToFront(e *llElem[T]) {
	if l.head == e {
		return
	}
	l.unlink(e)
	l.linkFront(e)
}

func (l *linkedList[T]) Remove(e *llElem[T]) {
	l.unlink(e)
	l.size--
}

func (l *linkedList[T]) Len() int {
	return l.size
}

func (l *linkedList[T]) Front() *llElem[T] {
	return l.head
}

func (l *linkedList[T]) Back() *llElem[T] {
	return l.tail
}

// linkFront attaches a detached element at the head.
func (l *linkedList[T]) linkFront(e *llElem[T]) {
	e.prev = nil
	e.next = l.head
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
}

// unlink detaches e from its neighbours without touching size.
func (l *linkedList[T]) unlink(e *llElem[T]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next, e.prev = nil, nil
}
