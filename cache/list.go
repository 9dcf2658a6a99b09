/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Sun Jan  7 16:53:09 2018 mstenber
 * Last modified: Thu Nov  1 10:12:30 2018 mstenber
 * Edit time:     31 min
 *
 */

package cache

// list is a doubly linked list with the elements embedded in the
// values, so moving an entry between lists allocates nothing. The
// list is obviously not threadsafe.
type list[T any] struct {
	back, front *listElement[T]
	length      int
}

type listElement[T any] struct {
	prev, next *listElement[T]
	value      T
}

func (self *list[T]) pushBack(e *listElement[T]) {
	e.next = nil
	e.prev = self.back
	if self.back != nil {
		self.back.next = e
	}
	if self.front == nil {
		self.front = e
	}
	self.back = e
	self.length++
}

func (self *list[T]) remove(e *listElement[T]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		self.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		self.back = e.prev
	}
	e.prev = nil
	e.next = nil
	self.length--
}

func (self *list[T]) iterate(cb func(v T) bool) {
	for e := self.front; e != nil; {
		next := e.next
		if !cb(e.value) {
			return
		}
		e = next
	}
}
