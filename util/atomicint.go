/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Mar 21 11:19:49 2018 mstenber
 * Last modified: Mon Oct 15 10:57:10 2018 mstenber
 * Edit time:     8 min
 *
 */

package util

import "sync/atomic"

// AtomicInt is int64 counter usable without locks; used for
// statistics.
type AtomicInt int64

func (self *AtomicInt) Get() int64 {
	return atomic.LoadInt64((*int64)(self))
}

func (self *AtomicInt) GetInt() int {
	return int(self.Get())
}

func (self *AtomicInt) Add(value int64) int64 {
	return atomic.AddInt64((*int64)(self), value)
}

func (self *AtomicInt) Set(value int64) {
	atomic.StoreInt64((*int64)(self), value)
}

// SetMax sets the value to max(current, value).
func (self *AtomicInt) SetMax(value int64) {
	for {
		old := self.Get()
		if old >= value || atomic.CompareAndSwapInt64((*int64)(self), old, value) {
			return
		}
	}
}
