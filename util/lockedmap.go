/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 01:52:26 2018 mstenber
 * Last modified: Mon Oct 15 10:31:52 2018 mstenber
 * Edit time:     27 min
 *
 */

package util

import "github.com/fingon/go-cowfs/mlog"

// MutexLockedMap provides one mutex per key. Locks exist only while
// someone holds or waits for them.
type MutexLockedMap[K comparable] struct {
	l MutexLocked
	m map[K]*MutexLocked
	q map[K]int
}

// Held returns number of lock holders + waiters for the key.
func (self *MutexLockedMap[K]) Held(name K) int {
	defer self.l.Locked()()
	return self.q[name]
}

func (self *MutexLockedMap[K]) Locked(name K) func() {
	self.l.Lock()
	if self.m == nil {
		self.m = make(map[K]*MutexLocked)
		self.q = make(map[K]int)
	}
	ll := self.m[name]
	if ll == nil {
		mlog.Printf2("util/lockedmap", "Locked created lock %v", name)
		ll = &MutexLocked{}
		self.m[name] = ll
	}
	self.q[name]++
	self.l.Unlock()
	ul := ll.Locked()
	return func() {
		defer self.l.Locked()()
		self.q[name]--
		if self.q[name] == 0 {
			mlog.Printf2("util/lockedmap", "Released last %v", name)
			delete(self.m, name)
			delete(self.q, name)
		}
		ul()
	}
}
