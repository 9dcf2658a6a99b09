/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Jan  8 10:19:05 2018 mstenber
 * Last modified: Mon Oct 15 10:37:05 2018 mstenber
 * Edit time:     6 min
 *
 */

package util

import "sync"

// SimpleWaitGroup is sync.WaitGroup which starts the goroutines too.
type SimpleWaitGroup struct {
	sync.WaitGroup
}

func (self *SimpleWaitGroup) Go(cb func()) {
	self.Add(1)
	go func() {
		defer self.Done()
		cb()
	}()
}

// ErrorGroup is SimpleWaitGroup that also remembers the first error
// returned by the callbacks.
type ErrorGroup struct {
	SimpleWaitGroup
	lock MutexLocked
	err  error
}

func (self *ErrorGroup) Go(cb func() error) {
	self.SimpleWaitGroup.Go(func() {
		err := cb()
		if err == nil {
			return
		}
		defer self.lock.Locked()()
		if self.err == nil {
			self.err = err
		}
	})
}

func (self *ErrorGroup) Wait() error {
	self.SimpleWaitGroup.Wait()
	defer self.lock.Locked()()
	return self.err
}
