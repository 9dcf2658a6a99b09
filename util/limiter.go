/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Jan 11 07:40:22 2018 mstenber
 * Last modified: Mon Oct 15 10:48:19 2018 mstenber
 * Edit time:     31 min
 *
 */

package util

import "runtime"

const DefaultPerCPU = 2

// ParallelLimiter ensures that at most LimitTotal things run at the
// same time. Either defer Limited()(), or Go(func).
type ParallelLimiter struct {
	// How many things are allowed per CPU (defaults to DefaultPerCPU)
	LimitPerCPU int

	// How many things are allowed by total (by default using
	// LimitPerCPU to calculate this)
	LimitTotal int

	lock MutexLocked
	sem  chan struct{}
}

func (self *ParallelLimiter) semaphore() chan struct{} {
	defer self.lock.Locked()()
	if self.sem == nil {
		if self.LimitTotal == 0 {
			if self.LimitPerCPU == 0 {
				self.LimitPerCPU = DefaultPerCPU
			}
			self.LimitTotal = runtime.NumCPU() * self.LimitPerCPU
		}
		self.sem = make(chan struct{}, self.LimitTotal)
	}
	return self.sem
}

func (self *ParallelLimiter) Limited() func() {
	sem := self.semaphore()
	sem <- struct{}{}
	return func() {
		<-sem
	}
}

// Go runs cb within the limit as part of the error group.
func (self *ParallelLimiter) Go(eg *ErrorGroup, cb func() error) {
	unlock := self.Limited()
	eg.Go(func() error {
		defer unlock()
		return cb()
	})
}
