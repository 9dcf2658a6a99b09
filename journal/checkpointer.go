/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Oct 31 13:02:19 2018 mstenber
 * Last modified: Wed Oct 31 13:40:51 2018 mstenber
 * Edit time:     24 min
 *
 */

package journal

import (
	"time"

	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
)

const DefaultCheckpointThreshold = 0.5

// Checkpointer runs checkpoints in the background whenever the log
// fills past Threshold, when Interval elapses (if set), or when
// triggered explicitly.
type Checkpointer struct {
	Threshold float64
	Interval  time.Duration

	log  *Log
	fn   func() error
	poke chan bool
	quit chan struct{}
	wg   util.SimpleWaitGroup

	Runs, Failures util.AtomicInt
	lastErr        error
	lock           util.MutexLocked
}

func (self Checkpointer) Init(log *Log, fn func() error) *Checkpointer {
	if self.Threshold == 0 {
		self.Threshold = DefaultCheckpointThreshold
	}
	self.log = log
	self.fn = fn
	self.poke = make(chan bool, 1)
	self.quit = make(chan struct{})
	c := &self
	c.wg.Go(c.run)
	return c
}

func (self *Checkpointer) run() {
	var tick <-chan time.Time
	if self.Interval > 0 {
		ticker := time.NewTicker(self.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		force := false
		select {
		case <-self.quit:
			return
		case force = <-self.poke:
		case <-tick:
			force = true
		}
		if !force && self.log.Usage() < self.Threshold {
			continue
		}
		self.Runs.Add(1)
		err := self.fn()
		if err != nil {
			self.Failures.Add(1)
			mlog.Printf2("journal/checkpointer", "checkpoint failed: %v", err)
		}
		self.lock.Lock()
		self.lastErr = err
		self.lock.Unlock()
	}
}

func (self *Checkpointer) send(force bool) {
	select {
	case self.poke <- force:
	default:
		if force {
			// replace a pending non-forced poke
			select {
			case <-self.poke:
			default:
			}
			select {
			case self.poke <- true:
			default:
			}
		}
	}
}

// Poke asks for a checkpoint if the log usage is above threshold;
// called after commits.
func (self *Checkpointer) Poke() {
	self.send(false)
}

// Trigger asks for a checkpoint regardless of usage.
func (self *Checkpointer) Trigger() {
	self.send(true)
}

// LastError is the result of the most recent background checkpoint.
func (self *Checkpointer) LastError() error {
	defer self.lock.Locked()()
	return self.lastErr
}

// Close stops the goroutine, waiting for a running checkpoint.
func (self *Checkpointer) Close() {
	close(self.quit)
	self.wg.Wait()
}
