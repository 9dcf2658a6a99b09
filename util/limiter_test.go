/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Oct 15 10:49:02 2018 mstenber
 * Last modified: Mon Oct 15 10:55:44 2018 mstenber
 * Edit time:     6 min
 *
 */

package util

import (
	"errors"
	"testing"

	"github.com/stvp/assert"
)

func TestParallelLimiter(t *testing.T) {
	t.Parallel()
	pl := ParallelLimiter{LimitTotal: 2}
	var eg ErrorGroup
	var running, peak AtomicInt
	var l MutexLocked
	for i := 0; i < 20; i++ {
		pl.Go(&eg, func() error {
			running.Add(1)
			func() {
				defer l.Locked()()
				if running.Get() > peak.Get() {
					peak.Set(running.Get())
				}
			}()
			running.Add(-1)
			if i == 7 {
				return errors.New("seven")
			}
			return nil
		})
	}
	err := eg.Wait()
	assert.True(t, err != nil)
	assert.Equal(t, err.Error(), "seven")
	assert.True(t, peak.Get() <= 2)
}
