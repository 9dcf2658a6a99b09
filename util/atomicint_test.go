/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Mar 21 11:23:33 2018 mstenber
 * Last modified: Mon Oct 15 10:58:01 2018 mstenber
 * Edit time:     1 min
 *
 */

package util

import (
	"testing"

	"github.com/stvp/assert"
)

func TestAtomicInt(t *testing.T) {
	t.Parallel()
	var ai AtomicInt
	assert.Equal(t, ai.GetInt(), 0)
	assert.Equal(t, ai.Add(1), int64(1))
	ai.Set(32)
	assert.Equal(t, ai.GetInt(), 32)
	ai.SetMax(12)
	assert.Equal(t, ai.Get(), int64(32))
	ai.SetMax(40)
	assert.Equal(t, ai.Get(), int64(40))
}
