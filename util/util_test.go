/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Fri Dec 29 09:04:44 2017 mstenber
 * Last modified: Mon Oct 15 10:14:02 2018 mstenber
 * Edit time:     4 min
 *
 */

package util

import (
	"testing"

	"github.com/stvp/assert"
)

func TestConcatBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ConcatBytes([]byte("foo"), []byte("bar")), []byte("foobar"))
}

func TestMinMax(t *testing.T) {
	t.Parallel()
	assert.Equal(t, IMin(3, 1, 2), 1)
	assert.Equal(t, IMax(3, 1, 7), 7)
	assert.Equal(t, U64Min(9, 12, 4), uint64(4))
}

func TestLog2(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Log2Floor(1), 0)
	assert.Equal(t, Log2Floor(17), 4)
	assert.Equal(t, Log2Ceil(16), 4)
	assert.Equal(t, Log2Ceil(17), 5)
	assert.Equal(t, CeilDiv(17, 4), uint64(5))
	assert.True(t, IsZero(make([]byte, 7)))
	assert.True(t, !IsZero([]byte{0, 1}))
}
