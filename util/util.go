/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Dec 29 09:03:12 2017 mstenber
 * Last modified: Mon Oct 15 10:12:40 2018 mstenber
 * Edit time:     21 min
 *
 */

package util

import (
	"encoding/binary"
	"math/bits"
)

func ConcatBytes(bytes ...[]byte) []byte {
	nl := 0
	for _, b := range bytes {
		nl += len(b)
	}
	r := make([]byte, 0, nl)
	for _, b := range bytes {
		r = append(r, b...)
	}
	return r
}

func Uint64Bytes(n uint64) []byte {
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, n)
	return nb
}

func IMin(i int, ints ...int) int {
	for _, v := range ints {
		if v < i {
			i = v
		}
	}
	return i
}

func IMax(i int, ints ...int) int {
	for _, v := range ints {
		if v > i {
			i = v
		}
	}
	return i
}

func U64Min(i uint64, ints ...uint64) uint64 {
	for _, v := range ints {
		if v < i {
			i = v
		}
	}
	return i
}

// CeilDiv returns a/b rounded up.
func CeilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// Log2Floor returns the largest k such that 1<<k <= n (n > 0).
func Log2Floor(n uint64) int {
	return 63 - bits.LeadingZeros64(n)
}

// Log2Ceil returns the smallest k such that 1<<k >= n (n > 0).
func Log2Ceil(n uint64) int {
	k := Log2Floor(n)
	if uint64(1)<<uint(k) < n {
		k++
	}
	return k
}

// IsZero returns true if every byte of b is zero.
func IsZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
