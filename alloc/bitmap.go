/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Oct 22 09:10:12 2018 mstenber
 * Last modified: Mon Oct 22 11:31:09 2018 mstenber
 * Edit time:     71 min
 *
 */

package alloc

import "math/bits"

const (
	wordBits    = 64
	summaryBits = wordBits * wordBits
	fullWord    = ^uint64(0)
)

// bitmap is two-level allocation bitmap. Set bit = allocated. Each
// summary bit tells whether the corresponding word is full, so whole
// 4096-block groups can be skipped when scanning.
//
// Bits past n (in the last word) and summary bits past the last word
// are permanently set.
type bitmap struct {
	words   []uint64
	summary []uint64
	n       uint64
}

func newBitmap(n uint64) *bitmap {
	nw := (n + wordBits - 1) / wordBits
	ns := (nw + wordBits - 1) / wordBits
	self := &bitmap{words: make([]uint64, nw), summary: make([]uint64, ns), n: n}
	if tail := n % wordBits; tail != 0 {
		self.words[nw-1] = fullWord << tail
	}
	if tail := nw % wordBits; tail != 0 {
		self.summary[ns-1] = fullWord << tail
	}
	for w := range self.words {
		self.updateSummary(uint64(w))
	}
	return self
}

func (self *bitmap) get(i uint64) bool {
	return self.words[i/wordBits]&(1<<(i%wordBits)) != 0
}

func (self *bitmap) updateSummary(w uint64) {
	bit := uint64(1) << (w % wordBits)
	if self.words[w] == fullWord {
		self.summary[w/wordBits] |= bit
	} else {
		self.summary[w/wordBits] &^= bit
	}
}

// setRange sets [i, i+n) to v.
func (self *bitmap) setRange(i, n uint64, v bool) {
	for n > 0 {
		w := i / wordBits
		off := i % wordBits
		cnt := uint64(wordBits) - off
		if cnt > n {
			cnt = n
		}
		mask := fullWord
		if cnt < wordBits {
			mask = ((uint64(1) << cnt) - 1) << off
		}
		if v {
			self.words[w] |= mask
		} else {
			self.words[w] &^= mask
		}
		self.updateSummary(w)
		i += cnt
		n -= cnt
	}
}

// countRange returns number of set bits in [i, i+n).
func (self *bitmap) countRange(i, n uint64) (c uint64) {
	for n > 0 {
		if i%wordBits == 0 && n >= wordBits {
			c += uint64(bits.OnesCount64(self.words[i/wordBits]))
			i += wordBits
			n -= wordBits
			continue
		}
		if self.get(i) {
			c++
		}
		i++
		n--
	}
	return
}

// findRun returns start of first run of count clear bits within
// [from, n).
func (self *bitmap) findRun(from, count uint64) (uint64, bool) {
	var run, runStart uint64
	i := from
	for i < self.n {
		if i%summaryBits == 0 && self.summary[i/summaryBits] == fullWord {
			run = 0
			i += summaryBits
			continue
		}
		if i%wordBits == 0 {
			switch self.words[i/wordBits] {
			case fullWord:
				run = 0
				i += wordBits
				continue
			case 0:
				if run == 0 {
					runStart = i
				}
				run += wordBits
				i += wordBits
				if run >= count {
					return runStart, true
				}
				continue
			}
		}
		if self.get(i) {
			run = 0
		} else {
			if run == 0 {
				runStart = i
			}
			run++
			if run >= count {
				return runStart, true
			}
		}
		i++
	}
	return 0, false
}
