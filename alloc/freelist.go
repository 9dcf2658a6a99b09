/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Oct 22 11:40:33 2018 mstenber
 * Last modified: Tue Oct 23 10:02:47 2018 mstenber
 * Edit time:     118 min
 *
 */

package alloc

import (
	"fmt"
	"math/bits"
	"sort"

	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
)

const maxOrder = 24

type run struct {
	start, length uint64
}

func (self run) end() uint64 {
	return self.start + self.length
}

// freeList is the sorted list of maximal free runs of a zone, and
// the buddy view of the same free space: every run is decomposed
// into maximal naturally aligned power-of-two blocks, kept in
// per-order sets. Splitting happens when a run is carved, and
// coalescing when runs merge, so both views always describe exactly
// the clear bits of the bitmap.
type freeList struct {
	runs  []run
	buddy [maxOrder + 1]map[uint64]struct{}
	free  uint64
}

func newFreeList() *freeList {
	self := &freeList{}
	for i := range self.buddy {
		self.buddy[i] = make(map[uint64]struct{})
	}
	return self
}

// decompose calls cb for each buddy block of [s, e).
func decompose(s, e uint64, cb func(start uint64, order int)) {
	for s < e {
		// largest aligned power of two that fits
		order := util.IMin(util.Log2Floor(e-s), maxOrder)
		if s != 0 {
			order = util.IMin(order, bits.TrailingZeros64(s))
		}
		cb(s, order)
		s += uint64(1) << uint(order)
	}
}

func (self *freeList) addRun(r run) {
	decompose(r.start, r.end(), func(start uint64, order int) {
		self.buddy[order][start] = struct{}{}
	})
	self.free += r.length
}

func (self *freeList) removeRun(r run) {
	decompose(r.start, r.end(), func(start uint64, order int) {
		delete(self.buddy[order], start)
	})
	self.free -= r.length
}

// index returns the index of the first run with start > i.
func (self *freeList) index(i uint64) int {
	return sort.Search(len(self.runs), func(j int) bool {
		return self.runs[j].start > i
	})
}

// carve removes [s, s+n) from the free space; it must be free.
func (self *freeList) carve(s, n uint64) {
	idx := self.index(s) - 1
	if idx < 0 || self.runs[idx].end() < s+n {
		mlog.Panicf("freeList.carve %d+%d not free", s, n)
	}
	r := self.runs[idx]
	self.removeRun(r)
	var repl []run
	if r.start < s {
		repl = append(repl, run{r.start, s - r.start})
	}
	if s+n < r.end() {
		repl = append(repl, run{s + n, r.end() - s - n})
	}
	for _, nr := range repl {
		self.addRun(nr)
	}
	self.runs = append(self.runs[:idx], append(repl, self.runs[idx+1:]...)...)
}

// release adds [s, s+n) to the free space, coalescing with
// neighbours.
func (self *freeList) release(s, n uint64) {
	idx := self.index(s)
	nr := run{s, n}
	lo, hi := idx, idx
	if idx > 0 {
		prev := self.runs[idx-1]
		if prev.end() > s {
			mlog.Panicf("freeList.release %d+%d overlaps %v", s, n, prev)
		}
		if prev.end() == s {
			self.removeRun(prev)
			nr = run{prev.start, prev.length + n}
			lo--
		}
	}
	if idx < len(self.runs) {
		next := self.runs[idx]
		if next.start < s+n {
			mlog.Panicf("freeList.release %d+%d overlaps %v", s, n, next)
		}
		if next.start == s+n {
			self.removeRun(next)
			nr.length += next.length
			hi++
		}
	}
	self.addRun(nr)
	self.runs = append(self.runs[:lo], append([]run{nr}, self.runs[hi:]...)...)
}

// buddyFind returns lowest buddy block of at least given order.
func (self *freeList) buddyFind(order int) (uint64, bool) {
	for ; order <= maxOrder; order++ {
		found := false
		var best uint64
		for start := range self.buddy[order] {
			if !found || start < best {
				best = start
				found = true
			}
		}
		if found {
			return best, true
		}
	}
	return 0, false
}

func (self *freeList) largest() (l uint64) {
	for _, r := range self.runs {
		if r.length > l {
			l = r.length
		}
	}
	return
}

// check verifies the free list and buddy sets against the bitmap.
func (self *freeList) check(bm *bitmap) error {
	var expected []run
	var cur *run
	for i := uint64(0); i < bm.n; i++ {
		if bm.get(i) {
			cur = nil
			continue
		}
		if cur == nil {
			expected = append(expected, run{i, 0})
			cur = &expected[len(expected)-1]
		}
		cur.length++
	}
	if len(expected) != len(self.runs) {
		return fmt.Errorf("free runs %d != bitmap runs %d", len(self.runs), len(expected))
	}
	var total uint64
	nbuddy := 0
	for i, r := range expected {
		if self.runs[i] != r {
			return fmt.Errorf("free run %v != bitmap run %v", self.runs[i], r)
		}
		total += r.length
		var err error
		decompose(r.start, r.end(), func(start uint64, order int) {
			nbuddy++
			if _, ok := self.buddy[order][start]; !ok && err == nil {
				err = fmt.Errorf("buddy %d/%d missing", start, order)
			}
		})
		if err != nil {
			return err
		}
	}
	for _, m := range self.buddy {
		nbuddy -= len(m)
	}
	if nbuddy != 0 {
		return fmt.Errorf("%d stray buddy blocks", -nbuddy)
	}
	if total != self.free {
		return fmt.Errorf("free count %d != %d", self.free, total)
	}
	return nil
}
