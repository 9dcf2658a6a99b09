/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Oct 26 09:12:40 2018 mstenber
 * Last modified: Mon Oct 29 15:52:18 2018 mstenber
 * Edit time:     31 min
 *
 */

package ibtree

import "github.com/fingon/go-cowfs/layout"

// Cursor iterates over the extents overlapping [start, end) in
// offset order. It is positioned before the first one; call Next
// before accessing the values. The tree version it walks must stay
// referenced while iterating.
type Cursor struct {
	tree    *IBTree
	root    NodeId
	start   uint64
	end     uint64
	stack   ibStack
	started bool
	done    bool
	err     error
}

// RangeScan returns a cursor over extents overlapping [start, end).
func (self *IBTree) RangeScan(root NodeId, start, end uint64) *Cursor {
	return &Cursor{tree: self, root: root, start: start, end: end,
		stack: ibStack{store: self.store}}
}

func (self *Cursor) first() (bool, error) {
	n, err := self.tree.loadRoot(self.root)
	if n == nil || err != nil {
		return false, err
	}
	if err = self.stack.search(n, self.start); err != nil {
		return false, err
	}
	e := self.stack.entry()
	if e != nil && e.Key+uint64(e.Extent.Length) > self.start {
		return true, nil
	}
	return self.stack.nextLeafEntry()
}

func (self *Cursor) Next() bool {
	if self.done {
		return false
	}
	var ok bool
	if !self.started {
		self.started = true
		ok, self.err = self.first()
	} else {
		ok, self.err = self.stack.nextLeafEntry()
	}
	if !ok || self.err != nil || self.stack.entry().Key >= self.end {
		self.done = true
		return false
	}
	return true
}

func (self *Cursor) Key() uint64 {
	return self.stack.entry().Key
}

func (self *Cursor) Extent() layout.Extent {
	return self.stack.entry().Extent
}

func (self *Cursor) Err() error {
	return self.err
}
