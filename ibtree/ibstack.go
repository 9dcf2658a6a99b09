/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Jan  5 12:53:21 2018 mstenber
 * Last modified: Mon Oct 29 13:20:05 2018 mstenber
 * Edit time:     310 min
 *
 */

package ibtree

import "github.com/fingon/go-cowfs/mlog"

const maximumTreeDepth = 20

// ibStack tracks the path from the root to the current node, with the
// index of the entry followed at each level. Index may be one past
// the end (or -1) to denote position before/after the node entries.
type ibStack struct {
	nodes   [maximumTreeDepth]*Node
	indexes [maximumTreeDepth]int
	top     int
	store   *Store
}

func (self *ibStack) node() *Node {
	return self.nodes[self.top]
}

func (self *ibStack) index() int {
	return self.indexes[self.top]
}

func (self *ibStack) entry() *Entry {
	n := self.node()
	idx := self.index()
	if n == nil || idx < 0 || idx >= len(n.Entries) {
		return nil
	}
	return &n.Entries[idx]
}

func (self *ibStack) setIndex(idx int) {
	self.indexes[self.top] = idx
}

func (self *ibStack) reset(root *Node) {
	self.top = 0
	self.nodes[0] = root
	self.indexes[0] = 0
}

// push descends into the child at the current index.
func (self *ibStack) push(idx int) error {
	child, err := self.store.child(self.entry())
	if err != nil {
		return err
	}
	if self.top+1 == maximumTreeDepth {
		mlog.Panicf("tree too deep")
	}
	self.top++
	self.nodes[self.top] = child
	self.indexes[self.top] = idx
	if idx < 0 {
		self.indexes[self.top] = len(child.Entries) - 1
	}
	return nil
}

func (self *ibStack) pop() {
	self.nodes[self.top] = nil
	self.top--
}

// search fills the stack down to the leaf where key is or would be.
// Internal levels follow the last entry with key <= key (first one if
// none). Leaf index is the last entry with key <= key, or -1.
func (self *ibStack) search(root *Node, key uint64) error {
	self.reset(root)
	if root == nil {
		return nil
	}
	for {
		n := self.node()
		idx := n.searchLesser(key)
		if n.Kind.Leafy() {
			self.setIndex(idx)
			return nil
		}
		if idx < 0 {
			idx = 0
		}
		self.setIndex(idx)
		if err := self.push(0); err != nil {
			return err
		}
	}
}

// goDownLeft descends along leftmost entries down to a leaf.
func (self *ibStack) goDownLeft() error {
	for !self.node().Kind.Leafy() {
		if err := self.push(0); err != nil {
			return err
		}
	}
	return nil
}

// nextLeafEntry moves the position to the next leaf entry in key
// order; false is returned at the end of the tree. This is how leaves
// are walked in order without sibling pointers, which copy-on-write
// could not keep up to date.
func (self *ibStack) nextLeafEntry() (bool, error) {
	self.indexes[self.top]++
	for self.index() >= len(self.node().Entries) {
		if self.top == 0 {
			return false, nil
		}
		self.pop()
		self.indexes[self.top]++
	}
	if err := self.goDownLeft(); err != nil {
		return false, err
	}
	return true, nil
}

// skipEntry moves past the current entry without descending into it.
func (self *ibStack) skipEntry() {
	self.indexes[self.top]++
	for self.top > 0 && self.index() >= len(self.node().Entries) {
		self.pop()
		self.indexes[self.top]++
	}
}

// child returns the (possibly unpublished) node the entry points at.
func (self *Store) child(e *Entry) (*Node, error) {
	if e.node != nil {
		return e.node, nil
	}
	return self.LoadNode(e.Child)
}
