/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Thu Dec 28 17:05:05 2017 mstenber
 * Last modified: Mon Oct 29 15:30:44 2018 mstenber
 * Edit time:     155 min
 *
 */

package ibtree

import (
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
)

// Transaction is a set of mutations on top of one tree version. The
// nodes it touches are copied (once) and the copies are modified in
// place until Commit publishes them. Transactions are not safe for
// concurrent use; an uncommitted one can simply be dropped.
type Transaction struct {
	tree     *IBTree
	original NodeId
	root     *Node
	stack    ibStack
}

func (self *Transaction) writable(n *Node) *Node {
	if n.id == 0 {
		return n
	}
	return n.copy()
}

func (self *Transaction) Get(key uint64) (ext layout.Extent, found bool, err error) {
	if err = self.stack.search(self.root, key); err != nil {
		return
	}
	e := self.stack.entry()
	if e == nil || e.Key != key {
		return
	}
	return e.Extent, true, nil
}

// Floor returns the entry with the largest key <= key.
func (self *Transaction) Floor(key uint64) (k uint64, ext layout.Extent, found bool, err error) {
	if err = self.stack.search(self.root, key); err != nil {
		return
	}
	e := self.stack.entry()
	if e == nil {
		return
	}
	return e.Key, e.Extent, true, nil
}

// NextKey returns the smallest key >= key.
func (self *Transaction) NextKey(key uint64) (k uint64, found bool, err error) {
	if err = self.stack.search(self.root, key); err != nil || self.root == nil {
		return
	}
	e := self.stack.entry()
	if e != nil && e.Key == key {
		return key, true, nil
	}
	ok, err := self.stack.nextLeafEntry()
	if !ok || err != nil {
		return
	}
	return self.stack.entry().Key, true, nil
}

func (self *Transaction) Set(key uint64, ext layout.Extent) error {
	mlog.Printf2("ibtree/ibtransaction", "tr.Set %d %v", key, ext)
	_, err := self.mutate(key, func(leaf *Node, idx int) bool {
		if idx >= 0 && leaf.Entries[idx].Key == key {
			if leaf.Entries[idx].Extent == ext {
				return false
			}
			leaf.Entries[idx].Extent = ext
			return true
		}
		leaf.insertEntry(idx+1, Entry{Key: key, Extent: ext})
		return true
	})
	return err
}

func (self *Transaction) Delete(key uint64) (bool, error) {
	mlog.Printf2("ibtree/ibtransaction", "tr.Delete %d", key)
	return self.mutate(key, func(leaf *Node, idx int) bool {
		if idx < 0 || leaf.Entries[idx].Key != key {
			return false
		}
		leaf.removeEntries(idx, 1)
		return true
	})
}

// DeleteRange removes keys in [key1, key2), and returns how many.
func (self *Transaction) DeleteRange(key1, key2 uint64) (count int, err error) {
	mlog.Printf2("ibtree/ibtransaction", "tr.DeleteRange %d-%d", key1, key2)
	for {
		k, found, err := self.NextKey(key1)
		if err != nil || !found || k >= key2 {
			return count, err
		}
		_, err = self.mutate(k, func(leaf *Node, idx int) bool {
			end := leaf.searchGreater(key2)
			count += end - idx
			leaf.removeEntries(idx, end-idx)
			return true
		})
		if err != nil {
			return count, err
		}
	}
}

// mutate finds the leaf for key, lets fn modify (a copy of) it, and
// if it did, rewrites the path up to the root, splitting and merging
// nodes as needed.
func (self *Transaction) mutate(key uint64, fn func(leaf *Node, idx int) bool) (bool, error) {
	st := &self.stack
	if err := st.search(self.root, key); err != nil {
		return false, err
	}
	leaf := st.node()
	if leaf == nil {
		leaf = &Node{Kind: KindLeaf}
		st.setIndex(-1)
	} else {
		leaf = self.writable(leaf)
	}
	if !fn(leaf, st.index()) {
		return false, nil
	}
	st.nodes[st.top] = leaf
	for st.top > 0 {
		child := st.node()
		st.pop()
		parent := self.writable(st.node())
		idx := st.index()
		parent.Entries[idx] = Entry{Key: child.firstKey(), node: child}
		if err := self.rebalance(parent, idx); err != nil {
			return false, err
		}
		st.nodes[st.top] = parent
	}
	return true, self.setRoot(st.node())
}

// rebalance splits the child at idx if it is too big, and merges it
// with (or borrows from) a sibling if it is too small.
func (self *Transaction) rebalance(parent *Node, idx int) error {
	child := parent.Entries[idx].node
	max := self.tree.maxEntries(child.Kind)
	if len(child.Entries) > max {
		mid := len(child.Entries) / 2
		right := &Node{Kind: child.Kind, Level: child.Level,
			Entries: append([]Entry(nil), child.Entries[mid:]...)}
		child.Entries = child.Entries[:mid:mid]
		mlog.Printf2("ibtree/ibtransaction", " split %d+%d", mid, len(right.Entries))
		parent.Entries[idx].Key = child.firstKey()
		parent.insertEntry(idx+1, Entry{Key: right.firstKey(), node: right})
		return nil
	}
	if len(child.Entries) >= max/2 || len(parent.Entries) < 2 {
		return nil
	}
	sidx := idx + 1
	if idx > 0 {
		sidx = idx - 1
	}
	sib, err := self.tree.store.child(&parent.Entries[sidx])
	if err != nil {
		return err
	}
	sib = self.writable(sib)
	left, right, lidx := child, sib, idx
	if sidx < idx {
		left, right, lidx = sib, child, sidx
	}
	if len(left.Entries)+len(right.Entries) <= max {
		mlog.Printf2("ibtree/ibtransaction", " merge %d+%d", len(left.Entries), len(right.Entries))
		left.Entries = append(left.Entries, right.Entries...)
		parent.Entries[lidx] = Entry{Key: left.firstKey(), node: left}
		parent.removeEntries(lidx+1, 1)
		return nil
	}
	// redistribute evenly; both halves end up at least half full
	all := append(append([]Entry(nil), left.Entries...), right.Entries...)
	mid := len(all) / 2
	left.Entries = all[:mid:mid]
	right.Entries = append([]Entry(nil), all[mid:]...)
	mlog.Printf2("ibtree/ibtransaction", " borrow -> %d/%d", len(left.Entries), len(right.Entries))
	parent.Entries[lidx] = Entry{Key: left.firstKey(), node: left}
	parent.Entries[lidx+1] = Entry{Key: right.firstKey(), node: right}
	return nil
}

func (self *Transaction) setRoot(root *Node) error {
	for {
		if len(root.Entries) > self.tree.maxEntries(root.Kind) {
			left := root
			mid := len(left.Entries) / 2
			right := &Node{Kind: left.Kind, Level: left.Level,
				Entries: append([]Entry(nil), left.Entries[mid:]...)}
			left.Entries = left.Entries[:mid:mid]
			root = &Node{Kind: KindInternal, Level: left.Level + 1,
				Entries: []Entry{
					{Key: left.firstKey(), node: left},
					{Key: right.firstKey(), node: right}}}
			mlog.Printf2("ibtree/ibtransaction", " root split, level %d", root.Level)
		}
		if root.Kind == KindInternal && len(root.Entries) == 1 {
			child, err := self.tree.store.child(&root.Entries[0])
			if err != nil {
				return err
			}
			root = child
			continue
		}
		if len(root.Entries) == 0 {
			root = nil
		}
		self.root = root
		return nil
	}
}

// Commit publishes the new version, and returns its root (which the
// caller holds one reference to, and must Release eventually) and
// whether anything changed. If nothing changed, no new reference is
// taken. Zero root is an empty tree.
func (self *Transaction) Commit() (root NodeId, changed bool, err error) {
	switch {
	case self.root == nil:
		root = 0
	case self.root.id != 0:
		root = self.root.id
		if root != self.original {
			self.tree.store.Retain(root)
		}
	default:
		root, err = self.tree.store.publish(self.root)
		if err != nil {
			return
		}
	}
	changed = root != self.original
	mlog.Printf2("ibtree/ibtransaction", "tr.Commit %d -> %d", self.original, root)
	self.original = root
	return
}

// Root returns the root the transaction started from (or last
// committed).
func (self *Transaction) Root() NodeId {
	return self.original
}
