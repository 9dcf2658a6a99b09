/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Oct 26 10:30:12 2018 mstenber
 * Last modified: Mon Oct 29 17:05:31 2018 mstenber
 * Edit time:     118 min
 *
 */

package ibtree

import (
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
)

// DefaultRadixBits gives 64-way nodes.
const DefaultRadixBits = 6

// Radix is a persistent radix tree from inode number to inode record,
// sharing nodes between versions the same way as IBTree. Node level
// L holds digit (ino >> (Bits*L)) & mask; leaves are level 0 and hold
// the records inline. The root's level determines the maximum inode
// number; the tree grows and shrinks at the top as needed.
type Radix struct {
	// Bits per level; reduced if 1 << Bits records do not fit a block.
	Bits uint

	store *Store
	mask  uint64
}

func (self Radix) Init(store *Store) *Radix {
	if self.Bits == 0 {
		self.Bits = DefaultRadixBits
	}
	for self.Bits > 1 && Capacity(KindRadixLeaf, store.BlockSize) < 1<<self.Bits {
		self.Bits--
	}
	self.store = store
	self.mask = (1 << self.Bits) - 1
	return &self
}

func (self *Radix) Store() *Store {
	return self.store
}

func (self *Radix) digit(ino uint64, level uint8) uint64 {
	return (ino >> (self.Bits * uint(level))) & self.mask
}

// levelFor returns the smallest root level able to hold ino.
func (self *Radix) levelFor(ino uint64) uint8 {
	level := uint8(0)
	for uint(level+1)*self.Bits < 64 && ino>>(self.Bits*uint(level+1)) != 0 {
		level++
	}
	return level
}

func (self *Radix) kind(level uint8) NodeKind {
	if level == 0 {
		return KindRadixLeaf
	}
	return KindRadixInternal
}

// Get returns the record of ino. shared is true if any node on the
// path is referenced more than once.
func (self *Radix) Get(root NodeId, ino uint64) (rec layout.InodeRecord, found, shared bool, err error) {
	if root == 0 {
		return
	}
	n, err := self.store.LoadNode(root)
	if err != nil {
		return
	}
	if self.levelFor(ino) > n.Level {
		return
	}
	for {
		if self.store.RefCount(n.id) > 1 {
			shared = true
		}
		d := self.digit(ino, n.Level)
		idx := n.searchLesser(d)
		if idx < 0 || n.Entries[idx].Key != d {
			return rec, false, shared, nil
		}
		if n.Level == 0 {
			return n.Entries[idx].Record, true, shared, nil
		}
		if n, err = self.store.child(&n.Entries[idx]); err != nil {
			return
		}
	}
}

// Set stores rec for ino, and returns the new root which the caller
// holds a reference to.
func (self *Radix) Set(root NodeId, ino uint64, rec layout.InodeRecord) (NodeId, error) {
	mlog.Printf2("ibtree/radix", "Set %d %d %+v", root, ino, rec)
	var n *Node
	level := self.levelFor(ino)
	if root != 0 {
		var err error
		n, err = self.store.LoadNode(root)
		if err != nil {
			return 0, err
		}
		for n.Level < level {
			n = &Node{Kind: KindRadixInternal, Level: n.Level + 1,
				Entries: []Entry{{Key: 0, node: n}}}
		}
		level = n.Level
	}
	n, err := self.set(n, level, ino, rec)
	if err != nil {
		return 0, err
	}
	return self.store.publish(n)
}

func (self *Radix) writable(n *Node, level uint8) *Node {
	if n == nil {
		return &Node{Kind: self.kind(level), Level: level}
	}
	if n.id == 0 {
		return n
	}
	return n.copy()
}

func (self *Radix) set(n *Node, level uint8, ino uint64, rec layout.InodeRecord) (*Node, error) {
	n = self.writable(n, level)
	d := self.digit(ino, level)
	idx := n.searchLesser(d)
	present := idx >= 0 && n.Entries[idx].Key == d
	if level == 0 {
		if present {
			n.Entries[idx].Record = rec
		} else {
			n.insertEntry(idx+1, Entry{Key: d, Record: rec})
		}
		return n, nil
	}
	var child *Node
	if present {
		var err error
		if child, err = self.store.child(&n.Entries[idx]); err != nil {
			return nil, err
		}
	}
	child, err := self.set(child, level-1, ino, rec)
	if err != nil {
		return nil, err
	}
	if present {
		n.Entries[idx] = Entry{Key: d, node: child}
	} else {
		n.insertEntry(idx+1, Entry{Key: d, node: child})
	}
	return n, nil
}

// Delete removes ino. If it was present, the new root is returned
// with a reference held by the caller.
func (self *Radix) Delete(root NodeId, ino uint64) (NodeId, bool, error) {
	mlog.Printf2("ibtree/radix", "Delete %d %d", root, ino)
	if root == 0 {
		return 0, false, nil
	}
	n, err := self.store.LoadNode(root)
	if err != nil {
		return 0, false, err
	}
	if self.levelFor(ino) > n.Level {
		return root, false, nil
	}
	n, found, err := self.delete(n, ino)
	if !found || err != nil {
		return root, false, err
	}
	// shrink from the top while only slot 0 is used
	for n != nil && n.Level > 0 && len(n.Entries) == 1 && n.Entries[0].Key == 0 {
		if n, err = self.store.child(&n.Entries[0]); err != nil {
			return root, false, err
		}
	}
	switch {
	case n == nil:
		return 0, true, nil
	case n.id != 0:
		self.store.Retain(n.id)
		return n.id, true, nil
	}
	id, err := self.store.publish(n)
	return id, err == nil, err
}

func (self *Radix) delete(n *Node, ino uint64) (*Node, bool, error) {
	d := self.digit(ino, n.Level)
	idx := n.searchLesser(d)
	if idx < 0 || n.Entries[idx].Key != d {
		return n, false, nil
	}
	n = self.writable(n, n.Level)
	if n.Level > 0 {
		child, err := self.store.child(&n.Entries[idx])
		if err != nil {
			return nil, false, err
		}
		child, found, err := self.delete(child, ino)
		if !found || err != nil {
			return nil, found, err
		}
		if child != nil {
			n.Entries[idx] = Entry{Key: d, node: child}
			return n, true, nil
		}
	}
	n.removeEntries(idx, 1)
	if len(n.Entries) == 0 {
		return nil, true, nil
	}
	return n, true, nil
}

// Scan calls cb for every inode >= from in increasing order until cb
// returns false.
func (self *Radix) Scan(root NodeId, from uint64, cb func(ino uint64, rec layout.InodeRecord) bool) error {
	if root == 0 {
		return nil
	}
	n, err := self.store.LoadNode(root)
	if err != nil {
		return err
	}
	if self.levelFor(from) > n.Level {
		return nil
	}
	_, err = self.scan(n, 0, from, cb)
	return err
}

func (self *Radix) scan(n *Node, prefix, from uint64, cb func(ino uint64, rec layout.InodeRecord) bool) (bool, error) {
	shift := self.Bits * uint(n.Level)
	for i := range n.Entries {
		e := &n.Entries[i]
		base := prefix | e.Key<<shift
		last := base | (uint64(1)<<shift - 1)
		if last < from {
			continue
		}
		if n.Level == 0 {
			if !cb(base, e.Record) {
				return false, nil
			}
			continue
		}
		child, err := self.store.child(e)
		if err != nil {
			return false, err
		}
		ok, err := self.scan(child, base, from, cb)
		if !ok || err != nil {
			return false, err
		}
	}
	return true, nil
}

// NextFree returns the smallest unused inode number >= from.
func (self *Radix) NextFree(root NodeId, from uint64) (uint64, error) {
	next := from
	err := self.Scan(root, from, func(ino uint64, rec layout.InodeRecord) bool {
		if ino > next {
			return false
		}
		next = ino + 1
		return true
	})
	return next, err
}

// IterateDelta calls cb for every inode whose record differs between
// the two versions, skipping shared subtrees.
func (self *Radix) IterateDelta(oldRoot, newRoot NodeId, cb func(ino uint64, old, new *layout.InodeRecord) bool) error {
	var n0, n *Node
	var err error
	if oldRoot == newRoot {
		return nil
	}
	if oldRoot != 0 {
		if n0, err = self.store.LoadNode(oldRoot); err != nil {
			return err
		}
	}
	if newRoot != 0 {
		if n, err = self.store.LoadNode(newRoot); err != nil {
			return err
		}
	}
	level := uint8(0)
	if n0 != nil {
		level = n0.Level
	}
	if n != nil && n.Level > level {
		level = n.Level
	}
	_, err = self.delta(n0, n, level, 0, cb)
	return err
}

// entriesAt returns the entries of n viewed as a node of given level;
// lower trees are virtually below slot 0.
func entriesAt(n *Node, level uint8) []Entry {
	if n == nil {
		return nil
	}
	if n.Level < level {
		return []Entry{{Key: 0, node: n}}
	}
	return n.Entries
}

func (self *Radix) delta(n0, n *Node, level uint8, prefix uint64, cb func(ino uint64, old, new *layout.InodeRecord) bool) (bool, error) {
	if n0 != nil && n != nil && n0.id == n.id && n0.id != 0 && n0.Level == n.Level {
		return true, nil
	}
	e0s := entriesAt(n0, level)
	es := entriesAt(n, level)
	shift := self.Bits * uint(level)
	i0, i := 0, 0
	for i0 < len(e0s) || i < len(es) {
		var e0, e *Entry
		switch {
		case i0 == len(e0s):
			e = &es[i]
		case i == len(es):
			e0 = &e0s[i0]
		case e0s[i0].Key < es[i].Key:
			e0 = &e0s[i0]
		case e0s[i0].Key > es[i].Key:
			e = &es[i]
		default:
			e0 = &e0s[i0]
			e = &es[i]
		}
		if e0 != nil {
			i0++
		}
		if e != nil {
			i++
		}
		key := e0
		if key == nil {
			key = e
		}
		base := prefix | key.Key<<shift
		if level == 0 {
			var old, new *layout.InodeRecord
			if e0 != nil {
				old = &e0.Record
			}
			if e != nil {
				new = &e.Record
			}
			if old != nil && new != nil && *old == *new {
				continue
			}
			if !cb(base, old, new) {
				return false, nil
			}
			continue
		}
		var c0, c *Node
		var err error
		if e0 != nil {
			if c0, err = self.store.child(e0); err != nil {
				return false, err
			}
		}
		if e != nil {
			if c, err = self.store.child(e); err != nil {
				return false, err
			}
		}
		ok, err := self.delta(c0, c, level-1, base, cb)
		if !ok || err != nil {
			return false, err
		}
	}
	return true, nil
}
