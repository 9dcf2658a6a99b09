/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Mon Dec 25 01:08:16 2017 mstenber
 * Last modified: Mon Oct 29 14:42:10 2018 mstenber
 * Edit time:     842 min
 *
 */

// ibtree package provides a persistent (copy-on-write) b+ tree that
// maps block offsets within a file to extents, and a radix tree that
// maps inode numbers to inode records.
//
// Published nodes are immutable and identified by their block
// number; they are shared between tree versions (snapshots) using
// the allocator's reference counts. Mutations happen within a
// Transaction, which copies the path it touches and publishes the
// new nodes only at Commit.
package ibtree

import (
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
)

// IBTree represents static configuration that can be used over
// multiple B+ trees sharing one Store.
type IBTree struct {
	// MaxEntries caps node size below what fits in a block; zero
	// means block capacity.
	MaxEntries int

	store       *Store
	leafMax     int
	internalMax int
}

func (self IBTree) Init(store *Store) *IBTree {
	self.store = store
	self.leafMax = Capacity(KindLeaf, store.BlockSize)
	self.internalMax = Capacity(KindInternal, store.BlockSize)
	if self.MaxEntries > 0 {
		if self.MaxEntries < 4 {
			self.MaxEntries = 4
		}
		if self.MaxEntries < self.leafMax {
			self.leafMax = self.MaxEntries
		}
		if self.MaxEntries < self.internalMax {
			self.internalMax = self.MaxEntries
		}
	}
	return &self
}

func (self *IBTree) Store() *Store {
	return self.store
}

func (self *IBTree) maxEntries(kind NodeKind) int {
	if kind == KindLeaf {
		return self.leafMax
	}
	return self.internalMax
}

func (self *IBTree) loadRoot(root NodeId) (*Node, error) {
	if root == 0 {
		return nil, nil
	}
	return self.store.LoadNode(root)
}

// Lookup returns the extent covering offset, and the offset where the
// extent starts.
func (self *IBTree) Lookup(root NodeId, offset uint64) (key uint64, ext layout.Extent, found bool, err error) {
	key, ext, found, _, err = self.lookup(root, offset, false)
	return
}

// LookupShared is Lookup that also reports whether any node on the
// path is referenced from more than one place, in which case the
// mapping may not be modified in place.
func (self *IBTree) LookupShared(root NodeId, offset uint64) (key uint64, ext layout.Extent, found, shared bool, err error) {
	return self.lookup(root, offset, true)
}

func (self *IBTree) lookup(root NodeId, offset uint64, wantShared bool) (key uint64, ext layout.Extent, found, shared bool, err error) {
	n, err := self.loadRoot(root)
	if n == nil {
		return
	}
	stack := ibStack{store: self.store}
	if err = stack.search(n, offset); err != nil {
		return
	}
	if wantShared {
		for i := 0; i <= stack.top; i++ {
			if self.store.RefCount(stack.nodes[i].id) > 1 {
				shared = true
			}
		}
	}
	e := stack.entry()
	if e == nil || e.Key+uint64(e.Extent.Length) <= offset {
		return
	}
	return e.Key, e.Extent, true, shared, nil
}

// Begin starts a transaction on top of a published root.
func (self *IBTree) Begin(root NodeId) (*Transaction, error) {
	n, err := self.loadRoot(root)
	if err != nil {
		return nil, err
	}
	mlog.Printf2("ibtree/ibtree", "Begin %d", root)
	return &Transaction{tree: self, original: root, root: n,
		stack: ibStack{store: self.store}}, nil
}

// Release drops a reference to a root returned by Commit.
func (self *IBTree) Release(root NodeId) error {
	return self.store.Release(root)
}

func (self *Node) insertEntry(idx int, e Entry) {
	self.Entries = append(self.Entries, Entry{})
	copy(self.Entries[idx+1:], self.Entries[idx:])
	self.Entries[idx] = e
}

func (self *Node) removeEntries(idx, count int) {
	self.Entries = append(self.Entries[:idx], self.Entries[idx+count:]...)
}
