/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Oct 26 13:01:55 2018 mstenber
 * Last modified: Mon Oct 29 17:44:02 2018 mstenber
 * Edit time:     47 min
 *
 */

package ibtree

import (
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/pkg/errors"
)

// References accumulates the number of references to every block
// reachable from a set of roots; each node is descended into only
// once, as that is also how the reference counts are maintained.
type References struct {
	Counts map[uint64]uint32
	Nodes  int
}

func (self References) Init() *References {
	self.Counts = make(map[uint64]uint32)
	return &self
}

// Walk adds one reference to root (as held by its owner) and, if it
// was not visited yet, validates it and counts its children.
func (self *Store) Walk(root NodeId, refs *References) error {
	if root == 0 {
		return nil
	}
	refs.Counts[root]++
	if refs.Counts[root] > 1 {
		return nil
	}
	refs.Nodes++
	n, err := self.LoadNode(root)
	if err != nil {
		return err
	}
	if err = checkNode(n); err != nil {
		return err
	}
	for i := range n.Entries {
		e := &n.Entries[i]
		switch n.Kind {
		case KindLeaf:
			for b := e.Extent.Start; b < e.Extent.End(); b++ {
				refs.Counts[b]++
			}
		case KindInternal, KindRadixInternal:
			child, err := self.LoadNode(e.Child)
			if err != nil {
				return err
			}
			if child.Level+1 != n.Level {
				return fserrors.Corrupt("node %d level %d has child %d level %d", n.id, n.Level, child.id, child.Level)
			}
			if n.Kind == KindInternal && child.firstKey() != e.Key {
				return fserrors.Corrupt("node %d key %d child %d first key %d", n.id, e.Key, child.id, child.firstKey())
			}
			if err = self.Walk(e.Child, refs); err != nil {
				return err
			}
		case KindRadixLeaf:
			if err = self.Walk(e.Record.Root, refs); err != nil {
				return errors.Wrapf(err, "inode tree of slot %d in node %d", e.Key, n.id)
			}
		}
	}
	return nil
}

func checkNode(n *Node) error {
	if n.Kind.Leafy() != (n.Level == 0) {
		return fserrors.Corrupt("node %d kind %v level %d", n.id, n.Kind, n.Level)
	}
	if len(n.Entries) == 0 {
		return fserrors.Corrupt("node %d empty", n.id)
	}
	var end uint64
	for i, e := range n.Entries {
		if i > 0 && e.Key <= n.Entries[i-1].Key {
			return fserrors.Corrupt("node %d keys out of order at %d", n.id, i)
		}
		if n.Kind == KindLeaf {
			if e.Extent.Length == 0 {
				return fserrors.Corrupt("node %d empty extent at %d", n.id, e.Key)
			}
			if i > 0 && e.Key < end {
				return fserrors.Corrupt("node %d overlapping extent at %d", n.id, e.Key)
			}
			end = e.Key + uint64(e.Extent.Length)
		}
	}
	return nil
}

// Check validates the structure of one tree: key order, levels, and
// separator keys. Node fill is checked against the tree's limits for
// everything but the root.
func (self *IBTree) Check(root NodeId) error {
	if root == 0 {
		return nil
	}
	refs := References{}.Init()
	if err := self.store.Walk(root, refs); err != nil {
		return err
	}
	return self.checkFill(root, true)
}

func (self *IBTree) checkFill(id NodeId, isRoot bool) error {
	n, err := self.store.LoadNode(id)
	if err != nil {
		return err
	}
	max := self.maxEntries(n.Kind)
	if len(n.Entries) > max || (!isRoot && len(n.Entries) < max/2) {
		return fserrors.Corrupt("node %d has %d entries (max %d)", id, len(n.Entries), max)
	}
	if n.Kind == KindInternal {
		for _, e := range n.Entries {
			if err = self.checkFill(e.Child, false); err != nil {
				return err
			}
		}
	}
	return nil
}
