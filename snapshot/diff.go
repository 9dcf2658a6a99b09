/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Mon Nov  5 09:40:11 2018 mstenber
 * Last modified: Mon Nov  5 12:31:50 2018 mstenber
 * Edit time:     102 min
 *
 */

package snapshot

import (
	"fmt"

	"github.com/fingon/go-cowfs/ibtree"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/util"
)

type DiffKind uint8

const (
	// DiffInode is reported when the inode record differs;
	// OldInode is nil for created inodes and NewInode for removed
	// ones.
	DiffInode DiffKind = iota + 1

	// DiffRange is reported for file blocks [Offset,
	// Offset+Length) that map to different physical blocks. Old
	// and New are the mappings; zero length means a hole.
	DiffRange
)

type DiffEntry struct {
	Kind               DiffKind
	Ino                uint64
	OldInode, NewInode *layout.InodeRecord
	Offset, Length     uint64
	Old, New           layout.Extent
}

func (self DiffEntry) String() string {
	if self.Kind == DiffInode {
		return fmt.Sprintf("diff{i%d %v -> %v}", self.Ino, self.OldInode, self.NewInode)
	}
	return fmt.Sprintf("diff{i%d @%d+%d %v -> %v}", self.Ino, self.Offset, self.Length, self.Old, self.New)
}

// contiguous tells if b continues a in physical blocks (or both are
// holes).
func contiguous(a, b layout.Extent) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() && b.IsZero()
	}
	return a.End() == b.Start && a.Flags == b.Flags
}

// Diff reports how snapshot b differs from snapshot a, lazily and in
// inode order, until cb returns false. Subtrees the versions share are
// not visited.
func (self *Manager) Diff(a, b uint64, cb func(DiffEntry) bool) error {
	// both roots must stay alive for the walk
	unlock := self.lock.RLocked()
	sa, err := self.get(a)
	if err == nil {
		var sb *Snapshot
		sb, err = self.get(b)
		if err == nil {
			return self.diffRoots(sa.Root, sb.Root, cb, unlock)
		}
	}
	unlock()
	return err
}

func (self *Manager) diffRoots(ra, rb ibtree.NodeId, cb func(DiffEntry) bool, unlock func()) error {
	for _, r := range []ibtree.NodeId{ra, rb} {
		if r != 0 {
			self.store().Retain(r)
		}
	}
	unlock()
	defer func() {
		for _, r := range []ibtree.NodeId{ra, rb} {
			if r != 0 {
				self.store().Release(r)
			}
		}
	}()
	return DiffRoots(self.tree, self.radix, ra, rb, cb)
}

// DiffRoots is Diff between two inode table versions.
func DiffRoots(tree *ibtree.IBTree, radix *ibtree.Radix, ra, rb ibtree.NodeId, cb func(DiffEntry) bool) error {
	var ierr error
	err := radix.IterateDelta(ra, rb, func(ino uint64, old, new *layout.InodeRecord) bool {
		if old == nil || new == nil || old.Type != new.Type || old.Size != new.Size || old.Nlink != new.Nlink {
			if !cb(DiffEntry{Kind: DiffInode, Ino: ino, OldInode: old, NewInode: new}) {
				return false
			}
		}
		var oroot, nroot ibtree.NodeId
		if old != nil {
			oroot = old.Root
		}
		if new != nil {
			nroot = new.Root
		}
		if oroot == nroot {
			return true
		}
		d := rangeDiffer{tree: tree, ino: ino, old: oroot, new: nroot, cb: cb}
		var cont bool
		cont, ierr = d.run()
		return cont && ierr == nil
	})
	if err != nil {
		return err
	}
	return ierr
}

type rangeDiffer struct {
	tree     *ibtree.IBTree
	ino      uint64
	old, new ibtree.NodeId
	cb       func(DiffEntry) bool
	pending  *DiffEntry
	covered  uint64
}

// mapping returns the physical blocks offset maps to in root, as
// extent no longer than limit-offset; zero length extent and the
// length of the hole are returned for unmapped offsets.
func (self *rangeDiffer) mapping(root ibtree.NodeId, offset, limit uint64) (layout.Extent, uint64, error) {
	key, ext, found, err := self.tree.Lookup(root, offset)
	if err != nil {
		return layout.Extent{}, 0, err
	}
	if found {
		n := util.U64Min(key+uint64(ext.Length), limit) - offset
		return layout.Extent{Start: ext.Start + offset - key, Length: uint32(n), Flags: ext.Flags}, n, nil
	}
	c := self.tree.RangeScan(root, offset, limit)
	if c.Next() {
		return layout.Extent{}, c.Key() - offset, nil
	}
	return layout.Extent{}, limit - offset, c.Err()
}

func (self *rangeDiffer) emit(e DiffEntry) bool {
	p := self.pending
	if p != nil && p.Offset+p.Length == e.Offset && contiguous(p.Old, e.Old) && contiguous(p.New, e.New) {
		p.Length += e.Length
		p.Old.Length += e.Old.Length
		p.New.Length += e.New.Length
		return true
	}
	if p != nil && !self.cb(*p) {
		self.pending = nil
		return false
	}
	self.pending = &e
	return true
}

func (self *rangeDiffer) compare(start, end uint64) (bool, error) {
	for o := start; o < end; {
		eo, no, err := self.mapping(self.old, o, end)
		if err != nil {
			return false, err
		}
		en, nn, err := self.mapping(self.new, o, end)
		if err != nil {
			return false, err
		}
		n := util.U64Min(no, nn)
		eo.Length = uint32(util.U64Min(uint64(eo.Length), n))
		en.Length = uint32(util.U64Min(uint64(en.Length), n))
		same := eo.IsZero() && en.IsZero() || eo == en
		if !same && !self.emit(DiffEntry{Kind: DiffRange, Ino: self.ino, Offset: o, Length: n, Old: eo, New: en}) {
			return false, nil
		}
		o += n
	}
	return true, nil
}

func (self *rangeDiffer) run() (bool, error) {
	var cerr error
	cont := true
	err := self.tree.IterateDelta(self.old, self.new, func(de ibtree.DeltaEntry) bool {
		var length uint32
		if de.Old != nil {
			length = de.Old.Length
		}
		if de.New != nil && de.New.Length > length {
			length = de.New.Length
		}
		start := de.Key
		if start < self.covered {
			start = self.covered
		}
		end := de.Key + uint64(length)
		if start >= end {
			return true
		}
		self.covered = end
		cont, cerr = self.compare(start, end)
		return cont && cerr == nil
	})
	if err == nil {
		err = cerr
	}
	if err != nil || !cont {
		return false, err
	}
	if self.pending != nil {
		return self.cb(*self.pending), nil
	}
	return true, nil
}
