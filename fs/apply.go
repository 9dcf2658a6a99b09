/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Nov  6 13:02:10 2018 mstenber
 * Last modified: Wed Nov  7 11:48:55 2018 mstenber
 * Edit time:     97 min
 *
 */

package fs

import (
	"math"
	"sort"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/ibtree"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

// inodeChange is the pending new state of one inode while a
// transaction's records are applied.
type inodeChange struct {
	rec     layout.InodeRecord
	found   bool
	deleted bool
	tr      *ibtree.Transaction
}

type applier struct {
	fs      *Fs
	root    ibtree.NodeId
	changes map[uint64]*inodeChange
}

func (self *applier) inode(ino uint64) (*inodeChange, error) {
	if c, ok := self.changes[ino]; ok {
		return c, nil
	}
	rec, found, _, err := self.fs.radix.Get(self.root, ino)
	if err != nil {
		return nil, err
	}
	c := &inodeChange{rec: rec, found: found}
	self.changes[ino] = c
	return c, nil
}

// existing returns the change of an inode that must exist.
func (self *applier) existing(ino uint64) (*inodeChange, error) {
	c, err := self.inode(ino)
	if err != nil {
		return nil, err
	}
	if !c.found {
		return nil, fserrors.InvalidKey("inode %d", ino)
	}
	return c, nil
}

func (self *applier) index(c *inodeChange) (*ibtree.Transaction, error) {
	if c.tr == nil {
		tr, err := self.fs.tree.Begin(c.rec.Root)
		if err != nil {
			return nil, err
		}
		c.tr = tr
	}
	return c.tr, nil
}

// unmapRange removes mappings of file blocks [start, end); extents
// crossing either boundary are cut, and their outside parts stay.
func unmapRange(tr *ibtree.Transaction, start, end uint64) error {
	if start >= end {
		return nil
	}
	piece := func(ext layout.Extent, from, to uint64) layout.Extent {
		return layout.Extent{Start: ext.Start + from, Length: uint32(to - from), Flags: ext.Flags}
	}
	k, ext, found, err := tr.Floor(start)
	if err != nil {
		return err
	}
	if found && k < start && k+uint64(ext.Length) > start {
		kend := k + uint64(ext.Length)
		if kend > end {
			if err = tr.Set(end, piece(ext, end-k, kend-k)); err != nil {
				return err
			}
		}
		if err = tr.Set(k, piece(ext, 0, start-k)); err != nil {
			return err
		}
	}
	if end != math.MaxUint64 {
		k, ext, found, err = tr.Floor(end - 1)
		if err != nil {
			return err
		}
		if found && k >= start && k+uint64(ext.Length) > end {
			if err = tr.Set(end, piece(ext, end-k, uint64(ext.Length))); err != nil {
				return err
			}
		}
	}
	_, err = tr.DeleteRange(start, end)
	return err
}

// mapExtent maps file blocks starting at offset to ext, replacing
// whatever was there.
func mapExtent(tr *ibtree.Transaction, offset uint64, ext layout.Extent) error {
	if err := unmapRange(tr, offset, offset+uint64(ext.Length)); err != nil {
		return err
	}
	return tr.Set(offset, ext)
}

func (self *applier) apply(r *journal.Record) error {
	switch r.Kind {
	case journal.RecordIndexSet:
		c, err := self.existing(r.Ino)
		if err != nil {
			return err
		}
		tr, err := self.index(c)
		if err != nil {
			return err
		}
		return mapExtent(tr, r.Offset, r.Ext)
	case journal.RecordIndexDelete:
		c, err := self.existing(r.Ino)
		if err != nil {
			return err
		}
		tr, err := self.index(c)
		if err != nil {
			return err
		}
		return unmapRange(tr, r.Offset, r.End)
	case journal.RecordInodeCreate:
		c, err := self.inode(r.Ino)
		if err != nil || c.found {
			return err
		}
		c.rec = r.Inode
		c.rec.Root = 0
		c.found = true
		c.deleted = false
		c.tr = nil
	case journal.RecordInodeSet:
		c, err := self.existing(r.Ino)
		if err != nil {
			return err
		}
		root := c.rec.Root
		c.rec = r.Inode
		c.rec.Root = root
	case journal.RecordInodeDelete:
		c, err := self.inode(r.Ino)
		if err != nil || !c.found {
			return err
		}
		c.found = false
		c.deleted = true
		c.tr = nil
	case journal.RecordTruncate:
		c, err := self.existing(r.Ino)
		if err != nil {
			return err
		}
		tr, err := self.index(c)
		if err != nil {
			return err
		}
		bs := uint64(self.fs.dev.BlockSize())
		if err = unmapRange(tr, util.CeilDiv(r.End, bs), math.MaxUint64); err != nil {
			return err
		}
		c.rec.Size = r.End
	}
	return nil
}

// publish installs the changes into a new inode table root, which the
// caller gets a reference to.
func (self *applier) publish() (root ibtree.NodeId, err error) {
	inos := make([]uint64, 0, len(self.changes))
	for ino := range self.changes {
		inos = append(inos, ino)
	}
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })

	store := self.fs.store
	root = self.root
	store.Retain(root)
	defer func() {
		if err != nil {
			store.Release(root)
			root = 0
		}
	}()
	for _, ino := range inos {
		c := self.changes[ino]
		var nr ibtree.NodeId
		switch {
		case c.deleted && !c.found:
			var found bool
			nr, found, err = self.fs.radix.Delete(root, ino)
			if err != nil {
				return
			}
			if !found {
				continue
			}
		case c.found:
			rec := c.rec
			var changed bool
			if c.tr != nil {
				rec.Root, changed, err = c.tr.Commit()
				if err != nil {
					return
				}
			}
			nr, err = self.fs.radix.Set(root, ino, rec)
			if changed {
				// the inode table holds its own reference now
				store.Release(rec.Root)
			}
			if err != nil {
				return
			}
			c.rec = rec
		default:
			continue
		}
		if err = store.Release(root); err != nil {
			store.Release(nr)
			return
		}
		root = nr
	}
	return root, nil
}

// applyRecords applies the index and inode records to the current
// version of writable snapshot view. Nothing is installed: the new
// root (referenced by the caller) and the new inode states are
// returned. Must be called with rootLock held.
func (self *Fs) applyRecords(view uint64, recs []*journal.Record) (ibtree.NodeId, map[uint64]*inodeChange, error) {
	s, err := self.snapshots.Get(view)
	if err != nil {
		return 0, nil, err
	}
	if !s.Writable {
		return 0, nil, errors.Wrapf(fserrors.ErrReadOnly, "snapshot %d", view)
	}
	a := &applier{fs: self, root: s.Root, changes: make(map[uint64]*inodeChange)}
	for _, r := range recs {
		if err = a.apply(r); err != nil {
			return 0, nil, errors.Wrapf(err, "applying %v", r)
		}
	}
	root, err := a.publish()
	if err != nil {
		return 0, nil, err
	}
	mlog.Printf2("fs/apply", "applyRecords view %d: %d records, %d inodes, r%d -> r%d",
		view, len(recs), len(a.changes), s.Root, root)
	return root, a.changes, nil
}
