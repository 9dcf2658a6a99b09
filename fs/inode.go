/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Nov  6 17:05:51 2018 mstenber
 * Last modified: Wed Nov  7 12:44:09 2018 mstenber
 * Edit time:     23 min
 *
 */

package fs

import (
	"github.com/fingon/go-cowfs/cache"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/layout"
	"github.com/pkg/errors"
)

// CreateInodeAt allocates the lowest free inode number in writable
// snapshot view.
func (self *Fs) CreateInodeAt(view uint64, typ layout.InodeType) (ino uint64, err error) {
	err = self.mutate(func() error {
		txn := self.txns.Begin()
		t := now()
		r := &journal.Record{Kind: journal.RecordInodeCreate, View: view,
			Inode: layout.InodeRecord{Type: typ, Nlink: 1, Mtime: t, Ctime: t}}
		prepare := func() error {
			root, err := self.snapshots.Root(view)
			if err != nil {
				return err
			}
			if r.Ino, err = self.radix.NextFree(root, RootIno+1); err != nil {
				return err
			}
			txn.Add(r)
			return nil
		}
		_, err := self.transact(view, txn, nil, prepare, nil)
		ino = r.Ino
		return err
	})
	return
}

func (self *Fs) CreateInode(typ layout.InodeType) (uint64, error) {
	return self.CreateInodeAt(self.snapshots.Head(), typ)
}

// RemoveInodeAt drops inode ino from writable snapshot view; its
// blocks are freed at the next checkpoint unless a snapshot still
// refers to them.
func (self *Fs) RemoveInodeAt(view, ino uint64) error {
	if ino == RootIno {
		return errors.Wrapf(fserrors.ErrInvalidKey, "root inode cannot be removed")
	}
	return self.mutate(func() error {
		return self.withInode(view, ino, func(inode *cache.Inode) error {
			txn := self.txns.Begin()
			txn.Add(&journal.Record{Kind: journal.RecordInodeDelete, View: view, Ino: ino})
			_, err := self.transact(view, txn, inode, nil, nil)
			return err
		})
	})
}

func (self *Fs) RemoveInode(ino uint64) error {
	return self.RemoveInodeAt(self.snapshots.Head(), ino)
}

// StatAt returns the inode record of ino in snapshot view.
func (self *Fs) StatAt(view, ino uint64) (rec layout.InodeRecord, err error) {
	err = self.shared(func() error {
		return self.withInode(view, ino, func(inode *cache.Inode) error {
			rec = inode.Record
			return nil
		})
	})
	return
}

func (self *Fs) Stat(ino uint64) (layout.InodeRecord, error) {
	return self.StatAt(self.snapshots.Head(), ino)
}

// Inodes calls cb for every inode of snapshot view in increasing
// order, until cb returns false.
func (self *Fs) Inodes(view uint64, cb func(ino uint64, rec layout.InodeRecord) bool) error {
	return self.shared(func() error {
		root, err := self.snapshots.Root(view)
		if err != nil {
			return err
		}
		return self.radix.Scan(root, 0, cb)
	})
}
