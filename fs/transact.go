/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Nov  6 14:31:09 2018 mstenber
 * Last modified: Wed Nov  7 12:20:47 2018 mstenber
 * Edit time:     52 min
 *
 */

package fs

import (
	"github.com/fingon/go-cowfs/cache"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// mutate runs fn as a shared operation. Running out of space (data
// zones or journal) is often only because frees are deferred until
// the next checkpoint, so after one, fn gets a second chance.
func (self *Fs) mutate(fn func() error) error {
	err := self.shared(fn)
	if !fserrors.Is(err, fserrors.ErrOutOfSpace) {
		return err
	}
	self.Logger.Debug("out of space, checkpointing before retry", zap.Error(err))
	if cerr := self.Checkpoint(); cerr != nil {
		return errors.Wrapf(err, "checkpoint failed: %v", cerr)
	}
	return self.shared(fn)
}

func (self *Fs) shared(fn func() error) error {
	defer self.opLock.RLocked()()
	if err := self.usable(); err != nil {
		return err
	}
	return fn()
}

// transact applies the records of txn to view and commits it. held is
// the inode the caller has locked, if any; its record is kept in sync.
// prepare (optional) runs first with the root lock held. If the
// transaction does not reach the journal, undo is called.
func (self *Fs) transact(view uint64, txn *journal.Txn, held *cache.Inode, prepare func() error, undo func()) (map[uint64]*inodeChange, error) {
	abort := func(err error) (map[uint64]*inodeChange, error) {
		if txn.State() == journal.TxnActive {
			txn.Abort()
		}
		if undo != nil {
			undo()
		}
		return nil, err
	}
	self.rootLock.Lock()
	if prepare != nil {
		if err := prepare(); err != nil {
			self.rootLock.Unlock()
			return abort(err)
		}
	}
	root, changes, err := self.applyRecords(view, txn.Records())
	if err != nil {
		self.rootLock.Unlock()
		return abort(err)
	}
	if _, err = txn.Append(); err != nil {
		self.store.Release(root)
		self.rootLock.Unlock()
		return abort(err)
	}
	// from here on the transaction is in the log, and its effects
	// are visible; the caller learns about durability from Wait
	if err = self.snapshots.SetRoot(view, root); err != nil {
		self.rootLock.Unlock()
		return nil, self.fail(err)
	}
	for ino, c := range changes {
		key := cache.InodeKey{View: view, Ino: ino}
		if c.deleted {
			// holders of the inode fail from now on
			self.inodes.Delete(key)
			self.pages.InvalidateInode(view, ino, 0)
			continue
		}
		if held != nil && held.InodeKey == key {
			held.Record = c.rec
			continue
		}
		if !self.inodes.Forget(key) {
			mlog.Printf2("fs/transact", "inode %v changed while held", key)
		}
	}
	self.rootLock.Unlock()

	if err = txn.Wait(); err != nil {
		return nil, self.fail(errors.Wrapf(err, "commit of %v", txn))
	}
	if self.checkpointer != nil {
		self.checkpointer.Poke()
	}
	return changes, nil
}
