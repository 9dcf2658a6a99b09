/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Nov  7 09:50:33 2018 mstenber
 * Last modified: Wed Nov  7 13:27:18 2018 mstenber
 * Edit time:     38 min
 *
 */

package fs

import (
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/snapshot"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// exclusive runs fn with every other operation excluded.
func (self *Fs) exclusive(fn func() error) error {
	defer self.opLock.Locked()()
	if err := self.usable(); err != nil {
		return err
	}
	return fn()
}

// commitRecord journals a single catalog record. The catalog is only
// changed once the record is durable. A full journal gets one
// checkpoint to make room.
func (self *Fs) commitRecord(r *journal.Record) error {
	try := func() error {
		txn := self.txns.Begin()
		txn.Add(r)
		if _, err := txn.Append(); err != nil {
			return err
		}
		if err := txn.Wait(); err != nil {
			return self.fail(errors.Wrapf(err, "commit of %v", txn))
		}
		return nil
	}
	err := try()
	if !fserrors.Is(err, fserrors.ErrOutOfSpace) {
		return err
	}
	if cerr := self.checkpoint("journal full"); cerr != nil {
		return errors.Wrapf(err, "checkpoint failed: %v", cerr)
	}
	return try()
}

func (self *Fs) createSnapshot(parent uint64, name string, writable bool) (s snapshot.Snapshot, err error) {
	err = self.exclusive(func() error {
		if _, err := self.snapshots.Get(parent); err != nil {
			return err
		}
		r := &journal.Record{Kind: journal.RecordSnapshotCreate, View: self.snapshots.NextId(),
			Parent: parent, Name: name, Writable: writable, Time: now()}
		if err := self.commitRecord(r); err != nil {
			return err
		}
		s, err = self.snapshots.Create(r.View, r.Parent, r.Name, r.Writable, r.Time)
		if err != nil {
			return self.fail(err)
		}
		self.Logger.Info("snapshot created", zap.Uint64("id", s.Id),
			zap.Uint64("parent", parent), zap.String("name", name), zap.Bool("writable", writable))
		return nil
	})
	return
}

// CreateSnapshot freezes the current state of the live head as a new
// read-only snapshot.
func (self *Fs) CreateSnapshot(name string) (snapshot.Snapshot, error) {
	return self.createSnapshot(self.snapshots.Head(), name, false)
}

// Clone creates a writable snapshot starting from snapshot id. It
// shares every block with id until either is modified.
func (self *Fs) Clone(id uint64, name string) (snapshot.Snapshot, error) {
	return self.createSnapshot(id, name, true)
}

// DeleteSnapshot drops snapshot id. Blocks only it referred to are
// freed at the next checkpoint.
func (self *Fs) DeleteSnapshot(id uint64) error {
	return self.exclusive(func() error {
		if err := self.snapshots.CheckDelete(id); err != nil {
			return err
		}
		if err := self.commitRecord(&journal.Record{Kind: journal.RecordSnapshotDelete, View: id}); err != nil {
			return err
		}
		if _, err := self.snapshots.Delete(id); err != nil {
			return self.fail(err)
		}
		self.pages.InvalidateView(id)
		self.inodes.ForgetView(id)
		self.Logger.Info("snapshot deleted", zap.Uint64("id", id))
		return nil
	})
}

// Rollback returns the live head to the state of snapshot id. Other
// snapshots, including ones newer than id, are kept.
func (self *Fs) Rollback(id uint64) error {
	return self.exclusive(func() error {
		head := self.snapshots.Head()
		if _, err := self.snapshots.Get(id); err != nil {
			return err
		}
		if id == head {
			return errors.Wrapf(fserrors.ErrSnapshotState, "rollback of head %d to itself", id)
		}
		if err := self.commitRecord(&journal.Record{Kind: journal.RecordSnapshotRollback, View: id}); err != nil {
			return err
		}
		if err := self.snapshots.Rollback(id); err != nil {
			return self.fail(err)
		}
		self.pages.InvalidateView(head)
		self.inodes.ForgetView(head)
		self.Logger.Info("rolled back", zap.Uint64("head", head), zap.Uint64("to", id))
		return nil
	})
}

// SetHead makes writable snapshot id the live head. The head is part
// of the checkpoint state, so a checkpoint follows.
func (self *Fs) SetHead(id uint64) error {
	return self.exclusive(func() error {
		old := self.snapshots.Head()
		if err := self.snapshots.SetHead(id); err != nil {
			return err
		}
		if err := self.checkpoint("head change"); err != nil {
			return err
		}
		self.Logger.Info("head changed", zap.Uint64("from", old), zap.Uint64("to", id))
		return nil
	})
}

// Snapshots lists the snapshot catalog ordered by id.
func (self *Fs) Snapshots() ([]snapshot.Snapshot, error) {
	if err := self.usable(); err != nil {
		return nil, err
	}
	return self.snapshots.List(), nil
}

// Diff reports what changed from snapshot a to snapshot b. Both
// versions are pinned for the duration, and checkpoints wait until
// Diff returns, so the pins never reach the device. cb must not call
// back into the Fs.
func (self *Fs) Diff(a, b uint64, cb func(snapshot.DiffEntry) bool) error {
	return self.shared(func() error {
		return self.snapshots.Diff(a, b, cb)
	})
}
