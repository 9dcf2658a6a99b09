/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Nov  6 16:40:12 2018 mstenber
 * Last modified: Wed Nov  7 09:31:40 2018 mstenber
 * Edit time:     41 min
 *
 */

package fs

import (
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/pkg/errors"
)

// replayer applies committed transactions found in the journal on top
// of the checkpoint state.
type replayer struct {
	fs      *Fs
	nextTxn uint64
}

// applyView applies the metadata records of one view and installs the
// result.
func (self *replayer) applyView(view uint64, recs []*journal.Record) error {
	if len(recs) == 0 {
		return nil
	}
	fs := self.fs
	defer fs.rootLock.Locked()()
	root, _, err := fs.applyRecords(view, recs)
	if err != nil {
		return err
	}
	return fs.snapshots.SetRoot(view, root)
}

func (self *replayer) replay(recs []*journal.Record) error {
	fs := self.fs
	bs := fs.dev.BlockSize()
	var allocated []layout.Extent
	var pending []*journal.Record
	var view uint64
	flush := func() error {
		err := self.applyView(view, pending)
		pending = nil
		return err
	}
	for _, r := range recs {
		if r.Txn >= self.nextTxn {
			self.nextTxn = r.Txn + 1
		}
		switch r.Kind {
		case journal.RecordAlloc:
			newly, err := fs.alloc.MarkAllocated(r.Ext)
			if err != nil {
				return err
			}
			if newly {
				allocated = append(allocated, r.Ext)
			}
			continue
		case journal.RecordBlockWrite:
			if len(r.Data) != bs {
				return fserrors.Corrupt("block write of %d bytes to %d", len(r.Data), r.Ext.Start)
			}
			if !fs.alloc.IsAllocated(r.Ext.Start) {
				return fserrors.Corrupt("block write to free block %d", r.Ext.Start)
			}
			if err := fs.buffers.WriteBlock(r.Ext.Start, r.Data, 0); err != nil {
				return err
			}
			continue
		case journal.RecordIndexSet:
			if r.Fresh && !fs.alloc.IsAllocated(r.Ext.Start) {
				return fserrors.Corrupt("mapping of free extent %v", r.Ext)
			}
		case journal.RecordIndexDelete, journal.RecordInodeSet, journal.RecordInodeCreate,
			journal.RecordInodeDelete, journal.RecordTruncate:
		default:
			if err := flush(); err != nil {
				return err
			}
			if err := self.snapshot(r); err != nil {
				return errors.Wrapf(err, "replaying %v", r)
			}
			continue
		}
		if r.View != view {
			if err := flush(); err != nil {
				return err
			}
			view = r.View
		}
		pending = append(pending, r)
	}
	if err := flush(); err != nil {
		return err
	}
	for _, ext := range allocated {
		fs.alloc.RefDecExtent(ext)
	}
	mlog.Printf2("fs/replay", "replayed txn %d: %d records, %d allocations", self.nextTxn-1, len(recs), len(allocated))
	return nil
}

func (self *replayer) snapshot(r *journal.Record) error {
	m := self.fs.snapshots
	switch r.Kind {
	case journal.RecordSnapshotCreate:
		if _, err := m.Get(r.View); err == nil {
			return nil
		}
		_, err := m.Create(r.View, r.Parent, r.Name, r.Writable, r.Time)
		return err
	case journal.RecordSnapshotDelete:
		if _, err := m.Get(r.View); err != nil {
			return nil
		}
		_, err := m.Delete(r.View)
		return err
	case journal.RecordSnapshotRollback:
		return m.Rollback(r.View)
	}
	return fserrors.Corrupt("unexpected %v in transaction", r.Kind)
}
