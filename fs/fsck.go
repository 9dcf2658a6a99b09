/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Nov  7 13:30:02 2018 mstenber
 * Last modified: Wed Nov  7 14:22:45 2018 mstenber
 * Edit time:     31 min
 *
 */

package fs

import (
	"fmt"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/ibtree"
	"github.com/fingon/go-cowfs/layout"
	"go.uber.org/zap"
)

// maximum number of problems listed in a report
const maxProblems = 100

type FsckReport struct {
	Snapshots int
	Inodes    int
	Nodes     int

	// Blocks is the number of blocks with a non-zero reference
	// count found by the walk
	Blocks int

	Problems []string
}

func (self *FsckReport) problem(format string, args ...interface{}) {
	if len(self.Problems) < maxProblems {
		self.Problems = append(self.Problems, fmt.Sprintf(format, args...))
	}
}

// Fsck verifies the allocator invariants, the structure of every
// index tree in every snapshot, and that the reference count of every
// block matches what the walk from snapshot roots finds. Nothing is
// repaired.
func (self *Fs) Fsck() (report *FsckReport, err error) {
	err = self.exclusive(func() error {
		report, err = self.fsck()
		return err
	})
	return
}

func (self *Fs) fsck() (*FsckReport, error) {
	report := &FsckReport{}
	if err := self.alloc.Check(); err != nil {
		report.problem("allocator: %v", err)
	}

	refs := ibtree.References{}.Init()
	checked := make(map[ibtree.NodeId]bool)
	for _, s := range self.snapshots.List() {
		report.Snapshots++
		if err := self.store.Walk(s.Root, refs); err != nil {
			report.problem("snapshot %d: %v", s.Id, err)
			continue
		}
		err := self.radix.Scan(s.Root, 0, func(ino uint64, rec layout.InodeRecord) bool {
			report.Inodes++
			if rec.Root == 0 || checked[rec.Root] {
				return true
			}
			checked[rec.Root] = true
			if err := self.tree.Check(rec.Root); err != nil {
				report.problem("snapshot %d inode %d: %v", s.Id, ino, err)
			}
			return true
		})
		if err != nil {
			report.problem("snapshot %d: %v", s.Id, err)
		}
	}
	report.Nodes = refs.Nodes

	for _, z := range self.sb.Zones {
		for b := z.Start; b < z.Start+z.Length; b++ {
			want := refs.Counts[b]
			if want > 0 {
				report.Blocks++
			}
			got := self.alloc.RefCount(b)
			switch {
			case got == want:
			case want == 0:
				report.problem("%v block %d leaked: refcount %d", z.Kind, b, got)
			default:
				report.problem("%v block %d refcount %d, found %d references", z.Kind, b, got, want)
			}
		}
	}
	for b := range refs.Counts {
		if _, ok := self.zoneOf(b); !ok {
			report.problem("block %d referenced outside zones", b)
		}
	}

	self.Logger.Info("fsck done", zap.Int("snapshots", report.Snapshots),
		zap.Int("inodes", report.Inodes), zap.Int("nodes", report.Nodes),
		zap.Int("blocks", report.Blocks), zap.Int("problems", len(report.Problems)))
	if len(report.Problems) > 0 {
		return report, fserrors.Inconsistent("fsck found %d problems, first: %s",
			len(report.Problems), report.Problems[0])
	}
	return report, nil
}

func (self *Fs) zoneOf(block uint64) (layout.Zone, bool) {
	for _, z := range self.sb.Zones {
		if z.Contains(block) {
			return z, true
		}
	}
	return layout.Zone{}, false
}
