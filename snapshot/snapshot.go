/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Nov  2 12:01:33 2018 mstenber
 * Last modified: Fri Nov  2 16:44:20 2018 mstenber
 * Edit time:     121 min
 *
 */

// snapshot keeps the tree of point-in-time versions of the inode
// table.
//
// Every snapshot holds one reference to the root of a radix inode
// table version; creating one is just another reference to the
// parent's root, and the copy-on-write index does the rest. The live
// filesystem is the head snapshot, whose root moves with every
// committed change.
package snapshot

import (
	"fmt"
	"sort"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/ibtree"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

type State uint8

const (
	StateActive State = iota + 1
	StateFrozen
	StateDeleted
)

func (self State) String() string {
	switch self {
	case StateActive:
		return "active"
	case StateFrozen:
		return "frozen"
	case StateDeleted:
		return "deleted"
	}
	return fmt.Sprintf("state%d", uint8(self))
}

// RootId is the snapshot every other descends from; it starts out as
// the live head.
const RootId = 1

const RootName = "origin"

type Snapshot struct {
	Id       uint64        `codec:"i"`
	ParentId uint64        `codec:"p"`
	Root     ibtree.NodeId `codec:"r"`
	State    State         `codec:"s"`
	Created  int64         `codec:"c"`
	Name     string        `codec:"n"`
	Writable bool          `codec:"w"`
}

func (self Snapshot) String() string {
	return fmt.Sprintf("snapshot#%d<%d %q %v r%d>", self.Id, self.ParentId, self.Name, self.State, self.Root)
}

type Manager struct {
	radix *ibtree.Radix
	tree  *ibtree.IBTree

	lock      util.RWMutexLocked
	snapshots map[uint64]*Snapshot
	head      uint64
	nextId    uint64
}

// Init returns manager with only the root snapshot, which is also the
// head.
func (self Manager) Init(tree *ibtree.IBTree, radix *ibtree.Radix) *Manager {
	self.tree = tree
	self.radix = radix
	self.snapshots = map[uint64]*Snapshot{
		RootId: {Id: RootId, State: StateActive, Name: RootName, Writable: true},
	}
	self.head = RootId
	self.nextId = RootId + 1
	return &self
}

func (self *Manager) store() *ibtree.Store {
	return self.radix.Store()
}

// NextId is the id the next snapshot will get.
func (self *Manager) NextId() uint64 {
	defer self.lock.RLocked()()
	return self.nextId
}

func (self *Manager) Head() uint64 {
	defer self.lock.RLocked()()
	return self.head
}

func (self *Manager) get(id uint64) (*Snapshot, error) {
	s, ok := self.snapshots[id]
	if !ok {
		return nil, fserrors.InvalidKey("snapshot %d", id)
	}
	return s, nil
}

func (self *Manager) Get(id uint64) (Snapshot, error) {
	defer self.lock.RLocked()()
	s, err := self.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return *s, nil
}

// Root returns the current inode table root of the snapshot. The
// root stays valid as long as the snapshot is not deleted (or, for
// writable ones, changed); callers that need it longer Retain it.
func (self *Manager) Root(id uint64) (ibtree.NodeId, error) {
	defer self.lock.RLocked()()
	s, err := self.get(id)
	if err != nil {
		return 0, err
	}
	return s.Root, nil
}

// List returns the snapshots ordered by id.
func (self *Manager) List() []Snapshot {
	defer self.lock.RLocked()()
	l := make([]Snapshot, 0, len(self.snapshots))
	for _, s := range self.snapshots {
		l = append(l, *s)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].Id < l[j].Id })
	return l
}

func (self *Manager) children(id uint64) (l []uint64) {
	for _, s := range self.snapshots {
		if s.ParentId == id && s.Id != id {
			l = append(l, s.Id)
		}
	}
	return
}

func (self *Manager) Children(id uint64) []uint64 {
	defer self.lock.RLocked()()
	l := self.children(id)
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	return l
}

// Create adds snapshot id as child of parent, sharing parent's
// current root. Writable snapshots (clones) can be modified with
// SetRoot, frozen ones not.
func (self *Manager) Create(id, parent uint64, name string, writable bool, created int64) (Snapshot, error) {
	defer self.lock.Locked()()
	p, err := self.get(parent)
	if err != nil {
		return Snapshot{}, err
	}
	if _, ok := self.snapshots[id]; ok || id < self.nextId {
		return Snapshot{}, errors.Wrapf(fserrors.ErrSnapshotState, "snapshot id %d already used", id)
	}
	state := StateFrozen
	if writable {
		state = StateActive
	}
	s := &Snapshot{Id: id, ParentId: parent, Root: p.Root, State: state,
		Created: created, Name: name, Writable: writable}
	if s.Root != 0 {
		self.store().Retain(s.Root)
	}
	self.snapshots[id] = s
	self.nextId = id + 1
	mlog.Printf2("snapshot/snapshot", "Create %v", s)
	return *s, nil
}

// CheckDelete returns error if the snapshot may not be deleted: the
// root, the head, and snapshots with children stay.
func (self *Manager) CheckDelete(id uint64) error {
	defer self.lock.RLocked()()
	return self.checkDelete(id)
}

func (self *Manager) checkDelete(id uint64) error {
	if _, err := self.get(id); err != nil {
		return err
	}
	if id == RootId {
		return errors.Wrapf(fserrors.ErrSnapshotState, "root snapshot cannot be deleted")
	}
	if id == self.head {
		return errors.Wrapf(fserrors.ErrSnapshotState, "snapshot %d is the live head", id)
	}
	if c := self.children(id); len(c) > 0 {
		return errors.Wrapf(fserrors.ErrSnapshotState, "snapshot %d has children %v", id, c)
	}
	return nil
}

// Delete removes the snapshot and drops its reference to the root;
// nodes and blocks no other version shares are freed.
func (self *Manager) Delete(id uint64) (Snapshot, error) {
	defer self.lock.Locked()()
	if err := self.checkDelete(id); err != nil {
		return Snapshot{}, err
	}
	s := self.snapshots[id]
	delete(self.snapshots, id)
	s.State = StateDeleted
	mlog.Printf2("snapshot/snapshot", "Delete %v", s)
	if s.Root != 0 {
		if err := self.store().Release(s.Root); err != nil {
			return *s, err
		}
	}
	return *s, nil
}

// SetRoot replaces the root of a writable snapshot. The manager takes
// over the caller's reference to root, and releases the old one.
func (self *Manager) SetRoot(id uint64, root ibtree.NodeId) error {
	defer self.lock.Locked()()
	s, err := self.get(id)
	if err != nil {
		return err
	}
	if !s.Writable {
		return errors.Wrapf(fserrors.ErrReadOnly, "snapshot %d", id)
	}
	old := s.Root
	s.Root = root
	if old != 0 {
		return self.store().Release(old)
	}
	return nil
}

// Rollback makes the head refer to the version of snapshot id. Changes
// made to the head since then are released. Other snapshots are not
// affected.
func (self *Manager) Rollback(id uint64) error {
	defer self.lock.Locked()()
	s, err := self.get(id)
	if err != nil {
		return err
	}
	if id == self.head {
		return errors.Wrapf(fserrors.ErrSnapshotState, "rollback of head to itself")
	}
	h := self.snapshots[self.head]
	old := h.Root
	h.Root = s.Root
	if h.Root != 0 {
		self.store().Retain(h.Root)
	}
	mlog.Printf2("snapshot/snapshot", "Rollback head %d to %v (was r%d)", self.head, s, old)
	if old != 0 {
		return self.store().Release(old)
	}
	return nil
}

// SetHead makes the writable snapshot id the live head.
func (self *Manager) SetHead(id uint64) error {
	defer self.lock.Locked()()
	s, err := self.get(id)
	if err != nil {
		return err
	}
	if !s.Writable {
		return errors.Wrapf(fserrors.ErrReadOnly, "snapshot %d", id)
	}
	self.head = id
	return nil
}

// Roots returns the roots of every snapshot; used for checking
// reference counts.
func (self *Manager) Roots() []ibtree.NodeId {
	defer self.lock.RLocked()()
	var l []ibtree.NodeId
	for _, s := range self.snapshots {
		if s.Root != 0 {
			l = append(l, s.Root)
		}
	}
	return l
}
