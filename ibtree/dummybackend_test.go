/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Wed Jan  3 14:54:18 2018 mstenber
 * Last modified: Mon Oct 29 18:02:10 2018 mstenber
 * Edit time:     24 min
 *
 */

package ibtree

import (
	"github.com/fingon/go-cowfs/alloc"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

const testBlockSize = 512

// DummyBackend keeps node blocks in a map, with reference counts in a
// real allocator.
type DummyBackend struct {
	*alloc.Allocator
	lock   util.MutexLocked
	blocks map[uint64][]byte
}

func (self DummyBackend) Init() *DummyBackend {
	self.Allocator = alloc.Allocator{}.Init([]layout.Zone{
		{Kind: layout.ZoneMetadata, Start: 1, Length: 20000},
		{Kind: layout.ZoneData, Start: 20001, Length: 20000}})
	self.blocks = make(map[uint64][]byte)
	return &self
}

func (self *DummyBackend) AllocateNode() (NodeId, error) {
	ext, err := self.Allocate(layout.ZoneMetadata, 1, 0)
	return ext.Start, err
}

func (self *DummyBackend) FreeNode(id NodeId) {
	self.Free(layout.Extent{Start: id, Length: 1})
}

func (self *DummyBackend) ReadNode(id NodeId, b []byte) error {
	defer self.lock.Locked()()
	data, ok := self.blocks[id]
	if !ok {
		return errors.Wrapf(fserrors.ErrIo, "block %d never written", id)
	}
	copy(b, data)
	return nil
}

func (self *DummyBackend) WriteNode(id NodeId, b []byte) error {
	defer self.lock.Locked()()
	self.blocks[id] = append([]byte(nil), b...)
	return nil
}

// dataExtent allocates a data extent; the caller owns the reference.
func (self *DummyBackend) dataExtent(length uint32) layout.Extent {
	ext, err := self.Allocate(layout.ZoneData, length, 0)
	if err != nil {
		panic(err)
	}
	return ext
}

func newTestTree(maxEntries int) (*IBTree, *DummyBackend) {
	be := DummyBackend{}.Init()
	store := Store{BlockSize: testBlockSize, CacheSize: 64}.Init(be)
	return IBTree{MaxEntries: maxEntries}.Init(store), be
}
