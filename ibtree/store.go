/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Oct 25 17:40:02 2018 mstenber
 * Last modified: Mon Oct 29 12:01:47 2018 mstenber
 * Edit time:     88 min
 *
 */

package ibtree

import (
	"github.com/bluele/gcache"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

// Refcounter is the reference counting half of Backend;
// *alloc.Allocator provides it.
type Refcounter interface {
	RefInc(block uint64) uint32
	RefDec(block uint64) uint32
	RefCount(block uint64) uint32
	RefIncExtent(ext layout.Extent)
	RefDecExtent(ext layout.Extent)
}

// Backend provides node blocks and their reference counts.
type Backend interface {
	Refcounter

	// AllocateNode returns new metadata block with refcount 1.
	AllocateNode() (NodeId, error)

	// FreeNode undoes AllocateNode of a node never published.
	FreeNode(id NodeId)

	ReadNode(id NodeId, b []byte) error
	WriteNode(id NodeId, b []byte) error
}

const DefaultNodeCacheSize = 1024

// Store keeps published nodes: the ones not yet written to the device
// in a dirty map (written at checkpoint by Flush), and decoded copies
// of the rest in an ARC cache.
type Store struct {
	BlockSize int

	// CacheSize is the number of decoded nodes to keep around.
	CacheSize int

	backend Backend
	cache   gcache.Cache
	lock    util.MutexLocked
	dirty   map[NodeId]*Node
	limiter util.ParallelLimiter

	Loads, Hits util.AtomicInt
}

func (self Store) Init(backend Backend) *Store {
	if self.BlockSize == 0 {
		self.BlockSize = 4096
	}
	if self.CacheSize == 0 {
		self.CacheSize = DefaultNodeCacheSize
	}
	self.backend = backend
	self.cache = gcache.New(self.CacheSize).ARC().Build()
	self.dirty = make(map[NodeId]*Node)
	return &self
}

func (self *Store) Backend() Backend {
	return self.backend
}

// LoadNode returns the published node id.
func (self *Store) LoadNode(id NodeId) (*Node, error) {
	if id == 0 {
		mlog.Panicf("LoadNode of zero id")
	}
	self.Loads.Add(1)
	if v, err := self.cache.GetIFPresent(id); err == nil {
		self.Hits.Add(1)
		return v.(*Node), nil
	}
	if n := self.getDirty(id); n != nil {
		self.Hits.Add(1)
		return n, nil
	}
	b := make([]byte, self.BlockSize)
	if err := self.backend.ReadNode(id, b); err != nil {
		return nil, errors.Wrapf(err, "reading node %d", id)
	}
	n, err := DecodeNode(id, b)
	if err != nil {
		return nil, err
	}
	mlog.Printf2("ibtree/store", "LoadNode %d: %v", id, n)
	self.cache.Set(id, n)
	return n, nil
}

func (self *Store) getDirty(id NodeId) *Node {
	defer self.lock.Locked()()
	return self.dirty[id]
}

func (self *Store) RefCount(id NodeId) uint32 {
	return self.backend.RefCount(id)
}

// publish assigns ids to every unpublished node reachable from n, and
// takes a reference to every child of the newly published nodes.
// Either all of the nodes are published, or (on allocation failure)
// none of them are.
func (self *Store) publish(n *Node) (NodeId, error) {
	var todo []*Node
	var collect func(n *Node)
	collect = func(n *Node) {
		if n.id != 0 {
			return
		}
		for _, e := range n.Entries {
			if e.node != nil {
				collect(e.node)
			}
		}
		todo = append(todo, n)
	}
	collect(n)
	ids := make([]NodeId, 0, len(todo))
	for range todo {
		id, err := self.backend.AllocateNode()
		if err != nil {
			for _, id := range ids {
				self.backend.FreeNode(id)
			}
			return 0, err
		}
		ids = append(ids, id)
	}
	fresh := make(map[*Node]bool, len(todo))
	for i, n := range todo {
		n.id = ids[i]
		fresh[n] = true
	}
	for _, n := range todo {
		for j := range n.Entries {
			e := &n.Entries[j]
			if e.node != nil {
				child := e.node
				e.Child = child.id
				e.node = nil
				// the allocation reference of a fresh child
				// belongs to its parent
				if fresh[child] {
					continue
				}
			}
			self.retainEntry(n.Kind, e)
		}
		mlog.Printf2("ibtree/store", "publish %v", n)
		self.lock.Lock()
		self.dirty[n.id] = n
		self.lock.Unlock()
	}
	return n.id, nil
}

// retainEntry takes a new reference to whatever the entry points at.
func (self *Store) retainEntry(kind NodeKind, e *Entry) {
	switch kind {
	case KindLeaf:
		self.backend.RefIncExtent(e.Extent)
	case KindInternal, KindRadixInternal:
		self.backend.RefInc(e.Child)
	case KindRadixLeaf:
		if e.Record.Root != 0 {
			self.backend.RefInc(e.Record.Root)
		}
	}
}

// Retain takes an additional reference to a published node.
func (self *Store) Retain(id NodeId) {
	if id != 0 {
		self.backend.RefInc(id)
	}
}

// Release drops a reference to a published node. When the last one
// goes away, the references held by the node are dropped too. The
// block itself stays readable until the allocator's deferred frees
// are released, so readers holding the old root are not affected.
func (self *Store) Release(id NodeId) error {
	if id == 0 {
		return nil
	}
	if self.backend.RefDec(id) > 0 {
		return nil
	}
	n, err := self.LoadNode(id)
	if err != nil {
		return err
	}
	mlog.Printf2("ibtree/store", "Release freed %v", n)
	for _, e := range n.Entries {
		switch n.Kind {
		case KindLeaf:
			self.backend.RefDecExtent(e.Extent)
		case KindInternal, KindRadixInternal:
			err = self.Release(e.Child)
		case KindRadixLeaf:
			err = self.Release(e.Record.Root)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Flush writes the dirty nodes that are still referenced to the
// backend; dirty nodes already released are simply dropped.
func (self *Store) Flush() (written int, err error) {
	self.lock.Lock()
	nodes := make([]*Node, 0, len(self.dirty))
	for _, n := range self.dirty {
		nodes = append(nodes, n)
	}
	self.lock.Unlock()

	var eg util.ErrorGroup
	var count util.AtomicInt
	for _, n := range nodes {
		n := n
		if self.backend.RefCount(n.id) == 0 {
			continue
		}
		self.limiter.Go(&eg, func() error {
			b := make([]byte, self.BlockSize)
			n.Encode(b)
			if err := self.backend.WriteNode(n.id, b); err != nil {
				return errors.Wrapf(err, "writing node %d", n.id)
			}
			count.Add(1)
			return nil
		})
	}
	err = eg.Wait()
	if err != nil {
		return
	}
	defer self.lock.Locked()()
	for _, n := range nodes {
		delete(self.dirty, n.id)
		if self.backend.RefCount(n.id) > 0 {
			self.cache.Set(n.id, n)
		}
	}
	written = count.GetInt()
	mlog.Printf2("ibtree/store", "Flush wrote %d of %d", written, len(nodes))
	return
}

// Forget drops cached copies of blocks that have been freed, as the
// block numbers may be reused for other nodes.
func (self *Store) Forget(ids []uint64) {
	defer self.lock.Locked()()
	for _, id := range ids {
		self.cache.Remove(id)
		delete(self.dirty, id)
	}
}

// Reset drops all cached state; used when the metadata zone is
// reloaded from a checkpoint.
func (self *Store) Reset() {
	defer self.lock.Locked()()
	self.cache.Purge()
	self.dirty = make(map[NodeId]*Node)
}

func (self *Store) DirtyCount() int {
	defer self.lock.Locked()()
	return len(self.dirty)
}
