/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Nov  1 17:10:40 2018 mstenber
 * Last modified: Fri Nov  2 09:31:05 2018 mstenber
 * Edit time:     44 min
 *
 */

package cache

import (
	"fmt"

	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
)

const DefaultInodeCacheSize = 256

type InodeKey struct {
	View, Ino uint64
}

// Inode is cached copy of an inode record. Holders of a reference
// serialize updates of the record (and the root of its offset index)
// with Lock.
type Inode struct {
	InodeKey
	util.MutexLocked

	// Record is protected by the inode lock
	Record layout.InodeRecord

	refs    int  // protected by cache lock
	deleted bool // protected by cache lock
}

func (self *Inode) String() string {
	return fmt.Sprintf("inode{%d/%d,r:%d}", self.View, self.Ino, self.refs)
}

// InodeCache is refcounted pool of inodes. Entries with references
// are never evicted; the others are kept by the ARC policy.
type InodeCache struct {
	Size int

	lock util.MutexLocked
	arc  *ARC[InodeKey, *Inode]

	// loading serializes loads of the same inode
	loading util.MutexLockedMap[InodeKey]

	// changes counts invalidations that raced with a load; such a
	// load may have seen the old record, and is redone
	changes uint64
}

func (self InodeCache) Init() *InodeCache {
	if self.Size == 0 {
		self.Size = DefaultInodeCacheSize
	}
	self.arc = ARC[InodeKey, *Inode]{
		Pinned: func(k InodeKey, inode *Inode, dirty bool) bool {
			return inode.refs > 0
		},
	}.Init(self.Size)
	return &self
}

// Acquire returns referenced inode, loading the record with load on
// miss. The reference must be given back with Release.
func (self *InodeCache) Acquire(key InodeKey, load func() (layout.InodeRecord, error)) (*Inode, error) {
	self.lock.Lock()
	if inode, ok := self.arc.Get(key); ok {
		inode.refs++
		self.lock.Unlock()
		return inode, nil
	}
	self.lock.Unlock()

	defer self.loading.Locked(key)()
	for {
		self.lock.Lock()
		// someone else may have loaded it meanwhile
		if inode, _, ok := self.arc.Peek(key); ok {
			inode.refs++
			self.lock.Unlock()
			return inode, nil
		}
		changes := self.changes
		self.lock.Unlock()

		rec, err := load()
		if err != nil {
			return nil, err
		}

		self.lock.Lock()
		if self.changes != changes {
			self.lock.Unlock()
			mlog.Printf2("cache/inode", "Acquire reloading %v", key)
			continue
		}
		inode := &Inode{InodeKey: key, Record: rec, refs: 1}
		self.arc.Put(key, inode, false)
		self.lock.Unlock()
		mlog.Printf2("cache/inode", "Acquire loaded %v", inode)
		return inode, nil
	}
}

func (self *InodeCache) Release(inode *Inode) {
	defer self.lock.Locked()()
	if inode.refs <= 0 {
		mlog.Panicf("Release of unreferenced %v", inode)
	}
	inode.refs--
}

// Refs returns number of references to the cached inode.
func (self *InodeCache) Refs(key InodeKey) int {
	defer self.lock.Locked()()
	if inode, _, ok := self.arc.Peek(key); ok {
		return inode.refs
	}
	return 0
}

// Forget drops the inode if nobody holds it; returns false if it is
// still referenced. The caller must have made the new record
// reachable before calling it.
func (self *InodeCache) Forget(key InodeKey) bool {
	defer self.lock.Locked()()
	self.changed(key)
	if inode, _, ok := self.arc.Peek(key); ok && inode.refs > 0 {
		return false
	}
	self.arc.Remove(key)
	return true
}

// Delete detaches the inode from the cache. Current holders keep
// their reference, but Deleted tells them the inode is gone.
func (self *InodeCache) Delete(key InodeKey) {
	defer self.lock.Locked()()
	self.changed(key)
	if inode, _, ok := self.arc.Peek(key); ok {
		inode.deleted = true
		self.arc.Remove(key)
	}
}

// Deleted returns true if the inode was deleted after it was
// acquired.
func (self *InodeCache) Deleted(inode *Inode) bool {
	defer self.lock.Locked()()
	return inode.deleted
}

func (self *InodeCache) changed(key InodeKey) {
	if self.loading.Held(key) > 0 {
		self.changes++
	}
}

// ForgetView drops unreferenced inodes of the view.
func (self *InodeCache) ForgetView(view uint64) int {
	defer self.lock.Locked()()
	return self.arc.RemoveIf(func(k InodeKey) bool {
		if k.View != view {
			return false
		}
		inode, _, _ := self.arc.Peek(k)
		return inode == nil || inode.refs == 0
	})
}

func (self *InodeCache) Len() int {
	defer self.lock.Locked()()
	return self.arc.Len()
}

func (self *InodeCache) Stats() ARCStats {
	defer self.lock.Locked()()
	return self.arc.Stats()
}
