/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Mar 16 11:09:12 2018 mstenber
 * Last modified: Thu Nov  1 12:40:02 2018 mstenber
 * Edit time:     142 min
 *
 */

// cache contains the adaptive replacement policy shared by the
// engine caches, and its specializations: device block buffer cache,
// file page cache with read-ahead, and the refcounted inode pool.
package cache

import (
	"fmt"

	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

// ListKind is the list an entry is on.
type ListKind uint8

const (
	ListNone ListKind = iota
	ListT1
	ListT2
	ListB1
	ListB2
)

func (self ListKind) String() string {
	return [...]string{"-", "T1", "T2", "B1", "B2"}[self]
}

func (self ListKind) ghost() bool {
	return self == ListB1 || self == ListB2
}

// ARC provides Adaptive Replacement Cache map of K to V.
//
// For details about ARC, see:
// Megiddo & Modha 2003, ARC: A Self-Tuning, Low Overhead Replacement Cache.
//
// T1 holds entries seen once recently, T2 entries seen at least
// twice; B1 and B2 remember keys recently evicted from them, and hits
// there adapt p, the target size of T1.
//
// Entries may be dirty; dirty entries are handed to WriteBack before
// they leave the cache. Pinned entries are never evicted, so the
// cache may temporarily hold more than its capacity.
//
// The type is not threadsafe; the specializations lock around it.
type ARC[K comparable, V any] struct {
	// WriteBack is called for a dirty entry being evicted or
	// flushed; on error the entry stays dirty in the cache.
	WriteBack func(key K, value V) error

	// Pinned entries are not evicted (nor flushed).
	Pinned func(key K, value V, dirty bool) bool

	// Evicted is called after an entry has left the cache.
	Evicted func(key K, value V)

	cache          map[K]*arcEntry[K, V]
	t1, t2, b1, b2 list[*arcEntry[K, V]]
	c, p           int

	hits, misses, ghostHits, evictions, writeBacks int
}

type arcEntry[K comparable, V any] struct {
	key   K
	value V
	dirty bool
	where ListKind
	e     listElement[*arcEntry[K, V]]
}

func (self *arcEntry[K, V]) String() string {
	return fmt.Sprintf("ae{%v,%v,d:%v}", self.key, self.where, self.dirty)
}

type ARCStats struct {
	Capacity, P                int
	T1, T2, B1, B2             int
	Hits, Misses, GhostHits    int
	Evictions, WriteBacks, Len int
}

func (self ARC[K, V]) Init(maximumSize int) *ARC[K, V] {
	self.cache = make(map[K]*arcEntry[K, V])
	self.c = util.IMax(maximumSize, 1)
	return &self
}

func (self *ARC[K, V]) list(kind ListKind) *list[*arcEntry[K, V]] {
	switch kind {
	case ListT1:
		return &self.t1
	case ListT2:
		return &self.t2
	case ListB1:
		return &self.b1
	case ListB2:
		return &self.b2
	}
	mlog.Panicf("no list for %v", kind)
	return nil
}

func (self *ARC[K, V]) move(e *arcEntry[K, V], to ListKind) {
	if e.where != ListNone {
		self.list(e.where).remove(&e.e)
	}
	e.where = to
	if to != ListNone {
		e.e.value = e
		self.list(to).pushBack(&e.e)
	}
}

// Get returns the value for key if it is cached, and records the
// access (a hit moves the entry to the MRU end of T2).
func (self *ARC[K, V]) Get(key K) (value V, found bool) {
	e, ok := self.cache[key]
	if !ok || e.where.ghost() {
		self.misses++
		return
	}
	self.hits++
	self.move(e, ListT2)
	return e.value, true
}

// Peek returns the cached value without touching the lists.
func (self *ARC[K, V]) Peek(key K) (value V, dirty, found bool) {
	e, ok := self.cache[key]
	if !ok || e.where.ghost() {
		return
	}
	return e.value, e.dirty, true
}

// Where returns the list the key is on.
func (self *ARC[K, V]) Where(key K) ListKind {
	if e, ok := self.cache[key]; ok {
		return e.where
	}
	return ListNone
}

// Put stores value for key; typically after Get missed and the value
// was fetched. Dirty is sticky until the entry is written back.
// Error is returned only if making room failed in WriteBack; the
// value is stored regardless.
func (self *ARC[K, V]) Put(key K, value V, dirty bool) error {
	e, ok := self.cache[key]
	if ok && !e.where.ghost() {
		e.value = value
		e.dirty = e.dirty || dirty
		self.move(e, ListT2)
		return nil
	}
	var err error
	if ok {
		self.ghostHits++
		if e.where == ListB1 {
			self.p = util.IMin(self.p+util.IMax(1, self.b2.length/util.IMax(self.b1.length, 1)), self.c)
			mlog.Printf2("cache/arc", "B1 hit %v, p = %d", key, self.p)
		} else {
			self.p = util.IMax(self.p-util.IMax(1, self.b1.length/util.IMax(self.b2.length, 1)), 0)
			mlog.Printf2("cache/arc", "B2 hit %v, p = %d", key, self.p)
		}
		err = self.makeRoom(e.where == ListB2)
		e.value = value
		e.dirty = dirty
		self.move(e, ListT2)
		return err
	}

	// complete miss; keep T1+B1 within c and everything within 2c
	err = self.makeRoom(false)
	for self.t1.length+self.b1.length >= self.c && self.b1.length > 0 {
		self.dropGhost(&self.b1)
	}
	for self.t1.length+self.t2.length+self.b1.length+self.b2.length >= 2*self.c && self.b2.length > 0 {
		self.dropGhost(&self.b2)
	}
	e = &arcEntry[K, V]{key: key, value: value, dirty: dirty}
	self.cache[key] = e
	self.move(e, ListT1)
	return err
}

func (self *ARC[K, V]) dropGhost(l *list[*arcEntry[K, V]]) {
	e := l.front.value
	mlog.Printf2("cache/arc", "dropping ghost %v", e)
	l.remove(&e.e)
	delete(self.cache, e.key)
}

func (self *ARC[K, V]) makeRoom(inB2 bool) error {
	for self.t1.length+self.t2.length >= self.c {
		evicted, err := self.replace(inB2)
		if err != nil {
			return err
		}
		if !evicted {
			mlog.Printf2("cache/arc", "everything pinned, over capacity")
			return nil
		}
	}
	return nil
}

func (self *ARC[K, V]) pinned(e *arcEntry[K, V]) bool {
	return self.Pinned != nil && self.Pinned(e.key, e.value, e.dirty)
}

// victim returns the LRU-most entry of the list that may be evicted.
func (self *ARC[K, V]) victim(l *list[*arcEntry[K, V]]) (victim *arcEntry[K, V]) {
	l.iterate(func(e *arcEntry[K, V]) bool {
		if self.pinned(e) {
			return true
		}
		victim = e
		return false
	})
	return
}

// replace evicts one entry to the ghost lists; T1 is preferred when it
// exceeds its target p.
func (self *ARC[K, V]) replace(inB2 bool) (bool, error) {
	fromT1 := self.t1.length > 0 && (self.t1.length > self.p || (inB2 && self.t1.length == self.p))
	var e *arcEntry[K, V]
	if fromT1 {
		if e = self.victim(&self.t1); e == nil {
			e = self.victim(&self.t2)
		}
	} else {
		if e = self.victim(&self.t2); e == nil {
			e = self.victim(&self.t1)
		}
	}
	if e == nil {
		return false, nil
	}
	if e.dirty {
		if err := self.writeBack(e); err != nil {
			return false, err
		}
	}
	mlog.Printf2("cache/arc", "evicting %v", e)
	self.evictions++
	if e.where == ListT1 {
		self.move(e, ListB1)
	} else {
		self.move(e, ListB2)
	}
	value := e.value
	var zero V
	e.value = zero
	if self.Evicted != nil {
		self.Evicted(e.key, value)
	}
	return true, nil
}

func (self *ARC[K, V]) writeBack(e *arcEntry[K, V]) error {
	if self.WriteBack != nil {
		if err := self.WriteBack(e.key, e.value); err != nil {
			return errors.Wrapf(err, "write-back of %v", e.key)
		}
	}
	self.writeBacks++
	e.dirty = false
	return nil
}

// Remove drops key from the cache (and the ghost lists) without
// writing it back.
func (self *ARC[K, V]) Remove(key K) bool {
	e, ok := self.cache[key]
	if !ok {
		return false
	}
	cached := !e.where.ghost()
	self.move(e, ListNone)
	delete(self.cache, key)
	return cached
}

// RemoveIf drops every cached entry for which cb returns true.
func (self *ARC[K, V]) RemoveIf(cb func(key K) bool) int {
	count := 0
	for k, e := range self.cache {
		if cb(k) {
			if !e.where.ghost() {
				count++
			}
			self.move(e, ListNone)
			delete(self.cache, k)
		}
	}
	return count
}

// MarkClean clears the dirty bit of key; used when the value was
// written elsewhere.
func (self *ARC[K, V]) MarkClean(key K) {
	if e, ok := self.cache[key]; ok {
		e.dirty = false
	}
}

// Dirty iterates over the dirty entries that are not pinned.
func (self *ARC[K, V]) Dirty(cb func(key K, value V)) {
	for _, l := range []*list[*arcEntry[K, V]]{&self.t1, &self.t2} {
		l.iterate(func(e *arcEntry[K, V]) bool {
			if e.dirty && !self.pinned(e) {
				cb(e.key, e.value)
			}
			return true
		})
	}
}

// Flush writes back every dirty entry that is not pinned.
func (self *ARC[K, V]) Flush() error {
	var failed error
	for _, l := range []*list[*arcEntry[K, V]]{&self.t1, &self.t2} {
		l.iterate(func(e *arcEntry[K, V]) bool {
			if e.dirty && !self.pinned(e) {
				if err := self.writeBack(e); err != nil {
					failed = err
					return false
				}
			}
			return true
		})
		if failed != nil {
			return failed
		}
	}
	return nil
}

// Len is number of cached (non-ghost) entries.
func (self *ARC[K, V]) Len() int {
	return self.t1.length + self.t2.length
}

func (self *ARC[K, V]) Stats() ARCStats {
	return ARCStats{Capacity: self.c, P: self.p,
		T1: self.t1.length, T2: self.t2.length,
		B1: self.b1.length, B2: self.b2.length,
		Hits: self.hits, Misses: self.misses, GhostHits: self.ghostHits,
		Evictions: self.evictions, WriteBacks: self.writeBacks,
		Len: self.Len()}
}
