/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Nov  1 15:31:02 2018 mstenber
 * Last modified: Thu Nov  1 17:05:12 2018 mstenber
 * Edit time:     49 min
 *
 */

package cache

import (
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
)

const (
	DefaultPageCacheSize  = 1024
	DefaultReadAheadPages = 8

	// number of consecutive pages accessed in order before read-ahead
	sequentialThreshold = 2
)

type PageKey struct {
	View, Ino, Page uint64
}

type streamKey struct {
	View, Ino uint64
}

type stream struct {
	last, run uint64
}

// PageFetcher returns plaintext of one page; nil page (with nil
// error) means there is nothing there, e.g. past end of file.
type PageFetcher func(page uint64) ([]byte, error)

// PageCache caches plaintext file pages. Pages are clean copies; the
// write path updates them (or drops them) as it goes. Sequential
// access to an inode triggers read-ahead of the following pages.
type PageCache struct {
	Size      int
	ReadAhead int

	lock    util.MutexLocked
	arc     *ARC[PageKey, []byte]
	streams map[streamKey]*stream

	ReadAheads util.AtomicInt
}

func (self PageCache) Init() *PageCache {
	if self.Size == 0 {
		self.Size = DefaultPageCacheSize
	}
	if self.ReadAhead == 0 {
		self.ReadAhead = DefaultReadAheadPages
	}
	self.arc = ARC[PageKey, []byte]{}.Init(self.Size)
	self.streams = make(map[streamKey]*stream)
	return &self
}

// sequential records access to key and tells if it continues a
// sequential run.
func (self *PageCache) sequential(key PageKey) bool {
	sk := streamKey{key.View, key.Ino}
	s := self.streams[sk]
	if s == nil {
		s = &stream{last: key.Page}
		self.streams[sk] = s
		return false
	}
	if key.Page == s.last+1 {
		s.run++
	} else if key.Page != s.last {
		s.run = 0
	}
	s.last = key.Page
	return s.run >= sequentialThreshold
}

// Read returns the page, using fetch on miss. On sequential access
// the next ReadAhead pages are fetched too.
func (self *PageCache) Read(key PageKey, fetch PageFetcher) ([]byte, error) {
	self.lock.Lock()
	data, ok := self.arc.Get(key)
	seq := self.sequential(key)
	self.lock.Unlock()
	if !ok {
		var err error
		data, err = fetch(key.Page)
		if err != nil {
			return nil, err
		}
		if data != nil {
			self.Put(key, data)
		}
	}
	if seq {
		self.readAhead(key, fetch)
	}
	return data, nil
}

func (self *PageCache) readAhead(key PageKey, fetch PageFetcher) {
	for i := 1; i <= self.ReadAhead; i++ {
		k := key
		k.Page += uint64(i)
		self.lock.Lock()
		_, _, ok := self.arc.Peek(k)
		self.lock.Unlock()
		if ok {
			continue
		}
		data, err := fetch(k.Page)
		if err != nil || data == nil {
			// read-ahead is opportunistic
			return
		}
		self.ReadAheads.Add(1)
		self.Put(k, data)
	}
	mlog.Printf2("cache/page", "readAhead after %v", key)
}

// Peek returns the page if it is cached, without counting an access.
func (self *PageCache) Peek(key PageKey) ([]byte, bool) {
	defer self.lock.Locked()()
	data, _, ok := self.arc.Peek(key)
	return data, ok
}

func (self *PageCache) Put(key PageKey, data []byte) {
	defer self.lock.Locked()()
	// clean pages never fail write-back
	self.arc.Put(key, data, false)
}

func (self *PageCache) Invalidate(key PageKey) {
	defer self.lock.Locked()()
	self.arc.Remove(key)
}

// InvalidateInode drops pages of ino in view from page onwards.
func (self *PageCache) InvalidateInode(view, ino, page uint64) int {
	defer self.lock.Locked()()
	delete(self.streams, streamKey{view, ino})
	return self.arc.RemoveIf(func(k PageKey) bool {
		return k.View == view && k.Ino == ino && k.Page >= page
	})
}

// InvalidateView drops every page of the view.
func (self *PageCache) InvalidateView(view uint64) int {
	defer self.lock.Locked()()
	for sk := range self.streams {
		if sk.View == view {
			delete(self.streams, sk)
		}
	}
	return self.arc.RemoveIf(func(k PageKey) bool {
		return k.View == view
	})
}

func (self *PageCache) Stats() ARCStats {
	defer self.lock.Locked()()
	return self.arc.Stats()
}
