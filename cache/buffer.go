/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Nov  1 13:02:11 2018 mstenber
 * Last modified: Thu Nov  1 15:20:44 2018 mstenber
 * Edit time:     68 min
 *
 */

package cache

import (
	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
)

const DefaultBufferCacheSize = 1024

// buffer is one cached device block. Txn is the transaction that
// dirtied it last; zero means it needs no journal ordering.
type buffer struct {
	data []byte
	txn  uint64
}

// BufferCache is write-back cache of device blocks. A dirty block
// written on behalf of a transaction stays in memory until the
// transaction has committed.
type BufferCache struct {
	// Committed tells if the transaction is durable in the
	// journal; nil treats every transaction as committed.
	Committed func(txn uint64) bool

	// Size is the capacity in blocks
	Size int

	dev     device.Device
	lock    util.MutexLocked
	arc     *ARC[uint64, *buffer]
	limiter util.ParallelLimiter

	Reads, Writes util.AtomicInt
}

func (self BufferCache) Init(dev device.Device) *BufferCache {
	if self.Size == 0 {
		self.Size = DefaultBufferCacheSize
	}
	self.dev = dev
	c := &self
	c.arc = ARC[uint64, *buffer]{
		WriteBack: c.writeBack,
		Pinned:    c.pinned,
	}.Init(self.Size)
	return c
}

func (self *BufferCache) Device() device.Device {
	return self.dev
}

func (self *BufferCache) committed(txn uint64) bool {
	return txn == 0 || self.Committed == nil || self.Committed(txn)
}

func (self *BufferCache) pinned(n uint64, b *buffer, dirty bool) bool {
	return dirty && !self.committed(b.txn)
}

func (self *BufferCache) writeBack(n uint64, b *buffer) error {
	self.Writes.Add(1)
	return fserrors.Io(self.dev.WriteBlock(n, b.data), "write-back of block %d", n)
}

// ReadBlock copies block n into buf, fetching it from the device on
// miss.
func (self *BufferCache) ReadBlock(n uint64, buf []byte) error {
	defer self.lock.Locked()()
	if b, ok := self.arc.Get(n); ok {
		copy(buf, b.data)
		return nil
	}
	data := make([]byte, self.dev.BlockSize())
	self.Reads.Add(1)
	if err := self.dev.ReadBlock(n, data); err != nil {
		return fserrors.Io(err, "read of block %d", n)
	}
	copy(buf, data)
	return self.arc.Put(n, &buffer{data: data}, false)
}

// WriteBlock stores the new contents of block n in the cache; they
// reach the device on eviction or Flush, but not before txn has
// committed.
func (self *BufferCache) WriteBlock(n uint64, data []byte, txn uint64) error {
	if len(data) != self.dev.BlockSize() {
		mlog.Panicf("WriteBlock %d with %d bytes", n, len(data))
	}
	b := &buffer{data: append([]byte(nil), data...), txn: txn}
	defer self.lock.Locked()()
	return self.arc.Put(n, b, true)
}

// Invalidate drops block n without writing it back; used for blocks
// of aborted transactions.
func (self *BufferCache) Invalidate(n uint64) {
	defer self.lock.Locked()()
	self.arc.Remove(n)
}

// Flush writes every committed dirty block to the device in parallel.
// The device is not synced.
func (self *BufferCache) Flush() (int, error) {
	type pending struct {
		n uint64
		b *buffer
	}
	var todo []pending
	self.lock.Lock()
	self.arc.Dirty(func(n uint64, b *buffer) {
		todo = append(todo, pending{n, b})
	})
	self.lock.Unlock()

	var eg util.ErrorGroup
	for _, p := range todo {
		p := p
		self.limiter.Go(&eg, func() error {
			return self.writeBack(p.n, p.b)
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}

	defer self.lock.Locked()()
	for _, p := range todo {
		// rewritten meanwhile stays dirty
		if b, _, ok := self.arc.Peek(p.n); ok && b == p.b {
			self.arc.MarkClean(p.n)
		}
	}
	mlog.Printf2("cache/buffer", "Flush wrote %d blocks", len(todo))
	return len(todo), nil
}

// DirtyCount returns number of dirty blocks, pinned or not.
func (self *BufferCache) DirtyCount() int {
	defer self.lock.Locked()()
	count := 0
	for _, l := range []*list[*arcEntry[uint64, *buffer]]{&self.arc.t1, &self.arc.t2} {
		l.iterate(func(e *arcEntry[uint64, *buffer]) bool {
			if e.dirty {
				count++
			}
			return true
		})
	}
	return count
}

func (self *BufferCache) Stats() ARCStats {
	defer self.lock.Locked()()
	return self.arc.Stats()
}
