/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 17 22:20:08 2017 mstenber
 * Last modified: Thu Oct 18 10:12:45 2018 mstenber
 * Edit time:     121 min
 *
 */

package device

import (
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

// InMemory is a volatile device which models the durability contract
// explicitly: writes land in a pending set, and only Sync makes them
// durable. Crash and CrashPartial simulate power loss for tests.
type InMemory struct {
	blockSize int
	blocks    uint64

	lock    util.MutexLocked
	durable map[uint64][]byte
	pending map[uint64][]byte
	order   []pendingWrite

	// failAfter >= 0 means that many more writes/syncs succeed,
	// after which everything fails with ErrIo.
	failAfter int

	Reads, Writes, Syncs util.AtomicInt
}

type pendingWrite struct {
	n    uint64
	data []byte
}

var _ Device = &InMemory{}

func NewInMemory(blockSize int, blocks uint64) *InMemory {
	return &InMemory{blockSize: blockSize, blocks: blocks,
		durable:   make(map[uint64][]byte),
		pending:   make(map[uint64][]byte),
		failAfter: -1}
}

func (self *InMemory) BlockSize() int {
	return self.blockSize
}

func (self *InMemory) Blocks() uint64 {
	return self.blocks
}

func (self *InMemory) ReadBlock(n uint64, buf []byte) error {
	if err := CheckAccess(self, n, buf); err != nil {
		return err
	}
	self.Reads.Add(1)
	defer self.lock.Locked()()
	b, ok := self.pending[n]
	if !ok {
		b, ok = self.durable[n]
	}
	if !ok {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, b)
	return nil
}

func (self *InMemory) checkFail() error {
	if self.failAfter < 0 {
		return nil
	}
	if self.failAfter == 0 {
		return errors.Wrapf(fserrors.ErrIo, "injected device failure")
	}
	self.failAfter--
	return nil
}

func (self *InMemory) WriteBlock(n uint64, buf []byte) error {
	if err := CheckAccess(self, n, buf); err != nil {
		return err
	}
	self.Writes.Add(1)
	defer self.lock.Locked()()
	if err := self.checkFail(); err != nil {
		return err
	}
	b := append([]byte(nil), buf...)
	self.pending[n] = b
	self.order = append(self.order, pendingWrite{n, b})
	return nil
}

func (self *InMemory) Sync() error {
	self.Syncs.Add(1)
	defer self.lock.Locked()()
	if err := self.checkFail(); err != nil {
		return err
	}
	mlog.Printf2("device/inmemory", "Sync %d pending", len(self.pending))
	for n, b := range self.pending {
		self.durable[n] = b
	}
	self.pending = make(map[uint64][]byte)
	self.order = nil
	return nil
}

func (self *InMemory) Close() error {
	return nil
}

// FailAfter makes the device fail with ErrIo after n more writes or
// syncs; negative n disables failures.
func (self *InMemory) FailAfter(n int) {
	defer self.lock.Locked()()
	self.failAfter = n
}

// Crash drops every write not covered by a Sync.
func (self *InMemory) Crash() {
	self.CrashPartial(0, 0)
}

// CrashPartial simulates power loss during writeback: the first keep
// unsynced writes (in issue order) reach the media, the following one
// is torn after tornBytes bytes, and the rest are lost.
func (self *InMemory) CrashPartial(keep, tornBytes int) {
	defer self.lock.Locked()()
	mlog.Printf2("device/inmemory", "CrashPartial %d/%d of %d", keep, tornBytes, len(self.order))
	for i, w := range self.order {
		if i < keep {
			self.durable[w.n] = w.data
			continue
		}
		if i == keep && tornBytes > 0 {
			old := make([]byte, self.blockSize)
			copy(old, self.durable[w.n])
			copy(old, w.data[:util.IMin(tornBytes, len(w.data))])
			self.durable[w.n] = old
		}
		break
	}
	self.pending = make(map[uint64][]byte)
	self.order = nil
	self.failAfter = -1
}

// Unsynced returns number of writes not yet covered by Sync.
func (self *InMemory) Unsynced() int {
	defer self.lock.Locked()()
	return len(self.order)
}
