/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Oct 30 13:20:11 2018 mstenber
 * Last modified: Wed Oct 31 11:40:32 2018 mstenber
 * Edit time:     121 min
 *
 */

// journal is the write-ahead log of the engine.
//
// The log is a circular region of blocks. Each block has a header
// with a sequence number that increases by one per written block, so
// stale blocks from earlier laps are recognized without having to
// clear them. Records are serialized into a byte stream that is cut
// into block payloads; a block is never rewritten once synced, so
// every Sync starts a new block.
package journal

import (
	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

// Position identifies a block in the log, and the LSN of the next
// record to be appended.
type Position struct {
	Seq     uint64
	Block   uint64 // relative to the start of the region
	NextLSN uint64
}

type recordStart struct {
	offset int
	lsn    uint64
}

type Log struct {
	dev        device.Device
	region     layout.Region
	payloadMax int

	// tailLock protects LSN reservation and the buffer
	tailLock    util.MutexLocked
	nextLSN     uint64
	buffer      []byte
	starts      []recordStart
	bufferedLSN uint64

	// syncLock serializes writers of the on-disk log
	syncLock util.MutexLocked
	head     Position
	tail     Position
	failed   error

	synced, used util.AtomicInt

	// peak is the most blocks ever in use at once
	peak util.AtomicInt
}

// Init prepares the log to append at head; blocks from tail to head
// stay in use until reclaimed.
func (self Log) Init(dev device.Device, region layout.Region, tail, head Position) *Log {
	self.dev = dev
	self.region = region
	self.payloadMax = dev.BlockSize() - layout.JournalHeaderSize
	self.head = head
	self.tail = tail
	self.used.Set(int64(head.Seq - tail.Seq))
	self.peak.Set(self.used.Get())
	self.nextLSN = head.NextLSN
	if self.nextLSN == 0 {
		self.nextLSN = 1
	}
	self.synced.Set(int64(self.nextLSN - 1))
	self.bufferedLSN = self.nextLSN - 1
	return &self
}

func (self *Log) blocksFor(bytes int) uint64 {
	return util.CeilDiv(uint64(bytes), uint64(self.payloadMax))
}

// Append reserves LSNs for the records and buffers them; they become
// durable with Sync. The LSN of the last record is returned. If the
// log has no room for them, ErrOutOfSpace is returned and nothing is
// appended.
func (self *Log) Append(recs ...*Record) (uint64, error) {
	size := 0
	for _, r := range recs {
		size += r.EncodedSize()
	}
	defer self.tailLock.Locked()()
	// the buffered bytes get their own blocks, plus one of padding
	// for a flush in between
	need := self.blocksFor(len(self.buffer)+size) + 1
	if uint64(self.used.Get())+need > self.region.Length {
		return 0, errors.Wrapf(fserrors.ErrOutOfSpace,
			"journal full (%d of %d blocks used, need %d)",
			self.used.Get(), self.region.Length, need)
	}
	for _, r := range recs {
		r.LSN = self.nextLSN
		self.nextLSN++
		self.starts = append(self.starts, recordStart{len(self.buffer), r.LSN})
		self.buffer = r.Encode(self.buffer)
		mlog.Printf2("journal/log", "Append %v", r)
	}
	self.bufferedLSN = self.nextLSN - 1
	return self.bufferedLSN, nil
}

// Synced returns the last LSN known to be durable.
func (self *Log) Synced() uint64 {
	return uint64(self.synced.Get())
}

// Sync makes everything up to (at least) lsn durable. Concurrent
// callers are served by the same device write and sync.
func (self *Log) Sync(lsn uint64) error {
	if self.Synced() >= lsn {
		return nil
	}
	defer self.syncLock.Locked()()
	if self.failed != nil {
		return self.failed
	}
	if self.Synced() >= lsn {
		return nil
	}
	self.tailLock.Lock()
	buf := self.buffer
	starts := self.starts
	last := self.bufferedLSN
	self.buffer = nil
	self.starts = nil
	self.peak.SetMax(self.used.Add(int64(self.blocksFor(len(buf)))))
	self.tailLock.Unlock()

	if err := self.write(buf, starts); err != nil {
		self.failed = err
		return err
	}
	if err := self.dev.Sync(); err != nil {
		self.failed = fserrors.Io(err, "journal sync")
		return self.failed
	}
	self.synced.Set(int64(last))
	mlog.Printf2("journal/log", "Sync %d bytes, lsn %d, head %+v", len(buf), last, self.head)
	return nil
}

func (self *Log) write(buf []byte, starts []recordStart) error {
	b := make([]byte, self.dev.BlockSize())
	for off := 0; off < len(buf); off += self.payloadMax {
		end := util.IMin(off+self.payloadMax, len(buf))
		h := layout.JournalHeader{Seq: self.head.Seq, PayloadLen: uint32(end - off)}
		for len(starts) > 0 && starts[0].offset < end {
			if h.RecordCount == 0 {
				h.LSN = starts[0].lsn
			}
			h.RecordCount++
			starts = starts[1:]
		}
		copy(b[layout.JournalHeaderSize:], buf[off:end])
		for i := layout.JournalHeaderSize + end - off; i < len(b); i++ {
			b[i] = 0
		}
		h.Encode(b)
		n := self.region.Start + self.head.Block
		if err := self.dev.WriteBlock(n, b); err != nil {
			return fserrors.Io(err, "journal block %d", n)
		}
		self.head.Seq++
		self.head.Block = (self.head.Block + 1) % self.region.Length
	}
	return nil
}

// Mark returns the position where the next record will be written.
// Meaningful only when nothing is buffered, as is the case during a
// checkpoint.
func (self *Log) Mark() Position {
	defer self.syncLock.Locked()()
	defer self.tailLock.Locked()()
	if len(self.buffer) > 0 {
		mlog.Panicf("Mark with %d bytes buffered", len(self.buffer))
	}
	pos := self.head
	pos.NextLSN = self.nextLSN
	return pos
}

// Reclaim releases the blocks before pos for reuse.
func (self *Log) Reclaim(pos Position) {
	defer self.syncLock.Locked()()
	self.used.Add(-int64(pos.Seq - self.tail.Seq))
	self.tail = pos
	mlog.Printf2("journal/log", "Reclaim -> %+v, used %d", pos, self.used.Get())
}

// Usage returns fraction of the log in use (including buffered
// records).
func (self *Log) Usage() float64 {
	self.tailLock.Lock()
	buffered := self.blocksFor(len(self.buffer))
	self.tailLock.Unlock()
	return float64(uint64(self.used.Get())+buffered) / float64(self.region.Length)
}

// PeakUsage returns the largest fraction of the log that has been
// in use since Init.
func (self *Log) PeakUsage() float64 {
	return float64(self.peak.Get()) / float64(self.region.Length)
}

// Failed returns the error that made the log unusable, if any.
func (self *Log) Failed() error {
	defer self.syncLock.Locked()()
	return self.failed
}
