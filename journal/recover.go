/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Oct 31 09:12:40 2018 mstenber
 * Last modified: Wed Oct 31 14:20:05 2018 mstenber
 * Edit time:     77 min
 *
 */

package journal

import (
	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/pkg/errors"
)

type RecoveryResult struct {
	// Head is where appending continues
	Head Position

	// Replayed is number of committed transactions handed to the
	// replay callback; Skipped were committed but already applied.
	Replayed, Skipped int

	// Discarded is number of transactions without commit record
	// (incomplete or aborted).
	Discarded int

	LastLSN uint64

	// Truncated is set if the scan ended in a torn or corrupt
	// block instead of a clean end of log.
	Truncated bool

	// Invalidated is number of blocks past the end that were
	// cleared because they continued the sequence.
	Invalidated int
}

type scanner struct {
	dev    device.Device
	region layout.Region
	pos    Position
	stream []byte
	block  []byte
}

// next reads the block at pos. It returns false at the end of the
// log: a never written block, or one left over from the previous lap.
// A block with a bad checksum is torn even if its sequence number is
// garbled too, and one from the future means the log is damaged; both
// return an error.
func (self *scanner) next() (bool, error) {
	n := self.region.Start + self.pos.Block
	if err := self.dev.ReadBlock(n, self.block); err != nil {
		return false, fserrors.Io(err, "journal block %d", n)
	}
	h, err := layout.DecodeJournalHeader(self.block)
	switch {
	case h == nil:
		return false, nil
	case err != nil:
		return false, errors.Wrapf(err, "journal block %d (expected seq %d)", n, self.pos.Seq)
	case h.Seq < self.pos.Seq:
		return false, nil
	case h.Seq > self.pos.Seq:
		return false, fserrors.Corrupt("journal block %d has seq %d, expected %d", n, h.Seq, self.pos.Seq)
	}
	payload := self.block[layout.JournalHeaderSize : layout.JournalHeaderSize+int(h.PayloadLen)]
	self.stream = append(self.stream, payload...)
	self.pos.Seq++
	self.pos.Block = (self.pos.Block + 1) % self.region.Length
	return true, nil
}

// Recover scans the log from start, and hands every committed
// transaction with commit LSN above appliedLSN to replay in commit
// order. Transactions with no commit record are discarded. If the log
// ends in a torn block, the result is returned together with an error
// that classifies as ErrRecoveryTruncated; everything up to the last
// complete commit has still been replayed.
//
// The torn remainder stays in the log, so the caller must checkpoint
// the replayed state before the next recovery would scan across it.
func Recover(dev device.Device, region layout.Region, start Position, appliedLSN uint64,
	replay func(recs []*Record) error) (*RecoveryResult, error) {
	if start.NextLSN == 0 {
		start.NextLSN = 1
	}
	res := &RecoveryResult{LastLSN: start.NextLSN - 1}
	sc := &scanner{dev: dev, region: region, pos: start,
		block: make([]byte, dev.BlockSize())}
	open := make(map[uint64][]*Record)
	var scanErr error
	for i := uint64(0); i < region.Length; i++ {
		ok, err := sc.next()
		if err != nil {
			if fserrors.Is(err, fserrors.ErrIo) {
				return nil, err
			}
			scanErr = err
			break
		}
		if !ok {
			break
		}
		for {
			rec, n, err := DecodeRecord(sc.stream)
			if err != nil {
				scanErr = err
				break
			}
			if rec == nil {
				break
			}
			sc.stream = sc.stream[n:]
			if rec.LSN > res.LastLSN {
				res.LastLSN = rec.LSN
			}
			switch rec.Kind {
			case RecordBegin:
				open[rec.Txn] = nil
			case RecordCommit:
				recs, ok := open[rec.Txn]
				if !ok {
					// begin was before start; covered by
					// the checkpoint
					continue
				}
				delete(open, rec.Txn)
				if rec.LSN <= appliedLSN {
					res.Skipped++
					continue
				}
				if err := replay(recs); err != nil {
					return nil, errors.Wrapf(err, "replay of txn %d", rec.Txn)
				}
				res.Replayed++
			case RecordAbort:
				if _, ok := open[rec.Txn]; ok {
					delete(open, rec.Txn)
					res.Discarded++
				}
			case RecordCheckpoint:
			default:
				if _, ok := open[rec.Txn]; ok {
					open[rec.Txn] = append(open[rec.Txn], rec)
				}
			}
		}
		if scanErr != nil {
			break
		}
	}
	if scanErr == nil && len(sc.stream) > 0 {
		scanErr = fserrors.Corrupt("partial record (%d bytes) at end of journal", len(sc.stream))
	}
	res.Discarded += len(open)
	res.Head = sc.pos
	res.Head.NextLSN = res.LastLSN + 1

	// Blocks of an interrupted flush may have landed past the
	// end. They carry sequence numbers at or above the head, and
	// would be taken as valid once the sequence reaches them again.
	n, err := invalidate(sc, res.Head)
	if err != nil {
		return nil, err
	}
	res.Invalidated = n
	mlog.Printf2("journal/recover", "Recover from %+v: %+v", start, res)
	if scanErr != nil {
		res.Truncated = true
		return res, errors.Wrapf(fserrors.ErrRecoveryTruncated, "%v", scanErr)
	}
	return res, nil
}

func invalidate(sc *scanner, head Position) (int, error) {
	count := 0
	zero := make([]byte, sc.dev.BlockSize())
	for i := uint64(0); i < sc.region.Length; i++ {
		n := sc.region.Start + (head.Block+i)%sc.region.Length
		if err := sc.dev.ReadBlock(n, sc.block); err != nil {
			return 0, fserrors.Io(err, "journal block %d", n)
		}
		// torn blocks go too, whatever their sequence
		h, err := layout.DecodeJournalHeader(sc.block)
		if h == nil || (err == nil && h.Seq < head.Seq) {
			continue
		}
		if err := sc.dev.WriteBlock(n, zero); err != nil {
			return 0, fserrors.Io(err, "journal block %d", n)
		}
		count++
	}
	if count > 0 {
		if err := sc.dev.Sync(); err != nil {
			return 0, fserrors.Io(err, "journal sync")
		}
	}
	return count, nil
}
