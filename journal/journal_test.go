/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Oct 31 14:30:12 2018 mstenber
 * Last modified: Wed Oct 31 16:02:44 2018 mstenber
 * Edit time:     71 min
 *
 */

package journal

import (
	"testing"
	"time"

	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/util"
	"github.com/stvp/assert"
)

const testBlockSize = 512

var testRegion = layout.Region{Start: 10, Length: 16}

func newTestLog(length uint64) (*device.InMemory, *Log, *Manager) {
	dev := device.NewInMemory(testBlockSize, 100)
	region := testRegion
	region.Length = length
	start := Position{Seq: 1}
	log := Log{}.Init(dev, region, start, start)
	return dev, log, Manager{}.Init(log, 1)
}

func inodeRecord(ino uint64) *Record {
	return &Record{Kind: RecordInodeSet, View: 2, Ino: ino,
		Inode: layout.InodeRecord{Type: layout.InodeFile, Nlink: 1, Size: ino * 10}}
}

func commit(t *testing.T, mgr *Manager, recs ...*Record) *Txn {
	txn := mgr.Begin()
	for _, r := range recs {
		txn.Add(r)
	}
	assert.Nil(t, txn.Commit())
	assert.Equal(t, txn.State(), TxnCommitted)
	return txn
}

type replayed struct {
	txns []uint64
	recs []*Record
}

func (self *replayed) replay(recs []*Record) error {
	if len(recs) > 0 {
		self.txns = append(self.txns, recs[0].Txn)
	}
	self.recs = append(self.recs, recs...)
	return nil
}

func TestRecordEncoding(t *testing.T) {
	t.Parallel()
	recs := []*Record{
		{Kind: RecordAlloc, Zone: layout.ZoneData, Ext: layout.Extent{Start: 42, Length: 3}},
		{Kind: RecordBlockWrite, Ext: layout.Extent{Start: 7, Length: 1, Flags: layout.ExtentCompressed}, Data: []byte("hello")},
		{Kind: RecordIndexSet, View: 2, Ino: 3, Offset: 4, Ext: layout.Extent{Start: 5, Length: 6}, Fresh: true},
		{Kind: RecordIndexDelete, View: 2, Ino: 3, Offset: 4, End: 9},
		inodeRecord(17),
		{Kind: RecordSnapshotCreate, View: 3, Parent: 2, Name: "daily", Writable: true, Time: 1540000000},
		{Kind: RecordCommit},
	}
	var b []byte
	for i, r := range recs {
		r.Txn = 5
		r.LSN = uint64(i + 1)
		b = r.Encode(b)
	}
	for _, r := range recs {
		got, n, err := DecodeRecord(b)
		assert.Nil(t, err)
		assert.Equal(t, n, r.EncodedSize())
		assert.Equal(t, got.String(), r.String())
		assert.Equal(t, got.Inode, r.Inode)
		assert.Equal(t, got.Name, r.Name)
		assert.Equal(t, string(got.Data), string(r.Data))
		assert.Equal(t, got.Fresh, r.Fresh)
		b = b[n:]
	}
	assert.Equal(t, len(b), 0)

	// incomplete record is not an error, bit flip is
	b = recs[1].Encode(nil)
	got, n, err := DecodeRecord(b[:len(b)-1])
	assert.Nil(t, err)
	assert.True(t, got == nil)
	assert.Equal(t, n, 0)
	b[recordHeaderSize+2] ^= 1
	_, _, err = DecodeRecord(b)
	assert.True(t, fserrors.Is(err, fserrors.ErrCorruptChecksum))

	// overlong names are cut
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	r := &Record{Kind: RecordSnapshotCreate, Name: string(long)}
	got, _, err = DecodeRecord(r.Encode(nil))
	assert.Nil(t, err)
	assert.Equal(t, len(got.Name), MaxNameLength)
}

func TestCommitRecover(t *testing.T) {
	t.Parallel()
	dev, log, mgr := newTestLog(16)
	t1 := commit(t, mgr, inodeRecord(1), inodeRecord(2))
	t2 := commit(t, mgr, inodeRecord(3))
	t3 := commit(t, mgr, &Record{Kind: RecordSnapshotDelete, View: 4})
	assert.True(t, t1.CommitLSN < t2.CommitLSN)
	assert.True(t, mgr.IsCommitted(t2.Id))

	// aborted transactions never reach the log
	t4 := mgr.Begin()
	t4.Add(inodeRecord(4))
	assert.Nil(t, t4.Abort())
	assert.True(t, !mgr.IsCommitted(t4.Id))
	assert.True(t, fserrors.Is(t4.Commit(), fserrors.ErrTxnState))

	// begun but never committed
	lsn, err := log.Append(&Record{Kind: RecordBegin, Txn: 99}, inodeRecord(5))
	assert.Nil(t, err)
	assert.Nil(t, log.Sync(lsn))
	assert.Equal(t, log.Synced(), lsn)
	mark := log.Mark()
	dev.Crash()

	var rp replayed
	start := Position{Seq: 1}
	res, err := Recover(dev, testRegion, start, 0, rp.replay)
	assert.Nil(t, err)
	assert.Equal(t, rp.txns, []uint64{t1.Id, t2.Id, t3.Id})
	assert.Equal(t, len(rp.recs), 4)
	assert.Equal(t, rp.recs[2].Ino, uint64(3))
	assert.Equal(t, rp.recs[3].Kind, RecordSnapshotDelete)
	assert.Equal(t, res.Replayed, 3)
	assert.Equal(t, res.Discarded, 1)
	assert.Equal(t, res.Head, mark)
	assert.Equal(t, res.LastLSN, lsn)
	assert.True(t, !res.Truncated)

	// already applied transactions are skipped
	rp = replayed{}
	res, err = Recover(dev, testRegion, start, t2.CommitLSN, rp.replay)
	assert.Nil(t, err)
	assert.Equal(t, rp.txns, []uint64{t3.Id})
	assert.Equal(t, res.Skipped, 2)

	assert.Equal(t, mgr.LowWater(), mgr.NextId())
	assert.Equal(t, mgr.MarkCheckpointed(), 3)
	assert.True(t, mgr.IsCommitted(t1.Id))
}

func TestLogFullAndWrap(t *testing.T) {
	t.Parallel()
	dev, log, mgr := newTestLog(8)
	region := testRegion
	region.Length = 8
	data := make([]byte, 400)
	// each transaction takes two blocks
	big := func() *Record {
		return &Record{Kind: RecordBlockWrite, Ext: layout.Extent{Start: 1, Length: 1}, Data: data}
	}
	for i := 0; i < 3; i++ {
		commit(t, mgr, big())
	}
	assert.Equal(t, log.Usage(), 0.75)

	txn := mgr.Begin()
	txn.Add(big())
	err := txn.Commit()
	assert.True(t, fserrors.Is(err, fserrors.ErrOutOfSpace))
	assert.Equal(t, txn.State(), TxnAborted)
	assert.Nil(t, log.Failed())

	mark := log.Mark()
	log.Reclaim(mark)
	assert.Equal(t, log.Usage(), 0.0)
	assert.Equal(t, log.PeakUsage(), 0.75)
	var ids []uint64
	for i := 0; i < 3; i++ {
		ids = append(ids, commit(t, mgr, big()).Id)
	}
	assert.Equal(t, log.Usage(), 0.75)

	var rp replayed
	res, err := Recover(dev, region, mark, 0, rp.replay)
	assert.Nil(t, err)
	assert.Equal(t, rp.txns, ids)
	assert.Equal(t, res.Head.Block, uint64(4))
	assert.Equal(t, res.Invalidated, 0)
}

func TestGroupCommit(t *testing.T) {
	t.Parallel()
	dev, _, mgr := newTestLog(64)
	var wg util.SimpleWaitGroup
	for i := 0; i < 20; i++ {
		ino := uint64(i + 1)
		wg.Go(func() {
			txn := mgr.Begin()
			txn.Add(inodeRecord(ino))
			assert.Nil(t, txn.Commit())
		})
	}
	wg.Wait()
	assert.Equal(t, mgr.Commits.GetInt(), 20)
	assert.True(t, dev.Syncs.GetInt() <= 20)

	var rp replayed
	region := testRegion
	region.Length = 64
	res, err := Recover(dev, region, Position{Seq: 1}, 0, rp.replay)
	assert.Nil(t, err)
	assert.Equal(t, res.Replayed, 20)
	seen := map[uint64]bool{}
	for _, r := range rp.recs {
		seen[r.Ino] = true
	}
	assert.Equal(t, len(seen), 20)
}

func TestRecoverTornTail(t *testing.T) {
	t.Parallel()
	start := Position{Seq: 1}
	for _, torn := range []int{0, 100} {
		dev, log, mgr := newTestLog(16)
		ta := commit(t, mgr, inodeRecord(1))

		// second transaction spans two blocks; the sync never
		// happens and only the first block (and perhaps part of
		// the second) reaches the media
		dev.FailAfter(2)
		tb := mgr.Begin()
		tb.Add(&Record{Kind: RecordBlockWrite, Ext: layout.Extent{Start: 1, Length: 1}, Data: make([]byte, 600)})
		err := tb.Commit()
		assert.True(t, fserrors.Is(err, fserrors.ErrIo))
		assert.Equal(t, tb.State(), TxnCommitting)
		assert.True(t, fserrors.Is(log.Failed(), fserrors.ErrIo))
		assert.True(t, fserrors.Is(mgr.Begin().Commit(), fserrors.ErrIo))
		dev.CrashPartial(1, torn)

		var rp replayed
		res, err := Recover(dev, testRegion, start, 0, rp.replay)
		assert.True(t, fserrors.Is(err, fserrors.ErrRecoveryTruncated))
		assert.True(t, res.Truncated)
		assert.Equal(t, rp.txns, []uint64{ta.Id})
		assert.Equal(t, res.Discarded, 1)
		assert.Equal(t, res.Head.Block, uint64(2))
		if torn > 0 {
			// the torn block carries the head sequence
			assert.Equal(t, res.Invalidated, 1)
		}
	}
}

func TestRecoverInvalidatesStaleBlocks(t *testing.T) {
	t.Parallel()
	dev, _, mgr := newTestLog(16)
	ta := commit(t, mgr, inodeRecord(1))
	// three block transaction whose middle block is lost
	commit(t, mgr, &Record{Kind: RecordBlockWrite, Ext: layout.Extent{Start: 1, Length: 1}, Data: make([]byte, 1000)})
	assert.Nil(t, dev.WriteBlock(testRegion.Start+2, make([]byte, testBlockSize)))
	assert.Nil(t, dev.Sync())

	var rp replayed
	res, err := Recover(dev, testRegion, Position{Seq: 1}, 0, rp.replay)
	assert.True(t, fserrors.Is(err, fserrors.ErrRecoveryTruncated))
	assert.Equal(t, rp.txns, []uint64{ta.Id})
	assert.Equal(t, res.Invalidated, 1)
	assert.Equal(t, res.Head, Position{Seq: 3, Block: 2, NextLSN: res.LastLSN + 1})

	// appending continues at the head; the block past it no
	// longer looks like part of the log
	log := Log{}.Init(dev, testRegion, res.Head, res.Head)
	mgr = Manager{}.Init(log, 10)
	tc := commit(t, mgr, inodeRecord(2))
	assert.True(t, tc.CommitLSN > res.LastLSN)

	rp = replayed{}
	res2, err := Recover(dev, testRegion, res.Head, 0, rp.replay)
	assert.Nil(t, err)
	assert.Equal(t, rp.txns, []uint64{tc.Id})
	assert.Equal(t, res2.Head.Seq, uint64(4))
}

func TestRecoverBadBlockSeq(t *testing.T) {
	t.Parallel()
	garble := func(b []byte) {
		// torn write that also hit the sequence number
		for i := 4; i < 12; i++ {
			b[i] ^= 0x5a
		}
	}
	ahead := func(b []byte) {
		// intact block from a sequence the log never reached
		h, err := layout.DecodeJournalHeader(b)
		if err == nil {
			h.Seq += 5
			h.Encode(b)
		}
	}
	for _, damage := range []func([]byte){garble, ahead} {
		dev, _, mgr := newTestLog(16)
		ta := commit(t, mgr, inodeRecord(1))
		// second transaction spans blocks 1 and 2
		commit(t, mgr, &Record{Kind: RecordBlockWrite, Ext: layout.Extent{Start: 1, Length: 1}, Data: make([]byte, 600)})
		b := make([]byte, testBlockSize)
		n := testRegion.Start + 2
		assert.Nil(t, dev.ReadBlock(n, b))
		damage(b)
		assert.Nil(t, dev.WriteBlock(n, b))
		assert.Nil(t, dev.Sync())

		var rp replayed
		res, err := Recover(dev, testRegion, Position{Seq: 1}, 0, rp.replay)
		assert.True(t, fserrors.Is(err, fserrors.ErrRecoveryTruncated), err)
		assert.True(t, res.Truncated)
		assert.Equal(t, rp.txns, []uint64{ta.Id})
		assert.Equal(t, res.Discarded, 1)
		assert.Equal(t, res.Head.Block, uint64(2))
		// the damaged block is cleared, so the next scan ends cleanly
		assert.Equal(t, res.Invalidated, 1)
		res, err = Recover(dev, testRegion, res.Head, 0, rp.replay)
		assert.Nil(t, err)
		assert.True(t, !res.Truncated)
	}
}

func TestCheckpointer(t *testing.T) {
	t.Parallel()
	_, log, mgr := newTestLog(16)
	var runs util.AtomicInt
	cp := Checkpointer{Threshold: 0.1}.Init(log, func() error {
		mark := log.Mark()
		log.Reclaim(mark)
		runs.Add(1)
		return nil
	})
	defer cp.Close()

	wait := func(n int) {
		for i := 0; i < 1000 && runs.GetInt() < n; i++ {
			time.Sleep(time.Millisecond)
		}
		assert.Equal(t, runs.GetInt(), n)
	}
	cp.Trigger()
	wait(1)

	// two blocks of 16 is above threshold
	commit(t, mgr, inodeRecord(1))
	commit(t, mgr, inodeRecord(2))
	cp.Poke()
	wait(2)
	assert.Equal(t, log.Usage(), 0.0)
	assert.Nil(t, cp.LastError())
}
