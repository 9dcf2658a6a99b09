/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Nov  6 11:20:45 2018 mstenber
 * Last modified: Wed Nov  7 10:12:31 2018 mstenber
 * Edit time:     74 min
 *
 */

package fs

import (
	"encoding/binary"
	"time"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
	"go.uber.org/zap"
)

// checkpointState is the payload of a checkpoint slot.
type checkpointState struct {
	Generation uint64 `codec:"g"`
	AppliedLSN uint64 `codec:"l"`
	Time       int64  `codec:"t"`
	Allocator  []byte `codec:"a"`
	Catalog    []byte `codec:"c"`
}

var mh codec.MsgpackHandle

// slotAD binds slot payload to this filesystem and generation.
func (self *Fs) slotAD(generation uint64) []byte {
	ad := make([]byte, 16+8)
	copy(ad, self.sb.UUID[:])
	binary.LittleEndian.PutUint64(ad[16:], generation)
	return ad
}

func (self *Fs) writeSlot(slot uint8, st *checkpointState) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &mh).Encode(st); err != nil {
		return err
	}
	payload, err := self.slotCodec.EncodeBytes(buf, self.slotAD(st.Generation))
	if err != nil {
		return err
	}
	bs := uint64(self.dev.BlockSize())
	region := self.sb.Slots[slot]
	total := uint64(layout.SlotHeaderSize + len(payload))
	if total > region.Length*bs {
		return errors.Wrapf(fserrors.ErrOutOfSpace,
			"checkpoint of %d bytes does not fit slot of %d blocks", total, region.Length)
	}
	data := make([]byte, total)
	h := layout.SlotHeader{Generation: st.Generation, PayloadLen: uint64(len(payload)),
		PayloadCRC: layout.Checksum(payload)}
	h.Encode(data)
	copy(data[layout.SlotHeaderSize:], payload)
	b := make([]byte, bs)
	for i := uint64(0); i*bs < total; i++ {
		n := copy(b, data[i*bs:])
		for j := n; j < len(b); j++ {
			b[j] = 0
		}
		if err := self.dev.WriteBlock(region.Start+i, b); err != nil {
			return fserrors.Io(err, "checkpoint slot %d", slot)
		}
	}
	return nil
}

func (self *Fs) readSlot(slot uint8) (*checkpointState, error) {
	bs := uint64(self.dev.BlockSize())
	region := self.sb.Slots[slot%2]
	b := make([]byte, bs)
	if err := self.dev.ReadBlock(region.Start, b); err != nil {
		return nil, fserrors.Io(err, "checkpoint slot %d", slot)
	}
	h, err := layout.DecodeSlotHeader(b)
	if err != nil {
		return nil, err
	}
	if h.Generation != self.sb.Generation {
		return nil, fserrors.Corrupt("checkpoint slot %d generation %d, superblock %d",
			slot, h.Generation, self.sb.Generation)
	}
	total := uint64(layout.SlotHeaderSize) + h.PayloadLen
	if total > region.Length*bs {
		return nil, fserrors.Corrupt("checkpoint slot %d payload length %d", slot, h.PayloadLen)
	}
	data := make([]byte, 0, region.Length*bs)
	data = append(data, b...)
	for i := uint64(1); i*bs < total; i++ {
		if err := self.dev.ReadBlock(region.Start+i, b); err != nil {
			return nil, fserrors.Io(err, "checkpoint slot %d", slot)
		}
		data = append(data, b...)
	}
	payload := data[layout.SlotHeaderSize:total]
	if layout.Checksum(payload) != h.PayloadCRC {
		return nil, fserrors.Corrupt("checkpoint slot %d payload checksum", slot)
	}
	buf, err := self.slotCodec.DecodeBytes(payload, self.slotAD(h.Generation))
	if err != nil {
		return nil, fserrors.Corrupt("checkpoint slot %d: %v", slot, err)
	}
	var st checkpointState
	if err = codec.NewDecoderBytes(buf, &mh).Decode(&st); err != nil {
		return nil, fserrors.Corrupt("checkpoint slot %d: %v", slot, err)
	}
	if st.Generation != h.Generation {
		return nil, fserrors.Corrupt("checkpoint slot %d state generation %d", slot, st.Generation)
	}
	return &st, nil
}

// Checkpoint makes the current state the recovery starting point, and
// reclaims the journal and the blocks freed since the previous one.
func (self *Fs) Checkpoint() error {
	defer self.opLock.Locked()()
	return self.checkpoint("explicit")
}

// checkpoint must be called with opLock held exclusively (or before
// the instance is shared).
func (self *Fs) checkpoint(reason string) error {
	if err := self.usable(); err != nil {
		return err
	}
	if err := self.wal.Failed(); err != nil {
		return self.fail(err)
	}
	started := time.Now()
	nodes, err := self.store.Flush()
	if err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	blocks, err := self.buffers.Flush()
	if err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	catalog, err := self.snapshots.Encode()
	if err != nil {
		return err
	}
	mark := self.wal.Mark()
	generation := self.sb.Generation + 1
	slot := 1 - self.sb.ActiveSlot
	st := &checkpointState{Generation: generation, AppliedLSN: mark.NextLSN - 1,
		Time: now(), Allocator: self.alloc.Encode(), Catalog: catalog}
	if err = self.writeSlot(slot, st); err != nil {
		return err
	}
	if err = self.dev.Sync(); err != nil {
		return fserrors.Io(err, "checkpoint sync")
	}
	// everything before mark is in the slot; the checkpoint record
	// itself goes to mark, so a full journal does not stop us
	self.wal.Reclaim(mark)
	lsn, err := self.wal.Append(&journal.Record{Kind: journal.RecordCheckpoint, Time: st.Time})
	if err == nil {
		err = self.wal.Sync(lsn)
	}
	if err != nil {
		// the slot is not active yet; the previous checkpoint and
		// the journal still describe the state
		return self.fail(err)
	}

	sb := self.sb
	sb.Generation = generation
	sb.ActiveSlot = slot
	sb.CheckpointSeq = mark.Seq
	sb.CheckpointBlock = mark.Block
	sb.CheckpointLSN = st.AppliedLSN
	sb.NextTxnId = self.txns.NextId()
	b := make([]byte, self.dev.BlockSize())
	sb.Encode(b)
	if err = self.dev.WriteBlock(layout.SuperblockBlock, b); err == nil {
		err = self.dev.Sync()
	}
	if err != nil {
		// superblock may or may not have been written; either
		// way the on-disk state is consistent, but ours is not
		// known
		return self.fail(fserrors.Io(err, "superblock"))
	}
	self.sb = sb

	freed := self.alloc.ReleaseDeferred()
	self.store.Forget(freed)
	for _, n := range freed {
		self.buffers.Invalidate(n)
	}
	txns := self.txns.MarkCheckpointed()
	self.Checkpoints.Add(1)
	mlog.Printf2("fs/checkpoint", "checkpoint %s gen %d: %d nodes %d blocks, %d freed",
		reason, generation, nodes, blocks, len(freed))
	self.Logger.Debug("checkpoint",
		zap.String("reason", reason),
		zap.Uint64("generation", generation),
		zap.Uint8("slot", slot),
		zap.Int("nodes", nodes),
		zap.Int("blocks", blocks),
		zap.Int("freed", len(freed)),
		zap.Int("txns", txns),
		zap.Duration("took", time.Since(started)))
	return nil
}
