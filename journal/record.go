/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Oct 30 11:02:45 2018 mstenber
 * Last modified: Wed Oct 31 10:12:08 2018 mstenber
 * Edit time:     64 min
 *
 */

package journal

import (
	"fmt"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
)

type RecordKind uint8

const (
	RecordBegin RecordKind = iota + 1
	RecordAlloc
	RecordBlockWrite
	RecordIndexSet
	RecordIndexDelete
	RecordInodeSet
	RecordInodeCreate
	RecordInodeDelete
	RecordTruncate
	RecordSnapshotCreate
	RecordSnapshotDelete
	RecordSnapshotRollback
	RecordCommit
	RecordAbort
	RecordCheckpoint
	recordKindMax
)

var recordKindNames = []string{"", "begin", "alloc", "block-write",
	"index-set", "index-delete", "inode-set", "inode-create",
	"inode-delete", "truncate", "snapshot-create", "snapshot-delete",
	"snapshot-rollback", "commit", "abort", "checkpoint"}

func (self RecordKind) String() string {
	if self > 0 && self < recordKindMax {
		return recordKindNames[self]
	}
	return fmt.Sprintf("kind%d", uint8(self))
}

// Record is one redo record. Only the fields relevant to the kind are
// encoded:
//
//	Alloc            Zone, Ext
//	BlockWrite       Ext (block and flags), Data (stored form)
//	IndexSet         View, Ino, Offset, Ext, Fresh
//	IndexDelete      View, Ino, Offset, End
//	InodeSet         View, Ino, Inode
//	InodeCreate      View, Ino, Inode
//	InodeDelete      View, Ino
//	Truncate         View, Ino, End (new size in bytes)
//	SnapshotCreate   View (new id), Parent, Name, Writable, Time
//	SnapshotDelete   View
//	SnapshotRollback View (snapshot rolled back to)
//
// Begin, Commit, Abort and Checkpoint carry no payload.
type Record struct {
	Kind RecordKind
	Txn  uint64
	LSN  uint64

	Zone     layout.ZoneKind
	Ext      layout.Extent
	View     uint64
	Ino      uint64
	Offset   uint64
	End      uint64
	Fresh    bool
	Inode    layout.InodeRecord
	Data     []byte
	Parent   uint64
	Name     string
	Writable bool
	Time     int64
}

func (self *Record) String() string {
	return fmt.Sprintf("%v#%d@%d v%d i%d o%d %v", self.Kind, self.Txn, self.LSN,
		self.View, self.Ino, self.Offset, self.Ext)
}

// record framing: kind, txn, lsn, payload length, payload, and crc
// over all of them
const recordHeaderSize = 1 + 8 + 8 + 4
const recordTrailerSize = 4

// MaxNameLength bounds snapshot names in records.
const MaxNameLength = 255

func (self *Record) payloadSize() int {
	switch self.Kind {
	case RecordAlloc:
		return 1 + layout.ExtentRecordSize
	case RecordBlockWrite:
		return layout.ExtentRecordSize + 4 + len(self.Data)
	case RecordIndexSet:
		return 8 + 8 + 8 + layout.ExtentRecordSize + 1
	case RecordIndexDelete:
		return 8 + 8 + 8 + 8
	case RecordInodeSet, RecordInodeCreate:
		return 8 + 8 + layout.InodeRecordSize
	case RecordInodeDelete:
		return 8 + 8
	case RecordTruncate:
		return 8 + 8 + 8
	case RecordSnapshotCreate:
		return 8 + 8 + 1 + 8 + 1 + len(self.name())
	case RecordSnapshotDelete, RecordSnapshotRollback:
		return 8
	}
	return 0
}

// EncodedSize is the number of bytes the record takes in the log.
func (self *Record) EncodedSize() int {
	return recordHeaderSize + self.payloadSize() + recordTrailerSize
}

func (self *Record) name() string {
	if len(self.Name) > MaxNameLength {
		return self.Name[:MaxNameLength]
	}
	return self.Name
}

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

// Encode appends the encoded record to b.
func (self *Record) Encode(b []byte) []byte {
	size := self.EncodedSize()
	start := len(b)
	b = append(b, make([]byte, size)...)
	w := layout.Writer{B: b[start:]}
	w.U8(uint8(self.Kind))
	w.U64(self.Txn)
	w.U64(self.LSN)
	w.U32(uint32(self.payloadSize()))
	var tmp [layout.InodeRecordSize]byte
	switch self.Kind {
	case RecordAlloc:
		w.U8(uint8(self.Zone))
		w.Bytes(self.Ext.Encode(tmp[:]))
	case RecordBlockWrite:
		w.Bytes(self.Ext.Encode(tmp[:]))
		w.U32(uint32(len(self.Data)))
		w.Bytes(self.Data)
	case RecordIndexSet:
		w.U64(self.View)
		w.U64(self.Ino)
		w.U64(self.Offset)
		w.Bytes(self.Ext.Encode(tmp[:]))
		w.U8(boolByte(self.Fresh))
	case RecordIndexDelete:
		w.U64(self.View)
		w.U64(self.Ino)
		w.U64(self.Offset)
		w.U64(self.End)
	case RecordInodeSet, RecordInodeCreate:
		w.U64(self.View)
		w.U64(self.Ino)
		w.Bytes(self.Inode.Encode(tmp[:]))
	case RecordInodeDelete:
		w.U64(self.View)
		w.U64(self.Ino)
	case RecordTruncate:
		w.U64(self.View)
		w.U64(self.Ino)
		w.U64(self.End)
	case RecordSnapshotCreate:
		w.U64(self.View)
		w.U64(self.Parent)
		w.U8(boolByte(self.Writable))
		w.U64(uint64(self.Time))
		w.U8(uint8(len(self.name())))
		w.Bytes([]byte(self.name()))
	case RecordSnapshotDelete, RecordSnapshotRollback:
		w.U64(self.View)
	}
	crc := layout.Checksum(w.B[:w.Pos])
	w.U32(crc)
	return b
}

// DecodeRecord parses one record from the start of b. If b does not
// contain a complete record, (nil, 0, nil) is returned.
func DecodeRecord(b []byte) (*Record, int, error) {
	if len(b) < recordHeaderSize {
		return nil, 0, nil
	}
	r := layout.Reader{B: b}
	rec := &Record{Kind: RecordKind(r.U8()), Txn: r.U64(), LSN: r.U64()}
	plen := int(r.U32())
	size := recordHeaderSize + plen + recordTrailerSize
	if plen > len(b) {
		return nil, 0, fserrors.Corrupt("record length %d", plen)
	}
	if len(b) < size {
		return nil, 0, nil
	}
	payload := b[recordHeaderSize : recordHeaderSize+plen]
	crc := layout.Reader{B: b[size-recordTrailerSize:]}
	if layout.Checksum(b[:size-recordTrailerSize]) != crc.U32() {
		return nil, 0, fserrors.Corrupt("record lsn %d checksum", rec.LSN)
	}
	if rec.Kind == 0 || rec.Kind >= recordKindMax {
		return nil, 0, fserrors.Corrupt("record lsn %d kind %v", rec.LSN, rec.Kind)
	}
	r = layout.Reader{B: payload}
	switch rec.Kind {
	case RecordAlloc:
		rec.Zone = layout.ZoneKind(r.U8())
		rec.Ext = layout.DecodeExtent(r.Bytes(layout.ExtentRecordSize))
	case RecordBlockWrite:
		rec.Ext = layout.DecodeExtent(r.Bytes(layout.ExtentRecordSize))
		n := int(r.U32())
		rec.Data = append([]byte(nil), r.Bytes(n)...)
	case RecordIndexSet:
		rec.View = r.U64()
		rec.Ino = r.U64()
		rec.Offset = r.U64()
		rec.Ext = layout.DecodeExtent(r.Bytes(layout.ExtentRecordSize))
		rec.Fresh = r.U8() != 0
	case RecordIndexDelete:
		rec.View = r.U64()
		rec.Ino = r.U64()
		rec.Offset = r.U64()
		rec.End = r.U64()
	case RecordInodeSet, RecordInodeCreate:
		rec.View = r.U64()
		rec.Ino = r.U64()
		rec.Inode = layout.DecodeInodeRecord(r.Bytes(layout.InodeRecordSize))
	case RecordInodeDelete:
		rec.View = r.U64()
		rec.Ino = r.U64()
	case RecordTruncate:
		rec.View = r.U64()
		rec.Ino = r.U64()
		rec.End = r.U64()
	case RecordSnapshotCreate:
		rec.View = r.U64()
		rec.Parent = r.U64()
		rec.Writable = r.U8() != 0
		rec.Time = int64(r.U64())
		rec.Name = string(r.Bytes(int(r.U8())))
	case RecordSnapshotDelete, RecordSnapshotRollback:
		rec.View = r.U64()
	}
	if r.Short || r.Remaining() != 0 {
		return nil, 0, fserrors.Corrupt("record lsn %d payload", rec.LSN)
	}
	return rec, size, nil
}
