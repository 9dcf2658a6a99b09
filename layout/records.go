/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Oct 16 11:30:02 2018 mstenber
 * Last modified: Wed Oct 17 14:02:50 2018 mstenber
 * Edit time:     54 min
 *
 */

package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/fingon/go-cowfs/fserrors"
)

type InodeType uint8

const (
	InodeFile InodeType = iota + 1
	InodeDirectory
	InodeSymlink
)

func (self InodeType) String() string {
	switch self {
	case InodeFile:
		return "file"
	case InodeDirectory:
		return "dir"
	case InodeSymlink:
		return "symlink"
	}
	return fmt.Sprintf("type%d", uint8(self))
}

// InodeRecord is the per-inode metadata stored inline in the inode
// table. Root is the root node of the inode's offset index (0 =
// empty).
type InodeRecord struct {
	Type  InodeType
	Nlink uint32
	Size  uint64
	Root  uint64
	Mtime int64
	Ctime int64
}

const InodeRecordSize = 1 + 3 + 4 + 8 + 8 + 8 + 8

func (self *InodeRecord) Encode(b []byte) []byte {
	w := Writer{B: b}
	w.U8(uint8(self.Type))
	w.Pad(3)
	w.U32(self.Nlink)
	w.U64(self.Size)
	w.U64(self.Root)
	w.U64(uint64(self.Mtime))
	w.U64(uint64(self.Ctime))
	return b[:w.Pos]
}

func DecodeInodeRecord(b []byte) (rec InodeRecord) {
	r := Reader{B: b}
	rec.Type = InodeType(r.U8())
	r.Bytes(3)
	rec.Nlink = r.U32()
	rec.Size = r.U64()
	rec.Root = r.U64()
	rec.Mtime = int64(r.U64())
	rec.Ctime = int64(r.U64())
	return
}

type ExtentFlags uint16

const (
	// ExtentCompressed marks blocks whose stored form is compressed
	ExtentCompressed ExtentFlags = 1 << iota
	// ExtentEncrypted marks blocks whose stored form is encrypted
	ExtentEncrypted
)

// Extent is contiguous run of blocks mapped from consecutive file
// blocks. Reference counts of the blocks live in the allocator.
type Extent struct {
	Start  uint64
	Length uint32
	Flags  ExtentFlags
}

const ExtentRecordSize = 8 + 4 + 2 + 2

func (self Extent) String() string {
	return fmt.Sprintf("[%d+%d f%x]", self.Start, self.Length, uint16(self.Flags))
}

func (self Extent) End() uint64 {
	return self.Start + uint64(self.Length)
}

func (self Extent) IsZero() bool {
	return self.Length == 0
}

func (self Extent) Encode(b []byte) []byte {
	w := Writer{B: b}
	w.U64(self.Start)
	w.U32(self.Length)
	w.U16(uint16(self.Flags))
	w.Pad(2)
	return b[:w.Pos]
}

func DecodeExtent(b []byte) (ext Extent) {
	r := Reader{B: b}
	ext.Start = r.U64()
	ext.Length = r.U32()
	ext.Flags = ExtentFlags(r.U16())
	return
}

// JournalHeader starts every journal block.
type JournalHeader struct {
	Seq         uint64
	LSN         uint64 // of the first record starting in this block
	RecordCount uint32
	PayloadLen  uint32
}

const JournalHeaderSize = 4 + 8 + 8 + 4 + 4 + 4

// EncodeJournalBlock writes header and checksum over header and
// payload into b; payload must already be at b[JournalHeaderSize:].
func (self *JournalHeader) Encode(b []byte) {
	w := Writer{B: b}
	w.U32(JournalMagic)
	w.U64(self.Seq)
	w.U64(self.LSN)
	w.U32(self.RecordCount)
	w.U32(self.PayloadLen)
	crc := Checksum(b[:w.Pos], b[JournalHeaderSize:JournalHeaderSize+int(self.PayloadLen)])
	w.U32(crc)
}

// DecodeJournalHeader returns the header of a journal block. A block
// without the magic yields (nil, nil) (never written); bad checksum
// is ErrCorruptChecksum but the header is returned too so that the
// caller can tell torn blocks of the expected sequence from stale
// ones.
func DecodeJournalHeader(b []byte) (*JournalHeader, error) {
	r := Reader{B: b}
	if r.U32() != JournalMagic {
		return nil, nil
	}
	h := &JournalHeader{Seq: r.U64(), LSN: r.U64(), RecordCount: r.U32(), PayloadLen: r.U32()}
	crc := r.U32()
	if int(h.PayloadLen) > len(b)-JournalHeaderSize {
		return h, fserrors.Corrupt("journal block seq %d payload length %d", h.Seq, h.PayloadLen)
	}
	if got := Checksum(b[:JournalHeaderSize-4], b[JournalHeaderSize:JournalHeaderSize+int(h.PayloadLen)]); got != crc {
		return h, fserrors.Corrupt("journal block seq %d checksum", h.Seq)
	}
	return h, nil
}

// Writer appends little-endian fields into a preallocated buffer.
type Writer struct {
	B   []byte
	Pos int
}

func (self *Writer) U8(v uint8) {
	self.B[self.Pos] = v
	self.Pos++
}

func (self *Writer) U16(v uint16) {
	binary.LittleEndian.PutUint16(self.B[self.Pos:], v)
	self.Pos += 2
}

func (self *Writer) U32(v uint32) {
	binary.LittleEndian.PutUint32(self.B[self.Pos:], v)
	self.Pos += 4
}

func (self *Writer) U64(v uint64) {
	binary.LittleEndian.PutUint64(self.B[self.Pos:], v)
	self.Pos += 8
}

func (self *Writer) Bytes(v []byte) {
	self.Pos += copy(self.B[self.Pos:], v)
}

func (self *Writer) Pad(n int) {
	for i := 0; i < n; i++ {
		self.B[self.Pos+i] = 0
	}
	self.Pos += n
}

// Reader is the counterpart of Writer. Reading past the end sets
// Short and returns zero values instead of panicing, so untrusted
// input can be decoded first and validated once.
type Reader struct {
	B     []byte
	Pos   int
	Short bool
}

func (self *Reader) take(n int) []byte {
	if self.Short || self.Pos+n > len(self.B) {
		self.Short = true
		return make([]byte, n)
	}
	v := self.B[self.Pos : self.Pos+n]
	self.Pos += n
	return v
}

func (self *Reader) U8() uint8 {
	return self.take(1)[0]
}

func (self *Reader) U16() uint16 {
	return binary.LittleEndian.Uint16(self.take(2))
}

func (self *Reader) U32() uint32 {
	return binary.LittleEndian.Uint32(self.take(4))
}

func (self *Reader) U64() uint64 {
	return binary.LittleEndian.Uint64(self.take(8))
}

func (self *Reader) Bytes(n int) []byte {
	return self.take(n)
}

func (self *Reader) Remaining() int {
	return len(self.B) - self.Pos
}
