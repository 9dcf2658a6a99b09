/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Oct 16 10:05:40 2018 mstenber
 * Last modified: Wed Oct 17 14:10:22 2018 mstenber
 * Edit time:     96 min
 *
 */

// layout contains the fixed on-disk formats: superblock, zone table,
// checkpoint slot header, inode record, extent record and journal
// block header. Everything is little-endian and checksummed with
// CRC32C.
package layout

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/google/uuid"
)

const (
	SuperblockMagic uint64 = 0x3153465f574f43 // "COW_FS1"
	SlotMagic       uint32 = 0x544c5343        // "CSLT"
	JournalMagic    uint32 = 0x4c4e524a        // "JRNL"
	Version         uint32 = 1

	// SuperblockBlock is where superblock lives
	SuperblockBlock = 0

	MinBlockSize = 512
	MaxZones     = 8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum is CRC32C of the concatenation of the given byte slices.
func Checksum(data ...[]byte) uint32 {
	var crc uint32
	for _, d := range data {
		crc = crc32.Update(crc, castagnoli, d)
	}
	return crc
}

type ZoneKind uint8

const (
	ZoneMetadata ZoneKind = iota + 1
	ZoneData
	ZoneLocality
)

func (self ZoneKind) String() string {
	switch self {
	case ZoneMetadata:
		return "metadata"
	case ZoneData:
		return "data"
	case ZoneLocality:
		return "locality"
	}
	return "unknown"
}

// Zone is contiguous range of blocks dedicated to one kind of use.
type Zone struct {
	Kind   ZoneKind
	Start  uint64
	Length uint64
}

func (self Zone) Contains(block uint64) bool {
	return block >= self.Start && block < self.Start+self.Length
}

// Region is contiguous range of blocks used for something else than
// allocation (journal, checkpoint slots).
type Region struct {
	Start  uint64
	Length uint64
}

type Superblock struct {
	Version     uint32
	BlockSize   uint32
	TotalBlocks uint64
	UUID        uuid.UUID
	Generation  uint64
	Zones       []Zone
	Journal     Region
	Slots       [2]Region
	ActiveSlot  uint8

	// Journal position where recovery starts scanning; everything
	// before it is covered by the checkpoint in the active slot.
	CheckpointLSN   uint64
	CheckpointSeq   uint64
	CheckpointBlock uint64

	NextTxnId uint64

	Compression uint8
	Encryption  uint8
	KeySalt     [16]byte
}

const superblockFixedSize = 8 + 4 + 4 + 8 + 16 + 8 + 1 + 8*2 + 8*4 + 1 + 8*4 + 1 + 1 + 16

// SuperblockSize is the encoded size including zone table and CRC.
const SuperblockSize = superblockFixedSize + MaxZones*(1+8+8) + 4

func (self *Superblock) Zone(kind ZoneKind) (Zone, bool) {
	for _, z := range self.Zones {
		if z.Kind == kind {
			return z, true
		}
	}
	return Zone{}, false
}

// Encode writes the superblock into b (a full block).
func (self *Superblock) Encode(b []byte) {
	if len(self.Zones) > MaxZones {
		panic("too many zones")
	}
	for i := range b {
		b[i] = 0
	}
	w := Writer{B: b}
	w.U64(SuperblockMagic)
	w.U32(self.Version)
	w.U32(self.BlockSize)
	w.U64(self.TotalBlocks)
	w.Bytes(self.UUID[:])
	w.U64(self.Generation)
	w.U8(uint8(len(self.Zones)))
	w.U64(self.Journal.Start)
	w.U64(self.Journal.Length)
	for _, s := range self.Slots {
		w.U64(s.Start)
		w.U64(s.Length)
	}
	w.U8(self.ActiveSlot)
	w.U64(self.CheckpointLSN)
	w.U64(self.CheckpointSeq)
	w.U64(self.CheckpointBlock)
	w.U64(self.NextTxnId)
	w.U8(self.Compression)
	w.U8(self.Encryption)
	w.Bytes(self.KeySalt[:])
	for i := 0; i < MaxZones; i++ {
		var z Zone
		if i < len(self.Zones) {
			z = self.Zones[i]
		}
		w.U8(uint8(z.Kind))
		w.U64(z.Start)
		w.U64(z.Length)
	}
	w.U32(Checksum(b[:w.Pos]))
}

// DecodeSuperblock parses a superblock; bad magic or checksum is
// ErrCorruptChecksum.
func DecodeSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fserrors.Corrupt("superblock too short (%d)", len(b))
	}
	r := Reader{B: b}
	if m := r.U64(); m != SuperblockMagic {
		return nil, fserrors.Corrupt("superblock magic %x", m)
	}
	crc := binary.LittleEndian.Uint32(b[SuperblockSize-4:])
	if got := Checksum(b[:SuperblockSize-4]); got != crc {
		return nil, fserrors.Corrupt("superblock checksum %x != %x", got, crc)
	}
	sb := &Superblock{}
	sb.Version = r.U32()
	sb.BlockSize = r.U32()
	sb.TotalBlocks = r.U64()
	copy(sb.UUID[:], r.Bytes(16))
	sb.Generation = r.U64()
	nzones := int(r.U8())
	sb.Journal.Start = r.U64()
	sb.Journal.Length = r.U64()
	for i := range sb.Slots {
		sb.Slots[i].Start = r.U64()
		sb.Slots[i].Length = r.U64()
	}
	sb.ActiveSlot = r.U8()
	sb.CheckpointLSN = r.U64()
	sb.CheckpointSeq = r.U64()
	sb.CheckpointBlock = r.U64()
	sb.NextTxnId = r.U64()
	sb.Compression = r.U8()
	sb.Encryption = r.U8()
	copy(sb.KeySalt[:], r.Bytes(16))
	if nzones > MaxZones || sb.ActiveSlot > 1 {
		return nil, fserrors.Corrupt("superblock zone count %d / slot %d", nzones, sb.ActiveSlot)
	}
	for i := 0; i < MaxZones; i++ {
		z := Zone{Kind: ZoneKind(r.U8()), Start: r.U64(), Length: r.U64()}
		if i < nzones {
			sb.Zones = append(sb.Zones, z)
		}
	}
	return sb, nil
}

// SlotHeader precedes the checkpoint payload in a checkpoint slot.
type SlotHeader struct {
	Generation uint64
	PayloadLen uint64
	PayloadCRC uint32
}

const SlotHeaderSize = 4 + 8 + 8 + 4 + 4

func (self *SlotHeader) Encode(b []byte) {
	w := Writer{B: b}
	w.U32(SlotMagic)
	w.U64(self.Generation)
	w.U64(self.PayloadLen)
	w.U32(self.PayloadCRC)
	w.U32(Checksum(b[:w.Pos]))
}

func DecodeSlotHeader(b []byte) (*SlotHeader, error) {
	r := Reader{B: b}
	if m := r.U32(); m != SlotMagic {
		return nil, fserrors.Corrupt("checkpoint slot magic %x", m)
	}
	h := &SlotHeader{Generation: r.U64(), PayloadLen: r.U64(), PayloadCRC: r.U32()}
	if crc := r.U32(); crc != Checksum(b[:r.Pos-4]) {
		return nil, fserrors.Corrupt("checkpoint slot header checksum")
	}
	return h, nil
}
