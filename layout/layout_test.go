/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Oct 17 14:12:31 2018 mstenber
 * Last modified: Wed Oct 17 14:40:09 2018 mstenber
 * Edit time:     22 min
 *
 */

package layout

import (
	"testing"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/google/uuid"
	"github.com/stvp/assert"
)

func testSuperblock() *Superblock {
	return &Superblock{
		Version:     Version,
		BlockSize:   4096,
		TotalBlocks: 1000,
		UUID:        uuid.New(),
		Generation:  3,
		Zones: []Zone{{ZoneMetadata, 10, 100},
			{ZoneData, 110, 800},
			{ZoneLocality, 910, 90}},
		Journal:       Region{1, 5},
		Slots:         [2]Region{{6, 2}, {8, 2}},
		ActiveSlot:    1,
		CheckpointLSN: 42,
		CheckpointSeq: 7,
		NextTxnId:     9,
		Compression:   2,
	}
}

func TestSuperblock(t *testing.T) {
	t.Parallel()
	sb := testSuperblock()
	b := make([]byte, 4096)
	sb.Encode(b)
	sb2, err := DecodeSuperblock(b)
	assert.Nil(t, err)
	assert.Equal(t, sb2, sb)
	z, ok := sb2.Zone(ZoneData)
	assert.True(t, ok)
	assert.True(t, z.Contains(110))
	assert.True(t, !z.Contains(910))

	t.Run("corrupt", func(t *testing.T) {
		b[20] ^= 1
		_, err := DecodeSuperblock(b)
		assert.True(t, fserrors.Is(err, fserrors.ErrCorruptChecksum))
	})
	t.Run("magic", func(t *testing.T) {
		_, err := DecodeSuperblock(make([]byte, 4096))
		assert.True(t, fserrors.Is(err, fserrors.ErrCorruptChecksum))
	})
}

func TestSlotHeader(t *testing.T) {
	t.Parallel()
	h := SlotHeader{Generation: 5, PayloadLen: 1234, PayloadCRC: Checksum([]byte("x"))}
	b := make([]byte, SlotHeaderSize)
	h.Encode(b)
	h2, err := DecodeSlotHeader(b)
	assert.Nil(t, err)
	assert.Equal(t, *h2, h)
	b[5] ^= 0x80
	_, err = DecodeSlotHeader(b)
	assert.True(t, fserrors.Is(err, fserrors.ErrCorruptChecksum))
}

func TestRecords(t *testing.T) {
	t.Parallel()
	rec := InodeRecord{Type: InodeFile, Nlink: 1, Size: 12345, Root: 77, Mtime: -1, Ctime: 99}
	b := rec.Encode(make([]byte, InodeRecordSize))
	assert.Equal(t, len(b), InodeRecordSize)
	assert.Equal(t, DecodeInodeRecord(b), rec)

	ext := Extent{Start: 1 << 40, Length: 4, Flags: ExtentCompressed}
	b = ext.Encode(make([]byte, ExtentRecordSize))
	assert.Equal(t, len(b), ExtentRecordSize)
	assert.Equal(t, DecodeExtent(b), ext)
	assert.Equal(t, ext.End(), uint64(1<<40+4))
}

func TestJournalHeader(t *testing.T) {
	t.Parallel()
	b := make([]byte, 512)
	copy(b[JournalHeaderSize:], "payload")
	h := JournalHeader{Seq: 3, LSN: 17, RecordCount: 1, PayloadLen: 7}
	h.Encode(b)
	h2, err := DecodeJournalHeader(b)
	assert.Nil(t, err)
	assert.Equal(t, *h2, h)

	b[JournalHeaderSize] = 'P'
	h2, err = DecodeJournalHeader(b)
	assert.True(t, fserrors.Is(err, fserrors.ErrCorruptChecksum))
	assert.Equal(t, h2.Seq, uint64(3))

	h2, err = DecodeJournalHeader(make([]byte, 512))
	assert.Nil(t, err)
	assert.True(t, h2 == nil)
}

func TestReaderShort(t *testing.T) {
	t.Parallel()
	r := Reader{B: []byte{1, 2, 3}}
	assert.Equal(t, r.U16(), uint16(0x201))
	assert.Equal(t, r.U32(), uint32(0))
	assert.True(t, r.Short)
}
