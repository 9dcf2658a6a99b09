/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Oct 19 11:02:10 2018 mstenber
 * Last modified: Fri Oct 19 12:14:30 2018 mstenber
 * Edit time:     58 min
 *
 */

package codec

import (
	"encoding/binary"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/pkg/errors"
)

// BlockTransform converts full plaintext data blocks to their stored
// form and back. The stored form is always exactly one block:
//
// - compressed blocks are [u32 payload length][payload][zero padding],
// used only when that fits in the block
//
// - encryption is applied last and must be length preserving; the
// block number is the tweak so identical plaintext in different
// blocks differs on disk
//
// Which of the two was applied is reported as extent flags, which
// the caller keeps in the index.
type BlockTransform struct {
	blockSize   int
	compression CompressionAlgo
	sealer      *Sealer
}

func NewBlockTransform(blockSize int, compression CompressionAlgo, encryption EncryptionAlgo, key []byte) (*BlockTransform, error) {
	if !encryption.LengthPreserving() {
		return nil, errors.Errorf("%v is not length preserving; not usable for data blocks", encryption)
	}
	if compression >= compressionMax {
		return nil, errors.Errorf("unsupported compression %d", compression)
	}
	s, err := NewSealer(encryption, key)
	if err != nil {
		return nil, err
	}
	return &BlockTransform{blockSize: blockSize, compression: compression, sealer: s}, nil
}

func blockNonce(block uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], block)
	return b[:]
}

// Encode returns stored form of plain to be written at block.
func (self *BlockTransform) Encode(block uint64, plain []byte) (stored []byte, flags layout.ExtentFlags, err error) {
	if len(plain) != self.blockSize {
		mlog.Panicf("BlockTransform.Encode of %d bytes (block size %d)", len(plain), self.blockSize)
	}
	stored = plain
	if cd, cerr := Compress(self.compression, plain); cerr == nil && len(cd)+4 <= self.blockSize {
		stored = make([]byte, self.blockSize)
		binary.LittleEndian.PutUint32(stored, uint32(len(cd)))
		copy(stored[4:], cd)
		flags |= layout.ExtentCompressed
	} else if cerr != nil && cerr != ErrIncompressible {
		return nil, 0, cerr
	}
	if self.sealer.Algo() != EncryptionNone {
		stored, err = self.sealer.Seal(blockNonce(block), stored, nil)
		if err != nil {
			return nil, 0, err
		}
		flags |= layout.ExtentEncrypted
	}
	if &stored[0] == &plain[0] {
		stored = append([]byte(nil), plain...)
	}
	return stored, flags, nil
}

// Decode returns plaintext of stored read from block.
func (self *BlockTransform) Decode(block uint64, stored []byte, flags layout.ExtentFlags) (plain []byte, err error) {
	plain = stored
	if flags&layout.ExtentEncrypted != 0 {
		if self.sealer.Algo() == EncryptionNone {
			return nil, errors.Errorf("encrypted block %d but no key", block)
		}
		plain, err = self.sealer.Open(blockNonce(block), plain, nil)
		if err != nil {
			return nil, err
		}
	}
	if flags&layout.ExtentCompressed != 0 {
		n := int(binary.LittleEndian.Uint32(plain))
		if n+4 > len(plain) {
			return nil, fserrors.Corrupt("compressed block %d length %d", block, n)
		}
		plain, err = Decompress(self.compression, plain[4:4+n], self.blockSize)
		if err != nil {
			return nil, fserrors.Corrupt("block %d: %v", block, err)
		}
	}
	if &plain[0] == &stored[0] {
		plain = append([]byte(nil), stored...)
	}
	return plain, nil
}
