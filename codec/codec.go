/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 24 16:42:12 2017 mstenber
 * Last modified: Fri Oct 19 10:52:12 2018 mstenber
 * Edit time:     121 min
 *
 */

// codec library is responsible for transforming data + additionalData
// to different kind of data. This means in practise either
// encrypting/decrypting, or compressing/uncompressing on case-by-case
// basis.
//
// The algorithms are closed sets of tagged variants (CompressionAlgo,
// EncryptionAlgo) whose codes are stored on disk. Codec and
// CodecChain frame variable-size payloads (checkpoint contents);
// BlockTransform is the fixed-size variant used for data blocks.
package codec

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Codec is single transformation of byte slices.
type Codec interface {
	DecodeBytes(data, additionalData []byte) (ret []byte, err error)
	EncodeBytes(data, additionalData []byte) (ret []byte, err error)
}

// EncryptingCodec seals data with random nonce; the nonce is
// prepended to the ciphertext.
type EncryptingCodec struct {
	sealer *Sealer
}

func (self EncryptingCodec) Init(algo EncryptionAlgo, key []byte) (*EncryptingCodec, error) {
	if algo.LengthPreserving() {
		return nil, errors.Errorf("%v does not authenticate; not usable in EncryptingCodec", algo)
	}
	s, err := NewSealer(algo, key)
	if err != nil {
		return nil, err
	}
	self.sealer = s
	return &self, nil
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ns := self.sealer.Algo().NonceSize()
	if len(data) < ns {
		return nil, errors.Errorf("encrypted data too short (%d)", len(data))
	}
	return self.sealer.Open(data[:ns], data[ns:], additionalData)
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	nonce := make([]byte, self.sealer.Algo().NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return
	}
	ct, err := self.sealer.Seal(nonce, data, additionalData)
	if err != nil {
		return
	}
	return append(nonce, ct...), nil
}

// CompressingCodec compresses on the fly. If the result does not
// improve, the data is marked to be plaintext and passed as-is (at
// cost of the 5 byte header).
type CompressingCodec struct {
	Algo CompressionAlgo
}

const compressionHeaderSize = 5

func (self *CompressingCodec) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	if len(data) < compressionHeaderSize {
		return nil, errors.Errorf("compressed data too short (%d)", len(data))
	}
	algo := CompressionAlgo(data[0])
	size := int(binary.LittleEndian.Uint32(data[1:]))
	return Decompress(algo, data[compressionHeaderSize:], size)
}

func (self *CompressingCodec) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	algo := self.Algo
	cd, err := Compress(algo, data)
	if err == ErrIncompressible {
		algo = CompressionNone
		cd = data
	} else if err != nil {
		return
	}
	ret = make([]byte, compressionHeaderSize, compressionHeaderSize+len(cd))
	ret[0] = byte(algo)
	binary.LittleEndian.PutUint32(ret[1:], uint32(len(data)))
	return append(ret, cd...), nil
}

type CodecChain struct {
	codecs, reverseCodecs []Codec
}

// Init method initializes the codec chain.
//
// codecs are given in decryption order, so e.g.
// encrypting one should be given before compressing one.
func (self CodecChain) Init(codecs ...Codec) *CodecChain {
	self.codecs = codecs
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	self.reverseCodecs = rc
	return &self
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.codecs {
		ret, err = c.DecodeBytes(ret, additionalData)
		if err != nil {
			return
		}
	}
	return
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) (ret []byte, err error) {
	ret = data
	for _, c := range self.reverseCodecs {
		ret, err = c.EncodeBytes(ret, additionalData)
		if err != nil {
			return
		}
	}
	return
}
