/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Oct 18 15:02:33 2018 mstenber
 * Last modified: Fri Oct 19 10:21:40 2018 mstenber
 * Edit time:     104 min
 *
 */

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"io"

	"github.com/golang/snappy"
	"github.com/jacobsa/crypto/siv"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/sha256-simd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"
)

// CompressionAlgo codes are stored on disk; never renumber.
type CompressionAlgo uint8

const (
	CompressionNone CompressionAlgo = iota
	CompressionLZ4
	CompressionSnappy
	CompressionZstd
	compressionMax
)

var compressionNames = []string{"none", "lz4", "snappy", "zstd"}

func (self CompressionAlgo) String() string {
	if self < compressionMax {
		return compressionNames[self]
	}
	return "unknown"
}

func ParseCompressionAlgo(s string) (CompressionAlgo, error) {
	for i, n := range compressionNames {
		if n == s {
			return CompressionAlgo(i), nil
		}
	}
	return 0, errors.Errorf("unknown compression algorithm %q", s)
}

// EncryptionAlgo codes are stored on disk; never renumber.
type EncryptionAlgo uint8

const (
	EncryptionNone EncryptionAlgo = iota
	EncryptionAESXTS
	EncryptionAESGCM
	EncryptionXChaCha20Poly1305
	EncryptionAESSIV
	encryptionMax
)

var encryptionNames = []string{"none", "aes-xts", "aes-gcm", "xchacha20-poly1305", "aes-siv"}

func (self EncryptionAlgo) String() string {
	if self < encryptionMax {
		return encryptionNames[self]
	}
	return "unknown"
}

func ParseEncryptionAlgo(s string) (EncryptionAlgo, error) {
	for i, n := range encryptionNames {
		if n == s {
			return EncryptionAlgo(i), nil
		}
	}
	return 0, errors.Errorf("unknown encryption algorithm %q", s)
}

// LengthPreserving algorithms produce ciphertext of the plaintext's
// size; only these can be used for fixed-size data blocks.
func (self EncryptionAlgo) LengthPreserving() bool {
	return self == EncryptionNone || self == EncryptionAESXTS
}

// KeySize is the size of key material the algorithm consumes.
func (self EncryptionAlgo) KeySize() int {
	switch self {
	case EncryptionAESXTS, EncryptionAESSIV:
		return 64
	case EncryptionAESGCM, EncryptionXChaCha20Poly1305:
		return 32
	}
	return 0
}

// NonceSize is the size of the nonce Encrypt expects. For AES-XTS
// the nonce is the 8-byte little-endian sector number.
func (self EncryptionAlgo) NonceSize() int {
	switch self {
	case EncryptionAESXTS:
		return 8
	case EncryptionAESGCM:
		return 12
	case EncryptionXChaCha20Poly1305:
		return chacha20poly1305.NonceSizeX
	case EncryptionAESSIV:
		return 16
	}
	return 0
}

const xtsBlockSize = 16

// MaxKeySize is what DeriveKey should produce to serve any algorithm.
const MaxKeySize = 64

// DeriveKey stretches password into MaxKeySize bytes of key material.
func DeriveKey(password, salt []byte, iter int) []byte {
	return pbkdf2.Key(password, salt, iter, MaxKeySize, sha256.New)
}

// SubKey derives size bytes of key for one purpose from the
// DeriveKey output, so that data blocks and checkpoints never share
// a key.
func SubKey(master []byte, purpose string, size int) []byte {
	key := make([]byte, size)
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		panic("codec: hkdf: " + err.Error())
	}
	return key
}

// ErrIncompressible is returned by Compress when the result would
// not be smaller than the input.
var ErrIncompressible = errors.New("incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder: " + err.Error())
	}
}

// Compress returns compressed form of data, or ErrIncompressible.
func Compress(algo CompressionAlgo, data []byte) ([]byte, error) {
	var out []byte
	switch algo {
	case CompressionNone:
		return nil, ErrIncompressible
	case CompressionLZ4:
		out = make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, out, nil)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		out = out[:n]
		if n == 0 {
			return nil, ErrIncompressible
		}
	case CompressionSnappy:
		out = snappy.Encode(nil, data)
	case CompressionZstd:
		out = zstdEncoder.EncodeAll(data, nil)
	default:
		return nil, errors.Errorf("unsupported compression %d", algo)
	}
	if len(out) >= len(data) {
		return nil, ErrIncompressible
	}
	return out, nil
}

// Decompress reverses Compress; size is the uncompressed size.
func Decompress(algo CompressionAlgo, data []byte, size int) ([]byte, error) {
	var out []byte
	var err error
	switch algo {
	case CompressionNone:
		out = data
	case CompressionLZ4:
		out = make([]byte, size)
		var n int
		n, err = lz4.UncompressBlock(data, out)
		out = out[:n]
	case CompressionSnappy:
		out, err = snappy.Decode(nil, data)
	case CompressionZstd:
		out, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
	default:
		return nil, errors.Errorf("unsupported compression %d", algo)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%v decompress", algo)
	}
	if len(out) != size {
		return nil, errors.Errorf("%v decompress: got %d bytes, expected %d", algo, len(out), size)
	}
	return out, nil
}

// Sealer is an instantiated EncryptionAlgo with its key.
type Sealer struct {
	algo EncryptionAlgo
	aead cipher.AEAD
	xts  *xts.Cipher
	key  []byte
}

// NewSealer instantiates algo with key (at least algo.KeySize()
// bytes; extra is ignored).
func NewSealer(algo EncryptionAlgo, key []byte) (*Sealer, error) {
	if len(key) < algo.KeySize() {
		return nil, errors.Errorf("%v needs %d byte key, got %d", algo, algo.KeySize(), len(key))
	}
	key = key[:algo.KeySize()]
	self := &Sealer{algo: algo, key: key}
	var err error
	switch algo {
	case EncryptionNone:
	case EncryptionAESXTS:
		self.xts, err = xts.NewCipher(aes.NewCipher, key)
	case EncryptionAESGCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			self.aead, err = cipher.NewGCM(block)
		}
	case EncryptionXChaCha20Poly1305:
		self.aead, err = chacha20poly1305.NewX(key)
	case EncryptionAESSIV:
	default:
		err = errors.Errorf("unsupported encryption %d", algo)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "%v", algo)
	}
	return self, nil
}

func (self *Sealer) Algo() EncryptionAlgo {
	return self.algo
}

// Seal encrypts plaintext; ad is authenticated but not encrypted
// (ignored by AES-XTS, which does not authenticate).
func (self *Sealer) Seal(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != self.algo.NonceSize() {
		return nil, errors.Errorf("%v nonce size %d", self.algo, len(nonce))
	}
	switch self.algo {
	case EncryptionNone:
		return plaintext, nil
	case EncryptionAESXTS:
		if len(plaintext)%xtsBlockSize != 0 || len(plaintext) == 0 {
			return nil, errors.Errorf("aes-xts plaintext size %d", len(plaintext))
		}
		out := make([]byte, len(plaintext))
		self.xts.Encrypt(out, plaintext, binary.LittleEndian.Uint64(nonce))
		return out, nil
	case EncryptionAESSIV:
		return siv.Encrypt(nil, self.key, plaintext, [][]byte{ad, nonce})
	}
	return self.aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open reverses Seal; authentication failure is an error.
func (self *Sealer) Open(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != self.algo.NonceSize() {
		return nil, errors.Errorf("%v nonce size %d", self.algo, len(nonce))
	}
	switch self.algo {
	case EncryptionNone:
		return ciphertext, nil
	case EncryptionAESXTS:
		if len(ciphertext)%xtsBlockSize != 0 || len(ciphertext) == 0 {
			return nil, errors.Errorf("aes-xts ciphertext size %d", len(ciphertext))
		}
		out := make([]byte, len(ciphertext))
		self.xts.Decrypt(out, ciphertext, binary.LittleEndian.Uint64(nonce))
		return out, nil
	case EncryptionAESSIV:
		return siv.Decrypt(self.key, ciphertext, [][]byte{ad, nonce})
	}
	return self.aead.Open(nil, nonce, ciphertext, ad)
}

// Encrypt is one-shot Seal.
func Encrypt(algo EncryptionAlgo, key, nonce, plaintext, ad []byte) ([]byte, error) {
	s, err := NewSealer(algo, key)
	if err != nil {
		return nil, err
	}
	return s.Seal(nonce, plaintext, ad)
}

// Decrypt is one-shot Open.
func Decrypt(algo EncryptionAlgo, key, nonce, ciphertext, ad []byte) ([]byte, error) {
	s, err := NewSealer(algo, key)
	if err != nil {
		return nil, err
	}
	return s.Open(nonce, ciphertext, ad)
}
