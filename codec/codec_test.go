/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sun Dec 24 17:13:27 2017 mstenber
 * Last modified: Fri Oct 19 13:02:12 2018 mstenber
 * Edit time:     71 min
 *
 */

package codec

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log"
	"testing"

	"github.com/fingon/go-cowfs/layout"
	"github.com/stvp/assert"
)

const compressible = "123456789123456789123456789123456789123456789123456789123456789123456789123456789123456789123456789"

var testKey = DeriveKey([]byte("foo"), []byte("salt"), 64)

func ProdCodecOnce(text string, c Codec, t *testing.T) {
	p := []byte(text)
	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	dec, err := c.DecodeBytes(enc, nil)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)
}

func ProdCodec(c Codec, t *testing.T) {
	ProdCodecOnce("foo", c, t)
	ProdCodecOnce(compressible, c, t)
}

func TestAlgoNames(t *testing.T) {
	t.Parallel()
	for i := CompressionNone; i < compressionMax; i++ {
		a, err := ParseCompressionAlgo(i.String())
		assert.Nil(t, err)
		assert.Equal(t, a, i)
	}
	for i := EncryptionNone; i < encryptionMax; i++ {
		a, err := ParseEncryptionAlgo(i.String())
		assert.Nil(t, err)
		assert.Equal(t, a, i)
	}
	_, err := ParseCompressionAlgo("gzip")
	assert.True(t, err != nil)
	assert.Equal(t, CompressionAlgo(42).String(), "unknown")
}

func TestCompress(t *testing.T) {
	t.Parallel()
	p := bytes.Repeat([]byte(compressible), 10)
	random := make([]byte, 1000)
	rand.Read(random)
	for a := CompressionLZ4; a < compressionMax; a++ {
		t.Run(a.String(), func(t *testing.T) {
			t.Parallel()
			c, err := Compress(a, p)
			assert.Nil(t, err)
			assert.True(t, len(c) < len(p))
			d, err := Decompress(a, c, len(p))
			assert.Nil(t, err)
			assert.Equal(t, d, p)

			_, err = Decompress(a, c, len(p)+1)
			assert.True(t, err != nil)

			_, err = Compress(a, random)
			assert.Equal(t, err, ErrIncompressible)
		})
	}
	_, err := Compress(CompressionNone, p)
	assert.Equal(t, err, ErrIncompressible)
	_, err = Compress(CompressionAlgo(99), p)
	assert.True(t, err != nil && err != ErrIncompressible)
}

func TestEncrypt(t *testing.T) {
	t.Parallel()
	p := bytes.Repeat([]byte("0123456789abcdef"), 8)
	ad := []byte("ad")
	for a := EncryptionAESXTS; a < encryptionMax; a++ {
		t.Run(a.String(), func(t *testing.T) {
			t.Parallel()
			nonce := make([]byte, a.NonceSize())
			nonce[0] = 1
			enc, err := Encrypt(a, testKey, nonce, p, ad)
			assert.Nil(t, err)
			assert.True(t, !bytes.Equal(enc, p))
			assert.Equal(t, len(enc) == len(p), a.LengthPreserving())
			dec, err := Decrypt(a, testKey, nonce, enc, ad)
			assert.Nil(t, err)
			assert.Equal(t, dec, p)

			nonce[0] = 2
			enc2, err := Encrypt(a, testKey, nonce, p, ad)
			assert.Nil(t, err)
			assert.True(t, !bytes.Equal(enc, enc2))

			if !a.LengthPreserving() {
				_, err = Decrypt(a, testKey, nonce, enc2, []byte("other"))
				assert.True(t, err != nil)
			}
		})
	}
	_, err := Encrypt(EncryptionAESGCM, testKey[:8], make([]byte, 12), p, nil)
	assert.True(t, err != nil)
	_, err = Encrypt(EncryptionAESGCM, testKey, make([]byte, 3), p, nil)
	assert.True(t, err != nil)
}

func TestEncryptingCodec(t *testing.T) {
	t.Parallel()
	p := []byte("data")
	ad := []byte("ad")

	_, err := EncryptingCodec{}.Init(EncryptionAESXTS, testKey)
	assert.True(t, err != nil)

	c, err := EncryptingCodec{}.Init(EncryptionAESGCM, testKey)
	assert.Nil(t, err)

	ProdCodec(c, t)

	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)

	// Ensure we can't fiddle with additional data
	_, err2 := c.DecodeBytes(enc, ad)
	assert.True(t, err2 != nil)

	// Ensure same payload does not encrypt the same way
	enc2, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	assert.NotEqual(t, enc, enc2)

	// But it still can be decrypted
	dec, err := c.DecodeBytes(enc2, nil)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)

	enc3, err := c.EncodeBytes(p, ad)
	assert.Nil(t, err)
	dec, err = c.DecodeBytes(enc3, ad)
	assert.Nil(t, err)
	assert.Equal(t, p, dec)
}

func TestSubKey(t *testing.T) {
	t.Parallel()
	a := SubKey(testKey, "data", 64)
	b := SubKey(testKey, "checkpoint", 32)
	assert.Equal(t, len(a), 64)
	assert.Equal(t, len(b), 32)
	assert.True(t, !bytes.Equal(a[:32], b))
	assert.Equal(t, SubKey(testKey, "data", 64), a)
}

func TestCompressingCodec(t *testing.T) {
	t.Parallel()
	c := &CompressingCodec{Algo: CompressionLZ4}
	ProdCodec(c, t)

	p := []byte(compressible)
	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	assert.True(t, len(enc) < len(compressible))

	enc, err = c.EncodeBytes([]byte("foo"), nil)
	assert.Nil(t, err)
	assert.Equal(t, enc[0], byte(CompressionNone))
	assert.Equal(t, len(enc), 3+compressionHeaderSize)
}

func TestNopCodecChain(t *testing.T) {
	t.Parallel()
	c := &CodecChain{}
	ProdCodec(c, t)
}

func TestCodecChain(t *testing.T) {
	t.Parallel()
	c1, err := EncryptingCodec{}.Init(EncryptionXChaCha20Poly1305, testKey)
	assert.Nil(t, err)
	c2 := &CompressingCodec{Algo: CompressionZstd}
	c := CodecChain{}.Init(c1, c2)
	ProdCodec(c, t)

	p := bytes.Repeat([]byte(compressible), 4)
	enc, err := c.EncodeBytes(p, nil)
	assert.Nil(t, err)
	assert.True(t, len(enc) < len(p))
}

func TestBlockTransform(t *testing.T) {
	t.Parallel()
	_, err := NewBlockTransform(512, CompressionNone, EncryptionAESGCM, testKey)
	assert.True(t, err != nil)

	compressibleBlock := bytes.Repeat([]byte{'x'}, 512)
	randomBlock := make([]byte, 512)
	rand.Read(randomBlock)
	add := func(comp CompressionAlgo, enc EncryptionAlgo) {
		t.Run(fmt.Sprintf("%v-%v", comp, enc), func(t *testing.T) {
			t.Parallel()
			bt, err := NewBlockTransform(512, comp, enc, testKey)
			assert.Nil(t, err)
			for _, plain := range [][]byte{compressibleBlock, randomBlock} {
				stored, flags, err := bt.Encode(7, plain)
				assert.Nil(t, err)
				assert.Equal(t, len(stored), 512)
				assert.Equal(t, flags&layout.ExtentEncrypted != 0, enc != EncryptionNone)
				if &plain[0] == &randomBlock[0] || comp == CompressionNone {
					assert.Equal(t, flags&layout.ExtentCompressed, layout.ExtentFlags(0))
				} else {
					assert.Equal(t, flags&layout.ExtentCompressed, layout.ExtentCompressed)
				}
				dec, err := bt.Decode(7, stored, flags)
				assert.Nil(t, err)
				assert.Equal(t, dec, plain)

				if enc != EncryptionNone {
					stored2, _, err := bt.Encode(8, plain)
					assert.Nil(t, err)
					assert.True(t, !bytes.Equal(stored2, stored))
				} else if flags == 0 {
					stored[0] ^= 1
					assert.True(t, !bytes.Equal(stored, plain))
				}
			}
		})
	}
	add(CompressionNone, EncryptionNone)
	add(CompressionSnappy, EncryptionNone)
	add(CompressionZstd, EncryptionAESXTS)
	add(CompressionNone, EncryptionAESXTS)
}

func BenchmarkCodec(b *testing.B) {
	run := func(b *testing.B, c Codec, p []byte) {
		b.SetBytes(int64(len(p)))
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			enc, err := c.EncodeBytes(p, nil)
			if err != nil || enc == nil {
				log.Panic(err)
			}
		}
	}
	add := func(c Codec, prefix string) {
		p1 := make([]byte, 4096)
		rand.Read(p1)
		b.Run(fmt.Sprintf("Encode-%s-Random", prefix), func(b *testing.B) {
			run(b, c, p1)
		})
		p2 := make([]byte, 4096)
		b.Run(fmt.Sprintf("Encode-%s-Zeros", prefix), func(b *testing.B) {
			run(b, c, p2)
		})
	}
	c1, _ := EncryptingCodec{}.Init(EncryptionAESGCM, testKey)
	c2 := &CompressingCodec{Algo: CompressionLZ4}
	add(c1, "AES")
	add(c2, "LZ4")
	add(CodecChain{}.Init(c1, c2), "AES+LZ4")
}
