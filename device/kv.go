/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Oct 18 11:02:40 2018 mstenber
 * Last modified: Thu Oct 18 11:55:30 2018 mstenber
 * Edit time:     36 min
 *
 */

package device

import (
	"encoding/binary"

	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
)

// KVStore is the minimal interface key-value databases have to
// provide to act as a device. Get returns nil for missing keys.
// PutBatch must be atomic and durable when it returns.
type KVStore interface {
	Get(key []byte) ([]byte, error)
	PutBatch(kvs map[string][]byte) error
	Close() error
}

var geometryKey = []byte("geometry")

// KVDevice maps blocks to keys of a KVStore. Writes are collected in
// memory and committed as one batch by Sync.
type KVDevice struct {
	kv        KVStore
	blockSize int
	blocks    uint64

	lock    util.MutexLocked
	pending map[string][]byte
}

var _ Device = &KVDevice{}

// block keys sort in block order
func blockKey(n uint64) []byte {
	return util.ConcatBytes([]byte{'b'}, util.Uint64Bytes(n))
}

// NewKVDevice opens device on top of kv. Geometry of existing device
// is read from the store; otherwise config is used and recorded.
func NewKVDevice(kv KVStore, config Configuration) (*KVDevice, error) {
	config = config.withDefaults()
	self := &KVDevice{kv: kv, pending: make(map[string][]byte)}
	g, err := kv.Get(geometryKey)
	if err != nil {
		return nil, err
	}
	if len(g) == 12 {
		self.blockSize = int(binary.BigEndian.Uint32(g))
		self.blocks = binary.BigEndian.Uint64(g[4:])
		return self, nil
	}
	self.blockSize = config.BlockSize
	self.blocks = config.Blocks
	g = make([]byte, 12)
	binary.BigEndian.PutUint32(g, uint32(self.blockSize))
	binary.BigEndian.PutUint64(g[4:], self.blocks)
	err = kv.PutBatch(map[string][]byte{string(geometryKey): g})
	if err != nil {
		return nil, err
	}
	mlog.Printf2("device/kv", "NewKVDevice created %d x %d", self.blocks, self.blockSize)
	return self, nil
}

func (self *KVDevice) BlockSize() int {
	return self.blockSize
}

func (self *KVDevice) Blocks() uint64 {
	return self.blocks
}

func (self *KVDevice) ReadBlock(n uint64, buf []byte) error {
	if err := CheckAccess(self, n, buf); err != nil {
		return err
	}
	k := blockKey(n)
	self.lock.Lock()
	b, ok := self.pending[string(k)]
	self.lock.Unlock()
	if !ok {
		var err error
		b, err = self.kv.Get(k)
		if err != nil {
			return err
		}
	}
	n2 := copy(buf, b)
	for i := n2; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (self *KVDevice) WriteBlock(n uint64, buf []byte) error {
	if err := CheckAccess(self, n, buf); err != nil {
		return err
	}
	defer self.lock.Locked()()
	self.pending[string(blockKey(n))] = append([]byte(nil), buf...)
	return nil
}

func (self *KVDevice) Sync() error {
	defer self.lock.Locked()()
	if len(self.pending) == 0 {
		return nil
	}
	mlog.Printf2("device/kv", "Sync %d", len(self.pending))
	if err := self.kv.PutBatch(self.pending); err != nil {
		return err
	}
	self.pending = make(map[string][]byte)
	return nil
}

func (self *KVDevice) Close() error {
	return self.kv.Close()
}
