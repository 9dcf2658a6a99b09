/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan  3 22:49:15 2018 mstenber
 * Last modified: Thu Oct 18 12:20:14 2018 mstenber
 * Edit time:     51 min
 *
 */

package bolt

import (
	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/mlog"
	bbolt "go.etcd.io/bbolt"
)

var blocksBucket = []byte("blocks")

// boltStore keeps blocks in one bbolt bucket; every Sync is one
// read-write transaction.
type boltStore struct {
	db *bbolt.DB
}

var _ device.KVStore = &boltStore{}

func (self *boltStore) Get(key []byte) (v []byte, err error) {
	err = self.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(blocksBucket).Get(key); b != nil {
			v = append([]byte(nil), b...)
		}
		return nil
	})
	return v, fserrors.Io(err, "bolt get")
}

func (self *boltStore) PutBatch(kvs map[string][]byte) error {
	mlog.Printf2("device/bolt/bolt", "PutBatch %d", len(kvs))
	err := self.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blocksBucket)
		for k, v := range kvs {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
	return fserrors.Io(err, "bolt update")
}

func (self *boltStore) Close() error {
	return fserrors.Io(self.db.Close(), "bolt close")
}

// Open returns device backed by bbolt database file at config.Path.
func Open(config device.Configuration) (*device.KVDevice, error) {
	db, err := bbolt.Open(config.Path, 0600, nil)
	if err != nil {
		return nil, fserrors.Io(err, "bbolt.Open %s", config.Path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fserrors.Io(err, "bolt bucket")
	}
	d, err := device.NewKVDevice(&boltStore{db: db}, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}
