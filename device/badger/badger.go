/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Sat Dec 23 15:10:01 2017 mstenber
 * Last modified: Thu Oct 18 12:48:51 2018 mstenber
 * Edit time:     168 min
 *
 */

package badger

import (
	"github.com/dgraph-io/badger"
	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/mlog"
)

// Maximum number of blocks per badger transaction
const batchSize = 256

// badgerStore keeps blocks in badger; Sync is a sequence of update
// transactions with SyncWrites on. A batch spanning several
// transactions is made atomic by the layers above (journal + slot
// checksums), not by badger.
type badgerStore struct {
	db *badger.DB
}

var _ device.KVStore = &badgerStore{}

func (self *badgerStore) Get(key []byte) (v []byte, err error) {
	err = self.db.View(func(txn *badger.Txn) error {
		i, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err == nil {
			v, err = i.ValueCopy(nil)
		}
		return err
	})
	return v, fserrors.Io(err, "badger get")
}

func (self *badgerStore) PutBatch(kvs map[string][]byte) error {
	mlog.Printf2("device/badger/badger", "PutBatch %d", len(kvs))
	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	for len(keys) > 0 {
		chunk := keys
		if len(chunk) > batchSize {
			chunk = chunk[:batchSize]
		}
		keys = keys[len(chunk):]
		err := self.db.Update(func(txn *badger.Txn) error {
			for _, k := range chunk {
				if err := txn.Set([]byte(k), kvs[k]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fserrors.Io(err, "badger update")
		}
	}
	return nil
}

func (self *badgerStore) Close() error {
	return fserrors.Io(self.db.Close(), "badger close")
}

// Open returns device backed by badger database in directory
// config.Path.
func Open(config device.Configuration) (*device.KVDevice, error) {
	opts := badger.DefaultOptions
	opts.Dir = config.Path
	opts.ValueDir = config.Path
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fserrors.Io(err, "badger.Open %s", config.Path)
	}
	d, err := device.NewKVDevice(&badgerStore{db: db}, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}
