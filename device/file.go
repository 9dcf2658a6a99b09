/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Jan  3 15:44:41 2018 mstenber
 * Last modified: Thu Oct 18 10:40:02 2018 mstenber
 * Edit time:     88 min
 *
 */

package device

import (
	"os"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/pkg/errors"
)

// File is a device on top of a regular file (or a raw block device
// node). New files are extended to the configured size.
type File struct {
	f         *os.File
	blockSize int
	blocks    uint64
}

var _ Device = &File{}

func OpenFile(config Configuration) (*File, error) {
	config = config.withDefaults()
	f, err := os.OpenFile(config.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fserrors.Io(err, "open %s", config.Path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fserrors.Io(err, "stat %s", config.Path)
	}
	size := uint64(fi.Size())
	if size == 0 {
		if config.Blocks == 0 {
			f.Close()
			return nil, errors.Errorf("%s is empty and no size given", config.Path)
		}
		size = config.Blocks * uint64(config.BlockSize)
		if err = f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fserrors.Io(err, "truncate %s", config.Path)
		}
	}
	self := &File{f: f, blockSize: config.BlockSize,
		blocks: size / uint64(config.BlockSize)}
	mlog.Printf2("device/file", "OpenFile %s: %d blocks", config.Path, self.blocks)
	return self, nil
}

func (self *File) BlockSize() int {
	return self.blockSize
}

func (self *File) Blocks() uint64 {
	return self.blocks
}

func (self *File) ReadBlock(n uint64, buf []byte) error {
	if err := CheckAccess(self, n, buf); err != nil {
		return err
	}
	_, err := self.f.ReadAt(buf, int64(n)*int64(self.blockSize))
	return fserrors.Io(err, "read block %d", n)
}

func (self *File) WriteBlock(n uint64, buf []byte) error {
	if err := CheckAccess(self, n, buf); err != nil {
		return err
	}
	_, err := self.f.WriteAt(buf, int64(n)*int64(self.blockSize))
	return fserrors.Io(err, "write block %d", n)
}

func (self *File) Sync() error {
	return fserrors.Io(self.f.Sync(), "sync")
}

func (self *File) Close() error {
	return fserrors.Io(self.f.Close(), "close")
}
