/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Oct 17 15:01:12 2018 mstenber
 * Last modified: Thu Oct 18 09:30:11 2018 mstenber
 * Edit time:     47 min
 *
 */

// device contains the block device abstraction the engine sits on
// top of, and the simple backends (in-memory with crash simulation,
// plain file). Key-value store backed devices live in subpackages.
package device

import (
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/pkg/errors"
)

// Device is fixed-size array of fixed-size blocks. Writes are not
// durable until Sync returns successfully; blocks never written read
// as zeros.
type Device interface {
	BlockSize() int
	Blocks() uint64
	ReadBlock(n uint64, buf []byte) error
	WriteBlock(n uint64, buf []byte) error
	Sync() error
	Close() error
}

// Configuration is what factory-created devices are given.
type Configuration struct {
	// Path to file or directory, depending on backend
	Path string

	// Geometry for newly created devices; existing ones remember
	// their own.
	BlockSize int
	Blocks    uint64
}

const DefaultBlockSize = 4096

func (self Configuration) withDefaults() Configuration {
	if self.BlockSize == 0 {
		self.BlockSize = DefaultBlockSize
	}
	return self
}

// CheckAccess validates block number and buffer size of an access.
func CheckAccess(d Device, n uint64, buf []byte) error {
	if n >= d.Blocks() {
		return errors.Wrapf(fserrors.ErrIo, "block %d out of range (%d blocks)", n, d.Blocks())
	}
	if len(buf) != d.BlockSize() {
		return errors.Wrapf(fserrors.ErrIo, "buffer size %d != block size %d", len(buf), d.BlockSize())
	}
	return nil
}
