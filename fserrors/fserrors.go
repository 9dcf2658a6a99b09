/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Oct 16 09:02:11 2018 mstenber
 * Last modified: Tue Oct 16 09:41:07 2018 mstenber
 * Edit time:     28 min
 *
 */

// fserrors contains the error taxonomy of the storage engine.
//
// Errors are wrapped with context using github.com/pkg/errors as
// they propagate; classification is done with errors.Is against the
// sentinels here.
package fserrors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfSpace is returned when an allocation (or journal
	// append) cannot be satisfied. Callers may retry after freeing
	// space; the allocator itself never retries.
	ErrOutOfSpace = errors.New("out of space")

	// ErrCorruptChecksum is returned when on-disk data fails
	// checksum verification.
	ErrCorruptChecksum = errors.New("checksum mismatch")

	// ErrInconsistent is returned when metadata that checksums
	// fine disagrees with itself, e.g. a reference count that does
	// not match the references found.
	ErrInconsistent = errors.New("inconsistent metadata")

	// ErrIo is returned when the underlying device fails.
	ErrIo = errors.New("i/o error")

	// ErrInvalidKey is returned for lookups of non-existent
	// inodes, snapshots or offsets that must exist.
	ErrInvalidKey = errors.New("invalid key")

	// ErrRecoveryTruncated marks that recovery stopped at a torn
	// or corrupt journal tail. It is a warning: the filesystem is
	// consistent up to the last complete commit, but must be
	// checked before further writes are trusted.
	ErrRecoveryTruncated = errors.New("recovery truncated at torn journal tail")

	ErrReadOnly      = errors.New("read-only view")
	ErrNotMounted    = errors.New("filesystem not mounted")
	ErrSnapshotState = errors.New("invalid snapshot state for operation")
	ErrTxnState      = errors.New("invalid transaction state")
	ErrFailed        = errors.New("filesystem failed; remount required")
)

// Is is errors.Is; here so that callers need only one import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// Io wraps a device error so that it classifies as ErrIo while
// keeping the original cause in the message.
func Io(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, ErrIo) {
		return errors.Wrapf(err, format, args...)
	}
	return &wrapped{sentinel: ErrIo, cause: errors.Wrapf(err, format, args...)}
}

// Corrupt returns ErrCorruptChecksum with context.
func Corrupt(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruptChecksum, format, args...)
}

// Inconsistent returns ErrInconsistent with context.
func Inconsistent(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInconsistent, format, args...)
}

// InvalidKey returns ErrInvalidKey with context.
func InvalidKey(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidKey, format, args...)
}

type wrapped struct {
	sentinel error
	cause    error
}

func (self *wrapped) Error() string {
	return self.cause.Error() + ": " + self.sentinel.Error()
}

func (self *wrapped) Is(target error) bool {
	return target == self.sentinel
}

func (self *wrapped) Unwrap() error {
	return self.cause
}
