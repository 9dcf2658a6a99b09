/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Nov  6 09:12:40 2018 mstenber
 * Last modified: Tue Nov  6 10:02:13 2018 mstenber
 * Edit time:     31 min
 *
 */

package fs

import (
	"time"

	"github.com/fingon/go-cowfs/alloc"
	"github.com/fingon/go-cowfs/cache"
	"github.com/fingon/go-cowfs/codec"
	"github.com/fingon/go-cowfs/ibtree"
	"github.com/fingon/go-cowfs/journal"
	"go.uber.org/zap"
)

const (
	DefaultMetadataPercent = 20
	DefaultLocalityPercent = 10
	DefaultCatalogBytes    = 16384
	minJournalBlocks       = 16
)

// Config covers both the geometry given to Mkfs and the runtime
// settings of a mounted instance. Zero values mean defaults, which
// Init fills in.
type Config struct {
	// Geometry (Mkfs only); zero journal size means 1/32 of the
	// device
	JournalBlocks   uint64
	MetadataPercent int
	LocalityPercent int

	// CatalogBytes is room reserved in the checkpoint slots for
	// the snapshot catalog
	CatalogBytes int

	// Data block transform (Mkfs stores the algorithms in the
	// superblock; Password is needed on every mount)
	Compression codec.CompressionAlgo
	Encryption  codec.EncryptionAlgo
	Password    string

	// Cache capacities in entries
	NodeCacheSize   int
	BufferCacheSize int
	PageCacheSize   int
	InodeCacheSize  int
	ReadAhead       int

	// MaxEntries caps the fanout of index nodes; zero means what
	// fits in a block
	MaxEntries     int
	BuddyThreshold int

	// Checkpoint when the journal is this full, and at least this
	// often (zero Interval disables the timer)
	CheckpointThreshold float64
	CheckpointInterval  time.Duration

	// FsckOnTruncate runs Fsck during Mount if recovery had to
	// discard a torn journal tail
	FsckOnTruncate bool

	Logger *zap.Logger
}

func (self Config) Init() *Config {
	if self.MetadataPercent == 0 {
		self.MetadataPercent = DefaultMetadataPercent
	}
	if self.LocalityPercent == 0 {
		self.LocalityPercent = DefaultLocalityPercent
	}
	if self.CatalogBytes == 0 {
		self.CatalogBytes = DefaultCatalogBytes
	}
	if self.NodeCacheSize == 0 {
		self.NodeCacheSize = ibtree.DefaultNodeCacheSize
	}
	if self.BufferCacheSize == 0 {
		self.BufferCacheSize = cache.DefaultBufferCacheSize
	}
	if self.PageCacheSize == 0 {
		self.PageCacheSize = cache.DefaultPageCacheSize
	}
	if self.InodeCacheSize == 0 {
		self.InodeCacheSize = cache.DefaultInodeCacheSize
	}
	if self.ReadAhead == 0 {
		self.ReadAhead = cache.DefaultReadAheadPages
	}
	if self.BuddyThreshold == 0 {
		self.BuddyThreshold = alloc.DefaultBuddyThreshold
	}
	if self.CheckpointThreshold == 0 {
		self.CheckpointThreshold = journal.DefaultCheckpointThreshold
	}
	if self.Logger == nil {
		self.Logger = zap.NewNop()
	}
	return &self
}
