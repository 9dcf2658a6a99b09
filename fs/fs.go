/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Nov  6 10:05:21 2018 mstenber
 * Last modified: Wed Nov  7 15:40:02 2018 mstenber
 * Edit time:     236 min
 *
 */

// fs package ties the engine together: one Fs is a mounted
// filesystem instance, owning the allocator, index, journal, caches
// and snapshot catalog of one device. Nothing is global; every
// operation goes through the instance.
//
// Every mutation is a journal transaction of redo records. The same
// records are applied to the index whether the operation is live or
// replayed at mount, so recovery reaches exactly the state the
// operations would have.
package fs

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fingon/go-cowfs/alloc"
	"github.com/fingon/go-cowfs/cache"
	"github.com/fingon/go-cowfs/codec"
	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/ibtree"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/snapshot"
	"github.com/fingon/go-cowfs/util"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// key derivation work factor; part of the on-disk format
const iterations = 4096

// RootIno is the root directory created by Mkfs.
const RootIno = 1

type Fs struct {
	Config

	dev device.Device

	// sb is the last written superblock; changed only by
	// checkpoints, which run with opLock held exclusively
	sb layout.Superblock

	alloc     *alloc.Allocator
	store     *ibtree.Store
	tree      *ibtree.IBTree
	radix     *ibtree.Radix
	snapshots *snapshot.Manager
	buffers   *cache.BufferCache
	pages     *cache.PageCache
	inodes    *cache.InodeCache
	transform *codec.BlockTransform
	slotCodec codec.Codec

	wal          *journal.Log
	txns         *journal.Manager
	checkpointer *journal.Checkpointer

	// opLock is held shared by operations and exclusively by
	// checkpoints and snapshot operations, so a checkpoint never
	// sees a half-applied transaction
	opLock util.RWMutexLocked

	// rootLock orders inode table root swaps with journal appends
	rootLock util.MutexLocked

	failLock util.MutexLocked
	failed   error
	mounted  bool

	// Recovery describes what Mount found in the journal;
	// RecoveryErr is the ErrRecoveryTruncated warning, if any.
	Recovery    *journal.RecoveryResult
	RecoveryErr error

	Checkpoints util.AtomicInt
}

// nodeBackend stores index nodes in metadata zone blocks, through
// the buffer cache.
type nodeBackend struct {
	*alloc.Allocator
	buffers *cache.BufferCache
}

func (self *nodeBackend) AllocateNode() (ibtree.NodeId, error) {
	ext, err := self.Allocate(layout.ZoneMetadata, 1, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "index node")
	}
	return ext.Start, nil
}

func (self *nodeBackend) FreeNode(id ibtree.NodeId) {
	self.Free(layout.Extent{Start: id, Length: 1})
}

func (self *nodeBackend) ReadNode(id ibtree.NodeId, b []byte) error {
	return self.buffers.ReadBlock(id, b)
}

func (self *nodeBackend) WriteNode(id ibtree.NodeId, b []byte) error {
	return self.buffers.WriteBlock(id, b, 0)
}

// geometry lays out a device of the given size.
func geometry(blocks uint64, blockSize int, cfg *Config) (*layout.Superblock, error) {
	if blockSize < layout.MinBlockSize {
		return nil, errors.Errorf("block size %d below minimum %d", blockSize, layout.MinBlockSize)
	}
	jblocks := cfg.JournalBlocks
	if jblocks == 0 {
		jblocks = blocks / 32
		if jblocks < minJournalBlocks {
			jblocks = minJournalBlocks
		}
	}
	tooSmall := errors.Wrapf(fserrors.ErrOutOfSpace, "device of %d blocks too small", blocks)
	if 1+jblocks >= blocks {
		return nil, tooSmall
	}
	rest := blocks - 1 - jblocks
	// allocator state: per zone header and bitmap, and 4 bytes
	// of reference count per block
	allocBytes := 4 + layout.MaxZones*(1+8*4) + rest/8 + 4*rest
	slotBytes := uint64(layout.SlotHeaderSize+256+cfg.CatalogBytes) + allocBytes
	slotBlocks := util.CeilDiv(slotBytes, uint64(blockSize))
	if 1+jblocks+2*slotBlocks+3 >= blocks {
		return nil, tooSmall
	}
	start := 1 + jblocks + 2*slotBlocks
	zoneBlocks := blocks - start
	meta := zoneBlocks * uint64(cfg.MetadataPercent) / 100
	if meta == 0 {
		meta = 1
	}
	loc := zoneBlocks * uint64(cfg.LocalityPercent) / 100
	sb := &layout.Superblock{
		Version:     layout.Version,
		BlockSize:   uint32(blockSize),
		TotalBlocks: blocks,
		UUID:        uuid.New(),
		Journal:     layout.Region{Start: 1, Length: jblocks},
		Slots: [2]layout.Region{
			{Start: 1 + jblocks, Length: slotBlocks},
			{Start: 1 + jblocks + slotBlocks, Length: slotBlocks}},
		// the first checkpoint goes to slot 0
		ActiveSlot:  1,
		NextTxnId:   1,
		Compression: uint8(cfg.Compression),
		Encryption:  uint8(cfg.Encryption),
	}
	sb.Zones = append(sb.Zones, layout.Zone{Kind: layout.ZoneMetadata, Start: start, Length: meta})
	start += meta
	if loc > 0 {
		sb.Zones = append(sb.Zones, layout.Zone{Kind: layout.ZoneLocality, Start: start, Length: loc})
		start += loc
	}
	sb.Zones = append(sb.Zones, layout.Zone{Kind: layout.ZoneData, Start: start, Length: blocks - start})
	return sb, nil
}

// newFs builds the in-memory instance for sb; nothing is read yet.
func newFs(dev device.Device, sb *layout.Superblock, cfg *Config) (*Fs, error) {
	if int(sb.BlockSize) != dev.BlockSize() {
		return nil, fserrors.Corrupt("superblock block size %d, device %d", sb.BlockSize, dev.BlockSize())
	}
	if sb.TotalBlocks > dev.Blocks() {
		return nil, fserrors.Corrupt("superblock has %d blocks, device %d", sb.TotalBlocks, dev.Blocks())
	}
	self := &Fs{Config: *cfg, dev: dev, sb: *sb}
	self.alloc = alloc.Allocator{BuddyThreshold: cfg.BuddyThreshold}.Init(sb.Zones)
	self.buffers = cache.BufferCache{Size: cfg.BufferCacheSize, Committed: self.committed}.Init(dev)
	self.store = ibtree.Store{BlockSize: dev.BlockSize(), CacheSize: cfg.NodeCacheSize}.Init(
		&nodeBackend{Allocator: self.alloc, buffers: self.buffers})
	self.tree = ibtree.IBTree{MaxEntries: cfg.MaxEntries}.Init(self.store)
	self.radix = ibtree.Radix{}.Init(self.store)
	self.snapshots = snapshot.Manager{}.Init(self.tree, self.radix)
	self.pages = cache.PageCache{Size: cfg.PageCacheSize, ReadAhead: cfg.ReadAhead}.Init()
	self.inodes = cache.InodeCache{Size: cfg.InodeCacheSize}.Init()

	compression := codec.CompressionAlgo(sb.Compression)
	encryption := codec.EncryptionAlgo(sb.Encryption)
	var master []byte
	if encryption != codec.EncryptionNone {
		if cfg.Password == "" {
			return nil, errors.Errorf("%v encrypted filesystem needs a password", encryption)
		}
		master = codec.DeriveKey([]byte(cfg.Password), sb.KeySalt[:], iterations)
	}
	var dataKey []byte
	if master != nil {
		dataKey = codec.SubKey(master, "data", encryption.KeySize())
	}
	var err error
	self.transform, err = codec.NewBlockTransform(dev.BlockSize(), compression, encryption, dataKey)
	if err != nil {
		return nil, err
	}
	compressor := &codec.CompressingCodec{Algo: codec.CompressionLZ4}
	if master == nil {
		self.slotCodec = codec.CodecChain{}.Init(compressor)
	} else {
		sealer, err := codec.EncryptingCodec{}.Init(codec.EncryptionAESSIV,
			codec.SubKey(master, "checkpoint", codec.EncryptionAESSIV.KeySize()))
		if err != nil {
			return nil, err
		}
		self.slotCodec = codec.CodecChain{}.Init(sealer, compressor)
	}
	return self, nil
}

func now() int64 {
	return time.Now().UnixNano()
}

func (self *Fs) committed(txn uint64) bool {
	return self.txns == nil || self.txns.IsCommitted(txn)
}

func (self *Fs) String() string {
	return fmt.Sprintf("fs{%v gen %d}", self.sb.UUID, self.sb.Generation)
}

func (self *Fs) startJournal(tail, head journal.Position, nextTxn uint64) {
	self.wal = journal.Log{}.Init(self.dev, self.sb.Journal, tail, head)
	self.txns = journal.Manager{}.Init(self.wal, nextTxn)
}

// Mkfs creates an empty filesystem with a root directory on dev.
func Mkfs(dev device.Device, config Config) error {
	cfg := config.Init()
	sb, err := geometry(dev.Blocks(), dev.BlockSize(), cfg)
	if err != nil {
		return err
	}
	if _, err = rand.Read(sb.KeySalt[:]); err != nil {
		return err
	}
	self, err := newFs(dev, sb, cfg)
	if err != nil {
		return err
	}
	// stale journal blocks of an earlier filesystem would look
	// valid to recovery
	zero := make([]byte, dev.BlockSize())
	for i := uint64(0); i < sb.Journal.Length; i++ {
		if err = dev.WriteBlock(sb.Journal.Start+i, zero); err != nil {
			return fserrors.Io(err, "clearing journal")
		}
	}
	pos := journal.Position{Seq: 1, NextLSN: 1}
	self.startJournal(pos, pos, 1)
	self.mounted = true

	t := now()
	root, err := self.radix.Set(0, RootIno, layout.InodeRecord{
		Type: layout.InodeDirectory, Nlink: 1, Mtime: t, Ctime: t})
	if err != nil {
		return err
	}
	if err = self.snapshots.SetRoot(snapshot.RootId, root); err != nil {
		return err
	}
	if err = self.checkpoint("mkfs"); err != nil {
		return err
	}
	cfg.Logger.Info("mkfs",
		zap.Stringer("uuid", sb.UUID),
		zap.Uint64("blocks", sb.TotalBlocks),
		zap.Uint32("blockSize", sb.BlockSize),
		zap.Any("zones", sb.Zones))
	return nil
}

// ReadSuperblock returns the superblock of dev; damaged superblock is
// ErrCorruptChecksum.
func ReadSuperblock(dev device.Device) (*layout.Superblock, error) {
	b := make([]byte, dev.BlockSize())
	if err := dev.ReadBlock(layout.SuperblockBlock, b); err != nil {
		return nil, fserrors.Io(err, "superblock")
	}
	return layout.DecodeSuperblock(b)
}

// Mount loads the last checkpoint from dev, replays the journal on
// top of it, and checkpoints the result. A torn journal tail is not
// fatal: RecoveryErr is set, and with FsckOnTruncate the recovered
// state is checked before Mount returns.
func Mount(dev device.Device, config Config) (*Fs, error) {
	cfg := config.Init()
	sb, err := ReadSuperblock(dev)
	if err != nil {
		return nil, errors.Wrap(err, "mount refused")
	}
	mlog.Printf2("fs/fs", "Mount %v gen %d slot %d", sb.UUID, sb.Generation, sb.ActiveSlot)
	self, err := newFs(dev, sb, cfg)
	if err != nil {
		return nil, err
	}
	st, err := self.readSlot(sb.ActiveSlot)
	if err != nil {
		return nil, errors.Wrap(err, "mount refused")
	}
	if err = self.alloc.Decode(st.Allocator); err != nil {
		return nil, err
	}
	if err = self.snapshots.Decode(st.Catalog); err != nil {
		return nil, err
	}

	start := journal.Position{Seq: sb.CheckpointSeq, Block: sb.CheckpointBlock,
		NextLSN: sb.CheckpointLSN + 1}
	rp := &replayer{fs: self, nextTxn: sb.NextTxnId}
	res, err := journal.Recover(dev, sb.Journal, start, sb.CheckpointLSN, rp.replay)
	if err != nil && !fserrors.Is(err, fserrors.ErrRecoveryTruncated) {
		return nil, errors.Wrap(err, "recovery")
	}
	self.Recovery = res
	self.RecoveryErr = err
	log := cfg.Logger.With(zap.Stringer("uuid", sb.UUID))
	log.Info("recovered",
		zap.Uint64("generation", sb.Generation),
		zap.Int("replayed", res.Replayed),
		zap.Int("skipped", res.Skipped),
		zap.Int("discarded", res.Discarded),
		zap.Uint64("lastLSN", res.LastLSN))
	if err != nil {
		log.Warn("journal tail discarded; consistency check advised",
			zap.Error(err), zap.Int("invalidated", res.Invalidated))
	}

	self.startJournal(start, res.Head, rp.nextTxn)
	self.mounted = true
	// the torn remainder of the log must not be scanned again
	if err = self.checkpoint("mount"); err != nil {
		return nil, err
	}
	if self.RecoveryErr != nil && cfg.FsckOnTruncate {
		if _, err = self.Fsck(); err != nil {
			return nil, errors.Wrap(err, "post-recovery check")
		}
	}
	self.checkpointer = journal.Checkpointer{
		Threshold: cfg.CheckpointThreshold,
		Interval:  cfg.CheckpointInterval}.Init(self.wal, self.Checkpoint)
	return self, nil
}

// Unmount checkpoints and detaches the instance; the device is left
// open for the caller to close.
func (self *Fs) Unmount() error {
	if self.checkpointer != nil {
		self.checkpointer.Close()
	}
	defer self.opLock.Locked()()
	if !self.mounted {
		return fserrors.ErrNotMounted
	}
	err := self.checkpoint("unmount")
	self.mounted = false
	self.Logger.Info("unmounted", zap.Stringer("uuid", self.sb.UUID),
		zap.Int("checkpoints", self.Checkpoints.GetInt()), zap.Error(err))
	return err
}

// fail makes the instance refuse further changes; used when the
// in-memory state may be ahead of what is durable.
func (self *Fs) fail(err error) error {
	defer self.failLock.Locked()()
	if self.failed == nil {
		self.failed = err
		self.Logger.Error("filesystem failed", zap.Error(err))
	}
	return err
}

func (self *Fs) usable() error {
	if !self.mounted {
		return fserrors.ErrNotMounted
	}
	defer self.failLock.Locked()()
	if self.failed != nil {
		return errors.Wrapf(fserrors.ErrFailed, "%v", self.failed)
	}
	return nil
}

// Device returns the device the instance is on.
func (self *Fs) Device() device.Device {
	return self.dev
}

func (self *Fs) Superblock() layout.Superblock {
	defer self.opLock.RLocked()()
	sb := self.sb
	sb.Zones = append([]layout.Zone(nil), self.sb.Zones...)
	return sb
}

type Stats struct {
	Generation   uint64
	Zones        []alloc.ZoneStats
	JournalUsage float64
	JournalPeak  float64
	Snapshots    int
	Head         uint64

	Buffers, Pages, Inodes cache.ARCStats

	NodeLoads, NodeHits int
	BlockReads          int
	BlockWrites         int
	Commits, Aborts     int
	Checkpoints         int
}

func (self *Fs) Stats() Stats {
	defer self.opLock.RLocked()()
	return Stats{
		Generation:   self.sb.Generation,
		Zones:        self.alloc.Stats(),
		JournalUsage: self.wal.Usage(),
		JournalPeak:  self.wal.PeakUsage(),
		Snapshots:    len(self.snapshots.List()),
		Head:         self.snapshots.Head(),
		Buffers:      self.buffers.Stats(),
		Pages:        self.pages.Stats(),
		Inodes:       self.inodes.Stats(),
		NodeLoads:    self.store.Loads.GetInt(),
		NodeHits:     self.store.Hits.GetInt(),
		BlockReads:   self.buffers.Reads.GetInt(),
		BlockWrites:  self.buffers.Writes.GetInt(),
		Commits:      self.txns.Commits.GetInt(),
		Aborts:       self.txns.Aborts.GetInt(),
		Checkpoints:  self.Checkpoints.GetInt(),
	}
}
