/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Wed Nov  7 14:30:12 2018 mstenber
 * Last modified: Wed Nov  7 17:58:40 2018 mstenber
 * Edit time:     121 min
 *
 */

package fs

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/fingon/go-cowfs/codec"
	"github.com/fingon/go-cowfs/device"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/snapshot"
	"github.com/fingon/go-cowfs/util"
	"github.com/stvp/assert"
)

const (
	testBlockSize = 1024
	testBlocks    = 2048
)

// small caches so that eviction and reloading get exercised
func testConfig() Config {
	return Config{NodeCacheSize: 8, BufferCacheSize: 32, PageCacheSize: 8,
		InodeCacheSize: 4, ReadAhead: 2}
}

func newDevice(t *testing.T, config Config) *device.InMemory {
	dev := device.NewInMemory(testBlockSize, testBlocks)
	assert.Nil(t, Mkfs(dev, config))
	return dev
}

func mount(t *testing.T, dev device.Device, config Config) *Fs {
	fs, err := Mount(dev, config)
	assert.Nil(t, err)
	return fs
}

// quiesce stops background checkpoints, so that what reaches the
// device is determined by the test alone.
func quiesce(fs *Fs) {
	if fs.checkpointer != nil {
		fs.checkpointer.Close()
		fs.checkpointer = nil
	}
}

func testData(seed int64, n int) []byte {
	return util.RandomBytes(rand.New(rand.NewSource(seed)), n)
}

func createFile(t *testing.T, fs *Fs, data []byte) uint64 {
	ino, err := fs.CreateInode(layout.InodeFile)
	assert.Nil(t, err)
	n, err := fs.Write(ino, 0, data)
	assert.Nil(t, err)
	assert.Equal(t, n, len(data))
	return ino
}

func assertContent(t *testing.T, fs *Fs, view, ino uint64, data []byte) {
	got, err := fs.ReadAt(view, ino, 0, len(data)+testBlockSize)
	assert.Nil(t, err)
	assert.Equal(t, len(got), len(data))
	assert.True(t, bytes.Equal(got, data))
}

func assertFsck(t *testing.T, fs *Fs) {
	report, err := fs.Fsck()
	assert.Nil(t, err)
	assert.Equal(t, len(report.Problems), 0, report.Problems)
}

func TestMkfsMount(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)
	rec, err := fs.Stat(RootIno)
	assert.Nil(t, err)
	assert.Equal(t, rec.Type, layout.InodeDirectory)
	assert.Nil(t, fs.RecoveryErr)
	st := fs.Stats()
	assert.Equal(t, st.Snapshots, 1)
	assert.Equal(t, st.Head, uint64(snapshot.RootId))
	assert.True(t, len(st.Zones) >= 2)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())

	_, err = fs.Stat(RootIno)
	assert.True(t, fserrors.Is(err, fserrors.ErrNotMounted))

	// too small for anything
	err = Mkfs(device.NewInMemory(testBlockSize, 16), config)
	assert.True(t, fserrors.Is(err, fserrors.ErrOutOfSpace))

	// damaged superblock refuses the mount
	dev.WriteBlock(layout.SuperblockBlock, make([]byte, testBlockSize))
	_, err = Mount(dev, config)
	assert.NotNil(t, err)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)

	data := testData(1, 37*testBlockSize+123)
	ino := createFile(t, fs, data)
	assert.Equal(t, ino, uint64(RootIno+1))
	assertContent(t, fs, fs.snapshots.Head(), ino, data)

	// unaligned overwrite in the middle
	patch := testData(2, 3*testBlockSize)
	_, err := fs.Write(ino, 1500, patch)
	assert.Nil(t, err)
	copy(data[1500:], patch)
	assertContent(t, fs, fs.snapshots.Head(), ino, data)

	// partial read
	got, err := fs.Read(ino, 100, 50)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(got, data[100:150]))
	got, err = fs.Read(ino, uint64(len(data)), 10)
	assert.Nil(t, err)
	assert.Equal(t, len(got), 0)

	rec, err := fs.Stat(ino)
	assert.Nil(t, err)
	assert.Equal(t, rec.Size, uint64(len(data)))
	assert.Equal(t, rec.Type, layout.InodeFile)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())

	fs = mount(t, dev, config)
	assertContent(t, fs, fs.snapshots.Head(), ino, data)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())
}

func TestInodes(t *testing.T) {
	t.Parallel()
	config := testConfig()
	fs := mount(t, newDevice(t, config), config)
	defer fs.Unmount()

	var inos []uint64
	for i := 0; i < 10; i++ {
		ino := createFile(t, fs, testData(int64(i), 100*i))
		inos = append(inos, ino)
	}
	err := fs.RemoveInode(inos[3])
	assert.Nil(t, err)
	_, err = fs.Stat(inos[3])
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidKey))
	_, err = fs.Read(inos[3], 0, 1)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidKey))
	assert.True(t, fserrors.Is(fs.RemoveInode(RootIno), fserrors.ErrInvalidKey))

	// freed number is reused
	ino, err := fs.CreateInode(layout.InodeSymlink)
	assert.Nil(t, err)
	assert.Equal(t, ino, inos[3])

	count := 0
	err = fs.Inodes(fs.snapshots.Head(), func(ino uint64, rec layout.InodeRecord) bool {
		count++
		return true
	})
	assert.Nil(t, err)
	assert.Equal(t, count, 11)
	assertFsck(t, fs)
}

func TestRemoveHeldInode(t *testing.T) {
	t.Parallel()
	config := testConfig()
	fs := mount(t, newDevice(t, config), config)
	defer fs.Unmount()

	data := testData(3, 5*testBlockSize)
	ino := createFile(t, fs, data)
	// a snapshot shares the blocks, so writes would have to copy
	_, err := fs.CreateSnapshot("shared")
	assert.Nil(t, err)
	head := fs.snapshots.Head()

	held, err := fs.acquire(head, ino)
	assert.Nil(t, err)
	assert.Nil(t, fs.RemoveInode(ino))
	assert.True(t, fs.inodes.Deleted(held))

	// the holder and later callers both see the inode gone
	_, err = fs.Write(ino, 0, data[:testBlockSize])
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidKey), err)
	fs.inodes.Release(held)
	_, err = fs.Write(ino, 0, data[:testBlockSize])
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidKey), err)
	assert.True(t, fserrors.Is(fs.Truncate(ino, 0), fserrors.ErrInvalidKey))

	// the number is reused by a fresh, empty inode
	again, err := fs.CreateInode(layout.InodeFile)
	assert.Nil(t, err)
	assert.Equal(t, again, ino)
	rec, err := fs.Stat(again)
	assert.Nil(t, err)
	assert.Equal(t, rec.Size, uint64(0))
	_, err = fs.Write(again, 0, data)
	assert.Nil(t, err)
	assertContent(t, fs, head, again, data)
	assertFsck(t, fs)
}

func TestFsckRefcountMismatch(t *testing.T) {
	t.Parallel()
	config := testConfig()
	fs := mount(t, newDevice(t, config), config)
	defer fs.Unmount()

	ino := createFile(t, fs, testData(8, 4*testBlockSize))
	rec, err := fs.Stat(ino)
	assert.Nil(t, err)
	k, ext, found, err := fs.tree.Lookup(rec.Root, 2)
	assert.Nil(t, err)
	assert.True(t, found)
	phys := ext.Start + 2 - k

	fs.alloc.RefInc(phys)
	report, err := fs.Fsck()
	assert.True(t, fserrors.Is(err, fserrors.ErrInconsistent), err)
	assert.True(t, !fserrors.Is(err, fserrors.ErrCorruptChecksum))
	assert.Equal(t, len(report.Problems), 1, report.Problems)
	assert.True(t, strings.Contains(report.Problems[0],
		fmt.Sprintf("block %d refcount 2, found 1 references", phys)), report.Problems)

	fs.alloc.RefDec(phys)
	assertFsck(t, fs)
}

func TestTruncatePunch(t *testing.T) {
	t.Parallel()
	config := testConfig()
	fs := mount(t, newDevice(t, config), config)
	defer fs.Unmount()

	data := testData(3, 8*testBlockSize)
	ino := createFile(t, fs, data)

	size := uint64(2*testBlockSize + 300)
	assert.Nil(t, fs.Truncate(ino, size))
	assertContent(t, fs, fs.snapshots.Head(), ino, data[:size])

	// growing shows zeros past the old end
	assert.Nil(t, fs.Truncate(ino, uint64(len(data))))
	want := make([]byte, len(data))
	copy(want, data[:size])
	assertContent(t, fs, fs.snapshots.Head(), ino, want)

	// punch spanning a partial block, a whole block and a partial one
	_, err := fs.Write(ino, 0, data)
	assert.Nil(t, err)
	assert.Nil(t, fs.Punch(ino, 4*testBlockSize+10, 2*testBlockSize))
	copy(want, data)
	for i := 4*testBlockSize + 10; i < 6*testBlockSize+10; i++ {
		want[i] = 0
	}
	assertContent(t, fs, fs.snapshots.Head(), ino, want)
	rec, err := fs.Stat(ino)
	assert.Nil(t, err)
	assert.Equal(t, rec.Size, uint64(len(data)))

	assert.Nil(t, fs.Checkpoint())
	assertFsck(t, fs)
}

func TestCrashAfterCommit(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)
	quiesce(fs)

	data := testData(4, 20*testBlockSize)
	ino := createFile(t, fs, data)
	snap, err := fs.CreateSnapshot("before")
	assert.Nil(t, err)
	patch := testData(5, 2*testBlockSize)
	_, err = fs.Write(ino, 0, patch)
	assert.Nil(t, err)
	dev.Crash()

	fs = mount(t, dev, config)
	assert.Nil(t, fs.RecoveryErr)
	assert.True(t, fs.Recovery.Replayed > 0)
	old := append([]byte(nil), data...)
	copy(data, patch)
	assertContent(t, fs, fs.snapshots.Head(), ino, data)
	assertContent(t, fs, snap.Id, ino, old)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())
}

func TestFailedCommitLeavesNothing(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)
	quiesce(fs)

	data := testData(6, 5*testBlockSize)
	ino := createFile(t, fs, data)
	assert.Nil(t, fs.Checkpoint())

	dev.FailAfter(0)
	_, err := fs.Write(ino, 0, testData(7, 4*testBlockSize))
	assert.NotNil(t, err)
	_, err = fs.Stat(ino)
	assert.True(t, fserrors.Is(err, fserrors.ErrFailed))
	dev.Crash()

	fs = mount(t, dev, config)
	assertContent(t, fs, fs.snapshots.Head(), ino, data)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())
}

func TestTornJournalTail(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.FsckOnTruncate = true
	dev := newDevice(t, config)
	fs := mount(t, dev, config)
	quiesce(fs)

	data := testData(8, 5*testBlockSize)
	ino := createFile(t, fs, data)
	assert.Nil(t, fs.Checkpoint())
	more := testData(9, 2*testBlockSize)
	_, err := fs.Write(ino, uint64(len(data)), more)
	assert.Nil(t, err)

	// the first journal block of the next transaction is torn
	dev.FailAfter(1)
	_, err = fs.Write(ino, 0, testData(10, 4*testBlockSize))
	assert.NotNil(t, err)
	dev.CrashPartial(0, 100)

	fs = mount(t, dev, config)
	assert.True(t, fserrors.Is(fs.RecoveryErr, fserrors.ErrRecoveryTruncated))
	assert.True(t, fs.Recovery.Truncated)
	assertContent(t, fs, fs.snapshots.Head(), ino, append(data, more...))
	assert.Nil(t, fs.Unmount())

	// the torn part is not looked at again
	fs = mount(t, dev, config)
	assert.Nil(t, fs.RecoveryErr)
	assert.Nil(t, fs.Unmount())
}

func TestReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)
	quiesce(fs)

	data := testData(11, 12*testBlockSize)
	ino := createFile(t, fs, data)
	_, err := fs.CreateSnapshot("s")
	assert.Nil(t, err)
	ino2 := createFile(t, fs, testData(12, 3*testBlockSize))
	assert.Nil(t, fs.RemoveInode(ino2))
	dev.Crash()

	// replay succeeds, but the checkpoint after it does not
	dev.FailAfter(5)
	_, err = Mount(dev, config)
	assert.NotNil(t, err)
	dev.Crash()

	fs = mount(t, dev, config)
	assert.True(t, fs.Recovery.Replayed > 0)
	assertContent(t, fs, fs.snapshots.Head(), ino, data)
	_, err = fs.Stat(ino2)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidKey))
	l, err := fs.Snapshots()
	assert.Nil(t, err)
	assert.Equal(t, len(l), 2)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())
}

// lastTxn returns the records of the newest committed transaction
// since the last checkpoint.
func lastTxn(t *testing.T, fs *Fs) []*journal.Record {
	sb := fs.sb
	start := journal.Position{Seq: sb.CheckpointSeq, Block: sb.CheckpointBlock,
		NextLSN: sb.CheckpointLSN + 1}
	var last []*journal.Record
	_, err := journal.Recover(fs.dev, sb.Journal, start, sb.CheckpointLSN, func(recs []*journal.Record) error {
		last = recs
		return nil
	})
	assert.Nil(t, err)
	assert.True(t, len(last) > 0)
	return last
}

type blockState struct {
	refs uint32
	data []byte
}

// dataState returns reference count and content of every allocated
// data block.
func dataState(t *testing.T, fs *Fs) map[uint64]blockState {
	st := make(map[uint64]blockState)
	for _, z := range fs.sb.Zones {
		if z.Kind == layout.ZoneMetadata {
			continue
		}
		for b := z.Start; b < z.Start+z.Length; b++ {
			if !fs.alloc.IsAllocated(b) {
				continue
			}
			buf := make([]byte, testBlockSize)
			assert.Nil(t, fs.buffers.ReadBlock(b, buf))
			st[b] = blockState{refs: fs.alloc.RefCount(b), data: buf}
		}
	}
	return st
}

// inodeState returns the inode records of view; index roots are left
// out as applying again may move the index nodes.
func inodeState(t *testing.T, fs *Fs, view uint64) map[uint64]layout.InodeRecord {
	m := make(map[uint64]layout.InodeRecord)
	err := fs.Inodes(view, func(ino uint64, rec layout.InodeRecord) bool {
		rec.Root = 0
		m[ino] = rec
		return true
	})
	assert.Nil(t, err)
	return m
}

// reapply runs recs through replay once more, as a recovery that
// started before they were checkpointed would.
func reapply(t *testing.T, fs *Fs, recs []*journal.Record) {
	func() {
		defer fs.opLock.Locked()()
		rp := &replayer{fs: fs}
		assert.Nil(t, rp.replay(recs))
	}()
	for _, s := range fs.snapshots.List() {
		fs.inodes.ForgetView(s.Id)
		fs.pages.InvalidateView(s.Id)
	}
}

func TestReapplyCommittedTxn(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)
	quiesce(fs)

	bs := uint64(testBlockSize)
	data := testData(31, 6*testBlockSize)
	var ino, ino2 uint64
	write := func(off uint64, b []byte) func() error {
		return func() error {
			_, err := fs.Write(ino, off, b)
			return err
		}
	}
	steps := []struct {
		name string
		op   func() error
	}{
		{"create", func() (err error) {
			ino, err = fs.CreateInode(layout.InodeFile)
			return
		}},
		{"write", write(0, data)},
		{"snapshot", func() error {
			_, err := fs.CreateSnapshot("s")
			return err
		}},
		{"cow", write(bs, data[:bs])},
		{"in place", write(bs, data[2*bs:3*bs])},
		{"append", write(uint64(len(data))+100, data[:bs])},
		{"punch", func() error { return fs.Punch(ino, 2*bs, 2*bs) }},
		{"truncate", func() error { return fs.Truncate(ino, 3*bs+10) }},
		{"create second", func() (err error) {
			ino2, err = fs.CreateInode(layout.InodeFile)
			return
		}},
		{"remove second", func() error { return fs.RemoveInode(ino2) }},
	}
	for _, step := range steps {
		assert.Nil(t, step.op(), step.name)
		head := fs.snapshots.Head()
		recs := lastTxn(t, fs)
		blocks := dataState(t, fs)
		inodes := inodeState(t, fs, head)
		content, err := fs.Read(ino, 0, 1<<20)
		assert.Nil(t, err)

		reapply(t, fs, recs)
		assert.Equal(t, dataState(t, fs), blocks, step.name)
		assert.Equal(t, inodeState(t, fs, head), inodes, step.name)
		assertContent(t, fs, head, ino, content)
		assertFsck(t, fs)
	}

	dev.Crash()
	fs = mount(t, dev, config)
	assert.True(t, fs.Recovery.Replayed > 0)
	got, err := fs.Read(ino, 0, 1<<20)
	assert.Nil(t, err)
	assert.Equal(t, uint64(len(got)), 3*bs+10)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())
}

func TestSnapshots(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)

	a := testData(13, 6*testBlockSize)
	ino := createFile(t, fs, a)
	snap, err := fs.CreateSnapshot("a")
	assert.Nil(t, err)
	assert.False(t, snap.Writable)

	b := append([]byte(nil), a...)
	patch := testData(14, testBlockSize)
	copy(b, patch)
	_, err = fs.Write(ino, 0, patch)
	assert.Nil(t, err)
	assertContent(t, fs, fs.snapshots.Head(), ino, b)
	assertContent(t, fs, snap.Id, ino, a)

	// frozen snapshots refuse changes
	_, err = fs.WriteAt(snap.Id, ino, 0, patch)
	assert.True(t, fserrors.Is(err, fserrors.ErrReadOnly))
	assertContent(t, fs, snap.Id, ino, a)

	// overwrite of offset 0 is the only difference
	var diffs []snapshot.DiffEntry
	err = fs.Diff(snap.Id, fs.snapshots.Head(), func(e snapshot.DiffEntry) bool {
		diffs = append(diffs, e)
		return true
	})
	assert.Nil(t, err)
	assert.Equal(t, len(diffs), 1, diffs)
	assert.Equal(t, diffs[0].Kind, snapshot.DiffRange)
	assert.Equal(t, diffs[0].Offset, uint64(0))
	assert.Equal(t, diffs[0].Length, uint64(1))

	// clone diverges from its origin
	clone, err := fs.Clone(snap.Id, "c")
	assert.Nil(t, err)
	assert.True(t, clone.Writable)
	c := append([]byte(nil), a...)
	copy(c[3*testBlockSize:], patch)
	_, err = fs.WriteAt(clone.Id, ino, 3*testBlockSize, patch)
	assert.Nil(t, err)
	assertContent(t, fs, clone.Id, ino, c)
	assertContent(t, fs, snap.Id, ino, a)
	assertContent(t, fs, fs.snapshots.Head(), ino, b)

	// snapshot with children stays
	assert.True(t, fserrors.Is(fs.DeleteSnapshot(snap.Id), fserrors.ErrSnapshotState))
	assert.True(t, fserrors.Is(fs.DeleteSnapshot(snapshot.RootId), fserrors.ErrSnapshotState))

	assert.Nil(t, fs.Rollback(snap.Id))
	assertContent(t, fs, fs.snapshots.Head(), ino, a)
	assert.True(t, fserrors.Is(fs.Rollback(fs.snapshots.Head()), fserrors.ErrSnapshotState))
	assert.Nil(t, fs.DeleteSnapshot(clone.Id))
	assert.Nil(t, fs.DeleteSnapshot(snap.Id))
	_, err = fs.ReadAt(snap.Id, ino, 0, 1)
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidKey))
	assert.Nil(t, fs.Checkpoint())
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())

	fs = mount(t, dev, config)
	l, err := fs.Snapshots()
	assert.Nil(t, err)
	assert.Equal(t, len(l), 1)
	assertContent(t, fs, fs.snapshots.Head(), ino, a)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())
}

func TestCheckpointDuringDiff(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)
	quiesce(fs)

	data := testData(21, 8*testBlockSize)
	ino := createFile(t, fs, data)
	snap, err := fs.CreateSnapshot("before")
	assert.Nil(t, err)
	_, err = fs.Write(ino, testBlockSize, data[:testBlockSize])
	assert.Nil(t, err)

	var wg util.SimpleWaitGroup
	entries := 0
	err = fs.Diff(snap.Id, fs.snapshots.Head(), func(e snapshot.DiffEntry) bool {
		if entries == 0 {
			wg.Go(func() {
				assert.Nil(t, fs.Checkpoint())
			})
		}
		entries++
		return true
	})
	assert.Nil(t, err)
	assert.True(t, entries > 0)
	wg.Wait()
	dev.Crash()

	fs = mount(t, dev, config)
	copy(data[testBlockSize:], data[:testBlockSize])
	assertContent(t, fs, fs.snapshots.Head(), ino, data)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())
}

func TestSetHead(t *testing.T) {
	t.Parallel()
	config := testConfig()
	dev := newDevice(t, config)
	fs := mount(t, dev, config)

	a := testData(15, 2*testBlockSize)
	ino := createFile(t, fs, a)
	snap, err := fs.CreateSnapshot("frozen")
	assert.Nil(t, err)
	assert.True(t, fserrors.Is(fs.SetHead(snap.Id), fserrors.ErrReadOnly))
	clone, err := fs.Clone(snap.Id, "branch")
	assert.Nil(t, err)
	assert.Nil(t, fs.SetHead(clone.Id))
	b := testData(16, 2*testBlockSize)
	_, err = fs.Write(ino, 0, b)
	assert.Nil(t, err)
	assertContent(t, fs, clone.Id, ino, b)
	assertContent(t, fs, snapshot.RootId, ino, a)
	assert.Nil(t, fs.Unmount())

	fs = mount(t, dev, config)
	assert.Equal(t, fs.snapshots.Head(), clone.Id)
	assertContent(t, fs, fs.snapshots.Head(), ino, b)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())
}

func TestOutOfSpaceRetry(t *testing.T) {
	t.Parallel()
	config := testConfig()
	// only checkpoints forced by running out release space
	config.CheckpointThreshold = 0.99
	fs := mount(t, newDevice(t, config), config)
	defer fs.Unmount()

	var free uint64
	for _, z := range fs.Stats().Zones {
		if z.Kind != layout.ZoneMetadata {
			free += z.Free
		}
	}
	n := int(free * 2 / 3)
	ino := createFile(t, fs, testData(17, n*testBlockSize))
	assert.Nil(t, fs.RemoveInode(ino))

	// fits only once the removed file's blocks are really free
	data := testData(18, n*testBlockSize)
	ino = createFile(t, fs, data)
	assertContent(t, fs, fs.snapshots.Head(), ino, data)
	assertFsck(t, fs)

	// more than there is at all
	_, err := fs.Write(ino, uint64(len(data)), testData(19, int(free)*testBlockSize))
	assert.True(t, fserrors.Is(err, fserrors.ErrOutOfSpace))
	assertFsck(t, fs)
}

func TestTransforms(t *testing.T) {
	t.Parallel()
	config := testConfig()
	config.Compression = codec.CompressionZstd
	config.Encryption = codec.EncryptionAESXTS
	config.Password = "hunter2"
	dev := newDevice(t, config)
	fs := mount(t, dev, config)

	// compressible and incompressible blocks
	data := append(bytes.Repeat([]byte("cowfs "), 2000), testData(20, 5*testBlockSize)...)
	ino := createFile(t, fs, data)
	assert.Nil(t, fs.Unmount())

	// nothing of the plaintext is on the device
	b := make([]byte, testBlockSize)
	for n := uint64(0); n < testBlocks; n++ {
		assert.Nil(t, dev.ReadBlock(n, b))
		assert.False(t, bytes.Contains(b, []byte("cowfs cowfs ")), n)
	}

	fs = mount(t, dev, config)
	assertContent(t, fs, fs.snapshots.Head(), ino, data)
	assertFsck(t, fs)
	assert.Nil(t, fs.Unmount())

	wrong := config
	wrong.Password = "hunter3"
	_, err := Mount(dev, wrong)
	assert.NotNil(t, err)
	wrong.Password = ""
	_, err = Mount(dev, wrong)
	assert.NotNil(t, err)
}

func TestConcurrentWriters(t *testing.T) {
	t.Parallel()
	config := testConfig()
	fs := mount(t, newDevice(t, config), config)
	defer fs.Unmount()

	const writers = 4
	inos := make([]uint64, writers)
	datas := make([][]byte, writers)
	for i := range inos {
		ino, err := fs.CreateInode(layout.InodeFile)
		assert.Nil(t, err)
		inos[i] = ino
		datas[i] = testData(int64(100+i), 9*testBlockSize+i)
	}
	var wg util.SimpleWaitGroup
	for i := range inos {
		i := i
		wg.Go(func() {
			for off := 0; off < len(datas[i]); off += 700 {
				end := util.IMin(off+700, len(datas[i]))
				_, err := fs.Write(inos[i], uint64(off), datas[i][off:end])
				assert.Nil(t, err)
			}
		})
	}
	wg.Wait()
	for i := range inos {
		assertContent(t, fs, fs.snapshots.Head(), inos[i], datas[i])
	}
	assertFsck(t, fs)
}
