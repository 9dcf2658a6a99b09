/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Nov  6 15:10:32 2018 mstenber
 * Last modified: Wed Nov  7 14:02:18 2018 mstenber
 * Edit time:     168 min
 *
 */

package fs

import (
	"github.com/fingon/go-cowfs/cache"
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/journal"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

// blockWrite is one file block being written.
type blockWrite struct {
	fb     uint64
	plain  []byte
	target uint64
	stored []byte
	flags  layout.ExtentFlags

	// inPlace blocks overwrite their current, unshared location
	// after the commit; remap is set if the mapping changes
	inPlace, remap bool

	// fresh blocks were allocated by this transaction
	fresh bool
}

// writer collects the block writes of one transaction on one inode.
type writer struct {
	fs          *Fs
	view        uint64
	inode       *cache.Inode
	txn         *journal.Txn
	radixShared bool
	blocks      []*blockWrite
	allocs      []*journal.Record
	fresh       []layout.Extent
	hint        uint64
}

func (self *Fs) newWriter(view uint64, inode *cache.Inode) (*writer, error) {
	root, err := self.snapshots.Root(view)
	if err != nil {
		return nil, err
	}
	_, found, shared, err := self.radix.Get(root, inode.Ino)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fserrors.InvalidKey("inode %d in snapshot %d", inode.Ino, view)
	}
	return &writer{fs: self, view: view, inode: inode, txn: self.txns.Begin(),
		radixShared: shared}, nil
}

// add queues new plaintext of file block fb; blocks must be added in
// increasing order.
func (self *writer) add(fb uint64, plain []byte) {
	self.blocks = append(self.blocks, &blockWrite{fb: fb, plain: plain})
}

func (self *writer) allocate(count uint32) (layout.Extent, layout.ZoneKind, error) {
	var err error
	for _, kind := range []layout.ZoneKind{layout.ZoneData, layout.ZoneLocality} {
		if !self.fs.alloc.HasZone(kind) {
			continue
		}
		var ext layout.Extent
		ext, err = self.fs.alloc.Allocate(kind, count, self.hint)
		if err == nil {
			return ext, kind, nil
		}
		if !fserrors.Is(err, fserrors.ErrOutOfSpace) {
			break
		}
	}
	return layout.Extent{}, 0, err
}

func (self *writer) store(b *blockWrite, target uint64) error {
	stored, flags, err := self.fs.transform.Encode(target, b.plain)
	if err != nil {
		return err
	}
	b.target, b.stored, b.flags = target, stored, flags
	self.hint = target + 1
	if b.inPlace {
		return nil
	}
	return self.fs.buffers.WriteBlock(target, stored, self.txn.Id)
}

func (self *writer) allocated(kind layout.ZoneKind, ext layout.Extent) {
	self.fresh = append(self.fresh, ext)
	self.allocs = append(self.allocs, &journal.Record{Kind: journal.RecordAlloc, Zone: kind, Ext: ext})
}

// placeHoles gives new blocks to consecutive unmapped file blocks;
// fragmented free space splits the run.
func (self *writer) placeHoles(run []*blockWrite) error {
	if len(run) == 0 {
		return nil
	}
	ext, kind, err := self.allocate(uint32(len(run)))
	if err != nil {
		if len(run) == 1 || !fserrors.Is(err, fserrors.ErrOutOfSpace) {
			return err
		}
		half := len(run) / 2
		if err = self.placeHoles(run[:half]); err != nil {
			return err
		}
		return self.placeHoles(run[half:])
	}
	self.allocated(kind, ext)
	for i, b := range run {
		b.fresh = true
		b.remap = true
		if err = self.store(b, ext.Start+uint64(i)); err != nil {
			return err
		}
	}
	return nil
}

// cow gives b a private copy of the shared block phys.
func (self *writer) cow(b *blockWrite, phys uint64) error {
	alloc := self.fs.alloc
	// CowSplit drops a reference on behalf of the caller, and the
	// one held by the index goes away with the old mapping
	alloc.RefInc(phys)
	copyFn := func(from, to uint64) error {
		return self.store(b, to)
	}
	kind := layout.ZoneData
	to, err := alloc.CowSplit(kind, phys, copyFn)
	if fserrors.Is(err, fserrors.ErrOutOfSpace) && alloc.HasZone(layout.ZoneLocality) {
		kind = layout.ZoneLocality
		to, err = alloc.CowSplit(kind, phys, copyFn)
	}
	if err != nil {
		alloc.RefDec(phys)
		return err
	}
	b.fresh = true
	b.remap = true
	self.allocated(kind, layout.Extent{Start: to, Length: 1})
	return nil
}

// place decides where every block goes: unshared mapped blocks are
// overwritten in place, shared ones are copied, holes get new blocks.
func (self *writer) place() error {
	tree := self.fs.tree
	root := self.inode.Record.Root
	var holes []*blockWrite
	for _, b := range self.blocks {
		k, ext, found, shared, err := tree.LookupShared(root, b.fb)
		if err != nil {
			return err
		}
		if !found {
			if len(holes) > 0 && holes[len(holes)-1].fb+1 != b.fb {
				if err = self.placeHoles(holes); err != nil {
					return err
				}
				holes = nil
			}
			holes = append(holes, b)
			continue
		}
		if err = self.placeHoles(holes); err != nil {
			return err
		}
		holes = nil
		phys := ext.Start + b.fb - k
		if !self.radixShared && !shared && self.fs.alloc.RefCount(phys) == 1 {
			b.inPlace = true
			if err = self.store(b, phys); err != nil {
				return err
			}
			b.remap = b.flags != ext.Flags
			continue
		}
		if err = self.cow(b, phys); err != nil {
			return err
		}
	}
	return self.placeHoles(holes)
}

func (self *writer) undo() {
	for _, ext := range self.fresh {
		for n := ext.Start; n < ext.End(); n++ {
			self.fs.buffers.Invalidate(n)
		}
		self.fs.alloc.Free(ext)
	}
	self.fresh = nil
}

// records returns the redo records of the placed blocks.
func (self *writer) records() []*journal.Record {
	recs := append([]*journal.Record(nil), self.allocs...)
	for _, b := range self.blocks {
		recs = append(recs, &journal.Record{Kind: journal.RecordBlockWrite,
			Ext:  layout.Extent{Start: b.target, Length: 1, Flags: b.flags},
			Data: b.stored})
	}
	var run *journal.Record
	var last *blockWrite
	for _, b := range self.blocks {
		if !b.remap {
			run = nil
			continue
		}
		if run != nil && last.fb+1 == b.fb && last.target+1 == b.target &&
			last.flags == b.flags && last.fresh == b.fresh {
			run.Ext.Length++
		} else {
			run = &journal.Record{Kind: journal.RecordIndexSet,
				View: self.view, Ino: self.inode.Ino, Offset: b.fb,
				Ext:   layout.Extent{Start: b.target, Length: 1, Flags: b.flags},
				Fresh: b.fresh}
			recs = append(recs, run)
		}
		last = b
	}
	return recs
}

// commit places the blocks, and commits them together with extra
// records.
func (self *writer) commit(extra ...*journal.Record) error {
	fs := self.fs
	if err := self.place(); err != nil {
		self.txn.Abort()
		self.undo()
		return err
	}
	for _, r := range self.records() {
		self.txn.Add(r)
	}
	for _, r := range extra {
		self.txn.Add(r)
	}
	if _, err := fs.transact(self.view, self.txn, self.inode, nil, self.undo); err != nil {
		return err
	}
	for _, ext := range self.fresh {
		fs.alloc.RefDecExtent(ext)
	}
	for _, b := range self.blocks {
		if b.inPlace {
			if err := fs.buffers.WriteBlock(b.target, b.stored, self.txn.Id); err != nil {
				return err
			}
		}
		fs.pages.Put(cache.PageKey{View: self.view, Ino: self.inode.Ino, Page: b.fb}, b.plain)
	}
	mlog.Printf2("fs/file", "commit %v: %d blocks, %d fresh extents", self.txn, len(self.blocks), len(self.fresh))
	return nil
}

func (self *Fs) acquire(view, ino uint64) (*cache.Inode, error) {
	return self.inodes.Acquire(cache.InodeKey{View: view, Ino: ino}, func() (layout.InodeRecord, error) {
		root, err := self.snapshots.Root(view)
		if err != nil {
			return layout.InodeRecord{}, err
		}
		rec, found, _, err := self.radix.Get(root, ino)
		if err == nil && !found {
			err = fserrors.InvalidKey("inode %d in snapshot %d", ino, view)
		}
		return rec, err
	})
}

// withInode runs fn with the inode referenced and locked.
func (self *Fs) withInode(view, ino uint64, fn func(inode *cache.Inode) error) error {
	inode, err := self.acquire(view, ino)
	if err != nil {
		return err
	}
	defer self.inodes.Release(inode)
	defer inode.Locked()()
	if self.inodes.Deleted(inode) {
		return fserrors.InvalidKey("inode %d in snapshot %d was removed", ino, view)
	}
	return fn(inode)
}

// readBlock returns a private copy of the plaintext of file block fb.
func (self *Fs) readBlock(rec layout.InodeRecord, fb uint64) ([]byte, error) {
	bs := self.dev.BlockSize()
	k, ext, found, err := self.tree.Lookup(rec.Root, fb)
	if err != nil {
		return nil, err
	}
	if !found {
		return make([]byte, bs), nil
	}
	phys := ext.Start + fb - k
	stored := make([]byte, bs)
	if err = self.buffers.ReadBlock(phys, stored); err != nil {
		return nil, err
	}
	plain, err := self.transform.Decode(phys, stored, ext.Flags)
	if err != nil {
		return nil, errors.Wrapf(err, "file block %d", fb)
	}
	return plain, nil
}

// page returns plaintext of file block fb through the page cache.
func (self *Fs) page(view uint64, rec layout.InodeRecord, ino, fb uint64) ([]byte, error) {
	bs := uint64(self.dev.BlockSize())
	data, err := self.pages.Read(cache.PageKey{View: view, Ino: ino, Page: fb}, func(page uint64) ([]byte, error) {
		if page*bs >= rec.Size {
			return nil, nil
		}
		return self.readBlock(rec, page)
	})
	if err == nil && data == nil {
		data = make([]byte, bs)
	}
	return data, err
}

// ReadAt returns up to length bytes at offset of inode ino in snapshot
// view; reads stop at the end of the file.
func (self *Fs) ReadAt(view, ino, offset uint64, length int) (out []byte, err error) {
	err = self.shared(func() error {
		return self.withInode(view, ino, func(inode *cache.Inode) error {
			rec := inode.Record
			if offset >= rec.Size || length <= 0 {
				out = []byte{}
				return nil
			}
			bs := uint64(self.dev.BlockSize())
			end := util.U64Min(offset+uint64(length), rec.Size)
			out = make([]byte, 0, end-offset)
			for pos := offset; pos < end; {
				fb := pos / bs
				data, err := self.page(view, rec, ino, fb)
				if err != nil {
					return err
				}
				hi := util.U64Min(end-fb*bs, bs)
				out = append(out, data[pos-fb*bs:hi]...)
				pos = fb*bs + hi
			}
			return nil
		})
	})
	return
}

// Read reads from the live head.
func (self *Fs) Read(ino, offset uint64, length int) ([]byte, error) {
	return self.ReadAt(self.snapshots.Head(), ino, offset, length)
}

func (self *Fs) chunkBlocks() uint64 {
	n := self.sb.Journal.Length / 4
	if c := uint64(self.BufferCacheSize / 2); c < n {
		n = c
	}
	if n == 0 {
		n = 1
	}
	return n
}

// WriteAt writes data at offset of inode ino in writable snapshot
// view. Large writes are split into several transactions; each of them
// is atomic, and the count of bytes durably written is returned.
func (self *Fs) WriteAt(view, ino, offset uint64, data []byte) (int, error) {
	bs := uint64(self.dev.BlockSize())
	chunk := self.chunkBlocks() * bs
	written := 0
	for written < len(data) {
		off := offset + uint64(written)
		n := int(util.U64Min(chunk-off%bs, uint64(len(data)-written)))
		part := data[written : written+n]
		err := self.mutate(func() error {
			return self.writeChunk(view, ino, off, part)
		})
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Write writes to the live head.
func (self *Fs) Write(ino, offset uint64, data []byte) (int, error) {
	return self.WriteAt(self.snapshots.Head(), ino, offset, data)
}

func (self *Fs) writeChunk(view, ino, off uint64, data []byte) error {
	return self.withInode(view, ino, func(inode *cache.Inode) error {
		w, err := self.newWriter(view, inode)
		if err != nil {
			return err
		}
		bs := uint64(self.dev.BlockSize())
		end := off + uint64(len(data))
		for fb := off / bs; fb*bs < end; fb++ {
			start := fb * bs
			var lo uint64
			if off > start {
				lo = off - start
			}
			hi := util.U64Min(end-start, bs)
			var plain []byte
			if lo == 0 && hi == bs {
				plain = append([]byte(nil), data[start-off:start-off+bs]...)
			} else {
				if plain, err = self.readBlock(inode.Record, fb); err != nil {
					w.txn.Abort()
					return err
				}
				copy(plain[lo:hi], data[start+lo-off:])
			}
			w.add(fb, plain)
		}
		rec := inode.Record
		if end > rec.Size {
			rec.Size = end
		}
		rec.Mtime = now()
		rec.Ctime = rec.Mtime
		return w.commit(&journal.Record{Kind: journal.RecordInodeSet,
			View: view, Ino: ino, Inode: rec})
	})
}

// zeroPart queues block fb with bytes [lo, hi) cleared, if it is
// mapped.
func (self *Fs) zeroPart(w *writer, rec layout.InodeRecord, fb, lo, hi uint64) error {
	_, _, found, err := self.tree.Lookup(rec.Root, fb)
	if err != nil || !found {
		return err
	}
	plain, err := self.readBlock(rec, fb)
	if err != nil {
		return err
	}
	for i := lo; i < hi; i++ {
		plain[i] = 0
	}
	w.add(fb, plain)
	return nil
}

// TruncateAt sets the size of inode ino in writable snapshot view.
// Blocks past the new end are unmapped, and the tail of the last
// block is cleared, so growing the file again shows zeros.
func (self *Fs) TruncateAt(view, ino, size uint64) error {
	return self.mutate(func() error {
		return self.withInode(view, ino, func(inode *cache.Inode) error {
			rec := inode.Record
			w, err := self.newWriter(view, inode)
			if err != nil {
				return err
			}
			bs := uint64(self.dev.BlockSize())
			var extra []*journal.Record
			if size < rec.Size {
				if size%bs != 0 {
					if err = self.zeroPart(w, rec, size/bs, size%bs, bs); err != nil {
						w.txn.Abort()
						return err
					}
				}
				extra = append(extra, &journal.Record{Kind: journal.RecordTruncate,
					View: view, Ino: ino, End: size})
			}
			old := rec.Size
			rec.Size = size
			rec.Mtime = now()
			rec.Ctime = rec.Mtime
			extra = append(extra, &journal.Record{Kind: journal.RecordInodeSet,
				View: view, Ino: ino, Inode: rec})
			if err = w.commit(extra...); err != nil {
				return err
			}
			if size < old {
				self.pages.InvalidateInode(view, ino, util.CeilDiv(size, bs))
			}
			return nil
		})
	})
}

func (self *Fs) Truncate(ino, size uint64) error {
	return self.TruncateAt(self.snapshots.Head(), ino, size)
}

// Punch deallocates [offset, offset+length) of inode ino in the live
// head; the range reads as zeros afterwards, and the size does not
// change.
func (self *Fs) Punch(ino, offset, length uint64) error {
	view := self.snapshots.Head()
	return self.mutate(func() error {
		return self.withInode(view, ino, func(inode *cache.Inode) error {
			rec := inode.Record
			end := util.U64Min(offset+length, rec.Size)
			if offset >= end {
				return nil
			}
			w, err := self.newWriter(view, inode)
			if err != nil {
				return err
			}
			bs := uint64(self.dev.BlockSize())
			first := util.CeilDiv(offset, bs)
			last := end / bs
			if end == rec.Size {
				// the tail past the size is zero already
				last = util.CeilDiv(end, bs)
			}
			if first > last {
				// within one block
				err = self.zeroPart(w, rec, offset/bs, offset%bs, end-offset/bs*bs)
			} else {
				if offset%bs != 0 {
					err = self.zeroPart(w, rec, offset/bs, offset%bs, bs)
				}
				if err == nil && last*bs < end {
					err = self.zeroPart(w, rec, last, 0, end-last*bs)
				}
			}
			if err != nil {
				w.txn.Abort()
				return err
			}
			var extra []*journal.Record
			if first < last {
				extra = append(extra, &journal.Record{Kind: journal.RecordIndexDelete,
					View: view, Ino: ino, Offset: first, End: last})
			}
			rec.Mtime = now()
			rec.Ctime = rec.Mtime
			extra = append(extra, &journal.Record{Kind: journal.RecordInodeSet,
				View: view, Ino: ino, Inode: rec})
			if err = w.commit(extra...); err != nil {
				return err
			}
			if last-first > uint64(self.PageCacheSize) {
				self.pages.InvalidateInode(view, ino, first)
				return nil
			}
			for fb := first; fb < last; fb++ {
				self.pages.Invalidate(cache.PageKey{View: view, Ino: ino, Page: fb})
			}
			return nil
		})
	})
}
