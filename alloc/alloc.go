/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Tue Oct 23 10:10:40 2018 mstenber
 * Last modified: Thu Oct 25 16:40:12 2018 mstenber
 * Edit time:     212 min
 *
 */

// alloc is the block allocator. The device is split into zones
// (metadata, data, locality), each with its own lock, bitmap, free
// run list with buddy view, and per-block reference counts.
//
// Reference counts implement copy-on-write sharing: a block is owned
// by whoever holds references to it, and when the count drops to zero
// the block is not freed immediately but deferred until
// ReleaseDeferred (called after the next checkpoint), so that on-disk
// structures described by the previous checkpoint stay intact until
// a newer one is durable.
package alloc

import (
	"fmt"
	"sort"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/mlog"
	"github.com/fingon/go-cowfs/util"
	"github.com/pkg/errors"
)

// DefaultBuddyThreshold is the request size (in blocks) from which on
// the buddy allocator is used instead of the bitmap scan.
const DefaultBuddyThreshold = 16

type zone struct {
	layout.Zone
	lock     util.MutexLocked
	bits     *bitmap
	free     *freeList
	refs     []uint32
	deferred map[uint64]struct{}
	cursor   uint64
}

func newZone(z layout.Zone) *zone {
	self := &zone{Zone: z,
		bits:     newBitmap(z.Length),
		free:     newFreeList(),
		refs:     make([]uint32, z.Length),
		deferred: make(map[uint64]struct{})}
	if z.Length > 0 {
		self.free.release(0, z.Length)
	}
	return self
}

// take marks [i, i+n) (relative) allocated with refcount 1.
func (self *zone) take(i, n uint64) {
	self.bits.setRange(i, n, true)
	self.free.carve(i, n)
	for j := i; j < i+n; j++ {
		self.refs[j] = 1
	}
	self.cursor = i + n
	if self.cursor >= self.Length {
		self.cursor = 0
	}
}

// give frees [i, i+n) (relative).
func (self *zone) give(i, n uint64) {
	self.bits.setRange(i, n, false)
	self.free.release(i, n)
	for j := i; j < i+n; j++ {
		self.refs[j] = 0
	}
}

func (self *zone) allocate(count, hint uint64, buddyThreshold int) (uint64, bool) {
	if count >= uint64(buddyThreshold) {
		if s, ok := self.free.buddyFind(util.Log2Ceil(count)); ok {
			mlog.Printf2("alloc/alloc", "buddy %d -> %d", count, s)
			self.take(s, count)
			return s, true
		}
	}
	if hint < self.Start || hint >= self.Start+self.Length {
		hint = self.cursor
	} else {
		hint -= self.Start
	}
	s, ok := self.bits.findRun(hint, count)
	if !ok && hint > 0 {
		s, ok = self.bits.findRun(0, count)
	}
	if !ok {
		return 0, false
	}
	self.take(s, count)
	return s, true
}

// Allocator manages the zones of one device.
type Allocator struct {
	// BuddyThreshold is the request size from which on the buddy
	// allocator is tried first.
	BuddyThreshold int

	zones []*zone
}

// Init sets up allocator for the given zones, all blocks free.
func (self Allocator) Init(zones []layout.Zone) *Allocator {
	if self.BuddyThreshold == 0 {
		self.BuddyThreshold = DefaultBuddyThreshold
	}
	for _, z := range zones {
		self.zones = append(self.zones, newZone(z))
	}
	sort.Slice(self.zones, func(i, j int) bool {
		return self.zones[i].Start < self.zones[j].Start
	})
	return &self
}

func (self *Allocator) zoneOfKind(kind layout.ZoneKind) *zone {
	for _, z := range self.zones {
		if z.Kind == kind {
			return z
		}
	}
	return nil
}

func (self *Allocator) zoneOf(block uint64) *zone {
	i := sort.Search(len(self.zones), func(i int) bool {
		return self.zones[i].Start+self.zones[i].Length > block
	})
	if i < len(self.zones) && self.zones[i].Contains(block) {
		return self.zones[i]
	}
	return nil
}

func (self *Allocator) mustZoneOf(block uint64) *zone {
	z := self.zoneOf(block)
	if z == nil {
		mlog.Panicf("block %d is not in any zone", block)
	}
	return z
}

// HasZone returns true if a zone of the kind exists and is nonempty.
func (self *Allocator) HasZone(kind layout.ZoneKind) bool {
	z := self.zoneOfKind(kind)
	return z != nil && z.Length > 0
}

// Allocate returns count contiguous blocks from the zone, each with
// refcount 1 owned by the caller. The hint (absolute block number)
// is where the search starts; outside the zone the zone's rotating
// cursor is used. If there is no such run, ErrOutOfSpace is returned
// without retrying anything.
func (self *Allocator) Allocate(kind layout.ZoneKind, count uint32, hint uint64) (ext layout.Extent, err error) {
	if count == 0 {
		mlog.Panicf("Allocate of 0 blocks")
	}
	z := self.zoneOfKind(kind)
	if z == nil {
		return ext, errors.Wrapf(fserrors.ErrOutOfSpace, "no %v zone", kind)
	}
	defer z.lock.Locked()()
	s, ok := z.allocate(uint64(count), hint, self.BuddyThreshold)
	if !ok {
		return ext, errors.Wrapf(fserrors.ErrOutOfSpace, "%v zone: %d blocks (%d free)", kind, count, z.free.free)
	}
	ext = layout.Extent{Start: z.Start + s, Length: count}
	mlog.Printf2("alloc/alloc", "Allocate %v %d @%d -> %v", kind, count, hint, ext)
	return ext, nil
}

// Free releases blocks immediately. They must be allocated and have
// at most one reference (the caller's); used to undo allocations that
// were never published.
func (self *Allocator) Free(ext layout.Extent) {
	mlog.Printf2("alloc/alloc", "Free %v", ext)
	z := self.mustZoneOf(ext.Start)
	defer z.lock.Locked()()
	i := ext.Start - z.Start
	for j := i; j < i+uint64(ext.Length); j++ {
		if !z.bits.get(j) || z.refs[j] > 1 {
			mlog.Panicf("Free of block %d with refcount %d", z.Start+j, z.refs[j])
		}
		delete(z.deferred, j)
	}
	z.give(i, uint64(ext.Length))
}

// RefInc adds a reference to an allocated block.
func (self *Allocator) RefInc(block uint64) uint32 {
	z := self.mustZoneOf(block)
	defer z.lock.Locked()()
	i := block - z.Start
	if z.refs[i] == 0 {
		mlog.Panicf("RefInc of unreferenced block %d", block)
	}
	z.refs[i]++
	return z.refs[i]
}

// RefDec removes a reference; at zero the block is scheduled to be
// freed by ReleaseDeferred. Returns the new count.
func (self *Allocator) RefDec(block uint64) uint32 {
	z := self.mustZoneOf(block)
	defer z.lock.Locked()()
	i := block - z.Start
	if z.refs[i] == 0 {
		mlog.Panicf("RefDec of unreferenced block %d", block)
	}
	z.refs[i]--
	if z.refs[i] == 0 {
		z.deferred[i] = struct{}{}
	}
	return z.refs[i]
}

// RefIncExtent and RefDecExtent apply to every block of ext.
func (self *Allocator) RefIncExtent(ext layout.Extent) {
	for b := ext.Start; b < ext.End(); b++ {
		self.RefInc(b)
	}
}

func (self *Allocator) RefDecExtent(ext layout.Extent) {
	for b := ext.Start; b < ext.End(); b++ {
		self.RefDec(b)
	}
}

func (self *Allocator) RefCount(block uint64) uint32 {
	z := self.mustZoneOf(block)
	defer z.lock.Locked()()
	return z.refs[block-z.Start]
}

// IsAllocated is true also for blocks whose free is deferred.
func (self *Allocator) IsAllocated(block uint64) bool {
	z := self.zoneOf(block)
	if z == nil {
		return false
	}
	defer z.lock.Locked()()
	return z.bits.get(block - z.Start)
}

// CowSplit gives the caller a private copy of a shared block: a new
// block is allocated near the old one, copy is asked to fill it, and
// the caller's reference to the old block is dropped.
func (self *Allocator) CowSplit(kind layout.ZoneKind, block uint64, copyFn func(from, to uint64) error) (uint64, error) {
	ext, err := self.Allocate(kind, 1, block+1)
	if err != nil {
		return 0, err
	}
	if err = copyFn(block, ext.Start); err != nil {
		self.Free(ext)
		return 0, err
	}
	self.RefDec(block)
	mlog.Printf2("alloc/alloc", "CowSplit %d -> %d", block, ext.Start)
	return ext.Start, nil
}

// MarkAllocated allocates exactly ext with refcount 1 if it is free.
// If it is already allocated nothing happens and false is returned;
// partially allocated extents are an error. Used by journal replay.
func (self *Allocator) MarkAllocated(ext layout.Extent) (bool, error) {
	z := self.zoneOf(ext.Start)
	if z == nil || !z.Contains(ext.End()-1) {
		return false, fserrors.InvalidKey("extent %v outside zones", ext)
	}
	defer z.lock.Locked()()
	i := ext.Start - z.Start
	used := z.bits.countRange(i, uint64(ext.Length))
	switch used {
	case 0:
		z.take(i, uint64(ext.Length))
		return true, nil
	case uint64(ext.Length):
		return false, nil
	}
	return false, errors.Errorf("extent %v partially allocated (%d)", ext, used)
}

// ReleaseDeferred frees every block whose refcount dropped to zero,
// and returns them. Must only be called once the state not referring
// to them is durable.
func (self *Allocator) ReleaseDeferred() (freed []uint64) {
	for _, z := range self.zones {
		func() {
			defer z.lock.Locked()()
			for i := range z.deferred {
				if z.refs[i] == 0 {
					z.give(i, 1)
					freed = append(freed, z.Start+i)
				}
			}
			z.deferred = make(map[uint64]struct{})
		}()
	}
	mlog.Printf2("alloc/alloc", "ReleaseDeferred %d", len(freed))
	return
}

// ZoneStats is snapshot of zone usage.
type ZoneStats struct {
	Kind                          layout.ZoneKind
	Start, Total, Free, Allocated uint64
	Deferred                      uint64
	FreeRuns                      int
	LargestFree                   uint64
}

func (self *Allocator) Stats() (stats []ZoneStats) {
	for _, z := range self.zones {
		func() {
			defer z.lock.Locked()()
			stats = append(stats, ZoneStats{Kind: z.Kind,
				Start:       z.Start,
				Total:       z.Length,
				Free:        z.free.free,
				Allocated:   z.Length - z.free.free,
				Deferred:    uint64(len(z.deferred)),
				FreeRuns:    len(z.free.runs),
				LargestFree: z.free.largest()})
		}()
	}
	return
}

// Check verifies the allocator invariants: allocated + free equals
// the zone size, the bitmap agrees with reference counts and deferred
// frees, and the free run list and buddy sets agree with the bitmap.
func (self *Allocator) Check() error {
	for _, z := range self.zones {
		err := func() error {
			defer z.lock.Locked()()
			var allocated uint64
			for i := uint64(0); i < z.Length; i++ {
				_, deferred := z.deferred[i]
				live := z.refs[i] > 0 || deferred
				if z.bits.get(i) != live {
					return fmt.Errorf("block %d: bitmap %v refcount %d deferred %v",
						z.Start+i, z.bits.get(i), z.refs[i], deferred)
				}
				if live {
					allocated++
				}
			}
			if allocated+z.free.free != z.Length {
				return fmt.Errorf("allocated %d + free %d != %d", allocated, z.free.free, z.Length)
			}
			if used := z.bits.countRange(0, z.Length); used != allocated {
				return fmt.Errorf("bitmap count %d != %d", used, allocated)
			}
			for w := range z.bits.words {
				full := z.bits.words[w] == fullWord
				if full != (z.bits.summary[w/wordBits]&(1<<(uint(w)%wordBits)) != 0) {
					return fmt.Errorf("summary bit of word %d wrong", w)
				}
			}
			return z.free.check(z.bits)
		}()
		if err != nil {
			return errors.Wrapf(err, "%v zone", z.Kind)
		}
	}
	return nil
}
