/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Oct 25 09:12:40 2018 mstenber
 * Last modified: Thu Oct 25 16:21:02 2018 mstenber
 * Edit time:     44 min
 *
 */

package alloc

import (
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
)

// Encode serializes the allocator state for a checkpoint: per zone
// the bitmap words followed by the reference counts. Deferred frees
// are written as free, as the checkpoint no longer refers to them.
func (self *Allocator) Encode() []byte {
	size := 4
	for _, z := range self.zones {
		size += 1 + 8*3 + 8*len(z.bits.words) + 4*int(z.Length)
	}
	w := layout.Writer{B: make([]byte, size)}
	w.U32(uint32(len(self.zones)))
	for _, z := range self.zones {
		func() {
			defer z.lock.Locked()()
			w.U8(uint8(z.Kind))
			w.U64(z.Start)
			w.U64(z.Length)
			w.U64(z.cursor)
			words := append([]uint64(nil), z.bits.words...)
			for i := range z.deferred {
				if z.refs[i] == 0 {
					words[i/wordBits] &^= 1 << (i % wordBits)
				}
			}
			for _, word := range words {
				w.U64(word)
			}
			for _, r := range z.refs {
				w.U32(r)
			}
		}()
	}
	return w.B[:w.Pos]
}

// Decode restores allocator state written by Encode. The zones must
// match the ones the allocator was initialized with.
func (self *Allocator) Decode(data []byte) error {
	r := layout.Reader{B: data}
	if n := int(r.U32()); n != len(self.zones) {
		return fserrors.Corrupt("allocator state has %d zones, expected %d", n, len(self.zones))
	}
	for _, z := range self.zones {
		kind := layout.ZoneKind(r.U8())
		start := r.U64()
		length := r.U64()
		if kind != z.Kind || start != z.Start || length != z.Length || r.Short {
			return fserrors.Corrupt("allocator zone %v/%d/%d != %v", kind, start, length, z.Zone)
		}
		nz := newZone(z.Zone)
		nz.cursor = r.U64()
		for i := range nz.bits.words {
			nz.bits.words[i] = r.U64()
		}
		for i := range nz.refs {
			nz.refs[i] = r.U32()
		}
		if r.Short {
			return fserrors.Corrupt("allocator state truncated")
		}
		for i := range nz.bits.words {
			nz.bits.updateSummary(uint64(i))
		}
		// Rebuild free runs (and buddy view) from the bitmap
		nz.free = newFreeList()
		var runStart, runLen uint64
		for i := uint64(0); i < nz.Length; i++ {
			allocated := nz.bits.get(i)
			if allocated != (nz.refs[i] > 0) {
				return fserrors.Corrupt("allocator block %d bitmap/refcount mismatch", nz.Start+i)
			}
			if !allocated {
				if runLen == 0 {
					runStart = i
				}
				runLen++
				continue
			}
			if runLen > 0 {
				nz.free.release(runStart, runLen)
				runLen = 0
			}
		}
		if runLen > 0 {
			nz.free.release(runStart, runLen)
		}
		if nz.cursor >= nz.Length {
			nz.cursor = 0
		}
		z.lock.Lock()
		z.bits, z.free, z.refs, z.deferred, z.cursor = nz.bits, nz.free, nz.refs, nz.deferred, nz.cursor
		z.lock.Unlock()
	}
	return nil
}
