/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Oct 25 10:02:11 2018 mstenber
 * Last modified: Fri Oct 26 09:44:20 2018 mstenber
 * Edit time:     93 min
 *
 */

package alloc

import (
	"testing"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
	"github.com/fingon/go-cowfs/util"
	"github.com/stvp/assert"
)

func testZones() []layout.Zone {
	return []layout.Zone{{Kind: layout.ZoneData, Start: 200, Length: 100},
		{Kind: layout.ZoneMetadata, Start: 10, Length: 190},
		{Kind: layout.ZoneLocality, Start: 300, Length: 9000}}
}

func TestAllocateBasic(t *testing.T) {
	t.Parallel()
	a := Allocator{}.Init(testZones())
	ext, err := a.Allocate(layout.ZoneData, 4, 0)
	assert.Nil(t, err)
	assert.Equal(t, ext.Length, uint32(4))
	assert.True(t, ext.Start >= 200 && ext.End() <= 300)
	for b := ext.Start; b < ext.End(); b++ {
		assert.Equal(t, a.RefCount(b), uint32(1))
		assert.True(t, a.IsAllocated(b))
	}
	assert.Nil(t, a.Check())

	// hint is honoured when free
	ext2, err := a.Allocate(layout.ZoneData, 2, 250)
	assert.Nil(t, err)
	assert.Equal(t, ext2.Start, uint64(250))

	// too big
	_, err = a.Allocate(layout.ZoneData, 95, 0)
	assert.True(t, fserrors.Is(err, fserrors.ErrOutOfSpace))
	assert.Nil(t, a.Check())

	a.Free(ext)
	a.Free(ext2)
	assert.Nil(t, a.Check())
	st := a.Stats()
	assert.Equal(t, st[1].Kind, layout.ZoneData)
	assert.Equal(t, st[1].Free, uint64(100))
	assert.Equal(t, st[1].FreeRuns, 1)
}

func TestBuddy(t *testing.T) {
	t.Parallel()
	a := Allocator{}.Init(testZones())
	small, err := a.Allocate(layout.ZoneLocality, 3, 0)
	assert.Nil(t, err)
	assert.Equal(t, small.Start, uint64(300))
	big, err := a.Allocate(layout.ZoneLocality, 20, 0)
	assert.Nil(t, err)
	assert.Equal(t, (big.Start-300)%32, uint64(0))
	assert.Nil(t, a.Check())
	a.Free(big)
	a.Free(small)
	assert.Nil(t, a.Check())
	assert.Equal(t, a.Stats()[2].LargestFree, uint64(9000))
}

func TestSummarySkip(t *testing.T) {
	t.Parallel()
	a := Allocator{BuddyThreshold: 1 << 30}.Init(testZones())
	_, err := a.Allocate(layout.ZoneLocality, 8192, 0)
	assert.Nil(t, err)
	ext, err := a.Allocate(layout.ZoneLocality, 5, 300)
	assert.Nil(t, err)
	assert.Equal(t, ext.Start, uint64(300+8192))
	assert.Nil(t, a.Check())
}

func TestRefcountDeferred(t *testing.T) {
	t.Parallel()
	a := Allocator{}.Init(testZones())
	ext, err := a.Allocate(layout.ZoneMetadata, 1, 0)
	assert.Nil(t, err)
	b := ext.Start
	assert.Equal(t, a.RefInc(b), uint32(2))
	assert.Equal(t, a.RefDec(b), uint32(1))
	assert.Equal(t, a.RefDec(b), uint32(0))
	assert.True(t, a.IsAllocated(b))
	assert.Equal(t, a.Stats()[0].Deferred, uint64(1))
	assert.Nil(t, a.Check())

	// persisted state already sees it as free
	a2 := Allocator{}.Init(testZones())
	assert.Nil(t, a2.Decode(a.Encode()))
	assert.True(t, !a2.IsAllocated(b))
	assert.Nil(t, a2.Check())

	assert.Equal(t, a.ReleaseDeferred(), []uint64{b})
	assert.True(t, !a.IsAllocated(b))
	assert.Nil(t, a.Check())
}

func TestCowSplit(t *testing.T) {
	t.Parallel()
	a := Allocator{}.Init(testZones())
	ext, err := a.Allocate(layout.ZoneData, 1, 0)
	assert.Nil(t, err)
	old := ext.Start
	a.RefInc(old)
	var copied [2]uint64
	nb, err := a.CowSplit(layout.ZoneData, old, func(from, to uint64) error {
		copied = [2]uint64{from, to}
		return nil
	})
	assert.Nil(t, err)
	assert.Equal(t, copied, [2]uint64{old, nb})
	assert.NotEqual(t, nb, old)
	assert.Equal(t, a.RefCount(old), uint32(1))
	assert.Equal(t, a.RefCount(nb), uint32(1))
	assert.Nil(t, a.Check())

	// failing copy undoes the allocation
	a.RefInc(old)
	_, err = a.CowSplit(layout.ZoneData, old, func(from, to uint64) error {
		return fserrors.ErrIo
	})
	assert.True(t, fserrors.Is(err, fserrors.ErrIo))
	assert.Equal(t, a.RefCount(old), uint32(2))
	assert.Equal(t, a.Stats()[1].Allocated, uint64(2))
	assert.Nil(t, a.Check())
}

func TestMarkAllocated(t *testing.T) {
	t.Parallel()
	a := Allocator{}.Init(testZones())
	ext := layout.Extent{Start: 210, Length: 4}
	changed, err := a.MarkAllocated(ext)
	assert.Nil(t, err)
	assert.True(t, changed)
	changed, err = a.MarkAllocated(ext)
	assert.Nil(t, err)
	assert.True(t, !changed)
	_, err = a.MarkAllocated(layout.Extent{Start: 212, Length: 4})
	assert.True(t, err != nil)
	_, err = a.MarkAllocated(layout.Extent{Start: 5000000, Length: 1})
	assert.True(t, fserrors.Is(err, fserrors.ErrInvalidKey))
	assert.Nil(t, a.Check())
}

func TestAllocatorRandom(t *testing.T) {
	t.Parallel()
	rng := util.GetSeededRng()
	a := Allocator{BuddyThreshold: 8}.Init(testZones())
	kinds := []layout.ZoneKind{layout.ZoneMetadata, layout.ZoneData, layout.ZoneLocality}
	var live []layout.Extent
	for i := 0; i < 2000; i++ {
		switch op := rng.Intn(10); {
		case op < 5:
			kind := kinds[rng.Intn(len(kinds))]
			ext, err := a.Allocate(kind, uint32(1+rng.Intn(40)), uint64(rng.Intn(10000)))
			if err != nil {
				assert.True(t, fserrors.Is(err, fserrors.ErrOutOfSpace))
				continue
			}
			live = append(live, ext)
		case op < 8 && len(live) > 0:
			j := rng.Intn(len(live))
			a.Free(live[j])
			live = append(live[:j], live[j+1:]...)
		case len(live) > 0:
			j := rng.Intn(len(live))
			a.RefDecExtent(live[j])
			live = append(live[:j], live[j+1:]...)
			if rng.Intn(3) == 0 {
				a.ReleaseDeferred()
			}
		}
		if i%100 == 0 {
			assert.Nil(t, a.Check())
		}
	}
	assert.Nil(t, a.Check())
	a2 := Allocator{}.Init(testZones())
	assert.Nil(t, a2.Decode(a.Encode()))
	assert.Nil(t, a2.Check())
	a.ReleaseDeferred()
	assert.Equal(t, a2.Stats(), a.Stats())
}

func TestDecompose(t *testing.T) {
	t.Parallel()
	type piece struct {
		start uint64
		order int
	}
	var got []piece
	decompose(3, 21, func(start uint64, order int) {
		got = append(got, piece{start, order})
	})
	assert.Equal(t, got, []piece{{3, 0}, {4, 2}, {8, 3}, {16, 2}, {20, 0}})

	got = nil
	decompose(0, 1<<30, func(start uint64, order int) {
		got = append(got, piece{start, order})
	})
	assert.Equal(t, len(got), 1<<(30-maxOrder))
	assert.Equal(t, got[1], piece{1 << maxOrder, maxOrder})
}
