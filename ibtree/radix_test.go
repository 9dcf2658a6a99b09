/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Oct 26 14:40:02 2018 mstenber
 * Last modified: Tue Oct 30 10:40:17 2018 mstenber
 * Edit time:     38 min
 *
 */

package ibtree

import (
	"testing"

	"github.com/fingon/go-cowfs/layout"
	"github.com/stvp/assert"
)

func TestRadixBasic(t *testing.T) {
	t.Parallel()
	tree, be := newTestTree(8)
	radix := Radix{}.Init(tree.Store())
	// 512 byte blocks fit only 8 records per leaf
	assert.Equal(t, radix.Bits, uint(3))

	var root NodeId
	set := func(ino uint64, rec layout.InodeRecord) {
		nroot, err := radix.Set(root, ino, rec)
		assert.Nil(t, err)
		assert.Nil(t, radix.Store().Release(root))
		root = nroot
	}
	for ino := uint64(1); ino <= 300; ino++ {
		set(ino, layout.InodeRecord{Type: layout.InodeFile, Nlink: 1, Size: ino})
	}
	checkRefs(t, tree, be, root)
	for ino := uint64(1); ino <= 300; ino++ {
		rec, found, shared, err := radix.Get(root, ino)
		assert.Nil(t, err)
		assert.True(t, found)
		assert.True(t, !shared)
		assert.Equal(t, rec.Size, ino)
	}
	_, found, _, err := radix.Get(root, 301)
	assert.Nil(t, err)
	assert.True(t, !found)
	_, found, _, err = radix.Get(root, 1<<40)
	assert.Nil(t, err)
	assert.True(t, !found)

	next, err := radix.NextFree(root, 1)
	assert.Nil(t, err)
	assert.Equal(t, next, uint64(301))

	nroot, found, err := radix.Delete(root, 17)
	assert.Nil(t, err)
	assert.True(t, found)
	assert.Nil(t, radix.Store().Release(root))
	root = nroot
	next, err = radix.NextFree(root, 1)
	assert.Nil(t, err)
	assert.Equal(t, next, uint64(17))

	_, found, err = radix.Delete(root, 17)
	assert.Nil(t, err)
	assert.True(t, !found)

	var inos []uint64
	assert.Nil(t, radix.Scan(root, 250, func(ino uint64, rec layout.InodeRecord) bool {
		inos = append(inos, ino)
		return ino < 255
	}))
	assert.Equal(t, inos, []uint64{250, 251, 252, 253, 254, 255})

	// deleting everything empties the tree
	for ino := uint64(1); ino <= 300; ino++ {
		nroot, _, err := radix.Delete(root, ino)
		assert.Nil(t, err)
		if nroot != root {
			assert.Nil(t, radix.Store().Release(root))
			root = nroot
		}
	}
	assert.Equal(t, root, NodeId(0))
	be.ReleaseDeferred()
	for _, st := range be.Stats() {
		assert.Equal(t, st.Free, st.Total)
	}
}

func TestRadixInodeTrees(t *testing.T) {
	t.Parallel()
	tree, be := newTestTree(8)
	radix := Radix{}.Init(tree.Store())

	// the radix leaf holds a reference to the inode's tree
	troot, m := populate(t, tree, be, 0, 30, 1)
	root, err := radix.Set(0, 5, layout.InodeRecord{Type: layout.InodeFile, Root: troot})
	assert.Nil(t, err)
	assert.Equal(t, be.RefCount(troot), uint32(2))
	assert.Nil(t, tree.Release(troot))
	checkRefs(t, tree, be, root)

	// snapshot of the whole table
	snap := root
	radix.Store().Retain(snap)
	_, _, shared, err := radix.Get(root, 5)
	assert.Nil(t, err)
	assert.True(t, shared)

	// modify inode 5 in the live version
	rec, _, _, err := radix.Get(root, 5)
	assert.Nil(t, err)
	tr, err := tree.Begin(rec.Root)
	assert.Nil(t, err)
	ext := be.dataExtent(1)
	assert.Nil(t, tr.Set(3, ext))
	be.RefDecExtent(ext)
	troot2, _, err := tr.Commit()
	assert.Nil(t, err)
	rec.Root = troot2
	root2, err := radix.Set(root, 5, rec)
	assert.Nil(t, err)
	assert.Nil(t, tree.Release(troot2))
	assert.Nil(t, radix.Store().Release(root))
	root = root2

	nroot, err := radix.Set(root, 1000, layout.InodeRecord{Type: layout.InodeDirectory})
	assert.Nil(t, err)
	assert.Nil(t, radix.Store().Release(root))
	root = nroot
	checkRefs(t, tree, be, root, snap)

	changed := map[uint64]bool{}
	assert.Nil(t, radix.IterateDelta(snap, root, func(ino uint64, old, new *layout.InodeRecord) bool {
		changed[ino] = true
		if ino == 5 {
			assert.Equal(t, old.Root, troot)
			assert.Equal(t, new.Root, troot2)
		}
		if ino == 1000 {
			assert.True(t, old == nil)
		}
		return true
	}))
	assert.Equal(t, changed, map[uint64]bool{5: true, 1000: true})

	// deleting the snapshot drops the old inode tree
	assert.Nil(t, radix.Store().Release(snap))
	assert.Equal(t, be.RefCount(m[3].Start), uint32(0))
	assert.Equal(t, be.RefCount(m[4].Start), uint32(1))
	checkRefs(t, tree, be, root)
}
