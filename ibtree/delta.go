/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2017 Markus Stenberg
 *
 * Created:       Thu Dec 28 14:53:36 2017 mstenber
 * Last modified: Mon Oct 29 16:20:57 2018 mstenber
 * Edit time:     88 min
 *
 */

package ibtree

import "github.com/fingon/go-cowfs/layout"

// DeltaEntry describes one differing leaf entry; Old is nil for added
// and New nil for removed entries.
type DeltaEntry struct {
	Key      uint64
	Old, New *layout.Extent
}

// IterateDelta calls cb for every leaf entry that differs between the
// old and new tree versions, in key order, until cb returns false.
//
// Subtrees referenced by both versions (same node id) are skipped
// without loading them, so the cost is proportional to the amount of
// change, not the tree size.
func (self *IBTree) IterateDelta(oldRoot, newRoot NodeId, cb func(DeltaEntry) bool) error {
	if oldRoot == newRoot {
		return nil
	}
	st0 := ibStack{store: self.store}
	st := ibStack{store: self.store}
	n0, err := self.loadRoot(oldRoot)
	if err != nil {
		return err
	}
	n, err := self.loadRoot(newRoot)
	if err != nil {
		return err
	}
	st0.reset(n0)
	st.reset(n)

	for {
		c0 := st0.entry()
		c := st.entry()
		if c == nil && c0 == nil {
			return nil
		}

		if c != nil && c0 != nil && c.Key == c0.Key {
			l0 := st0.node().Kind.Leafy()
			l := st.node().Kind.Leafy()
			if l0 == l && (l && c.Extent == c0.Extent || !l && c.Child == c0.Child) {
				st0.skipEntry()
				st.skipEntry()
				continue
			}
			if !l0 || !l {
				if !l0 {
					if err = st0.push(0); err != nil {
						return err
					}
				}
				if !l {
					if err = st.push(0); err != nil {
						return err
					}
				}
				continue
			}
			old, new := c0.Extent, c.Extent
			if !cb(DeltaEntry{Key: c.Key, Old: &old, New: &new}) {
				return nil
			}
			st0.skipEntry()
			st.skipEntry()
			continue
		}

		// look harder at the one with the lower key
		cst := &st
		if c == nil || (c0 != nil && c0.Key < c.Key) {
			cst = &st0
		}
		if !cst.node().Kind.Leafy() {
			if err = cst.push(0); err != nil {
				return err
			}
			continue
		}
		ext := cst.entry().Extent
		de := DeltaEntry{Key: cst.entry().Key}
		if cst == &st0 {
			de.Old = &ext
		} else {
			de.New = &ext
		}
		if !cb(de) {
			return nil
		}
		cst.skipEntry()
	}
}
