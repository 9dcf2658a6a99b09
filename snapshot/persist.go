/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Fri Nov  2 16:50:02 2018 mstenber
 * Last modified: Fri Nov  2 17:12:40 2018 mstenber
 * Edit time:     14 min
 *
 */

package snapshot

import (
	"github.com/fingon/go-cowfs/fserrors"
	"github.com/ugorji/go/codec"
)

type catalog struct {
	NextId    uint64     `codec:"n"`
	Head      uint64     `codec:"h"`
	Snapshots []Snapshot `codec:"s"`
}

var mh codec.MsgpackHandle

// Encode returns the catalog in msgpack form, for the checkpoint.
func (self *Manager) Encode() ([]byte, error) {
	c := catalog{NextId: self.NextId(), Head: self.Head(), Snapshots: self.List()}
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode replaces the catalog with an encoded one. The references the
// snapshots hold are part of the persisted allocator state, so none
// are taken here.
func (self *Manager) Decode(b []byte) error {
	var c catalog
	dec := codec.NewDecoderBytes(b, &mh)
	if err := dec.Decode(&c); err != nil {
		return fserrors.Corrupt("snapshot catalog: %v", err)
	}
	snapshots := make(map[uint64]*Snapshot)
	for i := range c.Snapshots {
		s := c.Snapshots[i]
		snapshots[s.Id] = &s
	}
	if _, ok := snapshots[RootId]; !ok {
		return fserrors.Corrupt("snapshot catalog without root")
	}
	if h, ok := snapshots[c.Head]; !ok || !h.Writable {
		return fserrors.Corrupt("snapshot catalog head %d", c.Head)
	}
	defer self.lock.Locked()()
	self.snapshots = snapshots
	self.head = c.Head
	self.nextId = c.NextId
	return nil
}
