/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2018 Markus Stenberg
 *
 * Created:       Thu Oct 25 17:02:11 2018 mstenber
 * Last modified: Mon Oct 29 11:14:30 2018 mstenber
 * Edit time:     96 min
 *
 */

package ibtree

import (
	"fmt"

	"github.com/fingon/go-cowfs/fserrors"
	"github.com/fingon/go-cowfs/layout"
)

// NodeId is the block number of a published node. Zero means no node
// (empty tree).
type NodeId = uint64

type NodeKind uint8

const (
	KindLeaf NodeKind = iota + 1
	KindInternal
	KindRadixLeaf
	KindRadixInternal
)

func (self NodeKind) String() string {
	switch self {
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	case KindRadixLeaf:
		return "radix-leaf"
	case KindRadixInternal:
		return "radix-internal"
	}
	return fmt.Sprintf("kind%d", uint8(self))
}

// Leafy is true for nodes whose entries are values, not children.
func (self NodeKind) Leafy() bool {
	return self == KindLeaf || self == KindRadixLeaf
}

// Entry is one slot of a node. Which of the value fields is used
// depends on the node kind: Extent in leaves, Record in radix leaves,
// Child (or the not yet published node) in internal nodes of both.
type Entry struct {
	Key    uint64
	Extent layout.Extent
	Record layout.InodeRecord
	Child  NodeId

	node *Node
}

func (self *Entry) childId() NodeId {
	if self.node != nil {
		return self.node.id
	}
	return self.Child
}

func (self Entry) String() string {
	if self.node != nil {
		return fmt.Sprintf("%d:%p", self.Key, self.node)
	}
	if self.Child != 0 {
		return fmt.Sprintf("%d:#%d", self.Key, self.Child)
	}
	if self.Extent.Length > 0 {
		return fmt.Sprintf("%d:%v", self.Key, self.Extent)
	}
	return fmt.Sprintf("%d:%+v", self.Key, self.Record)
}

// Node is an in-memory node. Published nodes (id != 0) are immutable
// and shared between all readers; unpublished ones belong to exactly
// one transaction.
type Node struct {
	Kind    NodeKind
	Level   uint8 // 0 for leaves
	Entries []Entry

	id NodeId
}

func (self *Node) Id() NodeId {
	return self.id
}

func (self *Node) String() string {
	return fmt.Sprintf("%v#%d@%d%v", self.Kind, self.id, self.Level, self.Entries)
}

func (self *Node) firstKey() uint64 {
	if len(self.Entries) == 0 {
		return 0
	}
	return self.Entries[0].Key
}

// searchLesser returns index of the last entry with key <= key, or -1.
func (self *Node) searchLesser(key uint64) int {
	lo, hi := 0, len(self.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if self.Entries[mid].Key <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

// searchGreater returns index of the first entry with key >= key
// (possibly len(Entries)).
func (self *Node) searchGreater(key uint64) int {
	lo, hi := 0, len(self.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if self.Entries[mid].Key < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// copy returns an unpublished copy of the node.
func (self *Node) copy() *Node {
	n := &Node{Kind: self.Kind, Level: self.Level,
		Entries: make([]Entry, len(self.Entries), len(self.Entries)+1)}
	copy(n.Entries, self.Entries)
	return n
}

const nodeHeaderSize = 1 + 1 + 2 + 4

func entrySize(kind NodeKind) int {
	switch kind {
	case KindLeaf:
		return 8 + layout.ExtentRecordSize
	case KindInternal:
		return 8 + 8
	case KindRadixLeaf:
		return 1 + layout.InodeRecordSize
	case KindRadixInternal:
		return 1 + 8
	}
	panic(fmt.Sprintf("invalid kind %v", kind))
}

// Capacity is the number of entries of given kind fitting in a block.
func Capacity(kind NodeKind, blockSize int) int {
	return (blockSize - nodeHeaderSize) / entrySize(kind)
}

// Encode serializes the node into a full block. Layout: kind, level,
// entry count, CRC32C over everything else, entries.
func (self *Node) Encode(b []byte) {
	w := layout.Writer{B: b}
	w.U8(uint8(self.Kind))
	w.U8(self.Level)
	w.U16(uint16(len(self.Entries)))
	w.Pad(4)
	var tmp [layout.InodeRecordSize]byte
	for _, e := range self.Entries {
		switch self.Kind {
		case KindLeaf:
			w.U64(e.Key)
			w.Bytes(e.Extent.Encode(tmp[:]))
		case KindInternal:
			w.U64(e.Key)
			w.U64(e.childId())
		case KindRadixLeaf:
			w.U8(uint8(e.Key))
			w.Bytes(e.Record.Encode(tmp[:]))
		case KindRadixInternal:
			w.U8(uint8(e.Key))
			w.U64(e.childId())
		}
	}
	w.Pad(len(b) - w.Pos)
	crc := layout.Checksum(b[:4], b[nodeHeaderSize:])
	w = layout.Writer{B: b, Pos: 4}
	w.U32(crc)
}

// DecodeNode parses a node block.
func DecodeNode(id NodeId, b []byte) (*Node, error) {
	r := layout.Reader{B: b}
	kind := NodeKind(r.U8())
	level := r.U8()
	count := int(r.U16())
	crc := r.U32()
	if r.Short || layout.Checksum(b[:4], b[nodeHeaderSize:]) != crc {
		return nil, fserrors.Corrupt("node %d checksum", id)
	}
	if kind < KindLeaf || kind > KindRadixInternal || count > Capacity(kind, len(b)) {
		return nil, fserrors.Corrupt("node %d header kind %v count %d", id, kind, count)
	}
	n := &Node{Kind: kind, Level: level, Entries: make([]Entry, count), id: id}
	for i := range n.Entries {
		e := &n.Entries[i]
		switch kind {
		case KindLeaf:
			e.Key = r.U64()
			e.Extent = layout.DecodeExtent(r.Bytes(layout.ExtentRecordSize))
		case KindInternal:
			e.Key = r.U64()
			e.Child = r.U64()
		case KindRadixLeaf:
			e.Key = uint64(r.U8())
			e.Record = layout.DecodeInodeRecord(r.Bytes(layout.InodeRecordSize))
		case KindRadixInternal:
			e.Key = uint64(r.U8())
			e.Child = r.U64()
		}
	}
	if r.Short {
		return nil, fserrors.Corrupt("node %d truncated", id)
	}
	return n, nil
}
