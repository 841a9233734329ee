package btree

import (
	"encoding/binary"

	"github.com/sfu-dis/ssd-vs-pm/core/storage/pagedfile"
)

// Pair is one clustered record: a key and its record number.
type Pair struct {
	Key    uint64
	Record uint64
}

const (
	// pageDataSize reserves 16 bytes of every page for frame bookkeeping,
	// which fixes the node fan-out derivation below.
	pageDataSize = pagedfile.PageSize - 16

	pairSize     = 16
	childPtrSize = 4

	// Order is the B-tree order m: a node holds at most Order keys in steady
	// state, one more transiently during overflow.
	Order = (pageDataSize-16)/(pairSize+childPtrSize) - 2

	// MaxData and MaxChildren size the in-node arrays, leaving room for the
	// transient overflow entry.
	MaxData     = Order + 1
	MaxChildren = Order + 2

	// minChildren is the post-split occupancy of the left sibling.
	minChildren = (Order + 1) / 2

	// MaxLevel bounds the explicit descent stack.
	MaxLevel = 8

	// RootPageNum is fixed for the lifetime of the tree.
	RootPageNum pagedfile.PageNum = 1
)

// On-page node layout (little-endian):
//
//	[0, MaxData*16)       keys+records, ascending by key
//	[pageNumOff, +4)      own page number
//	[rightOff, +4)        right sibling page number (leaves only)
//	[childrenOff, +812)   child page numbers
//	[countOff, +2)        count of valid keys
const (
	keysOff     = 0
	pageNumOff  = keysOff + MaxData*pairSize
	rightOff    = pageNumOff + 4
	childrenOff = rightOff + 4
	countOff    = childrenOff + MaxChildren*childPtrSize
	nodeSize    = countOff + 2
)

// Node is the in-memory image of one B-tree page. An internal node with
// count=k carries k+1 non-zero children; a leaf has all-zero children and may
// link a right sibling for range scans.
type Node struct {
	Data     [MaxData]Pair
	Children [MaxChildren]pagedfile.PageNum
	PageNum  pagedfile.PageNum
	Right    pagedfile.PageNum
	Count    uint16
}

func (n *Node) leaf() bool { return n.Children[0] == 0 }

func (n *Node) overflow() bool { return n.Count > Order }

// insertInNode shifts keys and children right of pos and places v at pos,
// duplicating the child link at pos the way a pre-split insert expects.
func (n *Node) insertInNode(pos int, v Pair) {
	j := int(n.Count)
	for j > pos {
		n.Data[j] = n.Data[j-1]
		n.Children[j+1] = n.Children[j]
		j--
	}
	n.Data[j] = v
	n.Children[j+1] = n.Children[j]
	n.Count++
}

func (n *Node) decode(buf []byte) {
	for i := range n.Data {
		off := keysOff + i*pairSize
		n.Data[i].Key = binary.LittleEndian.Uint64(buf[off:])
		n.Data[i].Record = binary.LittleEndian.Uint64(buf[off+8:])
	}
	n.PageNum = pagedfile.PageNum(binary.LittleEndian.Uint32(buf[pageNumOff:]))
	n.Right = pagedfile.PageNum(binary.LittleEndian.Uint32(buf[rightOff:]))
	for i := range n.Children {
		n.Children[i] = pagedfile.PageNum(binary.LittleEndian.Uint32(buf[childrenOff+i*childPtrSize:]))
	}
	n.Count = binary.LittleEndian.Uint16(buf[countOff:])
}

func (n *Node) encode(buf []byte) {
	for i := range n.Data {
		off := keysOff + i*pairSize
		binary.LittleEndian.PutUint64(buf[off:], n.Data[i].Key)
		binary.LittleEndian.PutUint64(buf[off+8:], n.Data[i].Record)
	}
	binary.LittleEndian.PutUint32(buf[pageNumOff:], uint32(n.PageNum))
	binary.LittleEndian.PutUint32(buf[rightOff:], uint32(n.Right))
	for i := range n.Children {
		binary.LittleEndian.PutUint32(buf[childrenOff+i*childPtrSize:], uint32(n.Children[i]))
	}
	binary.LittleEndian.PutUint16(buf[countOff:], n.Count)
}

func init() {
	if nodeSize > pageDataSize {
		panic("btree node layout exceeds page data size")
	}
}
