// Package btree implements a clustered B+-tree of fixed order laid out over
// the buffer pool, one node per page. The root lives at a fixed page number;
// the header page tracks the allocated-page counter and the record count.
//
// A BTree is not safe for concurrent use: the benchmark harness gives every
// worker thread its own instance.
package btree

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sfu-dis/ssd-vs-pm/core/storage/bufferpool"
	"github.com/sfu-dis/ssd-vs-pm/core/storage/pagedfile"
)

var (
	// ErrTreeTooDeep fires when a descent exceeds the fixed stack depth.
	ErrTreeTooDeep = errors.New("btree deeper than the descent stack")

	// ErrRemoveNotSupported: deletion is an open work item; the on-disk
	// format reserves nothing for it.
	ErrRemoveNotSupported = errors.New("btree remove is not supported")
)

// BTree is a persistent ordered index from uint64 keys to record numbers.
type BTree struct {
	file   *pagedfile.File
	pool   *bufferpool.Pool
	logger *zap.Logger

	// pins tracks every frame pinned during the current top-level operation
	// so it can be released wholesale when the operation completes.
	pins []bufferpool.FrameID
}

// New opens a B-tree over file with a private buffer pool of bufferPages
// frames. A fresh file is initialised with an empty root leaf.
func New(file *pagedfile.File, bufferPages uint32, logger *zap.Logger) (*BTree, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := bufferpool.New(file, bufferPages, logger)
	if err != nil {
		return nil, err
	}
	t := &BTree{
		file:   file,
		pool:   pool,
		logger: logger.Named("btree"),
		pins:   make([]bufferpool.FrameID, 0, 3*MaxLevel),
	}
	if file.Empty() {
		num, err := file.AllocatePage()
		if err != nil {
			return nil, fmt.Errorf("allocating root page: %w", err)
		}
		if num != RootPageNum {
			return nil, fmt.Errorf("root allocated at page %d, expected %d", num, RootPageNum)
		}
		root := &Node{PageNum: RootPageNum}
		if err := t.writeNode(root); err != nil {
			return nil, err
		}
		t.unpinAll()
		if err := file.Flush(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Pool exposes the underlying buffer pool (benchmark instrumentation).
func (t *BTree) Pool() *bufferpool.Pool { return t.pool }

// RecordCount reports the number of records inserted into the tree.
func (t *BTree) RecordCount() uint64 { return t.file.UserField() }

// AllocatedPages reports how many pages the tree occupies, header included.
func (t *BTree) AllocatedPages() uint64 { return uint64(t.file.HighestAllocated()) + 1 }

// Close flushes every dirty page and releases the buffer pool. The caller
// retains ownership of the file.
func (t *BTree) Close() error {
	return t.pool.Finalize()
}

func (t *BTree) pin(num pagedfile.PageNum, mode bufferpool.AccessMode) (bufferpool.FrameID, []byte, error) {
	fid, data, err := t.pool.PinPage(pagedfile.NewPageID(t.file.ID(), num), mode)
	if err != nil {
		return 0, nil, err
	}
	t.pins = append(t.pins, fid)
	return fid, data, nil
}

func (t *BTree) unpinAll() {
	for _, fid := range t.pins {
		t.pool.UnpinPage(fid)
	}
	t.pins = t.pins[:0]
}

// readNode pins the page and decodes its node image. The frame stays pinned
// until the surrounding operation completes.
func (t *BTree) readNode(num pagedfile.PageNum) (*Node, error) {
	_, data, err := t.pin(num, bufferpool.ReadMode)
	if err != nil {
		return nil, err
	}
	n := new(Node)
	n.decode(data)
	return n, nil
}

// writeNode encodes the node back into its pinned frame and marks it dirty.
func (t *BTree) writeNode(n *Node) error {
	fid, data, err := t.pin(n.PageNum, bufferpool.WriteMode)
	if err != nil {
		return err
	}
	n.encode(data)
	t.pool.MarkDirty(fid)
	return nil
}

// newNode allocates a page and returns an empty node bound to it.
func (t *BTree) newNode() (*Node, error) {
	num, err := t.file.AllocatePage()
	if err != nil {
		return nil, err
	}
	return &Node{PageNum: num}, nil
}

// Find descends from the fixed root and returns the record stored under key.
func (t *BTree) Find(key uint64) (Pair, bool, error) {
	defer t.unpinAll()

	node, err := t.readNode(RootPageNum)
	if err != nil {
		return Pair{}, false, err
	}
	for depth := 0; !node.leaf(); depth++ {
		if depth >= MaxLevel {
			return Pair{}, false, ErrTreeTooDeep
		}
		pos := 0
		for pos < int(node.Count) && node.Data[pos].Key <= key {
			pos++
		}
		node, err = t.readNode(node.Children[pos])
		if err != nil {
			return Pair{}, false, err
		}
	}
	pos := 0
	for pos < int(node.Count) && node.Data[pos].Key < key {
		pos++
	}
	if pos < int(node.Count) && node.Data[pos].Key == key {
		return node.Data[pos], true, nil
	}
	return Pair{}, false, nil
}

// Insert adds (key, record) to the tree. It reports false without modifying
// anything if the key is already present.
//
// The operation is two-pass: descend with an explicit stack recording the
// child position taken at every level, insert into the leaf, then unwind the
// stack splitting every node left in overflow. A root overflow is resolved in
// place, keeping the root's page number fixed.
func (t *BTree) Insert(key, record uint64) (bool, error) {
	defer t.unpinAll()

	var (
		stack     [MaxLevel]*Node
		insertPos [MaxLevel]int
	)
	idx := 0
	node, err := t.readNode(RootPageNum)
	if err != nil {
		return false, err
	}
	stack[idx] = node

	for {
		pos := 0
		if node.leaf() {
			for pos < int(node.Count) && node.Data[pos].Key < key {
				pos++
			}
			if pos < int(node.Count) && node.Data[pos].Key == key {
				return false, nil
			}
			insertPos[idx] = pos
			node.insertInNode(pos, Pair{Key: key, Record: record})
			if err := t.writeNode(node); err != nil {
				return false, err
			}
			break
		}
		for pos < int(node.Count) && node.Data[pos].Key <= key {
			pos++
		}
		insertPos[idx] = pos
		if idx+1 >= MaxLevel {
			return false, ErrTreeTooDeep
		}
		child, err := t.readNode(node.Children[pos])
		if err != nil {
			return false, err
		}
		idx++
		stack[idx] = child
		node = child
	}

	// Unwind: split every overflowing node with its parent's position.
	for idx > 0 {
		if stack[idx].overflow() {
			if err := t.split(stack[idx-1], insertPos[idx-1]); err != nil {
				return false, err
			}
		}
		idx--
	}
	if stack[0].overflow() {
		if err := t.splitRoot(); err != nil {
			return false, err
		}
	}

	t.file.SetUserField(t.RecordCount() + 1)
	return true, nil
}

// split divides the overflowing child at parent.Children[pos] into two
// siblings and promotes a separator into the parent. For leaves the separator
// is copied (it stays as the first key of the new right sibling, and the leaf
// chain is relinked); for internal nodes the median moves up.
func (t *BTree) split(parent *Node, pos int) error {
	child1, err := t.readNode(parent.Children[pos])
	if err != nil {
		return err
	}
	child2, err := t.newNode()
	if err != nil {
		return err
	}
	isLeaf := child1.leaf()

	iter := minChildren
	child1.Count = uint16(iter)

	parent.insertInNode(pos, child1.Data[iter])

	if !isLeaf {
		iter++ // the median moves up, not across
	} else {
		child2.Right = child1.Right
		child1.Right = child2.PageNum
	}

	i := 0
	for ; iter < Order+1; i++ {
		child2.Children[i] = child1.Children[iter]
		child2.Data[i] = child1.Data[iter]
		child2.Count++
		iter++
	}
	child2.Children[i] = child1.Children[iter]

	parent.Children[pos] = child1.PageNum
	parent.Children[pos+1] = child2.PageNum

	if err := t.writeNode(parent); err != nil {
		return err
	}
	if err := t.writeNode(child1); err != nil {
		return err
	}
	return t.writeNode(child2)
}

// splitRoot partitions the overflowing root into two fresh children and
// resets the root (same page) to an internal node with a single separator.
func (t *BTree) splitRoot() error {
	root, err := t.readNode(RootPageNum)
	if err != nil {
		return err
	}
	child1, err := t.newNode()
	if err != nil {
		return err
	}
	child2, err := t.newNode()
	if err != nil {
		return err
	}

	iter := 0
	i := 0
	for ; iter < minChildren; i++ {
		child1.Children[i] = root.Children[iter]
		child1.Data[i] = root.Data[iter]
		child1.Count++
		iter++
	}
	child1.Children[i] = root.Children[iter]

	separator := root.Data[iter]

	if root.leaf() {
		// Leaf chain survives the root changing roles.
		child1.Right = child2.PageNum
	} else {
		iter++ // the median moves up
	}

	i = 0
	for ; iter < Order+1; i++ {
		child2.Children[i] = root.Children[iter]
		child2.Data[i] = root.Data[iter]
		child2.Count++
		iter++
	}
	child2.Children[i] = root.Children[iter]

	*root = Node{PageNum: RootPageNum}
	root.Data[0] = separator
	root.Children[0] = child1.PageNum
	root.Children[1] = child2.PageNum
	root.Count = 1

	if err := t.writeNode(root); err != nil {
		return err
	}
	if err := t.writeNode(child1); err != nil {
		return err
	}
	return t.writeNode(child2)
}

// Scan collects up to n pairs with keys >= startKey by walking the leaf
// chain through the right-sibling links.
func (t *BTree) Scan(startKey uint64, n int) ([]Pair, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]Pair, 0, n)

	node, err := t.readNode(RootPageNum)
	if err != nil {
		t.unpinAll()
		return nil, err
	}
	for depth := 0; !node.leaf(); depth++ {
		if depth >= MaxLevel {
			t.unpinAll()
			return nil, ErrTreeTooDeep
		}
		pos := 0
		for pos < int(node.Count) && node.Data[pos].Key <= startKey {
			pos++
		}
		node, err = t.readNode(node.Children[pos])
		if err != nil {
			t.unpinAll()
			return nil, err
		}
	}
	t.unpinAll()

	pos := 0
	for pos < int(node.Count) && node.Data[pos].Key < startKey {
		pos++
	}
	for {
		for ; pos < int(node.Count) && len(out) < n; pos++ {
			out = append(out, node.Data[pos])
		}
		if len(out) >= n || node.Right == 0 {
			return out, nil
		}
		next := node.Right
		node, err = t.readNode(next)
		t.unpinAll()
		if err != nil {
			return nil, err
		}
		pos = 0
	}
}

// Remove is declared for interface completeness but intentionally not
// implemented; see ErrRemoveNotSupported.
func (t *BTree) Remove(key uint64) error {
	return ErrRemoveNotSupported
}
