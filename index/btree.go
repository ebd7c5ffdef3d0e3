// Package index implements the persistent B+ tree secondary indexes of
// spec §4.6 (L5): ordered key to docID posting lists, leaf chaining for
// range scans, and split/merge/borrow rebalancing.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/storage"
)

// ErrUniqueViolation is returned by Insert when a unique index already
// has a posting for the given key.
var ErrUniqueViolation = errors.New("index: unique constraint violated")

// Node layout, after the generic 32-byte page header:
//
//	[nodeType:1][numKeys:uint16][nextLeaf:uint32 (leaf only)]
//	then, for a leaf: per key [keyBytes via IndexKey.Encode][postingCount:uint16][docIDs...]
//	or, for internal: [child0:uint32] then per key [keyBytes][child:uint32]
const (
	nodeTypeOff  = storage.PageHeaderSize
	numKeysOff   = nodeTypeOff + 1
	nextLeafOff  = numKeysOff + 2
	leafDataOff  = nextLeafOff + 4
	internalDataOff = numKeysOff + 2

	nodeTypeInternal = byte(0)
	nodeTypeLeaf     = byte(1)
)

type leafEntry struct {
	key      bsonval.IndexKey
	postings []uint64
}

type internalNode struct {
	keys     []bsonval.IndexKey
	children []uint32
}

// BTree is a single B+ tree backed by the pager's page file.
type BTree struct {
	RootPageID uint32
	Unique     bool
	pager      *storage.Pager
}

// New creates an empty B+ tree (a single empty leaf root).
func New(pager *storage.Pager, unique bool) (*BTree, error) {
	root, err := pager.AllocatePage(storage.PageTypeIndex, 0)
	if err != nil {
		return nil, err
	}
	writeLeafNode(root, nil, 0)
	if err := pager.WritePage(root, 0); err != nil {
		return nil, err
	}
	return &BTree{RootPageID: root.PageID(), Unique: unique, pager: pager}, nil
}

// Open reattaches to an existing B+ tree by its root page id.
func Open(pager *storage.Pager, rootPageID uint32, unique bool) *BTree {
	return &BTree{RootPageID: rootPageID, Unique: unique, pager: pager}
}

func maxPayload(pageSize int, isLeaf bool) int {
	if isLeaf {
		return pageSize - leafDataOff
	}
	return pageSize - internalDataOff
}

// ---------- node encode/decode ----------

func readLeafEntries(page *storage.Page) []leafEntry {
	num := binary.LittleEndian.Uint16(page.Data[numKeysOff:])
	off := leafDataOff
	entries := make([]leafEntry, 0, num)
	for i := 0; i < int(num); i++ {
		key, consumed, err := bsonval.DecodeIndexKey(page.Data[off:])
		if err != nil {
			break
		}
		off += consumed
		count := int(binary.LittleEndian.Uint16(page.Data[off:]))
		off += 2
		postings := make([]uint64, count)
		for j := 0; j < count; j++ {
			postings[j] = binary.LittleEndian.Uint64(page.Data[off:])
			off += 8
		}
		entries = append(entries, leafEntry{key: key, postings: postings})
	}
	return entries
}

func readLeafNext(page *storage.Page) uint32 {
	return binary.LittleEndian.Uint32(page.Data[nextLeafOff:])
}

func leafEntrySize(e leafEntry) (int, error) {
	kb, err := e.key.Encode()
	if err != nil {
		return 0, err
	}
	return len(kb) + 2 + 8*len(e.postings), nil
}

func writeLeafNode(page *storage.Page, entries []leafEntry, nextLeaf uint32) error {
	page.Data[nodeTypeOff] = nodeTypeLeaf
	binary.LittleEndian.PutUint16(page.Data[numKeysOff:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(page.Data[nextLeafOff:], nextLeaf)
	off := leafDataOff
	for _, e := range entries {
		kb, err := e.key.Encode()
		if err != nil {
			return err
		}
		copy(page.Data[off:], kb)
		off += len(kb)
		binary.LittleEndian.PutUint16(page.Data[off:], uint16(len(e.postings)))
		off += 2
		for _, pid := range e.postings {
			binary.LittleEndian.PutUint64(page.Data[off:], pid)
			off += 8
		}
	}
	return nil
}

func readInternalNode(page *storage.Page) internalNode {
	numKeys := binary.LittleEndian.Uint16(page.Data[numKeysOff:])
	off := internalDataOff
	node := internalNode{
		keys:     make([]bsonval.IndexKey, 0, numKeys),
		children: make([]uint32, 0, numKeys+1),
	}
	node.children = append(node.children, binary.LittleEndian.Uint32(page.Data[off:]))
	off += 4
	for i := 0; i < int(numKeys); i++ {
		key, consumed, err := bsonval.DecodeIndexKey(page.Data[off:])
		if err != nil {
			break
		}
		off += consumed
		child := binary.LittleEndian.Uint32(page.Data[off:])
		off += 4
		node.keys = append(node.keys, key)
		node.children = append(node.children, child)
	}
	return node
}

func internalNodeSize(node internalNode) (int, error) {
	s := 4
	for _, k := range node.keys {
		kb, err := k.Encode()
		if err != nil {
			return 0, err
		}
		s += len(kb) + 4
	}
	return s, nil
}

func writeInternalNode(page *storage.Page, node internalNode) error {
	page.Data[nodeTypeOff] = nodeTypeInternal
	binary.LittleEndian.PutUint16(page.Data[numKeysOff:], uint16(len(node.keys)))
	off := internalDataOff
	binary.LittleEndian.PutUint32(page.Data[off:], node.children[0])
	off += 4
	for i, key := range node.keys {
		kb, err := key.Encode()
		if err != nil {
			return err
		}
		copy(page.Data[off:], kb)
		off += len(kb)
		binary.LittleEndian.PutUint32(page.Data[off:], node.children[i+1])
		off += 4
	}
	return nil
}

func isLeaf(page *storage.Page) bool { return page.Data[nodeTypeOff] == nodeTypeLeaf }

// ---------- search ----------

func (bt *BTree) findLeaf(key bsonval.IndexKey) (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.pager.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		if isLeaf(page) {
			return page, nil
		}
		node := readInternalNode(page)
		idx := sort.Search(len(node.keys), func(i int) bool {
			return bsonval.CompareKeys(node.keys[i], key) > 0
		})
		pageID = node.children[idx]
	}
}

func (bt *BTree) findLeftmostLeaf() (*storage.Page, error) {
	pageID := bt.RootPageID
	for {
		page, err := bt.pager.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		if isLeaf(page) {
			return page, nil
		}
		node := readInternalNode(page)
		pageID = node.children[0]
	}
}

// Find returns the posting list for an exact key.
func (bt *BTree) Find(key bsonval.IndexKey) ([]uint64, error) {
	page, err := bt.findLeaf(key)
	if err != nil {
		return nil, err
	}
	for _, e := range readLeafEntries(page) {
		if bsonval.CompareKeys(e.key, key) == 0 {
			return e.postings, nil
		}
	}
	return nil, nil
}

// FindRange returns every posting within [lo, hi] in ascending key order.
func (bt *BTree) FindRange(lo, hi bsonval.IndexKey) ([]uint64, error) {
	page, err := bt.findLeaf(lo)
	if err != nil {
		return nil, err
	}
	var result []uint64
	for {
		for _, e := range readLeafEntries(page) {
			if bsonval.CompareKeys(e.key, lo) < 0 {
				continue
			}
			if bsonval.CompareKeys(e.key, hi) > 0 {
				return result, nil
			}
			result = append(result, e.postings...)
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.pager.ReadPage(next)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// All walks every leaf and returns the full key-to-posting-list map, in
// ascending key order.
func (bt *BTree) All() ([]bsonval.IndexKey, [][]uint64, error) {
	page, err := bt.findLeftmostLeaf()
	if err != nil {
		return nil, nil, err
	}
	var keys []bsonval.IndexKey
	var postings [][]uint64
	for {
		for _, e := range readLeafEntries(page) {
			keys = append(keys, e.key)
			postings = append(postings, e.postings)
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.pager.ReadPage(next)
		if err != nil {
			return nil, nil, err
		}
	}
	return keys, postings, nil
}

// Contains reports whether any posting exists for key.
func (bt *BTree) Contains(key bsonval.IndexKey) (bool, error) {
	postings, err := bt.Find(key)
	if err != nil {
		return false, err
	}
	return len(postings) > 0, nil
}

// ---------- insert ----------

type splitResult struct {
	key       bsonval.IndexKey
	newPageID uint32
}

// Insert adds a docID posting for key, splitting nodes as needed. Writes
// participating in transaction txnID (0 for none) go through the pager's
// per-transaction undo capture like any other page mutation.
func (bt *BTree) Insert(key bsonval.IndexKey, docID uint64, txnID uint64) error {
	split, err := bt.insertRecursive(bt.RootPageID, key, docID, txnID)
	if err != nil {
		return err
	}
	if split != nil {
		newRoot, err := bt.pager.AllocatePage(storage.PageTypeIndex, txnID)
		if err != nil {
			return err
		}
		if err := writeInternalNode(newRoot, internalNode{
			keys:     []bsonval.IndexKey{split.key},
			children: []uint32{bt.RootPageID, split.newPageID},
		}); err != nil {
			return err
		}
		if err := bt.pager.WritePage(newRoot, txnID); err != nil {
			return err
		}
		bt.RootPageID = newRoot.PageID()
	}
	return nil
}

func (bt *BTree) insertRecursive(pageID uint32, key bsonval.IndexKey, docID uint64, txnID uint64) (*splitResult, error) {
	page, err := bt.pager.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	if isLeaf(page) {
		return bt.insertIntoLeaf(page, key, docID, txnID)
	}
	node := readInternalNode(page)
	idx := sort.Search(len(node.keys), func(i int) bool {
		return bsonval.CompareKeys(node.keys[i], key) > 0
	})
	childSplit, err := bt.insertRecursive(node.children[idx], key, docID, txnID)
	if err != nil {
		return nil, err
	}
	if childSplit == nil {
		return nil, nil
	}
	return bt.insertIntoInternal(page, node, idx, childSplit, txnID)
}

func (bt *BTree) insertIntoLeaf(page *storage.Page, key bsonval.IndexKey, docID uint64, txnID uint64) (*splitResult, error) {
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)

	pos := sort.Search(len(entries), func(i int) bool {
		return bsonval.CompareKeys(entries[i].key, key) >= 0
	})
	if pos < len(entries) && bsonval.CompareKeys(entries[pos].key, key) == 0 {
		if bt.Unique && len(entries[pos].postings) > 0 {
			return nil, fmt.Errorf("index: key already present: %w", ErrUniqueViolation)
		}
		entries[pos].postings = append(entries[pos].postings, docID)
	} else {
		entries = append(entries, leafEntry{})
		copy(entries[pos+1:], entries[pos:])
		entries[pos] = leafEntry{key: key, postings: []uint64{docID}}
	}

	size := 0
	for _, e := range entries {
		s, err := leafEntrySize(e)
		if err != nil {
			return nil, err
		}
		size += s
	}
	if size <= maxPayload(bt.pager.PageSize(), true) {
		if err := writeLeafNode(page, entries, nextLeaf); err != nil {
			return nil, err
		}
		return nil, bt.pager.WritePage(page, txnID)
	}

	mid := len(entries) / 2
	left := append([]leafEntry(nil), entries[:mid]...)
	right := append([]leafEntry(nil), entries[mid:]...)

	newPage, err := bt.pager.AllocatePage(storage.PageTypeIndex, txnID)
	if err != nil {
		return nil, err
	}
	if err := writeLeafNode(newPage, right, nextLeaf); err != nil {
		return nil, err
	}
	if err := bt.pager.WritePage(newPage, txnID); err != nil {
		return nil, err
	}

	if err := writeLeafNode(page, left, newPage.PageID()); err != nil {
		return nil, err
	}
	if err := bt.pager.WritePage(page, txnID); err != nil {
		return nil, err
	}

	return &splitResult{key: right[0].key, newPageID: newPage.PageID()}, nil
}

func (bt *BTree) insertIntoInternal(page *storage.Page, node internalNode, idx int, split *splitResult, txnID uint64) (*splitResult, error) {
	node.keys = append(node.keys, nil)
	copy(node.keys[idx+1:], node.keys[idx:])
	node.keys[idx] = split.key

	node.children = append(node.children, 0)
	copy(node.children[idx+2:], node.children[idx+1:])
	node.children[idx+1] = split.newPageID

	size, err := internalNodeSize(node)
	if err != nil {
		return nil, err
	}
	if size <= maxPayload(bt.pager.PageSize(), false) {
		if err := writeInternalNode(page, node); err != nil {
			return nil, err
		}
		return nil, bt.pager.WritePage(page, txnID)
	}

	mid := len(node.keys) / 2
	pushUp := node.keys[mid]

	left := internalNode{
		keys:     append([]bsonval.IndexKey(nil), node.keys[:mid]...),
		children: append([]uint32(nil), node.children[:mid+1]...),
	}
	right := internalNode{
		keys:     append([]bsonval.IndexKey(nil), node.keys[mid+1:]...),
		children: append([]uint32(nil), node.children[mid+1:]...),
	}

	newPage, err := bt.pager.AllocatePage(storage.PageTypeIndex, txnID)
	if err != nil {
		return nil, err
	}
	if err := writeInternalNode(newPage, right); err != nil {
		return nil, err
	}
	if err := bt.pager.WritePage(newPage, txnID); err != nil {
		return nil, err
	}

	if err := writeInternalNode(page, left); err != nil {
		return nil, err
	}
	if err := bt.pager.WritePage(page, txnID); err != nil {
		return nil, err
	}

	return &splitResult{key: pushUp, newPageID: newPage.PageID()}, nil
}

// ---------- delete ----------

// Smallest possible on-disk size of one entry, used to bound the worst-case
// fan-out a page could hold and so derive a real underflow floor.
const (
	minLeafEntryBytes     = 3 + 2 + 8 // shortest IndexKey + postingCount + one docID
	minInternalEntryBytes = 3 + 4     // shortest IndexKey + one child pointer
)

// minKeys is the underflow threshold (spec §4.6/§8.4): a node with fewer
// than this many keys after a delete must borrow from a sibling or merge.
// It is derived from the page's worst-case maximum fan-out (computed from
// the smallest possible entry encoding), rounded up per ceil(maxKeys/2),
// with a floor of 1 so a two-entry page never demands an empty sibling.
func minKeys(pageSize int, isLeafNode bool) int {
	var entrySize int
	if isLeafNode {
		entrySize = minLeafEntryBytes
	} else {
		entrySize = minInternalEntryBytes
	}
	maxKeys := maxPayload(pageSize, isLeafNode) / entrySize
	m := (maxKeys + 1) / 2
	if m < 1 {
		m = 1
	}
	return m
}

// Delete removes a single docID posting for key. If removing it empties
// the leaf entry, or leaves the leaf with fewer than minKeys entries, it
// borrows a key from a sibling with spare capacity, or else merges with a
// sibling and propagates the resulting underflow up to the parent,
// collapsing the root if it is left with a single child (spec §4.6).
func (bt *BTree) Delete(key bsonval.IndexKey, docID uint64, txnID uint64) error {
	if _, err := bt.deleteRecursive(bt.RootPageID, key, docID, txnID); err != nil {
		return err
	}
	root, err := bt.pager.ReadPage(bt.RootPageID)
	if err != nil {
		return err
	}
	if isLeaf(root) {
		return nil
	}
	node := readInternalNode(root)
	if len(node.keys) == 0 {
		old := bt.RootPageID
		bt.RootPageID = node.children[0]
		if err := bt.pager.FreePage(old, txnID); err != nil {
			return err
		}
	}
	return nil
}

// deleteRecursive removes docID's posting for key from the subtree rooted
// at pageID and reports whether that page is now underflowing and needs
// its parent to borrow or merge on its behalf.
func (bt *BTree) deleteRecursive(pageID uint32, key bsonval.IndexKey, docID uint64, txnID uint64) (bool, error) {
	page, err := bt.pager.ReadPage(pageID)
	if err != nil {
		return false, err
	}
	if isLeaf(page) {
		return bt.deleteFromLeaf(page, key, docID, txnID)
	}

	node := readInternalNode(page)
	idx := sort.Search(len(node.keys), func(i int) bool {
		return bsonval.CompareKeys(node.keys[i], key) > 0
	})
	underflow, err := bt.deleteRecursive(node.children[idx], key, docID, txnID)
	if err != nil {
		return false, err
	}
	if !underflow {
		return false, nil
	}
	return bt.fixChildUnderflow(page, node, idx, txnID)
}

func (bt *BTree) deleteFromLeaf(page *storage.Page, key bsonval.IndexKey, docID uint64, txnID uint64) (bool, error) {
	entries := readLeafEntries(page)
	nextLeaf := readLeafNext(page)
	for i, e := range entries {
		if bsonval.CompareKeys(e.key, key) != 0 {
			continue
		}
		kept := e.postings[:0]
		for _, pid := range e.postings {
			if pid != docID {
				kept = append(kept, pid)
			}
		}
		if len(kept) == 0 {
			entries = append(entries[:i], entries[i+1:]...)
		} else {
			entries[i].postings = kept
		}
		if err := writeLeafNode(page, entries, nextLeaf); err != nil {
			return false, err
		}
		if err := bt.pager.WritePage(page, txnID); err != nil {
			return false, err
		}
		underflow := page.PageID() != bt.RootPageID && len(entries) < minKeys(bt.pager.PageSize(), true)
		return underflow, nil
	}
	return false, nil
}

// fixChildUnderflow repairs an underflowing child of page/node at index idx
// by borrowing from a sibling or merging with one, and reports whether page
// itself now underflows as a result and needs repair by its own parent.
func (bt *BTree) fixChildUnderflow(page *storage.Page, node internalNode, idx int, txnID uint64) (bool, error) {
	child, err := bt.pager.ReadPage(node.children[idx])
	if err != nil {
		return false, err
	}
	if isLeaf(child) {
		return bt.fixLeafUnderflow(page, node, idx, child, txnID)
	}
	return bt.fixInternalUnderflow(page, node, idx, child, txnID)
}

func (bt *BTree) fixLeafUnderflow(page *storage.Page, node internalNode, idx int, child *storage.Page, txnID uint64) (bool, error) {
	entries := readLeafEntries(child)
	nextLeaf := readLeafNext(child)
	minLeaf := minKeys(bt.pager.PageSize(), true)

	if idx > 0 {
		leftPage, err := bt.pager.ReadPage(node.children[idx-1])
		if err != nil {
			return false, err
		}
		leftEntries := readLeafEntries(leftPage)
		if len(leftEntries) > minLeaf {
			borrowed := leftEntries[len(leftEntries)-1]
			leftEntries = leftEntries[:len(leftEntries)-1]
			entries = append([]leafEntry{borrowed}, entries...)

			if err := writeLeafNode(leftPage, leftEntries, readLeafNext(leftPage)); err != nil {
				return false, err
			}
			if err := bt.pager.WritePage(leftPage, txnID); err != nil {
				return false, err
			}
			if err := writeLeafNode(child, entries, nextLeaf); err != nil {
				return false, err
			}
			if err := bt.pager.WritePage(child, txnID); err != nil {
				return false, err
			}
			node.keys[idx-1] = entries[0].key
			if err := writeInternalNode(page, node); err != nil {
				return false, err
			}
			return false, bt.pager.WritePage(page, txnID)
		}
	}

	if idx < len(node.children)-1 {
		rightPage, err := bt.pager.ReadPage(node.children[idx+1])
		if err != nil {
			return false, err
		}
		rightEntries := readLeafEntries(rightPage)
		if len(rightEntries) > minLeaf {
			borrowed := rightEntries[0]
			rightEntries = rightEntries[1:]
			entries = append(entries, borrowed)

			if err := writeLeafNode(child, entries, nextLeaf); err != nil {
				return false, err
			}
			if err := bt.pager.WritePage(child, txnID); err != nil {
				return false, err
			}
			if err := writeLeafNode(rightPage, rightEntries, readLeafNext(rightPage)); err != nil {
				return false, err
			}
			if err := bt.pager.WritePage(rightPage, txnID); err != nil {
				return false, err
			}
			node.keys[idx] = rightEntries[0].key
			if err := writeInternalNode(page, node); err != nil {
				return false, err
			}
			return false, bt.pager.WritePage(page, txnID)
		}
	}

	// Neither sibling has spare entries: merge with one of them and
	// remove the separator key, possibly underflowing this level too.
	if idx > 0 {
		leftPage, err := bt.pager.ReadPage(node.children[idx-1])
		if err != nil {
			return false, err
		}
		merged := append(readLeafEntries(leftPage), entries...)
		if err := writeLeafNode(leftPage, merged, nextLeaf); err != nil {
			return false, err
		}
		if err := bt.pager.WritePage(leftPage, txnID); err != nil {
			return false, err
		}
		if err := bt.pager.FreePage(child.PageID(), txnID); err != nil {
			return false, err
		}
		node.keys = append(node.keys[:idx-1], node.keys[idx:]...)
		node.children = append(node.children[:idx], node.children[idx+1:]...)
		if err := writeInternalNode(page, node); err != nil {
			return false, err
		}
		if err := bt.pager.WritePage(page, txnID); err != nil {
			return false, err
		}
		return page.PageID() != bt.RootPageID && len(node.keys) < minKeys(bt.pager.PageSize(), false), nil
	}

	rightPage, err := bt.pager.ReadPage(node.children[idx+1])
	if err != nil {
		return false, err
	}
	rightNext := readLeafNext(rightPage)
	merged := append(entries, readLeafEntries(rightPage)...)
	if err := writeLeafNode(child, merged, rightNext); err != nil {
		return false, err
	}
	if err := bt.pager.WritePage(child, txnID); err != nil {
		return false, err
	}
	if err := bt.pager.FreePage(rightPage.PageID(), txnID); err != nil {
		return false, err
	}
	node.keys = append(node.keys[:idx], node.keys[idx+1:]...)
	node.children = append(node.children[:idx+1], node.children[idx+2:]...)
	if err := writeInternalNode(page, node); err != nil {
		return false, err
	}
	if err := bt.pager.WritePage(page, txnID); err != nil {
		return false, err
	}
	return page.PageID() != bt.RootPageID && len(node.keys) < minKeys(bt.pager.PageSize(), false), nil
}

func (bt *BTree) fixInternalUnderflow(page *storage.Page, node internalNode, idx int, child *storage.Page, txnID uint64) (bool, error) {
	childNode := readInternalNode(child)
	minInternal := minKeys(bt.pager.PageSize(), false)

	if idx > 0 {
		leftPage, err := bt.pager.ReadPage(node.children[idx-1])
		if err != nil {
			return false, err
		}
		leftNode := readInternalNode(leftPage)
		if len(leftNode.keys) > minInternal {
			borrowedKey := leftNode.keys[len(leftNode.keys)-1]
			borrowedChild := leftNode.children[len(leftNode.children)-1]
			leftNode.keys = leftNode.keys[:len(leftNode.keys)-1]
			leftNode.children = leftNode.children[:len(leftNode.children)-1]

			childNode.keys = append([]bsonval.IndexKey{node.keys[idx-1]}, childNode.keys...)
			childNode.children = append([]uint32{borrowedChild}, childNode.children...)
			node.keys[idx-1] = borrowedKey

			if err := writeInternalNode(leftPage, leftNode); err != nil {
				return false, err
			}
			if err := bt.pager.WritePage(leftPage, txnID); err != nil {
				return false, err
			}
			if err := writeInternalNode(child, childNode); err != nil {
				return false, err
			}
			if err := bt.pager.WritePage(child, txnID); err != nil {
				return false, err
			}
			if err := writeInternalNode(page, node); err != nil {
				return false, err
			}
			return false, bt.pager.WritePage(page, txnID)
		}
	}

	if idx < len(node.children)-1 {
		rightPage, err := bt.pager.ReadPage(node.children[idx+1])
		if err != nil {
			return false, err
		}
		rightNode := readInternalNode(rightPage)
		if len(rightNode.keys) > minInternal {
			borrowedKey := rightNode.keys[0]
			borrowedChild := rightNode.children[0]
			rightNode.keys = rightNode.keys[1:]
			rightNode.children = rightNode.children[1:]

			childNode.keys = append(childNode.keys, node.keys[idx])
			childNode.children = append(childNode.children, borrowedChild)
			node.keys[idx] = borrowedKey

			if err := writeInternalNode(child, childNode); err != nil {
				return false, err
			}
			if err := bt.pager.WritePage(child, txnID); err != nil {
				return false, err
			}
			if err := writeInternalNode(rightPage, rightNode); err != nil {
				return false, err
			}
			if err := bt.pager.WritePage(rightPage, txnID); err != nil {
				return false, err
			}
			if err := writeInternalNode(page, node); err != nil {
				return false, err
			}
			return false, bt.pager.WritePage(page, txnID)
		}
	}

	// Neither sibling has a spare key: merge, pulling the parent
	// separator down between the two children's key sets.
	if idx > 0 {
		leftPage, err := bt.pager.ReadPage(node.children[idx-1])
		if err != nil {
			return false, err
		}
		leftNode := readInternalNode(leftPage)
		merged := internalNode{
			keys:     append(append(leftNode.keys, node.keys[idx-1]), childNode.keys...),
			children: append(leftNode.children, childNode.children...),
		}
		if err := writeInternalNode(leftPage, merged); err != nil {
			return false, err
		}
		if err := bt.pager.WritePage(leftPage, txnID); err != nil {
			return false, err
		}
		if err := bt.pager.FreePage(child.PageID(), txnID); err != nil {
			return false, err
		}
		node.keys = append(node.keys[:idx-1], node.keys[idx:]...)
		node.children = append(node.children[:idx], node.children[idx+1:]...)
		if err := writeInternalNode(page, node); err != nil {
			return false, err
		}
		if err := bt.pager.WritePage(page, txnID); err != nil {
			return false, err
		}
		return page.PageID() != bt.RootPageID && len(node.keys) < minInternal, nil
	}

	rightPage, err := bt.pager.ReadPage(node.children[idx+1])
	if err != nil {
		return false, err
	}
	rightNode := readInternalNode(rightPage)
	merged := internalNode{
		keys:     append(append(childNode.keys, node.keys[idx]), rightNode.keys...),
		children: append(childNode.children, rightNode.children...),
	}
	if err := writeInternalNode(child, merged); err != nil {
		return false, err
	}
	if err := bt.pager.WritePage(child, txnID); err != nil {
		return false, err
	}
	if err := bt.pager.FreePage(rightPage.PageID(), txnID); err != nil {
		return false, err
	}
	node.keys = append(node.keys[:idx], node.keys[idx+1:]...)
	node.children = append(node.children[:idx+1], node.children[idx+2:]...)
	if err := writeInternalNode(page, node); err != nil {
		return false, err
	}
	if err := bt.pager.WritePage(page, txnID); err != nil {
		return false, err
	}
	return page.PageID() != bt.RootPageID && len(node.keys) < minInternal, nil
}

// Validate walks the whole tree checking that every internal separator
// key correctly bounds its subtree, that a unique index carries no more
// than one posting per key, that every non-root node meets the §8.4
// underflow bound, and that the leaf chain is monotonically ordered.
func (bt *BTree) Validate() error {
	if err := bt.validateSubtree(bt.RootPageID, true, nil, nil); err != nil {
		return err
	}
	return bt.validateLeafChain()
}

func (bt *BTree) validateSubtree(pageID uint32, isRoot bool, lo, hi *bsonval.IndexKey) error {
	page, err := bt.pager.ReadPage(pageID)
	if err != nil {
		return err
	}
	if isLeaf(page) {
		entries := readLeafEntries(page)
		if !isRoot && len(entries) < minKeys(bt.pager.PageSize(), true) {
			return fmt.Errorf("index: leaf page %d underflows with %d entries", pageID, len(entries))
		}
		for _, e := range entries {
			if lo != nil && bsonval.CompareKeys(e.key, *lo) < 0 {
				return fmt.Errorf("index: leaf page %d key precedes its separator lower bound", pageID)
			}
			if hi != nil && bsonval.CompareKeys(e.key, *hi) >= 0 {
				return fmt.Errorf("index: leaf page %d key does not precede its separator upper bound", pageID)
			}
			if bt.Unique && len(e.postings) > 1 {
				return fmt.Errorf("index: unique index key has %d postings", len(e.postings))
			}
		}
		return nil
	}

	node := readInternalNode(page)
	if isRoot && len(node.children) < 2 {
		return fmt.Errorf("index: internal root page %d has a single child and should have collapsed", pageID)
	}
	if !isRoot && len(node.keys) < minKeys(bt.pager.PageSize(), false) {
		return fmt.Errorf("index: internal page %d underflows with %d keys", pageID, len(node.keys))
	}
	for i, child := range node.children {
		childLo, childHi := lo, hi
		if i > 0 {
			k := node.keys[i-1]
			childLo = &k
		}
		if i < len(node.keys) {
			k := node.keys[i]
			childHi = &k
		}
		if err := bt.validateSubtree(child, false, childLo, childHi); err != nil {
			return err
		}
	}
	return nil
}

func (bt *BTree) validateLeafChain() error {
	page, err := bt.findLeftmostLeaf()
	if err != nil {
		return err
	}
	var prev bsonval.IndexKey
	haveFirst := false
	for {
		entries := readLeafEntries(page)
		for _, e := range entries {
			if haveFirst && bsonval.CompareKeys(prev, e.key) > 0 {
				return fmt.Errorf("index: out-of-order keys in leaf chain")
			}
			prev = e.key
			haveFirst = true
		}
		next := readLeafNext(page)
		if next == 0 {
			break
		}
		page, err = bt.pager.ReadPage(next)
		if err != nil {
			return err
		}
	}
	return nil
}
