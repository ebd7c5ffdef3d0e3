package index

import (
	"fmt"
	"sync"

	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/storage"
)

// Index is a single secondary index over one field of one collection.
type Index struct {
	Collection string
	Field      string
	Unique     bool
	btree      *BTree
	mu         sync.RWMutex
}

// NewIndex creates an empty index backed by a fresh B+ tree.
func NewIndex(collection, field string, unique bool, pager *storage.Pager) (*Index, error) {
	bt, err := New(pager, unique)
	if err != nil {
		return nil, err
	}
	return &Index{Collection: collection, Field: field, Unique: unique, btree: bt}, nil
}

// OpenIndex reattaches to a persisted index by its B+ tree root page.
func OpenIndex(collection, field string, unique bool, pager *storage.Pager, rootPageID uint32) *Index {
	return &Index{
		Collection: collection,
		Field:      field,
		Unique:     unique,
		btree:      Open(pager, rootPageID, unique),
	}
}

// RootPageID is the index's B+ tree root, persisted in the collection
// directory so the index can be reattached after reopening the database.
func (idx *Index) RootPageID() uint32 { return idx.btree.RootPageID }

// SetRootPageID overrides the B+ tree's in-memory root pointer, used by
// the transaction manager to undo a root split when rolling back: the
// split's pages are restored to their pre-images by the pager's per-page
// undo log, but the tree's in-memory root id needs the same correction.
func (idx *Index) SetRootPageID(id uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.btree.RootPageID = id
}

// Insert adds a docID posting for key. txnID is 0 for a non-transactional
// write (e.g. rebuilding an index outside the transaction manager).
func (idx *Index) Insert(key bsonval.IndexKey, docID uint64, txnID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.btree.Insert(key, docID, txnID)
}

// Delete removes a docID posting for key.
func (idx *Index) Delete(key bsonval.IndexKey, docID uint64, txnID uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.btree.Delete(key, docID, txnID)
}

// Find returns the posting list for an exact key.
func (idx *Index) Find(key bsonval.IndexKey) ([]uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.Find(key)
}

// FindRange returns every posting with a key in [lo, hi].
func (idx *Index) FindRange(lo, hi bsonval.IndexKey) ([]uint64, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.FindRange(lo, hi)
}

// Validate checks the index's internal consistency.
func (idx *Index) Validate() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.btree.Validate()
}

// ---------- Manager owns every index across every collection ----------

// Manager tracks all secondary indexes for a database.
type Manager struct {
	mu      sync.RWMutex
	indexes map[indexKey]*Index
	pager   *storage.Pager
}

type indexKey struct {
	collection string
	field      string
}

// NewManager creates an empty index manager over a pager.
func NewManager(pager *storage.Pager) *Manager {
	return &Manager{indexes: make(map[indexKey]*Index), pager: pager}
}

// CreateIndex creates and registers a new index.
func (m *Manager) CreateIndex(collection, field string, unique bool) (*Index, error) {
	key := indexKey{collection, field}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.indexes[key]; exists {
		return nil, fmt.Errorf("index: index on %s.%s already exists", collection, field)
	}
	idx, err := NewIndex(collection, field, unique, m.pager)
	if err != nil {
		return nil, err
	}
	m.indexes[key] = idx
	return idx, nil
}

// ReattachIndex registers an index reattached from a persisted root page.
func (m *Manager) ReattachIndex(collection, field string, unique bool, rootPageID uint32) *Index {
	key := indexKey{collection, field}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := OpenIndex(collection, field, unique, m.pager, rootPageID)
	m.indexes[key] = idx
	return idx
}

// DropIndex unregisters an index.
func (m *Manager) DropIndex(collection, field string) error {
	key := indexKey{collection, field}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.indexes[key]; !exists {
		return fmt.Errorf("index: index on %s.%s not found", collection, field)
	}
	delete(m.indexes, key)
	return nil
}

// Get returns an index, or nil if none is registered.
func (m *Manager) Get(collection, field string) *Index {
	key := indexKey{collection, field}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexes[key]
}

// DropAllForCollection unregisters every index on a collection.
func (m *Manager) DropAllForCollection(collection string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.indexes {
		if k.collection == collection {
			delete(m.indexes, k)
		}
	}
}

// ForCollection returns every index registered on a collection.
func (m *Manager) ForCollection(collection string) []*Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Index
	for k, idx := range m.indexes {
		if k.collection == collection {
			result = append(result, idx)
		}
	}
	return result
}
