package storage

import (
	"encoding/binary"
	"fmt"
)

// Collection directory records live in a chain of PageTypeCollection
// pages (rooted at the database header's collectionDirectoryRoot),
// reusing the generic slotted record layer. Each record's payload is:
//
//	[nameLen:uint16][name][firstPageID:uint32][nextRecordID:uint64]
//	[indexCount:uint16] indexCount * {
//	  [fieldLen:uint16][field][unique:uint8][rootPageID:uint32]
//	}

func encodeCollectionMeta(c *CollectionMeta) []byte {
	nameBytes := []byte(c.Name)
	size := 2 + len(nameBytes) + 4 + 8 + 2
	for _, idx := range c.Indexes {
		size += 2 + len(idx.Field) + 1 + 4
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf, uint16(len(nameBytes)))
	copy(buf[2:], nameBytes)
	off := 2 + len(nameBytes)
	binary.LittleEndian.PutUint32(buf[off:], c.FirstPageID)
	binary.LittleEndian.PutUint64(buf[off+4:], c.NextRecordID)
	off += 12
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(c.Indexes)))
	off += 2
	for _, idx := range c.Indexes {
		fieldBytes := []byte(idx.Field)
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(fieldBytes)))
		off += 2
		copy(buf[off:], fieldBytes)
		off += len(fieldBytes)
		if idx.Unique {
			buf[off] = 1
		}
		off++
		binary.LittleEndian.PutUint32(buf[off:], idx.RootPageID)
		off += 4
	}
	return buf
}

func decodeCollectionMeta(data []byte) *CollectionMeta {
	nameLen := binary.LittleEndian.Uint16(data)
	name := string(data[2 : 2+nameLen])
	off := int(2 + nameLen)
	meta := &CollectionMeta{
		Name:         name,
		FirstPageID:  binary.LittleEndian.Uint32(data[off:]),
		NextRecordID: binary.LittleEndian.Uint64(data[off+4:]),
	}
	off += 12
	if off+2 > len(data) {
		return meta
	}
	count := binary.LittleEndian.Uint16(data[off:])
	off += 2
	meta.Indexes = make([]IndexDescriptor, 0, count)
	for i := uint16(0); i < count; i++ {
		fieldLen := binary.LittleEndian.Uint16(data[off:])
		off += 2
		field := string(data[off : off+int(fieldLen)])
		off += int(fieldLen)
		unique := data[off] != 0
		off++
		rootPageID := binary.LittleEndian.Uint32(data[off:])
		off += 4
		meta.Indexes = append(meta.Indexes, IndexDescriptor{Field: field, Unique: unique, RootPageID: rootPageID})
	}
	return meta
}

func (p *Pager) loadCollectionDirectory() error {
	p.collections = make(map[string]*CollectionMeta)
	pageID := p.collectionDirectoryRoot
	for pageID != noFreePage {
		page, err := p.readPageLocked(pageID)
		if err != nil {
			return err
		}
		for _, slot := range page.ReadRecords() {
			if slot.Deleted {
				continue
			}
			meta := decodeCollectionMeta(slot.Data)
			p.collections[meta.Name] = meta
		}
		pageID = page.NextPageID()
	}
	return nil
}

// GetCollection returns a collection's directory entry, or nil.
func (p *Pager) GetCollection(name string) *CollectionMeta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.collections[name]
}

// ListCollections returns the names of every collection.
func (p *Pager) ListCollections() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.collections))
	for n := range p.collections {
		names = append(names, n)
	}
	return names
}

// CreateCollection creates a new collection with its own first data
// page and appends its directory entry, allocating the directory's root
// page on first use.
func (p *Pager) CreateCollection(name string, txnID uint64) (*CollectionMeta, error) {
	if p.readOnly {
		return nil, ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.collections[name]; exists {
		return nil, fmt.Errorf("pager: collection %q already exists", name)
	}

	dataPage, err := p.allocatePageLocked(PageTypeData, txnID)
	if err != nil {
		return nil, err
	}
	meta := &CollectionMeta{Name: name, FirstPageID: dataPage.PageID(), NextRecordID: 1}

	if err := p.appendDirectoryRecordLocked(meta, txnID); err != nil {
		return nil, err
	}
	p.collections[name] = meta
	return meta, nil
}

func (p *Pager) appendDirectoryRecordLocked(meta *CollectionMeta, txnID uint64) error {
	if p.collectionDirectoryRoot == noFreePage {
		dirPage, err := p.allocatePageLocked(PageTypeCollection, txnID)
		if err != nil {
			return err
		}
		p.collectionDirectoryRoot = dirPage.PageID()
		if err := p.flushHeaderLocked(); err != nil {
			return err
		}
	}

	payload := encodeCollectionMeta(meta)
	pageID := p.collectionDirectoryRoot
	var lastPageID uint32
	for pageID != noFreePage {
		page, err := p.readPageLocked(pageID)
		if err != nil {
			return err
		}
		if _, ok := page.AppendRecord(uint64(len(p.collections)+1), payload); ok {
			return p.writePageLocked(page, txnID)
		}
		lastPageID = pageID
		pageID = page.NextPageID()
	}

	newPage, err := p.allocatePageLocked(PageTypeCollection, txnID)
	if err != nil {
		return err
	}
	prev, err := p.readPageLocked(lastPageID)
	if err != nil {
		return err
	}
	prev.SetNextPageID(newPage.PageID())
	if err := p.writePageLocked(prev, txnID); err != nil {
		return err
	}
	if _, ok := newPage.AppendRecord(uint64(len(p.collections)+1), payload); !ok {
		return fmt.Errorf("pager: collection directory record too large for one page")
	}
	return p.writePageLocked(newPage, txnID)
}

// UpdateCollectionMeta persists a collection's metadata after its
// NextRecordID counter (or first-page pointer) changes, by recompacting
// the directory the same way DropCollection does.
func (p *Pager) UpdateCollectionMeta(meta *CollectionMeta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.collections[meta.Name]; !ok {
		return fmt.Errorf("pager: collection %q not found", meta.Name)
	}
	p.collections[meta.Name] = meta
	return p.rewriteDirectoryLocked()
}

// SnapshotCollectionMeta returns a copy of a collection's current
// metadata, used by the transaction manager to remember pre-operation
// state for rollback.
func (p *Pager) SnapshotCollectionMeta(name string) *CollectionMeta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.collections[name]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// RevertCollectionMetaCache updates only the in-memory collection
// directory cache to match meta, without touching the on-disk directory
// pages. The transaction manager calls this during rollback after the
// directory's own pages have already been restored to their pre-images
// by the pager's per-page undo log, to bring the in-memory cache back
// in step with what a reopen of the file would see.
func (p *Pager) RevertCollectionMetaCache(meta *CollectionMeta) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collections[meta.Name] = meta
}

// DropCollection removes a collection from the directory. Its data
// pages are returned to the free list by the caller (the engine facade
// walks the chain via FirstPageID first, since the pager doesn't know
// about index pages that may also reference them).
func (p *Pager) DropCollection(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.collections[name]; !ok {
		return fmt.Errorf("pager: collection %q not found", name)
	}
	delete(p.collections, name)
	return p.rewriteDirectoryLocked()
}

// rewriteDirectoryLocked recompacts the whole directory chain from the
// in-memory map, used after a drop since slots don't support deletion
// by name directly.
func (p *Pager) rewriteDirectoryLocked() error {
	pageID := p.collectionDirectoryRoot
	for pageID != noFreePage {
		page, err := p.readPageLocked(pageID)
		if err != nil {
			return err
		}
		next := page.NextPageID()
		page.Data = make([]byte, p.pageSize)
		page.SetType(PageTypeCollection)
		page.SetPageID(pageID)
		page.SetFreeBytes(uint16(p.pageSize - PageHeaderSize))
		if err := p.writePageLocked(page, 0); err != nil {
			return err
		}
		pageID = next
	}

	i := 0
	for _, meta := range p.collections {
		i++
		if err := p.appendDirectoryRecordLocked(meta, 0); err != nil {
			return err
		}
	}
	return nil
}
