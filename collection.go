package stratadb

import (
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/concurrency"
	"github.com/arlowright/stratadb/index"
	"github.com/arlowright/stratadb/objectid"
	"github.com/arlowright/stratadb/storage"
)

// Collection is a handle to one named collection, obtained from
// DB.GetCollection. Its methods run outside any caller-managed
// transaction; Insert, Update and Delete are each wrapped in one
// implicitly created and committed for the single operation, while the
// read methods and CreateIndex/DropIndex open no transaction. Use
// Transaction for multi-operation atomicity.
type Collection struct {
	db   *DB
	name string
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

func (c *Collection) meta() (*storage.CollectionMeta, error) {
	meta := c.db.pager.GetCollection(c.name)
	if meta == nil {
		return nil, fmt.Errorf("%w: collection %q does not exist", ErrInvalidArgument, c.name)
	}
	return meta, nil
}

// idIndex returns (creating if absent) the unique index every collection
// keeps on "_id" for FindByID/primary-key uniqueness.
func (c *Collection) idIndex() (*index.Index, error) {
	if idx := c.db.indexes.Get(c.name, "_id"); idx != nil {
		return idx, nil
	}
	idx, err := c.db.indexes.CreateIndex(c.name, "_id", true)
	if err != nil {
		return nil, err
	}
	meta, err := c.meta()
	if err != nil {
		return nil, err
	}
	meta.Indexes = append(meta.Indexes, storage.IndexDescriptor{Field: "_id", Unique: true, RootPageID: idx.RootPageID()})
	if err := c.db.pager.UpdateCollectionMeta(meta); err != nil {
		return nil, err
	}
	return idx, nil
}

// CreateIndex creates a secondary index on field, backfilling it from
// every document already in the collection, and records the index's
// descriptor in the collection directory (spec §3) so it survives a
// close/reopen.
func (c *Collection) CreateIndex(field string, unique bool) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}
	idx, err := c.db.indexes.CreateIndex(c.name, field, unique)
	if err != nil {
		return fmt.Errorf("stratadb: create index: %w", err)
	}
	err = c.db.pager.ScanCollection(meta, func(loc storage.DocLocation, doc *bsonval.Document) error {
		v, ok := doc.Get(field)
		if !ok {
			return nil
		}
		id, _ := doc.ID()
		docID := idAsUint64(id)
		if err := idx.Insert(bsonval.IndexKey{v}, docID, 0); err != nil {
			return fmt.Errorf("stratadb: backfill index %s.%s: %w", c.name, field, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	meta.Indexes = append(meta.Indexes, storage.IndexDescriptor{Field: field, Unique: unique, RootPageID: idx.RootPageID()})
	return c.db.pager.UpdateCollectionMeta(meta)
}

// DropIndex removes a secondary index and its descriptor.
func (c *Collection) DropIndex(field string) error {
	if err := c.db.indexes.DropIndex(c.name, field); err != nil {
		return err
	}
	meta, err := c.meta()
	if err != nil {
		return err
	}
	kept := meta.Indexes[:0]
	for _, d := range meta.Indexes {
		if d.Field != field {
			kept = append(kept, d)
		}
	}
	meta.Indexes = kept
	return c.db.pager.UpdateCollectionMeta(meta)
}

// idAsUint64 derives the uint64 posting-list payload the B+ tree layer
// carries for a document from its full 12-byte ObjectID via FNV-1a, so
// every byte of the id contributes instead of a fixed subset (a byte
// truncation would make two ids differing only outside the kept bytes
// collide deterministically, e.g. every pair minted one epoch second
// apart under the old 4:12 truncation). A 64-bit hash of a 12-byte input
// can still collide in principle, so this value is never trusted as a
// unique key on its own: findDocument and locate below always re-verify
// the full ObjectID on the document they land on before calling it a
// match, rather than returning the first document whose fold matches.
func idAsUint64(id objectid.ObjectID) uint64 {
	h := fnv.New64a()
	h.Write(id[:])
	return h.Sum64()
}

// Insert assigns a fresh "_id" if doc doesn't already have one, places
// it into the collection's data pages, and indexes it under every
// secondary index on the collection, in one implicit transaction.
func (c *Collection) Insert(doc *bsonval.Document) (objectid.ObjectID, error) {
	id := ensureDocumentID(doc)
	doc.Set("_collection", bsonval.String(c.name))

	tx, err := c.db.BeginTransaction()
	if err != nil {
		return id, err
	}
	if err := c.insertWithin(tx, doc, id); err != nil {
		_ = tx.Rollback()
		return id, err
	}
	if err := tx.Commit(); err != nil {
		return id, err
	}
	return id, nil
}

func (c *Collection) insertWithin(tx *Transaction, doc *bsonval.Document, id objectid.ObjectID) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}
	res := concurrency.CollectionResource(c.name)
	if err := tx.inner.AcquireLock(res, concurrency.LockModeIX); err != nil {
		return err
	}

	idIdx, err := c.idIndex()
	if err != nil {
		return err
	}
	docID := idAsUint64(id)

	if err := idIdx.Insert(bsonval.IndexKey{bsonval.ObjectIDValue(id)}, docID, tx.inner.ID); err != nil {
		if errors.Is(err, index.ErrUniqueViolation) {
			return fmt.Errorf("stratadb: insert %s: duplicate _id: %w", c.name, err)
		}
		return err
	}
	if err := tx.inner.LogIndexInsert(idIdx, c.name, "_id", bsonval.IndexKey{bsonval.ObjectIDValue(id)}, docID); err != nil {
		return err
	}

	loc, err := c.db.pager.InsertDocument(meta, docID, doc, tx.inner.ID)
	if err != nil {
		return err
	}
	if err := tx.inner.LogInsert(docID, loc.PageID, loc.Slot); err != nil {
		return err
	}

	for _, idx := range c.db.indexes.ForCollection(c.name) {
		if idx.Field == "_id" {
			continue
		}
		v, ok := doc.Get(idx.Field)
		if !ok {
			continue
		}
		key := bsonval.IndexKey{v}
		if err := idx.Insert(key, docID, tx.inner.ID); err != nil {
			if errors.Is(err, index.ErrUniqueViolation) {
				return fmt.Errorf("stratadb: insert %s: unique index %s: %w", c.name, idx.Field, err)
			}
			return err
		}
		if err := tx.inner.LogIndexInsert(idx, c.name, idx.Field, key, docID); err != nil {
			return err
		}
	}
	return nil
}

// FindByID looks a document up by its "_id" field via the implicit
// primary-key index.
func (c *Collection) FindByID(id objectid.ObjectID) (*bsonval.Document, error) {
	idIdx, err := c.idIndex()
	if err != nil {
		return nil, err
	}
	postings, err := idIdx.Find(bsonval.IndexKey{bsonval.ObjectIDValue(id)})
	if err != nil {
		return nil, err
	}
	if len(postings) == 0 {
		return nil, ErrNotFound
	}
	meta, err := c.meta()
	if err != nil {
		return nil, err
	}
	return c.findDocument(meta, id)
}

// findDocument scans the collection for the document whose "_id" exactly
// equals target. It does not rely on the B+ tree's uint64 posting value
// to identify the match; that fold only narrows which collection a
// posting belongs to, never which document.
func (c *Collection) findDocument(meta *storage.CollectionMeta, target objectid.ObjectID) (*bsonval.Document, error) {
	var found *bsonval.Document
	err := c.db.pager.ScanCollection(meta, func(loc storage.DocLocation, doc *bsonval.Document) error {
		if found != nil {
			return nil
		}
		if id, ok := doc.ID(); ok && id == target {
			found = doc
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Count returns the number of live documents in the collection.
func (c *Collection) Count() (int, error) {
	meta, err := c.meta()
	if err != nil {
		return 0, err
	}
	n := 0
	err = c.db.pager.ScanCollection(meta, func(loc storage.DocLocation, doc *bsonval.Document) error {
		n++
		return nil
	})
	return n, err
}

// FindAll returns a lazy stream of every live document in the
// collection, applied eagerly under the hood (the page-chain scan does
// its own I/O per document) but exposed as a channel so a caller can
// stop consuming early without reading the whole collection into memory
// at once.
func (c *Collection) FindAll() (<-chan *bsonval.Document, <-chan error) {
	docs := make(chan *bsonval.Document)
	errc := make(chan error, 1)
	meta, err := c.meta()
	if err != nil {
		close(docs)
		errc <- err
		return docs, errc
	}
	go func() {
		defer close(docs)
		err := c.db.pager.ScanCollection(meta, func(loc storage.DocLocation, doc *bsonval.Document) error {
			docs <- doc
			return nil
		})
		errc <- err
	}()
	return docs, errc
}

// Update replaces the stored document for id with doc, applying §4.5's
// in-place-or-reinsert rule, and keeps every secondary index in step.
func (c *Collection) Update(id objectid.ObjectID, doc *bsonval.Document) error {
	tx, err := c.db.BeginTransaction()
	if err != nil {
		return err
	}
	if err := c.updateWithin(tx, id, doc); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Collection) updateWithin(tx *Transaction, id objectid.ObjectID, doc *bsonval.Document) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}
	res := concurrency.CollectionResource(c.name)
	if err := tx.inner.AcquireLock(res, concurrency.LockModeIX); err != nil {
		return err
	}

	docID := idAsUint64(id)
	loc, err := c.locate(meta, id)
	if err != nil {
		return err
	}
	old, err := c.db.pager.ReadDocument(loc)
	if err != nil {
		return err
	}

	doc.Set("_id", bsonval.ObjectIDValue(id))
	doc.Set("_collection", bsonval.String(c.name))

	for _, idx := range c.db.indexes.ForCollection(c.name) {
		if idx.Field == "_id" {
			continue
		}
		oldV, hadOld := old.Get(idx.Field)
		newV, hasNew := doc.Get(idx.Field)
		if hadOld && (!hasNew || bsonval.Compare(oldV, newV) != 0) {
			key := bsonval.IndexKey{oldV}
			if err := idx.Delete(key, docID, tx.inner.ID); err != nil {
				return err
			}
			if err := tx.inner.LogIndexDelete(idx, c.name, idx.Field, key, docID); err != nil {
				return err
			}
		}
		if hasNew && (!hadOld || bsonval.Compare(oldV, newV) != 0) {
			key := bsonval.IndexKey{newV}
			if err := idx.Insert(key, docID, tx.inner.ID); err != nil {
				return err
			}
			if err := tx.inner.LogIndexInsert(idx, c.name, idx.Field, key, docID); err != nil {
				return err
			}
		}
	}

	oldRaw, err := old.Encode()
	if err != nil {
		return err
	}
	newLoc, err := c.db.pager.UpdateDocument(meta, loc, docID, doc, tx.inner.ID)
	if err != nil {
		return err
	}
	newRaw, err := doc.Encode()
	if err != nil {
		return err
	}
	return tx.inner.LogUpdate(docID, newLoc.PageID, newLoc.Slot, oldRaw, newRaw)
}

// Delete removes the document with the given id and drops it from
// every secondary index.
func (c *Collection) Delete(id objectid.ObjectID) error {
	tx, err := c.db.BeginTransaction()
	if err != nil {
		return err
	}
	if err := c.deleteWithin(tx, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Collection) deleteWithin(tx *Transaction, id objectid.ObjectID) error {
	meta, err := c.meta()
	if err != nil {
		return err
	}
	res := concurrency.CollectionResource(c.name)
	if err := tx.inner.AcquireLock(res, concurrency.LockModeIX); err != nil {
		return err
	}

	docID := idAsUint64(id)
	loc, err := c.locate(meta, id)
	if err != nil {
		return err
	}
	doc, err := c.db.pager.ReadDocument(loc)
	if err != nil {
		return err
	}
	preImage, err := doc.Encode()
	if err != nil {
		return err
	}

	for _, idx := range c.db.indexes.ForCollection(c.name) {
		v, ok := doc.Get(idx.Field)
		if idx.Field == "_id" {
			v, ok = bsonval.ObjectIDValue(id), true
		}
		if !ok {
			continue
		}
		key := bsonval.IndexKey{v}
		if err := idx.Delete(key, docID, tx.inner.ID); err != nil {
			return err
		}
		if err := tx.inner.LogIndexDelete(idx, c.name, idx.Field, key, docID); err != nil {
			return err
		}
	}

	if err := c.db.pager.DeleteDocument(loc, tx.inner.ID); err != nil {
		return err
	}
	return tx.inner.LogDelete(docID, loc.PageID, loc.Slot, preImage)
}

// locate finds the storage location of the document whose "_id" exactly
// equals target, the same full-ObjectID guard findDocument uses.
func (c *Collection) locate(meta *storage.CollectionMeta, target objectid.ObjectID) (storage.DocLocation, error) {
	var loc storage.DocLocation
	found := false
	err := c.db.pager.ScanCollection(meta, func(l storage.DocLocation, doc *bsonval.Document) error {
		if found {
			return nil
		}
		if id, ok := doc.ID(); ok && id == target {
			loc = l
			found = true
		}
		return nil
	})
	if err != nil {
		return storage.DocLocation{}, err
	}
	if !found {
		return storage.DocLocation{}, ErrNotFound
	}
	return loc, nil
}
