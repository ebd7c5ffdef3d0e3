package stratadb

import (
	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/objectid"
	"github.com/arlowright/stratadb/txn"
)

// Transaction is a caller-owned handle on a unit of work spanning
// multiple collection operations, obtained from DB.BeginTransaction.
type Transaction struct {
	db    *DB
	inner *txn.Transaction
}

// ID returns the transaction's identifier, stable for its whole life.
func (t *Transaction) ID() uint64 { return t.inner.ID }

// Status reports where the transaction is in its Active/Committing/
// Committed/Aborting/Aborted state machine.
func (t *Transaction) Status() txn.Status { return t.inner.Status() }

// Insert runs within this transaction instead of opening an implicit
// single-operation one of its own, so its effects roll back together
// with everything else the caller does under t.
func (t *Transaction) Insert(collection string, doc *bsonval.Document) (objectid.ObjectID, error) {
	c := &Collection{db: t.db, name: collection}
	id := ensureDocumentID(doc)
	doc.Set("_collection", bsonval.String(collection))
	if err := c.insertWithin(t, doc, id); err != nil {
		return id, err
	}
	return id, nil
}

// Update runs within this transaction.
func (t *Transaction) Update(collection string, id objectid.ObjectID, doc *bsonval.Document) error {
	c := &Collection{db: t.db, name: collection}
	return c.updateWithin(t, id, doc)
}

// Delete runs within this transaction.
func (t *Transaction) Delete(collection string, id objectid.ObjectID) error {
	c := &Collection{db: t.db, name: collection}
	return c.deleteWithin(t, id)
}

// CreateSavepoint snapshots the transaction's journal so RollbackTo can
// undo everything after this point without ending the transaction.
func (t *Transaction) CreateSavepoint(name string) (int, error) {
	return t.inner.CreateSavepoint(name)
}

// RollbackTo reverses every operation since the given savepoint.
func (t *Transaction) RollbackTo(id int) error {
	return t.inner.RollbackTo(id)
}

// Commit makes the transaction's effects durable and releases its locks.
func (t *Transaction) Commit() error {
	return t.db.txns.Commit(t.inner)
}

// Rollback undoes every effect of the transaction and releases its locks.
func (t *Transaction) Rollback() error {
	return t.db.txns.Rollback(t.inner)
}
