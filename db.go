// Package stratadb is an embedded, single-file NoSQL document database: a
// process opens one database file, organizes typed documents into named
// collections, and performs CRUD, index-backed queries, and transactions
// entirely in-process.
package stratadb

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"

	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/concurrency"
	"github.com/arlowright/stratadb/index"
	"github.com/arlowright/stratadb/objectid"
	"github.com/arlowright/stratadb/storage"
	"github.com/arlowright/stratadb/txn"
	"github.com/arlowright/stratadb/wal"
)

// Error taxonomy (spec §7). Some kinds are already sentinel errors in
// the layer that detects them (storage.ErrReadOnly, storage.ErrCorruptedPage,
// index.ErrUniqueViolation, concurrency.ErrLockTimeout,
// concurrency.ErrDeadlockAborted); the rest live here since nothing below
// the facade is in a position to raise them.
var (
	// ErrInvalidArgument covers a bad collection/field name, a nil key, or
	// an operation against a closed handle.
	ErrInvalidArgument = errors.New("stratadb: invalid argument")
	// ErrTransactionTimedOut names an idle-watchdog rollback. No operation
	// returns it: calls on a transaction the watchdog has rolled back are
	// refused by the transaction with txn.ErrNotActive.
	ErrTransactionTimedOut = errors.New("stratadb: transaction timed out and was rolled back")
	// ErrCommitFailed names a commit-flush failure. Commit does not wrap
	// its errors with it: a failed flush is returned as the underlying
	// error wrapped with "txn: commit flush".
	ErrCommitFailed = errors.New("stratadb: commit failed")
	// ErrNotFound is returned by FindByID when no document exists.
	ErrNotFound = errors.New("stratadb: document not found")
	// ErrClosed is returned by any operation on a closed database.
	ErrClosed = errors.New("stratadb: database is closed")
)

// Options configures Open (spec §6's recognized option set).
type Options struct {
	PageSize                 int
	CacheSize                int
	EnableJournaling         bool
	WriteConcern             wal.WriteConcern
	JournalFlushDelayMs      int
	BackgroundFlushIntervalMs int
	TransactionTimeoutSec    int
	MaxTransactions          int
	ReadOnly                 bool
}

// DefaultOptions returns spec §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:                  8192,
		CacheSize:                 1000,
		EnableJournaling:          true,
		WriteConcern:              wal.WriteConcernJournaled,
		JournalFlushDelayMs:       10,
		BackgroundFlushIntervalMs: 100,
		TransactionTimeoutSec:     300,
		MaxTransactions:           128,
	}
}

// LoadOptionsFile reads a YAML sidecar of tuning knobs, starting from
// DefaultOptions so an omitted field keeps its default.
func LoadOptionsFile(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("stratadb: read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, fmt.Errorf("stratadb: parse options file: %w", err)
	}
	return opts, nil
}

func (o Options) toStorageOptions() storage.Options {
	return storage.Options{
		PageSize:                o.PageSize,
		CacheCapacity:           o.CacheSize,
		ReadOnly:                o.ReadOnly,
		EnableJournaling:        o.EnableJournaling,
		WriteConcern:            o.WriteConcern,
		JournalFlushDelay:       time.Duration(o.JournalFlushDelayMs) * time.Millisecond,
		BackgroundFlushInterval: time.Duration(o.BackgroundFlushIntervalMs) * time.Millisecond,
	}
}

// DB is the engine facade (spec §4.9/L8): one page manager, one WAL, one
// lock manager, one transaction manager, and the collection directory,
// all reached through this single handle.
type DB struct {
	pager   *storage.Pager
	locks   *concurrency.LockManager
	indexes *index.Manager
	txns    *txn.Manager
	path    string
	closed  bool
}

// Open opens or creates a database file at path with the given options.
// An empty Options value is replaced with DefaultOptions().
func Open(path string, opts Options) (*DB, error) {
	if opts.PageSize == 0 {
		opts = DefaultOptions()
	}
	pager, err := storage.Open(path, opts.toStorageOptions())
	if err != nil {
		return nil, fmt.Errorf("stratadb: open: %w", err)
	}
	locks := concurrency.NewLockManager()
	indexes := index.NewManager(pager)
	reattachIndexes(pager, indexes)
	txns := txn.NewManager(pager, locks, indexes)
	if opts.TransactionTimeoutSec > 0 {
		txns.SetIdleTimeout(time.Duration(opts.TransactionTimeoutSec) * time.Second)
	}
	return &DB{pager: pager, locks: locks, indexes: indexes, txns: txns, path: path}, nil
}

// OpenMemory opens an ephemeral in-memory database, used for tests and
// scratch workloads that don't need a file on disk.
func OpenMemory(opts Options) (*DB, error) {
	if opts.PageSize == 0 {
		opts = DefaultOptions()
	}
	pager, err := storage.OpenMemory(opts.toStorageOptions())
	if err != nil {
		return nil, fmt.Errorf("stratadb: open memory: %w", err)
	}
	locks := concurrency.NewLockManager()
	indexes := index.NewManager(pager)
	reattachIndexes(pager, indexes)
	txns := txn.NewManager(pager, locks, indexes)
	return &DB{pager: pager, locks: locks, indexes: indexes, txns: txns, path: ":memory:"}, nil
}

// reattachIndexes rebuilds the in-memory index.Manager from every
// collection's persisted index descriptors, so secondary indexes survive
// a close/reopen without rescanning their collections.
func reattachIndexes(pager *storage.Pager, indexes *index.Manager) {
	for _, name := range pager.ListCollections() {
		meta := pager.GetCollection(name)
		if meta == nil {
			continue
		}
		for _, d := range meta.Indexes {
			indexes.ReattachIndex(name, d.Field, d.Unique, d.RootPageID)
		}
	}
}

// syncIndexMeta writes each index's current B+ tree root back into its
// collection's directory entry, so a root split that happened since the
// descriptor was last persisted isn't lost. Indexes are kept accurate
// in memory for the whole session; only this sync point (and every
// explicit CreateIndex/DropIndex) touches the on-disk descriptor.
func (db *DB) syncIndexMeta() error {
	for _, name := range db.pager.ListCollections() {
		meta := db.pager.GetCollection(name)
		if meta == nil || len(meta.Indexes) == 0 {
			continue
		}
		changed := false
		for i, d := range meta.Indexes {
			idx := db.indexes.Get(name, d.Field)
			if idx == nil {
				continue
			}
			if root := idx.RootPageID(); root != d.RootPageID {
				meta.Indexes[i].RootPageID = root
				changed = true
			}
		}
		if changed {
			if err := db.pager.UpdateCollectionMeta(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close stops the background watchdog and lock detector, then closes
// the storage layer (flushing the header and checkpointing the WAL).
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	db.txns.Close()
	db.locks.Close()
	if err := db.syncIndexMeta(); err != nil {
		return err
	}
	return db.pager.Close()
}

func (db *DB) checkOpen() error {
	if db.closed {
		return ErrClosed
	}
	return nil
}

// Exists reports whether a collection has been created.
func (db *DB) Exists(name string) bool {
	return db.pager.GetCollection(name) != nil
}

// Names lists every collection in the directory.
func (db *DB) Names() []string {
	return db.pager.ListCollections()
}

// GetCollection returns a handle to name, creating it (with no indexes
// beyond the implicit primary key) if it does not already exist.
func (db *DB) GetCollection(name string) (*Collection, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty collection name", ErrInvalidArgument)
	}
	if db.pager.GetCollection(name) == nil {
		if _, err := db.pager.CreateCollection(name, 0); err != nil {
			return nil, fmt.Errorf("stratadb: create collection %q: %w", name, err)
		}
	}
	return &Collection{db: db, name: name}, nil
}

// Drop removes a collection, its data pages, and every index on it.
// Matching the already-established "vacuum later" pattern for the
// collection directory, the data chain's pages are returned to the free
// list but the collection directory itself is only recompacted, not
// defragmented against other collections' pages.
func (db *DB) Drop(name string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	meta := db.pager.GetCollection(name)
	if meta == nil {
		return fmt.Errorf("%w: collection %q does not exist", ErrInvalidArgument, name)
	}
	pageID := meta.FirstPageID
	for pageID != 0 {
		page, err := db.pager.ReadPage(pageID)
		if err != nil {
			return err
		}
		next := page.NextPageID()
		if err := db.pager.FreePage(pageID, 0); err != nil {
			return err
		}
		pageID = next
	}
	db.indexes.DropAllForCollection(name)
	return db.pager.DropCollection(name)
}

// BeginTransaction starts a new transaction against this database.
func (db *DB) BeginTransaction() (*Transaction, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return &Transaction{db: db, inner: db.txns.Begin()}, nil
}

// Stats aggregates runtime counters from L1 (page cache and storage) and
// L2 (journal LSNs). Lock-manager and transaction-manager counters are
// not included.
type Stats struct {
	Storage storage.Stats
	Journal wal.Stats
}

// Stats returns the current aggregated statistics.
func (db *DB) Stats() Stats {
	return Stats{Storage: db.pager.Stats(), Journal: db.pager.JournalStats()}
}

// Backup atomically snapshots the main database file to dst, without
// ever leaving a partially-written file visible to a concurrent reader
// of dst.
func (db *DB) Backup(dst string) error {
	if db.path == ":memory:" {
		return fmt.Errorf("%w: cannot back up an in-memory database", ErrInvalidArgument)
	}
	src, err := os.Open(db.path)
	if err != nil {
		return fmt.Errorf("stratadb: backup: open source: %w", err)
	}
	defer src.Close()
	if err := atomic.WriteFile(dst, src); err != nil {
		return fmt.Errorf("stratadb: backup: %w", err)
	}
	return nil
}

// newDocumentID mints a fresh primary key for a document whose caller
// did not supply one.
func newDocumentID() objectid.ObjectID { return objectid.New() }

// ensureDocumentID returns the document's "_id" field, assigning a fresh
// one if absent so insert always has something to index on.
func ensureDocumentID(doc *bsonval.Document) objectid.ObjectID {
	if id, ok := doc.ID(); ok {
		return id
	}
	id := newDocumentID()
	doc.Set("_id", bsonval.ObjectIDValue(id))
	return id
}
