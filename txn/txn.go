// Package txn implements the transaction manager (L7): per-transaction
// operation journals, two-phase-commit-style commit/rollback against the
// storage and index layers, savepoints, and an idle-transaction watchdog.
package txn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/concurrency"
	"github.com/arlowright/stratadb/index"
	"github.com/arlowright/stratadb/storage"
	"github.com/arlowright/stratadb/wal"
)

// Status is a transaction's position in its state machine.
type Status int

const (
	StatusActive Status = iota
	StatusCommitting
	StatusCommitted
	StatusAborting
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusCommitting:
		return "Committing"
	case StatusCommitted:
		return "Committed"
	case StatusAborting:
		return "Aborting"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// OpKind identifies the kind of storage-visible effect an Operation
// describes.
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
	OpUpdate
	OpIndexInsert
	OpIndexDelete
	OpAllocPage
	OpFreePage
)

// Operation is one entry of a transaction's operation journal (spec
// §4.8). Only the fields relevant to its Kind are populated.
type Operation struct {
	Kind      OpKind
	DocID     uint64
	PageID    uint32
	Slot      uint16
	PreImage  []byte
	PostImage []byte
	IndexName string
	Key       bsonval.IndexKey
}

var (
	// ErrNotActive is returned by any mutating call on a transaction that
	// has already committed or aborted.
	ErrNotActive = errors.New("txn: transaction is not active")
	// ErrUnknownSavepoint is returned by RollbackTo for an id that was
	// never returned by CreateSavepoint on this transaction.
	ErrUnknownSavepoint = errors.New("txn: unknown savepoint")
	// ErrTimedOut names the idle-timeout cause. The watchdog's forced
	// rollback does not record it; later calls on that transaction
	// return ErrNotActive.
	ErrTimedOut = errors.New("txn: idle past transaction timeout")
)

// indexRef names an index the same way index.Manager does internally,
// used here only as a local map key for root-page snapshots.
type indexRef struct {
	collection string
	field      string
}

// Transaction tracks one unit of work against the engine: its operation
// journal, savepoints, and the locks it holds, until it commits or rolls
// back.
type Transaction struct {
	ID        uint64
	StartTime time.Time

	mu           sync.Mutex
	status       Status
	ops          []Operation
	savepoints   map[string]int
	savepointSeq map[int]int
	lastActivity time.Time

	indexRootLog []indexRootEntry
	collMetaLog  []collMetaEntry

	pager   *storage.Pager
	locks   *concurrency.LockManager
	indexes *index.Manager
}

// indexRootEntry records an index's root page as it was immediately
// before operation opIndex, so a rollback to any point in the journal
// can find the root that was current at that point.
type indexRootEntry struct {
	ref      indexRef
	opIndex  int
	prevRoot uint32
}

// collMetaEntry records a collection's directory entry as it was
// immediately before operation opIndex, mirroring indexRootEntry for
// the collection-metadata cache.
type collMetaEntry struct {
	name     string
	opIndex  int
	prevMeta *storage.CollectionMeta
}

func newTransaction(id uint64, pager *storage.Pager, locks *concurrency.LockManager, indexes *index.Manager) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:           id,
		StartTime:    now,
		lastActivity: now,
		status:       StatusActive,
		savepoints:   make(map[string]int),
		savepointSeq: make(map[int]int),
		pager:        pager,
		locks:        locks,
		indexes:      indexes,
	}
}

// Status returns the transaction's current state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) touch() {
	t.lastActivity = time.Now()
}

// IdleSince reports how long the transaction has gone without an
// operation, used by the watchdog.
func (t *Transaction) IdleSince() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActivity)
}

// AcquireLock blocks until the transaction holds mode on res, recording
// the lock so commit/rollback can release it.
func (t *Transaction) AcquireLock(res concurrency.Resource, mode concurrency.LockMode) error {
	return t.locks.Acquire(t.ID, res, mode)
}

// snapshotIndexRoot records an index's root page as it stands right
// before the operation about to be logged, so a rollback (full or to a
// savepoint) can find the root current at any prior point in the
// journal, not just at transaction start.
func (t *Transaction) snapshotIndexRoot(idx *index.Index, collection, field string) {
	t.indexRootLog = append(t.indexRootLog, indexRootEntry{
		ref:      indexRef{collection, field},
		opIndex:  len(t.ops),
		prevRoot: idx.RootPageID(),
	})
}

// snapshotCollectionMeta records a collection's metadata as it stands
// right before the operation about to be logged, mirroring
// snapshotIndexRoot for the collection-directory cache.
func (t *Transaction) snapshotCollectionMeta(name string) {
	meta := t.pager.SnapshotCollectionMeta(name)
	if meta == nil {
		return
	}
	t.collMetaLog = append(t.collMetaLog, collMetaEntry{name: name, opIndex: len(t.ops), prevMeta: meta})
}

// indexRootsSince folds the index-root log down to one entry per
// index, keeping the earliest root recorded at or after opIndex — the
// root that index had at that point in the journal.
func (t *Transaction) indexRootsSince(opIndex int) map[indexRef]uint32 {
	out := make(map[indexRef]uint32)
	for _, e := range t.indexRootLog {
		if e.opIndex < opIndex {
			continue
		}
		if _, ok := out[e.ref]; !ok {
			out[e.ref] = e.prevRoot
		}
	}
	return out
}

// collMetasSince mirrors indexRootsSince for the collection-metadata
// cache.
func (t *Transaction) collMetasSince(opIndex int) map[string]*storage.CollectionMeta {
	out := make(map[string]*storage.CollectionMeta)
	for _, e := range t.collMetaLog {
		if e.opIndex < opIndex {
			continue
		}
		if _, ok := out[e.name]; !ok {
			out[e.name] = e.prevMeta
		}
	}
	return out
}

func (t *Transaction) checkActive() error {
	if t.status != StatusActive {
		return fmt.Errorf("%w: status=%s", ErrNotActive, t.status)
	}
	return nil
}

// LogInsert records that docID was written at pageID/slot.
func (t *Transaction) LogInsert(docID uint64, pageID uint32, slot uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.ops = append(t.ops, Operation{Kind: OpInsert, DocID: docID, PageID: pageID, Slot: slot})
	t.touch()
	return nil
}

// LogDelete records that docID was tombstoned at pageID/slot, carrying
// its pre-image for rollback bookkeeping (the page bytes themselves are
// restored via the pager's undo log; preImage is kept for introspection
// and matches the descriptor shape named in spec §4.8).
func (t *Transaction) LogDelete(docID uint64, pageID uint32, slot uint16, preImage []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.ops = append(t.ops, Operation{Kind: OpDelete, DocID: docID, PageID: pageID, Slot: slot, PreImage: preImage})
	t.touch()
	return nil
}

// LogUpdate records an in-place or delete+reinsert update.
func (t *Transaction) LogUpdate(docID uint64, pageID uint32, slot uint16, preImage, postImage []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.ops = append(t.ops, Operation{Kind: OpUpdate, DocID: docID, PageID: pageID, Slot: slot, PreImage: preImage, PostImage: postImage})
	t.touch()
	return nil
}

// LogIndexInsert records an index posting insert, snapshotting the
// index's root page as it stands before this operation.
func (t *Transaction) LogIndexInsert(idx *index.Index, collection, field string, key bsonval.IndexKey, docID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.snapshotIndexRoot(idx, collection, field)
	indexName := collection + "." + field
	t.ops = append(t.ops, Operation{Kind: OpIndexInsert, IndexName: indexName, Key: key, DocID: docID})
	t.touch()
	return nil
}

// LogIndexDelete records an index posting delete.
func (t *Transaction) LogIndexDelete(idx *index.Index, collection, field string, key bsonval.IndexKey, docID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.snapshotIndexRoot(idx, collection, field)
	indexName := collection + "." + field
	t.ops = append(t.ops, Operation{Kind: OpIndexDelete, IndexName: indexName, Key: key, DocID: docID})
	t.touch()
	return nil
}

// LogAllocPage records a freshly allocated page.
func (t *Transaction) LogAllocPage(pageID uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.ops = append(t.ops, Operation{Kind: OpAllocPage, PageID: pageID})
	t.touch()
	return nil
}

// LogFreePage records a page returned to the free list.
func (t *Transaction) LogFreePage(pageID uint32, preImage []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.ops = append(t.ops, Operation{Kind: OpFreePage, PageID: pageID, PreImage: preImage})
	t.touch()
	return nil
}

// NoteCollectionWrite snapshots a collection's metadata as it stands
// before this transaction mutates it (e.g. bumping NextRecordID on
// insert); every call records a snapshot and rollback uses the earliest, for
// rollback to restore the in-memory directory cache correctly.
func (t *Transaction) NoteCollectionWrite(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshotCollectionMeta(name)
}

// CreateSavepoint snapshots the current journal length and the pager's
// undo-log sequence position under name, and returns an opaque id for
// RollbackTo.
func (t *Transaction) CreateSavepoint(name string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return 0, err
	}
	id := len(t.ops)
	t.savepoints[name] = id
	t.savepointSeq[id] = t.pager.UndoSeq(t.ID)
	return id, nil
}

// RollbackTo reverses the suffix of the journal after the savepoint id,
// restoring only the pages first touched since that savepoint to their
// state at the savepoint, and truncates the op log to id, but keeps the
// transaction Active so further operations can follow. Writes made
// before the savepoint are left untouched.
func (t *Transaction) RollbackTo(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	if id < 0 || id > len(t.ops) {
		return ErrUnknownSavepoint
	}
	undoSeq := 0
	if id > 0 {
		seq, ok := t.savepointSeq[id]
		if !ok {
			return ErrUnknownSavepoint
		}
		undoSeq = seq
	}
	if err := t.undoOpsFrom(undoSeq, id); err != nil {
		return err
	}
	t.pager.TruncateUndo(t.ID, undoSeq)
	t.truncateSnapshotLogs(id)
	t.ops = t.ops[:id]
	for name, spID := range t.savepoints {
		if spID > id {
			delete(t.savepoints, name)
			delete(t.savepointSeq, spID)
		}
	}
	t.touch()
	return nil
}

// undoOpsFrom restores every page first written at or after the pager's
// undo-log sequence index pagerSeq to its state at that point, and
// resets every index root / collection metadata entry first touched at
// or after operation index opIndex to its value at that point. Rollback
// (full) calls this with (0, 0); RollbackTo (partial) calls it with the
// undo-sequence position and op index recorded at the savepoint, so
// only state touched after the savepoint is reverted and earlier writes
// in the same transaction survive.
func (t *Transaction) undoOpsFrom(pagerSeq, opIndex int) error {
	undo := t.pager.UndoLogSince(t.ID, pagerSeq)
	for pageID, preImage := range undo {
		if _, err := t.pager.AppendJournal(t.ID, wal.KindPagePostImage, wal.EncodePageRecord(pageID, preImage)); err != nil {
			return fmt.Errorf("txn: journal rollback image for page %d: %w", pageID, err)
		}
		if err := t.pager.RestorePage(pageID, preImage); err != nil {
			return fmt.Errorf("txn: restore page %d: %w", pageID, err)
		}
	}
	for ref, rootID := range t.indexRootsSince(opIndex) {
		if idx := t.indexes.Get(ref.collection, ref.field); idx != nil {
			idx.SetRootPageID(rootID)
		}
	}
	for _, meta := range t.collMetasSince(opIndex) {
		t.pager.RevertCollectionMetaCache(meta)
	}
	return nil
}

// truncateSnapshotLogs drops every index-root / collection-meta log
// entry recorded at or after opIndex, so a later rollback doesn't see
// stale entries for state that was already reverted.
func (t *Transaction) truncateSnapshotLogs(opIndex int) {
	kept := t.indexRootLog[:0]
	for _, e := range t.indexRootLog {
		if e.opIndex < opIndex {
			kept = append(kept, e)
		}
	}
	t.indexRootLog = kept

	keptMeta := t.collMetaLog[:0]
	for _, e := range t.collMetaLog {
		if e.opIndex < opIndex {
			keptMeta = append(keptMeta, e)
		}
	}
	t.collMetaLog = keptMeta
}

// Commit makes the transaction's effects durable per the configured
// write concern, releases its locks, and discards its journal.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}
	t.status = StatusCommitting

	commitLSN, err := t.pager.AppendJournal(t.ID, wal.KindCommit, nil)
	if err != nil {
		return fmt.Errorf("txn: append commit record: %w", err)
	}

	if err := t.pager.AwaitDurable(commitLSN, t.dirtyPages()); err != nil {
		return fmt.Errorf("txn: commit flush: %w", err)
	}

	t.status = StatusCommitted
	t.pager.DiscardUndo(t.ID)
	t.locks.ReleaseAll(t.ID)
	return nil
}

// Rollback restores every touched page to its pre-transaction image from
// the pager's undo log, resets index roots and the collection-metadata
// cache, and releases its locks.
// Known limitation: allocator bookkeeping at the database-header level
// (free-list head, total page count) is not part of the per-page undo
// log and is not reverted here, so an aborted AllocPage/FreePage can
// leave a page allocated-but-unreferenced rather than returned to the
// free list — harmless (it is simply never reused) but not reclaimed,
// in the same spirit as the collection directory's drop-time page
// wastage.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusAborting {
		return fmt.Errorf("%w: status=%s", ErrNotActive, t.status)
	}
	t.status = StatusAborting

	if err := t.undoOpsFrom(0, 0); err != nil {
		return err
	}

	if _, err := t.pager.AppendJournal(t.ID, wal.KindRollback, nil); err != nil {
		return fmt.Errorf("txn: append rollback record: %w", err)
	}

	t.status = StatusAborted
	t.pager.DiscardUndo(t.ID)
	t.locks.ReleaseAll(t.ID)
	return nil
}

func (t *Transaction) dirtyPages() []uint32 {
	seen := make(map[uint32]bool)
	var pages []uint32
	for _, op := range t.ops {
		if op.PageID == 0 {
			continue
		}
		if !seen[op.PageID] {
			seen[op.PageID] = true
			pages = append(pages, op.PageID)
		}
	}
	return pages
}
