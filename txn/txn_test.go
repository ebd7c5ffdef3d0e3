package txn

import (
	"testing"
	"time"

	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/concurrency"
	"github.com/arlowright/stratadb/index"
	"github.com/arlowright/stratadb/storage"
)

func newTestEnv(t *testing.T) (*storage.Pager, *concurrency.LockManager, *index.Manager) {
	t.Helper()
	pager, err := storage.OpenMemory(storage.Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { pager.Close() })
	locks := concurrency.NewLockManager()
	t.Cleanup(locks.Close)
	indexes := index.NewManager(pager)
	return pager, locks, indexes
}

func keyOf(v bsonval.Value) bsonval.IndexKey { return bsonval.IndexKey{v} }

func TestBeginAssignsDistinctIDs(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()

	t1 := mgr.Begin()
	t2 := mgr.Begin()
	if t1.ID == t2.ID {
		t.Fatalf("expected distinct transaction ids, got %d and %d", t1.ID, t2.ID)
	}
	if t1.Status() != StatusActive || t2.Status() != StatusActive {
		t.Fatalf("new transactions should be Active")
	}
}

func TestCommitReleasesLocksAndDiscardsUndo(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()

	if _, err := pager.CreateCollection("widgets", 0); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	tx := mgr.Begin()
	res := concurrency.CollectionResource("widgets")
	if err := tx.AcquireLock(res, concurrency.LockModeIX); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	page, err := pager.AllocatePage(storage.PageTypeData, tx.ID)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if _, ok := page.AppendRecord(1, []byte("hello")); !ok {
		t.Fatalf("AppendRecord failed")
	}
	if err := pager.WritePage(page, tx.ID); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := tx.LogInsert(1, page.PageID(), 0); err != nil {
		t.Fatalf("LogInsert: %v", err)
	}

	if err := mgr.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tx.Status() != StatusCommitted {
		t.Fatalf("expected Committed, got %s", tx.Status())
	}
	if undo := pager.UndoLog(tx.ID); undo != nil {
		t.Fatalf("expected undo log discarded after commit, got %v", undo)
	}
	if mgr.Get(tx.ID) != nil {
		t.Fatalf("expected transaction forgotten after commit")
	}

	// lock should have been released: a second transaction can take X.
	tx2 := mgr.Begin()
	if err := tx2.AcquireLock(res, concurrency.LockModeX); err != nil {
		t.Fatalf("expected lock free after commit, got: %v", err)
	}
}

func TestRollbackRestoresPageBytes(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()

	page, err := pager.AllocatePage(storage.PageTypeData, 0)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if _, ok := page.AppendRecord(1, []byte("original")); !ok {
		t.Fatalf("AppendRecord failed")
	}
	if err := pager.WritePage(page, 0); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	tx := mgr.Begin()
	reread, err := pager.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if _, ok := reread.AppendRecord(2, []byte("mutated")); !ok {
		t.Fatalf("AppendRecord failed")
	}
	if err := pager.WritePage(reread, tx.ID); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := tx.LogInsert(2, reread.PageID(), 1); err != nil {
		t.Fatalf("LogInsert: %v", err)
	}

	before, err := pager.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if len(before.ReadRecords()) != 2 {
		t.Fatalf("expected 2 records before rollback, got %d", len(before.ReadRecords()))
	}

	if err := mgr.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if tx.Status() != StatusAborted {
		t.Fatalf("expected Aborted, got %s", tx.Status())
	}

	after, err := pager.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if len(after.ReadRecords()) != 1 {
		t.Fatalf("expected page restored to 1 record after rollback, got %d", len(after.ReadRecords()))
	}
}

func TestRollbackRevertsIndexRootSplit(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()

	idx, err := indexes.CreateIndex("widgets", "sku", false)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	originalRoot := idx.RootPageID()

	tx := mgr.Begin()
	for i := 0; i < 400; i++ {
		key := keyOf(bsonval.Int64(int64(i)))
		if err := idx.Insert(key, uint64(i), tx.ID); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		if err := tx.LogIndexInsert(idx, "widgets", "sku", key, uint64(i)); err != nil {
			t.Fatalf("LogIndexInsert: %v", err)
		}
	}
	if idx.RootPageID() == originalRoot {
		t.Fatalf("expected root split to occur across 400 inserts")
	}

	if err := mgr.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if got := idx.RootPageID(); got != originalRoot {
		t.Fatalf("expected root page reverted to %d after rollback, got %d", originalRoot, got)
	}
}

func TestRollbackRevertsCollectionMetaCache(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()

	meta, err := pager.CreateCollection("widgets", 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	originalNext := meta.NextRecordID

	tx := mgr.Begin()
	tx.NoteCollectionWrite("widgets")
	bumped := *meta
	bumped.NextRecordID = originalNext + 10
	if err := pager.UpdateCollectionMeta(&bumped); err != nil {
		t.Fatalf("UpdateCollectionMeta: %v", err)
	}
	if err := tx.LogInsert(1, 1, 0); err != nil {
		t.Fatalf("LogInsert: %v", err)
	}

	if err := mgr.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	got := pager.GetCollection("widgets")
	if got.NextRecordID != originalNext {
		t.Fatalf("expected NextRecordID reverted to %d, got %d", originalNext, got.NextRecordID)
	}
}

func TestCreateSavepointAndRollbackTo(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()

	tx := mgr.Begin()
	if err := tx.LogInsert(1, 1, 0); err != nil {
		t.Fatalf("LogInsert: %v", err)
	}
	sp, err := tx.CreateSavepoint("sp1")
	if err != nil {
		t.Fatalf("CreateSavepoint: %v", err)
	}
	if err := tx.LogInsert(2, 1, 1); err != nil {
		t.Fatalf("LogInsert: %v", err)
	}
	if len(tx.ops) != 2 {
		t.Fatalf("expected 2 ops logged, got %d", len(tx.ops))
	}

	if err := tx.RollbackTo(sp); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if len(tx.ops) != sp {
		t.Fatalf("expected journal truncated to %d ops, got %d", sp, len(tx.ops))
	}
	if tx.Status() != StatusActive {
		t.Fatalf("expected transaction to remain Active after partial rollback, got %s", tx.Status())
	}
}

func TestRollbackToKeepsPreSavepointWrites(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()

	page, err := pager.AllocatePage(storage.PageTypeData, 0)
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if _, ok := page.AppendRecord(1, []byte("first")); !ok {
		t.Fatalf("AppendRecord failed")
	}
	if err := pager.WritePage(page, 0); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	tx := mgr.Begin()

	reread, err := pager.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if _, ok := reread.AppendRecord(2, []byte("second")); !ok {
		t.Fatalf("AppendRecord failed")
	}
	if err := pager.WritePage(reread, tx.ID); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := tx.LogInsert(2, reread.PageID(), 1); err != nil {
		t.Fatalf("LogInsert: %v", err)
	}

	sp, err := tx.CreateSavepoint("sp1")
	if err != nil {
		t.Fatalf("CreateSavepoint: %v", err)
	}

	reread2, err := pager.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if _, ok := reread2.AppendRecord(3, []byte("third")); !ok {
		t.Fatalf("AppendRecord failed")
	}
	if err := pager.WritePage(reread2, tx.ID); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := tx.LogInsert(3, reread2.PageID(), 2); err != nil {
		t.Fatalf("LogInsert: %v", err)
	}

	if err := tx.RollbackTo(sp); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if tx.Status() != StatusActive {
		t.Fatalf("expected transaction to remain Active after partial rollback, got %s", tx.Status())
	}

	afterPartial, err := pager.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if n := len(afterPartial.ReadRecords()); n != 2 {
		t.Fatalf("expected 2 records (pre-savepoint write kept) after RollbackTo, got %d", n)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	final, err := pager.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if n := len(final.ReadRecords()); n != 2 {
		t.Fatalf("expected pre-savepoint write to survive commit, got %d records", n)
	}
}

func TestOperationsRejectedAfterCommit(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()

	tx := mgr.Begin()
	if err := mgr.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.LogInsert(1, 1, 0); err == nil {
		t.Fatalf("expected LogInsert to fail on a committed transaction")
	}
	if err := tx.Commit(); err == nil {
		t.Fatalf("expected double commit to fail")
	}
}

func TestWatchdogRollsBackIdleTransaction(t *testing.T) {
	pager, locks, indexes := newTestEnv(t)
	mgr := NewManager(pager, locks, indexes)
	defer mgr.Close()
	mgr.SetIdleTimeout(20 * time.Millisecond)

	res := concurrency.CollectionResource("widgets")
	tx := mgr.Begin()
	if err := tx.AcquireLock(res, concurrency.LockModeX); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for tx.Status() == StatusActive && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tx.Status() != StatusAborted {
		t.Fatalf("expected watchdog to abort idle transaction, got %s", tx.Status())
	}

	tx2 := mgr.Begin()
	if err := tx2.AcquireLock(res, concurrency.LockModeX); err != nil {
		t.Fatalf("expected lock released by watchdog rollback, got: %v", err)
	}
}
