package storage

import (
	"path/filepath"
	"testing"

	"github.com/arlowright/stratadb/wal"
)

func testOptions() Options {
	o := DefaultOptions()
	o.PageSize = 512
	o.CacheCapacity = 16
	return o
}

func TestAllocateWriteReadPage(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "test.db"), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	page, err := p.AllocatePage(PageTypeData, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, ok := page.AppendRecord(1, []byte("hello")); !ok {
		t.Fatal("append record failed")
	}
	if err := p.WritePage(page, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := p.ReadPage(page.PageID())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	records := got.ReadRecords()
	if len(records) != 1 || string(records[0].Data) != "hello" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestFreeListReusesPages(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(filepath.Join(dir, "test.db"), testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	page, err := p.AllocatePage(PageTypeData, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	id := page.PageID()
	if err := p.FreePage(id, 0); err != nil {
		t.Fatalf("free: %v", err)
	}
	reused, err := p.AllocatePage(PageTypeData, 0)
	if err != nil {
		t.Fatalf("allocate after free: %v", err)
	}
	if reused.PageID() != id {
		t.Errorf("expected free-listed page %d to be reused, got %d", id, reused.PageID())
	}
}

func TestCorruptedPageDetected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	p, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	page, err := p.AllocatePage(PageTypeData, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	page.AppendRecord(1, []byte("x"))
	if err := p.WritePage(page, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid := page.PageID()
	p.Close()

	// Reopen and corrupt the page's payload on disk directly.
	p2, err := Open(path, testOptions())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	raw, err := p2.ReadPage(pid)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	raw.Data[PageHeaderSize] ^= 0xFF
	p2.ClearCache()
	if _, err := p2.file.WriteAt(raw.Data, int64(pid)*int64(p2.pageSize)); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}

	if _, err := p2.ReadPage(pid); err == nil {
		t.Error("expected checksum failure reading corrupted page")
	}
}

func TestCreateAndListCollections(t *testing.T) {
	p, err := OpenMemory(testOptions())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	defer p.Close()

	if _, err := p.CreateCollection("users", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := p.CreateCollection("orders", 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	names := p.ListCollections()
	if len(names) != 2 {
		t.Fatalf("expected 2 collections, got %d", len(names))
	}
	if c := p.GetCollection("users"); c == nil || c.NextRecordID != 1 {
		t.Errorf("unexpected users metadata: %+v", c)
	}
}

func TestRecoverReplaysCommittedWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	opts := testOptions()

	p, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	page, err := p.AllocatePage(PageTypeData, 7)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	page.AppendRecord(1, []byte("durable"))
	if err := p.WritePage(page, 7); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := p.AppendJournal(7, wal.KindCommit, nil); err != nil {
		t.Fatalf("commit marker: %v", err)
	}
	pid := page.PageID()
	// Simulate a crash: close without a clean checkpoint by dropping the
	// pager reference directly (Close() would checkpoint the journal).
	p.journal.FlushUntil(^uint64(0))
	p.file.Close()
	p.lock.unlock()

	p2, err := Open(path, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	got, err := p2.ReadPage(pid)
	if err != nil {
		t.Fatalf("read recovered page: %v", err)
	}
	recs := got.ReadRecords()
	if len(recs) != 1 || string(recs[0].Data) != "durable" {
		t.Fatalf("recovery did not restore record, got %+v", recs)
	}
}
