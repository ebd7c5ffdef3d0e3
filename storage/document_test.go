package storage

import (
	"strings"
	"testing"

	"github.com/arlowright/stratadb/bsonval"
)

func newTestPager(t *testing.T) *Pager {
	t.Helper()
	p, err := OpenMemory(Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func sampleDoc(name string, age int64) *bsonval.Document {
	d := bsonval.New()
	d.Set("name", bsonval.String(name))
	d.Set("age", bsonval.Int64(age))
	return d
}

func TestInsertAndReadDocument(t *testing.T) {
	p := newTestPager(t)
	meta, err := p.CreateCollection("people", 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	doc := sampleDoc("alice", 30)
	loc, err := p.InsertDocument(meta, 1, doc, 0)
	if err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}

	got, err := p.ReadDocument(loc)
	if err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}
	name, ok := got.Get("name")
	if !ok || name.Str != "alice" {
		t.Fatalf("expected name=alice, got %+v", name)
	}
}

func TestUpdateDocumentInPlace(t *testing.T) {
	p := newTestPager(t)
	meta, err := p.CreateCollection("people", 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	loc, err := p.InsertDocument(meta, 1, sampleDoc("bob", 25), 0)
	if err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}

	// same length document, different value: must land at the same slot.
	newLoc, err := p.UpdateDocument(meta, loc, 1, sampleDoc("bob", 26), 0)
	if err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	if newLoc != loc {
		t.Fatalf("expected in-place update to keep location %+v, got %+v", loc, newLoc)
	}

	got, err := p.ReadDocument(newLoc)
	if err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}
	age, _ := got.Get("age")
	if age.Int != 26 {
		t.Fatalf("expected age=26, got %d", age.Int)
	}
}

func TestUpdateDocumentGrowsToNewSlot(t *testing.T) {
	p := newTestPager(t)
	meta, err := p.CreateCollection("people", 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	loc, err := p.InsertDocument(meta, 1, sampleDoc("x", 1), 0)
	if err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}

	bigger := sampleDoc(strings.Repeat("y", 200), 1)
	newLoc, err := p.UpdateDocument(meta, loc, 1, bigger, 0)
	if err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}

	got, err := p.ReadDocument(newLoc)
	if err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}
	name, _ := got.Get("name")
	if len(name.Str) != 200 {
		t.Fatalf("expected grown document, got name length %d", len(name.Str))
	}

	// the old slot must now read as deleted.
	oldPage, err := p.ReadPage(loc.PageID)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	slot, err := findSlot(oldPage, loc.Slot)
	if err != nil {
		t.Fatalf("findSlot: %v", err)
	}
	if !slot.Deleted {
		t.Fatalf("expected old slot tombstoned after grow-update")
	}
}

func TestDeleteDocument(t *testing.T) {
	p := newTestPager(t)
	meta, err := p.CreateCollection("people", 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	loc, err := p.InsertDocument(meta, 1, sampleDoc("gone", 1), 0)
	if err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}
	if err := p.DeleteDocument(loc, 0); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := p.ReadDocument(loc); err == nil {
		t.Fatalf("expected ReadDocument to fail for a deleted document")
	}
}

func TestLargeDocumentOverflowsToExtensionPages(t *testing.T) {
	p := newTestPager(t)
	meta, err := p.CreateCollection("blobs", 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	huge := bsonval.New()
	huge.Set("payload", bsonval.String(strings.Repeat("z", 20000)))

	loc, err := p.InsertDocument(meta, 1, huge, 0)
	if err != nil {
		t.Fatalf("InsertDocument: %v", err)
	}

	page, err := p.ReadPage(loc.PageID)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	slot, err := findSlot(page, loc.Slot)
	if err != nil {
		t.Fatalf("findSlot: %v", err)
	}
	if !slot.Overflow {
		t.Fatalf("expected a 20000-byte document to overflow")
	}

	got, err := p.ReadDocument(loc)
	if err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}
	payload, _ := got.Get("payload")
	if len(payload.Str) != 20000 {
		t.Fatalf("expected round-tripped payload of length 20000, got %d", len(payload.Str))
	}
}

func TestScanCollectionAcrossPages(t *testing.T) {
	p := newTestPager(t)
	meta, err := p.CreateCollection("people", 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		if _, err := p.InsertDocument(meta, uint64(i+1), sampleDoc("person", int64(i)), 0); err != nil {
			t.Fatalf("InsertDocument %d: %v", i, err)
		}
	}

	count := 0
	err = p.ScanCollection(meta, func(loc DocLocation, doc *bsonval.Document) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("ScanCollection: %v", err)
	}
	if count != n {
		t.Fatalf("expected to scan %d documents, got %d", n, count)
	}
}
