package index

import (
	"testing"

	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/storage"
)

func testPager(t *testing.T) *storage.Pager {
	t.Helper()
	opts := storage.DefaultOptions()
	opts.PageSize = 512
	p, err := storage.OpenMemory(opts)
	if err != nil {
		t.Fatalf("open memory pager: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func keyOf(v bsonval.Value) bsonval.IndexKey { return bsonval.IndexKey{v} }

func TestInsertFindRoundTrip(t *testing.T) {
	idx, err := NewIndex("users", "name", false, testPager(t))
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.Insert(keyOf(bsonval.String("alice")), 1, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := idx.Insert(keyOf(bsonval.String("bob")), 2, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := idx.Find(keyOf(bsonval.String("alice")))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("unexpected postings: %v", got)
	}
}

func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	idx, err := NewIndex("users", "email", true, testPager(t))
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	if err := idx.Insert(keyOf(bsonval.String("a@x.com")), 1, 0); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := idx.Insert(keyOf(bsonval.String("a@x.com")), 2, 0); err == nil {
		t.Fatal("expected unique violation")
	}
}

func TestSplitAcrossManyKeys(t *testing.T) {
	idx, err := NewIndex("items", "sku", false, testPager(t))
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	for i := 0; i < 200; i++ {
		if err := idx.Insert(keyOf(bsonval.Int64(int64(i))), uint64(i), 0); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	lo := keyOf(bsonval.Int64(50))
	hi := keyOf(bsonval.Int64(59))
	got, err := idx.FindRange(lo, hi)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 postings in [50,59], got %d: %v", len(got), got)
	}
	if err := idx.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestDeletePosting(t *testing.T) {
	idx, err := NewIndex("items", "sku", false, testPager(t))
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	key := keyOf(bsonval.String("x"))
	idx.Insert(key, 1, 0)
	idx.Insert(key, 2, 0)
	if err := idx.Delete(key, 1, 0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err := idx.Find(key)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Errorf("unexpected postings after delete: %v", got)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(testPager(t))
	if _, err := m.CreateIndex("users", "name", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateIndex("users", "name", false); err == nil {
		t.Fatal("expected duplicate index error")
	}
	if m.Get("users", "name") == nil {
		t.Fatal("expected index to be registered")
	}
	if err := m.DropIndex("users", "name"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if m.Get("users", "name") != nil {
		t.Fatal("expected index to be gone after drop")
	}
}
