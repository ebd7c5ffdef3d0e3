package stratadb

import (
	"errors"
	"testing"

	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/index"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory(Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func personDoc(name string, age int64) *bsonval.Document {
	d := bsonval.New()
	d.Set("name", bsonval.String(name))
	d.Set("age", bsonval.Int64(age))
	return d
}

func TestInsertAndFindByID(t *testing.T) {
	db := newTestDB(t)
	users, err := db.GetCollection("users")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}

	id, err := users.Insert(personDoc("Alice", 30))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := users.FindByID(id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	name, _ := got.Get("name")
	if name.Str != "Alice" {
		t.Fatalf("expected name=Alice, got %q", name.Str)
	}

	count, err := users.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count=1, got %d", count)
	}
}

func TestUniqueIndexViolation(t *testing.T) {
	db := newTestDB(t)
	users, err := db.GetCollection("users")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if err := users.CreateIndex("email", true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	a := bsonval.New()
	a.Set("email", bsonval.String("x@y"))
	idA, err := users.Insert(a)
	if err != nil {
		t.Fatalf("Insert a: %v", err)
	}

	b := bsonval.New()
	b.Set("email", bsonval.String("x@y"))
	if _, err := users.Insert(b); !errors.Is(err, index.ErrUniqueViolation) {
		t.Fatalf("expected ErrUniqueViolation, got %v", err)
	}

	count, err := users.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count=1 after rejected insert, got %d", count)
	}

	idx := db.indexes.Get("users", "email")
	postings, err := idx.Find(bsonval.IndexKey{bsonval.String("x@y")})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(postings) != 1 || postings[0] != idAsUint64(idA) {
		t.Fatalf("expected index to resolve only to the first insert's docID")
	}
}

func TestUpdateGrowThenShrink(t *testing.T) {
	db := newTestDB(t)
	widgets, err := db.GetCollection("widgets")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}

	doc := bsonval.New()
	doc.Set("blob", bsonval.String(string(make([]byte, 100))))
	id, err := widgets.Insert(doc)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	grown := bsonval.New()
	grown.Set("blob", bsonval.String(string(make([]byte, 200))))
	if err := widgets.Update(id, grown); err != nil {
		t.Fatalf("Update grow: %v", err)
	}

	shrunk := bsonval.New()
	shrunk.Set("blob", bsonval.String(string(make([]byte, 50))))
	if err := widgets.Update(id, shrunk); err != nil {
		t.Fatalf("Update shrink: %v", err)
	}

	got, err := widgets.FindByID(id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	blob, _ := got.Get("blob")
	if len(blob.Str) != 50 {
		t.Fatalf("expected final blob length 50, got %d", len(blob.Str))
	}

	count, err := widgets.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one live document, got %d", count)
	}
}

func TestTransactionalRollback(t *testing.T) {
	db := newTestDB(t)
	users, err := db.GetCollection("users")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	existingID, err := users.Insert(personDoc("Pre-existing", 50))
	if err != nil {
		t.Fatalf("Insert pre-existing: %v", err)
	}

	tx, err := db.BeginTransaction()
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := tx.Insert("users", personDoc("new", int64(i))); err != nil {
			t.Fatalf("tx.Insert %d: %v", i, err)
		}
	}
	bumped := personDoc("Pre-existing", 999)
	if err := tx.Update("users", existingID, bumped); err != nil {
		t.Fatalf("tx.Update: %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	count, err := users.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count=1 after rollback, got %d", count)
	}

	got, err := users.FindByID(existingID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	age, _ := got.Get("age")
	if age.Int != 50 {
		t.Fatalf("expected age reverted to 50, got %d", age.Int)
	}
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	db := newTestDB(t)
	users, err := db.GetCollection("users")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if err := users.CreateIndex("email", true); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	doc := bsonval.New()
	doc.Set("email", bsonval.String("a@b"))
	id, err := users.Insert(doc)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := users.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := users.FindByID(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// the freed unique slot must be insertable again.
	doc2 := bsonval.New()
	doc2.Set("email", bsonval.String("a@b"))
	if _, err := users.Insert(doc2); err != nil {
		t.Fatalf("expected reinsert of freed unique key to succeed, got %v", err)
	}
}

func TestDropCollection(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.GetCollection("temp"); err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if !db.Exists("temp") {
		t.Fatalf("expected collection to exist")
	}
	if err := db.Drop("temp"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if db.Exists("temp") {
		t.Fatalf("expected collection gone after Drop")
	}
}

func TestStatsAggregatesLayers(t *testing.T) {
	db := newTestDB(t)
	users, err := db.GetCollection("users")
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if _, err := users.Insert(personDoc("Alice", 30)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	stats := db.Stats()
	if stats.Storage.TotalPages == 0 {
		t.Fatalf("expected non-zero total pages")
	}
}
