package bsonval

import (
	"testing"
	"time"

	"github.com/arlowright/stratadb/objectid"
)

func TestTypeOrdering(t *testing.T) {
	values := []Value{
		Null(),
		Bool(true),
		Int64(42),
		String("x"),
		DateTime(time.Now()),
		ObjectIDValue(objectid.New()),
		Binary([]byte{1}),
		DocumentValue(New()),
		Array(nil),
	}
	for i := 0; i < len(values)-1; i++ {
		if Compare(values[i], values[i+1]) >= 0 {
			t.Errorf("expected kind %d < kind %d", values[i].Kind, values[i+1].Kind)
		}
	}
}

func TestNumericCompareAcrossSubtypes(t *testing.T) {
	if Compare(Int32(1), Int64(1)) != 0 {
		t.Error("int32(1) should equal int64(1)")
	}
	if Compare(Int64(1), Float64(1.5)) >= 0 {
		t.Error("1 should be less than 1.5")
	}
	d := DecimalValue(DecimalFromParts(150, 2)) // 1.50
	if Compare(Int64(1), d) >= 0 {
		t.Error("1 should be less than decimal 1.50")
	}
}

func TestMinMaxSentinels(t *testing.T) {
	if Compare(MinValue(), Null()) >= 0 {
		t.Error("MinValue must sort below Null")
	}
	if Compare(MaxValue(), ObjectIDValue(objectid.New())) <= 0 {
		t.Error("MaxValue must sort above any real key")
	}
}

func TestDocumentEncodeDecodeRoundTrip(t *testing.T) {
	doc := New()
	doc.Set("_id", ObjectIDValue(objectid.New()))
	doc.Set("_collection", String("users"))
	doc.Set("name", String("Alice"))
	doc.Set("age", Int64(30))
	doc.Set("balance", DecimalValue(DecimalFromParts(12345, 2)))
	doc.Set("active", Bool(true))
	doc.Set("tags", Array([]Value{String("a"), String("b")}))

	sub := New()
	sub.Set("city", String("Paris"))
	doc.Set("address", DocumentValue(sub))

	encoded, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Fields) != len(doc.Fields) {
		t.Fatalf("field count mismatch: got %d want %d", len(decoded.Fields), len(doc.Fields))
	}
	name, ok := decoded.Get("name")
	if !ok || name.Str != "Alice" {
		t.Errorf("expected name=Alice, got %+v ok=%v", name, ok)
	}
	city, ok := decoded.GetPath([]string{"address", "city"})
	if !ok || city.Str != "Paris" {
		t.Errorf("expected nested city=Paris, got %+v ok=%v", city, ok)
	}
}

func TestIndexKeyCompare(t *testing.T) {
	a := IndexKey{String("alice"), Int64(1)}
	b := IndexKey{String("alice"), Int64(2)}
	if CompareKeys(a, b) >= 0 {
		t.Error("expected a < b")
	}
	if CompareKeys(MinKey(), a) >= 0 {
		t.Error("MinKey must sort below any real key")
	}
}
