// Command stratadb is a thin CLI front end over the embedded database:
// open one file and run a single get/put/del/stats subcommand against
// it. It duplicates no business logic from the engine facade.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	stratadb "github.com/arlowright/stratadb"
	"github.com/arlowright/stratadb/bsonval"
	"github.com/arlowright/stratadb/objectid"
	"github.com/arlowright/stratadb/wal"
)

const usage = `stratadb <command> [options]

Commands:
  put <collection> <json>       Insert a document, prints its _id
  get <collection> <id-hex>     Find a document by _id
  del <collection> <id-hex>     Delete a document by _id
  stats                         Print aggregated engine statistics

Global options:
  --db <path>          Database file (default: stratadb.db)
  --page-size <n>       Page size in bytes (default: 8192)
  --cache-pages <n>     Cache capacity in pages (default: 1000)
  --write-concern <s>   none|journaled|synced (default: journaled)
  --read-only           Open the database read-only
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]

	flagSet := flag.NewFlagSet(cmd, flag.ContinueOnError)
	dbPath := flagSet.String("db", "stratadb.db", "database file")
	pageSize := flagSet.Int("page-size", 8192, "page size in bytes")
	cachePages := flagSet.Int("cache-pages", 1000, "cache capacity in pages")
	writeConcern := flagSet.String("write-concern", "journaled", "none|journaled|synced")
	readOnly := flagSet.Bool("read-only", false, "open the database read-only")
	if err := flagSet.Parse(rest); err != nil {
		return 2
	}

	opts := stratadb.DefaultOptions()
	opts.PageSize = *pageSize
	opts.CacheSize = *cachePages
	opts.ReadOnly = *readOnly
	wc, err := parseWriteConcern(*writeConcern)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	opts.WriteConcern = wc

	db, err := stratadb.Open(*dbPath, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: open %s: %v\n", *dbPath, err)
		return 1
	}
	defer db.Close()

	positional := flagSet.Args()
	switch cmd {
	case "put":
		return cmdPut(db, positional)
	case "get":
		return cmdGet(db, positional)
	case "del":
		return cmdDel(db, positional)
	case "stats":
		return cmdStats(db)
	default:
		fmt.Fprintf(os.Stderr, "stratadb: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

func cmdPut(db *stratadb.DB, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: stratadb put <collection> <json>")
		return 2
	}
	collection, jsonBody := args[0], args[1]

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(jsonBody), &fields); err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: invalid json: %v\n", err)
		return 2
	}

	doc := bsonval.New()
	for k, v := range fields {
		val, err := valueFromJSON(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stratadb: field %q: %v\n", k, err)
			return 2
		}
		doc.Set(k, val)
	}

	c, err := db.GetCollection(collection)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: %v\n", err)
		return 1
	}
	id, err := c.Insert(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: insert: %v\n", err)
		return 1
	}
	fmt.Println(id.Hex())
	return 0
}

func cmdGet(db *stratadb.DB, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: stratadb get <collection> <id-hex>")
		return 2
	}
	id, err := objectid.FromHex(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: invalid id: %v\n", err)
		return 2
	}
	c, err := db.GetCollection(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: %v\n", err)
		return 1
	}
	doc, err := c.FindByID(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: %v\n", err)
		return 1
	}
	fmt.Println(documentToJSON(doc))
	return 0
}

func cmdDel(db *stratadb.DB, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: stratadb del <collection> <id-hex>")
		return 2
	}
	id, err := objectid.FromHex(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: invalid id: %v\n", err)
		return 2
	}
	c, err := db.GetCollection(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: %v\n", err)
		return 1
	}
	if err := c.Delete(id); err != nil {
		fmt.Fprintf(os.Stderr, "stratadb: %v\n", err)
		return 1
	}
	return 0
}

func cmdStats(db *stratadb.DB) int {
	s := db.Stats()
	out, _ := json.MarshalIndent(map[string]interface{}{
		"totalPages":      s.Storage.TotalPages,
		"pageSize":        s.Storage.PageSize,
		"cacheHits":       s.Storage.CacheHits,
		"cacheMisses":     s.Storage.CacheMisses,
		"collectionCount": s.Storage.CollectionCount,
		"lastLSN":         s.Journal.LastLSN,
		"flushedLSN":      s.Journal.FlushedLSN,
	}, "", "  ")
	fmt.Println(string(out))
	return 0
}

func parseWriteConcern(s string) (wal.WriteConcern, error) {
	switch s {
	case "none":
		return wal.WriteConcernNone, nil
	case "journaled":
		return wal.WriteConcernJournaled, nil
	case "synced":
		return wal.WriteConcernSynced, nil
	default:
		return 0, fmt.Errorf("stratadb: unknown write concern %q", s)
	}
}

// valueFromJSON converts a decoded encoding/json value into the bsonval
// value it most naturally maps to. JSON has no integer/float distinction,
// so whole numbers decode as Int64 and fractional ones as Float64.
func valueFromJSON(v interface{}) (bsonval.Value, error) {
	switch t := v.(type) {
	case nil:
		return bsonval.Null(), nil
	case bool:
		return bsonval.Bool(t), nil
	case string:
		return bsonval.String(t), nil
	case float64:
		if t == float64(int64(t)) {
			return bsonval.Int64(int64(t)), nil
		}
		return bsonval.Float64(t), nil
	default:
		return bsonval.Value{}, fmt.Errorf("unsupported JSON value %v", v)
	}
}

func documentToJSON(doc *bsonval.Document) string {
	out := make(map[string]interface{})
	for _, f := range doc.Fields {
		out[f.Name] = valueToJSON(f.Value)
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func valueToJSON(v bsonval.Value) interface{} {
	switch v.Kind {
	case bsonval.KindNull:
		return nil
	case bsonval.KindBool:
		return v.Bool
	case bsonval.KindInt32, bsonval.KindInt64:
		return v.Int
	case bsonval.KindFloat64:
		return v.Float
	case bsonval.KindString:
		return v.Str
	case bsonval.KindObjectID:
		return v.OID.Hex()
	default:
		return fmt.Sprintf("%v", v)
	}
}
