package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func corruptLastByte(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, info.Size()-1); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	lsn1, err := l.Append(1, KindBegin, nil)
	if err != nil {
		t.Fatalf("append begin: %v", err)
	}
	if _, err := l.Append(1, KindPagePostImage, EncodePageRecord(7, []byte("hello"))); err != nil {
		t.Fatalf("append page: %v", err)
	}
	lsn3, err := l.Append(1, KindCommit, nil)
	if err != nil {
		t.Fatalf("append commit: %v", err)
	}
	if err := l.FlushUntil(lsn3); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if lsn1 >= lsn3 {
		t.Fatalf("expected increasing LSNs, got %d then %d", lsn1, lsn3)
	}

	recs, err := l.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	pid, page := DecodePageRecord(recs[1].Payload)
	if pid != 7 || string(page) != "hello" {
		t.Errorf("unexpected page record: pid=%d page=%q", pid, page)
	}
}

func TestReplayStopsAtCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := l.Append(1, KindBegin, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(1, KindCommit, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	l.Close()

	// Corrupt the last byte (part of the second record's CRC trailer).
	raw, err := filepath.Glob(path + ".wal")
	if err != nil || len(raw) == 0 {
		t.Fatalf("glob wal file: %v", err)
	}
	corruptLastByte(t, raw[0])

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	recs, err := l2.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected replay to stop after first good record, got %d", len(recs))
	}
}

func TestCheckpointTruncates(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()
	if _, err := l.Append(1, KindCommit, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Checkpoint(); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	recs, err := l.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty journal after checkpoint, got %d records", len(recs))
	}
}
