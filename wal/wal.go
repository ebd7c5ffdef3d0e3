// Package wal implements the write-ahead log and durability scheduler
// described in spec §5 (L2/L3): an append-only sibling file recording
// page before/after images and transaction boundaries, replayed on open
// to recover from a crash.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

// Kind identifies the operation a record describes.
type Kind byte

const (
	KindBegin        Kind = 1
	KindPagePreImage Kind = 2
	KindPagePostImage Kind = 3
	KindFreePage     Kind = 4
	KindAllocPage    Kind = 5
	KindCommit       Kind = 6
	KindRollback     Kind = 7
	KindCheckpoint   Kind = 8
)

// Record is one WAL entry, framed on disk as:
//
//	[totalLen:u32][LSN:u64][txnID:u64][kind:u8][payloadLen:u16][payload][crc32:u32]
type Record struct {
	LSN     uint64
	TxnID   uint64
	Kind    Kind
	Payload []byte
}

const recordFixedSize = 4 + 8 + 8 + 1 + 2 // totalLen + LSN + txnID + kind + payloadLen
const recordTrailerSize = 4                // crc32

var magic = [8]byte{'S', 'T', 'R', 'A', 'T', 'A', 'W', '1'}

// Log is an append-only write-ahead log file.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	nextLSN uint64
	flushed uint64 // highest LSN durably fsync'd
}

// Open opens or creates the WAL sibling file for a database at dbPath.
func Open(dbPath string) (*Log, error) {
	path := dbPath + ".wal"
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open: %w", err)
	}
	l := &Log{file: f, path: path, nextLSN: 1}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if _, err := f.WriteAt(magic[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: write magic: %w", err)
		}
	} else {
		var got [8]byte
		if _, err := f.ReadAt(got[:], 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("wal: read magic: %w", err)
		}
		if got != magic {
			f.Close()
			return nil, errors.New("wal: bad magic, not a stratadb journal")
		}
	}
	return l, nil
}

// Path returns the journal file's path on disk.
func (l *Log) Path() string { return l.path }

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append writes a record and returns its assigned LSN. It does not
// fsync; callers needing durability must call FlushUntil.
func (l *Log) Append(txnID uint64, kind Kind, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSN
	l.nextLSN++

	buf := make([]byte, recordFixedSize+len(payload)+recordTrailerSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint64(buf[4:], lsn)
	binary.LittleEndian.PutUint64(buf[12:], txnID)
	buf[20] = byte(kind)
	binary.LittleEndian.PutUint16(buf[21:], uint16(len(payload)))
	copy(buf[recordFixedSize:], payload)

	crc := crc32.ChecksumIEEE(buf[:recordFixedSize+len(payload)])
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], crc)

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("wal: seek end: %w", err)
	}
	if _, err := l.file.Write(buf); err != nil {
		return 0, fmt.Errorf("wal: append: %w", err)
	}
	return lsn, nil
}

// FlushUntil fsyncs the journal if lsn has not yet been made durable.
func (l *Log) FlushUntil(lsn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lsn <= l.flushed {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	l.flushed = lsn
	return nil
}

// Replay reads every well-formed record from the start of the journal.
// Per spec §9's resolution of replay-on-corruption, the scan stops at
// the first length mismatch or CRC failure and treats everything from
// that point on as lost — it never tries to skip forward and resync.
func (l *Log) Replay() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var records []Record
	offset := int64(len(magic))

	for {
		lenBuf := make([]byte, 4)
		n, err := l.file.ReadAt(lenBuf, offset)
		if n < 4 || err == io.EOF {
			break
		}
		if err != nil {
			return records, fmt.Errorf("wal: replay: read length: %w", err)
		}
		totalLen := binary.LittleEndian.Uint32(lenBuf)
		if totalLen < recordFixedSize+recordTrailerSize {
			break
		}

		full := make([]byte, totalLen)
		n, err = l.file.ReadAt(full, offset)
		if n < int(totalLen) || err == io.EOF {
			break // truncated tail: crash mid-write, stop here
		}
		if err != nil {
			return records, fmt.Errorf("wal: replay: read record: %w", err)
		}

		storedCRC := binary.LittleEndian.Uint32(full[totalLen-4:])
		computedCRC := crc32.ChecksumIEEE(full[:totalLen-4])
		if storedCRC != computedCRC {
			break // corrupted tail, stop and discard the rest
		}

		payloadLen := binary.LittleEndian.Uint16(full[21:23])
		rec := Record{
			LSN:     binary.LittleEndian.Uint64(full[4:12]),
			TxnID:   binary.LittleEndian.Uint64(full[12:20]),
			Kind:    Kind(full[20]),
			Payload: append([]byte(nil), full[recordFixedSize:recordFixedSize+int(payloadLen)]...),
		}
		records = append(records, rec)

		if rec.LSN >= l.nextLSN {
			l.nextLSN = rec.LSN + 1
		}
		offset += int64(totalLen)
	}
	return records, nil
}

// Checkpoint truncates the journal back to just its magic header, used
// once every record in it has been applied to the data file.
func (l *Log) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Truncate(int64(len(magic))); err != nil {
		return fmt.Errorf("wal: checkpoint truncate: %w", err)
	}
	if _, err := l.file.Seek(int64(len(magic)), io.SeekStart); err != nil {
		return fmt.Errorf("wal: checkpoint seek: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: checkpoint fsync: %w", err)
	}
	l.flushed = 0
	return nil
}

// Stats summarizes the journal's runtime counters for the engine
// facade's aggregated statistics (spec §4.9).
type Stats struct {
	LastLSN    uint64
	FlushedLSN uint64
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{LastLSN: l.nextLSN - 1, FlushedLSN: l.flushed}
}

// EncodePageRecord packs a pageID and page bytes into a WAL payload for
// KindPagePreImage / KindPagePostImage records.
func EncodePageRecord(pageID uint32, page []byte) []byte {
	buf := make([]byte, 4+len(page))
	binary.LittleEndian.PutUint32(buf, pageID)
	copy(buf[4:], page)
	return buf
}

// DecodePageRecord is the inverse of EncodePageRecord.
func DecodePageRecord(payload []byte) (pageID uint32, page []byte) {
	return binary.LittleEndian.Uint32(payload), payload[4:]
}

// EncodePageID packs a bare page id, used by KindAllocPage/KindFreePage.
func EncodePageID(pageID uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, pageID)
	return buf
}

// DecodePageID is the inverse of EncodePageID.
func DecodePageID(payload []byte) uint32 { return binary.LittleEndian.Uint32(payload) }
