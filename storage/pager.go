package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/snappy"

	"github.com/arlowright/stratadb/wal"
)

// DatabaseHeaderSize is the fixed 256-byte header at file offset 0
// (spec §6): magic, formatVersion, pageSize, totalPages, freeListHead,
// collectionDirectoryRoot, two timestamps, an opaque security-metadata
// slot, reserved padding, and a trailing CRC32.
const DatabaseHeaderSize = 256

var dbMagic = [8]byte{'S', 'T', 'R', 'A', 'T', 'A', 'D', 'B'}

const formatVersion = 1

const (
	dhOffMagic           = 0
	dhOffFormatVersion   = 8
	dhOffPageSize        = 12
	dhOffTotalPages      = 16
	dhOffFreeListHead    = 20
	dhOffCollDirRoot     = 24
	dhOffCreatedNanos    = 28
	dhOffModifiedNanos   = 36
	dhOffSecurityMeta    = 44
	dhSecurityMetaSize   = 64
	dhOffReserved        = dhOffSecurityMeta + dhSecurityMetaSize // 108
	dhReservedSize       = DatabaseHeaderSize - dhOffReserved - 4 // 144
	dhOffChecksum        = DatabaseHeaderSize - 4
)

// noFreePage is the sentinel freeListHead/nextFreePage value meaning
// "no free page available".
const noFreePage uint32 = 0

// ErrReadOnly is returned when a write operation is attempted on a
// read-only database.
var ErrReadOnly = errors.New("pager: database is read-only")

// ErrCorruptedPage is returned when a page's stored checksum does not
// match its contents.
var ErrCorruptedPage = errors.New("pager: corrupted page")

// Options configures a Pager at open time (spec §2's Options struct
// applied to the storage layer).
type Options struct {
	PageSize                 int
	CacheCapacity            int
	ReadOnly                 bool
	EnableJournaling         bool
	WriteConcern             wal.WriteConcern
	JournalFlushDelay        time.Duration
	BackgroundFlushInterval  time.Duration
}

// DefaultOptions returns the storage layer's defaults: an 8 KiB page,
// a 1024-page (8 MiB) cache, and journaling on with Journaled concern.
func DefaultOptions() Options {
	return Options{
		PageSize:                8192,
		CacheCapacity:           1024,
		EnableJournaling:        true,
		WriteConcern:            wal.WriteConcernJournaled,
		JournalFlushDelay:       2 * time.Millisecond,
		BackgroundFlushInterval: time.Second,
	}
}

func validatePageSize(n int) error {
	if n < 512 || n > 65536 {
		return fmt.Errorf("pager: page size %d out of range [512,65536]", n)
	}
	if n&(n-1) != 0 {
		return fmt.Errorf("pager: page size %d is not a power of two", n)
	}
	return nil
}

// CollectionMeta is a collection's directory entry: its first data page,
// the next record id to assign, and the index descriptors (spec §3's
// "zero or more index descriptors") needed to reattach its secondary
// indexes after reopening the file.
type CollectionMeta struct {
	Name         string
	FirstPageID  uint32
	NextRecordID uint64
	Indexes      []IndexDescriptor
}

// IndexDescriptor is a persisted pointer to one secondary index's B+ tree
// root, recorded in its owning collection's directory entry.
type IndexDescriptor struct {
	Field      string
	Unique     bool
	RootPageID uint32
}

// Pager owns the single-file paged storage engine: the database header,
// the free-list allocator, the LRU page cache, the collection
// directory, and the journal/scheduler that make writes durable.
type Pager struct {
	mu   sync.RWMutex
	file StorageFile
	path string
	lock *fileLock

	pageSize                int
	totalPages              uint32
	freeListHead            uint32
	collectionDirectoryRoot uint32
	readOnly                bool

	cache *lruCache

	journal   *wal.Log
	scheduler *wal.Scheduler
	concern   wal.WriteConcern

	collections map[string]*CollectionMeta

	undoMu sync.Mutex
	undo   map[uint64][]undoEntry // txnID -> ordered before-images, one per write
}

// undoEntry is one write's pre-image, captured in write order so a
// transaction's undo log can be replayed either in full (every page
// restored to its pre-transaction state) or from an arbitrary sequence
// position onward (a savepoint's suffix-only undo).
type undoEntry struct {
	pageID   uint32
	preImage []byte
}

// Open opens or creates the database file at path with the given
// options, replaying the journal if one is present.
func Open(path string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts = DefaultOptions()
	}
	if err := validatePageSize(opts.PageSize); err != nil {
		return nil, err
	}

	lock, err := lockFile(path)
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, fmt.Errorf("pager: cannot open file: %w", err)
	}

	p := &Pager{
		file:        file,
		path:        path,
		lock:        lock,
		pageSize:    opts.PageSize,
		readOnly:    opts.ReadOnly,
		cache:       newLRUCache(opts.CacheCapacity),
		collections: make(map[string]*CollectionMeta),
		concern:     opts.WriteConcern,
		undo:        make(map[uint64][]undoEntry),
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() == 0 {
		if opts.ReadOnly {
			file.Close()
			lock.unlock()
			return nil, errors.New("pager: cannot create database in read-only mode")
		}
		if err := p.initHeader(); err != nil {
			file.Close()
			lock.unlock()
			return nil, err
		}
	} else {
		if err := p.loadHeader(); err != nil {
			file.Close()
			lock.unlock()
			return nil, err
		}
		if err := p.loadCollectionDirectory(); err != nil {
			file.Close()
			lock.unlock()
			return nil, err
		}
	}

	if !opts.ReadOnly && opts.EnableJournaling {
		j, err := wal.Open(path)
		if err != nil {
			file.Close()
			lock.unlock()
			return nil, fmt.Errorf("pager: %w", err)
		}
		p.journal = j
		p.scheduler = wal.NewScheduler(j, p, opts.JournalFlushDelay, opts.BackgroundFlushInterval)

		if err := p.recover(); err != nil {
			j.Close()
			file.Close()
			lock.unlock()
			return nil, fmt.Errorf("pager: recovery: %w", err)
		}
	}

	return p, nil
}

// OpenMemory opens an entirely in-memory database (no file, no journal),
// used for tests and ephemeral scratch databases.
func OpenMemory(opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts = DefaultOptions()
	}
	if err := validatePageSize(opts.PageSize); err != nil {
		return nil, err
	}
	p := &Pager{
		file:        NewMemFile(),
		path:        ":memory:",
		pageSize:    opts.PageSize,
		cache:       newLRUCache(opts.CacheCapacity),
		collections: make(map[string]*CollectionMeta),
		undo:        make(map[uint64][]undoEntry),
	}
	if err := p.initHeader(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close flushes the header, fsyncs the data file, checkpoints and
// closes the journal, and releases the OS file lock.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readOnly {
		if err := p.flushHeader(); err != nil {
			return err
		}
		if err := p.file.Sync(); err != nil {
			return err
		}
	}
	if p.scheduler != nil {
		p.scheduler.Close()
	}
	if p.journal != nil {
		p.journal.Checkpoint()
		p.journal.Close()
	}
	fileErr := p.file.Close()
	if p.lock != nil {
		p.lock.unlock()
	}
	return fileErr
}

// PageSize returns the configured page size in bytes.
func (p *Pager) PageSize() int { return p.pageSize }

// IsReadOnly reports whether the database rejects writes.
func (p *Pager) IsReadOnly() bool { return p.readOnly }

// ---------- header ----------

func (p *Pager) initHeader() error {
	p.totalPages = 1 // page 0 holds the database header itself
	p.freeListHead = noFreePage
	p.collectionDirectoryRoot = noFreePage
	return p.flushHeader()
}

func (p *Pager) flushHeader() error {
	buf := make([]byte, DatabaseHeaderSize)
	copy(buf[dhOffMagic:], dbMagic[:])
	binary.LittleEndian.PutUint32(buf[dhOffFormatVersion:], formatVersion)
	binary.LittleEndian.PutUint32(buf[dhOffPageSize:], uint32(p.pageSize))
	binary.LittleEndian.PutUint32(buf[dhOffTotalPages:], p.totalPages)
	binary.LittleEndian.PutUint32(buf[dhOffFreeListHead:], p.freeListHead)
	binary.LittleEndian.PutUint32(buf[dhOffCollDirRoot:], p.collectionDirectoryRoot)
	now := time.Now().UnixNano()
	binary.LittleEndian.PutUint64(buf[dhOffCreatedNanos:], uint64(now))
	binary.LittleEndian.PutUint64(buf[dhOffModifiedNanos:], uint64(now))

	crc := crc32.ChecksumIEEE(buf[:dhOffChecksum])
	binary.LittleEndian.PutUint32(buf[dhOffChecksum:], crc)

	_, err := p.file.WriteAt(buf, 0)
	return err
}

func (p *Pager) loadHeader() error {
	buf := make([]byte, DatabaseHeaderSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("pager: read header: %w", err)
	}
	var gotMagic [8]byte
	copy(gotMagic[:], buf[dhOffMagic:dhOffMagic+8])
	if gotMagic != dbMagic {
		return errors.New("pager: not a stratadb file")
	}
	crc := crc32.ChecksumIEEE(buf[:dhOffChecksum])
	if crc != binary.LittleEndian.Uint32(buf[dhOffChecksum:]) {
		return fmt.Errorf("pager: %w: database header", ErrCorruptedPage)
	}

	p.pageSize = int(binary.LittleEndian.Uint32(buf[dhOffPageSize:]))
	p.totalPages = binary.LittleEndian.Uint32(buf[dhOffTotalPages:])
	p.freeListHead = binary.LittleEndian.Uint32(buf[dhOffFreeListHead:])
	p.collectionDirectoryRoot = binary.LittleEndian.Uint32(buf[dhOffCollDirRoot:])
	return nil
}

// ---------- page I/O ----------

// pageChecksum computes the CRC32 of a page's bytes excluding the
// checksum field itself (spec §4.2).
func pageChecksum(data []byte) uint32 {
	return crc32.Update(
		crc32.ChecksumIEEE(data[:offChecksum]),
		crc32.IEEETable,
		data[offChecksum+4:],
	)
}

// ReadPage reads a page, verifying its checksum, going through the LRU
// cache first.
func (p *Pager) ReadPage(pageID uint32) (*Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageLocked(pageID)
}

func (p *Pager) readPageLocked(pageID uint32) (*Page, error) {
	if pageID >= p.totalPages {
		return nil, fmt.Errorf("pager: page %d out of range (total=%d)", pageID, p.totalPages)
	}
	if data, ok := p.cache.get(pageID); ok {
		return &Page{Data: data}, nil
	}
	data := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(data, int64(pageID)*int64(p.pageSize)); err != nil {
		return nil, fmt.Errorf("pager: read page %d: %w", pageID, err)
	}
	stored := binary.LittleEndian.Uint32(data[offChecksum:])
	if stored != 0 && stored != pageChecksum(data) {
		return nil, fmt.Errorf("pager: page %d: %w", pageID, ErrCorruptedPage)
	}
	p.cache.put(pageID, data)
	return &Page{Data: data}, nil
}

// WritePage writes a page to the cache, journal and data file. If
// txnID is non-zero, the page's prior contents are captured so the
// transaction manager can undo it on rollback.
func (p *Pager) WritePage(page *Page, txnID uint64) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writePageLocked(page, txnID)
}

func (p *Pager) writePageLocked(page *Page, txnID uint64) error {
	pid := page.PageID()
	if pid >= p.totalPages {
		return fmt.Errorf("pager: page %d out of range (total=%d)", pid, p.totalPages)
	}

	if txnID != 0 {
		p.captureUndo(txnID, pid)
	}

	page.SetStoredChecksum(0)
	page.SetStoredChecksum(pageChecksum(page.Data))

	if p.journal != nil {
		if _, err := p.journal.Append(txnID, wal.KindPagePostImage, wal.EncodePageRecord(pid, page.Data)); err != nil {
			return fmt.Errorf("pager: journal: %w", err)
		}
	}

	if _, err := p.file.WriteAt(page.Data, int64(pid)*int64(p.pageSize)); err != nil {
		return err
	}
	p.cache.put(pid, page.Data)
	return nil
}

// captureUndo snapshots a page's pre-write bytes ahead of every write by
// a given transaction (not just the first), so a savepoint rollback can
// later replay the log from any sequence position onward.
func (p *Pager) captureUndo(txnID uint64, pageID uint32) {
	old, err := p.readPageLocked(pageID)
	if err != nil {
		return
	}
	p.undoMu.Lock()
	defer p.undoMu.Unlock()
	p.undo[txnID] = append(p.undo[txnID], undoEntry{pageID: pageID, preImage: append([]byte(nil), old.Data...)})
}

// FlushPage implements wal.PageFlusher: it fsyncs the data file so a
// page written by WritePage is durable. The storage engine shares one
// fsync across all dirty pages rather than per page.
func (p *Pager) FlushPage(uint32) error {
	return p.file.Sync()
}

// UndoLog returns, for every page the transaction has written, its
// bytes as they were before the transaction's first write to it — the
// image a full rollback restores each page to.
func (p *Pager) UndoLog(txnID uint64) map[uint32][]byte {
	p.undoMu.Lock()
	defer p.undoMu.Unlock()
	return foldUndoEntries(p.undo[txnID], 0)
}

// UndoSeq returns the number of write entries captured so far for a
// transaction. The transaction manager records this at CreateSavepoint
// time so RollbackTo knows where the savepoint's suffix begins.
func (p *Pager) UndoSeq(txnID uint64) int {
	p.undoMu.Lock()
	defer p.undoMu.Unlock()
	return len(p.undo[txnID])
}

// UndoLogSince returns, for every page first written at or after
// sequence index from, its bytes as they were immediately before that
// write — the image a savepoint's suffix-only rollback restores each
// such page to, leaving pages only touched before the savepoint alone.
func (p *Pager) UndoLogSince(txnID uint64, from int) map[uint32][]byte {
	p.undoMu.Lock()
	defer p.undoMu.Unlock()
	return foldUndoEntries(p.undo[txnID], from)
}

// foldUndoEntries collapses an ordered undo log down to one pre-image
// per page, keeping the earliest entry at or after index from (the
// page's state at that sequence position).
func foldUndoEntries(entries []undoEntry, from int) map[uint32][]byte {
	if from < 0 {
		from = 0
	}
	if from >= len(entries) {
		return nil
	}
	out := make(map[uint32][]byte, len(entries)-from)
	for _, e := range entries[from:] {
		if _, ok := out[e.pageID]; !ok {
			out[e.pageID] = e.preImage
		}
	}
	return out
}

// TruncateUndo drops every undo entry captured at or after sequence
// index from, called after a savepoint rollback so a later rollback (to
// an earlier savepoint, or a full rollback) doesn't see stale entries
// for writes that have already been undone.
func (p *Pager) TruncateUndo(txnID uint64, from int) {
	p.undoMu.Lock()
	defer p.undoMu.Unlock()
	if entries := p.undo[txnID]; from < len(entries) {
		p.undo[txnID] = entries[:from]
	}
}

// DiscardUndo drops a transaction's undo log, called on commit.
func (p *Pager) DiscardUndo(txnID uint64) {
	p.undoMu.Lock()
	defer p.undoMu.Unlock()
	delete(p.undo, txnID)
}

// RestorePage writes back a raw before-image during rollback, bypassing
// undo capture and journaling (the rollback itself is journaled by the
// transaction manager).
func (p *Pager) RestorePage(pageID uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.file.WriteAt(data, int64(pageID)*int64(p.pageSize)); err != nil {
		return err
	}
	p.cache.put(pageID, data)
	return nil
}

// AwaitDurable blocks per the configured write concern until a commit
// at commitLSN (and, for Synced, the given dirty pages) is durable.
func (p *Pager) AwaitDurable(commitLSN uint64, dirtyPages []uint32) error {
	if p.scheduler == nil {
		return nil
	}
	return p.scheduler.AwaitCommit(p.concern, commitLSN, dirtyPages)
}

// AppendJournal appends a raw journal record, used by the transaction
// manager for Begin/Commit/Rollback/AllocPage/FreePage markers.
func (p *Pager) AppendJournal(txnID uint64, kind wal.Kind, payload []byte) (uint64, error) {
	if p.journal == nil {
		return 0, nil
	}
	return p.journal.Append(txnID, kind, payload)
}

// ---------- allocation ----------

// Pin/Unpin expose the cache's pinning so callers holding a *Page across
// multiple operations can stop it from being evicted mid-use.
func (p *Pager) Pin(pageID uint32)   { p.cache.pin(pageID) }
func (p *Pager) Unpin(pageID uint32) { p.cache.unpin(pageID) }

// AllocatePage pops a page off the free list if one is available,
// otherwise extends the file, and returns a zeroed page of the given
// type ready to be written.
func (p *Pager) AllocatePage(ptype PageType, txnID uint64) (*Page, error) {
	if p.readOnly {
		return nil, ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocatePageLocked(ptype, txnID)
}

func (p *Pager) allocatePageLocked(ptype PageType, txnID uint64) (*Page, error) {
	var id uint32
	if p.freeListHead != noFreePage {
		id = p.freeListHead
		freePage, err := p.readPageLocked(id)
		if err != nil {
			return nil, err
		}
		p.freeListHead = freePage.NextPageID()
	} else {
		id = p.totalPages
		p.totalPages++
	}

	page := NewPage(p.pageSize, ptype, id)
	if p.journal != nil {
		p.journal.Append(txnID, wal.KindAllocPage, wal.EncodePageID(id))
	}
	if err := p.writePageLocked(page, txnID); err != nil {
		return nil, fmt.Errorf("pager: allocate page: %w", err)
	}
	if err := p.flushHeaderLocked(); err != nil {
		return nil, err
	}
	return page, nil
}

// FreePage returns a page to the free list, to be reused by a future
// AllocatePage call.
func (p *Pager) FreePage(pageID uint32, txnID uint64) error {
	if p.readOnly {
		return ErrReadOnly
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	page, err := p.readPageLocked(pageID)
	if err != nil {
		return err
	}
	page.SetType(PageTypeEmpty)
	page.SetNextPageID(p.freeListHead)
	if err := p.writePageLocked(page, txnID); err != nil {
		return err
	}
	p.freeListHead = pageID
	if p.journal != nil {
		p.journal.Append(txnID, wal.KindFreePage, wal.EncodePageID(pageID))
	}
	return p.flushHeaderLocked()
}

func (p *Pager) flushHeaderLocked() error {
	return p.flushHeader()
}

// ---------- recovery ----------

// recover replays committed journal records into the data file and
// reloads the header/collection directory, following spec §9's
// decision to stop at (and discard) the first corrupt or truncated tail
// record rather than attempt to resync past it.
func (p *Pager) recover() error {
	records, err := p.journal.Replay()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	committed := make(map[uint64]bool)
	var pending []wal.Record
	for _, r := range records {
		switch r.Kind {
		case wal.KindPagePostImage, wal.KindAllocPage, wal.KindFreePage:
			pending = append(pending, r)
		case wal.KindCommit:
			committed[r.TxnID] = true
		}
	}

	applied := false
	for _, r := range pending {
		if !committed[r.TxnID] {
			continue
		}
		switch r.Kind {
		case wal.KindPagePostImage:
			pid, data := wal.DecodePageRecord(r.Payload)
			for pid >= p.totalPages {
				p.totalPages++
			}
			if _, err := p.file.WriteAt(data, int64(pid)*int64(p.pageSize)); err != nil {
				return fmt.Errorf("recovery: write page %d: %w", pid, err)
			}
			applied = true
		}
	}
	if !applied {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("recovery: fsync: %w", err)
	}
	if err := p.loadHeader(); err != nil {
		return fmt.Errorf("recovery: reload header: %w", err)
	}
	if err := p.loadCollectionDirectory(); err != nil {
		return fmt.Errorf("recovery: reload collections: %w", err)
	}
	return p.journal.Checkpoint()
}

// ---------- cache / statistics ----------

// Stats summarizes the pager's runtime state for the engine facade's
// Stats() aggregation (spec §8/§11).
type Stats struct {
	TotalPages    uint32
	PageSize      int
	CacheHits     uint64
	CacheMisses   uint64
	CacheSize     int
	CacheCapacity int
	CollectionCount int
}

func (p *Pager) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	hits, misses, size, cap := p.cache.stats()
	return Stats{
		TotalPages:      p.totalPages,
		PageSize:        p.pageSize,
		CacheHits:       hits,
		CacheMisses:     misses,
		CacheSize:       size,
		CacheCapacity:   cap,
		CollectionCount: len(p.collections),
	}
}

// ClearCache drops every cached page.
func (p *Pager) ClearCache() { p.cache.clear() }

// JournalStats returns the journal's record counters, or a zero value
// when journaling is disabled.
func (p *Pager) JournalStats() wal.Stats {
	if p.journal == nil {
		return wal.Stats{}
	}
	return p.journal.Stats()
}

// ---------- compression ----------

// CompressRecord snappy-encodes data, returning the original bytes and
// the active flag when compression doesn't shrink the payload.
func CompressRecord(data []byte) ([]byte, byte) {
	compressed := snappy.Encode(nil, data)
	if len(compressed) < len(data) {
		return compressed, SlotFlagCompressed
	}
	return data, SlotFlagActive
}

// DecompressRecord reverses CompressRecord given a slot read back from
// a page.
func DecompressRecord(slot *RecordSlot) ([]byte, error) {
	if !slot.Compressed {
		return slot.Data, nil
	}
	decoded, err := snappy.Decode(nil, slot.Data)
	if err != nil {
		return nil, fmt.Errorf("pager: snappy decode: %w", err)
	}
	return decoded, nil
}
