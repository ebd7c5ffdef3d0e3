// Package concurrency implements the multi-granularity lock manager used
// by the transaction layer (L6) to enforce two-phase locking over pages,
// records, and whole collections.
package concurrency

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// LockMode is one of the standard hierarchical lock modes. IS/IX/SIX let a
// transaction declare intent at a coarse granularity (a collection) before
// taking a fine-grained lock (a record or page) beneath it.
type LockMode int

const (
	LockModeIS  LockMode = iota // intent share
	LockModeIX                  // intent exclusive
	LockModeS                   // share
	LockModeSIX                 // share + intent exclusive
	LockModeX                   // exclusive
	LockModeU                   // update: held while deciding to upgrade to X
)

func (m LockMode) String() string {
	switch m {
	case LockModeIS:
		return "IS"
	case LockModeIX:
		return "IX"
	case LockModeS:
		return "S"
	case LockModeSIX:
		return "SIX"
	case LockModeX:
		return "X"
	case LockModeU:
		return "U"
	default:
		return "?"
	}
}

// compatible reports whether a holder in mode `held` permits a new request
// in mode `want` from a different transaction.
func compatible(held, want LockMode) bool {
	return compatMatrix[held][want]
}

var compatMatrix = map[LockMode][6]bool{
	// columns, in order: IS     IX     S      SIX    X      U
	LockModeIS:  {true, true, true, true, false, true},
	LockModeIX:  {true, true, false, false, false, false},
	LockModeS:   {true, false, true, false, false, true},
	LockModeSIX: {true, false, false, false, false, false},
	LockModeX:   {false, false, false, false, false, false},
	LockModeU:   {true, false, true, false, false, false},
}

// ResourceKind distinguishes the three granularities a transaction can lock.
type ResourceKind int

const (
	ResourceCollection ResourceKind = iota
	ResourceRecord
	ResourcePage
)

// Resource identifies a single lockable unit.
type Resource struct {
	Kind       ResourceKind
	Collection string
	RecordID   uint64
	PageID     uint32
}

// CollectionResource names a whole-collection intent resource.
func CollectionResource(name string) Resource {
	return Resource{Kind: ResourceCollection, Collection: name}
}

// RecordResource names a single document within a collection.
func RecordResource(collection string, recordID uint64) Resource {
	return Resource{Kind: ResourceRecord, Collection: collection, RecordID: recordID}
}

// PageResource names a raw storage page, used when a transaction must hold
// a page across a multi-step structural change (e.g. a B+ tree split).
func PageResource(pageID uint32) Resource {
	return Resource{Kind: ResourcePage, PageID: pageID}
}

// DefaultLockTimeout bounds how long Acquire waits before giving up.
const DefaultLockTimeout = 5 * time.Second

// DefaultDeadlockCheckInterval is how often the background detector scans
// the waits-for graph for cycles.
const DefaultDeadlockCheckInterval = 50 * time.Millisecond

var (
	// ErrLockTimeout is returned when a lock cannot be granted within the
	// manager's configured timeout.
	ErrLockTimeout = errors.New("concurrency: timed out waiting for lock")
	// ErrDeadlockAborted is returned to the transaction chosen as the
	// deadlock victim. The caller must roll back.
	ErrDeadlockAborted = errors.New("concurrency: aborted to break deadlock")
)

// LockManager grants and tracks S/X/IS/IX/SIX/U locks over resources on
// behalf of numbered transactions, and runs a background deadlock detector
// over the waits-for graph.
type LockManager struct {
	mu      sync.Mutex
	table   map[Resource]*lockEntry
	held    map[uint64]map[Resource]LockMode // txnID -> resource -> mode, for ReleaseAll
	waits   map[uint64]map[uint64]bool       // txnID -> set of txnIDs it is blocked behind
	timeout time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type lockEntry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders map[uint64]LockMode
	waiters []*waitRequest
}

type waitRequest struct {
	txnID   uint64
	mode    LockMode
	granted bool
	aborted bool
}

// NewLockManager creates a lock manager and starts its deadlock detector.
func NewLockManager() *LockManager {
	lm := &LockManager{
		table:   make(map[Resource]*lockEntry),
		held:    make(map[uint64]map[Resource]LockMode),
		waits:   make(map[uint64]map[uint64]bool),
		timeout: DefaultLockTimeout,
		stop:    make(chan struct{}),
	}
	go lm.detectDeadlocksLoop()
	return lm
}

// SetTimeout overrides the per-acquire wait timeout.
func (lm *LockManager) SetTimeout(d time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.timeout = d
}

// Close stops the background deadlock detector. Safe to call more than once.
func (lm *LockManager) Close() {
	lm.stopOnce.Do(func() { close(lm.stop) })
}

func (lm *LockManager) entryFor(res Resource) *lockEntry {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	e, ok := lm.table[res]
	if !ok {
		e = &lockEntry{holders: make(map[uint64]LockMode)}
		e.cond = sync.NewCond(&e.mu)
		lm.table[res] = e
	}
	return e
}

// Acquire blocks until txnID is granted mode on res, the timeout elapses,
// or the transaction is chosen as a deadlock victim.
func (lm *LockManager) Acquire(txnID uint64, res Resource, mode LockMode) error {
	e := lm.entryFor(res)

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.holders[txnID]; ok && existing == mode {
		return nil
	}

	if lm.grantableLocked(e, txnID, mode) {
		e.holders[txnID] = mode
		lm.recordHeld(txnID, res, mode)
		return nil
	}

	req := &waitRequest{txnID: txnID, mode: mode}
	e.waiters = append(e.waiters, req)
	lm.registerWaitsFor(e, txnID)

	deadline := time.Now().Add(lm.currentTimeout())
	timer := time.AfterFunc(time.Until(deadline), func() { e.cond.Broadcast() })
	defer timer.Stop()

	for !req.granted && !req.aborted && time.Now().Before(deadline) {
		e.cond.Wait()
	}

	lm.clearWaitsFor(txnID)
	removeWaiter(e, req)

	switch {
	case req.aborted:
		return ErrDeadlockAborted
	case req.granted:
		e.holders[txnID] = mode
		lm.recordHeld(txnID, res, mode)
		return nil
	default:
		return fmt.Errorf("%w: resource %+v mode %s", ErrLockTimeout, res, mode)
	}
}

func (lm *LockManager) currentTimeout() time.Duration {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.timeout
}

// grantableLocked reports whether mode is compatible with every existing
// holder other than txnID itself (re-entrant / upgrade case), and does not
// jump ahead of an earlier, still-pending incompatible waiter.
func (lm *LockManager) grantableLocked(e *lockEntry, txnID uint64, mode LockMode) bool {
	for holder, held := range e.holders {
		if holder == txnID {
			continue
		}
		if !compatible(held, mode) {
			return false
		}
	}
	for _, w := range e.waiters {
		if w.txnID == txnID || w.granted {
			continue
		}
		if !compatible(w.mode, mode) {
			return false
		}
	}
	return true
}

func (lm *LockManager) recordHeld(txnID uint64, res Resource, mode LockMode) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m, ok := lm.held[txnID]
	if !ok {
		m = make(map[Resource]LockMode)
		lm.held[txnID] = m
	}
	m[res] = mode
}

func (lm *LockManager) registerWaitsFor(e *lockEntry, txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	set, ok := lm.waits[txnID]
	if !ok {
		set = make(map[uint64]bool)
		lm.waits[txnID] = set
	}
	for holder := range e.holders {
		if holder != txnID {
			set[holder] = true
		}
	}
}

func (lm *LockManager) clearWaitsFor(txnID uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.waits, txnID)
}

func removeWaiter(e *lockEntry, req *waitRequest) {
	for i, w := range e.waiters {
		if w == req {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// Release drops txnID's lock on res, if held, and wakes anyone who can now
// be granted.
func (lm *LockManager) Release(txnID uint64, res Resource) {
	lm.mu.Lock()
	e, ok := lm.table[res]
	if m := lm.held[txnID]; m != nil {
		delete(m, res)
	}
	lm.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	delete(e.holders, txnID)
	lm.promoteWaiters(e)
	e.cond.Broadcast()
	e.mu.Unlock()
}

// ReleaseAll drops every lock held by txnID, used at commit/rollback time.
func (lm *LockManager) ReleaseAll(txnID uint64) {
	lm.mu.Lock()
	resources := make([]Resource, 0, len(lm.held[txnID]))
	for res := range lm.held[txnID] {
		resources = append(resources, res)
	}
	delete(lm.held, txnID)
	delete(lm.waits, txnID)
	lm.mu.Unlock()

	for _, res := range resources {
		lm.Release(txnID, res)
	}
}

// promoteWaiters grants locks to queued waiters now compatible with the
// remaining holders, in FIFO order, stopping at the first waiter that still
// cannot be granted (preserves ordering for exclusive requests).
func (lm *LockManager) promoteWaiters(e *lockEntry) {
	for _, w := range e.waiters {
		if w.granted || w.aborted {
			continue
		}
		grantable := true
		for holder, held := range e.holders {
			if holder == w.txnID {
				continue
			}
			if !compatible(held, w.mode) {
				grantable = false
				break
			}
		}
		if !grantable {
			break
		}
		w.granted = true
		e.holders[w.txnID] = w.mode
	}
}

// detectDeadlocksLoop periodically looks for a cycle in the waits-for graph
// and aborts the youngest transaction in it. A timeout-only approach leaves
// the victim stalled until it times out on its own; this notifies it
// immediately via ErrDeadlockAborted so it can roll back right away.
func (lm *LockManager) detectDeadlocksLoop() {
	ticker := time.NewTicker(DefaultDeadlockCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stop:
			return
		case <-ticker.C:
			lm.detectAndAbortOnce()
		}
	}
}

func (lm *LockManager) detectAndAbortOnce() {
	lm.mu.Lock()
	graph := make(map[uint64]map[uint64]bool, len(lm.waits))
	for t, edges := range lm.waits {
		cp := make(map[uint64]bool, len(edges))
		for o := range edges {
			cp[o] = true
		}
		graph[t] = cp
	}
	lm.mu.Unlock()

	cycle := findCycle(graph)
	if cycle == nil {
		return
	}
	lm.abort(youngest(cycle))
}

// findCycle does a depth-first search from every node looking for a back
// edge, returning the set of transaction IDs on the first cycle found.
func findCycle(graph map[uint64]map[uint64]bool) map[uint64]bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[uint64]int, len(graph))
	stack := make([]uint64, 0, len(graph))

	var visit func(uint64) map[uint64]bool
	visit = func(node uint64) map[uint64]bool {
		color[node] = gray
		stack = append(stack, node)
		for next := range graph[node] {
			switch color[next] {
			case white:
				if c := visit(next); c != nil {
					return c
				}
			case gray:
				cycle := make(map[uint64]bool)
				started := false
				for _, n := range stack {
					if n == next {
						started = true
					}
					if started {
						cycle[n] = true
					}
				}
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return nil
	}

	for node := range graph {
		if color[node] == white {
			if c := visit(node); c != nil {
				return c
			}
		}
	}
	return nil
}

func youngest(cycle map[uint64]bool) uint64 {
	var max uint64
	first := true
	for t := range cycle {
		if first || t > max {
			max = t
			first = false
		}
	}
	return max
}

// abort marks every waiter belonging to txnID as aborted across every
// resource it is blocked on, and wakes the waiting goroutines.
func (lm *LockManager) abort(txnID uint64) {
	lm.mu.Lock()
	delete(lm.waits, txnID)
	entries := make([]*lockEntry, 0, len(lm.table))
	for _, e := range lm.table {
		entries = append(entries, e)
	}
	lm.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		for _, w := range e.waiters {
			if w.txnID == txnID && !w.granted {
				w.aborted = true
			}
		}
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}
