package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arlowright/stratadb/concurrency"
	"github.com/arlowright/stratadb/index"
	"github.com/arlowright/stratadb/storage"
)

// DefaultIdleTimeout is how long a transaction may sit without an
// operation before the watchdog force-rolls it back.
const DefaultIdleTimeout = 30 * time.Second

// DefaultWatchdogInterval is how often the watchdog scans for idle
// transactions.
const DefaultWatchdogInterval = time.Second

// Manager owns every in-flight transaction against one database, assigns
// transaction ids, and runs the idle-transaction watchdog.
type Manager struct {
	pager   *storage.Pager
	locks   *concurrency.LockManager
	indexes *index.Manager

	nextID uint64

	mu    sync.Mutex
	live  map[uint64]*Transaction

	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewManager creates a transaction manager over the given storage,
// lock, and index layers, and starts its idle-transaction watchdog.
func NewManager(pager *storage.Pager, locks *concurrency.LockManager, indexes *index.Manager) *Manager {
	m := &Manager{
		pager:       pager,
		locks:       locks,
		indexes:     indexes,
		live:        make(map[uint64]*Transaction),
		idleTimeout: DefaultIdleTimeout,
		stop:        make(chan struct{}),
	}
	go m.watchdogLoop()
	return m
}

// SetIdleTimeout overrides how long a transaction may sit idle before
// being force rolled back.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
}

// Close stops the watchdog. It does not touch any live transaction.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Begin starts a new transaction and registers it with the manager.
func (m *Manager) Begin() *Transaction {
	id := atomic.AddUint64(&m.nextID, 1)
	t := newTransaction(id, m.pager, m.locks, m.indexes)

	m.mu.Lock()
	m.live[id] = t
	m.mu.Unlock()
	return t
}

// Get returns a live transaction by id, or nil if it has already
// committed or aborted.
func (m *Manager) Get(id uint64) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live[id]
}

// Forget removes a transaction from the live set, called after Commit
// or Rollback completes.
func (m *Manager) Forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, id)
}

// Commit commits a transaction and removes it from the live set.
func (m *Manager) Commit(t *Transaction) error {
	if err := t.Commit(); err != nil {
		return err
	}
	m.Forget(t.ID)
	return nil
}

// Rollback rolls back a transaction and removes it from the live set.
func (m *Manager) Rollback(t *Transaction) error {
	if err := t.Rollback(); err != nil {
		return err
	}
	m.Forget(t.ID)
	return nil
}

func (m *Manager) watchdogInterval() time.Duration {
	return DefaultWatchdogInterval
}

func (m *Manager) watchdogLoop() {
	ticker := time.NewTicker(m.watchdogInterval())
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	m.mu.Lock()
	timeout := m.idleTimeout
	var idle []*Transaction
	for _, t := range m.live {
		if t.Status() == StatusActive && t.IdleSince() > timeout {
			idle = append(idle, t)
		}
	}
	m.mu.Unlock()

	for _, t := range idle {
		_ = m.Rollback(t)
	}
}
