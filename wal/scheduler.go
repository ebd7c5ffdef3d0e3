package wal

import (
	"sync"
	"time"
)

// WriteConcern controls how long a commit waits before returning
// (spec §5's durability levels).
type WriteConcern int

const (
	// WriteConcernNone returns as soon as the commit record is appended
	// to the journal buffer, without waiting for any fsync.
	WriteConcernNone WriteConcern = iota
	// WriteConcernJournaled waits for the journal to be fsync'd through
	// the commit record's LSN.
	WriteConcernJournaled
	// WriteConcernSynced additionally waits for every dirty page in the
	// commit set to be flushed to the data file.
	WriteConcernSynced
)

// PageFlusher flushes a single dirty page to the data file; it is
// implemented by the storage package's Pager.
type PageFlusher interface {
	FlushPage(pageID uint32) error
}

// Scheduler coalesces commit-time fsyncs into groups (group commit), so a
// burst of small transactions pays for one fsync instead of many, and
// runs a background ticker that periodically fsyncs the journal. The
// ticker does not flush data pages.
type Scheduler struct {
	log     *Log
	flusher PageFlusher

	flushDelay time.Duration

	mu      sync.Mutex
	pending []chan error
	timer   *time.Timer

	stop   chan struct{}
	ticker *time.Ticker
}

// NewScheduler builds a scheduler over an already-open journal. flushDelay
// is the group-commit coalescing window; backgroundInterval is how often
// the background flush ticker runs (0 disables it).
func NewScheduler(log *Log, flusher PageFlusher, flushDelay, backgroundInterval time.Duration) *Scheduler {
	s := &Scheduler{log: log, flusher: flusher, flushDelay: flushDelay, stop: make(chan struct{})}
	if backgroundInterval > 0 {
		s.ticker = time.NewTicker(backgroundInterval)
		go s.backgroundLoop()
	}
	return s
}

// Close stops the background flush ticker.
func (s *Scheduler) Close() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stop)
}

func (s *Scheduler) backgroundLoop() {
	for {
		select {
		case <-s.ticker.C:
			s.log.FlushUntil(s.log.nextLSN)
		case <-s.stop:
			return
		}
	}
}

// AwaitCommit blocks according to concern until commitLSN (and, for
// WriteConcernSynced, the given dirty page set) is durable.
func (s *Scheduler) AwaitCommit(concern WriteConcern, commitLSN uint64, dirtyPages []uint32) error {
	switch concern {
	case WriteConcernNone:
		return nil
	case WriteConcernJournaled:
		return s.flushGrouped(commitLSN)
	case WriteConcernSynced:
		if err := s.flushGrouped(commitLSN); err != nil {
			return err
		}
		for _, pid := range dirtyPages {
			if err := s.flusher.FlushPage(pid); err != nil {
				return err
			}
		}
		return nil
	default:
		return s.flushGrouped(commitLSN)
	}
}

// flushGrouped waits flushDelay for more commits to pile up before
// issuing a single FlushUntil covering everyone waiting in the group.
func (s *Scheduler) flushGrouped(commitLSN uint64) error {
	if s.flushDelay <= 0 {
		return s.log.FlushUntil(commitLSN)
	}

	done := make(chan error, 1)
	s.mu.Lock()
	first := len(s.pending) == 0
	s.pending = append(s.pending, done)
	if first {
		s.timer = time.AfterFunc(s.flushDelay, s.fireGroup)
	}
	s.mu.Unlock()
	_ = commitLSN // each waiter's own commit record is already appended; the group flush covers it regardless of which LSN triggered the timer

	return <-done
}

func (s *Scheduler) fireGroup() {
	s.mu.Lock()
	waiters := s.pending
	s.pending = nil
	s.mu.Unlock()

	err := s.log.FlushUntil(s.log.nextLSN)
	for _, ch := range waiters {
		ch <- err
	}
}
