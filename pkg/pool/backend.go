package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"connpool/pkg/helper/errors"
)

// Clock returns monotonic seconds from an arbitrary epoch; only
// differences between two calls are meaningful.
type Clock interface {
	Now() float64
}

// Semaphore is a counting semaphore with a timed acquire, matching the
// "acquire(timeout) / release()" contract external backends must supply.
type Semaphore interface {
	// Acquire blocks until a slot is available or timeout elapses. A nil
	// timeout waits forever. Returns ErrPoolTimeout on expiry.
	Acquire(timeout *time.Duration) error
	Release()
}

// Lock is the mutex contract the pool serializes its two critical
// sections on.
type Lock interface {
	Lock()
	Unlock()
}

// Backend constructs the concurrency primitives the pool runs on. The
// default, returned by NewSyncBackend, is built eagerly from a capacity
// value rather than resolved lazily on first use.
type Backend interface {
	NewSemaphore(capacity int) Semaphore
	NewLock() Lock
	Now() float64
}

// syncBackend is the default Backend: a real-time clock, sync.Mutex
// locks, and a golang.org/x/sync/semaphore.Weighted-backed semaphore.
type syncBackend struct {
	start time.Time
}

// NewSyncBackend returns the default preemptive-thread backend used when
// Config.Backend is left unset.
func NewSyncBackend() Backend {
	return &syncBackend{start: time.Now()}
}

func (b *syncBackend) NewSemaphore(capacity int) Semaphore {
	if capacity <= 0 {
		return nullSemaphore{}
	}
	return &weightedSemaphore{sem: semaphore.NewWeighted(int64(capacity))}
}

func (b *syncBackend) NewLock() Lock {
	return &sync.Mutex{}
}

func (b *syncBackend) Now() float64 {
	return time.Since(b.start).Seconds()
}

// weightedSemaphore adapts golang.org/x/sync/semaphore.Weighted to the
// Semaphore contract, modeling a timeout as context.WithTimeout.
type weightedSemaphore struct {
	sem *semaphore.Weighted
}

func (s *weightedSemaphore) Acquire(timeout *time.Duration) error {
	if timeout == nil {
		return s.sem.Acquire(context.Background(), 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return errors.PoolTimeoutf("timed out waiting for a pool connection slot after %s", timeout)
	}
	return nil
}

func (s *weightedSemaphore) Release() {
	s.sem.Release(1)
}

// nullSemaphore is used when max_connections is unbounded: acquire and
// release are both no-ops.
type nullSemaphore struct{}

func (nullSemaphore) Acquire(timeout *time.Duration) error { return nil }
func (nullSemaphore) Release()                             {}
