// Package locking provides in-process mutual exclusion over named logical
// resources.
//
// Resources are plain strings ("roster", "store:sync") unrelated to any
// storage engine. Each resource has at most one holder at a time; contenders
// queue and are granted strictly in arrival order. Acquisition is bounded by
// a per-request timeout so a stuck holder cannot wedge the whole tool.
//
// A single Manager instance is shared by every caller that must mutually
// exclude against the others (ordinary roster writes, the migration engine's
// switch phase, the sync daemon). Construct it explicitly and pass it down;
// there is no package-level singleton.
package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned when an acquisition could not be granted within its
// timeout. Match with errors.Is.
var ErrTimeout = errors.New("lock acquisition timed out")

// waiter is one pending or granted acquisition request.
//
// All state transitions (grant, timeout, context cancellation, force release)
// happen under the Manager mutex, and the first transition to set decided
// wins. The grant path stops the timer before handing ownership, so a timer
// that fires concurrently with a grant finds decided already set and does
// nothing.
type waiter struct {
	granted chan struct{}
	expired chan struct{}
	timer   *time.Timer
	decided bool
}

// lockState tracks one resource: the current holder and the FIFO queue.
type lockState struct {
	holder *waiter
	queue  []*waiter
}

// Manager serializes access to named resources.
//
// The zero value is not usable; use NewManager.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]*lockState),
	}
}

// Acquire blocks until the caller holds the resource, the timeout elapses, or
// ctx is cancelled. On success it returns a release function that must be
// called exactly once; releasing hands the resource to the next queued waiter
// in FIFO order.
//
// On timeout the request is removed from the queue and ErrTimeout is
// returned; other waiters are unaffected. Context cancellation while queued
// behaves the same way with ctx.Err() as the cause.
func (m *Manager) Acquire(ctx context.Context, resource string, timeout time.Duration) (func(), error) {
	w := &waiter{
		granted: make(chan struct{}),
		expired: make(chan struct{}),
	}

	m.mu.Lock()
	ls, ok := m.locks[resource]
	if !ok {
		ls = &lockState{}
		m.locks[resource] = ls
	}

	if ls.holder == nil {
		// Free: grant immediately.
		ls.holder = w
		w.decided = true
		close(w.granted)
		m.mu.Unlock()
		return m.releaseFunc(resource, w), nil
	}

	ls.queue = append(ls.queue, w)
	w.timer = time.AfterFunc(timeout, func() {
		if m.abandon(resource, w) {
			close(w.expired)
		}
	})
	m.mu.Unlock()

	select {
	case <-w.granted:
		return m.releaseFunc(resource, w), nil
	case <-w.expired:
		return nil, fmt.Errorf("resource %q after %s: %w", resource, timeout, ErrTimeout)
	case <-ctx.Done():
		if m.abandon(resource, w) {
			return nil, fmt.Errorf("resource %q: %w", resource, ctx.Err())
		}
		// Decided in the same instant. If that decision was a grant we now
		// hold the lock and must hand it back before reporting cancellation.
		select {
		case <-w.granted:
			m.releaseFunc(resource, w)()
		default:
		}
		return nil, fmt.Errorf("resource %q: %w", resource, ctx.Err())
	}
}

// WithLock acquires the resource, runs op, and releases under all exit paths,
// including a panic inside op.
func (m *Manager) WithLock(ctx context.Context, resource string, timeout time.Duration, op func() error) error {
	release, err := m.Acquire(ctx, resource, timeout)
	if err != nil {
		return err
	}
	defer release()
	return op()
}

// IsLocked reports whether the resource currently has a holder. Diagnostic
// only; the answer can be stale by the time the caller acts on it.
func (m *Manager) IsLocked(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.locks[resource]
	return ok && ls.holder != nil
}

// QueueSize returns the number of waiters queued behind the current holder.
func (m *Manager) QueueSize(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.locks[resource]
	if !ok {
		return 0
	}
	return len(ls.queue)
}

// ForceReleaseAll clears every holder and queue and cancels all pending
// timeouts. Queued waiters are failed as if they had timed out.
//
// This is a recovery primitive for tests and explicit repair paths. It gives
// no ordering guarantee: a caller that believed it held a lock may still be
// running while a new caller acquires the same resource.
func (m *Manager) ForceReleaseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ls := range m.locks {
		for _, w := range ls.queue {
			if w.decided {
				continue
			}
			w.decided = true
			if w.timer != nil {
				w.timer.Stop()
			}
			close(w.expired)
		}
		ls.queue = nil
		ls.holder = nil
	}
	m.locks = make(map[string]*lockState)
}

// releaseFunc builds the release closure handed to a granted waiter.
//
// Release of a waiter that is no longer the holder (after ForceReleaseAll)
// is a no-op, so stale closures cannot corrupt a later grant.
func (m *Manager) releaseFunc(resource string, w *waiter) func() {
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		ls, ok := m.locks[resource]
		if !ok || ls.holder != w {
			return
		}

		// Hand the resource to the next undecided waiter, FIFO.
		ls.holder = nil
		for len(ls.queue) > 0 {
			next := ls.queue[0]
			ls.queue = ls.queue[1:]
			if next.decided {
				continue
			}
			next.decided = true
			if next.timer != nil {
				next.timer.Stop()
			}
			ls.holder = next
			close(next.granted)
			break
		}

		if ls.holder == nil && len(ls.queue) == 0 {
			delete(m.locks, resource)
		}
	}
}

// abandon removes an undecided waiter from the queue. It returns false when
// the waiter was already decided (granted, timed out, or force-released), in
// which case the caller must honor the prior decision.
func (m *Manager) abandon(resource string, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.decided {
		return false
	}
	w.decided = true
	if w.timer != nil {
		w.timer.Stop()
	}

	ls, ok := m.locks[resource]
	if !ok {
		return true
	}
	for i, queued := range ls.queue {
		if queued == w {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			break
		}
	}
	if ls.holder == nil && len(ls.queue) == 0 {
		delete(m.locks, resource)
	}
	return true
}
