// Copyright 2022 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides context-aware synchronization primitives
// used to bound and order concurrent transfers: a FIFO semaphore, a
// manual-reset event, and a counter event that is signaled when the
// number of outstanding operations drops to zero.
package ctxsync

import (
	"container/list"
	"context"
	"sync"

	"github.com/grailbio/storagecore/errors"
)

// A WaitFunc is invoked when a semaphore permit is granted.
// calledInline is true when the permit was available at the time of
// the Wait call and the function runs on the waiter's goroutine; it
// is false when the function runs on the goroutine that released the
// permit.
type WaitFunc func(calledInline bool, ctx context.Context)

// Semaphore is a counting semaphore whose waiters are served in
// strict arrival order. Each Release unblocks exactly the
// longest-waiting waiter, or returns the permit to the pool if none
// is waiting. Callers rely on the ordering to sequence dependent
// writes, such as appending blocks in submission order.
//
// Callbacks are always invoked outside of the semaphore's lock, so
// they may themselves call Wait or Release.
type Semaphore struct {
	mu      sync.Mutex
	count   int
	waiters list.List // of *waiter
}

type waiter struct {
	fn WaitFunc
	// granted is set, under the semaphore's lock, when the waiter is
	// dequeued by Release.
	granted bool
}

// NewSemaphore returns a semaphore with n available permits.
func NewSemaphore(n int) *Semaphore {
	if n < 0 {
		panic("ctxsync.NewSemaphore: negative count")
	}
	return &Semaphore{count: n}
}

// Wait acquires a permit on behalf of fn. If a permit is available,
// Wait takes it, calls fn(true, ctx) and returns true. Otherwise fn
// is queued and Wait returns false immediately; fn is later called
// by the Release that grants it the permit.
//
// A queued fn cannot be withdrawn: ctx is only passed to fn on the
// inline path, and a queued fn receives the releaser's context. Use
// Acquire for a wait that can be abandoned.
func (s *Semaphore) Wait(ctx context.Context, fn WaitFunc) bool {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		fn(true, ctx)
		return true
	}
	s.waiters.PushBack(&waiter{fn: fn})
	s.mu.Unlock()
	return false
}

// Acquire blocks until a permit is granted or ctx is done. Acquire
// waits in the same FIFO queue as Wait. If ctx is done while the
// caller is queued, the caller is withdrawn from the queue and an
// error is returned; a permit granted concurrently with the
// cancellation is kept and Acquire returns nil, so permits are
// never lost.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return errors.E(err, "waiting for semaphore")
	}
	granted := make(chan struct{})
	w := &waiter{fn: func(bool, context.Context) { close(granted) }}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-granted:
		return nil
	case <-ctx.Done():
	}
	s.mu.Lock()
	if w.granted {
		s.mu.Unlock()
		<-granted
		return nil
	}
	s.waiters.Remove(elem)
	s.mu.Unlock()
	return errors.E(ctx.Err(), "waiting for semaphore")
}

// Release returns a permit. If waiters are queued, the oldest is
// dequeued and its function is called with calledInline=false on
// the calling goroutine, after the lock is released.
func (s *Semaphore) Release(ctx context.Context) {
	s.mu.Lock()
	front := s.waiters.Front()
	if front == nil {
		s.count++
		s.mu.Unlock()
		return
	}
	w := s.waiters.Remove(front).(*waiter)
	w.granted = true
	s.mu.Unlock()
	w.fn(false, ctx)
}

// Available returns the number of free permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Waiters returns the number of queued waiters.
func (s *Semaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
