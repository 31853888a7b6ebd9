// Copyright 2022 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/grailbio/storagecore/errors"
)

// signal is a one-shot broadcast: done is closed exactly once.
type signal struct {
	done chan struct{}
	set  atomic.Bool
}

func newSignal() *signal {
	return &signal{done: make(chan struct{})}
}

func (s *signal) fire() {
	if s.set.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Event is a reusable manual-reset gate. While set, waiters pass
// through; while unset, they block until the next Set. The zero
// Event is unset and ready to use.
//
// Each set/unset cycle is backed by a fresh one-shot signal that is
// atomically swapped in by Reset, so a Reset never strands goroutines
// already waiting on a pending signal.
type Event struct {
	cur atomic.Pointer[signal]
}

// NewEvent returns an event in the given initial state.
func NewEvent(set bool) *Event {
	e := new(Event)
	if set {
		e.Set()
	}
	return e
}

func (e *Event) signal() *signal {
	if s := e.cur.Load(); s != nil {
		return s
	}
	e.cur.CompareAndSwap(nil, newSignal())
	return e.cur.Load()
}

// Set signals the event, releasing all current and future waiters
// until the next Reset. Setting a set event is a no-op.
func (e *Event) Set() {
	e.signal().fire()
}

// Reset returns the event to the unset state. It replaces the
// current signal only if that signal has completed; resetting an
// unset event is a no-op.
func (e *Event) Reset() {
	for {
		cur := e.signal()
		if !cur.set.Load() {
			return
		}
		if e.cur.CompareAndSwap(cur, newSignal()) {
			return
		}
	}
}

// IsSet tells whether the event is currently set.
func (e *Event) IsSet() bool {
	return e.signal().set.Load()
}

// Done returns a channel that is closed when the event's current
// signal is set. The channel belongs to the current set/unset cycle:
// after a Reset, callers must call Done again to observe the next
// Set.
func (e *Event) Done() <-chan struct{} {
	return e.signal().done
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return errors.E(ctx.Err(), "waiting for event")
	}
}

// CounterEvent is a level-triggered gate that is set exactly when
// its counter is zero. Callers increment it once per outstanding
// asynchronous operation and decrement it on completion; Wait then
// returns once every operation has drained. All waiters observe the
// zero state together.
//
// The zero CounterEvent has count zero and is set.
type CounterEvent struct {
	once  sync.Once
	mu    sync.Mutex
	count int64
	event Event
}

func (c *CounterEvent) init() {
	c.once.Do(c.event.Set)
}

// Increment adds one outstanding operation. The gate is unset unless
// the increment brings the count back to zero. It returns the new
// count.
func (c *CounterEvent) Increment() int64 {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count == 0 {
		c.event.Set()
	} else {
		c.event.Reset()
	}
	return c.count
}

// Decrement removes one outstanding operation. The gate is set only
// by the decrement that brings the count to exactly zero. It returns
// the new count.
func (c *CounterEvent) Decrement() int64 {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count--
	if c.count == 0 {
		c.event.Set()
	} else {
		c.event.Reset()
	}
	return c.count
}

// Count returns the current count.
func (c *CounterEvent) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Done returns a channel that is closed when the count reaches zero.
// As with Event.Done, the channel is tied to the current cycle.
func (c *CounterEvent) Done() <-chan struct{} {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.event.Done()
}

// Wait blocks until the count is zero or ctx is done.
func (c *CounterEvent) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return errors.E(ctx.Err(), "waiting for outstanding operations")
	}
}
