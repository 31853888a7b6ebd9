// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package execution carries the per-operation state shared by every
// attempt of a storage request: the absolute deadline, the result of
// the latest attempt, and the link to the in-flight request used to
// abort it when the deadline passes. It also translates low-level
// timeouts and cancellations into the typed, retry-classified errors
// that retry policies consume.
package execution

import (
	"context"
	"sync"
	"time"
)

// Location identifies the storage endpoint an attempt targeted.
type Location int

const (
	// Primary is the read-write endpoint.
	Primary Location = iota
	// Secondary is the read-only replica endpoint.
	Secondary
)

func (l Location) String() string {
	if l == Secondary {
		return "secondary"
	}
	return "primary"
}

// RequestResult records the outcome of one request attempt.
type RequestResult struct {
	HTTPStatusCode    int
	HTTPStatusMessage string
	ServiceRequestID  string
	ClientRequestID   string
	ETag              string
	ContentMD5        string
	ContentCRC64      string
	TargetLocation    Location
	StartTime         time.Time
	EndTime           time.Time
	Err               error
}

// State is the execution state of one logical operation. Its deadline
// is fixed at construction and spans all retry attempts. State is safe
// for concurrent use; a nil *State has no deadline.
type State struct {
	deadline time.Time

	mu       sync.Mutex
	result   RequestResult
	cancel   func()
	timedOut bool
}

// NewState returns a state whose deadline is maxExecution from now.
// A non-positive maxExecution means no deadline.
func NewState(maxExecution time.Duration) *State {
	if maxExecution <= 0 {
		return new(State)
	}
	return &State{deadline: time.Now().Add(maxExecution)}
}

// NewStateWithDeadline returns a state with the given absolute
// deadline. A zero deadline means none.
func NewStateWithDeadline(deadline time.Time) *State {
	return &State{deadline: deadline}
}

// Deadline returns the operation's absolute deadline, if it has one.
func (s *State) Deadline() (time.Time, bool) {
	if s == nil || s.deadline.IsZero() {
		return time.Time{}, false
	}
	return s.deadline, true
}

// Remaining returns the time left before the deadline. The duration
// is never negative.
func (s *State) Remaining() (time.Duration, bool) {
	d, ok := s.Deadline()
	if !ok {
		return 0, false
	}
	r := time.Until(d)
	if r < 0 {
		r = 0
	}
	return r, true
}

// Expired tells whether the deadline has passed.
func (s *State) Expired() bool {
	d, ok := s.Deadline()
	return ok && !time.Now().Before(d)
}

// Context returns a context derived from ctx that is done no later
// than the state's deadline.
func (s *State) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if d, ok := s.Deadline(); ok {
		return context.WithDeadline(ctx, d)
	}
	return context.WithCancel(ctx)
}

// Result returns a copy of the latest attempt's result.
func (s *State) Result() RequestResult {
	if s == nil {
		return RequestResult{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// SetResult replaces the current result, starting a new attempt.
func (s *State) SetResult(r RequestResult) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.result = r
	s.mu.Unlock()
}

// UpdateResult applies fn to the current result under the state's
// lock.
func (s *State) UpdateResult(fn func(*RequestResult)) {
	if s == nil {
		return
	}
	s.mu.Lock()
	fn(&s.result)
	s.mu.Unlock()
}

// BindRequest links the in-flight request so that CancelRequest can
// abort it. The returned function unlinks it; it must be called when
// the request completes.
func (s *State) BindRequest(cancel func()) (unbind func()) {
	if s == nil {
		return func() {}
	}
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}
}

// CancelRequest marks the operation as timed out and aborts the
// in-flight request, if one is bound.
func (s *State) CancelRequest() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.timedOut = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// TimedOut tells whether CancelRequest has been called.
func (s *State) TimedOut() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}
