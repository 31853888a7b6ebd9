// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package progress aggregates transfer progress and forwards it to a
// caller-supplied sink.
package progress

import (
	"sync/atomic"
)

// Snapshot is an immutable view of a transfer's progress.
type Snapshot struct {
	BytesTransferred int64
}

// Sink receives progress snapshots. Report may be called
// concurrently from multiple goroutines.
type Sink interface {
	Report(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

// Report implements Sink.
func (f SinkFunc) Report(s Snapshot) { f(s) }

// Incrementer accumulates a running byte total. It is safe for
// concurrent use. A nil *Incrementer ignores all reports.
type Incrementer struct {
	total    atomic.Int64
	reported atomic.Bool
	sink     Sink
	noop     bool
}

// None is the shared no-op incrementer. It holds no state and may be
// used to wrap streams unconditionally.
var None = &Incrementer{noop: true}

// New returns an incrementer forwarding snapshots to sink, which may
// be nil.
func New(sink Sink) *Incrementer {
	return &Incrementer{sink: sink}
}

// Report adds delta to the running total and forwards the new total
// to the sink.
func (i *Incrementer) Report(delta int64) {
	if i == nil || i.noop {
		return
	}
	total := i.total.Add(delta)
	i.reported.Store(true)
	if i.sink != nil {
		i.sink.Report(Snapshot{BytesTransferred: total})
	}
}

// Reset reports the negation of the current total, returning the
// count to zero so that a transfer can be restarted without a new
// incrementer.
func (i *Incrementer) Reset() {
	if i == nil || i.noop {
		return
	}
	i.Report(-i.total.Load())
}

// Current returns the running total. The boolean is false until the
// first report.
func (i *Incrementer) Current() (int64, bool) {
	if i == nil || i.noop || !i.reported.Load() {
		return 0, false
	}
	return i.total.Load(), true
}
