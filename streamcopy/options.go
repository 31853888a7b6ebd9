// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package streamcopy

import (
	"github.com/grailbio/storagecore/bufpool"
	"github.com/grailbio/storagecore/checksum"
	"github.com/grailbio/storagecore/progress"
	"golang.org/x/time/rate"
)

// DefaultBufferSize is the working buffer size used when the amount
// of data is unknown or large.
const DefaultBufferSize = 64 << 10

type config struct {
	copyLength  int64
	maxLength   int64
	hasCopy     bool
	hasMax      bool
	sums        checksum.Requested
	bufferSize  int
	buffers     bufpool.Manager
	cooperative bool
	progress    *progress.Incrementer
	limiter     *rate.Limiter
}

// An Option configures a copy.
type Option func(*config)

// CopyLength requires the copy to move exactly n bytes. Fewer
// available bytes is an error.
func CopyLength(n int64) Option {
	return func(c *config) { c.copyLength, c.hasCopy = n, true }
}

// MaxLength bounds the copy to at most n bytes. A longer source is an
// error. MaxLength cannot be combined with CopyLength.
func MaxLength(n int64) Option {
	return func(c *config) { c.maxLength, c.hasMax = n, true }
}

// Checksum computes the requested checksums over the copied bytes.
func Checksum(req checksum.Requested) Option {
	return func(c *config) { c.sums = req }
}

// BufferSize sets the maximum working buffer size.
func BufferSize(n int) Option {
	return func(c *config) { c.bufferSize = n }
}

// Buffers obtains the working buffer from m.
func Buffers(m bufpool.Manager) Option {
	return func(c *config) { c.buffers = m }
}

// Cooperative runs each read and write so that it can be abandoned
// when the deadline passes or the context is canceled. Without it,
// I/O runs on the calling goroutine and the deadline is enforced
// between iterations and by aborting the state's bound request.
func Cooperative() Option {
	return func(c *config) { c.cooperative = true }
}

// Progress reports every chunk written to inc.
func Progress(inc *progress.Incrementer) Option {
	return func(c *config) { c.progress = inc }
}

// Pace limits the copy's write bandwidth to l, in bytes per second.
func Pace(l *rate.Limiter) Option {
	return func(c *config) { c.limiter = l }
}
