// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package streamcopy

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/storagecore/checksum"
)

// Descriptor records the outcome of one copy: the number of bytes
// written to the destination and, once the copy completes
// successfully, the requested checksums. Length may be read while the
// copy is in progress.
type Descriptor struct {
	length atomic.Int64

	mu    sync.Mutex
	md5   string
	crc64 string
	sums  *checksum.Wrapper
}

// NewDescriptor returns an empty descriptor.
func NewDescriptor() *Descriptor { return new(Descriptor) }

// Length returns the number of bytes written so far.
func (d *Descriptor) Length() int64 { return d.length.Load() }

// MD5 returns the base64 MD5 of the copied bytes, or "" if it was not
// requested or the copy has not completed.
func (d *Descriptor) MD5() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.md5
}

// CRC64 returns the base64 CRC64 of the copied bytes, or "" if it was
// not requested or the copy has not completed.
func (d *Descriptor) CRC64() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.crc64
}

// Reset clears the descriptor so it can record a new copy, such as a
// retried download.
func (d *Descriptor) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.length.Store(0)
	d.md5, d.crc64 = "", ""
	if d.sums != nil {
		d.sums.Close()
		d.sums = nil
	}
}

func (d *Descriptor) begin(req checksum.Requested) *checksum.Wrapper {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.md5, d.crc64 = "", ""
	if d.sums != nil {
		d.sums.Close()
		d.sums = nil
	}
	if req.HasAny() {
		d.sums = checksum.New(req)
	}
	return d.sums
}

// finish publishes the terminal digests and releases the wrapper.
func (d *Descriptor) finish(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sums == nil {
		return
	}
	if ok {
		d.md5 = d.sums.MD5()
		d.crc64 = d.sums.CRC64()
	}
	d.sums.Close()
	d.sums = nil
}
