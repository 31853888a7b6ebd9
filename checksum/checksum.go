// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package checksum computes the transactional MD5 and CRC64 digests
// that accompany uploads and downloads. A Wrapper holds up to two
// incremental accumulators that are advanced together over the same
// sequential byte ranges.
package checksum

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc64"

	"github.com/grailbio/storagecore/errors"
)

// Polynomial is the CRC64 polynomial used by the storage service, in
// reversed bit order.
const Polynomial = 0x9A6C9329AC4BC9B5

var crcTable = crc64.MakeTable(Polynomial)

// Requested tells which checksums a transfer should compute.
type Requested struct {
	MD5   bool
	CRC64 bool
}

var (
	// None requests no checksums.
	None = Requested{}
	// MD5Only requests MD5.
	MD5Only = Requested{MD5: true}
	// CRC64Only requests CRC64.
	CRC64Only = Requested{CRC64: true}
	// Both requests MD5 and CRC64.
	Both = Requested{MD5: true, CRC64: true}
)

// HasAny reports whether at least one checksum is requested.
func (r Requested) HasAny() bool { return r.MD5 || r.CRC64 }

func (r Requested) String() string {
	switch r {
	case None:
		return "none"
	case MD5Only:
		return "md5"
	case CRC64Only:
		return "crc64"
	default:
		return "md5+crc64"
	}
}

// Wrapper accumulates the requested checksums. It is not safe for
// concurrent use. The zero Wrapper computes nothing.
type Wrapper struct {
	md5    hash.Hash
	crc64  hash.Hash64
	closed bool
}

// New returns a wrapper computing the checksums in req.
func New(req Requested) *Wrapper {
	w := new(Wrapper)
	if req.MD5 {
		w.md5 = md5.New()
	}
	if req.CRC64 {
		w.crc64 = crc64.New(crcTable)
	}
	return w
}

// HasAny reports whether the wrapper holds at least one accumulator.
func (w *Wrapper) HasAny() bool { return w.md5 != nil || w.crc64 != nil }

// UpdateHash advances every active accumulator over
// buf[offset:offset+count]. Ranges must be fed in the order in which
// they were written. When CRC64 is active offset must be zero.
func (w *Wrapper) UpdateHash(buf []byte, offset, count int) error {
	if w.closed {
		return errors.E(errors.Invalid, errors.Fatal, "checksum: update after close")
	}
	if offset < 0 || count < 0 || offset+count > len(buf) {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("checksum: range [%d, %d) out of bounds for buffer of %d bytes", offset, offset+count, len(buf)))
	}
	if w.crc64 != nil && offset != 0 {
		return errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("checksum: crc64 update requires offset 0, got %d", offset))
	}
	p := buf[offset : offset+count]
	if w.md5 != nil {
		must(w.md5.Write(p))
	}
	if w.crc64 != nil {
		must(w.crc64.Write(p))
	}
	return nil
}

// Write implements io.Writer, feeding p to every active accumulator.
func (w *Wrapper) Write(p []byte) (int, error) {
	if err := w.UpdateHash(p, 0, len(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// MD5 returns the base64-encoded MD5 of the bytes fed so far, or ""
// if MD5 is not active.
func (w *Wrapper) MD5() string {
	if w.md5 == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(w.md5.Sum(nil))
}

// CRC64 returns the base64-encoded CRC64 of the bytes fed so far, or
// "" if CRC64 is not active. The value is encoded little-endian.
func (w *Wrapper) CRC64() string {
	if w.crc64 == nil {
		return ""
	}
	return encodeCRC(w.crc64.Sum64())
}

// Close releases the accumulators. Closing twice is a no-op.
func (w *Wrapper) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.md5 = nil
	w.crc64 = nil
	return nil
}

// MD5Of returns the base64-encoded MD5 of p.
func MD5Of(p []byte) string {
	sum := md5.Sum(p)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CRC64Of returns the base64-encoded CRC64 of p.
func CRC64Of(p []byte) string {
	return encodeCRC(crc64.Checksum(p, crcTable))
}

func encodeCRC(v uint64) string {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return base64.StdEncoding.EncodeToString(b[:])
}

func must(_ int, err error) {
	if err != nil {
		panic(fmt.Sprintf("checksum: hash.Write returned unexpected error: %v", err))
	}
}
