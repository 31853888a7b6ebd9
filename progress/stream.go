// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package progress

import (
	"io"

	"github.com/grailbio/storagecore/errors"
)

// Flusher is implemented by streams that buffer writes.
type Flusher interface {
	Flush() error
}

// Stream decorates a stream, reporting to an Incrementer the number
// of bytes actually transferred by each Read and Write and the change
// in position caused by each Seek. Operations that the inner stream
// does not implement fail with errors.NotSupported.
type Stream struct {
	inner any
	inc   *Incrementer
}

// NewStream wraps inner, which may implement any combination of
// io.Reader, io.Writer, io.Seeker, io.Closer and Flusher. A nil inc
// is replaced by None.
func NewStream(inner any, inc *Incrementer) *Stream {
	if inc == nil {
		inc = None
	}
	return &Stream{inner: inner, inc: inc}
}

// Inner returns the wrapped stream.
func (s *Stream) Inner() any { return s.inner }

func (s *Stream) Read(p []byte) (int, error) {
	r, ok := s.inner.(io.Reader)
	if !ok {
		return 0, notSupported("read")
	}
	n, err := r.Read(p)
	if n > 0 {
		s.inc.Report(int64(n))
	}
	return n, err
}

func (s *Stream) Write(p []byte) (int, error) {
	w, ok := s.inner.(io.Writer)
	if !ok {
		return 0, notSupported("write")
	}
	n, err := w.Write(p)
	if n > 0 {
		s.inc.Report(int64(n))
	}
	return n, err
}

// Seek repositions the inner stream and reports the signed distance
// moved; backward seeks report a negative delta.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	sk, ok := s.inner.(io.Seeker)
	if !ok {
		return 0, notSupported("seek")
	}
	old, err := sk.Seek(0, io.SeekCurrent)
	if err != nil {
		return old, err
	}
	pos, err := sk.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	if pos != old {
		s.inc.Report(pos - old)
	}
	return pos, nil
}

// Flush flushes the inner stream if it buffers writes. Flushing does
// not move the stream, so nothing is reported.
func (s *Stream) Flush() error {
	if f, ok := s.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

func (s *Stream) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func notSupported(op string) error {
	return errors.E(errors.NotSupported, errors.Fatal, "progress: stream does not support "+op)
}
