// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package streamcopy moves bytes between request and response streams
// under an exact-length or maximum-length contract, accumulating
// checksums over exactly the bytes written and enforcing the
// operation's absolute deadline.
//
// A copy runs in one of two modes. Blocking mode performs I/O on the
// calling goroutine; the deadline is checked before every iteration
// and a backstop timer aborts the request bound to the execution
// state if a read or write is stuck past it. Cooperative mode races
// every read and write against a context bounded by the deadline, so
// that a stuck call is abandoned. Readers and writers implementing the
// ioctx interfaces receive that context directly.
package streamcopy

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/storagecore/bufpool"
	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/execution"
	"github.com/grailbio/storagecore/ioctx"
	"github.com/grailbio/storagecore/sync/ctxsync"
)

// maxEmptyReads bounds the consecutive (0, nil) reads tolerated
// before a copy fails with io.ErrNoProgress.
const maxEmptyReads = 100

// Copy copies from src to dst, recording the result in desc. The
// state's deadline bounds the copy; state may be nil. On failure the
// returned error is a timeout if the deadline has passed, a
// cancellation if ctx was canceled, and otherwise the underlying
// error.
//
// Only io.EOF ends the source. A read returning (0, nil) is retried;
// after maxEmptyReads of them in a row the copy fails. After a failed
// or short write, desc's length still counts the bytes dst accepted.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, state *execution.State, desc *Descriptor, opts ...Option) error {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	e := &engine{config: c, state: state, desc: desc}
	e.read = func(ctx context.Context, p []byte) (int, error) {
		if !e.cooperative {
			return src.Read(p)
		}
		return ctxsync.WithCancellation(ctx, func() (int, error) { return src.Read(p) })
	}
	e.write = func(ctx context.Context, p []byte) (int, error) {
		if !e.cooperative {
			return dst.Write(p)
		}
		return ctxsync.WithCancellation(ctx, func() (int, error) { return dst.Write(p) })
	}
	if s, ok := src.(io.Seeker); ok {
		e.seek = func(_ context.Context, off int64, whence int) (int64, error) { return s.Seek(off, whence) }
	}
	return e.run(ctx)
}

// CopyContext is Copy for context-aware streams. The deadline-bounded
// context is passed to every Read and Write.
func CopyContext(ctx context.Context, dst ioctx.Writer, src ioctx.Reader, state *execution.State, desc *Descriptor, opts ...Option) error {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	e := &engine{config: c, state: state, desc: desc, native: true}
	e.read = src.Read
	e.write = dst.Write
	if s, ok := src.(ioctx.Seeker); ok {
		e.seek = s.Seek
	}
	return e.run(ctx)
}

type engine struct {
	config
	state  *execution.State
	desc   *Descriptor
	native bool

	read  func(context.Context, []byte) (int, error)
	write func(context.Context, []byte) (int, error)
	seek  func(context.Context, int64, int) (int64, error)
}

func (e *engine) run(ctx context.Context) (err error) {
	if e.desc == nil {
		e.desc = NewDescriptor()
	}
	if err := e.validate(); err != nil {
		return err
	}
	ctx, cancel := e.state.Context(ctx)
	defer cancel()
	if e.state.Expired() {
		return execution.TimeoutError(e.state, nil)
	}

	known, err := e.prevalidate(ctx)
	if err != nil {
		return execution.Translate(ctx, e.state, err)
	}

	if !e.cooperative && !e.native {
		if remaining, ok := e.state.Remaining(); ok {
			backstop := time.AfterFunc(remaining, e.state.CancelRequest)
			defer backstop.Stop()
		}
	}

	sums := e.desc.begin(e.sums)
	defer func() { e.desc.finish(err == nil) }()

	if e.hasCopy && e.copyLength == 0 {
		return nil
	}

	size := e.bufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	if known >= 0 && known < int64(size) {
		size = int(known)
	}
	if size < 1 {
		size = 1
	}
	buf := bufpool.Take(e.buffers, size)
	abandoned := false
	defer func() {
		if !abandoned {
			bufpool.Return(e.buffers, buf)
		}
	}()

	var total int64
	empty := 0
	for {
		if e.state.Expired() {
			return execution.TimeoutError(e.state, nil)
		}
		if err := ctx.Err(); err != nil {
			return execution.Translate(ctx, e.state, err)
		}
		want := len(buf)
		if e.hasCopy {
			if rem := e.copyLength - total; rem < int64(want) {
				want = int(rem)
			}
			if want == 0 {
				break
			}
		}
		n, rerr := e.read(ctx, buf[:want])
		if rerr != nil && e.cooperative && ctx.Err() != nil {
			abandoned = true
		}
		if n > 0 {
			if e.hasMax && total+int64(n) > e.maxLength {
				return execution.Translate(ctx, e.state, errors.E(errors.Invalid, errors.Fatal,
					fmt.Sprintf("streamcopy: stream exceeds the maximum length of %d bytes", e.maxLength)))
			}
			if err := waitN(ctx, e.limiter, n); err != nil {
				return execution.Translate(ctx, e.state, err)
			}
			w, werr := e.write(ctx, buf[:n])
			if werr == nil && w < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				if w > 0 && w <= n {
					e.desc.length.Add(int64(w))
				}
				if e.cooperative && ctx.Err() != nil {
					abandoned = true
				}
				return execution.Translate(ctx, e.state, werr)
			}
			if sums != nil {
				if err := sums.UpdateHash(buf, 0, n); err != nil {
					return err
				}
			}
			e.desc.length.Add(int64(n))
			e.progress.Report(int64(n))
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return execution.Translate(ctx, e.state, rerr)
		}
		if n > 0 {
			empty = 0
		} else if empty++; empty >= maxEmptyReads {
			return execution.Translate(ctx, e.state, errors.E(
				fmt.Sprintf("streamcopy: %d consecutive empty reads", empty), io.ErrNoProgress))
		}
	}
	if e.hasCopy && total < e.copyLength {
		return execution.Translate(ctx, e.state, errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("streamcopy: stream too short; copied %d of %d bytes", total, e.copyLength)))
	}
	return nil
}

func (e *engine) validate() error {
	if e.hasCopy && e.hasMax {
		return errors.E(errors.Invalid, errors.Fatal, "streamcopy: cannot specify both copy length and max length")
	}
	if (e.hasCopy && e.copyLength < 0) || (e.hasMax && e.maxLength < 0) {
		return errors.E(errors.Invalid, errors.Fatal, "streamcopy: negative length")
	}
	return nil
}

// prevalidate checks the length constraints against a seekable
// source before any byte is read. It returns the number of bytes to
// be copied if known, or -1.
func (e *engine) prevalidate(ctx context.Context) (int64, error) {
	known := int64(-1)
	switch {
	case e.hasCopy:
		known = e.copyLength
	case e.hasMax:
		known = e.maxLength
	}
	if e.seek == nil {
		return known, nil
	}
	pos, err := e.seek(ctx, 0, io.SeekCurrent)
	if err != nil {
		// Not all seekers support seeking; treat the length as unknown.
		return known, nil
	}
	end, err := e.seek(ctx, 0, io.SeekEnd)
	if err != nil {
		return known, nil
	}
	if _, err := e.seek(ctx, pos, io.SeekStart); err != nil {
		return 0, err
	}
	remaining := end - pos
	switch {
	case e.hasCopy && remaining < e.copyLength:
		return 0, errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("streamcopy: stream too short; %d bytes available, %d requested", remaining, e.copyLength))
	case e.hasMax && remaining > e.maxLength:
		return 0, errors.E(errors.Invalid, errors.Fatal,
			fmt.Sprintf("streamcopy: stream of %d bytes exceeds the maximum length of %d bytes", remaining, e.maxLength))
	}
	if known < 0 || remaining < known {
		known = remaining
	}
	return known, nil
}
