// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package upload

import (
	"context"
	"fmt"

	"github.com/grailbio/storagecore/bufpool"
	"github.com/grailbio/storagecore/checksum"
	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/sync/ctxsync"
)

// AppendWriter is an io.WriteCloser that appends its input to an
// append blob one block at a time. Blocks are buffered ahead, up to
// Config.Parallelism at once, but each append starts only after the
// previous one completed, so blocks land in the order they were
// written. Every append is conditioned on the blob's current length.
type AppendWriter struct {
	ctx    context.Context
	client AppendClient
	cfg    Config

	// buffers bounds buffered blocks; order admits one append at a
	// time, in submission order.
	buffers *ctxsync.Semaphore
	order   *ctxsync.Semaphore
	pending ctxsync.CounterEvent
	err     errors.Once

	cur    []byte
	offset int64
	count  int
	closed bool
}

// NewAppendWriter returns a writer appending through client to a blob
// that is currently offset bytes long.
func NewAppendWriter(ctx context.Context, client AppendClient, offset int64, cfg Config) *AppendWriter {
	cfg = cfg.withDefaults()
	return &AppendWriter{
		ctx:     ctx,
		client:  client,
		cfg:     cfg,
		buffers: ctxsync.NewSemaphore(cfg.Parallelism),
		order:   ctxsync.NewSemaphore(1),
		offset:  offset,
	}
}

// Write implements io.Writer.
func (w *AppendWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errClosed
	}
	var written int
	for len(p) > 0 {
		if err := w.err.Err(); err != nil {
			return written, err
		}
		if w.cur == nil {
			if err := w.buffers.Acquire(w.ctx); err != nil {
				return written, err
			}
			w.cur = bufpool.Take(w.cfg.Buffers, w.cfg.BlockSize)[:0]
		}
		n := copy(w.cur[len(w.cur):w.cfg.BlockSize], p)
		w.cur = w.cur[:len(w.cur)+n]
		p = p[n:]
		written += n
		if len(w.cur) == w.cfg.BlockSize {
			if err := w.submit(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Offset returns the blob length after all submitted blocks are
// appended.
func (w *AppendWriter) Offset() int64 { return w.offset }

func (w *AppendWriter) submit() error {
	buf := w.cur
	w.cur = nil
	if w.count >= MaxBlocks {
		w.release(buf)
		err := errors.E(errors.Invalid, errors.Fatal, "upload: too many appended blocks")
		w.err.Set(err)
		return err
	}
	w.count++
	pos := w.offset
	w.offset += int64(len(buf))
	w.pending.Increment()
	w.order.Wait(w.ctx, func(_ bool, _ context.Context) {
		go w.appendBlock(buf, pos)
	})
	return nil
}

func (w *AppendWriter) appendBlock(buf []byte, pos int64) {
	defer w.pending.Decrement()
	defer w.order.Release(w.ctx)
	defer w.release(buf)
	if w.err.Err() != nil {
		return
	}
	var md5 string
	if w.cfg.MD5 {
		md5 = checksum.MD5Of(buf)
	}
	if err := w.client.AppendBlock(w.ctx, buf, md5, pos); err != nil {
		w.err.Set(errors.E(err, fmt.Sprintf("upload: appending block at offset %d", pos)))
		return
	}
	w.cfg.Progress.Report(int64(len(buf)))
}

func (w *AppendWriter) release(buf []byte) {
	bufpool.Return(w.cfg.Buffers, buf)
	w.buffers.Release(w.ctx)
}

// Close implements io.Closer. It appends the final partial block and
// waits for all appends to complete.
func (w *AppendWriter) Close() error {
	if w.closed {
		return errClosed
	}
	w.closed = true
	if w.cur != nil {
		if len(w.cur) > 0 && w.err.Err() == nil {
			w.submit() // nolint: errcheck
		} else {
			w.release(w.cur)
			w.cur = nil
		}
	}
	if err := w.pending.Wait(w.ctx); err != nil {
		return err
	}
	if err := w.err.Err(); err != nil {
		return err
	}
	w.cfg.Logger.Debug(w.ctx, "appended blocks", "blocks", w.count, "offset", w.offset)
	return nil
}
