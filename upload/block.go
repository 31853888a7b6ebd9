// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package upload

import (
	"context"

	"github.com/grailbio/storagecore/bufpool"
	"github.com/grailbio/storagecore/checksum"
	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/sync/ctxsync"
)

// BlockWriter is an io.WriteCloser that uploads its input as blocks
// of a block blob. Full blocks are staged concurrently, with at most
// Config.Parallelism blocks buffered or in flight at once; Close
// stages the final partial block, waits for all uploads to finish,
// and commits the blocks in the order they were written.
//
// Write and Close must be called from a single goroutine. The first
// staging error is returned by subsequent calls to Write and by
// Close, and no block list is committed.
type BlockWriter struct {
	ctx    context.Context
	client BlockClient
	cfg    Config

	sem     *ctxsync.Semaphore
	pending ctxsync.CounterEvent
	err     errors.Once

	ids    blockIDs
	blocks []string
	cur    []byte
	n      int64
	closed bool
}

// NewBlockWriter returns a writer staging blocks through client. ctx
// governs all requests made by the writer.
func NewBlockWriter(ctx context.Context, client BlockClient, cfg Config) *BlockWriter {
	cfg = cfg.withDefaults()
	return &BlockWriter{
		ctx:    ctx,
		client: client,
		cfg:    cfg,
		sem:    ctxsync.NewSemaphore(cfg.Parallelism),
		ids:    newBlockIDs(),
	}
}

// Write implements io.Writer. It blocks while Config.Parallelism
// blocks are outstanding.
func (w *BlockWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errClosed
	}
	var written int
	for len(p) > 0 {
		if err := w.err.Err(); err != nil {
			return written, err
		}
		if w.cur == nil {
			if err := w.sem.Acquire(w.ctx); err != nil {
				return written, err
			}
			w.cur = bufpool.Take(w.cfg.Buffers, w.cfg.BlockSize)[:0]
		}
		n := copy(w.cur[len(w.cur):w.cfg.BlockSize], p)
		w.cur = w.cur[:len(w.cur)+n]
		p = p[n:]
		written += n
		w.n += int64(n)
		if len(w.cur) == w.cfg.BlockSize {
			if err := w.submit(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Size returns the number of bytes written so far.
func (w *BlockWriter) Size() int64 { return w.n }

// Blocks returns the ids of the submitted blocks, in order.
func (w *BlockWriter) Blocks() []string {
	return append([]string(nil), w.blocks...)
}

func (w *BlockWriter) submit() error {
	buf := w.cur
	w.cur = nil
	id, err := w.ids.take()
	if err != nil {
		w.release(buf)
		w.err.Set(err)
		return err
	}
	w.blocks = append(w.blocks, id)
	w.pending.Increment()
	go w.put(id, buf)
	return nil
}

func (w *BlockWriter) put(id string, buf []byte) {
	defer w.pending.Decrement()
	defer w.release(buf)
	if w.err.Err() != nil {
		return
	}
	var md5 string
	if w.cfg.MD5 {
		md5 = checksum.MD5Of(buf)
	}
	if err := w.client.PutBlock(w.ctx, id, buf, md5); err != nil {
		w.err.Set(errors.E(err, "upload: staging block "+id))
		return
	}
	w.cfg.Progress.Report(int64(len(buf)))
}

func (w *BlockWriter) release(buf []byte) {
	bufpool.Return(w.cfg.Buffers, buf)
	w.sem.Release(w.ctx)
}

// flush submits the partial block if commit is set, and waits for
// all outstanding uploads.
func (w *BlockWriter) flush(commit bool) error {
	w.closed = true
	if w.cur != nil {
		if commit && len(w.cur) > 0 && w.err.Err() == nil {
			w.submit() // nolint: errcheck
		} else {
			w.release(w.cur)
			w.cur = nil
		}
	}
	return w.pending.Wait(w.ctx)
}

// Close implements io.Closer. It commits the block list once every
// block has been staged.
func (w *BlockWriter) Close() error {
	if w.closed {
		return errClosed
	}
	if err := w.flush(true); err != nil {
		return err
	}
	if err := w.err.Err(); err != nil {
		return err
	}
	if err := w.client.PutBlockList(w.ctx, w.blocks); err != nil {
		return errors.E(err, "upload: committing block list")
	}
	w.cfg.Logger.Debug(w.ctx, "committed block list", "blocks", len(w.blocks), "bytes", w.n)
	return nil
}

// Abort waits for outstanding uploads and closes the writer without
// committing. Staged blocks are left for the service to collect.
func (w *BlockWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.err.Set(errAborted)
	return w.flush(false)
}
