// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package streamcopy

import (
	"context"
	"io"

	"github.com/grailbio/storagecore/errors"
	"golang.org/x/time/rate"
)

// waitN takes n bytes' worth of tokens from l, in chunks no larger
// than its burst. A nil or unlimited l never blocks.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil || l.Limit() == rate.Inf {
		return nil
	}
	burst := l.Burst()
	if burst <= 0 {
		return errors.E(errors.Invalid, errors.Fatal, "streamcopy: rate limiter has zero burst")
	}
	for n > 0 {
		k := n
		if k > burst {
			k = burst
		}
		if err := l.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

type pacedReader struct {
	ctx context.Context
	r   io.Reader
	l   *rate.Limiter
}

// PacedReader returns a reader that draws from l for every byte read
// from r, so that streams sharing l are jointly held to its rate. The
// wait is bound to ctx. A nil l returns r unchanged.
func PacedReader(ctx context.Context, r io.Reader, l *rate.Limiter) io.Reader {
	if l == nil {
		return r
	}
	return &pacedReader{ctx, r, l}
}

func (p *pacedReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		if werr := waitN(p.ctx, p.l, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
