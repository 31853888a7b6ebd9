// Copyright 2022 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import "context"

// WithCancellation runs fn, which cannot itself be interrupted, and
// returns its result unless ctx is done first, in which case it
// returns ctx.Err() immediately. An abandoned fn keeps running in its
// own goroutine and its result is discarded; callers must not reuse
// memory that fn may still touch.
func WithCancellation[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if ctx.Done() == nil {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	c := make(chan result, 1)
	go func() {
		v, err := fn()
		c <- result{v, err}
	}()
	select {
	case r := <-c:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
