// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ioctx adds context.Context to io APIs. Stream copies use
// these forms to pass the operation deadline straight to readers and
// writers that can honor it.
package ioctx

import "context"

// Reader is io.Reader with context added.
type Reader interface {
	Read(context.Context, []byte) (n int, err error)
}

// Writer is io.Writer with context added.
type Writer interface {
	Write(context.Context, []byte) (n int, err error)
}

// Seeker is io.Seeker with context added.
type Seeker interface {
	Seek(_ context.Context, offset int64, whence int) (int64, error)
}
