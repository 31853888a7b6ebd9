// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ioctx

import (
	"context"
	"io"
)

type (
	stdReader struct{ io.Reader }
	stdWriter struct{ io.Writer }
)

// FromStdReader wraps io.Reader as Reader. The context is ignored.
// Seeking is forwarded when r implements io.Seeker.
func FromStdReader(r io.Reader) Reader {
	if s, ok := r.(io.ReadSeeker); ok {
		return stdReadSeeker{s}
	}
	return stdReader{r}
}

func (r stdReader) Read(_ context.Context, dst []byte) (n int, err error) {
	return r.Reader.Read(dst)
}

type stdReadSeeker struct{ io.ReadSeeker }

func (r stdReadSeeker) Read(_ context.Context, dst []byte) (n int, err error) {
	return r.ReadSeeker.Read(dst)
}

func (r stdReadSeeker) Seek(_ context.Context, offset int64, whence int) (int64, error) {
	return r.ReadSeeker.Seek(offset, whence)
}

// FromStdWriter wraps io.Writer as Writer. The context is ignored.
func FromStdWriter(w io.Writer) Writer { return stdWriter{w} }

func (w stdWriter) Write(_ context.Context, p []byte) (n int, err error) {
	return w.Writer.Write(p)
}
