// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package compress decodes and encodes the content encodings used by
// request and response bodies.
package compress

import (
	"io"
	"strings"

	"github.com/grailbio/storagecore/errors"
	"github.com/klauspost/compress/gzip"
)

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// NewEncodingReader returns a reader that decodes body according to
// the Content-Encoding value encoding. The identity encoding returns
// body unchanged. Closing the returned reader closes body.
func NewEncodingReader(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		z, err := gzip.NewReader(body)
		if err != nil {
			return nil, errors.E(errors.Integrity, "compress: invalid gzip body", err)
		}
		return readCloser{z, func() error {
			err := z.Close()
			errors.CleanUp(body.Close, &err)
			return err
		}}, nil
	default:
		return nil, errors.E(errors.NotSupported, errors.Fatal, "compress: unsupported content encoding "+encoding)
	}
}

// NewEncodingWriter returns a WriteCloser that encodes into w
// according to encoding, or nil if the encoding is not supported. The
// caller must call Close once after writing all the data; Close does
// not close w.
func NewEncodingWriter(w io.Writer, encoding string) io.WriteCloser {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		return gzip.NewWriter(w)
	}
	return nil
}
