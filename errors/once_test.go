// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package errors_test

import (
	"fmt"
	"io"
	"testing"

	"github.com/grailbio/storagecore/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestOnce(t *testing.T) {
	e := errors.Once{}
	require.NoError(t, e.Err())

	e.Set(errors.New("testerror"))
	require.EqualError(t, e.Err(), "testerror")
	e.Set(errors.New("testerror2")) // ignored
	require.EqualError(t, e.Err(), "testerror")
}

func TestOnceIgnored(t *testing.T) {
	e := errors.Once{Ignored: []error{io.EOF}}
	e.Set(io.EOF)
	e.Set(nil)
	require.NoError(t, e.Err())
}

func TestOnceConcurrent(t *testing.T) {
	var (
		e errors.Once
		g errgroup.Group
	)
	for i := 0; i < 100; i++ {
		i := i
		g.Go(func() error {
			e.Set(fmt.Errorf("error %d", i))
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Error(t, e.Err())
}

func BenchmarkReadNoError(b *testing.B) {
	e := errors.Once{}
	for i := 0; i < b.N; i++ {
		if e.Err() != nil {
			require.Fail(b, "err")
		}
	}
}
