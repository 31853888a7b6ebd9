// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors_test

import (
	"context"
	goerrors "errors"
	"fmt"
	"os"
	"testing"

	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	_, err := os.Open("/dev/notexist")
	e1 := errors.E(errors.NotExist, "opening file", err)
	if got, want := e1.Error(), "opening file: resource does not exist: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	e2 := errors.E(err)
	if got, want := e2.Error(), "resource does not exist: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	for _, e := range []error{e1, e2} {
		if !errors.Is(errors.NotExist, e) {
			t.Errorf("error %v should be NotExist", e)
		}
	}
}

func TestErrorChaining(t *testing.T) {
	_, err := os.Open("/dev/notexist")
	err = errors.E("failed to open file", err)
	err = errors.E(errors.Retriable, "cannot proceed", err)
	if got, want := err.Error(), "cannot proceed: resource does not exist (retriable):\n\tfailed to open file: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestStatus(t *testing.T) {
	cause := goerrors.New("read tcp: i/o stalled")
	err := errors.E(errors.Timeout, errors.Fatal, errors.StatusTimeout, "copy stream", cause)
	expect.EQ(t, err.Error(), "copy stream: operation timed out [status 408] (fatal): read tcp: i/o stalled")
	expect.EQ(t, errors.StatusOf(err), errors.StatusTimeout)

	// Status, kind and severity are hoisted to the outermost error.
	wrapped := errors.E("executing PutBlock", err)
	expect.EQ(t, errors.StatusOf(wrapped), errors.StatusTimeout)
	expect.True(t, errors.Is(errors.Timeout, wrapped))
	expect.False(t, errors.IsRetryable(wrapped))
	expect.EQ(t, errors.StatusOf(goerrors.New("plain")), errors.Status(0))
	expect.EQ(t, errors.StatusOf(nil), errors.Status(0))
}

type temporaryError string

func (t temporaryError) Error() string   { return string(t) }
func (t temporaryError) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	for _, c := range []struct {
		err       error
		retryable bool
	}{
		{nil, false},
		{errors.E(context.DeadlineExceeded), true},
		{errors.E(context.Canceled), false},
		{goerrors.New("no idea"), false},
		{temporaryError(""), true},
		{errors.E(temporaryError(""), errors.NotExist), true},
		{errors.E(errors.Temporary, "failed to open socket"), true},
		{errors.E(errors.Retriable, "server busy"), true},
		{errors.E(errors.Fatal, errors.Timeout, "deadline passed"), false},
		{errors.E(fmt.Errorf("test")), false},
	} {
		if got, want := errors.IsRetryable(c.err), c.retryable; got != want {
			t.Errorf("error %v: got %v, want %v", c.err, got, want)
		}
	}
}

func TestContextKinds(t *testing.T) {
	assert.True(t, errors.Is(errors.Canceled, errors.E(context.Canceled)))
	assert.True(t, errors.Is(errors.Timeout, errors.E(context.DeadlineExceeded)))
	assert.True(t, errors.Is(errors.Canceled, errors.E(fmt.Errorf("wrapped: %w", context.Canceled))))
}

func TestUnwrap(t *testing.T) {
	err := errors.E(errors.Net, "dial", os.ErrDeadlineExceeded)
	assert.True(t, goerrors.Is(err, os.ErrDeadlineExceeded))
	var e *errors.Error
	require.True(t, errors.As(errors.E("outer", err), &e))
	assert.Equal(t, errors.Net, e.Kind)
}

func TestMatch(t *testing.T) {
	err := errors.E(errors.Invalid, errors.Fatal, "copyLength and maxLength are mutually exclusive")
	assert.True(t, errors.Match(errors.E(errors.Invalid), err))
	assert.True(t, errors.Match(errors.E(errors.Invalid, errors.Fatal), err))
	assert.False(t, errors.Match(errors.E(errors.Timeout), err))
	assert.False(t, errors.Match(errors.E(errors.StatusTimeout), err))
}

func TestBadArgument(t *testing.T) {
	err := errors.E(3.14)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestCleanUp(t *testing.T) {
	closeErr := goerrors.New("close failed")
	run := func(primary error) (err error) {
		defer errors.CleanUp(func() error { return closeErr }, &err)
		return primary
	}
	assert.Equal(t, closeErr, run(nil))
	err := run(errors.E(errors.Integrity, "md5 mismatch"))
	assert.True(t, errors.Is(errors.Integrity, err))
	assert.Contains(t, err.Error(), "second error in cleanup: close failed")
}
