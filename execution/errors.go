// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package execution

import (
	"context"
	"net/http"

	"github.com/grailbio/storagecore/errors"
)

const (
	timeoutMessage  = "the client could not finish the operation within the specified timeout"
	canceledMessage = "operation was canceled by user"
)

// TimeoutError returns a non-retryable Timeout error with status 408
// and records that status on the state's current result.
func TimeoutError(s *State, cause error) error {
	s.UpdateResult(func(r *RequestResult) {
		r.HTTPStatusCode = int(errors.StatusTimeout)
		r.HTTPStatusMessage = http.StatusText(http.StatusRequestTimeout)
	})
	return newError(s, errors.Timeout, errors.StatusTimeout, timeoutMessage, cause)
}

// CanceledError returns a non-retryable Canceled error with status
// 306 and records that status on the state's current result.
func CanceledError(s *State, cause error) error {
	s.UpdateResult(func(r *RequestResult) {
		r.HTTPStatusCode = int(errors.StatusCanceled)
		r.HTTPStatusMessage = "Unused"
	})
	return newError(s, errors.Canceled, errors.StatusCanceled, canceledMessage, cause)
}

func newError(s *State, kind errors.Kind, status errors.Status, msg string, cause error) error {
	var err error
	if cause == nil {
		err = errors.E(kind, errors.Fatal, status, msg)
	} else {
		err = errors.E(kind, errors.Fatal, status, msg, cause)
	}
	s.UpdateResult(func(r *RequestResult) { r.Err = err })
	return err
}

// Translate classifies err, returned by an operation running under
// ctx and s. A passed deadline takes priority: the error becomes a
// timeout regardless of its original form. Otherwise a canceled ctx
// yields a cancellation error. Any other error is returned unchanged.
func Translate(ctx context.Context, s *State, err error) error {
	if err == nil {
		return nil
	}
	switch errors.StatusOf(err) {
	case errors.StatusTimeout, errors.StatusCanceled:
		return err
	}
	if s.Expired() || s.TimedOut() {
		return TimeoutError(s, err)
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return TimeoutError(s, err)
	case context.Canceled:
		return CanceledError(s, err)
	}
	return err
}
