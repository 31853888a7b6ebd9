// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/grailbio/storagecore/errors"
	"github.com/grailbio/storagecore/execution"
)

// StatusError returns the error for an unexpected response status
// received from loc. Throttling, request timeouts and server errors
// other than 501 and 505 are retryable. A 404 from the secondary is
// retryable, since the replica may lag the primary.
func StatusError(code int, loc execution.Location, detail string) error {
	kind, severity := errors.Remote, errors.Fatal
	switch {
	case code == http.StatusNotFound:
		kind = errors.NotExist
		if loc == execution.Secondary {
			severity = errors.Retriable
		}
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		kind = errors.NotAllowed
	case code == http.StatusConflict:
		kind = errors.Exists
	case code == http.StatusPreconditionFailed || code == http.StatusRequestedRangeNotSatisfiable:
		kind = errors.Precondition
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		kind, severity = errors.Unavailable, errors.Retriable
	case code == http.StatusNotImplemented || code == http.StatusHTTPVersionNotSupported:
		kind = errors.NotSupported
	case code >= 500:
		kind, severity = errors.Unavailable, errors.Retriable
	case code >= 400:
		kind = errors.Invalid
	}
	msg := fmt.Sprintf("%s returned %d %s", loc, code, http.StatusText(code))
	if detail = strings.TrimSpace(detail); detail != "" {
		msg += ": " + detail
	}
	return errors.E(kind, severity, errors.Status(code), msg)
}

// shouldRetry tells whether err, returned by an attempt against loc,
// may be retried under mode.
func shouldRetry(err error, loc execution.Location, mode execution.LocationMode) bool {
	if !errors.IsRetryable(err) {
		return false
	}
	if errors.Is(errors.NotExist, err) && loc == execution.Secondary {
		return mode.Uses(execution.Primary)
	}
	return true
}
