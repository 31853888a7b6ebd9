// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package errors

import "fmt"

// CleanUp is defer-able syntactic sugar that calls f and reports an
// error, if any, to *dst. Pass the caller's named return error:
//
//	func upload(...) (err error) {
//		defer errors.CleanUp(w.Close, &err)
//		...
//	}
//
// If the caller returns with its own error, the cleanup error is
// appended to its message rather than chained as its cause.
func CleanUp(cleanUp func() error, dst *error) {
	addErr(cleanUp(), dst)
}

func addErr(err2 error, dst *error) {
	if err2 == nil {
		return
	}
	if *dst == nil {
		*dst = err2
		return
	}
	*dst = E(*dst, fmt.Sprintf("second error in cleanup: %v", err2))
}
