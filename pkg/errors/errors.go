// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package errors re-exports the standard library's error helpers and adds
// the bridge between kernel status codes and Go errors used on the boot
// path, where a failure is a construction error rather than an ABI value.
package errors

import (
	stdliberrors "errors"
	"fmt"

	"github.com/antimetal/kestrel/pkg/mem"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// StatusError wraps a kernel status code as a Go error.
type StatusError struct {
	Status mem.Status
	Op     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// FromStatus converts a kernel status into an error, nil for non-errors.
func FromStatus(op string, s mem.Status) error {
	if !s.IsErr() {
		return nil
	}
	return &StatusError{Status: s, Op: op}
}

// StatusOf extracts the kernel status from an error chain, or ErrMisc when
// the error did not originate from a status.
func StatusOf(err error) mem.Status {
	var se *StatusError
	if As(err, &se) {
		return se.Status
	}
	return mem.ErrMisc
}
