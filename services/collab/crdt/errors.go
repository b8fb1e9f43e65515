// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"errors"
	"fmt"
)

// Sentinel errors for CRDT operations.
var (
	// ErrOperationRejected indicates an operation was not applied.
	// Every rejection wraps this error.
	ErrOperationRejected = errors.New("operation rejected")

	// ErrMalformedOperation indicates missing or invalid operation fields.
	ErrMalformedOperation = errors.New("malformed operation")

	// ErrOutOfBounds indicates a position outside the operation's logical view.
	ErrOutOfBounds = errors.New("position out of bounds")

	// ErrDuplicateStamp indicates two different operations share a clock stamp.
	ErrDuplicateStamp = errors.New("clock stamp reused by a different operation")
)

// OperationRejectedError describes why an operation was dropped.
//
// errors.Is matches both ErrOperationRejected and the underlying reason.
type OperationRejectedError struct {
	// OpID is the id of the rejected operation.
	OpID string

	// Reason is the validation failure.
	Reason error
}

// Error implements the error interface.
func (e *OperationRejectedError) Error() string {
	return fmt.Sprintf("operation %s rejected: %v", e.OpID, e.Reason)
}

// Unwrap exposes both the sentinel and the reason to errors.Is.
func (e *OperationRejectedError) Unwrap() []error {
	return []error{ErrOperationRejected, e.Reason}
}

func rejected(opID string, reason error) error {
	return &OperationRejectedError{OpID: opID, Reason: reason}
}
