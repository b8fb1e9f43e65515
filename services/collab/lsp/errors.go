// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"errors"
)

// Sentinel errors for LSP text synchronization.
var (
	// ErrInvalidRange indicates a change range that does not fit the text.
	ErrInvalidRange = errors.New("invalid lsp range")

	// ErrStreamClosed indicates a write on a closed stream.
	ErrStreamClosed = errors.New("lsp stream closed")

	// ErrMissingContentLength indicates a frame without a usable header.
	ErrMissingContentLength = errors.New("missing or zero Content-Length header")

	// ErrUnknownMethod indicates a notification the stream does not route.
	ErrUnknownMethod = errors.New("unknown lsp method")
)
