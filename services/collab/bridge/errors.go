// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"errors"
)

// Sentinel errors for bridge operations.
var (
	// ErrDocumentNotFound indicates no open document has the URI.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentExists indicates the URI is already open.
	ErrDocumentExists = errors.New("document already open")

	// ErrStaleVersion indicates an LSP change carried a version at or
	// below the one already recorded.
	ErrStaleVersion = errors.New("stale lsp version")

	// ErrInvalidChange indicates an LSP change does not fit the mirrored
	// buffer.
	ErrInvalidChange = errors.New("invalid lsp change")

	// ErrSyncSuperseded indicates a newer sync attempt or a new edit made
	// this pass stale. Its result was discarded.
	ErrSyncSuperseded = errors.New("sync superseded by a newer attempt")

	// ErrSyncTimeout indicates a sync pass exceeded max_sync_delay_ms.
	ErrSyncTimeout = errors.New("sync timed out")

	// ErrDocumentFailed indicates the document exhausted its sync retries
	// and waits for Reset.
	ErrDocumentFailed = errors.New("document sync failed")

	// ErrNotInConflict indicates ResolveConflict on a document without an
	// open conflict.
	ErrNotInConflict = errors.New("document is not in conflict")

	// ErrInvalidDecision indicates a Decision that cannot settle a conflict.
	ErrInvalidDecision = errors.New("invalid conflict decision")

	// ErrBridgeClosed indicates the bridge was closed.
	ErrBridgeClosed = errors.New("bridge closed")
)
