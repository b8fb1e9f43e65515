// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge keeps a CRDT replica and an LSP buffer of the same
// document in agreement.
//
// # Overview
//
// Edits reach a document from two directions. The language server side
// sends content change events that are mirrored into a pending queue. The
// collaboration side delivers CRDT operations that are applied to the
// replica straight away. A sync pass compares both against the text the
// two sides last agreed on:
//
//	          ┌─ pending LSP changes ─► CollapseChanges ─┐
//	synced ───┤                                          ├─► Detector ─► Resolver ─► commit
//	          └─ replica.EditsSince(synced vector) ──────┘
//
// Non-overlapping edits are exchanged both ways. Overlapping edits are
// grouped into whole-line regions and settled by the configured strategy.
// The commit is optimistic: a pass whose snapshot went stale while it was
// resolving is discarded with ErrSyncSuperseded.
//
// # Concurrency
//
// Each document has its own RWMutex and worker goroutine. Documents never
// contend with each other. Resolution, including AI calls, runs without
// holding any lock.
package bridge
