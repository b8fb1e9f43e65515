// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crdt implements the replicated plain-text document shared by all
// clients of a collaborative session.
//
// # Model
//
// The document is a sequence of rune elements. Every element remembers the
// stamp of the operation that inserted it and the stamps of the operations
// that deleted it; deletes leave tombstones instead of removing elements.
//
// Operations address the sequence by logical (tombstone-inclusive) position
// relative to the elements their origin replica had seen, which is recorded
// as a version vector in Operation.Context. The materialized sequence is the
// deterministic replay of every applied operation in (Counter, ClientID)
// order, so two replicas that applied the same set of operations hold the
// same content regardless of arrival order.
//
//	apply(op)
//	   │
//	   ├── id already applied ───────────────► no-op (idempotent)
//	   ├── stamp sorts after the log tail ───► integrate into current sequence
//	   └── stamp sorts inside the log ───────► replay base + ordered log
//
// # Components
//
//   - TextDocument: the replica; applies operations, produces local edits.
//   - OperationLog: arena of applied operations plus id index and stamp order.
//   - CausalQueue: holds remote operations until their context is satisfied.
//
// # Thread Safety
//
// TextDocument, OperationLog and CausalQueue are not safe for concurrent
// use. The bridge guards each document with its own read/write lock.
package crdt
