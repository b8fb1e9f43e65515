// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp holds the Language Server Protocol shapes exchanged with the
// editor-side LSP session of a collaboratively edited document.
//
// The collaboration core never interprets diagnostics, completions, hover or
// code actions. It only needs text synchronization: didOpen, didChange and
// didClose, plus the ability to overwrite the LSP buffer. Everything else is
// carried as an opaque Payload.
//
// # Coordinates
//
// LSP positions count UTF-16 code units per line. The CRDT counts runes.
// PositionConverter translates between the two for a fixed snapshot of text.
//
//	LSP (line, utf16 char) ──PositionConverter──► rune offset ──► crdt
//
// # Components
//
//   - Types: Position, Range, change events and notification params
//   - PositionConverter: UTF-16 aware line/character to rune conversion
//   - ApplyChanges / CollapseChanges: sequential change events to text or
//     to non-overlapping edits against the pre-change text
//   - Stream: Content-Length framed JSON-RPC notifications
//
// # Thread Safety
//
// Stream is safe for concurrent writers. Everything else is a value or is
// used by a single goroutine.
package lsp
