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
	"encoding/json"
)

// =============================================================================
// POSITION & RANGE TYPES
// =============================================================================

// Position represents a position in a text document.
// Line and character are 0-indexed; character counts UTF-16 code units.
type Position struct {
	// Line is the 0-indexed line number.
	Line int `json:"line"`

	// Character is the 0-indexed UTF-16 offset within the line.
	Character int `json:"character"`
}

// Range represents a range in a text document.
type Range struct {
	// Start is the inclusive start position.
	Start Position `json:"start"`

	// End is the exclusive end position.
	End Position `json:"end"`
}

// =============================================================================
// DOCUMENT IDENTIFIERS
// =============================================================================

// TextDocumentIdentifier identifies a text document by URI.
type TextDocumentIdentifier struct {
	// URI is the document's URI.
	URI string `json:"uri"`
}

// TextDocumentItem represents a text document with its content.
type TextDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int32  `json:"version"`
	Text       string `json:"text"`
}

// VersionedTextDocumentIdentifier identifies a specific version of a document.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier

	// Version is the LSP version. Nil means unknown.
	Version *int32 `json:"version"`
}

// =============================================================================
// TEXT SYNCHRONIZATION
// =============================================================================

// TextDocumentContentChangeEvent describes a content change event.
type TextDocumentContentChangeEvent struct {
	// Range is the range that got replaced. Nil for a full document replacement.
	Range *Range `json:"range,omitempty"`

	// RangeLength is the length of the replaced range (deprecated by LSP).
	RangeLength *int `json:"rangeLength,omitempty"`

	// Text is the new text for the range or the whole document.
	Text string `json:"text"`
}

// IsFull reports whether the event replaces the whole document.
func (e TextDocumentContentChangeEvent) IsFull() bool {
	return e.Range == nil
}

// FullReplacement builds a change event that replaces the whole document.
func FullReplacement(text string) TextDocumentContentChangeEvent {
	return TextDocumentContentChangeEvent{Text: text}
}

// DidOpenTextDocumentParams contains params for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams contains params for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidChangeTextDocumentParams contains params for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	// TextDocument is the document that changed, with its new version.
	TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`

	// ContentChanges are applied in order, each against the result of the
	// previous one.
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// =============================================================================
// OPAQUE PAYLOADS
// =============================================================================

// PayloadKind classifies language-server output that is shared with
// collaborators without interpretation.
type PayloadKind string

const (
	PayloadDiagnostics PayloadKind = "diagnostics"
	PayloadCodeActions PayloadKind = "code_actions"
	PayloadCompletion  PayloadKind = "completion"
	PayloadHover       PayloadKind = "hover"
	PayloadWorkspace   PayloadKind = "workspace"
)

// Payload is an uninterpreted language-server message scoped to a document.
type Payload struct {
	Kind PayloadKind     `json:"kind"`
	URI  string          `json:"uri,omitempty"`
	Data json.RawMessage `json:"data"`
}
