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
	"context"

	"github.com/AleutianAI/collabcore/services/collab/lsp"
)

// lspHandler routes notifications of one LSP session into the bridge.
type lspHandler struct {
	b         *Bridge
	sessionID string
}

// LSPHandler returns an lsp.DocumentHandler feeding this bridge. Opened
// documents join sessionID.
func (b *Bridge) LSPHandler(sessionID string) lsp.DocumentHandler {
	return &lspHandler{b: b, sessionID: sessionID}
}

func (h *lspHandler) DidOpen(ctx context.Context, p lsp.DidOpenTextDocumentParams) error {
	td := p.TextDocument
	return h.b.OpenDocument(ctx, td.URI, h.sessionID, td.Version, td.Text)
}

func (h *lspHandler) DidChange(ctx context.Context, p lsp.DidChangeTextDocumentParams) error {
	return h.b.EnqueueLSPChange(ctx, p.TextDocument.URI, p.TextDocument.Version, p.ContentChanges)
}

func (h *lspHandler) DidClose(_ context.Context, p lsp.DidCloseTextDocumentParams) error {
	return h.b.CloseDocument(p.TextDocument.URI)
}

func (h *lspHandler) Payload(ctx context.Context, p lsp.Payload) error {
	h.b.Passthrough(ctx, p)
	return nil
}
