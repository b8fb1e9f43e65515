// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"fmt"

	"github.com/AleutianAI/collabcore/services/collab/lsp"
)

// lspHandler joins the session when the editor opens its document and
// leaves when it closes it. Edits and payloads go to the bridge.
type lspHandler struct {
	lsp.DocumentHandler
	rt        *Runtime
	sessionID string
}

// LSPHandler returns an lsp.DocumentHandler that follows sessionID with
// whichever document the editor opens.
func (r *Runtime) LSPHandler(sessionID string) lsp.DocumentHandler {
	return &lspHandler{
		DocumentHandler: r.bridge.LSPHandler(sessionID),
		rt:              r,
		sessionID:       sessionID,
	}
}

func (h *lspHandler) DidOpen(ctx context.Context, p lsp.DidOpenTextDocumentParams) error {
	td := p.TextDocument
	return h.rt.JoinSession(ctx, h.sessionID, td.URI, td.Version, td.Text)
}

func (h *lspHandler) DidClose(_ context.Context, p lsp.DidCloseTextDocumentParams) error {
	uri, ok := h.rt.DocumentURI(h.sessionID)
	if !ok || uri != p.TextDocument.URI {
		return fmt.Errorf("%w: %s has no open document %s", ErrNotJoined, h.sessionID, p.TextDocument.URI)
	}
	return h.rt.LeaveSession(h.sessionID)
}
