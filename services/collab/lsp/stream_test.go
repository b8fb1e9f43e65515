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
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	opened   []DidOpenTextDocumentParams
	changed  []DidChangeTextDocumentParams
	closed   []DidCloseTextDocumentParams
	payloads []Payload
}

func (h *recordingHandler) DidOpen(_ context.Context, p DidOpenTextDocumentParams) error {
	h.opened = append(h.opened, p)
	return nil
}

func (h *recordingHandler) DidChange(_ context.Context, p DidChangeTextDocumentParams) error {
	h.changed = append(h.changed, p)
	return nil
}

func (h *recordingHandler) DidClose(_ context.Context, p DidCloseTextDocumentParams) error {
	h.closed = append(h.closed, p)
	return nil
}

func (h *recordingHandler) Payload(_ context.Context, p Payload) error {
	h.payloads = append(h.payloads, p)
	return nil
}

func TestStream_NotifyThenServe(t *testing.T) {
	var wire bytes.Buffer
	out := NewStream(nil, &wire)

	require.NoError(t, out.Notify(MethodDidOpen, DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: "file:///a.go", LanguageID: "go", Version: 1, Text: "package a"},
	}))
	require.NoError(t, out.NotifyChange("file:///a.go", 2, []TextDocumentContentChangeEvent{
		{Range: rng(0, 9, 0, 9), Text: "\n"},
	}))
	require.NoError(t, out.Notify("textDocument/publishDiagnostics", map[string]any{
		"uri":         "file:///a.go",
		"diagnostics": []any{},
	}))
	require.NoError(t, out.Notify(MethodDidClose, DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: "file:///a.go"},
	}))
	require.NoError(t, out.Notify("window/logMessage", map[string]any{"message": "hi"}))

	assert.True(t, strings.HasPrefix(wire.String(), "Content-Length: "))

	h := &recordingHandler{}
	var failures []string
	in := NewStream(&wire, nil)
	err := in.Serve(context.Background(), h, func(method string, err error) {
		assert.ErrorIs(t, err, ErrUnknownMethod)
		failures = append(failures, method)
	})
	require.NoError(t, err)

	require.Len(t, h.opened, 1)
	assert.Equal(t, "package a", h.opened[0].TextDocument.Text)

	require.Len(t, h.changed, 1)
	require.NotNil(t, h.changed[0].TextDocument.Version)
	assert.Equal(t, int32(2), *h.changed[0].TextDocument.Version)
	assert.Equal(t, "\n", h.changed[0].ContentChanges[0].Text)

	require.Len(t, h.payloads, 1)
	assert.Equal(t, PayloadDiagnostics, h.payloads[0].Kind)
	assert.Equal(t, "file:///a.go", h.payloads[0].URI)
	assert.True(t, json.Valid(h.payloads[0].Data))

	require.Len(t, h.closed, 1)
	assert.Equal(t, []string{"window/logMessage"}, failures)
}

func TestStream_ClosedRejectsWrites(t *testing.T) {
	s := NewStream(nil, &bytes.Buffer{})
	s.Close()
	assert.ErrorIs(t, s.Notify(MethodDidClose, nil), ErrStreamClosed)
}

func TestStream_MissingContentLength(t *testing.T) {
	s := NewStream(strings.NewReader("X-Other: 1\r\n\r\n{}"), nil)
	err := s.Serve(context.Background(), &recordingHandler{}, nil)
	assert.ErrorIs(t, err, ErrMissingContentLength)
}

func TestPayloadURI_TextDocumentShape(t *testing.T) {
	raw := json.RawMessage(`{"textDocument":{"uri":"file:///b.go"},"position":{"line":1,"character":2}}`)
	assert.Equal(t, "file:///b.go", payloadURI(raw))
	assert.Empty(t, payloadURI(json.RawMessage(`[1,2]`)))
}
