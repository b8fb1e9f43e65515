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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/lsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func autoSync(o *Options) { o.AutoSync = true }

func synced(tb *testBridge, content string) func() bool {
	return func() bool {
		info, ok := tb.Document(testURI)
		return ok && info.Status == StatusSynchronized && info.CRDTContent == content && info.LSPContent == content
	}
}

func TestWorker_AutoSync(t *testing.T) {
	ctx := context.Background()
	a := newTestBridge(t, "a", nil, autoSync)
	b := newTestBridge(t, "b", nil, autoSync)
	require.NoError(t, a.OpenDocument(ctx, testURI, "s1", 1, "abc"))
	require.NoError(t, b.OpenDocument(ctx, testURI, "s1", 1, "abc"))

	require.NoError(t, a.EnqueueLSPChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 3, 0, 3, "d")}))
	require.Eventually(t, synced(a, "abcd"), 2*time.Second, 5*time.Millisecond)

	remote := a.rec.take()
	require.Eventually(t, func() bool {
		remote = append(remote, a.rec.take()...)
		return len(remote) > 0
	}, 2*time.Second, 5*time.Millisecond)
	for _, op := range remote {
		require.NoError(t, b.EnqueueRemoteOperation(ctx, testURI, op))
	}
	require.Eventually(t, synced(b, "abcd"), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.lsp.Calls()) > 0 }, 2*time.Second, 5*time.Millisecond)

	calls := b.lsp.Calls()
	assert.Equal(t, "d", calls[len(calls)-1].changes[0].Text)
}

func TestWorker_RequestSync(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t, "a", nil)
	require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "abc"))

	require.NoError(t, tb.EnqueueLSPChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 0, ">")}))
	require.Eventually(t, func() bool {
		info, _ := tb.Document(testURI)
		return info.PendingChanges == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "abc", tb.info(t).CRDTContent)

	require.NoError(t, tb.RequestSync(ctx, testURI))
	require.Eventually(t, synced(tb, ">abc"), 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, tb.RequestSync(ctx, "file:///missing"), ErrDocumentNotFound)
}

func TestWorker_StopsOnClose(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t, "a", nil, autoSync)
	require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "abc"))
	tb.Close()

	err := tb.EnqueueLSPChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 0, "x")})
	if err != nil {
		assert.ErrorIs(t, err, ErrBridgeClosed)
	}
}

func TestLSPHandler_ServesStream(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t, "a", nil, autoSync)

	var wire bytes.Buffer
	out := lsp.NewStream(nil, &wire)
	require.NoError(t, out.Notify(lsp.MethodDidOpen, lsp.DidOpenTextDocumentParams{
		TextDocument: lsp.TextDocumentItem{URI: testURI, LanguageID: "go", Version: 1, Text: "package main\n"},
	}))
	require.NoError(t, out.Notify(lsp.MethodDidChange, lsp.DidChangeTextDocumentParams{
		TextDocument:   lsp.VersionedTextDocumentIdentifier{TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: testURI}, Version: ver(2)},
		ContentChanges: []lsp.TextDocumentContentChangeEvent{change(1, 0, 1, 0, "func main() {}\n")},
	}))
	require.NoError(t, out.Notify("textDocument/publishDiagnostics", map[string]any{
		"uri":         testURI,
		"diagnostics": []any{},
	}))

	in := lsp.NewStream(&wire, nil)
	require.NoError(t, in.Serve(ctx, tb.LSPHandler("s1"), func(method string, err error) {
		t.Errorf("%s: %v", method, err)
	}))

	require.Eventually(t, synced(tb, "package main\nfunc main() {}\n"), 2*time.Second, 5*time.Millisecond)
	info := tb.info(t)
	assert.Equal(t, "s1", info.SessionID)

	payload, ok := findEvent(tb.drain(), EventPayload)
	require.True(t, ok)
	assert.Equal(t, lsp.PayloadDiagnostics, payload.Payload.Kind)

	var closing bytes.Buffer
	require.NoError(t, lsp.NewStream(nil, &closing).Notify(lsp.MethodDidClose, lsp.DidCloseTextDocumentParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: testURI},
	}))
	require.NoError(t, lsp.NewStream(&closing, nil).Serve(ctx, tb.LSPHandler("s1"), nil))
	assert.Empty(t, tb.Documents())
}
