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
	"testing"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/config"
	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withStrategy(s conflict.Strategy) func(*config.BridgeConfig) {
	return func(c *config.BridgeConfig) { c.DefaultStrategy = s }
}

func withAI(ai conflict.AIResolver) func(*Options) {
	return func(o *Options) { o.AI = ai }
}

func findEvent(events []BridgeEvent, kind EventKind) (BridgeEvent, bool) {
	for _, ev := range events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return BridgeEvent{}, false
}

func TestSync_DisjointEdits(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t, "a", nil)
	require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "hello world"))
	tb.drain()

	require.NoError(t, tb.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 5, "HELLO")}))
	ops, err := tb.ApplyLocalEdit(ctx, testURI, 6, 5, "there")
	require.NoError(t, err)
	require.Len(t, ops, 2)

	st, err := tb.Sync(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, StatusSynchronized, st)

	info := tb.info(t)
	assert.Equal(t, "HELLO there", info.CRDTContent)
	assert.Equal(t, "HELLO there", info.LSPContent)
	assert.Equal(t, 0, info.PendingChanges)
	assert.Equal(t, 0, info.ConflictResolutionAttempts)
	assert.Equal(t, int32(3), *info.LSPVersion)

	calls := tb.lsp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int32(3), calls[0].version)
	require.Len(t, calls[0].changes, 1)
	assert.Equal(t, "there", calls[0].changes[0].Text)
	assert.Equal(t, lsp.Range{Start: lsp.Position{Character: 6}, End: lsp.Position{Character: 11}}, *calls[0].changes[0].Range)

	// Two local edit operations plus the two that carried HELLO.
	assert.Len(t, tb.rec.take(), 4)

	events := tb.drain()
	lossy, ok := findEvent(events, EventTranslationLossy)
	require.True(t, ok)
	assert.NotEmpty(t, lossy.Warnings)
	_, ok = findEvent(events, EventConflictResolved)
	assert.False(t, ok)

	h := tb.Health()
	assert.Equal(t, uint64(2), h.DocumentsSynced)
	assert.Zero(t, h.ConflictsResolved)

	// The editor echoes the bridge's write with the version it was sent.
	err = tb.DidChange(ctx, testURI, ver(3), calls[0].changes)
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestSync_TwoReplicasConverge(t *testing.T) {
	ctx := context.Background()
	a := newTestBridge(t, "a", withStrategy(conflict.StrategyLSPWins))
	b := newTestBridge(t, "b", withStrategy(conflict.StrategyLSPWins))
	require.NoError(t, a.OpenDocument(ctx, testURI, "s1", 1, "Hello World"))
	require.NoError(t, b.OpenDocument(ctx, testURI, "s1", 1, "Hello World"))

	_, err := a.ApplyLocalEdit(ctx, testURI, 5, 0, " Beautiful")
	require.NoError(t, err)
	_, err = b.ApplyLocalEdit(ctx, testURI, 0, 5, "")
	require.NoError(t, err)

	deliver(t, b, a.rec.take())
	deliver(t, a, b.rec.take())
	assert.Equal(t, " Beautiful World", a.info(t).CRDTContent)
	assert.Equal(t, " Beautiful World", b.info(t).CRDTContent)

	// The editor of a rewrote the word the collaborator deleted.
	require.NoError(t, a.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 5, "Howdy")}))
	a.drain()
	st, err := a.Sync(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, StatusSynchronized, st)

	info := a.info(t)
	assert.Equal(t, "Howdy World", info.CRDTContent)
	assert.Equal(t, "Howdy World", info.LSPContent)
	assert.Equal(t, 1, info.ConflictResolutionAttempts)
	assert.Empty(t, a.lsp.Calls())
	assert.Equal(t, uint64(1), a.Health().ConflictsResolved)

	resolved, ok := findEvent(a.drain(), EventConflictResolved)
	require.True(t, ok)
	assert.Equal(t, conflict.StrategyLSPWins, resolved.Strategy)

	deliver(t, b, a.rec.take())
	assert.Equal(t, "Howdy World", b.info(t).CRDTContent)

	_, err = b.Sync(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, "Howdy World", b.info(t).LSPContent)
	calls := b.lsp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int32(2), calls[0].version)
	require.Len(t, calls[0].changes, 1)
	assert.Equal(t, "owdy", calls[0].changes[0].Text)

	out, err := lsp.ApplyChanges("Hello World", calls[0].changes)
	require.NoError(t, err)
	assert.Equal(t, "Howdy World", out)

	// A clean pass clears the attempt count.
	_, err = a.Sync(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, 0, a.info(t).ConflictResolutionAttempts)
}

func TestSync_MergeStrategy(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t, "a", withStrategy(conflict.StrategyMerge))
	require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "a\nb\nc\n"))

	require.NoError(t, tb.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 1, 1, "A\nb")}))
	_, err := tb.ApplyLocalEdit(ctx, testURI, 2, 0, "X")
	require.NoError(t, err)

	st, err := tb.Sync(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, StatusSynchronized, st)
	assert.Equal(t, "A\nXb\nc\n", tb.info(t).CRDTContent)

	calls := tb.lsp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int32(3), calls[0].version)
	out, err := lsp.ApplyChanges("A\nb\nc\n", calls[0].changes)
	require.NoError(t, err)
	assert.Equal(t, "A\nXb\nc\n", out)
}

func TestSync_ManualConflict(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *testBridge {
		tb := newTestBridge(t, "a", withStrategy(conflict.StrategyManual))
		require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "hello"))
		require.NoError(t, tb.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 5, "HELLO")}))
		_, err := tb.ApplyLocalEdit(ctx, testURI, 0, 5, "howdy")
		require.NoError(t, err)
		tb.drain()
		tb.rec.take()

		st, err := tb.Sync(ctx, testURI)
		require.NoError(t, err)
		require.Equal(t, StatusInConflict, st)
		return tb
	}

	t.Run("halts until a decision", func(t *testing.T) {
		tb := setup(t)
		info := tb.info(t)
		assert.True(t, info.IsInConflict)
		assert.Equal(t, 1, info.ConflictResolutionAttempts)
		require.NotNil(t, info.Conflict)
		assert.Contains(t, info.Conflict.Patch, "-HELLO")
		assert.Contains(t, info.Conflict.Patch, "+howdy")
		assert.Equal(t, conflict.StrategyManual, info.Conflict.Strategy)
		assert.Equal(t, "HELLO", info.LSPContent)
		assert.Equal(t, "howdy", info.CRDTContent)

		detected, ok := findEvent(tb.drain(), EventConflictDetected)
		require.True(t, ok)
		assert.Equal(t, StatusInConflict, detected.Status)
		require.NotNil(t, detected.Conflict)

		st, err := tb.Sync(ctx, testURI)
		require.NoError(t, err)
		assert.Equal(t, StatusInConflict, st)
		assert.Empty(t, tb.lsp.Calls())

		h := tb.Health()
		assert.Equal(t, 1, h.DocumentsInConflict)
		assert.Equal(t, StatusInConflict, h.OverallStatus)
	})

	t.Run("resolved by strategy", func(t *testing.T) {
		tb := setup(t)
		st, err := tb.ResolveConflict(ctx, testURI, Decision{Strategy: conflict.StrategyLSPWins})
		require.NoError(t, err)
		assert.Equal(t, StatusSynchronized, st)

		info := tb.info(t)
		assert.False(t, info.IsInConflict)
		assert.Nil(t, info.Conflict)
		assert.Equal(t, "HELLO", info.CRDTContent)
		assert.Equal(t, "HELLO", info.LSPContent)
		assert.NotEmpty(t, tb.rec.take())

		_, err = tb.ResolveConflict(ctx, testURI, Decision{Strategy: conflict.StrategyLSPWins})
		assert.ErrorIs(t, err, ErrNotInConflict)
	})

	t.Run("resolved by content", func(t *testing.T) {
		tb := setup(t)
		text := "hi there"
		st, err := tb.ResolveConflict(ctx, testURI, Decision{Content: &text})
		require.NoError(t, err)
		assert.Equal(t, StatusSynchronized, st)

		info := tb.info(t)
		assert.Equal(t, text, info.CRDTContent)
		assert.Equal(t, text, info.LSPContent)
		assert.Equal(t, 0, info.ConflictResolutionAttempts)

		calls := tb.lsp.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, int32(3), calls[0].version)
		assert.Equal(t, []lsp.TextDocumentContentChangeEvent{lsp.FullReplacement(text)}, calls[0].changes)

		resolved, ok := findEvent(tb.drain(), EventConflictResolved)
		require.True(t, ok)
		assert.Equal(t, conflict.StrategyManual, resolved.Strategy)
	})

	t.Run("invalid decisions", func(t *testing.T) {
		tb := setup(t)
		for _, s := range []conflict.Strategy{conflict.StrategyManual, "bogus", ""} {
			_, err := tb.ResolveConflict(ctx, testURI, Decision{Strategy: s})
			assert.ErrorIs(t, err, ErrInvalidDecision, "strategy %q", s)
		}
		assert.True(t, tb.info(t).IsInConflict)
	})

	t.Run("edits while in conflict are kept", func(t *testing.T) {
		tb := setup(t)
		require.NoError(t, tb.DidChange(ctx, testURI, ver(3), []lsp.TextDocumentContentChangeEvent{change(0, 5, 0, 5, "!")}))
		assert.Equal(t, StatusInConflict, tb.info(t).Status)

		_, err := tb.ResolveConflict(ctx, testURI, Decision{Strategy: conflict.StrategyLSPWins})
		require.NoError(t, err)
		assert.Equal(t, "HELLO!", tb.info(t).CRDTContent)
	})
}

func TestSync_AttemptCapEscalates(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t, "a", func(c *config.BridgeConfig) {
		c.DefaultStrategy = conflict.StrategyLSPWins
		c.MaxResolutionAttempts = 2
	})
	require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "start"))

	conflictingPass := func(round int) SyncStatus {
		cur := []rune(tb.info(t).CRDTContent)
		require.NoError(t, tb.DidChange(ctx, testURI, nil, []lsp.TextDocumentContentChangeEvent{lsp.FullReplacement("lsp" + string(rune('0'+round)))}))
		_, err := tb.ApplyLocalEdit(ctx, testURI, 0, len(cur), "crdt"+string(rune('0'+round)))
		require.NoError(t, err)
		st, err := tb.Sync(ctx, testURI)
		require.NoError(t, err)
		return st
	}

	assert.Equal(t, StatusSynchronized, conflictingPass(1))
	assert.Equal(t, 1, tb.info(t).ConflictResolutionAttempts)
	assert.Equal(t, StatusSynchronized, conflictingPass(2))
	assert.Equal(t, 2, tb.info(t).ConflictResolutionAttempts)
	assert.Equal(t, StatusInConflict, conflictingPass(3))

	info := tb.info(t)
	assert.Equal(t, 3, info.ConflictResolutionAttempts)
	require.NotNil(t, info.Conflict)
	assert.Contains(t, info.Conflict.Reason, "cap")
	assert.Equal(t, conflict.SeverityCritical, info.Conflict.Severity)
}

func TestSync_AIResolution(t *testing.T) {
	ctx := context.Background()
	aiConfig := func(c *config.BridgeConfig) {
		c.DefaultStrategy = conflict.StrategyAIResolution
		c.EnableAIConflictResolution = true
		c.AIRequestsPerSecond = 0
	}
	setup := func(t *testing.T, ai conflict.AIResolver) *testBridge {
		tb := newTestBridge(t, "a", aiConfig, withAI(ai))
		require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "hello\n"))
		require.NoError(t, tb.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 5, "HELLO")}))
		_, err := tb.ApplyLocalEdit(ctx, testURI, 0, 5, "howdy")
		require.NoError(t, err)
		tb.drain()
		return tb
	}

	t.Run("accepted", func(t *testing.T) {
		tb := setup(t, &scriptedAI{text: "Howdy\n", confidence: 0.9})
		st, err := tb.Sync(ctx, testURI)
		require.NoError(t, err)
		assert.Equal(t, StatusSynchronized, st)
		assert.Equal(t, "Howdy\n", tb.info(t).CRDTContent)

		calls := tb.lsp.Calls()
		require.Len(t, calls, 1)
		require.Len(t, calls[0].changes, 1)
		assert.Equal(t, "owdy", calls[0].changes[0].Text)

		resolved, ok := findEvent(tb.drain(), EventConflictResolved)
		require.True(t, ok)
		assert.Equal(t, conflict.StrategyAIResolution, resolved.Strategy)
	})

	t.Run("low confidence escalates", func(t *testing.T) {
		tb := setup(t, &scriptedAI{text: "Howdy\n", confidence: 0.2})
		st, err := tb.Sync(ctx, testURI)
		require.NoError(t, err)
		assert.Equal(t, StatusInConflict, st)
		info := tb.info(t)
		require.NotNil(t, info.Conflict)
		assert.Contains(t, info.Conflict.Reason, "confidence")
		assert.Equal(t, "howdy\n", info.CRDTContent)
	})

	t.Run("disabled escalates", func(t *testing.T) {
		tb := newTestBridge(t, "a", withStrategy(conflict.StrategyAIResolution), withAI(&scriptedAI{text: "x", confidence: 1}))
		require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "hello\n"))
		require.NoError(t, tb.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 5, "HELLO")}))
		_, err := tb.ApplyLocalEdit(ctx, testURI, 0, 5, "howdy")
		require.NoError(t, err)
		st, err := tb.Sync(ctx, testURI)
		require.NoError(t, err)
		assert.Equal(t, StatusInConflict, st)
	})
}

func TestSync_CollaborationWins(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t, "a", withStrategy(conflict.StrategyCollaborationWins))
	require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "one two"))

	require.NoError(t, tb.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{
		change(0, 0, 0, 3, "ONE"),
		change(0, 4, 0, 7, "TWO"),
	}))
	_, err := tb.ApplyLocalEdit(ctx, testURI, 0, 3, "1")
	require.NoError(t, err)
	tb.rec.take()

	st, err := tb.Sync(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, StatusSynchronized, st)

	info := tb.info(t)
	assert.Equal(t, "1 two", info.CRDTContent)
	assert.Equal(t, "1 two", info.LSPContent)
	assert.Equal(t, 0, info.PendingChanges)

	calls := tb.lsp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, int32(3), calls[0].version)
	assert.Equal(t, []lsp.TextDocumentContentChangeEvent{lsp.FullReplacement("1 two")}, calls[0].changes)
	assert.Empty(t, tb.rec.take(), "the replica keeps its text")
}

func TestSync_SupersededByConcurrentEdit(t *testing.T) {
	ctx := context.Background()
	ai := &scriptedAI{
		text:       "Howdy\n",
		confidence: 1,
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	tb := newTestBridge(t, "a", func(c *config.BridgeConfig) {
		c.DefaultStrategy = conflict.StrategyAIResolution
		c.EnableAIConflictResolution = true
		c.AIRequestsPerSecond = 0
	}, withAI(ai))
	require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "hello\n"))
	require.NoError(t, tb.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 5, "HELLO")}))
	_, err := tb.ApplyLocalEdit(ctx, testURI, 0, 5, "howdy")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := tb.Sync(ctx, testURI)
		done <- err
	}()

	select {
	case <-ai.entered:
	case <-time.After(time.Second):
		t.Fatal("resolver was not consulted")
	}
	require.NoError(t, tb.DidChange(ctx, testURI, ver(3), []lsp.TextDocumentContentChangeEvent{change(1, 0, 1, 0, "more")}))
	close(ai.release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSyncSuperseded)
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not return")
	}

	info := tb.info(t)
	assert.Equal(t, "howdy\n", info.CRDTContent)
	assert.Equal(t, "HELLO\nmore", info.LSPContent)
	assert.Equal(t, 2, info.PendingChanges)
	assert.False(t, info.IsInConflict)
	assert.Empty(t, tb.lsp.Calls())
}

func TestSyncWithRetry_TimeoutMarksFailed(t *testing.T) {
	ctx := context.Background()
	ai := &scriptedAI{entered: make(chan struct{}, 8), release: make(chan struct{})}
	tb := newTestBridge(t, "a", func(c *config.BridgeConfig) {
		c.DefaultStrategy = conflict.StrategyAIResolution
		c.EnableAIConflictResolution = true
		c.AIRequestsPerSecond = 0
		c.MaxSyncDelayMs = 30
		c.ConflictResolutionTimeoutMs = 10000
		c.MaxSyncRetries = 1
	}, withAI(ai))
	require.NoError(t, tb.OpenDocument(ctx, testURI, "s1", 1, "hello\n"))
	require.NoError(t, tb.DidChange(ctx, testURI, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 0, 0, 5, "HELLO")}))
	_, err := tb.ApplyLocalEdit(ctx, testURI, 0, 5, "howdy")
	require.NoError(t, err)
	tb.drain()

	st, err := tb.SyncWithRetry(ctx, testURI)
	assert.Equal(t, StatusFailed, st)
	assert.ErrorIs(t, err, ErrDocumentFailed)
	assert.ErrorIs(t, err, ErrSyncTimeout)
	assert.Len(t, ai.entered, 2)

	h := tb.Health()
	assert.Equal(t, uint64(2), h.SyncFailures)
	assert.Equal(t, 1, h.DocumentsFailed)
	assert.Equal(t, StatusFailed, h.OverallStatus)

	failed, ok := findEvent(tb.drain(), EventSyncFailed)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, failed.Status)

	_, err = tb.Sync(ctx, testURI)
	assert.ErrorIs(t, err, ErrDocumentFailed)

	st, err = tb.Reset(ctx, testURI)
	require.NoError(t, err)
	assert.Equal(t, StatusSynchronized, st)
	info := tb.info(t)
	assert.Equal(t, "howdy\n", info.LSPContent)
	assert.Equal(t, 0, info.PendingChanges)

	calls := tb.lsp.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []lsp.TextDocumentContentChangeEvent{lsp.FullReplacement("howdy\n")}, calls[0].changes)
	assert.Equal(t, StatusSynchronized, tb.Health().OverallStatus)

	tb.ResetHealthCounters()
	assert.Zero(t, tb.Health().SyncFailures)
}

func TestSyncAll(t *testing.T) {
	ctx := context.Background()
	tb := newTestBridge(t, "a", nil)
	uris := []string{"file:///a.go", "file:///b.go", "file:///c.go"}
	for _, uri := range uris {
		require.NoError(t, tb.OpenDocument(ctx, uri, "s1", 1, "x"))
		require.NoError(t, tb.DidChange(ctx, uri, ver(2), []lsp.TextDocumentContentChangeEvent{change(0, 1, 0, 1, uri)}))
	}

	results := tb.SyncAll(ctx)
	require.Len(t, results, len(uris))
	for _, uri := range uris {
		assert.NoError(t, results[uri])
		info, ok := tb.Document(uri)
		require.True(t, ok)
		assert.Equal(t, "x"+uri, info.CRDTContent)
		assert.Equal(t, StatusSynchronized, info.Status)
	}
	assert.Equal(t, 3, tb.Health().ActiveDocuments)
}
