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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// syncAllLimit bounds the documents SyncAll syncs at once.
const syncAllLimit = 8

// snapshot is what a sync pass reads under the read lock.
type snapshot struct {
	attempt    uint64
	generation uint64

	status     SyncStatus
	inConflict bool
	attempts   int
	override   conflict.Strategy

	base      string
	crdtText  string
	lspText   string
	pending   []lsp.TextDocumentContentChangeEvent
	crdtEdits []crdt.Edit
	crdtOps   []crdt.Operation
}

// takeSnapshot claims a new attempt number. Callers hold the read lock.
func (d *DocumentSyncState) takeSnapshot() snapshot {
	return snapshot{
		attempt:    d.attempt.Add(1),
		generation: d.generation,
		status:     d.status,
		inConflict: d.IsInConflict,
		attempts:   d.ConflictResolutionAttempts,
		override:   d.override,
		base:       d.syncedText,
		crdtText:   d.crdtText,
		lspText:    d.lspText,
		pending:    append([]lsp.TextDocumentContentChangeEvent(nil), d.PendingChanges...),
		crdtEdits:  d.doc.EditsSince(d.syncedVector),
		crdtOps:    d.doc.OperationsSince(d.syncedVector),
	}
}

// passResult is the decision a sync pass takes to the commit.
type passResult struct {
	detection conflict.ConflictDetection
	strategy  conflict.Strategy
	regions   []conflict.Region
	outcome   conflict.Outcome
	plan      plan
}

func (r passResult) manual() bool {
	return r.detection.HasConflict && r.outcome.Manual()
}

func (r passResult) collaborationWins() bool {
	return r.detection.HasConflict && r.outcome.Applied == conflict.StrategyCollaborationWins
}

// Sync runs one sync pass on uri.
//
// # Description
//
// The pass snapshots the document under the read lock, detects overlaps
// between pending LSP changes and replica edits since the last commit,
// resolves them without holding a lock, and commits under the write lock.
// The commit is dropped with ErrSyncSuperseded when a newer attempt
// started or any edit arrived meanwhile. Documents in conflict return
// StatusInConflict untouched until ResolveConflict.
//
// # Outputs
//
//   - SyncStatus: Status after the pass.
//   - error: ErrSyncTimeout when max_sync_delay_ms elapsed,
//     ErrSyncSuperseded, ErrDocumentFailed, or ErrDocumentNotFound.
func (b *Bridge) Sync(ctx context.Context, uri string) (SyncStatus, error) {
	d, err := b.document(uri)
	if err != nil {
		return "", err
	}
	return b.syncPass(ctx, d)
}

func (b *Bridge) syncPass(ctx context.Context, d *DocumentSyncState) (status SyncStatus, err error) {
	cfg := b.Config()
	resolver := b.resolver.Load()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "bridge.Bridge.Sync",
		trace.WithAttributes(attribute.String("document.uri", d.URI)),
	)
	defer func() {
		span.SetAttributes(attribute.String("sync.status", string(status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordSyncPass(ctx, status, err != nil, time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, cfg.SyncDeadline())
	defer cancel()

	d.mu.RLock()
	snap := d.takeSnapshot()
	d.mu.RUnlock()

	switch {
	case snap.status == StatusFailed:
		return StatusFailed, fmt.Errorf("%w: %s", ErrDocumentFailed, d.URI)
	case snap.inConflict:
		return StatusInConflict, nil
	}

	res, err := b.decide(ctx, d.URI, cfg.HighOverlapFraction, cfg.DefaultStrategy, resolver, snap)
	if err != nil {
		b.state.recordFailure()
		return snap.status, err
	}
	span.SetAttributes(
		attribute.Bool("sync.conflict", res.detection.HasConflict),
		attribute.String("conflict.severity", string(res.detection.Severity)),
	)

	if err := ctx.Err(); err != nil {
		b.state.recordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return snap.status, fmt.Errorf("%w: %s after %s", ErrSyncTimeout, d.URI, cfg.SyncDeadline())
		}
		return snap.status, err
	}
	return b.commit(ctx, d, snap, res, start)
}

// decide detects and resolves conflicts for snap. It holds no lock.
func (b *Bridge) decide(ctx context.Context, uri string, fraction float64, strategy conflict.Strategy, resolver *conflict.Resolver, snap snapshot) (passResult, error) {
	if snap.override != "" {
		strategy = snap.override
	}
	res := passResult{strategy: strategy}

	lspEdits, lspText, err := lsp.CollapseChanges(snap.base, snap.pending)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrInvalidChange, err)
	}
	if lspText != snap.lspText {
		return res, fmt.Errorf("pending changes of %s do not reproduce the mirrored buffer", uri)
	}

	base := []rune(snap.base)
	le := lspConflictEdits(lspEdits)
	ce := crdtConflictEdits(snap.crdtEdits)
	res.detection = conflict.NewDetector(fraction).Detect(le, ce, len(base))

	var resolved []string
	if res.detection.HasConflict {
		res.regions = buildRegions(base, res.detection.ConflictRanges, le, ce)
		res.outcome = resolver.Resolve(ctx, conflict.Request{
			URI:      uri,
			Strategy: strategy,
			Attempts: snap.attempts,
			Regions:  res.regions,
		}, b.ai)
		if res.manual() || res.collaborationWins() {
			return res, nil
		}
		resolved = res.outcome.Texts
	}

	res.plan, err = buildPlan(base, le, ce, res.regions, resolved)
	if err != nil {
		return res, fmt.Errorf("reconciling %s: %w", uri, err)
	}
	if res.plan.crdtText != snap.crdtText || res.plan.lspText != snap.lspText {
		return res, fmt.Errorf("reconciling %s: edits do not reproduce both sides", uri)
	}
	return res, nil
}

// commit applies res if snap is still current.
func (b *Bridge) commit(ctx context.Context, d *DocumentSyncState, snap snapshot, res passResult, start time.Time) (SyncStatus, error) {
	var patch string
	if res.manual() {
		p, err := conflict.RenderPatch(d.URI, res.regions)
		if err != nil {
			b.logger.Warn("conflict patch unavailable", slog.String("uri", d.URI), slog.String("error", err.Error()))
		}
		patch = p
	}

	d.mu.Lock()
	if d.attempt.Load() != snap.attempt || d.generation != snap.generation {
		st := d.status
		d.mu.Unlock()
		recordSuperseded(ctx)
		b.logger.Debug("sync pass superseded", slog.String("uri", d.URI), slog.Uint64("attempt", snap.attempt))
		return st, fmt.Errorf("%w: %s attempt %d", ErrSyncSuperseded, d.URI, snap.attempt)
	}
	sessionID := d.SessionID

	if res.manual() {
		info := &ConflictInfo{
			Regions:    res.regions,
			Severity:   res.detection.Severity,
			Strategy:   res.strategy,
			Patch:      patch,
			Reason:     res.outcome.Reason.Error(),
			DetectedAt: time.Now(),
		}
		d.IsInConflict = true
		d.ConflictResolutionAttempts++
		d.status = StatusInConflict
		d.conflict = info
		d.override = ""
		d.mu.Unlock()

		recordConflict(ctx, string(res.detection.Severity), string(conflict.StrategyManual))
		ev := newEvent(EventConflictDetected, d.URI, sessionID)
		ev.Status = StatusInConflict
		ev.Strategy = res.strategy
		ev.Conflict = info
		ev.Message = info.Reason
		b.events.Emit(ev)
		b.logger.Warn("conflict needs a decision",
			slog.String("uri", d.URI),
			slog.String("severity", string(res.detection.Severity)),
			slog.Int("regions", len(res.regions)))
		return StatusInConflict, nil
	}

	var (
		ops         []crdt.Operation
		outbound    []lsp.TextDocumentContentChangeEvent
		translation CRDTTranslationResult
		version     int32
		applyErr    error
	)
	if res.collaborationWins() {
		if d.lspText != d.crdtText {
			outbound = []lsp.TextDocumentContentChangeEvent{lsp.FullReplacement(d.crdtText)}
		}
	} else {
		for i := len(res.plan.patches) - 1; i >= 0; i-- {
			pt := res.plan.patches[i]
			out, err := d.doc.LocalReplace(pt.start, pt.end, pt.text)
			ops = append(ops, out...)
			if err != nil {
				applyErr = err
				break
			}
		}
		if len(ops) > 0 {
			d.touch()
		}
		if d.crdtText != res.plan.merged && applyErr == nil {
			b.logger.Error("replica diverged from the reconciled text", slog.String("uri", d.URI))
		}
		translation = TranslateCRDTToLSP(snap.lspText, d.crdtText, snap.crdtOps)
		outbound = translation.LSPChanges
	}
	if len(outbound) > 0 {
		version = d.bumpLSPVersion()
	}

	final := d.crdtText
	d.lspText = final
	d.PendingChanges = nil
	d.syncedText = final
	d.syncedVector = d.doc.Version()
	d.conflict = nil
	d.override = ""
	d.LastSyncTimestamp = time.Now()
	d.status = StatusSynchronized
	if res.detection.HasConflict {
		d.ConflictResolutionAttempts++
	} else {
		d.ConflictResolutionAttempts = 0
	}
	d.generation++
	d.mu.Unlock()

	b.broadcast(ctx, sessionID, ops)
	if err := b.notifyLSP(d.URI, version, outbound); err != nil {
		b.logger.Warn("lsp update failed", slog.String("uri", d.URI), slog.String("error", err.Error()))
	}

	elapsed := time.Since(start)
	b.state.recordSync(elapsed, res.detection.HasConflict)
	b.record(sessionID, start, "sync")

	if len(translation.Warnings) > 0 {
		ev := newEvent(EventTranslationLossy, d.URI, sessionID)
		ev.Warnings = translation.Warnings
		b.events.Emit(ev)
	}
	if res.detection.HasConflict {
		recordConflict(ctx, string(res.detection.Severity), string(res.outcome.Applied))
		ev := newEvent(EventConflictResolved, d.URI, sessionID)
		ev.Status = StatusSynchronized
		ev.Strategy = res.outcome.Applied
		b.events.Emit(ev)
	}
	ev := newEvent(EventSyncCompleted, d.URI, sessionID)
	ev.Status = StatusSynchronized
	b.events.Emit(ev)

	if applyErr != nil {
		return StatusSynchronized, fmt.Errorf("applying reconciled edits to %s: %w", d.URI, applyErr)
	}
	return StatusSynchronized, nil
}

// SyncWithRetry runs Sync and retries timeouts with exponential backoff.
//
// After max_sync_retries retries the document moves to Failed and a
// SyncFailed event is emitted. Other errors are returned without retry.
func (b *Bridge) SyncWithRetry(ctx context.Context, uri string) (SyncStatus, error) {
	d, err := b.document(uri)
	if err != nil {
		return "", err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.retryInterval
	eb.MaxInterval = 20 * b.retryInterval

	op := func() (SyncStatus, error) {
		st, err := b.syncPass(ctx, d)
		if err != nil && !errors.Is(err, ErrSyncTimeout) {
			return st, backoff.Permanent(err)
		}
		return st, err
	}
	st, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(b.Config().MaxSyncRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Info("retrying sync", slog.String("uri", uri), slog.Duration("backoff", next), slog.String("error", err.Error()))
		}),
	)
	if errors.Is(err, ErrSyncTimeout) {
		b.markFailed(d, err)
		return StatusFailed, fmt.Errorf("%w: %w", ErrDocumentFailed, err)
	}
	return st, err
}

func (b *Bridge) markFailed(d *DocumentSyncState, cause error) {
	d.mu.Lock()
	d.status = StatusFailed
	sessionID := d.SessionID
	d.mu.Unlock()

	ev := newEvent(EventSyncFailed, d.URI, sessionID)
	ev.Status = StatusFailed
	ev.Message = cause.Error()
	b.events.Emit(ev)
	b.logger.Error("document sync failed", slog.String("uri", d.URI), slog.String("error", cause.Error()))
}

// SyncAll syncs every open document in parallel and returns the error of
// each document, nil on success. A failing document never affects others.
func (b *Bridge) SyncAll(ctx context.Context) map[string]error {
	docs := b.state.list()
	results := make(map[string]error, len(docs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(syncAllLimit)
	for _, d := range docs {
		g.Go(func() error {
			_, err := b.SyncWithRetry(ctx, d.URI)
			mu.Lock()
			results[d.URI] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ResolveConflict settles a document in conflict.
//
// # Description
//
// A Decision with Content makes that text authoritative on both sides. A
// Decision with a Strategy runs one pass with that strategy and the
// attempt count cleared; if it escalates again the document stays in
// conflict.
func (b *Bridge) ResolveConflict(ctx context.Context, uri string, dec Decision) (SyncStatus, error) {
	d, err := b.document(uri)
	if err != nil {
		return "", err
	}
	if dec.Content != nil {
		return b.authoritative(ctx, d, dec.Content, true)
	}
	if !dec.Strategy.Valid() || dec.Strategy == conflict.StrategyManual {
		return "", fmt.Errorf("%w: strategy %q", ErrInvalidDecision, dec.Strategy)
	}

	d.mu.Lock()
	if !d.IsInConflict {
		st := d.status
		d.mu.Unlock()
		return st, fmt.Errorf("%w: %s", ErrNotInConflict, uri)
	}
	d.IsInConflict = false
	d.ConflictResolutionAttempts = 0
	d.override = dec.Strategy
	d.conflict = nil
	d.status = StatusSyncing
	d.mu.Unlock()

	return b.syncPass(ctx, d)
}

// Reset re-bootstraps uri from the replica: the LSP buffer is replaced by
// the replica content and pending changes are dropped. It is the way out
// of Failed.
func (b *Bridge) Reset(ctx context.Context, uri string) (SyncStatus, error) {
	d, err := b.document(uri)
	if err != nil {
		return "", err
	}
	return b.authoritative(ctx, d, nil, false)
}

// authoritative makes content, or the replica content when nil, the text
// of both sides and supersedes any pass in flight.
func (b *Bridge) authoritative(ctx context.Context, d *DocumentSyncState, content *string, requireConflict bool) (SyncStatus, error) {
	start := time.Now()

	d.mu.Lock()
	if requireConflict && !d.IsInConflict {
		st := d.status
		d.mu.Unlock()
		return st, fmt.Errorf("%w: %s", ErrNotInConflict, d.URI)
	}
	wasConflict := d.IsInConflict

	var ops []crdt.Operation
	if content != nil {
		out, err := d.doc.LocalReplace(0, d.doc.Len(), *content)
		ops = out
		if len(ops) > 0 {
			d.touch()
		}
		if err != nil {
			d.mu.Unlock()
			b.broadcast(ctx, d.SessionID, ops)
			return StatusOutOfSync, fmt.Errorf("applying decision to %s: %w", d.URI, err)
		}
	}

	text := d.crdtText
	var (
		outbound []lsp.TextDocumentContentChangeEvent
		version  int32
	)
	if d.lspText != text {
		outbound = []lsp.TextDocumentContentChangeEvent{lsp.FullReplacement(text)}
		version = d.bumpLSPVersion()
	}
	d.lspText = text
	d.PendingChanges = nil
	d.syncedText = text
	d.syncedVector = d.doc.Version()
	d.IsInConflict = false
	d.ConflictResolutionAttempts = 0
	d.conflict = nil
	d.override = ""
	d.status = StatusSynchronized
	d.LastSyncTimestamp = time.Now()
	d.generation++
	d.attempt.Add(1)
	sessionID := d.SessionID
	d.mu.Unlock()

	b.broadcast(ctx, sessionID, ops)
	if err := b.notifyLSP(d.URI, version, outbound); err != nil {
		b.logger.Warn("lsp update failed", slog.String("uri", d.URI), slog.String("error", err.Error()))
	}
	b.state.recordSync(time.Since(start), wasConflict)

	if wasConflict {
		ev := newEvent(EventConflictResolved, d.URI, sessionID)
		ev.Status = StatusSynchronized
		ev.Strategy = conflict.StrategyManual
		b.events.Emit(ev)
	}
	ev := newEvent(EventSyncCompleted, d.URI, sessionID)
	ev.Status = StatusSynchronized
	b.events.Emit(ev)
	return StatusSynchronized, nil
}
