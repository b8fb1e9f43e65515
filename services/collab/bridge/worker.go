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

	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
)

type taskKind int

const (
	taskLSPChange taskKind = iota
	taskRemoteOp
	taskSync
)

// task is one unit of work for a document worker.
type task struct {
	kind    taskKind
	version *int32
	changes []lsp.TextDocumentContentChangeEvent
	op      crdt.Operation
}

// runWorker drains d.inbox in batches until ctx is done. After a batch it
// syncs when AutoSync is on or a sync was requested.
func (b *Bridge) runWorker(ctx context.Context, d *DocumentSyncState) {
	defer b.wg.Done()
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.inbox:
			batch := []task{t}
		drain:
			for len(batch) < cap(d.inbox) {
				select {
				case t := <-d.inbox:
					batch = append(batch, t)
				default:
					break drain
				}
			}
			b.runBatch(ctx, d, batch)
		}
	}
}

func (b *Bridge) runBatch(ctx context.Context, d *DocumentSyncState, batch []task) {
	wantSync := b.autoSync
	for _, t := range batch {
		var err error
		switch t.kind {
		case taskLSPChange:
			err = b.DidChange(ctx, d.URI, t.version, t.changes)
		case taskRemoteOp:
			err = b.ApplyRemoteOperation(ctx, d.URI, t.op)
		case taskSync:
			wantSync = true
		}
		if err != nil {
			b.logger.Warn("document task failed", slog.String("uri", d.URI), slog.String("error", err.Error()))
		}
	}
	if !wantSync {
		return
	}
	if _, err := b.SyncWithRetry(ctx, d.URI); err != nil && !errors.Is(err, ErrSyncSuperseded) && ctx.Err() == nil {
		b.logger.Warn("background sync failed", slog.String("uri", d.URI), slog.String("error", err.Error()))
	}
}

func (b *Bridge) enqueue(ctx context.Context, uri string, t task) error {
	d, err := b.document(uri)
	if err != nil {
		return err
	}
	select {
	case d.inbox <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue for %s: %w", uri, ctx.Err())
	case <-b.ctx.Done():
		return ErrBridgeClosed
	}
}

// EnqueueLSPChange queues LSP change events for the document worker.
// Blocks while the inbox is full.
func (b *Bridge) EnqueueLSPChange(ctx context.Context, uri string, version *int32, changes []lsp.TextDocumentContentChangeEvent) error {
	return b.enqueue(ctx, uri, task{kind: taskLSPChange, version: version, changes: changes})
}

// EnqueueRemoteOperation queues a remote operation for the document worker.
func (b *Bridge) EnqueueRemoteOperation(ctx context.Context, uri string, op crdt.Operation) error {
	return b.enqueue(ctx, uri, task{kind: taskRemoteOp, op: op})
}

// RequestSync asks the document worker for a sync pass after its current
// batch.
func (b *Bridge) RequestSync(ctx context.Context, uri string) error {
	return b.enqueue(ctx, uri, task{kind: taskSync})
}
