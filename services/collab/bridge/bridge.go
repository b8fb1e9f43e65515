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
	"sync/atomic"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/clock"
	"github.com/AleutianAI/collabcore/services/collab/config"
	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
	"github.com/AleutianAI/collabcore/services/collab/monitor"
)

// DefaultInboxSize bounds each document's task inbox.
const DefaultInboxSize = 128

// DefaultRetryInterval is the first backoff interval of SyncWithRetry.
const DefaultRetryInterval = 100 * time.Millisecond

// Options configures a Bridge. Only ClientID is required.
type Options struct {
	// ClientID identifies this replica in every operation it stamps.
	ClientID string

	Config config.BridgeConfig

	// AI is consulted by the ai_resolution strategy. May be nil.
	AI conflict.AIResolver

	// LSP receives buffer updates. May be nil.
	LSP LSPClient

	// Broadcaster receives every locally produced operation. May be nil.
	Broadcaster Broadcaster

	// Events receives bridge events. Nil discards them.
	Events EventSink

	// Monitor records operation latencies per session. May be nil.
	Monitor *monitor.PerformanceMonitor

	Logger *slog.Logger

	// AutoSync runs a sync pass after every batch a document worker drains.
	AutoSync bool

	InboxSize     int
	RetryInterval time.Duration
}

// Bridge synchronizes CRDT replicas with LSP buffers, one per open
// document.
//
// # Thread Safety
//
// Safe for concurrent use.
type Bridge struct {
	clientID string
	state    *SharedBridgeState

	cfg      atomic.Pointer[config.BridgeConfig]
	resolver atomic.Pointer[conflict.Resolver]

	ai          conflict.AIResolver
	lspClient   LSPClient
	broadcaster Broadcaster
	events      EventSink
	monitor     *monitor.PerformanceMonitor
	logger      *slog.Logger

	autoSync      bool
	inboxSize     int
	retryInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a bridge.
//
// # Outputs
//
//   - *Bridge: Ready for OpenDocument. Call Close to stop the workers.
//   - error: Non-nil if ClientID is empty or the config is invalid.
func New(opts Options) (*Bridge, error) {
	if opts.ClientID == "" {
		return nil, errors.New("bridge: client id is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = nopSink{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		clientID:      opts.ClientID,
		state:         NewSharedBridgeState(),
		ai:            opts.AI,
		lspClient:     opts.LSP,
		broadcaster:   opts.Broadcaster,
		events:        opts.Events,
		monitor:       opts.Monitor,
		logger:        opts.Logger.With(slog.String("component", "bridge"), slog.String("client", opts.ClientID)),
		autoSync:      opts.AutoSync,
		inboxSize:     opts.InboxSize,
		retryInterval: opts.RetryInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	b.storeConfig(opts.Config)
	return b, nil
}

func (b *Bridge) storeConfig(cfg config.BridgeConfig) {
	b.cfg.Store(&cfg)
	b.resolver.Store(conflict.NewResolver(cfg.ResolverConfig(), b.logger))
}

// Config returns the active configuration.
func (b *Bridge) Config() config.BridgeConfig {
	return *b.cfg.Load()
}

// SetConfig swaps the configuration. Passes already running keep the
// configuration they started with.
func (b *Bridge) SetConfig(cfg config.BridgeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b.storeConfig(cfg)
	return nil
}

// ClientID returns the replica id.
func (b *Bridge) ClientID() string {
	return b.clientID
}

// OpenDocument starts tracking uri with the given LSP version and text.
//
// # Description
//
// The replica is created from text, which must equal the session's shared
// initial content. The document starts in Syncing and the first pass moves
// it to Synchronized. A worker goroutine is started for queued tasks.
func (b *Bridge) OpenDocument(ctx context.Context, uri, sessionID string, version int32, text string) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	v := version
	d := newDocumentSyncState(uri, sessionID, b.clientID, &v, text, b.inboxSize)
	if !b.state.add(d) {
		return fmt.Errorf("%w: %s", ErrDocumentExists, uri)
	}

	wctx, cancel := context.WithCancel(b.ctx)
	d.cancel = cancel
	b.wg.Add(1)
	go b.runWorker(wctx, d)

	ev := newEvent(EventDocumentOpened, uri, sessionID)
	ev.Status = StatusSyncing
	b.events.Emit(ev)
	b.logger.Info("document opened", slog.String("uri", uri), slog.String("session", sessionID))

	if _, err := b.Sync(ctx, uri); err != nil {
		return fmt.Errorf("initial sync of %s: %w", uri, err)
	}
	return nil
}

// CloseDocument stops tracking uri and waits for its worker to exit.
func (b *Bridge) CloseDocument(uri string) error {
	d, ok := b.state.remove(uri)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, uri)
	}
	d.cancel()
	<-d.done

	b.events.Emit(newEvent(EventDocumentClosed, uri, d.SessionID))
	b.logger.Info("document closed", slog.String("uri", uri))
	return nil
}

// Close stops every document worker.
func (b *Bridge) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) document(uri string) (*DocumentSyncState, error) {
	d, ok := b.state.get(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, uri)
	}
	return d, nil
}

// Document returns a copy of the sync state of uri.
func (b *Bridge) Document(uri string) (DocumentInfo, bool) {
	d, ok := b.state.get(uri)
	if !ok {
		return DocumentInfo{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.info(), true
}

// Documents lists the open URIs, sorted.
func (b *Bridge) Documents() []string {
	docs := b.state.list()
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.URI
	}
	return out
}

// Health returns the aggregated health status.
func (b *Bridge) Health() BridgeHealthStatus {
	return b.state.snapshotHealth()
}

// ResetHealthCounters zeroes the health counters.
func (b *Bridge) ResetHealthCounters() {
	b.state.resetCounters()
}

// DidChange mirrors LSP change events into the pending queue.
//
// # Description
//
// A version at or below the recorded one is rejected with ErrStaleVersion.
// When the queue would exceed max_pending_changes it collapses into one
// full replacement of the mirrored buffer and the document moves to
// OutOfSync.
func (b *Bridge) DidChange(ctx context.Context, uri string, version *int32, changes []lsp.TextDocumentContentChangeEvent) error {
	start := time.Now()
	d, err := b.document(uri)
	if err != nil {
		return err
	}
	limit := b.Config().MaxPendingChanges

	d.mu.Lock()
	if version != nil && d.LSPVersion != nil && *version <= *d.LSPVersion {
		cur := *d.LSPVersion
		d.mu.Unlock()
		return fmt.Errorf("%w: %s version %d, have %d", ErrStaleVersion, uri, *version, cur)
	}
	text, err := lsp.ApplyChanges(d.lspText, changes)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrInvalidChange, err)
	}

	overflow := len(d.PendingChanges)+len(changes) > limit
	if overflow {
		d.PendingChanges = []lsp.TextDocumentContentChangeEvent{lsp.FullReplacement(text)}
	} else {
		d.PendingChanges = append(d.PendingChanges, changes...)
	}
	d.lspText = text
	if version != nil {
		v := *version
		d.LSPVersion = &v
	}
	d.touch()
	if overflow && !d.IsInConflict && d.status != StatusFailed {
		d.status = StatusOutOfSync
	}
	sessionID := d.SessionID
	d.mu.Unlock()

	if overflow {
		recordOverflow(ctx)
		ev := newEvent(EventOutOfSync, uri, sessionID)
		ev.Status = StatusOutOfSync
		ev.Message = fmt.Sprintf("pending changes exceeded %d, full resync scheduled", limit)
		b.events.Emit(ev)
		b.logger.Warn("pending lsp changes overflowed", slog.String("uri", uri), slog.Int("limit", limit))
	}
	b.record(sessionID, start, "lsp_change")
	return nil
}

// ApplyRemoteOperation delivers an operation from another replica.
//
// Operations wait in the causal queue until their context is satisfied.
// Rejected operations are dropped, logged and reported with an
// OperationRejected event; the error of the first one is returned.
func (b *Bridge) ApplyRemoteOperation(ctx context.Context, uri string, op crdt.Operation) error {
	start := time.Now()
	d, err := b.document(uri)
	if err != nil {
		return err
	}

	var rejections []error
	d.mu.Lock()
	ready := d.queue.Offer(op, d.doc.Version())
	applied := 0
	for _, r := range ready {
		if _, err := d.doc.ApplyOperation(r); err != nil {
			rejections = append(rejections, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		d.touch()
	}
	sessionID := d.SessionID
	d.mu.Unlock()

	for _, err := range rejections {
		b.logger.Warn("remote operation rejected", slog.String("uri", uri), slog.String("error", err.Error()))
		ev := newEvent(EventOperationRejected, uri, sessionID)
		ev.Message = err.Error()
		b.events.Emit(ev)
	}
	b.record(sessionID, start, "remote_op")
	if len(rejections) > 0 {
		return rejections[0]
	}
	return nil
}

// ApplyLocalEdit replaces deleteLen visible runes at pos with text on the
// replica and broadcasts the resulting operations.
func (b *Bridge) ApplyLocalEdit(ctx context.Context, uri string, pos, deleteLen int, text string) ([]crdt.Operation, error) {
	start := time.Now()
	d, err := b.document(uri)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	ops, err := d.doc.LocalReplace(pos, pos+deleteLen, text)
	if len(ops) > 0 {
		d.touch()
	}
	sessionID := d.SessionID
	d.mu.Unlock()

	b.broadcast(ctx, sessionID, ops)
	b.record(sessionID, start, "local_edit")
	return ops, err
}

// TranslateLSPToCRDT applies LSP change events directly to the replica,
// each as a delete and insert pair with fresh clocks, and broadcasts them.
//
// Ranges are resolved against the replica text as each change is applied.
func (b *Bridge) TranslateLSPToCRDT(ctx context.Context, uri string, changes []lsp.TextDocumentContentChangeEvent) ([]crdt.Operation, error) {
	d, err := b.document(uri)
	if err != nil {
		return nil, err
	}

	var ops []crdt.Operation
	d.mu.Lock()
	for i, ch := range changes {
		start, end := 0, d.doc.Len()
		if !ch.IsFull() {
			start, end, err = lsp.NewPositionConverter(d.doc.Content()).RangeToRunes(*ch.Range)
			if err != nil {
				err = fmt.Errorf("%w: change %d: %w", ErrInvalidChange, i, err)
				break
			}
		}
		var out []crdt.Operation
		out, err = d.doc.LocalReplace(start, end, ch.Text)
		ops = append(ops, out...)
		if err != nil {
			break
		}
	}
	if len(ops) > 0 {
		d.touch()
	}
	sessionID := d.SessionID
	d.mu.Unlock()

	b.broadcast(ctx, sessionID, ops)
	return ops, err
}

// Passthrough forwards an opaque language-server payload to collaborators
// when its kind is enabled. Reports whether it was forwarded.
func (b *Bridge) Passthrough(ctx context.Context, p lsp.Payload) bool {
	if !b.Config().PassthroughEnabled(p.Kind) {
		return false
	}
	var sessionID string
	if d, ok := b.state.get(p.URI); ok {
		sessionID = d.SessionID
	}
	ev := newEvent(EventPayload, p.URI, sessionID)
	ev.Payload = &p
	b.events.Emit(ev)
	return true
}

// Acknowledge records that replica has applied everything in vv.
func (b *Bridge) Acknowledge(uri, replica string, vv clock.VersionVector) error {
	d, err := b.document(uri)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.acks[replica]
	if !ok {
		cur = clock.NewVersionVector()
		d.acks[replica] = cur
	}
	cur.Merge(vv)
	return nil
}

// CollectGarbage compacts the operations every listed replica has
// acknowledged. A replica without an acknowledgement blocks compaction, as
// does an acknowledgement naming operations of its sender not yet applied
// here.
// Returns the number of operations purged.
func (b *Bridge) CollectGarbage(uri string, replicas []string) (int, error) {
	d, err := b.document(uri)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	acks := make(map[string]clock.VersionVector, len(replicas))
	for _, r := range replicas {
		if r == b.clientID {
			continue
		}
		ack, ok := d.acks[r]
		if !ok {
			return 0, nil
		}
		acks[r] = ack
	}
	n, err := d.doc.Compact(clock.StableFrontier(d.doc.Version(), acks))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Debug("compacted operation log", slog.String("uri", uri), slog.Int("purged", n))
	}
	return n, nil
}

func (b *Bridge) broadcast(ctx context.Context, sessionID string, ops []crdt.Operation) {
	if b.broadcaster == nil {
		return
	}
	for _, op := range ops {
		if err := b.broadcaster.Broadcast(ctx, sessionID, op); err != nil {
			b.logger.Warn("broadcast failed",
				slog.String("session", sessionID),
				slog.String("op", op.ID),
				slog.String("error", err.Error()))
		}
	}
}

func (b *Bridge) notifyLSP(uri string, version int32, changes []lsp.TextDocumentContentChangeEvent) error {
	if b.lspClient == nil || len(changes) == 0 {
		return nil
	}
	return b.lspClient.NotifyChange(uri, version, changes)
}

func (b *Bridge) record(sessionID string, start time.Time, opType string) {
	if b.monitor == nil {
		return
	}
	b.monitor.RecordOperation(sessionID, time.Since(start), opType)
}
