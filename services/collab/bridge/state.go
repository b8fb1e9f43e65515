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
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/clock"
	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
)

// DocumentSyncState is the sync state of one open document.
//
// # Thread Safety
//
// Fields are guarded by mu except attempt, which is atomic so a sync pass
// can claim a new attempt number under the read lock.
type DocumentSyncState struct {
	URI       string
	SessionID string

	mu sync.RWMutex

	LSPVersion *int32

	// doc is the CRDT replica. crdtText caches its content so readers
	// under the read lock never trigger materialization.
	doc      *crdt.TextDocument
	crdtText string
	queue    *crdt.CausalQueue

	// PendingChanges is the bounded FIFO of LSP changes since the last
	// sync, each relative to the text produced by the previous one.
	PendingChanges []lsp.TextDocumentContentChangeEvent

	IsInConflict               bool
	ConflictResolutionAttempts int
	LastSyncTimestamp          time.Time

	status   SyncStatus
	conflict *ConflictInfo

	// override is a strategy chosen by ResolveConflict for the next pass.
	override conflict.Strategy

	// syncedText is the text both sides agreed on at the last commit and
	// syncedVector the replica version at that point.
	syncedText   string
	syncedVector clock.VersionVector

	// lspText mirrors the LSP buffer: syncedText with PendingChanges.
	lspText string

	// generation changes on every mutation of the replica or the mirror.
	generation uint64
	attempt    atomic.Uint64

	acks map[string]clock.VersionVector

	inbox  chan task
	cancel context.CancelFunc
	done   chan struct{}
}

func newDocumentSyncState(uri, sessionID, clientID string, version *int32, text string, inboxSize int) *DocumentSyncState {
	doc := crdt.WithContent(clientID, text)
	return &DocumentSyncState{
		URI:          uri,
		SessionID:    sessionID,
		LSPVersion:   version,
		doc:          doc,
		crdtText:     text,
		queue:        crdt.NewCausalQueue(),
		status:       StatusSyncing,
		syncedText:   text,
		syncedVector: doc.Version(),
		lspText:      text,
		acks:         make(map[string]clock.VersionVector),
		inbox:        make(chan task, inboxSize),
		done:         make(chan struct{}),
	}
}

// touch records a mutation. Callers hold the write lock.
func (d *DocumentSyncState) touch() {
	d.generation++
	d.crdtText = d.doc.Content()
	if d.status == StatusSynchronized {
		d.status = StatusSyncing
	}
}

// info copies the state. Callers hold at least the read lock.
func (d *DocumentSyncState) info() DocumentInfo {
	out := DocumentInfo{
		URI:                        d.URI,
		SessionID:                  d.SessionID,
		Status:                     d.status,
		IsInConflict:               d.IsInConflict,
		ConflictResolutionAttempts: d.ConflictResolutionAttempts,
		LastSyncTimestamp:          d.LastSyncTimestamp,
		PendingChanges:             len(d.PendingChanges),
		CRDTContent:                d.crdtText,
		LSPContent:                 d.lspText,
		Version:                    d.doc.Version(),
	}
	if d.LSPVersion != nil {
		v := *d.LSPVersion
		out.LSPVersion = &v
	}
	if d.conflict != nil {
		c := *d.conflict
		out.Conflict = &c
	}
	return out
}

// bumpLSPVersion advances the version after the bridge wrote to the LSP
// buffer. The editor echoes that write with the same version, which is
// then rejected as stale.
func (d *DocumentSyncState) bumpLSPVersion() int32 {
	next := int32(1)
	if d.LSPVersion != nil {
		next = *d.LSPVersion + 1
	}
	d.LSPVersion = &next
	return next
}

// SharedBridgeState owns every DocumentSyncState and the health counters.
//
// # Thread Safety
//
// Safe for concurrent use. The document map and the counters have separate
// locks; neither is held while a document lock is taken.
type SharedBridgeState struct {
	mu   sync.RWMutex
	docs map[string]*DocumentSyncState

	hmu    sync.Mutex
	health BridgeHealthStatus
}

// NewSharedBridgeState creates an empty state.
func NewSharedBridgeState() *SharedBridgeState {
	return &SharedBridgeState{docs: make(map[string]*DocumentSyncState)}
}

func (s *SharedBridgeState) get(uri string) (*DocumentSyncState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[uri]
	return d, ok
}

func (s *SharedBridgeState) add(d *DocumentSyncState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[d.URI]; ok {
		return false
	}
	s.docs[d.URI] = d
	return true
}

func (s *SharedBridgeState) remove(uri string) (*DocumentSyncState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[uri]
	if ok {
		delete(s.docs, uri)
	}
	return d, ok
}

// list returns the open documents sorted by URI.
func (s *SharedBridgeState) list() []*DocumentSyncState {
	s.mu.RLock()
	out := make([]*DocumentSyncState, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// recordSync counts a committed pass and folds its duration into the
// running average.
func (s *SharedBridgeState) recordSync(d time.Duration, resolved bool) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.health.DocumentsSynced++
	if resolved {
		s.health.ConflictsResolved++
	}
	ms := float64(d) / float64(time.Millisecond)
	s.health.AverageSyncTimeMs += (ms - s.health.AverageSyncTimeMs) / float64(s.health.DocumentsSynced)
}

func (s *SharedBridgeState) recordFailure() {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.health.SyncFailures++
}

func (s *SharedBridgeState) resetCounters() {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.health = BridgeHealthStatus{}
}

// snapshotHealth combines the counters with the current document statuses.
func (s *SharedBridgeState) snapshotHealth() BridgeHealthStatus {
	s.hmu.Lock()
	h := s.health
	s.hmu.Unlock()

	h.OverallStatus = StatusSynchronized
	for _, d := range s.list() {
		d.mu.RLock()
		st := d.status
		d.mu.RUnlock()

		h.ActiveDocuments++
		switch st {
		case StatusInConflict:
			h.DocumentsInConflict++
		case StatusFailed:
			h.DocumentsFailed++
		}
		if st.rank() > h.OverallStatus.rank() {
			h.OverallStatus = st
		}
	}
	return h
}
