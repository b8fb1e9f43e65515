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
	"time"

	"github.com/AleutianAI/collabcore/services/collab/clock"
	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
)

// SyncStatus is the synchronization state of a document.
type SyncStatus string

const (
	// StatusSynchronized means the replica and the LSP buffer agree.
	StatusSynchronized SyncStatus = "synchronized"

	// StatusSyncing means edits are waiting for the next pass.
	StatusSyncing SyncStatus = "syncing"

	// StatusOutOfSync means the pending queue overflowed and the next pass
	// treats the LSP buffer as a full replacement.
	StatusOutOfSync SyncStatus = "out_of_sync"

	// StatusInConflict means a conflict needs an external decision.
	// Automatic sync is halted until ResolveConflict.
	StatusInConflict SyncStatus = "in_conflict"

	// StatusFailed means sync retries were exhausted. Terminal until Reset.
	StatusFailed SyncStatus = "failed"
)

// rank orders statuses by how much attention they need.
func (s SyncStatus) rank() int {
	switch s {
	case StatusSyncing:
		return 1
	case StatusOutOfSync:
		return 2
	case StatusInConflict:
		return 3
	case StatusFailed:
		return 4
	default:
		return 0
	}
}

// LSPClient pushes content changes into the editor buffer.
//
// *lsp.Stream satisfies it.
type LSPClient interface {
	NotifyChange(uri string, version int32, changes []lsp.TextDocumentContentChangeEvent) error
}

// Broadcaster delivers locally produced operations to the other replicas
// of a session.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, op crdt.Operation) error
}

// Decision settles a document in conflict.
//
// Either Content is set, and becomes the text of both the replica and the
// LSP buffer, or Strategy names the automatic strategy to apply once.
type Decision struct {
	Strategy conflict.Strategy `json:"strategy,omitempty"`
	Content  *string           `json:"content,omitempty"`
}

// ConflictInfo describes an open conflict.
type ConflictInfo struct {
	Regions  []conflict.Region `json:"regions"`
	Severity conflict.Severity `json:"severity"`

	// Strategy is the strategy that escalated.
	Strategy conflict.Strategy `json:"strategy"`

	// Patch is a unified diff from the LSP side to the collaborative side.
	Patch string `json:"patch,omitempty"`

	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detected_at"`
}

// CRDTTranslationResult carries replica changes in LSP shape.
type CRDTTranslationResult struct {
	LSPChanges []lsp.TextDocumentContentChangeEvent `json:"lsp_changes"`

	// TranslationConfidence is 1 when at most one operation contributed
	// and lower when several were coalesced into one change.
	TranslationConfidence float64 `json:"translation_confidence"`

	Warnings []string `json:"warnings,omitempty"`
}

// BridgeHealthStatus aggregates sync outcomes across documents.
//
// Counters only grow until ResetHealthCounters.
type BridgeHealthStatus struct {
	DocumentsSynced   uint64  `json:"documents_synced"`
	ConflictsResolved uint64  `json:"conflicts_resolved"`
	SyncFailures      uint64  `json:"sync_failures"`
	AverageSyncTimeMs float64 `json:"average_sync_time_ms"`

	ActiveDocuments     int `json:"active_documents"`
	DocumentsInConflict int `json:"documents_in_conflict"`
	DocumentsFailed     int `json:"documents_failed"`

	// OverallStatus is the most severe document status.
	OverallStatus SyncStatus `json:"overall_status"`
}

// DocumentInfo is a point-in-time copy of a document's sync state.
type DocumentInfo struct {
	URI                        string              `json:"uri"`
	SessionID                  string              `json:"session_id"`
	LSPVersion                 *int32              `json:"lsp_version"`
	Status                     SyncStatus          `json:"status"`
	IsInConflict               bool                `json:"is_in_conflict"`
	ConflictResolutionAttempts int                 `json:"conflict_resolution_attempts"`
	LastSyncTimestamp          time.Time           `json:"last_sync_timestamp"`
	PendingChanges             int                 `json:"pending_changes"`
	CRDTContent                string              `json:"crdt_content"`
	LSPContent                 string              `json:"lsp_content"`
	Version                    clock.VersionVector `json:"version"`
	Conflict                   *ConflictInfo       `json:"conflict,omitempty"`
}
