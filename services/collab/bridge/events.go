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
	"sync/atomic"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/lsp"
	"github.com/google/uuid"
)

// EventKind classifies a BridgeEvent.
type EventKind string

const (
	EventDocumentOpened    EventKind = "document_opened"
	EventDocumentClosed    EventKind = "document_closed"
	EventSyncCompleted     EventKind = "sync_completed"
	EventConflictDetected  EventKind = "conflict_detected"
	EventConflictResolved  EventKind = "conflict_resolved"
	EventOperationRejected EventKind = "operation_rejected"
	EventTranslationLossy  EventKind = "translation_lossy"
	EventOutOfSync         EventKind = "out_of_sync"
	EventSyncFailed        EventKind = "sync_failed"
	EventPayload           EventKind = "payload"
)

// BridgeEvent reports a state change to the UI layer.
type BridgeEvent struct {
	ID        string     `json:"id"`
	Kind      EventKind  `json:"kind"`
	URI       string     `json:"uri"`
	SessionID string     `json:"session_id,omitempty"`
	Status    SyncStatus `json:"status,omitempty"`
	Time      time.Time  `json:"time"`

	Strategy conflict.Strategy `json:"strategy,omitempty"`
	Conflict *ConflictInfo     `json:"conflict,omitempty"`
	Payload  *lsp.Payload      `json:"payload,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Message  string            `json:"message,omitempty"`
}

func newEvent(kind EventKind, uri, sessionID string) BridgeEvent {
	return BridgeEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		URI:       uri,
		SessionID: sessionID,
		Time:      time.Now(),
	}
}

// EventSink receives bridge events. Emit must not block.
type EventSink interface {
	Emit(ev BridgeEvent)
}

type nopSink struct{}

func (nopSink) Emit(BridgeEvent) {}

// ChannelSink buffers events on a channel and drops them when the reader
// falls behind.
type ChannelSink struct {
	ch      chan BridgeEvent
	dropped atomic.Int64
}

// NewChannelSink creates a sink buffering up to size events.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 256
	}
	return &ChannelSink{ch: make(chan BridgeEvent, size)}
}

// Emit implements EventSink.
func (s *ChannelSink) Emit(ev BridgeEvent) {
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side.
func (s *ChannelSink) Events() <-chan BridgeEvent {
	return s.ch
}

// Dropped returns the number of events lost to a full buffer.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}
