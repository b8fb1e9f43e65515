// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport moves CRDT operations between the replicas of a
// session.
//
// Delivery is at least once and unordered across origins. Receivers rely
// on the causal queue and operation ids of the crdt package to apply each
// operation exactly once in a causally valid order.
//
//	replica ──Broadcast──► hub ──► every other subscriber of the session
//
// Two implementations are provided. MemoryHub fans out in process. WSHub
// relays JSON frames between WSClient connections over gorilla/websocket
// and records membership in a session.Manager.
package transport

import (
	"context"
	"errors"

	"github.com/AleutianAI/collabcore/services/collab/crdt"
)

// Sentinel errors for transports.
var (
	// ErrClosed indicates the transport or subscription was closed.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownSession indicates a session the transport does not serve.
	ErrUnknownSession = errors.New("unknown session")

	// ErrAlreadySubscribed indicates a second subscription for a client.
	ErrAlreadySubscribed = errors.New("client already subscribed")

	// ErrInvalidFrame indicates a frame that could not be decoded.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Transport delivers operations to the other replicas of a session.
//
// Broadcast never delivers an operation back to the replica that
// produced it, identified by the client id of the operation's clock.
type Transport interface {
	Broadcast(ctx context.Context, sessionID string, op crdt.Operation) error

	// Subscribe returns the operations addressed to clientID. The channel
	// is closed after cancel is called or the transport shuts down.
	Subscribe(sessionID, clientID string) (<-chan crdt.Operation, func(), error)
}

// FrameType classifies a websocket frame.
type FrameType string

const (
	// FrameOperation carries one CRDT operation.
	FrameOperation FrameType = "op"

	// FrameError reports a relay failure to the client.
	FrameError FrameType = "error"
)

// Frame is the JSON message exchanged over a websocket.
type Frame struct {
	Type      FrameType       `json:"type"`
	SessionID string          `json:"session_id"`
	ClientID  string          `json:"client_id,omitempty"`
	Op        *crdt.Operation `json:"op,omitempty"`
	Error     string          `json:"error,omitempty"`
}
