// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/collabcore/services/collab/crdt"
)

// DefaultSubscriberBuffer is the channel capacity of each subscription.
const DefaultSubscriberBuffer = 256

// subscriber is one client's delivery channel.
//
// Senders hold mu for reading while they wait on ch, so close can take the
// write lock once done has released them.
type subscriber struct {
	clientID string
	ch       chan crdt.Operation
	done     chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newSubscriber(clientID string, size int) *subscriber {
	return &subscriber{
		clientID: clientID,
		ch:       make(chan crdt.Operation, size),
		done:     make(chan struct{}),
	}
}

// send blocks until op is queued, the subscriber closes or ctx ends.
func (s *subscriber) send(ctx context.Context, op crdt.Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.ch <- op:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// MemoryHub fans operations out to in-process subscribers.
//
// # Thread Safety
//
// Safe for concurrent use. Broadcast applies back pressure: it waits for
// slow subscribers rather than dropping operations.
type MemoryHub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*subscriber
	buffer int
	closed bool
	logger *slog.Logger
}

// NewMemoryHub creates a hub. A buffer below 1 uses DefaultSubscriberBuffer.
func NewMemoryHub(buffer int, logger *slog.Logger) *MemoryHub {
	if buffer < 1 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		subs:   make(map[string]map[string]*subscriber),
		buffer: buffer,
		logger: logger.With(slog.String("component", "memory_hub")),
	}
}

// Subscribe implements Transport.
func (h *MemoryHub) Subscribe(sessionID, clientID string) (<-chan crdt.Operation, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, ErrClosed
	}
	clients, ok := h.subs[sessionID]
	if !ok {
		clients = make(map[string]*subscriber)
		h.subs[sessionID] = clients
	}
	if _, ok := clients[clientID]; ok {
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrAlreadySubscribed, clientID, sessionID)
	}
	sub := newSubscriber(clientID, h.buffer)
	clients[clientID] = sub
	h.logger.Debug("subscribed", slog.String("session", sessionID), slog.String("client", clientID))

	cancel := func() {
		h.mu.Lock()
		if cur, ok := h.subs[sessionID][clientID]; ok && cur == sub {
			delete(h.subs[sessionID], clientID)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
		}
		h.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

// Broadcast implements Transport.
func (h *MemoryHub) Broadcast(ctx context.Context, sessionID string, op crdt.Operation) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*subscriber, 0, len(h.subs[sessionID]))
	for id, sub := range h.subs[sessionID] {
		if id != op.Clock.ClientID {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		err := sub.send(ctx, op)
		switch {
		case err == nil:
			delivered++
		case ctx.Err() != nil:
			recordRelayed(ctx, "memory", delivered)
			return fmt.Errorf("broadcast %s: %w", op.ID, err)
		}
	}
	recordRelayed(ctx, "memory", delivered)
	return nil
}

// Close ends every subscription.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()

	for _, clients := range subs {
		for _, sub := range clients {
			sub.close()
		}
	}
}
