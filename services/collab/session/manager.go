// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session tracks which users and clients take part in which
// collaborative document session.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for session membership.
var (
	// ErrSessionExists indicates CreateSession was called for a known id.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound indicates the session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrParticipantNotFound indicates the user is not in the session.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrInvalidID indicates an empty session, document, user or client id.
	ErrInvalidID = errors.New("invalid id")
)

// Session is a point-in-time copy of one session.
type Session struct {
	ID         string    `json:"session_id"`
	DocumentID string    `json:"document_id"`
	CreatedAt  time.Time `json:"created_at"`

	// Participants maps user id to the client id the user edits with.
	Participants map[string]string `json:"participants"`
}

type entry struct {
	documentID   string
	createdAt    time.Time
	participants map[string]string
}

// Manager holds the participant sets of all sessions.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates an empty manager. A nil logger uses slog.Default().
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*entry),
		logger:   logger,
		now:      time.Now,
	}
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewClientID returns a fresh random client id for a replica.
func NewClientID() string {
	return uuid.NewString()
}

// CreateSession registers a session for documentID.
//
// # Outputs
//
//   - error: ErrSessionExists if sessionID is already registered.
func (m *Manager) CreateSession(sessionID, documentID string) error {
	if sessionID == "" || documentID == "" {
		return fmt.Errorf("%w: session %q document %q", ErrInvalidID, sessionID, documentID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	m.sessions[sessionID] = m.newEntry(documentID)
	m.logger.Info("session created", "session_id", sessionID, "document_id", documentID)
	return nil
}

func (m *Manager) newEntry(documentID string) *entry {
	return &entry{
		documentID:   documentID,
		createdAt:    m.now(),
		participants: make(map[string]string),
	}
}

// AddUserToSession adds userID editing through clientID to the session,
// creating the session if it does not exist yet.
//
// # Description
//
// Idempotent. A user re-joining with a different client id is re-keyed to
// the new client.
func (m *Manager) AddUserToSession(sessionID, userID, clientID string) error {
	if sessionID == "" || userID == "" || clientID == "" {
		return fmt.Errorf("%w: session %q user %q client %q", ErrInvalidID, sessionID, userID, clientID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		// Implicitly created sessions have no document until CreateSession
		// or SetDocument names one.
		e = m.newEntry("")
		m.sessions[sessionID] = e
	}
	if prev, joined := e.participants[userID]; joined && prev == clientID {
		return nil
	}
	e.participants[userID] = clientID
	m.logger.Debug("participant joined",
		"session_id", sessionID,
		"user_id", userID,
		"client_id", clientID)
	return nil
}

// SetDocument names the document of an existing session.
func (m *Manager) SetDocument(sessionID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	e.documentID = documentID
	return nil
}

// RemoveUserFromSession removes userID from the session. Removing a user
// that is not a participant succeeds.
//
// # Outputs
//
//   - error: ErrSessionNotFound for an unknown session.
func (m *Manager) RemoveUserFromSession(sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if _, joined := e.participants[userID]; joined {
		delete(e.participants, userID)
		m.logger.Debug("participant left", "session_id", sessionID, "user_id", userID)
	}
	return nil
}

// GetSessionParticipants returns the user ids in the session, or false if
// the session is unknown.
func (m *Manager) GetSessionParticipants(sessionID string) (map[string]struct{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	out := make(map[string]struct{}, len(e.participants))
	for u := range e.participants {
		out[u] = struct{}{}
	}
	return out, true
}

// ClientID returns the client id userID edits the session with.
func (m *Manager) ClientID(sessionID, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	c, ok := e.participants[userID]
	if !ok {
		return "", fmt.Errorf("%w: %s in %s", ErrParticipantNotFound, userID, sessionID)
	}
	return c, nil
}

// ClientIDs returns the sorted client ids of all participants.
func (m *Manager) ClientIDs(sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]string, 0, len(e.participants))
	for _, c := range e.participants {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// Session returns a copy of the session.
func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	s := Session{
		ID:           sessionID,
		DocumentID:   e.documentID,
		CreatedAt:    e.createdAt,
		Participants: make(map[string]string, len(e.participants)),
	}
	for u, c := range e.participants {
		s.Participants[u] = c
	}
	return s, true
}

// Sessions returns the ids of all sessions, sorted.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReapEmpty removes sessions without participants and returns how many
// were removed.
func (m *Manager) ReapEmpty() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.sessions {
		if len(e.participants) == 0 {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Info("reaped empty sessions", "count", n)
	}
	return n
}
