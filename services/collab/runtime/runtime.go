// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtime assembles one collaborating replica: a sync bridge, the
// session registry, the performance monitor, and a transport, with one
// inbound pump per joined session.
//
// Nothing here is global. A process may run several Runtimes against the
// same MemoryHub, which is how the tests stand up multiple replicas.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/collabcore/services/collab/bridge"
	"github.com/AleutianAI/collabcore/services/collab/config"
	"github.com/AleutianAI/collabcore/services/collab/conflict"
	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/AleutianAI/collabcore/services/collab/monitor"
	"github.com/AleutianAI/collabcore/services/collab/session"
	"github.com/AleutianAI/collabcore/services/collab/transport"
)

var (
	// ErrAlreadyJoined indicates the runtime already follows the session.
	ErrAlreadyJoined = errors.New("session already joined")

	// ErrNotJoined indicates the runtime does not follow the session.
	ErrNotJoined = errors.New("session not joined")

	// ErrClosed indicates the runtime was closed.
	ErrClosed = errors.New("runtime closed")
)

// Options configures a Runtime. Transport is required.
type Options struct {
	// UserID is the participant this replica edits for. Defaults to ClientID.
	UserID string

	// ClientID identifies the replica. Generated when empty.
	ClientID string

	Config    config.BridgeConfig
	Transport transport.Transport

	// Sessions is shared with the relay when the process runs one.
	// A private manager is created when nil.
	Sessions *session.Manager

	AI     conflict.AIResolver
	LSP    bridge.LSPClient
	Events bridge.EventSink

	// Registerer receives the monitor's collectors. Nil uses a private
	// registry.
	Registerer prometheus.Registerer

	AutoSync bool
	Logger   *slog.Logger
}

type membership struct {
	uri         string
	unsubscribe func()
	stop        context.CancelFunc
	done        chan struct{}
}

// Runtime is one replica joined to zero or more sessions, one document
// per session.
//
// # Thread Safety
//
// Safe for concurrent use.
type Runtime struct {
	userID   string
	clientID string

	bridge    *bridge.Bridge
	sessions  *session.Manager
	monitor   *monitor.PerformanceMonitor
	transport transport.Transport
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	joined map[string]*membership
	closed bool
}

// New builds a Runtime and its bridge.
func New(opts Options) (*Runtime, error) {
	if opts.Transport == nil {
		return nil, errors.New("runtime: transport is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = session.NewClientID()
	}
	if opts.UserID == "" {
		opts.UserID = opts.ClientID
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(opts.Logger)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}

	mon := monitor.NewPerformanceMonitor(opts.Registerer, opts.Config.MetricsWindow)
	b, err := bridge.New(bridge.Options{
		ClientID:    opts.ClientID,
		Config:      opts.Config,
		AI:          opts.AI,
		LSP:         opts.LSP,
		Broadcaster: opts.Transport,
		Events:      opts.Events,
		Monitor:     mon,
		Logger:      opts.Logger,
		AutoSync:    opts.AutoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("create bridge: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		userID:    opts.UserID,
		clientID:  opts.ClientID,
		bridge:    b,
		sessions:  opts.Sessions,
		monitor:   mon,
		transport: opts.Transport,
		logger:    opts.Logger.With(slog.String("component", "runtime"), slog.String("client", opts.ClientID)),
		ctx:       ctx,
		cancel:    cancel,
		joined:    make(map[string]*membership),
	}, nil
}

// ClientID returns the replica id stamped on every local operation.
func (r *Runtime) ClientID() string { return r.clientID }

// Bridge returns the replica's sync bridge.
func (r *Runtime) Bridge() *bridge.Bridge { return r.bridge }

// Sessions returns the session registry.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// Monitor returns the per-session performance monitor.
func (r *Runtime) Monitor() *monitor.PerformanceMonitor { return r.monitor }

// JoinSession follows sessionID with the document uri.
//
// # Description
//
// Registers the participant, subscribes to the session before opening the
// document so no operation broadcast after the open is missed, then starts
// a pump feeding inbound operations into the document's worker. text must
// be the session's shared initial content.
//
// # Outputs
//
//   - error: ErrAlreadyJoined, a transport error, or an OpenDocument error.
//     Nothing is left registered on failure.
func (r *Runtime) JoinSession(ctx context.Context, sessionID, uri string, version int32, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.joined[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyJoined, sessionID)
	}

	if err := r.sessions.AddUserToSession(sessionID, r.userID, r.clientID); err != nil {
		return err
	}
	if s, ok := r.sessions.Session(sessionID); ok && s.DocumentID == "" {
		_ = r.sessions.SetDocument(sessionID, uri)
	}

	inbound, unsubscribe, err := r.transport.Subscribe(sessionID, r.clientID)
	if err != nil {
		_ = r.sessions.RemoveUserFromSession(sessionID, r.userID)
		return fmt.Errorf("subscribe to %s: %w", sessionID, err)
	}
	if err := r.bridge.OpenDocument(ctx, uri, sessionID, version, text); err != nil {
		unsubscribe()
		_ = r.sessions.RemoveUserFromSession(sessionID, r.userID)
		return err
	}

	pctx, stop := context.WithCancel(r.ctx)
	m := &membership{uri: uri, unsubscribe: sync.OnceFunc(unsubscribe), stop: stop, done: make(chan struct{})}
	r.joined[sessionID] = m
	go r.pump(pctx, sessionID, m, inbound)

	r.logger.Info("joined session", slog.String("session", sessionID), slog.String("uri", uri))
	return nil
}

// pump hands inbound operations to the document worker until the
// subscription closes. Once the document is gone it unsubscribes so the
// transport stops holding operations for this replica.
func (r *Runtime) pump(ctx context.Context, sessionID string, m *membership, inbound <-chan crdt.Operation) {
	defer close(m.done)
	for op := range inbound {
		err := r.bridge.EnqueueRemoteOperation(ctx, m.uri, op)
		switch {
		case err == nil:
		case errors.Is(err, bridge.ErrDocumentNotFound), errors.Is(err, bridge.ErrBridgeClosed):
			r.logger.Debug("document closed, unsubscribing",
				slog.String("session", sessionID),
				slog.String("uri", m.uri))
			m.unsubscribe()
			return
		case ctx.Err() != nil:
			return
		default:
			r.logger.Warn("dropping inbound operation",
				slog.String("session", sessionID),
				slog.String("op", op.ID),
				slog.String("error", err.Error()))
		}
	}
}

// LeaveSession stops following sessionID and closes its document.
func (r *Runtime) LeaveSession(sessionID string) error {
	r.mu.Lock()
	m, ok := r.joined[sessionID]
	if ok {
		delete(r.joined, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotJoined, sessionID)
	}
	return r.leave(sessionID, m)
}

func (r *Runtime) leave(sessionID string, m *membership) error {
	m.stop()
	m.unsubscribe()
	<-m.done
	err := r.bridge.CloseDocument(m.uri)
	if errors.Is(err, bridge.ErrDocumentNotFound) {
		err = nil
	}
	if rerr := r.sessions.RemoveUserFromSession(sessionID, r.userID); rerr != nil && !errors.Is(rerr, session.ErrSessionNotFound) {
		err = errors.Join(err, rerr)
	}
	r.monitor.Forget(sessionID)
	r.logger.Info("left session", slog.String("session", sessionID))
	return err
}

// Joined returns the ids of the sessions this runtime follows.
func (r *Runtime) Joined() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.joined))
	for id := range r.joined {
		out = append(out, id)
	}
	return out
}

// DocumentURI returns the document followed in sessionID.
func (r *Runtime) DocumentURI(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.joined[sessionID]
	if !ok {
		return "", false
	}
	return m.uri, true
}

// Close leaves every session and stops the bridge. The transport is left
// to its owner.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	joined := r.joined
	r.joined = nil
	r.mu.Unlock()

	var errs []error
	for id, m := range joined {
		if err := r.leave(id, m); err != nil {
			errs = append(errs, err)
		}
	}
	r.cancel()
	r.bridge.Close()
	return errors.Join(errs...)
}
