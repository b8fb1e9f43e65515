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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Relay defaults.
const (
	DefaultSendBuffer   = 256
	DefaultHistoryLimit = 100000
	DefaultPingPeriod   = 30 * time.Second
	DefaultWriteWait    = 10 * time.Second
	DefaultMaxFrameSize = 1 << 20
)

// Query parameters of the relay endpoint.
const (
	ParamSession  = "session"
	ParamDocument = "document"
	ParamUser     = "user"
	ParamClient   = "client"
)

// HubOptions tunes a WSHub. Zero values use the defaults.
type HubOptions struct {
	SendBuffer   int
	HistoryLimit int
	PingPeriod   time.Duration
	WriteWait    time.Duration
	MaxFrameSize int64
	Logger       *slog.Logger
}

// wsConn is one relay connection.
type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	userID    string
	clientID  string
	closeOnce sync.Once
}

// room is the relay state of one session.
type room struct {
	conns   map[string]*wsConn
	history [][]byte
}

// WSHub relays operation frames between the websocket clients of each
// session and replays the session history to late joiners.
//
// # Description
//
// Clients connect with the session, document, user and client query
// parameters. The session is created on first join. Every operation frame
// is stored and forwarded to the other clients of the session. A client
// whose send buffer fills is disconnected and can reconnect to catch up
// from the history.
//
// # Thread Safety
//
// Safe for concurrent use.
type WSHub struct {
	sessions *session.Manager
	opts     HubOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// NewWSHub creates a relay recording membership in sessions.
func NewWSHub(sessions *session.Manager, opts HubOptions) *WSHub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WSHub{
		sessions: sessions,
		opts:     opts,
		logger:   opts.Logger.With(slog.String("component", "ws_hub")),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		rooms: make(map[string]*room),
	}
}

// Handle is the gin handler of the relay endpoint.
func (h *WSHub) Handle(c *gin.Context) {
	sessionID := c.Query(ParamSession)
	documentID := c.Query(ParamDocument)
	userID := c.Query(ParamUser)
	clientID := c.Query(ParamClient)
	if sessionID == "" || userID == "" || clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session, user and client are required"})
		return
	}

	if err := h.join(sessionID, documentID, userID, clientID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		h.leave(sessionID, userID)
		return
	}

	wc := &wsConn{
		conn:      ws,
		send:      make(chan []byte, h.opts.SendBuffer),
		sessionID: sessionID,
		userID:    userID,
		clientID:  clientID,
	}
	backlog := h.register(wc)
	recordConnection(c.Request.Context(), 1)
	h.logger.Info("relay client connected",
		slog.String("session", sessionID),
		slog.String("user", userID),
		slog.String("client", clientID),
		slog.Int("backlog", len(backlog)))

	go h.writePump(wc, backlog)
	h.readPump(wc)
}

// join records the participant, creating the session if needed.
func (h *WSHub) join(sessionID, documentID, userID, clientID string) error {
	if _, ok := h.sessions.Session(sessionID); !ok {
		if documentID == "" {
			documentID = sessionID
		}
		if err := h.sessions.CreateSession(sessionID, documentID); err != nil && !errors.Is(err, session.ErrSessionExists) {
			return err
		}
	}
	return h.sessions.AddUserToSession(sessionID, userID, clientID)
}

func (h *WSHub) leave(sessionID, userID string) {
	if err := h.sessions.RemoveUserFromSession(sessionID, userID); err != nil {
		h.logger.Debug("participant already gone", slog.String("session", sessionID), slog.String("user", userID))
	}
}

// register adds wc to its room and returns the history to replay. A
// previous connection of the same client is replaced.
func (h *WSHub) register(wc *wsConn) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[wc.sessionID]
	if !ok {
		r = &room{conns: make(map[string]*wsConn)}
		h.rooms[wc.sessionID] = r
	}
	if old, ok := r.conns[wc.clientID]; ok {
		old.stop()
	}
	r.conns[wc.clientID] = wc
	return append([][]byte(nil), r.history...)
}

// unregister removes wc and reports whether another connection of the
// same client has replaced it.
func (h *WSHub) unregister(wc *wsConn) bool {
	h.mu.Lock()
	replaced := false
	if r, ok := h.rooms[wc.sessionID]; ok {
		cur, ok := r.conns[wc.clientID]
		switch {
		case ok && cur == wc:
			delete(r.conns, wc.clientID)
		case ok:
			replaced = true
		}
	}
	h.mu.Unlock()
	wc.stop()
	return replaced
}

// stop closes the send channel once. Callers hold the hub lock or own wc.
func (wc *wsConn) stop() {
	wc.closeOnce.Do(func() { close(wc.send) })
}

func (h *WSHub) readPump(wc *wsConn) {
	defer func() {
		replaced := h.unregister(wc)
		_ = wc.conn.Close()
		if !replaced {
			h.leave(wc.sessionID, wc.userID)
		}
		recordConnection(context.Background(), -1)
		h.logger.Info("relay client disconnected", slog.String("session", wc.sessionID), slog.String("client", wc.clientID))
	}()

	wc.conn.SetReadLimit(h.opts.MaxFrameSize)
	_ = wc.conn.SetReadDeadline(time.Now().Add(h.pongWait()))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(h.pongWait()))
	})

	for {
		_, msg, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("relay read failed", slog.String("client", wc.clientID), slog.String("error", err.Error()))
			}
			return
		}
		if err := h.relay(wc, msg); err != nil {
			h.logger.Warn("relay frame rejected", slog.String("client", wc.clientID), slog.String("error", err.Error()))
			h.reject(wc, err)
		}
	}
}

// relay validates an inbound frame, appends it to the history and fans it
// out to the other clients of the room.
func (h *WSHub) relay(from *wsConn, msg []byte) error {
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	if f.Type != FrameOperation || f.Op == nil {
		return fmt.Errorf("%w: type %q", ErrInvalidFrame, f.Type)
	}
	if f.SessionID != from.sessionID {
		return fmt.Errorf("%w: %s on a %s connection", ErrUnknownSession, f.SessionID, from.sessionID)
	}
	if err := f.Op.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	f.ClientID = from.clientID
	out, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	h.mu.Lock()
	r := h.rooms[from.sessionID]
	if r == nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, from.sessionID)
	}
	r.history = append(r.history, out)
	if over := len(r.history) - h.opts.HistoryLimit; over > 0 {
		r.history = append([][]byte(nil), r.history[over:]...)
		h.logger.Warn("relay history truncated; late joiners may miss operations", slog.String("session", from.sessionID))
	}
	delivered := 0
	for id, wc := range r.conns {
		if id == from.clientID {
			continue
		}
		select {
		case wc.send <- out:
			delivered++
		default:
			delete(r.conns, id)
			wc.stop()
			recordDropped(context.Background())
			h.logger.Warn("relay client too slow, disconnecting", slog.String("client", id))
		}
	}
	h.mu.Unlock()

	recordRelayed(context.Background(), "websocket", delivered)
	return nil
}

func (h *WSHub) reject(wc *wsConn, cause error) {
	out, err := json.Marshal(Frame{Type: FrameError, SessionID: wc.sessionID, Error: cause.Error()})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[wc.sessionID]; r == nil || r.conns[wc.clientID] != wc {
		return
	}
	select {
	case wc.send <- out:
	default:
	}
}

func (h *WSHub) writePump(wc *wsConn, backlog [][]byte) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = wc.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = wc.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
		return wc.conn.WriteMessage(kind, data)
	}
	for _, msg := range backlog {
		if err := write(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	for {
		select {
		case msg, ok := <-wc.send:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WSHub) pongWait() time.Duration {
	return h.opts.PingPeriod * 2
}

// Connections returns the number of clients connected to sessionID.
func (h *WSHub) Connections(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[sessionID]; ok {
		return len(r.conns)
	}
	return 0
}

// Forget drops the room of sessionID and disconnects its clients.
func (h *WSHub) Forget(sessionID string) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	for _, wc := range r.conns {
		wc.stop()
	}
}

// HistoryLen returns the number of stored frames of sessionID.
func (h *WSHub) HistoryLen(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[sessionID]; ok {
		return len(r.history)
	}
	return 0
}
