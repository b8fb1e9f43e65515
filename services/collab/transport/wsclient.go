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
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/crdt"
	"github.com/gorilla/websocket"
)

// Identity names the participant behind a WSClient connection.
type Identity struct {
	SessionID  string
	DocumentID string
	UserID     string
	ClientID   string
}

// WSClient is a Transport over one relay connection. It serves exactly one
// session and one subscriber.
//
// # Thread Safety
//
// Safe for concurrent use.
type WSClient struct {
	id     Identity
	conn   *websocket.Conn
	logger *slog.Logger

	wmu       sync.Mutex
	incoming  chan crdt.Operation
	taken     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at endpoint, a ws:// or wss:// URL of the
// relay handler.
func Dial(ctx context.Context, endpoint string, id Identity, logger *slog.Logger) (*WSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set(ParamSession, id.SessionID)
	q.Set(ParamDocument, id.DocumentID)
	q.Set(ParamUser, id.UserID)
	q.Set(ParamClient, id.ClientID)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &WSClient{
		id:       id,
		conn:     conn,
		logger:   logger.With(slog.String("component", "ws_client"), slog.String("client", id.ClientID)),
		incoming: make(chan crdt.Operation, DefaultSubscriberBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Broadcast implements Transport.
func (c *WSClient) Broadcast(ctx context.Context, sessionID string, op crdt.Operation) error {
	if sessionID != c.id.SessionID {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	data, err := json.Marshal(Frame{Type: FrameOperation, SessionID: sessionID, ClientID: c.id.ClientID, Op: &op})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(DefaultWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", op.ID, err)
	}
	recordRelayed(ctx, "websocket_client", 1)
	return nil
}

// Subscribe implements Transport. Operations received before the call are
// buffered and delivered first.
func (c *WSClient) Subscribe(sessionID, clientID string) (<-chan crdt.Operation, func(), error) {
	if sessionID != c.id.SessionID || clientID != c.id.ClientID {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrUnknownSession, sessionID, clientID)
	}
	if !c.taken.CompareAndSwap(false, true) {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, clientID)
	}
	return c.incoming, func() { _ = c.Close() }, nil
}

// Done is closed when the connection ends.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and releases the connection.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// readLoop is the only writer of incoming and closes it on exit.
func (c *WSClient) readLoop() {
	defer close(c.incoming)
	defer func() { _ = c.Close() }()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("relay connection ended", slog.String("error", err.Error()))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.logger.Warn("undecodable relay frame", slog.String("error", err.Error()))
			continue
		}
		switch f.Type {
		case FrameOperation:
			if f.Op == nil {
				continue
			}
			select {
			case c.incoming <- *f.Op:
			case <-c.done:
				return
			}
		case FrameError:
			c.logger.Warn("relay rejected a frame", slog.String("error", f.Error))
		}
	}
}
