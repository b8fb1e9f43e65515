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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/collabcore/services/collab/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelay(t *testing.T, opts HubOptions) (*WSHub, *session.Manager, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sessions := session.NewManager(nil)
	hub := NewWSHub(sessions, opts)

	r := gin.New()
	r.GET("/ws", hub.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, sessions, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, endpoint, user, client string) *WSClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, endpoint, Identity{SessionID: "s1", DocumentID: "doc", UserID: user, ClientID: client}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWSRelay_RoundTrip(t *testing.T) {
	hub, sessions, endpoint := newRelay(t, HubOptions{})
	ctx := context.Background()

	alice := dial(t, endpoint, "alice", "ca")
	bob := dial(t, endpoint, "bob", "cb")
	require.Eventually(t, func() bool { return hub.Connections("s1") == 2 }, 2*time.Second, 5*time.Millisecond)

	s, ok := sessions.Session("s1")
	require.True(t, ok)
	assert.Equal(t, "doc", s.DocumentID)
	assert.Equal(t, map[string]string{"alice": "ca", "bob": "cb"}, s.Participants)

	aliceOps, cancelA, err := alice.Subscribe("s1", "ca")
	require.NoError(t, err)
	defer cancelA()
	bobOps, cancelB, err := bob.Subscribe("s1", "cb")
	require.NoError(t, err)
	defer cancelB()

	op := opFrom("ca", 1, "hello")
	require.NoError(t, alice.Broadcast(ctx, "s1", op))
	got := receive(t, bobOps)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, op.Clock, got.Clock)
	assertSilent(t, aliceOps)

	reply := opFrom("cb", 1, "hi")
	require.NoError(t, bob.Broadcast(ctx, "s1", reply))
	assert.Equal(t, reply.ID, receive(t, aliceOps).ID)
	assert.Equal(t, 2, hub.HistoryLen("s1"))
}

func TestWSRelay_LateJoinerReplaysHistory(t *testing.T) {
	hub, _, endpoint := newRelay(t, HubOptions{HistoryLimit: 2})
	ctx := context.Background()

	alice := dial(t, endpoint, "alice", "ca")
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, alice.Broadcast(ctx, "s1", opFrom("ca", i, "x")))
	}
	require.Eventually(t, func() bool { return hub.HistoryLen("s1") == 2 }, 2*time.Second, 5*time.Millisecond)

	carol := dial(t, endpoint, "carol", "cc")
	ops, cancel, err := carol.Subscribe("s1", "cc")
	require.NoError(t, err)
	defer cancel()
	assert.Equal(t, "ca:2", receive(t, ops).ID)
	assert.Equal(t, "ca:3", receive(t, ops).ID)
}

func TestWSRelay_Rejections(t *testing.T) {
	_, _, endpoint := newRelay(t, HubOptions{})

	resp, err := http.Get("http" + strings.TrimPrefix(endpoint, "ws") + "?session=s1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	alice := dial(t, endpoint, "alice", "ca")
	err = alice.Broadcast(context.Background(), "other", opFrom("ca", 1, "x"))
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, _, err = alice.Subscribe("s1", "someone-else")
	assert.ErrorIs(t, err, ErrUnknownSession)
	_, cancel, err := alice.Subscribe("s1", "ca")
	require.NoError(t, err)
	defer cancel()
	_, _, err = alice.Subscribe("s1", "ca")
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	// A malformed frame is answered with an error frame and the
	// connection stays usable.
	raw, _, err := websocket.DefaultDialer.Dial(endpoint+"?session=s1&user=mallory&client=cm", nil)
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"type":"op","session_id":"s1","op":{"kind":"insert","op_id":""}}`)))
	var f Frame
	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, raw.ReadJSON(&f))
	assert.Equal(t, FrameError, f.Type)
	assert.NotEmpty(t, f.Error)
}

func TestWSRelay_DisconnectLeavesSession(t *testing.T) {
	hub, sessions, endpoint := newRelay(t, HubOptions{})

	alice := dial(t, endpoint, "alice", "ca")
	_ = dial(t, endpoint, "bob", "cb")
	require.Eventually(t, func() bool { return hub.Connections("s1") == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Close())
	<-alice.Done()
	require.Eventually(t, func() bool {
		p, ok := sessions.GetSessionParticipants("s1")
		_, present := p["alice"]
		return ok && !present && hub.Connections("s1") == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, alice.Broadcast(context.Background(), "s1", opFrom("ca", 1, "x")), ErrClosed)
}
