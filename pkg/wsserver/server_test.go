/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package wsserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/lifecycle"
	"github.com/folderindex/folderd/pkg/protocol"
)

type stubOps struct{}

func (stubOps) ValidateFolder(path string) lifecycle.ValidationResult {
	return lifecycle.ValidationResult{Path: path, Valid: true}
}
func (stubOps) AddFolder(path, model string) error { return nil }
func (stubOps) RemoveFolder(path string) error     { return nil }
func (stubOps) ListModels() protocol.ModelsList {
	return protocol.ModelsList{Backend: map[string]string{}, Cached: false}
}

func startServer(t *testing.T) (*Server, *fmdm.Store) {
	store := fmdm.NewStore("test")
	srv := NewServer(Opt{Host: "127.0.0.1", Port: 0, Store: store, Ops: stubOps{}})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, store
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func messageType(t *testing.T, msg map[string]json.RawMessage) string {
	var typ string
	require.NoError(t, json.Unmarshal(msg["type"], &typ))
	return typ
}

func initClient(t *testing.T, conn *websocket.Conn) string {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"connection.init","payload":{"clientType":"tui"}}`)))

	ack := readMessage(t, conn)
	require.Equal(t, protocol.TypeConnectionAck, messageType(t, ack))
	var clientID string
	require.NoError(t, json.Unmarshal(ack["clientId"], &clientID))

	update := readMessage(t, conn)
	require.Equal(t, protocol.TypeFMDMUpdate, messageType(t, update))
	return clientID
}

func TestInitAckThenInitialSnapshot(t *testing.T) {
	srv, store := startServer(t)
	store.UpdateFolders([]fmdm.FolderEntry{
		{Path: "/data/docs", Model: "cpu:small", Status: fmdm.FolderStatusPending},
	})

	conn := dial(t, srv)
	clientID := initClient(t, conn)
	assert.NotEmpty(t, clientID)

	// The session shows up initialized in the FMDM client list.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		clients := store.GetSnapshot().Clients
		if len(clients) == 1 && clients[0].Initialized {
			assert.Equal(t, clientID, clients[0].ID)
			assert.Equal(t, fmdm.ClientTypeTUI, clients[0].Type)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client never appeared initialized in the snapshot")
}

func TestPingPongPreservesOrder(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv)
	initClient(t, conn)

	for i := 0; i < 5; i++ {
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping", "id": string(rune('a' + i))}))
	}
	for i := 0; i < 5; i++ {
		msg := readMessage(t, conn)
		require.Equal(t, protocol.TypePong, messageType(t, msg))
		var id string
		require.NoError(t, json.Unmarshal(msg["id"], &id))
		assert.Equal(t, string(rune('a'+i)), id, "pongs arrive in ping order")
	}
}

func TestBroadcastSkipsUninitializedSessions(t *testing.T) {
	srv, store := startServer(t)

	ready := dial(t, srv)
	initClient(t, ready)

	silent := dial(t, srv)
	// Wait until both sessions registered, then broadcast a change.
	deadline := time.Now().Add(2 * time.Second)
	for len(store.GetSnapshot().Clients) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, store.GetSnapshot().Clients, 2)

	srv.BroadcastFMDM(store.GetSnapshot())

	msg := readMessage(t, ready)
	assert.Equal(t, protocol.TypeFMDMUpdate, messageType(t, msg))

	silent.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := silent.ReadMessage()
	assert.Error(t, err, "uninitialized session receives no broadcast")
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	srv, _ := startServer(t)
	conn := dial(t, srv)
	initClient(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeError, messageType(t, msg))

	// Session survives the bad frame.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping", "id": "still-here"}))
	msg = readMessage(t, conn)
	assert.Equal(t, protocol.TypePong, messageType(t, msg))
}

func TestDisconnectUpdatesClientList(t *testing.T) {
	srv, store := startServer(t)
	conn := dial(t, srv)
	initClient(t, conn)
	require.Len(t, store.GetSnapshot().Clients, 1)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.GetSnapshot().Clients) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client list never emptied after disconnect")
}

func TestStopClosesSessions(t *testing.T) {
	store := fmdm.NewStore("test")
	srv := NewServer(Opt{Host: "127.0.0.1", Port: 0, Store: store, Ops: stubOps{}})
	require.NoError(t, srv.Start(context.Background()))

	conn := dial(t, srv)
	initClient(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection is closed after Stop")
}
