/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package wsserver

import (
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/gorilla/websocket"

	"github.com/folderindex/folderd/pkg/fmdm"
)

// egressDepth bounds the per-session write queue. A client that cannot
// drain this many frames is dropped from broadcasts rather than allowed
// to stall the publisher.
const egressDepth = 64

const writeTimeout = 10 * time.Second

// session is one WebSocket client connection. A read pump and a write
// pump serve it; all outbound frames funnel through egress so per-client
// ordering is the enqueue ordering.
type session struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time

	egress chan []byte
	done   chan struct{}

	mu          sync.Mutex
	clientType  fmdm.ClientType
	initialized bool
	closed      bool
}

func newSession(id string, conn *websocket.Conn) *session {
	return &session{
		id:          id,
		conn:        conn,
		connectedAt: time.Now(),
		clientType:  fmdm.ClientTypeUnknown,
		egress:      make(chan []byte, egressDepth),
		done:        make(chan struct{}),
	}
}

func (s *session) info() fmdm.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmdm.ClientInfo{
		ID:          s.id,
		Type:        s.clientType,
		ConnectedAt: s.connectedAt,
		Initialized: s.initialized,
	}
}

func (s *session) markInitialized(clientType fmdm.ClientType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientType = clientType
	s.initialized = true
}

func (s *session) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// enqueue hands a frame to the write pump. It never blocks: a full queue
// or a closed session drops the frame and reports false.
func (s *session) enqueue(frame []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	select {
	case s.egress <- frame:
		return true
	default:
		log.L.Warnf("client %s egress queue full, dropping frame", s.id)
		return false
	}
}

// close tears the transport down. Safe to call from any pump and from
// the server; only the first call acts.
func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.conn.Close()
}

// closeGracefully sends a close frame before tearing down. WriteControl
// is safe concurrently with the write pump.
func (s *session) closeGracefully(reason string) {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	s.close()
}

// writePump drains egress onto the wire. It owns all writes to the
// connection, which gorilla requires to come from one goroutine.
func (s *session) writePump() {
	for {
		select {
		case frame := <-s.egress:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.L.WithError(err).Debugf("write to client %s failed", s.id)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}
