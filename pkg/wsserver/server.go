/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package wsserver fans the FMDM out to WebSocket clients and feeds
// their requests into the protocol dispatcher. It binds loopback only.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/containerd/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/lifecycle"
	"github.com/folderindex/folderd/pkg/metrics/data"
	"github.com/folderindex/folderd/pkg/protocol"
)

// Ops is the request surface the daemon exposes to clients. The server
// supplies session handling (connection.init) itself and forwards the
// rest here.
type Ops interface {
	ValidateFolder(path string) lifecycle.ValidationResult
	AddFolder(path, model string) error
	RemoveFolder(path string) error
	ListModels() protocol.ModelsList
}

// Server accepts WebSocket sessions and broadcasts FMDM snapshots. One
// read pump and one write pump per session preserve per-client ordering.
type Server struct {
	host       string
	port       int
	store      *fmdm.Store
	dispatcher *protocol.Dispatcher

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	sessions map[string]*session
	stopped  bool

	wg sync.WaitGroup
}

type Opt struct {
	Host  string
	Port  int
	Store *fmdm.Store
	Ops   Ops
}

func NewServer(opt Opt) *Server {
	s := &Server{
		host:     opt.Host,
		port:     opt.Port,
		store:    opt.Store,
		sessions: make(map[string]*session),
	}
	s.dispatcher = protocol.NewDispatcher(&sessionHandler{server: s, ops: opt.Ops})
	return s
}

// sessionHandler splices the server's session bookkeeping into the
// dispatcher's handler surface.
type sessionHandler struct {
	server *Server
	ops    Ops
}

func (h *sessionHandler) InitClient(clientID string, clientType fmdm.ClientType) {
	h.server.initClient(clientID, clientType)
}

func (h *sessionHandler) ValidateFolder(path string) lifecycle.ValidationResult {
	return h.ops.ValidateFolder(path)
}

func (h *sessionHandler) AddFolder(path, model string) error {
	return h.ops.AddFolder(path, model)
}

func (h *sessionHandler) RemoveFolder(path string) error {
	return h.ops.RemoveFolder(path)
}

func (h *sessionHandler) ListModels() protocol.ModelsList {
	return h.ops.ListModels()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local daemon: any origin may connect, the remote address check
	// below is the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Start binds the listener and begins accepting sessions. It returns
// once the listener is ready; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen websocket on %s", addr)
	}

	s.mu.Lock()
	s.listener = listener
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.handleUpgrade)}
	s.mu.Unlock()

	log.G(ctx).Infof("websocket server listening on %s", addr)
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil &&
			err != http.ErrServerClosed && !errdefs.IsConnectionClosed(err) {
			log.L.WithError(err).Error("websocket server failed")
		}
	}()
	return nil
}

// Addr returns the bound listener address, for tests that start on an
// ephemeral port.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !remoteIsLoopback(r.RemoteAddr) {
		log.L.Warnf("rejected websocket connection from %s", r.RemoteAddr)
		http.Error(w, "loopback connections only", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.L.WithError(err).Debug("websocket upgrade failed")
		return
	}

	sess := newSession(xid.New().String(), conn)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		sess.closeGracefully("daemon shutting down")
		return
	}
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	data.ConnectedClients.Set(float64(count))
	log.L.Infof("client %s connected from %s", sess.id, r.RemoteAddr)
	s.publishClients()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		sess.writePump()
	}()
	go func() {
		defer s.wg.Done()
		s.readPump(sess)
	}()
}

func remoteIsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// readPump decodes frames from one session until the transport dies.
func (s *Server) readPump(sess *session) {
	defer s.dropSession(sess)

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.L.WithError(err).Debugf("client %s read failed", sess.id)
			}
			return
		}

		wasInitialized := sess.isInitialized()
		for _, reply := range s.dispatcher.Dispatch(sess.id, raw) {
			s.sendTo(sess, reply)
		}
		// connection.init just completed: the ack is queued, the first
		// snapshot follows it so the client never observes update-before-ack.
		if !wasInitialized && sess.isInitialized() {
			s.SendInitial(sess.id)
		}
	}
}

func (s *Server) initClient(clientID string, clientType fmdm.ClientType) {
	s.mu.Lock()
	sess, ok := s.sessions[clientID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.markInitialized(clientType)
	s.publishClients()
}

// SendInitial pushes the current snapshot to one client, bypassing the
// throttler. Used right after connection.ack.
func (s *Server) SendInitial(clientID string) {
	s.mu.Lock()
	sess, ok := s.sessions[clientID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.sendTo(sess, protocol.NewFMDMUpdate(s.store.GetSnapshot()))
}

func (s *Server) sendTo(sess *session, msg interface{}) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.L.WithError(err).Errorf("marshal message for client %s", sess.id)
		return
	}
	sess.enqueue(frame)
}

// BroadcastFMDM pushes a snapshot to every initialized session. Sessions
// with a full egress queue miss this frame; the next broadcast carries a
// newer snapshot anyway.
func (s *Server) BroadcastFMDM(snapshot *fmdm.Snapshot) {
	s.broadcast(protocol.NewFMDMUpdate(snapshot))
}

// BroadcastMessage pushes an arbitrary protocol message, such as a
// model download event, to every initialized session.
func (s *Server) BroadcastMessage(msg interface{}) {
	s.broadcast(msg)
}

func (s *Server) broadcast(msg interface{}) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.L.WithError(err).Error("marshal broadcast message")
		return
	}

	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if !sess.isInitialized() {
			continue
		}
		sess.enqueue(frame)
	}
}

// dropSession removes a dead session and republishes the client list.
func (s *Server) dropSession(sess *session) {
	sess.close()

	s.mu.Lock()
	_, present := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	count := len(s.sessions)
	stopped := s.stopped
	s.mu.Unlock()

	if !present {
		return
	}
	data.ConnectedClients.Set(float64(count))
	log.L.Infof("client %s disconnected", sess.id)
	if !stopped {
		s.publishClients()
	}
}

// publishClients projects the session table into the FMDM.
func (s *Server) publishClients() {
	s.mu.Lock()
	clients := make([]fmdm.ClientInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		clients = append(clients, sess.info())
	}
	s.mu.Unlock()

	s.store.UpdateClients(clients)
}

// Stop closes the listener, then every session with a close frame. It
// returns when the pumps have drained or ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	httpSrv := s.httpSrv
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	if httpSrv != nil {
		httpSrv.Close()
	}
	for _, sess := range sessions {
		sess.closeGracefully("daemon shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for websocket sessions to close")
	}
}
