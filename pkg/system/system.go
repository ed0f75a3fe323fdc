/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package system

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/containerd/log"

	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/metrics/registry"
)

const (
	endpointDaemon  string = "/api/v1/daemon"
	endpointFolders string = "/api/v1/folders"
	endpointModels  string = "/api/v1/models"
	endpointClients string = "/api/v1/clients"
	endpointRescan  string = "/api/v1/daemon/rescan"

	endpointHealth string = "/healthz"

	// Export prometheus metrics
	endpointPromMetrics string = "/metrics"
)

const defaultErrorCode string = "Unknown"

// Rescanner triggers a re-index of one active folder.
type Rescanner interface {
	Rescan(path string) bool
}

// DaemonState is what GET /api/v1/daemon reports.
type DaemonState struct {
	Version   string    `json:"version"`
	Pid       int       `json:"pid"`
	HTTPPort  int       `json:"httpPort"`
	WSPort    int       `json:"wsPort"`
	StartTime time.Time `json:"startTime"`
	Uptime    string    `json:"uptime"`
	Folders   int       `json:"folders"`
	Clients   int       `json:"clients"`
}

// Controller serves the read-only status API and the metrics endpoint on
// the daemon's HTTP port. Mutations go through the WebSocket protocol;
// the one exception is the rescan trigger, which is idempotent.
type Controller struct {
	store     *fmdm.Store
	rescanner Rescanner
	state     DaemonState

	addr     string
	router   *mux.Router
	listener net.Listener
	httpSrv  *http.Server
}

type errorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorMessage(message string) errorMessage {
	return errorMessage{Code: defaultErrorCode, Message: message}
}

func (m *errorMessage) encode() string {
	msg, err := json.Marshal(&m)
	if err != nil {
		log.L.Errorf("Failed to encode error message, %s", err)
		return ""
	}
	return string(msg)
}

func jsonResponse(w http.ResponseWriter, payload interface{}) {
	respBody, err := json.Marshal(&payload)
	if err != nil {
		log.L.Errorf("marshal error, %s", err)
		m := newErrorMessage(err.Error())
		http.Error(w, m.encode(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(respBody); err != nil {
		log.L.Errorf("write body %s", err)
	}
}

type ControllerOpt struct {
	Store     *fmdm.Store
	Rescanner Rescanner
	State     DaemonState
	Host      string
	Port      int
}

func NewSystemController(opt ControllerOpt) *Controller {
	sc := Controller{
		store:     opt.Store,
		rescanner: opt.Rescanner,
		state:     opt.State,
		addr:      net.JoinHostPort(opt.Host, fmt.Sprintf("%d", opt.Port)),
		router:    mux.NewRouter(),
	}

	sc.registerRouter()

	return &sc
}

func (sc *Controller) registerRouter() {
	sc.router.HandleFunc(endpointDaemon, sc.describeDaemon()).Methods(http.MethodGet)
	sc.router.HandleFunc(endpointFolders, sc.describeFolders()).Methods(http.MethodGet)
	sc.router.HandleFunc(endpointModels, sc.describeModels()).Methods(http.MethodGet)
	sc.router.HandleFunc(endpointClients, sc.describeClients()).Methods(http.MethodGet)
	sc.router.HandleFunc(endpointRescan, sc.rescanFolder()).Methods(http.MethodPut)
	sc.router.HandleFunc(endpointHealth, sc.health()).Methods(http.MethodGet)

	// Special registration for Prometheus metrics export
	sc.registerMetricsHandler(endpointPromMetrics)
}

func (sc *Controller) registerMetricsHandler(endpoint string) {
	handler := promhttp.HandlerFor(registry.Registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	sc.router.Handle(endpoint, handler)
}

func (sc *Controller) describeDaemon() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := sc.store.GetSnapshot()

		state := sc.state
		state.Uptime = time.Since(state.StartTime).Round(time.Second).String()
		state.Folders = len(snapshot.Folders)
		state.Clients = len(snapshot.Clients)

		jsonResponse(w, &state)
	}
}

func (sc *Controller) describeFolders() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, sc.store.GetSnapshot().Folders)
	}
}

func (sc *Controller) describeModels() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := sc.store.GetSnapshot()
		payload := struct {
			Models      []fmdm.CuratedModelInfo `json:"models"`
			CheckStatus map[string]string       `json:"checkStatus,omitempty"`
		}{
			Models:      snapshot.CuratedModels,
			CheckStatus: snapshot.ModelCheckStatus,
		}
		jsonResponse(w, &payload)
	}
}

func (sc *Controller) describeClients() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, sc.store.GetSnapshot().Clients)
	}
}

// PUT /api/v1/daemon/rescan?path=/data/docs
// Only active folders rescan; anything else is a no-op reported as 404.
func (sc *Controller) rescanFolder() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			m := newErrorMessage("query parameter 'path' is required")
			http.Error(w, m.encode(), http.StatusBadRequest)
			return
		}

		if !sc.rescanner.Rescan(path) {
			m := newErrorMessage("no active folder at " + path)
			http.Error(w, m.encode(), http.StatusNotFound)
			return
		}

		log.L.Infof("rescan of %s triggered over the status API", path)
		jsonResponse(w, map[string]string{"status": "rescanning", "path": path})
	}
}

func (sc *Controller) health() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"})
	}
}

// Run binds the listener and serves until Shutdown. It returns once the
// listener is ready; serving continues in the background.
func (sc *Controller) Run() error {
	log.L.Infof("Start system controller API server on %s", sc.addr)
	listener, err := net.Listen("tcp", sc.addr)
	if err != nil {
		return errors.Wrapf(err, "listen to address %s", sc.addr)
	}
	sc.listener = listener
	sc.httpSrv = &http.Server{Handler: sc.router}

	go func() {
		if err := sc.httpSrv.Serve(listener); err != nil &&
			err != http.ErrServerClosed && !errdefs.IsConnectionClosed(err) {
			log.L.WithError(err).Error("system management serving")
		}
	}()
	return nil
}

// Addr returns the bound address, for tests starting on an ephemeral port.
func (sc *Controller) Addr() string {
	if sc.listener == nil {
		return ""
	}
	return sc.listener.Addr().String()
}

func (sc *Controller) Shutdown(ctx context.Context) error {
	if sc.httpSrv == nil {
		return nil
	}
	return sc.httpSrv.Shutdown(ctx)
}
