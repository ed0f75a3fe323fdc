/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package system

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folderindex/folderd/pkg/fmdm"
)

type fakeRescanner struct {
	calls []string
	ok    bool
}

func (f *fakeRescanner) Rescan(path string) bool {
	f.calls = append(f.calls, path)
	return f.ok
}

func startController(t *testing.T, store *fmdm.Store, rescanner Rescanner) *Controller {
	sc := NewSystemController(ControllerOpt{
		Store:     store,
		Rescanner: rescanner,
		State: DaemonState{
			Version:   "test",
			Pid:       os.Getpid(),
			HTTPPort:  31849,
			WSPort:    31850,
			StartTime: time.Now().Add(-time.Minute),
		},
		Host: "127.0.0.1",
		Port: 0,
	})
	require.NoError(t, sc.Run())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sc.Shutdown(ctx)
	})
	return sc
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestDescribeDaemon(t *testing.T) {
	A := assert.New(t)
	store := fmdm.NewStore("test")
	store.UpdateFolders([]fmdm.FolderEntry{
		{Path: "/data/docs", Model: "cpu:small", Status: fmdm.FolderStatusActive},
	})
	sc := startController(t, store, &fakeRescanner{})

	var state DaemonState
	resp := getJSON(t, "http://"+sc.Addr()+"/api/v1/daemon", &state)
	A.Equal(http.StatusOK, resp.StatusCode)
	A.Equal("test", state.Version)
	A.Equal(os.Getpid(), state.Pid)
	A.Equal(1, state.Folders)
	A.NotEmpty(state.Uptime)
}

func TestDescribeFoldersAndModels(t *testing.T) {
	A := assert.New(t)
	store := fmdm.NewStore("test")
	store.UpdateFolders([]fmdm.FolderEntry{
		{Path: "/data/docs", Model: "cpu:small", Status: fmdm.FolderStatusPending},
	})
	store.SetCuratedModels([]fmdm.CuratedModelInfo{
		{ID: "cpu:small", Type: fmdm.ModelTypeCPU, Installed: true},
	}, map[string]string{"cpu": "ok"})
	sc := startController(t, store, &fakeRescanner{})

	var folders []fmdm.FolderEntry
	getJSON(t, "http://"+sc.Addr()+"/api/v1/folders", &folders)
	require.Len(t, folders, 1)
	A.Equal("/data/docs", folders[0].Path)

	var models struct {
		Models      []fmdm.CuratedModelInfo `json:"models"`
		CheckStatus map[string]string       `json:"checkStatus"`
	}
	getJSON(t, "http://"+sc.Addr()+"/api/v1/models", &models)
	require.Len(t, models.Models, 1)
	A.True(models.Models[0].Installed)
	A.Equal("ok", models.CheckStatus["cpu"])
}

func TestRescanEndpoint(t *testing.T) {
	A := assert.New(t)
	store := fmdm.NewStore("test")
	rescanner := &fakeRescanner{ok: true}
	sc := startController(t, store, rescanner)

	req, err := http.NewRequest(http.MethodPut,
		"http://"+sc.Addr()+"/api/v1/daemon/rescan?path=/data/docs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	A.Equal(http.StatusOK, resp.StatusCode)
	A.Equal([]string{"/data/docs"}, rescanner.calls)

	// Unknown folder: 404.
	rescanner.ok = false
	req, err = http.NewRequest(http.MethodPut,
		"http://"+sc.Addr()+"/api/v1/daemon/rescan?path=/nope", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	A.Equal(http.StatusNotFound, resp.StatusCode)

	// Missing path: 400.
	req, err = http.NewRequest(http.MethodPut, "http://"+sc.Addr()+"/api/v1/daemon/rescan", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	A.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	A := assert.New(t)
	sc := startController(t, fmdm.NewStore("test"), &fakeRescanner{})

	var health map[string]string
	resp := getJSON(t, "http://"+sc.Addr()+"/healthz", &health)
	A.Equal(http.StatusOK, resp.StatusCode)
	A.Equal("ok", health["status"])

	resp, err := http.Get("http://" + sc.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	A.Equal(http.StatusOK, resp.StatusCode)
}
