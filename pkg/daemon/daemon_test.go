/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folderindex/folderd/config"
	"github.com/folderindex/folderd/internal/constant"
	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/lifecycle"
)

const testModel = "cpu:xenova-all-minilm-l6"

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// fakeHub answers both ollama tag listing and onnx artifact fetches, so
// booting and downloading never leave the host.
func fakeHub(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"models":[]}`)
			return
		}
		w.Write([]byte("onnx-model-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func bootDaemon(t *testing.T, folders ...config.FolderSpec) (*Daemon, string) {
	t.Setenv(constant.EnvTestMode, "1")
	root := t.TempDir()
	hub := fakeHub(t)

	cfg := &config.DaemonConfig{
		Root: root,
		Host: "127.0.0.1",
		Port: freePort(t),
	}
	cfg.WSConfig.Port = freePort(t)
	require.NoError(t, cfg.FillUpWithDefaults())
	cfg.BackendConfig.Ollama.URL = hub.URL
	cfg.BackendConfig.ONNX.BaseURL = hub.URL
	cfg.FoldersConfig.List = folders
	require.NoError(t, config.ValidateConfig(cfg))
	require.NoError(t, config.ProcessConfigurations(cfg))

	cfgStore := config.NewFileStore(cfg, filepath.Join(root, constant.ConfigFileName))
	d, err := New(Opt{Version: "test", ConfigStore: cfgStore})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Stop(ctx)
	})

	return d, fmt.Sprintf("127.0.0.1:%d", cfg.Port)
}

func waitForStatus(t *testing.T, d *Daemon, path string, status fmdm.FolderStatus) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range d.fmdmStore.GetSnapshot().Folders {
			if f.Path == path && f.Status == status {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("folder %s never reached %s", path, status)
}

func canonical(t *testing.T, path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}

func TestBootIndexesConfiguredFolder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("hello"), 0644))

	d, httpAddr := bootDaemon(t, config.FolderSpec{Path: canonical(t, dir), Model: testModel})
	waitForStatus(t, d, canonical(t, dir), fmdm.FolderStatusActive)

	// The model got pulled from the fake hub and shows installed.
	var installed bool
	for _, m := range d.fmdmStore.GetSnapshot().CuratedModels {
		if m.ID == testModel {
			installed = m.Installed
		}
	}
	assert.True(t, installed)

	// The status API agrees.
	var folders []fmdm.FolderEntry
	resp, err := http.Get("http://" + httpAddr + "/api/v1/folders")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&folders))
	resp.Body.Close()
	require.Len(t, folders, 1)
	assert.Equal(t, fmdm.FolderStatusActive, folders[0].Status)
}

func TestAddAndRemoveFolderOverWebSocket(t *testing.T) {
	d, _ := bootDaemon(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("hello"), 0644))

	conn, _, err := websocket.DefaultDialer.Dial(
		fmt.Sprintf("ws://127.0.0.1:%d", config.GetWSPort()), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"connection.init","payload":{"clientType":"cli"}}`)))

	readTyped := func(wantType string) map[string]json.RawMessage {
		// Skip unrelated pushes (fmdm updates, download events) until the
		// wanted reply arrives.
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			conn.SetReadDeadline(deadline)
			_, raw, err := conn.ReadMessage()
			require.NoError(t, err)
			var msg map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(raw, &msg))
			var typ string
			require.NoError(t, json.Unmarshal(msg["type"], &typ))
			if typ == wantType {
				return msg
			}
		}
		t.Fatalf("never received %s", wantType)
		return nil
	}

	readTyped("connection.ack")
	readTyped("fmdm.update")

	addReq := map[string]interface{}{
		"type": "folder.add", "id": "add-1",
		"payload": map[string]string{"path": dir, "model": testModel},
	}
	require.NoError(t, conn.WriteJSON(addReq))
	reply := readTyped("action-response")
	var success bool
	require.NoError(t, json.Unmarshal(reply["success"], &success))
	assert.True(t, success)

	waitForStatus(t, d, canonical(t, dir), fmdm.FolderStatusActive)

	// Duplicate add fails with the stable issue token, not prose.
	addReq["id"] = "add-2"
	require.NoError(t, conn.WriteJSON(addReq))
	reply = readTyped("action-response")
	require.NoError(t, json.Unmarshal(reply["success"], &success))
	assert.False(t, success)
	var errToken string
	require.NoError(t, json.Unmarshal(reply["error"], &errToken))
	assert.Equal(t, lifecycle.IssueDuplicate, errToken)

	removeReq := map[string]interface{}{
		"type": "folder.remove", "id": "rm-1",
		"payload": map[string]string{"path": dir},
	}
	require.NoError(t, conn.WriteJSON(removeReq))
	reply = readTyped("action-response")
	require.NoError(t, json.Unmarshal(reply["success"], &success))
	assert.True(t, success)

	deadline := time.Now().Add(5 * time.Second)
	for len(d.fmdmStore.GetSnapshot().Folders) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, d.fmdmStore.GetSnapshot().Folders)
}

// Racing sessions must validate against each other's writes: of N
// simultaneous adds of one path exactly one is admitted, and once a
// folder is in, a nested add loses no matter how many sessions race it.
func TestConcurrentAddsSerializeValidation(t *testing.T) {
	d, _ := bootDaemon(t)
	dir := t.TempDir()

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.AddFolder(dir, testModel)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else {
			assert.Equal(t, lifecycle.IssueDuplicate, err.Error())
		}
	}
	assert.Equal(t, 1, admitted)
	require.Len(t, d.fmdmStore.GetSnapshot().Folders, 1)
	assert.Len(t, d.cfgStore.Folders(), 1)

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.AddFolder(sub, testModel)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.Equal(t, lifecycle.IssueSubfolder, err.Error())
	}
	assert.Len(t, d.fmdmStore.GetSnapshot().Folders, 1)
}

func TestSecondInstanceIsRejected(t *testing.T) {
	_, _ = bootDaemon(t)

	cfgStore := config.NewFileStore(&config.DaemonConfig{}, filepath.Join(t.TempDir(), "config.toml"))
	second, err := New(Opt{Version: "test", ConfigStore: cfgStore})
	require.NoError(t, err)

	err = second.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsAlreadyRunning(err))
}

func TestStopCleansRegistry(t *testing.T) {
	d, _ := bootDaemon(t)
	registryPath := config.GetRegistryPath()
	_, err := os.Stat(registryPath)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	_, err = os.Stat(registryPath)
	assert.True(t, os.IsNotExist(err))
}
