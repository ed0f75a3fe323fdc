/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folderindex/folderd/internal/constant"
	"github.com/folderindex/folderd/internal/flags"
	"github.com/folderindex/folderd/pkg/errdefs"
)

func clearEnvOverrides(t *testing.T) {
	t.Setenv(constant.EnvHomeDir, "")
	t.Setenv(constant.EnvRegistryPath, "")
	t.Setenv(constant.EnvWSPort, "")
	t.Setenv(constant.EnvTestMode, "")
}

func TestLoadDaemonTOMLConfig(t *testing.T) {
	A := assert.New(t)
	clearEnvOverrides(t)

	cfg, err := LoadDaemonConfig("../misc/folderd/config.toml")
	A.NoError(err)

	exampleConfig := DaemonConfig{
		Version: 1,
		Root:    "/home/user/.folderd",
		Host:    "127.0.0.1",
		Port:    31849,
		WSConfig: WSConfig{
			Port: 31850,
		},
		LoggingConfig: LoggingConfig{
			LogLevel:            "info",
			LogToStdout:         false,
			RotateLogMaxSize:    1,
			RotateLogMaxBackups: 5,
			RotateLogMaxAge:     7,
			RotateLogLocalTime:  true,
			RotateLogCompress:   true,
		},
		BroadcastConfig: BroadcastConfig{
			Debounce:            "500ms",
			MaxUpdatesPerSecond: 2,
		},
		DownloadConfig: DownloadConfig{
			ProgressInterval: "800ms",
			EnsureTimeout:    "10m",
		},
		BackendConfig: BackendConfig{
			Ollama: OllamaConfig{URL: "http://127.0.0.1:11434"},
			Python: PythonConfig{Command: "python3", Script: "/opt/folderd/embeddings/main.py"},
			ONNX:   ONNXConfig{BaseURL: "https://huggingface.co", CacheDir: ""},
		},
		FoldersConfig: FoldersConfig{
			DefaultModel: "cpu:xenova-multilingual-e5-small",
			List: []FolderSpec{
				{Path: "/home/user/Documents", Model: "cpu:xenova-multilingual-e5-small"},
			},
		},
	}

	A.EqualValues(cfg, &exampleConfig)

	var args = flags.Args{}
	args.Port = 40000
	exampleConfig.Port = 40000
	err = ParseParameters(&args, cfg)
	A.NoError(err)
	A.EqualValues(cfg, &exampleConfig)

	err = ValidateConfig(cfg)
	A.NoError(err)

	err = ProcessConfigurations(cfg)
	A.NoError(err)

	A.Equal(GetBroadcastDebounce(), 500*time.Millisecond)
	A.Equal(GetWSPort(), 31850)
	A.Equal(GetRegistryPath(), filepath.Join(cfg.Root, constant.RegistryFileName))
}

func TestLogToStdoutPriority(t *testing.T) {
	A := assert.New(t)

	var cfg DaemonConfig
	var args flags.Args

	// No --log-to-stdout flag given: the file value wins.
	cfg.LoggingConfig.LogToStdout = true
	args.LogToStdoutCount = 0
	err := ParseParameters(&args, &cfg)
	A.NoError(err)
	A.EqualValues(cfg.LoggingConfig.LogToStdout, true)

	// --log-to-stdout=false overrides a true file value.
	args.LogToStdout = false
	args.LogToStdoutCount = 1
	cfg.LoggingConfig.LogToStdout = true
	err = ParseParameters(&args, &cfg)
	A.NoError(err)
	A.EqualValues(cfg.LoggingConfig.LogToStdout, false)

	// --log-to-stdout=true overrides a false file value.
	args.LogToStdout = true
	args.LogToStdoutCount = 1
	cfg.LoggingConfig.LogToStdout = false
	err = ParseParameters(&args, &cfg)
	A.NoError(err)
	A.EqualValues(cfg.LoggingConfig.LogToStdout, true)
}

func TestFillUpWithDefaults(t *testing.T) {
	A := assert.New(t)
	clearEnvOverrides(t)
	t.Setenv(constant.EnvHomeDir, t.TempDir())

	var cfg DaemonConfig
	err := cfg.FillUpWithDefaults()
	A.NoError(err)

	A.Equal(cfg.Host, constant.DefaultHost)
	A.Equal(cfg.Port, constant.DefaultHTTPPort)
	A.Equal(cfg.LoggingConfig.LogLevel, constant.DefaultLogLevel)
	A.Equal(cfg.BroadcastConfig.Debounce, constant.DefaultBroadcastDebounce.String())
	A.Equal(cfg.BroadcastConfig.MaxUpdatesPerSecond, constant.DefaultMaxBroadcastPerSecond)
	A.Equal(cfg.DownloadConfig.ProgressInterval, constant.DefaultProgressInterval.String())
	A.Equal(cfg.BackendConfig.Ollama.URL, defaultOllamaURL)
	A.NotEmpty(cfg.Root)
	A.Equal(cfg.BackendConfig.ONNX.CacheDir, filepath.Join(cfg.Root, constant.ModelCacheDir))

	// A configured value survives the defaults pass.
	cfg2 := DaemonConfig{Port: 50000}
	err = cfg2.FillUpWithDefaults()
	A.NoError(err)
	A.Equal(cfg2.Port, 50000)
}

func TestValidateConfig(t *testing.T) {
	A := assert.New(t)

	base := func() *DaemonConfig {
		var cfg DaemonConfig
		cfg.Root = "/tmp/folderd-test"
		cfg.Host = "127.0.0.1"
		cfg.Port = 31849
		return &cfg
	}

	A.NoError(ValidateConfig(base()))

	cfg := base()
	cfg.Host = "0.0.0.0"
	A.Error(ValidateConfig(cfg))

	cfg = base()
	cfg.Host = "localhost"
	A.NoError(ValidateConfig(cfg))

	cfg = base()
	cfg.Port = 0
	A.Error(ValidateConfig(cfg))

	cfg = base()
	cfg.WSConfig.Port = cfg.Port
	A.Error(ValidateConfig(cfg))

	cfg = base()
	cfg.BroadcastConfig.Debounce = "not-a-duration"
	A.Error(ValidateConfig(cfg))

	cfg = base()
	cfg.FoldersConfig.List = []FolderSpec{{Path: "/a"}}
	A.Error(ValidateConfig(cfg))

	A.Error(ValidateConfig(nil))
}

func TestWSPortResolution(t *testing.T) {
	A := assert.New(t)
	clearEnvOverrides(t)

	cfg := &DaemonConfig{Root: t.TempDir(), Host: "127.0.0.1", Port: 40000}
	require.NoError(t, cfg.FillUpWithDefaults())

	require.NoError(t, ProcessConfigurations(cfg))
	A.Equal(GetWSPort(), 40001)

	t.Setenv(constant.EnvWSPort, "45555")
	require.NoError(t, ProcessConfigurations(cfg))
	A.Equal(GetWSPort(), 45555)

	t.Setenv(constant.EnvWSPort, "bogus")
	A.Error(ProcessConfigurations(cfg))
}

func TestFileStoreRoundTrip(t *testing.T) {
	A := assert.New(t)
	clearEnvOverrides(t)

	dir := t.TempDir()
	path := filepath.Join(dir, constant.ConfigFileName)

	cfg := &DaemonConfig{}
	cfg.FoldersConfig.DefaultModel = "cpu:xenova-multilingual-e5-small"
	store := NewFileStore(cfg, path)

	A.Empty(store.Folders())
	A.Equal(store.DefaultModel(), "cpu:xenova-multilingual-e5-small")

	err := store.AddFolder("/data/docs", "cpu:xenova-multilingual-e5-small")
	require.NoError(t, err)
	err = store.AddFolder("/data/notes", "ollama:nomic-embed-text")
	require.NoError(t, err)

	err = store.AddFolder("/data/docs", "cpu:xenova-multilingual-e5-small")
	A.True(errdefs.IsAlreadyExists(err))

	folders := store.Folders()
	require.Len(t, folders, 2)
	A.Equal(folders[0].Path, "/data/docs")
	A.Equal(folders[1].Model, "ollama:nomic-embed-text")

	// A fresh load observes the persisted list.
	loaded, err := LoadDaemonConfig(path)
	require.NoError(t, err)
	A.Len(loaded.FoldersConfig.List, 2)
	A.Equal(loaded.FoldersConfig.DefaultModel, "cpu:xenova-multilingual-e5-small")

	err = store.RemoveFolder("/data/docs")
	require.NoError(t, err)
	err = store.RemoveFolder("/data/docs")
	A.True(errdefs.IsNotFound(err))

	loaded, err = LoadDaemonConfig(path)
	require.NoError(t, err)
	require.Len(t, loaded.FoldersConfig.List, 1)
	A.Equal(loaded.FoldersConfig.List[0].Path, "/data/notes")

	_, err = os.Stat(path)
	A.NoError(err)
}
