/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"net"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/internal/flags"
	"github.com/folderindex/folderd/pkg/errdefs"
)

// FolderSpec is one persisted indexed-folder entry. The daemon projects the
// list into the FMDM as pending folders at boot and writes it back whenever
// a folder is added or removed.
type FolderSpec struct {
	Path  string `toml:"path"`
	Model string `toml:"model"`
}

type FoldersConfig struct {
	DefaultModel string       `toml:"default_model"`
	List         []FolderSpec `toml:"list"`
}

type LoggingConfig struct {
	LogToStdout         bool   `toml:"log_to_stdout"`
	LogLevel            string `toml:"level"`
	LogDir              string `toml:"dir"`
	RotateLogMaxSize    int    `toml:"log_rotation_max_size"`
	RotateLogMaxBackups int    `toml:"log_rotation_max_backups"`
	RotateLogMaxAge     int    `toml:"log_rotation_max_age"`
	RotateLogLocalTime  bool   `toml:"log_rotation_local_time"`
	RotateLogCompress   bool   `toml:"log_rotation_compress"`
}

// Configure the WebSocket fan-out. The port defaults to the HTTP port plus
// one; FOLDERD_WS_PORT overrides both.
type WSConfig struct {
	Port int `toml:"port"`
}

// Configure how FMDM broadcasts are coalesced before fan-out.
// Durations use Go syntax, e.g. "500ms".
type BroadcastConfig struct {
	Debounce            string `toml:"debounce"`
	MaxUpdatesPerSecond int    `toml:"max_updates_per_second"`
}

// Configure model download behavior shared by all backends.
type DownloadConfig struct {
	// ProgressInterval is the cadence of simulated progress updates while
	// a backend download is in flight.
	ProgressInterval string `toml:"progress_interval"`
	// EnsureTimeout bounds how long a folder waits for its model before
	// giving up and entering the error state.
	EnsureTimeout string `toml:"ensure_timeout"`
}

type OllamaConfig struct {
	URL string `toml:"url"`
}

type PythonConfig struct {
	Command string `toml:"command"`
	Script  string `toml:"script"`
}

type ONNXConfig struct {
	BaseURL  string `toml:"base_url"`
	CacheDir string `toml:"cache_dir"`
}

// Configure the per-prefix model backends (cpu: -> onnx, gpu: -> python,
// ollama: -> ollama).
type BackendConfig struct {
	Ollama OllamaConfig `toml:"ollama"`
	Python PythonConfig `toml:"python"`
	ONNX   ONNXConfig   `toml:"onnx"`
}

type DaemonConfig struct {
	// Configuration format version
	Version int `toml:"version"`
	// Daemon's root work directory, holding the discovery registry, the
	// state database, logs and model caches.
	Root string `toml:"root"`
	Host string `toml:"host"`
	Port int    `toml:"port"`

	WSConfig        WSConfig        `toml:"ws"`
	LoggingConfig   LoggingConfig   `toml:"log"`
	BroadcastConfig BroadcastConfig `toml:"broadcast"`
	DownloadConfig  DownloadConfig  `toml:"download"`
	BackendConfig   BackendConfig   `toml:"backend"`
	FoldersConfig   FoldersConfig   `toml:"folders"`
}

func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	var config DaemonConfig
	// get folderd configuration from specified path of toml file
	if path == "" {
		return nil, errors.New("daemon configuration path cannot be empty")
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "load daemon configuration file %q", path)
	}
	if err = tree.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "unmarshal daemon configuration file %q", path)
	}
	return &config, nil
}

func ValidateConfig(c *DaemonConfig) error {
	if c == nil {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "configuration is none")
	}

	if c.Port <= 0 || c.Port > 65534 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "port %d out of range", c.Port)
	}

	// Only loopback interfaces are accepted. Remote clients are a
	// non-goal and binding wider is a footgun.
	if ip := net.ParseIP(c.Host); c.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "host %q is not a loopback address", c.Host)
	}

	wsPort := c.WSConfig.Port
	if wsPort != 0 && (wsPort <= 0 || wsPort > 65535 || wsPort == c.Port) {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "websocket port %d clashes with http port %d", wsPort, c.Port)
	}

	if c.BroadcastConfig.Debounce != "" {
		if _, err := time.ParseDuration(c.BroadcastConfig.Debounce); err != nil {
			return errors.Errorf("invalid broadcast debounce '%s'", c.BroadcastConfig.Debounce)
		}
	}
	if c.BroadcastConfig.MaxUpdatesPerSecond < 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "max_updates_per_second must not be negative")
	}

	if len(c.Root) == 0 {
		return errors.New("empty root directory")
	}

	for _, f := range c.FoldersConfig.List {
		if f.Path == "" || f.Model == "" {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "folder entry %+v needs both path and model", f)
		}
	}

	return nil
}

// Parse command line arguments and fill the folderd configuration.
// Always let options from CLI override those from configuration file.
func ParseParameters(args *flags.Args, cfg *DaemonConfig) error {
	if args.Port != 0 {
		cfg.Port = args.Port
	}
	if args.Host != "" {
		cfg.Host = args.Host
	}

	// --- logging configuration
	logConfig := &cfg.LoggingConfig
	if args.LogLevel != "" {
		logConfig.LogLevel = args.LogLevel
	}
	if args.LogToStdoutCount > 0 {
		logConfig.LogToStdout = args.LogToStdout
	}

	return nil
}
