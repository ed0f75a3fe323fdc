/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package config

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/folderindex/folderd/internal/constant"
)

const (
	defaultOllamaURL     = "http://127.0.0.1:11434"
	defaultPythonCommand = "python3"
	defaultONNXBaseURL   = "https://huggingface.co"

	defaultEnsureTimeout = "10m"
)

// DefaultRootDir resolves the daemon's state directory: FOLDERD_HOME when
// set, otherwise ~/.folderd.
func DefaultRootDir() (string, error) {
	if dir := os.Getenv(constant.EnvHomeDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "locate user home directory")
	}
	return filepath.Join(home, constant.HomeDirName), nil
}

// FillUpWithDefaults completes every unset field. It only touches zero
// values, so both the configuration file and command line keep priority.
func (c *DaemonConfig) FillUpWithDefaults() error {
	if c.Root == "" {
		root, err := DefaultRootDir()
		if err != nil {
			return err
		}
		c.Root = root
	}
	if c.Host == "" {
		c.Host = constant.DefaultHost
	}
	if c.Port == 0 {
		c.Port = constant.DefaultHTTPPort
	}

	// logging configuration
	logConfig := &c.LoggingConfig
	if logConfig.LogLevel == "" {
		logConfig.LogLevel = constant.DefaultLogLevel
	}
	if logConfig.RotateLogMaxSize == 0 {
		logConfig.RotateLogMaxSize = constant.DefaultRotateLogMaxSize
	}
	if logConfig.RotateLogMaxBackups == 0 {
		logConfig.RotateLogMaxBackups = constant.DefaultRotateLogMaxBackups
	}
	logConfig.RotateLogLocalTime = constant.DefaultRotateLogLocalTime
	logConfig.RotateLogCompress = constant.DefaultRotateLogCompress

	// broadcast configuration
	broadcast := &c.BroadcastConfig
	if broadcast.Debounce == "" {
		broadcast.Debounce = constant.DefaultBroadcastDebounce.String()
	}
	if broadcast.MaxUpdatesPerSecond == 0 {
		broadcast.MaxUpdatesPerSecond = constant.DefaultMaxBroadcastPerSecond
	}

	// download configuration
	download := &c.DownloadConfig
	if download.ProgressInterval == "" {
		download.ProgressInterval = constant.DefaultProgressInterval.String()
	}
	if download.EnsureTimeout == "" {
		download.EnsureTimeout = defaultEnsureTimeout
	}

	// backend configuration
	backends := &c.BackendConfig
	if backends.Ollama.URL == "" {
		backends.Ollama.URL = defaultOllamaURL
	}
	if backends.Python.Command == "" {
		backends.Python.Command = defaultPythonCommand
	}
	if backends.ONNX.BaseURL == "" {
		backends.ONNX.BaseURL = defaultONNXBaseURL
	}
	if backends.ONNX.CacheDir == "" {
		backends.ONNX.CacheDir = filepath.Join(c.Root, constant.ModelCacheDir)
	}

	return nil
}
