/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Expose configurations across folderd, parsed and extracted from the toml
// based configuration file or command line. Written once by
// ProcessConfigurations before any component starts, read-only afterwards.

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/folderindex/folderd/internal/constant"
)

var (
	globalConfig GlobalConfig
)

// Global cached configuration information to help:
// - access configuration information without passing a configuration object
// - avoid frequent generation of information from configuration information
type GlobalConfig struct {
	origin *DaemonConfig

	RegistryPath  string
	DatabasePath  string
	ModelCacheDir string

	WSPort   int
	TestMode bool

	BroadcastDebounce time.Duration
	ProgressInterval  time.Duration
	EnsureTimeout     time.Duration
}

func GetRootDir() string {
	return globalConfig.origin.Root
}

func GetHost() string {
	return globalConfig.origin.Host
}

func GetHTTPPort() int {
	return globalConfig.origin.Port
}

func GetWSPort() int {
	return globalConfig.WSPort
}

func GetRegistryPath() string {
	return globalConfig.RegistryPath
}

func GetDatabasePath() string {
	return globalConfig.DatabasePath
}

func GetModelCacheDir() string {
	return globalConfig.ModelCacheDir
}

func GetLogDir() string {
	return globalConfig.origin.LoggingConfig.LogDir
}

func GetLogLevel() string {
	return globalConfig.origin.LoggingConfig.LogLevel
}

func GetLogToStdout() bool {
	return globalConfig.origin.LoggingConfig.LogToStdout
}

func GetBroadcastDebounce() time.Duration {
	return globalConfig.BroadcastDebounce
}

func GetMaxBroadcastPerSecond() int {
	return globalConfig.origin.BroadcastConfig.MaxUpdatesPerSecond
}

func GetProgressInterval() time.Duration {
	return globalConfig.ProgressInterval
}

func GetEnsureTimeout() time.Duration {
	return globalConfig.EnsureTimeout
}

func GetOllamaURL() string {
	return globalConfig.origin.BackendConfig.Ollama.URL
}

func GetPythonCommand() string {
	return globalConfig.origin.BackendConfig.Python.Command
}

func GetPythonScript() string {
	return globalConfig.origin.BackendConfig.Python.Script
}

func GetONNXBaseURL() string {
	return globalConfig.origin.BackendConfig.ONNX.BaseURL
}

func GetONNXCacheDir() string {
	return globalConfig.origin.BackendConfig.ONNX.CacheDir
}

// IsTestMode reports whether timing-sensitive components should run with
// the shortened test cadence.
func IsTestMode() bool {
	return globalConfig.TestMode
}

func ProcessConfigurations(c *DaemonConfig) error {
	if c.LoggingConfig.LogDir == "" {
		c.LoggingConfig.LogDir = filepath.Join(c.Root, constant.LogDirName)
	}

	globalConfig.origin = c

	globalConfig.RegistryPath = filepath.Join(c.Root, constant.RegistryFileName)
	if p := os.Getenv(constant.EnvRegistryPath); p != "" {
		globalConfig.RegistryPath = p
	}
	globalConfig.DatabasePath = filepath.Join(c.Root, constant.DatabaseFileName)
	globalConfig.ModelCacheDir = filepath.Join(c.Root, constant.ModelCacheDir)

	// WebSocket port resolution: environment > [ws] section > port+1.
	globalConfig.WSPort = c.Port + 1
	if c.WSConfig.Port != 0 {
		globalConfig.WSPort = c.WSConfig.Port
	}
	if v := os.Getenv(constant.EnvWSPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return errors.Errorf("invalid %s value '%s'", constant.EnvWSPort, v)
		}
		globalConfig.WSPort = p
	}

	globalConfig.TestMode = os.Getenv(constant.EnvTestMode) != ""

	d, err := time.ParseDuration(c.BroadcastConfig.Debounce)
	if err != nil {
		return errors.Errorf("invalid broadcast debounce '%s'", c.BroadcastConfig.Debounce)
	}
	globalConfig.BroadcastDebounce = d
	if globalConfig.TestMode {
		globalConfig.BroadcastDebounce = constant.TestBroadcastDebounce
	}

	d, err = time.ParseDuration(c.DownloadConfig.ProgressInterval)
	if err != nil {
		return errors.Errorf("invalid progress interval '%s'", c.DownloadConfig.ProgressInterval)
	}
	globalConfig.ProgressInterval = d
	if globalConfig.TestMode {
		globalConfig.ProgressInterval = constant.TestProgressInterval
	}

	d, err = time.ParseDuration(c.DownloadConfig.EnsureTimeout)
	if err != nil {
		return errors.Errorf("invalid ensure timeout '%s'", c.DownloadConfig.EnsureTimeout)
	}
	globalConfig.EnsureTimeout = d

	return nil
}

func SetUpEnvironment(c *DaemonConfig) error {
	if err := os.MkdirAll(c.Root, 0700); err != nil {
		return errors.Wrapf(err, "create root dir %s", c.Root)
	}

	realPath, err := filepath.EvalSymlinks(c.Root)
	if err != nil {
		return errors.Wrapf(err, "invalid root path")
	}
	c.Root = realPath
	return nil
}
