/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// constants of folderd CLI and daemon defaults

package constant

import "time"

const (
	// DefaultHTTPPort serves the system controller and metrics.
	// The WebSocket fan-out binds its successor unless overridden.
	DefaultHTTPPort = 31849
	DefaultWSPort   = DefaultHTTPPort + 1

	DefaultHost = "127.0.0.1"

	DefaultLogLevel = "info"

	// HomeDirName is created under the user's home directory and holds
	// the registry file, config, logs, model caches and the state database.
	HomeDirName      = ".folderd"
	RegistryFileName = "daemon.json"
	ConfigFileName   = "config.toml"
	DatabaseFileName = "state.db"
	LogDirName       = "logs"
	LogFileName      = "folderd.log"
	ModelCacheDir    = "models"
)

const (
	// EnvHomeDir overrides the state directory, EnvRegistryPath the
	// registry file, EnvWSPort the WebSocket port. EnvTestMode switches
	// broadcast and download-progress timings to test cadence.
	EnvHomeDir      = "FOLDERD_HOME"
	EnvRegistryPath = "FOLDERD_REGISTRY"
	EnvWSPort       = "FOLDERD_WS_PORT"
	EnvTestMode     = "FOLDERD_TEST_MODE"
)

const (
	// Broadcast throttling.
	DefaultBroadcastDebounce     = 500 * time.Millisecond
	TestBroadcastDebounce        = 50 * time.Millisecond
	DefaultMaxBroadcastPerSecond = 2

	// Download progress simulation cadence.
	DefaultProgressInterval = 800 * time.Millisecond
	TestProgressInterval    = 50 * time.Millisecond

	// Graceful shutdown budget for the whole daemon, and the wait granted
	// to a previous instance signalled by --restart.
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRestartWait     = 5 * time.Second
)

const (
	// Log rotation
	DefaultRotateLogMaxSize    = 100 // megabytes
	DefaultRotateLogMaxBackups = 5
	DefaultRotateLogMaxAge     = 0 // days
	DefaultRotateLogLocalTime  = true
	DefaultRotateLogCompress   = true
)
