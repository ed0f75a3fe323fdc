/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package fmdm holds the Folder-Model Data Model: the authoritative
// snapshot of indexed folders, curated models and connected clients that
// the daemon broadcasts to every client.
package fmdm

import (
	"time"
)

type FolderStatus string

const (
	FolderStatusPending     FolderStatus = "pending"
	FolderStatusDownloading FolderStatus = "downloading-model"
	FolderStatusIndexing    FolderStatus = "indexing"
	FolderStatusActive      FolderStatus = "active"
	FolderStatusError       FolderStatus = "error"
)

// FolderEntry is one indexed folder. Path is canonicalized and unique
// within a snapshot; no entry is an ancestor or descendant of another.
type FolderEntry struct {
	Path   string       `json:"path"`
	Model  string       `json:"model"`
	Status FolderStatus `json:"status"`
	// Progress is only meaningful in downloading-model and indexing.
	Progress  *int   `json:"progress,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

type ModelType string

const (
	ModelTypeGPU    ModelType = "gpu"
	ModelTypeCPU    ModelType = "cpu"
	ModelTypeOllama ModelType = "ollama"
)

// CuratedModelInfo carries the mutable installation state of one curated
// model. The flags are owned exclusively by the download manager.
type CuratedModelInfo struct {
	ID               string    `json:"id"`
	Type             ModelType `json:"type"`
	Installed        bool      `json:"installed"`
	Downloading      bool      `json:"downloading"`
	DownloadProgress int       `json:"downloadProgress"`
	DownloadError    string    `json:"downloadError,omitempty"`
	LastChecked      time.Time `json:"lastChecked"`
}

type ClientType string

const (
	ClientTypeTUI     ClientType = "tui"
	ClientTypeCLI     ClientType = "cli"
	ClientTypeWeb     ClientType = "web"
	ClientTypeUnknown ClientType = "unknown"
)

// ClientInfo mirrors one connected WebSocket session.
type ClientInfo struct {
	ID          string     `json:"id"`
	Type        ClientType `json:"type"`
	ConnectedAt time.Time  `json:"connectedAt"`
	Initialized bool       `json:"initialized"`
}

// Snapshot is one immutable publish of the data model. Mutators build a
// fresh snapshot; holders of older ones keep reading consistent data.
type Snapshot struct {
	DaemonVersion    string             `json:"daemonVersion"`
	Folders          []FolderEntry      `json:"folders"`
	CuratedModels    []CuratedModelInfo `json:"curatedModels"`
	Clients          []ClientInfo       `json:"clients"`
	ModelCheckStatus map[string]string  `json:"modelCheckStatus,omitempty"`

	// Version orders publishes; a coalesced broadcast always carries the
	// highest version seen so far. Not part of the wire format.
	Version uint64 `json:"-"`
}

// DownloadState is the terminal/interim state reported by the download
// manager for a model.
type DownloadState string

const (
	DownloadStateDownloading DownloadState = "downloading"
	DownloadStateCompleted   DownloadState = "completed"
	DownloadStateFailed      DownloadState = "failed"
)
