/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package models

// DownloadEventType names the download progress events pushed to clients
// alongside the coalesced FMDM broadcasts.
type DownloadEventType string

const (
	EventDownloadStart    DownloadEventType = "model_download_start"
	EventDownloadProgress DownloadEventType = "model_download_progress"
	EventDownloadComplete DownloadEventType = "model_download_complete"
	EventDownloadError    DownloadEventType = "model_download_error"
)

// DownloadEvent is one download state change. Progress is only meaningful
// on progress events, Error on error events.
type DownloadEvent struct {
	Type      DownloadEventType
	ModelName string
	Progress  int
	Error     string
}

// EventSink receives download events. It must not block: the sink runs on
// the download worker goroutine.
type EventSink func(event DownloadEvent)
