/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/folderindex/folderd/pkg/metrics/data"
)

var (
	Registry = prometheus.NewRegistry()
)

func init() {
	Registry.MustRegister(
		data.FoldersByStatus,
		data.ConnectedClients,
		data.ProtocolErrorCount,
		data.DownloadQueueDepth,
		data.DownloadsStarted,
		data.DownloadsCompleted,
		data.DownloadsFailed,
		data.DownloadDurationHists,
		data.BroadcastsSent,
		data.BroadcastsCoalesced,
	)
}
