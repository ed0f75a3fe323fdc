/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package data

import "github.com/prometheus/client_golang/prometheus"

var (
	folderStatusLabel = "status"
)

var (
	FoldersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "folderd_folders",
			Help: "Indexed folders grouped by lifecycle status.",
		},
		[]string{folderStatusLabel},
	)

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderd_connected_clients",
			Help: "Connected WebSocket client sessions.",
		},
	)

	ProtocolErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderd_protocol_error_counts",
			Help: "Rejected client messages by error code.",
		},
		[]string{"code"},
	)
)
