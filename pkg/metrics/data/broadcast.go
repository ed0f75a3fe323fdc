/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package data

import "github.com/prometheus/client_golang/prometheus"

var (
	BroadcastsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "folderd_broadcasts_sent_counts",
			Help: "FMDM snapshots fanned out to clients.",
		},
	)

	BroadcastsCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "folderd_broadcasts_coalesced_counts",
			Help: "Broadcast requests absorbed by the throttler.",
		},
	)
)
