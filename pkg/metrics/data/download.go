/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package data

import "github.com/prometheus/client_golang/prometheus"

var (
	// Model downloads run for seconds (cached ollama pulls) up to many
	// minutes (cold GPU models).
	downloadDurationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600}
	modelTypeLabel          = "model_type"
)

var (
	DownloadQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderd_download_queue_depth",
			Help: "Model download requests waiting in the queue.",
		},
	)

	DownloadsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderd_downloads_started_counts",
			Help: "Model downloads handed to a backend.",
		},
		[]string{modelTypeLabel},
	)

	DownloadsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderd_downloads_completed_counts",
			Help: "Model downloads finished successfully.",
		},
		[]string{modelTypeLabel},
	)

	DownloadsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderd_downloads_failed_counts",
			Help: "Model downloads that ended in a backend error.",
		},
		[]string{modelTypeLabel},
	)

	DownloadDurationHists = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "folderd_download_duration_seconds",
			Help:    "Wall-clock duration of model downloads.",
			Buckets: downloadDurationBuckets,
		},
		[]string{modelTypeLabel},
	)
)
