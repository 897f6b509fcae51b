/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package main

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "uns_connections_live",
			Help: "Number of ingest sessions running.",
		})
	connectionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_connection_failures",
			Help: "Number of connection or exporter startup failures.",
		})
)

func registerMetrics() {
	prometheus.MustRegister(connectionsLive, connectionFailures)
}
