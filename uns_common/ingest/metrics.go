/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package ingest

import "github.com/prometheus/client_golang/prometheus"

var (
	pointsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_ingest_points",
			Help: "Data points extracted from inbound messages.",
		})
	decodeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_ingest_decode_failures",
			Help: "Inbound messages that could not be decomposed.",
		})
)

// Collectors returns the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{pointsIngested, decodeFailures}
}
