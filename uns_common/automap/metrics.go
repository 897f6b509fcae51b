/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package automap

import "github.com/prometheus/client_golang/prometheus"

var (
	topicsMapped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_automap_mapped",
			Help: "Topics mapped into the hierarchy.",
		})
	mappingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_automap_failures",
			Help: "Topics that could not be mapped with enough confidence.",
		})
)

// Collectors returns the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{topicsMapped, mappingFailures}
}
