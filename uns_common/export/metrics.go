/*
 * Copyright 2024 the uns authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at https://mozilla.org/MPL/2.0/.
 */

package export

import "github.com/prometheus/client_golang/prometheus"

var (
	pointsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_export_published",
			Help: "Data points published downstream.",
		})
	suppressedUnchanged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_export_suppressed_unchanged",
			Help: "Publishes skipped because the value had not changed.",
		})
	suppressedRateLimit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_export_suppressed_rate_limit",
			Help: "Publishes skipped by the minimum-interval gate.",
		})
	exportErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_export_errors",
			Help: "Export sweep failures.",
		})
	modelsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "uns_export_models_published",
			Help: "Model documents published downstream.",
		})
)

// Collectors returns the package's metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{pointsPublished, suppressedUnchanged,
		suppressedRateLimit, exportErrors, modelsPublished}
}
