/*
Copyright 2025 The Forge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the service's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "requests_total",
		Help:      "Build submissions, labelled by client name.",
	}, []string{"client"})

	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "cache_hits_total",
		Help:      "Submissions answered from the result cache.",
	})

	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "cache_misses_total",
		Help:      "Submissions that required a build.",
	})

	BuildsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "builds_completed_total",
		Help:      "Builds that produced artifacts.",
	})

	BuildsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forge",
		Name:      "builds_failed_total",
		Help:      "Builds that ended in FAILED, labelled by pipeline phase.",
	}, []string{"phase"})

	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "build_duration_seconds",
		Help:      "Wall-clock duration of successful builds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200},
	})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forge",
		Name:      "queue_length",
		Help:      "Number of pending build jobs.",
	})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forge",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP handler latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler", "method", "code"})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
