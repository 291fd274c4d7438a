/*
Copyright 2025.

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

// Package metrics declares the balancer's Prometheus collectors. They are
// registered against Registry, a dedicated prometheus.Registry rather than
// the global DefaultRegisterer, so the Server controls exactly what its
// /metrics endpoint exposes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the balancer's Prometheus registry. The Server mounts it
// behind promhttp.HandlerFor.
var Registry = prometheus.NewRegistry()

var (
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "balancer_dispatch_duration_seconds",
			Help:    "Duration of Dispatch calls, from candidate selection to final outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "outcome"},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_dispatch_total",
			Help: "Total Dispatch calls by final outcome.",
		},
		[]string{"model", "outcome"},
	)

	FailoverTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_failover_total",
			Help: "Total times a request was retried against a different instance after a failure.",
		},
		[]string{"model"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_cache_lookups_total",
			Help: "Total ResponseCache lookups by result.",
		},
		[]string{"result"}, // hit | miss
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_cache_entries",
			Help: "Current number of entries held in the ResponseCache.",
		},
	)

	BreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_breaker_trips_total",
			Help: "Total times an instance's circuit breaker tripped to unhealthy.",
		},
		[]string{"instance"},
	)

	ActiveRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balancer_active_requests",
			Help: "In-flight requests per instance.",
		},
		[]string{"instance"},
	)

	InstanceHealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balancer_instance_health_score",
			Help: "Most recently computed health score per instance, in [0,1].",
		},
		[]string{"instance"},
	)

	InstanceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balancer_instance_healthy",
			Help: "1 if the instance is currently considered healthy, 0 otherwise.",
		},
		[]string{"instance"},
	)

	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "balancer_probe_duration_seconds",
			Help:    "Duration of HealthProber ping round-trips per instance.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"instance", "outcome"},
	)

	GPUEnumerateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "balancer_gpu_enumerate_duration_seconds",
			Help:    "Duration of GpuProbe.Enumerate calls (cache misses only).",
			Buckets: prometheus.DefBuckets,
		},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_retry_attempts_total",
			Help: "Total Provider retry attempts beyond the first, by instance.",
		},
		[]string{"instance"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "balancer_http_request_duration_seconds",
			Help:    "Duration of the Server's own HTTP handlers, by route and status class.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)

	HTTPRequestsRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "balancer_http_requests_rejected_total",
			Help: "Total inbound HTTP requests rejected by the rate limiter before reaching a handler.",
		},
	)
)

func init() {
	Registry.MustRegister(
		DispatchDuration,
		DispatchTotal,
		FailoverTotal,
		CacheLookupsTotal,
		CacheEntries,
		BreakerTripsTotal,
		ActiveRequests,
		InstanceHealthScore,
		InstanceHealthy,
		ProbeDuration,
		GPUEnumerateDuration,
		RetryAttemptsTotal,
		HTTPRequestDuration,
		HTTPRequestsRejectedTotal,
	)
}
