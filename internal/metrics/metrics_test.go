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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// getHistogramMetric observes a value and reads the metric back.
func getHistogramMetric(t *testing.T, h *prometheus.HistogramVec, labels []string, value float64) *dto.Metric {
	t.Helper()
	h.WithLabelValues(labels...).Observe(value)
	observer, err := h.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return &m
}

func TestMetricsRegistered(t *testing.T) {
	collectors := []struct {
		name      string
		collector prometheus.Collector
	}{
		{"balancer_dispatch_duration_seconds", DispatchDuration},
		{"balancer_dispatch_total", DispatchTotal},
		{"balancer_failover_total", FailoverTotal},
		{"balancer_cache_lookups_total", CacheLookupsTotal},
		{"balancer_cache_entries", CacheEntries},
		{"balancer_breaker_trips_total", BreakerTripsTotal},
		{"balancer_active_requests", ActiveRequests},
		{"balancer_instance_health_score", InstanceHealthScore},
		{"balancer_instance_healthy", InstanceHealthy},
		{"balancer_probe_duration_seconds", ProbeDuration},
		{"balancer_gpu_enumerate_duration_seconds", GPUEnumerateDuration},
		{"balancer_retry_attempts_total", RetryAttemptsTotal},
		{"balancer_http_request_duration_seconds", HTTPRequestDuration},
		{"balancer_http_requests_rejected_total", HTTPRequestsRejectedTotal},
	}

	for _, c := range collectors {
		t.Run(c.name, func(t *testing.T) {
			err := Registry.Register(c.collector)
			if err == nil {
				t.Errorf("metric %q was not already registered — init() did not register it", c.name)
				Registry.Unregister(c.collector)
			} else if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				t.Errorf("unexpected error registering %q: %v", c.name, err)
			}
		})
	}
}

func TestDispatchDurationAndTotal(t *testing.T) {
	m := getHistogramMetric(t, DispatchDuration, []string{"m7", "success"}, 0.25)
	if m.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected sample count > 0 after observation")
	}

	DispatchTotal.WithLabelValues("m7", "success").Inc()
	DispatchTotal.WithLabelValues("m7", "success").Inc()

	var c dto.Metric
	if err := DispatchTotal.WithLabelValues("m7", "success").Write(&c); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if c.GetCounter().GetValue() < 2 {
		t.Errorf("expected counter >= 2, got %f", c.GetCounter().GetValue())
	}
}

func TestCacheLookupsTotal(t *testing.T) {
	CacheLookupsTotal.WithLabelValues("hit").Inc()
	CacheLookupsTotal.WithLabelValues("miss").Inc()
	CacheLookupsTotal.WithLabelValues("miss").Inc()

	var m dto.Metric
	if err := CacheLookupsTotal.WithLabelValues("miss").Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetCounter().GetValue() < 2 {
		t.Errorf("expected miss counter >= 2, got %f", m.GetCounter().GetValue())
	}
}

func TestCacheEntriesGauge(t *testing.T) {
	CacheEntries.Set(4)

	var m dto.Metric
	if err := CacheEntries.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetGauge().GetValue() != 4 {
		t.Errorf("expected gauge value 4, got %f", m.GetGauge().GetValue())
	}
}

func TestBreakerTripsTotal(t *testing.T) {
	BreakerTripsTotal.WithLabelValues("inst-a").Inc()

	var m dto.Metric
	if err := BreakerTripsTotal.WithLabelValues("inst-a").Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetCounter().GetValue() < 1 {
		t.Errorf("expected counter >= 1, got %f", m.GetCounter().GetValue())
	}
}

func TestActiveRequestsGauge(t *testing.T) {
	ActiveRequests.WithLabelValues("inst-a").Set(2)
	ActiveRequests.WithLabelValues("inst-a").Dec()

	var m dto.Metric
	if err := ActiveRequests.WithLabelValues("inst-a").Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetGauge().GetValue() != 1 {
		t.Errorf("expected gauge value 1 after Set(2)+Dec, got %f", m.GetGauge().GetValue())
	}
}

func TestInstanceHealthGauges(t *testing.T) {
	InstanceHealthScore.WithLabelValues("inst-a").Set(0.8)
	InstanceHealthy.WithLabelValues("inst-a").Set(1)

	var m dto.Metric
	if err := InstanceHealthScore.WithLabelValues("inst-a").Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetGauge().GetValue() != 0.8 {
		t.Errorf("expected health score 0.8, got %f", m.GetGauge().GetValue())
	}

	if err := InstanceHealthy.WithLabelValues("inst-a").Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetGauge().GetValue() != 1 {
		t.Errorf("expected instance marked healthy, got %f", m.GetGauge().GetValue())
	}
}

func TestProbeDurationBuckets(t *testing.T) {
	m := getHistogramMetric(t, ProbeDuration, []string{"inst-a", "healthy"}, 0.01)
	if bucketCount := len(m.GetHistogram().GetBucket()); bucketCount < 10 {
		t.Errorf("expected at least 10 buckets, got %d", bucketCount)
	}
}

func TestGPUEnumerateDuration(t *testing.T) {
	GPUEnumerateDuration.Observe(0.5)

	var m dto.Metric
	if err := GPUEnumerateDuration.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected sample count > 0 after observation")
	}
}

func TestRetryAttemptsTotal(t *testing.T) {
	RetryAttemptsTotal.WithLabelValues("inst-a").Inc()

	var m dto.Metric
	if err := RetryAttemptsTotal.WithLabelValues("inst-a").Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetCounter().GetValue() < 1 {
		t.Errorf("expected counter >= 1, got %f", m.GetCounter().GetValue())
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m := getHistogramMetric(t, HTTPRequestDuration, []string{"/v1/generate", "2xx"}, 0.05)
	if m.GetHistogram().GetSampleCount() == 0 {
		t.Error("expected sample count > 0 after observation")
	}
}

func TestHTTPRequestsRejectedTotal(t *testing.T) {
	HTTPRequestsRejectedTotal.Inc()

	var m dto.Metric
	if err := HTTPRequestsRejectedTotal.Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if m.GetCounter().GetValue() < 1 {
		t.Errorf("expected counter >= 1, got %f", m.GetCounter().GetValue())
	}
}
