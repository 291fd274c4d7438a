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

// Package health periodically probes every Instance's generate-endpoint
// liveness and drives healthy/unhealthy transitions (§4.C). It runs on its
// own ticker, independent of the Dispatcher's request path, and never
// blocks a live dispatch.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/defilantech/inferencebalancer/internal/metrics"
	"github.com/defilantech/inferencebalancer/internal/registry"
	"github.com/defilantech/inferencebalancer/internal/statsledger"
	"github.com/defilantech/inferencebalancer/internal/types"
)

const pingTimeout = 2 * time.Second

// Pinger performs the liveness check against one instance's endpoint.
// Production wiring hits {baseUrl}/tags over HTTP; tests stub it.
type Pinger func(ctx context.Context, baseURL string) error

// HTTPPinger is the default Pinger: a GET to {baseUrl}/tags must return 200.
func HTTPPinger(client *http.Client) Pinger {
	if client == nil {
		client = &http.Client{Timeout: pingTimeout}
	}
	return func(ctx context.Context, baseURL string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/tags", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return errNonOK(resp.StatusCode)
		}
		return nil
	}
}

type errNonOK int

func (e errNonOK) Error() string { return "non-200 health response" }

// Prober runs the periodic fan-out health check loop. Tripping the breaker
// from accumulated request errors is the Dispatcher's job (I5); Prober only
// owns the probe-based transitions described in §4.C.
type Prober struct {
	reg           *registry.Registry
	ledger        *statsledger.Ledger
	ping          Pinger
	interval      time.Duration
	cacheDuration time.Duration
	logger        *zap.SugaredLogger

	group singleflight.Group

	emergencyMu   sync.Mutex
	lastEmergency map[string]time.Time
}

// New returns a Prober. interval is healthCheckIntervalSec (§6, default
// 30s handled by the caller). cacheDuration is healthCheckCacheDuration,
// the minimum gap between two emergency probes of the same instance.
func New(reg *registry.Registry, ledger *statsledger.Ledger, ping Pinger, interval, cacheDuration time.Duration, logger *zap.SugaredLogger) *Prober {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if ping == nil {
		ping = HTTPPinger(nil)
	}
	return &Prober{
		reg:           reg,
		ledger:        ledger,
		ping:          ping,
		interval:      interval,
		cacheDuration: cacheDuration,
		logger:        logger,
		lastEmergency: make(map[string]time.Time),
	}
}

// Run blocks, probing every known Instance every interval, until ctx is
// cancelled. Each cycle fans probes out concurrently across instances so
// one slow endpoint cannot delay the rest.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	instances := p.reg.Snapshot()
	done := make(chan struct{}, len(instances))
	for _, inst := range instances {
		go func(id, baseURL string) {
			defer func() { done <- struct{}{} }()
			p.probeOne(ctx, id, baseURL)
		}(inst.ID, inst.BaseURL)
	}
	for range instances {
		<-done
	}
}

// EmergencyProbe re-checks instanceID immediately when the Dispatcher finds
// no healthy candidate for a model (invariant I3), in case the periodic
// loop simply hasn't caught up yet. It is rate-limited to at most one
// probe per cacheDuration per instance so a storm of requests against a
// downed fleet cannot turn into a probe storm.
func (p *Prober) EmergencyProbe(ctx context.Context, instanceID string) bool {
	p.emergencyMu.Lock()
	if last, ok := p.lastEmergency[instanceID]; ok && time.Since(last) < p.cacheDuration {
		p.emergencyMu.Unlock()
		inst := p.reg.Get(instanceID)
		return inst != nil && inst.IsHealthy
	}
	p.lastEmergency[instanceID] = time.Now()
	p.emergencyMu.Unlock()

	inst := p.reg.Get(instanceID)
	if inst == nil {
		return false
	}
	p.probeOne(ctx, instanceID, inst.BaseURL)

	refreshed := p.reg.Get(instanceID)
	return refreshed != nil && refreshed.IsHealthy
}

// probeOne runs (or joins an in-flight) probe for instanceID and applies
// the resulting healthy/unhealthy transition at most once.
func (p *Prober) probeOne(ctx context.Context, instanceID, baseURL string) {
	_, _, _ = p.group.Do(instanceID, func() (interface{}, error) {
		probeStart := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()

		err := p.ping(pingCtx, baseURL)
		now := time.Now()

		if err == nil {
			metrics.ProbeDuration.WithLabelValues(instanceID, "healthy").Observe(time.Since(probeStart).Seconds())
			metrics.InstanceHealthy.WithLabelValues(instanceID).Set(1)
			if p.applyHealthy(instanceID, now) {
				p.logger.Infow("instance transitioned unhealthy->healthy", "instanceId", instanceID)
			}
			return nil, nil
		}

		metrics.ProbeDuration.WithLabelValues(instanceID, "unhealthy").Observe(time.Since(probeStart).Seconds())
		metrics.InstanceHealthy.WithLabelValues(instanceID).Set(0)
		p.applyUnhealthy(instanceID, now)
		p.logger.Warnw("instance health probe failed", "instanceId", instanceID, "error", err)
		return nil, nil
	})
}

// applyHealthy marks instanceID healthy and forgives its consecutive-error
// streak, returning whether it was previously unhealthy (a real transition
// worth logging).
func (p *Prober) applyHealthy(instanceID string, now time.Time) bool {
	wasUnhealthy := false
	p.reg.Update(instanceID, func(i *types.Instance) {
		wasUnhealthy = !i.IsHealthy
		i.IsHealthy = true
		i.LastHealthCheck = now
	})
	if wasUnhealthy {
		p.ledger.ResetConsecutiveErrors(instanceID)
	}
	return wasUnhealthy
}

func (p *Prober) applyUnhealthy(instanceID string, now time.Time) {
	p.reg.Update(instanceID, func(i *types.Instance) {
		i.IsHealthy = false
		i.LastHealthCheck = now
		i.LastError = &now
	})
}
