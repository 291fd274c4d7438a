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

package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defilantech/inferencebalancer/internal/registry"
	"github.com/defilantech/inferencebalancer/internal/statsledger"
	"github.com/defilantech/inferencebalancer/internal/types"
)

func newTestRegistry(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	r := registry.New(nil, nil)
	r.Provision(registry.ProvisionConfig{EnableGpuLoadBalancing: false, DefaultPort: 8080}, nil)
	return r, r.Snapshot()[0].ID
}

func markUnhealthy(i *types.Instance) { i.IsHealthy = false }

func TestProbeOneMarksUnhealthyOnFailure(t *testing.T) {
	r, id := newTestRegistry(t)
	ledger := statsledger.New()
	p := New(r, ledger, func(context.Context, string) error { return errors.New("refused") }, time.Second, time.Second, nil)

	p.probeOne(context.Background(), id, r.Get(id).BaseURL)

	if r.Get(id).IsHealthy {
		t.Errorf("expected instance to be marked unhealthy after a failed probe")
	}
}

func TestProbeOneResetsConsecutiveErrorsOnHealthyTransition(t *testing.T) {
	r, id := newTestRegistry(t)
	ledger := statsledger.New()
	ledger.ReportFailure(id, "downstream")
	ledger.ReportFailure(id, "downstream")

	p := New(r, ledger, func(context.Context, string) error { return nil }, time.Second, time.Second, nil)
	r.Update(id, markUnhealthy)

	p.probeOne(context.Background(), id, r.Get(id).BaseURL)

	if !r.Get(id).IsHealthy {
		t.Fatalf("expected instance healthy after a successful probe")
	}
	if ledger.ConsecutiveErrors(id) != 0 {
		t.Errorf("expected consecutiveErrors reset to 0 on unhealthy->healthy transition, got %d", ledger.ConsecutiveErrors(id))
	}
	if got := ledger.Snapshot(id).TotalRequests; got != 2 {
		t.Errorf("expected the prior totalRequests history preserved across the transition, got %d", got)
	}
}

func TestProbeAllFansOutConcurrently(t *testing.T) {
	r := registry.New(nil, nil)
	r.Provision(registry.ProvisionConfig{
		EnableGpuLoadBalancing: true,
		BasePort:               9000,
	}, []types.Gpu{{ID: 0, MemoryTotalMB: 8 * 1024}, {ID: 1, MemoryTotalMB: 8 * 1024}})
	ledger := statsledger.New()

	var calls int32
	block := make(chan struct{})
	p := New(r, ledger, func(ctx context.Context, _ string) error {
		atomic.AddInt32(&calls, 1)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}, time.Second, time.Second, nil)

	done := make(chan struct{})
	go func() {
		p.probeAll(context.Background())
		close(done)
	}()

	// Give both goroutines a chance to start before unblocking; if probeAll
	// serialized instances this would hang on the first ping.
	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got < 2 {
		t.Fatalf("expected both instances to be pinged concurrently, got %d in-flight calls", got)
	}
	close(block)
	<-done
}

func TestEmergencyProbeRateLimited(t *testing.T) {
	r, id := newTestRegistry(t)
	ledger := statsledger.New()
	var calls int32
	p := New(r, ledger, func(context.Context, string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}, time.Second, time.Hour, nil)

	p.EmergencyProbe(context.Background(), id)
	p.EmergencyProbe(context.Background(), id)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected the second EmergencyProbe within cacheDuration to be suppressed, got %d calls", got)
	}
}

func TestEmergencyProbeRestoresUnhealthyInstance(t *testing.T) {
	r, id := newTestRegistry(t)
	r.Update(id, markUnhealthy)
	ledger := statsledger.New()
	p := New(r, ledger, func(context.Context, string) error { return nil }, time.Second, time.Millisecond, nil)

	healthy := p.EmergencyProbe(context.Background(), id)

	if !healthy {
		t.Fatalf("expected EmergencyProbe to report healthy after a successful stubbed ping")
	}
	if !r.Get(id).IsHealthy {
		t.Errorf("expected the registry to reflect the restored instance")
	}
}
