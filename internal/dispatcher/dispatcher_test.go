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

package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defilantech/inferencebalancer/internal/cache"
	"github.com/defilantech/inferencebalancer/internal/errs"
	"github.com/defilantech/inferencebalancer/internal/provider"
	"github.com/defilantech/inferencebalancer/internal/registry"
	"github.com/defilantech/inferencebalancer/internal/statsledger"
	"github.com/defilantech/inferencebalancer/internal/types"
)

// newHarness wires a Dispatcher whose single provisioned Instance points at
// srv and supports model "m7".
func newHarness(t *testing.T, srv *httptest.Server, cfg Config) (*Dispatcher, *registry.Registry, *statsledger.Ledger) {
	t.Helper()
	reg := registry.New(nil, nil)
	reg.Provision(registry.ProvisionConfig{EnableGpuLoadBalancing: false, DefaultPort: 0}, nil)
	id := reg.Snapshot()[0].ID
	reg.Update(id, func(i *types.Instance) {
		i.BaseURL = srv.URL
		i.SupportedModels = map[string]struct{}{"m7": {}}
		i.IsHealthy = true
		i.HealthScore = 1.0
	})

	ledger := statsledger.New()
	respCache := cache.New(time.Minute, 100, nil)
	prov := provider.New(srv.Client(), 4, nil).WithBaseDelay(time.Millisecond)

	d := New(reg, ledger, respCache, prov, nil, cfg, nil)
	return d, reg, ledger
}

func TestDispatchSingleInstanceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(10 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "pong", "done": true, "prompt_eval_count": 1, "eval_count": 1})
	}))
	defer srv.Close()

	d, _, ledger := newHarness(t, srv, Config{})
	id := d.reg.Snapshot()[0].ID

	resp, err := d.Dispatch(context.Background(), &types.InferenceRequest{ModelID: "m7", Prompt: "ping", MaxTokens: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "pong" {
		t.Errorf("expected text %q, got %q", "pong", resp.Text)
	}

	m := ledger.Snapshot(id)
	if m.SuccessCount != 1 {
		t.Errorf("expected successCount=1, got %d", m.SuccessCount)
	}
	if m.ActiveRequests != 0 {
		t.Errorf("expected activeRequests=0 after completion, got %d", m.ActiveRequests)
	}
}

func TestDispatchNoHealthyInstanceForUnknownModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d, _, _ := newHarness(t, srv, Config{})
	_, err := d.Dispatch(context.Background(), &types.InferenceRequest{ModelID: "nonexistent", Prompt: "x"})
	if err == nil {
		t.Fatalf("expected an error for an unsupported model")
	}
	if errs.KindOf(err) != errs.KindNoHealthyInstance {
		t.Errorf("expected KindNoHealthyInstance, got %v", errs.KindOf(err))
	}
}

func TestDispatchValidationRejectsEmptyModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d, _, _ := newHarness(t, srv, Config{})
	_, err := d.Dispatch(context.Background(), &types.InferenceRequest{Prompt: "x"})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected KindValidation, got %v", errs.KindOf(err))
	}
}

func TestDispatchCacheRoundTrip(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "pong", "done": true})
	}))
	defer srv.Close()

	d, _, _ := newHarness(t, srv, Config{})
	req := &types.InferenceRequest{ModelID: "m7", Prompt: "ping", Temperature: 0.11}
	req2 := &types.InferenceRequest{ModelID: "m7", Prompt: "ping", Temperature: 0.13}

	first, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := d.Dispatch(context.Background(), req2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly one downstream call, got %d", got)
	}
	if second.Text != first.Text {
		t.Errorf("expected cached response to equal the first by value")
	}
	if !second.Cached {
		t.Errorf("expected the second response to be marked as cached")
	}
}

func TestDispatchTimeoutDoesNotFailover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "too late", "done": true})
	}))
	defer srv.Close()

	d, _, ledger := newHarness(t, srv, Config{})
	id := d.reg.Snapshot()[0].ID

	start := time.Now()
	resp, err := d.Dispatch(context.Background(), &types.InferenceRequest{ModelID: "m7", Prompt: "ping", TimeoutMs: 100})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if errs.KindOf(err) != errs.KindTimeout {
		t.Errorf("expected KindTimeout, got %v", errs.KindOf(err))
	}
	if resp.FinishReason != types.FinishTimeout {
		t.Errorf("expected degraded response finishReason=timeout, got %v", resp.FinishReason)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("expected dispatch to return close to the 100ms timeout, took %v", elapsed)
	}

	m := ledger.Snapshot(id)
	if m.ActiveRequests != 0 {
		t.Errorf("expected activeRequests=0 after timeout, got %d", m.ActiveRequests)
	}
	if m.ErrorCount != 1 {
		t.Errorf("expected errorCount incremented by timeout, got %d", m.ErrorCount)
	}
}

func TestDispatchCancellationDoesNotCountAsError(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	d, _, ledger := newHarness(t, srv, Config{})
	id := d.reg.Snapshot()[0].ID

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.Dispatch(ctx, &types.InferenceRequest{ModelID: "m7", Prompt: "ping", TimeoutMs: 5000})
	if err == nil {
		t.Fatalf("expected a cancellation error")
	}
	if errs.KindOf(err) != errs.KindCancelled {
		t.Errorf("expected KindCancelled, got %v", errs.KindOf(err))
	}

	time.Sleep(20 * time.Millisecond)
	m := ledger.Snapshot(id)
	if m.ActiveRequests != 0 {
		t.Errorf("expected activeRequests restored to 0 after cancellation, got %d", m.ActiveRequests)
	}
	if m.ErrorCount != 0 {
		t.Errorf("expected cancellation to not increment errorCount, got %d", m.ErrorCount)
	}
}

func TestDispatchBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d, reg, ledger := newHarness(t, srv, Config{ErrorBreakerThreshold: 3, MinRequestsForErrorRate: 3, MaxFailovers: 0})
	id := reg.Snapshot()[0].ID

	for i := 0; i < 3; i++ {
		_, _ = d.Dispatch(context.Background(), &types.InferenceRequest{ModelID: "m7", Prompt: "ping"})
	}

	if reg.Get(id).IsHealthy {
		t.Errorf("expected instance to be marked unhealthy after %d consecutive failures", 3)
	}
	if ledger.ConsecutiveErrors(id) != 3 {
		t.Errorf("expected consecutiveErrors=3, got %d", ledger.ConsecutiveErrors(id))
	}
}

func TestDispatchHealthReportReflectsRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d, _, _ := newHarness(t, srv, Config{})
	report := d.Health()
	if len(report) != 1 {
		t.Fatalf("expected exactly one instance in the health report, got %d", len(report))
	}
	if !report[0].IsHealthy {
		t.Errorf("expected the lone instance to report healthy")
	}
}
