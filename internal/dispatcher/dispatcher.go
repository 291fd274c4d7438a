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

// Package dispatcher composes the InstanceRegistry, Scorer, StatsLedger,
// ResponseCache, and Provider into the balancer's single public decision
// point: pick an Instance for a request, dispatch it, account for the
// outcome, and fail over within budget (§4.E).
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/defilantech/inferencebalancer/internal/cache"
	"github.com/defilantech/inferencebalancer/internal/errs"
	"github.com/defilantech/inferencebalancer/internal/health"
	"github.com/defilantech/inferencebalancer/internal/metrics"
	"github.com/defilantech/inferencebalancer/internal/provider"
	"github.com/defilantech/inferencebalancer/internal/registry"
	"github.com/defilantech/inferencebalancer/internal/scorer"
	"github.com/defilantech/inferencebalancer/internal/statsledger"
	"github.com/defilantech/inferencebalancer/internal/types"
)

// Config carries the breaker and failover tuning recognized from §6.
type Config struct {
	ErrorBreakerThreshold   int
	MinRequestsForErrorRate int
	ErrorRateThreshold      float64
	MaxFailovers            int
}

func (c Config) withDefaults() Config {
	if c.ErrorBreakerThreshold <= 0 {
		c.ErrorBreakerThreshold = 3
	}
	if c.MinRequestsForErrorRate <= 0 {
		c.MinRequestsForErrorRate = 20
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		c.ErrorRateThreshold = 0.5
	}
	if c.MaxFailovers <= 0 {
		c.MaxFailovers = 2
	}
	return c
}

// Dispatcher is the balancer's single public decision point.
type Dispatcher struct {
	reg      *registry.Registry
	ledger   *statsledger.Ledger
	cache    *cache.Cache
	provider *provider.Provider
	prober   *health.Prober
	cfg      Config
	logger   *zap.SugaredLogger
}

// New returns a Dispatcher. prober may be nil, disabling the emergency
// probe fallback (candidates simply stay empty when no healthy instance
// supports a model).
func New(reg *registry.Registry, ledger *statsledger.Ledger, respCache *cache.Cache, prov *provider.Provider, prober *health.Prober, cfg Config, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		reg:      reg,
		ledger:   ledger,
		cache:    respCache,
		provider: prov,
		prober:   prober,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Dispatch routes one InferenceRequest to the best-scoring healthy Instance
// supporting its model, retrying across instances up to the configured
// failover budget. See §4.E for the full algorithm.
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.InferenceRequest) (types.InferenceResponse, error) {
	if err := validate(req); err != nil {
		return types.InferenceResponse{}, err
	}
	start := time.Now()

	fingerprint := cache.Fingerprint(req)
	if d.cache != nil {
		if resp, ok := d.cache.Get(fingerprint); ok {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			metrics.DispatchTotal.WithLabelValues(req.ModelID, "cached").Inc()
			metrics.DispatchDuration.WithLabelValues(req.ModelID, "cached").Observe(time.Since(start).Seconds())
			return resp, nil
		}
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}

	candidates := d.candidatesFor(ctx, req.ModelID)
	if len(candidates) == 0 {
		err := errs.New("dispatcher.Dispatch", errs.KindNoHealthyInstance,
			fmt.Errorf("no healthy instance supports model %q", req.ModelID))
		metrics.DispatchTotal.WithLabelValues(req.ModelID, string(errs.KindNoHealthyInstance)).Inc()
		metrics.DispatchDuration.WithLabelValues(req.ModelID, string(errs.KindNoHealthyInstance)).Observe(time.Since(start).Seconds())
		return types.InferenceResponse{}, err
	}

	ranked := scorer.RankInstances(candidates, d.ledger.Snapshot, req)

	attempts := d.cfg.MaxFailovers + 1
	if attempts > len(ranked) {
		attempts = len(ranked)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		inst := ranked[i].Instance
		if i > 0 {
			metrics.FailoverTotal.WithLabelValues(req.ModelID).Inc()
		}
		resp, err := d.attempt(ctx, inst, req)
		if err == nil {
			resp.Cached = false
			if d.cache != nil {
				d.cache.Put(fingerprint, resp)
				metrics.CacheEntries.Set(float64(d.cache.Len()))
			}
			metrics.DispatchTotal.WithLabelValues(req.ModelID, "success").Inc()
			metrics.DispatchDuration.WithLabelValues(req.ModelID, "success").Observe(time.Since(start).Seconds())
			return resp, nil
		}

		lastErr = err
		kind := errs.KindOf(err)
		if kind == errs.KindCancelled || kind == errs.KindTimeout {
			// §4.E step 9: fatal/timeout outcomes are not failed over.
			metrics.DispatchTotal.WithLabelValues(req.ModelID, string(kind)).Inc()
			metrics.DispatchDuration.WithLabelValues(req.ModelID, string(kind)).Observe(time.Since(start).Seconds())
			return degradedResponse(req, inst.ID, kind, err), err
		}
		// Downstream/ParseError: eligible for failover to the next candidate.
	}

	finalKind := errs.KindOf(lastErr)
	metrics.DispatchTotal.WithLabelValues(req.ModelID, string(finalKind)).Inc()
	metrics.DispatchDuration.WithLabelValues(req.ModelID, string(finalKind)).Observe(time.Since(start).Seconds())
	return degradedResponse(req, "", finalKind, lastErr), lastErr
}

// attempt runs a single dispatch against inst: begin/report accounting,
// health-score recomputation, and breaker evaluation.
func (d *Dispatcher) attempt(ctx context.Context, inst *types.Instance, req *types.InferenceRequest) (types.InferenceResponse, error) {
	d.ledger.BeginRequest(inst.ID)
	metrics.ActiveRequests.WithLabelValues(inst.ID).Inc()
	defer metrics.ActiveRequests.WithLabelValues(inst.ID).Dec()

	resp, err := d.provider.Generate(ctx, inst, req)
	if err != nil {
		kind := errs.KindOf(err)
		if kind == errs.KindCancelled {
			d.ledger.ReportCancelled(inst.ID)
			return types.InferenceResponse{}, err
		}

		d.ledger.ReportFailure(inst.ID, string(kind))
		d.maybeTripBreaker(inst.ID)
		return types.InferenceResponse{}, err
	}

	d.ledger.ReportSuccess(inst.ID, resp.LatencyMs)
	d.recomputeHealthScore(inst.ID)
	return resp, nil
}

func (d *Dispatcher) maybeTripBreaker(instanceID string) {
	m := d.ledger.Snapshot(instanceID)

	consecutiveTrip := m.ConsecutiveErrors >= d.cfg.ErrorBreakerThreshold
	enoughSamples := m.TotalRequests >= int64(d.cfg.MinRequestsForErrorRate)
	rateTrip := enoughSamples && float64(m.ErrorCount)/float64(m.TotalRequests) >= d.cfg.ErrorRateThreshold

	if (consecutiveTrip && enoughSamples) || rateTrip {
		inst := d.reg.Get(instanceID)
		wasHealthy := inst != nil && inst.IsHealthy
		d.reg.Update(instanceID, func(i *types.Instance) { i.IsHealthy = false })
		if wasHealthy {
			metrics.BreakerTripsTotal.WithLabelValues(instanceID).Inc()
			metrics.InstanceHealthy.WithLabelValues(instanceID).Set(0)
		}
	}
}

func (d *Dispatcher) recomputeHealthScore(instanceID string) {
	m := d.ledger.Snapshot(instanceID)
	hs := scorer.UpdateHealthScore(m)
	d.reg.Update(instanceID, func(i *types.Instance) { i.HealthScore = hs })
	metrics.InstanceHealthScore.WithLabelValues(instanceID).Set(hs)
}

// candidatesFor returns the healthy instances supporting modelID, running a
// synchronous emergency probe across every instance supporting the model
// (healthy or not) if the healthy set comes back empty (§4.E step 3,
// invariant I3).
func (d *Dispatcher) candidatesFor(ctx context.Context, modelID string) []*types.Instance {
	candidates := d.reg.CandidatesForModel(modelID)
	if len(candidates) > 0 || d.prober == nil {
		return candidates
	}

	for _, inst := range d.reg.AnyForModel(modelID) {
		d.prober.EmergencyProbe(ctx, inst.ID)
	}
	return d.reg.CandidatesForModel(modelID)
}

// DispatchStream is the streaming counterpart of Dispatch: chunkSink is
// invoked once per chunk, on the calling goroutine (single consumer, §4.F).
// Cache hits are not supported for the streaming path; a cached response
// would need to be re-chunked, which is out of scope.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *types.InferenceRequest, chunkSink func(provider.StreamChunk) error) (types.InferenceResponse, error) {
	if err := validate(req); err != nil {
		return types.InferenceResponse{}, err
	}

	candidates := d.candidatesFor(ctx, req.ModelID)
	if len(candidates) == 0 {
		return types.InferenceResponse{}, errs.New("dispatcher.DispatchStream", errs.KindNoHealthyInstance,
			fmt.Errorf("no healthy instance supports model %q", req.ModelID))
	}
	ranked := scorer.RankInstances(candidates, d.ledger.Snapshot, req)
	inst := ranked[0].Instance

	start := time.Now()
	d.ledger.BeginRequest(inst.ID)
	metrics.ActiveRequests.WithLabelValues(inst.ID).Inc()
	defer metrics.ActiveRequests.WithLabelValues(inst.ID).Dec()

	var final types.InferenceResponse
	err := d.provider.GenerateStream(ctx, inst, req, func(c provider.StreamChunk) error {
		if c.Done {
			final = types.InferenceResponse{
				ModelID:          req.ModelID,
				InstanceID:       inst.ID,
				PromptTokens:     c.PromptTokens,
				CompletionTokens: c.CompletionTokens,
				LatencyMs:        float64(time.Since(start).Milliseconds()),
				FinishReason:     c.FinishReason,
			}
		}
		return chunkSink(c)
	})

	if err != nil {
		kind := errs.KindOf(err)
		if kind == errs.KindCancelled {
			d.ledger.ReportCancelled(inst.ID)
		} else {
			d.ledger.ReportFailure(inst.ID, string(kind))
			d.maybeTripBreaker(inst.ID)
		}
		metrics.DispatchTotal.WithLabelValues(req.ModelID, string(kind)).Inc()
		metrics.DispatchDuration.WithLabelValues(req.ModelID, string(kind)).Observe(time.Since(start).Seconds())
		return types.InferenceResponse{}, err
	}

	d.ledger.ReportSuccess(inst.ID, final.LatencyMs)
	d.recomputeHealthScore(inst.ID)
	metrics.DispatchTotal.WithLabelValues(req.ModelID, "success").Inc()
	metrics.DispatchDuration.WithLabelValues(req.ModelID, "success").Observe(time.Since(start).Seconds())
	return final, nil
}

// Embed routes one embedding request to the best-scoring healthy instance
// supporting modelID (§6 embeddings endpoint). Unlike Dispatch it is not
// cached or failed over: a single downstream call either returns a vector
// or an error.
func (d *Dispatcher) Embed(ctx context.Context, modelID, prompt string) ([]float64, error) {
	if modelID == "" {
		return nil, errs.New("dispatcher.Embed", errs.KindValidation, fmt.Errorf("modelId is required"))
	}

	candidates := d.candidatesFor(ctx, modelID)
	if len(candidates) == 0 {
		return nil, errs.New("dispatcher.Embed", errs.KindNoHealthyInstance,
			fmt.Errorf("no healthy instance supports model %q", modelID))
	}
	ranked := scorer.RankInstances(candidates, d.ledger.Snapshot, &types.InferenceRequest{ModelID: modelID})
	inst := ranked[0].Instance

	start := time.Now()
	d.ledger.BeginRequest(inst.ID)
	metrics.ActiveRequests.WithLabelValues(inst.ID).Inc()
	defer metrics.ActiveRequests.WithLabelValues(inst.ID).Dec()

	vec, err := d.provider.Embed(ctx, inst, modelID, prompt)
	if err != nil {
		kind := errs.KindOf(err)
		if kind != errs.KindCancelled {
			d.ledger.ReportFailure(inst.ID, string(kind))
			d.maybeTripBreaker(inst.ID)
		} else {
			d.ledger.ReportCancelled(inst.ID)
		}
		return nil, err
	}
	d.ledger.ReportSuccess(inst.ID, float64(time.Since(start).Milliseconds()))
	d.recomputeHealthScore(inst.ID)
	return vec, nil
}

// InstanceHealth is one entry of the health() report (§4 Upstream API).
type InstanceHealth struct {
	ID                string  `json:"id"`
	GpuID             *int    `json:"gpuId,omitempty"`
	Port              int     `json:"port"`
	IsHealthy         bool    `json:"isHealthy"`
	HealthScore       float64 `json:"healthScore"`
	ActiveRequests    int     `json:"activeRequests"`
	SuccessRate       float64 `json:"successRate"`
	AvgResponseTimeMs float64 `json:"avgResponseTimeMs"`
}

// Health returns a point-in-time report across every known Instance.
func (d *Dispatcher) Health() []InstanceHealth {
	snap := d.reg.Snapshot()
	out := make([]InstanceHealth, 0, len(snap))
	for _, inst := range snap {
		m := d.ledger.Snapshot(inst.ID)
		out = append(out, InstanceHealth{
			ID:                inst.ID,
			GpuID:             inst.GpuID,
			Port:              inst.Port,
			IsHealthy:         inst.IsHealthy,
			HealthScore:       inst.HealthScore,
			ActiveRequests:    m.ActiveRequests,
			SuccessRate:       m.SuccessRate(),
			AvgResponseTimeMs: m.AvgResponseTimeMs,
		})
	}
	return out
}

func validate(req *types.InferenceRequest) error {
	if req == nil || req.ModelID == "" {
		return errs.New("dispatcher.validate", errs.KindValidation, fmt.Errorf("modelId is required"))
	}
	return nil
}

// degradedResponse builds the "preserve the envelope" failure payload
// described in §7: a non-exception result carrying a finish reason and
// diagnostic instead of propagating the raw error to the caller's response
// shape. The error itself is still returned alongside it for callers (the
// Server) that need the tagged Kind.
func degradedResponse(req *types.InferenceRequest, instanceID string, kind errs.Kind, cause error) types.InferenceResponse {
	reason := types.FinishError
	if kind == errs.KindTimeout {
		reason = types.FinishTimeout
	}
	diagnostic := ""
	if cause != nil {
		diagnostic = cause.Error()
	}
	return types.InferenceResponse{
		ModelID:      req.ModelID,
		InstanceID:   instanceID,
		FinishReason: reason,
		Diagnostic:   diagnostic,
	}
}
