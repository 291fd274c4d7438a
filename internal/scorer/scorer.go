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

// Package scorer implements the pure, deterministic scoring function used by
// the Dispatcher on every routing decision, plus the health-score update
// function applied after each request outcome. Neither function holds a
// reference back to the registry or ledger: they are pure math over the
// values passed in.
package scorer

import (
	"math"
	"sort"

	"github.com/defilantech/inferencebalancer/internal/types"
)

const (
	// minHealthScore and maxHealthScore bound the healthScore range
	// invariant I4.
	minHealthScore = 0.1
	maxHealthScore = 1.0

	slowResponseMs     = 15000.0
	verySlowResponseMs = 30000.0
)

// Score computes a non-negative score for candidate i given its current
// metrics and the incoming request. Higher is better. Deterministic: equal
// inputs always produce an equal output.
func Score(i *types.Instance, m types.InstanceMetrics, r *types.InferenceRequest) float64 {
	s := 100.0
	s -= 10.0 * float64(m.ActiveRequests)
	s -= math.Min(50.0, m.AvgResponseTimeMs/1000.0)
	if m.TotalRequests > 0 {
		s -= 50.0 * (float64(m.ErrorCount) / float64(m.TotalRequests))
	}
	if r != nil && r.PreferredGpuID != nil && i.GpuID != nil && *r.PreferredGpuID == *i.GpuID {
		s += 20.0
	}

	s *= clamp(i.HealthScore, minHealthScore, maxHealthScore)

	return math.Max(s, 0)
}

// UpdateHealthScore derives the next healthScore for an instance from its
// current metrics, per §4.D. Bounded to [0.1, 1.0] (invariant I4).
func UpdateHealthScore(m types.InstanceMetrics) float64 {
	hs := 1.0
	hs *= m.SuccessRate()

	switch {
	case m.AvgResponseTimeMs > verySlowResponseMs:
		hs *= 0.5
	case m.AvgResponseTimeMs > slowResponseMs:
		hs *= 0.8
	}

	hs *= math.Pow(0.9, float64(m.ConsecutiveErrors))

	return clamp(hs, minHealthScore, maxHealthScore)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Candidate pairs an Instance with the metrics snapshot it was scored
// against, so callers can sort without re-reading the ledger mid-sort.
type Candidate struct {
	Instance *types.Instance
	Metrics  types.InstanceMetrics
	Score    float64
}

// RankInstances scores every candidate against r and returns them sorted
// descending by score, tie-broken by ascending instanceId (§4.D).
func RankInstances(instances []*types.Instance, metricsOf func(id string) types.InstanceMetrics, r *types.InferenceRequest) []Candidate {
	ranked := make([]Candidate, 0, len(instances))
	for _, inst := range instances {
		m := metricsOf(inst.ID)
		ranked = append(ranked, Candidate{
			Instance: inst,
			Metrics:  m,
			Score:    Score(inst, m, r),
		})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].Score != ranked[b].Score {
			return ranked[a].Score > ranked[b].Score
		}
		return ranked[a].Instance.ID < ranked[b].Instance.ID
	})
	return ranked
}
