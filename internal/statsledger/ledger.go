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

// Package statsledger is the sole mutable focal point for per-instance
// request accounting (§9): active/total/success/error counters, consecutive
// error streaks, and EWMA latency. The Scorer reads it; nothing writes back
// into the Scorer, avoiding the cyclic reference the teacher's original
// services had between control loops and their stats.
package statsledger

import (
	"sync"

	"github.com/defilantech/inferencebalancer/internal/types"
)

const ewmaAlpha = 0.2

// Ledger holds one InstanceMetrics per instanceId behind a single mutex
// shared by all instances. Map access and in-place counter updates both
// happen under that lock, rather than per-field atomics: the invariants
// (I1–I3) span multiple fields at once (e.g. reportSuccess touches six
// fields together), so one critical section per operation is simpler to
// reason about than lock-free bookkeeping across them.
type Ledger struct {
	mu      sync.Mutex
	byID    map[string]*types.InstanceMetrics
}

// New returns an empty Ledger. Every Instance starts with a zeroed
// InstanceMetrics the first time any operation touches its id.
func New() *Ledger {
	return &Ledger{byID: make(map[string]*types.InstanceMetrics)}
}

func (l *Ledger) entry(id string) *types.InstanceMetrics {
	m, ok := l.byID[id]
	if !ok {
		m = &types.InstanceMetrics{}
		l.byID[id] = m
	}
	return m
}

// BeginRequest increments activeRequests for id. Must be paired with
// exactly one later ReportSuccess, ReportFailure, or ReportCancelled for the
// same logical request (§4.H, §5 ordering guarantee).
func (l *Ledger) BeginRequest(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(id).ActiveRequests++
}

// ReportSuccess records a completed request: totalRequests and
// successCount increment, activeRequests decrements, consecutiveErrors
// resets, and the EWMA latency is updated with α=0.2.
func (l *Ledger) ReportSuccess(id string, latencyMs float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.entry(id)
	m.SuccessCount++
	m.TotalRequests++
	if m.ActiveRequests > 0 {
		m.ActiveRequests--
	}
	m.ConsecutiveErrors = 0
	if m.AvgResponseTimeMs == 0 {
		m.AvgResponseTimeMs = latencyMs
	} else {
		m.AvgResponseTimeMs = ewmaAlpha*latencyMs + (1-ewmaAlpha)*m.AvgResponseTimeMs
	}
	m.LastResponseTimeMs = latencyMs
}

// ReportFailure records a failed request: totalRequests and errorCount
// increment, activeRequests decrements, consecutiveErrors increments. code
// is accepted for future diagnostics surfacing but does not change the
// accounting math.
func (l *Ledger) ReportFailure(id string, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.entry(id)
	m.ErrorCount++
	m.TotalRequests++
	if m.ActiveRequests > 0 {
		m.ActiveRequests--
	}
	m.ConsecutiveErrors++
}

// ReportCancelled decrements activeRequests without touching any other
// counter (§5 cancellation semantics: must not bump successCount or
// errorCount).
func (l *Ledger) ReportCancelled(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.entry(id)
	if m.ActiveRequests > 0 {
		m.ActiveRequests--
	}
}

// Snapshot returns a copy of the current InstanceMetrics for id (zero value
// if never touched).
func (l *Ledger) Snapshot(id string) types.InstanceMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.entry(id)
}

// ConsecutiveErrors returns just the consecutive-error streak for id,
// convenient for breaker checks without copying the whole struct.
func (l *Ledger) ConsecutiveErrors(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entry(id).ConsecutiveErrors
}

// Reset zeroes the ledger entry for id (manual breaker reset, §3 I5).
func (l *Ledger) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byID[id] = &types.InstanceMetrics{}
}

// ResetConsecutiveErrors clears only the consecutive-error streak for id,
// leaving totalRequests/successCount/errorCount/EWMA latency untouched
// (§4.C: an unhealthy->healthy probe transition forgives the streak that
// tripped the breaker, it does not erase the instance's request history).
func (l *Ledger) ResetConsecutiveErrors(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(id).ConsecutiveErrors = 0
}
