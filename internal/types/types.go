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

// Package types holds the data model shared across the balancer: GPU and
// Instance records, per-instance metrics, and the request/response envelope
// exchanged with callers and downstream model servers.
package types

import "time"

// Vendor identifies the maker of a probed accelerator.
type Vendor string

const (
	VendorNVIDIA Vendor = "nvidia"
	VendorAMD    Vendor = "amd"
	VendorOther  Vendor = "other"
)

// Gpu is an immutable snapshot of one local accelerator, as reported by the
// vendor probe tool for one enumeration cycle.
type Gpu struct {
	ID            int
	Vendor        Vendor
	Name          string
	MemoryTotalMB int
	ComputeTier   int
	SupportsFp16  bool
	SupportsBf16  bool
}

// GpuHealth is a point-in-time health reading for one GPU.
type GpuHealth struct {
	GpuID       int
	TemperatureC float64
	GPUUtilPct  float64
	MemUtilPct  float64
	MemUsedMB   int
	MemTotalMB  int
	PowerDrawW  float64
	Healthy     bool
}

// Instance is a stable, addressable endpoint serving one or more models,
// typically backed by a GPU-pinned llama-server-style process.
type Instance struct {
	ID             string
	GpuID          *int
	Port           int
	BaseURL        string
	MaxMemoryMB    int
	SupportedModels map[string]struct{}

	// Mutable fields, guarded by the Registry's lock (changed via Update).
	IsHealthy       bool
	HealthScore     float64
	LastHealthCheck time.Time
	LastError       *time.Time
}

// SupportsModel reports whether the instance is configured to serve modelID.
func (i *Instance) SupportsModel(modelID string) bool {
	if i == nil || i.SupportedModels == nil {
		return false
	}
	_, ok := i.SupportedModels[modelID]
	return ok
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry's lock (the SupportedModels set is copied, so later in-place
// additions such as RefineFromModelSource do not show through the copy).
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	if i.GpuID != nil {
		gpuID := *i.GpuID
		cp.GpuID = &gpuID
	}
	if i.LastError != nil {
		lastErr := *i.LastError
		cp.LastError = &lastErr
	}
	cp.SupportedModels = make(map[string]struct{}, len(i.SupportedModels))
	for m := range i.SupportedModels {
		cp.SupportedModels[m] = struct{}{}
	}
	return &cp
}

// InstanceMetrics is the StatsLedger-owned counter set for one Instance.
type InstanceMetrics struct {
	ActiveRequests     int
	TotalRequests       int64
	SuccessCount        int64
	ErrorCount          int64
	ConsecutiveErrors   int
	AvgResponseTimeMs   float64
	LastResponseTimeMs  float64
}

// SuccessRate returns SuccessCount/TotalRequests, or 1 when no requests have
// completed yet (an untested instance is assumed healthy).
func (m InstanceMetrics) SuccessRate() float64 {
	if m.TotalRequests == 0 {
		return 1
	}
	return float64(m.SuccessCount) / float64(m.TotalRequests)
}

// ErrorRate returns ErrorCount/TotalRequests, or 0 with no requests yet.
func (m InstanceMetrics) ErrorRate() float64 {
	if m.TotalRequests == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.TotalRequests)
}

// FinishReason classifies how an InferenceResponse concluded.
type FinishReason string

const (
	FinishComplete  FinishReason = "complete"
	FinishMaxTokens FinishReason = "maxTokens"
	FinishStop      FinishReason = "stop"
	FinishTimeout   FinishReason = "timeout"
	FinishError     FinishReason = "error"
)

// InferenceRequest is one inbound inference request.
type InferenceRequest struct {
	RequestID       string
	ModelID         string
	Prompt          string
	SystemPrompt    string
	Temperature     float64
	TopP            float64
	MaxTokens       int
	StopSequences   []string
	TimeoutMs       int
	PreferredGpuID  *int
	PromptType      string
}

// InferenceResponse is the result of dispatching an InferenceRequest.
type InferenceResponse struct {
	Text             string
	ModelID          string
	InstanceID       string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        float64
	FinishReason     FinishReason
	Confidence       float64
	Diagnostic       string
	Cached           bool
}

// CacheEntry is one ResponseCache slot.
type CacheEntry struct {
	Fingerprint string
	Response    InferenceResponse
	CreatedAt   time.Time
}
