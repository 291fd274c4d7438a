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

// Package platform enumerates local accelerators by shelling out to vendor
// tools (nvidia-smi, rocm-smi) and parsing their tabular CSV output, and
// reports live per-GPU health. Absence of a vendor tool is not an error —
// it just means that vendor contributes no GPUs to the fleet.
package platform

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/defilantech/inferencebalancer/internal/metrics"
	"github.com/defilantech/inferencebalancer/internal/types"
)

const enumerateCacheTTL = 5 * time.Minute

// runner abstracts process execution so tests can stub vendor tool output
// without touching the real nvidia-smi/rocm-smi binaries.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// GpuProbe enumerates local accelerators and reports their health.
// Concurrent Enumerate callers during an expired cache window share exactly
// one in-flight probe (single-flight), per the teacher's "health check
// cached for N minutes" pattern generalized into a time-coalesced probe
// rather than one cache field per caller.
type GpuProbe struct {
	logger *zap.SugaredLogger
	run    runner

	group singleflight.Group

	mu        sync.Mutex
	cached    []types.Gpu
	cachedAt  time.Time
}

// New returns a GpuProbe. logger may be nil (a no-op logger is used).
func New(logger *zap.SugaredLogger) *GpuProbe {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GpuProbe{logger: logger, run: execRunner}
}

// Enumerate returns the local accelerator list, using a 5-minute cache.
// Vendor-tool absence or failure yields an empty slice, never an error
// (§4.A): a host with no GPUs is a valid, common deployment.
func (p *GpuProbe) Enumerate(ctx context.Context) []types.Gpu {
	p.mu.Lock()
	if p.cached != nil && time.Since(p.cachedAt) < enumerateCacheTTL {
		cached := p.cached
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	v, _, _ := p.group.Do("enumerate", func() (interface{}, error) {
		start := time.Now()
		gpus := append(p.enumerateNvidia(ctx), p.enumerateAMD(ctx)...)
		metrics.GPUEnumerateDuration.Observe(time.Since(start).Seconds())
		p.mu.Lock()
		p.cached = gpus
		p.cachedAt = time.Now()
		p.mu.Unlock()
		return gpus, nil
	})
	return v.([]types.Gpu)
}

// InvalidateCache forces the next Enumerate call to re-probe, used by the
// registry when it is explicitly asked to reprovision.
func (p *GpuProbe) InvalidateCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

func (p *GpuProbe) enumerateNvidia(ctx context.Context) []types.Gpu {
	out, err := p.run(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.free,compute_cap",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil
	}
	var gpus []types.Gpu
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := splitCSVRow(line)
		if len(fields) < 5 {
			p.logger.Warnw("skipping malformed nvidia-smi row", "line", line)
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			p.logger.Warnw("skipping malformed nvidia-smi row", "line", line, "error", err)
			continue
		}
		memTotal, err := strconv.Atoi(fields[2])
		if err != nil {
			p.logger.Warnw("skipping malformed nvidia-smi row", "line", line, "error", err)
			continue
		}
		computeCap, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			computeCap = 0
		}
		tier := int(computeCap * 10)
		gpus = append(gpus, types.Gpu{
			ID:            idx,
			Vendor:        types.VendorNVIDIA,
			Name:          fields[1],
			MemoryTotalMB: memTotal,
			ComputeTier:   tier,
			SupportsFp16:  computeCap >= 6.0,
			SupportsBf16:  computeCap >= 8.0,
		})
	}
	return gpus
}

func (p *GpuProbe) enumerateAMD(ctx context.Context) []types.Gpu {
	out, err := p.run(ctx, "rocm-smi", "--showproductname", "--showmeminfo", "vram", "--csv")
	if err != nil {
		return nil
	}
	var gpus []types.Gpu
	lines := strings.Split(string(out), "\n")
	idx := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "device") {
			continue
		}
		fields := splitCSVRow(line)
		if len(fields) < 2 {
			p.logger.Warnw("skipping malformed rocm-smi row", "line", line)
			continue
		}
		gpus = append(gpus, types.Gpu{
			ID:            idx,
			Vendor:        types.VendorAMD,
			Name:          fields[1],
			MemoryTotalMB: 0,
			SupportsFp16:  true,
		})
		idx++
	}
	return gpus
}

func splitCSVRow(line string) []string {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

const (
	healthyTempC    = 85.0
	healthyMemUtil  = 95.0
)

// HealthSnapshot returns a live health reading for one GPU by id. Absence
// of the vendor tool or a parse failure yields a GpuHealth with
// Healthy=false rather than an error, matching the enumerate() failure
// contract.
func (p *GpuProbe) HealthSnapshot(ctx context.Context, gpuID int) types.GpuHealth {
	out, err := p.run(ctx, "nvidia-smi",
		"--query-gpu=temperature.gpu,utilization.gpu,utilization.memory,memory.used,memory.total,power.draw",
		"--format=csv,noheader,nounits", "-i", strconv.Itoa(gpuID))
	if err != nil {
		return types.GpuHealth{GpuID: gpuID, Healthy: false}
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	fields := splitCSVRow(line)
	if len(fields) < 6 {
		return types.GpuHealth{GpuID: gpuID, Healthy: false}
	}
	temp, _ := strconv.ParseFloat(fields[0], 64)
	gpuUtil, _ := strconv.ParseFloat(fields[1], 64)
	memUtil, _ := strconv.ParseFloat(fields[2], 64)
	memUsed, _ := strconv.Atoi(fields[3])
	memTotal, _ := strconv.Atoi(fields[4])
	power, _ := strconv.ParseFloat(fields[5], 64)

	return types.GpuHealth{
		GpuID:        gpuID,
		TemperatureC: temp,
		GPUUtilPct:   gpuUtil,
		MemUtilPct:   memUtil,
		MemUsedMB:    memUsed,
		MemTotalMB:   memTotal,
		PowerDrawW:   power,
		Healthy:      temp < healthyTempC && memUtil < healthyMemUtil,
	}
}
