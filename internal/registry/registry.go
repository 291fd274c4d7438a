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

// Package registry materializes the fleet of Instance records from GPU
// capabilities and static configuration, and exposes copy-on-read snapshots
// plus serialized mutation (§4.B). It is a single-writer store: one mutex
// guards every mutation; readers always get an independent copy so the
// Dispatcher's scoring pass never observes a torn update.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/defilantech/inferencebalancer/internal/types"
)

// GpuInstanceOverride pins a specific port/enabled flag to a GPU, overriding
// autodiscovered instance counts (config key gpuInstances[]).
type GpuInstanceOverride struct {
	GpuID       int
	Port        int
	Enabled     bool
	ModelSource string
}

// ProvisionConfig carries the subset of recognized configuration (§6) the
// registry needs to turn GPUs into Instances.
type ProvisionConfig struct {
	EnableGpuLoadBalancing bool
	DefaultPort            int
	BasePort               int
	GpuInstances           []GpuInstanceOverride
}

// ModelInspector optionally adds to an instance's supported-model set from
// a local model file's real header metadata, instead of relying solely on
// the GPU-memory-tier heuristic; MaxMemoryMB is not changed by it. Any error
// (including "not a local path") is swallowed by the caller: a bad or
// missing inspector must never block provisioning (§4.B).
type ModelInspector func(source string) (supportedModels []string, ok bool)

// Registry holds the live Instance set.
type Registry struct {
	mu             sync.Mutex
	instances      map[string]*types.Instance
	order          []string
	modelInspector ModelInspector
	logger         *zap.SugaredLogger
}

// New returns an empty Registry. logger and inspector may be nil.
func New(logger *zap.SugaredLogger, inspector ModelInspector) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		instances:      make(map[string]*types.Instance),
		modelInspector: inspector,
		logger:         logger,
	}
}

// Provision synthesizes Instance records from cfg and gpus. When
// EnableGpuLoadBalancing is false, exactly one Instance is created on
// DefaultPort (config key semantics in §6). Existing instances are left
// untouched; Provision is additive so it can be called incrementally as
// new GPUs are discovered.
func (r *Registry) Provision(cfg ProvisionConfig, gpus []types.Gpu) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !cfg.EnableGpuLoadBalancing {
		r.addLocked(&types.Instance{
			ID:              "local",
			Port:            cfg.DefaultPort,
			BaseURL:         fmt.Sprintf("http://127.0.0.1:%d", cfg.DefaultPort),
			SupportedModels: allTieredModels(),
			IsHealthy:       true,
			HealthScore:     1.0,
		})
		return
	}

	if len(cfg.GpuInstances) > 0 {
		for _, ov := range cfg.GpuInstances {
			if !ov.Enabled {
				continue
			}
			gpuID := ov.GpuID
			id := fmt.Sprintf("gpu%d-p%d", ov.GpuID, ov.Port)
			r.addLocked(&types.Instance{
				ID:              id,
				GpuID:           &gpuID,
				Port:            ov.Port,
				BaseURL:         fmt.Sprintf("http://127.0.0.1:%d", ov.Port),
				SupportedModels: recommendedModelsFor(memoryForGPU(gpus, ov.GpuID)),
				IsHealthy:       true,
				HealthScore:     1.0,
			})
			if ov.ModelSource != "" {
				r.refineLocked(id, ov.ModelSource)
			}
		}
		return
	}

	for _, gpu := range gpus {
		n := recommendedInstanceCount(gpu.MemoryTotalMB)
		for i := 0; i < n; i++ {
			gpuID := gpu.ID
			port := cfg.BasePort + gpu.ID*10 + i
			inst := &types.Instance{
				ID:              fmt.Sprintf("gpu%d-%d", gpu.ID, i),
				GpuID:           &gpuID,
				Port:            port,
				BaseURL:         fmt.Sprintf("http://127.0.0.1:%d", port),
				MaxMemoryMB:     gpu.MemoryTotalMB / n,
				SupportedModels: recommendedModelsFor(gpu.MemoryTotalMB / n),
				IsHealthy:       true,
				HealthScore:     1.0,
			}
			r.addLocked(inst)
		}
	}
}

// RefineFromModelSource refines a single instance's supported-model set
// from a static config entry naming a local model file, using the
// ModelInspector when available. Falls back silently to the memory-tier
// heuristic supportedModels already on the instance. Exported for callers
// refining an already-provisioned instance outside of Provision itself
// (e.g. a config reload naming a new modelSource for an existing GPU).
func (r *Registry) RefineFromModelSource(instanceID, modelSource string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refineLocked(instanceID, modelSource)
}

// refineLocked is RefineFromModelSource's body, callable from within
// Provision, which already holds mu.
func (r *Registry) refineLocked(instanceID, modelSource string) {
	if r.modelInspector == nil {
		return
	}
	models, ok := r.modelInspector(modelSource)
	if !ok || len(models) == 0 {
		return
	}
	inst, exists := r.instances[instanceID]
	if !exists {
		return
	}
	for _, m := range models {
		inst.SupportedModels[m] = struct{}{}
	}
}

func (r *Registry) addLocked(inst *types.Instance) {
	if _, exists := r.instances[inst.ID]; exists {
		return
	}
	r.instances[inst.ID] = inst
	r.order = append(r.order, inst.ID)
}

// Snapshot returns an independent copy of every known Instance, in stable
// insertion order.
func (r *Registry) Snapshot() []*types.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Instance, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.instances[id].Clone())
	}
	return out
}

// Get returns a copy of one Instance by id, or nil if unknown.
func (r *Registry) Get(id string) *types.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil
	}
	return inst.Clone()
}

// Update applies mutator to the live Instance for id under the registry's
// single-writer lock, then returns whether the id was found.
func (r *Registry) Update(id string, mutator func(*types.Instance)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return false
	}
	mutator(inst)
	return true
}

// CandidatesForModel returns a snapshot of instances that currently claim
// isHealthy and support modelID, sorted by id for deterministic iteration.
func (r *Registry) CandidatesForModel(modelID string) []*types.Instance {
	all := r.Snapshot()
	out := make([]*types.Instance, 0, len(all))
	for _, inst := range all {
		if inst.IsHealthy && inst.SupportsModel(modelID) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AnyForModel returns every instance (healthy or not) supporting modelID,
// used by the Dispatcher's emergency-probe fallback (invariant I3).
func (r *Registry) AnyForModel(modelID string) []*types.Instance {
	all := r.Snapshot()
	out := make([]*types.Instance, 0, len(all))
	for _, inst := range all {
		if inst.SupportsModel(modelID) {
			out = append(out, inst)
		}
	}
	return out
}

func memoryForGPU(gpus []types.Gpu, gpuID int) int {
	for _, g := range gpus {
		if g.ID == gpuID {
			return g.MemoryTotalMB
		}
	}
	return 0
}

func recommendedInstanceCount(memoryMB int) int {
	switch {
	case memoryMB >= 24*1024:
		return 2
	case memoryMB >= 8*1024:
		return 1
	case memoryMB >= 4*1024:
		return 1
	default:
		return 0
	}
}

// recommendedModelsFor implements the tiered capability table from §4.B.
func recommendedModelsFor(memoryMB int) map[string]struct{} {
	models := make(map[string]struct{})
	switch {
	case memoryMB >= 24*1024:
		add(models, "mixtral", "34b")
		fallthrough
	case memoryMB >= 12*1024:
		add(models, "9b")
		fallthrough
	case memoryMB >= 8*1024:
		add(models, "7b-full", "codegemma")
		fallthrough
	case memoryMB >= 4*1024:
		add(models, "7b-q4")
	}
	return models
}

func allTieredModels() map[string]struct{} {
	return recommendedModelsFor(32 * 1024)
}

func add(m map[string]struct{}, models ...string) {
	for _, mo := range models {
		m[mo] = struct{}{}
	}
}
