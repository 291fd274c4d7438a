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

// Package config loads the balancer's YAML configuration (§6) and applies
// the documented defaults for every omitted key. There is no package-level
// mutable config: callers load a Config value at startup and, if they want
// live reload, hold it behind a Store (§9).
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// GpuInstanceOverride mirrors registry.GpuInstanceOverride as YAML; the
// package boundary is kept explicit rather than importing registry into
// config (config knows nothing about instance provisioning internals).
type GpuInstanceOverride struct {
	GpuID       int    `yaml:"gpuId"`
	Port        int    `yaml:"port"`
	Enabled     bool   `yaml:"enabled"`
	ModelSource string `yaml:"modelSource,omitempty"`
}

// Config is the balancer's full recognized configuration (§6).
type Config struct {
	EnableGpuLoadBalancing bool                  `yaml:"enableGpuLoadBalancing"`
	GpuInstances           []GpuInstanceOverride `yaml:"gpuInstances,omitempty"`
	DefaultPort            int                   `yaml:"defaultPort"`
	BasePort               int                   `yaml:"basePort"`

	HealthCheckIntervalSec int `yaml:"healthCheckIntervalSec"`

	ErrorRateThreshold      float64 `yaml:"errorRateThreshold"`
	MinRequestsForErrorRate int     `yaml:"minRequestsForErrorRate"`
	ErrorBreakerThreshold   int     `yaml:"errorBreakerThreshold"`

	MaxConcurrentRequests int `yaml:"maxConcurrentRequests"`

	CacheTTLMinutes int `yaml:"cacheTTLMinutes"`
	CacheMaxEntries int `yaml:"cacheMaxEntries"`

	MaxRetries       int `yaml:"maxRetries"`
	BaseRetryDelayMs int `yaml:"baseRetryDelayMs"`

	MaxFailovers int `yaml:"maxFailovers"`

	LogLevel   string `yaml:"logLevel,omitempty"`
	ListenAddr string `yaml:"listenAddr,omitempty"`
}

// Default returns the documented default configuration (§6).
func Default() Config {
	return Config{
		EnableGpuLoadBalancing:  true,
		DefaultPort:             11434,
		BasePort:                11000,
		HealthCheckIntervalSec:  30,
		ErrorRateThreshold:      0.5,
		MinRequestsForErrorRate: 20,
		ErrorBreakerThreshold:   3,
		MaxConcurrentRequests:   4,
		CacheTTLMinutes:         10,
		CacheMaxEntries:         1000,
		MaxRetries:              3,
		BaseRetryDelayMs:        200,
		MaxFailovers:            2,
		LogLevel:                "info",
		ListenAddr:              ":8080",
	}
}

// Load reads a YAML file at path and applies it over Default(). An empty
// path returns Default() unchanged. Unknown keys are rejected: a typo'd
// config key should fail loudly rather than silently fall back to a
// default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return Config{}, fmt.Errorf("config: unsupported format %q (only yaml/yml)", ext)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return Config{}, fmt.Errorf("config: %s contains more than one YAML document", path)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would leave a component unable to
// start (a zero or negative value for a field that gates a loop, a
// semaphore, or a cache capacity).
func Validate(cfg Config) error {
	switch {
	case cfg.DefaultPort <= 0:
		return fmt.Errorf("defaultPort must be positive, got %d", cfg.DefaultPort)
	case cfg.HealthCheckIntervalSec <= 0:
		return fmt.Errorf("healthCheckIntervalSec must be positive, got %d", cfg.HealthCheckIntervalSec)
	case cfg.MaxConcurrentRequests <= 0:
		return fmt.Errorf("maxConcurrentRequests must be positive, got %d", cfg.MaxConcurrentRequests)
	case cfg.CacheMaxEntries <= 0:
		return fmt.Errorf("cacheMaxEntries must be positive, got %d", cfg.CacheMaxEntries)
	case cfg.MaxRetries <= 0:
		return fmt.Errorf("maxRetries must be positive, got %d", cfg.MaxRetries)
	case cfg.ErrorRateThreshold <= 0 || cfg.ErrorRateThreshold > 1:
		return fmt.Errorf("errorRateThreshold must be in (0, 1], got %v", cfg.ErrorRateThreshold)
	}
	for _, o := range cfg.GpuInstances {
		if o.Port <= 0 {
			return fmt.Errorf("gpuInstances[gpuId=%d]: port must be positive, got %d", o.GpuID, o.Port)
		}
		if o.ModelSource != "" && !strings.HasSuffix(strings.ToLower(o.ModelSource), ".gguf") {
			return fmt.Errorf("gpuInstances[gpuId=%d]: modelSource must name a .gguf file, got %q", o.GpuID, o.ModelSource)
		}
	}
	return nil
}

// Store holds a Config behind an atomic pointer so Reload can swap the
// active configuration in one step without a package-level mutable global
// or a lock held across reads (§9).
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore returns a Store seeded with cfg.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.ptr.Store(&cfg)
	return s
}

// Get returns the currently active Config.
func (s *Store) Get() Config {
	return *s.ptr.Load()
}

// Reload validates next and, if valid, replaces the active Config
// atomically. Callers already holding a Config from a prior Get are
// unaffected; only subsequent Get calls observe next.
func (s *Store) Reload(next Config) error {
	if err := Validate(next); err != nil {
		return fmt.Errorf("config: reload rejected: %w", err)
	}
	s.ptr.Store(&next)
	return nil
}
