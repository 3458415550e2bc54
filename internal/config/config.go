// Package config groups the YAML-driven configuration for every component
// of the orchestration core, following the teacher's grouped-struct
// convention (sim/config.go: KVCacheConfig, BatchConfig, PolicyConfig).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GPUSpec describes one GPU to register at startup.
type GPUSpec struct {
	GPUID              int    `yaml:"gpu_id"`
	Vendor             string `yaml:"vendor"`
	TotalBytes         int64  `yaml:"total_bytes"`
	ModelBytes         int64  `yaml:"model_bytes"`
	DeviceName         string `yaml:"device_name"`
	PCIeGen            int    `yaml:"pcie_gen"`
	ComputeCapMajor    int    `yaml:"compute_capability_major"`
	ComputeCapMinor    int    `yaml:"compute_capability_minor"`
}

// LendingConfig groups VRAMLendingPool policy parameters (§6 of the core
// specification's configuration enumeration table).
type LendingConfig struct {
	MinFreeRatio           float64 `yaml:"min_free_ratio"`
	MaxLendRatio           float64 `yaml:"max_lend_ratio"`
	StopLendingThreshold   float64 `yaml:"stop_lending_threshold"`
	ReclaimThreshold       float64 `yaml:"reclaim_threshold"`
	CriticalThreshold      float64 `yaml:"critical_threshold"`
	MinLeaseDurationS      float64 `yaml:"min_lease_duration_s"`
	PreferFastInterconnect bool    `yaml:"prefer_fast_interconnect"`
	CrossVendorPenalty     float64 `yaml:"cross_vendor_penalty"`
	BufferPreallocRatio    float64 `yaml:"buffer_prealloc_ratio"`
	MonitorIntervalMS      int64   `yaml:"monitor_interval_ms"`
}

// KVCacheConfig groups PagedKVCache parameters.
type KVCacheConfig struct {
	PageSize        int           `yaml:"page_size"`
	MaxPages        int           `yaml:"max_pages"`
	PagesPerDevice  map[int]int   `yaml:"pages_per_device"`
	NumLayers       int           `yaml:"num_layers"`
	NumKVHeads      int           `yaml:"num_kv_heads"`
	HeadDim         int           `yaml:"head_dim"`
	ElementSizeBytes int          `yaml:"element_size_bytes"`
}

// BatcherConfig groups ContinuousBatcher parameters.
type BatcherConfig struct {
	MaxBatchSize    int `yaml:"max_batch_size"`
	MaxWaitingQueue int `yaml:"max_waiting_queue"`
}

// PlacementConfig groups HeteroPlacement benchmark parameters.
type PlacementConfig struct {
	ProfileIters            int     `yaml:"profile_iters"`
	WarmupIters             int     `yaml:"warmup_iters"`
	GEMMBenchmarkSize       int     `yaml:"gemm_benchmark_size"`
	BandwidthBenchmarkMiB   int     `yaml:"bandwidth_benchmark_mib"`
	InterGPUBandwidthGBps   float64 `yaml:"inter_gpu_bandwidth_gbps"`
}

// Config is the top-level configuration document.
type Config struct {
	GPUs      []GPUSpec       `yaml:"gpus"`
	Lending   LendingConfig   `yaml:"lending"`
	KVCache   KVCacheConfig   `yaml:"kv_cache"`
	Batcher   BatcherConfig   `yaml:"batcher"`
	Placement PlacementConfig `yaml:"placement"`
}

// Default returns the configuration defaults named throughout §6 of the
// core specification.
func Default() Config {
	return Config{
		Lending: LendingConfig{
			MinFreeRatio:           0.10,
			MaxLendRatio:           0.70,
			StopLendingThreshold:   0.75,
			ReclaimThreshold:       0.80,
			CriticalThreshold:      0.95,
			MinLeaseDurationS:      0.5,
			PreferFastInterconnect: true,
			CrossVendorPenalty:     0.15,
			BufferPreallocRatio:    0.50,
			MonitorIntervalMS:      1000,
		},
		KVCache: KVCacheConfig{
			PageSize:         16,
			ElementSizeBytes: 2,
		},
		Batcher: BatcherConfig{
			MaxBatchSize:    32,
			MaxWaitingQueue: 256,
		},
		Placement: PlacementConfig{
			ProfileIters:          10,
			WarmupIters:           3,
			GEMMBenchmarkSize:     2048,
			BandwidthBenchmarkMiB: 256,
			InterGPUBandwidthGBps: 25.0,
		},
	}
}

// Load reads a YAML config file and overlays it onto Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
