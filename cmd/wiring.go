package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vramcore/vramcore/internal/batcher"
	"github.com/vramcore/vramcore/internal/budget"
	"github.com/vramcore/vramcore/internal/config"
	"github.com/vramcore/vramcore/internal/device"
	"github.com/vramcore/vramcore/internal/lending"
	"github.com/vramcore/vramcore/internal/modeladapter"
	"github.com/vramcore/vramcore/internal/pagedkv"
	"github.com/vramcore/vramcore/internal/refbackend"
)

// modelShape collects the toy model hyperparameters the demo binary needs
// that spec.md §6's configuration table does not cover: in production
// these come from the real Model collaborator's own Config(), not from
// orchestration-core config.
type modelShape struct {
	numLayers int
	numHeads  int
	hidden    int
	vocab     int
}

// loadConfig reads --config if set, otherwise returns the compiled-in
// defaults from §6 of the core specification.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func deviceInfosFromSpecs(specs []config.GPUSpec) []device.Info {
	infos := make([]device.Info, len(specs))
	for i, s := range specs {
		infos[i] = device.Info{
			GPUID:             s.GPUID,
			Backend:           device.BackendCPU, // refbackend never dispatches to real hardware
			Vendor:            device.ParseVendor(s.Vendor),
			Name:              s.DeviceName,
			TotalBytes:        s.TotalBytes,
			ComputeCapability: [2]int{s.ComputeCapMajor, s.ComputeCapMinor},
			PCIeGen:           s.PCIeGen,
		}
	}
	return infos
}

func defaultGPUSpecs() []config.GPUSpec {
	return []config.GPUSpec{
		{GPUID: 0, Vendor: "nvidia", TotalBytes: 16 << 30, DeviceName: "demo-gpu-0", PCIeGen: 4},
	}
}

// runtime bundles every collaborator the batcher and lending pool need,
// all backed by refbackend so the CLI runs without real GPU hardware.
type runtime struct {
	cfg     config.Config
	rt      *refbackend.Runtime
	pool    *lending.Pool
	kv      *pagedkv.Cache
	model   *refbackend.Model
	tok     *refbackend.Tokeniser
	batcher *batcher.Batcher
}

func wireRuntime(cfg config.Config, shape modelShape) (*runtime, error) {
	specs := cfg.GPUs
	if len(specs) == 0 {
		specs = defaultGPUSpecs()
	}
	infos := deviceInfosFromSpecs(specs)

	rt := refbackend.NewRuntime(infos)
	mon := refbackend.NewMonitor(nil)
	for _, info := range infos {
		mon.SetUsage(info.GPUID, 0.0)
	}
	transport := refbackend.NewTransport(rt)

	pool := lending.NewPool(cfg.Lending, transport, mon)
	for _, s := range specs {
		pool.RegisterGPU(budget.RegisterParams{
			GPUID:             s.GPUID,
			TotalBytes:        s.TotalBytes,
			ModelBytes:        s.ModelBytes,
			DeviceName:        s.DeviceName,
			PCIeGen:           s.PCIeGen,
			Vendor:            device.ParseVendor(s.Vendor),
			ComputeCapability: [2]int{s.ComputeCapMajor, s.ComputeCapMinor},
		})
	}

	kvCfg := cfg.KVCache
	if kvCfg.MaxPages == 0 && len(kvCfg.PagesPerDevice) == 0 {
		kvCfg.MaxPages = 4096
	}
	kvCfg.NumLayers = shape.numLayers
	kvCfg.NumKVHeads = shape.numHeads
	kvCfg.HeadDim = shape.hidden / shape.numHeads
	kv := pagedkv.NewCache(kvCfg, pool)

	mcfg := modeladapter.Config{
		NumHiddenLayers:   shape.numLayers,
		NumAttentionHeads: shape.numHeads,
		NumKeyValueHeads:  shape.numHeads,
		HiddenSize:        shape.hidden,
	}
	primaryDevice := infos[0].GPUID
	model := refbackend.NewModel(mcfg, rt, primaryDevice, shape.vocab)
	tok := refbackend.NewTokeniser(0)

	b := batcher.New(cfg.Batcher, model, tok, rt, kv, primaryDevice, 42)

	return &runtime{cfg: cfg, rt: rt, pool: pool, kv: kv, model: model, tok: tok, batcher: b}, nil
}

func logStartup(rt *runtime, shape modelShape) {
	logrus.WithFields(logrus.Fields{
		"gpus":        len(rt.cfg.GPUs),
		"max_batch":   rt.cfg.Batcher.MaxBatchSize,
		"max_pages":   rt.cfg.KVCache.MaxPages,
		"num_layers":  shape.numLayers,
		"hidden_size": shape.hidden,
	}).Info("vramcore wired up")
}

func parseModelShapeFlags(numLayers, numHeads, hidden, vocab int) (modelShape, error) {
	if hidden%numHeads != 0 {
		return modelShape{}, fmt.Errorf("hidden-size %d not divisible by num-heads %d", hidden, numHeads)
	}
	return modelShape{numLayers: numLayers, numHeads: numHeads, hidden: hidden, vocab: vocab}, nil
}
