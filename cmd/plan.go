package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vramcore/vramcore/internal/placement"
	"github.com/vramcore/vramcore/internal/refbackend"
)

var (
	planNumLayers int
	planHidden    int
	planBatch     int
	planSeqLen    int
	planParams    int64
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Profile layers and GPUs and compute a HeteroPlacement layout plan",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		cfg, err := loadConfig()
		if err != nil {
			logrus.Fatalf("loading config: %v", err)
		}
		specs := cfg.GPUs
		if len(specs) == 0 {
			specs = defaultGPUSpecs()
		}
		infos := deviceInfosFromSpecs(specs)

		bench := refbackend.NewBench()
		gpuProfiles, err := placement.ProfileGPUs(bench, infos, cfg.Placement.GEMMBenchmarkSize, cfg.Placement.BandwidthBenchmarkMiB, cfg.Placement.ProfileIters)
		if err != nil {
			logrus.Fatalf("profiling GPUs: %v", err)
		}

		layerSpecs := buildDemoLayerSpecs(planNumLayers)
		layerProfiles, err := placement.ProfileLayers(bench, layerSpecs, infos[0].GPUID, planBatch, planSeqLen, planHidden, cfg.Placement.ProfileIters, cfg.Placement.WarmupIters)
		if err != nil {
			logrus.Fatalf("profiling layers: %v", err)
		}

		freeBytes := make(map[int]int64, len(specs))
		for _, s := range specs {
			freeBytes[s.GPUID] = s.TotalBytes - s.ModelBytes
		}

		p, err := placement.Solve(layerProfiles, gpuProfiles, freeBytes, cfg.Placement.InterGPUBandwidthGBps)
		if err != nil {
			logrus.Fatalf("solving placement: %v", err)
		}
		moved := placement.VRAMFeasibilityRepair(&p, layerProfiles, freeBytes)

		fmt.Printf("placement plan (%d layers, %d GPUs, %d layers migrated by VRAM repair):\n", len(layerProfiles), len(infos), moved)
		for i, gpuID := range p.Assignment {
			fmt.Printf("  layer %2d (%-10s) -> gpu %d\n", i, layerProfiles[i].Type, gpuID)
		}
		fmt.Printf("estimated latency: %.3fms, transfer overhead: %.3fms\n", p.EstimatedLatencyMS, p.EstimatedTransferOverheadMS)
		for gpuID, util := range p.GPUUtilization {
			fmt.Printf("  gpu %d utilisation share: %.1f%%\n", gpuID, util*100)
		}
	},
}

func init() {
	planCmd.Flags().IntVar(&planNumLayers, "num-layers", 8, "number of transformer blocks to profile")
	planCmd.Flags().IntVar(&planHidden, "hidden-size", 512, "hidden size for activation/FLOP estimates")
	planCmd.Flags().IntVar(&planBatch, "batch", 1, "batch size to profile at")
	planCmd.Flags().IntVar(&planSeqLen, "seq-len", 2048, "sequence length to profile at")
	planCmd.Flags().Int64Var(&planParams, "params-per-layer", 25_000_000, "parameter count per block, for the unknown-layer FLOP fallback")
}

// buildDemoLayerSpecs synthesizes an embedding layer, numLayers transformer
// blocks, and a final norm, the same shape any real model's layer walk
// would discover.
func buildDemoLayerSpecs(numLayers int) []placement.LayerSpec {
	specs := make([]placement.LayerSpec, 0, numLayers+2)
	specs = append(specs, placement.LayerSpec{Index: 0, Name: "embed_tokens", ParamCount: planParams, ElementSizeBytes: 2})
	for i := 0; i < numLayers; i++ {
		specs = append(specs, placement.LayerSpec{
			Index:            i + 1,
			Name:             fmt.Sprintf("layers.%d.block", i),
			ParamCount:       planParams,
			ElementSizeBytes: 2,
		})
	}
	specs = append(specs, placement.LayerSpec{Index: len(specs), Name: "final_norm", ParamCount: 1024, ElementSizeBytes: 2})
	for i := range specs {
		specs[i].Index = i
	}
	return specs
}
