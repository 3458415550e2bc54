package placement

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/vramcore/vramcore/internal/vramerrors"
)

// PlacementPlan is the output of Solve: one GPU id per layer index, plus
// the DP's own latency and transfer-overhead estimate.
type PlacementPlan struct {
	Assignment                  []int
	EstimatedLatencyMS          float64
	EstimatedTransferOverheadMS float64
	// GPUUtilization is the fraction of total assigned latency each GPU
	// carries, keyed by GPU id.
	GPUUtilization map[int]float64
}

const infLatency = math.MaxFloat64 / 2

// Solve implements the §4.5 dynamic program: dp[i][g] is the minimum total
// latency to execute layers 0..i with layer i placed on GPU g, with a
// transfer cost charged whenever consecutive layers land on different
// GPUs. freeBytes is each GPU's VRAM budget before this plan is applied;
// Solve uses it only to seed dp[0] (a GPU whose free bytes cannot hold
// layer 0 starts unreachable). Beyond that the DP ignores capacity because
// the constrained version is NP-hard; VRAMFeasibilityRepair enforces it
// afterward.
func Solve(layers []LayerProfile, gpus []GPUProfile, freeBytes map[int]int64, interGPUBandwidthGBps float64) (PlacementPlan, error) {
	if len(layers) == 0 {
		return PlacementPlan{}, fmt.Errorf("%w: no layers to place", vramerrors.ErrModelFailure)
	}
	if len(gpus) == 0 {
		return PlacementPlan{}, fmt.Errorf("%w: no GPUs to place onto", vramerrors.ErrModelFailure)
	}

	gflopsList := make([]float64, len(gpus))
	for i, g := range gpus {
		gflopsList[i] = g.GFLOPS
	}
	maxGFLOPS := floats.Max(gflopsList)

	speedFactor := func(gi int) float64 {
		if maxGFLOPS <= 0 {
			return 1
		}
		return gpus[gi].GFLOPS / maxGFLOPS
	}
	layerCost := func(li, gi int) float64 {
		sf := speedFactor(gi)
		if sf <= 0 {
			return infLatency
		}
		return layers[li].LatencyMeanMS / sf
	}
	transferCost := func(li int) float64 {
		// bytes / (GB/s) = bytes / (bw * 1e9 bytes/s); convert to ms.
		return float64(layers[li].ActivationBytes) / (interGPUBandwidthGBps * 1e6)
	}

	n, m := len(layers), len(gpus)
	dp := make([][]float64, n)
	prev := make([][]int, n)
	for i := range dp {
		dp[i] = make([]float64, m)
		prev[i] = make([]int, m)
		for g := range dp[i] {
			dp[i][g] = infLatency
			prev[i][g] = -1
		}
	}

	for g := 0; g < m; g++ {
		if freeBytes != nil && freeBytes[gpus[g].GPUID] < layers[0].ParamBytes {
			continue
		}
		dp[0][g] = layerCost(0, g)
	}

	for i := 1; i < n; i++ {
		for g := 0; g < m; g++ {
			best := infLatency
			bestPrev := -1
			for gp := 0; gp < m; gp++ {
				if dp[i-1][gp] >= infLatency {
					continue
				}
				cost := dp[i-1][gp]
				if gp != g {
					cost += transferCost(i - 1)
				}
				if cost < best {
					best = cost
					bestPrev = gp
				}
			}
			if bestPrev == -1 {
				continue
			}
			dp[i][g] = best + layerCost(i, g)
			prev[i][g] = bestPrev
		}
	}

	bestFinal, bestG := infLatency, -1
	for g := 0; g < m; g++ {
		if dp[n-1][g] < bestFinal {
			bestFinal = dp[n-1][g]
			bestG = g
		}
	}
	if bestG == -1 {
		return PlacementPlan{}, fmt.Errorf("%w: no feasible placement found (every seed state exceeded VRAM)", vramerrors.ErrModelFailure)
	}

	assignmentIdx := make([]int, n)
	g := bestG
	for i := n - 1; i >= 0; i-- {
		assignmentIdx[i] = g
		g = prev[i][g]
	}

	assignment := make([]int, n)
	transferOverhead := 0.0
	utilMS := make(map[int]float64)
	for i := 0; i < n; i++ {
		gi := assignmentIdx[i]
		assignment[i] = gpus[gi].GPUID
		utilMS[gpus[gi].GPUID] += layerCost(i, gi)
		if i > 0 && assignmentIdx[i-1] != gi {
			transferOverhead += transferCost(i - 1)
		}
	}

	total := 0.0
	for _, v := range utilMS {
		total += v
	}
	util := make(map[int]float64, len(utilMS))
	for gpuID, v := range utilMS {
		if total > 0 {
			util[gpuID] = v / total
		}
	}

	return PlacementPlan{
		Assignment:                  assignment,
		EstimatedLatencyMS:          bestFinal,
		EstimatedTransferOverheadMS: transferOverhead,
		GPUUtilization:              util,
	}, nil
}

// VRAMFeasibilityRepair implements the §4.5 post-pass: sum assigned-layer
// memory per GPU, and while any GPU is over its free-byte budget, move its
// largest assigned layer onto the GPU with the most remaining headroom.
// Mutates plan.Assignment in place and returns the number of layers moved.
func VRAMFeasibilityRepair(plan *PlacementPlan, layers []LayerProfile, freeBytes map[int]int64) int {
	used := make(map[int]int64, len(freeBytes))
	for i, gpuID := range plan.Assignment {
		used[gpuID] += layers[i].ParamBytes
	}

	moved := 0
	for {
		overGPU, overBy := -1, int64(0)
		for gpuID, u := range used {
			if over := u - freeBytes[gpuID]; over > overBy {
				overGPU, overBy = gpuID, over
			}
		}
		if overGPU == -1 {
			return moved
		}

		candidates := make([]int, 0)
		for i, gpuID := range plan.Assignment {
			if gpuID == overGPU {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			return moved
		}
		sort.Slice(candidates, func(a, b int) bool {
			return layers[candidates[a]].ParamBytes > layers[candidates[b]].ParamBytes
		})
		victim := candidates[0]

		destGPU, destHeadroom := -1, int64(math.MinInt64)
		for gpuID, freeB := range freeBytes {
			if gpuID == overGPU {
				continue
			}
			headroom := freeB - used[gpuID]
			if headroom > destHeadroom {
				destGPU, destHeadroom = gpuID, headroom
			}
		}
		if destGPU == -1 {
			return moved
		}

		used[overGPU] -= layers[victim].ParamBytes
		used[destGPU] += layers[victim].ParamBytes
		plan.Assignment[victim] = destGPU
		moved++

		if moved > len(layers)*len(freeBytes)+1 {
			// No progress is possible (every GPU already at or over
			// capacity); stop rather than loop forever.
			return moved
		}
	}
}
