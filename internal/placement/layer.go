// Package placement implements C5 HeteroPlacement: profiles per-layer cost
// and per-GPU throughput, then computes the layer-to-GPU assignment that
// minimises pipeline latency subject to VRAM constraints. Run once at model
// load, outside any hot path — unlike the batcher and lending pool, nothing
// here needs to be safe for concurrent external callers.
package placement

import (
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LayerType classifies a discovered layer by the substring heuristic named
// in SPEC_FULL.md §4 ("Layer classification heuristic detail"): the
// original profiler matches on Python class name, this is the same rule
// applied to a Go layer name string.
type LayerType int

const (
	LayerUnknown LayerType = iota
	LayerAttention
	LayerMLP
	LayerNorm
	LayerEmbedding
	LayerBlock
)

func (t LayerType) String() string {
	switch t {
	case LayerAttention:
		return "attention"
	case LayerMLP:
		return "mlp"
	case LayerNorm:
		return "norm"
	case LayerEmbedding:
		return "embedding"
	case LayerBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ClassifyLayer matches the original profiler's substring rule: checked in
// a fixed order so a name like "transformer.block.0.attn" classifies as
// attention, not block, the more specific match winning.
func ClassifyLayer(name string) LayerType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "attn"), strings.Contains(lower, "attention"):
		return LayerAttention
	case strings.Contains(lower, "mlp"), strings.Contains(lower, "conv"):
		return LayerMLP
	case strings.Contains(lower, "norm"):
		return LayerNorm
	case strings.Contains(lower, "embed"):
		return LayerEmbedding
	case strings.Contains(lower, "block"):
		return LayerBlock
	default:
		return LayerUnknown
	}
}

// LayerSpec is the static description of one discovered layer, supplied by
// the caller (the model adapter has no reflection-based module walk to
// offer in Go, so the binary wiring this package up is expected to list
// its own layers).
type LayerSpec struct {
	Index      int
	Name       string
	ParamCount int64
	// ElementSizeBytes is the on-device dtype size, used for both parameter
	// and activation byte estimates.
	ElementSizeBytes int
}

// LayerProfile is one layer's measured and estimated cost, ready to feed
// into the DP solver.
type LayerProfile struct {
	Index           int
	Name            string
	Type            LayerType
	ParamBytes      int64
	ActivationBytes int64
	EstimatedFLOPs  float64
	LatencyMeanMS   float64
	LatencyStdDevMS float64
}

// LayerRunner executes one layer's forward pass in isolation, the
// collaborator HeteroPlacement times to produce LatencyMeanMS/StdDevMS. A
// production binary wires this to whatever lets it invoke a single named
// submodule; it is intentionally smaller than modeladapter.Model, which
// only ever runs the whole stack.
type LayerRunner interface {
	RunLayer(gpuID int, layerIndex int, batch, seqLen int) error
}

// EstimateFLOPs implements the per-class closed-form formulas from §4.5:
// B = batch, S = sequence length, H = hidden size.
func EstimateFLOPs(t LayerType, batch, seqLen, hidden int, paramCount int64) float64 {
	B, S, H := float64(batch), float64(seqLen), float64(hidden)
	switch t {
	case LayerAttention:
		return 2*B*S*S*H + 4*B*S*H*H
	case LayerMLP:
		return 16 * B * S * H * H
	case LayerBlock:
		attn := 2*B*S*S*H + 4*B*S*H*H
		mlp := 16 * B * S * H * H
		norms := 2 * B * S * H
		return attn + mlp + norms
	case LayerNorm, LayerEmbedding:
		return B * S * H
	default:
		return 2 * B * S * float64(paramCount)
	}
}

// ActivationBytes bounds the input+output buffer memory for one forward
// pass: batch * seq_len * hidden * element_size, doubled for the fixed
// input+output factor named in §4.5.
func ActivationBytes(batch, seqLen, hidden, elementSize int) int64 {
	return int64(batch) * int64(seqLen) * int64(hidden) * int64(elementSize) * 2
}

// ProfileLayers runs every spec's layer profileIters times after
// warmupIters warmups on gpuID, via runner, and records the measured
// latency distribution plus the closed-form FLOP/activation estimates.
func ProfileLayers(runner LayerRunner, specs []LayerSpec, gpuID, batch, seqLen, hidden, profileIters, warmupIters int) ([]LayerProfile, error) {
	out := make([]LayerProfile, len(specs))
	for i, spec := range specs {
		lt := ClassifyLayer(spec.Name)

		for w := 0; w < warmupIters; w++ {
			if err := runner.RunLayer(gpuID, spec.Index, batch, seqLen); err != nil {
				return nil, err
			}
		}

		samples := make([]float64, profileIters)
		for it := 0; it < profileIters; it++ {
			start := time.Now()
			if err := runner.RunLayer(gpuID, spec.Index, batch, seqLen); err != nil {
				return nil, err
			}
			samples[it] = float64(time.Since(start).Microseconds()) / 1000.0
		}
		mean, stddev := stat.MeanStdDev(samples, nil)

		out[i] = LayerProfile{
			Index:           spec.Index,
			Name:            spec.Name,
			Type:            lt,
			ParamBytes:      spec.ParamCount * int64(spec.ElementSizeBytes),
			ActivationBytes: ActivationBytes(batch, seqLen, hidden, spec.ElementSizeBytes),
			EstimatedFLOPs:  EstimateFLOPs(lt, batch, seqLen, hidden, spec.ParamCount),
			LatencyMeanMS:   mean,
			LatencyStdDevMS: stddev,
		}
	}
	return out, nil
}
