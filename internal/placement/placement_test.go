package placement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vramcore/vramcore/internal/device"
)

func TestClassifyLayer(t *testing.T) {
	cases := map[string]LayerType{
		"model.layers.0.self_attn":  LayerAttention,
		"model.layers.0.mlp":        LayerMLP,
		"model.layers.0.input_norm": LayerNorm,
		"model.embed_tokens":        LayerEmbedding,
		"model.layers.0.block":      LayerBlock,
		"model.lm_head":             LayerUnknown,
	}
	for name, want := range cases {
		require.Equal(t, want, ClassifyLayer(name), "name=%s", name)
	}
}

func TestEstimateFLOPs_Attention(t *testing.T) {
	got := EstimateFLOPs(LayerAttention, 1, 128, 64, 0)
	want := 2*1*128*128*64 + 4*1*128*64*64
	require.Equal(t, float64(want), got)
}

func TestEstimateFLOPs_UnknownFallsBackToParamCount(t *testing.T) {
	got := EstimateFLOPs(LayerUnknown, 2, 10, 64, 1000)
	require.Equal(t, float64(2*2*10*1000), got)
}

type fakeLayerRunner struct {
	// delayForLayer returns how long RunLayer should sleep for a given
	// layer index, so slower layers can be distinguished in tests.
	delayForLayer func(layerIndex int) time.Duration
	calls         int
}

func (r *fakeLayerRunner) RunLayer(gpuID, layerIndex, batch, seqLen int) error {
	r.calls++
	if r.delayForLayer != nil {
		time.Sleep(r.delayForLayer(layerIndex))
	}
	return nil
}

func TestProfileLayers_RecordsLatencyAndEstimates(t *testing.T) {
	runner := &fakeLayerRunner{delayForLayer: func(int) time.Duration { return time.Millisecond }}
	specs := []LayerSpec{
		{Index: 0, Name: "layers.0.self_attn", ParamCount: 1000, ElementSizeBytes: 2},
		{Index: 1, Name: "layers.0.mlp", ParamCount: 4000, ElementSizeBytes: 2},
	}

	profiles, err := ProfileLayers(runner, specs, 0, 1, 128, 64, 3, 1)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	require.Equal(t, LayerAttention, profiles[0].Type)
	require.Equal(t, LayerMLP, profiles[1].Type)
	require.Greater(t, profiles[0].LatencyMeanMS, 0.0)
	require.Equal(t, int64(1000*2), profiles[0].ParamBytes)
	require.Equal(t, ActivationBytes(1, 128, 64, 2), profiles[0].ActivationBytes)

	// warmupIters(1) + profileIters(3) per layer, 2 layers.
	require.Equal(t, (1+3)*2, runner.calls)
}

type fakeBenchmarker struct {
	matmulDelay, memcpyDelay time.Duration
}

func (b *fakeBenchmarker) MatMul(gpuID, n int) (time.Duration, error)   { return b.matmulDelay, nil }
func (b *fakeBenchmarker) MemCopy(gpuID int, bytes int64) (time.Duration, error) {
	return b.memcpyDelay, nil
}

func TestProfileGPUs_BenchmarksGPUAndUsesCPUFallback(t *testing.T) {
	bench := &fakeBenchmarker{matmulDelay: time.Millisecond, memcpyDelay: time.Millisecond}
	infos := []device.Info{
		{GPUID: 0, Backend: device.BackendCUDA},
		{GPUID: 1, Backend: device.BackendCPU},
	}

	profiles, err := ProfileGPUs(bench, infos, 64, 1, 2)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	require.Greater(t, profiles[0].GFLOPS, 0.0)
	require.Equal(t, cpuFallbackGFLOPS, profiles[1].GFLOPS)
	require.Equal(t, cpuFallbackBandwidthGBps, profiles[1].BandwidthGBps)
}

func makeLayers(n int, latencyMS float64, activationBytes, paramBytes int64) []LayerProfile {
	out := make([]LayerProfile, n)
	for i := range out {
		out[i] = LayerProfile{Index: i, LatencyMeanMS: latencyMS, ActivationBytes: activationBytes, ParamBytes: paramBytes}
	}
	return out
}

func TestSolve_SingleGPUHasNoTransferOverhead(t *testing.T) {
	layers := makeLayers(4, 10, 1<<20, 1<<20)
	gpus := []GPUProfile{{GPUID: 0, GFLOPS: 100, BandwidthGBps: 500}}
	free := map[int]int64{0: 1 << 30}

	plan, err := Solve(layers, gpus, free, 25.0)
	require.NoError(t, err)
	require.Equal(t, []int{0, 0, 0, 0}, plan.Assignment)
	require.Equal(t, 0.0, plan.EstimatedTransferOverheadMS)
	require.InDelta(t, 40.0, plan.EstimatedLatencyMS, 1e-9)
}

func TestSolve_PrefersFasterGPUWhenTransferIsCheap(t *testing.T) {
	layers := makeLayers(3, 100, 1, 1<<20)
	gpus := []GPUProfile{
		{GPUID: 0, GFLOPS: 10, BandwidthGBps: 500},
		{GPUID: 1, GFLOPS: 100, BandwidthGBps: 500},
	}
	free := map[int]int64{0: 1 << 30, 1: 1 << 30}

	plan, err := Solve(layers, gpus, free, 1000.0)
	require.NoError(t, err)
	for _, gpuID := range plan.Assignment {
		require.Equal(t, 1, gpuID, "expected every layer on the faster GPU when transfer cost is negligible")
	}
}

func TestSolve_NoFeasibleSeedReturnsError(t *testing.T) {
	layers := makeLayers(2, 10, 1, 1<<40)
	gpus := []GPUProfile{{GPUID: 0, GFLOPS: 10, BandwidthGBps: 500}}
	free := map[int]int64{0: 1 << 10}

	_, err := Solve(layers, gpus, free, 25.0)
	require.Error(t, err)
}

func TestVRAMFeasibilityRepair_MigratesOverflowToHeadroomGPU(t *testing.T) {
	layers := []LayerProfile{
		{Index: 0, ParamBytes: 80},
		{Index: 1, ParamBytes: 10},
	}
	plan := &PlacementPlan{Assignment: []int{0, 0}}
	free := map[int]int64{0: 50, 1: 100}

	moved := VRAMFeasibilityRepair(plan, layers, free)
	require.Equal(t, 1, moved)
	require.Equal(t, 1, plan.Assignment[0], "the larger layer should have migrated to GPU 1")
	require.Equal(t, 0, plan.Assignment[1])
}

func TestVRAMFeasibilityRepair_NoOpWhenAlreadyFeasible(t *testing.T) {
	layers := []LayerProfile{{Index: 0, ParamBytes: 10}, {Index: 1, ParamBytes: 10}}
	plan := &PlacementPlan{Assignment: []int{0, 1}}
	free := map[int]int64{0: 100, 1: 100}

	moved := VRAMFeasibilityRepair(plan, layers, free)
	require.Equal(t, 0, moved)
}
