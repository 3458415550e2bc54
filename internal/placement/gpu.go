package placement

import (
	"time"

	"golang.org/x/sync/errgroup"

	"gonum.org/v1/gonum/floats"

	"github.com/vramcore/vramcore/internal/device"
)

// Benchmarker runs the two synthetic micro-benchmarks §4.5 GPU profiling
// calls for: a square GEMM for matmul throughput, and a large tensor clone
// for memory bandwidth. Kept separate from device.Runtime because ordinary
// core operation never needs raw compute throughput, only allocate/copy.
type Benchmarker interface {
	// MatMul multiplies two n×n matrices on gpuID once, returning elapsed
	// wall time.
	MatMul(gpuID, n int) (time.Duration, error)
	// MemCopy clones a buffer of the given byte size on gpuID once.
	MemCopy(gpuID int, bytes int64) (time.Duration, error)
}

// GPUProfile is one GPU's measured compute and memory throughput.
type GPUProfile struct {
	GPUID         int
	GFLOPS        float64
	BandwidthGBps float64
}

// cpuFallbackGFLOPS and cpuFallbackBandwidthGBps are the "conservative
// synthetic defaults" §4.5 names for CPU-only systems, chosen low enough
// that the DP solver will never prefer a CPU device over any real GPU.
const (
	cpuFallbackGFLOPS        = 50.0
	cpuFallbackBandwidthGBps = 10.0
)

// ProfileGPUs benchmarks every listed device concurrently — profiling
// happens once at startup, so there is no cooperative-scheduling concern
// forcing this onto one goroutine the way the batcher loop is.
func ProfileGPUs(bench Benchmarker, infos []device.Info, gemmSize int, bandwidthMiB int, iters int) ([]GPUProfile, error) {
	profiles := make([]GPUProfile, len(infos))

	var g errgroup.Group
	for i, info := range infos {
		i, info := i, info
		g.Go(func() error {
			if info.Backend == device.BackendCPU {
				profiles[i] = GPUProfile{GPUID: info.GPUID, GFLOPS: cpuFallbackGFLOPS, BandwidthGBps: cpuFallbackBandwidthGBps}
				return nil
			}

			gflopsSamples := make([]float64, 0, iters)
			for it := 0; it < iters; it++ {
				elapsed, err := bench.MatMul(info.GPUID, gemmSize)
				if err != nil {
					return err
				}
				flops := 2.0 * float64(gemmSize) * float64(gemmSize) * float64(gemmSize)
				gflopsSamples = append(gflopsSamples, flops/elapsed.Seconds()/1e9)
			}

			bwBytes := int64(bandwidthMiB) * 1024 * 1024
			bwSamples := make([]float64, 0, iters)
			for it := 0; it < iters; it++ {
				elapsed, err := bench.MemCopy(info.GPUID, bwBytes)
				if err != nil {
					return err
				}
				bwSamples = append(bwSamples, float64(bwBytes)/elapsed.Seconds()/1e9)
			}

			profiles[i] = GPUProfile{
				GPUID:         info.GPUID,
				GFLOPS:        floats.Sum(gflopsSamples) / float64(len(gflopsSamples)),
				BandwidthGBps: floats.Sum(bwSamples) / float64(len(bwSamples)),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return profiles, nil
}
