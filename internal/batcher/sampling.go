package batcher

import (
	"math"
	"math/rand"
	"sort"
)

// SamplingParams controls token selection for one request, per §4.4 step 3.
type SamplingParams struct {
	Temperature float64
	TopK        int
	TopP        float64
}

// DefaultSamplingParams matches the "no sampling" shortcut named in the
// core specification: temperature 1, top-p 1, top-k 50 collapses to
// argmax.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{Temperature: 1.0, TopK: 50, TopP: 1.0}
}

// sampleToken implements the sampling operator: scale by temperature, mask
// outside top-k, apply nucleus (top-p) filtering, draw one token. rng is
// injected so batches are reproducible the way the teacher's
// PartitionedRNG makes simulation runs reproducible.
func sampleToken(logits []float32, p SamplingParams, rng *rand.Rand) int {
	if isArgmaxShortcut(p) {
		return argmax(logits)
	}

	probs := softmax(logits, p.Temperature)
	order := argsortDescending(probs)

	if p.TopK > 0 && p.TopK < len(order) {
		order = order[:p.TopK]
	}

	if p.TopP > 0 && p.TopP < 1.0 {
		order = nucleusFilter(order, probs, p.TopP)
	}

	return drawFrom(order, probs, rng)
}

func isArgmaxShortcut(p SamplingParams) bool {
	return p.Temperature == 1.0 && p.TopP == 1.0 && p.TopK == 50
}

func argmax(logits []float32) int {
	best, bestVal := 0, float32(math.Inf(-1))
	for i, v := range logits {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}

func softmax(logits []float32, temperature float64) []float64 {
	if temperature <= 0 {
		temperature = 1.0
	}
	scaled := make([]float64, len(logits))
	maxV := math.Inf(-1)
	for i, v := range logits {
		scaled[i] = float64(v) / temperature
		if scaled[i] > maxV {
			maxV = scaled[i]
		}
	}
	sum := 0.0
	for i := range scaled {
		scaled[i] = math.Exp(scaled[i] - maxV)
		sum += scaled[i]
	}
	if sum == 0 {
		sum = 1
	}
	for i := range scaled {
		scaled[i] /= sum
	}
	return scaled
}

func argsortDescending(probs []float64) []int {
	order := make([]int, len(probs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return probs[order[i]] > probs[order[j]] })
	return order
}

func nucleusFilter(order []int, probs []float64, topP float64) []int {
	cum := 0.0
	for i, idx := range order {
		cum += probs[idx]
		if cum >= topP {
			return order[:i+1]
		}
	}
	return order
}

func drawFrom(order []int, probs []float64, rng *rand.Rand) int {
	total := 0.0
	for _, idx := range order {
		total += probs[idx]
	}
	if total <= 0 {
		return order[0]
	}
	target := rng.Float64() * total
	cum := 0.0
	for _, idx := range order {
		cum += probs[idx]
		if cum >= target {
			return idx
		}
	}
	return order[len(order)-1]
}
