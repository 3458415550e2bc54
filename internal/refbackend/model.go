package refbackend

import (
	"hash/fnv"

	"github.com/vramcore/vramcore/internal/device"
	"github.com/vramcore/vramcore/internal/modeladapter"
)

// Model is a toy autoregressive model: deterministic logits derived from a
// hash of the batch row index, the input length and the number of past-KV
// layers supplied, no real attention math. The logits do not depend on
// the token ids or on the position in the sequence.
// It exists to exercise the batcher's admission/prefill/decode/sampling
// machinery end to end, not to generate coherent text.
type Model struct {
	cfg    modeladapter.Config
	rt     device.Runtime
	gpuID  int
	vocab  int
	dtype  device.DType
}

// NewModel builds a toy model of the given shape, backed by rt for its
// PastKV allocations.
func NewModel(cfg modeladapter.Config, rt device.Runtime, gpuID int, vocab int) *Model {
	return &Model{cfg: cfg, rt: rt, gpuID: gpuID, vocab: vocab, dtype: device.DTypeF16}
}

func (m *Model) Config() modeladapter.Config { return m.cfg }

func (m *Model) Forward(inputIDs, attentionMask device.Buffer, pastKV modeladapter.PastKV, useCache bool) (modeladapter.ForwardOutput, error) {
	batch := 1
	seqLen := 1
	if len(inputIDs.Shape) == 2 {
		batch, seqLen = inputIDs.Shape[0], inputIDs.Shape[1]
	}

	headDim := m.cfg.HiddenSize / m.cfg.NumAttentionHeads
	var out modeladapter.PastKV
	if useCache {
		out = make(modeladapter.PastKV, m.cfg.NumHiddenLayers)
		for layer := range out {
			shape := []int{batch, m.cfg.NumKeyValueHeads, seqLen, headDim}
			k, err := m.rt.Allocate(m.gpuID, shape, m.dtype)
			if err != nil {
				return modeladapter.ForwardOutput{}, err
			}
			v, err := m.rt.Allocate(m.gpuID, shape, m.dtype)
			if err != nil {
				return modeladapter.ForwardOutput{}, err
			}
			out[layer] = modeladapter.KVLayer{K: k, V: v}
		}
	}

	logits := make([]float32, batch*m.vocab)
	for b := 0; b < batch; b++ {
		h := fnv.New32a()
		h.Write([]byte{byte(b), byte(seqLen), byte(len(pastKV))})
		seed := h.Sum32()
		for v := 0; v < m.vocab; v++ {
			mix := (seed + uint32(v)*2654435761) % 997
			logits[b*m.vocab+v] = float32(mix) / 997.0
		}
	}

	return modeladapter.ForwardOutput{LogitsValues: logits, PastKV: out}, nil
}
