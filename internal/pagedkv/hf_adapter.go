package pagedkv

import (
	"fmt"

	"github.com/vramcore/vramcore/internal/device"
	"github.com/vramcore/vramcore/internal/modeladapter"
	"github.com/vramcore/vramcore/internal/vramerrors"
)

// canonicalRank is the rank of the only KV layout this cache understands:
// [batch, heads, seq, head_dim].
const canonicalRank = 4

// checkCanonicalLayout implements the "Non-standard KV layout rejection"
// decision from SPEC_FULL.md §4 (Open Question 1): rather than guess at an
// unfamiliar layout, FromHFCache fails immediately on any K or V tensor
// that is not rank 4 or has a non-positive dimension. Axis order itself
// cannot be seen from a shape and is not checked. ToHFCache builds the
// canonical shape itself and so has nothing to check.
func checkCanonicalLayout(buf device.Buffer) error {
	if len(buf.Shape) != canonicalRank {
		return fmt.Errorf("%w: kv tensor has rank %d, want %d ([batch, heads, seq, head_dim])",
			vramerrors.ErrModelFailure, len(buf.Shape), canonicalRank)
	}
	for _, dim := range buf.Shape {
		if dim <= 0 {
			return fmt.Errorf("%w: kv tensor shape %v has a non-positive dimension", vramerrors.ErrModelFailure, buf.Shape)
		}
	}
	return nil
}

// FromHFCache implements the HF-cache ingestion side of §9's "ORM to wire
// protocol" translation: a model adapter returning a standard
// [batch, heads, seq, head_dim] PastKV is copied, layer by layer, into the
// pages backing requestID. rt performs the actual device copy; the cache
// itself only ever tracks page bookkeeping.
func (c *Cache) FromHFCache(rt device.Runtime, requestID string, pastKV modeladapter.PastKV) error {
	for layer, kv := range pastKV {
		if err := checkCanonicalLayout(kv.K); err != nil {
			return fmt.Errorf("layer %d: %w", layer, err)
		}
		if err := checkCanonicalLayout(kv.V); err != nil {
			return fmt.Errorf("layer %d: %w", layer, err)
		}
	}

	c.mu.Lock()
	entry, ok := c.requestTables[requestID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no page table for request %s", vramerrors.ErrModelFailure, requestID)
	}

	seqLen := 0
	if len(pastKV) > 0 {
		seqLen = pastKV[0].K.Shape[2]
	}
	needed := ceilDiv(seqLen, c.cfg.PageSize)
	if needed > len(entry.Pages) {
		return fmt.Errorf("%w: request %s has %d pages allocated, needs %d for seq_len %d",
			vramerrors.ErrPageExhausted, requestID, len(entry.Pages), needed, seqLen)
	}

	for layer, kv := range pastKV {
		stride := dimBytes(kv.K.DType, kv.K.Shape)
		for pageIdx, pageID := range entry.Pages {
			page := c.Page(pageID)
			dstK := device.Buffer{Device: kv.K.Device, GPUID: page.Device, Shape: kv.K.Shape, DType: kv.K.DType, Offset: page.offsetFor(layer, stride)}
			if err := rt.Copy(dstK, kv.K); err != nil {
				return fmt.Errorf("%w: copying layer %d page %d K: %v", vramerrors.ErrModelFailure, layer, pageIdx, err)
			}
			dstV := dstK
			dstV.Offset += stride
			if err := rt.Copy(dstV, kv.V); err != nil {
				return fmt.Errorf("%w: copying layer %d page %d V: %v", vramerrors.ErrModelFailure, layer, pageIdx, err)
			}
		}
	}
	return nil
}

// ToHFCache implements the reverse direction: gathering this request's
// pages back into a single contiguous [batch, heads, seq, head_dim] buffer
// per layer, for handoff to a Model.Forward call.
func (c *Cache) ToHFCache(rt device.Runtime, requestID string, cfg modeladapter.Config, dtype device.DType) (modeladapter.PastKV, error) {
	entry := c.Entry(requestID)
	if entry == nil {
		return nil, fmt.Errorf("%w: no page table for request %s", vramerrors.ErrModelFailure, requestID)
	}

	out := make(modeladapter.PastKV, cfg.NumHiddenLayers)
	shape := []int{1, cfg.NumKeyValueHeads, entry.NumTokens, cfg.HiddenSize / cfg.NumAttentionHeads}
	for layer := 0; layer < cfg.NumHiddenLayers; layer++ {
		kBuf, err := rt.Allocate(0, shape, dtype)
		if err != nil {
			return nil, fmt.Errorf("%w: allocating gathered K for layer %d: %v", vramerrors.ErrModelFailure, layer, err)
		}
		vBuf, err := rt.Allocate(0, shape, dtype)
		if err != nil {
			return nil, fmt.Errorf("%w: allocating gathered V for layer %d: %v", vramerrors.ErrModelFailure, layer, err)
		}
		stride := dimBytes(dtype, shape)
		for pageIdx, pageID := range entry.Pages {
			page := c.Page(pageID)
			srcK := device.Buffer{GPUID: page.Device, Shape: shape, DType: dtype, Offset: page.offsetFor(layer, stride)}
			if err := rt.Copy(kBuf, srcK); err != nil {
				return nil, fmt.Errorf("%w: gathering layer %d page %d K: %v", vramerrors.ErrModelFailure, layer, pageIdx, err)
			}
			srcV := srcK
			srcV.Offset += stride
			if err := rt.Copy(vBuf, srcV); err != nil {
				return nil, fmt.Errorf("%w: gathering layer %d page %d V: %v", vramerrors.ErrModelFailure, layer, pageIdx, err)
			}
		}
		out[layer] = modeladapter.KVLayer{K: kBuf, V: vBuf}
	}
	return out, nil
}

func dimBytes(dtype device.DType, shape []int) int64 {
	n := int64(1)
	for _, d := range shape {
		n *= int64(d)
	}
	return n * int64(dtype.ElementSize())
}

// offsetFor is a page's byte offset for a given layer within its own
// arena-local storage; pages are allocated with room for every layer's K
// and V side by side, so the offset is a pure function of layer index and
// per-layer stride.
func (p *PhysicalPage) offsetFor(layer int, strideBytes int64) int64 {
	return int64(layer) * strideBytes * 2
}
