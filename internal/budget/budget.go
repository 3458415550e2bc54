// Package budget implements C1 GPUBudget: per-device VRAM accounting.
//
// GPUBudget and Registry are plain data structures with no internal
// locking of their own. Per §5 of the core specification, "GPUBudget
// fields are mutable only under the lending-pool lock" — the lending
// package is the sole owner of concurrent access and serialises every
// mutation through its own mutex. Registry exists here, not in lending,
// so that PagedKVCache and HeteroPlacement can read budgets (free bytes,
// utilisation) without importing the lending package's lease machinery.
package budget

import "github.com/vramcore/vramcore/internal/device"

// GPUBudget tracks VRAM accounting for one physical GPU.
type GPUBudget struct {
	GPUID              int
	Vendor             device.Vendor
	TotalBytes         int64
	ModelBytes         int64
	KVCacheBytes       int64
	LentBytes          int64
	BorrowedBytes      int64
	ReservedBytes      int64
	DeviceName         string
	PCIeGen            int
	ComputeCapability  [2]int

	// LendingBuffer is the optional pre-allocated contiguous region
	// borrowed leases are bump-allocated out of. Nil when the owner has
	// not pre-allocated one (see §4.1).
	LendingBuffer *device.Buffer
	// LendingBufferUsed is the bump-allocator high-water mark within
	// LendingBuffer, i.e. the offset the next lease will start at.
	LendingBufferUsed int64
}

// FreeBytes is the derived read-only property from §3: total minus model,
// KV cache, lent, and reserved.
func (b *GPUBudget) FreeBytes() int64 {
	free := b.TotalBytes - b.ModelBytes - b.KVCacheBytes - b.LentBytes - b.ReservedBytes
	if free < 0 {
		return 0
	}
	return free
}

// LendableBytes is free bytes in excess of the reserved safety margin.
// ReservedBytes is subtracted twice over: once inside FreeBytes (total
// minus model, KV cache, lent, and reserved) and again here, so the
// reserved margin is never itself up for lending.
func (b *GPUBudget) LendableBytes() int64 {
	lendable := b.FreeBytes() - b.ReservedBytes
	if lendable < 0 {
		return 0
	}
	return lendable
}

// Utilization is (model + kv + reserved) / total.
func (b *GPUBudget) Utilization() float64 {
	if b.TotalBytes == 0 {
		return 0
	}
	return float64(b.ModelBytes+b.KVCacheBytes+b.ReservedBytes) / float64(b.TotalBytes)
}

// EffectiveCapacity is total + borrowed - lent: the VRAM this GPU can
// actually address right now, counting what it has borrowed in and giving
// back what it has lent out.
func (b *GPUBudget) EffectiveCapacity() int64 {
	return b.TotalBytes + b.BorrowedBytes - b.LentBytes
}

// LendingBufferUtilization is the supplemental derived stat from
// SPEC_FULL.md §4 ("Lending buffer pre-allocation ratio reporting"): the
// fraction of the pre-allocated lending buffer currently sub-sliced out to
// active leases. Zero when no buffer was pre-allocated.
func (b *GPUBudget) LendingBufferUtilization() float64 {
	if b.LendingBuffer == nil || b.LendingBuffer.Bytes == 0 {
		return 0
	}
	return float64(b.LendingBufferUsed) / float64(b.LendingBuffer.Bytes)
}

// Registry is the process-wide set of registered GPU budgets. A Registry
// is created lazily by its owner (the lending pool) on first registration
// and lives for the process lifetime, per §4.1.
type Registry struct {
	byID  map[int]*GPUBudget
	order []int // registration order, for deterministic iteration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[int]*GPUBudget)}
}

// RegisterParams bundles the register_gpu arguments from §4.1.
type RegisterParams struct {
	GPUID             int
	TotalBytes        int64
	ModelBytes        int64
	DeviceName        string
	PCIeGen           int
	Vendor            device.Vendor
	ComputeCapability [2]int
	ReservedBytes     int64
}

// Register creates or replaces the budget for gpu_id. Per §4.1,
// registration is idempotent on gpu_id: a repeated call replaces fields
// but preserves LentBytes and BorrowedBytes (those are derived from the
// still-active lease set, which registration must not disturb).
func (r *Registry) Register(p RegisterParams) *GPUBudget {
	existing, ok := r.byID[p.GPUID]
	var lent, borrowed int64
	if ok {
		lent = existing.LentBytes
		borrowed = existing.BorrowedBytes
	}
	b := &GPUBudget{
		GPUID:             p.GPUID,
		Vendor:            p.Vendor,
		TotalBytes:        p.TotalBytes,
		ModelBytes:        p.ModelBytes,
		DeviceName:        p.DeviceName,
		PCIeGen:           p.PCIeGen,
		ComputeCapability: p.ComputeCapability,
		ReservedBytes:     p.ReservedBytes,
		LentBytes:         lent,
		BorrowedBytes:     borrowed,
	}
	r.byID[p.GPUID] = b
	if !ok {
		r.order = append(r.order, p.GPUID)
	}
	return b
}

// Get returns the budget for gpuID, or nil if unregistered.
func (r *Registry) Get(gpuID int) *GPUBudget {
	return r.byID[gpuID]
}

// All returns every registered budget in registration order.
func (r *Registry) All() []*GPUBudget {
	out := make([]*GPUBudget, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// UpdateUsage atomically (with respect to the caller's external lock)
// updates model/KV usage without touching lease accounting, per §4.1's
// update_gpu_usage.
func (r *Registry) UpdateUsage(gpuID int, modelBytes, kvCacheBytes *int64) bool {
	b, ok := r.byID[gpuID]
	if !ok {
		return false
	}
	if modelBytes != nil {
		b.ModelBytes = *modelBytes
	}
	if kvCacheBytes != nil {
		b.KVCacheBytes = *kvCacheBytes
	}
	return true
}
