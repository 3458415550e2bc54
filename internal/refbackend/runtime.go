// Package refbackend is a host-only, deterministic implementation of every
// collaborator interface the core depends on (device.Runtime,
// modeladapter.Model, modeladapter.Tokeniser, transport.Transport,
// device.Monitor, placement.Benchmarker, placement.LayerRunner). It exists
// so `vramcore serve`/`vramcore submit`/`vramcore plan` can exercise the
// full orchestration core end to end without real GPU hardware, the same
// way the teacher's own simulator never touches CUDA and instead models
// cost synthetically.
package refbackend

import (
	"fmt"
	"sync"

	"github.com/vramcore/vramcore/internal/device"
	"github.com/vramcore/vramcore/internal/transport"
)

// Runtime is an in-process device.Runtime backed by plain host byte
// slices, one per GPU id plus a host pool keyed at -1. It never actually
// dispatches to hardware; Copy is a memmove, Allocate a bump allocation
// into a growable backing slice.
type Runtime struct {
	mu      sync.Mutex
	infos   []device.Info
	pools   map[int][]byte
	offsets map[int]int64
}

// NewRuntime builds a runtime pre-registered with the given device infos.
func NewRuntime(infos []device.Info) *Runtime {
	r := &Runtime{
		infos:   infos,
		pools:   make(map[int][]byte),
		offsets: make(map[int]int64),
	}
	for _, info := range infos {
		r.pools[info.GPUID] = make([]byte, 0, info.TotalBytes)
	}
	return r
}

func (r *Runtime) Enumerate() ([]device.Info, error) {
	return r.infos, nil
}

func (r *Runtime) Allocate(gpuID int, shape []int, dtype device.DType) (device.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := int64(1)
	for _, d := range shape {
		n *= int64(d)
	}
	bytes := n * int64(dtype.ElementSize())

	pool, ok := r.pools[gpuID]
	if !ok {
		pool = make([]byte, 0)
	}
	offset := int64(len(pool))
	pool = append(pool, make([]byte, bytes)...)
	r.pools[gpuID] = pool

	return device.Buffer{GPUID: gpuID, Shape: shape, DType: dtype, Offset: offset, Bytes: bytes}, nil
}

func (r *Runtime) Free(buf device.Buffer) error {
	// Backing slices are never shrunk; a bump allocator has nothing to
	// reclaim.
	return nil
}

func (r *Runtime) Copy(dst, src device.Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	srcPool, ok := r.pools[src.GPUID]
	if !ok {
		return fmt.Errorf("refbackend: unknown source gpu %d", src.GPUID)
	}
	dstPool, ok := r.pools[dst.GPUID]
	if !ok {
		return fmt.Errorf("refbackend: unknown destination gpu %d", dst.GPUID)
	}
	if src.Offset < 0 || dst.Offset < 0 {
		// A standalone (non-lending-buffer) buffer has no backing slot to
		// copy into; treat it as a no-op rather than guessing an address.
		return nil
	}
	if src.Offset+src.Bytes > int64(len(srcPool)) || dst.Offset+dst.Bytes > int64(len(dstPool)) {
		return fmt.Errorf("refbackend: copy out of bounds: src=%v dst=%v", src, dst)
	}
	n := src.Bytes
	if dst.Bytes < n {
		n = dst.Bytes
	}
	copy(dstPool[dst.Offset:dst.Offset+n], srcPool[src.Offset:src.Offset+n])
	return nil
}

func (r *Runtime) Synchronize(gpuID int) error { return nil }

// Monitor reports the utilisation passed to NewMonitor or set later via
// SetUsage; a real deployment replaces this with nvml/rocm-smi polling.
type Monitor struct {
	usage map[int]float64
}

// NewMonitor builds a Monitor that reports a static usage fraction per
// GPU, overridable at runtime via SetUsage for exercising the lending
// pool's background reclaim loop in tests and demos.
func NewMonitor(initial map[int]float64) *Monitor {
	m := &Monitor{usage: make(map[int]float64, len(initial))}
	for k, v := range initial {
		m.usage[k] = v
	}
	return m
}

func (m *Monitor) SetUsage(gpuID int, usage float64) { m.usage[gpuID] = usage }

func (m *Monitor) VRAMUsage(gpuID int) (float64, error) {
	u, ok := m.usage[gpuID]
	if !ok {
		return 0, fmt.Errorf("refbackend: no usage reading for gpu %d", gpuID)
	}
	return u, nil
}

// Transport moves bytes between two runtime-backed pools via an ordinary
// host copy, reporting the size moved as its metadata.
type Transport struct {
	rt *Runtime
}

func NewTransport(rt *Runtime) *Transport { return &Transport{rt: rt} }

func (t *Transport) Transfer(tensor device.Buffer, srcGPU, dstGPU int) (device.Buffer, transport.Metadata, error) {
	dst, err := t.rt.Allocate(dstGPU, tensor.Shape, tensor.DType)
	if err != nil {
		return device.Buffer{}, transport.Metadata{}, err
	}
	srcView := tensor
	srcView.GPUID = srcGPU
	if err := t.rt.Copy(dst, srcView); err != nil {
		return device.Buffer{}, transport.Metadata{}, err
	}
	method := "p2p"
	if dstGPU < 0 || srcGPU < 0 {
		method = "host-staged"
	}
	return dst, transport.Metadata{BytesMoved: tensor.Bytes, Method: method}, nil
}
