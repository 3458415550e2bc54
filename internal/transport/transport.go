// Package transport declares the inter-GPU transport collaborator used to
// migrate lease-backed tensors during a graceful reclaim. The core does
// not care whether the real implementation is peer-to-peer, CPU-staged, or
// cross-vendor PCIe (§6 of the core specification); it only calls Transfer.
package transport

import "github.com/vramcore/vramcore/internal/device"

// Metadata describes one completed transfer, supplementing the migrated
// tensor with bytes-moved/elapsed accounting carried over from the
// original system's telemetry layer (see SPEC_FULL.md §4, "Cross-vendor
// transfer metadata").
type Metadata struct {
	BytesMoved   int64
	ElapsedMicros int64
	Method       string // e.g. "p2p", "host-staged", "pcie"
}

// Transport moves a tensor from one GPU to another, or to host memory when
// dstGPU is negative.
type Transport interface {
	Transfer(tensor device.Buffer, srcGPU, dstGPU int) (device.Buffer, Metadata, error)
}
