// Package device models the device-runtime collaborator the core calls
// into for allocation, copy, and timing, without caring which vendor
// backend actually services the call. See §9 "Dynamic dispatch and duck
// typing" of the core specification: the source's isinstance/hasattr
// branching on backend type becomes a match on a small sum type here.
package device

import "fmt"

// Backend identifies which runtime family a GPU belongs to.
type Backend int

const (
	BackendUnknown Backend = iota
	BackendCUDA
	BackendROCm
	BackendMPS
	BackendCPU
)

func (b Backend) String() string {
	switch b {
	case BackendCUDA:
		return "cuda"
	case BackendROCm:
		return "rocm"
	case BackendMPS:
		return "mps"
	case BackendCPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// Vendor identifies the GPU vendor, independent of which backend library
// is driving it (e.g. a ROCm build still reports vendor "amd").
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorNVIDIA
	VendorAMD
	VendorIntel
)

func (v Vendor) String() string {
	switch v {
	case VendorNVIDIA:
		return "nvidia"
	case VendorAMD:
		return "amd"
	case VendorIntel:
		return "intel"
	default:
		return "unknown"
	}
}

// ParseVendor converts a configuration string into a Vendor, defaulting to
// VendorUnknown for anything unrecognised rather than failing load.
func ParseVendor(s string) Vendor {
	switch s {
	case "nvidia":
		return VendorNVIDIA
	case "amd":
		return VendorAMD
	case "intel":
		return VendorIntel
	default:
		return VendorUnknown
	}
}

// DType is the element type of a typed buffer allocated on a device.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI8
)

func (d DType) ElementSize() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 4
	}
}

// Buffer is an opaque handle to a typed, device-resident allocation. The
// core never dereferences its contents; it only tracks shape, dtype and
// which device owns it, and passes the handle to collaborators.
type Buffer struct {
	Device Backend
	GPUID  int
	Shape  []int
	DType  DType
	// Offset is the byte offset into a pre-allocated lending buffer, or -1
	// for a standalone allocation.
	Offset int64
	// Bytes is the size of the allocation in bytes.
	Bytes int64
}

func (b Buffer) String() string {
	return fmt.Sprintf("Buffer{gpu=%d shape=%v dtype=%v bytes=%d offset=%d}", b.GPUID, b.Shape, b.DType, b.Bytes, b.Offset)
}

// Runtime is the interface the core calls into for device operations. A
// production binary wires in a real CUDA/ROCm/MPS implementation; tests use
// a fake that tracks calls.
type Runtime interface {
	// Enumerate returns every device visible to this process.
	Enumerate() ([]Info, error)
	// Allocate reserves a typed buffer of the given shape on gpuID.
	Allocate(gpuID int, shape []int, dtype DType) (Buffer, error)
	// Free releases a previously allocated buffer.
	Free(buf Buffer) error
	// Copy moves bytes between two buffers, which may be on the same
	// device, different devices, or host memory (gpuID < 0 means host).
	Copy(dst, src Buffer) error
	// Synchronize blocks until all outstanding operations on gpuID complete.
	Synchronize(gpuID int) error
}

// Info describes one enumerated device.
type Info struct {
	GPUID              int
	Backend            Backend
	Vendor             Vendor
	Name               string
	TotalBytes         int64
	ComputeCapability  [2]int
	PCIeGen            int
}
