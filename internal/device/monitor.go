package device

// Monitor reports real-time device utilisation, preferred over bookkeeping
// by the lending pool's background reclaim loop (§4.2 of the core
// specification).
type Monitor interface {
	// VRAMUsage returns utilisation in [0,1] for the given GPU.
	VRAMUsage(gpuID int) (float64, error)
}
