package lending

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vramcore/vramcore/internal/budget"
	"github.com/vramcore/vramcore/internal/config"
	"github.com/vramcore/vramcore/internal/device"
	"github.com/vramcore/vramcore/internal/transport"
	"github.com/vramcore/vramcore/internal/vramerrors"
)

// Clock abstracts wall-clock time so lease ages and reclaim latency are
// deterministically testable, mirroring the teacher's injected-determinism
// convention (sim/rng.go's PartitionedRNG) applied to time instead of
// randomness.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Stats is a point-in-time snapshot of the pool's monotonic counters.
type Stats struct {
	TotalLeasesCreated int64
	TotalBytesLent     int64
	PeakLentBytes      int64
	RejectedRequests   int64
	AvgReclaimLatency  time.Duration
}

// BorrowRequest bundles borrow()'s arguments.
type BorrowRequest struct {
	BorrowerGPU     int
	SizeBytes       int64
	Purpose         string
	Priority        int
	PreferredLender *int
}

// Pool is C2 VRAMLendingPool. All exported methods serialise on a single
// mutex held only for structural updates; migration I/O during reclaim
// runs outside the lock (§5 "Thread-safety contract").
type Pool struct {
	mu       sync.Mutex
	registry *budget.Registry
	leases   map[string]*VRAMLease
	cfg      config.LendingConfig
	clock    Clock
	transport transport.Transport
	monitor  device.Monitor
	log      *logrus.Entry

	onLend    []func(*VRAMLease)
	onReclaim []func(*VRAMLease)

	stats struct {
		totalLeasesCreated int64
		totalBytesLent     int64
		peakLentBytes      int64
		rejectedRequests   int64
		reclaimCount       int64
		reclaimTotalNanos  int64
	}

	stopMonitor chan struct{}
	monitorDone chan struct{}
	monitoring  bool

	statsGroup singleflight.Group
}

// NewPool constructs an empty pool around a fresh GPU budget registry.
// transport and monitor may be nil; a nil transport makes graceful
// reclaim degrade to the forced (CRITICAL) drop path with a logged
// warning, and a nil monitor simply disables StartMonitor.
func NewPool(cfg config.LendingConfig, tr transport.Transport, mon device.Monitor) *Pool {
	return &Pool{
		registry:  budget.NewRegistry(),
		leases:    make(map[string]*VRAMLease),
		cfg:       cfg,
		clock:     realClock{},
		transport: tr,
		monitor:   mon,
		log:       logrus.WithField("component", "lending"),
	}
}

// SetClock overrides the pool's clock; intended for tests.
func (p *Pool) SetClock(c Clock) { p.clock = c }

// Registry exposes the underlying GPU budget registry for read access by
// other components (PagedKVCache, HeteroPlacement).
func (p *Pool) Registry() *budget.Registry { return p.registry }

// RegisterGPU implements register_gpu from §4.1. Idempotent on gpu_id.
func (p *Pool) RegisterGPU(params budget.RegisterParams) *budget.GPUBudget {
	p.mu.Lock()
	defer p.mu.Unlock()
	if params.ReservedBytes == 0 {
		params.ReservedBytes = int64(float64(params.TotalBytes) * p.cfg.MinFreeRatio)
	}
	b := p.registry.Register(params)
	if p.cfg.BufferPreallocRatio > 0 {
		bufBytes := int64(float64(b.LendableBytes()) * p.cfg.BufferPreallocRatio)
		if bufBytes > 0 {
			b.LendingBuffer = &device.Buffer{
				Device: device.BackendUnknown,
				GPUID:  b.GPUID,
				Bytes:  bufBytes,
			}
			b.LendingBufferUsed = 0
		}
	}
	return b
}

// UpdateGPUUsage implements update_gpu_usage from §4.1.
func (p *Pool) UpdateGPUUsage(gpuID int, modelBytes, kvCacheBytes *int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registry.UpdateUsage(gpuID, modelBytes, kvCacheBytes)
}

// OnLend registers a best-effort callback fired after a successful borrow,
// outside the pool lock. Panics inside the callback are swallowed.
func (p *Pool) OnLend(cb func(*VRAMLease)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLend = append(p.onLend, cb)
}

// OnReclaim registers a best-effort callback fired whenever a lease is
// reclaimed or released, outside the pool lock.
func (p *Pool) OnReclaim(cb func(*VRAMLease)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReclaim = append(p.onReclaim, cb)
}

func (p *Pool) fireOnLend(l *VRAMLease) {
	for _, cb := range p.onLend {
		safeCall(func() { cb(l) })
	}
}

func (p *Pool) fireOnReclaim(l *VRAMLease) {
	for _, cb := range p.onReclaim {
		safeCall(func() { cb(l) })
	}
}

func safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("component", "lending").Warnf("callback panicked (swallowed): %v", r)
		}
	}()
	f()
}

// lenderScore computes the weighted scoring formula from §4.2.
func (p *Pool) lenderScore(lender *budget.GPUBudget, borrowerVendor device.Vendor, sizeBytes int64) (float64, bool) {
	if lender.TotalBytes == 0 {
		return 0, false
	}
	lendable := lender.LendableBytes()
	if lendable < sizeBytes {
		return 0, false
	}
	if lender.Utilization() >= p.cfg.StopLendingThreshold {
		return 0, false
	}
	capacityScore := float64(lendable-sizeBytes) / float64(lender.TotalBytes)
	pcieScore := float64(lender.PCIeGen) / 5.0
	if !p.cfg.PreferFastInterconnect {
		pcieScore = 0
	}
	idleScore := 1.0 - lender.Utilization()
	score := 0.4*capacityScore + 0.3*pcieScore + 0.3*idleScore
	if lender.Vendor != borrowerVendor {
		score -= p.cfg.CrossVendorPenalty
	}
	return score, true
}

// selectLenderLocked implements borrow()'s lender-selection rule. Caller
// must hold p.mu.
func (p *Pool) selectLenderLocked(req BorrowRequest) (*budget.GPUBudget, bool) {
	var borrowerVendor device.Vendor
	if borrower := p.registry.Get(req.BorrowerGPU); borrower != nil {
		borrowerVendor = borrower.Vendor
	}

	if req.PreferredLender != nil {
		if preferred := p.registry.Get(*req.PreferredLender); preferred != nil {
			if preferred.LendableBytes() >= req.SizeBytes && preferred.Utilization() < p.cfg.StopLendingThreshold {
				return preferred, true
			}
		}
	}

	var best *budget.GPUBudget
	var bestScore float64
	for _, candidate := range p.registry.All() {
		if candidate.GPUID == req.BorrowerGPU {
			continue
		}
		score, eligible := p.lenderScore(candidate, borrowerVendor, req.SizeBytes)
		if !eligible {
			continue
		}
		if best == nil || score > bestScore || (score == bestScore && candidate.GPUID < best.GPUID) {
			best = candidate
			bestScore = score
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// Borrow implements borrow() from §4.2.
func (p *Pool) Borrow(req BorrowRequest) (*VRAMLease, error) {
	p.mu.Lock()
	lender, ok := p.selectLenderLocked(req)
	if !ok {
		p.stats.rejectedRequests++
		p.mu.Unlock()
		return nil, vramerrors.ErrOutOfCapacity
	}

	offset := p.bumpOffsetLocked(lender.GPUID)
	lease := &VRAMLease{
		LeaseID:     uuid.NewString(),
		OwnerGPU:    lender.GPUID,
		BorrowerGPU: req.BorrowerGPU,
		SizeBytes:   req.SizeBytes,
		Offset:      offset,
		State:       StateActive,
		CreatedAt:   p.clock.Now(),
		Purpose:     req.Purpose,
		Priority:    req.Priority,
		Metadata:    make(map[string]string),
	}
	lender.LentBytes += req.SizeBytes
	lender.LendingBufferUsed = offset + req.SizeBytes
	if borrower := p.registry.Get(req.BorrowerGPU); borrower != nil {
		borrower.BorrowedBytes += req.SizeBytes
	}
	p.leases[lease.LeaseID] = lease

	p.stats.totalLeasesCreated++
	p.stats.totalBytesLent += req.SizeBytes
	if peak := p.totalLentLocked(); peak > p.stats.peakLentBytes {
		p.stats.peakLentBytes = peak
	}
	p.mu.Unlock()

	p.fireOnLend(lease)
	return lease, nil
}

// bumpOffsetLocked returns the next bump-allocator offset in owner's
// lending buffer: the max end-offset of the owner's active leases, or 0.
// Caller must hold p.mu.
func (p *Pool) bumpOffsetLocked(ownerGPU int) int64 {
	var maxEnd int64
	for _, l := range p.leases {
		if l.OwnerGPU == ownerGPU && l.State == StateActive {
			end := l.Offset + l.SizeBytes
			if end > maxEnd {
				maxEnd = end
			}
		}
	}
	return maxEnd
}

func (p *Pool) totalLentLocked() int64 {
	var total int64
	for _, b := range p.registry.All() {
		total += b.LentBytes
	}
	return total
}

// AllocateOnLease implements allocate_on_lease from §4.2.
func (p *Pool) AllocateOnLease(lease *VRAMLease, shape []int, dtype device.DType) (*device.Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease.State != StateActive {
		return nil, false
	}
	elems := 1
	for _, d := range shape {
		elems *= d
	}
	needed := int64(elems * dtype.ElementSize())
	if needed > lease.SizeBytes {
		return nil, false
	}
	owner := p.registry.Get(lease.OwnerGPU)
	if owner == nil {
		return nil, false
	}
	if owner.LendingBuffer == nil {
		// No pre-allocated buffer: a direct allocation on the owner device.
		return &device.Buffer{Device: device.BackendUnknown, GPUID: owner.GPUID, Shape: shape, DType: dtype, Offset: -1, Bytes: needed}, true
	}
	return &device.Buffer{
		Device: owner.LendingBuffer.Device,
		GPUID:  owner.GPUID,
		Shape:  shape,
		DType:  dtype,
		Offset: lease.Offset,
		Bytes:  needed,
	}, true
}

// ownerActiveLeasesLocked returns the owner's active, reclaim-eligible
// leases ordered ascending by (priority, -age): lowest priority first, and
// within equal priority the oldest lease first. A lease younger than
// MinLeaseDurationS is not yet reclaim-eligible and is excluded, per §6's
// "youngest reclaim-eligible age" semantics for min_lease_duration_s.
// Caller must hold p.mu.
func (p *Pool) ownerActiveLeasesLocked(ownerGPU int) []*VRAMLease {
	now := p.clock.Now()
	minAge := time.Duration(p.cfg.MinLeaseDurationS * float64(time.Second))
	var out []*VRAMLease
	for _, l := range p.leases {
		if l.OwnerGPU == ownerGPU && l.State == StateActive && l.Age(now) >= minAge {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Age(now) > out[j].Age(now)
	})
	return out
}

// Reclaim implements reclaim() from §4.2.
func (p *Pool) Reclaim(ownerGPU int, urgency Urgency, bytesNeeded int64) (int64, error) {
	p.mu.Lock()
	owner := p.registry.Get(ownerGPU)
	if owner == nil {
		p.mu.Unlock()
		return 0, fmt.Errorf("lending: unregistered owner gpu %d", ownerGPU)
	}
	candidates := p.ownerActiveLeasesLocked(ownerGPU)
	var selected []*VRAMLease
	var accumulated int64
	for _, l := range candidates {
		if bytesNeeded > 0 && accumulated >= bytesNeeded {
			break
		}
		l.State = StateReclaiming
		selected = append(selected, l)
		accumulated += l.SizeBytes
	}
	p.mu.Unlock()

	var totalReclaimed int64
	for _, lease := range selected {
		start := p.clock.Now()
		p.migrateLease(lease, urgency)

		p.mu.Lock()
		owner.LentBytes -= lease.SizeBytes
		if borrower := p.registry.Get(lease.BorrowerGPU); borrower != nil {
			borrower.BorrowedBytes -= lease.SizeBytes
		}
		lease.State = StateReleased
		totalReclaimed += lease.SizeBytes
		p.recordReclaimLatencyLocked(p.clock.Now().Sub(start))
		p.mu.Unlock()

		p.fireOnReclaim(lease)
	}
	return totalReclaimed, nil
}

// migrateLease performs the urgency-dependent preemption handling from
// §4.2. It does not hold p.mu: migration I/O is explicitly outside the
// pool lock.
func (p *Pool) migrateLease(lease *VRAMLease, urgency Urgency) {
	if urgency == UrgencyCritical {
		lease.TensorRef = nil
		return
	}

	if p.transport == nil {
		p.log.Warnf("lease %s: no transport configured, forcing drop despite urgency %v", lease.LeaseID, urgency)
		lease.TensorRef = nil
		return
	}

	tensorBuf := device.Buffer{GPUID: lease.OwnerGPU, Offset: lease.Offset, Bytes: lease.SizeBytes}

	// LOW/MEDIUM: try borrower-VRAM migration first; HIGH skips straight to host.
	if urgency != UrgencyHigh {
		borrower := p.registry.Get(lease.BorrowerGPU)
		if borrower != nil && borrower.FreeBytes() >= lease.SizeBytes {
			newBuf, meta, err := p.transport.Transfer(tensorBuf, lease.OwnerGPU, lease.BorrowerGPU)
			if err == nil {
				lease.TensorRef = &TensorRef{GPUID: lease.BorrowerGPU, Offset: newBuf.Offset, Bytes: lease.SizeBytes}
				lease.Metadata["last_migration"] = meta.Method
				return
			}
			p.log.Warnf("lease %s: borrower-VRAM migration failed, falling back to host: %v", lease.LeaseID, err)
		}
	}

	newBuf, meta, err := p.transport.Transfer(tensorBuf, lease.OwnerGPU, -1)
	if err != nil {
		p.log.Warnf("lease %s: host migration failed, dropping data: %v", lease.LeaseID, err)
		lease.TensorRef = nil
		return
	}
	lease.TensorRef = &TensorRef{GPUID: -1, Offset: newBuf.Offset, Bytes: lease.SizeBytes}
	lease.Metadata["last_migration"] = meta.Method
}

func (p *Pool) recordReclaimLatencyLocked(d time.Duration) {
	p.stats.reclaimCount++
	p.stats.reclaimTotalNanos += d.Nanoseconds()
}

// Release implements release() from §4.2: voluntary release by a
// borrower, semantically equivalent to a CRITICAL reclaim of that single
// lease. A second release of an already-released lease is a no-op that
// reports success.
func (p *Pool) Release(leaseID string) error {
	p.mu.Lock()
	lease, ok := p.leases[leaseID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("lending: unknown lease %s", leaseID)
	}
	if lease.State == StateReleased {
		p.mu.Unlock()
		return nil
	}
	owner := p.registry.Get(lease.OwnerGPU)
	borrower := p.registry.Get(lease.BorrowerGPU)
	lease.TensorRef = nil
	lease.State = StateReleased
	if owner != nil {
		owner.LentBytes -= lease.SizeBytes
	}
	if borrower != nil {
		borrower.BorrowedBytes -= lease.SizeBytes
	}
	p.mu.Unlock()

	p.fireOnReclaim(lease)
	return nil
}

// Lease returns the lease with the given ID, or nil.
func (p *Pool) Lease(leaseID string) *VRAMLease {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leases[leaseID]
}

// ActiveLeases returns every lease currently in state ACTIVE.
func (p *Pool) ActiveLeases() []*VRAMLease {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*VRAMLease
	for _, l := range p.leases {
		if l.State == StateActive {
			out = append(out, l)
		}
	}
	return out
}

// Stats returns a snapshot of the pool's monotonic counters. Concurrent
// callers (e.g. several metrics scrapers) collapse onto a single snapshot
// computation via singleflight rather than each re-acquiring the pool
// lock independently.
func (p *Pool) Stats() Stats {
	v, _, _ := p.statsGroup.Do("stats", func() (interface{}, error) {
		return p.snapshotStatsLocked(), nil
	})
	return v.(Stats)
}

func (p *Pool) snapshotStatsLocked() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		TotalLeasesCreated: p.stats.totalLeasesCreated,
		TotalBytesLent:     p.stats.totalBytesLent,
		PeakLentBytes:      p.stats.peakLentBytes,
		RejectedRequests:   p.stats.rejectedRequests,
	}
	if p.stats.reclaimCount > 0 {
		s.AvgReclaimLatency = time.Duration(p.stats.reclaimTotalNanos / p.stats.reclaimCount)
	}
	return s
}
