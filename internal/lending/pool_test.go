package lending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vramcore/vramcore/internal/budget"
	"github.com/vramcore/vramcore/internal/config"
	"github.com/vramcore/vramcore/internal/device"
	"github.com/vramcore/vramcore/internal/transport"
	"github.com/vramcore/vramcore/internal/vramerrors"
)

// fakeClock lets tests advance time deterministically instead of sleeping,
// mirroring the teacher's injected-determinism approach to randomness.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakeTransport struct {
	calls int
}

func (f *fakeTransport) Transfer(tensor device.Buffer, srcGPU, dstGPU int) (device.Buffer, transport.Metadata, error) {
	f.calls++
	method := "p2p"
	if dstGPU < 0 {
		method = "host-staged"
	}
	return device.Buffer{GPUID: dstGPU, Offset: tensor.Offset, Bytes: tensor.Bytes}, transport.Metadata{BytesMoved: tensor.Bytes, Method: method}, nil
}

func newTestPool() (*Pool, *fakeClock) {
	p := NewPool(config.Default().Lending, &fakeTransport{}, nil)
	clk := &fakeClock{t: time.Unix(0, 0)}
	p.SetClock(clk)
	return p, clk
}

func gb(n int64) int64 { return n * 1024 * 1024 * 1024 }

// Scenario 2: Two-GPU cooperative lending (spec.md §8).
func TestBorrow_PrefersFasterPCIeAndMoreFree(t *testing.T) {
	p, _ := newTestPool()
	p.RegisterGPU(budget.RegisterParams{GPUID: 0, TotalBytes: gb(24), ModelBytes: gb(21), PCIeGen: 4, Vendor: device.VendorNVIDIA})
	p.RegisterGPU(budget.RegisterParams{GPUID: 1, TotalBytes: gb(16), ModelBytes: gb(10), PCIeGen: 5, Vendor: device.VendorNVIDIA})

	lease, err := p.Borrow(BorrowRequest{BorrowerGPU: 0, SizeBytes: gb(1), Purpose: "kv_cache", Priority: 0})
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, 1, lease.OwnerGPU)

	require.Equal(t, gb(1), p.Registry().Get(0).BorrowedBytes)
	require.Equal(t, gb(1), p.Registry().Get(1).LentBytes)
}

// Scenario 3: Reclaim under pressure (spec.md §8).
func TestReclaim_HighUrgencyReleasesExactLeaseSize(t *testing.T) {
	p, clk := newTestPool()
	p.RegisterGPU(budget.RegisterParams{GPUID: 0, TotalBytes: gb(24), ModelBytes: gb(21), PCIeGen: 4, Vendor: device.VendorNVIDIA})
	p.RegisterGPU(budget.RegisterParams{GPUID: 1, TotalBytes: gb(16), ModelBytes: gb(10), PCIeGen: 5, Vendor: device.VendorNVIDIA})

	lease, err := p.Borrow(BorrowRequest{BorrowerGPU: 0, SizeBytes: gb(1), Purpose: "kv_cache"})
	require.NoError(t, err)

	var reclaimedCount int
	p.OnReclaim(func(l *VRAMLease) { reclaimedCount++ })

	kv := gb(3)
	require.True(t, p.UpdateGPUUsage(1, nil, &kv))

	clk.Advance(time.Second)
	reclaimed, err := p.Reclaim(1, UrgencyHigh, gb(1))
	require.NoError(t, err)
	require.Equal(t, gb(1), reclaimed)
	require.Equal(t, int64(0), p.Registry().Get(1).LentBytes)
	require.Equal(t, StateReleased, p.Lease(lease.LeaseID).State)
	require.Equal(t, 1, reclaimedCount)
}

// Scenario 4: Priority-ordered reclaim (spec.md §8).
func TestReclaim_LowPriorityLeaseReleasedFirst(t *testing.T) {
	p, clk := newTestPool()
	p.RegisterGPU(budget.RegisterParams{GPUID: 0, TotalBytes: gb(24), Vendor: device.VendorNVIDIA})
	p.RegisterGPU(budget.RegisterParams{GPUID: 1, TotalBytes: gb(16), Vendor: device.VendorNVIDIA})

	low, err := p.Borrow(BorrowRequest{BorrowerGPU: 0, SizeBytes: 500 * 1024 * 1024, Priority: 0})
	require.NoError(t, err)
	high, err := p.Borrow(BorrowRequest{BorrowerGPU: 0, SizeBytes: 500 * 1024 * 1024, Priority: 10})
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = p.Reclaim(1, UrgencyHigh, 500*1024*1024)
	require.NoError(t, err)

	require.Equal(t, StateReleased, p.Lease(low.LeaseID).State)
	require.Equal(t, StateActive, p.Lease(high.LeaseID).State)
}

func TestReclaim_ZeroBytesNeededReclaimsEveryActiveLease(t *testing.T) {
	p, clk := newTestPool()
	p.RegisterGPU(budget.RegisterParams{GPUID: 0, TotalBytes: gb(24), Vendor: device.VendorNVIDIA})
	p.RegisterGPU(budget.RegisterParams{GPUID: 1, TotalBytes: gb(16), Vendor: device.VendorNVIDIA})

	l1, err := p.Borrow(BorrowRequest{BorrowerGPU: 0, SizeBytes: gb(1)})
	require.NoError(t, err)
	l2, err := p.Borrow(BorrowRequest{BorrowerGPU: 0, SizeBytes: gb(1)})
	require.NoError(t, err)

	clk.Advance(time.Second)
	reclaimed, err := p.Reclaim(1, UrgencyCritical, 0)
	require.NoError(t, err)
	require.Equal(t, gb(2), reclaimed)
	require.Equal(t, StateReleased, p.Lease(l1.LeaseID).State)
	require.Equal(t, StateReleased, p.Lease(l2.LeaseID).State)
	require.Nil(t, p.Lease(l1.LeaseID).TensorRef)
}

func TestBorrow_ExactLendableBytesSucceedsOneByteMoreFails(t *testing.T) {
	p, _ := newTestPool()
	p.RegisterGPU(budget.RegisterParams{GPUID: 0, TotalBytes: gb(10), Vendor: device.VendorNVIDIA})
	p.RegisterGPU(budget.RegisterParams{GPUID: 1, TotalBytes: gb(10), Vendor: device.VendorNVIDIA})

	lendable := p.Registry().Get(0).LendableBytes()
	lease, err := p.Borrow(BorrowRequest{BorrowerGPU: 1, SizeBytes: lendable, PreferredLender: intPtr(0)})
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.NoError(t, p.Release(lease.LeaseID))

	_, err = p.Borrow(BorrowRequest{BorrowerGPU: 1, SizeBytes: lendable + 1, PreferredLender: intPtr(0)})
	require.ErrorIs(t, err, vramerrors.ErrOutOfCapacity)
}

func TestBorrow_NoEligibleLenderReturnsOutOfCapacity(t *testing.T) {
	p, _ := newTestPool()
	p.RegisterGPU(budget.RegisterParams{GPUID: 0, TotalBytes: gb(1), ModelBytes: gb(1), Vendor: device.VendorNVIDIA})

	_, err := p.Borrow(BorrowRequest{BorrowerGPU: 0, SizeBytes: gb(1)})
	require.ErrorIs(t, err, vramerrors.ErrOutOfCapacity)
	require.Equal(t, int64(1), p.Stats().RejectedRequests)
}

func TestRelease_DoubleReleaseIsNoOp(t *testing.T) {
	p, _ := newTestPool()
	p.RegisterGPU(budget.RegisterParams{GPUID: 0, TotalBytes: gb(10), Vendor: device.VendorNVIDIA})
	p.RegisterGPU(budget.RegisterParams{GPUID: 1, TotalBytes: gb(10), Vendor: device.VendorNVIDIA})
	lease, err := p.Borrow(BorrowRequest{BorrowerGPU: 1, SizeBytes: gb(1)})
	require.NoError(t, err)

	require.NoError(t, p.Release(lease.LeaseID))
	require.Equal(t, StateReleased, p.Lease(lease.LeaseID).State)
	// Second release must be a no-op returning success.
	require.NoError(t, p.Release(lease.LeaseID))
	require.Equal(t, StateReleased, p.Lease(lease.LeaseID).State)
}

func TestLeaseIDNeverReused(t *testing.T) {
	p, _ := newTestPool()
	p.RegisterGPU(budget.RegisterParams{GPUID: 0, TotalBytes: gb(10), Vendor: device.VendorNVIDIA})
	p.RegisterGPU(budget.RegisterParams{GPUID: 1, TotalBytes: gb(10), Vendor: device.VendorNVIDIA})

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		lease, err := p.Borrow(BorrowRequest{BorrowerGPU: 1, SizeBytes: 1024})
		require.NoError(t, err)
		require.False(t, seen[lease.LeaseID])
		seen[lease.LeaseID] = true
		require.NoError(t, p.Release(lease.LeaseID))
	}
}

func intPtr(i int) *int { return &i }
