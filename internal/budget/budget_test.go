package budget

import (
	"testing"
)

func TestGPUBudget_DerivedProperties(t *testing.T) {
	tests := []struct {
		name           string
		b              GPUBudget
		wantFree       int64
		wantLendable   int64
		wantUtil       float64
		wantEffective  int64
	}{
		{
			name: "idle GPU",
			b:    GPUBudget{TotalBytes: 1000, ModelBytes: 0, KVCacheBytes: 0, ReservedBytes: 0},
			wantFree: 1000, wantLendable: 1000, wantUtil: 0, wantEffective: 1000,
		},
		{
			name: "model loaded with reserve",
			b:    GPUBudget{TotalBytes: 1000, ModelBytes: 400, KVCacheBytes: 100, ReservedBytes: 100},
			wantFree: 400, wantLendable: 400, wantUtil: 0.6, wantEffective: 1000,
		},
		{
			name: "lent and borrowed",
			b:    GPUBudget{TotalBytes: 1000, ModelBytes: 0, LentBytes: 200, BorrowedBytes: 50},
			wantFree: 800, wantLendable: 800, wantUtil: 0, wantEffective: 850,
		},
		{
			name: "fully committed yields zero free, never negative",
			b:    GPUBudget{TotalBytes: 100, ModelBytes: 60, KVCacheBytes: 30, ReservedBytes: 20},
			wantFree: 0, wantLendable: 0, wantUtil: 1.10, wantEffective: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.b.FreeBytes(); got != tt.wantFree {
				t.Errorf("FreeBytes() = %d, want %d", got, tt.wantFree)
			}
			if got := tt.b.LendableBytes(); got != tt.wantLendable {
				t.Errorf("LendableBytes() = %d, want %d", got, tt.wantLendable)
			}
			if got := tt.b.Utilization(); got != tt.wantUtil {
				t.Errorf("Utilization() = %v, want %v", got, tt.wantUtil)
			}
			if got := tt.b.EffectiveCapacity(); got != tt.wantEffective {
				t.Errorf("EffectiveCapacity() = %d, want %d", got, tt.wantEffective)
			}
		})
	}
}

func TestRegistry_RegisterIsIdempotentOnLeaseAccounting(t *testing.T) {
	r := NewRegistry()
	b := r.Register(RegisterParams{GPUID: 0, TotalBytes: 1000, ModelBytes: 400, DeviceName: "gpu0"})
	b.LentBytes = 100
	b.BorrowedBytes = 50

	// Re-register with different model bytes; lent/borrowed must survive.
	b2 := r.Register(RegisterParams{GPUID: 0, TotalBytes: 1000, ModelBytes: 500, DeviceName: "gpu0-renamed"})
	if b2.LentBytes != 100 {
		t.Errorf("LentBytes = %d, want preserved 100", b2.LentBytes)
	}
	if b2.BorrowedBytes != 50 {
		t.Errorf("BorrowedBytes = %d, want preserved 50", b2.BorrowedBytes)
	}
	if b2.ModelBytes != 500 {
		t.Errorf("ModelBytes = %d, want updated 500", b2.ModelBytes)
	}
	if b2.DeviceName != "gpu0-renamed" {
		t.Errorf("DeviceName = %q, want updated", b2.DeviceName)
	}
}

func TestRegistry_UpdateUsageLeavesLeasesAlone(t *testing.T) {
	r := NewRegistry()
	b := r.Register(RegisterParams{GPUID: 1, TotalBytes: 2000})
	b.LentBytes = 300
	kv := int64(777)
	if !r.UpdateUsage(1, nil, &kv) {
		t.Fatal("UpdateUsage returned false for registered gpu")
	}
	if b.KVCacheBytes != 777 {
		t.Errorf("KVCacheBytes = %d, want 777", b.KVCacheBytes)
	}
	if b.LentBytes != 300 {
		t.Errorf("LentBytes mutated by UpdateUsage: got %d", b.LentBytes)
	}
	if r.UpdateUsage(99, nil, &kv) {
		t.Error("UpdateUsage on unregistered gpu should return false")
	}
}

func TestRegistry_AllPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(RegisterParams{GPUID: 3, TotalBytes: 1})
	r.Register(RegisterParams{GPUID: 1, TotalBytes: 1})
	r.Register(RegisterParams{GPUID: 2, TotalBytes: 1})
	all := r.All()
	ids := []int{all[0].GPUID, all[1].GPUID, all[2].GPUID}
	want := []int{3, 1, 2}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("All()[%d].GPUID = %d, want %d", i, ids[i], want[i])
		}
	}
}
