package asidabi

import (
	"testing"
	"unsafe"

	"github.com/ctxid/asidvm/asid"
	"github.com/ctxid/asidvm/profile"
)

// buildSequence replays the fixed sequence of scenario S6: allocate 10,
// deallocate 3, 100 context switches, 7 with flush.
func buildSequence(t *testing.T) *profile.Counters {
	t.Helper()

	c := profile.New()

	var ids []asid.ID
	for i := 0; i < 10; i++ {
		id := asid.ID(i + 1)
		c.RecordAllocation(id)
		ids = append(ids, id)
	}

	for _, id := range ids[:3] {
		c.RecordDeallocation(id)
	}

	for i := 0; i < 100; i++ {
		c.RecordContextSwitch(10, i < 7)
	}

	return c
}

// TestSnapshotMatchesRecordedSequence is scenario S6's first half.
func TestSnapshotMatchesRecordedSequence(t *testing.T) {
	c := buildSequence(t)

	buf := make([]byte, unsafe.Sizeof(AsidStatsUserspace{}))

	n, err := AsidProfiling(c, ActionSnapshot, buf)
	if err != nil {
		t.Fatalf("AsidProfiling(ActionSnapshot): %v", err)
	}

	if n != int(unsafe.Sizeof(AsidStatsUserspace{})) {
		t.Fatalf("wrote %d bytes, want %d", n, unsafe.Sizeof(AsidStatsUserspace{}))
	}

	var stats AsidStatsUserspace
	copy(structBytes(&stats), buf)

	if stats.AllocationsTotal != 10 {
		t.Errorf("allocations_total = %d, want 10", stats.AllocationsTotal)
	}

	if stats.DeallocationsTotal != 3 {
		t.Errorf("deallocations_total = %d, want 3", stats.DeallocationsTotal)
	}

	if stats.ActiveASIDs != 7 {
		t.Errorf("active_asids = %d, want 7", stats.ActiveASIDs)
	}

	if stats.ContextSwitches != 100 {
		t.Errorf("context_switches = %d, want 100", stats.ContextSwitches)
	}

	if stats.ContextSwitchesWithFlush != 7 {
		t.Errorf("context_switches_with_flush = %d, want 7", stats.ContextSwitchesWithFlush)
	}
}

// TestResetThenSnapshotIsAllZero is scenario S6's second half.
func TestResetThenSnapshotIsAllZero(t *testing.T) {
	c := buildSequence(t)

	if n, err := AsidProfiling(c, ActionReset, nil); err != nil || n != 0 {
		t.Fatalf("AsidProfiling(ActionReset) = (%d, %v), want (0, nil)", n, err)
	}

	buf := make([]byte, unsafe.Sizeof(AsidStatsUserspace{}))

	if _, err := AsidProfiling(c, ActionSnapshot, buf); err != nil {
		t.Fatalf("AsidProfiling(ActionSnapshot) after reset: %v", err)
	}

	var stats AsidStatsUserspace
	copy(structBytes(&stats), buf)

	zero := AsidStatsUserspace{}
	if stats != zero {
		t.Fatalf("stats after reset = %+v, want all zero", stats)
	}
}

func TestSnapshotRejectsUndersizedBuffer(t *testing.T) {
	c := profile.New()

	buf := make([]byte, 4)

	if _, err := AsidProfiling(c, ActionSnapshot, buf); err == nil {
		t.Fatal("expected ErrBufferTooSmall for a 4-byte buffer")
	}
}

func TestInvalidActionRejected(t *testing.T) {
	c := profile.New()

	if _, err := AsidProfiling(c, Action(99), nil); err == nil {
		t.Fatal("expected ErrInvalidAction for action 99")
	}
}

func TestLogReportReturnsZero(t *testing.T) {
	c := buildSequence(t)

	n, err := AsidProfiling(c, ActionLogReport, nil)
	if err != nil {
		t.Fatalf("AsidProfiling(ActionLogReport): %v", err)
	}

	if n != 0 {
		t.Fatalf("AsidProfiling(ActionLogReport) = %d, want 0", n)
	}
}

// TestEfficiencySnapshotOnEmptyReportIsDefined is property P6 observed
// through the ABI.
func TestEfficiencySnapshotOnEmptyReportIsDefined(t *testing.T) {
	c := profile.New()

	buf := make([]byte, unsafe.Sizeof(AsidEfficiencyUserspace{}))

	if _, err := AsidProfiling(c, ActionEfficiency, buf); err != nil {
		t.Fatalf("AsidProfiling(ActionEfficiency): %v", err)
	}

	var eff AsidEfficiencyUserspace
	copy(structBytes(&eff), buf)

	if eff.AllocationSuccessRate != partsPerMillion {
		t.Errorf("allocation_success_rate = %d, want %d", eff.AllocationSuccessRate, uint64(partsPerMillion))
	}

	if eff.FlushEfficiency != partsPerMillion {
		t.Errorf("flush_efficiency = %d, want %d", eff.FlushEfficiency, uint64(partsPerMillion))
	}

	if eff.ReuseEfficiency != 0 {
		t.Errorf("reuse_efficiency = %d, want 0", eff.ReuseEfficiency)
	}
}

func TestEfficiencySnapshotRejectsUndersizedBuffer(t *testing.T) {
	c := profile.New()

	if _, err := AsidProfiling(c, ActionEfficiency, make([]byte, 2)); err == nil {
		t.Fatal("expected ErrBufferTooSmall for a 2-byte buffer")
	}
}
