package profile

import (
	"reflect"
	"testing"

	"github.com/ctxid/asidvm/asid"
)

// TestResetYieldsZeroReport is property P5: reset -> snapshot is the
// all-zero counter record, per-ID table empty.
func TestResetYieldsZeroReport(t *testing.T) {
	c := New()

	c.RecordAllocation(1)
	c.RecordAllocation(2)
	c.RecordDeallocation(1)
	c.RecordBitmapSearch()
	c.RecordGenerationRollover()
	c.RecordContextSwitch(100, true)
	c.RecordTLBSingleContextFlush(2)
	c.SetPCIDEnabled(true)

	c.Reset()

	r := c.GetReport()
	zero := Report{PerASID: map[asid.ID]UsageRecord{}}

	if !reflect.DeepEqual(r, zero) {
		t.Fatalf("report after reset is not zero: %+v", r)
	}
}

// TestCalculateEfficiencyDefinedOnZeroReport is property P6: no division
// by zero, defined defaults on every zero denominator.
func TestCalculateEfficiencyDefinedOnZeroReport(t *testing.T) {
	e := CalculateEfficiency(Report{})

	if e.AllocationSuccessRate != 1 {
		t.Errorf("allocation_success_rate on empty report = %v, want 1", e.AllocationSuccessRate)
	}

	if e.ReuseEfficiency != 0 {
		t.Errorf("reuse_efficiency on empty report = %v, want 0", e.ReuseEfficiency)
	}

	if e.FlushEfficiency != 1 {
		t.Errorf("flush_efficiency on empty report = %v, want 1", e.FlushEfficiency)
	}

	if e.AvgCyclesPerAllocation != 0 || e.AvgCyclesPerContextSwitch != 0 {
		t.Errorf("avg cycles on empty report should be 0, got %+v", e)
	}
}

func TestCalculateEfficiencyNonTrivial(t *testing.T) {
	r := Report{
		AllocationsTotal:         8,
		AllocationFailures:       2,
		AsidReuseCount:           4,
		AllocationTimeTotal:      800,
		ContextSwitches:          10,
		ContextSwitchesWithFlush: 3,
		ContextSwitchTimeTotal:   1000,
	}

	e := CalculateEfficiency(r)

	if got, want := e.AllocationSuccessRate, 0.8; got != want {
		t.Errorf("allocation_success_rate = %v, want %v", got, want)
	}

	if got, want := e.ReuseEfficiency, 0.5; got != want {
		t.Errorf("reuse_efficiency = %v, want %v", got, want)
	}

	if got, want := e.FlushEfficiency, 0.7; got != want {
		t.Errorf("flush_efficiency = %v, want %v", got, want)
	}

	if got, want := e.AvgCyclesPerAllocation, 100.0; got != want {
		t.Errorf("avg_cycles_per_allocation = %v, want %v", got, want)
	}

	if got, want := e.AvgCyclesPerContextSwitch, 100.0; got != want {
		t.Errorf("avg_cycles_per_context_switch = %v, want %v", got, want)
	}
}

// TestP3ActiveASIDsMatchesAllocationsMinusDeallocations is property P3
// observed through Counters directly.
func TestP3ActiveASIDsMatchesAllocationsMinusDeallocations(t *testing.T) {
	c := New()

	for id := asid.ID(1); id <= 10; id++ {
		c.RecordAllocation(id)
	}

	for id := asid.ID(1); id <= 4; id++ {
		c.RecordDeallocation(id)
	}

	r := c.GetReport()
	if r.ActiveASIDs != 6 {
		t.Fatalf("active_asids = %d, want 6", r.ActiveASIDs)
	}

	if r.AllocationsTotal-r.DeallocationsTotal != uint64(r.ActiveASIDs) {
		t.Fatalf("allocations_total - deallocations_total = %d, active_asids = %d",
			r.AllocationsTotal-r.DeallocationsTotal, r.ActiveASIDs)
	}
}

func TestRecordAllocationTracksReuseAndPerASIDTable(t *testing.T) {
	c := New()

	c.RecordAllocation(7)
	c.RecordDeallocation(7)
	c.RecordAllocation(7) // recycled: same ASID, second allocation

	r := c.GetReport()

	if r.AsidReuseCount != 1 {
		t.Fatalf("asid_reuse_count = %d, want 1", r.AsidReuseCount)
	}

	usage, ok := r.PerASID[7]
	if !ok {
		t.Fatal("expected per-ASID record for id 7")
	}

	if usage.AllocationCount != 2 {
		t.Fatalf("allocation_count for id 7 = %d, want 2", usage.AllocationCount)
	}

	if r.TotalASIDsUsed != 1 {
		t.Fatalf("total_asids_used = %d, want 1", r.TotalASIDsUsed)
	}
}

// TestP4SingleContextFlushIsCounted exercises the profile side of
// property P4 in isolation from ctxid.
func TestP4SingleContextFlushIsCounted(t *testing.T) {
	c := New()

	c.RecordTLBSingleContextFlush(3)

	r := c.GetReport()
	if r.TLBSingleContextFlushes != 1 {
		t.Fatalf("tlb_single_context_flushes = %d, want 1", r.TLBSingleContextFlushes)
	}

	if r.PerASID[3].TLBFlushes != 1 {
		t.Fatalf("per-ASID TLBFlushes for id 3 = %d, want 1", r.PerASID[3].TLBFlushes)
	}
}

func TestTouchAccumulatesActiveTimeBetweenActivations(t *testing.T) {
	c := New()

	c.Touch(1, true, 1000)
	c.Touch(1, true, 1500)
	c.Touch(1, true, 2200)

	r := c.GetReport()
	usage := r.PerASID[1]

	if usage.ActivationCount != 3 {
		t.Fatalf("activation_count = %d, want 3", usage.ActivationCount)
	}

	if usage.TotalActiveTime != 1200 {
		t.Fatalf("total_active_time = %d, want 1200", usage.TotalActiveTime)
	}

	if usage.LastUsedTimestamp != 2200 {
		t.Fatalf("last_used_timestamp = %d, want 2200", usage.LastUsedTimestamp)
	}
}

func TestTouchIgnoresFlushRequiredSentinel(t *testing.T) {
	c := New()

	c.Touch(asid.FlushRequired, true, 10)

	r := c.GetReport()
	if len(r.PerASID) != 0 {
		t.Fatalf("FlushRequired sentinel should never create a per-ASID record, got %d entries", len(r.PerASID))
	}
}

func TestGenerationSourceReflectedInReport(t *testing.T) {
	a := asid.New(asid.WithRange(1, 4))
	c := New(WithGenerationSource(a.CurrentGeneration))

	a.IncrementGeneration()

	r := c.GetReport()
	if r.CurrentGeneration != 1 {
		t.Fatalf("current_generation = %d, want 1", r.CurrentGeneration)
	}
}
