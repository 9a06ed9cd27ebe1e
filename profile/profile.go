// Package profile implements the profiling counters (C5): a process-wide
// singleton of monotonic 64-bit counters, updated with sync/atomic
// operations (at least as strong as the relaxed ordering the counters
// need), plus a lazily-populated per-ASID usage table guarded by a
// mutex. This is the Go rendition of original_source's
// ostd/src/mm/asid_profiling.rs: the same counter set, the same
// lazily-created-on-first-allocation per-ID record, ported from its
// BTreeMap-under-SpinLock shape to a plain map under a sync.Mutex (Go has
// no ordered-map primitive and the spec never requires iteration order).
package profile

import (
	"sync"
	"sync/atomic"

	"github.com/ctxid/asidvm/asid"
)

// UsageRecord is the per-ASID usage record (§3, §4.5): created lazily on
// first allocation.
type UsageRecord struct {
	AllocationCount    uint64
	ActivationCount    uint64
	LastUsedTimestamp  uint64
	TotalActiveTime    uint64
	TLBFlushes         uint64
}

// Report is a point-in-time snapshot of every counter plus a copy of the
// per-ASID table, returned by GetReport.
type Report struct {
	AllocationsTotal          uint64
	DeallocationsTotal        uint64
	AllocationFailures        uint64
	GenerationRollovers       uint64
	BitmapSearches            uint64
	MapSearches               uint64
	AsidReuseCount            uint64
	TLBSingleAddressFlushes   uint64
	TLBSingleContextFlushes   uint64
	TLBAllContextFlushes      uint64
	TLBFullFlushes            uint64
	ContextSwitches           uint64
	ContextSwitchesWithFlush  uint64
	VMSpaceActivations        uint64
	AllocationTimeTotal       uint64
	DeallocationTimeTotal     uint64
	TLBFlushTimeTotal         uint64
	ContextSwitchTimeTotal    uint64
	ActiveASIDs               uint32
	CurrentGeneration         uint16
	PCIDEnabled               bool
	TotalASIDsUsed            uint32
	PerASID                   map[asid.ID]UsageRecord
}

// Efficiency is the derived metrics calculate_efficiency produces (§4.5).
// Ratios are plain 0.0-1.0 floats here; asidabi converts them to
// parts-per-million for the wire format (§6).
type Efficiency struct {
	AllocationSuccessRate      float64
	ReuseEfficiency            float64
	FlushEfficiency            float64
	AvgCyclesPerAllocation     float64
	AvgCyclesPerContextSwitch float64
}

// GenerationSource reports the allocator's current epoch. Counters itself
// only learns that a rollover *happened* (asid.RolloverRecorder.
// RecordGenerationRollover carries no generation number); wiring a
// GenerationSource lets GetReport publish the live value instead of a
// redundant, independently-tracked counter that could drift.
type GenerationSource func() asid.Generation

// Counters is the C5 singleton: process-wide state, safe to read and
// update concurrently from any goroutine standing in for a CPU.
type Counters struct {
	allocationsTotal         atomic.Uint64
	deallocationsTotal       atomic.Uint64
	allocationFailures       atomic.Uint64
	generationRollovers      atomic.Uint64
	bitmapSearches           atomic.Uint64
	mapSearches              atomic.Uint64
	asidReuseCount           atomic.Uint64
	tlbSingleAddressFlushes  atomic.Uint64
	tlbSingleContextFlushes  atomic.Uint64
	tlbAllContextFlushes     atomic.Uint64
	tlbFullFlushes           atomic.Uint64
	contextSwitches          atomic.Uint64
	contextSwitchesWithFlush atomic.Uint64
	vmspaceActivations       atomic.Uint64
	allocationTimeTotal      atomic.Uint64
	deallocationTimeTotal    atomic.Uint64
	tlbFlushTimeTotal        atomic.Uint64
	contextSwitchTimeTotal   atomic.Uint64
	activeASIDs              atomic.Int64
	pcidEnabled              atomic.Bool

	mu      sync.Mutex
	perASID map[asid.ID]*UsageRecord

	generationSource GenerationSource
}

// Option configures a Counters at construction.
type Option func(*Counters)

// WithGenerationSource wires the live allocator generation into reports
// (normally asid.Allocator.CurrentGeneration).
func WithGenerationSource(src GenerationSource) Option {
	return func(c *Counters) {
		c.generationSource = src
	}
}

// New constructs an empty Counters singleton.
func New(opts ...Option) *Counters {
	c := &Counters{
		perASID: make(map[asid.ID]*UsageRecord),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// recordOf returns id's usage record, creating it lazily if absent. Every
// lookup into the table counts as a map_searches event (§4.5), mirroring
// bitmap_searches on the allocator's own bitmap scan.
func (c *Counters) recordOf(id asid.ID) *UsageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mapSearches.Add(1)

	r, ok := c.perASID[id]
	if !ok {
		r = &UsageRecord{}
		c.perASID[id] = r
	}

	return r
}

// RecordBitmapSearch implements asid.RolloverRecorder.
func (c *Counters) RecordBitmapSearch() {
	c.bitmapSearches.Add(1)
}

// RecordGenerationRollover implements asid.RolloverRecorder.
func (c *Counters) RecordGenerationRollover() {
	c.generationRollovers.Add(1)
}

// RecordAllocation implements asid.RolloverRecorder. An allocation counts
// as a reuse (asid_reuse_count) when the ASID already has a usage record
// from a prior allocation — i.e. it was recycled, whether from an
// explicit deallocate or a generation rollover.
func (c *Counters) RecordAllocation(id asid.ID) {
	c.allocationsTotal.Add(1)
	c.activeASIDs.Add(1)

	r := c.recordOf(id)

	c.mu.Lock()
	reused := r.AllocationCount > 0
	r.AllocationCount++
	c.mu.Unlock()

	if reused {
		c.asidReuseCount.Add(1)
	}
}

// RecordDeallocation implements asid.RolloverRecorder.
func (c *Counters) RecordDeallocation(asid.ID) {
	c.deallocationsTotal.Add(1)
	c.activeASIDs.Add(-1)
}

// RecordAllocationFailure implements asid.RolloverRecorder.
func (c *Counters) RecordAllocationFailure() {
	c.allocationFailures.Add(1)
}

// RecordAllocationTiming accumulates cycles spent inside an allocation
// call. Not part of asid.RolloverRecorder (that interface predates any
// timing data); vmspace brackets its own call to asid.Allocator.Allocate
// with tlb.Driver.Timestamp and reports the delta here.
func (c *Counters) RecordAllocationTiming(cycles uint64) {
	c.allocationTimeTotal.Add(cycles)
}

// RecordDeallocationTiming is RecordAllocationTiming's deallocate-side
// counterpart.
func (c *Counters) RecordDeallocationTiming(cycles uint64) {
	c.deallocationTimeTotal.Add(cycles)
}

// RecordTLBFlushTiming implements vmspace.SwitchRecorder: accumulates
// cycles spent inside an INVPCID/CR3-reload call.
func (c *Counters) RecordTLBFlushTiming(cycles uint64) {
	c.tlbFlushTimeTotal.Add(cycles)
}

// RecordContextSwitch implements vmspace.SwitchRecorder.
func (c *Counters) RecordContextSwitch(cycles uint64, neededFlush bool) {
	c.contextSwitches.Add(1)
	c.contextSwitchTimeTotal.Add(cycles)

	if neededFlush {
		c.contextSwitchesWithFlush.Add(1)
	}
}

// RecordVMSpaceActivation implements vmspace.SwitchRecorder.
func (c *Counters) RecordVMSpaceActivation() {
	c.vmspaceActivations.Add(1)
}

// RecordTLBSingleAddressFlush implements vmspace.SwitchRecorder.
func (c *Counters) RecordTLBSingleAddressFlush(id asid.ID) {
	c.tlbSingleAddressFlushes.Add(1)
	c.touchFlush(id)
}

// RecordTLBSingleContextFlush implements vmspace.SwitchRecorder. This is
// also the event P4 requires exactly one of per Active->Allocated
// ctxid.Pool.Deactivate transition.
func (c *Counters) RecordTLBSingleContextFlush(id asid.ID) {
	c.tlbSingleContextFlushes.Add(1)
	c.touchFlush(id)
}

// RecordTLBAllContextFlush implements vmspace.SwitchRecorder.
func (c *Counters) RecordTLBAllContextFlush() {
	c.tlbAllContextFlushes.Add(1)
}

// RecordTLBFullFlush implements vmspace.SwitchRecorder.
func (c *Counters) RecordTLBFullFlush() {
	c.tlbFullFlushes.Add(1)
}

func (c *Counters) touchFlush(id asid.ID) {
	if id == asid.FlushRequired {
		return
	}

	r := c.recordOf(id)

	c.mu.Lock()
	r.TLBFlushes++
	c.mu.Unlock()
}

// Touch implements vmspace.SwitchRecorder: records an activation of id at
// timestamp. TotalActiveTime accumulates the span since id's previous
// touch, an approximation of "time this ASID was the one installed"
// between consecutive context switches landing on it (the spec's cycle-
// accurate active-time field has no single well-defined start/stop pair
// in a binding model without an explicit "switching away" callback, so
// consecutive-touch deltas are the closest faithful reading).
func (c *Counters) Touch(id asid.ID, activating bool, timestamp uint64) {
	if id == asid.FlushRequired || !activating {
		return
	}

	r := c.recordOf(id)

	c.mu.Lock()
	if r.LastUsedTimestamp != 0 && timestamp > r.LastUsedTimestamp {
		r.TotalActiveTime += timestamp - r.LastUsedTimestamp
	}
	r.ActivationCount++
	r.LastUsedTimestamp = timestamp
	c.mu.Unlock()
}

// SetPCIDEnabled records whether the host's hardware PCID path is active
// (§6 AsidStatsUserspace.pcid_enabled), set once at boot per §9 "global
// mutable state" / §7 feature-absence handling.
func (c *Counters) SetPCIDEnabled(enabled bool) {
	c.pcidEnabled.Store(enabled)
}

// GetReport snapshots every counter and a copy of the per-ASID table.
func (c *Counters) GetReport() Report {
	c.mu.Lock()
	perASID := make(map[asid.ID]UsageRecord, len(c.perASID))
	for id, r := range c.perASID {
		perASID[id] = *r
	}
	c.mu.Unlock()

	var gen asid.Generation
	if c.generationSource != nil {
		gen = c.generationSource()
	}

	active := c.activeASIDs.Load()
	if active < 0 {
		active = 0
	}

	return Report{
		AllocationsTotal:         c.allocationsTotal.Load(),
		DeallocationsTotal:       c.deallocationsTotal.Load(),
		AllocationFailures:       c.allocationFailures.Load(),
		GenerationRollovers:      c.generationRollovers.Load(),
		BitmapSearches:           c.bitmapSearches.Load(),
		MapSearches:              c.mapSearches.Load(),
		AsidReuseCount:           c.asidReuseCount.Load(),
		TLBSingleAddressFlushes:  c.tlbSingleAddressFlushes.Load(),
		TLBSingleContextFlushes:  c.tlbSingleContextFlushes.Load(),
		TLBAllContextFlushes:     c.tlbAllContextFlushes.Load(),
		TLBFullFlushes:           c.tlbFullFlushes.Load(),
		ContextSwitches:          c.contextSwitches.Load(),
		ContextSwitchesWithFlush: c.contextSwitchesWithFlush.Load(),
		VMSpaceActivations:       c.vmspaceActivations.Load(),
		AllocationTimeTotal:      c.allocationTimeTotal.Load(),
		DeallocationTimeTotal:    c.deallocationTimeTotal.Load(),
		TLBFlushTimeTotal:        c.tlbFlushTimeTotal.Load(),
		ContextSwitchTimeTotal:   c.contextSwitchTimeTotal.Load(),
		ActiveASIDs:              uint32(active),
		CurrentGeneration:        uint16(gen),
		PCIDEnabled:              c.pcidEnabled.Load(),
		TotalASIDsUsed:           uint32(len(perASID)),
		PerASID:                  perASID,
	}
}

// Reset zeros every counter and clears the per-ASID table.
func (c *Counters) Reset() {
	c.allocationsTotal.Store(0)
	c.deallocationsTotal.Store(0)
	c.allocationFailures.Store(0)
	c.generationRollovers.Store(0)
	c.bitmapSearches.Store(0)
	c.mapSearches.Store(0)
	c.asidReuseCount.Store(0)
	c.tlbSingleAddressFlushes.Store(0)
	c.tlbSingleContextFlushes.Store(0)
	c.tlbAllContextFlushes.Store(0)
	c.tlbFullFlushes.Store(0)
	c.contextSwitches.Store(0)
	c.contextSwitchesWithFlush.Store(0)
	c.vmspaceActivations.Store(0)
	c.allocationTimeTotal.Store(0)
	c.deallocationTimeTotal.Store(0)
	c.tlbFlushTimeTotal.Store(0)
	c.contextSwitchTimeTotal.Store(0)
	c.activeASIDs.Store(0)
	c.pcidEnabled.Store(false)

	c.mu.Lock()
	c.perASID = make(map[asid.ID]*UsageRecord)
	c.mu.Unlock()
}

// CalculateEfficiency derives the ratios of §4.5 from a Report. It is
// total on every report: zero denominators yield the defined defaults
// P6 requires (success_rate=1, reuse=0, flush_efficiency=1).
func CalculateEfficiency(r Report) Efficiency {
	e := Efficiency{
		AllocationSuccessRate: 1,
		FlushEfficiency:       1,
	}

	if attempted := r.AllocationsTotal + r.AllocationFailures; attempted > 0 {
		e.AllocationSuccessRate = float64(r.AllocationsTotal) / float64(attempted)
	}

	if r.AllocationsTotal > 0 {
		e.ReuseEfficiency = float64(r.AsidReuseCount) / float64(r.AllocationsTotal)
		e.AvgCyclesPerAllocation = float64(r.AllocationTimeTotal) / float64(r.AllocationsTotal)
	}

	if r.ContextSwitches > 0 {
		e.FlushEfficiency = 1 - float64(r.ContextSwitchesWithFlush)/float64(r.ContextSwitches)
		e.AvgCyclesPerContextSwitch = float64(r.ContextSwitchTimeTotal) / float64(r.ContextSwitches)
	}

	return e
}
