// Package asidabi implements the observability ABI (C6): the single
// entry point a real kernel would expose as the asid_profiling(2)
// syscall (§6). A userspace Go process cannot register a syscall, so
// AsidProfiling stands in for the trampoline a kernel would use to
// marshal C5's report into the fixed-layout buffer a caller provides —
// the wire layout is bit-exact to kernel/src/syscall/asid_profiling.rs's
// AsidStatsUserspace/AsidEfficiencyUserspace, and the struct-to-bytes
// aliasing is machine/state.go's structBytes/copyStruct pattern, adapted
// from migration snapshotting to this ABI's native-endian C layout.
package asidabi

import (
	"errors"
	"fmt"
	"log"
	"unsafe"

	"github.com/ctxid/asidvm/profile"
)

// Action selects the asid_profiling(2) operation (§6).
type Action uint32

const (
	// ActionSnapshot writes an AsidStatsUserspace to buf.
	ActionSnapshot Action = 0
	// ActionLogReport emits a detailed report to the kernel log (here,
	// the standard library logger).
	ActionLogReport Action = 1
	// ActionReset zeros every counter and clears the per-ASID table.
	ActionReset Action = 2
	// ActionEfficiency writes an AsidEfficiencyUserspace to buf.
	ActionEfficiency Action = 3
)

var (
	// ErrInvalidAction is returned for any action outside 0-3 (§6: "other
	// action -> -EINVAL").
	ErrInvalidAction = errors.New("asidabi: invalid action")
	// ErrBufferTooSmall is returned when buf cannot hold the requested
	// struct (§6: "-EINVAL ... buffer too small").
	ErrBufferTooSmall = errors.New("asidabi: buffer too small")
	// ErrShortWrite is the user-memory-fault equivalent of a kernel's
	// copy_to_user failing partway through: buf had enough room but the
	// copy landed fewer bytes than the struct's size. copy() never
	// truncates once the length check above has passed, so this path is
	// unreachable in practice; it exists because §7 calls for a distinct
	// sentinel from ErrBufferTooSmall rather than folding both into one.
	ErrShortWrite = errors.New("asidabi: short write to destination buffer")
)

// AsidStatsUserspace is the C-layout, native-endian snapshot struct of
// §6, field order preserved exactly.
type AsidStatsUserspace struct {
	AllocationsTotal         uint64
	DeallocationsTotal       uint64
	AllocationFailures       uint64
	GenerationRollovers      uint64
	BitmapSearches           uint64
	MapSearches              uint64
	AsidReuseCount           uint64
	TLBSingleAddressFlushes  uint64
	TLBSingleContextFlushes  uint64
	TLBAllContextFlushes     uint64
	TLBFullFlushes           uint64
	ContextSwitches          uint64
	ContextSwitchesWithFlush uint64
	VMSpaceActivations       uint64
	AllocationTimeTotal      uint64
	DeallocationTimeTotal    uint64
	TLBFlushTimeTotal        uint64
	ContextSwitchTimeTotal   uint64
	ActiveASIDs              uint32
	CurrentGeneration        uint16
	PCIDEnabled              uint32
	TotalASIDsUsed           uint32
}

// AsidEfficiencyUserspace is the C-layout efficiency snapshot of §6, all
// ratios expressed in parts-per-million (0-1000000).
type AsidEfficiencyUserspace struct {
	AllocationSuccessRate     uint64
	ReuseEfficiency           uint64
	FlushEfficiency           uint64
	AvgCyclesPerAllocation    uint64
	AvgCyclesPerContextSwitch uint64
}

const partsPerMillion = 1_000_000

// structBytes returns a byte slice that aliases the memory of v, adapted
// from machine/state.go's migration-snapshot helper of the same name.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// writeStruct copies v's native-endian byte representation into buf.
// Returns ErrBufferTooSmall (the -EINVAL path) if buf is undersized.
func writeStruct[T any](buf []byte, v *T) (int, error) {
	b := structBytes(v)
	if len(buf) < len(b) {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, len(b), len(buf))
	}

	n := copy(buf, b)
	if n != len(b) {
		return n, ErrShortWrite
	}

	return n, nil
}

// AsidProfiling is the in-process stand-in for asid_profiling(action,
// buffer, buffer_len) -> isize (§6). It returns the number of bytes
// written (for ActionSnapshot/ActionEfficiency), 0 for ActionLogReport/
// ActionReset, and an error equivalent to a negative errno otherwise.
func AsidProfiling(counters *profile.Counters, action Action, buf []byte) (int, error) {
	switch action {
	case ActionSnapshot:
		report := counters.GetReport()
		stats := toUserStats(report)

		return writeStruct(buf, &stats)

	case ActionLogReport:
		logReport(counters.GetReport())

		return 0, nil

	case ActionReset:
		counters.Reset()

		return 0, nil

	case ActionEfficiency:
		report := counters.GetReport()
		eff := profile.CalculateEfficiency(report)
		userEff := toUserEfficiency(eff)

		return writeStruct(buf, &userEff)

	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidAction, action)
	}
}

func toUserStats(r profile.Report) AsidStatsUserspace {
	pcidEnabled := uint32(0)
	if r.PCIDEnabled {
		pcidEnabled = 1
	}

	return AsidStatsUserspace{
		AllocationsTotal:         r.AllocationsTotal,
		DeallocationsTotal:       r.DeallocationsTotal,
		AllocationFailures:       r.AllocationFailures,
		GenerationRollovers:      r.GenerationRollovers,
		BitmapSearches:           r.BitmapSearches,
		MapSearches:              r.MapSearches,
		AsidReuseCount:           r.AsidReuseCount,
		TLBSingleAddressFlushes:  r.TLBSingleAddressFlushes,
		TLBSingleContextFlushes:  r.TLBSingleContextFlushes,
		TLBAllContextFlushes:     r.TLBAllContextFlushes,
		TLBFullFlushes:           r.TLBFullFlushes,
		ContextSwitches:          r.ContextSwitches,
		ContextSwitchesWithFlush: r.ContextSwitchesWithFlush,
		VMSpaceActivations:       r.VMSpaceActivations,
		AllocationTimeTotal:      r.AllocationTimeTotal,
		DeallocationTimeTotal:    r.DeallocationTimeTotal,
		TLBFlushTimeTotal:        r.TLBFlushTimeTotal,
		ContextSwitchTimeTotal:   r.ContextSwitchTimeTotal,
		ActiveASIDs:              r.ActiveASIDs,
		CurrentGeneration:        r.CurrentGeneration,
		PCIDEnabled:              pcidEnabled,
		TotalASIDsUsed:           r.TotalASIDsUsed,
	}
}

func toUserEfficiency(e profile.Efficiency) AsidEfficiencyUserspace {
	return AsidEfficiencyUserspace{
		AllocationSuccessRate:     ppm(e.AllocationSuccessRate),
		ReuseEfficiency:           ppm(e.ReuseEfficiency),
		FlushEfficiency:           ppm(e.FlushEfficiency),
		AvgCyclesPerAllocation:    uint64(e.AvgCyclesPerAllocation),
		AvgCyclesPerContextSwitch: uint64(e.AvgCyclesPerContextSwitch),
	}
}

func ppm(ratio float64) uint64 {
	if ratio < 0 {
		ratio = 0
	}

	return uint64(ratio * partsPerMillion)
}

// logReport prints the detailed report to the kernel log (here, the
// standard library logger), mirroring AsidStatsReport::print_report.
func logReport(r profile.Report) {
	log.Printf("=== ASID Performance Report ===")
	log.Printf("PCID support: %v, generation: %d, active ASIDs: %d, total ASIDs used: %d",
		r.PCIDEnabled, r.CurrentGeneration, r.ActiveASIDs, r.TotalASIDsUsed)
	log.Printf("allocations: %d, deallocations: %d, failures: %d, rollovers: %d, reuses: %d",
		r.AllocationsTotal, r.DeallocationsTotal, r.AllocationFailures, r.GenerationRollovers, r.AsidReuseCount)
	log.Printf("bitmap searches: %d, map searches: %d", r.BitmapSearches, r.MapSearches)
	log.Printf("TLB flushes: single-address=%d single-context=%d all-context=%d full=%d",
		r.TLBSingleAddressFlushes, r.TLBSingleContextFlushes, r.TLBAllContextFlushes, r.TLBFullFlushes)
	log.Printf("context switches: %d (with flush: %d), vmspace activations: %d",
		r.ContextSwitches, r.ContextSwitchesWithFlush, r.VMSpaceActivations)

	if r.AllocationsTotal > 0 {
		log.Printf("avg allocation time: %d cycles", r.AllocationTimeTotal/r.AllocationsTotal)
	}

	if r.ContextSwitches > 0 {
		log.Printf("avg context switch time: %d cycles", r.ContextSwitchTimeTotal/r.ContextSwitches)
	}
}
