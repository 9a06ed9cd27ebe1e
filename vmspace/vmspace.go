// Package vmspace implements address-space binding (C4): the glue that
// associates an ASID/context-ID pair with an address-space object and
// defines activate semantics, deciding whether a TLB flush is required on
// context switch. This is where C1-C3 converge.
package vmspace

import (
	"fmt"
	"sync"

	"github.com/ctxid/asidvm/asid"
	"github.com/ctxid/asidvm/ctxid"
	"github.com/ctxid/asidvm/tlb"
)

// Binding is the triple an address-space object carries once it has
// requested an ASID: the hardware tag, the generation it was issued in,
// and the physical address of its top-level page table.
type Binding struct {
	ASID       asid.ID
	Generation asid.Generation
	PTPaddr    uint64
}

// RangeInvalidationThreshold is the page count above which Invalidate
// issues a single SingleContext INVPCID instead of one IndividualAddress
// INVPCID per page (§4.4, "a sensible default is 64 pages").
const RangeInvalidationThreshold = 64

const pageSize = 4096

// SwitchRecorder receives context-switch and flush events so C5 can
// count them without this package importing profile directly.
type SwitchRecorder interface {
	RecordContextSwitch(cycles uint64, neededFlush bool)
	RecordVMSpaceActivation()
	RecordTLBSingleAddressFlush(id asid.ID)
	RecordTLBSingleContextFlush(id asid.ID)
	RecordTLBAllContextFlush()
	RecordTLBFullFlush()
	RecordAllocationTiming(cycles uint64)
	RecordDeallocationTiming(cycles uint64)
	RecordTLBFlushTiming(cycles uint64)
	Touch(id asid.ID, activating bool, timestamp uint64)
}

type noopRecorder struct{}

func (noopRecorder) RecordContextSwitch(uint64, bool)    {}
func (noopRecorder) RecordVMSpaceActivation()            {}
func (noopRecorder) RecordTLBSingleAddressFlush(asid.ID) {}
func (noopRecorder) RecordTLBSingleContextFlush(asid.ID) {}
func (noopRecorder) RecordTLBAllContextFlush()           {}
func (noopRecorder) RecordTLBFullFlush()                 {}
func (noopRecorder) RecordAllocationTiming(uint64)       {}
func (noopRecorder) RecordDeallocationTiming(uint64)     {}
func (noopRecorder) RecordTLBFlushTiming(uint64)         {}
func (noopRecorder) Touch(asid.ID, bool, uint64)         {}

// CPU models one hardware CPU's current binding state: exactly what the
// page-table-base register holds plus, per Open Question 1 (§9), a
// per-CPU "last installed generation" vector that an eventual SMP
// shootdown protocol would consult. A single-CPU kernel (this
// subsystem's stated scope) needs only one CPU value; the vector is
// still modeled per-id so a future multi-CPU extension has a home to
// grow into without reshaping this type.
type CPU struct {
	mu                      sync.Mutex
	currentASID             asid.ID
	currentPTPaddr          uint64
	lastInstalledGeneration map[asid.ID]asid.Generation
}

// NewCPU returns a CPU with no address space installed.
func NewCPU() *CPU {
	return &CPU{
		lastInstalledGeneration: make(map[asid.ID]asid.Generation),
	}
}

// Space is the address-space object V. It owns its binding directly —
// an optional *Binding field, not a side-table keyed by pointer identity
// (see Open Question 3, §9: the source's thread-local HashMap keyed on
// the raw address of V breaks under CPU migration).
type Space struct {
	mu      sync.Mutex
	binding *Binding

	// ctxID/ctxAllocated track the ctxid.Pool (C3) slot layered over the
	// binding's current ASID. C2 remains the sole authority over the
	// numeric value (see the ctxid.Pool doc comment on why C3 does not
	// delegate its own allocation to C2); Space claims the matching C3
	// slot by value whenever it holds an ASID, so that Activate/Unbind
	// can drive C3's Allocated/Active state machine for real instead of
	// leaving it exercised only in isolation.
	ctxID        ctxid.ID
	ctxAllocated bool

	allocator *asid.Allocator
	ctxPool   *ctxid.Pool
	driver    tlb.Driver
	recorder  SwitchRecorder
	ptPaddr   uint64
}

// Option configures a Space at construction.
type Option func(*Space)

// WithRecorder wires a SwitchRecorder (normally profile.Counters).
func WithRecorder(r SwitchRecorder) Option {
	return func(s *Space) {
		if r != nil {
			s.recorder = r
		}
	}
}

// New constructs an address-space object for the page table at ptPaddr.
func New(ptPaddr uint64, allocator *asid.Allocator, ctxPool *ctxid.Pool, driver tlb.Driver, opts ...Option) *Space {
	s := &Space{
		allocator: allocator,
		ctxPool:   ctxPool,
		driver:    driver,
		recorder:  noopRecorder{},
		ptPaddr:   ptPaddr,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// PTPaddr returns the physical address of this space's top-level page
// table, the collaborator interface C4 exposes per §6.
func (s *Space) PTPaddr() uint64 {
	return s.ptPaddr
}

// Bind requests an ASID from the allocator if V has no binding yet. If
// the hardware has no PCID facility, the binding records
// asid.FlushRequired.
func (s *Space) Bind() *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.binding != nil {
		return s.binding
	}

	var id asid.ID
	if s.driver.PCIDSupported() {
		start := s.driver.Timestamp()
		id = s.allocator.Allocate()
		s.recorder.RecordAllocationTiming(s.driver.Timestamp() - start)

		if id != asid.FlushRequired {
			if err := s.ctxPool.AllocateSpecific(ctxid.ID(id)); err == nil {
				s.ctxID = ctxid.ID(id)
				s.ctxAllocated = true
			}
		}
	} else {
		id = asid.FlushRequired
	}

	s.binding = &Binding{
		ASID:       id,
		Generation: s.allocator.CurrentGeneration(),
		PTPaddr:    s.ptPaddr,
	}

	return s.binding
}

// Activate installs V on cpu, per the six-step algorithm of §4.4.
func (s *Space) Activate(cpu *CPU) error {
	start := s.driver.Timestamp()

	s.mu.Lock()

	// Step 1: the "current on-CPU binding" is cpu's own bookkeeping —
	// this userspace rendition has no way to read back an installed
	// ASID from CR3 other than what it wrote itself, so CPU tracks it
	// directly instead of round-tripping through the driver.
	cpu.mu.Lock()
	prevASID := cpu.currentASID
	prevPTPaddr := cpu.currentPTPaddr
	cpu.mu.Unlock()

	// Step 2.
	if s.binding == nil {
		s.mu.Unlock()
		s.Bind()
		s.mu.Lock()
	}

	b := s.binding

	needsFlush := false

	// Step 3.
	currentGen := s.allocator.CurrentGeneration()
	if b.ASID == asid.FlushRequired {
		// No PCID facility: every switch into this space must flush the
		// whole TLB, so the Driver.LoadPageTable call below must never
		// be asked for noflush=true.
		needsFlush = true
	} else if b.Generation != currentGen {
		dstart := s.driver.Timestamp()
		s.allocator.Deallocate(b.ASID)
		s.recorder.RecordDeallocationTiming(s.driver.Timestamp() - dstart)

		if s.ctxAllocated {
			_ = s.ctxPool.Deactivate(s.ctxID)
			_ = s.ctxPool.Release(s.ctxID)
			s.ctxAllocated = false
		}

		astart := s.driver.Timestamp()
		b.ASID = s.allocator.Allocate()
		s.recorder.RecordAllocationTiming(s.driver.Timestamp() - astart)

		if b.ASID != asid.FlushRequired {
			if err := s.ctxPool.AllocateSpecific(ctxid.ID(b.ASID)); err == nil {
				s.ctxID = ctxid.ID(b.ASID)
				s.ctxAllocated = true
			}
		}

		b.Generation = currentGen
		needsFlush = true
	} else {
		cpu.mu.Lock()
		lastGen, installedBefore := cpu.lastInstalledGeneration[b.ASID]
		cpu.mu.Unlock()

		needsFlush = !installedBefore || lastGen != currentGen || prevASID != b.ASID
	}

	asidToInstall := b.ASID
	ptPaddr := b.PTPaddr
	gen := b.Generation

	if s.ctxAllocated {
		if err := s.ctxPool.Activate(s.ctxID); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("vmspace: activate context id: %w", err)
		}
	}

	s.mu.Unlock()

	// Step 4.
	if err := s.driver.LoadPageTable(ptPaddr, asidToInstall, !needsFlush); err != nil {
		return fmt.Errorf("vmspace: load page table: %w", err)
	}

	// Same page table reinstalled under a different ASID: the hardware
	// does not flush on its own, so request an explicit non-global flush.
	if ptPaddr == prevPTPaddr && asidToInstall != prevASID && asidToInstall != asid.FlushRequired {
		fstart := s.driver.Timestamp()
		if err := s.driver.Invpcid(tlb.AllContextExceptGlobal, asidToInstall, 0); err != nil {
			return fmt.Errorf("vmspace: same-page-table flush: %w", err)
		}
		s.recorder.RecordTLBFlushTiming(s.driver.Timestamp() - fstart)
		s.recorder.RecordTLBAllContextFlush()
	}

	// Step 5.
	if asidToInstall == asid.FlushRequired {
		fstart := s.driver.Timestamp()
		if err := s.driver.Invpcid(tlb.AllContextExceptGlobal, asidToInstall, 0); err != nil {
			return fmt.Errorf("vmspace: full flush: %w", err)
		}
		s.recorder.RecordTLBFlushTiming(s.driver.Timestamp() - fstart)
		s.recorder.RecordTLBFullFlush()
	}

	cpu.mu.Lock()
	cpu.currentASID = asidToInstall
	cpu.currentPTPaddr = ptPaddr
	cpu.lastInstalledGeneration[asidToInstall] = gen
	cpu.mu.Unlock()

	// Step 6.
	elapsed := s.driver.Timestamp() - start
	s.recorder.RecordContextSwitch(elapsed, needsFlush)
	s.recorder.RecordVMSpaceActivation()
	s.recorder.Touch(asidToInstall, true, s.driver.Timestamp())

	return nil
}

// Unbind deactivates V's context ID (issuing the targeted INVPCID via
// ctxid.Pool.Deactivate) and releases the ASID back to the allocator.
func (s *Space) Unbind() error {
	s.mu.Lock()
	b := s.binding
	s.binding = nil

	ctxID := s.ctxID
	ctxAllocated := s.ctxAllocated
	s.ctxAllocated = false

	s.mu.Unlock()

	if b == nil {
		return nil
	}

	if ctxAllocated {
		if err := s.ctxPool.Deactivate(ctxID); err != nil {
			return fmt.Errorf("vmspace: deactivate context id: %w", err)
		}

		if err := s.ctxPool.Release(ctxID); err != nil {
			return fmt.Errorf("vmspace: release context id: %w", err)
		}
	}

	if b.ASID != asid.FlushRequired {
		start := s.driver.Timestamp()
		s.allocator.Deallocate(b.ASID)
		s.recorder.RecordDeallocationTiming(s.driver.Timestamp() - start)
	}

	return nil
}

// Invalidate unmaps [va, va+len) within V, issuing one IndividualAddress
// INVPCID per 4 KiB page, or a single SingleContext INVPCID if the range
// exceeds RangeInvalidationThreshold pages.
func (s *Space) Invalidate(va uint64, length uint64) error {
	s.mu.Lock()
	b := s.binding
	s.mu.Unlock()

	if b == nil || b.ASID == asid.FlushRequired {
		return nil
	}

	pages := (length + pageSize - 1) / pageSize

	if pages > RangeInvalidationThreshold {
		start := s.driver.Timestamp()
		if err := s.driver.Invpcid(tlb.SingleContext, b.ASID, 0); err != nil {
			return fmt.Errorf("vmspace: range invalidate (single context): %w", err)
		}
		s.recorder.RecordTLBFlushTiming(s.driver.Timestamp() - start)
		s.recorder.RecordTLBSingleContextFlush(b.ASID)
		return nil
	}

	start := s.driver.Timestamp()
	for page := uint64(0); page < pages; page++ {
		addr := va + page*pageSize
		if err := s.driver.Invpcid(tlb.IndividualAddress, b.ASID, addr); err != nil {
			return fmt.Errorf("vmspace: range invalidate (individual address): %w", err)
		}
		s.recorder.RecordTLBSingleAddressFlush(b.ASID)
	}
	s.recorder.RecordTLBFlushTiming(s.driver.Timestamp() - start)

	return nil
}

// Binding returns a copy of V's current binding, or nil if unbound.
func (s *Space) Binding() *Binding {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.binding == nil {
		return nil
	}

	cp := *s.binding

	return &cp
}
