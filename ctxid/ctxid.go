// Package ctxid implements the Context-ID allocator: a pool sized to the
// hardware PCID space, with a three-state slot table (Free/Allocated/
// Active) distinguishing identifiers owned by a context but not installed
// on any CPU from those currently tagging live TLB entries.
package ctxid

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ctxid/asidvm/asid"
	"github.com/ctxid/asidvm/tlb"
)

// ID is a Context-ID, distinct from asid.ID even though both are
// eventually programmed into the same hardware PCID field — this package
// tracks a higher-level allocated-vs-active lifecycle on top of it.
type ID uint32

// State is a slot's position in the Free/Allocated/Active lifecycle.
type State uint8

const (
	Free State = iota
	Allocated
	Active
)

func (s State) String() string {
	switch s {
	case Free:
		return "Free"
	case Allocated:
		return "Allocated"
	case Active:
		return "Active"
	default:
		return "State(unknown)"
	}
}

var (
	// ErrNotAllocated is returned by operations requiring Allocated or
	// Active state on a Free slot.
	ErrNotAllocated = errors.New("ctxid: id is not allocated")
	// ErrActive is returned by Release when the caller has not
	// deactivated first.
	ErrActive = errors.New("ctxid: id is active, deactivate before release")
	// ErrAlreadyAllocated is returned by AllocateSpecific on a non-Free
	// slot.
	ErrAlreadyAllocated = errors.New("ctxid: id already allocated")
	// ErrPoolExhausted is returned by Allocate when every slot is
	// Allocated or Active.
	ErrPoolExhausted = errors.New("ctxid: pool exhausted")
	// ErrOutOfRange is returned for ids outside [0, capacity).
	ErrOutOfRange = errors.New("ctxid: id out of range")
)

// Pool is the Context-ID allocator: a state table, updated under a single
// critical section, sized to cap (normally asid.Cap, the hardware PCID
// space). The state table doubles as the allocation map (a slot is taken
// whenever its state is not Free); there is no separate bitmap. It
// allocates from its own state table and cursor rather than delegating
// the numeric choice to asid.Allocator: C2's automatic generation rollover would otherwise
// recycle a slot C3 still considers Allocated, violating I1. The two
// pools share the same numeric range by convention (both bounded by the
// hardware PCID space) but are allocated from independently, matching
// §2's description of C3 as "a conceptually similar pool" rather than a
// thin wrapper over C2.
type Pool struct {
	mu           sync.Mutex
	states       []State
	cursor       ID
	driver       tlb.Driver
	hwPCID       bool
	activeCount  int
	onDeactivate func(id ID)
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithDeactivateHook wires a callback invoked after Deactivate issues its
// SingleContext INVPCID, so C5 can record the tlb_single_context_flushes
// counter without this package importing profile directly.
func WithDeactivateHook(fn func(id ID)) Option {
	return func(p *Pool) {
		p.onDeactivate = fn
	}
}

// New constructs a Pool of the given capacity, backed by driver for the
// INVPCID issued on deactivation. hwPCIDSupported should mirror
// driver.PCIDSupported() at construction time.
func New(cap ID, driver tlb.Driver, hwPCIDSupported bool, opts ...Option) *Pool {
	p := &Pool{
		states: make([]State, cap),
		driver: driver,
		hwPCID: hwPCIDSupported,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Pool) checkRange(id ID) error {
	if int(id) >= len(p.states) {
		return fmt.Errorf("%w: %d (capacity %d)", ErrOutOfRange, id, len(p.states))
	}

	return nil
}

// Capacity returns the pool's size (PCID_CAP).
func (p *Pool) Capacity() int {
	return len(p.states)
}

// HasHWPCIDSupport reports whether the backing hardware can tag TLB
// entries by context ID at all.
func (p *Pool) HasHWPCIDSupport() bool {
	return p.hwPCID
}

// Allocate finds the first Free slot (scanning from the cursor, wrapping)
// and marks it Allocated.
func (p *Pool) Allocate() (ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := ID(len(p.states))
	if n == 0 {
		return 0, ErrPoolExhausted
	}

	for i := ID(0); i < n; i++ {
		candidate := (p.cursor + i) % n
		if p.states[candidate] == Free {
			p.states[candidate] = Allocated
			p.cursor = (candidate + 1) % n
			return candidate, nil
		}
	}

	return 0, ErrPoolExhausted
}

// AllocateSpecific marks a caller-chosen id Allocated. Fails if the id is
// out of range or not Free.
func (p *Pool) AllocateSpecific(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkRange(id); err != nil {
		return err
	}

	if p.states[id] != Free {
		return fmt.Errorf("%w: %d", ErrAlreadyAllocated, id)
	}

	p.states[id] = Allocated

	return nil
}

// IsAllocated reports whether id is Allocated or Active.
func (p *Pool) IsAllocated(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(id) >= len(p.states) {
		return false
	}

	return p.states[id] != Free
}

// IsActive reports whether id is currently Active.
func (p *Pool) IsActive(id ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(id) >= len(p.states) {
		return false
	}

	return p.states[id] == Active
}

// Activate requires Allocated and transitions to Active; idempotent if
// already Active.
func (p *Pool) Activate(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkRange(id); err != nil {
		return err
	}

	switch p.states[id] {
	case Active:
		return nil
	case Allocated:
		p.states[id] = Active
		p.activeCount++
		return nil
	default:
		return fmt.Errorf("%w: %d is %s", ErrNotAllocated, id, p.states[id])
	}
}

// Deactivate requires Allocated or Active and transitions to Allocated.
// On a transition from Active it issues exactly one SingleContext
// INVPCID for id through the driver (P4), so the outgoing TLB lines do
// not linger.
func (p *Pool) Deactivate(id ID) error {
	p.mu.Lock()

	if err := p.checkRange(id); err != nil {
		p.mu.Unlock()
		return err
	}

	state := p.states[id]
	if state == Free {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}

	wasActive := state == Active
	p.states[id] = Allocated
	if wasActive {
		p.activeCount--
	}

	hook := p.onDeactivate
	driver := p.driver

	p.mu.Unlock()

	if wasActive {
		// id and the ASID tagging its TLB entries share the same
		// numeric space in this subsystem (the context ID is installed
		// directly as the PCID), so it is used as-is here.
		if err := driver.Invpcid(tlb.SingleContext, asid.ID(id), 0); err != nil {
			return fmt.Errorf("ctxid: invpcid on deactivate: %w", err)
		}

		if hook != nil {
			hook(id)
		}
	}

	return nil
}

// Release requires Allocated (not Active); the caller must Deactivate
// first if abandoning a live binding.
func (p *Pool) Release(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkRange(id); err != nil {
		return err
	}

	switch p.states[id] {
	case Active:
		return ErrActive
	case Allocated:
		p.states[id] = Free
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrNotAllocated, id)
	}
}

// ActiveCount returns the number of slots currently Active.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.activeCount
}
