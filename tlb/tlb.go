// Package tlb wraps the privileged CPU operations the ASID/PCID subsystem
// depends on: CPUID feature probing, the page-table-base register
// (CR3/PCID), and targeted TLB invalidation (INVPCID). A userspace process
// cannot execute these as ring-0 instructions directly, so the real
// implementation issues them against a KVM virtual CPU through /dev/kvm —
// the same privilege boundary gokvm's own machine/vmm packages use to touch
// CR0-CR4 and run guest code.
package tlb

import "github.com/ctxid/asidvm/asid"

// InvpcidKind selects the INVPCID invalidation type.
type InvpcidKind uint8

const (
	IndividualAddress InvpcidKind = iota
	SingleContext
	AllContextExceptGlobal
	AllContext
)

func (k InvpcidKind) String() string {
	switch k {
	case IndividualAddress:
		return "IndividualAddress"
	case SingleContext:
		return "SingleContext"
	case AllContextExceptGlobal:
		return "AllContextExceptGlobal"
	case AllContext:
		return "AllContext"
	default:
		return "InvpcidKind(unknown)"
	}
}

// Driver is the capability-typed interface over the hardware TLB-tagging
// facility. Every operation is either a real privileged instruction
// wrapper or a no-op stub on platforms/configurations lacking the feature.
//
// Safety: the caller must guarantee that the address space being installed
// via LoadPageTable is valid for the executing CPU.
type Driver interface {
	// PCIDSupported reports CPUID.1:ECX.PCID[bit 17].
	PCIDSupported() bool
	// INVPCIDSupported reports CPUID.7:EBX.INVPCID[bit 10].
	INVPCIDSupported() bool
	// EnablePCID sets CR4.PCIDE. Fails if PCID is unsupported.
	EnablePCID() error
	// Invpcid issues (or falls back to a full CR3 reload in place of) the
	// INVPCID instruction.
	Invpcid(kind InvpcidKind, id asid.ID, vaddr uint64) error
	// LoadPageTable writes the page-table-base register (CR3) with id in
	// its low 12 bits and the bit-63 no-flush hint when noflush is set.
	// id must be < asid.Cap.
	LoadPageTable(ptPaddr uint64, id asid.ID, noflush bool) error
	// Timestamp returns a monotonically increasing cycle-like counter.
	Timestamp() uint64
}
