package tlb

import (
	"errors"

	"github.com/ctxid/asidvm/asid"
)

// ErrStubDriver is returned by stubDriver.EnablePCID and by
// stubDriver.LoadPageTable when noflush is requested.
var ErrStubDriver = errors.New("tlb: stub driver has no hardware TLB-tagging facility")

// stubDriver is a portable Driver for hosts without /dev/kvm access (CI,
// non-Linux, unprivileged containers). It always reports PCID/INVPCID as
// unsupported so callers bind asid.FlushRequired and take the
// full-flush-on-every-switch path instead of the hardware-tagged path.
type stubDriver struct{}

// NewStubDriver returns a Driver that never claims hardware TLB-tagging
// support.
func NewStubDriver() Driver {
	return stubDriver{}
}

func (stubDriver) PCIDSupported() bool    { return false }
func (stubDriver) INVPCIDSupported() bool { return false }

func (stubDriver) EnablePCID() error {
	return ErrStubDriver
}

// Invpcid always succeeds: with no hardware TLB-tagging facility, every
// invalidation kind degrades to the spec's documented INVPCID-absent
// fallback (§4.1, "falls back to a full CR3 reload"), which this stub has
// nothing further to do to simulate.
func (stubDriver) Invpcid(InvpcidKind, asid.ID, uint64) error {
	return nil
}

func (stubDriver) LoadPageTable(ptPaddr uint64, id asid.ID, noflush bool) error {
	if noflush {
		return ErrStubDriver
	}

	return nil
}

func (stubDriver) Timestamp() uint64 {
	return readCycleCounter()
}
