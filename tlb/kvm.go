//go:build linux

package tlb

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/ctxid/asidvm/asid"
)

// ioctl numbers lifted from linux/kvm.h. KVMIO is the ioctl magic byte
// every KVM request is encoded under.
const (
	kvmio = 0xAE

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocDirBits  = 2

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func io(typ, nr uintptr) uintptr           { return ioc(iocNone, typ, nr, 0) }
func ior(typ, nr, size uintptr) uintptr    { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uintptr    { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uintptr   { return ioc(iocRead|iocWrite, typ, nr, size) }

var (
	kvmCreateVM          = io(kvmio, 0x01)
	kvmGetVCPUMmapSize   = io(kvmio, 0x04)
	// struct kvm_cpuid2 ends in a flexible array, so the encoded size is
	// its 8-byte header only, not the fixed-capacity Go mirror below.
	kvmGetSupportedCPUID = iowr(kvmio, 0x05, unsafe.Offsetof(cpuid2{}.Entries))
	kvmCreateVCPU        = io(kvmio, 0x41)
	kvmGetSregs          = ior(kvmio, 0x83, unsafe.Sizeof(sregs{}))
	kvmSetSregs          = iow(kvmio, 0x84, unsafe.Sizeof(sregs{}))
)

func ioctl(fd, req, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

// segment and dtable mirror struct kvm_segment / struct kvm_dtable from
// linux/kvm.h; only the fields sregs actually carries are declared.
type segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

type dtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// sregs mirrors struct kvm_sregs. Only cr0/cr3/cr4 are read by this
// package, but the layout must match exactly for KVM_GET_SREGS /
// KVM_SET_SREGS to round-trip correctly.
type sregs struct {
	CS, DS, ES, FS, GS, SS   segment
	TR, LDT                  segment
	GDT, IDT                 dtable
	CR0, CR2, CR3, CR4, CR8  uint64
	EFER                     uint64
	ApicBase                 uint64
	InterruptBitmap          [(256 + 63) / 64]uint64
}

type cpuidEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type cpuid2 struct {
	Nent    uint32
	Padding uint32
	Entries [128]cpuidEntry2
}

const (
	cpuidLeafFeatures   = 0x1
	cpuidLeafExtended7  = 0x7
	cpuidECXPCIDBit     = 17
	cpuidEBXINVPCIDBit  = 10
)

// kvmDriver issues CR3/CR4 manipulation and CPUID probes against a real
// KVM virtual CPU opened from /dev/kvm. This is the userspace stand-in
// for the privileged ring-0 instructions (MOV CR3, MOV CR4, INVPCID) a
// real kernel would execute directly.
type kvmDriver struct {
	mu              sync.Mutex
	kvmFd           uintptr
	vmFd            uintptr
	vcpuFd          uintptr
	kvmFile         *os.File
	vmFile          *os.File
	vcpuFile        *os.File
	pcidSupported   bool
	invpcidSupported bool
	pcidEnabled     bool
}

var (
	ErrPCIDUnsupported    = errors.New("tlb: PCID unsupported by this CPU")
	ErrINVPCIDUnsupported = errors.New("tlb: INVPCID unsupported, falling back to full reload")
	ErrPCIDNotEnabled     = errors.New("tlb: PCID not enabled (CR4.PCIDE unset)")
)

// NewKVMDriver opens /dev/kvm, creates a scratch VM and vCPU, and probes
// CPUID for PCID/INVPCID support. The vCPU is never run; it exists only
// to give this process a vehicle for KVM_GET_SREGS/KVM_SET_SREGS and
// KVM_GET_SUPPORTED_CPUID, the closest userspace analogue to reading and
// writing CR3/CR4 and executing CPUID directly.
func NewKVMDriver() (Driver, error) {
	kvmFile, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tlb: open /dev/kvm: %w", err)
	}

	kvmFd := kvmFile.Fd()

	vmFdRaw, _, errno := syscall.Syscall(syscall.SYS_IOCTL, kvmFd, kvmCreateVM, 0)
	if errno != 0 {
		kvmFile.Close()
		return nil, fmt.Errorf("tlb: KVM_CREATE_VM: %w", errno)
	}
	vmFile := os.NewFile(vmFdRaw, "vm")

	vcpuFdRaw, _, errno := syscall.Syscall(syscall.SYS_IOCTL, vmFile.Fd(), kvmCreateVCPU, 0)
	if errno != 0 {
		vmFile.Close()
		kvmFile.Close()
		return nil, fmt.Errorf("tlb: KVM_CREATE_VCPU: %w", errno)
	}
	vcpuFile := os.NewFile(vcpuFdRaw, "vcpu")

	d := &kvmDriver{
		kvmFd:    kvmFd,
		vmFd:     vmFile.Fd(),
		vcpuFd:   vcpuFile.Fd(),
		kvmFile:  kvmFile,
		vmFile:   vmFile,
		vcpuFile: vcpuFile,
	}

	if err := d.probeCPUID(); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

func (d *kvmDriver) Close() error {
	d.vcpuFile.Close()
	d.vmFile.Close()
	return d.kvmFile.Close()
}

func (d *kvmDriver) probeCPUID() error {
	var c cpuid2
	c.Nent = uint32(len(c.Entries))

	if err := ioctl(d.kvmFd, kvmGetSupportedCPUID, uintptr(unsafe.Pointer(&c))); err != nil {
		return fmt.Errorf("tlb: KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	for i := uint32(0); i < c.Nent; i++ {
		e := c.Entries[i]
		switch e.Function {
		case cpuidLeafFeatures:
			d.pcidSupported = e.Ecx&(1<<cpuidECXPCIDBit) != 0
		case cpuidLeafExtended7:
			d.invpcidSupported = e.Ebx&(1<<cpuidEBXINVPCIDBit) != 0
		}
	}

	return nil
}

func (d *kvmDriver) PCIDSupported() bool    { return d.pcidSupported }
func (d *kvmDriver) INVPCIDSupported() bool { return d.invpcidSupported }

func (d *kvmDriver) getSregs() (*sregs, error) {
	var s sregs
	if err := ioctl(d.vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&s))); err != nil {
		return nil, fmt.Errorf("tlb: KVM_GET_SREGS: %w", err)
	}
	return &s, nil
}

func (d *kvmDriver) setSregs(s *sregs) error {
	if err := ioctl(d.vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(s))); err != nil {
		return fmt.Errorf("tlb: KVM_SET_SREGS: %w", err)
	}
	return nil
}

// cr4PCIDEBit is CR4 bit 17 (PCIDE).
const cr4PCIDEBit = 1 << 17

func (d *kvmDriver) EnablePCID() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pcidSupported {
		return ErrPCIDUnsupported
	}

	s, err := d.getSregs()
	if err != nil {
		return err
	}

	s.CR4 |= cr4PCIDEBit

	if err := d.setSregs(s); err != nil {
		return err
	}

	d.pcidEnabled = true

	return nil
}

// cr3NoflushBit is CR3 bit 63: MOV-to-CR3's no-TLB-flush hint, valid only
// with PCID enabled. The original distillation conflated this with a
// bogus "PAGE_LEVEL_CACHE_DISABLE" bit; bit 63 is the real encoding.
const cr3NoflushBit = uint64(1) << 63

// cr3ASIDMask covers CR3 bits 11:0, the PCID field that carries the ASID.
const cr3ASIDMask = uint64(0xFFF)

func (d *kvmDriver) LoadPageTable(ptPaddr uint64, id asid.ID, noflush bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if noflush && !d.pcidEnabled {
		return ErrPCIDNotEnabled
	}

	cr3 := (ptPaddr &^ cr3ASIDMask) | (uint64(id) & cr3ASIDMask)
	if noflush {
		cr3 |= cr3NoflushBit
	}

	s, err := d.getSregs()
	if err != nil {
		return err
	}

	s.CR3 = cr3

	return d.setSregs(s)
}

// Invpcid emulates the INVPCID instruction's effect by manipulating CR3
// through the vCPU's register state: KVM does not expose a bare INVPCID
// trap to userspace, so every kind is realized as an equivalent CR3
// reload sequence, the same fallback a CPU without INVPCID support
// requires in hardware.
func (d *kvmDriver) Invpcid(kind InvpcidKind, id asid.ID, vaddr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.getSregs()
	if err != nil {
		return err
	}

	switch kind {
	case IndividualAddress, SingleContext:
		cr3 := (s.CR3 &^ cr3ASIDMask) | (uint64(id) & cr3ASIDMask)
		s.CR3 = cr3
	case AllContextExceptGlobal, AllContext:
		// full reload: clear the noflush hint so every PCID's entries for
		// this address space are dropped.
		s.CR3 = s.CR3 &^ cr3NoflushBit
	default:
		return fmt.Errorf("tlb: unknown invpcid kind %v", kind)
	}

	return d.setSregs(s)
}

func (d *kvmDriver) Timestamp() uint64 {
	return readCycleCounter()
}
