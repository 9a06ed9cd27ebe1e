// Package flag defines the command-line surface of the asidvm binary: a
// kong CLI (the library the teacher's own flag/runs.go is already built
// against) with three subcommands exercising the C1-C6 pipeline end to
// end against a real /dev/kvm vCPU when available, falling back to the
// portable stub driver otherwise.
package flag

// CLI is the top-level kong command tree.
type CLI struct {
	Probe ProbeCmd `cmd:"" help:"Probe the host CPU for PCID/INVPCID support."`
	Demo  DemoCmd  `cmd:"" help:"Drive the allocator/binding/profiling pipeline end-to-end."`
	Stats StatsCmd `cmd:"" help:"Print an ASID profiling report after running a demo sequence."`
}

// ProbeCmd probes the backing driver for hardware PCID/INVPCID support
// and prints the result, the userspace analogue of the boot-time feature
// probe described in spec §4.1/§7.
type ProbeCmd struct {
	Dev string `help:"path of the KVM device (not used: the KVM driver always opens /dev/kvm)" default:"/dev/kvm"`
}

// DemoCmd drives a sequence of address-space bind/activate/unbind cycles
// through vmspace.Space, standing in for process fork/schedule/exit
// (§6 "collaborator interfaces consumed").
type DemoCmd struct {
	Dev        string `help:"path of the KVM device (not used: the KVM driver always opens /dev/kvm)" default:"/dev/kvm"`
	Iterations int    `help:"number of address spaces to bind, activate once, and unbind" default:"64"`
	ASIDCap    int    `help:"ASID pool capacity (small values exercise generation rollover)" default:"4096" name:"asid-cap"`
	CPUProfile bool   `help:"wrap the run in a pkg/profile CPU profile (writes ./cpu.pprof)" name:"cpuprofile"`
}

// StatsCmd runs the same sequence as DemoCmd and then emits a profiling
// report through the asidabi ABI (syscall action 1), optionally
// resetting counters afterward (action 2) and serving fgprof's
// wall-clock sampling profile for the duration of the run.
type StatsCmd struct {
	Dev        string `help:"path of the KVM device (not used: the KVM driver always opens /dev/kvm)" default:"/dev/kvm"`
	Iterations int    `help:"number of address spaces to bind, activate once, and unbind" default:"64"`
	ASIDCap    int    `help:"ASID pool capacity (small values exercise generation rollover)" default:"4096" name:"asid-cap"`
	Reset      bool   `help:"reset counters after printing the report"`
	FgprofAddr string `help:"serve the process's fgprof wall-clock profile at this address while running (e.g. :6060)" name:"fgprof-addr"`
}
