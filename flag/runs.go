package flag

import (
	"log"
	"net/http"

	"github.com/alecthomas/kong"
	"github.com/felixge/fgprof"
	goprofile "github.com/pkg/profile"

	"github.com/ctxid/asidvm/asid"
	"github.com/ctxid/asidvm/asidabi"
	"github.com/ctxid/asidvm/ctxid"
	"github.com/ctxid/asidvm/profile"
	"github.com/ctxid/asidvm/tlb"
	"github.com/ctxid/asidvm/vmspace"
)

// Parse parses os.Args against the CLI command tree and runs the
// selected subcommand, mirroring the teacher's own Parse()/kong.Parse
// pattern in flag/runs.go.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("asidvm"),
		kong.Description("asidvm drives the ASID/PCID address-space-identifier subsystem against a real or stubbed CPU"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// openDriver opens a real KVM-backed driver, logging and falling back to
// the portable stub when /dev/kvm is unavailable or CPUID probing fails
// — the boot-time feature-absence handling of §4.4/§7: "CPUID probe
// failure is handled at boot by disabling the entire PCID path."
func openDriver(dev string) tlb.Driver {
	d, err := tlb.NewKVMDriver()
	if err != nil {
		log.Printf("tlb: falling back to the stub driver (no hardware PCID path): %v", err)
		return tlb.NewStubDriver()
	}

	return d
}

// Run probes the driver and prints whether PCID/INVPCID are available.
func (c *ProbeCmd) Run() error {
	d := openDriver(c.Dev)

	log.Printf("PCID supported:   %v", d.PCIDSupported())
	log.Printf("INVPCID supported: %v", d.INVPCIDSupported())

	if d.PCIDSupported() {
		if err := d.EnablePCID(); err != nil {
			log.Printf("EnablePCID: %v", err)
		} else {
			log.Printf("PCID enabled (CR4.PCIDE set)")
		}
	}

	return nil
}

// pipeline bundles the C2-C5 singletons a demo/stats run needs, wired
// together exactly as a real boot sequence would (§9 "global mutable
// state ... encapsulate them behind accessor functions").
type pipeline struct {
	driver    tlb.Driver
	allocator *asid.Allocator
	ctxPool   *ctxid.Pool
	counters  *profile.Counters
}

func newPipeline(dev string, asidCap int) *pipeline {
	d := openDriver(dev)

	cap := asid.ID(asidCap)

	// allocator and counters each need a reference to the other
	// (counters reads the allocator's live generation; the allocator
	// reports events to counters), so the generation source closes over
	// allocator and is only called after New assigns it below.
	var allocator *asid.Allocator

	counters := profile.New(profile.WithGenerationSource(func() asid.Generation {
		return allocator.CurrentGeneration()
	}))
	counters.SetPCIDEnabled(d.PCIDSupported())

	allocator = asid.New(asid.WithRange(asid.Min, cap), asid.WithRecorder(counters))

	ctxPool := ctxid.New(ctxid.ID(cap), d, d.PCIDSupported(),
		ctxid.WithDeactivateHook(func(id ctxid.ID) {
			counters.RecordTLBSingleContextFlush(asid.ID(id))
		}))

	return &pipeline{
		driver:    d,
		allocator: allocator,
		ctxPool:   ctxPool,
		counters:  counters,
	}
}

// runDemo builds `iterations` address spaces, binds and activates each
// once on a single shared CPU, then unbinds — standing in for process
// fork/schedule/exit (§6).
func runDemo(p *pipeline, iterations int) {
	cpu := vmspace.NewCPU()

	for i := 0; i < iterations; i++ {
		space := vmspace.New(uint64(0x100000+i*0x1000), p.allocator, p.ctxPool, p.driver,
			vmspace.WithRecorder(p.counters))

		if err := space.Activate(cpu); err != nil {
			log.Printf("activate vmspace %d: %v", i, err)
			continue
		}

		if err := space.Unbind(); err != nil {
			log.Printf("unbind vmspace %d: %v", i, err)
		}
	}
}

// Run executes the demo sequence, optionally wrapped in a pkg/profile
// CPU profile.
func (c *DemoCmd) Run() error {
	if c.CPUProfile {
		defer goprofile.Start(goprofile.CPUProfile, goprofile.ProfilePath(".")).Stop()
	}

	p := newPipeline(c.Dev, c.ASIDCap)

	runDemo(p, c.Iterations)

	log.Printf("demo complete: %d address spaces processed", c.Iterations)

	return nil
}

// Run executes the demo sequence and prints a profiling report through
// the asidabi ABI, optionally serving fgprof's wall-clock profile for
// the duration of the run and resetting counters afterward.
func (c *StatsCmd) Run() error {
	if c.FgprofAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/fgprof", fgprof.Handler())

		server := &http.Server{Addr: c.FgprofAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("fgprof server: %v", err)
			}
		}()
		defer server.Close()
	}

	p := newPipeline(c.Dev, c.ASIDCap)

	runDemo(p, c.Iterations)

	if _, err := asidabi.AsidProfiling(p.counters, asidabi.ActionLogReport, nil); err != nil {
		return err
	}

	if c.Reset {
		if _, err := asidabi.AsidProfiling(p.counters, asidabi.ActionReset, nil); err != nil {
			return err
		}

		log.Printf("counters reset")
	}

	return nil
}
