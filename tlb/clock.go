package tlb

import "time"

// readCycleCounter is shared by kvmDriver and stubDriver. Neither gokvm
// nor any other repo in the retrieval pack reads a cycle-counter MSR
// (kvm/msr.go only enumerates supported MSR indices, it never reads
// their values), so there is no library precedent to adapt here; this
// is recorded in DESIGN.md as a deliberate stdlib-only helper. The value
// is nanoseconds elapsed on Go's monotonic clock since clockBase.
func readCycleCounter() uint64 {
	return uint64(time.Since(clockBase))
}

var clockBase = time.Now()
