// Package smp implements spec.md §4.2 "SMP Bring-up": the boot CPU's
// INIT/SIPI IPI sequencing that wakes every application processor (AP) ACPI
// reported, and the AP-side entry point those cores land on. It is grounded
// on device/acpi's MADT enumeration for CPU ids and LAPIC addresses, and on
// kernel/sched.InitAP for the per-AP scheduler bootstrap that InitAP's own
// doc comment already hands off to this package.
package smp

import (
	"coreos/device/acpi"
	"coreos/kernel"
	"coreos/kernel/cpu"
	"coreos/kernel/kfmt"
	"coreos/kernel/mem"
	"coreos/kernel/sched"
	"sync/atomic"
	"unsafe"
)

// trampolinePhysAddr is the 4K-aligned physical address the one-page AP
// trampoline is published at (spec.md §4.2 step 2). Low memory below 1M is
// identity-mapped by the boot prerequisites this kernel assumes (see
// device/acpi's package doc), so no explicit mapping call is needed here.
const trampolinePhysAddr = 0x8000

// trampolinePage is the page number STARTUP IPIs carry as their vector: the
// AP begins execution at trampolinePage << 12 in real mode.
const trampolinePage = uint8(trampolinePhysAddr >> mem.PageShift)

// LAPIC register offsets from the address device/acpi's MADT parse reports
// (Intel SDM, local APIC register map) relative to acpi.LAPICAddress().
const (
	icrLowOffset  = 0x300
	icrHighOffset = 0x310

	icrDeliveryModeInit    = 0x500  // 101b
	icrDeliveryModeStartup = 0x600  // 110b
	icrDeliveryModeNMI     = 0x400  // 100b
	icrLevelAssert         = 0x4000 // bit 14

	icrDestShorthandAllExclSelf = 3 << 18

	icrDeliveryStatusPending = 1 << 12
)

// bootWaitMS / startupWaitMS are the per-AP wait durations spec.md §4.2
// names (steps 3b/3c).
const (
	bootWaitMS    = 20
	startupWaitMS = 30
)

// bringupTimeoutMS bounds the liveness spins spec.md §9 "Open question — AP
// bring-up timeout" warns must not hang forever: the source spins
// unconditionally, but this port escalates to a diagnostic kernel.Error
// instead, per that note's explicit instruction.
const bringupTimeoutMS = 3000

const pollIntervalMS = 10

var (
	bootedCount     uint32
	initSequenceEnd uint32

	// cpuLAPICIDs maps a 0-based cpu index to its raw LAPIC id; index 0 is
	// always the boot CPU. Populated once by Init and read-only afterwards,
	// so CurrentID's resolver can walk it without a lock.
	cpuLAPICIDs []uint8

	// spinSink defeats dead-code elimination of the fixed-count spin loop
	// busyWaitMS uses in the absence of a PIT/TSC driver.
	spinSink uint64

	// The following *Fn seams let tests drive the bring-up state machine
	// without touching real LAPIC registers or ACPI-probed hardware state,
	// matching the cpuidFn/switchContextFn indirection pattern used
	// throughout kernel/cpu and kernel/sched.
	localAPICsFn        = acpi.LocalAPICs
	lapicAddressFn      = acpi.LAPICAddress
	readLAPICIDFn       = cpu.ReadLAPICID
	setCPUIDResolverFn  = cpu.SetCPUIDResolver
	writeICRFn          = writeICR
	publishTrampolineFn = publishTrampoline
	waitMSFn            = busyWaitMS
)

// CPUCount returns the number of usable CPUs ACPI's MADT reported (enabled
// local APIC entries), or 1 if ACPI was never probed or reported none —
// the single-CPU fallback spec.md §4.2 "IDs" describes for current_cpu_id.
func CPUCount() int {
	n := 0
	for _, l := range localAPICsFn() {
		if l.Enabled {
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return n
}

// Init runs the boot-CPU protocol of spec.md §4.2: publishes the AP
// trampoline, installs the LAPIC-id-to-cpu-index resolver cpu.CurrentID
// uses, then walks the INIT/SIPI sequence for every AP besides the boot
// CPU's own LAPIC. Before anything else it wires kfmt's panic handler to
// halt every other CPU via an NMI IPI.
//
// Init is a no-op beyond installing the halt hook when ACPI reported no
// local APICs at all (single-CPU boot, or ACPI unavailable).
func Init(cpuCount int) *kernel.Error {
	kfmt.SetHaltOtherCPUsFunc(haltOtherCPUs)

	lapics := localAPICsFn()
	if len(lapics) == 0 {
		return nil
	}

	bootID := readLAPICIDFn()
	cpuLAPICIDs = make([]uint8, 0, len(lapics))
	cpuLAPICIDs = append(cpuLAPICIDs, bootID)
	for _, l := range lapics {
		if !l.Enabled || l.APICID == bootID {
			continue
		}
		cpuLAPICIDs = append(cpuLAPICIDs, l.APICID)
	}

	setCPUIDResolverFn(resolveCPUIndex)
	publishTrampolineFn()

	for cpuIdx := 1; cpuIdx < len(cpuLAPICIDs); cpuIdx++ {
		if err := bootAP(cpuIdx); err != nil {
			return err
		}
	}

	atomic.StoreUint32(&initSequenceEnd, 1)

	return spinUntil(func() bool {
		return atomic.LoadUint32(&bootedCount) == uint32(len(cpuLAPICIDs)-1)
	}, "liveness assertion: not every AP reported booted")
}

// resolveCPUIndex is installed via cpu.SetCPUIDResolver so cpu.CurrentID can
// translate a raw LAPIC id into the 0-based index the scheduler indexes its
// per-CPU state by (spec.md §4.2 "IDs").
func resolveCPUIndex(lapicID uint8) (int, bool) {
	for i, id := range cpuLAPICIDs {
		if id == lapicID {
			return i, true
		}
	}
	return 0, false
}

// bootAP drives spec.md §4.2 step 3 for a single AP: INIT, wait, STARTUP,
// wait, retry STARTUP once if needed, then spin (bounded) until the AP's
// increment of booted_count is observed.
func bootAP(cpuIdx int) *kernel.Error {
	apicID := cpuLAPICIDs[cpuIdx]
	before := atomic.LoadUint32(&bootedCount)

	sendINIT(apicID)
	waitMSFn(bootWaitMS)

	sendSTARTUP(apicID)
	waitMSFn(startupWaitMS)

	if atomic.LoadUint32(&bootedCount) == before {
		sendSTARTUP(apicID)
	}

	return spinUntil(func() bool {
		return atomic.LoadUint32(&bootedCount) != before
	}, "AP did not respond to SIPI")
}

// spinUntil polls cond every pollIntervalMS until it is true or
// bringupTimeoutMS elapses, in which case it returns a kernel.Error instead
// of hanging — the bounded retry spec.md §9's "Open question — AP bring-up
// timeout" calls for in place of the source's unconditional spin.
func spinUntil(cond func() bool, detail string) *kernel.Error {
	for waited := 0; waited < bringupTimeoutMS; waited += pollIntervalMS {
		if cond() {
			return nil
		}
		waitMSFn(pollIntervalMS)
	}
	return kernel.NewError("smp", kernel.Timeout, detail)
}

// sendINIT issues the INIT IPI (spec.md §4.2 step 3b).
func sendINIT(apicID uint8) {
	writeICRFn(apicID, icrDeliveryModeInit|icrLevelAssert)
}

// sendSTARTUP issues a STARTUP IPI carrying the trampoline page number
// (spec.md §4.2 step 3c/3d).
func sendSTARTUP(apicID uint8) {
	writeICRFn(apicID, icrDeliveryModeStartup|uint32(trampolinePage))
}

// writeICR programs the local APIC's Interrupt Command Register to target
// apicID with icrLow, then waits for the delivery-status bit to clear —
// the real hardware protocol an AP trampoline cannot acknowledge any other
// way. Never called directly; always through writeICRFn so tests can
// substitute a recording fake instead of poking a real LAPIC MMIO address.
func writeICR(apicID uint8, icrLow uint32) {
	base := uintptr(lapicAddressFn())
	if base == 0 {
		return
	}

	high := (*uint32)(unsafe.Pointer(base + icrHighOffset))
	low := (*uint32)(unsafe.Pointer(base + icrLowOffset))

	*high = uint32(apicID) << 24
	*low = icrLow

	for *low&icrDeliveryStatusPending != 0 {
	}
}

// haltOtherCPUs sends an NMI-style IPI to every CPU but the caller so a
// panic on one core stops the rest (spec.md §7), installed on kfmt via
// SetHaltOtherCPUsFunc once this package has run.
func haltOtherCPUs() {
	base := uintptr(lapicAddressFn())
	if base == 0 {
		return
	}

	high := (*uint32)(unsafe.Pointer(base + icrHighOffset))
	low := (*uint32)(unsafe.Pointer(base + icrLowOffset))

	*high = 0
	*low = icrDeliveryModeNMI | icrDestShorthandAllExclSelf
}

// publishTrampoline reserves the identity-mapped trampoline page spec.md
// §4.2 step 2 names. The real 16-bit real-mode bootstrap it would contain
// (switch to protected mode, load the GDT, jump to APEntry) is, like the
// rt0 handoff into kernel/kmain.Kmain, assembly outside this Go module's
// boundary; this records the page as claimed so nothing else in the image
// can be placed there.
func publishTrampoline() {
	page := (*[mem.PageSize]byte)(unsafe.Pointer(uintptr(trampolinePhysAddr)))
	for i := range page {
		page[i] = 0
	}
}

// busyWaitMS approximates a millisecond delay with a fixed-count spin loop.
// No PIT/TSC driver exists yet in this tree to derive a real wall-clock
// tick from, so this is deliberately uncalibrated; tests override waitMSFn
// rather than relying on its timing.
func busyWaitMS(ms uint64) {
	const iterationsPerMS = 100000
	for i := uint64(0); i < ms*iterationsPerMS; i++ {
		spinSink += i
	}
}

// APEntry is the Go-level continuation of the AP trampoline (spec.md §4.2
// "Protocol (AP)", steps 2-4): increment booted_count, wait for the boot
// CPU's go-ahead, enable interrupts, and fall into this CPU's first
// schedule. It never returns. Step 1 (LAPIC/LAPIC-timer init) is left to a
// future timer driver; none exists yet in this tree to call into.
func APEntry() {
	atomic.AddUint32(&bootedCount, 1)

	for atomic.LoadUint32(&initSequenceEnd) == 0 {
	}

	cpu.EnableInterrupts()

	cpuIdx := cpu.CurrentID()
	if _, err := sched.InitAP(cpuIdx); err != nil {
		kfmt.Panic(err)
	}

	sched.Schedule(cpuIdx)
}
