// Package cpu exposes the architecture-neutral intrinsics the rest of the
// kernel is built on: control-register access, the interrupt enable/disable
// discipline, halt, a way to raise a software interrupt by vector, and
// current-CPU identification. Everything below the line is a thin Go
// declaration backed by an assembly implementation (design note: the
// 256-entry software-interrupt trampoline is mechanically generated rather
// than hand-written, the same way the teacher generates its interrupt gate
// entries).
package cpu

const eflagsIF = 1 << 9

var (
	cpuidFn = ID

	// The following *Fn indirections let tests substitute the arch-backed
	// primitives the same way cpuidFn substitutes ID above.
	readEFlagsFn           = ReadEFlags
	disableInterruptsFn    = DisableInterrupts
	enableInterruptsFn     = EnableInterrupts
	raiseInterruptVectorFn = raiseInterruptVector
	readLAPICIDFn          = ReadLAPICID

	// lapicIDResolverFn maps a raw local APIC id to this machine's 0-based
	// CPU index. Installed by package smp once it has read the ACPI/MADT
	// LAPIC table; before that CurrentID always reports 0 so that
	// single-CPU boot remains correct.
	lapicIDResolverFn func(lapicID uint8) (cpuIdx int, found bool)
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register (the faulting linear
// address on the most recent page fault).
func ReadCR2() uint32

// ReadEFlags returns the current value of the EFLAGS register.
func ReadEFlags() uint32

// raiseInterruptVector issues a software interrupt for the given vector.
// Implemented as a 256-entry jump table of `int $n; ret` stubs generated at
// assembly-time; Go only sees this one entrypoint.
func raiseInterruptVector(vector uint8)

// ReadLAPICID returns the raw local APIC id of the CPU executing the call,
// read from the LAPIC's memory-mapped ID register.
func ReadLAPICID() uint8

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Disable disables interrupt handling on the current CPU and returns the
// previous state (0 = was disabled, non-zero = was enabled) so it can be
// passed back to Restore. Disable/Restore compose to form critical
// sections: prev := cpu.Disable(); ...; cpu.Restore(prev).
func Disable() uint32 {
	prev := readEFlagsFn() & eflagsIF
	disableInterruptsFn()
	return prev
}

// Restore sets the interrupt flag iff prev is non-zero, undoing a prior
// call to Disable.
func Restore(prev uint32) {
	if prev != 0 {
		enableInterruptsFn()
	}
}

// RaiseInterrupt issues a software interrupt for the given vector. Callers
// in package irq are expected to validate the vector range before calling.
func RaiseInterrupt(vector uint8) {
	raiseInterruptVectorFn(vector)
}

// SetCPUIDResolver installs the function used by CurrentID to translate a
// raw LAPIC id into a 0-based CPU index. Called once by package smp's
// Init after it has read the ACPI/MADT LAPIC table.
func SetCPUIDResolver(fn func(lapicID uint8) (cpuIdx int, found bool)) {
	lapicIDResolverFn = fn
}

// CurrentID returns the 0-based index of the CPU executing the call. Until
// package smp has installed a resolver (single-CPU boot, or calls made
// before SMP bring-up) it always returns 0, which is correct for a system
// that has not yet discovered any additional CPUs.
func CurrentID() int {
	if lapicIDResolverFn == nil {
		return 0
	}

	if idx, found := lapicIDResolverFn(readLAPICIDFn()); found {
		return idx
	}

	return 0
}
