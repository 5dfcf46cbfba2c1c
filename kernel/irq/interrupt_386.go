// Package irq implements the kernel's single, uniform interrupt dispatcher:
// a 256-entry table of handler slots vectored from the architecture's
// assembly gate stubs, plus the exception-handler veneer for vectors 0..31
// and the raise/EOI machinery used by synchronization and scheduling code.
package irq

import "coreos/kernel/kfmt"

// Regs contains a snapshot of the general-purpose register values captured
// by the assembly stub before the dispatcher runs. The dispatcher hands a
// mutable pointer to the registered handler, so in-place edits (e.g. to
// redirect execution into a thread's termination routine) are visible on
// IRET.
type Regs struct {
	EAX uint32
	EBX uint32
	ECX uint32
	EDX uint32
	ESI uint32
	EDI uint32
	EBP uint32
}

// Print outputs a dump of the register values to the active console.
func (r *Regs) Print() {
	kfmt.Printf("EAX = %8x EBX = %8x\n", r.EAX, r.EBX)
	kfmt.Printf("ECX = %8x EDX = %8x\n", r.ECX, r.EDX)
	kfmt.Printf("ESI = %8x EDI = %8x\n", r.ESI, r.EDI)
	kfmt.Printf("EBP = %8x\n", r.EBP)
}

// Frame describes the interrupt frame the CPU pushes onto the stack before
// entering the dispatcher. ErrorCode is only meaningful for the subset of
// exception vectors that push one; the assembly stubs push a dummy zero for
// every other vector so the frame layout stays uniform. SS/ESP are only
// populated by the CPU when the interrupt caused a privilege-level change.
type Frame struct {
	ErrorCode uint32
	EIP       uint32
	CS        uint32
	EFlags    uint32
	ESP       uint32
	SS        uint32
}

// Print outputs a dump of the exception frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("EIP = %8x CS  = %8x\n", f.EIP, f.CS)
	kfmt.Printf("ESP = %8x SS  = %8x\n", f.ESP, f.SS)
	kfmt.Printf("EFL = %8x ERR = %8x\n", f.EFlags, f.ErrorCode)
}
