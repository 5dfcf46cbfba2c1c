package irq

import (
	"coreos/kernel"
	"coreos/kernel/cpu"
	"coreos/kernel/kfmt"
	"coreos/kernel/sync"
)

const (
	// MinInterruptLine and MaxInterruptLine bound the valid range for
	// register_int_handler / remove_int_handler / raise_interrupt.
	MinInterruptLine = 0
	MaxInterruptLine = 255

	// DeviceIRQBase is MIN_INTERRUPT_LINE from spec.md §4.1: any vector
	// at or above this line is considered a device IRQ rather than a
	// CPU exception, for the purposes of the "disabled state blocks
	// deferred hardware IRQs" rule.
	DeviceIRQBase = 32

	// PanicVector and SchedulerVector are the two installer-defined
	// vectors outside the hardware IRQ range. The panic vector always
	// fires regardless of the saved interrupt-enable state; the
	// scheduler vector is exempt from the "disabled blocks device IRQs"
	// rule because schedule() legitimately raises it with interrupts
	// disabled.
	PanicVector     = 254
	SchedulerVector = 255
)

// HandlerFunc handles a dispatched interrupt. regs and frame are mutable;
// changes made by the handler (e.g. to frame.EIP) are visible when the
// assembly stub executes IRET.
type HandlerFunc func(vector uint8, regs *Regs, frame *Frame)

type handlerSlot struct {
	fn      HandlerFunc
	enabled bool
}

var (
	// disableFn/restoreFn indirect through cpu.Disable/cpu.Restore so
	// tests can run without the arch-specific assembly backing them.
	disableFn = cpu.Disable
	restoreFn = cpu.Restore

	tableLock sync.Spinlock
	table     [MaxInterruptLine + 1]handlerSlot

	spuriousCount uint64

	// panicHandler runs when a vector fires with no registered handler.
	// Defaults to dumping state and calling kernel.Panic; tests replace
	// it to observe dispatch without tearing down the process.
	panicHandler HandlerFunc = defaultPanicHandler
)

func defaultPanicHandler(vector uint8, regs *Regs, frame *Frame) {
	kfmt.Printf("unhandled interrupt %d\n", vector)
	regs.Print()
	frame.Print()
	kernel.Panic(kernel.NewError("irq", kernel.NoSuchID, "no handler registered"))
}

// SetPanicHandler overrides the handler invoked when a vector has no
// registered handler (and is not classified as spurious).
func SetPanicHandler(fn HandlerFunc) {
	panicHandler = fn
}

func lineInRange(line int) *kernel.Error {
	if line < MinInterruptLine || line > MaxInterruptLine {
		return kernel.NewError("irq", kernel.OutOfRange, "interrupt line out of range")
	}
	return nil
}

// RegisterIntHandler registers fn to run when vector line fires.
func RegisterIntHandler(line int, fn HandlerFunc) *kernel.Error {
	if err := lineInRange(line); err != nil {
		return err
	}
	if fn == nil {
		return kernel.NewError("irq", kernel.NullPointer, "nil handler")
	}

	prev := disableFn()
	tableLock.Acquire()
	defer func() { tableLock.Release(); restoreFn(prev) }()

	if table[line].fn != nil {
		return kernel.NewError("irq", kernel.InterruptAlreadyRegistered, "")
	}

	table[line] = handlerSlot{fn: fn, enabled: true}
	return nil
}

// RemoveIntHandler clears the handler registered at line.
func RemoveIntHandler(line int) *kernel.Error {
	if err := lineInRange(line); err != nil {
		return err
	}

	prev := disableFn()
	tableLock.Acquire()
	defer func() { tableLock.Release(); restoreFn(prev) }()

	if table[line].fn == nil {
		return kernel.NewError("irq", kernel.InterruptNotRegistered, "")
	}

	table[line] = handlerSlot{}
	return nil
}

// RegisterIRQHandler translates irqLine to a vector via the installed
// Controller and registers fn there.
func RegisterIRQHandler(irqLine uint8, fn HandlerFunc) *kernel.Error {
	if controller == nil {
		return kernel.NewError("irq", kernel.AcpiNotInitialized, "no interrupt controller installed")
	}

	vector, err := controller.GetIRQIntLine(irqLine)
	if err != nil {
		return err
	}

	return RegisterIntHandler(int(vector), fn)
}

// RaiseInterrupt issues a software interrupt for the given vector and, on
// return, signals EOI to the installed controller (if any).
func RaiseInterrupt(line int) *kernel.Error {
	if err := lineInRange(line); err != nil {
		return err
	}

	cpu.RaiseInterrupt(uint8(line))

	if controller != nil {
		controller.SetIRQEOI(uint8(line))
	}
	return nil
}

// SpuriousCount reports how many vectors have been classified Spurious
// since boot.
func SpuriousCount() uint64 {
	return spuriousCount
}

// Dispatch is invoked by the architecture's single assembly entrypoint for
// every one of the 256 gate stubs. It implements the dispatch rules from
// spec.md §4.1: the panic vector always fires; a device IRQ arriving while
// interrupts were disabled in the saved state is silently dropped unless it
// is the scheduler vector; otherwise the controller is consulted to filter
// spurious signals before the registered handler (or the default panic
// handler) runs.
func Dispatch(vector uint8, regs *Regs, frame *Frame) {
	if vector == PanicVector {
		invoke(vector, regs, frame)
		return
	}

	wasEnabled := frame.EFlags&eflagsIF != 0
	isDeviceIRQ := vector >= DeviceIRQBase

	if !wasEnabled && isDeviceIRQ && vector != SchedulerVector {
		return
	}

	if isDeviceIRQ && controller != nil {
		if controller.HandleSpurious(vector) == Spurious {
			spuriousCount++
			return
		}
	}

	invoke(vector, regs, frame)

	if isDeviceIRQ && vector != SchedulerVector && controller != nil {
		controller.SetIRQEOI(vector)
	}
}

func invoke(vector uint8, regs *Regs, frame *Frame) {
	tableLock.Acquire()
	slot := table[vector]
	tableLock.Release()

	if slot.fn != nil && slot.enabled {
		slot.fn(vector, regs, frame)
		return
	}

	panicHandler(vector, regs, frame)
}

const eflagsIF = 1 << 9
