package irq

import "coreos/kernel"

// SpuriousVerdict is the result of asking a Controller whether an incoming
// vector corresponds to a real device signal or a spurious one.
type SpuriousVerdict uint8

const (
	// Regular means the vector should be dispatched normally.
	Regular SpuriousVerdict = iota
	// Spurious means the controller observed no real source for the
	// interrupt; the dispatcher increments a counter and skips the
	// handler.
	Spurious
)

// Controller is the capability a concrete interrupt-controller driver (PIC,
// IOAPIC/LAPIC, ...) exposes to the dispatcher. The dispatcher is written
// against this interface only; it never assumes a specific controller.
type Controller interface {
	// Init performs controller-specific setup (remapping, masking all
	// lines, etc).
	Init() *kernel.Error

	// SetIRQMask masks (enabled=false) or unmasks (enabled=true) the
	// given IRQ line at the controller.
	SetIRQMask(irqLine uint8, enabled bool) *kernel.Error

	// SetIRQEOI signals end-of-interrupt for the given IRQ line.
	SetIRQEOI(irqLine uint8)

	// HandleSpurious classifies vector as Regular or Spurious.
	HandleSpurious(vector uint8) SpuriousVerdict

	// GetIRQIntLine translates an IRQ line into the interrupt vector the
	// controller delivers it on. Returns NoSuchIrqLine if irqLine is not
	// wired to any vector.
	GetIRQIntLine(irqLine uint8) (uint8, *kernel.Error)
}

// controller is the currently installed Controller, if any. A nil
// controller means no device IRQs have been wired up yet (e.g. very early
// boot); Dispatch then skips the spurious check and the EOI and runs the
// registered handler (or the panic handler) directly.
var controller Controller

// SetController installs the active interrupt-controller driver.
func SetController(c Controller) {
	controller = c
}
