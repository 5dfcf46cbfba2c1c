// Package pic implements the irq.Controller capability for an 8259A-pair
// interrupt controller (master/slave, cascaded on IRQ2), the interrupt
// hardware every PC-compatible machine boots with before an IOAPIC driver
// takes over. Port numbers and initialization command words are grounded on
// the 8259 constants table retrieved for this spec
// (core_engine/devices/pic_constants.go in the pack).
package pic

import (
	"coreos/kernel"
	"coreos/kernel/cpu"
	"coreos/kernel/irq"
)

const (
	masterCmdPort  uint16 = 0x20
	masterDataPort uint16 = 0x21
	slaveCmdPort   uint16 = 0xA0
	slaveDataPort  uint16 = 0xA1

	icw1Init = 0x10
	icw1IC4  = 0x01

	icw4_8086 = 0x01

	ocw2EOI     = 0x20
	ocw3ReadISR = 0x0b
	ocw3ReadIRR = 0x0a

	numIRQLines = 16
)

var (
	errIRQOutOfRange = &kernel.Error{Module: "pic", Message: "IRQ line out of range"}
)

// PIC implements irq.Controller for a cascaded 8259A pair. Base is the
// interrupt vector IRQ0 is remapped to; IRQ lines 0-7 map to
// [base, base+7], lines 8-15 map to [base+8, base+15].
type PIC struct {
	base uint8
	mask uint16 // bit i set => IRQ i masked
}

// New returns a PIC controller that will remap IRQ0-15 to vectors
// [base, base+15] once Init is called.
func New(base uint8) *PIC {
	return &PIC{base: base}
}

// Init remaps the master/slave PICs so their IRQs land at p.base..p.base+15
// and masks every line; callers unmask individual lines via SetIRQMask as
// they register handlers.
func (p *PIC) Init() *kernel.Error {
	// The previous mask registers are not saved: every line ends up
	// masked below regardless of its state before Init.
	cpu.WriteIOPort(masterCmdPort, icw1Init|icw1IC4)
	cpu.WriteIOPort(slaveCmdPort, icw1Init|icw1IC4)

	cpu.WriteIOPort(masterDataPort, p.base)  // ICW2: base vector for master
	cpu.WriteIOPort(slaveDataPort, p.base+8) // ICW2: base vector for slave

	cpu.WriteIOPort(masterDataPort, 1<<2) // ICW3: slave is cascaded on IRQ2
	cpu.WriteIOPort(slaveDataPort, 2)     // ICW3: slave's cascade identity

	cpu.WriteIOPort(masterDataPort, icw4_8086)
	cpu.WriteIOPort(slaveDataPort, icw4_8086)

	p.mask = 0xffff
	cpu.WriteIOPort(masterDataPort, uint8(p.mask))
	cpu.WriteIOPort(slaveDataPort, uint8(p.mask>>8))

	return nil
}

// SetIRQMask masks or unmasks the given IRQ line at the controller.
func (p *PIC) SetIRQMask(irqLine uint8, enabled bool) *kernel.Error {
	if irqLine >= numIRQLines {
		return errIRQOutOfRange
	}

	if enabled {
		p.mask &^= 1 << irqLine
	} else {
		p.mask |= 1 << irqLine
	}

	cpu.WriteIOPort(masterDataPort, uint8(p.mask))
	cpu.WriteIOPort(slaveDataPort, uint8(p.mask>>8))
	return nil
}

// SetIRQEOI signals end-of-interrupt for the given IRQ line. If the IRQ
// came from the slave PIC, both controllers must be acknowledged.
func (p *PIC) SetIRQEOI(irqLine uint8) {
	if irqLine >= 8 {
		cpu.WriteIOPort(slaveCmdPort, ocw2EOI)
	}
	cpu.WriteIOPort(masterCmdPort, ocw2EOI)
}

// HandleSpurious classifies vector as Regular or Spurious by reading the
// in-service register: a spurious IRQ7 (master) or IRQ15 (slave) has no
// corresponding ISR bit set.
func (p *PIC) HandleSpurious(vector uint8) irq.SpuriousVerdict {
	if vector < p.base {
		return irq.Regular
	}

	irqLine := vector - p.base
	switch irqLine {
	case 7:
		if !p.isrBitSet(masterCmdPort, 7) {
			return irq.Spurious
		}
	case 15:
		if !p.isrBitSet(slaveCmdPort, 7) {
			// Spurious IRQ from the slave still requires EOI on the
			// master since the cascade line itself was real.
			cpu.WriteIOPort(masterCmdPort, ocw2EOI)
			return irq.Spurious
		}
	}

	return irq.Regular
}

func (p *PIC) isrBitSet(cmdPort uint16, bit uint8) bool {
	cpu.WriteIOPort(cmdPort, ocw3ReadISR)
	isr := cpu.ReadIOPort(cmdPort)
	return isr&(1<<bit) != 0
}

// GetIRQIntLine translates an IRQ line into the vector the PIC delivers it
// on (base+irqLine).
func (p *PIC) GetIRQIntLine(irqLine uint8) (uint8, *kernel.Error) {
	if irqLine >= numIRQLines {
		return 0, errIRQOutOfRange
	}

	return p.base + irqLine, nil
}

