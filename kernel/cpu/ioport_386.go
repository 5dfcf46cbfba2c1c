package cpu

var (
	outbFn = Outb
	inbFn  = Inb
)

// Outb writes a byte to the given I/O port.
func Outb(port uint16, val uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// WriteIOPort writes a byte to an I/O port, going through outbFn so tests can
// substitute it the same way they substitute the other arch intrinsics.
func WriteIOPort(port uint16, val uint8) {
	outbFn(port, val)
}

// ReadIOPort reads a byte from an I/O port, going through inbFn.
func ReadIOPort(port uint16) uint8 {
	return inbFn(port)
}

// SetIOPortFns substitutes the port I/O primitives, letting a driver's tests
// run without executing a real IN/OUT instruction. Passing nil for either
// restores the real, arch-backed implementation.
func SetIOPortFns(write func(uint16, uint8), read func(uint16) uint8) {
	if write == nil {
		write = Outb
	}
	if read == nil {
		read = Inb
	}
	outbFn = write
	inbFn = read
}
