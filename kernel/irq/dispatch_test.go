package irq

import (
	"coreos/kernel"
	"testing"
)

func resetTable() {
	table = [MaxInterruptLine + 1]handlerSlot{}
	spuriousCount = 0
	controller = nil
	panicHandler = defaultPanicHandler
	disableFn = func() uint32 { return 0 }
	restoreFn = func(uint32) {}
}

func TestRegisterRemoveIntHandler(t *testing.T) {
	defer resetTable()
	resetTable()

	noop := func(uint8, *Regs, *Frame) {}

	if err := RegisterIntHandler(40, noop); err != nil {
		t.Fatalf("expected registration to succeed; got %v", err)
	}

	if err := RegisterIntHandler(40, noop); err == nil || err.Kind != kernel.InterruptAlreadyRegistered {
		t.Fatalf("expected InterruptAlreadyRegistered; got %v", err)
	}

	if err := RegisterIntHandler(-1, noop); err == nil || err.Kind != kernel.OutOfRange {
		t.Fatalf("expected OutOfRange for negative line; got %v", err)
	}

	if err := RegisterIntHandler(256, noop); err == nil || err.Kind != kernel.OutOfRange {
		t.Fatalf("expected OutOfRange for line > 255; got %v", err)
	}

	if err := RegisterIntHandler(41, nil); err == nil || err.Kind != kernel.NullPointer {
		t.Fatalf("expected NullPointer for nil handler; got %v", err)
	}

	if err := RemoveIntHandler(41); err == nil || err.Kind != kernel.InterruptNotRegistered {
		t.Fatalf("expected InterruptNotRegistered; got %v", err)
	}

	if err := RemoveIntHandler(40); err != nil {
		t.Fatalf("expected removal to succeed; got %v", err)
	}

	if err := RemoveIntHandler(40); err == nil || err.Kind != kernel.InterruptNotRegistered {
		t.Fatalf("expected second removal to fail with InterruptNotRegistered; got %v", err)
	}
}

func TestDispatchDropsDeviceIRQWhenDisabled(t *testing.T) {
	defer resetTable()
	resetTable()

	var called int
	RegisterIntHandler(DeviceIRQBase+1, func(uint8, *Regs, *Frame) { called++ })

	// interrupts were disabled in the saved frame (EFlags has IF cleared)
	Dispatch(DeviceIRQBase+1, &Regs{}, &Frame{EFlags: 0})
	if called != 0 {
		t.Fatalf("expected handler not to run while interrupts were disabled; ran %d times", called)
	}

	// after "restore(1)" (IF set) the same vector is delivered
	Dispatch(DeviceIRQBase+1, &Regs{}, &Frame{EFlags: eflagsIF})
	if called != 1 {
		t.Fatalf("expected handler to run exactly once; ran %d times", called)
	}
}

func TestDispatchPanicVectorAlwaysFires(t *testing.T) {
	defer resetTable()
	resetTable()

	var called int
	RegisterIntHandler(PanicVector, func(uint8, *Regs, *Frame) { called++ })

	Dispatch(PanicVector, &Regs{}, &Frame{EFlags: 0})
	if called != 1 {
		t.Fatalf("expected panic vector to always dispatch; ran %d times", called)
	}
}

type fakeController struct {
	spurious  map[uint8]bool
	eoiCalled []uint8
	lineMap   map[uint8]uint8
}

func (f *fakeController) Init() *kernel.Error { return nil }
func (f *fakeController) SetIRQMask(uint8, bool) *kernel.Error { return nil }
func (f *fakeController) SetIRQEOI(irqLine uint8) {
	f.eoiCalled = append(f.eoiCalled, irqLine)
}
func (f *fakeController) HandleSpurious(vector uint8) SpuriousVerdict {
	if f.spurious[vector] {
		return Spurious
	}
	return Regular
}
func (f *fakeController) GetIRQIntLine(irqLine uint8) (uint8, *kernel.Error) {
	if v, ok := f.lineMap[irqLine]; ok {
		return v, nil
	}
	return 0, kernel.NewError("irq", kernel.NoSuchIrqLine, "")
}

func TestDispatchSpuriousSkipsHandler(t *testing.T) {
	defer resetTable()
	resetTable()

	fc := &fakeController{spurious: map[uint8]bool{DeviceIRQBase + 5: true}}
	SetController(fc)

	var called int
	RegisterIntHandler(DeviceIRQBase+5, func(uint8, *Regs, *Frame) { called++ })

	Dispatch(DeviceIRQBase+5, &Regs{}, &Frame{EFlags: eflagsIF})
	if called != 0 {
		t.Fatal("expected spurious vector to skip the handler")
	}
	if SpuriousCount() != 1 {
		t.Fatalf("expected spurious counter to be 1; got %d", SpuriousCount())
	}
}

func TestRegisterIRQHandlerTranslatesLine(t *testing.T) {
	defer resetTable()
	resetTable()

	fc := &fakeController{lineMap: map[uint8]uint8{1: DeviceIRQBase + 1}}
	SetController(fc)

	if err := RegisterIRQHandler(1, func(uint8, *Regs, *Frame) {}); err != nil {
		t.Fatalf("expected registration to succeed; got %v", err)
	}

	if err := RegisterIRQHandler(2, func(uint8, *Regs, *Frame) {}); err == nil || err.Kind != kernel.NoSuchIrqLine {
		t.Fatalf("expected NoSuchIrqLine for unmapped irq; got %v", err)
	}
}
