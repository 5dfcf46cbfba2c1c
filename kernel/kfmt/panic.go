package kfmt

import (
	"coreos/kernel"
	"coreos/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// haltOtherCPUsFn is wired up by the smp package at the start of
	// smp.Init so that a panic on one CPU stops the rest via an NMI-style
	// IPI (spec §7).
	// Before smp.Init runs (or on a single-CPU boot) it is a no-op.
	haltOtherCPUsFn = func() {}

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// SetHaltOtherCPUsFunc installs the function used to stop every CPU other
// than the caller before the panic banner is printed. Called once by
// smp.Init; tests may override it directly.
func SetHaltOtherCPUsFunc(fn func()) {
	haltOtherCPUsFn = fn
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic)
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	haltOtherCPUsFn()

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
