// Package kmain is the Go entry point invoked by the rt0 trampoline once
// the bootloader has handed off control, the GDT is in place and a minimal
// g0 goroutine is running on the boot stack (grounded on the teacher's
// kernel/kmain/kmain.go boot sequence).
package kmain

import (
	"coreos/device/pic"
	"coreos/device/ramdisk"
	"coreos/fs/ustar"
	"coreos/kernel"
	"coreos/kernel/goruntime"
	"coreos/kernel/hal"
	"coreos/kernel/hal/multiboot"
	"coreos/kernel/irq"
	"coreos/kernel/kfmt"
	"coreos/kernel/mem/pmm/allocator"
	"coreos/kernel/mem/vmm"
	"coreos/kernel/sched"
	"coreos/kernel/smp"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// kernelPageOffset is the virtual address the linker script maps the
// kernel's higher half to; vmm.Init uses it to tell kernel sections apart
// from identity-mapped low memory while building the initial page tables.
const kernelPageOffset = 0xc0000000

// root is the mounted initrd partition, once mount succeeds. A nil root
// means no module was supplied by the bootloader; the kernel still boots,
// it just has no filesystem.
var root *ustar.Partition

// Kmain is the only Go symbol the rt0 assembly calls. It is passed the
// physical address of the multiboot info payload and the kernel image's
// own physical bounds (used to exclude that range from the boot frame
// allocator).
//
// Kmain is not expected to return; if it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.DetectHardware()

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	}

	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err = vmm.Init(kernelPageOffset); err != nil {
		panic(err)
	}

	if err = goruntime.Init(); err != nil {
		panic(err)
	}

	controller := pic.New(irq.DeviceIRQBase)
	if err = controller.Init(); err != nil {
		panic(err)
	}
	irq.SetController(controller)

	cpuCount := smp.CPUCount()
	if _, err = sched.Init(cpuCount); err != nil {
		panic(err)
	}

	// Bring up every AP ACPI reported (spec.md §4.2); a no-op beyond
	// installing the panic halt hook when ACPI reported no local APICs.
	if err = smp.Init(cpuCount); err != nil {
		panic(err)
	}

	mountInitrd()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating the call as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// mountInitrd locates the boot module the bootloader attached (the
// archived root filesystem) and mounts it as a USTAR partition. A missing
// module is not fatal: it just leaves root nil.
func mountInitrd() {
	mod, found := multiboot.FindModule()
	if !found {
		return
	}

	disk, err := ramdisk.New(uintptr(mod.StartAddress))
	if err != nil {
		return
	}

	p, err := ustar.Mount(disk, 0)
	if err != nil {
		return
	}

	root = p
}
