// Package acpi locates the root ACPI tables and walks the MADT
// (Multiple APIC Description Table) to enumerate every local APIC and I/O
// APIC the firmware reports, feeding the CPU count and LAPIC id table that
// package smp needs to bring up the other cores (spec.md §4.2 "SMP
// bring-up").
//
// This is gopher-os's own ACPI driver, trimmed of its vmm-backed dynamic
// mapping: spec.md's boot prerequisites already guarantee a valid identity
// mapping for all of physical memory before the kernel starts (§6 "entered
// in 32-bit protected mode with paging enabled and a valid identity
// mapping"), so physical addresses can be dereferenced directly instead of
// calling vmm.IdentityMapRegion/vmm.Map per table the way the original
// driver did before that invariant held.
package acpi

import (
	"coreos/device"
	"coreos/device/acpi/table"
	"coreos/kernel"
	"coreos/kernel/kfmt"
	"io"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}

	// RSDP must be located in the physical memory region 0xe0000 to 0xfffff.
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	fadtSignature = "FACP"
	madtSignature = "APIC"
)

// LocalAPICInfo describes one entry of MADTEntryLocalAPIC, decoded for
// consumption outside this package.
type LocalAPICInfo struct {
	ProcessorID uint8
	APICID      uint8
	Enabled     bool
}

// IOAPICInfo describes one decoded MADTEntryIOAPIC.
type IOAPICInfo struct {
	APICID           uint8
	Address          uint32
	SysInterruptBase uint32
}

type acpiDriver struct {
	rsdtAddr uintptr
	useXSDT  bool

	tableMap map[string]*table.SDTHeader

	localAPICs []LocalAPICInfo
	ioAPICs    []IOAPICInfo
	lapicAddr  uint32
}

// DriverInit initializes this driver.
func (drv *acpiDriver) DriverInit(w io.Writer) *kernel.Error {
	if err := drv.enumerateTables(w); err != nil {
		return err
	}

	drv.printTableInfo(w)

	if madtHeader, ok := drv.tableMap[madtSignature]; ok {
		drv.parseMADT(madtHeader)
	}

	activeDriver = drv
	return nil
}

// activeDriver is the acpiDriver instance hal.DetectHardware() probed and
// initialized, if any. package smp reads the MADT-derived topology through
// the LocalAPICs/IOAPICs/LAPICAddress package funcs below rather than
// reaching into the device.Driver returned by hal, since that interface
// does not expose ACPI-specific accessors.
var activeDriver *acpiDriver

// LocalAPICs returns every local APIC the MADT reported, in table order, or
// nil if ACPI was never successfully probed.
func LocalAPICs() []LocalAPICInfo {
	if activeDriver == nil {
		return nil
	}
	return activeDriver.LocalAPICs()
}

// IOAPICs returns every I/O APIC the MADT reported, or nil if ACPI was
// never successfully probed.
func IOAPICs() []IOAPICInfo {
	if activeDriver == nil {
		return nil
	}
	return activeDriver.IOAPICs()
}

// LAPICAddress returns the physical address of the local APIC registers
// common to every core, or 0 if ACPI was never successfully probed.
func LAPICAddress() uint32 {
	if activeDriver == nil {
		return 0
	}
	return activeDriver.LAPICAddress()
}

// DriverName returns the name of this driver.
func (*acpiDriver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*acpiDriver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

func (drv *acpiDriver) printTableInfo(w io.Writer) {
	for name, header := range drv.tableMap {
		kfmt.Fprintf(w, "%s at 0x%16x %6x (%6s %8s)\n",
			name,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}
}

// LocalAPICs returns every local APIC the MADT reported, in table order.
func (drv *acpiDriver) LocalAPICs() []LocalAPICInfo {
	return drv.localAPICs
}

// IOAPICs returns every I/O APIC the MADT reported.
func (drv *acpiDriver) IOAPICs() []IOAPICInfo {
	return drv.ioAPICs
}

// LAPICAddress returns the physical address of the local APIC registers
// common to every core, as reported by the MADT header.
func (drv *acpiDriver) LAPICAddress() uint32 {
	return drv.lapicAddr
}

// parseMADT walks the variable-length entry list following the MADT
// header, decoding each MADTEntryLocalAPIC and MADTEntryIOAPIC record it
// finds and skipping any entry type it does not recognize (spec.md §4.2
// treats unrecognized MADT entries as forwards-compatible no-ops, not
// errors).
func (drv *acpiDriver) parseMADT(header *table.SDTHeader) {
	madt := (*table.MADT)(unsafe.Pointer(header))
	drv.lapicAddr = madt.LocalControllerAddress

	entriesStart := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(table.MADT{})
	entriesEnd := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)

	for ptr := entriesStart; ptr+2 <= entriesEnd; {
		entry := (*table.MADTEntry)(unsafe.Pointer(ptr))
		if entry.Length == 0 {
			break // malformed table; stop rather than loop forever.
		}

		switch entry.Type {
		case table.MADTEntryTypeLocalAPIC:
			lapic := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(ptr + 2))
			drv.localAPICs = append(drv.localAPICs, LocalAPICInfo{
				ProcessorID: lapic.ProcessorID,
				APICID:      lapic.APICID,
				Enabled:     lapic.Flags&1 != 0,
			})
		case table.MADTEntryTypeIOAPIC:
			ioapic := (*table.MADTEntryIOAPIC)(unsafe.Pointer(ptr + 2))
			drv.ioAPICs = append(drv.ioAPICs, IOAPICInfo{
				APICID:           ioapic.APICID,
				Address:          ioapic.Address,
				SysInterruptBase: ioapic.SysInterruptBase,
			})
		}

		ptr += uintptr(entry.Length)
	}
}

// enumerateTables detects and maps all ACPI tables that are present. Besides
// the table list defined by the RSDP, this method will also peek into the
// FADT (if found) looking for the address of DSDT.
func (drv *acpiDriver) enumerateTables(w io.Writer) *kernel.Error {
	header, sizeofHeader, err := readACPITable(drv.rsdtAddr)
	if err != nil {
		return err
	}

	drv.tableMap = make(map[string]*table.SDTHeader)

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
	)

	// RSDT uses 4-byte long pointers whereas the XSDT uses 8-byte long.
	switch drv.useXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		if header, _, err = readACPITable(addr); err != nil {
			switch err {
			case errTableChecksumMismatch:
				kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
					string(header.Signature[:]),
					uintptr(unsafe.Pointer(header)),
					header.Length,
				)
				continue
			default:
				return err
			}
		}

		signature := string(header.Signature[:])
		drv.tableMap[signature] = header

		// The FADT allows us to lookup the DSDT table address.
		if signature == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(header))

			dsdtAddr := uintptr(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus {
				dsdtAddr = uintptr(fadt.Ext.Dsdt)
			}

			if header, _, err = readACPITable(dsdtAddr); err != nil {
				switch err {
				case errTableChecksumMismatch:
					kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
						string(header.Signature[:]),
						uintptr(unsafe.Pointer(header)),
						header.Length,
					)
					continue
				default:
					return err
				}
			}

			drv.tableMap[string(header.Signature[:])] = header
		}
	}

	return nil
}

// readACPITable parses the header for the ACPI table starting at the given
// physical address and verifies its checksum before returning a pointer to
// it. The kernel's identity mapping means the physical address can be read
// directly; no separate page mapping step is required.
func readACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})
	header = (*table.SDTHeader)(unsafe.Pointer(tableAddr))

	if !validTable(tableAddr, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// locateRSDT scans the memory region [rsdpLocationLow, rsdpLocationHi] looking
// for the signature of the root system descriptor pointer (RSDP). If the RSDP
// is found and is valid, locateRSDT returns the physical address of the root
// system descriptor table (RSDT) or the extended system descriptor table (XSDT)
// if the system supports ACPI 2.0+.
func locateRSDT() (uintptr, bool, *kernel.Error) {
	var (
		rsdp  *table.RSDPDescriptor
		rsdp2 *table.ExtRSDPDescriptor
	)

	// The RSDP should be aligned on a 16-byte boundary.
checkNextBlock:
	for curPtr := rsdpLocationLow; curPtr < rsdpLocationHi; curPtr += rsdpAlignment {
		rsdp = (*table.RSDPDescriptor)(unsafe.Pointer(curPtr))
		for i, b := range rsdpSignature {
			if rsdp.Signature[i] != b {
				continue checkNextBlock
			}
		}

		if rsdp.Revision == acpiRev1 {
			if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp))) {
				continue
			}

			return uintptr(rsdp.RSDTAddr), false, nil
		}

		// System uses ACPI revision > 1 and provides an extended RSDP
		// which can be accessed at the same place.
		rsdp2 = (*table.ExtRSDPDescriptor)(unsafe.Pointer(curPtr))
		if !validTable(curPtr, uint32(unsafe.Sizeof(*rsdp2))) {
			continue
		}

		return uintptr(rsdp2.XSDTAddr), true, nil
	}

	return 0, false, errMissingRSDP
}

// validTable calculates the checksum for an ACPI table of length tableLength
// that starts at tablePtr and returns true if the table is valid.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

func probeForACPI() device.Driver {
	if rsdtAddr, useXSDT, err := locateRSDT(); err == nil {
		return &acpiDriver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderBeforeACPI,
		Probe: probeForACPI,
	})
}
