// Package ramdisk implements device/block.Device over a memory-mapped
// region: the linked initrd image plus a 512-byte master block describing
// it (spec.md §6 "RAM-disk master block"). There is no teacher precedent
// for a storage driver; this is grounded on the block device capability
// this spec defines and the teacher's device.Driver idiom of a small struct
// wrapping a raw memory region (reads and writes are plain slice copies
// over that region).
package ramdisk

import (
	"coreos/device/block"
	"coreos/kernel"
	"unsafe"
)

const (
	masterBlockSize = 512
	magicOffset     = 0
	sizeOffset      = 8

	blockSize uint32 = 512
)

var (
	magic = [8]byte{'U', 'T', 'K', 'I', 'N', 'I', 'R', 'D'}

	errBadMagic   = &kernel.Error{Module: "ramdisk", Message: "invalid ramdisk magic"}
	errOutOfBound = kernel.NewError("ramdisk", kernel.OutOfBound, "")
)

var _ block.Device = (*RAMDisk)(nil)

// RAMDisk is a block.Device backed by a fixed memory region: a 512-byte
// master block followed by the archive payload.
type RAMDisk struct {
	base    uintptr
	imgSize uint32
}

// New wraps the memory region starting at base, validating the master
// block's magic and recovering the image size it records.
func New(base uintptr) (*RAMDisk, *kernel.Error) {
	header := (*[masterBlockSize]byte)(unsafe.Pointer(base))

	for i, b := range magic {
		if header[magicOffset+i] != b {
			return nil, errBadMagic
		}
	}

	imgSize := *(*uint32)(unsafe.Pointer(base + sizeOffset))

	return &RAMDisk{base: base, imgSize: imgSize}, nil
}

// BlockSize returns the device's block size (always 512 for this driver).
func (r *RAMDisk) BlockSize() uint32 {
	return blockSize
}

// dataAddr returns the physical address byteCount bytes worth of access at
// blockID/firstBlockOffset would begin at, or an error if any part of the
// access would fall outside the backing image.
func (r *RAMDisk) dataAddr(blockID uint32, byteCount uint32, firstBlockOffset uint32) (uintptr, *kernel.Error) {
	start := uint64(blockID)*uint64(blockSize) + uint64(firstBlockOffset)
	end := start + uint64(byteCount)

	if end > uint64(r.imgSize) {
		return 0, errOutOfBound
	}

	return r.base + masterBlockSize + uintptr(start), nil
}

// ReadBlocks copies byteCount bytes starting firstBlockOffset bytes into
// blockID into buf.
func (r *RAMDisk) ReadBlocks(blockID uint32, buf []byte, byteCount uint32, firstBlockOffset uint32) *kernel.Error {
	addr, err := r.dataAddr(blockID, byteCount, firstBlockOffset)
	if err != nil {
		return err
	}

	src := (*[1 << 30]byte)(unsafe.Pointer(addr))[:byteCount:byteCount]
	copy(buf, src)
	return nil
}

// WriteBlocks copies byteCount bytes from buf into the device starting
// firstBlockOffset bytes into blockID.
func (r *RAMDisk) WriteBlocks(blockID uint32, buf []byte, byteCount uint32, firstBlockOffset uint32) *kernel.Error {
	addr, err := r.dataAddr(blockID, byteCount, firstBlockOffset)
	if err != nil {
		return err
	}

	dst := (*[1 << 30]byte)(unsafe.Pointer(addr))[:byteCount:byteCount]
	copy(dst, buf)
	return nil
}

// FlushBlocks is a no-op: writes land directly in memory.
func (r *RAMDisk) FlushBlocks(blockID uint32, byteCount uint32, firstBlockOffset uint32) *kernel.Error {
	return nil
}
