// Package block defines the generic block-device capability spec.md §4.5
// builds the USTAR filesystem on top of: three operations (read, write,
// flush) addressed by block index, each able to start mid-block via a byte
// offset into the first block. The teacher has no storage stack of its own;
// this package follows its device.Driver shape (a small capability
// interface plus a concrete struct implementing it) for a new concern.
package block

import "coreos/kernel"

// Device is the capability a block storage backend (RAM disk, eventually a
// real disk controller) exposes to the filesystem layer above it.
type Device interface {
	// BlockSize returns the device's native block size in bytes.
	BlockSize() uint32

	// ReadBlocks reads byteCount bytes starting firstBlockOffset bytes
	// into block blockID into buf.
	ReadBlocks(blockID uint32, buf []byte, byteCount uint32, firstBlockOffset uint32) *kernel.Error

	// WriteBlocks writes byteCount bytes from buf starting
	// firstBlockOffset bytes into block blockID.
	WriteBlocks(blockID uint32, buf []byte, byteCount uint32, firstBlockOffset uint32) *kernel.Error

	// FlushBlocks commits any buffered writes covering blockID through
	// blockID plus the blocks byteCount spans.
	FlushBlocks(blockID uint32, byteCount uint32, firstBlockOffset uint32) *kernel.Error
}
