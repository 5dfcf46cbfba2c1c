package ustar

import (
	"coreos/device/block"
	"coreos/kernel"
)

// nowFn supplies the value written into a modified file's mtime field.
// Defaulting to a constant keeps this package free of a direct dependency
// on kernel/sched; a real clock can be wired in with SetClock (kmain does
// not call it, so mtime stays 0), the same *Fn-substitution idiom
// kernel/cpu and kernel/sched use for their own arch/scheduler seams.
var nowFn = func() uint64 { return 0 }

// SetClock installs the function used to stamp mtime on writes.
func SetClock(fn func() uint64) {
	nowFn = fn
}

// Partition is a mounted USTAR archive living on a block.Device, starting
// firstBlock device-blocks into it.
type Partition struct {
	dev        block.Device
	devBlock   uint32
	firstBlock uint32
}

// Mount validates that dev's block size is compatible with the 512-byte
// USTAR unit (a divisor or a multiple of 512) and returns a handle for
// opening files. firstBlock is the device-block offset of the archive's
// first header.
func Mount(dev block.Device, firstBlock uint32) (*Partition, *kernel.Error) {
	bs := dev.BlockSize()
	if bs == 0 || (blockSize%bs != 0 && bs%blockSize != 0) {
		return nil, kernel.NewError("ustar", kernel.AlignError, "device block size incompatible with 512-byte ustar units")
	}

	return &Partition{dev: dev, devBlock: bs, firstBlock: firstBlock}, nil
}

// Umount releases the partition. There is no cached state to flush; every
// operation writes through to the device immediately.
func (p *Partition) Umount() *kernel.Error {
	return nil
}

// addr translates a 512-byte archive unit index (a header block or a data
// block, both addressed the same way) into a device block id and in-block
// byte offset (spec.md §4.5 "Addressing").
func (p *Partition) addr(unitIdx uint32) (devBlockID uint32, offset uint32) {
	absByte := unitIdx * blockSize
	devBlockID = p.firstBlock + absByte/p.devBlock
	offset = absByte % p.devBlock
	return
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// readHeader reads the 512-byte header at archive unit index unit.
func (p *Partition) readHeader(unit uint32) (*header, *kernel.Error) {
	var h header
	devBlockID, offset := p.addr(unit)
	if err := p.dev.ReadBlocks(devBlockID, h[:], blockSize, offset); err != nil {
		return nil, err
	}
	return &h, nil
}

func (p *Partition) writeHeader(unit uint32, h *header) *kernel.Error {
	devBlockID, offset := p.addr(unit)
	return p.dev.WriteBlocks(devBlockID, h[:], blockSize, offset)
}

// nextUnit returns the archive unit index of the entry that follows the
// one described by h, starting at unit: "1 + ceil(size / 512)" units later.
func nextUnit(unit uint32, h *header) (uint32, *kernel.Error) {
	size, err := h.fileSize()
	if err != nil {
		return 0, err
	}
	return unit + 1 + ceilDiv(size, blockSize), nil
}

// errWrongMagic reports a header that failed the "ustar " magic check.
var errWrongMagic = kernel.NewError("ustar", kernel.WrongPartitionType, "")
var errFileNotFound = kernel.NewError("ustar", kernel.FileNotFound, "")

// resolve performs the linear path-resolution scan described in spec.md
// §4.5: starting at archive unit 0, compare each live header's full path
// against path, skipping deleted (but not yet EOF) slots.
func (p *Partition) resolve(path string) (unit uint32, h *header, err *kernel.Error) {
	unit = 0
	for {
		h, err = p.readHeader(unit)
		if err != nil {
			return 0, nil, err
		}

		if h.isZero() {
			return 0, nil, errFileNotFound
		}

		if !h.isDeleted() {
			if !h.validMagic() {
				return 0, nil, errWrongMagic
			}
			if h.fullPath() == path {
				return unit, h, nil
			}
		}

		unit, err = nextUnit(unit, h)
		if err != nil {
			return 0, nil, err
		}
	}
}

// VnodeType classifies what an open Vnode refers to.
type VnodeType uint8

const (
	VnodeFile VnodeType = iota
	VnodeDir
	VnodeOther
)

func vnodeTypeOf(flag byte) VnodeType {
	switch flag {
	case TypeFile, typeFileAlt:
		return VnodeFile
	case TypeDir:
		return VnodeDir
	default:
		return VnodeOther
	}
}

// Vnode is an open handle to one USTAR entry.
type Vnode struct {
	partition *Partition
	unit      uint32
	vtype     VnodeType
	size      uint32
	cursor    uint32
}

// Open resolves path and returns a handle to it.
func (p *Partition) Open(path string) (*Vnode, *kernel.Error) {
	unit, h, err := p.resolve(path)
	if err != nil {
		return nil, err
	}

	size, err := h.fileSize()
	if err != nil {
		return nil, err
	}

	return &Vnode{
		partition: p,
		unit:      unit,
		vtype:     vnodeTypeOf(h.typeFlag()),
		size:      size,
	}, nil
}

// Close releases v. USTAR vnodes carry no cached state to flush.
func (v *Vnode) Close() *kernel.Error {
	v.partition = nil
	return nil
}

// Read copies up to size bytes starting at v's cursor into buf, advancing
// the cursor by the number of bytes actually read.
func (v *Vnode) Read(buf []byte, size uint32) (uint32, *kernel.Error) {
	if v.vtype != VnodeFile {
		return 0, errFileNotFound
	}
	if v.cursor >= v.size {
		return 0, nil
	}
	if v.cursor+size > v.size {
		size = v.size - v.cursor
	}
	if size == 0 {
		return 0, nil
	}

	off := v.cursor % blockSize
	firstDataUnit := v.unit + 1 + v.cursor/blockSize
	numUnits := ceilDiv(off+size, blockSize)

	scratch := make([]byte, numUnits*blockSize)
	devBlockID, devOffset := v.partition.addr(firstDataUnit)
	if err := v.partition.dev.ReadBlocks(devBlockID, scratch, numUnits*blockSize, devOffset); err != nil {
		return 0, err
	}

	copy(buf[:size], scratch[off:off+size])
	v.cursor += size
	return size, nil
}

// Write overwrites up to size bytes starting at v's cursor with buf's
// contents. Writes may not grow the file; a write extending past the
// current size is clamped. The first and last touched blocks are
// read-modify-written when the write doesn't start or end on a 512-byte
// boundary; fully covered blocks in between are written directly.
func (v *Vnode) Write(buf []byte, size uint32) (uint32, *kernel.Error) {
	if v.vtype != VnodeFile {
		return 0, errFileNotFound
	}
	if v.cursor >= v.size {
		return 0, nil
	}
	if v.cursor+size > v.size {
		size = v.size - v.cursor
	}
	if size == 0 {
		return 0, nil
	}

	unit := v.unit + 1 + v.cursor/blockSize
	off := v.cursor % blockSize
	remaining := size
	srcOff := uint32(0)

	for remaining > 0 {
		writeLen := blockSize - off
		if writeLen > remaining {
			writeLen = remaining
		}

		devBlockID, devOffset := v.partition.addr(unit)

		if off != 0 || writeLen < blockSize {
			scratch := make([]byte, blockSize)
			if err := v.partition.dev.ReadBlocks(devBlockID, scratch, blockSize, devOffset); err != nil {
				return size - remaining, err
			}
			copy(scratch[off:off+writeLen], buf[srcOff:srcOff+writeLen])
			if err := v.partition.dev.WriteBlocks(devBlockID, scratch, blockSize, devOffset); err != nil {
				return size - remaining, err
			}
		} else if err := v.partition.dev.WriteBlocks(devBlockID, buf[srcOff:srcOff+writeLen], writeLen, devOffset); err != nil {
			return size - remaining, err
		}

		remaining -= writeLen
		srcOff += writeLen
		unit++
		off = 0
	}

	v.cursor += size

	h, err := v.partition.readHeader(v.unit)
	if err != nil {
		return size, err
	}
	if err := uint2oct(nowFn(), h.mtimeField()); err != nil {
		return size, err
	}
	if err := v.partition.writeHeader(v.unit, h); err != nil {
		return size, err
	}

	return size, nil
}

// Truncate shrinks the file's recorded size to newSize. It cannot grow a
// file, since tar archives have no extent map to grow into.
func (p *Partition) Truncate(path string, newSize uint32) *kernel.Error {
	unit, h, err := p.resolve(path)
	if err != nil {
		return err
	}

	curSize, err := h.fileSize()
	if err != nil {
		return err
	}
	if newSize > curSize {
		return kernel.NewError("ustar", kernel.UnauthorizedAction, "cannot grow a ustar file")
	}

	if err := uint2oct(uint64(newSize), h.sizeField()); err != nil {
		return err
	}
	return p.writeHeader(unit, h)
}

// Remove deletes path. A directory may only be removed if it is empty.
func (p *Partition) Remove(path string) *kernel.Error {
	unit, h, err := p.resolve(path)
	if err != nil {
		return err
	}

	if vnodeTypeOf(h.typeFlag()) == VnodeDir {
		count, err := p.countChildren(path)
		if err != nil {
			return err
		}
		if count > 0 {
			return kernel.NewError("ustar", kernel.DirNotEmpty, "")
		}
	}

	h.name()[0] = 0
	return p.writeHeader(unit, h)
}

// countChildren counts live entries whose path begins with dirPath and is
// longer than it (used by Remove to refuse deleting a non-empty directory).
func (p *Partition) countChildren(dirPath string) (int, *kernel.Error) {
	count := 0
	unit := uint32(0)
	for {
		h, err := p.readHeader(unit)
		if err != nil {
			return 0, err
		}
		if h.isZero() {
			return count, nil
		}
		if !h.isDeleted() {
			full := h.fullPath()
			if len(full) > len(dirPath) && full[:len(dirPath)] == dirPath {
				count++
			}
		}
		unit, err = nextUnit(unit, h)
		if err != nil {
			return 0, err
		}
	}
}

// Rename moves oldPath to newPath. Renaming a directory recursively
// updates every entry whose path begins with the old prefix.
func (p *Partition) Rename(oldPath, newPath string) *kernel.Error {
	unit, h, err := p.resolve(oldPath)
	if err != nil {
		return err
	}

	if vnodeTypeOf(h.typeFlag()) != VnodeDir {
		if len(newPath) > nameLen-1 {
			return kernel.NewError("ustar", kernel.NameTooLong, "")
		}
		clearField(h.name())
		copy(h.name(), newPath)
		return p.writeHeader(unit, h)
	}

	return p.renameTree(oldPath, newPath)
}

func (p *Partition) renameTree(oldPrefix, newPrefix string) *kernel.Error {
	unit := uint32(0)
	for {
		h, err := p.readHeader(unit)
		if err != nil {
			return err
		}
		if h.isZero() {
			return nil
		}

		if !h.isDeleted() {
			full := h.fullPath()
			if len(full) >= len(oldPrefix) && full[:len(oldPrefix)] == oldPrefix {
				renamed := newPrefix + full[len(oldPrefix):]
				if len(renamed) > nameLen-1 {
					return kernel.NewError("ustar", kernel.NameTooLong, "")
				}
				clearField(h.prefix())
				clearField(h.name())
				copy(h.name(), renamed)
				if err := p.writeHeader(unit, h); err != nil {
					return err
				}
			}
		}

		unit, err = nextUnit(unit, h)
		if err != nil {
			return err
		}
	}
}

func clearField(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// List emits the NUL-delimited basenames of every live entry whose parent
// path equals dirPath into buf, returning the number of items written.
func (p *Partition) List(dirPath string, buf []byte) (int, *kernel.Error) {
	count := 0
	pos := 0
	unit := uint32(0)

	for {
		h, err := p.readHeader(unit)
		if err != nil {
			return 0, err
		}
		if h.isZero() {
			return count, nil
		}

		if !h.isDeleted() {
			full := h.fullPath()
			if parent, base := splitPath(full); parent == dirPath {
				if pos+len(base)+1 > len(buf) {
					return 0, kernel.NewError("ustar", kernel.OutOfBound, "")
				}
				copy(buf[pos:], base)
				pos += len(base)
				buf[pos] = 0
				pos++
				count++
			}
		}

		unit, err = nextUnit(unit, h)
		if err != nil {
			return 0, err
		}
	}
}

// splitPath splits a full ustar path into its parent directory and
// basename, the way list-directory needs to match entries against a
// target directory.
func splitPath(full string) (parent, base string) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '/' {
			return full[:i], full[i+1:]
		}
	}
	return "", full
}
