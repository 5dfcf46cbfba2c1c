package ramdisk

import (
	"testing"
	"unsafe"
)

func newTestImage(t *testing.T, payloadSize int) (*RAMDisk, []byte) {
	t.Helper()
	buf := make([]byte, masterBlockSize+payloadSize)
	copy(buf[magicOffset:], magic[:])
	*(*uint32)(unsafe.Pointer(&buf[sizeOffset])) = uint32(payloadSize)

	rd, err := New(uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rd, buf
}

func TestNewRejectsBadMagic(t *testing.T) {
	buf := make([]byte, masterBlockSize)
	if _, err := New(uintptr(unsafe.Pointer(&buf[0]))); err == nil {
		t.Fatal("expected error for missing magic")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	rd, buf := newTestImage(t, 4*int(blockSize))

	payload := []byte("hello, ramdisk")
	if err := rd.WriteBlocks(1, payload, uint32(len(payload)), 10); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}

	got := make([]byte, len(payload))
	if err := rd.ReadBlocks(1, got, uint32(len(payload)), 10); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}

	// Verify the bytes actually landed at the expected physical offset.
	want := masterBlockSize + int(blockSize) + 10
	if string(buf[want:want+len(payload)]) != string(payload) {
		t.Fatal("payload did not land at the expected physical offset")
	}
}

func TestOutOfBoundAccessFails(t *testing.T) {
	rd, _ := newTestImage(t, int(blockSize))

	buf := make([]byte, 16)
	if err := rd.ReadBlocks(0, buf, uint32(len(buf)), blockSize-8); err == nil {
		t.Fatal("expected OutOfBound reading past the image")
	}
}

func TestFlushIsNoOp(t *testing.T) {
	rd, _ := newTestImage(t, int(blockSize))
	if err := rd.FlushBlocks(0, blockSize, 0); err != nil {
		t.Fatalf("FlushBlocks: %v", err)
	}
}
