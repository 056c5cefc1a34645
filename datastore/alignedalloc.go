package datastore

// This file defines AlignedAlloc and the host Allocator built on top of it.

import (
	"fmt"
	"unsafe"
)

// BufferAlignment is the default alignment of host buffers.
const BufferAlignment = 64

// AlignedAlloc returns a zero-filled byte slice of the given size, whose first element is aligned to alignment.
//
// It over-allocates by alignment bytes and slices into the allocation: the Go garbage collector doesn't move heap
// objects, so the alignment holds for the lifetime of the slice. The returned slice capacity is capped to size.
func AlignedAlloc(size, alignment int) []byte {
	if alignment < 8 || alignment%8 != 0 {
		panic(fmt.Sprintf("AlignedAlloc: alignment must be a multiple of 8, got %d", alignment))
	}
	if size < 0 {
		panic(fmt.Sprintf("AlignedAlloc: negative size %d", size))
	}
	raw := make([]byte, size+alignment)
	start := 0
	if offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(alignment)); offset != 0 {
		start = alignment - offset
	}
	return raw[start : start+size : start+size]
}

// HostAllocator allocates aligned host memory managed by the Go runtime.
//
// Free is a no-op: the memory is reclaimed by the garbage collector once the Store drops its pointer.
type HostAllocator struct {
	// Alignment of the allocations, defaults to BufferAlignment if 0.
	Alignment int
}

var _ Allocator = HostAllocator{}

// Alloc implements Allocator.
func (h HostAllocator) Alloc(size int) (unsafe.Pointer, error) {
	alignment := h.Alignment
	if alignment == 0 {
		alignment = BufferAlignment
	}
	buf := AlignedAlloc(max(size, 1), alignment)
	return unsafe.Pointer(unsafe.SliceData(buf)), nil
}

// Free implements Allocator.
func (h HostAllocator) Free(unsafe.Pointer) error { return nil }
