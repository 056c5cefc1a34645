package datastore

import (
	"fmt"
	"unsafe"
)

// DataID is an opaque, globally unique, identifier of a unit of data (a tensor/buffer).
// It is assigned externally: the device layer never creates one.
type DataID uint64

// MemType is where a buffer physically lives.
type MemType int

const (
	// Host memory, directly addressable by the CPU.
	Host MemType = iota

	// Device memory, owned by an accelerator and only reachable through it.
	Device
)

// String implements fmt.Stringer.
func (m MemType) String() string {
	switch m {
	case Host:
		return "Host"
	case Device:
		return "Device"
	default:
		return fmt.Sprintf("MemType(%d)", int(m))
	}
}

// Location is a non-owning view of a buffer: its memory type, raw pointer and size in bytes.
//
// The memory is owned by the Store that returned it, and the view is only valid while the Store holds the
// buffer: it must not be used after the corresponding Store.Release frees it (e.g., after a
// Device.FreeDataIfExist).
type Location struct {
	MemType MemType
	Ptr     unsafe.Pointer
	Size    int
}

// String implements fmt.Stringer.
func (l Location) String() string {
	return fmt.Sprintf("%s@%p[%d bytes]", l.MemType, l.Ptr, l.Size)
}

// Bytes returns the buffer as a byte slice.
//
// It is only meaningful for memory addressable from the host: Host memory, or Device memory of
// accelerators that are simulated in host memory (see package accel).
// Ownership is not transferred.
func (l Location) Bytes() []byte {
	if l.Ptr == nil || l.Size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(l.Ptr), l.Size)
}
