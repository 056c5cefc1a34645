// Package accel defines the accelerator API used by GPU devices: device memory, ordered execution streams,
// linear-algebra (BLAS) handles bound to a stream, and events.
//
// Only a simulated accelerator is provided (see NewSim): it runs streams on goroutines and keeps "device memory"
// in Go managed memory, so GPU devices and their stream/transfer protocol can be exercised without hardware.
// Native backends implement the same interfaces.
package accel

import (
	"unsafe"
)

// Accelerator gives access to the physical accelerators of one kind installed in the machine.
type Accelerator interface {
	// Name of the accelerator platform, e.g.: "sim".
	Name() string

	// NumDevices returns the number of physical devices, addressed by their ordinal in [0, NumDevices).
	NumDevices() int

	// Malloc allocates size bytes of memory on the device with the given ordinal.
	Malloc(ordinal int, size int) (unsafe.Pointer, error)

	// Free releases memory allocated with Malloc.
	Free(ordinal int, ptr unsafe.Pointer) error

	// HostAlloc allocates pinned (page-locked) host memory, used as staging area for transfers.
	HostAlloc(size int) ([]byte, error)

	// Memcpy synchronously copies size bytes from src to dst, in any direction (host or device memory).
	Memcpy(dst, src unsafe.Pointer, size int) error

	// NewStream creates a new execution stream on the device with the given ordinal.
	NewStream(ordinal int) (Stream, error)

	// NewBLAS creates a linear-algebra handle whose operations are issued on the given stream.
	NewBLAS(stream Stream) (BLAS, error)
}

// Stream is an ordered queue of asynchronous operations on one device.
//
// Operations issued on the same stream execute in issue order; operations on different streams may run
// concurrently. Errors are sticky: the first error of an operation is returned by the next Synchronize (or
// by the Event that follows it).
type Stream interface {
	// ID uniquely identifies the stream within the process.
	ID() int

	// Ordinal of the device the stream was created on.
	Ordinal() int

	// MemcpyAsync enqueues a copy of size bytes from src to dst.
	MemcpyAsync(dst, src unsafe.Pointer, size int)

	// Launch enqueues a kernel.
	Launch(kernel func() error)

	// Record enqueues an Event that completes when every operation issued before it is done.
	Record() *Event

	// Synchronize blocks until every operation issued so far is done, and returns the first error, if any.
	Synchronize() error

	// Destroy waits for pending operations and releases the stream. It is a no-op if already destroyed.
	Destroy() error
}

// BLAS is a linear-algebra handle, bound to one Stream for its lifetime.
// Matrices are dense float32 in row-major order.
type BLAS interface {
	// Stream the handle issues its operations on.
	Stream() Stream

	// Sgemm enqueues c = alpha * a x b + beta * c, with a of shape [m, k], b of shape [k, n] and c of shape [m, n].
	Sgemm(m, n, k int, alpha float32, a, b unsafe.Pointer, beta float32, c unsafe.Pointer)

	// Saxpy enqueues y = alpha * x + y, for vectors of n elements.
	Saxpy(n int, alpha float32, x, y unsafe.Pointer)

	// Sscal enqueues x = alpha * x, for a vector of n elements.
	Sscal(n int, alpha float32, x unsafe.Pointer)

	// Destroy releases the handle. It is a no-op if already destroyed.
	Destroy() error
}
