// Package datastore implements the buffer store used by devices: a DataID to buffer map, memory-type aware and
// reference counted.
//
// Each device owns one Store. The Store doesn't know about tasks or devices: it only allocates, looks up,
// copies and frees buffers, using an Allocator per memory type.
package datastore

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotFound is returned (wrapped) when a DataID is not held by the Store.
	ErrNotFound = errors.New("data not found in store")

	// ErrAllocation is returned (wrapped) when the Store can't allocate memory for a buffer.
	ErrAllocation = errors.New("allocation failed")
)

// Allocator provides raw memory of one memory type to a Store.
type Allocator interface {
	// Alloc returns size bytes of memory.
	Alloc(size int) (unsafe.Pointer, error)

	// Free releases memory returned by Alloc.
	Free(ptr unsafe.Pointer) error
}

// CopyFunc copies size bytes from src to dst, where at least one of them is not Host memory.
type CopyFunc func(dst, src Location, size int) error

// AllocationHook is called before every new allocation, and if it returns an error the allocation fails
// with it (wrapped as ErrAllocation).
type AllocationHook func(id DataID, size int, memType MemType) error

// Stats is a snapshot of the Store counters.
type Stats struct {
	Entries     int
	BytesInUse  int64
	Allocations int64
	Frees       int64
	Copies      int64
}

type entry struct {
	loc  Location
	refs int
}

// Store maps DataIDs to buffers. It is safe for concurrent use.
type Store struct {
	name string

	allocators map[MemType]Allocator
	copier     CopyFunc
	hook       AllocationHook
	limit      int64

	mu      sync.Mutex
	entries map[DataID]*entry
	stats   Stats
}

// Option configures a Store at construction.
type Option func(s *Store)

// WithAllocator sets the allocator used for memType.
// By default, only Host memory is available, with a HostAllocator.
func WithAllocator(memType MemType, allocator Allocator) Option {
	return func(s *Store) {
		s.allocators[memType] = allocator
	}
}

// WithDeviceCopier sets the function used by CopyBetween when either side is not in Host memory.
func WithDeviceCopier(copier CopyFunc) Option {
	return func(s *Store) {
		s.copier = copier
	}
}

// WithLimit sets the maximum number of bytes the Store will hold. 0 means no limit.
func WithLimit(bytes int64) Option {
	return func(s *Store) {
		s.limit = bytes
	}
}

// WithAllocationHook sets a hook called before each new allocation. Mostly used for testing failures.
func WithAllocationHook(hook AllocationHook) Option {
	return func(s *Store) {
		s.hook = hook
	}
}

// New creates a Store. The name is only used for logging and error messages.
func New(name string, options ...Option) *Store {
	s := &Store{
		name:       name,
		allocators: map[MemType]Allocator{Host: HostAllocator{}},
		entries:    make(map[DataID]*entry),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("Store[%s]", s.name)
}

// Lookup returns the location of the buffer for id, or an error wrapping ErrNotFound.
func (s *Store) Lookup(id DataID) (Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[id]
	if !found {
		return Location{}, errors.Wrapf(ErrNotFound, "%s: data #%d", s, id)
	}
	return e.loc, nil
}

// Has returns whether the Store holds a buffer for id.
func (s *Store) Has(id DataID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.entries[id]
	return found
}

// Allocate returns a buffer of size bytes in memType for id.
//
// If id is already held with the same memory type and size, its reference count is incremented and the
// existing pointer is returned. Failures to allocate are returned wrapping ErrAllocation.
func (s *Store) Allocate(id DataID, size int, memType MemType) (unsafe.Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, found := s.entries[id]; found {
		if e.loc.MemType != memType || e.loc.Size != size {
			return nil, errors.Errorf("%s: data #%d already allocated as %s, can't allocate it again with %d bytes in %s",
				s, id, e.loc, size, memType)
		}
		e.refs++
		return e.loc.Ptr, nil
	}

	allocator, found := s.allocators[memType]
	if !found {
		return nil, errors.Wrapf(ErrAllocation, "%s: no allocator for %s memory (data #%d)", s, memType, id)
	}
	if s.limit > 0 && s.stats.BytesInUse+int64(size) > s.limit {
		return nil, errors.Wrapf(ErrAllocation, "%s: out of memory allocating %d bytes for data #%d (%d of %d bytes in use)",
			s, size, id, s.stats.BytesInUse, s.limit)
	}
	if s.hook != nil {
		if err := s.hook(id, size, memType); err != nil {
			return nil, errors.Wrapf(ErrAllocation, "%s: allocating data #%d: %v", s, id, err)
		}
	}
	ptr, err := allocator.Alloc(size)
	if err != nil {
		return nil, errors.Wrapf(ErrAllocation, "%s: allocating %d bytes of %s memory for data #%d: %v", s, size, memType, id, err)
	}
	s.entries[id] = &entry{loc: Location{MemType: memType, Ptr: ptr, Size: size}, refs: 1}
	s.stats.BytesInUse += int64(size)
	s.stats.Allocations++
	klog.V(3).Infof("%s: allocated data #%d, %d bytes of %s memory", s, id, size, memType)
	return ptr, nil
}

// Release decrements the reference count of id, and frees the buffer when it reaches zero, in which case
// it returns freed=true. It returns an error wrapping ErrNotFound if id is not held.
func (s *Store) Release(id DataID) (freed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[id]
	if !found {
		return false, errors.Wrapf(ErrNotFound, "%s: releasing data #%d", s, id)
	}
	e.refs--
	if e.refs > 0 {
		return false, nil
	}
	return true, s.freeLocked(id, e)
}

// freeLocked removes the entry and returns its memory to the allocator. s.mu must be held.
func (s *Store) freeLocked(id DataID, e *entry) error {
	delete(s.entries, id)
	s.stats.BytesInUse -= int64(e.loc.Size)
	s.stats.Frees++
	allocator := s.allocators[e.loc.MemType]
	if allocator == nil {
		return nil
	}
	if err := allocator.Free(e.loc.Ptr); err != nil {
		return errors.WithMessagef(err, "%s: freeing data #%d", s, id)
	}
	klog.V(3).Infof("%s: freed data #%d", s, id)
	return nil
}

// ReleaseAll frees every buffer, regardless of its reference count.
// Errors are logged, and the first one is returned.
func (s *Store) ReleaseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, e := range s.entries {
		if err := s.freeLocked(id, e); err != nil {
			klog.Errorf("%+v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CopyBetween copies size bytes from src to dst.
//
// Host to Host copies are done directly, anything else requires a copier configured with WithDeviceCopier.
func (s *Store) CopyBetween(dst, src Location, size int) error {
	if size > dst.Size || size > src.Size {
		return errors.Errorf("%s: can't copy %d bytes from %s to %s", s, size, src, dst)
	}
	if size == 0 {
		return nil
	}
	if dst.MemType == Host && src.MemType == Host {
		copy(dst.Bytes()[:size], src.Bytes()[:size])
	} else {
		if s.copier == nil {
			return errors.Errorf("%s: no copier configured to copy from %s to %s", s, src.MemType, dst.MemType)
		}
		if err := s.copier(dst, src, size); err != nil {
			return errors.WithMessagef(err, "%s: copying %d bytes from %s to %s", s, size, src, dst)
		}
	}
	s.mu.Lock()
	s.stats.Copies++
	s.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the Store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Entries = len(s.entries)
	return stats
}
