package datastore

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignedAlloc(t *testing.T) {
	for _, size := range []int{0, 1, 7, 64, 1000} {
		buf := AlignedAlloc(size, BufferAlignment)
		require.Len(t, buf, size)
		if size > 0 {
			require.Zero(t, uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%BufferAlignment)
		}
	}
	require.Panics(t, func() { _ = AlignedAlloc(10, 12) })
}

func TestStore_AllocateLookupRelease(t *testing.T) {
	s := New(t.Name())
	_, err := s.Lookup(1)
	require.ErrorIs(t, err, ErrNotFound)

	ptr, err := s.Allocate(1, 16, Host)
	require.NoError(t, err)
	require.NotNil(t, ptr)

	loc, err := s.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, Host, loc.MemType)
	require.Equal(t, ptr, loc.Ptr)
	require.Len(t, loc.Bytes(), 16)

	// Second allocation of the same id only increments the reference count.
	ptr2, err := s.Allocate(1, 16, Host)
	require.NoError(t, err)
	require.Equal(t, ptr, ptr2)
	require.EqualValues(t, 1, s.Stats().Allocations)

	// Mismatched size is a usage error, not an allocation failure.
	_, err = s.Allocate(1, 32, Host)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAllocation)

	freed, err := s.Release(1)
	require.NoError(t, err)
	require.False(t, freed)
	freed, err = s.Release(1)
	require.NoError(t, err)
	require.True(t, freed)
	require.False(t, s.Has(1))

	_, err = s.Release(1)
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, Stats{Allocations: 1, Frees: 1}, s.Stats())
}

func TestStore_AllocationFailures(t *testing.T) {
	s := New(t.Name(), WithLimit(100))
	_, err := s.Allocate(1, 80, Host)
	require.NoError(t, err)
	_, err = s.Allocate(2, 80, Host)
	require.ErrorIs(t, err, ErrAllocation)

	// No allocator for Device memory.
	_, err = s.Allocate(3, 8, Device)
	require.ErrorIs(t, err, ErrAllocation)

	injected := errors.New("injected")
	s = New(t.Name(), WithAllocationHook(func(id DataID, size int, memType MemType) error {
		if id == 7 {
			return injected
		}
		return nil
	}))
	_, err = s.Allocate(7, 8, Host)
	require.ErrorIs(t, err, ErrAllocation)
	require.ErrorContains(t, err, "injected")
	_, err = s.Allocate(8, 8, Host)
	require.NoError(t, err)
}

func TestStore_CopyBetween(t *testing.T) {
	s := New(t.Name())
	_, err := s.Allocate(1, 4, Host)
	require.NoError(t, err)
	_, err = s.Allocate(2, 4, Host)
	require.NoError(t, err)
	src, _ := s.Lookup(1)
	dst, _ := s.Lookup(2)
	copy(src.Bytes(), []byte{1, 2, 3, 4})
	require.NoError(t, s.CopyBetween(dst, src, 4))
	require.Equal(t, []byte{1, 2, 3, 4}, dst.Bytes())
	require.Error(t, s.CopyBetween(dst, src, 5))

	// Device memory without a copier fails.
	require.Error(t, s.CopyBetween(Location{MemType: Device, Ptr: dst.Ptr, Size: 4}, src, 4))

	var called int
	s = New(t.Name(), WithDeviceCopier(func(dst, src Location, size int) error {
		called++
		copy(dst.Bytes()[:size], src.Bytes()[:size])
		return nil
	}))
	require.NoError(t, s.CopyBetween(Location{MemType: Device, Ptr: dst.Ptr, Size: 4}, src, 4))
	require.Equal(t, 1, called)
	require.EqualValues(t, 1, s.Stats().Copies)
}

func TestStore_Concurrent(t *testing.T) {
	s := New(t.Name())
	const numGoroutines = 16
	var wg sync.WaitGroup
	for ii := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := DataID(ii % 4)
			_, err := s.Allocate(id, 8, Host)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	stats := s.Stats()
	require.Equal(t, 4, stats.Entries)
	require.EqualValues(t, 4, stats.Allocations)
	require.NoError(t, s.ReleaseAll())
	require.Zero(t, s.Stats().Entries)
	require.Zero(t, s.Stats().BytesInUse)
}
