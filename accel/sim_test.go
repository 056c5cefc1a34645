package accel

import (
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestSim_Memory(t *testing.T) {
	sim := NewSim(WithSimDevices(2), WithSimMemory(100))
	require.Equal(t, 2, sim.NumDevices())
	require.Equal(t, "sim", sim.Name())

	ptr, err := sim.Malloc(0, 60)
	require.NoError(t, err)
	_, err = sim.Malloc(0, 60)
	require.Error(t, err, "device 0 should be out of memory")
	_, err = sim.Malloc(1, 60)
	require.NoError(t, err, "device 1 has its own memory")
	_, err = sim.Malloc(2, 1)
	require.Error(t, err, "invalid ordinal")

	require.EqualValues(t, 60, sim.Stats(0).BytesInUse)
	require.NoError(t, sim.Free(0, ptr))
	require.Error(t, sim.Free(0, ptr), "double free")
	require.Zero(t, sim.Stats(0).BytesInUse)

	host := must.M1(sim.HostAlloc(8))
	copy(host, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	devPtr := must.M1(sim.Malloc(0, 8))
	require.NoError(t, sim.Memcpy(devPtr, unsafe.Pointer(&host[0]), 8))
	require.Equal(t, host, unsafe.Slice((*byte)(devPtr), 8))
}

func TestSim_StreamOrdering(t *testing.T) {
	sim := NewSim()
	stream := must.M1(sim.NewStream(0))
	defer func() { require.NoError(t, stream.Destroy()) }()

	var order []int
	for ii := range 100 {
		stream.Launch(func() error {
			order = append(order, ii)
			return nil
		})
	}
	require.NoError(t, stream.Synchronize())
	require.Len(t, order, 100)
	for ii, v := range order {
		require.Equal(t, ii, v)
	}
	require.EqualValues(t, 100, sim.Stats(0).Launches)
}

func TestSim_StickyErrors(t *testing.T) {
	sim := NewSim()
	stream := must.M1(sim.NewStream(0))
	var ranAfterError atomic.Bool
	stream.Launch(func() error { return errors.New("bad kernel") })
	stream.Launch(func() error {
		ranAfterError.Store(true)
		return nil
	})
	event := stream.Record()
	require.ErrorContains(t, event.Await(), "bad kernel")
	require.ErrorContains(t, stream.Synchronize(), "bad kernel")
	require.False(t, ranAfterError.Load(), "operations after a failure are skipped until Synchronize")

	// After Synchronize the stream is usable again.
	stream.Launch(func() error { panic("boom") })
	require.ErrorContains(t, stream.Synchronize(), "kernel panicked")
	require.NoError(t, stream.Synchronize())

	require.NoError(t, stream.Destroy())
	require.NoError(t, stream.Destroy(), "Destroy is idempotent")
	require.ErrorIs(t, stream.Synchronize(), ErrStreamDestroyed)
}

func TestSim_StreamsRunConcurrently(t *testing.T) {
	sim := NewSim()
	s1 := must.M1(sim.NewStream(0))
	s2 := must.M1(sim.NewStream(0))
	require.NotEqual(t, s1.ID(), s2.ID())

	// s1 blocks until s2 runs: only possible if they don't share an execution queue.
	release := make(chan struct{})
	s1.Launch(func() error {
		select {
		case <-release:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("timed out waiting for the other stream")
		}
	})
	s2.Launch(func() error {
		close(release)
		return nil
	})
	require.NoError(t, s2.Synchronize())
	require.NoError(t, s1.Synchronize())
	require.NoError(t, s1.Destroy())
	require.NoError(t, s2.Destroy())
}

func TestSim_BLAS(t *testing.T) {
	sim := NewSim()
	stream := must.M1(sim.NewStream(0))
	defer func() { require.NoError(t, stream.Destroy()) }()
	handle := must.M1(sim.NewBLAS(stream))
	require.Equal(t, stream, handle.Stream())

	// [2, 3] x [3, 2]
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{1, 0, 0, 1, 1, 1}
	c := make([]float32, 4)
	handle.Sgemm(2, 2, 3, 1, unsafe.Pointer(&a[0]), unsafe.Pointer(&b[0]), 0, unsafe.Pointer(&c[0]))
	require.NoError(t, stream.Synchronize())
	require.Equal(t, []float32{4, 5, 10, 11}, c)

	x := []float32{1, 2, 3}
	y := []float32{10, 20, 30}
	handle.Saxpy(3, 2, unsafe.Pointer(&x[0]), unsafe.Pointer(&y[0]))
	handle.Sscal(3, 0.5, unsafe.Pointer(&y[0]))
	require.NoError(t, stream.Synchronize())
	require.Equal(t, []float32{6, 12, 18}, y)

	require.NoError(t, handle.Destroy())
	handle.Sscal(3, 2, unsafe.Pointer(&y[0]))
	require.Error(t, stream.Synchronize())
	require.Equal(t, []float32{6, 12, 18}, y)
}

func TestEvent(t *testing.T) {
	e := newEvent()
	require.False(t, e.Done())
	require.Error(t, e.Destroy(), "pending events can't be destroyed")
	e.complete(nil)
	e.complete(errors.New("ignored"))
	require.True(t, e.Done())
	require.NoError(t, e.AwaitAndFree())
	require.Error(t, e.Await(), "destroyed")

	var nilEvent *Event
	require.Error(t, nilEvent.Await())
	require.NoError(t, nilEvent.Destroy())
}
