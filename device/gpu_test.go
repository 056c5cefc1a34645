package device

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/devexec/accel"
	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/ops"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPUDevice_Basics(t *testing.T) {
	f := newFixture(t)
	d := must.M1(f.manager.NewGPUDevice(1, WithLanes(2)))
	require.Equal(t, "GPU device #0 (accelerator 1)", d.Name())
	require.Equal(t, datastore.Device, d.MemType())
	require.Equal(t, 1, d.Ordinal())
	require.Equal(t, 2, d.Lanes())
	require.EqualValues(t, 2, f.sim.Stats(1).Streams)

	x := f32(1, 2, 2)
	f.mustRun(t, d, ops.Fill(1, x, 2))
	y := f32(2, 2, 2)
	f.mustRun(t, d, ops.MatMul(2, x.At(d.ID()), x.At(d.ID()), y))
	memType, _, err := d.GetPtr(y.ID)
	require.NoError(t, err)
	require.Equal(t, datastore.Device, memType)
	require.Equal(t, []float32{8, 8, 8, 8}, read(t, d, y.ID, 4))
	require.EqualValues(t, 2*y.Size(), f.sim.Stats(1).BytesInUse)

	require.NoError(t, d.Close())
	require.Zero(t, f.sim.Stats(1).Streams, "streams must be destroyed on Close")
	require.Zero(t, f.sim.Stats(1).BytesInUse, "buffers must be freed on Close")

	_, err = f.manager.NewGPUDevice(2)
	require.Error(t, err, "invalid ordinal")
	_, err = NewGPUDevice(100, nil, 0, f.registry, f.recorder, f.manager)
	require.Error(t, err, "no accelerator")
}

func TestGPUDevice_GetPtrOfRemoteData(t *testing.T) {
	f := newFixture(t)
	cpu := must.M1(f.manager.NewCPUDevice(WithLanes(1)))
	f.mustRun(t, cpu, ops.Fill(1, f32(1, 4), 1))
	gpu := must.M1(f.manager.NewGPUDevice(0, WithExecutor(&heldExecutor{})))
	require.NoError(t, f.registry.Register(ops.Scale(2, f32(1, 4).At(cpu.ID()), f32(2, 4), 1)))
	gpu.PushTask(2)
	require.True(t, gpu.IsRemote(1))

	// GPU devices never fetch on GetPtr.
	_, _, err := gpu.GetPtr(1)
	require.ErrorIs(t, err, datastore.ErrNotFound)
	kind, _ := KindOf(err)
	require.Equal(t, NotFoundError, kind)
	require.True(t, gpu.IsRemote(1))
	require.Zero(t, gpu.Stats().Transfers)
}

func TestGPUDevice_LaneIsolation(t *testing.T) {
	f := newFixture(t)
	const numTasks = 4

	type hookCall struct {
		lane  int
		task  ops.TaskID
		start bool
	}
	var hookMu sync.Mutex
	var calls []hookCall
	d := must.M1(f.manager.NewGPUDevice(0, WithLanes(numTasks), WithLaneHook(func(lane int, task ops.TaskID, start bool) {
		hookMu.Lock()
		defer hookMu.Unlock()
		calls = append(calls, hookCall{lane, task, start})
	})))

	// Each body waits until all tasks are running, so they must be on distinct lanes.
	var barrier sync.WaitGroup
	barrier.Add(numTasks)
	lanes := make([]int, numTasks)
	streams := make([]int, numTasks)
	for ii := range numTasks {
		task := ops.Fill(ops.TaskID(1+ii), f32(datastore.DataID(1+ii), 8), float32(ii))
		fill := task.GPU
		task.GPU = func(ctx *ops.Context) error {
			barrier.Done()
			barrier.Wait()
			lanes[ii] = ctx.Lane
			streams[ii] = ctx.Stream.ID()
			assert.Same(t, ctx.Stream, ctx.BLAS.Stream())
			return fill(ctx)
		}
		require.NoError(t, f.registry.Register(task))
	}
	for ii := range numTasks {
		d.PushTask(ops.TaskID(1 + ii))
	}
	notifications, err := f.recorder.Wait(numTasks, timeout)
	require.NoError(t, err)
	for _, n := range notifications {
		require.False(t, n.Failed, "%+v", n.Err)
	}

	laneStreams := d.LaneStreams()
	seenLanes := make(map[int]bool)
	seenStreams := make(map[int]bool)
	for ii := range numTasks {
		require.False(t, seenLanes[lanes[ii]], "lane %d used twice", lanes[ii])
		require.False(t, seenStreams[streams[ii]], "stream %d used twice", streams[ii])
		seenLanes[lanes[ii]], seenStreams[streams[ii]] = true, true
		require.Equal(t, laneStreams[lanes[ii]].ID(), streams[ii], "task %d: stream not bound to its lane", ii)
		require.Equal(t, []float32{float32(ii)}, read(t, d, datastore.DataID(1+ii), 8)[7:])
	}

	// Closing joins the lanes, so every hook call is done.
	require.NoError(t, d.Close())
	hookMu.Lock()
	defer hookMu.Unlock()
	require.Len(t, calls, 2*numTasks)
	for _, call := range calls {
		if call.start {
			require.Equal(t, lanes[call.task-1], call.lane)
		}
	}
}

func TestGPUDevice_StreamErrorsDontLeakAcrossTasks(t *testing.T) {
	f := newFixture(t)
	d := must.M1(f.manager.NewGPUDevice(0, WithLanes(1)))

	n := f.run(t, d, &ops.Task{ID: 1, Name: "FailingKernel", GPU: func(ctx *ops.Context) error {
		ctx.Stream.Launch(func() error { return errors.New("kernel failed") })
		return nil
	}})
	require.True(t, n.Failed)
	require.Equal(t, ExecutionError, n.Kind)
	require.ErrorContains(t, n.Err, "kernel failed")

	n = f.run(t, d, &ops.Task{ID: 2, Name: "PanickingBody", GPU: func(ctx *ops.Context) error {
		ctx.Stream.Launch(func() error { return errors.New("never reported") })
		panic("boom")
	}})
	require.Equal(t, ExecutionError, n.Kind)
	require.ErrorContains(t, n.Err, "boom")

	// The same lane and stream serve the next task without the previous errors.
	f.mustRun(t, d, ops.Fill(3, f32(1, 4), 1))
}

func TestDevice_EndToEnd(t *testing.T) {
	f := newFixture(t)
	a := must.M1(f.manager.NewCPUDevice(WithLanes(2)))
	b := must.M1(f.manager.NewGPUDevice(0, WithLanes(2)))

	// T1 on A produces x, T2 on B consumes it.
	x, y := f32(1, 8), f32(2, 8)
	f.mustRun(t, a, ops.Fill(1, x, 1.5))
	require.True(t, a.IsLocal(x.ID))

	f.mustRun(t, b, ops.Scale(2, x.At(a.ID()), y, 2))
	n := f.recorder.Notifications()
	require.Equal(t, Notification{Device: b.ID(), Task: 2}, n[len(n)-1])
	require.True(t, b.IsLocal(x.ID), "x must be local on B once T2 completes")
	require.False(t, b.IsRemote(x.ID))
	require.Equal(t, []float32{1.5, 1.5, 1.5, 1.5, 1.5, 1.5, 1.5, 1.5}, read(t, b, x.ID, 8))
	require.Equal(t, []float32{3, 3, 3, 3, 3, 3, 3, 3}, read(t, b, y.ID, 8))
	require.EqualValues(t, 1, b.Stats().Transfers)
	require.EqualValues(t, x.Size(), b.Stats().BytesTransferred)

	// Host sources go through a staging buffer, dropped when the data is freed.
	b.stagingMu.Lock()
	require.Contains(t, b.staging, x.ID)
	b.stagingMu.Unlock()
	b.FreeDataIfExist(x.ID)
	b.stagingMu.Lock()
	require.NotContains(t, b.staging, x.ID)
	b.stagingMu.Unlock()

	// And back: T3 on A reads y from B, through the accelerator copier.
	z := f32(3, 8)
	f.mustRun(t, a, ops.Add(3, y.At(b.ID()), x.At(a.ID()), z))
	require.Equal(t, []float32{4.5, 4.5, 4.5, 4.5, 4.5, 4.5, 4.5, 4.5}, read(t, a, z.ID, 8))
	require.EqualValues(t, 1, a.Stats().Transfers)

	// GPU to GPU.
	c := must.M1(f.manager.NewGPUDevice(1, WithLanes(1)))
	w := f32(4, 8)
	f.mustRun(t, c, ops.Sigmoid(4, z.At(a.ID()), w))
	f.mustRun(t, c, ops.Scale(5, y.At(b.ID()), f32(5, 8), 1))
	require.Equal(t, []float32{3, 3, 3, 3, 3, 3, 3, 3}, read(t, c, 5, 8))
	require.EqualValues(t, 2, c.Stats().Transfers)
	requireExclusive(t, a.core)
	requireExclusive(t, b.core)
	requireExclusive(t, c.core)
}

func TestGPUDevice_AllocationFailureKeepsServing(t *testing.T) {
	f := newFixture(t)
	sim := accel.NewSim(accel.WithSimMemory(64))
	m := NewManager(f.registry, f.recorder, sim)
	defer func() { require.NoError(t, m.Close()) }()
	d := must.M1(m.NewGPUDevice(0, WithLanes(2)))

	n := f.run(t, d, ops.Fill(1, f32(1, 1000), 1))
	require.True(t, n.Failed)
	require.Equal(t, AllocationError, n.Kind)
	require.ErrorIs(t, n.Err, datastore.ErrAllocation)

	f.mustRun(t, d, ops.Fill(2, f32(2, 4), 1))
	require.Equal(t, []float32{1, 1, 1, 1}, read(t, d, 2, 4))
}

func TestGPUDevice_ConcurrentFetchAllocatesOnce(t *testing.T) {
	f := newFixture(t)
	src := must.M1(f.manager.NewCPUDevice(WithLanes(1)))
	x := f32(7, 32)
	f.mustRun(t, src, ops.Fill(1, x, 0.5))

	const numFetchers = 8
	var xAllocations atomic.Int32
	d := must.M1(f.manager.NewGPUDevice(0, WithLanes(numFetchers), WithStoreOptions(datastore.WithAllocationHook(
		func(id datastore.DataID, _ int, _ datastore.MemType) error {
			if id == x.ID {
				xAllocations.Add(1)
				time.Sleep(50 * time.Millisecond)
			}
			return nil
		}))))

	// The bodies only look at their input, so the only copy issued is the transfer.
	ptrs := make([]uintptr, numFetchers)
	for ii := range numFetchers {
		require.NoError(t, f.registry.Register(&ops.Task{
			ID:     ops.TaskID(10 + ii),
			Name:   "Peek",
			Inputs: []ops.Data{x.At(src.ID())},
			GPU: func(ctx *ops.Context) error {
				ptrs[ii] = uintptr(ctx.Inputs[0].Ptr)
				return nil
			},
		}))
	}
	for ii := range numFetchers {
		d.PushTask(ops.TaskID(10 + ii))
	}
	for ii := range numFetchers {
		n, err := f.recorder.WaitFor(d.ID(), ops.TaskID(10+ii), timeout)
		require.NoError(t, err)
		require.False(t, n.Failed, "%+v", n.Err)
	}

	require.EqualValues(t, 1, xAllocations.Load())
	require.EqualValues(t, 1, d.Stats().Transfers)
	require.EqualValues(t, 1, f.sim.Stats(0).Copies, "a single MemcpyAsync for all fetchers")
	for ii := range numFetchers {
		require.Equal(t, ptrs[0], ptrs[ii], "fetcher %d got a different pointer", ii)
	}
	d.stagingMu.Lock()
	require.Len(t, d.staging, 1)
	require.Contains(t, d.staging, x.ID)
	d.stagingMu.Unlock()
	require.Equal(t, []float32{0.5, 0.5}, read(t, d, x.ID, 32)[30:])
	require.True(t, d.IsLocal(x.ID))
	require.False(t, d.IsRemote(x.ID))
	require.Zero(t, d.TransfersInFlight())
}

func TestGPUDevice_OptionsAreNotModified(t *testing.T) {
	f := newFixture(t)
	t.Setenv(GPULanesEnv, "")
	options := make([]Option, 1, 4)
	options[0] = WithLaneHook(func(int, ops.TaskID, bool) {})
	d := must.M1(f.manager.NewGPUDevice(0, options...))
	require.Equal(t, DefaultGPULanes, d.Lanes())
	require.Nil(t, options[:2][1], "the caller's options must not be written to")
}
