package device

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/gomlx/devexec/accel"
	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GPUDevice executes tasks on one accelerator, with its data in the accelerator memory.
//
// Each lane owns one stream and one BLAS handle bound to it: a task body issues its work on its lane's stream,
// and the lane synchronizes only that stream before reporting the task. Remote inputs are also copied on the
// lane's stream, host sources going through a pinned staging buffer.
type GPUDevice struct {
	*core

	accelerator accel.Accelerator
	ordinal     int
	streams     []accel.Stream
	handles     []accel.BLAS

	stagingMu sync.Mutex
	staging   map[datastore.DataID][]byte
}

var _ Device = (*GPUDevice)(nil)

// deviceAllocator allocates the store's Device memory on one accelerator.
type deviceAllocator struct {
	accelerator accel.Accelerator
	ordinal     int
}

func (a deviceAllocator) Alloc(size int) (unsafe.Pointer, error) {
	return a.accelerator.Malloc(a.ordinal, size)
}

func (a deviceAllocator) Free(ptr unsafe.Pointer) error {
	return a.accelerator.Free(a.ordinal, ptr)
}

// NewGPUDevice creates a GPU device on the accelerator with the given ordinal, and creates one stream and
// one BLAS handle for each of its lanes.
//
// The number of lanes is DefaultGPULanes, unless set with WithLanes, WithExecutor or $DEVEXEC_GPU_LANES.
func NewGPUDevice(id uint64, accelerator accel.Accelerator, ordinal int, registry *ops.Registry, listener Listener,
	peers Peers, options ...Option) (*GPUDevice, error) {
	if accelerator == nil {
		return nil, errors.Errorf("NewGPUDevice(#%d) requires an accelerator", id)
	}
	if ordinal < 0 || ordinal >= accelerator.NumDevices() {
		return nil, errors.Errorf("NewGPUDevice(#%d): invalid ordinal %d, accelerator %q has %d devices",
			id, ordinal, accelerator.Name(), accelerator.NumDevices())
	}
	name := fmt.Sprintf("GPU device #%d (accelerator %d)", id, ordinal)
	d := &GPUDevice{
		accelerator: accelerator,
		ordinal:     ordinal,
		staging:     make(map[datastore.DataID][]byte),
	}

	// Lane resources are created before the executor starts, so no lane can run without them.
	lanes := lanesFromEnv(GPULanesEnv, DefaultGPULanes)
	var requested config
	for _, option := range options {
		option(&requested)
	}
	if requested.lanes < 0 {
		return nil, errors.Errorf("%s: invalid number of lanes %d", name, requested.lanes)
	}
	if requested.executor != nil {
		if requested.lanes != 0 && requested.lanes != requested.executor.Lanes() {
			return nil, errors.Errorf("%s: WithLanes(%d) doesn't match the %d lanes of the executor given",
				name, requested.lanes, requested.executor.Lanes())
		}
		lanes = requested.executor.Lanes()
	} else if requested.lanes > 0 {
		lanes = requested.lanes
	}
	for range lanes {
		stream, err := accelerator.NewStream(ordinal)
		if err != nil {
			err = errors.WithMessagef(err, "%s: creating stream %d", name, len(d.streams))
			d.destroyLaneResources()
			return nil, err
		}
		handle, err := accelerator.NewBLAS(stream)
		if err != nil {
			err = errors.WithMessagef(err, "%s: creating BLAS handle %d", name, len(d.streams))
			_ = stream.Destroy()
			d.destroyLaneResources()
			return nil, err
		}
		d.streams = append(d.streams, stream)
		d.handles = append(d.handles, handle)
	}

	cfg, err := newConfig(name, GPULanesEnv, lanes, slices.Concat(options, []Option{WithLanes(lanes)}))
	if err != nil {
		d.destroyLaneResources()
		return nil, err
	}
	storeOptions := append([]datastore.Option{
		datastore.WithAllocator(datastore.Device, deviceAllocator{accelerator: accelerator, ordinal: ordinal}),
		datastore.WithDeviceCopier(func(dst, src datastore.Location, size int) error {
			return accelerator.Memcpy(dst.Ptr, src.Ptr, size)
		}),
	}, cfg.storeOptions...)
	store := datastore.New(name, storeOptions...)
	d.core = newCore(id, name, datastore.Device, cfg, store, registry, listener, peers)
	d.backend = d
	klog.V(1).Infof("Created %s on %q with %d lanes", d, accelerator.Name(), lanes)
	return d, nil
}

// Ordinal of the accelerator the device runs on.
func (d *GPUDevice) Ordinal() int { return d.ordinal }

// GetPtr implements Device. Only local data is returned: remote data is a NotFoundError.
func (d *GPUDevice) GetPtr(id datastore.DataID) (datastore.MemType, unsafe.Pointer, error) {
	return d.getPtr(id, false)
}

func (d *GPUDevice) body(task *ops.Task) ops.Body { return task.GPU }

// execute issues the body on the lane stream, and waits for that stream only.
// The stream is synchronized even if the body fails or panics, so a lane never inherits a sticky error.
func (d *GPUDevice) execute(ctx *ops.Context, body ops.Body) (err error) {
	stream := d.streams[ctx.Lane]
	ctx.Stream, ctx.BLAS = stream, d.handles[ctx.Lane]
	defer func() {
		syncErr := stream.Synchronize()
		if err == nil && syncErr != nil {
			err = errors.WithMessagef(syncErr, "%s: lane %d stream", d, ctx.Lane)
		}
	}()
	return body(ctx)
}

// stagingBuffer returns the pinned host buffer for id, allocating it on first use.
func (d *GPUDevice) stagingBuffer(id datastore.DataID, size int) ([]byte, error) {
	d.stagingMu.Lock()
	defer d.stagingMu.Unlock()
	if buf, found := d.staging[id]; found && len(buf) >= size {
		return buf, nil
	}
	buf, err := d.accelerator.HostAlloc(size)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: allocating %d bytes of pinned memory for data #%d", d, size, id)
	}
	d.staging[id] = buf
	return buf, nil
}

// copyIn issues the copy on the lane stream and synchronizes it.
func (d *GPUDevice) copyIn(id datastore.DataID, lane int, dst, src datastore.Location) error {
	if lane < 0 || lane >= len(d.streams) {
		return errors.Errorf("%s: copy of data #%d requested from invalid lane %d", d, id, lane)
	}
	size := dst.Size
	if size > src.Size {
		return errors.Errorf("%s: can't copy %d bytes of data #%d from a buffer of %d bytes", d, size, id, src.Size)
	}
	if size == 0 {
		return nil
	}
	srcPtr := src.Ptr
	if src.MemType == datastore.Host {
		staging, err := d.stagingBuffer(id, size)
		if err != nil {
			return err
		}
		copy(staging[:size], src.Bytes())
		srcPtr = unsafe.Pointer(unsafe.SliceData(staging))
	}
	stream := d.streams[lane]
	stream.MemcpyAsync(dst.Ptr, srcPtr, size)
	return stream.Synchronize()
}

// forget drops the staging buffer of id.
func (d *GPUDevice) forget(id datastore.DataID) {
	d.stagingMu.Lock()
	defer d.stagingMu.Unlock()
	delete(d.staging, id)
}

// destroy is called after all lanes are joined.
func (d *GPUDevice) destroy() error {
	d.stagingMu.Lock()
	clear(d.staging)
	d.stagingMu.Unlock()
	return d.destroyLaneResources()
}

// destroyLaneResources destroys the BLAS handles and then their streams, returning the first error.
func (d *GPUDevice) destroyLaneResources() error {
	var firstErr error
	for lane, handle := range d.handles {
		if err := handle.Destroy(); err != nil {
			klog.Errorf("GPU device lane %d: destroying BLAS handle: %+v", lane, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for lane, stream := range d.streams {
		if err := stream.Destroy(); err != nil {
			klog.Errorf("GPU device lane %d: destroying stream: %+v", lane, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	d.handles, d.streams = nil, nil
	return firstErr
}

// LaneStreams returns the stream of each lane, indexed by lane.
func (d *GPUDevice) LaneStreams() []accel.Stream {
	return append([]accel.Stream(nil), d.streams...)
}
