package device

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/ops"
	"k8s.io/klog/v2"
)

// CPUDevice executes tasks on host goroutines, with its data in host memory.
//
// It is usually where final results are read from, so GetPtr fetches remote data on demand.
type CPUDevice struct {
	*core
}

var _ Device = (*CPUDevice)(nil)

// NewCPUDevice creates a CPU device with the given id and starts its lanes.
//
// The number of lanes is DefaultCPULanes, unless set with WithLanes, WithExecutor or $DEVEXEC_CPU_LANES.
// Tasks are resolved in registry, their outcome reported to listener, and remote data fetched from the
// devices returned by peers.
func NewCPUDevice(id uint64, registry *ops.Registry, listener Listener, peers Peers, options ...Option) (*CPUDevice, error) {
	name := fmt.Sprintf("CPU device #%d", id)
	cfg, err := newConfig(name, CPULanesEnv, DefaultCPULanes, options)
	if err != nil {
		return nil, err
	}
	storeOptions := append([]datastore.Option{
		datastore.WithAllocator(datastore.Host, datastore.HostAllocator{Alignment: datastore.BufferAlignment}),
	}, cfg.storeOptions...)
	store := datastore.New(name, storeOptions...)
	d := &CPUDevice{core: newCore(id, name, datastore.Host, cfg, store, registry, listener, peers)}
	d.backend = d
	klog.V(1).Infof("Created %s with %d lanes", d, cfg.lanes)
	return d, nil
}

// GetPtr implements Device. Remote data is fetched into host memory first.
func (d *CPUDevice) GetPtr(id datastore.DataID) (datastore.MemType, unsafe.Pointer, error) {
	return d.getPtr(id, true)
}

func (d *CPUDevice) body(task *ops.Task) ops.Body { return task.CPU }

func (d *CPUDevice) execute(ctx *ops.Context, body ops.Body) error {
	return body(ctx)
}

// copyIn copies through the store, which reaches device memory with its configured copier.
func (d *CPUDevice) copyIn(_ datastore.DataID, _ int, dst, src datastore.Location) error {
	return d.store.CopyBetween(dst, src, dst.Size)
}

func (d *CPUDevice) destroy() error { return nil }

func (d *CPUDevice) forget(datastore.DataID) {}
