package device

import (
	"slices"
	"sync"

	"github.com/gomlx/devexec/accel"
	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/ops"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Manager owns the devices of a process and is the Peers they fetch remote data through.
// Device ids are assigned sequentially, starting from 0.
type Manager struct {
	registry    *ops.Registry
	listener    Listener
	accelerator accel.Accelerator

	mu      sync.RWMutex
	devices map[uint64]Device
	nextID  uint64
	closed  bool
}

var _ Peers = (*Manager)(nil)

// NewManager creates a Manager whose devices resolve tasks in registry and report to listener.
//
// accelerator is used by NewGPUDevice, and to copy between host and accelerator memory when CPU devices fetch
// from GPU devices. It can be nil if only CPU devices are used.
func NewManager(registry *ops.Registry, listener Listener, accelerator accel.Accelerator) *Manager {
	return &Manager{
		registry:    registry,
		listener:    listener,
		accelerator: accelerator,
		devices:     make(map[uint64]Device),
	}
}

// Accelerator used by the Manager, it may be nil.
func (m *Manager) Accelerator() accel.Accelerator { return m.accelerator }

// reserveIDLocked returns the next device id, or an error if the Manager is closed. m.mu must be held.
func (m *Manager) reserveIDLocked() (uint64, error) {
	if m.closed {
		return 0, errors.New("device Manager is closed")
	}
	id := m.nextID
	m.nextID++
	return id, nil
}

// NewCPUDevice creates a CPUDevice with the next device id.
func (m *Manager) NewCPUDevice(options ...Option) (*CPUDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.reserveIDLocked()
	if err != nil {
		return nil, err
	}
	if m.accelerator != nil {
		accelerator := m.accelerator
		options = append([]Option{WithStoreOptions(datastore.WithDeviceCopier(
			func(dst, src datastore.Location, size int) error {
				return accelerator.Memcpy(dst.Ptr, src.Ptr, size)
			}))}, options...)
	}
	d, err := NewCPUDevice(id, m.registry, m.listener, m, options...)
	if err != nil {
		return nil, err
	}
	m.devices[id] = d
	return d, nil
}

// NewGPUDevice creates a GPUDevice with the next device id, on the accelerator device with the given ordinal.
func (m *Manager) NewGPUDevice(ordinal int, options ...Option) (*GPUDevice, error) {
	if m.accelerator == nil {
		return nil, errors.New("device Manager created without an accelerator can't create GPU devices")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, err := m.reserveIDLocked()
	if err != nil {
		return nil, err
	}
	d, err := NewGPUDevice(id, m.accelerator, ordinal, m.registry, m.listener, m, options...)
	if err != nil {
		return nil, err
	}
	m.devices[id] = d
	return d, nil
}

// Device implements Peers.
func (m *Manager) Device(id uint64) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, found := m.devices[id]
	if !found {
		return nil, errors.Errorf("unknown device #%d", id)
	}
	return d, nil
}

// Devices returns all devices, ordered by id.
func (m *Manager) Devices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.devices))
	for id := range m.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		devices = append(devices, m.devices[id])
	}
	return devices
}

// FreeData frees id on every device that knows about it.
func (m *Manager) FreeData(id datastore.DataID) {
	for _, d := range m.Devices() {
		d.FreeDataIfExist(id)
	}
}

// drainer is implemented by the devices of this package.
type drainer interface {
	drain()
}

// Close closes all devices and returns the first error.
// Devices are removed from the Manager, and no new devices can be created.
//
// Lanes draining their queues may still fetch from peers, so every device finishes its pushed tasks before any
// device releases its resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	devices := m.Devices()
	var drains errgroup.Group
	for _, d := range devices {
		if dr, ok := d.(drainer); ok {
			drains.Go(func() error {
				dr.drain()
				return nil
			})
		}
	}
	_ = drains.Wait()
	klog.V(1).Infof("device Manager: %d devices drained", len(devices))

	var g errgroup.Group
	for _, d := range devices {
		g.Go(d.Close)
	}
	err := g.Wait()

	m.mu.Lock()
	clear(m.devices)
	m.mu.Unlock()
	klog.V(1).Infof("device Manager closed")
	return err
}
