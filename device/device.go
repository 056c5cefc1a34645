/*
 *	Copyright 2024 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package device implements the execution layer of the engine: each compute resource (a group of CPU cores,
// an accelerator) is a Device that accepts task ids, makes their inputs resident in its own memory, runs them on
// one of its lanes and reports the outcome to a Listener.
//
// Every device keeps two disjoint sets of DataIDs: the local ones, held in its DataStore, and the remote ones,
// known to live on another device. A remote input is fetched once, on the lane that needs it, and moved to the
// local set when the copy is complete. Concurrent requests for the same data share a single fetch.
//
// Devices find each other through Peers, usually a Manager.
package device

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/executor"
	"github.com/gomlx/devexec/internal/transfer"
	"github.com/gomlx/devexec/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is a compute resource that executes tasks.
type Device interface {
	// ID of the device, fixed at construction.
	ID() uint64

	// PushTask enqueues the task for execution and returns immediately. The outcome is reported to the
	// device's Listener.
	PushTask(id ops.TaskID)

	// GetPtr returns the memory type and pointer of the buffer for id in this device's memory.
	// The pointer is borrowed: it is only valid until FreeDataIfExist(id) or Close.
	GetPtr(id datastore.DataID) (datastore.MemType, unsafe.Pointer, error)

	// Name returns a human-readable, stable, name for the device.
	Name() string

	// FreeDataIfExist forgets id, releasing its buffer if it is local. It is a no-op for unknown ids.
	FreeDataIfExist(id datastore.DataID)

	// MemType of the buffers held by the device.
	MemType() datastore.MemType

	// Stats returns a snapshot of the device counters.
	Stats() Stats

	// Close waits for all pushed tasks to finish, then releases the device resources and every buffer it holds.
	// It is idempotent.
	Close() error
}

// Peers resolves device ids to devices, to fetch remote data from.
type Peers interface {
	Device(id uint64) (Device, error)
}

// Stats is a snapshot of the counters of a device.
type Stats struct {
	TasksCompleted int64
	TasksFailed    int64

	// Transfers counts the copies actually executed, SharedTransfers the callers that waited for a transfer
	// started by another caller.
	Transfers        int64
	SharedTransfers  int64
	BytesTransferred int64

	Local, Remote int
	Store         datastore.Stats
}

// backend is what differs between device kinds: how bodies run on a lane, and how data is copied in.
type backend interface {
	// body selects the body to run for the task on this kind of device.
	body(task *ops.Task) ops.Body

	// execute runs the body on the lane, and returns once its effects are visible.
	execute(ctx *ops.Context, body ops.Body) error

	// copyIn copies the first dst.Size bytes of a remote buffer into dst, which was allocated in the device store.
	// lane is -1 when the copy is not requested from a lane.
	copyIn(id datastore.DataID, lane int, dst, src datastore.Location) error

	// destroy releases the per-lane resources, after all lanes are joined.
	destroy() error

	// forget is called when id is freed from the device.
	forget(id datastore.DataID)
}

// core implements the residency sets, the transfer protocol and the task lifecycle shared by all devices.
type core struct {
	id       uint64
	name     string
	memType  datastore.MemType
	registry *ops.Registry
	listener Listener
	peers    Peers
	store    *datastore.Store
	exec     executor.Executor
	laneHook LaneHook
	backend  backend

	transfers transfer.Group

	mu     sync.Mutex
	local  map[datastore.DataID]struct{}
	remote map[datastore.DataID]ops.Data
	closed bool

	closeOnce sync.Once
	closeErr  error

	tasksCompleted, tasksFailed, copies, bytesTransferred atomic.Int64
}

func newCore(id uint64, name string, memType datastore.MemType, cfg *config, store *datastore.Store,
	registry *ops.Registry, listener Listener, peers Peers) *core {
	return &core{
		id:       id,
		name:     name,
		memType:  memType,
		registry: registry,
		listener: listener,
		peers:    peers,
		store:    store,
		exec:     cfg.executor,
		laneHook: cfg.laneHook,
		local:    make(map[datastore.DataID]struct{}),
		remote:   make(map[datastore.DataID]ops.Data),
	}
}

// ID implements Device.
func (c *core) ID() uint64 { return c.id }

// Name implements Device.
func (c *core) Name() string { return c.name }

// String implements fmt.Stringer.
func (c *core) String() string { return c.name }

// MemType implements Device.
func (c *core) MemType() datastore.MemType { return c.memType }

// Lanes returns the number of lanes of the device.
func (c *core) Lanes() int { return c.exec.Lanes() }

// Store returns the DataStore owned by the device.
func (c *core) Store() *datastore.Store { return c.store }

// Stats implements Device.
func (c *core) Stats() Stats {
	c.mu.Lock()
	numLocal, numRemote := len(c.local), len(c.remote)
	c.mu.Unlock()
	return Stats{
		TasksCompleted:   c.tasksCompleted.Load(),
		TasksFailed:      c.tasksFailed.Load(),
		Transfers:        c.copies.Load(),
		SharedTransfers:  c.transfers.Shared(),
		BytesTransferred: c.bytesTransferred.Load(),
		Local:            numLocal,
		Remote:           numRemote,
		Store:            c.store.Stats(),
	}
}

// IsLocal returns whether id is in the local set of the device.
func (c *core) IsLocal(id datastore.DataID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.local[id]
	return found
}

// IsRemote returns whether id is in the remote set of the device.
func (c *core) IsRemote(id datastore.DataID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.remote[id]
	return found
}

// TransfersInFlight returns the number of transfers currently running.
func (c *core) TransfersInFlight() int {
	return c.transfers.InFlight()
}

// PushTask implements Device.
func (c *core) PushTask(id ops.TaskID) {
	task, err := c.registry.Get(id)
	if err != nil {
		c.fail(&Error{Kind: NotFoundError, Device: c.id, Task: id, Err: err})
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.fail(&Error{Kind: ExecutionError, Device: c.id, Task: id, Err: errors.Wrapf(executor.ErrClosed, "%s", c)})
		return
	}
	for _, input := range task.Inputs {
		if _, found := c.local[input.ID]; !found {
			c.remote[input.ID] = input.At(input.Device)
		}
	}
	c.mu.Unlock()

	klog.V(2).Infof("%s: pushed %s", c, task)
	err = c.exec.Submit(func(lane int) { c.run(task, lane) })
	if err != nil {
		c.fail(&Error{Kind: ExecutionError, Device: c.id, Task: id, Err: err})
	}
}

// run executes the task on the lane and reports its outcome.
func (c *core) run(task *ops.Task, lane int) {
	if c.laneHook != nil {
		c.laneHook(lane, task.ID, true)
		defer c.laneHook(lane, task.ID, false)
	}
	if err := c.runOnLane(task, lane); err != nil {
		c.fail(err)
		return
	}
	c.tasksCompleted.Add(1)
	klog.V(2).Infof("%s: lane %d completed %s", c, lane, task)
	c.listener.OnTaskComplete(c.id, task.ID)
}

// runOnLane fetches the inputs, allocates the outputs and runs the body. Panics are returned as ExecutionError.
// Outputs allocated by a failed run are released, so their uninitialized contents are never fetched.
func (c *core) runOnLane(task *ops.Task, lane int) (devErr *Error) {
	var created []datastore.DataID
	defer func() {
		if devErr != nil {
			c.discard(created)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			devErr = &Error{Kind: ExecutionError, Device: c.id, Task: task.ID,
				Err: errors.Errorf("%s panicked on lane %d: %v", task, lane, r)}
		}
	}()

	body := c.backend.body(task)
	if body == nil {
		return &Error{Kind: ExecutionError, Device: c.id, Task: task.ID,
			Err: errors.Errorf("%s has no body for %s memory", task, c.memType)}
	}
	ctx := &ops.Context{
		Task:    task,
		Lane:    lane,
		MemType: c.memType,
		Inputs:  make([]datastore.Location, len(task.Inputs)),
		Outputs: make([]datastore.Location, len(task.Outputs)),
	}
	for ii, input := range task.Inputs {
		loc, err := c.fetch(input.ID, task.ID, lane)
		if err != nil {
			return err
		}
		ctx.Inputs[ii] = loc
	}
	for ii, output := range task.Outputs {
		loc, isNew, err := c.materialize(output, task.ID)
		if err != nil {
			return err
		}
		if isNew {
			created = append(created, output.ID)
		}
		ctx.Outputs[ii] = loc
	}
	if err := c.backend.execute(ctx, body); err != nil {
		return &Error{Kind: ExecutionError, Device: c.id, Task: task.ID, Err: err}
	}
	return nil
}

// discard drops the outputs allocated by a failed run.
func (c *core) discard(ids []datastore.DataID) {
	for _, id := range ids {
		klog.V(2).Infof("%s: discarding data #%d of a failed task", c, id)
		c.FreeDataIfExist(id)
	}
}

func (c *core) fail(err *Error) {
	c.tasksFailed.Add(1)
	klog.V(1).Infof("%s: task #%d failed: %v", c, err.Task, err)
	c.listener.OnTaskFailed(c.id, err.Task, err.Kind, err)
}

// materialize allocates the buffer for a task output and marks it local, and returns whether it was allocated.
// Outputs already local are reused, so re-running a task doesn't take another reference on its buffers.
// The residency check and the allocation are done under c.mu, so concurrent runs of a task allocate once.
func (c *core) materialize(output ops.Data, task ops.TaskID) (datastore.Location, bool, *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.local[output.ID]; found {
		if loc, err := c.store.Lookup(output.ID); err == nil {
			return loc, false, nil
		}
	}
	ptr, err := c.store.Allocate(output.ID, output.Size(), c.memType)
	if err != nil {
		kind := ExecutionError
		if errors.Is(err, datastore.ErrAllocation) {
			kind = AllocationError
		}
		return datastore.Location{}, false, &Error{Kind: kind, Device: c.id, Task: task, Data: output.ID, Err: err}
	}
	delete(c.remote, output.ID)
	c.local[output.ID] = struct{}{}
	return datastore.Location{MemType: c.memType, Ptr: ptr, Size: output.Size()}, true, nil
}

// fetch makes id local, copying it from its source device if needed, and returns its location.
//
// At most one copy of id runs at a time: concurrent callers wait for it and share its outcome. Since a caller
// may arrive right after a copy completed, residency is checked again once inside the transfer.
func (c *core) fetch(id datastore.DataID, task ops.TaskID, lane int) (datastore.Location, *Error) {
	if !c.IsLocal(id) {
		_, err := c.transfers.Do(id, func() error {
			return c.transferIn(id, task, lane)
		})
		if err != nil {
			return datastore.Location{}, forTask(err, c.id, task)
		}
	}
	loc, err := c.store.Lookup(id)
	if err != nil {
		return datastore.Location{}, &Error{Kind: NotFoundError, Device: c.id, Task: task, Data: id, Err: err}
	}
	return loc, nil
}

// transferIn runs inside a transfer of id: it copies the data from its source and moves it from the remote
// set to the local set.
func (c *core) transferIn(id datastore.DataID, task ops.TaskID, lane int) error {
	c.mu.Lock()
	_, isLocal := c.local[id]
	data, isRemote := c.remote[id]
	c.mu.Unlock()
	if isLocal {
		return nil
	}
	if !isRemote {
		return &Error{Kind: NotFoundError, Device: c.id, Task: task, Data: id,
			Err: errors.Wrapf(datastore.ErrNotFound, "%s: data #%d is neither local nor remote", c, id)}
	}
	transferErr := func(err error) error {
		return &Error{Kind: TransferError, Device: c.id, Task: task, Data: id, Err: err}
	}
	if data.Device == c.id {
		return transferErr(errors.Errorf("%s: data #%d is expected to be on this device, but it is not local", c, id))
	}

	// Source.
	peer, err := c.peers.Device(data.Device)
	if err != nil {
		return transferErr(errors.WithMessagef(err, "%s: fetching data #%d", c, id))
	}
	srcMemType, srcPtr, err := peer.GetPtr(id)
	if err != nil {
		return transferErr(errors.WithMessagef(err, "%s: looking up data #%d on %s", c, id, peer.Name()))
	}
	size := data.Size()
	src := datastore.Location{MemType: srcMemType, Ptr: srcPtr, Size: size}
	if l, ok := peer.(locator); ok {
		// The buffer held by the peer may be smaller than the consumer declares.
		if src, err = l.location(id); err != nil {
			return transferErr(errors.WithMessagef(err, "%s: looking up data #%d on %s", c, id, peer.Name()))
		}
	}
	if size > src.Size {
		return transferErr(errors.Errorf("%s: data #%d is declared with %d bytes, but %s holds only %d bytes",
			c, id, size, peer.Name(), src.Size))
	}

	// Destination.
	if _, err = c.store.Allocate(id, size, c.memType); err != nil {
		kind := TransferError
		if errors.Is(err, datastore.ErrAllocation) {
			kind = AllocationError
		}
		return &Error{Kind: kind, Device: c.id, Task: task, Data: id, Err: err}
	}
	dst, err := c.store.Lookup(id)
	if err == nil {
		err = c.backend.copyIn(id, lane, dst, src)
	}
	if err != nil {
		if _, releaseErr := c.store.Release(id); releaseErr != nil {
			klog.Warningf("%s: failed to release data #%d after a failed transfer: %+v", c, id, releaseErr)
		}
		return transferErr(errors.WithMessagef(err, "%s: copying data #%d from %s", c, id, peer.Name()))
	}

	c.mu.Lock()
	delete(c.remote, id)
	c.local[id] = struct{}{}
	c.mu.Unlock()
	c.copies.Add(1)
	c.bytesTransferred.Add(int64(size))
	klog.V(2).Infof("%s: transferred data #%d (%d bytes) from %s", c, id, size, peer.Name())
	return nil
}

// locator is implemented by the devices of this package, to report the actual buffer backing a pointer
// returned by GetPtr.
type locator interface {
	location(id datastore.DataID) (datastore.Location, error)
}

// location returns the buffer of id in the device store.
func (c *core) location(id datastore.DataID) (datastore.Location, error) {
	return c.store.Lookup(id)
}

// getPtr returns the location of id if it is local. If fetchRemote, remote data is fetched first.
func (c *core) getPtr(id datastore.DataID, fetchRemote bool) (datastore.MemType, unsafe.Pointer, error) {
	c.mu.Lock()
	_, isLocal := c.local[id]
	_, isRemote := c.remote[id]
	c.mu.Unlock()
	if !isLocal {
		if !isRemote || !fetchRemote {
			state := "unknown"
			if isRemote {
				state = "not local"
			}
			return c.memType, nil, &Error{Kind: NotFoundError, Device: c.id, Data: id,
				Err: errors.Wrapf(datastore.ErrNotFound, "%s: data #%d is %s", c, id, state)}
		}
		loc, err := c.fetch(id, 0, -1)
		if err != nil {
			return c.memType, nil, err
		}
		return loc.MemType, loc.Ptr, nil
	}
	loc, err := c.store.Lookup(id)
	if err != nil {
		return c.memType, nil, &Error{Kind: NotFoundError, Device: c.id, Data: id, Err: err}
	}
	return loc.MemType, loc.Ptr, nil
}

// FreeDataIfExist implements Device.
func (c *core) FreeDataIfExist(id datastore.DataID) {
	c.mu.Lock()
	_, isLocal := c.local[id]
	_, isRemote := c.remote[id]
	delete(c.local, id)
	delete(c.remote, id)
	c.mu.Unlock()
	if !isLocal && !isRemote {
		return
	}
	c.backend.forget(id)
	if isLocal {
		if _, err := c.store.Release(id); err != nil {
			klog.Warningf("%s: releasing data #%d: %+v", c, id, err)
		}
	}
	klog.V(2).Infof("%s: freed data #%d", c, id)
}

// drain stops accepting tasks and waits for the pushed ones to finish. The data of the device stays available
// to its peers until Close.
func (c *core) drain() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.exec.Close()
}

// Close implements Device.
func (c *core) Close() error {
	c.closeOnce.Do(func() {
		c.drain()
		err := c.backend.destroy()
		if storeErr := c.store.ReleaseAll(); err == nil {
			err = storeErr
		}
		c.mu.Lock()
		clear(c.local)
		clear(c.remote)
		c.mu.Unlock()
		if err != nil {
			c.closeErr = errors.WithMessagef(err, "closing %s", c)
		}
		klog.V(1).Infof("%s: closed", c)
	})
	return c.closeErr
}
