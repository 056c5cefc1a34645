// Package ops holds the task descriptors devices execute: for each TaskID, the data it reads, the data it
// writes, and the bodies that compute it on a CPU lane or on a GPU lane.
//
// The Registry is the lookup devices use to resolve the TaskIDs pushed to them. Reference kernels (Fill, Add,
// Scale, Sigmoid, MatMul, Cast) are provided in kernels.go.
package ops

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/devexec/accel"
	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/dtypes"
	"github.com/pkg/errors"
)

// TaskID is an opaque identifier of a unit of computation, assigned externally.
type TaskID uint64

// ErrUnknownTask is returned (wrapped) by Registry.Get for ids not registered.
var ErrUnknownTask = errors.New("unknown task")

// Data describes one input or output of a task.
type Data struct {
	ID         datastore.DataID
	DType      dtypes.DType
	Dimensions []int

	// Device is the id of the device currently holding the data. Only used for inputs: it is where the
	// executing device fetches the data from if it is not local.
	Device uint64
}

// Size in bytes of the data.
func (d Data) Size() int {
	return d.DType.SizeForDimensions(d.Dimensions...)
}

// NumElements of the data.
func (d Data) NumElements() int {
	n := 1
	for _, dim := range d.Dimensions {
		n *= dim
	}
	return n
}

// String implements fmt.Stringer.
func (d Data) String() string {
	return fmt.Sprintf("#%d(%s%v)", d.ID, d.DType, d.Dimensions)
}

// At returns a copy of d located on the given device. Used to wire the output of one task as the input of
// another.
func (d Data) At(device uint64) Data {
	d.Device = device
	d.Dimensions = slices.Clone(d.Dimensions)
	return d
}

// Context is what a task body receives when executed on a lane.
type Context struct {
	Task *Task

	// Lane index within the executing device.
	Lane int

	// MemType of Inputs and Outputs: Host on CPU devices, Device on GPU devices.
	MemType datastore.MemType

	// Inputs and Outputs locations, in the same order as Task.Inputs and Task.Outputs.
	Inputs, Outputs []datastore.Location

	// Stream and BLAS handle of the lane. Only set on GPU devices, where bodies must issue their work on
	// Stream: the device synchronizes it before reporting the task as completed.
	Stream accel.Stream
	BLAS   accel.BLAS
}

// Body computes a task.
type Body func(ctx *Context) error

// Task descriptor.
type Task struct {
	ID      TaskID
	Name    string
	Inputs  []Data
	Outputs []Data

	// CPU and GPU bodies: a device fails the task if the body for its kind is nil.
	CPU, GPU Body
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("Task#%d[%s]", t.ID, t.Name)
}

// Registry of tasks, safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[TaskID]*Task
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[TaskID]*Task)}
}

// Register a task. It fails if its id is already registered.
func (r *Registry) Register(task *Task) error {
	if task == nil {
		return errors.New("Registry.Register given a nil task")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.tasks[task.ID]; found {
		return errors.Errorf("task #%d already registered", task.ID)
	}
	r.tasks[task.ID] = task
	return nil
}

// Get the task registered with id.
func (r *Registry) Get(id TaskID) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, found := r.tasks[id]
	if !found {
		return nil, errors.Wrapf(ErrUnknownTask, "task #%d", id)
	}
	return task, nil
}

// Remove a task, it is a no-op if it is not registered.
func (r *Registry) Remove(id TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
