package device

import (
	"os"
	"strconv"

	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/executor"
	"github.com/gomlx/devexec/ops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultCPULanes is the number of lanes of a CPUDevice, if not configured otherwise.
	DefaultCPULanes = 8

	// DefaultGPULanes is the number of lanes of a GPUDevice, each with its own stream and BLAS handle,
	// if not configured otherwise.
	DefaultGPULanes = 16

	// CPULanesEnv is the name of the environment variable that overrides DefaultCPULanes.
	CPULanesEnv = "DEVEXEC_CPU_LANES"

	// GPULanesEnv is the name of the environment variable that overrides DefaultGPULanes.
	GPULanesEnv = "DEVEXEC_GPU_LANES"
)

// LaneHook is called on the lane executing a task, with start=true before its inputs are fetched and with
// start=false after its outcome is reported.
type LaneHook func(lane int, task ops.TaskID, start bool)

type config struct {
	lanes        int
	executor     executor.Executor
	laneHook     LaneHook
	storeOptions []datastore.Option
}

// Option configures a device at construction.
type Option func(c *config)

// WithLanes sets the number of lanes of the device.
func WithLanes(n int) Option {
	return func(c *config) {
		c.lanes = n
	}
}

// WithExecutor sets the executor running the device tasks, instead of an executor.Pool created by the device.
// The device takes ownership of it and closes it on Close. Its number of lanes becomes the device's.
func WithExecutor(e executor.Executor) Option {
	return func(c *config) {
		c.executor = e
	}
}

// WithLaneHook sets a hook called on each lane around the execution of each task. Used for instrumentation.
func WithLaneHook(hook LaneHook) Option {
	return func(c *config) {
		c.laneHook = hook
	}
}

// WithStoreOptions adds options for the DataStore created for the device.
func WithStoreOptions(options ...datastore.Option) Option {
	return func(c *config) {
		c.storeOptions = append(c.storeOptions, options...)
	}
}

// lanesFromEnv returns the number of lanes configured in the environment variable envName, or defaultLanes.
func lanesFromEnv(envName string, defaultLanes int) int {
	str, found := os.LookupEnv(envName)
	if !found || str == "" {
		return defaultLanes
	}
	n, err := strconv.Atoi(str)
	if err != nil || n <= 0 {
		klog.Warningf("Invalid value %q for $%s, using the default of %d lanes", str, envName, defaultLanes)
		return defaultLanes
	}
	return n
}

// newConfig applies the options, and creates the executor if none was given.
func newConfig(name, envName string, defaultLanes int, options []Option) (*config, error) {
	c := &config{}
	for _, option := range options {
		option(c)
	}
	if c.executor != nil {
		if c.lanes != 0 && c.lanes != c.executor.Lanes() {
			return nil, errors.Errorf("%s: WithLanes(%d) doesn't match the %d lanes of the executor given",
				name, c.lanes, c.executor.Lanes())
		}
		c.lanes = c.executor.Lanes()
		return c, nil
	}
	if c.lanes == 0 {
		c.lanes = lanesFromEnv(envName, defaultLanes)
	}
	if c.lanes < 0 {
		return nil, errors.Errorf("%s: invalid number of lanes %d", name, c.lanes)
	}
	c.executor = executor.NewPool(name, c.lanes)
	return c, nil
}
