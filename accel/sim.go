package accel

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// SimDevicesEnv is the name of the environment variable that sets the default number of simulated devices.
	SimDevicesEnv = "DEVEXEC_SIM_DEVICES"

	// SimMemoryEnv is the name of the environment variable that sets the default memory, in bytes, of each
	// simulated device. 0 or unset means unlimited.
	SimMemoryEnv = "DEVEXEC_SIM_MEMORY"

	// simStreamQueueSize is the number of operations a stream can hold before issuing blocks.
	simStreamQueueSize = 256
)

// ErrStreamDestroyed is returned for operations issued on a destroyed stream.
var ErrStreamDestroyed = errors.New("stream destroyed")

var nextStreamID atomic.Int64

// Sim is a simulated Accelerator: device memory is Go managed memory and each stream is a goroutine
// executing its operations in order.
type Sim struct {
	numDevices int
	memory     int64

	devices []*simDevice
}

type simDevice struct {
	mu     sync.Mutex
	allocs map[unsafe.Pointer]int
	used   int64

	streams, launches, copies atomic.Int64
}

// SimStats are the counters of one simulated device.
type SimStats struct {
	Streams, Launches, Copies int64
	BytesInUse                int64
}

// SimOption configures a Sim.
type SimOption func(s *Sim)

// WithSimDevices sets the number of simulated devices. It defaults to $DEVEXEC_SIM_DEVICES, or 1.
func WithSimDevices(n int) SimOption {
	return func(s *Sim) {
		s.numDevices = n
	}
}

// WithSimMemory sets the memory in bytes of each simulated device. It defaults to $DEVEXEC_SIM_MEMORY, or
// unlimited (0).
func WithSimMemory(bytes int64) SimOption {
	return func(s *Sim) {
		s.memory = bytes
	}
}

// envInt64 returns the integer value of the environment variable, or defaultValue if it is not set or invalid.
func envInt64(name string, defaultValue int64) int64 {
	str, found := os.LookupEnv(name)
	if !found || str == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(str, 10, 64)
	if err != nil || value < 0 {
		klog.Warningf("Ignoring invalid value %q for $%s: it must be a non-negative integer", str, name)
		return defaultValue
	}
	return value
}

// NewSim creates a simulated accelerator.
func NewSim(options ...SimOption) *Sim {
	s := &Sim{
		numDevices: int(envInt64(SimDevicesEnv, 1)),
		memory:     envInt64(SimMemoryEnv, 0),
	}
	for _, option := range options {
		option(s)
	}
	s.devices = make([]*simDevice, s.numDevices)
	for ii := range s.devices {
		s.devices[ii] = &simDevice{allocs: make(map[unsafe.Pointer]int)}
	}
	klog.V(1).Infof("Created %s", s)
	return s
}

var _ Accelerator = (*Sim)(nil)

// String implements fmt.Stringer.
func (s *Sim) String() string {
	memory := "unlimited"
	if s.memory > 0 {
		memory = fmt.Sprintf("%d bytes", s.memory)
	}
	return fmt.Sprintf("Sim[devices=%d, memory=%s]", s.numDevices, memory)
}

// Name implements Accelerator.
func (s *Sim) Name() string { return "sim" }

// NumDevices implements Accelerator.
func (s *Sim) NumDevices() int { return s.numDevices }

func (s *Sim) device(ordinal int) (*simDevice, error) {
	if ordinal < 0 || ordinal >= len(s.devices) {
		return nil, errors.Errorf("invalid device ordinal %d for %s", ordinal, s)
	}
	return s.devices[ordinal], nil
}

// Malloc implements Accelerator.
func (s *Sim) Malloc(ordinal int, size int) (unsafe.Pointer, error) {
	d, err := s.device(ordinal)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.memory > 0 && d.used+int64(size) > s.memory {
		return nil, errors.Errorf("out of memory on sim device %d: %d bytes requested, %d of %d in use",
			ordinal, size, d.used, s.memory)
	}
	buf := make([]byte, max(size, 1))
	ptr := unsafe.Pointer(unsafe.SliceData(buf))
	d.allocs[ptr] = size
	d.used += int64(size)
	return ptr, nil
}

// Free implements Accelerator.
func (s *Sim) Free(ordinal int, ptr unsafe.Pointer) error {
	d, err := s.device(ordinal)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size, found := d.allocs[ptr]
	if !found {
		return errors.Errorf("freeing unknown pointer %p on sim device %d", ptr, ordinal)
	}
	delete(d.allocs, ptr)
	d.used -= int64(size)
	return nil
}

// HostAlloc implements Accelerator.
func (s *Sim) HostAlloc(size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Errorf("invalid pinned host allocation size %d", size)
	}
	return make([]byte, size), nil
}

// memcpy copies between raw pointers of memory reachable from Go.
func memcpy(dst, src unsafe.Pointer, size int) error {
	if size == 0 {
		return nil
	}
	if dst == nil || src == nil {
		return errors.Errorf("memcpy of %d bytes with nil pointer (dst=%p, src=%p)", size, dst, src)
	}
	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
	return nil
}

// Memcpy implements Accelerator.
func (s *Sim) Memcpy(dst, src unsafe.Pointer, size int) error {
	return memcpy(dst, src, size)
}

// NewStream implements Accelerator.
func (s *Sim) NewStream(ordinal int) (Stream, error) {
	d, err := s.device(ordinal)
	if err != nil {
		return nil, err
	}
	st := &simStream{
		device:  d,
		id:      int(nextStreamID.Add(1)),
		ordinal: ordinal,
		ops:     make(chan simOp, simStreamQueueSize),
		exited:  make(chan struct{}),
	}
	d.streams.Add(1)
	go st.loop()
	return st, nil
}

// NewBLAS implements Accelerator.
func (s *Sim) NewBLAS(stream Stream) (BLAS, error) {
	if stream == nil {
		return nil, errors.New("NewBLAS requires a stream")
	}
	return &simBLAS{stream: stream}, nil
}

// Stats returns the counters of the simulated device with the given ordinal.
func (s *Sim) Stats(ordinal int) SimStats {
	d, err := s.device(ordinal)
	if err != nil {
		return SimStats{}
	}
	d.mu.Lock()
	used := d.used
	d.mu.Unlock()
	return SimStats{
		Streams:    d.streams.Load(),
		Launches:   d.launches.Load(),
		Copies:     d.copies.Load(),
		BytesInUse: used,
	}
}

type simOp struct {
	run   func() error
	event *Event
	// clear the sticky error after reporting it to the event.
	clear bool
}

// simStream runs its operations in order on a dedicated goroutine.
type simStream struct {
	device      *simDevice
	id, ordinal int

	// closeMu protects ops from being closed while an operation is being issued.
	closeMu   sync.RWMutex
	destroyed bool
	ops       chan simOp
	exited    chan struct{}

	errMu sync.Mutex
	err   error
}

// String implements fmt.Stringer.
func (st *simStream) String() string {
	return fmt.Sprintf("stream #%d (sim device %d)", st.id, st.ordinal)
}

func (st *simStream) ID() int      { return st.id }
func (st *simStream) Ordinal() int { return st.ordinal }

func (st *simStream) loop() {
	defer close(st.exited)
	for op := range st.ops {
		if op.run != nil {
			st.errMu.Lock()
			failed := st.err != nil
			st.errMu.Unlock()
			if !failed {
				if err := runKernel(op.run); err != nil {
					st.errMu.Lock()
					st.err = errors.WithMessagef(err, "%s", st)
					st.errMu.Unlock()
				}
			}
		}
		if op.event != nil {
			st.errMu.Lock()
			err := st.err
			if op.clear {
				st.err = nil
			}
			st.errMu.Unlock()
			op.event.complete(err)
		}
	}
}

// runKernel runs the kernel, converting a panic into an error.
func runKernel(kernel func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("kernel panicked: %v", r)
		}
	}()
	return kernel()
}

// issue enqueues the operation, or returns false if the stream is destroyed.
func (st *simStream) issue(op simOp) bool {
	st.closeMu.RLock()
	defer st.closeMu.RUnlock()
	if st.destroyed {
		return false
	}
	st.ops <- op
	return true
}

// MemcpyAsync implements Stream.
func (st *simStream) MemcpyAsync(dst, src unsafe.Pointer, size int) {
	st.device.copies.Add(1)
	st.issue(simOp{run: func() error { return memcpy(dst, src, size) }})
}

// Launch implements Stream.
func (st *simStream) Launch(kernel func() error) {
	st.device.launches.Add(1)
	st.issue(simOp{run: kernel})
}

func (st *simStream) recordEvent(clear bool) *Event {
	e := newEvent()
	if !st.issue(simOp{event: e, clear: clear}) {
		e.complete(errors.Wrapf(ErrStreamDestroyed, "%s", st))
	}
	return e
}

// Record implements Stream.
func (st *simStream) Record() *Event {
	return st.recordEvent(false)
}

// Synchronize implements Stream. The sticky error is cleared once returned.
func (st *simStream) Synchronize() error {
	return st.recordEvent(true).AwaitAndFree()
}

// Destroy implements Stream.
func (st *simStream) Destroy() error {
	st.closeMu.Lock()
	if st.destroyed {
		st.closeMu.Unlock()
		return nil
	}
	st.destroyed = true
	close(st.ops)
	st.closeMu.Unlock()
	<-st.exited
	st.device.streams.Add(-1)
	klog.V(2).Infof("Destroyed %s", st)
	return nil
}
