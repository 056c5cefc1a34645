package device

import (
	"sync"
	"time"

	"github.com/gomlx/devexec/ops"
	"github.com/pkg/errors"
)

// Listener receives the outcome of every task pushed to a device: exactly one of OnTaskComplete or
// OnTaskFailed is called per push.
//
// It is called from the device lanes (or from PushTask itself for tasks that could not be enqueued), concurrently,
// so implementations must be safe for concurrent use and should return quickly.
type Listener interface {
	OnTaskComplete(deviceID uint64, taskID ops.TaskID)
	OnTaskFailed(deviceID uint64, taskID ops.TaskID, kind ErrorKind, err error)
}

// ListenerFuncs adapts functions to a Listener. Nil functions are ignored.
type ListenerFuncs struct {
	Complete func(deviceID uint64, taskID ops.TaskID)
	Failed   func(deviceID uint64, taskID ops.TaskID, kind ErrorKind, err error)
}

var _ Listener = ListenerFuncs{}

// OnTaskComplete implements Listener.
func (l ListenerFuncs) OnTaskComplete(deviceID uint64, taskID ops.TaskID) {
	if l.Complete != nil {
		l.Complete(deviceID, taskID)
	}
}

// OnTaskFailed implements Listener.
func (l ListenerFuncs) OnTaskFailed(deviceID uint64, taskID ops.TaskID, kind ErrorKind, err error) {
	if l.Failed != nil {
		l.Failed(deviceID, taskID, kind, err)
	}
}

// Notification is one call received by a Recorder.
type Notification struct {
	Device uint64
	Task   ops.TaskID
	Failed bool

	// Kind and Err are only set if Failed.
	Kind ErrorKind
	Err  error
}

// Recorder is a Listener that keeps every notification it receives, and lets callers wait for them.
type Recorder struct {
	mu            sync.Mutex
	notifications []Notification
	changed       chan struct{}
}

var _ Listener = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

func (r *Recorder) add(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
	close(r.changed)
	r.changed = make(chan struct{})
}

// OnTaskComplete implements Listener.
func (r *Recorder) OnTaskComplete(deviceID uint64, taskID ops.TaskID) {
	r.add(Notification{Device: deviceID, Task: taskID})
}

// OnTaskFailed implements Listener.
func (r *Recorder) OnTaskFailed(deviceID uint64, taskID ops.TaskID, kind ErrorKind, err error) {
	r.add(Notification{Device: deviceID, Task: taskID, Failed: true, Kind: kind, Err: err})
}

// Notifications returns a copy of the notifications received so far, in arrival order.
func (r *Recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notifications...)
}

// Wait until at least n notifications have been received, or the timeout expires.
// It returns the notifications received so far in either case.
func (r *Recorder) Wait(n int, timeout time.Duration) ([]Notification, error) {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if len(r.notifications) >= n {
			all := append([]Notification(nil), r.notifications...)
			r.mu.Unlock()
			return all, nil
		}
		changed := r.changed
		received := len(r.notifications)
		r.mu.Unlock()
		select {
		case <-changed:
		case <-deadline:
			return r.Notifications(), errors.Errorf("timeout after %s waiting for %d notifications, got %d", timeout, n, received)
		}
	}
}

// WaitFor waits for the notification of the given task on the given device.
func (r *Recorder) WaitFor(deviceID uint64, taskID ops.TaskID, timeout time.Duration) (Notification, error) {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		for _, n := range r.notifications {
			if n.Device == deviceID && n.Task == taskID {
				r.mu.Unlock()
				return n, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()
		select {
		case <-changed:
		case <-deadline:
			return Notification{}, errors.Errorf("timeout after %s waiting for task #%d on device #%d", timeout, taskID, deviceID)
		}
	}
}
