package device

import (
	"fmt"

	"github.com/gomlx/devexec/datastore"
	"github.com/gomlx/devexec/ops"
	"github.com/pkg/errors"
)

// ErrorKind classifies the failures reported to the Listener.
type ErrorKind int

const (
	// NotFoundError is reported when a task or a piece of data is neither local nor known as remote.
	NotFoundError ErrorKind = iota

	// TransferError is reported when fetching a remote input fails: the source device is unknown or closed,
	// it doesn't have the data, or the copy failed.
	TransferError

	// AllocationError is reported when the DataStore couldn't allocate a buffer.
	AllocationError

	// ExecutionError is reported when the task body fails or panics, or when the device can't run it.
	ExecutionError
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case NotFoundError:
		return "NotFoundError"
	case TransferError:
		return "TransferError"
	case AllocationError:
		return "AllocationError"
	case ExecutionError:
		return "ExecutionError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error type returned and reported by devices.
// Data is 0 when the failure is not related to a specific piece of data.
type Error struct {
	Kind   ErrorKind
	Device uint64
	Task   ops.TaskID
	Data   datastore.DataID
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s on device #%d", e.Kind, e.Device)
	if e.Task != 0 {
		msg += fmt.Sprintf(", task #%d", e.Task)
	}
	if e.Data != 0 {
		msg += fmt.Sprintf(", data #%d", e.Data)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error, for errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Cause returns the underlying error, for github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.Err }

// Format implements fmt.Formatter: "%+v" prints the underlying error with its stack trace.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Err != nil {
		_, _ = fmt.Fprintf(s, "%s: %+v", (&Error{Kind: e.Kind, Device: e.Device, Task: e.Task, Data: e.Data}).Error(), e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// KindOf returns the ErrorKind of err, if it is (or wraps) an *Error.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var devErr *Error
	if errors.As(err, &devErr) {
		return devErr.Kind, true
	}
	return 0, false
}

// forTask returns err attributed to task. Errors shared by concurrent transfers are attributed to the
// task that started the transfer, and re-attributed to each waiting task.
func forTask(err error, deviceID uint64, task ops.TaskID) *Error {
	var devErr *Error
	if !errors.As(err, &devErr) {
		return &Error{Kind: ExecutionError, Device: deviceID, Task: task, Err: err}
	}
	if devErr.Task == task {
		return devErr
	}
	c := *devErr
	c.Task = task
	return &c
}
