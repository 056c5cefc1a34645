package accel

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event is a reference to a future event (when something is done), and it is created by asynchronous calls,
// e.g. Stream.Record.
type Event struct {
	done chan struct{}

	mu        sync.Mutex
	err       error
	destroyed bool
}

// newEvent creates a pending Event.
func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// complete marks the event as done with the given error. Only the first call has effect.
func (e *Event) complete(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.done:
		return
	default:
	}
	e.err = err
	close(e.done)
}

// Done returns whether the event has completed, without blocking.
func (e *Event) Done() bool {
	if e == nil {
		return false
	}
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Await blocks the calling goroutine until the event is ready, then returns the error, if any.
func (e *Event) Await() error {
	if e == nil {
		return errors.New("Event is nil")
	}
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()
	if destroyed {
		return errors.New("Event already destroyed")
	}
	<-e.done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Destroy the Event, and Event is no longer valid. It is a no-op if already destroyed.
// Destroying a pending event is an error: the operations it tracks are still in flight.
func (e *Event) Destroy() error {
	if e == nil {
		return nil
	}
	if !e.Done() {
		return errors.New("can't destroy a pending Event")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	return nil
}

// AwaitAndFree blocks the calling goroutine until the event is ready, destroys the event and then returns the
// error, if any.
//
// An error destroying the event is simply reported in the logs, but not returned.
func (e *Event) AwaitAndFree() error {
	err := e.Await()
	if err2 := e.Destroy(); err2 != nil {
		klog.Errorf("Error destroying an event already waited: %+v", err2)
	}
	return err
}
