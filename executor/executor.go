// Package executor provides the lanes devices run their tasks on: a fixed set of workers pulling closures from
// an unbounded FIFO queue.
//
// Devices take an Executor at construction, so tests can substitute a single-lane Pool to get a deterministic
// execution order.
package executor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/v2/queues/linkedlistqueue"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrClosed is returned by Submit after the executor is closed.
var ErrClosed = errors.New("executor closed")

// Executor runs submitted functions on one of its lanes.
type Executor interface {
	// Submit enqueues fn to be run on the first idle lane, which is passed as argument.
	// It never blocks waiting for a lane. It returns ErrClosed if the executor is closed.
	Submit(fn func(lane int)) error

	// Lanes returns the number of lanes, lanes passed to submitted functions are in [0, Lanes()).
	Lanes() int

	// Close stops accepting new work, runs everything already queued and waits for all lanes to exit.
	// It is idempotent.
	Close()
}

type job struct {
	fn func(lane int)
}

// Pool is an Executor with a fixed number of lanes, each a goroutine, and a shared FIFO queue.
// There is no priority: work is dequeued in submission order by whichever lane becomes idle first.
type Pool struct {
	name  string
	lanes int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *linkedlistqueue.Queue[*job]
	closed bool

	wg   sync.WaitGroup
	busy atomic.Int32
}

var _ Executor = (*Pool)(nil)

// NewPool creates a Pool with the given number of lanes and starts them. The name is used for logging.
func NewPool(name string, lanes int) *Pool {
	if lanes <= 0 {
		panic(fmt.Sprintf("executor.NewPool(%q): number of lanes must be > 0, got %d", name, lanes))
	}
	p := &Pool{
		name:  name,
		lanes: lanes,
		queue: linkedlistqueue.New[*job](),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(lanes)
	for lane := range lanes {
		go p.worker(lane)
	}
	klog.V(2).Infof("%s: started %d lanes", p, lanes)
	return p
}

// String implements fmt.Stringer.
func (p *Pool) String() string {
	return fmt.Sprintf("Pool[%s]", p.name)
}

// Lanes implements Executor.
func (p *Pool) Lanes() int { return p.lanes }

// Submit implements Executor.
func (p *Pool) Submit(fn func(lane int)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.Wrapf(ErrClosed, "%s", p)
	}
	p.queue.Enqueue(&job{fn: fn})
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued functions not yet picked up by a lane.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Size()
}

// Busy returns the number of lanes currently running a function.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) worker(lane int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for p.queue.Empty() && !p.closed {
			p.cond.Wait()
		}
		j, ok := p.queue.Dequeue()
		p.mu.Unlock()
		if !ok {
			// Closed and drained.
			return
		}
		p.run(j, lane)
	}
}

// run executes the job, a panic is logged and doesn't take the lane down.
func (p *Pool) run(j *job, lane int) {
	p.busy.Add(1)
	defer p.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("%s: lane %d recovered from panic: %v", p, lane, r)
		}
	}()
	j.fn(lane)
}

// Close implements Executor.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.wg.Wait()
	klog.V(2).Infof("%s: all lanes joined", p)
}
