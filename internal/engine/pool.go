package engine

import (
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrPoolStopped = errors.New("pool stopped")

// Future is a handle of a function submitted to the Pool.
type Future struct {
	done    chan struct{}
	outcome Outcome
}

// Done is closed once the submitted function returned.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Outcome waits for the submitted function and returns its result.
func (f *Future) Outcome() Outcome {
	<-f.done
	return f.outcome
}

func (f *Future) finished() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type submission struct {
	fn     func() Outcome
	future *Future
}

// Pool runs submitted functions on a fixed number of worker goroutines.
// Submit never blocks: work exceeding the number of workers waits in an
// unbounded FIFO queue inside the pool. Submitted functions must not panic.
type Pool struct {
	mx      sync.Mutex
	cond    *sync.Cond
	queue   []submission
	running int
	stopped bool

	completions chan struct{}
	g           errgroup.Group
}

func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		completions: make(chan struct{}, 1),
	}
	p.cond = sync.NewCond(&p.mx)
	for range workers {
		p.g.Go(p.work)
	}
	return p
}

// Submit queues fn for execution. It returns ErrPoolStopped after Stop.
func (p *Pool) Submit(fn func() Outcome) (*Future, error) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.stopped {
		return nil, ErrPoolStopped
	}
	f := &Future{done: make(chan struct{})}
	p.queue = append(p.queue, submission{fn: fn, future: f})
	p.cond.Signal()
	return f, nil
}

// Completions receives a value after one or more submissions finished. The
// channel is buffered, so a completion happening while nobody listens is
// not lost, but several completions may be coalesced into one value.
func (p *Pool) Completions() <-chan struct{} {
	return p.completions
}

// Stop refuses new submissions and blocks until every queued and running
// function has returned.
func (p *Pool) Stop() {
	p.mx.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mx.Unlock()
	_ = p.g.Wait() // workers never return an error
}

// Running returns the number of functions being executed right now.
func (p *Pool) Running() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.running
}

// Queued returns the number of submissions waiting for a worker.
func (p *Pool) Queued() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.queue)
}

func (p *Pool) work() error {
	for {
		p.mx.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mx.Unlock()
			return nil
		}
		s := p.queue[0]
		p.queue[0] = submission{}
		p.queue = p.queue[1:]
		p.running++
		p.mx.Unlock()

		s.future.outcome = s.fn()

		p.mx.Lock()
		p.running--
		p.mx.Unlock()
		close(s.future.done)

		select {
		case p.completions <- struct{}{}:
		default:
		}
	}
}
