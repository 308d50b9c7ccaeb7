package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job is a unit of schedulable work.
//
// Execute runs on a worker goroutine and may return follow-up work. Cancel
// asks a running or not yet started job to finish early. Cancel must return
// promptly and must be safe to call from any goroutine, at any time.
type Job interface {
	Execute(ctx context.Context) (Outcome, error)
	Cancel()
}

// Outcome is the result of Job.Execute. It is one of NoFollowUp,
// SingleFollowUp or MultiFollowUp. A nil Outcome means NoFollowUp.
type Outcome interface {
	outcome()
}

type NoFollowUp struct{}

type SingleFollowUp struct {
	Job Job
}

type MultiFollowUp struct {
	Jobs []Job
}

func (NoFollowUp) outcome()     {}
func (SingleFollowUp) outcome() {}
func (MultiFollowUp) outcome()  {}

// Done returns an Outcome without follow-up work.
func Done() Outcome {
	return NoFollowUp{}
}

// Then returns an Outcome with a single follow-up job.
func Then(job Job) Outcome {
	return SingleFollowUp{Job: job}
}

// ThenAll returns an Outcome fanning out to jobs.
func ThenAll(jobs ...Job) Outcome {
	return MultiFollowUp{Jobs: jobs}
}

// followUps panics on Outcome variants it does not know, e.g. pointers.
func followUps(o Outcome) []Job {
	switch o := o.(type) {
	case nil, NoFollowUp:
		return nil
	case SingleFollowUp:
		return []Job{o.Job}
	case MultiFollowUp:
		return o.Jobs
	default:
		panic(fmt.Sprintf("unsupported outcome type %T", o))
	}
}

// Canceler implements Cancel for jobs which embed it. Bind derives the
// context Execute should use; it is cancelled by Cancel, including a Cancel
// which arrived before Execute started. A Canceler must not be copied.
type Canceler struct {
	mx       sync.Mutex
	canceled bool
	cancel   context.CancelFunc
}

func (c *Canceler) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.canceled {
		cancel()
	}
	c.cancel = cancel
	return ctx, func() {
		cancel()
		c.mx.Lock()
		c.cancel = nil
		c.mx.Unlock()
	}
}

func (c *Canceler) Cancel() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.canceled = true
	if c.cancel != nil {
		c.cancel()
	}
}

// Canceled reports whether Cancel was called.
func (c *Canceler) Canceled() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.canceled
}

type funcJob struct {
	Canceler
	name string
	fn   func(context.Context) (Outcome, error)
}

// Func adapts a function to the Job interface. The context passed to fn is
// cancelled by Cancel.
func Func(name string, fn func(context.Context) (Outcome, error)) Job {
	return &funcJob{name: name, fn: fn}
}

func (j *funcJob) Execute(ctx context.Context) (Outcome, error) {
	ctx, done := j.Bind(ctx)
	defer done()
	return j.fn(ctx)
}

func (j *funcJob) String() string {
	return j.name
}

// task is a single admission of a Job. The engine tracks tasks, so the same
// Job value admitted twice is two distinct entries.
type task struct {
	id  string
	job Job
}

func (t *task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.id),
		slog.String("name", jobName(t.job)),
	)
}

// Named jobs are logged by their name.
type Named interface {
	Name() string
}

func jobName(job Job) string {
	if n, ok := job.(Named); ok {
		return n.Name()
	}
	if s, ok := job.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", job)
}
