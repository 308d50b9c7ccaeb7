package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/wizvms/internal/metrics"
	"github.com/google/uuid"
)

// DefaultWorkers is used when Config.Workers is not positive.
const DefaultWorkers = 4

// State is the lifecycle phase of an Engine.
type State int32

const (
	// StateIdle is the state before Start admits the first job.
	StateIdle State = iota
	// StateRunning means jobs are being executed.
	StateRunning
	// StateDraining means shutdown is in progress and active jobs are
	// being waited for.
	StateDraining
	// StateTerminated is final.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config is the construction time configuration of an Engine.
type Config struct {
	// Workers is the number of jobs executed in parallel.
	Workers int
	// JobDir is the directory the plugin loader discovers job definitions
	// in. The Engine itself never reads it.
	JobDir string
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Admitted int64
	Executed int64
	Failed   int64
	Skipped  int64
	Refused  int64
	Active   int
	Pending  int
}

// Option customizes an Engine created by New.
type Option func(*Engine)

// WithLogger sets the logger, slog.Default by default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// Engine schedules jobs and the jobs they spawn on a Pool. See the package
// documentation for the overall design.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	state  atomic.Int32

	shutdown     atomic.Bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	// mx guards active, which is mutated by the control goroutine (admit)
	// and by the workers (invoke).
	mx     sync.Mutex
	active map[*task]struct{}

	// owned by the control goroutine, no locking
	pool    *Pool
	pending map[*Future]*task

	admitted atomic.Int64
	executed atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
	refused  atomic.Int64
	npending atomic.Int64 // len(pending) for Stats
}

// New returns an idle Engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	e := &Engine{
		cfg:        cfg,
		logger:     slog.Default(),
		shutdownCh: make(chan struct{}),
		active:     make(map[*task]struct{}),
		pending:    make(map[*Future]*task),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Config returns the configuration with defaults applied.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) Stats() Stats {
	e.mx.Lock()
	active := len(e.active)
	e.mx.Unlock()
	return Stats{
		Admitted: e.admitted.Load(),
		Executed: e.executed.Load(),
		Failed:   e.failed.Load(),
		Skipped:  e.skipped.Load(),
		Refused:  e.refused.Load(),
		Active:   active,
		Pending:  int(e.npending.Load()),
	}
}

// Start runs jobs and everything they spawn until no work remains, the
// engine is shut down or ctx is cancelled. It always tears the engine down
// before returning. Job failures are logged, never returned.
//
// Jobs receive a context carrying the values of ctx but not its
// cancellation: they are stopped through Cancel.
func (e *Engine) Start(ctx context.Context, jobs []Job) {
	if len(jobs) == 0 {
		e.logger.WarnContext(ctx, "engine exits with no jobs to run")
		return
	}
	if !e.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		e.logger.ErrorContext(ctx, "engine can be started only once", "state", e.State())
		return
	}

	e.pool = NewPool(e.cfg.Workers)
	stop := context.AfterFunc(ctx, e.Shutdown)
	defer stop()
	defer e.teardown(ctx)

	e.run(ctx, context.WithoutCancel(ctx), jobs)
}

// Shutdown stops the admission of new jobs and makes queued invocations
// skip their job. Jobs already executing are not interrupted. Shutdown may
// be called from any goroutine, any number of times.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.shutdown.Store(true)
		close(e.shutdownCh)
		e.logger.Info("engine received shutdown signal")
	})
}

func (e *Engine) run(ctx, jobCtx context.Context, jobs []Job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "engine encountered a failure", "panic", r)
		}
	}()

	for _, job := range jobs {
		e.admit(ctx, jobCtx, job)
	}

	for !e.shutdown.Load() {
		if len(e.pending) == 0 {
			e.logger.InfoContext(ctx, "engine has no more jobs to run")
			return
		}
		e.logger.DebugContext(ctx, "engine waits for jobs", "pending", len(e.pending))
		for _, outcome := range e.wait() {
			for _, next := range followUps(outcome) {
				if next == nil {
					e.logger.WarnContext(ctx, "ignoring nil follow-up job")
					continue
				}
				e.admit(ctx, jobCtx, next)
			}
		}
	}
	e.logger.InfoContext(ctx, "engine stops scheduling", "pending", len(e.pending))
}

// wait blocks until at least one pending submission has finished or the
// engine is shut down. It removes finished submissions from the pending set
// and returns their outcomes.
func (e *Engine) wait() []Outcome {
	for {
		var done []Outcome
		for f := range e.pending {
			if f.finished() {
				done = append(done, f.outcome)
				delete(e.pending, f)
			}
		}
		if len(done) > 0 {
			e.npending.Store(int64(len(e.pending)))
			return done
		}
		select {
		case <-e.pool.Completions():
		case <-e.shutdownCh:
			return nil
		}
	}
}

// admit registers job and submits it to the pool. It returns false when the
// engine is shut down.
func (e *Engine) admit(ctx, jobCtx context.Context, job Job) bool {
	if e.shutdown.Load() {
		e.refused.Add(1)
		e.logger.DebugContext(ctx, "engine is shut down: job refused", "job", jobName(job))
		return false
	}

	t := &task{id: uuid.NewString(), job: job}
	e.mx.Lock()
	e.active[t] = struct{}{}
	e.mx.Unlock()
	metrics.ActiveJobs.Inc()

	f, err := e.pool.Submit(func() Outcome {
		return e.invoke(jobCtx, t)
	})
	if err != nil {
		e.remove(t)
		e.logger.ErrorContext(ctx, "submitting job", "job", t, "error", err)
		return false
	}
	e.pending[f] = t
	e.npending.Store(int64(len(e.pending)))

	n := e.admitted.Add(1)
	metrics.JobsAdmitted.Inc()
	e.logger.DebugContext(ctx, "job added to the engine", "job", t, "admitted", n)
	return true
}

// invoke runs on a worker goroutine.
func (e *Engine) invoke(ctx context.Context, t *task) (outcome Outcome) {
	defer e.remove(t)
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, t, fmt.Errorf("panic: %v", r))
			outcome = NoFollowUp{}
		}
	}()

	if e.shutdown.Load() {
		e.skipped.Add(1)
		metrics.JobsSkipped.Inc()
		e.logger.DebugContext(ctx, "engine is shut down: job skipped", "job", t)
		return NoFollowUp{}
	}

	e.executed.Add(1)
	metrics.JobsExecuted.Inc()
	out, err := t.job.Execute(ctx)
	if err != nil {
		e.fail(ctx, t, err)
		return NoFollowUp{}
	}
	if out == nil {
		return NoFollowUp{}
	}
	return out
}

func (e *Engine) fail(ctx context.Context, t *task, err error) {
	e.failed.Add(1)
	metrics.JobsFailed.Inc()
	e.logger.ErrorContext(ctx, "job failed", "job", t, "error", err)
}

func (e *Engine) remove(t *task) {
	e.mx.Lock()
	delete(e.active, t)
	e.mx.Unlock()
	metrics.ActiveJobs.Dec()
}

func (e *Engine) teardown(ctx context.Context) {
	e.state.Store(int32(StateDraining))
	e.logger.InfoContext(ctx, "engine is going to tear down")
	e.shutdown.Store(true)

	e.mx.Lock()
	for t := range e.active {
		t.job.Cancel()
	}
	e.mx.Unlock()

	e.pool.Stop()
	clear(e.pending)
	e.npending.Store(0)
	e.state.Store(int32(StateTerminated))

	s := e.Stats()
	e.logger.InfoContext(ctx, "engine successfully tore down",
		slog.Int64("admitted", s.Admitted),
		slog.Int64("executed", s.Executed),
		slog.Int64("failed", s.Failed),
		slog.Int64("skipped", s.Skipped),
	)
}
