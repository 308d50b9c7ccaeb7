package engine_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/wizvms/internal/engine"
	"github.com/stretchr/testify/require"
)

// spy is a Job counting its invocations and cancellations.
type spy struct {
	engine.Canceler
	name    string
	run     func(ctx context.Context) (engine.Outcome, error)
	calls   atomic.Int32
	cancels atomic.Int32
}

func newSpy(name string, run func(ctx context.Context) (engine.Outcome, error)) *spy {
	return &spy{name: name, run: run}
}

func (p *spy) Execute(ctx context.Context) (engine.Outcome, error) {
	p.calls.Add(1)
	ctx, done := p.Bind(ctx)
	defer done()
	if p.run == nil {
		return engine.Done(), nil
	}
	return p.run(ctx)
}

func (p *spy) Cancel() {
	p.cancels.Add(1)
	p.Canceler.Cancel()
}

func (p *spy) String() string {
	return p.name
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var ret []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		ret = append(ret, line)
	}
	require.NoError(t, scanner.Err())
	return ret
}

func failures(t *testing.T, buf *bytes.Buffer, name string) int {
	t.Helper()
	var n int
	for _, line := range logLines(t, buf) {
		if line["msg"] != "job failed" {
			continue
		}
		job, ok := line["job"].(map[string]any)
		require.True(t, ok, "job attribute is a group")
		if job["name"] == name {
			n++
		}
	}
	return n
}

func TestStartEmpty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := engine.New(engine.Config{Workers: 2}, engine.WithLogger(newLogger(&buf)))

	e.Start(t.Context(), nil)

	require.Equal(t, engine.StateIdle, e.State())
	require.Equal(t, engine.Stats{}, e.Stats())
	require.Contains(t, buf.String(), "engine exits with no jobs to run")
}

func TestFanOut(t *testing.T) {
	t.Parallel()
	b := newSpy("b", nil)
	c := newSpy("c", nil)
	a := newSpy("a", func(context.Context) (engine.Outcome, error) {
		return engine.ThenAll(b, c), nil
	})

	e := engine.New(engine.Config{Workers: 2}, engine.WithLogger(newLogger(io.Discard)))
	e.Start(t.Context(), []engine.Job{a})

	for _, p := range []*spy{a, b, c} {
		require.Equal(t, int32(1), p.calls.Load(), p.name)
	}
	stats := e.Stats()
	require.Equal(t, int64(3), stats.Admitted)
	require.Equal(t, int64(3), stats.Executed)
	require.Zero(t, stats.Active)
	require.Equal(t, engine.StateTerminated, e.State())
}

func TestCascade(t *testing.T) {
	t.Parallel()
	c := newSpy("c", nil)
	b := newSpy("b", func(context.Context) (engine.Outcome, error) {
		return engine.Then(c), nil
	})
	a := newSpy("a", func(context.Context) (engine.Outcome, error) {
		return engine.Then(b), nil
	})

	e := engine.New(engine.Config{Workers: 3}, engine.WithLogger(newLogger(io.Discard)))
	e.Start(t.Context(), []engine.Job{a})

	for _, p := range []*spy{a, b, c} {
		require.Equal(t, int32(1), p.calls.Load(), p.name)
	}
	require.Equal(t, int64(3), e.Stats().Executed)
}

func TestTree(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	var spawn func(depth int) engine.Job
	spawn = func(depth int) engine.Job {
		return engine.Func(fmt.Sprintf("node-%d", depth), func(context.Context) (engine.Outcome, error) {
			calls.Add(1)
			if depth == 0 {
				return nil, nil
			}
			return engine.ThenAll(spawn(depth-1), spawn(depth-1), spawn(depth-1)), nil
		})
	}

	e := engine.New(engine.Config{Workers: 4}, engine.WithLogger(newLogger(io.Discard)))
	e.Start(t.Context(), []engine.Job{spawn(4), spawn(0)})

	// 1+3+9+27+81 for the tree, plus the single leaf
	require.Equal(t, int64(122), calls.Load())
	stats := e.Stats()
	require.Equal(t, stats.Admitted, stats.Executed)
	require.Equal(t, int64(122), stats.Admitted)
}

func TestJobFailure(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer

	orphan := newSpy("orphan", nil)
	fail := newSpy("fail", func(context.Context) (engine.Outcome, error) {
		return engine.Then(orphan), errors.New("boom")
	})
	panicky := newSpy("panicky", func(context.Context) (engine.Outcome, error) {
		panic("kaboom")
	})
	child := newSpy("child", nil)
	ok := newSpy("ok", func(context.Context) (engine.Outcome, error) {
		return engine.Then(child), nil
	})

	e := engine.New(engine.Config{Workers: 2}, engine.WithLogger(newLogger(&buf)))
	e.Start(t.Context(), []engine.Job{fail, panicky, ok})

	require.Equal(t, int32(1), fail.calls.Load())
	require.Equal(t, int32(1), panicky.calls.Load())
	require.Equal(t, int32(1), ok.calls.Load())
	require.Equal(t, int32(1), child.calls.Load())
	require.Zero(t, orphan.calls.Load(), "follow-ups of a failed job are dropped")

	require.Equal(t, 1, failures(t, &buf, "fail"))
	require.Equal(t, 1, failures(t, &buf, "panicky"))
	require.Zero(t, failures(t, &buf, "ok"))

	stats := e.Stats()
	require.Equal(t, int64(2), stats.Failed)
	require.Equal(t, int64(4), stats.Executed)
	require.Zero(t, stats.Active)
}

func TestShutdownDuringRun(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	child := newSpy("child", nil)
	a := newSpy("a", func(ctx context.Context) (engine.Outcome, error) {
		close(started)
		<-ctx.Done()
		return engine.Then(child), nil
	})

	e := engine.New(engine.Config{Workers: 2}, engine.WithLogger(newLogger(io.Discard)))
	go func() {
		<-started
		e.Shutdown()
	}()
	e.Start(t.Context(), []engine.Job{a})

	require.Equal(t, int32(1), a.calls.Load())
	require.Equal(t, int32(1), a.cancels.Load())
	require.Zero(t, child.calls.Load())
	require.Zero(t, e.Stats().Active)
	require.Equal(t, engine.StateTerminated, e.State())
}

func TestShutdownSkipsQueued(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	a := newSpy("a", func(ctx context.Context) (engine.Outcome, error) {
		close(started)
		<-ctx.Done()
		return engine.Done(), nil
	})
	b := newSpy("b", nil)

	e := engine.New(engine.Config{Workers: 1}, engine.WithLogger(newLogger(io.Discard)))
	go func() {
		<-started
		e.Shutdown()
		e.Shutdown() // idempotent
	}()
	e.Start(t.Context(), []engine.Job{a, b})

	require.Equal(t, int32(1), a.calls.Load())
	require.Zero(t, b.calls.Load())
	require.Equal(t, int32(1), b.cancels.Load())

	stats := e.Stats()
	require.Equal(t, int64(2), stats.Admitted)
	require.Equal(t, int64(1), stats.Executed)
	require.Equal(t, int64(1), stats.Skipped)
	require.Zero(t, stats.Active)
}

func TestShutdownBeforeStart(t *testing.T) {
	t.Parallel()
	a := newSpy("a", nil)

	e := engine.New(engine.Config{Workers: 1}, engine.WithLogger(newLogger(io.Discard)))
	e.Shutdown()
	e.Start(t.Context(), []engine.Job{a})

	require.Zero(t, a.calls.Load())
	stats := e.Stats()
	require.Zero(t, stats.Admitted)
	require.Equal(t, int64(1), stats.Refused)
	require.Equal(t, engine.StateTerminated, e.State())
}

func TestContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	started := make(chan struct{})
	a := newSpy("a", func(ctx context.Context) (engine.Outcome, error) {
		close(started)
		<-ctx.Done()
		return engine.Done(), nil
	})

	e := engine.New(engine.Config{Workers: 1}, engine.WithLogger(newLogger(io.Discard)))
	go func() {
		<-started
		cancel()
	}()
	e.Start(ctx, []engine.Job{a})

	require.Equal(t, int32(1), a.cancels.Load())
	require.Equal(t, engine.StateTerminated, e.State())
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := engine.New(engine.Config{Workers: 1}, engine.WithLogger(newLogger(&buf)))

	first := newSpy("first", nil)
	e.Start(t.Context(), []engine.Job{first})
	second := newSpy("second", nil)
	e.Start(t.Context(), []engine.Job{second})

	require.Equal(t, int32(1), first.calls.Load())
	require.Zero(t, second.calls.Load())
	require.Contains(t, buf.String(), "engine can be started only once")
}

func TestLoopFailure(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	b := newSpy("b", nil)
	a := newSpy("a", func(context.Context) (engine.Outcome, error) {
		return &engine.SingleFollowUp{Job: b}, nil
	})

	e := engine.New(engine.Config{Workers: 1}, engine.WithLogger(newLogger(&buf)))
	e.Start(t.Context(), []engine.Job{a})

	require.Equal(t, int32(1), a.calls.Load())
	require.Zero(t, b.calls.Load())
	require.Equal(t, engine.StateTerminated, e.State())
	require.Zero(t, e.Stats().Active)
	require.Contains(t, buf.String(), "engine encountered a failure")
}

func TestBoundedConcurrency(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var running, peak atomic.Int32
		sleeper := func(context.Context) (engine.Outcome, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Second)
			running.Add(-1)
			return engine.Done(), nil
		}

		jobs := make([]engine.Job, 9)
		for i := range jobs {
			jobs[i] = engine.Func(fmt.Sprintf("sleep-%d", i), sleeper)
		}

		e := engine.New(engine.Config{Workers: 3}, engine.WithLogger(newLogger(io.Discard)))
		start := time.Now()
		e.Start(t.Context(), jobs)

		require.Equal(t, 3*time.Second, time.Since(start))
		require.Equal(t, int32(3), peak.Load())
		require.Equal(t, int64(9), e.Stats().Executed)
	})
}

// stubborn ignores Cancel and returns only once released.
type stubborn struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stubborn) Execute(context.Context) (engine.Outcome, error) {
	close(s.entered)
	<-s.release
	return engine.Done(), nil
}

func (s *stubborn) Cancel() {}

func TestShutdownWaitsForStubbornJob(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		job := &stubborn{entered: make(chan struct{}), release: make(chan struct{})}
		e := engine.New(engine.Config{Workers: 1}, engine.WithLogger(newLogger(io.Discard)))

		done := make(chan struct{})
		go func() {
			defer close(done)
			e.Start(t.Context(), []engine.Job{job})
		}()

		<-job.entered
		e.Shutdown()
		synctest.Wait()

		select {
		case <-done:
			t.Fatal("Start returned while a job is still executing")
		default:
		}
		require.Equal(t, engine.StateDraining, e.State())
		require.Equal(t, 1, e.Stats().Active)

		close(job.release)
		<-done
		require.Equal(t, engine.StateTerminated, e.State())
		require.Zero(t, e.Stats().Active)
	})
}

type named struct {
	spy
}

func (n *named) Name() string {
	return "named-" + n.spy.name
}

func TestJobName(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	job := &named{spy: spy{name: "job", run: func(context.Context) (engine.Outcome, error) {
		return nil, errors.New("boom")
	}}}

	e := engine.New(engine.Config{Workers: 1}, engine.WithLogger(newLogger(&buf)))
	e.Start(t.Context(), []engine.Job{job})

	require.Equal(t, 1, failures(t, &buf, "named-job"))
	require.Zero(t, failures(t, &buf, "job"))
}
