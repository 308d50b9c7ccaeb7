package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/wizvms/internal/metrics"
	"github.com/CZERTAINLY/wizvms/internal/model"
)

// Episodes is what the Supervisor drives, Collector in production.
type Episodes interface {
	Collect(ctx context.Context) Episode
	Shutdown()
}

type Supervisor struct {
	episodes  Episodes
	oneshot   bool
	scheduler gocron.Scheduler
	listen    string
	start     chan struct{}

	mx      sync.Mutex
	running bool
	last    *Episode
}

func NewSupervisor(ctx context.Context, cfg model.Service, episodes Episodes) (*Supervisor, error) {
	supervisor := &Supervisor{
		episodes: episodes,
		oneshot:  cfg.Mode != model.ServiceModeTimer,
		start:    make(chan struct{}, 1),
	}
	if cfg.Metrics != nil {
		supervisor.listen = cfg.Metrics.Listen
	}

	if cfg.Mode == model.ServiceModeTimer {
		scheduler, err := newScheduler(ctx, cfg.Schedule, supervisor.Start)
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		supervisor.scheduler = scheduler
	}
	return supervisor, nil
}

// Start asks for a new episode. It never blocks: a request made while
// another one is pending is dropped.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor loop.
//
// Oneshot (manual) mode runs a single episode and returns its error. In
// timer mode episodes are started by the scheduler or by Start, their errors
// are only logged, and the loop runs until ctx is cancelled.
//
// On cancellation the running episode is shut down. Do returns once it has
// terminated.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)

	var wg sync.WaitGroup
	defer wg.Wait()

	if s.listen != "" {
		srv := &http.Server{
			Addr:              s.listen,
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Go(func() {
			slog.InfoContext(ctx, "serving metrics", "listen", s.listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "metrics server failed", "error", err)
			}
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.ErrorContext(ctx, "shutting down metrics server has failed", "error", err)
			}
		}()
	}

	stop := context.AfterFunc(ctx, s.episodes.Shutdown)
	defer stop()

	if s.oneshot {
		return s.run(ctx).Err
	}

	s.scheduler.Start()
	defer func() {
		err := s.scheduler.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			ep := s.run(ctx)
			if ep.Err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "episode failed", "error", ep.Err)
			}
		}
	}
}

func (s *Supervisor) run(ctx context.Context) Episode {
	s.mx.Lock()
	s.running = true
	s.mx.Unlock()

	ep := s.episodes.Collect(ctx)

	s.mx.Lock()
	s.running = false
	s.last = &ep
	s.mx.Unlock()
	return ep
}

type health struct {
	Status  string   `json:"status"`
	Running bool     `json:"running"`
	Last    *Episode `json:"last,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Handler serves /metrics and /healthz.
func (s *Supervisor) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.mx.Lock()
		h := health{Status: "ok", Running: s.running, Last: s.last}
		s.mx.Unlock()
		if h.Last != nil && h.Last.Err != nil {
			h.Status = "degraded"
			h.Error = h.Last.Err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}

func newScheduler(ctx context.Context, cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		interval, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("service.schedule.duration %s is not positive", cfg.Duration)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
