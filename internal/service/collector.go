package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/wizvms/internal/collect"
	"github.com/CZERTAINLY/wizvms/internal/engine"
	"github.com/CZERTAINLY/wizvms/internal/log"
	"github.com/CZERTAINLY/wizvms/internal/metrics"
	"github.com/CZERTAINLY/wizvms/internal/model"
	"github.com/CZERTAINLY/wizvms/internal/plugin"
	"github.com/CZERTAINLY/wizvms/internal/sink"
	"github.com/CZERTAINLY/wizvms/internal/wiz"
)

// ErrJobsFailed is returned by Collect when at least one job of the episode
// failed.
var ErrJobsFailed = errors.New("collection jobs failed")

// Episode is the result of a single collection.
type Episode struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Stats    engine.Stats  `json:"stats"`
	Err      error         `json:"-"`
}

func (e Episode) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("id", e.ID),
		slog.Duration("duration", e.Duration),
		slog.Int64("executed", e.Stats.Executed),
		slog.Int64("failed", e.Stats.Failed),
		slog.Int64("skipped", e.Stats.Skipped),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// Collector runs collection episodes. The Wiz client and so its access
// token are shared by all episodes, everything else is created per episode.
type Collector struct {
	cfg  model.Config
	api  collect.API
	host string
	now  func() time.Time

	mx      sync.Mutex
	running *engine.Engine
}

func NewCollector(ctx context.Context, cfg model.Config) (*Collector, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	wcfg, err := wizConfig(cfg.Wiz)
	if err != nil {
		return nil, err
	}
	client, err := wiz.NewClient(ctx, wcfg)
	if err != nil {
		return nil, fmt.Errorf("initializing wiz client: %w", err)
	}
	return &Collector{
		cfg:  cfg,
		api:  client,
		host: client.Host(),
		now:  time.Now,
	}, nil
}

// WithAPI replaces the Wiz client of an initialized Collector.
// This method exists for a unit testing only.
func (c *Collector) WithAPI(api collect.API, host string) *Collector {
	c.api = api
	c.host = host
	return c
}

func wizConfig(cfg model.Wiz) (wiz.Config, error) {
	ret := wiz.Config{
		AuthURL:      cfg.AuthURL,
		APIURL:       cfg.APIURL,
		ClientID:     expand(cfg.ClientID),
		ClientSecret: expand(cfg.ClientSecret),
		Audience:     cfg.Audience,
		RateLimit:    cfg.RateLimit,
		Retries:      wiz.DefaultRetries,
	}
	if ret.ClientID == "" || ret.ClientSecret == "" {
		return wiz.Config{}, model.ErrNoCredentials
	}
	if cfg.Retries != nil {
		ret.Retries = *cfg.Retries
	}
	if cfg.Timeout != "" {
		d, err := model.ParseCueDuration(cfg.Timeout)
		if err != nil {
			return wiz.Config{}, fmt.Errorf("parsing wiz.timeout: %w", err)
		}
		ret.Timeout = d
	}
	return ret, nil
}

func expand(v string) string {
	if strings.HasPrefix(v, "$") {
		return os.ExpandEnv(v)
	}
	return v
}

// Definitions returns the inputs of the configuration file followed by the
// inputs of the job directory. Invalid definitions are logged and skipped.
func (c *Collector) Definitions(ctx context.Context) []plugin.Definition {
	defs, err := plugin.FromConfig(c.cfg.Inputs)
	if err != nil {
		slog.WarnContext(ctx, "ignoring invalid inputs of the configuration", "error", err)
	}
	if c.cfg.Engine.JobDir != "" {
		dirDefs, err := plugin.ReadDir(ctx, c.cfg.Engine.JobDir)
		if err != nil {
			slog.WarnContext(ctx, "ignoring invalid inputs of the job directory", "job_dir", c.cfg.Engine.JobDir, "error", err)
		}
		defs = append(defs, dirDefs...)
	}
	return defs
}

// Collect runs one episode and blocks until its engine terminates.
func (c *Collector) Collect(ctx context.Context) (ep Episode) {
	ep = Episode{
		ID:      uuid.NewString(),
		Started: c.now(),
	}
	ctx = log.ContextAttrs(ctx, slog.String("episode", ep.ID))
	defer func() {
		ep.Duration = c.now().Sub(ep.Started)
		result := "ok"
		if ep.Err != nil {
			result = "failed"
		}
		metrics.Episodes.WithLabelValues(result).Inc()
		slog.InfoContext(ctx, "episode finished", "episode", ep)
	}()

	defs := c.Definitions(ctx)
	if len(defs) == 0 {
		ep.Err = model.ErrNoInputs
		return ep
	}

	sinks, err := sink.FromConfig(ctx, c.cfg.Sinks, ep.Started)
	if err != nil {
		ep.Err = fmt.Errorf("initializing sinks: %w", err)
		return ep
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			slog.ErrorContext(ctx, "closing sinks failed", "error", err)
			ep.Err = errors.Join(ep.Err, err)
		}
	}()

	reg := plugin.NewRegistry()
	err = collect.Register(reg, collect.Env{
		API:    c.api,
		Sink:   sinks,
		Host:   c.host,
		Now:    c.now,
		Logger: slog.Default(),
	})
	if err != nil {
		ep.Err = err
		return ep
	}
	jobs, err := reg.Jobs(defs)
	if err != nil {
		slog.WarnContext(ctx, "ignoring invalid inputs", "error", err, "kinds", reg.Kinds())
	}
	if len(jobs) == 0 {
		ep.Err = errors.Join(model.ErrNoInputs, err)
		return ep
	}

	e := engine.New(engine.Config{
		Workers: c.cfg.Engine.Workers,
		JobDir:  c.cfg.Engine.JobDir,
	})
	if !c.setRunning(e) {
		ep.Err = errors.New("another episode is running")
		return ep
	}
	defer c.setRunning(nil)

	slog.InfoContext(ctx, "episode started", "inputs", len(jobs), "workers", e.Config().Workers)
	e.Start(ctx, jobs)

	ep.Stats = e.Stats()
	if ep.Stats.Failed > 0 {
		ep.Err = fmt.Errorf("%w: %d of %d", ErrJobsFailed, ep.Stats.Failed, ep.Stats.Executed)
	}
	return ep
}

func (c *Collector) setRunning(e *engine.Engine) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if e != nil && c.running != nil {
		return false
	}
	c.running = e
	return true
}

// Shutdown shuts the engine of the running episode down. It does nothing
// when no episode runs.
func (c *Collector) Shutdown() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.running != nil {
		c.running.Shutdown()
	}
}

// Running reports if an episode is running.
func (c *Collector) Running() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.running != nil
}
