// Package collect implements the jobs collecting the virtual machines of a
// Wiz project:
//
//	ReportJob --> PollJob --> PollJob ... --> DownloadJob --+--> EmitJob
//	                                                        +--> EmitJob
//	                                                        +--> ...
//
// Every stage is a separate engine job, so an engine shutdown stops a
// collection between two polls.
package collect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/wizvms/internal/engine"
	"github.com/CZERTAINLY/wizvms/internal/model"
	"github.com/CZERTAINLY/wizvms/internal/plugin"
	"github.com/CZERTAINLY/wizvms/internal/wiz"
)

// Kind of the inputs collecting virtual machines.
const Kind = "wiz_virtual_machines"

const (
	DefaultPollInterval = 10 * time.Second
	DefaultBatchSize    = 500
)

// API is the part of the Wiz client the jobs use.
type API interface {
	Authenticate(ctx context.Context) error
	CreateReport(ctx context.Context, name, projectID string) (string, error)
	ReportStatus(ctx context.Context, reportID string) (wiz.Run, error)
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Env is shared by all jobs of an episode.
type Env struct {
	API  API
	Sink model.EventWriter
	// Host of the emitted events, the Wiz API host.
	Host string
	// Hostname is part of the report names, os.Hostname when empty.
	Hostname string
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Input is the definition of a wiz_virtual_machines input.
type Input struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	ProjectID    string        `mapstructure:"project_id"`
	Index        string        `mapstructure:"index"`
	SourceType   string        `mapstructure:"sourcetype"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxPolls bounds the number of status queries, 0 means no bound.
	MaxPolls  int `mapstructure:"max_polls"`
	BatchSize int `mapstructure:"batch_size"`
}

func (in *Input) validate() error {
	var errs []error
	if in.ProjectID == "" {
		errs = append(errs, errors.New("project_id is required"))
	}
	if in.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval %s is negative", in.PollInterval))
	}
	if in.MaxPolls < 0 {
		errs = append(errs, fmt.Errorf("max_polls %d is negative", in.MaxPolls))
	}
	if in.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch_size %d is negative", in.BatchSize))
	}
	if in.PollInterval == 0 {
		in.PollInterval = DefaultPollInterval
	}
	if in.BatchSize == 0 {
		in.BatchSize = DefaultBatchSize
	}
	return errors.Join(errs...)
}

// Register registers the wiz_virtual_machines kind. Jobs created by the
// factory share env.
func Register(reg *plugin.Registry, env Env) error {
	if env.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("getting hostname: %w", err)
		}
		env.Hostname = h
	}
	return reg.Register(Kind, func(def plugin.Definition) (engine.Job, error) {
		var in Input
		if err := def.Decode(&in); err != nil {
			return nil, err
		}
		if err := in.validate(); err != nil {
			return nil, err
		}
		return NewReportJob(env, in), nil
	})
}

// ReportName is the name of a report created for input at now.
func ReportName(hostname, input string, now time.Time) string {
	return fmt.Sprintf("wizvms_%s_%s_%d", hostname, input, now.Unix())
}

// report identifies a report created by a ReportJob.
type report struct {
	id   string
	name string
}

func (r report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.id),
		slog.String("name", r.name),
	)
}
