package collect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/CZERTAINLY/wizvms/internal/engine"
	"github.com/CZERTAINLY/wizvms/internal/metrics"
	"github.com/CZERTAINLY/wizvms/internal/model"
	"github.com/CZERTAINLY/wizvms/internal/wiz"
)

// ReportJob authenticates and creates the report of an input.
type ReportJob struct {
	engine.Canceler
	env Env
	in  Input
}

func NewReportJob(env Env, in Input) *ReportJob {
	return &ReportJob{env: env, in: in}
}

func (j *ReportJob) String() string {
	return "report:" + j.in.Name
}

func (j *ReportJob) Execute(ctx context.Context) (engine.Outcome, error) {
	ctx, done := j.Bind(ctx)
	defer done()

	if err := j.env.API.Authenticate(ctx); err != nil {
		return nil, err
	}
	name := ReportName(j.env.Hostname, j.in.Name, j.env.now())
	id, err := j.env.API.CreateReport(ctx, name, j.in.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating report %s: %w", name, err)
	}
	rep := report{id: id, name: name}
	j.env.logger().InfoContext(ctx, "report created: awaiting its completion", "input", j.in.Name, "report", rep)
	return engine.Then(&PollJob{env: j.env, in: j.in, report: rep, attempt: 1}), nil
}

// PollJob queries the status of a report once. While the report runs it
// waits for the poll interval and spawns the next PollJob.
type PollJob struct {
	engine.Canceler
	env     Env
	in      Input
	report  report
	attempt int
}

func (j *PollJob) String() string {
	return "poll:" + j.in.Name + "#" + strconv.Itoa(j.attempt)
}

func (j *PollJob) Execute(ctx context.Context) (engine.Outcome, error) {
	ctx, done := j.Bind(ctx)
	defer done()
	logger := j.env.logger().With("input", j.in.Name, "report", j.report)

	run, err := j.env.API.ReportStatus(ctx, j.report.id)
	if err != nil {
		return nil, err
	}
	metrics.ReportPolls.WithLabelValues(string(run.Status)).Inc()

	switch run.Status {
	case wiz.RunCompleted:
		if run.URL == "" {
			return nil, fmt.Errorf("report %s completed without a download url", j.report.id)
		}
		logger.InfoContext(ctx, "report completed: downloading", "attempt", j.attempt)
		return engine.Then(&DownloadJob{env: j.env, in: j.in, report: j.report, url: run.URL}), nil
	case wiz.RunFailed, wiz.RunExpired:
		return nil, fmt.Errorf("%w: report %s status %s", wiz.ErrReportFailed, j.report.id, run.Status)
	}

	if j.in.MaxPolls > 0 && j.attempt >= j.in.MaxPolls {
		return nil, fmt.Errorf("report %s not completed after %d polls: status %s", j.report.id, j.attempt, run.Status)
	}

	logger.InfoContext(ctx, "report is not completed: sleeping", "status", run.Status, "attempt", j.attempt, "sleep", j.in.PollInterval)
	timer := time.NewTimer(j.in.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		logger.InfoContext(ctx, "polling canceled")
		return engine.Done(), nil
	case <-timer.C:
	}
	return engine.Then(&PollJob{env: j.env, in: j.in, report: j.report, attempt: j.attempt + 1}), nil
}

// DownloadJob downloads and parses a completed report and fans out one
// EmitJob per batch of records.
type DownloadJob struct {
	engine.Canceler
	env    Env
	in     Input
	report report
	url    string
}

func (j *DownloadJob) String() string {
	return "download:" + j.in.Name
}

func (j *DownloadJob) Execute(ctx context.Context) (engine.Outcome, error) {
	ctx, done := j.Bind(ctx)
	defer done()
	logger := j.env.logger().With("input", j.in.Name, "report", j.report)

	body, err := j.env.API.Download(ctx, j.url)
	if err != nil {
		if ctx.Err() != nil {
			logger.InfoContext(ctx, "download canceled")
			return engine.Done(), nil
		}
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	var emits []engine.Job
	batch := make([]model.Record, 0, j.in.BatchSize)
	var total, skipped int
	for rec, err := range wiz.Records(body) {
		var rowErr *wiz.RowError
		switch {
		case errors.As(err, &rowErr):
			skipped++
			logger.WarnContext(ctx, "skipping report row", "line", rowErr.Line, "error", rowErr.Err)
			continue
		case err != nil:
			if ctx.Err() != nil {
				logger.InfoContext(ctx, "download canceled")
				return engine.Done(), nil
			}
			return nil, fmt.Errorf("parsing report %s: %w", j.report.id, err)
		}
		total++
		batch = append(batch, rec)
		if len(batch) == j.in.BatchSize {
			emits = append(emits, j.emit(len(emits), batch))
			batch = make([]model.Record, 0, j.in.BatchSize)
		}
	}
	if len(batch) > 0 {
		emits = append(emits, j.emit(len(emits), batch))
	}

	metrics.RecordsCollected.WithLabelValues(j.in.Name).Add(float64(total))
	logger.InfoContext(ctx, "report parsed", "vms", total, "skipped", skipped, "batches", len(emits))
	if len(emits) == 0 {
		return engine.Done(), nil
	}
	return engine.ThenAll(emits...), nil
}

func (j *DownloadJob) emit(n int, records []model.Record) *EmitJob {
	return &EmitJob{env: j.env, in: j.in, report: j.report, batch: n, records: records}
}

// EmitJob writes a batch of records to the sink.
type EmitJob struct {
	engine.Canceler
	env     Env
	in      Input
	report  report
	batch   int
	records []model.Record
}

func (j *EmitJob) String() string {
	return "emit:" + j.in.Name + "#" + strconv.Itoa(j.batch)
}

func (j *EmitJob) Execute(ctx context.Context) (engine.Outcome, error) {
	ctx, done := j.Bind(ctx)
	defer done()

	now := j.env.now()
	events := make([]model.Event, len(j.records))
	for i, rec := range j.records {
		events[i] = model.Event{
			Time:       now,
			Host:       j.env.Host,
			Source:     model.ReportSource(j.report.id),
			SourceType: j.in.SourceType,
			Index:      j.in.Index,
			Input:      j.in.Name,
			ReportID:   j.report.id,
			Data:       rec,
		}
	}
	if err := j.env.Sink.Write(ctx, events...); err != nil {
		return nil, fmt.Errorf("writing %d events of report %s: %w", len(events), j.report.id, err)
	}
	j.env.logger().DebugContext(ctx, "events written", "input", j.in.Name, "report", j.report, "events", len(events))
	return engine.Done(), nil
}
