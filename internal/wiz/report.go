package wiz

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

const createReportMutation = `mutation CreateReport($input: CreateReportInput!) {
  createReport(input: $input) {
    report {
      id
    }
  }
}`

const reportDownloadURLQuery = `query ReportDownloadUrl($reportId: ID!) {
  report(id: $reportId) {
    lastRun {
      url
      status
    }
  }
}`

// RunStatus is the status of the last run of a report.
type RunStatus string

const (
	RunPending    RunStatus = "PENDING"
	RunInProgress RunStatus = "IN_PROGRESS"
	RunCompleted  RunStatus = "COMPLETED"
	RunFailed     RunStatus = "FAILED"
	RunExpired    RunStatus = "EXPIRED"
)

// Terminal reports whether the run will not change its status anymore.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunExpired:
		return true
	default:
		return false
	}
}

// Run is the last run of a report. URL is set once the run is completed.
type Run struct {
	Status RunStatus
	URL    string
}

// CreateReport creates a cloud resource report of the virtual machines of
// projectID and returns its id. The report runs asynchronously.
func (c *Client) CreateReport(ctx context.Context, name, projectID string) (string, error) {
	vars := map[string]any{
		"input": map[string]any{
			"name":      name,
			"type":      "CLOUD_RESOURCE",
			"projectId": projectID,
			"cloudResourceParams": map[string]any{
				"includeCloudNativeJSON": true,
				"includeWizJSON":         true,
				"entityType":             []string{"VIRTUAL_MACHINE"},
			},
		},
	}
	var data struct {
		CreateReport struct {
			Report struct {
				ID string `json:"id"`
			} `json:"report"`
		} `json:"createReport"`
	}
	if err := c.query(ctx, "CreateReport", createReportMutation, vars, &data); err != nil {
		return "", err
	}
	id := data.CreateReport.Report.ID
	if id == "" {
		return "", fmt.Errorf("CreateReport: empty report id")
	}
	c.logger.InfoContext(ctx, "report created", "report_name", name, "report_id", id, "project_id", projectID)
	return id, nil
}

// ReportStatus returns the last run of the report. A report without a run
// yet is reported as pending.
func (c *Client) ReportStatus(ctx context.Context, reportID string) (Run, error) {
	var data struct {
		Report *struct {
			LastRun *struct {
				URL    string `json:"url"`
				Status string `json:"status"`
			} `json:"lastRun"`
		} `json:"report"`
	}
	vars := map[string]any{"reportId": reportID}
	if err := c.query(ctx, "ReportDownloadUrl", reportDownloadURLQuery, vars, &data); err != nil {
		return Run{}, err
	}
	if data.Report == nil {
		return Run{}, fmt.Errorf("ReportDownloadUrl: report %s not found", reportID)
	}
	if data.Report.LastRun == nil || data.Report.LastRun.Status == "" {
		return Run{Status: RunPending}, nil
	}
	return Run{
		Status: RunStatus(data.Report.LastRun.Status),
		URL:    data.Report.LastRun.URL,
	}, nil
}

// Download fetches the CSV of a completed run. The URL is pre-signed, so no
// access token is sent. The caller closes the returned body.
func (c *Client) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := c.retry(ctx, "download", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.plain.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			body = resp.Body
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			_ = resp.Body.Close()
			return &statusError{status: resp.StatusCode}
		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			return backoff.Permanent(&statusError{status: resp.StatusCode, body: strings.TrimSpace(string(b))})
		}
	})
	if err != nil {
		return nil, fmt.Errorf("downloading report: %w", err)
	}
	return body, nil
}
