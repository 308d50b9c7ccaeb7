package sink

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/CZERTAINLY/wizvms/internal/model"
)

const hecPath = "/services/collector/event"

type HECConfig struct {
	URL        string
	Token      string
	Index      string // overrides the index of the events when set
	SourceType string // overrides the sourcetype of the events when set
	Insecure   bool
	Timeout    time.Duration
	Retries    uint64
	// InitialBackoff is the first retry delay, a second when zero.
	InitialBackoff time.Duration
	HTTPClient     *http.Client
}

// HEC sends events to the Splunk HTTP Event Collector.
type HEC struct {
	cfg        HECConfig
	requestURL string
	client     *http.Client
}

func NewHEC(cfg HECConfig) (*HEC, error) {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the collector url with a scheme and without path, e.g. `https://splunk:8088`")
	}
	parsedURL.Path = hecPath
	if cfg.Token == "" {
		return nil, errors.New("hec token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		client = &http.Client{Transport: transport, Timeout: cfg.Timeout}
	}

	return &HEC{
		cfg:        cfg,
		requestURL: parsedURL.String(),
		client:     client,
	}, nil
}

// hecEvent is the envelope of a single HEC event.
type hecEvent struct {
	Time       float64      `json:"time"`
	Host       string       `json:"host,omitempty"`
	Source     string       `json:"source,omitempty"`
	SourceType string       `json:"sourcetype,omitempty"`
	Index      string       `json:"index,omitempty"`
	Event      model.Record `json:"event"`
}

type hecResponse struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

// Write sends events in a single batch request. Retries happen on network
// errors, 429 and 5xx responses.
func (h *HEC) Write(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, ev := range events {
		he := hecEvent{
			Time:       float64(ev.Time.UnixMilli()) / 1000,
			Host:       ev.Host,
			Source:     ev.Source,
			SourceType: ev.SourceType,
			Index:      ev.Index,
			Event:      ev.Data,
		}
		if h.cfg.Index != "" {
			he.Index = h.cfg.Index
		}
		if h.cfg.SourceType != "" {
			he.SourceType = h.cfg.SourceType
		}
		if err := enc.Encode(he); err != nil {
			return fmt.Errorf("encoding hec event: %w", err)
		}
	}
	body := buf.Bytes()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, h.cfg.Retries), ctx)

	err := backoff.RetryNotify(func() error {
		return h.post(ctx, body)
	}, policy, func(err error, next time.Duration) {
		slog.WarnContext(ctx, "hec request failed: retrying", "error", err, "next", next)
	})
	count("hec", len(events), err)
	if err != nil {
		return fmt.Errorf("hec: %w", err)
	}
	slog.DebugContext(ctx, "events sent to hec", "events", len(events))
	return nil
}

func (h *HEC) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.requestURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Splunk "+h.cfg.Token)

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return decodeHECResponse(resp)
}

func decodeHECResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var hr hecResponse
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/json" {
		_ = json.NewDecoder(resp.Body).Decode(&hr)
	} else {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		hr.Text = strings.TrimSpace(string(b))
	}
	err := fmt.Errorf("status code: %d, code: %d, detail: %s", resp.StatusCode, hr.Code, hr.Text)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return err
	default:
		return backoff.Permanent(err)
	}
}
