// Package sink implements the event writers records end up in: JSON lines
// on stdout or in a directory, the Splunk HTTP Event Collector, a SQLite
// inventory and a CycloneDX inventory BOM.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/wizvms/internal/metrics"
	"github.com/CZERTAINLY/wizvms/internal/model"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("sink closed")

func expand(v string) string {
	if strings.HasPrefix(v, "$") {
		return os.ExpandEnv(v)
	}
	return v
}

func count(sink string, n int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.EventsWritten.WithLabelValues(sink, result).Add(float64(n))
}

// FromConfig creates the sinks of an episode. An empty list writes to
// stdout. started names the files the episode creates.
func FromConfig(ctx context.Context, cfgs []model.Sink, started time.Time) (*Multi, error) {
	if len(cfgs) == 0 {
		cfgs = []model.Sink{{Type: model.SinkStdout}}
	}
	var sinks []model.EventWriter
	var errs []error
	for i, cfg := range cfgs {
		s, err := fromConfig(ctx, cfg, started)
		if err != nil {
			errs = append(errs, fmt.Errorf("sink[%d] %s: %w", i, cfg.Type, err))
			continue
		}
		sinks = append(sinks, s)
	}
	m := NewMulti(sinks...)
	if err := errors.Join(errs...); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func fromConfig(ctx context.Context, cfg model.Sink, started time.Time) (model.EventWriter, error) {
	switch cfg.Type {
	case model.SinkStdout:
		return NewWriter(os.Stdout), nil
	case model.SinkDir:
		return NewDir(cfg.Path, started)
	case model.SinkHEC:
		return NewHEC(HECConfig{
			URL:        cfg.URL,
			Token:      expand(cfg.Token),
			Index:      cfg.Index,
			SourceType: cfg.SourceType,
			Insecure:   cfg.Insecure,
		})
	case model.SinkSQLite:
		return NewSQLite(ctx, cfg.Path, slog.Default())
	case model.SinkCycloneDX:
		return NewBOM(cfg.Path, started)
	default:
		return nil, fmt.Errorf("unsupported sink type %q", cfg.Type)
	}
}

// Multi writes every event to all sinks. A Write runs the sinks
// concurrently, one goroutine per sink, while calls to Write are
// serialized, so a sink never sees two writes at once.
type Multi struct {
	mx     sync.Mutex
	sinks  []model.EventWriter
	closed bool
}

func NewMulti(sinks ...model.EventWriter) *Multi {
	return &Multi{sinks: sinks}
}

// Write writes events to every sink even when some of them fail. The
// errors are joined.
func (m *Multi) Write(ctx context.Context, events ...model.Event) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed {
		return ErrClosed
	}
	var g errgroup.Group
	errs := make([]error, len(m.sinks))
	for i, s := range m.sinks {
		g.Go(func() error {
			errs[i] = s.Write(ctx, events...)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every sink implementing model.EventWriteCloser.
func (m *Multi) Close() error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(model.EventWriteCloser); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
