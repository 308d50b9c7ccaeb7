package sink_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/wizvms/internal/model"
	"github.com/CZERTAINLY/wizvms/internal/sink"
)

var started = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func events() []model.Event {
	return []model.Event{
		{
			Time:   started,
			Host:   "api.us1.app.wiz.io",
			Source: model.ReportSource("r-1"),
			Input:  "prod",
			Index:  "wiz",
			Data: model.Record{
				"id":                    "vm-1",
				"name":                  "web <1>",
				model.KeyRegion:         "eastus",
				model.KeySubscriptionID: "sub-1",
				model.KeyLastSeen:       "2025-03-01T09:00:00Z",
			},
			ReportID: "r-1",
		},
		{
			Time:     started,
			Host:     "api.us1.app.wiz.io",
			Source:   model.ReportSource("r-1"),
			Input:    "prod",
			Data:     model.Record{"InstanceId": "i-2"},
			ReportID: "r-1",
		},
	}
}

func TestWriter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := sink.NewWriter(&buf)
	require.NoError(t, w.Write(t.Context(), events()...))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], `"name":"web <1>"`)

	var got model.Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	require.Equal(t, "wiz_report_id://r-1", got.Source)
	require.Equal(t, "i-2", got.Data.ID())
	require.Empty(t, got.ReportID)
}

func TestDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	d, err := sink.NewDir(dir, started)
	require.NoError(t, err)
	require.Equal(t, "wizvms-2025-03-01-10-00-00.jsonl", d.Name())

	require.NoError(t, d.Write(t.Context(), events()[:1]...))
	require.NoError(t, d.Write(t.Context(), events()[1:]...))
	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Write(t.Context(), events()...), sink.ErrClosed)

	b, err := os.ReadFile(filepath.Join(dir, d.Name()))
	require.NoError(t, err)
	require.Equal(t, 2, bytes.Count(b, []byte("\n")))
}

func TestDir_Fail(t *testing.T) {
	t.Parallel()
	_, err := sink.NewDir(filepath.Join(t.TempDir(), "missing"), started)
	require.Error(t, err)
}

type hecServer struct {
	*httptest.Server
	calls atomic.Int32
	fail  atomic.Int32 // number of 503 responses before success
	got   chan []map[string]any
}

func newHECServer(t *testing.T) *hecServer {
	t.Helper()
	s := &hecServer{got: make(chan []map[string]any, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		if r.URL.Path != "/services/collector/event" || r.Header.Get("Authorization") != "Splunk token" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"text":"Invalid token","code":4}`)
			return
		}
		if s.fail.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "busy")
			return
		}
		var got []map[string]any
		dec := json.NewDecoder(r.Body)
		for dec.More() {
			var m map[string]any
			if err := dec.Decode(&m); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			got = append(got, m)
		}
		s.got <- got
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"Success","code":0}`)
	}))
	t.Cleanup(s.Close)
	return s
}

func TestHEC(t *testing.T) {
	t.Parallel()
	srv := newHECServer(t)
	srv.fail.Store(1)

	h, err := sink.NewHEC(sink.HECConfig{
		URL:            srv.URL,
		Token:          "token",
		SourceType:     "wiz:vm",
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, h.Write(t.Context(), events()...))
	require.Equal(t, int32(2), srv.calls.Load())

	got := <-srv.got
	require.Len(t, got, 2)
	require.Equal(t, "wiz:vm", got[0]["sourcetype"])
	require.Equal(t, "wiz", got[0]["index"])
	require.Equal(t, "wiz_report_id://r-1", got[0]["source"])
	require.Equal(t, float64(started.Unix()), got[0]["time"])
	ev, ok := got[1]["event"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "i-2", ev["InstanceId"])

	require.NoError(t, h.Write(t.Context()))
	require.Equal(t, int32(2), srv.calls.Load())
}

func TestHEC_Unauthorized(t *testing.T) {
	t.Parallel()
	srv := newHECServer(t)

	h, err := sink.NewHEC(sink.HECConfig{
		URL:            srv.URL,
		Token:          "wrong",
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	err = h.Write(t.Context(), events()...)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Invalid token")
	require.Equal(t, int32(1), srv.calls.Load(), "client errors are not retried")
}

func TestHEC_RetryExhausted(t *testing.T) {
	t.Parallel()
	srv := newHECServer(t)
	srv.fail.Store(100)

	h, err := sink.NewHEC(sink.HECConfig{
		URL:            srv.URL,
		Token:          "token",
		Retries:        2,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	err = h.Write(t.Context(), events()...)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status code: 503")
	require.Equal(t, int32(3), srv.calls.Load())
}

func TestNewHEC_Fail(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		scenario string
		cfg      sink.HECConfig
	}{
		{"no scheme", sink.HECConfig{URL: "splunk:8088", Token: "t"}},
		{"path", sink.HECConfig{URL: "https://splunk:8088/services", Token: "t"}},
		{"no token", sink.HECConfig{URL: "https://splunk:8088"}},
	} {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := sink.NewHEC(tc.cfg)
			require.Error(t, err)
		})
	}
}

func TestSQLite(t *testing.T) {
	t.Parallel()
	db, err := sink.NewSQLite(t.Context(), ":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	evs := events()
	evs = append(evs, model.Event{Input: "prod", Data: model.Record{"name": "no id"}})
	require.NoError(t, db.Write(t.Context(), evs...))

	// the second report updates vm-1
	update := events()[0]
	update.ReportID = "r-2"
	update.Data = model.Record{"id": "vm-1", "name": "web-renamed"}
	require.NoError(t, db.Write(t.Context(), update))

	vms, err := db.VMs(t.Context())
	require.NoError(t, err)
	require.Len(t, vms, 2)
	require.Equal(t, "i-2", vms[0].ID)
	require.Equal(t, "i-2", vms[0].Name)
	require.Equal(t, "vm-1", vms[1].ID)
	require.Equal(t, "web-renamed", vms[1].Name)
	require.Equal(t, "r-2", vms[1].ReportID)
	require.Empty(t, vms[1].Region)
	require.Equal(t, started, vms[1].CollectedAt)
	require.Equal(t, model.Record{"id": "vm-1", "name": "web-renamed"}, vms[1].Data)
}

func TestBOM(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := sink.NewBOM(dir, started)
	require.NoError(t, err)
	require.Equal(t, "wizvms-2025-03-01-10-00-00.cdx.json", b.Name())

	require.NoError(t, b.Write(t.Context(), events()...))
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Close(), sink.ErrClosed)

	f, err := os.Open(filepath.Join(dir, b.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	var doc cdx.BOM
	require.NoError(t, cdx.NewBOMDecoder(f, cdx.BOMFileFormatJSON).Decode(&doc))
	require.NotNil(t, doc.Components)
	require.Len(t, *doc.Components, 2)
	require.Equal(t, "i-2", (*doc.Components)[0].BOMRef)
}

type failing struct {
	closed atomic.Bool
}

func (f *failing) Write(context.Context, ...model.Event) error {
	return errors.New("failing sink")
}

func (f *failing) Close() error {
	f.closed.Store(true)
	return nil
}

func TestMulti(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	bad := &failing{}
	m := sink.NewMulti(bad, sink.NewWriter(&buf))

	err := m.Write(t.Context(), events()...)
	require.EqualError(t, err, "failing sink")
	require.Equal(t, 2, strings.Count(buf.String(), "\n"), "healthy sinks still receive events")

	require.NoError(t, m.Close())
	require.True(t, bad.closed.Load())
	require.ErrorIs(t, m.Close(), sink.ErrClosed)
	require.ErrorIs(t, m.Write(t.Context(), events()...), sink.ErrClosed)
}

// rendezvous blocks every Write until all of the sinks sharing wg are
// writing.
type rendezvous struct {
	wg *sync.WaitGroup
	n  atomic.Int32
}

func (r *rendezvous) Write(_ context.Context, events ...model.Event) error {
	r.wg.Done()
	r.wg.Wait()
	r.n.Add(int32(len(events)))
	return nil
}

func TestMulti_Concurrent(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(2)
		a, b := &rendezvous{wg: &wg}, &rendezvous{wg: &wg}
		m := sink.NewMulti(a, b)

		require.NoError(t, m.Write(t.Context(), events()...))
		require.Equal(t, int32(2), a.n.Load())
		require.Equal(t, int32(2), b.n.Load())
	})
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("WIZVMS_TEST_HEC_TOKEN", "token")
	srv := newHECServer(t)

	m, err := sink.FromConfig(t.Context(), []model.Sink{
		{Type: model.SinkDir, Path: dir},
		{Type: model.SinkCycloneDX, Path: dir},
		{Type: model.SinkSQLite, Path: filepath.Join(dir, "vms.db")},
		{Type: model.SinkHEC, URL: srv.URL, Token: "$WIZVMS_TEST_HEC_TOKEN"},
	}, started)
	require.NoError(t, err)
	require.NoError(t, m.Write(t.Context(), events()...))
	require.NoError(t, m.Close())
	require.Len(t, <-srv.got, 2)

	for _, name := range []string{"wizvms-2025-03-01-10-00-00.jsonl", "wizvms-2025-03-01-10-00-00.cdx.json", "vms.db"} {
		require.FileExists(t, filepath.Join(dir, name))
	}
}

func TestFromConfig_Fail(t *testing.T) {
	t.Parallel()
	_, err := sink.FromConfig(t.Context(), []model.Sink{
		{Type: model.SinkDir, Path: t.TempDir()},
		{Type: model.SinkDir, Path: filepath.Join(t.TempDir(), "missing")},
		{Type: "kafka"},
	}, started)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sink[1] dir")
	require.Contains(t, err.Error(), `sink[2] kafka: unsupported sink type "kafka"`)
}
