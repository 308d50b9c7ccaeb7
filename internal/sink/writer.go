package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/CZERTAINLY/wizvms/internal/model"
)

// Writer writes events as JSON lines.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	if w == nil {
		w = os.Stdout
	}
	return &Writer{w: w}
}

func (s *Writer) Write(_ context.Context, events ...model.Event) error {
	enc := json.NewEncoder(s.w)
	enc.SetEscapeHTML(false)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			count("writer", i, nil)
			count("writer", len(events)-i, err)
			return fmt.Errorf("encoding event: %w", err)
		}
	}
	count("writer", len(events), nil)
	return nil
}

// Dir writes the events of an episode into a single JSON lines file
// created in a directory on the first write.
type Dir struct {
	root *os.Root
	name string
	f    *os.File
	w    *Writer
}

func NewDir(path string, started time.Time) (*Dir, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &Dir{
		root: root,
		name: "wizvms-" + started.UTC().Format("2006-01-02-15-04-05") + ".jsonl",
	}, nil
}

// Name is the name of the file inside the directory.
func (d *Dir) Name() string {
	return d.name
}

func (d *Dir) Write(ctx context.Context, events ...model.Event) error {
	if d.root == nil {
		return ErrClosed
	}
	if d.f == nil {
		f, err := d.root.OpenFile(d.name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("creating wizvms results: %w", err)
		}
		d.f = f
		d.w = NewWriter(f)
		slog.InfoContext(ctx, "writing events", "path", d.name)
	}
	return d.w.Write(ctx, events...)
}

func (d *Dir) Close() error {
	if d.root == nil {
		return ErrClosed
	}
	var errs []error
	if d.f != nil {
		errs = append(errs, d.f.Close())
		d.f = nil
	}
	errs = append(errs, d.root.Close())
	d.root = nil
	return errors.Join(errs...)
}
