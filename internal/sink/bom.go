package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/CZERTAINLY/wizvms/internal/bom"
	"github.com/CZERTAINLY/wizvms/internal/model"
)

// BOM collects the virtual machines of an episode and writes them as a
// CycloneDX document into a directory when closed.
type BOM struct {
	root    *os.Root
	name    string
	builder *bom.Builder
}

func NewBOM(path string, started time.Time) (*BOM, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &BOM{
		root:    root,
		name:    "wizvms-" + started.UTC().Format("2006-01-02-15-04-05") + ".cdx.json",
		builder: bom.NewBuilder(),
	}, nil
}

// Name is the name of the document inside the directory.
func (b *BOM) Name() string {
	return b.name
}

func (b *BOM) Write(_ context.Context, events ...model.Event) error {
	if b.root == nil {
		return ErrClosed
	}
	b.builder.AppendEvents(events...)
	count("cyclonedx", len(events), nil)
	return nil
}

func (b *BOM) Close() (err error) {
	if b.root == nil {
		return ErrClosed
	}
	defer func() {
		err = errors.Join(err, b.root.Close())
		b.root = nil
	}()

	f, err := b.root.Create(b.name)
	if err != nil {
		return fmt.Errorf("creating bom: %w", err)
	}
	if err := b.builder.AsJSON(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("encoding bom: %w", err)
	}
	return f.Close()
}
