package wiz

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/CZERTAINLY/wizvms/internal/model"
)

// Report columns.
const (
	ColumnCloudNativeJSON = "Cloud Native JSON"
	ColumnLastSeen        = "Last Seen"
	ColumnSubscriptionID  = "Subscription ID"
	ColumnProjects        = "Projects"
	ColumnRegion          = "Region"
)

var enrichments = []struct {
	column string
	key    string
}{
	{ColumnLastSeen, model.KeyLastSeen},
	{ColumnSubscriptionID, model.KeySubscriptionID},
	{ColumnProjects, model.KeyProjects},
	{ColumnRegion, model.KeyRegion},
}

// RowError is a report row which can't be turned into a record. The
// iteration continues after it.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("report line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

var ErrNoCloudNativeJSON = errors.New("report has no " + ColumnCloudNativeJSON + " column")

// Records parses a cloud resource report. Each row yields the decoded
// cloud native JSON enriched with the last seen, subscription, projects and
// region columns. Rows which fail to decode yield a *RowError; any other
// error ends the iteration.
func Records(r io.Reader) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true

		header, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			yield(nil, fmt.Errorf("reading report header: %w", err))
			return
		}
		columns := make(map[string]int, len(header))
		for i, name := range header {
			if i == 0 {
				name = strings.TrimPrefix(name, "\ufeff")
			}
			columns[strings.TrimSpace(name)] = i
		}
		jsonIdx, ok := columns[ColumnCloudNativeJSON]
		if !ok {
			yield(nil, ErrNoCloudNativeJSON)
			return
		}

		for {
			row, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var pe *csv.ParseError
				if errors.As(err, &pe) {
					if !yield(nil, &RowError{Line: pe.Line, Err: err}) {
						return
					}
					continue
				}
				yield(nil, fmt.Errorf("reading report: %w", err))
				return
			}
			line, _ := cr.FieldPos(0)

			if jsonIdx >= len(row) {
				if !yield(nil, &RowError{Line: line, Err: errors.New("missing " + ColumnCloudNativeJSON)}) {
					return
				}
				continue
			}
			var rec model.Record
			if err := json.Unmarshal([]byte(row[jsonIdx]), &rec); err != nil || rec == nil {
				if err == nil {
					err = errors.New("cloud native JSON is not an object")
				}
				if !yield(nil, &RowError{Line: line, Err: err}) {
					return
				}
				continue
			}
			for _, e := range enrichments {
				if i, ok := columns[e.column]; ok && i < len(row) {
					rec[e.key] = row[i]
				}
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
