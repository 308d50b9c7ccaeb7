package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/wizvms/internal/model"
)

var schema = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	`CREATE TABLE IF NOT EXISTS vms (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	input           TEXT NOT NULL,
	report_id       TEXT NOT NULL,
	region          TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	last_seen       TEXT NOT NULL,
	collected_at    TEXT NOT NULL,
	data            TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_vms_report ON vms(report_id)`,
}

const upsertVM = `
INSERT INTO vms (id, name, input, report_id, region, subscription_id, last_seen, collected_at, data)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	input = excluded.input,
	report_id = excluded.report_id,
	region = excluded.region,
	subscription_id = excluded.subscription_id,
	last_seen = excluded.last_seen,
	collected_at = excluded.collected_at,
	data = excluded.data`

// SQLite keeps the last known state of every virtual machine in the vms
// table. Records without an id are skipped.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the database at path. Use ":memory:" for an
// in-memory database.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("initializing sqlite %s: %w", path, err)
		}
	}
	return &SQLite{
		db:     db,
		logger: logger.With("component", "sqlite"),
	}, nil
}

func (s *SQLite) Write(ctx context.Context, events ...model.Event) (err error) {
	defer func() {
		count("sqlite", len(events), err)
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertVM)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	var skipped int
	for _, ev := range events {
		id := ev.Data.ID()
		if id == "" {
			skipped++
			continue
		}
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", id, err)
		}
		_, err = stmt.ExecContext(ctx,
			id, ev.Data.Name(), ev.Input, ev.ReportID, ev.Data.Region(), ev.Data.SubscriptionID(),
			ev.Data.LastSeen(), ev.Time.UTC().Format(time.RFC3339Nano), string(data),
		)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.DebugContext(ctx, "sql", "op", "upsert", "table", "vms", "rows", len(events)-skipped, "skipped", skipped)
	return nil
}

// VM is a row of the vms table.
type VM struct {
	ID             string
	Name           string
	Input          string
	ReportID       string
	Region         string
	SubscriptionID string
	LastSeen       string
	CollectedAt    time.Time
	Data           model.Record
}

// VMs returns the stored machines ordered by id.
func (s *SQLite) VMs(ctx context.Context) ([]VM, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, input, report_id, region, subscription_id, last_seen, collected_at, data
		 FROM vms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []VM
	for rows.Next() {
		var vm VM
		var collectedAt, data string
		if err := rows.Scan(&vm.ID, &vm.Name, &vm.Input, &vm.ReportID, &vm.Region, &vm.SubscriptionID,
			&vm.LastSeen, &collectedAt, &data); err != nil {
			return nil, err
		}
		vm.CollectedAt, err = time.Parse(time.RFC3339Nano, collectedAt)
		if err != nil {
			return nil, fmt.Errorf("parse collected_at of %s: %w", vm.ID, err)
		}
		if err := json.Unmarshal([]byte(data), &vm.Data); err != nil {
			return nil, fmt.Errorf("unmarshal data of %s: %w", vm.ID, err)
		}
		out = append(out, vm)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
