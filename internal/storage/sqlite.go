package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS test_runs (
    id TEXT PRIMARY KEY,
    test_name TEXT NOT NULL,
    device TEXT NOT NULL,
    channels TEXT NOT NULL,
    started_at TEXT NOT NULL,
    config TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS measurements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES test_runs(id),
    ts TEXT NOT NULL,
    cycle INTEGER NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    activation_elapsed_ms INTEGER NOT NULL,
    mode TEXT NOT NULL,
    regulation TEXT NOT NULL,
    voltage_mv INTEGER NOT NULL,
    current_ma INTEGER NOT NULL,
    temperature_c REAL NOT NULL,
    amp_hours REAL NOT NULL,
    watt_hours REAL NOT NULL,
    resistance_ohm REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS measurements_run_ts ON measurements (run_id, ts);`

const sqliteTimeFormat = "2006-01-02 15:04:05.000"

// SQLiteRecorder keeps runs in a local database file for benches without a
// database server.
type SQLiteRecorder struct {
	db     *sql.DB
	insert *sql.Stmt
}

func NewSQLiteRecorder(ctx context.Context, path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// One writer; the tick loop is the only producer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema in %s: %w", path, err)
	}

	insert, err := db.PrepareContext(ctx, `
		INSERT INTO measurements (
			run_id, ts, cycle, elapsed_ms, activation_elapsed_ms, mode, regulation,
			voltage_mv, current_ma, temperature_c, amp_hours, watt_hours, resistance_ohm
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}

	return &SQLiteRecorder{db: db, insert: insert}, nil
}

func (s *SQLiteRecorder) BeginRun(ctx context.Context, run Run) error {
	channels, err := json.Marshal(run.Channels)
	if err != nil {
		return fmt.Errorf("failed to encode channels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO test_runs (id, test_name, device, channels, started_at, config)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.TestName, run.Device, string(channels),
		run.StartedAt.UTC().Format(sqliteTimeFormat), string(run.Config))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLiteRecorder) Record(ctx context.Context, rec types.Record) error {
	m := rec.Measurement
	_, err := s.insert.ExecContext(ctx,
		rec.RunID.String(), rec.Timestamp.UTC().Format(sqliteTimeFormat), rec.Cycle,
		rec.Elapsed.Milliseconds(), rec.ActivationElapsed.Milliseconds(),
		string(m.Mode), string(m.Regulation), m.Voltage, m.Current, m.Temperature,
		m.AmpHours, m.WattHours, m.Resistance)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

func (s *SQLiteRecorder) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, test_name, device, channels, started_at, config
		FROM test_runs
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var r Run
		var id, channels, startedAt, cfg string
		if err := rows.Scan(&id, &r.TestName, &r.Device, &channels, &startedAt, &cfg); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad run id %q: %w", id, err)
		}
		if r.StartedAt, err = time.Parse(sqliteTimeFormat, startedAt); err != nil {
			return nil, fmt.Errorf("bad run start %q: %w", startedAt, err)
		}
		if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
			return nil, fmt.Errorf("bad channel list %q: %w", channels, err)
		}
		r.Config = []byte(cfg)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Measurements returns the newest limit records of a run, oldest first.
func (s *SQLiteRecorder) Measurements(ctx context.Context, runID uuid.UUID, limit int) ([]types.Record, error) {
	var testName string
	err := s.db.QueryRowContext(ctx, `SELECT test_name FROM test_runs WHERE id = ?`, runID.String()).Scan(&testName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, cycle, elapsed_ms, activation_elapsed_ms, mode, regulation,
		       voltage_mv, current_ma, temperature_c, amp_hours, watt_hours, resistance_ohm
		FROM (SELECT * FROM measurements WHERE run_id = ? ORDER BY id DESC LIMIT ?)
		ORDER BY id`, runID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		rec := types.Record{RunID: runID, TestName: testName}
		var ts, mode, regulation string
		var elapsedMS, activationMS int64
		m := &rec.Measurement
		if err := rows.Scan(&ts, &rec.Cycle, &elapsedMS, &activationMS, &mode, &regulation,
			&m.Voltage, &m.Current, &m.Temperature, &m.AmpHours, &m.WattHours, &m.Resistance); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		if rec.Timestamp, err = time.Parse(sqliteTimeFormat, ts); err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", ts, err)
		}
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		rec.ActivationElapsed = time.Duration(activationMS) * time.Millisecond
		m.Mode = types.Mode(mode)
		m.Regulation = types.Regulation(regulation)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteRecorder) Close() error {
	s.insert.Close()
	return s.db.Close()
}
