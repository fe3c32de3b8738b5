package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KevinKickass/OpenCellCycler/internal/config"
	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS test_runs (
	id          UUID PRIMARY KEY,
	test_name   TEXT NOT NULL,
	device      TEXT NOT NULL,
	channels    INTEGER[] NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	config      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS measurements (
	id                    BIGSERIAL PRIMARY KEY,
	run_id                UUID NOT NULL REFERENCES test_runs(id) ON DELETE CASCADE,
	ts                    TIMESTAMPTZ NOT NULL,
	cycle                 INTEGER NOT NULL,
	elapsed_ms            BIGINT NOT NULL,
	activation_elapsed_ms BIGINT NOT NULL,
	mode                  TEXT NOT NULL,
	regulation            TEXT NOT NULL,
	voltage_mv            INTEGER NOT NULL,
	current_ma            INTEGER NOT NULL,
	temperature_c         DOUBLE PRECISION NOT NULL,
	amp_hours             DOUBLE PRECISION NOT NULL,
	watt_hours            DOUBLE PRECISION NOT NULL,
	resistance_ohm        DOUBLE PRECISION NOT NULL
);

CREATE INDEX IF NOT EXISTS measurements_run_ts ON measurements (run_id, ts);
`

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

// EnsureSchema creates the run and measurement tables if missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresClient) BeginRun(ctx context.Context, run Run) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO test_runs (id, test_name, device, channels, started_at, config)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.TestName, run.Device, run.Channels, run.StartedAt, run.Config)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (p *PostgresClient) Record(ctx context.Context, rec types.Record) error {
	m := rec.Measurement
	_, err := p.pool.Exec(ctx, `
		INSERT INTO measurements (
			run_id, ts, cycle, elapsed_ms, activation_elapsed_ms, mode, regulation,
			voltage_mv, current_ma, temperature_c, amp_hours, watt_hours, resistance_ohm
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, rec.RunID, rec.Timestamp, rec.Cycle, rec.Elapsed.Milliseconds(), rec.ActivationElapsed.Milliseconds(),
		string(m.Mode), string(m.Regulation), m.Voltage, m.Current, m.Temperature,
		m.AmpHours, m.WattHours, m.Resistance)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, test_name, device, channels, started_at, config
		FROM test_runs
		ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.TestName, &r.Device, &r.Channels, &r.StartedAt, &r.Config); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Measurements returns the newest limit records of a run, oldest first.
func (p *PostgresClient) Measurements(ctx context.Context, runID uuid.UUID, limit int) ([]types.Record, error) {
	var testName string
	err := p.pool.QueryRow(ctx, `SELECT test_name FROM test_runs WHERE id = $1`, runID).Scan(&testName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT ts, cycle, elapsed_ms, activation_elapsed_ms, mode, regulation,
		       voltage_mv, current_ma, temperature_c, amp_hours, watt_hours, resistance_ohm
		FROM (
			SELECT * FROM measurements WHERE run_id = $1 ORDER BY ts DESC LIMIT $2
		) newest
		ORDER BY ts
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		rec := types.Record{RunID: runID, TestName: testName}
		var elapsedMS, activationMS int64
		var mode, regulation string
		m := &rec.Measurement
		if err := rows.Scan(&rec.Timestamp, &rec.Cycle, &elapsedMS, &activationMS, &mode, &regulation,
			&m.Voltage, &m.Current, &m.Temperature, &m.AmpHours, &m.WattHours, &m.Resistance); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		rec.ActivationElapsed = time.Duration(activationMS) * time.Millisecond
		m.Mode = types.Mode(mode)
		m.Regulation = types.Regulation(regulation)
		records = append(records, rec)
	}
	return records, rows.Err()
}
