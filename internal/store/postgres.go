package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

const createReadingsSQL = `
CREATE SCHEMA IF NOT EXISTS telemetry;
CREATE TABLE IF NOT EXISTS telemetry.readings (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	value       DOUBLE PRECISION NOT NULL,
	service     TEXT NOT NULL,
	label       TEXT NOT NULL,
	location_id UUID,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS readings_label_recorded_at_idx ON telemetry.readings (label, recorded_at);
`

const insertReadingSQL = `
INSERT INTO telemetry.readings (kind, value, service, label, location_id, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6)
`

// pgxPool is the part of *pgxpool.Pool used by PostgresSink.
type pgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresSink stores records in a PostgreSQL table.
type PostgresSink struct {
	pool   pgxPool
	logger *zap.SugaredLogger
}

// NewPostgresSink connects to url and ensures the readings table exists.
func NewPostgresSink(ctx context.Context, url string, logger *zap.SugaredLogger) (*PostgresSink, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}

	// Simple protocol so the multi-statement schema script runs as one Exec.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresSink{pool: pool, logger: logger}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the readings table when missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createReadingsSQL); err != nil {
		return fmt.Errorf("ensure telemetry schema: %w", err)
	}
	return nil
}

// StoreData inserts one record.
func (s *PostgresSink) StoreData(ctx context.Context, rec telemetry.Record) error {
	var locationID *string
	if rec.LocationID != "" {
		locationID = &rec.LocationID
	}

	_, err := s.pool.Exec(ctx, insertReadingSQL,
		string(rec.Kind), rec.Value, rec.Service, rec.Label, locationID, rec.Timestamp)
	if err != nil {
		s.logger.Errorw("failed to insert telemetry reading", "error", err, "label", rec.Label, "kind", rec.Kind)
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
	s.logger.Info("postgres sink closed")
}
