// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/stagestream/internal/store"
)

// StatusStoreConfig controls the Postgres connection pool used for stage status rows.
type StatusStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it too.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// StatusStore implements the store.StatusRepository interface using Postgres.
type StatusStore struct {
	pool pool
}

const schema = `
CREATE TABLE IF NOT EXISTS stage_status (
	group_id    TEXT        NOT NULL,
	sub_id      TEXT        NOT NULL,
	state       TEXT        NOT NULL,
	progress    INTEGER     NOT NULL DEFAULT 0,
	message     TEXT        NOT NULL DEFAULT '',
	current     INTEGER     NOT NULL DEFAULT 0,
	total       INTEGER     NOT NULL DEFAULT 0,
	retry_count INTEGER,
	events      BIGINT      NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	PRIMARY KEY (group_id, sub_id)
);`

const selectColumns = `group_id, sub_id, state, progress, message, current, total, retry_count, events,
	started_at, updated_at, finished_at`

// NewStatusStore creates a StatusStore backed by a new connection pool.
func NewStatusStore(ctx context.Context, cfg StatusStoreConfig) (*StatusStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &StatusStore{pool: p}, nil
}

// NewStatusStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStatusStoreWithPool(p pool) (*StatusStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &StatusStore{pool: p}, nil
}

// EnsureSchema creates the stage_status table when it is missing.
func (s *StatusStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create stage_status table: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *StatusStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *StatusStore) Close() {
	s.pool.Close()
}

// UpsertStatus inserts or replaces the status of one stage. started_at keeps
// its first value.
func (s *StatusStore) UpsertStatus(ctx context.Context, status store.StageStatus) error {
	query := `
		INSERT INTO stage_status (group_id, sub_id, state, progress, message, current, total,
			retry_count, events, started_at, updated_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (group_id, sub_id) DO UPDATE
		SET state = EXCLUDED.state,
			progress = EXCLUDED.progress,
			message = EXCLUDED.message,
			current = EXCLUDED.current,
			total = EXCLUDED.total,
			retry_count = EXCLUDED.retry_count,
			events = EXCLUDED.events,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		status.GroupID,
		status.SubID,
		string(status.State),
		status.Progress,
		status.Message,
		status.Current,
		status.Total,
		status.RetryCount,
		status.Events,
		status.StartedAt,
		status.UpdatedAt,
		status.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert stage status: %w", err)
	}
	return nil
}

// GetStatus retrieves a single stage.
func (s *StatusStore) GetStatus(ctx context.Context, groupID, subID string) (store.StageStatus, error) {
	query := `SELECT ` + selectColumns + `
		FROM stage_status
		WHERE group_id = $1 AND sub_id = $2;`
	status, err := scanStatus(s.pool.QueryRow(ctx, query, groupID, subID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.StageStatus{}, store.ErrNotFound
		}
		return store.StageStatus{}, fmt.Errorf("failed to get stage status: %w", err)
	}
	return status, nil
}

// ListStatuses retrieves every stage of a group.
func (s *StatusStore) ListStatuses(ctx context.Context, groupID string) ([]store.StageStatus, error) {
	query := `SELECT ` + selectColumns + `
		FROM stage_status
		WHERE group_id = $1
		ORDER BY sub_id;`
	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage statuses: %w", err)
	}
	defer rows.Close()

	var statuses []store.StageStatus
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage status row: %w", err)
		}
		statuses = append(statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stage statuses: %w", err)
	}
	return statuses, nil
}

func scanStatus(row pgx.Row) (store.StageStatus, error) {
	var (
		status store.StageStatus
		state  string
	)
	err := row.Scan(
		&status.GroupID,
		&status.SubID,
		&state,
		&status.Progress,
		&status.Message,
		&status.Current,
		&status.Total,
		&status.RetryCount,
		&status.Events,
		&status.StartedAt,
		&status.UpdatedAt,
		&status.FinishedAt,
	)
	if err != nil {
		return store.StageStatus{}, err
	}
	status.State = store.StageState(state)
	return status, nil
}

var _ store.StatusRepository = (*StatusStore)(nil)
